/*
Package handlers 提供 agentrun HTTP API 的请求处理器。

# 概述

每个 Handler 持有一个小接口（RunService、ScheduleService、CallbackService、
ComposeStore、SecretWriter），通过 Register 把 Go 1.22 风格的
"METHOD /path/{id}" 路由挂到 http.ServeMux 上。认证由 cmd 层中间件完成：
用户接口从 ctxkeys.UserID 取身份，沙箱回调从 ctxkeys.RunID 取 token 绑定的 run。

# 响应格式

所有 JSON 响应使用 Response{success, data, error, timestamp, request_id}。
types.Error 的错误码映射到 HTTP 状态码，其余错误一律按 500 返回且不暴露细节。

# 路由

  - /api/v1/runs             创建、列表、查询、取消
  - /api/v1/schedules        部署、列表、启停、删除
  - /api/v1/composes         保存版本、查询、授权
  - /api/v1/secrets/{name}   写入与删除
  - /api/v1/sandbox/*        heartbeat、events、checkpoints、complete
  - /health /ready /version  探针与构建信息
*/
package handlers
