/*
Package main 提供 agentrun 服务端程序入口。

# 子命令

  - serve    启动 API 与 metrics 两个 HTTP 服务，以及心跳回收器和调度引擎两个后台循环
  - sweep    执行一次 reaper 或 schedules，供外部 cron 调用
  - migrate  基于 golang-migrate 的数据库迁移
  - health   访问 /readyz
  - version  打印构建信息

# 中间件链

Recovery → RequestID → OTelTracing → MetricsMiddleware → SecurityHeaders →
RequestLogger → CORS → Authenticate → RateLimiter。Authenticate 对
/api/v1/sandbox/ 下的回调校验沙箱 token，对其余 /api/ 路由校验用户 JWT。

serve 启动前要求数据库 schema 已迁移到最新版本。
*/
package main
