// Copyright (c) AgentRun Authors.
// Licensed under the MIT License.

/*
Package types 提供 AgentRun 编排引擎的共享错误类型。

# 概述

types 是最底层的公共包，不依赖任何内部包。所有服务层返回的业务错误
统一使用 *Error，由 API 层根据 Code 映射为 HTTP 状态码。

# 错误码

  - NOT_FOUND           ：资源不存在，或属于其他用户（不暴露存在性）
  - BAD_REQUEST         ：参数非法、模板引用缺失
  - INVALID_STATE       ：状态不允许该操作（如取消非 pending 的 run）
  - FORBIDDEN           ：无 compose 运行权限
  - CONCURRENT_RUN_LIMIT：活跃 run 达到上限，可重试
  - CONFLICT            ：唯一性冲突（如同一 run 重复创建 checkpoint）
*/
package types
