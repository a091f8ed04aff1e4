// 版权所有 2024 AgentRun Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 cache 提供基于 Redis 的协调能力：分布式锁与追加式 stream。

# 概述

本包封装 go-redis 客户端。多副本部署时，调度器与心跳回收器通过
TryLock 保证同一时刻只有一个副本处理同一调度或同一轮清扫；遥测
sink 通过 AppendStream 把 agent 事件与沙箱操作写入 Redis Stream，
供下游分析消费。

# 核心类型

  - Manager：持有 Redis 客户端，提供 TryLock/Unlock、AppendStream/StreamLen、
    Ping 与 Close。
  - Config：地址、密码、键前缀、连接池、TLS 与 stream 裁剪长度。
  - Lock：已持有的锁，Unlock 仅在 token 匹配时删除键。

# 主要能力

  - 锁释放使用 Lua 脚本比较 token 后删除。
  - Stream 写入使用 MAXLEN ~ 近似裁剪。
  - 后台定时 Ping，异常时通过 zap 日志告警。
*/
package cache
