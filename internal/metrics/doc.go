// 版权所有 2024 AgentRun Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的指标采集能力，覆盖 HTTP、run 分发、
沙箱操作、后台任务与数据库连接。

# 概述

Collector 统一注册和记录 Prometheus 指标，使用 promauto 自动注册。
生产环境注册到默认 Registerer，测试通过 NewCollectorWithRegistry
传入独立 Registry。

# 主要能力

  - HTTP 指标：请求总数与耗时，状态码归类为 2xx/3xx/4xx/5xx。
  - Run 指标：按来源与结果统计分发，按目标状态统计状态转换。
  - 沙箱指标：按 provider/action/success 统计操作次数与耗时。
  - 后台任务：心跳回收结果、调度执行结果、写入分析 sink 的记录数。
  - 数据库指标：活跃/空闲连接数 Gauge。
*/
package metrics
