/*
Package testutil 提供 AgentRun 测试的共享工具和辅助函数。

# 核心能力

  - 上下文辅助: TestContext / CancelledContext
  - 数据库: NewTestDB / NewTestStore，基于纯 Go 的 glebarez/sqlite 内存库
  - 时钟: Clock，可手动推进，用于心跳与调度测试
  - 数据准备: SeedCompose / SeedRun / SeedVolume 等
  - 断言工具: AssertJSONEqual / AssertEventuallyTrue

# 子包

  - testutil/mocks: 沙箱供应商、遥测 sink、对象存储预签名与分布式锁的 Mock 实现
*/
package testutil
