/*
包 database 提供基于 GORM 的数据库打开、连接池管理与事务重试。

# 核心类型

  - PoolManager：持有 GORM DB 与底层 sql.DB，提供 Ping、Stats、Close，
    后台健康检查把连接数写入 Prometheus。
  - PoolConfig：最大空闲连接、最大打开连接、生命周期与健康检查间隔。
  - Open / Dialector：按配置选择 postgres、mysql 或 sqlite 驱动。

# 事务

WithTransactionRetry 在死锁、序列化失败、SQLite 写锁等冲突时指数退避重试，
store.Store 通过 UseTxRunner 接入，checkpoint 写入即走这条路径。
*/
package database
