// 版权所有 2024 AgentRun Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 migration 管理 agentrun 的数据库 Schema，支持 PostgreSQL、
MySQL 与 SQLite 三种方言，基于 golang-migrate 实现。

# 概述

各方言的 SQL 迁移文件通过 embed.FS 内嵌，建立 ar_ 前缀的
run、compose、checkpoint、session、schedule、volume、secret 等表。
serve 启动前调用 RequireCurrent 拒绝落后或 dirty 的 Schema，
agentrun migrate 子命令通过 CLI 执行 up/down/goto/force/status/check，
每次改动后打印 serve 能否启动的结论。

# 核心类型

  - Migrator / DefaultMigrator：Up/Down/DownAll/Steps/Goto/Force/
    Version/Status/Info/RequireCurrent/Close。
  - MigrationInfo.Ready：ErrPendingMigrations / ErrDirtySchema 判定。
  - NewMigratorFromDatabaseConfig / NewMigratorFromURL：从应用配置或连接串创建。
  - NewMigratorWithDB：复用已打开的 *sql.DB。
  - CLI：面向终端的格式化输出。
*/
package migration
