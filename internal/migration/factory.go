package migration

import (
	"fmt"

	appconfig "github.com/BaSui01/agentrun/config"
)

// DefaultTableName 版本表名，与业务表共用 ar_ 前缀
const DefaultTableName = "ar_schema_migrations"

// NewMigratorFromDatabaseConfig 按应用的数据库配置创建迁移器。
// serve 的 schema 检查与 migrate 子命令都走这里。
func NewMigratorFromDatabaseConfig(dbCfg appconfig.DatabaseConfig) (*DefaultMigrator, error) {
	dbType, dbURL, err := databaseURL(dbCfg)
	if err != nil {
		return nil, err
	}
	return NewMigrator(&Config{
		DatabaseType: dbType,
		DatabaseURL:  dbURL,
		TableName:    DefaultTableName,
	})
}

// NewMigratorFromURL 直接使用连接串，供 migrate --db-type/--db-url 使用
func NewMigratorFromURL(dbType, dbURL string) (*DefaultMigrator, error) {
	dt, err := ParseDatabaseType(dbType)
	if err != nil {
		return nil, err
	}
	if dbURL == "" {
		return nil, fmt.Errorf("database url is required")
	}
	return NewMigrator(&Config{
		DatabaseType: dt,
		DatabaseURL:  dbURL,
		TableName:    DefaultTableName,
	})
}

// databaseURL 把 DatabaseConfig 转成 golang-migrate 能识别的连接串。
// SQLite 的 Name 字段即文件路径；MySQL 不使用 sslmode，Postgres 默认 require。
func databaseURL(c appconfig.DatabaseConfig) (DatabaseType, string, error) {
	dbType, err := ParseDatabaseType(c.Driver)
	if err != nil {
		return "", "", fmt.Errorf("invalid database type: %w", err)
	}
	switch dbType {
	case DatabaseTypePostgres:
		sslMode := c.SSLMode
		if sslMode == "" {
			sslMode = "require"
		}
		return dbType, fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
			c.User, c.Password, c.Host, c.Port, c.Name, sslMode), nil
	case DatabaseTypeMySQL:
		return dbType, fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&multiStatements=true",
			c.User, c.Password, c.Host, c.Port, c.Name), nil
	case DatabaseTypeSQLite:
		if c.Name == "" {
			return "", "", fmt.Errorf("sqlite database path is required")
		}
		return dbType, fmt.Sprintf("file:%s?mode=rwc&_foreign_keys=on", c.Name), nil
	}
	return "", "", fmt.Errorf("unsupported database type: %s", dbType)
}
