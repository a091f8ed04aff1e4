package migration

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/postgres/*.sql
var postgresFS embed.FS

//go:embed migrations/mysql/*.sql
var mysqlFS embed.FS

//go:embed migrations/sqlite/*.sql
var sqliteFS embed.FS

// DatabaseType 迁移方言
type DatabaseType string

const (
	DatabaseTypePostgres DatabaseType = "postgres"
	DatabaseTypeMySQL    DatabaseType = "mysql"
	DatabaseTypeSQLite   DatabaseType = "sqlite"
)

// defaultLockTimeout 多个 agentrun 实例同时迁移时等待版本锁的上限
const defaultLockTimeout = 15 * time.Second

// ParseDatabaseType 解析配置里的 driver 名，接受常见别名。
func ParseDatabaseType(s string) (DatabaseType, error) {
	switch strings.ToLower(s) {
	case "postgres", "postgresql", "pg":
		return DatabaseTypePostgres, nil
	case "mysql", "mariadb":
		return DatabaseTypeMySQL, nil
	case "sqlite", "sqlite3":
		return DatabaseTypeSQLite, nil
	default:
		return "", fmt.Errorf("unsupported database type: %s", s)
	}
}

// sqlDriver database/sql 注册的驱动名；sqlite3 由 golang-migrate 的 sqlite3 驱动引入。
func (t DatabaseType) sqlDriver() (string, error) {
	switch t {
	case DatabaseTypePostgres:
		return "postgres", nil
	case DatabaseTypeMySQL:
		return "mysql", nil
	case DatabaseTypeSQLite:
		return "sqlite3", nil
	}
	return "", fmt.Errorf("unsupported database type: %s", t)
}

// migrations 返回该方言内嵌的迁移目录
func (t DatabaseType) migrations() (fs.FS, string, error) {
	switch t {
	case DatabaseTypePostgres:
		return postgresFS, "migrations/postgres", nil
	case DatabaseTypeMySQL:
		return mysqlFS, "migrations/mysql", nil
	case DatabaseTypeSQLite:
		return sqliteFS, "migrations/sqlite", nil
	}
	return nil, "", fmt.Errorf("unsupported database type: %s", t)
}

// MigrationStatus 单个内嵌迁移相对数据库的状态
type MigrationStatus struct {
	Version uint
	Name    string
	Applied bool
	Dirty   bool
}

// State 状态表里显示的文字
func (s MigrationStatus) State() string {
	switch {
	case s.Dirty:
		return "dirty"
	case s.Applied:
		return "applied"
	default:
		return "pending"
	}
}

// MigrationInfo 数据库版本与内嵌迁移的对比汇总
type MigrationInfo struct {
	CurrentVersion    uint
	Dirty             bool
	TotalMigrations   int
	AppliedMigrations int
	PendingMigrations int
}

// ErrPendingMigrations 数据库版本落后于内嵌迁移
var ErrPendingMigrations = errors.New("database schema has pending migrations")

// ErrDirtySchema 上次迁移中途失败，需要 force 后重试
var ErrDirtySchema = errors.New("database schema is dirty")

// Ready serve 能否在该 Schema 上启动；dirty 优先于 pending。
func (i *MigrationInfo) Ready() error {
	if i.Dirty {
		return fmt.Errorf("%w at version %d", ErrDirtySchema, i.CurrentVersion)
	}
	if i.PendingMigrations > 0 {
		return fmt.Errorf("%w: %d pending", ErrPendingMigrations, i.PendingMigrations)
	}
	return nil
}

// Config 迁移器配置
type Config struct {
	DatabaseType DatabaseType
	// DatabaseURL golang-migrate 格式的连接串，见 factory.go 的 databaseURL
	DatabaseURL string
	// TableName 版本表，默认 ar_schema_migrations
	TableName   string
	LockTimeout time.Duration
}

// Migrator agentrun 的 Schema 迁移操作。阻塞操作在 ctx 取消后
// 完成当前迁移即停止。
type Migrator interface {
	Up(ctx context.Context) error
	Down(ctx context.Context) error
	DownAll(ctx context.Context) error
	// Steps n>0 向前，n<0 回滚
	Steps(ctx context.Context, n int) error
	Goto(ctx context.Context, version uint) error
	// Force 只改写版本号不执行 SQL，用于清除 dirty
	Force(ctx context.Context, version int) error
	Version(ctx context.Context) (uint, bool, error)
	Status(ctx context.Context) ([]MigrationStatus, error)
	Info(ctx context.Context) (*MigrationInfo, error)
	// RequireCurrent 返回 ErrPendingMigrations 或 ErrDirtySchema
	RequireCurrent(ctx context.Context) error
	Close() error
}

// DefaultMigrator 基于 golang-migrate 与内嵌 SQL 的 Migrator
type DefaultMigrator struct {
	config  *Config
	migrate *migrate.Migrate
	db      *sql.DB
}

var _ Migrator = (*DefaultMigrator)(nil)

// NewMigrator 按 cfg 打开数据库并挂载内嵌迁移。
func NewMigrator(cfg *Config) (*DefaultMigrator, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.DatabaseURL == "" {
		return nil, errors.New("database URL is required")
	}
	driver, err := cfg.DatabaseType.sqlDriver()
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return newMigrator(cfg, db)
}

// NewMigratorWithDB 复用已打开的连接；Close 会一并关闭 db。
func NewMigratorWithDB(dbType DatabaseType, db *sql.DB, tableName string) (*DefaultMigrator, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	return newMigrator(&Config{DatabaseType: dbType, TableName: tableName}, db)
}

func newMigrator(cfg *Config, db *sql.DB) (*DefaultMigrator, error) {
	if cfg.TableName == "" {
		cfg.TableName = DefaultTableName
	}
	if cfg.LockTimeout == 0 {
		cfg.LockTimeout = defaultLockTimeout
	}

	dbDriver, err := databaseDriver(cfg, db)
	if err != nil {
		return nil, fmt.Errorf("create database driver: %w", err)
	}
	fsys, dir, err := cfg.DatabaseType.migrations()
	if err != nil {
		return nil, err
	}
	src, err := iofs.New(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("load embedded migrations: %w", err)
	}
	mg, err := migrate.NewWithInstance("iofs", src, string(cfg.DatabaseType), dbDriver)
	if err != nil {
		return nil, fmt.Errorf("create migrate instance: %w", err)
	}
	mg.LockTimeout = cfg.LockTimeout
	return &DefaultMigrator{config: cfg, migrate: mg, db: db}, nil
}

func databaseDriver(cfg *Config, db *sql.DB) (database.Driver, error) {
	switch cfg.DatabaseType {
	case DatabaseTypePostgres:
		return postgres.WithInstance(db, &postgres.Config{MigrationsTable: cfg.TableName})
	case DatabaseTypeMySQL:
		return mysql.WithInstance(db, &mysql.Config{MigrationsTable: cfg.TableName})
	case DatabaseTypeSQLite:
		return sqlite3.WithInstance(db, &sqlite3.Config{MigrationsTable: cfg.TableName})
	}
	return nil, fmt.Errorf("unsupported database type: %s", cfg.DatabaseType)
}

// apply 执行一次会改动 Schema 的操作。ctx 取消时通知 golang-migrate
// 在当前迁移结束后停下，并返回 ctx 的错误；ErrNoChange 视为成功。
func (m *DefaultMigrator) apply(ctx context.Context, op string, fn func() error) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			select {
			case m.migrate.GracefulStop <- true:
			default:
			}
		case <-done:
		}
	}()

	if err := fn(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate %s: %w", op, err)
	}
	return ctx.Err()
}

func (m *DefaultMigrator) Up(ctx context.Context) error {
	return m.apply(ctx, "up", m.migrate.Up)
}

// Down 只回滚最近一次迁移
func (m *DefaultMigrator) Down(ctx context.Context) error {
	return m.apply(ctx, "down", func() error { return m.migrate.Steps(-1) })
}

func (m *DefaultMigrator) DownAll(ctx context.Context) error {
	return m.apply(ctx, "reset", m.migrate.Down)
}

func (m *DefaultMigrator) Steps(ctx context.Context, n int) error {
	return m.apply(ctx, fmt.Sprintf("steps %d", n), func() error { return m.migrate.Steps(n) })
}

func (m *DefaultMigrator) Goto(ctx context.Context, version uint) error {
	return m.apply(ctx, fmt.Sprintf("goto %d", version), func() error { return m.migrate.Migrate(version) })
}

func (m *DefaultMigrator) Force(_ context.Context, version int) error {
	if err := m.migrate.Force(version); err != nil {
		return fmt.Errorf("migrate force %d: %w", version, err)
	}
	return nil
}

// Version 尚未执行过任何迁移时返回 0。
func (m *DefaultMigrator) Version(_ context.Context) (uint, bool, error) {
	version, dirty, err := m.migrate.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read schema version: %w", err)
	}
	return version, dirty, nil
}

func (m *DefaultMigrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	statuses, _, err := m.snapshot(ctx)
	return statuses, err
}

func (m *DefaultMigrator) Info(ctx context.Context) (*MigrationInfo, error) {
	_, info, err := m.snapshot(ctx)
	return info, err
}

// RequireCurrent serve 启动前调用，拒绝落后或 dirty 的 Schema。
func (m *DefaultMigrator) RequireCurrent(ctx context.Context) error {
	info, err := m.Info(ctx)
	if err != nil {
		return err
	}
	return info.Ready()
}

// snapshot 读一次版本号，同时得出逐条状态与汇总。
func (m *DefaultMigrator) snapshot(ctx context.Context) ([]MigrationStatus, *MigrationInfo, error) {
	current, dirty, err := m.Version(ctx)
	if err != nil {
		return nil, nil, err
	}
	files, err := embeddedMigrations(m.config.DatabaseType)
	if err != nil {
		return nil, nil, err
	}

	info := &MigrationInfo{CurrentVersion: current, Dirty: dirty, TotalMigrations: len(files)}
	statuses := make([]MigrationStatus, 0, len(files))
	for _, f := range files {
		st := MigrationStatus{
			Version: f.version,
			Name:    f.name,
			Applied: f.version <= current,
			Dirty:   dirty && f.version == current,
		}
		if st.Applied {
			info.AppliedMigrations++
		}
		statuses = append(statuses, st)
	}
	info.PendingMigrations = info.TotalMigrations - info.AppliedMigrations
	return statuses, info, nil
}

func (m *DefaultMigrator) Close() error {
	if m.migrate == nil {
		return nil
	}
	srcErr, dbErr := m.migrate.Close()
	if err := errors.Join(srcErr, dbErr); err != nil {
		return fmt.Errorf("close migrator: %w", err)
	}
	return nil
}

type migrationFile struct {
	version uint
	name    string
}

// embeddedMigrations 按版本升序列出内嵌的 up 迁移，文件名形如 000001_init_schema.up.sql。
func embeddedMigrations(dbType DatabaseType) ([]migrationFile, error) {
	fsys, dir, err := dbType.migrations()
	if err != nil {
		return nil, err
	}
	names, err := fs.Glob(fsys, dir+"/*.up.sql")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}

	files := make([]migrationFile, 0, len(names))
	for _, p := range names {
		base := strings.TrimSuffix(p[len(dir)+1:], ".up.sql")
		num, name, ok := strings.Cut(base, "_")
		if !ok {
			continue
		}
		v, err := strconv.ParseUint(num, 10, 32)
		if err != nil {
			continue
		}
		files = append(files, migrationFile{version: uint(v), name: name})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].version < files[j].version })
	return files, nil
}
