package main

import (
	"context"
	"flag"
	"fmt"
	"strconv"

	"github.com/BaSui01/agentrun/config"
	"github.com/BaSui01/agentrun/internal/migration"
)

// =============================================================================
// 🗄️ migrate 命令
// =============================================================================

// migrateCommand 子命令：positional 为需要的位置参数个数
type migrateCommand struct {
	positional int
	run        func(ctx context.Context, cli *migration.CLI, args []string) error
}

var migrateCommands = map[string]migrateCommand{
	"up":      {0, func(ctx context.Context, cli *migration.CLI, _ []string) error { return cli.RunUp(ctx) }},
	"down":    {0, func(ctx context.Context, cli *migration.CLI, _ []string) error { return cli.RunDown(ctx) }},
	"reset":   {0, func(ctx context.Context, cli *migration.CLI, _ []string) error { return cli.RunDownAll(ctx) }},
	"status":  {0, func(ctx context.Context, cli *migration.CLI, _ []string) error { return cli.RunStatus(ctx) }},
	"version": {0, func(ctx context.Context, cli *migration.CLI, _ []string) error { return cli.RunVersion(ctx) }},
	"info":    {0, func(ctx context.Context, cli *migration.CLI, _ []string) error { return cli.RunInfo(ctx) }},
	"check":   {0, func(ctx context.Context, cli *migration.CLI, _ []string) error { return cli.RunCheck(ctx) }},
	"goto": {1, func(ctx context.Context, cli *migration.CLI, args []string) error {
		v, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid version number: %s", args[0])
		}
		return cli.RunGoto(ctx, uint(v))
	}},
	"steps": {1, func(ctx context.Context, cli *migration.CLI, args []string) error {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid step count: %s", args[0])
		}
		return cli.RunSteps(ctx, n)
	}},
	"force": {1, func(ctx context.Context, cli *migration.CLI, args []string) error {
		v, err := strconv.ParseInt(args[0], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid version number: %s", args[0])
		}
		return cli.RunForce(ctx, int(v))
	}},
}

func runMigrate(args []string) error {
	if len(args) < 1 || args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		printMigrateUsage()
		return nil
	}
	cmd, ok := migrateCommands[args[0]]
	if !ok {
		printMigrateUsage()
		return fmt.Errorf("unknown migrate subcommand: %s", args[0])
	}
	rest := args[1:]
	if len(rest) < cmd.positional {
		return fmt.Errorf("migrate %s needs %d argument(s)", args[0], cmd.positional)
	}

	fs := flag.NewFlagSet("migrate "+args[0], flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	dbType := fs.String("db-type", "", "Database type (postgres, mysql, sqlite)")
	dbURL := fs.String("db-url", "", "Database connection URL")
	_ = fs.Parse(rest[cmd.positional:])

	migrator, err := newMigrator(*configPath, *dbType, *dbURL)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer migrator.Close()

	return cmd.run(context.Background(), migration.NewCLI(migrator), rest[:cmd.positional])
}

// newMigrator --db-type 与 --db-url 同时给出时直接使用，否则读取配置。
func newMigrator(configPath, dbType, dbURL string) (*migration.DefaultMigrator, error) {
	if dbType != "" && dbURL != "" {
		return migration.NewMigratorFromURL(dbType, dbURL)
	}
	loader := config.NewLoader()
	if configPath != "" {
		loader = loader.WithConfigPath(configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if dbType != "" {
		cfg.Database.Driver = dbType
	}
	return migration.NewMigratorFromDatabaseConfig(cfg.Database)
}

func printMigrateUsage() {
	fmt.Println(`Database Migration Commands

Usage:
  agentrun migrate <subcommand> [args] [options]

Subcommands:
  up            Apply all pending migrations
  down          Rollback the last migration
  reset         Rollback all migrations
  steps <n>     Apply (n>0) or rollback (n<0) n migrations
  goto <v>      Migrate to a specific version
  force <v>     Force set migration version (use with caution)
  status        Show migration status
  version       Show current migration version
  info          Show migration summary
  check         Exit non-zero unless serve can start on this schema

Options:
  --config <path>     Path to configuration file (YAML)
  --db-type <type>    Database type: postgres, mysql, sqlite
  --db-url <url>      Database connection URL`)
}
