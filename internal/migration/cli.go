package migration

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
)

// CLI agentrun migrate 子命令的终端输出。每次改动 Schema 后都打印
// serve 能否启动的结论。
type CLI struct {
	migrator Migrator
	output   io.Writer
}

func NewCLI(migrator Migrator) *CLI {
	return &CLI{migrator: migrator, output: os.Stdout}
}

func (c *CLI) SetOutput(w io.Writer) {
	c.output = w
}

func (c *CLI) RunUp(ctx context.Context) error {
	return c.change(ctx, "applying pending migrations", c.migrator.Up)
}

func (c *CLI) RunDown(ctx context.Context) error {
	return c.change(ctx, "rolling back the latest migration", c.migrator.Down)
}

func (c *CLI) RunDownAll(ctx context.Context) error {
	return c.change(ctx, "rolling back every migration", c.migrator.DownAll)
}

func (c *CLI) RunSteps(ctx context.Context, n int) error {
	what := fmt.Sprintf("applying %d migration(s)", n)
	if n < 0 {
		what = fmt.Sprintf("rolling back %d migration(s)", -n)
	}
	return c.change(ctx, what, func(ctx context.Context) error { return c.migrator.Steps(ctx, n) })
}

func (c *CLI) RunGoto(ctx context.Context, version uint) error {
	return c.change(ctx, fmt.Sprintf("migrating to version %d", version), func(ctx context.Context) error {
		return c.migrator.Goto(ctx, version)
	})
}

// RunForce 只改写版本号，用于在修复失败迁移后清除 dirty 标记。
func (c *CLI) RunForce(ctx context.Context, version int) error {
	return c.change(ctx, fmt.Sprintf("forcing schema version to %d", version), func(ctx context.Context) error {
		return c.migrator.Force(ctx, version)
	})
}

func (c *CLI) RunVersion(ctx context.Context) error {
	version, dirty, err := c.migrator.Version(ctx)
	if err != nil {
		return err
	}
	switch {
	case version == 0:
		fmt.Fprintln(c.output, "schema version: none (run `agentrun migrate up`)")
	case dirty:
		fmt.Fprintf(c.output, "schema version: %d (dirty)\n", version)
	default:
		fmt.Fprintf(c.output, "schema version: %d\n", version)
	}
	return nil
}

// RunStatus 逐条列出内嵌迁移，最后给出 serve 能否启动的结论。
func (c *CLI) RunStatus(ctx context.Context) error {
	statuses, err := c.migrator.Status(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(c.output, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tNAME\tSTATE")
	for _, s := range statuses {
		fmt.Fprintf(w, "%06d\t%s\t%s\n", s.Version, s.Name, s.State())
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return c.verdict(ctx)
}

func (c *CLI) RunInfo(ctx context.Context) error {
	info, err := c.migrator.Info(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(c.output, 0, 0, 1, ' ', 0)
	fmt.Fprintf(w, "current version:\t%d\n", info.CurrentVersion)
	fmt.Fprintf(w, "dirty:\t%v\n", info.Dirty)
	fmt.Fprintf(w, "applied:\t%d/%d\n", info.AppliedMigrations, info.TotalMigrations)
	fmt.Fprintf(w, "pending:\t%d\n", info.PendingMigrations)
	if err := w.Flush(); err != nil {
		return err
	}
	c.printReady(info.Ready())
	return nil
}

// RunCheck 与 serve 启动时的检查相同，Schema 未就绪时返回错误，
// 供部署流水线在切流前确认。
func (c *CLI) RunCheck(ctx context.Context) error {
	err := c.migrator.RequireCurrent(ctx)
	c.printReady(err)
	return err
}

func (c *CLI) change(ctx context.Context, what string, fn func(context.Context) error) error {
	fmt.Fprintf(c.output, "%s...\n", what)
	if err := fn(ctx); err != nil {
		return err
	}
	return c.verdict(ctx)
}

func (c *CLI) verdict(ctx context.Context) error {
	info, err := c.migrator.Info(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.output, "schema at version %d, %d/%d applied\n",
		info.CurrentVersion, info.AppliedMigrations, info.TotalMigrations)
	c.printReady(info.Ready())
	return nil
}

func (c *CLI) printReady(err error) {
	if err != nil {
		fmt.Fprintf(c.output, "serve: blocked (%v)\n", err)
		return
	}
	fmt.Fprintln(c.output, "serve: ready")
}
