package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// =============================================================================
// 🧹 sweep 命令：由外部 cron 触发的单次后台任务
// =============================================================================

func runSweep(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: agentrun sweep <reaper|schedules> [--config path]")
	}
	job := args[0]
	if job != "reaper" && job != "schedules" {
		return fmt.Errorf("unknown sweep job %q (want reaper or schedules)", job)
	}

	fs := flag.NewFlagSet("sweep "+job, flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	_ = fs.Parse(args[1:])

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	logger := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close(context.WithoutCancel(ctx))

	var result any
	switch job {
	case "reaper":
		res, err := a.reaper.Sweep(ctx)
		if err != nil {
			return err
		}
		if res == nil {
			fmt.Fprintln(os.Stderr, "reaper lock held by another process, nothing done")
			return nil
		}
		result = res
	case "schedules":
		res, err := a.schedules.ExecuteDueSchedules(ctx)
		if err != nil {
			return err
		}
		result = res
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
