package core

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/orcbot-ai/orcbot/internal/config"
	"github.com/orcbot-ai/orcbot/internal/orchestrator"
	"github.com/orcbot-ai/orcbot/internal/queue"
)

// RunWorker runs this process as an orchestrator-forked delegation worker.
// Stdout carries the IPC frames, so all logging must go to stderr.
func RunWorker(ctx context.Context, dataDir, configPath string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	var c *Core
	w := orchestrator.NewWorker(os.Stdout, logger)
	w.Setup = func(ctx context.Context, init orchestrator.InitConfig) (orchestrator.TaskExecutor, error) {
		cfgPath := init.ConfigPath
		if cfgPath == "" {
			cfgPath = configPath
		}
		cfg := config.Default()
		if cfgPath != "" {
			loaded, err := config.Load(cfgPath)
			if err != nil {
				return nil, fmt.Errorf("load worker config: %w", err)
			}
			cfg = loaded
		}
		// Workers never act on their own initiative.
		cfg.Autonomy.Enabled = false

		dir := init.DataDir
		if dir == "" {
			dir = dataDir
		}

		var err error
		c, err = New(Options{Config: cfg, DataDir: dir, Logger: logger, Worker: true})
		if err != nil {
			return nil, err
		}
		if err := c.Start(); err != nil {
			return nil, err
		}
		return c.ExecuteDelegated, nil
	}

	err := w.Run(ctx, os.Stdin)
	if c != nil {
		c.Stop()
	}
	return err
}

// ExecuteDelegated runs one delegated task through the full decision loop and
// reports its conclusion back to the parent.
func (c *Core) ExecuteDelegated(ctx context.Context, description string) (string, error) {
	a, _ := c.queue.Push(queue.NewAction(description, 5, queue.LaneUser, queue.Payload{IsAdmin: true}))
	if err := c.queue.UpdateStatus(a.ID, queue.StatusInProgress); err != nil {
		return "", fmt.Errorf("start delegated task: %w", err)
	}

	rctx, cancel := context.WithTimeout(ctx, c.maxActionRun())
	defer cancel()
	c.loop.Run(rctx, a)

	final, ok := c.queue.Get(a.ID)
	if !ok {
		return "", fmt.Errorf("action %s vanished", a.ID)
	}
	conclusion := c.taskConclusion(a.ID)

	switch final.Status {
	case queue.StatusCompleted:
		if conclusion == "" {
			conclusion = "completed"
		}
		return conclusion, nil
	case queue.StatusWaiting:
		return "", fmt.Errorf("delegated task needs user input, which workers cannot get")
	default:
		if conclusion == "" {
			conclusion = string(final.Status)
		}
		return "", fmt.Errorf("delegated task failed: %s", conclusion)
	}
}
