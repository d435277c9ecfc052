package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/orcbot-ai/orcbot/internal/config"
	"github.com/orcbot-ai/orcbot/internal/core"
	"github.com/orcbot-ai/orcbot/internal/secrets"
)

// NewRunCommand returns the run subcommand. The hidden --worker flag is how
// the orchestrator forks delegation workers from the same binary.
func NewRunCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Start the OrcBot core",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:   "worker",
				Usage:  "Run as an orchestrator delegation worker",
				Hidden: true,
			},
			&cli.StringFlag{
				Name:  "data-dir",
				Usage: "Override the data directory",
			},
		},
		Action: runCore,
	}
}

func runCore(ctx context.Context, cmd *cli.Command) error {
	level := slog.LevelInfo
	if cmd.Bool("debug") {
		level = slog.LevelDebug
	}
	// Stderr always: in worker mode stdout carries the IPC frames.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	configPath := cmd.String("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Warn("config not found, using defaults", "path", configPath, "error", err)
		cfg = config.Default()
	}
	if err := secrets.ResolveConfig(cfg, secrets.KeyPath()); err != nil {
		return fmt.Errorf("resolve secrets: %w", err)
	}

	if cmd.Bool("worker") {
		return core.RunWorker(ctx, cmd.String("data-dir"), configPath, logger)
	}

	c, err := core.New(core.Options{
		Config:  cfg,
		DataDir: cmd.String("data-dir"),
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	if err := c.Start(); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info("shutting down")
	c.Stop()
	return nil
}
