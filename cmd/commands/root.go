// Package commands holds the orcbot CLI surface.
package commands

import (
	"github.com/urfave/cli/v3"

	"github.com/orcbot-ai/orcbot/internal/config"
)

// NewRootCommand returns the top-level CLI command.
func NewRootCommand() *cli.Command {
	return &cli.Command{
		Name:  "orcbot",
		Usage: "An always-on autonomous agent with a prioritized action queue",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file",
				Value:   config.ConfigPath(),
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
			},
		},
		Commands: []*cli.Command{
			NewRunCommand(),
			NewStatusCommand(),
			NewQueueCommand(),
			NewScheduleCommand(),
			NewSecretCommand(),
		},
	}
}

// loadConfig reads the config file, falling back to defaults when missing.
func loadConfig(cmd *cli.Command) *config.Config {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return config.Default()
	}
	return cfg
}
