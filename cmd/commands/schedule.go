package commands

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/orcbot-ai/orcbot/internal/scheduler"
)

// NewScheduleCommand returns the schedule subcommand.
func NewScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:  "schedule",
		Usage: "Manage recurring and one-off schedules",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List active schedules",
				Action: func(_ context.Context, cmd *cli.Command) error {
					api := newAPIClient(loadConfig(cmd))
					var entries []scheduler.Entry
					if err := api.get("/api/schedules", &entries); err != nil {
						return err
					}
					if len(entries) == 0 {
						fmt.Println("no schedules")
						return nil
					}
					for _, e := range entries {
						fmt.Printf("%-14s %-9s %-20s %s\n", e.ID, e.Kind, e.Schedule, clip(e.Task, 60))
					}
					return nil
				},
			},
			{
				Name:      "add",
				Usage:     "Add a schedule",
				ArgsUsage: `"<schedule>" "<task>"`,
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "priority", Aliases: []string{"p"}, Value: 5},
				},
				Action: func(_ context.Context, cmd *cli.Command) error {
					spec, task := cmd.Args().Get(0), cmd.Args().Get(1)
					if spec == "" || task == "" {
						return fmt.Errorf(`usage: orcbot schedule add "every 30 minutes" "poll the feed"`)
					}
					api := newAPIClient(loadConfig(cmd))
					var out map[string]string
					err := api.do("POST", "/api/schedules", map[string]any{
						"schedule": spec,
						"task":     task,
						"priority": cmd.Int("priority"),
					}, &out)
					if err != nil {
						return err
					}
					fmt.Println("added", out["schedule_id"])
					return nil
				},
			},
			{
				Name:      "rm",
				Usage:     "Remove a schedule by id",
				ArgsUsage: "<schedule-id>",
				Action: func(_ context.Context, cmd *cli.Command) error {
					id := cmd.Args().First()
					if id == "" {
						return fmt.Errorf("a schedule id is required")
					}
					api := newAPIClient(loadConfig(cmd))
					if err := api.do("DELETE", "/api/schedules/"+id, nil, nil); err != nil {
						return err
					}
					fmt.Println("removed", id)
					return nil
				},
			},
		},
	}
}
