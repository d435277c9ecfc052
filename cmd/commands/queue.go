package commands

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/orcbot-ai/orcbot/internal/queue"
)

// NewQueueCommand returns the queue subcommand.
func NewQueueCommand() *cli.Command {
	return &cli.Command{
		Name:  "queue",
		Usage: "Inspect and control the action queue",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List queued actions",
				Action: func(_ context.Context, cmd *cli.Command) error {
					api := newAPIClient(loadConfig(cmd))
					var actions []queue.Action
					if err := api.get("/api/queue", &actions); err != nil {
						return err
					}
					if len(actions) == 0 {
						fmt.Println("queue is empty")
						return nil
					}
					for _, a := range actions {
						fmt.Printf("%-12s %-11s p%-2d %-8s %s\n",
							a.ID, a.Status, a.Priority, a.Lane, clip(a.Payload.Description, 70))
					}
					return nil
				},
			},
			{
				Name:      "push",
				Usage:     "Push a task onto the queue",
				ArgsUsage: "<description>",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "priority", Aliases: []string{"p"}, Value: 5},
				},
				Action: func(_ context.Context, cmd *cli.Command) error {
					description := cmd.Args().First()
					if description == "" {
						return fmt.Errorf("a task description is required")
					}
					api := newAPIClient(loadConfig(cmd))
					var out map[string]string
					err := api.do("POST", "/api/tasks", map[string]any{
						"description": description,
						"priority":    cmd.Int("priority"),
					}, &out)
					if err != nil {
						return err
					}
					fmt.Println("pushed", out["action_id"])
					return nil
				},
			},
			{
				Name:      "cancel",
				Usage:     "Cancel an action by id",
				ArgsUsage: "<action-id>",
				Action: func(_ context.Context, cmd *cli.Command) error {
					id := cmd.Args().First()
					if id == "" {
						return fmt.Errorf("an action id is required")
					}
					api := newAPIClient(loadConfig(cmd))
					if err := api.do("POST", "/api/actions/"+id+"/cancel", nil, nil); err != nil {
						return err
					}
					fmt.Println("cancel requested for", id)
					return nil
				},
			},
			{
				Name:  "clear",
				Usage: "Cancel every non-terminal action",
				Action: func(_ context.Context, cmd *cli.Command) error {
					api := newAPIClient(loadConfig(cmd))
					var out map[string]int
					if err := api.do("POST", "/api/queue/clear", nil, &out); err != nil {
						return err
					}
					fmt.Printf("cancelled %d actions\n", out["cancelled"])
					return nil
				},
			},
		},
	}
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
