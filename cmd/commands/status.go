package commands

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/orcbot-ai/orcbot/internal/orchestrator"
	"github.com/orcbot-ai/orcbot/internal/queue"
)

// NewStatusCommand returns the status subcommand.
func NewStatusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show the running instance's health and workload",
		Action: func(_ context.Context, cmd *cli.Command) error {
			api := newAPIClient(loadConfig(cmd))

			var health map[string]string
			if err := api.get("/api/health", &health); err != nil {
				fmt.Println("OrcBot: NOT RUNNING")
				return nil
			}
			fmt.Println("OrcBot: ALIVE")

			var actions []queue.Action
			if err := api.get("/api/queue", &actions); err != nil {
				return err
			}
			counts := map[queue.Status]int{}
			for _, a := range actions {
				counts[a.Status]++
			}
			fmt.Printf("Queue: %d pending, %d in progress, %d waiting, %d done\n",
				counts[queue.StatusPending], counts[queue.StatusInProgress],
				counts[queue.StatusWaiting], counts[queue.StatusCompleted]+counts[queue.StatusFailed])

			var agents []orchestrator.AgentInstance
			if err := api.get("/api/agents", &agents); err != nil {
				return err
			}
			idle := 0
			for _, a := range agents {
				if a.Status == orchestrator.AgentIdle {
					idle++
				}
			}
			fmt.Printf("Workers: %d total, %d idle\n", len(agents), idle)
			return nil
		},
	}
}
