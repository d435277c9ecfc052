package loop

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/orcbot-ai/orcbot/internal/models"
)

// ReviewGate consults a secondary LLM check before any forced kill, to tell
// genuine completion apart from stalled-but-recoverable work.
type ReviewGate struct {
	client models.CompletionClient
	logger *slog.Logger
}

// NewReviewGate creates the gate.
func NewReviewGate(client models.CompletionClient, logger *slog.Logger) *ReviewGate {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReviewGate{client: client, logger: logger}
}

type reviewResponse struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason"`
}

const reviewPrompt = `A running task hit a safety limit and will be terminated unless you decide otherwise.

Task: %s
Limit hit: %s
Details: %s
Current step: %d

Recent working memory:
%s

Should the task continue or terminate? Continue only if real, recoverable progress
is being made toward the goal. Respond with strict JSON:
{"decision": "continue" | "terminate", "reason": "<one sentence>"}`

// Review returns true to continue, false to terminate. Any failure of the
// secondary check defaults to terminate.
func (g *ReviewGate) Review(ctx context.Context, task, reason, details string, step int, memTail string) (bool, string) {
	prompt := fmt.Sprintf(reviewPrompt, truncate(task, 1500), reason, details, step, truncate(memTail, 3000))

	out, err := g.client.Complete(ctx, prompt, "You are a strict execution reviewer. Respond with JSON only.")
	if err != nil {
		g.logger.Warn("review gate: completion failed, terminating", "error", err)
		return false, "review unavailable"
	}

	payload := extractJSON(out)
	var resp reviewResponse
	if payload == "" || json.Unmarshal([]byte(payload), &resp) != nil {
		g.logger.Warn("review gate: unparseable verdict, terminating", "output", truncate(out, 200))
		return false, "review verdict unparseable"
	}
	return strings.EqualFold(strings.TrimSpace(resp.Decision), "continue"), resp.Reason
}
