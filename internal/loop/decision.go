// Package loop drives a single action from in-progress to a terminal state.
package loop

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/orcbot-ai/orcbot/internal/guard"
)

var ErrNoDecision = errors.New("no decision JSON in model output")

// Verification is the model's self-assessment attached to each decision.
type Verification struct {
	GoalsMet bool   `json:"goals_met"`
	Analysis string `json:"analysis,omitempty"`
}

// Decision is one deliberation step: optional reasoning, proposed tool calls,
// and the verification verdict.
type Decision struct {
	Reasoning    string           `json:"reasoning,omitempty"`
	Content      string           `json:"content,omitempty"`
	Tools        []guard.ToolCall `json:"tools,omitempty"`
	Verification Verification     `json:"verification"`
}

// ParseDecision extracts and unmarshals the decision JSON from raw model
// output, tolerating markdown fences and surrounding prose.
func ParseDecision(raw string) (*Decision, error) {
	payload := extractJSON(raw)
	if payload == "" {
		return nil, ErrNoDecision
	}
	var d Decision
	if err := json.Unmarshal([]byte(payload), &d); err != nil {
		return nil, fmt.Errorf("parse decision: %w", err)
	}
	return &d, nil
}

// extractJSON returns the outermost {...} object in the text.
func extractJSON(raw string) string {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")

	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return ""
	}
	return raw[start : end+1]
}
