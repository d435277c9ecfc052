// Package skills provides the skill registry the decision loop executes through.
package skills

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ActionContext carries the executing action's identity into skill handlers.
type ActionContext struct {
	ActionID string
	Lane     string
	Source   string
	SourceID string
	UserID   string
	IsAdmin  bool
}

// Handler executes a skill. It may return a plain string observation or a
// *Result for structured success/error reporting.
type Handler func(ctx context.Context, args map[string]any, actx ActionContext) (any, error)

// Skill is a name-keyed capability exposed to the model.
type Skill struct {
	Name        string
	Description string
	Usage       string
	Handler     Handler
}

// Result is the structured return shape for skills that need more than text.
type Result struct {
	Success    bool          `json:"success"`
	Output     string        `json:"output,omitempty"`
	Error      string        `json:"error,omitempty"`
	FilePath   string        `json:"file_path,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// Outcome is the loop-facing classification of a skill invocation.
type Outcome struct {
	Success     bool
	Observation string
	FilePath    string
	RetryAfter  time.Duration
}

// Classify normalizes a handler return value into an Outcome.
// Structured Results are authoritative; plain strings are inspected for the
// Error/Failed prefix convention.
func Classify(value any, err error) Outcome {
	if err != nil {
		return Outcome{Success: false, Observation: "Error: " + err.Error()}
	}
	switch v := value.(type) {
	case *Result:
		return classifyResult(v)
	case Result:
		return classifyResult(&v)
	case string:
		trimmed := strings.TrimSpace(v)
		lower := strings.ToLower(trimmed)
		if strings.HasPrefix(lower, "error") || strings.HasPrefix(lower, "failed") {
			return Outcome{Success: false, Observation: trimmed}
		}
		return Outcome{Success: true, Observation: trimmed}
	case nil:
		return Outcome{Success: true}
	default:
		return Outcome{Success: true, Observation: fmt.Sprintf("%v", v)}
	}
}

func classifyResult(r *Result) Outcome {
	o := Outcome{
		Success:     r.Success,
		Observation: r.Output,
		FilePath:    r.FilePath,
		RetryAfter:  r.RetryAfter,
	}
	if !r.Success && r.Error != "" {
		o.Observation = "Error: " + r.Error
	}
	return o
}
