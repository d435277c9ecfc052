package skills

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"

	"github.com/orcbot-ai/orcbot/internal/memory"
)

const maxCommandOutput = 8000

// NewRunCommandSkill builds the shell execution skill. Commands run in an
// embedded POSIX interpreter under the given deadline (default 120 s).
func NewRunCommandSkill(timeout time.Duration, workDir string) *Skill {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Skill{
		Name:        "run_command",
		Description: "Execute a shell command and return its combined output.",
		Usage:       `run_command(command="ls -la")`,
		Handler: func(ctx context.Context, args map[string]any, _ ActionContext) (any, error) {
			cmd, _ := args["command"].(string)
			if strings.TrimSpace(cmd) == "" {
				return nil, errors.New("run_command: missing command argument")
			}

			file, err := syntax.NewParser().Parse(strings.NewReader(cmd), "run_command")
			if err != nil {
				return &Result{Success: false, Error: "parse command: " + err.Error()}, nil
			}

			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			var stdout, stderr bytes.Buffer
			opts := []interp.RunnerOption{
				interp.StdIO(nil, &stdout, &stderr),
				interp.Env(expand.ListEnviron(os.Environ()...)),
			}
			if workDir != "" {
				opts = append(opts, interp.Dir(workDir))
			}
			runner, err := interp.New(opts...)
			if err != nil {
				return nil, fmt.Errorf("init shell interpreter: %w", err)
			}

			runErr := runner.Run(ctx, file)
			out := strings.TrimSpace(stdout.String())
			if s := strings.TrimSpace(stderr.String()); s != "" {
				if out != "" {
					out += "\n"
				}
				out += s
			}
			out = truncate(out, maxCommandOutput)

			if runErr != nil {
				if code, ok := interp.IsExitStatus(runErr); ok {
					return &Result{Success: false, Output: out, Error: fmt.Sprintf("exit status %d", code)}, nil
				}
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return &Result{Success: false, Output: out, Error: fmt.Sprintf("command timed out after %s", timeout)}, nil
				}
				return &Result{Success: false, Output: out, Error: runErr.Error()}, nil
			}
			if out == "" {
				out = "(no output)"
			}
			return &Result{Success: true, Output: out}, nil
		},
	}
}

// NewRememberSkill writes a long-term memory entry.
func NewRememberSkill(store *memory.Store) *Skill {
	return &Skill{
		Name:        "remember",
		Description: "Store a fact in long-term memory.",
		Usage:       `remember(content="the user's birthday is March 3rd")`,
		Handler: func(_ context.Context, args map[string]any, actx ActionContext) (any, error) {
			content, _ := args["content"].(string)
			if strings.TrimSpace(content) == "" {
				return nil, errors.New("remember: missing content argument")
			}
			id := store.Write(memory.TypeLong, content, map[string]string{"source": "remember", "action_id": actx.ActionID})
			return &Result{Success: true, Output: "Stored memory " + id}, nil
		},
	}
}

// NewRecallMemorySkill searches stored memories by substring.
func NewRecallMemorySkill(store *memory.Store) *Skill {
	return &Skill{
		Name:        "recall_memory",
		Description: "Search long-term and episodic memory for matching entries.",
		Usage:       `recall_memory(query="birthday")`,
		Handler: func(_ context.Context, args map[string]any, _ ActionContext) (any, error) {
			query, _ := args["query"].(string)
			if strings.TrimSpace(query) == "" {
				return nil, errors.New("recall_memory: missing query argument")
			}
			q := strings.ToLower(query)
			var matches []memory.Entry
			for _, e := range store.Tail(500) {
				if e.Type == memory.TypeShort {
					continue
				}
				if strings.Contains(strings.ToLower(e.Content), q) {
					matches = append(matches, e)
				}
			}
			if len(matches) == 0 {
				return &Result{Success: true, Output: "No memories matched " + query}, nil
			}
			return &Result{Success: true, Output: memory.FormatEntries(matches, time.Now())}, nil
		},
	}
}

// NewRequestSupportingDataSkill surfaces a question that pauses the action.
// The decision loop detects this skill by name, sends the question to the
// source channel, and parks the action in waiting.
func NewRequestSupportingDataSkill() *Skill {
	return &Skill{
		Name:        "request_supporting_data",
		Description: "Ask the user a clarifying question and pause until they reply.",
		Usage:       `request_supporting_data(question="Which topics should the digest cover?")`,
		Handler: func(_ context.Context, args map[string]any, _ ActionContext) (any, error) {
			question, _ := args["question"].(string)
			if strings.TrimSpace(question) == "" {
				return nil, errors.New("request_supporting_data: missing question argument")
			}
			return &Result{Success: true, Output: question}, nil
		},
	}
}

// NewJournalSkill appends a dated entry through the provided writer.
func NewJournalSkill(appendEntry func(string) error) *Skill {
	return &Skill{
		Name:        "journal",
		Description: "Append a reflection to the journal.",
		Usage:       `journal(entry="Shipped the digest pipeline today.")`,
		Handler: func(_ context.Context, args map[string]any, _ ActionContext) (any, error) {
			entry, _ := args["entry"].(string)
			if strings.TrimSpace(entry) == "" {
				return nil, errors.New("journal: missing entry argument")
			}
			if err := appendEntry(entry); err != nil {
				return nil, fmt.Errorf("append journal: %w", err)
			}
			return &Result{Success: true, Output: "Journal updated"}, nil
		},
	}
}

// NewLearningSkill appends a lesson through the provided writer.
func NewLearningSkill(appendEntry func(string) error) *Skill {
	return &Skill{
		Name:        "learning",
		Description: "Record a lesson learned for future behavior.",
		Usage:       `learning(lesson="Always confirm the channel before sending files.")`,
		Handler: func(_ context.Context, args map[string]any, _ ActionContext) (any, error) {
			lesson, _ := args["lesson"].(string)
			if strings.TrimSpace(lesson) == "" {
				return nil, errors.New("learning: missing lesson argument")
			}
			if err := appendEntry(lesson); err != nil {
				return nil, fmt.Errorf("append learning: %w", err)
			}
			return &Result{Success: true, Output: "Lesson recorded"}, nil
		},
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "\n... (output truncated)"
}
