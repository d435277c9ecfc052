package loop

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/orcbot-ai/orcbot/internal/config"
	"github.com/orcbot-ai/orcbot/internal/guard"
	"github.com/orcbot-ai/orcbot/internal/models"
)

// Complexity buckets a task to derive its step and message budgets.
type Complexity string

const (
	ComplexityTrivial  Complexity = "trivial"
	ComplexitySimple   Complexity = "simple"
	ComplexityStandard Complexity = "standard"
	ComplexityComplex  Complexity = "complex"
)

// commonGreetings shortcut the classifier for ultra-short openers.
var commonGreetings = map[string]bool{
	"hi": true, "hey": true, "yo": true, "sup": true, "hello": true,
	"hola": true, "ok": true, "okay": true, "thx": true, "ty": true,
	"lol": true, "nice": true, "cool": true,
}

// ShortcutComplexity classifies ultra-short openers without an LLM call.
func ShortcutComplexity(description string) (Complexity, bool) {
	d := strings.ToLower(strings.TrimSpace(description))
	if d == "" {
		return ComplexityTrivial, true
	}
	if utf8.RuneCountInString(d) <= 5 {
		if commonGreetings[strings.Trim(d, "!.?")] || isEmojiOnly(d) || !strings.ContainsAny(d, "abcdefghijklmnopqrstuvwxyz") {
			return ComplexityTrivial, true
		}
	}
	return "", false
}

func isEmojiOnly(s string) bool {
	for _, r := range s {
		if r < 0x1F000 && r != ' ' {
			return false
		}
	}
	return true
}

const classifyPrompt = `Classify the complexity of this task with exactly one word:
trivial (a greeting or one-line reply), simple (a direct answer or single lookup),
standard (a few tool calls), or complex (multi-step work across tools).

Task:
%s

Answer with only the word.`

// classify runs the short complexity call, shortcutting greetings.
func classify(ctx context.Context, client models.CompletionClient, description string) Complexity {
	if c, ok := ShortcutComplexity(description); ok {
		return c
	}
	out, err := client.Complete(ctx, sprintfTrunc(classifyPrompt, description, 2000), "")
	if err != nil {
		return ComplexityStandard
	}
	switch {
	case strings.Contains(strings.ToLower(out), "trivial"):
		return ComplexityTrivial
	case strings.Contains(strings.ToLower(out), "simple"):
		return ComplexitySimple
	case strings.Contains(strings.ToLower(out), "complex"):
		return ComplexityComplex
	default:
		return ComplexityStandard
	}
}

// ProfileFor maps a complexity bucket to its budgets.
func ProfileFor(c Complexity, cfg config.GuardrailsConfig) guard.Profile {
	switch c {
	case ComplexityTrivial:
		return guard.Profile{Complexity: string(c), MaxSteps: 1, MaxMessages: 1}
	case ComplexitySimple:
		return guard.Profile{Complexity: string(c), MaxSteps: 3, MaxMessages: 2}
	case ComplexityComplex:
		msgs := cfg.MaxMessages
		if cfg.ComplexMinMessages > msgs {
			msgs = cfg.ComplexMinMessages
		}
		return guard.Profile{Complexity: string(c), MaxSteps: cfg.MaxSteps, MaxMessages: msgs}
	default:
		return guard.Profile{Complexity: string(ComplexityStandard), MaxSteps: cfg.MaxSteps, MaxMessages: cfg.MaxMessages}
	}
}
