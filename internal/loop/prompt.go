package loop

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/orcbot-ai/orcbot/internal/memory"
	"github.com/orcbot-ai/orcbot/internal/queue"
)

// rateLimitPattern detects provider cooldowns inside tool output.
var rateLimitPattern = regexp.MustCompile(`(?i)rate.?limit|too many requests|quota exceeded|try again (later|in)|retry.?after|cooldown`)

// DetectRateLimit reports whether a tool observation looks like a rate limit.
func DetectRateLimit(observation string) bool {
	return rateLimitPattern.MatchString(observation)
}

const decisionSystemPrompt = `You are OrcBot, an autonomous assistant executing one task.
Each step you respond with strict JSON:
{
  "reasoning": "<brief thinking>",
  "tools": [{"name": "<skill>", "args": {...}}],
  "verification": {"goals_met": <bool>, "analysis": "<why>"}
}
Use tools to make progress. Set goals_met to true only when the task is done.
Available skills:
%s`

const decisionUserPrompt = `## Task
%s

## Working memory
%s

## Status
Step %d of %d. Messages sent: %d of %d.

Decide your next step.`

func buildSystemPrompt(skillList string) string {
	return fmt.Sprintf(decisionSystemPrompt, skillList)
}

func buildDecisionPrompt(a *queue.Action, description string, memories []memory.Entry, step, maxSteps, sent, maxMessages int) string {
	memText := memory.FormatEntries(memories, time.Now())
	if memText == "" {
		memText = "(empty)"
	}
	return fmt.Sprintf(decisionUserPrompt, description, memText, step, maxSteps, sent, maxMessages)
}

const planPrompt = `Sketch a short execution plan (3-6 numbered steps) for this task.
Keep it under 120 words. Do not execute anything yet.

Task:
%s`

// truncate cuts on a rune boundary so multi-byte text never splits.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}

func sprintfTrunc(format, arg string, max int) string {
	return fmt.Sprintf(format, truncate(strings.TrimSpace(arg), max))
}
