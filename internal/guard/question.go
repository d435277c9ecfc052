package guard

import (
	"log/slog"
	"regexp"
	"strings"
)

// defaultQuestionPatterns are the built-in cues that mark an outbound message
// as a question awaiting a user reply.
var defaultQuestionPatterns = []string{
	`\?\s*$`,
	`(?i)\b(would|do) you\b`,
	`(?i)\bshould i\b`,
	`(?i)\b(what|which|can you)\b`,
	`(?i)\blet me know\b`,
	`(?i)\bplease (confirm|clarify|specify)\b`,
	`(?i)\bis that ok\b`,
	`(?i)\beither\b.*\bor\b`,
	`(?i)\bclarif`,
}

// QuestionDetector decides whether an outbound message asks the user something.
type QuestionDetector struct {
	patterns []*regexp.Regexp
}

// NewQuestionDetector compiles the configured patterns, falling back to the
// built-in set when none are given. Invalid patterns are skipped with a log.
func NewQuestionDetector(patterns []string, logger *slog.Logger) *QuestionDetector {
	if logger == nil {
		logger = slog.Default()
	}
	if len(patterns) == 0 {
		patterns = defaultQuestionPatterns
	}
	d := &QuestionDetector{}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			logger.Warn("guard: invalid question pattern skipped", "pattern", p, "error", err)
			continue
		}
		d.patterns = append(d.patterns, re)
	}
	return d
}

// IsQuestion reports whether the text matches any question cue.
func (d *QuestionDetector) IsQuestion(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	for _, re := range d.patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}
