// Package guard implements the per-step guardrail evaluator for the decision loop.
package guard

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// ToolCall is one proposed skill invocation from a decision.
type ToolCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// Fingerprint returns a stable (name, args) identity for dedup and
// pattern detection.
func (t ToolCall) Fingerprint() string {
	if len(t.Args) == 0 {
		return t.Name
	}
	keys := make([]string, 0, len(t.Args))
	for k := range t.Args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(t.Name)
	for _, k := range keys {
		v, _ := json.Marshal(t.Args[k])
		fmt.Fprintf(&b, "|%s=%s", k, v)
	}
	return b.String()
}

// Profile is the complexity-derived budget for an action.
type Profile struct {
	Complexity  string
	MaxSteps    int
	MaxMessages int
}

// ActionState is the mutable per-action bookkeeping the evaluator reads and
// the loop updates as tools execute. One instance per running action.
type ActionState struct {
	Step int

	// Messaging
	MessagesSent          int
	SentMessages          []string
	StepsSinceLastMessage int
	DeepToolSinceMessage  bool
	SuppressSends         bool
	SentThisStep          int

	// Skill tracking
	SkillCalls       map[string]int
	RecentSkills     []string
	RecentPrints     []string
	ConsecutiveFails map[string]int

	// Loop detection
	LastSignature      string
	SameSignatureCount int
	PlanningDecisions  int

	// Flags
	ImageGenerated bool
	ImagePath      string
	ImageDelivered bool

	// Progress nudges
	BrowserStepsNoMessage    int
	NonBrowserStepsNoMessage int
	NudgedBrowser            bool
	NudgedGeneric            bool
}

// NewActionState creates empty bookkeeping for one action run.
func NewActionState() *ActionState {
	return &ActionState{
		SkillCalls:       make(map[string]int),
		ConsecutiveFails: make(map[string]int),
	}
}

// RecordExecution updates counters after a tool ran.
func (s *ActionState) RecordExecution(t ToolCall, deep, success bool) {
	s.SkillCalls[t.Name]++
	s.RecentSkills = append(s.RecentSkills, t.Name)
	s.RecentPrints = append(s.RecentPrints, t.Fingerprint())
	if deep {
		s.DeepToolSinceMessage = true
	}
	if success {
		s.ConsecutiveFails[t.Name] = 0
	} else {
		s.ConsecutiveFails[t.Name]++
	}
}

// RecordSend updates messaging counters after a successful channel send.
func (s *ActionState) RecordSend(text string) {
	s.MessagesSent++
	s.SentThisStep++
	s.SentMessages = append(s.SentMessages, text)
	s.StepsSinceLastMessage = 0
	s.DeepToolSinceMessage = false
	s.BrowserStepsNoMessage = 0
	s.NonBrowserStepsNoMessage = 0
}

// AlreadySent reports whether the exact text was sent earlier in this action.
func (s *ActionState) AlreadySent(text string) bool {
	for _, m := range s.SentMessages {
		if m == text {
			return true
		}
	}
	return false
}

// BeginStep advances per-step counters before a new decision is evaluated.
func (s *ActionState) BeginStep(browserStep bool) {
	s.Step++
	s.SentThisStep = 0
	if s.Step > 1 {
		s.StepsSinceLastMessage++
	}
	if s.MessagesSent == 0 {
		if browserStep {
			s.BrowserStepsNoMessage++
		} else {
			s.NonBrowserStepsNoMessage++
		}
	}
}

// ResetSkillCount clears the call counter after a review-approved continue.
func (s *ActionState) ResetSkillCount(name string) {
	s.SkillCalls[name] = 0
}
