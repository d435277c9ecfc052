package guard

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/orcbot-ai/orcbot/internal/channels"
	"github.com/orcbot-ai/orcbot/internal/config"
	"github.com/orcbot-ai/orcbot/internal/events"
	"github.com/orcbot-ai/orcbot/internal/skills"
)

// templatePlaceholders matches unfilled template markers in outbound text.
var templatePlaceholders = regexp.MustCompile(`\{\{[^}]*\}\}|\[\[[^\]]*\]\]|<<[^>]*>>|\{%[^%]*%\}`)

// fileDeliveryCues mark a task as complete once a file send succeeds.
var fileDeliveryCues = []string{
	"send", "file", "resend", "deliver", "share",
	"image", "picture", "draw", "generate", "truncat", "incomplete",
}

// ActionInfo is the slice of action identity the evaluator needs.
type ActionInfo struct {
	ActionID    string
	Lane        string
	Source      string
	SourceID    string
	IsAdmin     bool
	Description string
}

// ReviewTrigger names the guardrail that wants a ReviewGate consult.
type ReviewTrigger string

const (
	TriggerSkillFrequency ReviewTrigger = "skill-frequency"
	TriggerMessageBudget  ReviewTrigger = "message-budget"
	TriggerMaxSteps       ReviewTrigger = "max-steps"
)

// ReviewRequest asks the loop to consult the ReviewGate before a forced kill.
type ReviewRequest struct {
	Trigger ReviewTrigger
	Skill   string
}

// Denial records one filtered tool call.
type Denial struct {
	Tool   string
	Policy string
	Reason string
}

// Verdict is the evaluator's output for one decision step.
type Verdict struct {
	Allowed      []ToolCall
	Denials      []Denial
	Inject       []string
	ForceBreak   bool
	BreakReason  string
	Review       *ReviewRequest
	DenialNotice string
}

// Engine evaluates decision tool batches against the guardrail policies.
// It keeps no per-action state of its own; callers pass the ActionState.
type Engine struct {
	cfg      config.GuardrailsConfig
	policy   *channels.Policy
	sudoMode bool
	bus      *events.Bus
	logger   *slog.Logger
}

// NewEngine creates the evaluator.
func NewEngine(cfg config.GuardrailsConfig, policy *channels.Policy, sudoMode bool, bus *events.Bus, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{cfg: cfg, policy: policy, sudoMode: sudoMode, bus: bus, logger: logger}
}

// Evaluate filters a decision's tool batch. It updates the loop-detection
// counters on state but leaves execution bookkeeping to the caller.
func (e *Engine) Evaluate(info ActionInfo, batch []ToolCall, state *ActionState, profile Profile) Verdict {
	v := Verdict{}

	batch = e.dedupIntraStep(batch, state, &v)

	if e.detectRedundantLoop(batch, state) {
		v.ForceBreak = true
		v.BreakReason = "redundant decision loop"
		return v
	}
	if e.detectPlanningLoop(batch, state) {
		v.ForceBreak = true
		v.BreakReason = "planning-only loop"
		return v
	}
	if e.detectPeriodicPattern(state) {
		v.ForceBreak = true
		v.BreakReason = "repeating tool pattern"
		return v
	}

	sendsAllowed := 0
	for _, t := range batch {
		if denial, handled := e.checkTool(info, t, state, profile, &v, &sendsAllowed); handled {
			if denial != nil {
				v.Denials = append(v.Denials, *denial)
				e.publishDenial(info, *denial)
			}
			continue
		}
		v.Allowed = append(v.Allowed, t)
	}

	e.progressNudges(state, &v)
	return v
}

// checkTool applies per-tool policies. handled=true means the tool was
// consumed (denied); denial may be nil for silent drops that still log.
func (e *Engine) checkTool(info ActionInfo, t ToolCall, state *ActionState, profile Profile, v *Verdict, sendsAllowed *int) (*Denial, bool) {
	// Admin gating: elevated skills need an admin sender.
	if !info.IsAdmin && skills.IsElevated(t.Name) {
		v.ForceBreak = true
		v.BreakReason = "elevated skill denied for non-admin"
		if v.DenialNotice == "" {
			v.DenialNotice = "Sorry, that requires admin access, so I can't do it for you."
		}
		return &Denial{Tool: t.Name, Policy: "admin-gating", Reason: "sender is not an admin"}, true
	}

	// Lane safety: dangerous tools are blocked on the autonomy lane.
	if info.Lane == "autonomy" && !e.sudoMode && skills.IsDangerous(t.Name) {
		v.Inject = append(v.Inject, fmt.Sprintf(
			"Tool %q is blocked on the autonomy lane. Ask the user for permission via a message instead.", t.Name))
		return &Denial{Tool: t.Name, Policy: "lane-safety", Reason: "dangerous tool on autonomy lane"}, true
	}

	// Image dedup: one generated image per action.
	if t.Name == "generate_image" && state.ImageGenerated {
		v.Inject = append(v.Inject, fmt.Sprintf(
			"An image was already generated at %s. Use send_file to deliver it or set goals_met to true.", state.ImagePath))
		return &Denial{Tool: t.Name, Policy: "image-dedup", Reason: "image already generated in this action"}, true
	}

	// Skill-frequency ceiling.
	ceiling := e.cfg.SkillCallCeiling
	if skills.IsResearch(t.Name) {
		ceiling = e.cfg.ResearchCallCeiling
	}
	if ceiling > 0 && state.SkillCalls[t.Name] >= ceiling {
		if v.Review == nil {
			v.Review = &ReviewRequest{Trigger: TriggerSkillFrequency, Skill: t.Name}
		}
		return &Denial{Tool: t.Name, Policy: "skill-frequency",
			Reason: fmt.Sprintf("%d calls reached the ceiling of %d", state.SkillCalls[t.Name], ceiling)}, true
	}

	if skills.IsSend(t.Name) {
		return e.checkSend(info, t, state, profile, v, sendsAllowed)
	}
	return nil, false
}

func (e *Engine) checkSend(info ActionInfo, t ToolCall, state *ActionState, profile Profile, v *Verdict, sendsAllowed *int) (*Denial, bool) {
	// After a review continue, only the final wrap-up message goes out.
	if state.SuppressSends {
		return &Denial{Tool: t.Name, Policy: "send-suppressed", Reason: "sends suppressed after review"}, true
	}

	// Channel policy: sends stay on the originating channel unless exempt.
	if e.policy != nil && !e.policy.AllowSend(t.Name, info.Source) {
		return &Denial{Tool: t.Name, Policy: "channel-policy", Reason: "cross-channel send not allowed"}, true
	}

	text := outboundText(t)

	// Template placeholders mean the model is sending unfilled scaffolding.
	if text != "" && templatePlaceholders.MatchString(text) {
		v.Inject = append(v.Inject,
			"Your message contained template placeholders. Fill in real content before sending.")
		return &Denial{Tool: t.Name, Policy: "template-placeholder", Reason: "unfilled template in message"}, true
	}

	// Exact duplicates are dropped silently.
	if text != "" && state.AlreadySent(text) {
		return &Denial{Tool: t.Name, Policy: "duplicate-message", Reason: "identical text already sent"}, true
	}

	// Message budget, reviewed before the kill.
	if profile.MaxMessages > 0 && state.MessagesSent >= profile.MaxMessages {
		if v.Review == nil {
			v.Review = &ReviewRequest{Trigger: TriggerMessageBudget}
		}
		return &Denial{Tool: t.Name, Policy: "message-budget",
			Reason: fmt.Sprintf("%d messages reached the budget of %d", state.MessagesSent, profile.MaxMessages)}, true
	}

	// Cooldown: after step 1, a send needs a deep tool since the last message
	// or enough elapsed steps.
	if state.Step > 1 && !state.DeepToolSinceMessage && state.StepsSinceLastMessage < e.cfg.SendCooldownSteps {
		return &Denial{Tool: t.Name, Policy: "send-cooldown", Reason: "no new work since last message"}, true
	}

	// One send per step.
	if *sendsAllowed >= 1 {
		return &Denial{Tool: t.Name, Policy: "one-send-per-step", Reason: "a send was already allowed this step"}, true
	}
	*sendsAllowed++
	return nil, false
}

func (e *Engine) dedupIntraStep(batch []ToolCall, _ *ActionState, v *Verdict) []ToolCall {
	seen := make(map[string]bool, len(batch))
	out := batch[:0]
	for _, t := range batch {
		fp := t.Fingerprint()
		if seen[fp] {
			v.Denials = append(v.Denials, Denial{Tool: t.Name, Policy: "intra-step-dedup", Reason: "duplicate call in one decision"})
			continue
		}
		seen[fp] = true
		out = append(out, t)
	}
	return out
}

// detectRedundantLoop counts identical consecutive decision signatures.
func (e *Engine) detectRedundantLoop(batch []ToolCall, state *ActionState) bool {
	if len(batch) == 0 {
		state.LastSignature = ""
		state.SameSignatureCount = 0
		return false
	}
	parts := make([]string, len(batch))
	for i, t := range batch {
		parts[i] = t.Fingerprint()
	}
	sig := strings.Join(parts, ";")
	if sig == state.LastSignature {
		state.SameSignatureCount++
	} else {
		state.LastSignature = sig
		state.SameSignatureCount = 1
	}
	if state.SameSignatureCount < e.cfg.RedundantLoopLimit {
		return false
	}
	// Research tools legitimately repeat; only break on non-research loops.
	for _, t := range batch {
		if !skills.IsResearch(t.Name) {
			return true
		}
	}
	return false
}

// detectPlanningLoop counts consecutive decisions made only of non-deep tools.
func (e *Engine) detectPlanningLoop(batch []ToolCall, state *ActionState) bool {
	if len(batch) == 0 {
		return false
	}
	for _, t := range batch {
		if skills.IsDeep(t.Name) {
			state.PlanningDecisions = 0
			return false
		}
	}
	state.PlanningDecisions++
	return state.PlanningDecisions >= e.cfg.PlanningLoopLimit
}

// detectPeriodicPattern looks for an A,B,A,B,A,B run over the pattern window
// with identical argument fingerprints. Same names with differing args are
// legitimate iteration, not a loop.
func (e *Engine) detectPeriodicPattern(state *ActionState) bool {
	w := e.cfg.PatternWindow
	if w < 4 || len(state.RecentSkills) < w {
		return false
	}
	names := state.RecentSkills[len(state.RecentSkills)-w:]
	prints := state.RecentPrints[len(state.RecentPrints)-w:]
	for i := 2; i < w; i++ {
		if names[i] != names[i-2] {
			return false
		}
		if prints[i] != prints[i-2] {
			return false
		}
	}
	// A,A,A,... is caught by the frequency ceiling; require two distinct names.
	return names[0] != names[1]
}

// progressNudges injects status reminders when work proceeds silently.
func (e *Engine) progressNudges(state *ActionState, v *Verdict) {
	if state.MessagesSent > 0 {
		return
	}
	if !state.NudgedBrowser && e.cfg.BrowserNudgeSteps > 0 && state.BrowserStepsNoMessage >= e.cfg.BrowserNudgeSteps {
		state.NudgedBrowser = true
		v.Inject = append(v.Inject, "You have been browsing for a while with no update. Send the user a brief status now.")
		return
	}
	if !state.NudgedGeneric && e.cfg.GenericNudgeSteps > 0 &&
		state.Step >= e.cfg.GenericNudgeSteps && state.NonBrowserStepsNoMessage >= e.cfg.GenericNudgeSteps {
		state.NudgedGeneric = true
		v.Inject = append(v.Inject, "You have made several steps with no update. Send the user a brief status now.")
	}
}

func (e *Engine) publishDenial(info ActionInfo, d Denial) {
	e.logger.Debug("guard: denied tool", "action_id", info.ActionID, "tool", d.Tool, "policy", d.Policy, "reason", d.Reason)
	if e.bus != nil {
		e.bus.Publish(events.NewTypedEventForAction(events.SourceGuard, events.GuardrailDeniedPayload{
			ActionID: info.ActionID,
			Skill:    d.Tool,
			Policy:   d.Policy,
			Reason:   d.Reason,
		}, info.ActionID))
	}
}

// outboundText extracts the user-visible text from a send tool's arguments.
func outboundText(t ToolCall) string {
	for _, k := range []string{"text", "message", "content", "caption", "question"} {
		if v, ok := t.Args[k].(string); ok && strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// FileDeliveryComplete reports whether a successful file send finishes the
// task, judged by delivery cues in the task description.
func FileDeliveryComplete(tool, description string) bool {
	if tool != "send_file" && tool != "send_image" {
		return false
	}
	d := strings.ToLower(description)
	for _, cue := range fileDeliveryCues {
		if strings.Contains(d, cue) {
			return true
		}
	}
	return false
}
