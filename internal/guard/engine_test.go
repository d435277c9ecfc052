package guard

import (
	"strings"
	"testing"

	"github.com/orcbot-ai/orcbot/internal/channels"
	"github.com/orcbot-ai/orcbot/internal/config"
)

func testEngine(t *testing.T, sudo bool) *Engine {
	t.Helper()
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	policy := &channels.Policy{
		AdminUsers:         map[string][]string{"telegram": {"100"}},
		CrossChannelExempt: cfg.Channels.CrossChannelExempt,
		Registry:           channels.NewRegistry(),
	}
	return NewEngine(cfg.Guardrails, policy, sudo, nil, nil)
}

func userInfo() ActionInfo {
	return ActionInfo{ActionID: "act_1", Lane: "user", Source: "telegram", SourceID: "42", IsAdmin: true}
}

func stdProfile() Profile {
	return Profile{Complexity: "standard", MaxSteps: 25, MaxMessages: 5}
}

func TestIntraStepDedup(t *testing.T) {
	e := testEngine(t, false)
	state := NewActionState()
	state.BeginStep(false)

	batch := []ToolCall{
		{Name: "web_search", Args: map[string]any{"query": "go"}},
		{Name: "web_search", Args: map[string]any{"query": "go"}},
		{Name: "web_search", Args: map[string]any{"query": "rust"}},
	}
	v := e.Evaluate(userInfo(), batch, state, stdProfile())
	if len(v.Allowed) != 2 {
		t.Fatalf("Allowed: got %d, want 2", len(v.Allowed))
	}
	if len(v.Denials) != 1 || v.Denials[0].Policy != "intra-step-dedup" {
		t.Errorf("Denials: %+v", v.Denials)
	}
}

func TestRedundantLoopBreaks(t *testing.T) {
	e := testEngine(t, false)
	state := NewActionState()

	batch := []ToolCall{{Name: "write_file", Args: map[string]any{"path": "/tmp/x"}}}
	var v Verdict
	for i := 0; i < 3; i++ {
		state.BeginStep(false)
		v = e.Evaluate(userInfo(), batch, state, stdProfile())
	}
	if !v.ForceBreak {
		t.Error("expected force break after 3 identical decisions")
	}
}

func TestRedundantLoopSparesResearch(t *testing.T) {
	e := testEngine(t, false)
	state := NewActionState()

	batch := []ToolCall{{Name: "web_search", Args: map[string]any{"query": "same"}}}
	var v Verdict
	for i := 0; i < 3; i++ {
		state.BeginStep(false)
		v = e.Evaluate(userInfo(), batch, state, stdProfile())
	}
	if v.ForceBreak {
		t.Error("research-only repetition should not force break")
	}
}

func TestPlanningOnlyLoop(t *testing.T) {
	e := testEngine(t, false)
	state := NewActionState()

	var v Verdict
	for i := 0; i < 5; i++ {
		state.BeginStep(false)
		// Vary args so the redundant-signature detector stays quiet.
		batch := []ToolCall{{Name: "journal", Args: map[string]any{"entry": strings.Repeat("x", i+1)}}}
		v = e.Evaluate(userInfo(), batch, state, stdProfile())
	}
	if !v.ForceBreak || v.BreakReason != "planning-only loop" {
		t.Errorf("expected planning-only break, got %+v", v)
	}
}

func TestSkillFrequencyCeilingConsultsReview(t *testing.T) {
	e := testEngine(t, false)
	state := NewActionState()
	state.BeginStep(false)
	state.SkillCalls["write_file"] = 5

	v := e.Evaluate(userInfo(), []ToolCall{{Name: "write_file"}}, state, stdProfile())
	if len(v.Allowed) != 0 {
		t.Error("tool over the ceiling should be denied")
	}
	if v.Review == nil || v.Review.Trigger != TriggerSkillFrequency || v.Review.Skill != "write_file" {
		t.Errorf("Review: %+v", v.Review)
	}
}

func TestResearchCeilingIsHigher(t *testing.T) {
	e := testEngine(t, false)
	state := NewActionState()
	state.BeginStep(false)
	state.SkillCalls["web_search"] = 10

	v := e.Evaluate(userInfo(), []ToolCall{{Name: "web_search"}}, state, stdProfile())
	if len(v.Allowed) != 1 {
		t.Error("research tool under its ceiling of 15 should be allowed")
	}

	state.SkillCalls["web_search"] = 15
	state.BeginStep(false)
	v = e.Evaluate(userInfo(), []ToolCall{{Name: "web_search"}}, state, stdProfile())
	if len(v.Allowed) != 0 || v.Review == nil {
		t.Error("research tool at 15 calls should consult review")
	}
}

func TestPeriodicPatternBreaks(t *testing.T) {
	e := testEngine(t, false)
	state := NewActionState()

	a := ToolCall{Name: "read_file", Args: map[string]any{"path": "/a"}}
	b := ToolCall{Name: "write_file", Args: map[string]any{"path": "/b"}}
	for i := 0; i < 3; i++ {
		state.RecordExecution(a, true, true)
		state.RecordExecution(b, true, true)
	}
	state.BeginStep(false)

	v := e.Evaluate(userInfo(), []ToolCall{{Name: "journal"}}, state, stdProfile())
	if !v.ForceBreak || v.BreakReason != "repeating tool pattern" {
		t.Errorf("expected pattern break, got %+v", v)
	}
}

func TestPeriodicPatternDifferentArgsAllowed(t *testing.T) {
	e := testEngine(t, false)
	state := NewActionState()

	for i := 0; i < 3; i++ {
		state.RecordExecution(ToolCall{Name: "read_file", Args: map[string]any{"path": strings.Repeat("a", i+1)}}, true, true)
		state.RecordExecution(ToolCall{Name: "write_file", Args: map[string]any{"path": strings.Repeat("b", i+1)}}, true, true)
	}
	state.BeginStep(false)

	v := e.Evaluate(userInfo(), []ToolCall{{Name: "journal"}}, state, stdProfile())
	if v.ForceBreak {
		t.Error("A,B pattern with changing args should not break")
	}
}

func TestTemplatePlaceholderBlocked(t *testing.T) {
	e := testEngine(t, false)
	state := NewActionState()
	state.BeginStep(false)

	v := e.Evaluate(userInfo(), []ToolCall{
		{Name: "send_message", Args: map[string]any{"text": "Hello {{name}}, your total is {{amount}}"}},
	}, state, stdProfile())
	if len(v.Allowed) != 0 {
		t.Error("templated message should be denied")
	}
	if len(v.Inject) == 0 {
		t.Error("expected an injected correction memory")
	}
}

func TestDuplicateMessageDropped(t *testing.T) {
	e := testEngine(t, false)
	state := NewActionState()
	state.BeginStep(false)
	state.RecordSend("done!")
	state.BeginStep(false)
	state.DeepToolSinceMessage = true

	v := e.Evaluate(userInfo(), []ToolCall{
		{Name: "send_message", Args: map[string]any{"text": "done!"}},
	}, state, stdProfile())
	if len(v.Allowed) != 0 {
		t.Error("duplicate message should be dropped")
	}
	if v.Denials[0].Policy != "duplicate-message" {
		t.Errorf("policy: %q", v.Denials[0].Policy)
	}
}

func TestSendCooldown(t *testing.T) {
	e := testEngine(t, false)
	state := NewActionState()
	state.BeginStep(false)
	state.RecordSend("first update")
	state.BeginStep(false)

	send := []ToolCall{{Name: "send_message", Args: map[string]any{"text": "second update"}}}

	v := e.Evaluate(userInfo(), send, state, stdProfile())
	if len(v.Allowed) != 0 {
		t.Error("send without deep work should hit the cooldown")
	}

	state.DeepToolSinceMessage = true
	v = e.Evaluate(userInfo(), send, state, stdProfile())
	if len(v.Allowed) != 1 {
		t.Error("deep tool since last message should clear the cooldown")
	}
}

func TestOneSendPerStep(t *testing.T) {
	e := testEngine(t, false)
	state := NewActionState()
	state.BeginStep(false)

	v := e.Evaluate(userInfo(), []ToolCall{
		{Name: "send_message", Args: map[string]any{"text": "part one"}},
		{Name: "send_message", Args: map[string]any{"text": "part two"}},
	}, state, stdProfile())
	if len(v.Allowed) != 1 {
		t.Fatalf("Allowed: got %d, want 1", len(v.Allowed))
	}
	if v.Denials[0].Policy != "one-send-per-step" {
		t.Errorf("policy: %q", v.Denials[0].Policy)
	}
}

func TestAutonomyLaneBlocksDangerous(t *testing.T) {
	e := testEngine(t, false)
	state := NewActionState()
	state.BeginStep(false)

	info := ActionInfo{ActionID: "act_1", Lane: "autonomy", Source: "telegram", IsAdmin: true}
	v := e.Evaluate(info, []ToolCall{{Name: "run_command", Args: map[string]any{"command": "ls"}}}, state, stdProfile())
	if len(v.Allowed) != 0 {
		t.Error("dangerous tool should be blocked on autonomy lane")
	}
	if len(v.Inject) == 0 {
		t.Error("expected a denial memory")
	}
}

func TestSudoModeBypassesLaneSafety(t *testing.T) {
	e := testEngine(t, true)
	state := NewActionState()
	state.BeginStep(false)

	info := ActionInfo{ActionID: "act_1", Lane: "autonomy", Source: "telegram", IsAdmin: true}
	v := e.Evaluate(info, []ToolCall{{Name: "run_command", Args: map[string]any{"command": "ls"}}}, state, stdProfile())
	if len(v.Allowed) != 1 {
		t.Error("sudo mode should bypass autonomy lane safety")
	}
}

func TestAdminGating(t *testing.T) {
	e := testEngine(t, false)
	state := NewActionState()
	state.BeginStep(false)

	info := ActionInfo{ActionID: "act_1", Lane: "user", Source: "telegram", SourceID: "200", IsAdmin: false}
	v := e.Evaluate(info, []ToolCall{{Name: "run_command", Args: map[string]any{"command": "ls"}}}, state, stdProfile())
	if len(v.Allowed) != 0 {
		t.Error("elevated skill should be denied for non-admin")
	}
	if !v.ForceBreak {
		t.Error("admin denial should force break")
	}
	if v.DenialNotice == "" {
		t.Error("expected a polite denial notice")
	}
}

func TestMessageBudgetConsultsReview(t *testing.T) {
	e := testEngine(t, false)
	state := NewActionState()
	state.BeginStep(false)
	state.MessagesSent = 5
	state.DeepToolSinceMessage = true

	v := e.Evaluate(userInfo(), []ToolCall{
		{Name: "send_message", Args: map[string]any{"text": "one more"}},
	}, state, stdProfile())
	if len(v.Allowed) != 0 {
		t.Error("send over budget should be denied")
	}
	if v.Review == nil || v.Review.Trigger != TriggerMessageBudget {
		t.Errorf("Review: %+v", v.Review)
	}
}

func TestSuppressedSendsAfterReview(t *testing.T) {
	e := testEngine(t, false)
	state := NewActionState()
	state.BeginStep(false)
	state.SuppressSends = true

	v := e.Evaluate(userInfo(), []ToolCall{
		{Name: "send_message", Args: map[string]any{"text": "status"}},
	}, state, stdProfile())
	if len(v.Allowed) != 0 {
		t.Error("sends should be suppressed after a review continue")
	}
	if v.Review != nil {
		t.Error("suppressed send should not consult review again")
	}
}

func TestGenerateImageDedup(t *testing.T) {
	e := testEngine(t, false)
	state := NewActionState()
	state.BeginStep(false)
	state.ImageGenerated = true
	state.ImagePath = "/tmp/img.png"

	v := e.Evaluate(userInfo(), []ToolCall{{Name: "generate_image", Args: map[string]any{"prompt": "again"}}}, state, stdProfile())
	if len(v.Allowed) != 0 {
		t.Error("second generate_image should be denied")
	}
	found := false
	for _, m := range v.Inject {
		if strings.Contains(m, "/tmp/img.png") {
			found = true
		}
	}
	if !found {
		t.Error("injected memory should point at the existing image path")
	}
}

func TestProgressNudges(t *testing.T) {
	e := testEngine(t, false)
	state := NewActionState()
	state.BeginStep(true)
	state.BeginStep(true)

	v := e.Evaluate(userInfo(), []ToolCall{{Name: "browser_click"}}, state, stdProfile())
	found := false
	for _, m := range v.Inject {
		if strings.Contains(m, "status") {
			found = true
		}
	}
	if !found {
		t.Error("expected a browser progress nudge after 2 silent browser steps")
	}

	// The nudge fires once.
	state.BeginStep(true)
	v = e.Evaluate(userInfo(), []ToolCall{{Name: "browser_click"}}, state, stdProfile())
	for _, m := range v.Inject {
		if strings.Contains(m, "browsing") {
			t.Error("browser nudge should not repeat")
		}
	}
}

func TestFileDeliveryComplete(t *testing.T) {
	if !FileDeliveryComplete("send_file", "please send me the report file") {
		t.Error("expected completion for file delivery task")
	}
	if FileDeliveryComplete("send_file", "summarize the meeting notes") {
		t.Error("no delivery cue should mean no completion")
	}
	if FileDeliveryComplete("send_message", "send me the file") {
		t.Error("only file sends trigger delivery completion")
	}
}

func TestQuestionDetector(t *testing.T) {
	d := NewQuestionDetector(nil, nil)
	questions := []string{
		"Which topics should the digest cover?",
		"Should I include sports",
		"Let me know if that works",
		"Please confirm the address",
		"Do you want the long version",
		"You can have either the summary or the full text",
	}
	for _, q := range questions {
		if !d.IsQuestion(q) {
			t.Errorf("IsQuestion(%q): got false, want true", q)
		}
	}
	statements := []string{
		"Here is your digest.",
		"Done! The file was delivered.",
	}
	for _, s := range statements {
		if d.IsQuestion(s) {
			t.Errorf("IsQuestion(%q): got true, want false", s)
		}
	}
}
