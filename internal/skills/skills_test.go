package skills

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func TestClassifyStructuredResult(t *testing.T) {
	out := Classify(&Result{Success: false, Error: "boom"}, nil)
	if out.Success {
		t.Error("expected failure")
	}
	if out.Observation != "Error: boom" {
		t.Errorf("Observation: got %q", out.Observation)
	}

	out = Classify(&Result{Success: true, Output: "done", FilePath: "/tmp/x.png"}, nil)
	if !out.Success || out.Observation != "done" || out.FilePath != "/tmp/x.png" {
		t.Errorf("unexpected outcome: %+v", out)
	}
}

func TestClassifyStringPrefix(t *testing.T) {
	if out := Classify("Error: not found", nil); out.Success {
		t.Error("Error-prefixed string should classify as failure")
	}
	if out := Classify("Failed to fetch", nil); out.Success {
		t.Error("Failed-prefixed string should classify as failure")
	}
	if out := Classify("fetched 3 articles", nil); !out.Success {
		t.Error("plain string should classify as success")
	}
}

func TestClassifyHandlerError(t *testing.T) {
	out := Classify(nil, errors.New("handler blew up"))
	if out.Success {
		t.Error("expected failure")
	}
	if !strings.Contains(out.Observation, "handler blew up") {
		t.Errorf("Observation: got %q", out.Observation)
	}
}

func TestRegistryRegisterGet(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(&Skill{Name: "web_search", Description: "search the web"})

	s, err := r.Get("web_search")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if s.Description != "search the web" {
		t.Errorf("Description: got %q", s.Description)
	}

	if _, err := r.Get("nope"); !errors.Is(err, ErrUnknownSkill) {
		t.Errorf("expected ErrUnknownSkill, got %v", err)
	}
}

func TestPatternSets(t *testing.T) {
	cases := []struct {
		name                              string
		elevated, research, dangerous, deep bool
	}{
		{"run_command", true, false, true, true},
		{"browser_click", true, true, false, true},
		{"computer_screenshot", true, true, false, true},
		{"web_search", false, true, false, true},
		{"journal", false, false, false, false},
		{"trace_start", false, false, false, false},
		{"request_supporting_data", false, false, false, false},
		{"send_message", false, false, false, true},
		{"install_package", true, false, true, true},
	}
	for _, c := range cases {
		if got := IsElevated(c.name); got != c.elevated {
			t.Errorf("IsElevated(%q): got %v, want %v", c.name, got, c.elevated)
		}
		if got := IsResearch(c.name); got != c.research {
			t.Errorf("IsResearch(%q): got %v, want %v", c.name, got, c.research)
		}
		if got := IsDangerous(c.name); got != c.dangerous {
			t.Errorf("IsDangerous(%q): got %v, want %v", c.name, got, c.dangerous)
		}
		if got := IsDeep(c.name); got != c.deep {
			t.Errorf("IsDeep(%q): got %v, want %v", c.name, got, c.deep)
		}
	}
}

func TestRunCommandSkill(t *testing.T) {
	s := NewRunCommandSkill(10*time.Second, t.TempDir())

	value, err := s.Handler(context.Background(), map[string]any{"command": "echo hello"}, ActionContext{})
	if err != nil {
		t.Fatalf("Handler: %v", err)
	}
	out := Classify(value, err)
	if !out.Success {
		t.Fatalf("expected success, got %q", out.Observation)
	}
	if out.Observation != "hello" {
		t.Errorf("output: got %q, want hello", out.Observation)
	}
}

func TestRunCommandSkillExitStatus(t *testing.T) {
	s := NewRunCommandSkill(10*time.Second, t.TempDir())

	value, err := s.Handler(context.Background(), map[string]any{"command": "exit 3"}, ActionContext{})
	if err != nil {
		t.Fatalf("Handler: %v", err)
	}
	out := Classify(value, err)
	if out.Success {
		t.Error("expected failure for non-zero exit")
	}
	if !strings.Contains(out.Observation, "exit status 3") {
		t.Errorf("observation: got %q", out.Observation)
	}
}

func TestRunCommandSkillTimeout(t *testing.T) {
	s := NewRunCommandSkill(200*time.Millisecond, t.TempDir())

	value, err := s.Handler(context.Background(), map[string]any{"command": "sleep 5"}, ActionContext{})
	if err != nil {
		t.Fatalf("Handler: %v", err)
	}
	out := Classify(value, err)
	if out.Success {
		t.Error("expected timeout failure")
	}
}

func TestManifestLoading(t *testing.T) {
	dir := t.TempDir()
	manifest := `name: web_search
description: Search the web for fresh information.
usage: web_search(query="...")
flags:
  - name: query
    description: search terms
    required: true
`
	if err := os.WriteFile(filepath.Join(dir, "web_search.yaml"), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}

	manifests, err := LoadManifestDir(dir)
	if err != nil {
		t.Fatalf("LoadManifestDir: %v", err)
	}
	if len(manifests) != 1 {
		t.Fatalf("got %d manifests, want 1", len(manifests))
	}
	m := manifests[0]
	if m.Name != "web_search" || len(m.Flags) != 1 || !m.Flags[0].Required {
		t.Errorf("manifest mismatch: %+v", m)
	}

	r := NewRegistry(nil)
	r.Register(&Skill{Name: "web_search", Description: "old"})
	r.ApplyManifests(manifests)
	s, _ := r.Get("web_search")
	if s.Description != "Search the web for fresh information." {
		t.Errorf("Description not overlaid: %q", s.Description)
	}
}

func TestSendMessageSkillDefaultsToSource(t *testing.T) {
	var gotChannel, gotTo, gotText string
	s := NewSendMessageSkill("", func(_ context.Context, channel, to, text string) error {
		gotChannel, gotTo, gotText = channel, to, text
		return nil
	})

	actx := ActionContext{Source: "telegram", SourceID: "42"}
	value, err := s.Handler(context.Background(), map[string]any{"text": "hi"}, actx)
	if err != nil {
		t.Fatalf("Handler: %v", err)
	}
	if out := Classify(value, err); !out.Success {
		t.Fatalf("expected success: %q", out.Observation)
	}
	if gotChannel != "telegram" || gotTo != "42" || gotText != "hi" {
		t.Errorf("send args: %q %q %q", gotChannel, gotTo, gotText)
	}
}

func TestTruncateCutsOnRuneBoundary(t *testing.T) {
	s := strings.Repeat("日", 4) // 3 bytes each
	got := truncate(s, 7)
	if !utf8.ValidString(got) {
		t.Fatalf("truncated output is not valid UTF-8: %q", got)
	}
	if !strings.HasPrefix(got, "日日") || strings.Contains(got, "�") {
		t.Fatalf("truncate = %q", got)
	}
}

func TestSendBridgesPinChannelToSource(t *testing.T) {
	var gotChannel string
	record := func(channel string) { gotChannel = channel }

	bridges := []*Skill{
		NewSendMessageSkill("", func(_ context.Context, channel, _, _ string) error {
			record(channel)
			return nil
		}),
		NewSendFileSkill("send_file", func(_ context.Context, channel, _, _, _ string) error {
			record(channel)
			return nil
		}),
		NewSendVoiceSkill(func(_ context.Context, channel, _, _ string) error {
			record(channel)
			return nil
		}),
		NewReactSkill(func(_ context.Context, channel, _, _, _ string) error {
			record(channel)
			return nil
		}),
	}

	args := map[string]any{
		"channel": "slack",
		"text":    "hi",
		"path":    "/tmp/f.ogg",
		"emoji":   "👍",
	}
	actx := ActionContext{Source: "telegram", SourceID: "42"}
	for _, s := range bridges {
		gotChannel = ""
		if _, err := s.Handler(context.Background(), args, actx); err != nil {
			t.Fatalf("%s: %v", s.Name, err)
		}
		if gotChannel != "telegram" {
			t.Errorf("%s delivered on %q, want the originating channel", s.Name, gotChannel)
		}
	}

	// Without an originating channel there is nothing to pin to, so the
	// explicit argument applies.
	if _, err := bridges[0].Handler(context.Background(), args, ActionContext{SourceID: "42"}); err != nil {
		t.Fatalf("sourceless send: %v", err)
	}
	if gotChannel != "slack" {
		t.Errorf("sourceless send delivered on %q, want slack", gotChannel)
	}
}

func TestScheduleTaskSkill(t *testing.T) {
	s := NewScheduleTaskSkill(func(_ context.Context, schedule, task string, priority int) (string, error) {
		if schedule != "in 20 minutes" || task != "check build" || priority != 5 {
			t.Errorf("bridge args: %q %q %d", schedule, task, priority)
		}
		return "sched_ab12cd34", nil
	})

	value, err := s.Handler(context.Background(), map[string]any{
		"schedule": "in 20 minutes",
		"task":     "check build",
	}, ActionContext{})
	if err != nil {
		t.Fatalf("Handler: %v", err)
	}
	out := Classify(value, err)
	if !out.Success || !strings.Contains(out.Observation, "sched_ab12cd34") {
		t.Errorf("outcome: %+v", out)
	}
}
