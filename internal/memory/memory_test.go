package memory

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "memory.json"), nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestWriteAndByAction(t *testing.T) {
	s := newTestStore(t)

	s.WriteForAction("act_1", TypeShort, "observation one", nil)
	s.WriteForAction("act_1", TypeShort, "observation two", map[string]string{"tool": "web_search"})
	s.WriteForAction("act_2", TypeShort, "other action", nil)

	got := s.ByAction("act_1")
	if len(got) != 2 {
		t.Fatalf("ByAction: got %d entries, want 2", len(got))
	}
	if got[0].Content != "observation one" {
		t.Errorf("order: got %q first", got[0].Content)
	}
	if got[1].Metadata["tool"] != "web_search" {
		t.Errorf("metadata: got %v", got[1].Metadata)
	}
}

func TestPurgeActionKeepsEpisodic(t *testing.T) {
	s := newTestStore(t)

	s.WriteForAction("act_1", TypeShort, "scratch", nil)
	s.WriteForAction("act_1", TypeEpisodic, "task-conclusion: done", nil)
	s.WriteForAction("act_2", TypeShort, "unrelated", nil)

	if n := s.PurgeAction("act_1"); n != 1 {
		t.Errorf("PurgeAction: got %d removed, want 1", n)
	}

	if got := s.ByAction("act_1"); len(got) != 1 || got[0].Type != TypeEpisodic {
		t.Errorf("episodic entry should survive purge, got %v", got)
	}
	if got := s.ByAction("act_2"); len(got) != 1 {
		t.Error("other action's entries should be untouched")
	}
}

func TestTailByType(t *testing.T) {
	s := newTestStore(t)

	s.Write(TypeEpisodic, "e1", nil)
	s.Write(TypeShort, "s1", nil)
	s.Write(TypeEpisodic, "e2", nil)
	s.Write(TypeEpisodic, "e3", nil)

	got := s.TailByType(TypeEpisodic, 2)
	if len(got) != 2 {
		t.Fatalf("TailByType: got %d, want 2", len(got))
	}
	if got[0].Content != "e2" || got[1].Content != "e3" {
		t.Errorf("order: got %q, %q; want e2, e3", got[0].Content, got[1].Content)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.json")
	s1, err := NewStore(path, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	s1.Write(TypeLong, "the user prefers short answers", nil)

	s2, err := NewStore(path, nil)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if s2.Len() != 1 {
		t.Fatalf("Len after reload: got %d, want 1", s2.Len())
	}
	if got := s2.Tail(1)[0]; got.Content != "the user prefers short answers" || got.Type != TypeLong {
		t.Errorf("reloaded entry mismatch: %+v", got)
	}
}

func TestRelativeAge(t *testing.T) {
	now := time.Now()
	cases := []struct {
		age  time.Duration
		want string
	}{
		{30 * time.Second, "[just now]"},
		{5 * time.Minute, "[5m ago]"},
		{2 * time.Hour, "[2h ago]"},
		{72 * time.Hour, "[3d ago]"},
	}
	for _, c := range cases {
		if got := RelativeAge(now.Add(-c.age), now); got != c.want {
			t.Errorf("RelativeAge(%v): got %q, want %q", c.age, got, c.want)
		}
	}
}

func TestFormatEntries(t *testing.T) {
	now := time.Now()
	out := FormatEntries([]Entry{
		{Content: "checked the queue", Timestamp: now.Add(-10 * time.Minute)},
	}, now)
	if !strings.Contains(out, "[10m ago] checked the queue") {
		t.Errorf("unexpected format: %q", out)
	}
}
