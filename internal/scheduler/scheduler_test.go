package scheduler

import (
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/orcbot-ai/orcbot/internal/config"
	"github.com/orcbot-ai/orcbot/internal/storage"
)

type pushRecorder struct {
	mu    sync.Mutex
	tasks []string
}

func (p *pushRecorder) push(task string, priority int) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tasks = append(p.tasks, task)
	return "act_test", nil
}

func (p *pushRecorder) all() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.tasks...)
}

func TestNormalizeSchedule(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		in, want string
	}{
		{"every 15 minutes", "*/15 * * * *"},
		{"every 2 hours", "0 */2 * * *"},
		{"daily at 9:30", "30 9 * * *"},
		{"hourly", "0 * * * *"},
		{"*/5 * * * *", "*/5 * * * *"},
	}
	for _, c := range cases {
		if got := NormalizeSchedule(c.in, now); got != c.want {
			t.Errorf("NormalizeSchedule(%q) = %q, want %q", c.in, got, c.want)
		}
	}

	got := NormalizeSchedule("in 5 minutes", now)
	at, err := time.Parse(time.RFC3339, got)
	if err != nil {
		t.Fatalf("relative schedule not an instant: %q", got)
	}
	if want := now.Add(5 * time.Minute); !at.Equal(want) {
		t.Errorf("in 5 minutes = %v, want %v", at, want)
	}
}

func TestOneOffFiresAndDeletes(t *testing.T) {
	rec := &pushRecorder{}
	path := filepath.Join(t.TempDir(), "scheduled-tasks.json")
	s := NewOneOffScheduler(path, rec.push, nil, slog.New(slog.DiscardHandler))

	e, err := s.Add(time.Now().Add(-time.Second).Format(time.RFC3339), "send the digest", 5)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	s.Check(time.Now())

	if got := rec.all(); len(got) != 1 || got[0] != "send the digest" {
		t.Fatalf("fired tasks = %v", got)
	}
	if len(s.List()) != 0 {
		t.Fatalf("entry %s not deleted after firing", e.ID)
	}

	var persisted []*Entry
	if _, err := storage.LoadJSON(path, &persisted); err != nil {
		t.Fatalf("LoadJSON: %v", err)
	}
	if len(persisted) != 0 {
		t.Fatalf("persisted entries = %d, want 0", len(persisted))
	}
}

func TestOneOffPastDueReplayedOnLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scheduled-tasks.json")
	past := &Entry{
		ID:       "sched_past",
		Kind:     KindOneOff,
		Schedule: time.Now().Add(-time.Hour).Format(time.RFC3339),
		Task:     "water the plants",
		Priority: 4,
	}
	future := &Entry{
		ID:       "sched_future",
		Kind:     KindOneOff,
		Schedule: time.Now().Add(time.Hour).Format(time.RFC3339),
		Task:     "evening review",
		Priority: 4,
	}
	if err := storage.SaveJSON(path, []*Entry{past, future}); err != nil {
		t.Fatalf("SaveJSON: %v", err)
	}

	rec := &pushRecorder{}
	s := NewOneOffScheduler(path, rec.push, nil, slog.New(slog.DiscardHandler))
	if err := s.Load(time.Now()); err != nil {
		t.Fatalf("Load: %v", err)
	}

	got := rec.all()
	if len(got) != 1 || !strings.HasSuffix(got[0], "(delayed)") {
		t.Fatalf("replayed tasks = %v, want one with delayed marker", got)
	}
	remaining := s.List()
	if len(remaining) != 1 || remaining[0].ID != "sched_future" {
		t.Fatalf("remaining entries = %v", remaining)
	}
}

func TestHeartbeatJobGatedAndRearmed(t *testing.T) {
	rec := &pushRecorder{}
	path := filepath.Join(t.TempDir(), "heartbeat-schedules.json")

	open := true
	s := NewHeartbeatScheduler(path, rec.push, func() bool { return open }, nil, slog.New(slog.DiscardHandler))

	if _, err := s.Add("every 15 minutes", "check on things", 3); err != nil {
		t.Fatalf("Add: %v", err)
	}

	// Not due yet.
	s.Check(time.Now())
	if len(rec.all()) != 0 {
		t.Fatal("fired before schedule was due")
	}

	due := time.Now().Add(16 * time.Minute)

	open = false
	s.Check(due)
	if len(rec.all()) != 0 {
		t.Fatal("fired while gate was closed")
	}

	open = true
	s.Check(due)
	if got := rec.all(); len(got) != 1 {
		t.Fatalf("fired tasks = %v, want 1", got)
	}

	// Re-armed: same instant must not double-fire.
	s.Check(due)
	if got := rec.all(); len(got) != 1 {
		t.Fatalf("double fire: %v", got)
	}
}

func TestHeartbeatRejectsInstantSchedule(t *testing.T) {
	s := NewHeartbeatScheduler(filepath.Join(t.TempDir(), "hb.json"), (&pushRecorder{}).push, nil, nil, slog.New(slog.DiscardHandler))
	if _, err := s.Add(time.Now().Add(time.Hour).Format(time.RFC3339), "once", 3); err == nil {
		t.Fatal("Add accepted an absolute instant for a recurring job")
	}
}

func TestEmitterBackoff(t *testing.T) {
	cfg := config.AutonomyConfig{
		Enabled:            true,
		HeartbeatInterval:  config.Duration(10 * time.Minute),
		HeartbeatCooldown:  config.Duration(time.Minute),
		BackoffMaxMultiple: 8,
	}
	e := NewEmitter(t.TempDir(), cfg, slog.New(slog.DiscardHandler))

	start := time.Now()
	if !e.ShouldFire(start, false, false) {
		t.Fatal("first fire should be allowed")
	}
	e.RecordFire(start)

	if e.ShouldFire(start.Add(30*time.Second), false, false) {
		t.Fatal("fired inside cooldown")
	}
	if e.ShouldFire(start.Add(5*time.Minute), false, false) {
		t.Fatal("fired before interval elapsed")
	}
	if !e.ShouldFire(start.Add(11*time.Minute), false, false) {
		t.Fatal("interval elapsed but fire denied")
	}
	if e.ShouldFire(start.Add(11*time.Minute), true, false) {
		t.Fatal("fired while dispatcher busy")
	}
	if e.ShouldFire(start.Add(11*time.Minute), false, true) {
		t.Fatal("fired with a heartbeat already queued")
	}

	// Unproductive runs double the effective interval, capped at 8x.
	for range 5 {
		e.RecordOutcome(false)
	}
	if e.Multiplier() != 8 {
		t.Fatalf("multiplier = %d, want 8", e.Multiplier())
	}
	if e.ShouldFire(start.Add(70*time.Minute), false, false) {
		t.Fatal("fired before backed-off interval elapsed")
	}
	if !e.ShouldFire(start.Add(81*time.Minute), false, false) {
		t.Fatal("backed-off interval elapsed but fire denied")
	}

	e.RecordOutcome(true)
	if e.Multiplier() != 1 {
		t.Fatalf("multiplier after productive run = %d, want 1", e.Multiplier())
	}
}

func TestEmitterPersistsLastFire(t *testing.T) {
	dir := t.TempDir()
	cfg := config.AutonomyConfig{
		Enabled:           true,
		HeartbeatInterval: config.Duration(10 * time.Minute),
		HeartbeatCooldown: config.Duration(time.Minute),
	}
	e := NewEmitter(dir, cfg, slog.New(slog.DiscardHandler))
	now := time.Now()
	e.RecordFire(now)

	reloaded := NewEmitter(dir, cfg, slog.New(slog.DiscardHandler))
	if reloaded.ShouldFire(now.Add(time.Minute), false, false) {
		t.Fatal("restart forgot the last fire instant")
	}
	if !reloaded.ShouldFire(now.Add(11*time.Minute), false, false) {
		t.Fatal("reloaded emitter never fires")
	}
}
