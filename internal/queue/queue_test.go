package queue

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := New(filepath.Join(t.TempDir(), "actions.json"), nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return q
}

func TestPushAndGetNextPriorityOrder(t *testing.T) {
	q := newTestQueue(t)

	low := NewAction("low", 2, LaneUser, Payload{})
	high := NewAction("high", 8, LaneUser, Payload{})
	q.Push(low)
	q.Push(high)

	next := q.GetNext()
	if next == nil {
		t.Fatal("expected a pending action")
	}
	if next.ID != high.ID {
		t.Errorf("GetNext: got %q, want %q", next.ID, high.ID)
	}
}

func TestGetNextTieBreakOldest(t *testing.T) {
	q := newTestQueue(t)

	first := NewAction("first", 5, LaneUser, Payload{})
	second := NewAction("second", 5, LaneUser, Payload{})
	second.Timestamp = first.Timestamp.Add(time.Second)
	q.Push(first)
	q.Push(second)

	if next := q.GetNext(); next.ID != first.ID {
		t.Errorf("GetNext: got %q, want oldest %q", next.ID, first.ID)
	}
}

func TestGetNextBlockedWhileInProgress(t *testing.T) {
	q := newTestQueue(t)

	a := NewAction("a", 5, LaneUser, Payload{})
	b := NewAction("b", 9, LaneUser, Payload{})
	q.Push(a)
	q.Push(b)

	if err := q.UpdateStatus(a.ID, StatusInProgress); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if next := q.GetNext(); next != nil {
		t.Errorf("expected nil while in-progress, got %q", next.ID)
	}

	q.UpdateStatus(a.ID, StatusCompleted)
	if next := q.GetNext(); next == nil || next.ID != b.ID {
		t.Errorf("expected %q after completion", b.ID)
	}
}

func TestPushDedupByMessageID(t *testing.T) {
	q := newTestQueue(t)

	a1 := NewAction("do the thing", 5, LaneUser, Payload{Source: "tg", SourceID: "42", MessageID: "m1"})
	_, outcome := q.Push(a1)
	if outcome != OutcomePushed {
		t.Fatalf("first push: got %q, want %q", outcome, OutcomePushed)
	}

	a2 := NewAction("do the thing", 5, LaneUser, Payload{Source: "tg", SourceID: "42", MessageID: "m1"})
	got, outcome := q.Push(a2)
	if outcome != OutcomeDeduped {
		t.Fatalf("second push: got %q, want %q", outcome, OutcomeDeduped)
	}
	if got.ID != a1.ID {
		t.Errorf("dedup returned %q, want original %q", got.ID, a1.ID)
	}
	if len(q.Snapshot()) != 1 {
		t.Errorf("queue size: got %d, want 1", len(q.Snapshot()))
	}
}

func TestResumeOnReply(t *testing.T) {
	q := newTestQueue(t)

	a1 := NewAction("Build me a daily digest", 5, LaneUser, Payload{Source: "tg", SourceID: "42", MessageID: "m1"})
	q.Push(a1)
	q.UpdateStatus(a1.ID, StatusWaiting)

	a2 := NewAction("tech and music", 5, LaneUser, Payload{Source: "tg", SourceID: "42", MessageID: "m2"})
	got, outcome := q.Push(a2)
	if outcome != OutcomeResumed {
		t.Fatalf("outcome: got %q, want %q", outcome, OutcomeResumed)
	}
	if got.ID != a1.ID {
		t.Errorf("resumed id: got %q, want %q", got.ID, a1.ID)
	}
	if got.Status != StatusPending {
		t.Errorf("status: got %q, want %q", got.Status, StatusPending)
	}
	if !strings.HasSuffix(got.Payload.Description, "[USER FOLLOW-UP]: tech and music") {
		t.Errorf("description does not end with follow-up: %q", got.Payload.Description)
	}
	if got.Payload.LastUserMessageText != "tech and music" {
		t.Errorf("LastUserMessageText: got %q", got.Payload.LastUserMessageText)
	}
	if got.Payload.ResumedFromWaitingAt == nil {
		t.Error("ResumedFromWaitingAt not set")
	}
	if len(q.Snapshot()) != 1 {
		t.Errorf("queue size: got %d, want 1", len(q.Snapshot()))
	}
}

func TestResumeNewestWaitingWins(t *testing.T) {
	q := newTestQueue(t)

	older := NewAction("older", 5, LaneUser, Payload{Source: "tg", SourceID: "42", MessageID: "m1"})
	newer := NewAction("newer", 5, LaneUser, Payload{Source: "tg", SourceID: "42", MessageID: "m2"})
	q.Push(older)
	q.Push(newer)
	q.UpdateStatus(older.ID, StatusWaiting)
	time.Sleep(5 * time.Millisecond)
	q.UpdateStatus(newer.ID, StatusWaiting)

	reply := NewAction("here you go", 5, LaneUser, Payload{Source: "tg", SourceID: "42", MessageID: "m3"})
	got, outcome := q.Push(reply)
	if outcome != OutcomeResumed {
		t.Fatalf("outcome: got %q, want %q", outcome, OutcomeResumed)
	}
	if got.ID != newer.ID {
		t.Errorf("resumed id: got %q, want newest waiting %q", got.ID, newer.ID)
	}
}

func TestRequestCancel(t *testing.T) {
	q := newTestQueue(t)

	pending := NewAction("pending", 5, LaneUser, Payload{})
	running := NewAction("running", 5, LaneUser, Payload{})
	done := NewAction("done", 5, LaneUser, Payload{})
	q.Push(pending)
	q.Push(running)
	q.Push(done)
	q.UpdateStatus(running.ID, StatusInProgress)
	q.UpdateStatus(done.ID, StatusCompleted)

	// Terminal: not applicable.
	if q.RequestCancel(done.ID) {
		t.Error("cancel of terminal action should report false")
	}

	// Pending: failed immediately.
	if !q.RequestCancel(pending.ID) {
		t.Error("cancel of pending action should report true")
	}
	if got, _ := q.Get(pending.ID); got.Status != StatusFailed {
		t.Errorf("pending status: got %q, want %q", got.Status, StatusFailed)
	}

	// In-progress: flagged for the dispatcher.
	if !q.RequestCancel(running.ID) {
		t.Error("cancel of in-progress action should report true")
	}
	if !q.CancelRequested(running.ID) {
		t.Error("expected cancellation flag for in-progress action")
	}
	q.ClearCancel(running.ID)
	if q.CancelRequested(running.ID) {
		t.Error("flag should be cleared")
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "actions.json")
	q1, err := New(path, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a := NewAction("survive restart", 7, LaneAutonomy, Payload{Source: "tg", SourceID: "1"})
	q1.Push(a)

	q2, err := New(path, nil, nil)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	got, ok := q2.Get(a.ID)
	if !ok {
		t.Fatal("action missing after reload")
	}
	if got.Priority != 7 || got.Lane != LaneAutonomy || got.Payload.Description != "survive restart" {
		t.Errorf("reloaded action mismatch: %+v", got)
	}
}

func TestRecoverStale(t *testing.T) {
	q := newTestQueue(t)

	a := NewAction("stuck", 5, LaneUser, Payload{})
	q.Push(a)
	q.UpdateStatus(a.ID, StatusInProgress)

	// Fresh in-progress survives.
	if n := q.RecoverStale(time.Hour); n != 0 {
		t.Errorf("RecoverStale: got %d, want 0", n)
	}
	// Anything older than the threshold fails.
	if n := q.RecoverStale(-time.Second); n != 1 {
		t.Errorf("RecoverStale: got %d, want 1", n)
	}
	if got, _ := q.Get(a.ID); got.Status != StatusFailed {
		t.Errorf("status: got %q, want %q", got.Status, StatusFailed)
	}
}

func TestResumeStaleWaiting(t *testing.T) {
	q := newTestQueue(t)

	a := NewAction("waiting on user", 5, LaneUser, Payload{Source: "tg", SourceID: "42"})
	q.Push(a)
	q.UpdateStatus(a.ID, StatusWaiting)

	if n := q.ResumeStaleWaiting(time.Hour); n != 0 {
		t.Errorf("fresh waiting resumed: got %d, want 0", n)
	}
	if n := q.ResumeStaleWaiting(-time.Second); n != 1 {
		t.Errorf("stale waiting: got %d, want 1", n)
	}
	got, _ := q.Get(a.ID)
	if got.Status != StatusPending {
		t.Errorf("status: got %q, want %q", got.Status, StatusPending)
	}
	if !strings.Contains(got.Payload.Description, "did not reply") {
		t.Errorf("description missing system note: %q", got.Payload.Description)
	}
}

func TestGC(t *testing.T) {
	q := newTestQueue(t)

	done := NewAction("done", 5, LaneUser, Payload{})
	live := NewAction("live", 5, LaneUser, Payload{})
	q.Push(done)
	q.Push(live)
	q.UpdateStatus(done.ID, StatusCompleted)

	if n := q.GC(time.Hour); n != 0 {
		t.Errorf("fresh terminal collected: got %d, want 0", n)
	}
	if n := q.GC(-time.Second); n != 1 {
		t.Errorf("GC: got %d, want 1", n)
	}
	if _, ok := q.Get(done.ID); ok {
		t.Error("terminal action still present after GC")
	}
	if _, ok := q.Get(live.ID); !ok {
		t.Error("pending action removed by GC")
	}
}

func TestHasPendingHeartbeat(t *testing.T) {
	q := newTestQueue(t)

	if q.HasPendingHeartbeat() {
		t.Error("empty queue should have no heartbeat")
	}
	hb := NewAction("heartbeat prompt", 3, LaneAutonomy, Payload{IsHeartbeat: true})
	q.Push(hb)
	if !q.HasPendingHeartbeat() {
		t.Error("expected pending heartbeat")
	}
	q.UpdateStatus(hb.ID, StatusCompleted)
	if q.HasPendingHeartbeat() {
		t.Error("completed heartbeat should not count")
	}
}
