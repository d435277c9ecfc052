package events

import (
	"testing"
	"time"
)

func TestBusPublishSubscribe(t *testing.T) {
	bus := NewBus(64)
	defer bus.Close()

	ch, unsub := bus.SubscribeChan(4, EventActionPushed)
	defer unsub()

	bus.Publish(NewTypedEvent(SourceQueue, ActionPushedPayload{
		ActionID: "act_123",
		Lane:     "user",
		Priority: 5,
	}))

	select {
	case e := <-ch:
		payload, ok := GetActionPushedPayload(e)
		if !ok {
			t.Fatal("failed to extract payload")
		}
		if payload.ActionID != "act_123" {
			t.Errorf("ActionID: got %q, want %q", payload.ActionID, "act_123")
		}
		if payload.Lane != "user" {
			t.Errorf("Lane: got %q, want %q", payload.Lane, "user")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestBusTypeFilter(t *testing.T) {
	bus := NewBus(64)
	defer bus.Close()

	ch, unsub := bus.SubscribeChan(4, EventWorkerReady)
	defer unsub()

	// Non-matching event type should not be delivered.
	bus.Publish(NewTypedEvent(SourceQueue, ActionPushedPayload{ActionID: "act_x"}))

	select {
	case e := <-ch:
		t.Fatalf("unexpected event: %v", e.Type)
	case <-time.After(100 * time.Millisecond):
	}

	bus.Publish(NewTypedEvent(SourceOrchestrator, WorkerReadyPayload{AgentID: "agent_1"}))

	select {
	case e := <-ch:
		if e.Type != EventWorkerReady {
			t.Errorf("Type: got %q, want %q", e.Type, EventWorkerReady)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for worker.ready")
	}
}

func TestBusHistory(t *testing.T) {
	bus := NewBus(16)
	defer bus.Close()

	for i := 0; i < 5; i++ {
		bus.Publish(NewTypedEvent(SourceQueue, ActionPushedPayload{ActionID: "act"}))
	}

	// Dispatch is async; give the ring buffer a moment.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(bus.History(10)) == 5 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("History: got %d events, want 5", len(bus.History(10)))
}

func TestBusPublishAfterClose(t *testing.T) {
	bus := NewBus(4)
	bus.Close()

	// Must not panic.
	bus.Publish(NewTypedEvent(SourceQueue, ActionPushedPayload{ActionID: "act"}))
}

func TestRingBufferWraps(t *testing.T) {
	rb := NewRingBuffer(3)
	for i := 0; i < 5; i++ {
		rb.Add(Event{ID: string(rune('a' + i))})
	}

	got := rb.Get(3)
	if len(got) != 3 {
		t.Fatalf("Get: got %d, want 3", len(got))
	}
	if got[0].ID != "c" || got[2].ID != "e" {
		t.Errorf("unexpected order: %v %v %v", got[0].ID, got[1].ID, got[2].ID)
	}
}
