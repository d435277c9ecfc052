package scheduler

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/orcbot-ai/orcbot/internal/events"
	"github.com/orcbot-ai/orcbot/internal/storage"
)

// HeartbeatGate reports whether a recurring heartbeat job may fire right now:
// dispatcher idle, cooldown elapsed, no heartbeat already queued.
type HeartbeatGate func() bool

// HeartbeatScheduler runs persistent recurring cron jobs that push
// autonomy-lane tasks when the gate allows it.
type HeartbeatScheduler struct {
	path   string
	push   PushFunc
	gate   HeartbeatGate
	bus    *events.Bus
	logger *slog.Logger

	mu       sync.Mutex
	entries  []*Entry
	schedule map[string]cron.Schedule
	nextFire map[string]time.Time
}

// NewHeartbeatScheduler creates the scheduler without loading anything.
func NewHeartbeatScheduler(path string, push PushFunc, gate HeartbeatGate, bus *events.Bus, logger *slog.Logger) *HeartbeatScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &HeartbeatScheduler{
		path:     path,
		push:     push,
		gate:     gate,
		bus:      bus,
		logger:   logger,
		schedule: make(map[string]cron.Schedule),
		nextFire: make(map[string]time.Time),
	}
}

// Load reads persisted entries and arms their next fire times.
func (s *HeartbeatScheduler) Load(now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var entries []*Entry
	if _, err := storage.LoadJSON(s.path, &entries); err != nil {
		return fmt.Errorf("load heartbeat schedules: %w", err)
	}
	for _, e := range entries {
		sched, fireAt, err := parseSchedule(e.Schedule)
		if err != nil || fireAt != nil {
			s.logger.Warn("scheduler: dropping non-cron heartbeat entry", "id", e.ID, "schedule", e.Schedule)
			continue
		}
		s.entries = append(s.entries, e)
		s.schedule[e.ID] = sched
		s.nextFire[e.ID] = sched.Next(now)
	}
	s.logger.Info("scheduler: heartbeat entries loaded", "count", len(s.entries))
	return nil
}

// Add registers a recurring heartbeat job. The schedule must normalize to a
// cron spec; absolute instants are rejected.
func (s *HeartbeatScheduler) Add(rawSchedule, task string, priority int) (*Entry, error) {
	now := time.Now()
	spec := NormalizeSchedule(rawSchedule, now)
	sched, fireAt, err := parseSchedule(spec)
	if err != nil {
		return nil, err
	}
	if fireAt != nil {
		return nil, fmt.Errorf("heartbeat schedule %q must be recurring, not an instant", rawSchedule)
	}

	e := &Entry{
		ID:        newEntryID(),
		Kind:      KindHeartbeat,
		Schedule:  spec,
		Task:      task,
		Priority:  priority,
		CreatedAt: now,
		RawInput:  rawSchedule,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	s.schedule[e.ID] = sched
	s.nextFire[e.ID] = sched.Next(now)
	s.persistLocked()
	s.logger.Info("scheduler: heartbeat job added", "id", e.ID, "schedule", spec)
	return e, nil
}

// Remove deletes a job by id.
func (s *HeartbeatScheduler) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.entries {
		if e.ID == id {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			delete(s.schedule, id)
			delete(s.nextFire, id)
			s.persistLocked()
			return nil
		}
	}
	return fmt.Errorf("schedule entry not found: %s", id)
}

// List returns a snapshot of the jobs.
func (s *HeartbeatScheduler) List() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, *e)
	}
	return out
}

// Check fires each due job that passes the gate and re-arms it. A gated job
// stays due and is retried on the next tick.
func (s *HeartbeatScheduler) Check(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.entries {
		next, ok := s.nextFire[e.ID]
		if !ok || next.After(now) {
			continue
		}
		if s.gate != nil && !s.gate() {
			continue
		}
		actionID, err := s.push(e.Task, e.Priority)
		if err != nil {
			s.logger.Error("scheduler: push heartbeat task", "id", e.ID, "error", err)
			continue
		}
		s.nextFire[e.ID] = s.schedule[e.ID].Next(now)
		s.logger.Info("scheduler: heartbeat job fired", "id", e.ID, "action_id", actionID, "next", s.nextFire[e.ID])
		if s.bus != nil {
			s.bus.Publish(events.NewTypedEvent(events.SourceScheduler, events.ScheduleTriggerPayload{
				EntryID:  e.ID,
				Kind:     string(KindHeartbeat),
				Trigger:  e.Schedule,
				ActionID: actionID,
			}))
		}
	}
}

func (s *HeartbeatScheduler) persistLocked() {
	if err := storage.SaveJSON(s.path, s.entries); err != nil {
		s.logger.Error("scheduler: persist heartbeat entries", "error", err)
	}
}
