package scheduler

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/orcbot-ai/orcbot/internal/events"
	"github.com/orcbot-ai/orcbot/internal/storage"
)

// PushFunc enqueues a scheduler-originated task and returns the action id.
type PushFunc func(task string, priority int) (string, error)

// OneOffScheduler fires persisted tasks once and deletes them. Entries are
// either an absolute instant or a cron spec; both self-delete after firing.
type OneOffScheduler struct {
	path   string
	push   PushFunc
	bus    *events.Bus
	logger *slog.Logger

	mu       sync.Mutex
	entries  []*Entry
	nextFire map[string]time.Time
}

// NewOneOffScheduler creates the scheduler without loading anything.
func NewOneOffScheduler(path string, push PushFunc, bus *events.Bus, logger *slog.Logger) *OneOffScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &OneOffScheduler{
		path:     path,
		push:     push,
		bus:      bus,
		logger:   logger,
		nextFire: make(map[string]time.Time),
	}
}

// Load reads persisted entries. One-offs whose instant passed while the
// process was down fire immediately with a delayed marker.
func (s *OneOffScheduler) Load(now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var entries []*Entry
	if _, err := storage.LoadJSON(s.path, &entries); err != nil {
		return fmt.Errorf("load scheduled tasks: %w", err)
	}

	for _, e := range entries {
		sched, fireAt, err := parseSchedule(e.Schedule)
		if err != nil {
			s.logger.Warn("scheduler: dropping unparseable entry", "id", e.ID, "schedule", e.Schedule)
			continue
		}
		if fireAt != nil && !fireAt.After(now) {
			s.fireLocked(e, true)
			continue
		}
		s.entries = append(s.entries, e)
		if fireAt != nil {
			s.nextFire[e.ID] = *fireAt
		} else {
			s.nextFire[e.ID] = sched.Next(now)
		}
	}
	s.persistLocked()
	s.logger.Info("scheduler: one-off entries loaded", "count", len(s.entries))
	return nil
}

// Add registers a new one-off task. The raw schedule may be a cron spec, an
// RFC 3339 instant, or a human-readable form like "in 20 minutes".
func (s *OneOffScheduler) Add(rawSchedule, task string, priority int) (*Entry, error) {
	now := time.Now()
	spec := NormalizeSchedule(rawSchedule, now)
	sched, fireAt, err := parseSchedule(spec)
	if err != nil {
		return nil, err
	}

	e := &Entry{
		ID:        newEntryID(),
		Kind:      KindOneOff,
		Schedule:  spec,
		Task:      task,
		Priority:  priority,
		CreatedAt: now,
		RawInput:  rawSchedule,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	if fireAt != nil {
		s.nextFire[e.ID] = *fireAt
	} else {
		s.nextFire[e.ID] = sched.Next(now)
	}
	s.persistLocked()
	s.logger.Info("scheduler: one-off added", "id", e.ID, "schedule", spec, "fire_at", s.nextFire[e.ID])
	return e, nil
}

// Remove deletes an entry by id.
func (s *OneOffScheduler) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.entries {
		if e.ID == id {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			delete(s.nextFire, id)
			s.persistLocked()
			return nil
		}
	}
	return fmt.Errorf("schedule entry not found: %s", id)
}

// List returns a snapshot of the pending entries.
func (s *OneOffScheduler) List() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, *e)
	}
	return out
}

// Check fires every due entry and deletes it.
func (s *OneOffScheduler) Check(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var remaining []*Entry
	fired := false
	for _, e := range s.entries {
		if next, ok := s.nextFire[e.ID]; ok && !next.After(now) {
			s.fireLocked(e, false)
			delete(s.nextFire, e.ID)
			fired = true
			continue
		}
		remaining = append(remaining, e)
	}
	if fired {
		s.entries = remaining
		s.persistLocked()
	}
}

// fireLocked pushes the entry's task. Caller holds s.mu.
func (s *OneOffScheduler) fireLocked(e *Entry, delayed bool) {
	task := e.Task
	if delayed {
		task += " (delayed)"
	}
	actionID, err := s.push(task, e.Priority)
	if err != nil {
		s.logger.Error("scheduler: push one-off task", "id", e.ID, "error", err)
		return
	}
	s.logger.Info("scheduler: one-off fired", "id", e.ID, "action_id", actionID, "delayed", delayed)
	if s.bus != nil {
		s.bus.Publish(events.NewTypedEvent(events.SourceScheduler, events.ScheduleTriggerPayload{
			EntryID:  e.ID,
			Kind:     string(KindOneOff),
			Trigger:  e.Schedule,
			ActionID: actionID,
			Delayed:  delayed,
		}))
	}
}

func (s *OneOffScheduler) persistLocked() {
	if err := storage.SaveJSON(s.path, s.entries); err != nil {
		s.logger.Error("scheduler: persist one-off entries", "error", err)
	}
}
