package queue

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/orcbot-ai/orcbot/internal/events"
	"github.com/orcbot-ai/orcbot/internal/storage"
)

var ErrNotFound = errors.New("action not found")

// PushOutcome describes what Push did with an inbound task.
type PushOutcome string

const (
	OutcomePushed  PushOutcome = "pushed"
	OutcomeDeduped PushOutcome = "deduped"
	OutcomeResumed PushOutcome = "resumed"
)

// Queue is the persistent action queue. All mutations flush actions.json.
type Queue struct {
	mu        sync.RWMutex
	actions   []*Action
	cancelled map[string]bool
	path      string
	bus       *events.Bus
	logger    *slog.Logger
}

// New loads (or creates) the queue backed by the given file.
func New(path string, bus *events.Bus, logger *slog.Logger) (*Queue, error) {
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		cancelled: make(map[string]bool),
		path:      path,
		bus:       bus,
		logger:    logger,
	}
	if _, err := storage.LoadJSON(path, &q.actions); err != nil {
		return nil, fmt.Errorf("load action queue: %w", err)
	}
	return q, nil
}

// Push enqueues a new action, unless dedup or resume-on-reply applies.
// Returns the affected action and what happened to it.
func (q *Queue) Push(a *Action) (*Action, PushOutcome) {
	q.mu.Lock()
	defer q.mu.Unlock()

	// Dedup: same (source, messageId) already tracked in a non-terminal state.
	if a.Payload.Source != "" && a.Payload.MessageID != "" {
		for _, existing := range q.actions {
			if existing.Status.IsTerminal() {
				continue
			}
			if existing.Payload.Source == a.Payload.Source && existing.Payload.MessageID == a.Payload.MessageID {
				q.logger.Debug("queue: duplicate push ignored", "id", existing.ID, "message_id", a.Payload.MessageID)
				return existing.clone(), OutcomeDeduped
			}
		}
	}

	// Resume-on-reply: a waiting action for the same (source, sourceId)
	// absorbs the new message instead of a new action being created.
	if a.Payload.Source != "" && a.Payload.SourceID != "" {
		if w := q.newestWaitingLocked(a.Payload.Source, a.Payload.SourceID); w != nil {
			now := time.Now()
			w.Payload.Description += "\n\n[USER FOLLOW-UP]: " + a.Payload.Description
			w.Payload.LastUserMessageText = a.Payload.Description
			w.Payload.ResumedFromWaitingAt = &now
			if a.Payload.MessageID != "" {
				w.Payload.MessageID = a.Payload.MessageID
			}
			w.Status = StatusPending
			w.UpdatedAt = now
			q.persistLocked()
			q.logger.Info("queue: resumed waiting action on reply", "id", w.ID, "source", w.Payload.Source)
			q.publish(events.NewTypedEventForAction(events.SourceQueue, events.ActionResumedPayload{
				ActionID: w.ID,
				Source:   w.Payload.Source,
				SourceID: w.Payload.SourceID,
				Reason:   "user-reply",
			}, w.ID))
			return w.clone(), OutcomeResumed
		}
	}

	q.actions = append(q.actions, a)
	q.persistLocked()
	q.logger.Info("queue: pushed", "id", a.ID, "lane", a.Lane, "priority", a.Priority)
	q.publish(events.NewTypedEventForAction(events.SourceQueue, events.ActionPushedPayload{
		ActionID:    a.ID,
		Lane:        string(a.Lane),
		Priority:    a.Priority,
		Source:      a.Payload.Source,
		IsHeartbeat: a.Payload.IsHeartbeat,
	}, a.ID))
	return a.clone(), OutcomePushed
}

// newestWaitingLocked returns the most recently updated waiting action for a thread.
func (q *Queue) newestWaitingLocked(source, sourceID string) *Action {
	var newest *Action
	for _, a := range q.actions {
		if a.Status != StatusWaiting {
			continue
		}
		if a.Payload.Source != source || a.Payload.SourceID != sourceID {
			continue
		}
		if newest == nil || a.UpdatedAt.After(newest.UpdatedAt) {
			newest = a
		}
	}
	return newest
}

// GetNext returns the highest-priority pending action, oldest first on ties.
// Returns nil while another action is in-progress on this dispatcher.
func (q *Queue) GetNext() *Action {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var next *Action
	for _, a := range q.actions {
		if a.Status == StatusInProgress {
			return nil
		}
		if a.Status != StatusPending {
			continue
		}
		if next == nil ||
			a.Priority > next.Priority ||
			(a.Priority == next.Priority && a.Timestamp.Before(next.Timestamp)) {
			next = a
		}
	}
	if next == nil {
		return nil
	}
	return next.clone()
}

// Get returns a snapshot of a single action.
func (q *Queue) Get(id string) (*Action, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if a := q.findLocked(id); a != nil {
		return a.clone(), true
	}
	return nil, false
}

// UpdateStatus transitions an action and flushes state.
func (q *Queue) UpdateStatus(id string, status Status) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	a := q.findLocked(id)
	if a == nil {
		return fmt.Errorf("update status %s: %w", id, ErrNotFound)
	}
	a.Status = status
	a.UpdatedAt = time.Now()
	q.persistLocked()
	return nil
}

// UpdatePayload applies a mutation to an action's payload and flushes state.
func (q *Queue) UpdatePayload(id string, patch func(*Payload)) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	a := q.findLocked(id)
	if a == nil {
		return fmt.Errorf("update payload %s: %w", id, ErrNotFound)
	}
	patch(&a.Payload)
	a.UpdatedAt = time.Now()
	q.persistLocked()
	return nil
}

// Snapshot returns a copy of all actions, newest last.
func (q *Queue) Snapshot() []*Action {
	q.mu.RLock()
	defer q.mu.RUnlock()

	out := make([]*Action, 0, len(q.actions))
	for _, a := range q.actions {
		out = append(out, a.clone())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// RequestCancel marks an action for cancellation at the next step boundary.
// Terminal actions are not applicable; the call reports false.
func (q *Queue) RequestCancel(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	a := q.findLocked(id)
	if a == nil || a.Status.IsTerminal() {
		return false
	}
	q.cancelled[id] = true
	// Pending and waiting actions are not held by a dispatcher; fail them now.
	if a.Status == StatusPending || a.Status == StatusWaiting {
		a.Status = StatusFailed
		a.UpdatedAt = time.Now()
		delete(q.cancelled, id)
		q.persistLocked()
	}
	return true
}

// CancelRequested reports whether the dispatcher should abandon this action.
func (q *Queue) CancelRequested(id string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.cancelled[id]
}

// ClearCancel removes the cancellation flag after the loop has honored it.
func (q *Queue) ClearCancel(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.cancelled, id)
}

// CancelAll fails every non-terminal action. Returns how many were affected.
func (q *Queue) CancelAll() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, a := range q.actions {
		if a.Status.IsTerminal() {
			continue
		}
		if a.Status == StatusInProgress {
			q.cancelled[a.ID] = true
		} else {
			a.Status = StatusFailed
			a.UpdatedAt = time.Now()
		}
		n++
	}
	if n > 0 {
		q.persistLocked()
	}
	return n
}

// GC removes terminal actions whose last update is older than the retention window.
func (q *Queue) GC(retention time.Duration) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := time.Now().Add(-retention)
	kept := q.actions[:0]
	removed := 0
	for _, a := range q.actions {
		if a.Status.IsTerminal() && a.UpdatedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, a)
	}
	q.actions = kept
	if removed > 0 {
		q.persistLocked()
		q.logger.Debug("queue: gc removed terminal actions", "count", removed)
	}
	return removed
}

// RecoverStale fails in-progress actions left over from a previous run
// once their last update exceeds maxStale. Called at startup.
func (q *Queue) RecoverStale(maxStale time.Duration) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := time.Now().Add(-maxStale)
	n := 0
	for _, a := range q.actions {
		if a.Status == StatusInProgress && a.UpdatedAt.Before(cutoff) {
			a.Status = StatusFailed
			a.UpdatedAt = time.Now()
			n++
			q.logger.Warn("queue: recovered stale in-progress action", "id", a.ID)
		}
	}
	if n > 0 {
		q.persistLocked()
	}
	return n
}

// ResumeStaleWaiting returns waiting actions to pending once the user has
// been silent past maxWait, appending a note so the loop proceeds without them.
func (q *Queue) ResumeStaleWaiting(maxWait time.Duration) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := time.Now().Add(-maxWait)
	n := 0
	for _, a := range q.actions {
		if a.Status != StatusWaiting || !a.UpdatedAt.Before(cutoff) {
			continue
		}
		a.Payload.Description += "\n\n[SYSTEM NOTE]: The user did not reply in time. Proceed with your best judgment."
		a.Status = StatusPending
		a.UpdatedAt = time.Now()
		n++
		q.logger.Info("queue: stale waiting action resumed", "id", a.ID)
		q.publish(events.NewTypedEventForAction(events.SourceQueue, events.ActionResumedPayload{
			ActionID: a.ID,
			Source:   a.Payload.Source,
			SourceID: a.Payload.SourceID,
			Reason:   "stale-waiting",
		}, a.ID))
	}
	if n > 0 {
		q.persistLocked()
	}
	return n
}

// FailStalled fails actions that have been in-progress longer than maxRun.
func (q *Queue) FailStalled(maxRun time.Duration) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := time.Now().Add(-maxRun)
	n := 0
	for _, a := range q.actions {
		if a.Status == StatusInProgress && a.Timestamp.Before(cutoff) && a.UpdatedAt.Before(cutoff) {
			a.Status = StatusFailed
			a.UpdatedAt = time.Now()
			n++
			q.logger.Warn("queue: stalled action failed", "id", a.ID)
		}
	}
	if n > 0 {
		q.persistLocked()
	}
	return n
}

// HasPendingHeartbeat reports whether a heartbeat is already queued or running.
func (q *Queue) HasPendingHeartbeat() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	for _, a := range q.actions {
		if a.Payload.IsHeartbeat && (a.Status == StatusPending || a.Status == StatusInProgress) {
			return true
		}
	}
	return false
}

func (q *Queue) findLocked(id string) *Action {
	for _, a := range q.actions {
		if a.ID == id {
			return a
		}
	}
	return nil
}

func (q *Queue) persistLocked() {
	if err := storage.SaveJSON(q.path, q.actions); err != nil {
		q.logger.Error("queue: persist failed", "error", err)
	}
}

func (q *Queue) publish(e events.Event) {
	if q.bus != nil {
		q.bus.Publish(e)
	}
}
