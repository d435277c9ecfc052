// Package memory implements the layered memory store backing the decision loop.
package memory

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orcbot-ai/orcbot/internal/storage"
)

// EntryType partitions memories by lifetime.
type EntryType string

const (
	// TypeShort entries are working memory; those tagged with an action id
	// are purged when the action reaches a terminal state.
	TypeShort EntryType = "short"
	// TypeEpisodic entries are the durable record: task starts, conclusions,
	// reflections.
	TypeEpisodic EntryType = "episodic"
	// TypeLong entries are curated facts that never expire automatically.
	TypeLong EntryType = "long"
)

// Entry is a single memory record.
type Entry struct {
	ID        string            `json:"id"`
	Type      EntryType         `json:"type"`
	Content   string            `json:"content"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ActionID returns the action this entry is scoped to, if any.
func (e Entry) ActionID() string {
	return e.Metadata["action_id"]
}

type fileFormat struct {
	Memories []Entry `json:"memories"`
}

// Store is the single-writer memory store persisted to memory.json.
type Store struct {
	mu      sync.RWMutex
	entries []Entry
	path    string
	logger  *slog.Logger
}

// NewStore loads (or creates) the store backed by the given file.
func NewStore(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{path: path, logger: logger}

	var ff fileFormat
	if _, err := storage.LoadJSON(path, &ff); err != nil {
		return nil, fmt.Errorf("load memory store: %w", err)
	}
	s.entries = ff.Memories
	return s, nil
}

// Write appends an entry and flushes state. Returns the entry id.
func (s *Store) Write(typ EntryType, content string, metadata map[string]string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := Entry{
		ID:        "mem_" + uuid.NewString()[:8],
		Type:      typ,
		Content:   content,
		Timestamp: time.Now(),
		Metadata:  metadata,
	}
	s.entries = append(s.entries, e)
	s.persistLocked()
	return e.ID
}

// WriteForAction appends a step-scoped entry tagged with an action id.
func (s *Store) WriteForAction(actionID string, typ EntryType, content string, metadata map[string]string) string {
	if metadata == nil {
		metadata = make(map[string]string)
	}
	metadata["action_id"] = actionID
	return s.Write(typ, content, metadata)
}

// ByAction returns all entries scoped to an action, oldest first.
func (s *Store) ByAction(actionID string) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Entry
	for _, e := range s.entries {
		if e.ActionID() == actionID {
			out = append(out, e)
		}
	}
	return out
}

// Tail returns the n most recent entries, oldest first.
func (s *Store) Tail(n int) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n > len(s.entries) {
		n = len(s.entries)
	}
	if n <= 0 {
		return nil
	}
	out := make([]Entry, n)
	copy(out, s.entries[len(s.entries)-n:])
	return out
}

// TailByType returns the n most recent entries of a given type, oldest first.
func (s *Store) TailByType(typ EntryType, n int) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Entry
	for i := len(s.entries) - 1; i >= 0 && len(out) < n; i-- {
		if s.entries[i].Type == typ {
			out = append(out, s.entries[i])
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// PurgeAction removes short entries scoped to an action. Episodic and long
// entries survive regardless of tagging. Returns the number removed.
func (s *Store) PurgeAction(actionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.entries[:0]
	removed := 0
	for _, e := range s.entries {
		if e.Type == TypeShort && e.ActionID() == actionID {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept
	if removed > 0 {
		s.persistLocked()
		s.logger.Debug("memory: purged step-scoped entries", "action_id", actionID, "count", removed)
	}
	return removed
}

// Len returns the number of stored entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *Store) persistLocked() {
	if err := storage.SaveJSON(s.path, fileFormat{Memories: s.entries}); err != nil {
		s.logger.Error("memory: persist failed", "error", err)
	}
}

// RelativeAge renders a timestamp as a compact age tag for prompts,
// e.g. "[just now]", "[5m ago]", "[2h ago]", "[3d ago]".
func RelativeAge(t time.Time, now time.Time) string {
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "[just now]"
	case d < time.Hour:
		return fmt.Sprintf("[%dm ago]", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("[%dh ago]", int(d.Hours()))
	default:
		return fmt.Sprintf("[%dd ago]", int(d.Hours()/24))
	}
}

// FormatEntries renders entries as prompt lines with relative-age tags.
func FormatEntries(entries []Entry, now time.Time) string {
	var b strings.Builder
	for _, e := range entries {
		b.WriteString(RelativeAge(e.Timestamp, now))
		b.WriteString(" ")
		b.WriteString(e.Content)
		b.WriteString("\n")
	}
	return b.String()
}
