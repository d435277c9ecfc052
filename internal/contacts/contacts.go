// Package contacts tracks the users seen across channels.
package contacts

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/orcbot-ai/orcbot/internal/storage"
)

// KnownUser is one contact keyed by (channel, id).
type KnownUser struct {
	Channel      string    `json:"channel"`
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Username     string    `json:"username,omitempty"`
	LastSeen     time.Time `json:"last_seen"`
	MessageCount int       `json:"message_count"`
}

// Store persists known users lazily: writes happen on a cadence and on Flush.
type Store struct {
	mu         sync.RWMutex
	users      map[string]*KnownUser
	dirty      bool
	lastFlush  time.Time
	flushEvery time.Duration
	path       string
	logger     *slog.Logger
}

// NewStore loads (or creates) the contact store.
func NewStore(path string, flushEvery time.Duration, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if flushEvery <= 0 {
		flushEvery = 30 * time.Second
	}
	s := &Store{
		users:      make(map[string]*KnownUser),
		flushEvery: flushEvery,
		path:       path,
		logger:     logger,
	}

	var loaded []*KnownUser
	if _, err := storage.LoadJSON(path, &loaded); err != nil {
		return nil, fmt.Errorf("load known users: %w", err)
	}
	for _, u := range loaded {
		s.users[key(u.Channel, u.ID)] = u
	}
	return s, nil
}

func key(channel, id string) string { return channel + ":" + id }

// Touch records an inbound message from a user, creating the contact if new.
func (s *Store) Touch(channel, id, name, username string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(channel, id)
	u, ok := s.users[k]
	if !ok {
		u = &KnownUser{Channel: channel, ID: id}
		s.users[k] = u
		s.logger.Info("contacts: new user", "channel", channel, "id", id, "name", name)
	}
	if name != "" {
		u.Name = name
	}
	if username != "" {
		u.Username = username
	}
	u.LastSeen = time.Now()
	u.MessageCount++
	s.dirty = true

	if time.Since(s.lastFlush) >= s.flushEvery {
		s.flushLocked()
	}
}

// Get returns a contact by (channel, id).
func (s *Store) Get(channel, id string) (KnownUser, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if u, ok := s.users[key(channel, id)]; ok {
		return *u, true
	}
	return KnownUser{}, false
}

// All returns every known user, most recently seen first.
func (s *Store) All() []KnownUser {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]KnownUser, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen.After(out[j].LastSeen) })
	return out
}

// Summary renders a compact contact listing for prompt building.
func (s *Store) Summary(limit int) string {
	users := s.All()
	if limit > 0 && len(users) > limit {
		users = users[:limit]
	}
	out := ""
	for _, u := range users {
		out += fmt.Sprintf("- %s (%s on %s, %d messages, last seen %s)\n",
			u.Name, u.ID, u.Channel, u.MessageCount, u.LastSeen.Format("2006-01-02 15:04"))
	}
	return out
}

// Flush writes pending changes to disk. Called on shutdown.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

func (s *Store) flushLocked() error {
	if !s.dirty {
		return nil
	}
	users := make([]*KnownUser, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool {
		return key(users[i].Channel, users[i].ID) < key(users[j].Channel, users[j].ID)
	})
	if err := storage.SaveJSON(s.path, users); err != nil {
		s.logger.Error("contacts: persist failed", "error", err)
		return err
	}
	s.dirty = false
	s.lastFlush = time.Now()
	return nil
}
