// Package channels defines the outbound channel surface and its send policy.
package channels

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var ErrUnknownChannel = errors.New("unknown channel")

// Channel is the narrow adapter surface the core sends through.
// Inbound traffic flows the other way: adapters call Core.PushTask.
type Channel interface {
	Name() string
	SendMessage(ctx context.Context, to, text string) error
	SendFile(ctx context.Context, to, path, caption string) error
	SendVoiceNote(ctx context.Context, to, path string) error
	React(ctx context.Context, to, messageID, emoji string) error
}

// Registry holds the active channel adapters keyed by name.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]Channel
}

// NewRegistry creates an empty channel registry.
func NewRegistry() *Registry {
	return &Registry{channels: make(map[string]Channel)}
}

// Register adds a channel adapter.
func (r *Registry) Register(ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[ch.Name()] = ch
}

// Get looks up a channel by name.
func (r *Registry) Get(name string) (Channel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[name]
	if !ok {
		return nil, fmt.Errorf("get channel %q: %w", name, ErrUnknownChannel)
	}
	return ch, nil
}

// Has reports whether a channel is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.channels[name]
	return ok
}

// Names returns the registered channel names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.channels))
	for name := range r.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
