package skills

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

var ErrUnknownSkill = errors.New("unknown skill")

// Registry holds the skills available to the decision loop.
type Registry struct {
	mu     sync.RWMutex
	skills map[string]*Skill
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		skills: make(map[string]*Skill),
		logger: logger,
	}
}

// Register adds or replaces a skill by name.
func (r *Registry) Register(s *Skill) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := strings.TrimSpace(s.Name)
	if name == "" {
		return
	}
	if _, exists := r.skills[name]; exists {
		r.logger.Debug("skills: replacing registration", "name", name)
	}
	r.skills[name] = s
}

// Get looks up a skill by name.
func (r *Registry) Get(name string) (*Skill, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.skills[name]
	if !ok {
		return nil, fmt.Errorf("get skill %q: %w", name, ErrUnknownSkill)
	}
	return s, nil
}

// Has reports whether a skill is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.skills[name]
	return ok
}

// Names returns all registered skill names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.skills))
	for name := range r.skills {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Describe renders the registry as a prompt section: one line per skill with
// its description, plus usage where present.
func (r *Registry) Describe() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.skills))
	for name := range r.skills {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		s := r.skills[name]
		fmt.Fprintf(&b, "- %s: %s\n", s.Name, s.Description)
		if s.Usage != "" {
			fmt.Fprintf(&b, "  usage: %s\n", s.Usage)
		}
	}
	return b.String()
}
