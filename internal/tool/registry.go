package tool

import (
	"fmt"
	"log/slog"
	"sync"

	"brokerbot/internal/domain"
)

// Registry holds the catalog of invocable operations. It is populated once
// at startup and frozen before the first conversation turn, so the model's
// view of available capabilities stays stable within a session.
type Registry struct {
	mu     sync.RWMutex
	specs  map[string]*Spec
	order  []string // registration order, preserved in Definitions
	frozen bool
	logger *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		specs:  make(map[string]*Spec),
		logger: logger,
	}
}

func (r *Registry) Register(s *Spec) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("registry frozen, cannot register %q", s.Name)
	}
	if _, exists := r.specs[s.Name]; exists {
		return &DuplicateToolError{Name: s.Name}
	}
	r.specs[s.Name] = s
	r.order = append(r.order, s.Name)
	r.logger.Debug("registered tool", "name", s.Name, "mutating", s.Mutating)
	return nil
}

// Freeze makes the registry read-only. Dynamic registration during a
// conversation is forbidden.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

func (r *Registry) Lookup(name string) (*Spec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.specs[name]
	if !ok {
		return nil, &UnknownToolError{Name: name}
	}
	return s, nil
}

// Definitions returns model-facing tool definitions in registration order.
// The slice is rebuilt on each call.
func (r *Registry) Definitions() []domain.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]domain.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.specs[name].Definition())
	}
	return defs
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}
