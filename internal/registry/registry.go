// Package registry holds the CVE modules available to the CLI and the MCP
// server. It is filled explicitly at startup; nothing registers itself.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/signalnine/patchgrade/internal/grader"
	"github.com/signalnine/patchgrade/internal/launcher"
	"github.com/signalnine/patchgrade/internal/result"
	"github.com/signalnine/patchgrade/internal/stages"
)

var (
	ErrDuplicate = errors.New("module already registered")
	ErrNotFound  = errors.New("module not found")
)

// Module is one gradeable CVE. Restart and Test are nil when the module has
// no service or no unit-test stages.
type Module struct {
	ID          string
	Title       string
	Description string
	Target      string

	Setup    func(ctx context.Context) map[string]any
	Restart  func(ctx context.Context) *launcher.Outcome
	Evaluate func(ctx context.Context, req grader.Request) result.Evaluation
	Test     func(ctx context.Context) *stages.Report
}

type Registry struct {
	mu      sync.RWMutex
	modules map[string]*Module
}

func New() *Registry {
	return &Registry{modules: map[string]*Module{}}
}

func (r *Registry) Register(m *Module) error {
	if m.ID == "" {
		return fmt.Errorf("registering module: empty id")
	}
	if m.Evaluate == nil {
		return fmt.Errorf("registering %s: no evaluate function", m.ID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.modules[m.ID]; ok {
		return fmt.Errorf("registering %s: %w", m.ID, ErrDuplicate)
	}
	r.modules[m.ID] = m
	return nil
}

func (r *Registry) Get(id string) (*Module, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return m, nil
}

// List returns all modules sorted by ID.
func (r *Registry) List() []*Module {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Module, 0, len(r.modules))
	for _, m := range r.modules {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.modules)
}
