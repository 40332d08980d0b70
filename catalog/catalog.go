// Package catalog implements the external AppCatalog port: the set of
// app descriptors a node (or the cluster, merged across peers) knows
// how to run, grounded on store/store.go's interface-first persistence
// design (Store as the abstraction, a concrete backend underneath).
package catalog

import (
	"context"
	"fmt"
	"sync"

	"github.com/palefire/troupnode/model"
)

// Catalog is the external AppCatalog port (spec.md §6): list, add, and
// look up app descriptors by name.
type Catalog interface {
	List(ctx context.Context) ([]model.AppDescriptor, error)
	Add(ctx context.Context, app model.AppDescriptor) error
	Find(ctx context.Context, name string) (model.AppDescriptor, bool, error)
	Remove(ctx context.Context, name string) error
	Close() error
}

// Memory is an in-process Catalog with no persistence, useful for
// tests and for nodes that declare their apps purely from static
// configuration at startup.
type Memory struct {
	mu   sync.RWMutex
	apps map[string]model.AppDescriptor
}

func NewMemory() *Memory {
	return &Memory{apps: make(map[string]model.AppDescriptor)}
}

func (m *Memory) List(ctx context.Context) ([]model.AppDescriptor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.AppDescriptor, 0, len(m.apps))
	for _, a := range m.apps {
		out = append(out, a)
	}
	return out, nil
}

func (m *Memory) Add(ctx context.Context, app model.AppDescriptor) error {
	if app.Name == "" {
		return fmt.Errorf("catalog: app name is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.apps[app.Name] = app
	return nil
}

func (m *Memory) Find(ctx context.Context, name string) (model.AppDescriptor, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.apps[name]
	return a, ok, nil
}

func (m *Memory) Remove(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.apps, name)
	return nil
}

func (m *Memory) Close() error { return nil }

var _ Catalog = (*Memory)(nil)
