package plugin

import (
	"fmt"
	"sync"
)

// Modules is the build-time table of executable units the loader resolves
// descriptors against. Registration order is preserved.
type Modules struct {
	mu      sync.RWMutex
	modules map[string]*Module
	order   []string
}

// NewModules creates a table holding mods in order.
func NewModules(mods ...*Module) (*Modules, error) {
	t := &Modules{modules: make(map[string]*Module)}
	for _, m := range mods {
		if err := t.Register(m); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Register adds a module. Names must be unique.
func (t *Modules) Register(m *Module) error {
	if m == nil || m.Name == "" {
		return fmt.Errorf("module name is required")
	}
	if m.New == nil && m.NewWithStorage == nil {
		return fmt.Errorf("module %s has no constructor", m.Name)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.modules[m.Name]; exists {
		return fmt.Errorf("module %s already registered", m.Name)
	}
	t.modules[m.Name] = m
	t.order = append(t.order, m.Name)
	return nil
}

// Get returns the module registered under name.
func (t *Modules) Get(name string) (*Module, bool) {
	if t == nil {
		return nil, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.modules[name]
	return m, ok
}

// List returns modules in registration order.
func (t *Modules) List() []*Module {
	if t == nil {
		return nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Module, 0, len(t.order))
	for _, name := range t.order {
		out = append(out, t.modules[name])
	}
	return out
}
