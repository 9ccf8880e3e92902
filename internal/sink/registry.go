package sink

import (
	"fmt"
	"sort"
	"sync"
)

// Info pairs a sink name with its capabilities.
type Info struct {
	Name         string       `json:"name"`
	Capabilities Capabilities `json:"capabilities"`
}

// Registry holds the configured sinks by name.
type Registry struct {
	mu    sync.RWMutex
	sinks map[string]Sink
}

// NewRegistry creates an empty sink registry.
func NewRegistry() *Registry {
	return &Registry{
		sinks: make(map[string]Sink),
	}
}

// Register adds a sink to the registry under the given name.
func (r *Registry) Register(name string, s Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[name] = s
}

// Resolve returns the sink registered under name.
func (r *Registry) Resolve(name string) (Sink, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sinks[name]
	if !ok {
		return nil, fmt.Errorf("sink %q is not registered", name)
	}
	return s, nil
}

// List returns information about all registered sinks, sorted by name
// for a stable API response.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.sinks))
	for name, s := range r.sinks {
		infos = append(infos, Info{
			Name:         name,
			Capabilities: s.Capabilities(),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}
