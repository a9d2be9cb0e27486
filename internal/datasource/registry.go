package datasource

import (
	"sort"
	"strings"
	"sync"

	"github.com/trellisql/trellis/internal/errors"
)

// Registry maps driver type names to initialized driver instances. It is
// populated during engine init, read-only during requests, and closed at
// shutdown. There is deliberately no package-level default registry; the
// engine instance owns its drivers.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]DataSource
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{drivers: make(map[string]DataSource)}
}

// Register stores a driver under its type name. Re-registration overwrites
// the previous driver to keep the registry in sync with the latest engine
// options.
func (r *Registry) Register(typeName string, ds DataSource) {
	typeName = strings.TrimSpace(typeName)
	if typeName == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers[typeName] = ds
}

// Get resolves a driver by type name.
func (r *Registry) Get(typeName string) (DataSource, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ds, ok := r.drivers[typeName]
	if !ok {
		return nil, errors.Implementation("unknown data source type %q", typeName)
	}
	return ds, nil
}

// Types returns the registered driver type names, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.drivers))
	for name := range r.drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close shuts down every driver, returning the first error encountered.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var first error
	for name, ds := range r.drivers {
		if err := ds.Close(); err != nil && first == nil {
			first = errors.Wrap(errors.KindEngine, err, "closing data source %q", name)
		}
	}
	r.drivers = make(map[string]DataSource)
	return first
}
