package model

import (
	"fmt"
	"sort"
	"sync"
)

// Constructor builds a fresh model instance. Every fold of an ensemble run
// gets its own instance so no state leaks between folds.
type Constructor func(cfg Config) (Model, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Constructor{}
)

// Register makes a model type available by name. Architectures register
// themselves in an init function; registering a duplicate name panics
// because it is always a programming error.
func Register(name string, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("model: duplicate registration of %q", name))
	}
	registry[name] = ctor
}

// New constructs a fresh instance of the named model type.
func New(name string, cfg Config) (Model, error) {
	registryMu.RLock()
	ctor, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("model: unknown model type %q (registered: %v)", name, Registered())
	}
	return ctor(cfg)
}

// Registered returns the sorted list of registered model type names.
func Registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
