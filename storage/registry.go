package storage

import (
	"errors"
	"fmt"
	"sync"

	"github.com/brettbedarf/memfs"
	"github.com/brettbedarf/memfs/config"
)

// DefaultPageSize is used when a binding is created without a page size
const DefaultPageSize = config.DefaultPageSize

var (
	ErrReleased        = errors.New("storage handle released")
	ErrUnmapped        = errors.New("mapping already unmapped")
	ErrReadOnlyMapping = errors.New("mapping is read-only")
	ErrInvalidOffset   = errors.New("invalid offset")
)

// Factory creates the FileBinding for one mounted instance
type Factory func(cfg *config.Config) (memfs.FileBinding, error)

// Registry maps storage backend names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register ties a backend name to its factory and should be called for each
// backend during app init. Re-registering a name replaces its factory.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// GetFactory returns the factory registered for name.
func (r *Registry) GetFactory(name string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("no storage backend %q", name)
	}
	return f, nil
}

// NewBinding creates a binding for cfg.Storage.
func (r *Registry) NewBinding(cfg *config.Config) (memfs.FileBinding, error) {
	f, err := r.GetFactory(cfg.Storage)
	if err != nil {
		return nil, err
	}
	return f(cfg)
}

var defaultRegistry = NewRegistry()

// Register adds a backend to the default registry.
func Register(name string, f Factory) {
	defaultRegistry.Register(name, f)
}

// NewBinding creates a binding for cfg.Storage from the default registry.
func NewBinding(cfg *config.Config) (memfs.FileBinding, error) {
	return defaultRegistry.NewBinding(cfg)
}
