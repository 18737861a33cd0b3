package storage

import (
	"github.com/brettbedarf/memfs"
	"github.com/brettbedarf/memfs/config"
)

// NOTE: If build bloat becomes a concern for the badger backend
// look into build tags i.e. +build !nobadger

// RegisterBuiltins registers all built-in backends with the default registry
// or only the specific ones if names are provided
func RegisterBuiltins(names ...string) {
	if len(names) == 0 {
		names = append(names, config.MemoryStorage, config.BadgerStorage)
	}

	for _, name := range names {
		switch name {
		case config.MemoryStorage:
			Register(name, func(cfg *config.Config) (memfs.FileBinding, error) {
				return NewMemoryBinding(cfg.PageSize), nil
			})
		case config.BadgerStorage:
			Register(name, func(cfg *config.Config) (memfs.FileBinding, error) {
				b, err := NewBadgerBinding(cfg.PageSize)
				if err != nil {
					return nil, err
				}
				return b, nil
			})
		}
	}
}
