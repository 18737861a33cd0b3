package adapters

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/brettbedarf/memfs"
	"github.com/brettbedarf/memfs/internal/util"
	"github.com/puzpuzpuz/xsync/v4"
)

var ErrUnknownAdapter = errors.New("no adapter provider registered")

// Registry ties [memfs.AdapterProvider]s to the "type" key of seed source configs.
// All expected source types should be registered before seeding.
type Registry struct {
	providers *xsync.Map[string, memfs.AdapterProvider]
}

func NewRegistry() *Registry {
	return &Registry{providers: xsync.NewMap[string, memfs.AdapterProvider]()}
}

var defaultRegistry = NewRegistry()

// Default returns the process wide registry used by the cli.
func Default() *Registry {
	return defaultRegistry
}

// Register ties provider to adapterType. The first registration of a type wins.
func (r *Registry) Register(adapterType string, provider memfs.AdapterProvider) {
	if _, loaded := r.providers.LoadOrStore(adapterType, provider); loaded {
		logger := util.GetLogger("Adapters.Register")
		logger.Warn().Str("type", adapterType).Msg("Adapter type already registered")
	}
}

func (r *Registry) GetProvider(adapterType string) (memfs.AdapterProvider, error) {
	p, ok := r.providers.Load(adapterType)
	if !ok {
		return nil, fmt.Errorf("%w for %q", ErrUnknownAdapter, adapterType)
	}
	return p, nil
}

// NewAdapter picks the provider from the "type" field of raw and builds an
// adapter from the full config.
func (r *Registry) NewAdapter(raw []byte) (memfs.ContentAdapter, error) {
	var meta struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, err
	}
	if meta.Type == "" {
		return nil, fmt.Errorf("source config is missing \"type\"")
	}
	p, err := r.GetProvider(meta.Type)
	if err != nil {
		return nil, err
	}
	return p.NewAdapter(raw)
}
