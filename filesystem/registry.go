package filesystem

import (
	"fmt"
	"io"
	"sync"

	"github.com/brettbedarf/memfs"
	"github.com/brettbedarf/memfs/config"
	"github.com/brettbedarf/memfs/internal/util"
	"github.com/hashicorp/go-multierror"
)

// FSType describes a mountable filesystem type. Register it once per process
// and mount instances of it with [FSType.Mount].
type FSType struct {
	Name string
	// NewBinding creates the storage for one mounted instance
	NewBinding func(cfg *config.Config) (memfs.FileBinding, error)

	mounted int // guarded by typesMu
}

var (
	typesMu sync.Mutex
	types   = map[string]*FSType{}
)

// Register makes t available to [LookupType]. Registering the same
// descriptor again is a no-op; a different descriptor with the same name
// fails with ErrAlreadyExists.
func Register(t *FSType) error {
	if t == nil || t.Name == "" || t.NewBinding == nil {
		return fmt.Errorf("register filesystem type: %w", ErrInvalidOperation)
	}
	typesMu.Lock()
	defer typesMu.Unlock()
	if cur, ok := types[t.Name]; ok {
		if cur == t {
			return nil
		}
		return fmt.Errorf("register filesystem type %q: %w", t.Name, ErrAlreadyExists)
	}
	types[t.Name] = t
	logger := util.GetLogger("Register")
	logger.Debug().Str("type", t.Name).Msg("Registered filesystem type")
	return nil
}

// Unregister removes t. It fails with ErrBusy while instances of t are
// mounted; unregistering a type that is not registered is a no-op.
func Unregister(t *FSType) error {
	if t == nil {
		return nil
	}
	typesMu.Lock()
	defer typesMu.Unlock()
	if cur, ok := types[t.Name]; !ok || cur != t {
		return nil
	}
	if t.mounted > 0 {
		return fmt.Errorf("unregister filesystem type %q with %d mounted instances: %w", t.Name, t.mounted, ErrBusy)
	}
	delete(types, t.Name)
	logger := util.GetLogger("Unregister")
	logger.Debug().Str("type", t.Name).Msg("Unregistered filesystem type")
	return nil
}

// LookupType returns the registered type called name.
func LookupType(name string) (*FSType, error) {
	typesMu.Lock()
	defer typesMu.Unlock()
	if t, ok := types[name]; ok {
		return t, nil
	}
	return nil, fmt.Errorf("filesystem type %q: %w", name, ErrNotFound)
}

// Mount mounts a new instance of a registered type.
func (t *FSType) Mount(cfg *config.Config, opts ...MountOption) (*FileSystem, error) {
	typesMu.Lock()
	if types[t.Name] != t {
		typesMu.Unlock()
		return nil, fmt.Errorf("mount filesystem type %q: not registered: %w", t.Name, ErrNotFound)
	}
	t.mounted++
	typesMu.Unlock()

	if cfg == nil {
		cfg = config.NewDefaultConfig()
	}
	if err := config.Validate(cfg); err != nil {
		t.unmounted()
		return nil, fmt.Errorf("mount filesystem type %q: %w", t.Name, err)
	}
	binding, err := t.NewBinding(cfg)
	if err != nil {
		t.unmounted()
		return nil, fmt.Errorf("mount filesystem type %q: %w: %w", t.Name, ErrOutOfResources, err)
	}
	fs, err := Mount(cfg, binding, append(opts, withFSType(t))...)
	if err != nil {
		// the instance never owned the binding, so nothing else will close it
		if c, ok := binding.(io.Closer); ok {
			if cerr := c.Close(); cerr != nil {
				err = multierror.Append(err, cerr)
			}
		}
		t.unmounted()
		return nil, err
	}
	return fs, nil
}

// Mounted returns the number of mounted instances of t.
func (t *FSType) Mounted() int {
	typesMu.Lock()
	defer typesMu.Unlock()
	return t.mounted
}

func (t *FSType) unmounted() {
	typesMu.Lock()
	t.mounted--
	typesMu.Unlock()
}
