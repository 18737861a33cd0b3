package filesystem

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/brettbedarf/memfs"
	"github.com/brettbedarf/memfs/config"
	"github.com/brettbedarf/memfs/internal/util"
	"github.com/brettbedarf/memfs/metrics"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/hashicorp/go-multierror"
)

// Superblock holds the per-instance geometry and identity of a mounted filesystem.
type Superblock struct {
	ID            uuid.UUID // Instance id, unique per mount
	BlockSize     uint32
	BlockSizeBits uint8
	Magic         uint32
	MaxFileSize   int64
	MaxNameLen    int
	ReadOnly      bool
	Root          *Node
}

// MountOption customizes [Mount].
type MountOption func(*mountSettings)

type mountSettings struct {
	metrics metrics.Recorder
	owner   *Caller
	fstype  *FSType
}

// WithMetrics records node lifecycle and operation metrics to rec.
func WithMetrics(rec metrics.Recorder) MountOption {
	return func(s *mountSettings) { s.metrics = rec }
}

// WithRootOwner sets the owner of the root directory. Defaults to the
// credentials of the current process.
func WithRootOwner(c Caller) MountOption {
	return func(s *mountSettings) { s.owner = &c }
}

func withFSType(t *FSType) MountOption {
	return func(s *mountSettings) { s.fstype = t }
}

// Mount creates a new filesystem instance whose regular files store their
// bytes through binding. The root directory is created with id
// fuse.FUSE_ROOT_ID and is anchored by the superblock.
func Mount(cfg *config.Config, binding memfs.FileBinding, opts ...MountOption) (*FileSystem, error) {
	logger := util.GetLogger("Mount")

	if cfg == nil {
		cfg = config.NewDefaultConfig()
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("mount: %w", err)
	}
	if binding == nil {
		return nil, fmt.Errorf("mount: no file binding: %w", ErrInvalidOperation)
	}

	settings := mountSettings{}
	for _, opt := range opts {
		opt(&settings)
	}
	if settings.metrics == nil {
		settings.metrics = metrics.Noop()
	}
	owner := CallerFrom(context.Background())
	if settings.owner != nil {
		owner = *settings.owner
	}

	sb := &Superblock{
		ID:            uuid.New(),
		BlockSize:     uint32(cfg.BlockSize),
		BlockSizeBits: cfg.BlockSizeBits(),
		Magic:         config.Magic,
		MaxFileSize:   cfg.MaxFileSize,
		MaxNameLen:    cfg.MaxNameLen,
		ReadOnly:      cfg.ReadOnly,
	}

	table := NewNodeTable(binding, fuse.FUSE_ROOT_ID, cfg.MaxNodes, sb.BlockSize, settings.metrics)
	root, err := table.Allocate(KindDirectory, owner, nil, cfg.RootMode&0o7777, DeviceInfo{})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to allocate root")
		return nil, fmt.Errorf("mount: root: %w", err)
	}
	// The superblock holds the link a parent entry would otherwise provide
	table.IncrementLink(root)
	sb.Root = root

	fs := &FileSystem{
		cfg:     cfg,
		sb:      sb,
		table:   table,
		binding: binding,
		root:    root,
		metrics: settings.metrics,
		fstype:  settings.fstype,
	}
	logger.Info().Str("id", sb.ID.String()).
		Str("blockSize", humanize.IBytes(uint64(sb.BlockSize))).
		Bool("readOnly", sb.ReadOnly).
		Msg("Mounted filesystem")
	return fs, nil
}

// Unmount closes the filesystem to new operations, waits for in-flight ones
// and destroys every node. If ctx expires before in-flight operations drain
// it returns ErrBusy and may be retried. Calling Unmount again after it
// succeeded is a no-op.
func (fs *FileSystem) Unmount(ctx context.Context) error {
	logger := util.GetLogger("FS.Unmount")

	fs.unmountMu.Lock()
	defer fs.unmountMu.Unlock()
	if fs.unmounted {
		return nil
	}

	fs.gate.close()
	if err := fs.gate.wait(ctx); err != nil {
		logger.Warn().Err(err).Msg("Operations still in flight")
		return fmt.Errorf("unmount: %w: %w", ErrBusy, err)
	}

	start := time.Now()
	nodes := fs.table.Live()
	err := fs.teardown()
	if c, ok := fs.binding.(io.Closer); ok {
		if cerr := c.Close(); cerr != nil {
			err = multierror.Append(err, fmt.Errorf("close storage: %w", cerr)).ErrorOrNil()
		}
	}
	fs.unmounted = true
	if fs.fstype != nil {
		fs.fstype.unmounted()
	}
	fs.metrics.SetOpenFiles(0)

	logger.Info().Str("id", fs.sb.ID.String()).
		Str("nodes", humanize.Comma(nodes)).
		Dur("took", time.Since(start)).
		Msg("Unmounted filesystem")
	return err
}

// teardown unlinks the whole tree in post-order with an explicit stack, then
// destroys nodes that were kept alive only by references. Storage release
// failures do not stop the walk; they are returned together.
func (fs *FileSystem) teardown() error {
	type frame struct {
		dir      *Node
		expanded bool
	}

	var result *multierror.Error
	drop := func(n *Node) {
		if _, err := fs.table.dropLink(n); err != nil {
			result = multierror.Append(result, fmt.Errorf("node %d: %w", n.id, err))
		}
	}

	stack := []frame{{dir: fs.root}}
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if !top.expanded {
			top.expanded = true
			top.dir.dir.entries.Range(func(_ string, child *Node) bool {
				if child.IsDir() {
					stack = append(stack, frame{dir: child})
				}
				return true
			})
			continue
		}
		dir := top.dir
		stack = stack[:len(stack)-1]

		// every subdirectory of dir is empty by now
		idx := dir.dir
		idx.mu.Lock()
		idx.dead = true
		for _, name := range idx.Names() {
			child, err := idx.unbindLocked(name)
			if err != nil {
				continue
			}
			if child.IsDir() {
				child.parent.Store(nil)
				drop(child) // entry
				drop(child) // "."
				drop(dir)   // ".."
				continue
			}
			drop(child)
		}
		idx.mu.Unlock()
	}

	// root: "." and the superblock anchor
	drop(fs.root)
	drop(fs.root)

	fs.table.rangeOrphans(func(n *Node) {
		if err := fs.table.forceDestroy(n); err != nil {
			result = multierror.Append(result, fmt.Errorf("node %d: %w", n.id, err))
		}
	})
	fs.table.nodes.Range(func(_ uint64, n *Node) bool {
		logger := util.GetLogger("FS.teardown")
		logger.Warn().Uint64("id", n.id).Msg("Unreachable linked node destroyed")
		if err := fs.table.forceDestroy(n); err != nil {
			result = multierror.Append(result, fmt.Errorf("node %d: %w", n.id, err))
		}
		return true
	})
	return result.ErrorOrNil()
}

// opGate admits operations until closed and lets unmount wait for the ones
// already admitted.
type opGate struct {
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func (g *opGate) enter() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return ErrUnmounted
	}
	g.wg.Add(1)
	return nil
}

func (g *opGate) exit() {
	g.wg.Done()
}

func (g *opGate) close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
}

func (g *opGate) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

