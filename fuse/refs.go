package fuse

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/brettbedarf/memfs/filesystem"
	"github.com/puzpuzpuz/xsync/v4"
)

// kernelRef counts the lookups the kernel holds on one node. While the count
// is above zero the bridge holds a node reference, so a node the kernel still
// knows about survives unlinking until it is forgotten.
type kernelRef struct {
	mu    sync.Mutex
	node  *filesystem.Node
	count uint64
	gone  bool // forgotten; a new ref must be created
}

// NodeRegistry maps the node ids handed to the kernel back to nodes.
type NodeRegistry struct {
	fs   *filesystem.FileSystem
	refs *xsync.Map[uint64, *kernelRef]
}

func NewNodeRegistry(fs *filesystem.FileSystem) *NodeRegistry {
	return &NodeRegistry{
		fs:   fs,
		refs: xsync.NewMap[uint64, *kernelRef](),
	}
}

// Remember records one kernel lookup of n.
func (r *NodeRegistry) Remember(n *filesystem.Node) error {
	for {
		ref, _ := r.refs.LoadOrStore(n.ID(), &kernelRef{node: n})
		ref.mu.Lock()
		if ref.gone {
			ref.mu.Unlock()
			continue
		}
		if ref.count == 0 {
			if err := r.fs.Acquire(n); err != nil {
				ref.gone = true
				r.refs.Delete(n.ID())
				ref.mu.Unlock()
				return err
			}
		}
		ref.count++
		ref.mu.Unlock()
		return nil
	}
}

// Forget drops nlookup kernel lookups of id. The node reference is released
// with the last one.
func (r *NodeRegistry) Forget(id, nlookup uint64) {
	ref, ok := r.refs.Load(id)
	if !ok {
		return
	}
	ref.mu.Lock()
	defer ref.mu.Unlock()
	if ref.gone {
		return
	}
	ref.count -= min(nlookup, ref.count)
	if ref.count > 0 {
		return
	}
	ref.gone = true
	r.refs.Delete(id)
	r.fs.Release(ref.node)
}

// Node returns the node the kernel calls id.
func (r *NodeRegistry) Node(id uint64) (*filesystem.Node, error) {
	if id == r.fs.Root().ID() {
		return r.fs.Root(), nil
	}
	if ref, ok := r.refs.Load(id); ok {
		return ref.node, nil
	}
	// linked nodes are reachable even if the kernel skipped a lookup
	n, err := r.fs.Node(id)
	if err != nil {
		return nil, fmt.Errorf("kernel node %d: %w", id, err)
	}
	return n, nil
}

// Len returns the number of nodes the kernel currently holds.
func (r *NodeRegistry) Len() int {
	return r.refs.Size()
}

// ForgetAll drops every kernel reference, as happens at unmount.
func (r *NodeRegistry) ForgetAll() {
	r.refs.Range(func(id uint64, _ *kernelRef) bool {
		r.Forget(id, ^uint64(0))
		return true
	})
}

// HandleTable maps FUSE file handles to open files.
type HandleTable struct {
	lastFh atomic.Uint64
	files  *xsync.Map[uint64, *filesystem.File]
}

func NewHandleTable() *HandleTable {
	return &HandleTable{files: xsync.NewMap[uint64, *filesystem.File]()}
}

// Add registers f and returns its handle. Handles start at 1.
func (h *HandleTable) Add(f *filesystem.File) uint64 {
	fh := h.lastFh.Add(1)
	h.files.Store(fh, f)
	return fh
}

// Get returns the file registered under fh.
func (h *HandleTable) Get(fh uint64) (*filesystem.File, bool) {
	return h.files.Load(fh)
}

// Remove unregisters fh and returns its file.
func (h *HandleTable) Remove(fh uint64) (*filesystem.File, bool) {
	return h.files.LoadAndDelete(fh)
}

// CloseAll closes every registered file.
func (h *HandleTable) CloseAll() {
	h.files.Range(func(fh uint64, f *filesystem.File) bool {
		h.files.Delete(fh)
		_ = f.Close()
		return true
	})
}

func (h *HandleTable) Len() int {
	return h.files.Size()
}
