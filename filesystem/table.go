package filesystem

import (
	"fmt"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/brettbedarf/memfs"
	"github.com/brettbedarf/memfs/internal/util"
	"github.com/brettbedarf/memfs/metrics"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/puzpuzpuz/xsync/v4"
)

// NodeTable allocates nodes, owns the id space and decides when a node is
// destroyed. A node is retrievable by id only while its link count is > 0.
// Ids are assigned monotonically and never reused.
type NodeTable struct {
	lastID    atomic.Uint64             // Last node id assigned
	nodes     *xsync.Map[uint64, *Node] // linked nodes by id
	orphans   *xsync.Map[uint64, *Node] // unlinked nodes still referenced
	allocated atomic.Int64              // allocated and not yet destroyed
	maxNodes  uint64                    // 0 is unlimited
	blockSize uint32
	binding   memfs.FileBinding
	metrics   metrics.Recorder
}

// NewNodeTable creates an empty table. The first allocated id is firstID.
func NewNodeTable(binding memfs.FileBinding, firstID uint64, maxNodes uint64, blockSize uint32, rec metrics.Recorder) *NodeTable {
	if rec == nil {
		rec = metrics.Noop()
	}
	t := &NodeTable{
		nodes:     xsync.NewMap[uint64, *Node](),
		orphans:   xsync.NewMap[uint64, *Node](),
		maxNodes:  maxNodes,
		blockSize: blockSize,
		binding:   binding,
		metrics:   rec,
	}
	t.lastID.Store(firstID - 1)
	return t
}

// Allocate creates an unbound node. Ownership comes from caller, with the group
// inherited from a set-gid parent directory (directories also inherit the
// set-gid bit). Files and special nodes start with link count 0, directories
// with 1 for their own "." entry.
func (t *NodeTable) Allocate(kind Kind, caller Caller, parent *Node, mode uint32, dev DeviceInfo) (*Node, error) {
	logger := util.GetLogger("NodeTable.Allocate")

	if t.maxNodes > 0 {
		if n := t.allocated.Add(1); uint64(n) > t.maxNodes {
			t.allocated.Add(-1)
			logger.Debug().Uint64("maxNodes", t.maxNodes).Msg("Node limit reached")
			return nil, fmt.Errorf("allocate %s: node limit %d reached: %w", kind, t.maxNodes, ErrOutOfResources)
		}
	} else {
		t.allocated.Add(1)
	}

	id := t.lastID.Add(1)
	node := &Node{id: id, kind: kind}
	node.attr = newDefaultAttr(id, t.blockSize)
	node.attr.Mode = kind.typeBits() | mode

	node.attr.Uid = caller.Uid
	node.attr.Gid = caller.Gid
	if parent != nil {
		pAttr := parent.CopyAttr()
		if pAttr.Mode&syscall.S_ISGID != 0 {
			node.attr.Gid = pAttr.Gid
			if kind == KindDirectory {
				node.attr.Mode |= syscall.S_ISGID
			}
		}
	}

	switch kind {
	case KindDirectory:
		node.dir = newDirectoryIndex()
		node.attr.Nlink = 1
	case KindFile:
		data, err := t.binding.Open(id)
		if err != nil {
			t.allocated.Add(-1)
			logger.Error().Err(err).Uint64("id", id).Msg("Failed to open storage")
			return nil, fmt.Errorf("allocate %s: %w: %w", kind, ErrOutOfResources, err)
		}
		node.data = data
	case KindSpecial:
		node.dev = dev
		node.attr.Rdev = dev.Rdev()
	}

	t.metrics.NodeAllocated(kind.String())
	logger.Trace().Uint64("id", id).Str("kind", kind.String()).Uint32("mode", node.attr.Mode).Msg("Allocated node")
	return node, nil
}

// Get returns the linked node with the given id.
func (t *NodeTable) Get(id uint64) (*Node, error) {
	if n, ok := t.nodes.Load(id); ok {
		return n, nil
	}
	return nil, fmt.Errorf("node %d: %w", id, ErrNotFound)
}

// Len returns the number of linked nodes.
func (t *NodeTable) Len() int {
	return t.nodes.Size()
}

// Live returns the number of nodes allocated and not yet destroyed.
func (t *NodeTable) Live() int64 {
	return t.allocated.Load()
}

// IncrementLink adds a link. The first link publishes the node in the table.
func (t *NodeTable) IncrementLink(n *Node) {
	n.mu.Lock()
	defer n.mu.Unlock()
	t.incrementLinkLocked(n)
}

// tryIncrementLink adds a link only if the node is still linked.
func (t *NodeTable) tryIncrementLink(n *Node) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state != stateLinked {
		return fmt.Errorf("node %d is no longer linked: %w", n.id, ErrNotFound)
	}
	t.incrementLinkLocked(n)
	return nil
}

// Caller must hold n.mu.Lock()
func (t *NodeTable) incrementLinkLocked(n *Node) {
	n.attr.Nlink++
	if n.state == stateUnbound {
		n.state = stateLinked
		t.nodes.Store(n.id, n)
	}
}

// DecrementLink drops a link. When the count reaches zero the id is retired and
// the node is destroyed unless references are outstanding, in which case
// destruction happens on the last Release. Reports whether the node was destroyed.
func (t *NodeTable) DecrementLink(n *Node) (destroyed bool) {
	destroyed, _ = t.dropLink(n)
	return destroyed
}

// dropLink is DecrementLink reporting storage release failures.
func (t *NodeTable) dropLink(n *Node) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.attr.Nlink == 0 {
		return false, nil
	}
	n.attr.Nlink--
	if n.attr.Nlink > 0 {
		return false, nil
	}
	t.nodes.Delete(n.id)
	if n.refs > 0 {
		n.state = stateOrphaned
		t.orphans.Store(n.id, n)
		logger := util.GetLogger("NodeTable.DecrementLink")
		logger.Debug().Uint64("id", n.id).Int64("refs", n.refs).
			Msg("Node unlinked while referenced; destruction deferred")
		return false, nil
	}
	return true, t.destroyLocked(n)
}

// Acquire takes a reference that keeps the node's storage alive.
// It fails once the node has been destroyed.
func (t *NodeTable) Acquire(n *Node) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state == stateDestroyed {
		return fmt.Errorf("node %d: %w", n.id, ErrNotFound)
	}
	n.refs++
	return nil
}

// Release drops a reference taken by Acquire and reports whether the caller's
// release destroyed the node.
func (t *NodeTable) Release(n *Node) (destroyed bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.refs == 0 {
		return false
	}
	n.refs--
	if n.refs == 0 && n.state == stateOrphaned {
		t.orphans.Delete(n.id)
		t.destroyLocked(n)
		return true
	}
	return false
}

// Destroy destroys a node that is not linked, e.g. an allocation that could not
// be bound. Fails with ErrBusy while references are held.
func (t *NodeTable) Destroy(n *Node) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	switch {
	case n.state == stateDestroyed:
		return nil
	case n.refs > 0:
		return fmt.Errorf("destroy node %d with %d references: %w", n.id, n.refs, ErrBusy)
	case n.attr.Nlink > 0 && n.state == stateLinked:
		return fmt.Errorf("destroy linked node %d: %w", n.id, ErrBusy)
	}
	t.orphans.Delete(n.id)
	t.destroyLocked(n)
	return nil
}

// forceDestroy destroys n regardless of links and references. Only teardown
// uses it, after all operations have drained.
func (t *NodeTable) forceDestroy(n *Node) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state == stateDestroyed {
		return nil
	}
	n.attr.Nlink = 0
	n.refs = 0
	t.nodes.Delete(n.id)
	t.orphans.Delete(n.id)
	return t.destroyLocked(n)
}

// rangeOrphans calls fn for every unlinked node still awaiting destruction
func (t *NodeTable) rangeOrphans(fn func(n *Node)) {
	t.orphans.Range(func(_ uint64, n *Node) bool {
		fn(n)
		return true
	})
}

// destroyLocked releases the node's storage and retires it.
// Caller must hold n.mu.Lock()
func (t *NodeTable) destroyLocked(n *Node) error {
	logger := util.GetLogger("NodeTable.destroy")
	n.state = stateDestroyed
	t.allocated.Add(-1)
	t.metrics.NodeDestroyed(n.kind.String())

	var err error
	if n.data != nil {
		if err = n.data.Release(); err != nil {
			logger.Error().Err(err).Uint64("id", n.id).Msg("Failed to release storage")
		}
		n.data = nil
	}
	logger.Trace().Uint64("id", n.id).Str("kind", n.kind.String()).Msg("Destroyed node")
	return err
}

// newDefaultAttr returns the default attributes for a new node
// NOTE: Make sure to set the Mode field appropriately
func newDefaultAttr(ino uint64, blksize uint32) fuse.Attr {
	attr := fuse.Attr{
		Ino:     ino,
		Blksize: blksize, // preferred size for fs ops
		// Only non-zero for device files (see S_IFCHR and S_IFBLK)
		Rdev: 0,
	}
	stamp(&attr, time.Now(), touchAtime|touchMtime|touchCtime)
	return attr
}
