package filesystem

import (
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/brettbedarf/memfs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"
)

// Kind tags the variant a Node carries.
type Kind uint8

const (
	KindFile Kind = iota + 1
	KindDirectory
	KindSpecial
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDirectory:
		return "directory"
	case KindSpecial:
		return "special"
	default:
		return "unknown"
	}
}

// typeBits returns the S_IFMT bits for kind, or 0 for special nodes whose type
// comes from the requested mode.
func (k Kind) typeBits() uint32 {
	switch k {
	case KindFile:
		return syscall.S_IFREG
	case KindDirectory:
		return syscall.S_IFDIR
	}
	return 0
}

// DeviceInfo identifies the device behind a special node.
type DeviceInfo struct {
	Major uint32
	Minor uint32
}

// Rdev encodes the device number the way stat(2) reports it.
func (d DeviceInfo) Rdev() uint32 {
	return uint32(unix.Mkdev(d.Major, d.Minor))
}

type nodeState uint8

const (
	stateUnbound   nodeState = iota // allocated, never named
	stateLinked                     // nlink > 0
	stateOrphaned                   // nlink == 0 but references still held
	stateDestroyed                  // terminal
)

// Node is one filesystem object. Exactly one of dir, data or dev is meaningful,
// selected by kind.
type Node struct {
	id   uint64
	kind Kind

	mu    sync.RWMutex // protects the fields below
	attr  fuse.Attr
	refs  int64 // open handles, kernel lookups and in-flight I/O
	state nodeState

	parent atomic.Pointer[Node] // directories only; nil for the root and removed dirs

	dir  *DirectoryIndex     // KindDirectory
	data memfs.StorageHandle // KindFile
	dev  DeviceInfo          // KindSpecial
}

var _ memfs.NodeInfo = (*Node)(nil)

// ID returns the node's immutable identifier.
func (n *Node) ID() uint64 {
	return n.id
}

func (n *Node) Kind() Kind {
	return n.kind
}

func (n *Node) IsDir() bool {
	return n.kind == KindDirectory
}

// Nlink returns the current link count.
func (n *Node) Nlink() uint32 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.attr.Nlink
}

// CopyAttr returns a thread-safe copy of the node's attributes
func (n *Node) CopyAttr() fuse.Attr {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.attr
}

// updateAttr runs fn under the node write-lock for atomic modifications.
func (n *Node) updateAttr(fn func(attr *fuse.Attr)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	fn(&n.attr)
}

// Dir returns the directory index of a directory node.
func (n *Node) Dir() (*DirectoryIndex, bool) {
	return n.dir, n.kind == KindDirectory
}

// Storage returns the storage handle of a regular file node.
// It is nil once the node has been destroyed.
func (n *Node) Storage() (memfs.StorageHandle, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.data, n.kind == KindFile
}

// Device returns the device descriptor of a special node.
func (n *Node) Device() (DeviceInfo, bool) {
	return n.dev, n.kind == KindSpecial
}

// Parent returns the directory containing n. Only directories track their parent.
func (n *Node) Parent() *Node {
	return n.parent.Load()
}

// isLive reports whether the node can still be reached by name
func (n *Node) isLive() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state == stateLinked
}

// Timestamp selectors for touch
const (
	touchAtime = 1 << iota
	touchMtime
	touchCtime
)

// touch sets the selected timestamps to t.
func (n *Node) touch(t time.Time, which int) {
	n.updateAttr(func(attr *fuse.Attr) {
		stamp(attr, t, which)
	})
}

func stamp(attr *fuse.Attr, t time.Time, which int) {
	sec, nsec := uint64(t.Unix()), uint32(t.Nanosecond())
	if which&touchAtime != 0 {
		attr.Atime, attr.Atimensec = sec, nsec
	}
	if which&touchMtime != 0 {
		attr.Mtime, attr.Mtimensec = sec, nsec
	}
	if which&touchCtime != 0 {
		attr.Ctime, attr.Ctimensec = sec, nsec
	}
}

// blocks returns the number of 512-byte blocks needed for size bytes
func blocks(size uint64) uint64 {
	return (size + 511) / 512
}
