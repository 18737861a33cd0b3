package filesystem

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/brettbedarf/memfs"
	"github.com/brettbedarf/memfs/config"
	"github.com/brettbedarf/memfs/internal/util"
	"github.com/brettbedarf/memfs/metrics"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// FileSystem is one mounted namespace: a tree of nodes under a single root.
// All methods are safe for concurrent use.
type FileSystem struct {
	cfg     *config.Config
	sb      *Superblock
	table   *NodeTable
	binding memfs.FileBinding
	root    *Node // Root of node tree
	metrics metrics.Recorder
	fstype  *FSType

	renameMu  sync.Mutex // serializes cross-directory renames
	gate      opGate
	openFiles atomic.Int64

	unmountMu sync.Mutex
	unmounted bool
}

// Root returns the root directory.
func (fs *FileSystem) Root() *Node {
	return fs.root
}

func (fs *FileSystem) Superblock() *Superblock {
	return fs.sb
}

// Config returns the configuration the filesystem was mounted with.
func (fs *FileSystem) Config() *config.Config {
	return fs.cfg
}

// Node returns the linked node with the given id.
func (fs *FileSystem) Node(id uint64) (*Node, error) {
	if err := fs.gate.enter(); err != nil {
		return nil, err
	}
	defer fs.gate.exit()
	return fs.table.Get(id)
}

// LiveNodes returns the number of nodes allocated and not yet destroyed.
func (fs *FileSystem) LiveNodes() int64 {
	return fs.table.Live()
}

// Acquire takes a reference on n that defers its destruction until Release.
func (fs *FileSystem) Acquire(n *Node) error {
	return fs.table.Acquire(n)
}

// Release drops a reference taken by Acquire and reports whether n was destroyed.
func (fs *FileSystem) Release(n *Node) bool {
	return fs.table.Release(n)
}

// begin admits an operation through the unmount gate. The returned func ends it
// and records its outcome.
func (fs *FileSystem) begin(op string) (func(err error), error) {
	if err := fs.gate.enter(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	start := time.Now()
	return func(err error) {
		fs.metrics.RecordOperation(op, time.Since(start), err)
		fs.gate.exit()
	}, nil
}

// Lookup returns the child of parent named name. "." and ".." resolve to
// parent and its parent; the root is its own parent.
func (fs *FileSystem) Lookup(ctx context.Context, parent *Node, name string) (n *Node, err error) {
	end, err := fs.begin("lookup")
	if err != nil {
		return nil, err
	}
	defer func() { end(err) }()
	return fs.lookup(ctx, parent, name)
}

func (fs *FileSystem) lookup(ctx context.Context, parent *Node, name string) (*Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := dirOf(parent)
	if err != nil {
		return nil, err
	}
	switch name {
	case ".":
		return parent, nil
	case "..":
		if p := parent.Parent(); p != nil {
			return p, nil
		}
		return parent, nil
	}
	if len(name) > fs.sb.MaxNameLen {
		return nil, fmt.Errorf("lookup %q: %w", name, ErrNameTooLong)
	}
	return dir.Lookup(name)
}

// Resolve walks an absolute or root-relative slash separated path.
func (fs *FileSystem) Resolve(ctx context.Context, p string) (n *Node, err error) {
	end, err := fs.begin("resolve")
	if err != nil {
		return nil, err
	}
	defer func() { end(err) }()
	return fs.resolve(ctx, p)
}

func (fs *FileSystem) resolve(ctx context.Context, p string) (*Node, error) {
	logger := util.GetLogger("FS.Resolve")
	logger.Trace().Str("path", p).Msg("Resolve called")

	cur := fs.root
	for _, name := range strings.Split(path.Clean("/"+p), "/") {
		if name == "" {
			continue
		}
		next, err := fs.lookup(ctx, cur, name)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", p, err)
		}
		cur = next
	}
	return cur, nil
}

// ResolveParent resolves the directory containing the final element of p and
// returns it with that element's name.
func (fs *FileSystem) ResolveParent(ctx context.Context, p string) (parent *Node, name string, err error) {
	end, err := fs.begin("resolve")
	if err != nil {
		return nil, "", err
	}
	defer func() { end(err) }()

	dirPath, name := path.Split(path.Clean("/" + p))
	if name == "" || name == "." || name == ".." {
		return nil, "", fmt.Errorf("resolve parent of %q: %w", p, ErrInvalidOperation)
	}
	parent, err = fs.resolve(ctx, dirPath)
	if err != nil {
		return nil, "", err
	}
	if !parent.IsDir() {
		return nil, "", fmt.Errorf("resolve parent of %q: %w", p, ErrNotDirectory)
	}
	return parent, name, nil
}

// GetAttr returns the attributes of n. File sizes come from its storage.
func (fs *FileSystem) GetAttr(ctx context.Context, n *Node) (fuse.Attr, error) {
	if err := fs.gate.enter(); err != nil {
		return fuse.Attr{}, err
	}
	defer fs.gate.exit()
	return fs.getAttr(n)
}

func (fs *FileSystem) getAttr(n *Node) (fuse.Attr, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.state == stateDestroyed {
		return fuse.Attr{}, fmt.Errorf("getattr node %d: %w", n.id, ErrNotFound)
	}
	attr := n.attr
	if n.data != nil {
		attr.Size = uint64(n.data.Size())
		attr.Blocks = blocks(attr.Size)
	}
	return attr, nil
}

// AttrChange selects attributes for SetAttr; nil fields are left unchanged.
type AttrChange struct {
	Mode  *uint32 // permission bits only
	Uid   *uint32
	Gid   *uint32
	Size  *uint64
	Atime *time.Time
	Mtime *time.Time
}

// SetAttr applies change to n and returns the resulting attributes.
// The change time is always updated.
func (fs *FileSystem) SetAttr(ctx context.Context, n *Node, change AttrChange) (attr fuse.Attr, err error) {
	end, err := fs.begin("setattr")
	if err != nil {
		return fuse.Attr{}, err
	}
	defer func() { end(err) }()

	if fs.sb.ReadOnly {
		return fuse.Attr{}, fmt.Errorf("setattr node %d: %w", n.id, ErrReadOnly)
	}

	now := time.Now()
	which := touchCtime
	if change.Size != nil {
		if err := fs.truncate(ctx, n, *change.Size); err != nil {
			return fuse.Attr{}, err
		}
		which |= touchMtime
	}

	n.updateAttr(func(attr *fuse.Attr) {
		if change.Mode != nil {
			attr.Mode = attr.Mode&syscall.S_IFMT | *change.Mode&0o7777
		}
		if change.Uid != nil {
			attr.Uid = *change.Uid
		}
		if change.Gid != nil {
			attr.Gid = *change.Gid
		}
		stamp(attr, now, which)
		if change.Atime != nil {
			stamp(attr, *change.Atime, touchAtime)
		}
		if change.Mtime != nil {
			stamp(attr, *change.Mtime, touchMtime)
		}
	})
	return fs.getAttr(n)
}

func (fs *FileSystem) truncate(ctx context.Context, n *Node, size uint64) error {
	switch n.kind {
	case KindDirectory:
		return fmt.Errorf("truncate node %d: %w", n.id, ErrIsDirectory)
	case KindSpecial:
		return fmt.Errorf("truncate node %d: %w", n.id, ErrInvalidOperation)
	}
	if size > uint64(fs.sb.MaxFileSize) {
		return fmt.Errorf("truncate node %d to %d: %w", n.id, size, ErrFileTooLarge)
	}
	if err := fs.table.Acquire(n); err != nil {
		return err
	}
	defer fs.table.Release(n)
	data, _ := n.Storage()
	return data.Truncate(ctx, int64(size))
}

// StatFs describes the mounted instance the way statfs(2) does.
type StatFs struct {
	Type      uint32 // Magic
	BlockSize uint32
	NameLen   uint32
	Files     uint64 // live nodes
	FilesFree uint64 // 0 when the node table is unbounded
}

func (fs *FileSystem) StatFs(ctx context.Context) (StatFs, error) {
	if err := fs.gate.enter(); err != nil {
		return StatFs{}, err
	}
	defer fs.gate.exit()

	st := StatFs{
		Type:      fs.sb.Magic,
		BlockSize: fs.sb.BlockSize,
		NameLen:   uint32(fs.sb.MaxNameLen),
		Files:     uint64(fs.table.Live()),
	}
	if limit := fs.cfg.MaxNodes; limit > st.Files {
		st.FilesFree = limit - st.Files
	}
	return st, nil
}

// DirEntry is one directory listing entry.
type DirEntry struct {
	Name string
	ID   uint64
	Mode uint32 // S_IFMT bits
}

// ReadDir lists the entries of dir sorted by name. "." and ".." are not included.
func (fs *FileSystem) ReadDir(ctx context.Context, dir *Node) (entries []DirEntry, err error) {
	end, err := fs.begin("readdir")
	if err != nil {
		return nil, err
	}
	defer func() { end(err) }()

	idx, err := dirOf(dir)
	if err != nil {
		return nil, err
	}
	names := idx.Names()
	entries = make([]DirEntry, 0, len(names))
	for _, name := range names {
		child, err := idx.Lookup(name)
		if err != nil {
			continue // removed since Names
		}
		entries = append(entries, DirEntry{
			Name: name,
			ID:   child.id,
			Mode: child.CopyAttr().Mode & syscall.S_IFMT,
		})
	}
	dir.touch(time.Now(), touchAtime)
	return entries, nil
}

// dirOf returns the index of a directory node
func dirOf(n *Node) (*DirectoryIndex, error) {
	if n == nil {
		return nil, fmt.Errorf("nil node: %w", ErrNotFound)
	}
	if idx, ok := n.Dir(); ok {
		return idx, nil
	}
	return nil, fmt.Errorf("node %d: %w", n.id, ErrNotDirectory)
}
