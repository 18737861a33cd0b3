package filesystem

import (
	"context"
	"fmt"
	"strings"
	"syscall"
	"time"

	"github.com/brettbedarf/memfs/internal/util"
)

// Rename flags, matching renameat2(2)
const (
	RenameNoReplace uint32 = 1 << iota // fail if the destination exists
	RenameExchange                     // atomically swap source and destination
)

// CreateFile creates a regular file named name in parent.
// Allocation failures match both ErrNoSpace and ErrOutOfResources.
func (fs *FileSystem) CreateFile(ctx context.Context, parent *Node, name string, mode uint32) (n *Node, err error) {
	end, err := fs.begin("create")
	if err != nil {
		return nil, err
	}
	defer func() { end(err) }()
	return fs.create(ctx, KindFile, parent, name, mode&0o7777, DeviceInfo{})
}

// CreateSpecial creates a device, fifo or socket node. As with mknod(2), a
// mode with no file type bits or with S_IFREG creates a regular file.
func (fs *FileSystem) CreateSpecial(ctx context.Context, parent *Node, name string, mode uint32, dev DeviceInfo) (n *Node, err error) {
	end, err := fs.begin("mknod")
	if err != nil {
		return nil, err
	}
	defer func() { end(err) }()

	switch mode & syscall.S_IFMT {
	case 0, syscall.S_IFREG:
		return fs.create(ctx, KindFile, parent, name, mode&0o7777, DeviceInfo{})
	case syscall.S_IFCHR, syscall.S_IFBLK, syscall.S_IFIFO, syscall.S_IFSOCK:
		return fs.create(ctx, KindSpecial, parent, name, mode&(syscall.S_IFMT|0o7777), dev)
	default:
		return nil, fmt.Errorf("mknod %q with mode %o: %w", name, mode, ErrInvalidOperation)
	}
}

// MakeDirectory creates a directory named name in parent. The new directory's
// ".." entry adds a link to parent.
func (fs *FileSystem) MakeDirectory(ctx context.Context, parent *Node, name string, mode uint32) (n *Node, err error) {
	end, err := fs.begin("mkdir")
	if err != nil {
		return nil, err
	}
	defer func() { end(err) }()
	return fs.create(ctx, KindDirectory, parent, name, mode&0o7777, DeviceInfo{})
}

// create allocates a node and names it. The node is linked under its own lock
// while the entry is bound, so it is never retrievable without a name. It is
// destroyed again if the name cannot be bound.
func (fs *FileSystem) create(ctx context.Context, kind Kind, parent *Node, name string, mode uint32, dev DeviceInfo) (*Node, error) {
	logger := util.GetLogger("FS.create")
	logger.Trace().Str("name", name).Str("kind", kind.String()).Msg("create called")

	dir, err := fs.mutableDir(ctx, parent, name)
	if err != nil {
		return nil, err
	}

	node, err := fs.table.Allocate(kind, CallerFrom(ctx), parent, mode, dev)
	if err != nil {
		return nil, fmt.Errorf("create %q: %w: %w", name, ErrNoSpace, err)
	}
	dir.mu.Lock()
	node.mu.Lock()
	if err := dir.bindLocked(name, node); err != nil {
		node.mu.Unlock()
		dir.mu.Unlock()
		if derr := fs.table.forceDestroy(node); derr != nil {
			logger.Error().Err(derr).Uint64("id", node.id).Msg("Failed to release unbound node")
		}
		return nil, fmt.Errorf("create %q: %w", name, err)
	}
	fs.table.incrementLinkLocked(node)
	node.mu.Unlock()
	if kind == KindDirectory {
		node.parent.Store(parent)
		fs.table.IncrementLink(parent)
	}
	dir.mu.Unlock()

	parent.touch(time.Now(), touchMtime|touchCtime)
	logger.Debug().Str("name", name).Uint64("id", node.id).Uint64("parent", parent.id).Msg("Created node")
	return node, nil
}

// Link adds the name name in parent for the existing non-directory node.
func (fs *FileSystem) Link(ctx context.Context, parent *Node, name string, node *Node) (err error) {
	end, err := fs.begin("link")
	if err != nil {
		return err
	}
	defer func() { end(err) }()

	dir, err := fs.mutableDir(ctx, parent, name)
	if err != nil {
		return err
	}
	if node.IsDir() {
		return fmt.Errorf("link %q to directory %d: %w", name, node.id, ErrInvalidOperation)
	}
	if err := fs.table.tryIncrementLink(node); err != nil {
		return fmt.Errorf("link %q: %w", name, err)
	}
	if err := dir.Bind(name, node); err != nil {
		fs.table.DecrementLink(node)
		return fmt.Errorf("link %q: %w", name, err)
	}

	now := time.Now()
	node.touch(now, touchCtime)
	parent.touch(now, touchMtime|touchCtime)
	return nil
}

// Unlink removes the non-directory entry name from parent. The node is
// destroyed when that was its last link and nothing references it.
func (fs *FileSystem) Unlink(ctx context.Context, parent *Node, name string) (err error) {
	end, err := fs.begin("unlink")
	if err != nil {
		return err
	}
	defer func() { end(err) }()

	dir, err := fs.mutableDir(ctx, parent, name)
	if err != nil {
		return err
	}

	dir.mu.Lock()
	child, err := dir.Lookup(name)
	if err != nil {
		dir.mu.Unlock()
		return fmt.Errorf("unlink: %w", err)
	}
	if child.IsDir() {
		dir.mu.Unlock()
		return fmt.Errorf("unlink %q: %w", name, ErrIsDirectory)
	}
	if _, err := dir.unbindLocked(name); err != nil {
		dir.mu.Unlock()
		return fmt.Errorf("unlink: %w", err)
	}
	dir.mu.Unlock()

	now := time.Now()
	child.touch(now, touchCtime)
	parent.touch(now, touchMtime|touchCtime)
	if fs.table.DecrementLink(child) {
		logger := util.GetLogger("FS.Unlink")
		logger.Debug().Str("name", name).Uint64("id", child.id).Msg("Destroyed node")
	}
	return nil
}

// RemoveDirectory removes the empty directory name from parent.
func (fs *FileSystem) RemoveDirectory(ctx context.Context, parent *Node, name string) (err error) {
	end, err := fs.begin("rmdir")
	if err != nil {
		return err
	}
	defer func() { end(err) }()

	dir, err := fs.mutableDir(ctx, parent, name)
	if err != nil {
		return err
	}

	dir.mu.Lock()
	defer dir.mu.Unlock()
	child, err := dir.Lookup(name)
	if err != nil {
		return fmt.Errorf("rmdir: %w", err)
	}
	if !child.IsDir() {
		return fmt.Errorf("rmdir %q: %w", name, ErrNotDirectory)
	}
	if err := retire(child); err != nil {
		return fmt.Errorf("rmdir %q: %w", name, err)
	}
	if _, err := dir.unbindLocked(name); err != nil {
		return fmt.Errorf("rmdir: %w", err)
	}

	child.parent.Store(nil)
	fs.table.DecrementLink(child) // entry
	fs.table.DecrementLink(child) // "."
	fs.table.DecrementLink(parent)
	parent.touch(time.Now(), touchMtime|touchCtime)
	return nil
}

// retire marks an empty directory dead so nothing can be created in it.
// The caller must hold the lock of dir's parent.
func retire(dir *Node) error {
	idx := dir.dir
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.Len() > 0 {
		return ErrDirectoryNotEmpty
	}
	idx.dead = true
	return nil
}

// Rename moves the entry oldName in oldParent to newName in newParent. An
// existing destination entry is replaced: non-directory over non-directory,
// or directory over empty directory. With RenameExchange both entries must
// exist and are swapped.
func (fs *FileSystem) Rename(ctx context.Context, oldParent *Node, oldName string, newParent *Node, newName string, flags uint32) (err error) {
	end, err := fs.begin("rename")
	if err != nil {
		return err
	}
	defer func() { end(err) }()

	logger := util.GetLogger("FS.Rename")
	logger.Trace().Str("old", oldName).Str("new", newName).Uint32("flags", flags).Msg("Rename called")

	if flags&^(RenameNoReplace|RenameExchange) != 0 || flags == RenameNoReplace|RenameExchange {
		return fmt.Errorf("rename flags %#x: %w", flags, ErrInvalidOperation)
	}
	oldDir, err := fs.mutableDir(ctx, oldParent, oldName)
	if err != nil {
		return err
	}
	newDir, err := fs.mutableDir(ctx, newParent, newName)
	if err != nil {
		return err
	}

	crossDir := oldParent != newParent
	if crossDir {
		// Ancestry only changes under renameMu, so checks below are stable
		fs.renameMu.Lock()
		defer fs.renameMu.Unlock()
	}
	unlock := lockPair(oldParent, newParent)
	defer unlock()
	if oldDir.dead || newDir.dead {
		return fmt.Errorf("rename %q to %q: directory removed: %w", oldName, newName, ErrNotFound)
	}

	src, err := oldDir.Lookup(oldName)
	if err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	dst, _ := newDir.entries.Load(newName)
	if src == dst {
		return nil
	}
	if crossDir && src.IsDir() && (src == newParent || isAncestor(src, newParent)) {
		return fmt.Errorf("rename %q into its own subtree: %w", oldName, ErrInvalidOperation)
	}
	if crossDir && dst != nil && dst.IsDir() && (dst == oldParent || isAncestor(dst, oldParent)) {
		if flags&RenameExchange != 0 {
			return fmt.Errorf("exchange %q with its ancestor: %w", oldName, ErrInvalidOperation)
		}
		return fmt.Errorf("rename over %q: %w", newName, ErrDirectoryNotEmpty)
	}

	if flags&RenameExchange != 0 {
		if dst == nil {
			return fmt.Errorf("exchange with %q: %w", newName, ErrNotFound)
		}
		fs.exchangeLocked(oldParent, oldName, src, newParent, newName, dst)
		return nil
	}

	if dst != nil {
		if flags&RenameNoReplace != 0 {
			return fmt.Errorf("rename over %q: %w", newName, ErrAlreadyExists)
		}
		switch {
		case src.IsDir() && !dst.IsDir():
			return fmt.Errorf("rename directory over %q: %w: %w", newName, ErrInvalidKindForReplace, ErrNotDirectory)
		case !src.IsDir() && dst.IsDir():
			return fmt.Errorf("rename over directory %q: %w: %w", newName, ErrInvalidKindForReplace, ErrIsDirectory)
		case dst.IsDir():
			if err := retire(dst); err != nil {
				return fmt.Errorf("rename over %q: %w", newName, err)
			}
		}
	}

	// Lookups of newName see either the replaced node or src, never nothing
	newDir.replaceLocked(newName, src)
	if _, err := oldDir.unbindLocked(oldName); err != nil {
		return fmt.Errorf("rename: %w", err)
	}

	if dst != nil {
		if dst.IsDir() {
			dst.parent.Store(nil)
			fs.table.DecrementLink(dst)
		}
		fs.table.DecrementLink(dst)
	}
	if src.IsDir() {
		switch {
		case dst != nil:
			// src's ".." replaces dst's in newParent
			fs.table.DecrementLink(oldParent)
		case crossDir:
			fs.table.DecrementLink(oldParent)
			fs.table.IncrementLink(newParent)
		}
		src.parent.Store(newParent)
	}

	now := time.Now()
	src.touch(now, touchCtime)
	if dst != nil {
		dst.touch(now, touchCtime)
	}
	oldParent.touch(now, touchMtime|touchCtime)
	if crossDir {
		newParent.touch(now, touchMtime|touchCtime)
	}
	logger.Debug().Str("old", oldName).Str("new", newName).Uint64("id", src.id).Msg("Renamed")
	return nil
}

// exchangeLocked swaps two entries. Directories moving between parents carry
// their ".." link with them. Caller holds both parent locks.
func (fs *FileSystem) exchangeLocked(oldParent *Node, oldName string, src *Node, newParent *Node, newName string, dst *Node) {
	newParent.dir.replaceLocked(newName, src)
	oldParent.dir.replaceLocked(oldName, dst)

	if oldParent != newParent {
		if src.IsDir() {
			src.parent.Store(newParent)
		}
		if dst.IsDir() {
			dst.parent.Store(oldParent)
		}
		switch {
		case src.IsDir() && !dst.IsDir():
			fs.table.DecrementLink(oldParent)
			fs.table.IncrementLink(newParent)
		case !src.IsDir() && dst.IsDir():
			fs.table.IncrementLink(oldParent)
			fs.table.DecrementLink(newParent)
		}
	}

	now := time.Now()
	src.touch(now, touchCtime)
	dst.touch(now, touchCtime)
	oldParent.touch(now, touchMtime|touchCtime)
	newParent.touch(now, touchMtime|touchCtime)
}

// lockPair locks the indexes of both directories, ancestor first and
// otherwise by ascending id. Returns the matching unlock.
func lockPair(a, b *Node) func() {
	if a == b {
		a.dir.mu.Lock()
		return a.dir.mu.Unlock
	}
	first, second := a, b
	switch {
	case isAncestor(b, a):
		first, second = b, a
	case isAncestor(a, b):
	case b.id < a.id:
		first, second = b, a
	}
	first.dir.mu.Lock()
	second.dir.mu.Lock()
	return func() {
		second.dir.mu.Unlock()
		first.dir.mu.Unlock()
	}
}

// isAncestor reports whether dir is a proper ancestor of n
func isAncestor(dir, n *Node) bool {
	for p := n.Parent(); p != nil; p = p.Parent() {
		if p == dir {
			return true
		}
	}
	return false
}

// mutableDir returns the index of parent after checking that name may be
// created or removed in it.
func (fs *FileSystem) mutableDir(ctx context.Context, parent *Node, name string) (*DirectoryIndex, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if fs.sb.ReadOnly {
		return nil, fmt.Errorf("%q: %w", name, ErrReadOnly)
	}
	if err := fs.validateName(name); err != nil {
		return nil, err
	}
	return dirOf(parent)
}

// validateName rejects names that cannot be directory entries.
func (fs *FileSystem) validateName(name string) error {
	switch {
	case name == "", name == ".", name == "..", strings.ContainsRune(name, '/'):
		return fmt.Errorf("invalid name %q: %w", name, ErrInvalidOperation)
	case len(name) > fs.sb.MaxNameLen:
		return fmt.Errorf("name of %d bytes: %w", len(name), ErrNameTooLong)
	}
	return nil
}
