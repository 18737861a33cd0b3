package filesystem

import (
	"fmt"
	"slices"
	"sync"

	"github.com/puzpuzpuz/xsync/v4"
)

// DirectoryIndex maps child names to nodes for one directory.
// Lookups are lock-free; every mutation must hold mu, which serializes
// Bind/Unbind/rename on the directory.
type DirectoryIndex struct {
	mu      sync.Mutex
	entries *xsync.Map[string, *Node]
	dead    bool // set under mu once the directory has been removed
}

func newDirectoryIndex() *DirectoryIndex {
	return &DirectoryIndex{entries: xsync.NewMap[string, *Node]()}
}

// Lookup returns the node bound to name.
func (d *DirectoryIndex) Lookup(name string) (*Node, error) {
	if n, ok := d.entries.Load(name); ok {
		return n, nil
	}
	return nil, fmt.Errorf("lookup %q: %w", name, ErrNotFound)
}

// Bind adds an entry for name. It fails if the name is taken or the directory
// has been removed.
func (d *DirectoryIndex) Bind(name string, n *Node) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bindLocked(name, n)
}

// Unbind removes the entry for name and returns the node it referenced.
func (d *DirectoryIndex) Unbind(name string) (*Node, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.unbindLocked(name)
}

// Len returns the number of entries.
func (d *DirectoryIndex) Len() int {
	return d.entries.Size()
}

// Names returns the entry names in sorted order.
func (d *DirectoryIndex) Names() []string {
	names := make([]string, 0, d.entries.Size())
	d.entries.Range(func(name string, _ *Node) bool {
		names = append(names, name)
		return true
	})
	slices.Sort(names)
	return names
}

// Caller must hold d.mu
func (d *DirectoryIndex) bindLocked(name string, n *Node) error {
	if d.dead {
		return fmt.Errorf("bind %q: directory removed: %w", name, ErrNotFound)
	}
	if _, loaded := d.entries.LoadOrStore(name, n); loaded {
		return fmt.Errorf("bind %q: %w", name, ErrAlreadyExists)
	}
	return nil
}

// Caller must hold d.mu
func (d *DirectoryIndex) unbindLocked(name string) (*Node, error) {
	if n, ok := d.entries.LoadAndDelete(name); ok {
		return n, nil
	}
	return nil, fmt.Errorf("unbind %q: %w", name, ErrNotFound)
}

// replaceLocked points name at n regardless of any existing entry, so
// concurrent lookups observe either the old or the new node.
// Caller must hold d.mu
func (d *DirectoryIndex) replaceLocked(name string, n *Node) {
	d.entries.Store(name, n)
}
