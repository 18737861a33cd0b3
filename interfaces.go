package memfs

import (
	"context"
	"io"
)

// FileBinding creates the byte storage behind regular files. The namespace core
// only creates and releases bindings alongside node lifecycles; it never moves
// bytes itself.
type FileBinding interface {
	// Open returns a fresh, empty storage handle for the node with the given id.
	Open(id uint64) (StorageHandle, error)
}

// StorageHandle is the opaque per-file storage returned by a [FileBinding].
// Implementations must be safe for concurrent use.
type StorageHandle interface {
	// Reads up to len(p) bytes into p starting at off.
	// Returns io.EOF when off is at or past the end of the content.
	ReadAt(ctx context.Context, p []byte, off int64) (int, error)

	// Writes len(p) bytes from p starting at off, growing the content as needed.
	WriteAt(ctx context.Context, p []byte, off int64) (int, error)

	// Truncate sets the content size, zero filling when growing.
	Truncate(ctx context.Context, size int64) error

	// Size returns the current content size in bytes.
	Size() int64

	// Map returns a mapping of length bytes starting at off. Changes to a
	// mapping that is not writable stay private and are never written back.
	Map(ctx context.Context, off int64, length int, writable bool) (Mapping, error)

	// Release frees all storage held by the handle. The handle is unusable afterwards.
	Release() error
}

// Mapping is a memory mapped window over a [StorageHandle].
type Mapping interface {
	// Bytes returns the mapped memory. Writes become visible to the handle on Flush.
	Bytes() []byte

	// Offset is the file offset of the first mapped byte
	Offset() int64

	// Flush writes the mapped memory back to the handle.
	Flush(ctx context.Context) error

	// Unmap flushes and releases the mapping.
	Unmap(ctx context.Context) error
}

// NodeInfo provides read-only access to node information for external consumers
type NodeInfo interface {
	// ID returns the unique node identifier
	ID() uint64

	// Nlink returns the current link count
	Nlink() uint32

	// IsDir reports whether the node is a directory
	IsDir() bool
}

// ContentAdapter fetches the initial content of a seeded file from a single source.
type ContentAdapter interface {
	// Opens the source and returns a reader over its full content
	Open(ctx context.Context) (io.ReadCloser, error)
}

// AdapterProvider is a factory for concrete [ContentAdapter] implementations
// generated from a seed request's raw source config.
// Implementations own any shared resources (http clients etc) of their adapters.
type AdapterProvider interface {
	NewAdapter(raw []byte) (ContentAdapter, error)
}
