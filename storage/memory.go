package storage

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/brettbedarf/memfs"
	"github.com/puzpuzpuz/xsync/v4"
)

// MemoryBinding stores file content in fixed-size pages on the Go heap.
// Only pages that have been written are allocated; holes read as zeros.
type MemoryBinding struct {
	pageSize int
	bytes    atomic.Int64 // allocated page bytes across all handles
	handles  atomic.Int64
}

var _ memfs.FileBinding = (*MemoryBinding)(nil)

// NewMemoryBinding creates a binding allocating pageSize byte pages.
func NewMemoryBinding(pageSize int) *MemoryBinding {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &MemoryBinding{pageSize: pageSize}
}

func (b *MemoryBinding) Open(id uint64) (memfs.StorageHandle, error) {
	b.handles.Add(1)
	return &memoryHandle{
		id:      id,
		binding: b,
		pages:   xsync.NewMap[int64, []byte](),
	}, nil
}

// AllocatedBytes returns the bytes held in pages by all open handles.
func (b *MemoryBinding) AllocatedBytes() int64 {
	return b.bytes.Load()
}

// Handles returns the number of handles not yet released.
func (b *MemoryBinding) Handles() int64 {
	return b.handles.Load()
}

// memoryHandle is a sparse page array for one file
type memoryHandle struct {
	id      uint64
	binding *MemoryBinding

	mu       sync.RWMutex // guards size and released; page contents follow it too
	pages    *xsync.Map[int64, []byte]
	size     int64
	released bool
}

func (h *memoryHandle) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.released {
		return 0, fmt.Errorf("read file %d: %w", h.id, ErrReleased)
	}
	if off >= h.size {
		return 0, io.EOF
	}

	n := int(min(int64(len(p)), h.size-off))
	ps := int64(h.binding.pageSize)
	for done := 0; done < n; {
		pos := off + int64(done)
		idx, inPage := pos/ps, int(pos%ps)
		chunk := min(n-done, int(ps)-inPage)
		if page, ok := h.pages.Load(idx); ok {
			copy(p[done:done+chunk], page[inPage:inPage+chunk])
		} else {
			clear(p[done : done+chunk])
		}
		done += chunk
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (h *memoryHandle) WriteAt(ctx context.Context, p []byte, off int64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if off < 0 {
		return 0, fmt.Errorf("write file %d at %d: %w", h.id, off, ErrInvalidOffset)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return 0, fmt.Errorf("write file %d: %w", h.id, ErrReleased)
	}

	ps := int64(h.binding.pageSize)
	for done := 0; done < len(p); {
		pos := off + int64(done)
		idx, inPage := pos/ps, int(pos%ps)
		chunk := min(len(p)-done, int(ps)-inPage)
		page := h.page(idx)
		copy(page[inPage:inPage+chunk], p[done:done+chunk])
		done += chunk
	}
	if end := off + int64(len(p)); end > h.size {
		h.size = end
	}
	return len(p), nil
}

// page returns page idx, allocating it when missing.
// Caller must hold h.mu.Lock()
func (h *memoryHandle) page(idx int64) []byte {
	if page, ok := h.pages.Load(idx); ok {
		return page
	}
	page := make([]byte, h.binding.pageSize)
	h.pages.Store(idx, page)
	h.binding.bytes.Add(int64(len(page)))
	return page
}

func (h *memoryHandle) Truncate(ctx context.Context, size int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if size < 0 {
		return fmt.Errorf("truncate file %d to %d: %w", h.id, size, ErrInvalidOffset)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return fmt.Errorf("truncate file %d: %w", h.id, ErrReleased)
	}
	if size < h.size {
		ps := int64(h.binding.pageSize)
		keep := (size + ps - 1) / ps // pages still (partly) inside the file
		h.pages.Range(func(idx int64, page []byte) bool {
			if idx >= keep {
				h.pages.Delete(idx)
				h.binding.bytes.Add(-int64(len(page)))
			}
			return true
		})
		// growing again later must read zeros past the old end
		if tail := int(size % ps); tail != 0 {
			if page, ok := h.pages.Load(size / ps); ok {
				clear(page[tail:])
			}
		}
	}
	h.size = size
	return nil
}

func (h *memoryHandle) Size() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.size
}

func (h *memoryHandle) Map(ctx context.Context, off int64, length int, writable bool) (memfs.Mapping, error) {
	return newMapping(ctx, h, off, length, writable)
}

func (h *memoryHandle) Release() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return nil
	}
	h.released = true
	h.pages.Range(func(_ int64, page []byte) bool {
		h.binding.bytes.Add(-int64(len(page)))
		return true
	})
	h.pages.Clear()
	h.size = 0
	h.binding.handles.Add(-1)
	return nil
}
