package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/brettbedarf/memfs"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sys/unix"
)

// mapping is a private anonymous memory mapping filled from a handle.
// Flush copies the part still inside the file back through WriteAt; the
// mapping never grows the file. A read-only mapping is never written back.
type mapping struct {
	handle   memfs.StorageHandle
	off      int64
	writable bool

	mu   sync.Mutex
	data []byte
}

func newMapping(ctx context.Context, h memfs.StorageHandle, off int64, length int, writable bool) (*mapping, error) {
	if off < 0 || length <= 0 {
		return nil, fmt.Errorf("map %d bytes at %d: %w", length, off, ErrInvalidOffset)
	}
	data, err := unix.Mmap(-1, 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("map %d bytes: %w", length, err)
	}
	if _, err := h.ReadAt(ctx, data, off); err != nil && !errors.Is(err, io.EOF) {
		_ = unix.Munmap(data)
		return nil, err
	}
	return &mapping{handle: h, off: off, writable: writable, data: data}, nil
}

func (m *mapping) Bytes() []byte {
	return m.data
}

func (m *mapping) Offset() int64 {
	return m.off
}

func (m *mapping) Flush(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushLocked(ctx)
}

// Caller must hold m.mu
func (m *mapping) flushLocked(ctx context.Context) error {
	if m.data == nil {
		return ErrUnmapped
	}
	if !m.writable {
		return ErrReadOnlyMapping
	}
	avail := m.handle.Size() - m.off
	if avail <= 0 {
		return nil
	}
	n := int(min(avail, int64(len(m.data))))
	_, err := m.handle.WriteAt(ctx, m.data[:n], m.off)
	return err
}

func (m *mapping) Unmap(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		return nil
	}
	var err error
	if m.writable {
		err = m.flushLocked(ctx)
	}
	if uerr := unix.Munmap(m.data); uerr != nil {
		err = multierror.Append(err, uerr).ErrorOrNil()
	}
	m.data = nil
	return err
}
