package storage

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/brettbedarf/memfs"
	"github.com/brettbedarf/memfs/internal/util"
	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
)

// BadgerBinding keeps file pages in an in-memory BadgerDB instance. Each page
// is stored under a key made of the file id and the page index, so a file's
// pages share a common prefix.
type BadgerBinding struct {
	db       *badger.DB
	pageSize int
}

var _ memfs.FileBinding = (*BadgerBinding)(nil)

// NewBadgerBinding opens an in-memory database for file pages.
// Close it once every handle has been released.
func NewBadgerBinding(pageSize int) (*BadgerBinding, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	opts := badger.DefaultOptions("").
		WithInMemory(true).
		WithLogger(badgerLogger{util.GetLogger("badger")}).
		WithLoggingLevel(badger.WARNING).
		WithCompression(options.None) // pages are short-lived
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory BadgerDB: %w", err)
	}
	return &BadgerBinding{db: db, pageSize: pageSize}, nil
}

func (b *BadgerBinding) Open(id uint64) (memfs.StorageHandle, error) {
	if b.db.IsClosed() {
		return nil, fmt.Errorf("open file %d: %w", id, ErrReleased)
	}
	return &badgerHandle{db: b.db, id: id, pageSize: b.pageSize}, nil
}

// Close closes the database.
func (b *BadgerBinding) Close() error {
	return b.db.Close()
}

// keyFilePrefix returns "f" + id, the prefix shared by all pages of a file
func keyFilePrefix(id uint64) []byte {
	key := make([]byte, 9, 17)
	key[0] = 'f'
	binary.BigEndian.PutUint64(key[1:], id)
	return key
}

func keyPage(id uint64, idx int64) []byte {
	return binary.BigEndian.AppendUint64(keyFilePrefix(id), uint64(idx))
}

type badgerHandle struct {
	db       *badger.DB
	id       uint64
	pageSize int

	mu       sync.RWMutex
	size     int64
	released bool
}

func (h *badgerHandle) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
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
	ps := int64(h.pageSize)
	err := h.db.View(func(txn *badger.Txn) error {
		for done := 0; done < n; {
			pos := off + int64(done)
			idx, inPage := pos/ps, int(pos%ps)
			chunk := min(n-done, int(ps)-inPage)
			dst := p[done : done+chunk]

			item, err := txn.Get(keyPage(h.id, idx))
			switch {
			case errors.Is(err, badger.ErrKeyNotFound):
				clear(dst)
			case err != nil:
				return err
			default:
				if err := item.Value(func(val []byte) error {
					copy(dst, val[inPage:inPage+chunk])
					return nil
				}); err != nil {
					return err
				}
			}
			done += chunk
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("read file %d: %w", h.id, err)
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (h *badgerHandle) WriteAt(ctx context.Context, p []byte, off int64) (int, error) {
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

	ps := int64(h.pageSize)
	done := 0
	for done < len(p) {
		pos := off + int64(done)
		idx, inPage := pos/ps, int(pos%ps)
		chunk := min(len(p)-done, int(ps)-inPage)

		// one transaction per page keeps large writes under the txn size limit
		err := h.db.Update(func(txn *badger.Txn) error {
			key := keyPage(h.id, idx)
			page := make([]byte, ps)
			item, err := txn.Get(key)
			switch {
			case errors.Is(err, badger.ErrKeyNotFound):
			case err != nil:
				return err
			default:
				if _, err := item.ValueCopy(page); err != nil {
					return err
				}
			}
			copy(page[inPage:inPage+chunk], p[done:done+chunk])
			return txn.Set(key, page)
		})
		if err != nil {
			h.grow(off + int64(done))
			return done, fmt.Errorf("write file %d: %w", h.id, err)
		}
		done += chunk
	}
	h.grow(off + int64(done))
	return done, nil
}

// Caller must hold h.mu.Lock()
func (h *badgerHandle) grow(end int64) {
	if end > h.size {
		h.size = end
	}
}

func (h *badgerHandle) Truncate(ctx context.Context, size int64) error {
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
	if size >= h.size {
		h.size = size
		return nil
	}

	ps := int64(h.pageSize)
	keep := (size + ps - 1) / ps
	last := (h.size - 1) / ps
	err := h.db.Update(func(txn *badger.Txn) error {
		for idx := keep; idx <= last; idx++ {
			if err := txn.Delete(keyPage(h.id, idx)); err != nil {
				return err
			}
		}
		tail := int(size % ps)
		if tail == 0 {
			return nil
		}
		key := keyPage(h.id, size/ps)
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		} else if err != nil {
			return err
		}
		page, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		clear(page[tail:])
		return txn.Set(key, page)
	})
	if err != nil {
		return fmt.Errorf("truncate file %d: %w", h.id, err)
	}
	h.size = size
	return nil
}

func (h *badgerHandle) Size() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.size
}

func (h *badgerHandle) Map(ctx context.Context, off int64, length int, writable bool) (memfs.Mapping, error) {
	return newMapping(ctx, h, off, length, writable)
}

func (h *badgerHandle) Release() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return nil
	}
	h.released = true
	h.size = 0
	if h.db.IsClosed() {
		return nil
	}

	// DropPrefix would block writes to every other file, so delete page by page
	var keys [][]byte
	prefix := keyFilePrefix(h.id)
	err := h.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("release file %d: %w", h.id, err)
	}
	if len(keys) == 0 {
		return nil
	}

	wb := h.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range keys {
		if err := wb.Delete(key); err != nil {
			return fmt.Errorf("release file %d: %w", h.id, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("release file %d: %w", h.id, err)
	}
	return nil
}

// badgerLogger forwards badger's logging to zerolog
type badgerLogger struct {
	logger util.Logger
}

func (l badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error().Msgf(format, args...)
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn().Msgf(format, args...)
}

func (l badgerLogger) Infof(format string, args ...any) {
	l.logger.Debug().Msgf(format, args...)
}

func (l badgerLogger) Debugf(format string, args ...any) {
	l.logger.Trace().Msgf(format, args...)
}
