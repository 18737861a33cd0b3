package filesystem

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/brettbedarf/memfs"
	"github.com/brettbedarf/memfs/internal/util"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// Extra whence values for Seek, matching lseek(2)
const (
	SeekData = 3 // next offset holding data
	SeekHole = 4 // next hole; end of file counts as a hole
)

// File is an open handle on a regular file. It holds a reference on its node,
// so the file's storage outlives unlinking until Close.
type File struct {
	fs    *FileSystem
	node  *Node
	data  memfs.StorageHandle
	flags int

	mu     sync.Mutex // guards offset
	offset int64
	closed atomic.Bool
}

var (
	_ io.ReadWriteSeeker = (*File)(nil)
	_ io.ReaderAt        = (*File)(nil)
	_ io.WriterAt        = (*File)(nil)
	_ io.Closer          = (*File)(nil)
)

// Open opens the regular file n with os.O_* flags. O_TRUNC empties a file
// opened for writing; O_APPEND makes every Write append.
func (fs *FileSystem) Open(ctx context.Context, n *Node, flags int) (f *File, err error) {
	end, err := fs.begin("open")
	if err != nil {
		return nil, err
	}
	defer func() { end(err) }()

	switch n.Kind() {
	case KindDirectory:
		return nil, fmt.Errorf("open node %d: %w", n.id, ErrIsDirectory)
	case KindSpecial:
		return nil, fmt.Errorf("open device node %d: %w", n.id, ErrInvalidOperation)
	}
	writable := flags&(os.O_WRONLY|os.O_RDWR) != 0
	if fs.sb.ReadOnly && (writable || flags&os.O_TRUNC != 0) {
		return nil, fmt.Errorf("open node %d for writing: %w", n.id, ErrReadOnly)
	}

	if err := fs.table.Acquire(n); err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	data, _ := n.Storage()
	f = &File{fs: fs, node: n, data: data, flags: flags}

	if writable && flags&os.O_TRUNC != 0 {
		if err := data.Truncate(ctx, 0); err != nil {
			fs.table.Release(n)
			return nil, fmt.Errorf("open node %d: truncate: %w", n.id, err)
		}
		n.touch(time.Now(), touchMtime|touchCtime)
	}

	fs.metrics.SetOpenFiles(fs.openFiles.Add(1))
	logger := util.GetLogger("FS.Open")
	logger.Trace().Uint64("id", n.id).Int("flags", flags).Msg("Opened file")
	return f, nil
}

// Node returns the node the handle refers to.
func (f *File) Node() *Node {
	return f.node
}

// Stat returns the attributes of the open file, even once it has been unlinked.
func (f *File) Stat() (fuse.Attr, error) {
	return f.fs.GetAttr(context.Background(), f.node)
}

// Read reads from the current offset.
func (f *File) Read(p []byte) (int, error) {
	return f.ReadContext(context.Background(), p)
}

// ReadContext is Read with cancellation.
func (f *File) ReadContext(ctx context.Context, p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, err := f.readAt(ctx, p, f.offset)
	f.offset += int64(n)
	if n > 0 && errors.Is(err, io.EOF) {
		err = nil
	}
	return n, err
}

// ReadAt reads len(p) bytes at off without moving the offset. Like
// io.ReaderAt it returns io.EOF when fewer bytes are available.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	return f.readAt(context.Background(), p, off)
}

// ReadAtContext is ReadAt with cancellation.
func (f *File) ReadAtContext(ctx context.Context, p []byte, off int64) (int, error) {
	return f.readAt(ctx, p, off)
}

func (f *File) readAt(ctx context.Context, p []byte, off int64) (n int, err error) {
	end, err := f.begin("read")
	if err != nil {
		return 0, err
	}
	defer func() { end(err) }()

	if f.flags&os.O_WRONLY != 0 {
		return 0, fmt.Errorf("read: %w", syscall.EBADF)
	}
	if off < 0 {
		return 0, fmt.Errorf("read at %d: %w", off, ErrInvalidOperation)
	}
	n, err = f.data.ReadAt(ctx, p, off)
	f.fs.metrics.RecordBytes("read", n)
	f.node.touch(time.Now(), touchAtime)
	return n, err
}

// Write writes at the current offset, or at the end of the file when opened
// with O_APPEND.
func (f *File) Write(p []byte) (int, error) {
	return f.WriteContext(context.Background(), p)
}

// WriteContext is Write with cancellation.
func (f *File) WriteContext(ctx context.Context, p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.flags&os.O_APPEND != 0 {
		f.offset = f.data.Size()
	}
	n, err := f.writeAt(ctx, p, f.offset)
	f.offset += int64(n)
	return n, err
}

// WriteAt writes len(p) bytes at off without moving the offset. It is not
// allowed on handles opened with O_APPEND.
func (f *File) WriteAt(p []byte, off int64) (int, error) {
	return f.WriteAtContext(context.Background(), p, off)
}

// WriteAtContext is WriteAt with cancellation.
func (f *File) WriteAtContext(ctx context.Context, p []byte, off int64) (int, error) {
	if f.flags&os.O_APPEND != 0 {
		return 0, fmt.Errorf("WriteAt on a file opened with O_APPEND: %w", ErrInvalidOperation)
	}
	return f.writeAt(ctx, p, off)
}

// Appending reports whether the handle was opened with O_APPEND.
func (f *File) Appending() bool {
	return f.flags&os.O_APPEND != 0
}

func (f *File) writeAt(ctx context.Context, p []byte, off int64) (n int, err error) {
	end, err := f.begin("write")
	if err != nil {
		return 0, err
	}
	defer func() { end(err) }()

	if f.flags&(os.O_WRONLY|os.O_RDWR) == 0 {
		return 0, fmt.Errorf("write: %w", syscall.EBADF)
	}
	if f.fs.sb.ReadOnly {
		return 0, fmt.Errorf("write: %w", ErrReadOnly)
	}
	if off < 0 {
		return 0, fmt.Errorf("write at %d: %w", off, ErrInvalidOperation)
	}
	if limit := f.fs.sb.MaxFileSize; off >= limit || int64(len(p)) > limit-off {
		return 0, fmt.Errorf("write %d bytes at %d: %w", len(p), off, ErrFileTooLarge)
	}
	n, err = f.data.WriteAt(ctx, p, off)
	f.fs.metrics.RecordBytes("write", n)
	if n > 0 {
		f.node.touch(time.Now(), touchMtime|touchCtime)
	}
	if err == nil && n < len(p) {
		err = io.ErrShortWrite
	}
	return n, err
}

// Seek sets the offset for the next Read or Write. whence is one of
// io.SeekStart, io.SeekCurrent, io.SeekEnd, SeekData or SeekHole. The whole
// file is data, so SeekData returns offset and SeekHole the file size; both
// fail with ErrOutOfRange at or past the end.
func (f *File) Seek(offset int64, whence int) (pos int64, err error) {
	end, err := f.begin("seek")
	if err != nil {
		return 0, err
	}
	defer func() { end(err) }()

	f.mu.Lock()
	defer f.mu.Unlock()
	size := f.data.Size()
	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = f.offset + offset
	case io.SeekEnd:
		pos = size + offset
	case SeekData, SeekHole:
		if offset < 0 || offset >= size {
			return 0, fmt.Errorf("seek %d past end of %d byte file: %w", offset, size, ErrOutOfRange)
		}
		pos = offset
		if whence == SeekHole {
			pos = size
		}
	default:
		return 0, fmt.Errorf("seek whence %d: %w", whence, ErrInvalidOperation)
	}
	if pos < 0 || pos > f.fs.sb.MaxFileSize {
		return 0, fmt.Errorf("seek to %d: %w", pos, ErrInvalidOperation)
	}
	f.offset = pos
	return pos, nil
}

// Map maps length bytes of the file starting at off. The mapping keeps the
// file's storage alive until it is unmapped, even after Close. Changes are
// written back only for handles opened for writing on a writable mount.
func (f *File) Map(ctx context.Context, off int64, length int) (m memfs.Mapping, err error) {
	end, err := f.begin("mmap")
	if err != nil {
		return nil, err
	}
	defer func() { end(err) }()

	if off < 0 || length <= 0 || off%int64(f.fs.sb.BlockSize) != 0 {
		return nil, fmt.Errorf("map %d bytes at %d: %w", length, off, ErrInvalidOperation)
	}
	if err := f.fs.table.Acquire(f.node); err != nil {
		return nil, err
	}
	writable := f.flags&(os.O_WRONLY|os.O_RDWR) != 0 && !f.fs.sb.ReadOnly
	m, err = f.data.Map(ctx, off, length, writable)
	if err != nil {
		f.fs.table.Release(f.node)
		return nil, err
	}
	return &fileMapping{Mapping: m, fs: f.fs, node: f.node, writable: writable}, nil
}

// Close releases the handle's reference on the node. Closing twice is a no-op.
func (f *File) Close() error {
	if !f.closed.CompareAndSwap(false, true) {
		return nil
	}
	if f.fs.table.Release(f.node) {
		logger := util.GetLogger("File.Close")
		logger.Debug().Uint64("id", f.node.id).Msg("Last reference closed; node destroyed")
	}
	f.fs.metrics.SetOpenFiles(f.fs.openFiles.Add(-1))
	return nil
}

// begin admits an I/O call on an open handle
func (f *File) begin(op string) (func(error), error) {
	if f.closed.Load() {
		return nil, fmt.Errorf("%s: %w", op, os.ErrClosed)
	}
	return f.fs.begin(op)
}

// fileMapping releases its node reference once unmapped
type fileMapping struct {
	memfs.Mapping
	fs       *FileSystem
	node     *Node
	writable bool
	unmapped atomic.Bool
}

func (m *fileMapping) Flush(ctx context.Context) error {
	if !m.writable {
		if m.fs.sb.ReadOnly {
			return fmt.Errorf("flush: %w", ErrReadOnly)
		}
		return fmt.Errorf("flush: %w", syscall.EBADF)
	}
	return m.Mapping.Flush(ctx)
}

func (m *fileMapping) Unmap(ctx context.Context) error {
	if !m.unmapped.CompareAndSwap(false, true) {
		return nil
	}
	err := m.Mapping.Unmap(ctx)
	m.fs.table.Release(m.node)
	if err == nil && m.writable {
		m.node.touch(time.Now(), touchMtime|touchCtime)
	}
	return err
}
