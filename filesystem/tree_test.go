package filesystem

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/brettbedarf/memfs/config"
	"github.com/brettbedarf/memfs/internal/util"
	"github.com/brettbedarf/memfs/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestConfig() *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.LogLvl = util.ErrorLevel
	cfg.PageSize = 4096
	return cfg
}

// newTestFS mounts a memory backed filesystem unmounted at test cleanup
func newTestFS(t *testing.T, mutate ...func(cfg *config.Config)) (*FileSystem, *storage.MemoryBinding) {
	t.Helper()
	cfg := createTestConfig()
	for _, fn := range mutate {
		fn(cfg)
	}
	binding := storage.NewMemoryBinding(cfg.PageSize)
	fs, err := Mount(cfg, binding, WithRootOwner(testCaller))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = fs.Unmount(context.Background())
	})
	return fs, binding
}

func testCtx() context.Context {
	return WithCaller(context.Background(), testCaller)
}

func TestCreateFile(t *testing.T) {
	t.Parallel()
	fs, _ := newTestFS(t)
	ctx := testCtx()
	root := fs.Root()
	before := root.CopyAttr()
	time.Sleep(time.Millisecond)

	f, err := fs.CreateFile(ctx, root, "f.txt", 0o644)
	require.NoError(t, err)
	assert.Equal(t, KindFile, f.Kind())
	assert.Equal(t, uint32(1), f.Nlink())
	assert.Equal(t, uint32(syscall.S_IFREG|0o644), f.CopyAttr().Mode)

	// round trip by name and by id
	got, err := fs.Lookup(ctx, root, "f.txt")
	require.NoError(t, err)
	assert.Equal(t, f.ID(), got.ID())
	byID, err := fs.Node(f.ID())
	require.NoError(t, err)
	assert.Same(t, f, byID)

	after := root.CopyAttr()
	assert.Greater(t, after.Mtime*1e9+uint64(after.Mtimensec), before.Mtime*1e9+uint64(before.Mtimensec))
	assert.Equal(t, before.Nlink, after.Nlink, "files do not link their parent")
}

func TestCreateFile_Collision(t *testing.T) {
	t.Parallel()
	fs, _ := newTestFS(t)
	ctx := testCtx()

	first, err := fs.CreateFile(ctx, fs.Root(), "dup", 0o644)
	require.NoError(t, err)
	live := fs.LiveNodes()

	_, err = fs.CreateFile(ctx, fs.Root(), "dup", 0o600)
	assert.ErrorIs(t, err, ErrAlreadyExists)
	assert.Equal(t, live, fs.LiveNodes(), "losing allocation is released")

	got, err := fs.Lookup(ctx, fs.Root(), "dup")
	require.NoError(t, err)
	assert.Same(t, first, got)
}

func TestCreateFile_RetrievableOnlyOnceNamed(t *testing.T) {
	t.Parallel()
	fs, _ := newTestFS(t)
	ctx := testCtx()
	root := fs.Root()

	first, err := fs.CreateFile(ctx, root, "first", 0o644)
	require.NoError(t, err)

	const count = 200
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := range count {
			_, err := fs.CreateFile(ctx, root, fmt.Sprintf("f%d", i), 0o644)
			assert.NoError(t, err)
		}
	}()

	// every node found by id must already be named in the root
	seen := 0
	for next := first.ID() + 1; seen < count; {
		n, err := fs.Node(next)
		if err != nil {
			select {
			case <-done:
				if _, err := fs.Node(next); err != nil {
					t.Fatalf("node %d never became retrievable", next)
				}
			default:
			}
			continue
		}
		named, err := root.dir.Lookup(fmt.Sprintf("f%d", next-first.ID()-1))
		require.NoError(t, err)
		assert.Same(t, named, n)
		assert.Equal(t, uint32(1), n.Nlink())
		next++
		seen++
	}
	<-done
}

func TestCreateFile_NodeLimit(t *testing.T) {
	t.Parallel()
	fs, _ := newTestFS(t, func(cfg *config.Config) { cfg.MaxNodes = 2 })
	ctx := testCtx()

	_, err := fs.CreateFile(ctx, fs.Root(), "one", 0o644)
	require.NoError(t, err)
	_, err = fs.CreateFile(ctx, fs.Root(), "two", 0o644)
	assert.ErrorIs(t, err, ErrNoSpace)
	assert.ErrorIs(t, err, ErrOutOfResources)
	assert.Equal(t, syscall.ENOSPC, ToErrno(err))
}

func TestCreate_InvalidNames(t *testing.T) {
	t.Parallel()
	fs, _ := newTestFS(t, func(cfg *config.Config) { cfg.MaxNameLen = 8 })
	ctx := testCtx()

	tests := []struct {
		name string
		want error
	}{
		{"", ErrInvalidOperation},
		{".", ErrInvalidOperation},
		{"..", ErrInvalidOperation},
		{"a/b", ErrInvalidOperation},
		{strings.Repeat("x", 9), ErrNameTooLong},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := fs.CreateFile(ctx, fs.Root(), tt.name, 0o644)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	_, err := fs.CreateFile(ctx, fs.Root(), strings.Repeat("x", 8), 0o644)
	assert.NoError(t, err)
	assert.Equal(t, int64(2), fs.LiveNodes())
}

func TestCreate_ParentNotDirectory(t *testing.T) {
	t.Parallel()
	fs, _ := newTestFS(t)
	ctx := testCtx()

	f, err := fs.CreateFile(ctx, fs.Root(), "f", 0o644)
	require.NoError(t, err)
	_, err = fs.CreateFile(ctx, f, "child", 0o644)
	assert.ErrorIs(t, err, ErrNotDirectory)
	_, err = fs.Lookup(ctx, f, "child")
	assert.ErrorIs(t, err, ErrNotDirectory)
}

func TestCreateSpecial(t *testing.T) {
	t.Parallel()
	fs, _ := newTestFS(t)
	ctx := testCtx()

	dev := DeviceInfo{Major: 1, Minor: 3}
	n, err := fs.CreateSpecial(ctx, fs.Root(), "null", syscall.S_IFCHR|0o666, dev)
	require.NoError(t, err)
	assert.Equal(t, KindSpecial, n.Kind())
	got, ok := n.Device()
	require.True(t, ok)
	assert.Equal(t, dev, got)
	assert.Equal(t, dev.Rdev(), n.CopyAttr().Rdev)
	assert.Equal(t, uint32(syscall.S_IFCHR), n.CopyAttr().Mode&syscall.S_IFMT)

	fifo, err := fs.CreateSpecial(ctx, fs.Root(), "pipe", syscall.S_IFIFO|0o644, DeviceInfo{})
	require.NoError(t, err)
	assert.Equal(t, KindSpecial, fifo.Kind())

	// mknod without a type or with S_IFREG makes a regular file
	for i, mode := range []uint32{0o644, syscall.S_IFREG | 0o644} {
		reg, err := fs.CreateSpecial(ctx, fs.Root(), fmt.Sprintf("reg%d", i), mode, DeviceInfo{})
		require.NoError(t, err)
		assert.Equal(t, KindFile, reg.Kind())
		_, hasData := reg.Storage()
		assert.True(t, hasData)
	}

	_, err = fs.CreateSpecial(ctx, fs.Root(), "dir", syscall.S_IFDIR|0o755, DeviceInfo{})
	assert.ErrorIs(t, err, ErrInvalidOperation)

	_, err = fs.Open(ctx, n, os.O_RDONLY)
	assert.ErrorIs(t, err, ErrInvalidOperation)
}

func TestMakeDirectory(t *testing.T) {
	t.Parallel()
	fs, _ := newTestFS(t)
	ctx := testCtx()
	root := fs.Root()
	require.Equal(t, uint32(2), root.Nlink())

	a, err := fs.MakeDirectory(ctx, root, "a", 0o755)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), a.Nlink(), "entry plus its own '.'")
	assert.Equal(t, uint32(3), root.Nlink(), "'..' of a")
	assert.Same(t, root, a.Parent())

	b, err := fs.MakeDirectory(ctx, a, "b", 0o700)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), a.Nlink())

	dot, err := fs.Lookup(ctx, b, ".")
	require.NoError(t, err)
	assert.Same(t, b, dot)
	dotdot, err := fs.Lookup(ctx, b, "..")
	require.NoError(t, err)
	assert.Same(t, a, dotdot)
	rootUp, err := fs.Lookup(ctx, root, "..")
	require.NoError(t, err)
	assert.Same(t, root, rootUp)

	_, err = fs.MakeDirectory(ctx, root, "a", 0o755)
	assert.ErrorIs(t, err, ErrAlreadyExists)
	assert.Equal(t, uint32(3), root.Nlink(), "failed mkdir leaves the parent alone")
}

func TestLink(t *testing.T) {
	t.Parallel()
	fs, binding := newTestFS(t)
	ctx := testCtx()
	root := fs.Root()

	f, err := fs.CreateFile(ctx, root, "f.txt", 0o644)
	require.NoError(t, err)

	require.NoError(t, fs.Link(ctx, root, "f2.txt", f))
	assert.Equal(t, uint32(2), f.Nlink())
	got, err := fs.Lookup(ctx, root, "f2.txt")
	require.NoError(t, err)
	assert.Same(t, f, got)

	require.NoError(t, fs.Unlink(ctx, root, "f.txt"))
	assert.Equal(t, uint32(1), f.Nlink())
	_, err = fs.Node(f.ID())
	assert.NoError(t, err, "still alive through f2.txt")
	assert.Equal(t, int64(1), binding.Handles())

	require.NoError(t, fs.Unlink(ctx, root, "f2.txt"))
	_, err = fs.Node(f.ID())
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, binding.Handles(), "storage released")

	assert.ErrorIs(t, fs.Link(ctx, root, "again", f), ErrNotFound, "cannot link a dead node")
}

func TestLink_Errors(t *testing.T) {
	t.Parallel()
	fs, _ := newTestFS(t)
	ctx := testCtx()
	root := fs.Root()

	dir, err := fs.MakeDirectory(ctx, root, "d", 0o755)
	require.NoError(t, err)
	assert.ErrorIs(t, fs.Link(ctx, root, "d2", dir), ErrInvalidOperation)

	f, err := fs.CreateFile(ctx, root, "f", 0o644)
	require.NoError(t, err)
	assert.ErrorIs(t, fs.Link(ctx, root, "f", f), ErrAlreadyExists)
	assert.Equal(t, uint32(1), f.Nlink(), "failed link is rolled back")
}

func TestUnlink(t *testing.T) {
	t.Parallel()
	fs, _ := newTestFS(t)
	ctx := testCtx()
	root := fs.Root()

	_, err := fs.CreateFile(ctx, root, "f", 0o644)
	require.NoError(t, err)
	require.NoError(t, fs.Unlink(ctx, root, "f"))
	_, err = fs.Lookup(ctx, root, "f")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, fs.Unlink(ctx, root, "f"), ErrNotFound)

	_, err = fs.MakeDirectory(ctx, root, "d", 0o755)
	require.NoError(t, err)
	err = fs.Unlink(ctx, root, "d")
	assert.ErrorIs(t, err, ErrIsDirectory)
	assert.Equal(t, syscall.EISDIR, ToErrno(err))
}

func TestRemoveDirectory(t *testing.T) {
	t.Parallel()
	fs, _ := newTestFS(t)
	ctx := testCtx()
	root := fs.Root()

	d, err := fs.MakeDirectory(ctx, root, "d", 0o755)
	require.NoError(t, err)
	_, err = fs.CreateFile(ctx, d, "f", 0o644)
	require.NoError(t, err)
	rootLinks := root.Nlink()

	err = fs.RemoveDirectory(ctx, root, "d")
	assert.ErrorIs(t, err, ErrDirectoryNotEmpty)
	assert.Equal(t, rootLinks, root.Nlink())

	// the failed rmdir did not kill the directory
	_, err = fs.CreateFile(ctx, d, "g", 0o644)
	require.NoError(t, err)
	require.NoError(t, fs.Unlink(ctx, d, "f"))
	require.NoError(t, fs.Unlink(ctx, d, "g"))

	require.NoError(t, fs.RemoveDirectory(ctx, root, "d"))
	assert.Equal(t, rootLinks-1, root.Nlink())
	_, err = fs.Lookup(ctx, root, "d")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = fs.Node(d.ID())
	assert.ErrorIs(t, err, ErrNotFound)

	// creating inside a removed directory fails
	_, err = fs.CreateFile(ctx, d, "late", 0o644)
	assert.ErrorIs(t, err, ErrNotFound)

	f, err := fs.CreateFile(ctx, root, "file", 0o644)
	require.NoError(t, err)
	assert.ErrorIs(t, fs.RemoveDirectory(ctx, root, "file"), ErrNotDirectory)
	assert.Equal(t, uint32(1), f.Nlink())
}

func TestResolve(t *testing.T) {
	t.Parallel()
	fs, _ := newTestFS(t)
	ctx := testCtx()

	a, err := fs.MakeDirectory(ctx, fs.Root(), "a", 0o755)
	require.NoError(t, err)
	b, err := fs.MakeDirectory(ctx, a, "b", 0o755)
	require.NoError(t, err)
	f, err := fs.CreateFile(ctx, b, "f.txt", 0o644)
	require.NoError(t, err)

	tests := []struct {
		path string
		want *Node
	}{
		{"/", fs.Root()},
		{"", fs.Root()},
		{"/a", a},
		{"a/b", b},
		{"/a/b/f.txt", f},
		{"/a/./b/../b/f.txt", f},
		{"//a//b/", b},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, err := fs.Resolve(ctx, tt.path)
			require.NoError(t, err)
			assert.Same(t, tt.want, got)
		})
	}

	_, err = fs.Resolve(ctx, "/a/missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = fs.Resolve(ctx, "/a/b/f.txt/x")
	assert.ErrorIs(t, err, ErrNotDirectory)

	parent, name, err := fs.ResolveParent(ctx, "/a/b/new.txt")
	require.NoError(t, err)
	assert.Same(t, b, parent)
	assert.Equal(t, "new.txt", name)

	_, _, err = fs.ResolveParent(ctx, "/")
	assert.ErrorIs(t, err, ErrInvalidOperation)
	_, _, err = fs.ResolveParent(ctx, "/a/b/f.txt/x")
	assert.ErrorIs(t, err, ErrNotDirectory)
}

func TestReadOnlyMount(t *testing.T) {
	t.Parallel()
	fs, _ := newTestFS(t, func(cfg *config.Config) { cfg.ReadOnly = true })
	ctx := testCtx()
	root := fs.Root()

	_, err := fs.CreateFile(ctx, root, "f", 0o644)
	assert.ErrorIs(t, err, ErrReadOnly)
	_, err = fs.MakeDirectory(ctx, root, "d", 0o755)
	assert.ErrorIs(t, err, ErrReadOnly)
	assert.ErrorIs(t, fs.Unlink(ctx, root, "f"), ErrReadOnly)
	assert.ErrorIs(t, fs.Rename(ctx, root, "a", root, "b", 0), ErrReadOnly)
	_, err = fs.SetAttr(ctx, root, AttrChange{Mode: util.Pointer[uint32](0o700)})
	assert.ErrorIs(t, err, ErrReadOnly)
	assert.Equal(t, syscall.EROFS, ToErrno(err))

	entries, err := fs.ReadDir(ctx, root)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestGetSetAttr(t *testing.T) {
	t.Parallel()
	fs, _ := newTestFS(t)
	ctx := testCtx()

	n, err := fs.CreateFile(ctx, fs.Root(), "f", 0o644)
	require.NoError(t, err)
	file, err := fs.Open(ctx, n, os.O_RDWR)
	require.NoError(t, err)
	defer file.Close()
	_, err = file.Write(bytes.Repeat([]byte("x"), 1000))
	require.NoError(t, err)

	attr, err := fs.GetAttr(ctx, n)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), attr.Size)
	assert.Equal(t, uint64(2), attr.Blocks)
	assert.Equal(t, n.ID(), attr.Ino)

	mtime := time.Unix(1_700_000_000, 42)
	attr, err = fs.SetAttr(ctx, n, AttrChange{
		Mode:  util.Pointer[uint32](0o600),
		Uid:   util.Pointer[uint32](7),
		Gid:   util.Pointer[uint32](8),
		Size:  util.Pointer[uint64](10),
		Mtime: &mtime,
	})
	require.NoError(t, err)
	assert.Equal(t, uint32(syscall.S_IFREG|0o600), attr.Mode, "type bits preserved")
	assert.Equal(t, uint32(7), attr.Uid)
	assert.Equal(t, uint32(8), attr.Gid)
	assert.Equal(t, uint64(10), attr.Size)
	assert.Equal(t, uint64(mtime.Unix()), attr.Mtime)
	assert.Equal(t, uint32(42), attr.Mtimensec)

	_, err = fs.SetAttr(ctx, fs.Root(), AttrChange{Size: util.Pointer[uint64](0)})
	assert.ErrorIs(t, err, ErrIsDirectory)
}

func TestSetAttr_SizeLimit(t *testing.T) {
	t.Parallel()
	fs, _ := newTestFS(t, func(cfg *config.Config) { cfg.MaxFileSize = 100 })
	ctx := testCtx()

	n, err := fs.CreateFile(ctx, fs.Root(), "f", 0o644)
	require.NoError(t, err)
	_, err = fs.SetAttr(ctx, n, AttrChange{Size: util.Pointer[uint64](101)})
	assert.ErrorIs(t, err, ErrFileTooLarge)
	assert.Equal(t, syscall.EFBIG, ToErrno(err))
}

func TestReadDir(t *testing.T) {
	t.Parallel()
	fs, _ := newTestFS(t)
	ctx := testCtx()
	root := fs.Root()

	f, err := fs.CreateFile(ctx, root, "b.txt", 0o644)
	require.NoError(t, err)
	d, err := fs.MakeDirectory(ctx, root, "a", 0o755)
	require.NoError(t, err)
	c, err := fs.CreateSpecial(ctx, root, "c", syscall.S_IFCHR|0o600, DeviceInfo{Major: 1, Minor: 5})
	require.NoError(t, err)

	entries, err := fs.ReadDir(ctx, root)
	require.NoError(t, err)
	assert.Equal(t, []DirEntry{
		{Name: "a", ID: d.ID(), Mode: syscall.S_IFDIR},
		{Name: "b.txt", ID: f.ID(), Mode: syscall.S_IFREG},
		{Name: "c", ID: c.ID(), Mode: syscall.S_IFCHR},
	}, entries)

	_, err = fs.ReadDir(ctx, f)
	assert.ErrorIs(t, err, ErrNotDirectory)
}

func TestStatFs(t *testing.T) {
	t.Parallel()
	fs, _ := newTestFS(t, func(cfg *config.Config) { cfg.MaxNodes = 10 })
	ctx := testCtx()

	_, err := fs.CreateFile(ctx, fs.Root(), "f", 0o644)
	require.NoError(t, err)

	st, err := fs.StatFs(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xBEEFCAFE), st.Type)
	assert.Equal(t, uint32(4096), st.BlockSize)
	assert.Equal(t, uint32(255), st.NameLen)
	assert.Equal(t, uint64(2), st.Files)
	assert.Equal(t, uint64(8), st.FilesFree)
}

func TestCanceledContext(t *testing.T) {
	t.Parallel()
	fs, _ := newTestFS(t)
	ctx, cancel := context.WithCancel(testCtx())
	cancel()

	_, err := fs.CreateFile(ctx, fs.Root(), "f", 0o644)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int64(1), fs.LiveNodes())
}

// Mount, mkdir, create, write/read, unlink, rmdir, unmount
func TestScenario_CreateWriteReadRemove(t *testing.T) {
	t.Parallel()
	cfg := createTestConfig()
	binding := storage.NewMemoryBinding(cfg.PageSize)
	fs, err := Mount(cfg, binding)
	require.NoError(t, err)
	ctx := testCtx()
	root := fs.Root()

	a, err := fs.MakeDirectory(ctx, root, "a", 0o755)
	require.NoError(t, err)
	f, err := fs.CreateFile(ctx, a, "f.txt", 0o644)
	require.NoError(t, err)

	data := make([]byte, 100)
	for i := range data {
		data[i] = byte(i)
	}
	file, err := fs.Open(ctx, f, os.O_RDWR)
	require.NoError(t, err)
	n, err := file.WriteAt(data, 0)
	require.NoError(t, err)
	assert.Equal(t, 100, n)
	got := make([]byte, 100)
	n, err = file.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, 100, n)
	assert.Equal(t, data, got)
	require.NoError(t, file.Close())

	require.NoError(t, fs.Unlink(ctx, a, "f.txt"))
	_, err = fs.Lookup(ctx, a, "f.txt")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, fs.RemoveDirectory(ctx, root, "a"))

	require.NoError(t, fs.Unmount(context.Background()))
	assert.Zero(t, fs.LiveNodes())
	assert.Zero(t, binding.Handles())
}

// Hard link keeps the node alive until the last name goes
func TestScenario_HardLink(t *testing.T) {
	t.Parallel()
	fs, binding := newTestFS(t)
	ctx := testCtx()
	root := fs.Root()

	f, err := fs.CreateFile(ctx, root, "f.txt", 0o644)
	require.NoError(t, err)
	before := f.Nlink()

	require.NoError(t, fs.Link(ctx, root, "f2.txt", f))
	assert.Equal(t, before+1, f.Nlink())

	require.NoError(t, fs.Unlink(ctx, root, "f2.txt"))
	assert.Equal(t, uint32(1), f.Nlink())
	_, err = fs.Node(f.ID())
	require.NoError(t, err)

	require.NoError(t, fs.Unlink(ctx, root, "f.txt"))
	_, err = fs.Node(f.ID())
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, binding.Handles())
	assert.Equal(t, int64(1), fs.LiveNodes(), "only the root remains")
}
