package filesystem

import (
	"context"
	"errors"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/brettbedarf/memfs"
	"github.com/brettbedarf/memfs/config"
	"github.com/brettbedarf/memfs/metrics"
	"github.com/brettbedarf/memfs/storage"
	"github.com/google/uuid"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMount_Root(t *testing.T) {
	t.Parallel()
	owner := Caller{Uid: 42, Gid: 43}
	cfg := createTestConfig()
	cfg.RootMode = 0o700
	fs, err := Mount(cfg, storage.NewMemoryBinding(cfg.PageSize), WithRootOwner(owner))
	require.NoError(t, err)
	defer fs.Unmount(context.Background())

	root := fs.Root()
	assert.Equal(t, uint64(fuse.FUSE_ROOT_ID), root.ID())
	assert.True(t, root.IsDir())
	assert.Nil(t, root.Parent())
	assert.Equal(t, uint32(2), root.Nlink(), "'.' plus the superblock anchor")

	attr := root.CopyAttr()
	assert.Equal(t, uint32(syscall.S_IFDIR|0o700), attr.Mode)
	assert.Equal(t, owner.Uid, attr.Uid)
	assert.Equal(t, owner.Gid, attr.Gid)

	got, err := fs.Node(fuse.FUSE_ROOT_ID)
	require.NoError(t, err)
	assert.Same(t, root, got)

	sb := fs.Superblock()
	assert.NotEqual(t, uuid.Nil, sb.ID)
	assert.Same(t, root, sb.Root)
	assert.Equal(t, config.Magic, sb.Magic)
	assert.Equal(t, uint32(4096), sb.BlockSize)
	assert.Equal(t, uint8(12), sb.BlockSizeBits)
	assert.Equal(t, int64(1), fs.LiveNodes())
}

func TestMount_IndependentInstances(t *testing.T) {
	t.Parallel()
	a, _ := newTestFS(t)
	b, _ := newTestFS(t)
	ctx := testCtx()

	assert.NotEqual(t, a.Superblock().ID, b.Superblock().ID)
	_, err := a.CreateFile(ctx, a.Root(), "only-in-a", 0o644)
	require.NoError(t, err)
	_, err = b.Lookup(ctx, b.Root(), "only-in-a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMount_InvalidArguments(t *testing.T) {
	t.Parallel()
	cfg := createTestConfig()
	_, err := Mount(cfg, nil)
	assert.ErrorIs(t, err, ErrInvalidOperation)

	bad := createTestConfig()
	bad.BlockSize = 3000
	_, err = Mount(bad, storage.NewMemoryBinding(4096))
	assert.Error(t, err)
}

func TestUnmount_DestroysEverything(t *testing.T) {
	t.Parallel()
	cfg := createTestConfig()
	binding := storage.NewMemoryBinding(cfg.PageSize)
	reg := prometheus.NewRegistry()
	fs, err := Mount(cfg, binding, WithMetrics(metrics.New(reg)))
	require.NoError(t, err)
	ctx := testCtx()

	// a small tree with hard links, an open unlinked file and a deep chain
	a, err := fs.MakeDirectory(ctx, fs.Root(), "a", 0o755)
	require.NoError(t, err)
	f, err := fs.CreateFile(ctx, a, "f", 0o644)
	require.NoError(t, err)
	require.NoError(t, fs.Link(ctx, fs.Root(), "f-link", f))
	_, err = fs.CreateSpecial(ctx, a, "dev", syscall.S_IFBLK|0o600, DeviceInfo{Major: 8})
	require.NoError(t, err)
	orphan, err := fs.CreateFile(ctx, fs.Root(), "orphan", 0o644)
	require.NoError(t, err)
	handle, err := fs.Open(ctx, orphan, os.O_RDWR)
	require.NoError(t, err)
	require.NoError(t, fs.Unlink(ctx, fs.Root(), "orphan"))

	dir := a
	for range 200 {
		dir, err = fs.MakeDirectory(ctx, dir, "d", 0o755)
		require.NoError(t, err)
	}
	require.Equal(t, int64(205), fs.LiveNodes())

	require.NoError(t, fs.Unmount(context.Background()))
	assert.Zero(t, fs.LiveNodes())
	assert.Zero(t, binding.Handles())
	assert.Zero(t, binding.AllocatedBytes())

	families, err := reg.Gather()
	require.NoError(t, err)
	for _, fam := range families {
		if fam.GetName() != "memfs_nodes_live" {
			continue
		}
		for _, m := range fam.GetMetric() {
			assert.Zero(t, m.GetGauge().GetValue())
		}
	}

	assert.NoError(t, handle.Close())
}

func TestUnmount_RejectsNewOperations(t *testing.T) {
	t.Parallel()
	fs, _ := newTestFS(t)
	ctx := testCtx()
	root := fs.Root()
	require.NoError(t, fs.Unmount(context.Background()))

	_, err := fs.Lookup(ctx, root, "x")
	assert.ErrorIs(t, err, ErrUnmounted)
	_, err = fs.CreateFile(ctx, root, "x", 0o644)
	assert.ErrorIs(t, err, ErrUnmounted)
	_, err = fs.StatFs(ctx)
	assert.ErrorIs(t, err, ErrUnmounted)
	_, err = fs.Node(fuse.FUSE_ROOT_ID)
	assert.ErrorIs(t, err, ErrUnmounted)

	assert.NoError(t, fs.Unmount(context.Background()), "second unmount is a no-op")
}

func TestUnmount_BusyWhileOperationsInFlight(t *testing.T) {
	t.Parallel()
	fs, _ := newTestFS(t)
	ctx := testCtx()

	// hold an operation open the way a blocked storage call would
	require.NoError(t, fs.gate.enter())

	tctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := fs.Unmount(tctx)
	assert.ErrorIs(t, err, ErrBusy)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, syscall.EBUSY, ToErrno(err))

	_, err = fs.Lookup(ctx, fs.Root(), "x")
	assert.ErrorIs(t, err, ErrUnmounted, "no new operations once unmount started")

	fs.gate.exit()
	require.NoError(t, fs.Unmount(context.Background()))
	assert.Zero(t, fs.LiveNodes())
}

// closingBinding records whether the filesystem closed it
type closingBinding struct {
	memfs.FileBinding
	closed bool
	err    error
}

func (b *closingBinding) Close() error {
	b.closed = true
	return b.err
}

func TestUnmount_ClosesBinding(t *testing.T) {
	t.Parallel()
	cfg := createTestConfig()
	boom := errors.New("close failed")
	binding := &closingBinding{FileBinding: storage.NewMemoryBinding(cfg.PageSize), err: boom}
	fs, err := Mount(cfg, binding)
	require.NoError(t, err)

	err = fs.Unmount(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.True(t, binding.closed)
	assert.Zero(t, fs.LiveNodes())
}

func TestFSType_Registry(t *testing.T) {
	t.Parallel()
	newBinding := func(cfg *config.Config) (memfs.FileBinding, error) {
		return storage.NewMemoryBinding(cfg.PageSize), nil
	}
	ft := &FSType{Name: "memfs-registry-test", NewBinding: newBinding}

	assert.ErrorIs(t, Register(nil), ErrInvalidOperation)
	assert.ErrorIs(t, Register(&FSType{Name: "no-binding"}), ErrInvalidOperation)

	require.NoError(t, Register(ft))
	require.NoError(t, Register(ft), "same descriptor again")
	clash := &FSType{Name: ft.Name, NewBinding: newBinding}
	assert.ErrorIs(t, Register(clash), ErrAlreadyExists)

	got, err := LookupType(ft.Name)
	require.NoError(t, err)
	assert.Same(t, ft, got)

	fs, err := ft.Mount(createTestConfig())
	require.NoError(t, err)
	assert.Equal(t, 1, ft.Mounted())
	assert.ErrorIs(t, Unregister(ft), ErrBusy)

	require.NoError(t, fs.Unmount(context.Background()))
	assert.Zero(t, ft.Mounted())
	require.NoError(t, fs.Unmount(context.Background()))
	assert.Zero(t, ft.Mounted(), "repeated unmount counts once")

	require.NoError(t, Unregister(ft))
	require.NoError(t, Unregister(ft), "unknown type")
	_, err = LookupType(ft.Name)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = ft.Mount(nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFSType_MountBindingFailure(t *testing.T) {
	t.Parallel()
	boom := errors.New("no backing store")
	ft := &FSType{
		Name: "memfs-failing-test",
		NewBinding: func(*config.Config) (memfs.FileBinding, error) {
			return nil, boom
		},
	}
	require.NoError(t, Register(ft))
	t.Cleanup(func() { _ = Unregister(ft) })

	_, err := ft.Mount(nil)
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, err, ErrOutOfResources)
	assert.Zero(t, ft.Mounted())
}

// closedMemoryBinding records whether the binding was closed
type closedMemoryBinding struct {
	*storage.MemoryBinding
	closed bool
}

func (b *closedMemoryBinding) Close() error {
	b.closed = true
	return nil
}

func TestFSType_MountFailureClosesBinding(t *testing.T) {
	t.Parallel()
	var built []*closedMemoryBinding
	ft := &FSType{
		Name: "memfs-closing-test",
		NewBinding: func(cfg *config.Config) (memfs.FileBinding, error) {
			b := &closedMemoryBinding{MemoryBinding: storage.NewMemoryBinding(cfg.PageSize)}
			built = append(built, b)
			// leave the geometry unusable so the instance cannot mount
			cfg.BlockSize = 3
			return b, nil
		},
	}
	require.NoError(t, Register(ft))
	t.Cleanup(func() { _ = Unregister(ft) })

	t.Run("invalid config never builds a binding", func(t *testing.T) {
		cfg := createTestConfig()
		cfg.BlockSize = 1000
		_, err := ft.Mount(cfg)
		assert.Error(t, err)
		assert.Empty(t, built)
		assert.Zero(t, ft.Mounted())
	})

	t.Run("failed mount closes the binding", func(t *testing.T) {
		_, err := ft.Mount(createTestConfig())
		assert.Error(t, err)
		require.Len(t, built, 1)
		assert.True(t, built[0].closed)
		assert.Zero(t, ft.Mounted())
	})
}

func TestToErrno(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err  error
		want syscall.Errno
	}{
		{nil, 0},
		{ErrNotFound, syscall.ENOENT},
		{ErrAlreadyExists, syscall.EEXIST},
		{ErrDirectoryNotEmpty, syscall.ENOTEMPTY},
		{ErrInvalidOperation, syscall.EINVAL},
		{ErrOutOfResources, syscall.ENOMEM},
		{ErrUnmounted, syscall.EIO},
		{syscall.EPERM, syscall.EPERM},
		{errors.New("unknown"), syscall.EIO},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ToErrno(tt.err), "%v", tt.err)
	}
}

func TestConcurrentNamespaceOperations(t *testing.T) {
	t.Parallel()
	fs, _ := newTestFS(t)
	ctx := testCtx()
	root := fs.Root()

	const workers = 16
	done := make(chan error, workers)
	for i := range workers {
		go func() {
			done <- func() error {
				name := string(rune('a' + i))
				d, err := fs.MakeDirectory(ctx, root, name, 0o755)
				if err != nil {
					return err
				}
				for j := range 20 {
					child := string(rune('a' + j))
					if _, err := fs.CreateFile(ctx, d, child, 0o644); err != nil {
						return err
					}
					if err := fs.Unlink(ctx, d, child); err != nil {
						return err
					}
				}
				return fs.RemoveDirectory(ctx, root, name)
			}()
		}()
	}
	for range workers {
		require.NoError(t, <-done)
	}
	assert.Equal(t, uint32(2), root.Nlink())
	assert.Equal(t, int64(1), fs.LiveNodes())
}
