package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/brettbedarf/memfs/config"
	"github.com/brettbedarf/memfs/filesystem"
	wfuse "github.com/brettbedarf/memfs/fuse"
	"github.com/brettbedarf/memfs/internal/util"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/hashicorp/go-multierror"
)

var ErrAlreadyServing = errors.New("filesystem is already being served")

// MemFs contains a mounted filesystem instance with abstractions over the
// underlying FUSE wire protocol implementation
type MemFs struct {
	*filesystem.FileSystem
	cfg    *config.Config
	raw    *wfuse.FuseRaw
	server *fuse.Server
}

// New mounts a new instance of fstype configured by cfg. The instance is not
// visible to the kernel until [MemFs.Serve].
func New(cfg *config.Config, fstype *filesystem.FSType, opts ...filesystem.MountOption) (*MemFs, error) {
	fs, err := fstype.Mount(cfg, opts...)
	if err != nil {
		return nil, err
	}
	return &MemFs{
		FileSystem: fs,
		cfg:        fs.Config(),
		raw:        wfuse.NewFuseRaw(fs),
	}, nil
}

// Raw returns the FUSE bridge serving this instance
func (fs *MemFs) Raw() *wfuse.FuseRaw {
	return fs.raw
}

// MountOptions builds the go-fuse mount options for this instance
func (fs *MemFs) MountOptions() *fuse.MountOptions {
	opts := fs.cfg.MountOptions
	mo := &fuse.MountOptions{
		Name:   opts.Name,
		FsName: opts.FsName,
		Debug:  opts.Debug || fs.cfg.LogLvl == util.TraceLevel,
		Logger: util.NewLogLogger("FuseServer", util.TraceLevel),
	}
	if opts.ReadOnly {
		mo.Options = append(mo.Options, "ro")
	}
	return mo
}

// Serve mounts and serves the filesystem at the given mountPoint.
func (fs *MemFs) Serve(mountPoint string) error {
	if fs.server != nil {
		return ErrAlreadyServing
	}
	srv, err := fuse.NewServer(fs.raw, mountPoint, fs.MountOptions())
	if err != nil {
		return fmt.Errorf("mount %s: %w", mountPoint, err)
	}
	fs.server = srv

	go srv.Serve()
	return srv.WaitMount()
}

func (fs *MemFs) ServeAsync(mountPoint string) <-chan error {
	done := make(chan error, 1)

	go func() {
		done <- fs.Serve(mountPoint)
		close(done)
	}()

	return done
}

// Unmount detaches the filesystem from the kernel if it is served and then
// tears the instance down. ctx bounds the wait for in-flight operations.
func (fs *MemFs) Unmount(ctx context.Context) error {
	logger := util.GetLogger("MemFs.Unmount")
	var errs *multierror.Error
	if fs.server != nil {
		if err := fs.server.Unmount(); err != nil {
			logger.Error().Err(err).Msg("Failed to detach fuse server")
			errs = multierror.Append(errs, err)
		} else {
			fs.server.Wait()
		}
	}
	// the kernel drops its lookups at unmount; also covers never served instances
	fs.raw.OnUnmount()
	if err := fs.FileSystem.Unmount(ctx); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}
