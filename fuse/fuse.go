package fuse

import (
	"context"
	"errors"
	"io"
	"syscall"
	"time"

	"github.com/brettbedarf/memfs/config"
	"github.com/brettbedarf/memfs/filesystem"
	"github.com/brettbedarf/memfs/internal/util"
	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"
)

// FuseRaw implements the low-level FUSE wire protocol
// It serves as protocol adapter between the FUSE and core filesystem
// See https://www.man7.org/linux//man-pages/man4/fuse.4.html
type FuseRaw struct {
	fuse.RawFileSystem
	fs      *filesystem.FileSystem
	nodes   *NodeRegistry
	handles *HandleTable
	server  *fuse.Server

	attrTimeout  time.Duration
	entryTimeout time.Duration
}

var _ fuse.RawFileSystem = (*FuseRaw)(nil)

func NewFuseRaw(fs *filesystem.FileSystem) *FuseRaw {
	cfg := fs.Config()
	return &FuseRaw{
		RawFileSystem: fuse.NewDefaultRawFileSystem(),
		fs:            fs,
		nodes:         NewNodeRegistry(fs),
		handles:       NewHandleTable(),
		attrTimeout:   seconds(cfg.AttrTimeout),
		entryTimeout:  seconds(cfg.EntryTimeout),
	}
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func (r *FuseRaw) Init(s *fuse.Server) {
	logger := util.GetLogger("Fuse.Init")
	logger.Debug().Msg("FUSE initialized")
	r.server = s
}

// OnUnmount drops everything the kernel held so the core can tear down.
func (r *FuseRaw) OnUnmount() {
	logger := util.GetLogger("Fuse.OnUnmount")
	r.handles.CloseAll()
	r.nodes.ForgetAll()
	logger.Info().Msg("FUSE unmounted")
}

func (r *FuseRaw) String() string {
	return config.DefaultFsName
}

// requestContext carries the caller's credentials and the kernel's
// interrupt signal into the core.
func requestContext(cancel <-chan struct{}, header *fuse.InHeader) context.Context {
	ctx := &fuse.Context{Caller: header.Caller, Cancel: cancel}
	return filesystem.WithCaller(ctx, filesystem.Caller{Uid: header.Uid, Gid: header.Gid})
}

// status converts a core error to a FUSE status
func status(op string, err error) fuse.Status {
	if err == nil {
		return fuse.OK
	}
	errno := filesystem.ToErrno(err)
	logger := util.GetLogger("Fuse." + op)
	if errno == syscall.EIO {
		logger.Error().Err(err).Msg("Operation failed")
	} else {
		logger.Debug().Err(err).Str("errno", errno.Error()).Msg("Operation failed")
	}
	return fuse.Status(errno)
}

// Access called when the kernel wants to know if the user has permission to access the node.
// If the 'default_permissions' mount option is given, this method is not called.
func (r *FuseRaw) Access(cancel <-chan struct{}, input *fuse.AccessIn) fuse.Status {
	_, err := r.nodes.Node(input.NodeId)
	return status("Access", err)
}

// Lookup is called by the kernel when the VFS wants to know
// about a file inside a directory. Many lookup calls can
// occur in parallel, but only one call happens for each (dir,
// name) pair.
func (r *FuseRaw) Lookup(cancel <-chan struct{}, header *fuse.InHeader, name string, out *fuse.EntryOut) fuse.Status {
	logger := util.GetLogger("Fuse.Lookup")
	logger.Trace().Uint64("parent", header.NodeId).Str("name", name).Msg("Lookup called")

	ctx := requestContext(cancel, header)
	parent, err := r.nodes.Node(header.NodeId)
	if err != nil {
		return status("Lookup", err)
	}
	child, err := r.fs.Lookup(ctx, parent, name)
	if err != nil {
		return status("Lookup", err)
	}
	return status("Lookup", r.fillEntry(ctx, child, out))
}

// fillEntry answers a request that hands a node to the kernel, counting it
// as one lookup.
func (r *FuseRaw) fillEntry(ctx context.Context, n *filesystem.Node, out *fuse.EntryOut) error {
	attr, err := r.fs.GetAttr(ctx, n)
	if err != nil {
		return err
	}
	if err := r.nodes.Remember(n); err != nil {
		return err
	}
	out.NodeId = n.ID()
	out.Attr = attr
	out.SetEntryTimeout(r.entryTimeout)
	out.SetAttrTimeout(r.attrTimeout)
	return nil
}

// Forget is called when the kernel discards entries from its
// dentry cache. This happens on unmount, and when the kernel
// is short on memory. Since it is not guaranteed to occur at
// any moment, and since there is no return value, Forget
// should not do I/O, as there is no channel to report back
// I/O errors.
func (r *FuseRaw) Forget(nodeid, nlookup uint64) {
	r.nodes.Forget(nodeid, nlookup)
}

func (r *FuseRaw) GetAttr(cancel <-chan struct{}, input *fuse.GetAttrIn, out *fuse.AttrOut) fuse.Status {
	ctx := requestContext(cancel, &input.InHeader)
	n, err := r.nodes.Node(input.NodeId)
	if err != nil {
		return status("GetAttr", err)
	}
	attr, err := r.fs.GetAttr(ctx, n)
	if err != nil {
		return status("GetAttr", err)
	}
	out.Attr = attr
	out.SetTimeout(r.attrTimeout)
	return fuse.OK
}

func (r *FuseRaw) SetAttr(cancel <-chan struct{}, input *fuse.SetAttrIn, out *fuse.AttrOut) fuse.Status {
	ctx := requestContext(cancel, &input.InHeader)
	n, err := r.nodes.Node(input.NodeId)
	if err != nil {
		return status("SetAttr", err)
	}
	attr, err := r.fs.SetAttr(ctx, n, attrChange(input, time.Now()))
	if err != nil {
		return status("SetAttr", err)
	}
	out.Attr = attr
	out.SetTimeout(r.attrTimeout)
	return fuse.OK
}

// attrChange translates the kernel's setattr request
func attrChange(input *fuse.SetAttrIn, now time.Time) filesystem.AttrChange {
	var change filesystem.AttrChange
	if mode, ok := input.GetMode(); ok {
		change.Mode = util.Pointer(mode & 0o7777)
	}
	if uid, ok := input.GetUID(); ok {
		change.Uid = util.Pointer(uid)
	}
	if gid, ok := input.GetGID(); ok {
		change.Gid = util.Pointer(gid)
	}
	if size, ok := input.GetSize(); ok {
		change.Size = util.Pointer(size)
	}
	if input.Valid&fuse.FATTR_ATIME_NOW != 0 {
		change.Atime = util.Pointer(now)
	} else if atime, ok := input.GetATime(); ok {
		change.Atime = util.Pointer(atime)
	}
	if input.Valid&fuse.FATTR_MTIME_NOW != 0 {
		change.Mtime = util.Pointer(now)
	} else if mtime, ok := input.GetMTime(); ok {
		change.Mtime = util.Pointer(mtime)
	}
	return change
}

func (r *FuseRaw) Mknod(cancel <-chan struct{}, input *fuse.MknodIn, name string, out *fuse.EntryOut) fuse.Status {
	ctx := requestContext(cancel, &input.InHeader)
	parent, err := r.nodes.Node(input.NodeId)
	if err != nil {
		return status("Mknod", err)
	}
	dev := filesystem.DeviceInfo{
		Major: unix.Major(uint64(input.Rdev)),
		Minor: unix.Minor(uint64(input.Rdev)),
	}
	n, err := r.fs.CreateSpecial(ctx, parent, name, input.Mode, dev)
	if err != nil {
		return status("Mknod", err)
	}
	return status("Mknod", r.fillEntry(ctx, n, out))
}

func (r *FuseRaw) Mkdir(cancel <-chan struct{}, input *fuse.MkdirIn, name string, out *fuse.EntryOut) fuse.Status {
	ctx := requestContext(cancel, &input.InHeader)
	parent, err := r.nodes.Node(input.NodeId)
	if err != nil {
		return status("Mkdir", err)
	}
	n, err := r.fs.MakeDirectory(ctx, parent, name, input.Mode)
	if err != nil {
		return status("Mkdir", err)
	}
	return status("Mkdir", r.fillEntry(ctx, n, out))
}

func (r *FuseRaw) Unlink(cancel <-chan struct{}, header *fuse.InHeader, name string) fuse.Status {
	parent, err := r.nodes.Node(header.NodeId)
	if err != nil {
		return status("Unlink", err)
	}
	return status("Unlink", r.fs.Unlink(requestContext(cancel, header), parent, name))
}

func (r *FuseRaw) Rmdir(cancel <-chan struct{}, header *fuse.InHeader, name string) fuse.Status {
	parent, err := r.nodes.Node(header.NodeId)
	if err != nil {
		return status("Rmdir", err)
	}
	return status("Rmdir", r.fs.RemoveDirectory(requestContext(cancel, header), parent, name))
}

func (r *FuseRaw) Rename(cancel <-chan struct{}, input *fuse.RenameIn, oldName string, newName string) fuse.Status {
	ctx := requestContext(cancel, &input.InHeader)
	oldParent, err := r.nodes.Node(input.NodeId)
	if err != nil {
		return status("Rename", err)
	}
	newParent, err := r.nodes.Node(input.Newdir)
	if err != nil {
		return status("Rename", err)
	}
	return status("Rename", r.fs.Rename(ctx, oldParent, oldName, newParent, newName, input.Flags))
}

func (r *FuseRaw) Link(cancel <-chan struct{}, input *fuse.LinkIn, filename string, out *fuse.EntryOut) fuse.Status {
	ctx := requestContext(cancel, &input.InHeader)
	parent, err := r.nodes.Node(input.NodeId)
	if err != nil {
		return status("Link", err)
	}
	target, err := r.nodes.Node(input.Oldnodeid)
	if err != nil {
		return status("Link", err)
	}
	if err := r.fs.Link(ctx, parent, filename, target); err != nil {
		return status("Link", err)
	}
	return status("Link", r.fillEntry(ctx, target, out))
}

func (r *FuseRaw) Create(cancel <-chan struct{}, input *fuse.CreateIn, name string, out *fuse.CreateOut) fuse.Status {
	ctx := requestContext(cancel, &input.InHeader)
	parent, err := r.nodes.Node(input.NodeId)
	if err != nil {
		return status("Create", err)
	}
	n, err := r.fs.CreateFile(ctx, parent, name, input.Mode)
	if err != nil {
		return status("Create", err)
	}
	f, err := r.fs.Open(ctx, n, int(input.Flags))
	if err != nil {
		return status("Create", err)
	}
	if err := r.fillEntry(ctx, n, &out.EntryOut); err != nil {
		_ = f.Close()
		return status("Create", err)
	}
	out.Fh = r.handles.Add(f)
	return fuse.OK
}

func (r *FuseRaw) Open(cancel <-chan struct{}, input *fuse.OpenIn, out *fuse.OpenOut) fuse.Status {
	ctx := requestContext(cancel, &input.InHeader)
	n, err := r.nodes.Node(input.NodeId)
	if err != nil {
		return status("Open", err)
	}
	f, err := r.fs.Open(ctx, n, int(input.Flags))
	if err != nil {
		return status("Open", err)
	}
	out.Fh = r.handles.Add(f)
	return fuse.OK
}

func (r *FuseRaw) Read(cancel <-chan struct{}, input *fuse.ReadIn, buf []byte) (fuse.ReadResult, fuse.Status) {
	f, ok := r.handles.Get(input.Fh)
	if !ok {
		return nil, fuse.EBADF
	}
	if int(input.Size) < len(buf) {
		buf = buf[:input.Size]
	}
	n, err := f.ReadAtContext(requestContext(cancel, &input.InHeader), buf, int64(input.Offset))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, status("Read", err)
	}
	return fuse.ReadResultData(buf[:n]), fuse.OK
}

func (r *FuseRaw) Write(cancel <-chan struct{}, input *fuse.WriteIn, data []byte) (uint32, fuse.Status) {
	f, ok := r.handles.Get(input.Fh)
	if !ok {
		return 0, fuse.EBADF
	}
	ctx := requestContext(cancel, &input.InHeader)
	var (
		n   int
		err error
	)
	if f.Appending() {
		n, err = f.WriteContext(ctx, data)
	} else {
		n, err = f.WriteAtContext(ctx, data, int64(input.Offset))
	}
	return uint32(n), status("Write", err)
}

func (r *FuseRaw) Lseek(cancel <-chan struct{}, input *fuse.LseekIn, out *fuse.LseekOut) fuse.Status {
	f, ok := r.handles.Get(input.Fh)
	if !ok {
		return fuse.EBADF
	}
	pos, err := f.Seek(int64(input.Offset), int(input.Whence))
	if err != nil {
		return status("Lseek", err)
	}
	out.Offset = uint64(pos)
	return fuse.OK
}

func (r *FuseRaw) Release(cancel <-chan struct{}, input *fuse.ReleaseIn) {
	if f, ok := r.handles.Remove(input.Fh); ok {
		_ = f.Close()
	}
}

// Flush and Fsync have nothing to persist.
func (r *FuseRaw) Flush(cancel <-chan struct{}, input *fuse.FlushIn) fuse.Status {
	return fuse.OK
}

func (r *FuseRaw) Fsync(cancel <-chan struct{}, input *fuse.FsyncIn) fuse.Status {
	return fuse.OK
}

func (r *FuseRaw) OpenDir(cancel <-chan struct{}, input *fuse.OpenIn, out *fuse.OpenOut) fuse.Status {
	n, err := r.nodes.Node(input.NodeId)
	if err != nil {
		return status("OpenDir", err)
	}
	if !n.IsDir() {
		return fuse.ENOTDIR
	}
	return fuse.OK
}

// dirEntries lists dir with its "." and ".." entries first
func (r *FuseRaw) dirEntries(ctx context.Context, dir *filesystem.Node) ([]filesystem.DirEntry, error) {
	entries, err := r.fs.ReadDir(ctx, dir)
	if err != nil {
		return nil, err
	}
	up := dir
	if p := dir.Parent(); p != nil {
		up = p
	}
	dots := []filesystem.DirEntry{
		{Name: ".", ID: dir.ID(), Mode: syscall.S_IFDIR},
		{Name: "..", ID: up.ID(), Mode: syscall.S_IFDIR},
	}
	return append(dots, entries...), nil
}

// ReadDir lists a directory starting at the entry index in input.Offset.
func (r *FuseRaw) ReadDir(cancel <-chan struct{}, input *fuse.ReadIn, out *fuse.DirEntryList) fuse.Status {
	ctx := requestContext(cancel, &input.InHeader)
	dir, err := r.nodes.Node(input.NodeId)
	if err != nil {
		return status("ReadDir", err)
	}
	entries, err := r.dirEntries(ctx, dir)
	if err != nil {
		return status("ReadDir", err)
	}
	for i := int(input.Offset); i < len(entries); i++ {
		e := entries[i]
		if !out.AddDirEntry(fuse.DirEntry{Name: e.Name, Ino: e.ID, Mode: e.Mode, Off: uint64(i + 1)}) {
			break // buffer full; the kernel asks again from here
		}
	}
	return fuse.OK
}

// ReadDirPlus is ReadDir returning attributes as well. Every entry except
// "." and ".." counts as a lookup.
func (r *FuseRaw) ReadDirPlus(cancel <-chan struct{}, input *fuse.ReadIn, out *fuse.DirEntryList) fuse.Status {
	ctx := requestContext(cancel, &input.InHeader)
	dir, err := r.nodes.Node(input.NodeId)
	if err != nil {
		return status("ReadDirPlus", err)
	}
	entries, err := r.dirEntries(ctx, dir)
	if err != nil {
		return status("ReadDirPlus", err)
	}
	idx, _ := dir.Dir()
	for i := int(input.Offset); i < len(entries); i++ {
		e := entries[i]
		entryOut := out.AddDirLookupEntry(fuse.DirEntry{Name: e.Name, Ino: e.ID, Mode: e.Mode, Off: uint64(i + 1)})
		if entryOut == nil {
			break
		}
		if e.Name == "." || e.Name == ".." {
			continue
		}
		child, err := idx.Lookup(e.Name)
		if err != nil {
			continue // removed while listing; the kernel sees a bare entry
		}
		if err := r.fillEntry(ctx, child, entryOut); err != nil {
			*entryOut = fuse.EntryOut{}
		}
	}
	return fuse.OK
}

func (r *FuseRaw) ReleaseDir(input *fuse.ReleaseIn) {}

func (r *FuseRaw) StatFs(cancel <-chan struct{}, header *fuse.InHeader, out *fuse.StatfsOut) fuse.Status {
	st, err := r.fs.StatFs(requestContext(cancel, header))
	if err != nil {
		return status("StatFs", err)
	}
	out.Bsize = st.BlockSize
	out.Frsize = st.BlockSize
	out.NameLen = st.NameLen
	out.Files = st.Files + st.FilesFree
	out.Ffree = st.FilesFree
	return fuse.OK
}

// Nodes exposes the kernel node registry.
func (r *FuseRaw) Nodes() *NodeRegistry {
	return r.nodes
}

// Handles exposes the open file handle table.
func (r *FuseRaw) Handles() *HandleTable {
	return r.handles
}
