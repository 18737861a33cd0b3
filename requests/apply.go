package requests

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/brettbedarf/memfs"
	"github.com/brettbedarf/memfs/filesystem"
	"github.com/brettbedarf/memfs/internal/util"
	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"
)

// Result counts the nodes created by [Apply]
type Result struct {
	Dirs     int
	Files    int
	Specials int
	Links    int
}

func (r Result) Total() int {
	return r.Dirs + r.Files + r.Specials + r.Links
}

// Apply creates the nodes of reqs in fs. Missing parent directories are
// created with def. Parents are created before their children and links after
// every other node. A failing request is skipped; the errors of all failed
// requests are returned together.
func Apply(ctx context.Context, fs *filesystem.FileSystem, reqs []*NodeRequest, def Defaults) (Result, error) {
	logger := util.GetLogger("Requests.Apply")

	ordered := make([]*NodeRequest, len(reqs))
	copy(ordered, reqs)
	sort.SliceStable(ordered, func(i, j int) bool {
		li, lj := ordered[i].Type == LinkNodeType, ordered[j].Type == LinkNodeType
		if li != lj {
			return lj
		}
		return depth(ordered[i].Path) < depth(ordered[j].Path)
	})

	var res Result
	var errs *multierror.Error
	for _, req := range ordered {
		if err := ctx.Err(); err != nil {
			errs = multierror.Append(errs, err)
			break
		}
		if err := applyOne(ctx, fs, req, def); err != nil {
			logger.Debug().Err(err).Str("path", req.Path).Str("type", string(req.Type)).Msg("Failed to apply request")
			errs = multierror.Append(errs, fmt.Errorf("%s %s: %w", req.Type, req.Path, err))
			continue
		}
		switch req.Type {
		case DirNodeType:
			res.Dirs++
		case FileNodeType:
			res.Files++
		case SpecialNodeType:
			res.Specials++
		case LinkNodeType:
			res.Links++
		}
	}

	logger.Info().
		Int("directories", res.Dirs).
		Int("files", res.Files).
		Int("specials", res.Specials).
		Int("links", res.Links).
		Msg("Applied seed requests")
	return res, errs.ErrorOrNil()
}

func depth(p string) int {
	return strings.Count(p, "/")
}

func applyOne(ctx context.Context, fs *filesystem.FileSystem, req *NodeRequest, def Defaults) error {
	ctx = filesystem.WithCaller(ctx, req.Owner)
	parent, name, err := ensureParent(ctx, fs, req.Path, def.DirPerms)
	if err != nil {
		return err
	}

	var n *filesystem.Node
	switch req.Type {
	case DirNodeType:
		n, err = fs.MakeDirectory(ctx, parent, name, req.Perms)
	case FileNodeType:
		n, err = fs.CreateFile(ctx, parent, name, req.Perms)
		if err == nil {
			err = fill(ctx, fs, n, req.Sources)
		}
	case SpecialNodeType:
		n, err = fs.CreateSpecial(ctx, parent, name, req.Mode|req.Perms, req.Device)
	case LinkNodeType:
		n, err = fs.Resolve(ctx, req.Target)
		if err == nil {
			err = fs.Link(ctx, parent, name, n)
		}
	default:
		err = fmt.Errorf("unknown node type %q", req.Type)
	}
	if err != nil {
		return err
	}

	if req.Type != LinkNodeType && (req.Atime != nil || req.Mtime != nil) {
		_, err = fs.SetAttr(ctx, n, filesystem.AttrChange{Atime: req.Atime, Mtime: req.Mtime})
	}
	return err
}

// ensureParent returns the directory that will hold p, creating missing
// directories along the way.
func ensureParent(ctx context.Context, fs *filesystem.FileSystem, p string, perms uint32) (*filesystem.Node, string, error) {
	dirPath, name := path.Split(p)
	dir := fs.Root()
	for _, elem := range strings.Split(strings.Trim(dirPath, "/"), "/") {
		if elem == "" {
			continue
		}
		next, err := fs.Lookup(ctx, dir, elem)
		if errors.Is(err, filesystem.ErrNotFound) {
			next, err = fs.MakeDirectory(ctx, dir, elem, perms)
			if errors.Is(err, filesystem.ErrAlreadyExists) {
				next, err = fs.Lookup(ctx, dir, elem)
			}
		}
		if err != nil {
			return nil, "", err
		}
		if !next.IsDir() {
			return nil, "", fmt.Errorf("%q: %w", elem, filesystem.ErrNotDirectory)
		}
		dir = next
	}
	return dir, name, nil
}

// fill copies the content of the first source that opens into n. A node
// without sources stays empty.
func fill(ctx context.Context, fs *filesystem.FileSystem, n *filesystem.Node, sources []memfs.ContentAdapter) error {
	if len(sources) == 0 {
		return nil
	}
	logger := util.GetLogger("Requests.fill")

	f, err := fs.Open(ctx, n, os.O_WRONLY|os.O_TRUNC)
	if err != nil {
		return err
	}
	defer f.Close()

	var errs *multierror.Error
	for i, src := range sources {
		body, err := src.Open(ctx)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("source %d: %w", i, err))
			continue
		}
		written, err := io.Copy(f, body)
		body.Close()
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("source %d: %w", i, err))
			// drop the partial copy before trying the next source
			if _, terr := fs.SetAttr(ctx, n, filesystem.AttrChange{Size: util.Pointer[uint64](0)}); terr != nil {
				return multierror.Append(errs, terr)
			}
			if _, serr := f.Seek(0, io.SeekStart); serr != nil {
				return multierror.Append(errs, serr)
			}
			continue
		}
		logger.Debug().Uint64("id", n.ID()).Int("source", i).Str("size", humanize.IBytes(uint64(written))).Msg("Filled file")
		return nil
	}
	return errs.ErrorOrNil()
}
