package requests

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/brettbedarf/memfs"
	"github.com/brettbedarf/memfs/adapters"
	"github.com/brettbedarf/memfs/filesystem"
	"gopkg.in/yaml.v3"
)

// NodeRequest is a seed request with defaults applied and sources resolved
type NodeRequest struct {
	Path   string
	Type   NodeType
	Perms  uint32
	Owner  filesystem.Caller
	Atime  *time.Time
	Mtime  *time.Time
	Mode   uint32 // file type bits of special nodes
	Device filesystem.DeviceInfo
	Target string
	// Sources ordered by priority
	Sources []memfs.ContentAdapter
}

// Defaults fills the optional fields of a [NodeRequestDTO]
type Defaults struct {
	Owner     filesystem.Caller
	FilePerms uint32
	DirPerms  uint32
}

// DefaultDefaults uses the credentials of the current process
func DefaultDefaults() Defaults {
	return Defaults{
		Owner:     filesystem.Caller{Uid: uint32(os.Getuid()), Gid: uint32(os.Getgid())},
		FilePerms: 0o644,
		DirPerms:  0o755,
	}
}

// LoadFile reads a YAML or JSON seed file holding a list of node requests
func LoadFile(p string) ([]NodeRequestDTO, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}

	var dtos []NodeRequestDTO
	ext := strings.ToLower(filepath.Ext(p))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &dtos); err != nil {
			return nil, fmt.Errorf("failed to unmarshal seed file: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &dtos); err != nil {
			return nil, fmt.Errorf("failed to unmarshal seed file: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown seed file extension: %s", p)
	}
	return dtos, nil
}

// Convert applies defaults to dto and builds its source adapters from r
func Convert(dto NodeRequestDTO, r *adapters.Registry, def Defaults) (*NodeRequest, error) {
	if strings.TrimSpace(dto.Path) == "" {
		return nil, fmt.Errorf("request is missing a path")
	}
	req := &NodeRequest{
		Path: path.Clean("/" + dto.Path),
		Type: dto.Type,
		Owner: filesystem.Caller{
			Uid: valueOrDefault(dto.OwnerUID, def.Owner.Uid),
			Gid: valueOrDefault(dto.OwnerGID, def.Owner.Gid),
		},
		Atime: dto.Atime,
		Mtime: dto.Mtime,
	}
	if req.Path == "/" {
		return nil, fmt.Errorf("request path %q names the root", dto.Path)
	}

	switch dto.Type {
	case DirNodeType:
		req.Perms = valueOrDefault(dto.Perms, def.DirPerms)
	case FileNodeType:
		req.Perms = valueOrDefault(dto.Perms, def.FilePerms)
		sources, err := convertSources(dto.Sources, r)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", req.Path, err)
		}
		req.Sources = sources
	case SpecialNodeType:
		req.Perms = valueOrDefault(dto.Perms, def.FilePerms)
		if dto.Device == nil {
			return nil, fmt.Errorf("%s: special node is missing a device", req.Path)
		}
		mode, err := deviceMode(dto.Device.Kind)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", req.Path, err)
		}
		req.Mode = mode
		req.Device = filesystem.DeviceInfo{
			Major: valueOrDefault(dto.Device.Major, 0),
			Minor: valueOrDefault(dto.Device.Minor, 0),
		}
	case LinkNodeType:
		if dto.Target == nil || strings.TrimSpace(*dto.Target) == "" {
			return nil, fmt.Errorf("%s: link is missing a target", req.Path)
		}
		req.Target = path.Clean("/" + *dto.Target)
	default:
		return nil, fmt.Errorf("%s: unknown node type %q", req.Path, dto.Type)
	}
	return req, nil
}

func deviceMode(kind string) (uint32, error) {
	switch kind {
	case "char":
		return syscall.S_IFCHR, nil
	case "block":
		return syscall.S_IFBLK, nil
	case "fifo":
		return syscall.S_IFIFO, nil
	case "socket":
		return syscall.S_IFSOCK, nil
	}
	return 0, fmt.Errorf("unknown device kind %q", kind)
}

// convertSources builds adapters for the raw source configs ordered by priority
func convertSources(dtos []SourceConfigDTO, r *adapters.Registry) ([]memfs.ContentAdapter, error) {
	type prioritized struct {
		adapter  memfs.ContentAdapter
		priority int
	}
	sources := make([]prioritized, 0, len(dtos))
	for i, dto := range dtos {
		// yaml and json decode numbers differently; round trip so both look alike
		raw, err := json.Marshal(dto)
		if err != nil {
			return nil, fmt.Errorf("source %d: %w", i, err)
		}
		var meta struct {
			Priority *int `json:"priority"`
		}
		if err := json.Unmarshal(raw, &meta); err != nil {
			return nil, fmt.Errorf("source %d: %w", i, err)
		}
		adapter, err := r.NewAdapter(raw)
		if err != nil {
			return nil, fmt.Errorf("source %d: %w", i, err)
		}
		sources = append(sources, prioritized{adapter, valueOrDefault(meta.Priority, i)})
	}
	sort.SliceStable(sources, func(i, j int) bool { return sources[i].priority < sources[j].priority })

	out := make([]memfs.ContentAdapter, len(sources))
	for i, s := range sources {
		out[i] = s.adapter
	}
	return out, nil
}

func valueOrDefault[T any](ptr *T, defaultVal T) T {
	if ptr != nil {
		return *ptr
	}
	return defaultVal
}
