package requests

import (
	"time"
)

type NodeType string

const (
	DirNodeType     NodeType = "dir"
	FileNodeType    NodeType = "file"
	SpecialNodeType NodeType = "special"
	LinkNodeType    NodeType = "link" // hard link to an existing path
)

// NodeRequestDTO is the seed file (YAML or JSON) representation of [NodeRequest]
type NodeRequestDTO struct {
	Path     string     `json:"path" yaml:"path"`
	Type     NodeType   `json:"type" yaml:"type"`
	Perms    *uint32    `json:"perms,omitempty" yaml:"perms,omitempty"` // i.e. 0755
	OwnerUID *uint32    `json:"owner_uid,omitempty" yaml:"owner_uid,omitempty"`
	OwnerGID *uint32    `json:"owner_gid,omitempty" yaml:"owner_gid,omitempty"`
	Atime    *time.Time `json:"atime,omitempty" yaml:"atime,omitempty"` // Last Accessed at (Default current time)
	Mtime    *time.Time `json:"mtime,omitempty" yaml:"mtime,omitempty"` // Last Modified at (Default current time)

	// Special nodes only
	Device *DeviceDTO `json:"device,omitempty" yaml:"device,omitempty"`

	// Link nodes only; the existing path the new name refers to
	Target *string `json:"target,omitempty" yaml:"target,omitempty"`

	// Files only
	Sources []SourceConfigDTO `json:"sources,omitempty" yaml:"sources,omitempty"`
}

// DeviceDTO describes the device behind a special node
type DeviceDTO struct {
	Kind  string  `json:"kind" yaml:"kind"` // char, block, fifo or socket
	Major *uint32 `json:"major,omitempty" yaml:"major,omitempty"`
	Minor *uint32 `json:"minor,omitempty" yaml:"minor,omitempty"`
}

// SourceConfigDTO is the raw config of one content source.
//
// The "type" key selects the adapter; additional keys depend on it:
//
// Ex. For type="http" (see [adapters.HTTPSource]):
//
//	url:     string
//	method:  string (optional)
//	headers: map[string]string (optional)
//
// Ex. For type="inline" (see [adapters.InlineSource]):
//
//	data:     string
//	encoding: "" | "base64"
//
// Sources are tried by "priority" (lower first, defaults to array index)
// until one opens.
type SourceConfigDTO map[string]any
