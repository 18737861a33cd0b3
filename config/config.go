package config

import (
	"encoding/json"
	"fmt"
	"math"
	"math/bits"
	"os"
	"path/filepath"
	"strings"

	"github.com/brettbedarf/memfs/internal/util"
	"gopkg.in/yaml.v3"
)

// Default configuration constants. See [Config] for field descriptions.
const (
	DefaultFsName = "memfs"
	DefaultName   = "memfs"

	DefaultLogLvl = util.InfoLevel

	// DefaultBlockSize is the preferred I/O size reported for every node
	DefaultBlockSize = 1 << DefaultBlockSizeBits

	// DefaultMaxFileSize matches the largest offset representable by an int64
	DefaultMaxFileSize int64 = math.MaxInt64

	// DefaultMaxNodes of 0 means the node table is bounded only by memory
	DefaultMaxNodes uint64 = 0

	// DefaultMaxNameLen is the longest directory entry name accepted
	DefaultMaxNameLen = 255

	// DefaultRootMode gives the root rwxr-xr-x permissions
	DefaultRootMode uint32 = 0o755

	DefaultStorage = MemoryStorage

	// DefaultPageSize is the allocation granularity of file storage
	DefaultPageSize = DefaultBlockSize

	// DefaultAttrTimeout is the attribute cache timeout in seconds
	DefaultAttrTimeout = 1.0

	// DefaultEntryTimeout is the directory entry cache timeout in seconds
	DefaultEntryTimeout = 1.0
)

// Config contains runtime configuration values for a mounted instance.
type Config struct {
	MountOptions
	LogLvl      util.LogLevel // Log level (Default info)
	BlockSize   int           `validate:"gte=512,lte=65536"` // Block size in bytes; must be a power of two (Default 4096)
	MaxFileSize int64         `validate:"gt=0"`              // Largest file size in bytes (Default math.MaxInt64)
	MaxNodes    uint64        // Maximum live nodes; 0 is unlimited (Default 0)
	MaxNameLen  int           `validate:"gte=1,lte=4096"`         // Longest entry name in bytes (Default 255)
	RootMode    uint32        `validate:"lte=4095"`               // Permission bits of the root directory (Default 0755)
	Storage     string        `validate:"oneof=memory badger"`    // File storage backend (Default memory)
	PageSize    int           `validate:"gte=512,lte=16777216"`   // Storage page size in bytes (Default 4096)
	// NOTE: Low-level FUSE config:

	AttrTimeout  float64 `validate:"gte=0"` // Attribute cache timeout in seconds (Default 1.0)
	EntryTimeout float64 `validate:"gte=0"` // Directory entry cache timeout in seconds (Default 1.0)
}

// BlockSizeBits returns log2 of BlockSize.
func (c *Config) BlockSizeBits() uint8 {
	return uint8(bits.TrailingZeros(uint(c.BlockSize)))
}

// ConfigOverride uses pointer fields to distinguish between unset and zero values
// when loading partial configuration. See [Config] for field descriptions.
type ConfigOverride struct {
	FsName       *string  `yaml:"fs_name,omitempty" json:"fs_name,omitempty"`
	Name         *string  `yaml:"name,omitempty" json:"name,omitempty"`
	Debug        *bool    `yaml:"debug,omitempty" json:"debug,omitempty"`
	ReadOnly     *bool    `yaml:"read_only,omitempty" json:"read_only,omitempty"`
	LogLvl       *int     `yaml:"verbose,omitempty" json:"verbose,omitempty"` // CLI verbosity 1 (error) to 5 (trace)
	BlockSize    *int     `yaml:"block_size,omitempty" json:"block_size,omitempty"`
	MaxFileSize  *int64   `yaml:"max_file_size,omitempty" json:"max_file_size,omitempty"`
	MaxNodes     *uint64  `yaml:"max_nodes,omitempty" json:"max_nodes,omitempty"`
	MaxNameLen   *int     `yaml:"max_name_len,omitempty" json:"max_name_len,omitempty"`
	RootMode     *uint32  `yaml:"root_mode,omitempty" json:"root_mode,omitempty"`
	Storage      *string  `yaml:"storage,omitempty" json:"storage,omitempty"`
	PageSize     *int     `yaml:"page_size,omitempty" json:"page_size,omitempty"`
	AttrTimeout  *float64 `yaml:"attr_timeout,omitempty" json:"attr_timeout,omitempty"`
	EntryTimeout *float64 `yaml:"entry_timeout,omitempty" json:"entry_timeout,omitempty"`
}

// NewDefaultConfig creates a new Config with all default values.
func NewDefaultConfig() *Config {
	return &Config{
		MountOptions: MountOptions{
			FsName: DefaultFsName,
			Name:   DefaultName,
		},
		LogLvl:       DefaultLogLvl,
		BlockSize:    DefaultBlockSize,
		MaxFileSize:  DefaultMaxFileSize,
		MaxNodes:     DefaultMaxNodes,
		MaxNameLen:   DefaultMaxNameLen,
		RootMode:     DefaultRootMode,
		Storage:      DefaultStorage,
		PageSize:     DefaultPageSize,
		AttrTimeout:  DefaultAttrTimeout,
		EntryTimeout: DefaultEntryTimeout,
	}
}

// NewConfig creates a Config from defaults with override applied on top.
// A nil override yields the defaults.
func NewConfig(override *ConfigOverride) *Config {
	cfg := NewDefaultConfig()
	if override != nil {
		cfg.Merge(override)
	}
	return cfg
}

// Merge applies non-nil values from override onto this Config.
// This allows partial configuration updates while preserving existing values.
func (c *Config) Merge(override *ConfigOverride) {
	if override.FsName != nil {
		c.FsName = *override.FsName
	}
	if override.Name != nil {
		c.Name = *override.Name
	}
	if override.Debug != nil {
		c.Debug = *override.Debug
	}
	if override.ReadOnly != nil {
		c.ReadOnly = *override.ReadOnly
	}
	if override.LogLvl != nil {
		c.LogLvl = verboseToLogLvl(*override.LogLvl)
	}
	if override.BlockSize != nil {
		c.BlockSize = *override.BlockSize
	}
	if override.MaxFileSize != nil {
		c.MaxFileSize = *override.MaxFileSize
	}
	if override.MaxNodes != nil {
		c.MaxNodes = *override.MaxNodes
	}
	if override.MaxNameLen != nil {
		c.MaxNameLen = *override.MaxNameLen
	}
	if override.RootMode != nil {
		c.RootMode = *override.RootMode
	}
	if override.Storage != nil {
		c.Storage = *override.Storage
	}
	if override.PageSize != nil {
		c.PageSize = *override.PageSize
	}
	if override.AttrTimeout != nil {
		c.AttrTimeout = *override.AttrTimeout
	}
	if override.EntryTimeout != nil {
		c.EntryTimeout = *override.EntryTimeout
	}
}

// verboseToLogLvl maps CLI verbosity (1 error .. 5 trace) onto util log levels
func verboseToLogLvl(verbose int) util.LogLevel {
	verbose = min(max(verbose, ErrorVerbose), TraceVerbose)
	lvls := [5]util.LogLevel{util.ErrorLevel, util.WarnLevel, util.InfoLevel, util.DebugLevel, util.TraceLevel}
	return lvls[verbose-1]
}

// LoadConfigOverrideFile loads configuration overrides from a file without merging.
// Supports both YAML (.yaml, .yml) and JSON (.json) formats.
func LoadConfigOverrideFile(path string) (*ConfigOverride, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var override ConfigOverride

	// Determine format by file extension
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &override); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config file: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &override); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config file: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown config file extension: %s", path)
	}

	return &override, nil
}

// NewConfigFromFile creates a new Config by merging file overrides with defaults
// and validating the result.
func NewConfigFromFile(path string) (*Config, error) {
	override, err := LoadConfigOverrideFile(path)
	if err != nil {
		return nil, err
	}
	cfg := NewConfig(override)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
