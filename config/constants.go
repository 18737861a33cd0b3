package config

// CLI verbosity levels accepted by [ConfigOverride.LogLvl].
// Values outside the range are clamped.
const (
	ErrorVerbose = iota + 1
	WarnVerbose
	InfoVerbose
	DebugVerbose
	TraceVerbose
)

// Filesystem identification constants
const (
	// Magic identifies memfs instances to callers and tools (statfs f_type)
	Magic uint32 = 0xBEEFCAFE

	// DefaultBlockSizeBits is log2 of [DefaultBlockSize]
	DefaultBlockSizeBits = 12

	// Storage backends understood by the storage registry
	MemoryStorage = "memory"
	BadgerStorage = "badger"
)
