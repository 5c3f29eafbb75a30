package chunkvault

import (
	"context"
	"fmt"
	"io"
	"strings"
)

// OverwriteMode controls what Put does when the address is already stored
type OverwriteMode uint8

const (
	// OverwriteDeny leaves an existing chunk untouched and reports PutOverwriteDenied
	OverwriteDeny OverwriteMode = iota
	// OverwriteAllow replaces an existing chunk
	OverwriteAllow
)

// PutResult is the outcome of a successful Put
type PutResult uint8

const (
	// PutStored means the chunk was written
	PutStored PutResult = iota
	// PutOverwriteDenied means the address was already present and OverwriteDeny was
	// requested. Since content addressing implies identical content, this is a
	// successful deduplication, not a conflict.
	PutOverwriteDenied
)

// String returns the string representation of the put result
func (r PutResult) String() string {
	switch r {
	case PutStored:
		return "stored"
	case PutOverwriteDenied:
		return "overwrite-denied"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(r))
	}
}

// ChunkStore is durable key/value storage for encrypted chunks, keyed by Address.
// Implementations must be safe for concurrent use, and concurrent OverwriteDeny
// puts of one address must yield exactly one PutStored.
type ChunkStore interface {
	// Exists reports whether address is stored
	Exists(ctx context.Context, address Address) (bool, error)

	// Get returns the stored chunk, or an error wrapping ErrChunkNotFound
	Get(ctx context.Context, address Address) (*EncryptedChunk, error)

	// Put stores chunk under its address
	Put(ctx context.Context, chunk *EncryptedChunk, mode OverwriteMode) (PutResult, error)

	// ListAddresses calls fn for every stored address, in no particular order.
	// Iteration stops at the first error fn returns.
	ListAddresses(ctx context.Context, fn func(Address) error) error

	// Count returns the number of stored chunks
	Count(ctx context.Context) (int64, error)
}

// RootStore holds the single repository root record, outside the chunk address space
type RootStore interface {
	// LoadRoot returns the root record, or an error wrapping ErrRootNotFound
	LoadRoot(ctx context.Context) ([]byte, error)

	// CreateRoot stores the root record, failing with ErrRootExists if one is present
	CreateRoot(ctx context.Context, data []byte) error

	// ReplaceRoot overwrites an existing root record
	ReplaceRoot(ctx context.Context, data []byte) error
}

// Backend is a complete storage backend
type Backend interface {
	ChunkStore
	RootStore
	io.Closer
}

// BackendType selects a Backend implementation
type BackendType string

const (
	BackendMemory    BackendType = "memory"
	BackendDirectory BackendType = "directory"
	BackendBadger    BackendType = "badger"
	BackendSQLite    BackendType = "sqlite"
)

// BackendConfig selects and locates a storage backend
type BackendConfig struct {
	// Type is one of memory, directory, badger, sqlite
	Type BackendType `yaml:"type"`

	// Path is the directory (directory, badger) or database file (sqlite).
	// Unused for memory.
	Path string `yaml:"path"`
}

// Validate checks if the backend configuration is valid
func (c BackendConfig) Validate() error {
	switch BackendType(strings.ToLower(string(c.Type))) {
	case "", BackendMemory:
		return nil
	case BackendDirectory, BackendBadger, BackendSQLite:
		if c.Path == "" {
			return NewValidationError("backend.path", c.Path, fmt.Sprintf("%s backend requires a path", c.Type))
		}
		return nil
	default:
		return NewValidationError("backend.type", c.Type, "unknown backend type")
	}
}

// OpenBackend opens the backend variant named by cfg.Type. An empty type selects
// the memory backend.
func OpenBackend(cfg BackendConfig, opts ...BackendOption) (Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := backendOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	switch BackendType(strings.ToLower(string(cfg.Type))) {
	case "", BackendMemory:
		return NewMemoryStore(o.logger)
	case BackendDirectory:
		return OpenDirectoryStore(cfg.Path, o.logger)
	case BackendBadger:
		return OpenBadgerStore(cfg.Path, o.logger)
	case BackendSQLite:
		return OpenSQLiteStore(cfg.Path, SQLiteOptions{Logger: o.logger})
	default:
		return nil, NewValidationError("backend.type", cfg.Type, "unknown backend type")
	}
}
