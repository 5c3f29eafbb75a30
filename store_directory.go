package chunkvault

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/absfs/absfs"
	"github.com/absfs/memfs"
	"github.com/absfs/osfs"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Directory layout:
//
//	<root>/root                     repository root record
//	<root>/chunks/<2 hex>/<64 hex>  one file per chunk
//
// Files are written under a temporary name and renamed into place, so a reader
// never observes a partially written chunk.
const (
	chunksDir    = "chunks"
	rootFileName = "root"
	tmpSuffix    = ".tmp"
)

// DirectoryStore is a Backend over any absfs.FileSystem
type DirectoryStore struct {
	fs     absfs.FileSystem
	root   string
	name   string
	logger logrus.FieldLogger

	// mu serializes deny-mode existence checks with their writes
	mu sync.Mutex
}

// NewDirectoryStore creates a store rooted at root inside fs
func NewDirectoryStore(fs absfs.FileSystem, root string, logger logrus.FieldLogger) (*DirectoryStore, error) {
	if fs == nil {
		return nil, NewValidationError("fs", nil, "filesystem cannot be nil")
	}
	if root == "" {
		root = "/"
	}
	s := &DirectoryStore{
		fs:     fs,
		root:   root,
		name:   "directory",
		logger: defaultLogger(logger).WithField("backend", "directory"),
	}
	if err := fs.MkdirAll(s.join(chunksDir), 0o755); err != nil {
		return nil, NewStorageError(s.name, "init", Address{}, err)
	}
	return s, nil
}

// NewMemoryStore creates a volatile store backed by an in-memory filesystem
func NewMemoryStore(logger logrus.FieldLogger) (*DirectoryStore, error) {
	fs, err := memfs.NewFS()
	if err != nil {
		return nil, fmt.Errorf("failed to create memory filesystem: %w", err)
	}
	s, err := NewDirectoryStore(fs, "/", logger)
	if err != nil {
		return nil, err
	}
	s.name = "memory"
	s.logger = defaultLogger(logger).WithField("backend", "memory")
	return s, nil
}

// OpenDirectoryStore opens a store in the host directory dir, creating it if
// needed. All paths stay below dir.
func OpenDirectoryStore(dir string, logger logrus.FieldLogger) (*DirectoryStore, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, NewStorageError("directory", "init", Address{}, err)
	}
	fs, err := osfs.NewFS()
	if err != nil {
		return nil, fmt.Errorf("failed to create host filesystem: %w", err)
	}
	return NewDirectoryStore(fs, filepath.ToSlash(abs), logger)
}

func (s *DirectoryStore) join(elem ...string) string {
	return path.Join(append([]string{s.root}, elem...)...)
}

func (s *DirectoryStore) chunkPath(a Address) string {
	h := a.String()
	return s.join(chunksDir, h[:2], h)
}

// Exists reports whether address is stored
func (s *DirectoryStore) Exists(ctx context.Context, address Address) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	ok, err := s.exists(s.chunkPath(address))
	if err != nil {
		return false, NewStorageError(s.name, "exists", address, err)
	}
	return ok, nil
}

func (s *DirectoryStore) exists(p string) (bool, error) {
	_, err := s.fs.Stat(p)
	if err == nil {
		return true, nil
	}
	if isNotExist(err) {
		return false, nil
	}
	return false, err
}

// Get returns the stored chunk
func (s *DirectoryStore) Get(ctx context.Context, address Address) (*EncryptedChunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := s.readFile(s.chunkPath(address))
	if err != nil {
		if isNotExist(err) {
			return nil, fmt.Errorf("chunk %s: %w", address.Short(), ErrChunkNotFound)
		}
		return nil, NewStorageError(s.name, "get", address, err)
	}
	return &EncryptedChunk{Address: address, Content: data}, nil
}

// Put stores chunk under its address
func (s *DirectoryStore) Put(ctx context.Context, chunk *EncryptedChunk, mode OverwriteMode) (PutResult, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if chunk == nil {
		return 0, NewValidationError("chunk", nil, "chunk cannot be nil")
	}

	p := s.chunkPath(chunk.Address)
	s.mu.Lock()
	defer s.mu.Unlock()

	if mode == OverwriteDeny {
		ok, err := s.exists(p)
		if err != nil {
			return 0, NewStorageError(s.name, "put", chunk.Address, err)
		}
		if ok {
			return PutOverwriteDenied, nil
		}
	}

	if err := s.fs.MkdirAll(path.Dir(p), 0o755); err != nil {
		return 0, NewStorageError(s.name, "put", chunk.Address, err)
	}
	if err := s.writeFileAtomic(p, chunk.Content); err != nil {
		return 0, NewStorageError(s.name, "put", chunk.Address, err)
	}
	s.logger.WithField("address", chunk.Address.Short()).Debug("chunk stored")
	return PutStored, nil
}

// ListAddresses calls fn for every stored address
func (s *DirectoryStore) ListAddresses(ctx context.Context, fn func(Address) error) error {
	prefixes, err := s.readDirNames(s.join(chunksDir))
	if err != nil {
		return NewStorageError(s.name, "list", Address{}, err)
	}
	for _, prefix := range prefixes {
		names, err := s.readDirNames(s.join(chunksDir, prefix))
		if err != nil {
			return NewStorageError(s.name, "list", Address{}, err)
		}
		for _, name := range names {
			if err := ctx.Err(); err != nil {
				return err
			}
			if strings.HasSuffix(name, tmpSuffix) {
				continue
			}
			a, err := ParseAddress(name)
			if err != nil {
				s.logger.WithField("file", name).Warn("ignoring unrecognized file in chunk directory")
				continue
			}
			if err := fn(a); err != nil {
				return err
			}
		}
	}
	return nil
}

// Count returns the number of stored chunks
func (s *DirectoryStore) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.ListAddresses(ctx, func(Address) error {
		n++
		return nil
	})
	return n, err
}

// LoadRoot returns the root record
func (s *DirectoryStore) LoadRoot(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := s.readFile(s.join(rootFileName))
	if err != nil {
		if isNotExist(err) {
			return nil, ErrRootNotFound
		}
		return nil, NewStorageError(s.name, "root", Address{}, err)
	}
	return data, nil
}

// CreateRoot stores the root record if none exists
func (s *DirectoryStore) CreateRoot(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ok, err := s.exists(s.join(rootFileName))
	if err != nil {
		return NewStorageError(s.name, "root", Address{}, err)
	}
	if ok {
		return ErrRootExists
	}
	if err := s.writeFileAtomic(s.join(rootFileName), data); err != nil {
		return NewStorageError(s.name, "root", Address{}, err)
	}
	return nil
}

// ReplaceRoot overwrites the root record
func (s *DirectoryStore) ReplaceRoot(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ok, err := s.exists(s.join(rootFileName))
	if err != nil {
		return NewStorageError(s.name, "root", Address{}, err)
	}
	if !ok {
		return ErrRootNotFound
	}
	if err := s.writeFileAtomic(s.join(rootFileName), data); err != nil {
		return NewStorageError(s.name, "root", Address{}, err)
	}
	return nil
}

// Close is a no-op; the filesystem belongs to the caller
func (s *DirectoryStore) Close() error {
	return nil
}

func (s *DirectoryStore) readFile(p string) ([]byte, error) {
	f, err := s.fs.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (s *DirectoryStore) readDirNames(p string) ([]string, error) {
	f, err := s.fs.Open(p)
	if err != nil {
		if isNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	return f.Readdirnames(-1)
}

func (s *DirectoryStore) writeFileAtomic(p string, data []byte) error {
	tmp := p + "." + uuid.NewString() + tmpSuffix
	f, err := s.fs.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		s.fs.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		s.fs.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		s.fs.Remove(tmp)
		return err
	}
	if err := s.fs.Rename(tmp, p); err != nil {
		// Some filesystems refuse to rename over an existing file
		if ok, _ := s.exists(p); !ok {
			s.fs.Remove(tmp)
			return err
		}
		if err := s.fs.Remove(p); err != nil {
			s.fs.Remove(tmp)
			return err
		}
		if err := s.fs.Rename(tmp, p); err != nil {
			s.fs.Remove(tmp)
			return err
		}
	}
	return nil
}

func isNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist) || os.IsNotExist(err)
}
