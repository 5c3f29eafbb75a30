package chunkvault

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

// Badger key layout
var (
	badgerChunkPrefix = []byte("c/")
	badgerRootKey     = []byte("r/root")
)

// maxConflictRetries bounds how often a deny-mode put re-checks after a
// transaction conflict. A second attempt normally observes the winner's write.
const maxConflictRetries = 8

// BadgerStore is a Backend over a badger key/value database
type BadgerStore struct {
	db     *badger.DB
	logger logrus.FieldLogger
}

// OpenBadgerStore opens (or creates) a badger database in dir
func OpenBadgerStore(dir string, logger logrus.FieldLogger) (*BadgerStore, error) {
	return OpenBadgerStoreWithOptions(badger.DefaultOptions(dir), logger)
}

// OpenBadgerStoreWithOptions opens a badger database with caller-provided options,
// e.g. badger.DefaultOptions("").WithInMemory(true)
func OpenBadgerStoreWithOptions(opts badger.Options, logger logrus.FieldLogger) (*BadgerStore, error) {
	logger = defaultLogger(logger).WithField("backend", "badger")
	opts = opts.WithLogger(badgerLogger{logger})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, NewStorageError("badger", "open", Address{}, err)
	}
	logger.WithField("dir", opts.Dir).Info("badger store opened")
	return &BadgerStore{db: db, logger: logger}, nil
}

func chunkKey(a Address) []byte {
	k := make([]byte, 0, len(badgerChunkPrefix)+AddressSize)
	k = append(k, badgerChunkPrefix...)
	return append(k, a[:]...)
}

// Exists reports whether address is stored
func (s *BadgerStore) Exists(ctx context.Context, address Address) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(chunkKey(address))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return false, NewStorageError("badger", "exists", address, err)
	}
	return found, nil
}

// Get returns the stored chunk
func (s *BadgerStore) Get(ctx context.Context, address Address) (*EncryptedChunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var content []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(chunkKey(address))
		if err != nil {
			return err
		}
		content, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("chunk %s: %w", address.Short(), ErrChunkNotFound)
	}
	if err != nil {
		return nil, NewStorageError("badger", "get", address, err)
	}
	return &EncryptedChunk{Address: address, Content: content}, nil
}

// Put stores chunk under its address. Deny mode reads then writes in one
// transaction; a conflicting concurrent commit causes a re-check.
func (s *BadgerStore) Put(ctx context.Context, chunk *EncryptedChunk, mode OverwriteMode) (PutResult, error) {
	if chunk == nil {
		return 0, NewValidationError("chunk", nil, "chunk cannot be nil")
	}
	key := chunkKey(chunk.Address)

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		result := PutStored
		err := s.db.Update(func(txn *badger.Txn) error {
			if mode == OverwriteDeny {
				_, err := txn.Get(key)
				if err == nil {
					result = PutOverwriteDenied
					return nil
				}
				if !errors.Is(err, badger.ErrKeyNotFound) {
					return err
				}
			}
			return txn.Set(key, chunk.Content)
		})
		if errors.Is(err, badger.ErrConflict) && attempt < maxConflictRetries {
			s.logger.WithField("address", chunk.Address.Short()).Debug("put conflict, re-checking")
			continue
		}
		if err != nil {
			return 0, NewStorageError("badger", "put", chunk.Address, err)
		}
		return result, nil
	}
}

// ListAddresses calls fn for every stored address
func (s *BadgerStore) ListAddresses(ctx context.Context, fn func(Address) error) error {
	var cbErr error
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(badgerChunkPrefix); it.ValidForPrefix(badgerChunkPrefix); it.Next() {
			if err := ctx.Err(); err != nil {
				cbErr = err
				return nil
			}
			k := it.Item().Key()
			a, err := NewAddress(bytes.TrimPrefix(k, badgerChunkPrefix))
			if err != nil {
				s.logger.WithField("key", fmt.Sprintf("%x", k)).Warn("ignoring malformed chunk key")
				continue
			}
			if err := fn(a); err != nil {
				cbErr = err
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return NewStorageError("badger", "list", Address{}, err)
	}
	return cbErr
}

// Count returns the number of stored chunks
func (s *BadgerStore) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.ListAddresses(ctx, func(Address) error {
		n++
		return nil
	})
	return n, err
}

// LoadRoot returns the root record
func (s *BadgerStore) LoadRoot(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerRootKey)
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrRootNotFound
	}
	if err != nil {
		return nil, NewStorageError("badger", "root", Address{}, err)
	}
	return data, nil
}

// CreateRoot stores the root record if none exists
func (s *BadgerStore) CreateRoot(ctx context.Context, data []byte) error {
	return s.putRoot(ctx, data, true)
}

// ReplaceRoot overwrites the root record
func (s *BadgerStore) ReplaceRoot(ctx context.Context, data []byte) error {
	return s.putRoot(ctx, data, false)
}

func (s *BadgerStore) putRoot(ctx context.Context, data []byte, create bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(badgerRootKey)
		switch {
		case err == nil && create:
			return ErrRootExists
		case errors.Is(err, badger.ErrKeyNotFound) && !create:
			return ErrRootNotFound
		case err != nil && !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		return txn.Set(badgerRootKey, data)
	})
	if errors.Is(err, ErrRootExists) || errors.Is(err, ErrRootNotFound) {
		return err
	}
	if errors.Is(err, badger.ErrConflict) && create {
		return ErrRootExists
	}
	if err != nil {
		return NewStorageError("badger", "root", Address{}, err)
	}
	return nil
}

// Close closes the database
func (s *BadgerStore) Close() error {
	if err := s.db.Close(); err != nil {
		return NewStorageError("badger", "close", Address{}, err)
	}
	return nil
}

// badgerLogger routes badger's logging through logrus; badger's info lines are
// logged at debug
type badgerLogger struct {
	l logrus.FieldLogger
}

func (b badgerLogger) Errorf(f string, v ...interface{})   { b.l.Errorf(f, v...) }
func (b badgerLogger) Warningf(f string, v ...interface{}) { b.l.Warnf(f, v...) }
func (b badgerLogger) Infof(f string, v ...interface{})    { b.l.Debugf(f, v...) }
func (b badgerLogger) Debugf(f string, v ...interface{})   { b.l.Debugf(f, v...) }
