package chunkvault

import (
	"context"
	"fmt"
	"runtime"

	"github.com/sirupsen/logrus"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS chunks (
	address BLOB PRIMARY KEY,
	content BLOB NOT NULL
) WITHOUT ROWID;
CREATE TABLE IF NOT EXISTS root (
	id   INTEGER PRIMARY KEY CHECK (id = 1),
	data BLOB NOT NULL
);
`

// SQLiteOptions configures OpenSQLiteStore
type SQLiteOptions struct {
	// PoolSize is the number of connections. If zero, defaults to
	// max(runtime.NumCPU(), 4).
	PoolSize int

	// Logger receives pool lifecycle messages
	Logger logrus.FieldLogger
}

// SQLiteStore is a Backend over a single SQLite database file
type SQLiteStore struct {
	pool   *sqlitex.Pool
	path   string
	logger logrus.FieldLogger
}

// OpenSQLiteStore opens (or creates) the database at path
func OpenSQLiteStore(path string, opts SQLiteOptions) (*SQLiteStore, error) {
	if path == "" {
		return nil, NewValidationError("path", path, "sqlite path cannot be empty")
	}
	logger := defaultLogger(opts.Logger).WithField("backend", "sqlite")

	poolSize := opts.PoolSize
	if poolSize <= 0 {
		poolSize = runtime.NumCPU()
		if poolSize < 4 {
			poolSize = 4
		}
	}

	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareSQLiteConn,
	})
	if err != nil {
		return nil, NewStorageError("sqlite", "open", Address{}, err)
	}

	logger.WithFields(logrus.Fields{"path": path, "pool_size": poolSize}).Info("sqlite store opened")
	return &SQLiteStore{pool: pool, path: path, logger: logger}, nil
}

func prepareSQLiteConn(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, sqliteSchema, nil); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// withConn takes a connection for the duration of fn
func (s *SQLiteStore) withConn(ctx context.Context, fn func(conn *sqlite.Conn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	return fn(conn)
}

// Exists reports whether address is stored
func (s *SQLiteStore) Exists(ctx context.Context, address Address) (bool, error) {
	found := false
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT 1 FROM chunks WHERE address = ?", &sqlitex.ExecOptions{
			Args: []any{address[:]},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				return nil
			},
		})
	})
	if err != nil {
		return false, s.wrap(ctx, "exists", address, err)
	}
	return found, nil
}

// Get returns the stored chunk
func (s *SQLiteStore) Get(ctx context.Context, address Address) (*EncryptedChunk, error) {
	var content []byte
	found := false
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT content FROM chunks WHERE address = ?", &sqlitex.ExecOptions{
			Args: []any{address[:]},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				content = make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, content)
				return nil
			},
		})
	})
	if err != nil {
		return nil, s.wrap(ctx, "get", address, err)
	}
	if !found {
		return nil, fmt.Errorf("chunk %s: %w", address.Short(), ErrChunkNotFound)
	}
	return &EncryptedChunk{Address: address, Content: content}, nil
}

// Put stores chunk under its address. Deny mode relies on INSERT OR IGNORE, which
// SQLite serializes, so exactly one concurrent writer observes a change.
func (s *SQLiteStore) Put(ctx context.Context, chunk *EncryptedChunk, mode OverwriteMode) (PutResult, error) {
	if chunk == nil {
		return 0, NewValidationError("chunk", nil, "chunk cannot be nil")
	}
	result := PutStored
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		// An empty []byte may bind as NULL
		query := "INSERT OR REPLACE INTO chunks (address, content) VALUES (?, coalesce(?, x''))"
		if mode == OverwriteDeny {
			query = "INSERT OR IGNORE INTO chunks (address, content) VALUES (?, coalesce(?, x''))"
		}
		if err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
			Args: []any{chunk.Address[:], chunk.Content},
		}); err != nil {
			return err
		}
		if mode == OverwriteDeny && conn.Changes() == 0 {
			result = PutOverwriteDenied
		}
		return nil
	})
	if err != nil {
		return 0, s.wrap(ctx, "put", chunk.Address, err)
	}
	return result, nil
}

// ListAddresses calls fn for every stored address
func (s *SQLiteStore) ListAddresses(ctx context.Context, fn func(Address) error) error {
	var cbErr error
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT address FROM chunks", &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				if err := ctx.Err(); err != nil {
					cbErr = err
					return err
				}
				raw := make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, raw)
				a, err := NewAddress(raw)
				if err != nil {
					s.logger.WithField("key", fmt.Sprintf("%x", raw)).Warn("ignoring malformed chunk key")
					return nil
				}
				if err := fn(a); err != nil {
					cbErr = err
					return err
				}
				return nil
			},
		})
	})
	if cbErr != nil {
		return cbErr
	}
	if err != nil {
		return s.wrap(ctx, "list", Address{}, err)
	}
	return nil
}

// Count returns the number of stored chunks
func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT count(*) FROM chunks", &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				n = stmt.ColumnInt64(0)
				return nil
			},
		})
	})
	if err != nil {
		return 0, s.wrap(ctx, "count", Address{}, err)
	}
	return n, nil
}

// LoadRoot returns the root record
func (s *SQLiteStore) LoadRoot(ctx context.Context) ([]byte, error) {
	var data []byte
	found := false
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT data FROM root WHERE id = 1", &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				data = make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, data)
				return nil
			},
		})
	})
	if err != nil {
		return nil, s.wrap(ctx, "root", Address{}, err)
	}
	if !found {
		return nil, ErrRootNotFound
	}
	return data, nil
}

// CreateRoot stores the root record if none exists
func (s *SQLiteStore) CreateRoot(ctx context.Context, data []byte) error {
	created := false
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		if err := sqlitex.Execute(conn, "INSERT OR IGNORE INTO root (id, data) VALUES (1, ?)", &sqlitex.ExecOptions{
			Args: []any{data},
		}); err != nil {
			return err
		}
		created = conn.Changes() > 0
		return nil
	})
	if err != nil {
		return s.wrap(ctx, "root", Address{}, err)
	}
	if !created {
		return ErrRootExists
	}
	return nil
}

// ReplaceRoot overwrites the root record
func (s *SQLiteStore) ReplaceRoot(ctx context.Context, data []byte) error {
	replaced := false
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		if err := sqlitex.Execute(conn, "UPDATE root SET data = ? WHERE id = 1", &sqlitex.ExecOptions{
			Args: []any{data},
		}); err != nil {
			return err
		}
		replaced = conn.Changes() > 0
		return nil
	})
	if err != nil {
		return s.wrap(ctx, "root", Address{}, err)
	}
	if !replaced {
		return ErrRootNotFound
	}
	return nil
}

// Close closes every pooled connection
func (s *SQLiteStore) Close() error {
	if err := s.pool.Close(); err != nil {
		return NewStorageError("sqlite", "close", Address{}, err)
	}
	s.logger.WithField("path", s.path).Info("sqlite store closed")
	return nil
}

// wrap reports cancellation as is and everything else as a StorageError
func (s *SQLiteStore) wrap(ctx context.Context, op string, address Address, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return NewStorageError("sqlite", op, address, err)
}
