package chunkvault

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// OpenStatus is the outcome of Repository.Open
type OpenStatus uint8

const (
	// OpenSuccess means the root secrets were unwrapped and verified
	OpenSuccess OpenStatus = iota
	// OpenWrongPassphrase means the passphrase-derived KEK failed to unwrap the content key
	OpenWrongPassphrase
	// OpenNotFound means no repository root exists in the backend
	OpenNotFound
	// OpenCorrupt means the root record exists but cannot be parsed or verified
	OpenCorrupt
	// OpenStorageError means the backend failed; the cause is returned alongside
	OpenStorageError
)

// String returns the string representation of the open status
func (s OpenStatus) String() string {
	switch s {
	case OpenSuccess:
		return "success"
	case OpenWrongPassphrase:
		return "wrong-passphrase"
	case OpenNotFound:
		return "not-found"
	case OpenCorrupt:
		return "corrupt"
	case OpenStorageError:
		return "storage-error"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Repository owns the root secrets of one chunk store. It is created closed;
// Initialize or Open unlocks it, after which streams can be written and read.
type Repository struct {
	backend Backend
	config  *Config
	logger  logrus.FieldLogger

	mu    sync.RWMutex
	state *unlocked
}

// unlocked holds the secrets and engines of an open repository
type unlocked struct {
	id         uuid.UUID
	settings   Settings
	contentKey EncryptionKey
	hmacKey    HmacKey
	encryptor  *ChunkEncryptor
	streams    *StreamStorage
}

// NewRepository creates a closed repository over backend. config supplies the
// parameters used by Initialize and ChangePassphrase; an opened repository always
// uses the settings persisted in its root record.
func NewRepository(backend Backend, config *Config) (*Repository, error) {
	if backend == nil {
		return nil, ErrNilBackend
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Repository{
		backend: backend,
		config:  config,
		logger:  defaultLogger(config.Logger),
	}, nil
}

// Initialize creates a repository protected by passphrase: fresh random content
// and HMAC keys are wrapped under a KEK derived from the passphrase and a fresh
// salt, and persisted as the root record. It returns false, leaving the backend
// untouched, when a root already exists. On success the repository is open.
func (r *Repository) Initialize(ctx context.Context, passphrase []byte) (bool, error) {
	if err := ValidatePassphrase(passphrase); err != nil {
		return false, err
	}

	switch _, err := r.backend.LoadRoot(ctx); {
	case err == nil:
		r.logger.Info("repository already initialized")
		return false, nil
	case !errors.Is(err, ErrRootNotFound):
		return false, err
	}

	contentKey, err := GenerateEncryptionKey()
	if err != nil {
		return false, err
	}
	hmacKey, err := GenerateHmacKey()
	if err != nil {
		return false, err
	}

	rec := &RootRecord{
		Version:      RootFormatVersion,
		RepositoryID: uuid.New(),
		Settings:     r.config.settings(),
	}
	if err := sealRootRecord(rec, passphrase, r.config.KDF, contentKey, hmacKey); err != nil {
		return false, err
	}
	data, err := rec.Marshal(hmacKey)
	if err != nil {
		return false, err
	}

	if err := r.backend.CreateRoot(ctx, data); err != nil {
		if errors.Is(err, ErrRootExists) {
			r.logger.Info("repository initialized concurrently")
			return false, nil
		}
		return false, err
	}

	if err := r.unlock(rec, contentKey, hmacKey); err != nil {
		return false, err
	}
	r.logger.WithFields(logrus.Fields{
		"id":          rec.RepositoryID.String(),
		"cipher":      rec.Settings.Cipher.String(),
		"compression": rec.Settings.Compression.String(),
		"chunk_size":  rec.Settings.ChunkSize,
		"kdf":         rec.KDF.Algorithm.String(),
	}).Info("repository initialized")
	return true, nil
}

// Open reads the root record and unwraps the root secrets with passphrase. The
// returned error is non-nil for OpenCorrupt and OpenStorageError and carries the
// cause.
func (r *Repository) Open(ctx context.Context, passphrase []byte) (OpenStatus, error) {
	data, err := r.backend.LoadRoot(ctx)
	if err != nil {
		if errors.Is(err, ErrRootNotFound) {
			return OpenNotFound, nil
		}
		return OpenStorageError, err
	}

	rec, err := ParseRootRecord(data)
	if err != nil {
		r.logger.WithError(err).Warn("repository root record unreadable")
		return OpenCorrupt, &CorruptionError{Message: "root record unreadable", Err: err}
	}

	contentKey, hmacKey, status, err := unlockRootRecord(rec, passphrase)
	if status != OpenSuccess {
		if status == OpenCorrupt {
			r.logger.WithError(err).Warn("repository root record failed verification")
		}
		return status, err
	}

	if err := r.unlock(rec, contentKey, hmacKey); err != nil {
		return OpenCorrupt, err
	}
	r.logger.WithFields(logrus.Fields{
		"id":     rec.RepositoryID.String(),
		"cipher": rec.Settings.Cipher.String(),
	}).Info("repository opened")
	return OpenSuccess, nil
}

// sealRootRecord derives a KEK from passphrase under a fresh salt and stores
// the KDF parameters and both wrapped keys in rec
func sealRootRecord(rec *RootRecord, passphrase []byte, params KDFParams, contentKey EncryptionKey, hmacKey HmacKey) error {
	provider, err := NewPasswordKeyProvider(passphrase, params)
	if err != nil {
		return err
	}
	salt, err := provider.GenerateSalt()
	if err != nil {
		return err
	}
	kek, err := provider.DeriveKey(salt)
	if err != nil {
		return fmt.Errorf("failed to derive key: %w", err)
	}
	defer zero(kek[:])

	if rec.WrappedContentKey, err = WrapEncryptionKey(kek, contentKey); err != nil {
		return err
	}
	if rec.WrappedHmacKey, err = WrapHmacKey(kek, hmacKey); err != nil {
		return err
	}
	rec.Salt = salt
	rec.KDF = provider.Params()
	rec.KDF.SaltSize = len(salt)
	return nil
}

// unlockRootRecord re-derives the KEK of rec from passphrase and unwraps and
// verifies the root secrets. A content key unwrap failure is the passphrase
// check; every later failure means the record was tampered with.
func unlockRootRecord(rec *RootRecord, passphrase []byte) (EncryptionKey, HmacKey, OpenStatus, error) {
	var (
		contentKey EncryptionKey
		hmacKey    HmacKey
	)

	if len(passphrase) == 0 {
		return contentKey, hmacKey, OpenWrongPassphrase, nil
	}
	provider, err := NewPasswordKeyProvider(passphrase, rec.KDF)
	if err != nil {
		return contentKey, hmacKey, OpenCorrupt, err
	}
	kek, err := provider.DeriveKey(rec.Salt)
	if err != nil {
		return contentKey, hmacKey, OpenCorrupt, err
	}
	defer zero(kek[:])

	contentKey, err = UnwrapEncryptionKey(kek, rec.WrappedContentKey)
	if err != nil {
		if IsAuthenticationError(err) {
			return contentKey, hmacKey, OpenWrongPassphrase, nil
		}
		return contentKey, hmacKey, OpenCorrupt, err
	}

	hmacKey, err = UnwrapHmacKey(kek, rec.WrappedHmacKey)
	if err != nil {
		zero(contentKey[:])
		return EncryptionKey{}, hmacKey, OpenCorrupt, &CorruptionError{Message: "wrapped hmac key rejected", Err: err}
	}

	if err := rec.Verify(hmacKey); err != nil {
		zero(contentKey[:])
		zero(hmacKey[:])
		return EncryptionKey{}, HmacKey{}, OpenCorrupt, err
	}
	return contentKey, hmacKey, OpenSuccess, nil
}

// unlock installs the engines for rec, replacing any previous state
func (r *Repository) unlock(rec *RootRecord, contentKey EncryptionKey, hmacKey HmacKey) error {
	enc, err := NewChunkEncryptor(contentKey, hmacKey, EncryptorOptions{
		Cipher:           rec.Settings.Cipher,
		Compression:      rec.Settings.Compression,
		AddressHash:      rec.Settings.AddressHash,
		MaxPlaintextSize: rec.Settings.ChunkSize,
	})
	if err != nil {
		return err
	}
	streams, err := NewStreamStorage(r.backend, enc, StreamOptions{
		ChunkSize: rec.Settings.ChunkSize,
		Parallel:  r.config.Parallel,
		Logger:    r.logger,
	})
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.zeroLocked()
	r.state = &unlocked{
		id:         rec.RepositoryID,
		settings:   rec.Settings,
		contentKey: contentKey,
		hmacKey:    hmacKey,
		encryptor:  enc,
		streams:    streams,
	}
	return nil
}

func (r *Repository) current() (*unlocked, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.state == nil {
		return nil, ErrRepositoryClosed
	}
	return r.state, nil
}

// IsOpen reports whether the root secrets are unlocked
func (r *Repository) IsOpen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state != nil
}

// ID returns the repository identifier, or the zero UUID when closed
func (r *Repository) ID() uuid.UUID {
	st, err := r.current()
	if err != nil {
		return uuid.Nil
	}
	return st.id
}

// Settings returns the persisted chunk parameters of an open repository
func (r *Repository) Settings() (Settings, error) {
	st, err := r.current()
	if err != nil {
		return Settings{}, err
	}
	return st.settings, nil
}

// Streams returns the stream engine of an open repository
func (r *Repository) Streams() (*StreamStorage, error) {
	st, err := r.current()
	if err != nil {
		return nil, err
	}
	return st.streams, nil
}

// Write stores the stream read from src and returns its root
func (r *Repository) Write(ctx context.Context, src io.Reader) (StreamRoot, Stats, error) {
	streams, err := r.Streams()
	if err != nil {
		return StreamRoot{}, Stats{}, err
	}
	return streams.Write(ctx, src)
}

// Read returns a reader over the stream at root
func (r *Repository) Read(ctx context.Context, root StreamRoot) (*StreamReader, error) {
	streams, err := r.Streams()
	if err != nil {
		return nil, err
	}
	tr, err := streams.Read(ctx, root)
	if err != nil {
		return nil, err
	}
	return NewStreamReader(ctx, tr), nil
}

// ReadTo writes the stream at root to w
func (r *Repository) ReadTo(ctx context.Context, root StreamRoot, w io.Writer) (Stats, error) {
	streams, err := r.Streams()
	if err != nil {
		return Stats{}, err
	}
	return streams.ReadTo(ctx, root, w)
}

// Close forgets the root secrets. Stream handles obtained earlier, including
// open readers, fail from then on with an error matching ErrRepositoryClosed.
// The backend stays open and belongs to the caller.
func (r *Repository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != nil {
		r.logger.WithField("id", r.state.id.String()).Info("repository closed")
	}
	r.zeroLocked()
	r.state = nil
	return nil
}

func (r *Repository) zeroLocked() {
	if r.state == nil {
		return
	}
	r.state.encryptor.Close()
	zero(r.state.contentKey[:])
	zero(r.state.hmacKey[:])
}
