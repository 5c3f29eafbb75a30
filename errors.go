package chunkvault

import (
	"errors"
	"fmt"
)

// Error categories. Each type unwraps to a sentinel or backend error where one exists.

// ValidationError represents malformed input: mis-sized key or address material,
// an ill-formed VarInt, a bad configuration value. Never retried.
type ValidationError struct {
	Field   string // The field or parameter that failed validation
	Value   any    // The invalid value
	Message string // Human-readable error message
	Err     error  // Underlying error, if any
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// EncryptionError represents an encryption, compression or key derivation failure
// that is not an authentication failure
type EncryptionError struct {
	Operation string  // "encrypt", "decrypt", "compress", "derive", ...
	Address   Address // Chunk address, if applicable
	Message   string  // Human-readable error message
	Err       error   // Underlying error
}

func (e *EncryptionError) Error() string {
	if e.Address != (Address{}) {
		return fmt.Sprintf("%s error: chunk %s: %s", e.Operation, e.Address.Short(), e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Operation, e.Message)
}

func (e *EncryptionError) Unwrap() error {
	return e.Err
}

// IOError represents a failure reading the input stream or writing the output stream
type IOError struct {
	Operation string // "read" or "write"
	Offset    int64  // Stream offset, if applicable
	Message   string // Human-readable error message
	Err       error  // Underlying error
}

func (e *IOError) Error() string {
	if e.Offset >= 0 {
		return fmt.Sprintf("io error: %s at offset %d: %s", e.Operation, e.Offset, e.Message)
	}
	return fmt.Sprintf("io error: %s: %s", e.Operation, e.Message)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// StorageError represents a chunk storage backend failure. Storage errors are the
// only category a caller may retry; the engine itself never retries.
type StorageError struct {
	Operation string  // "get", "put", "exists", "list", "count", "root"
	Backend   string  // Backend description
	Address   Address // Chunk address, if applicable
	Message   string  // Human-readable error message
	Err       error   // Underlying error
}

func (e *StorageError) Error() string {
	if e.Address != (Address{}) {
		return fmt.Sprintf("storage error: %s %s %s: %s", e.Backend, e.Operation, e.Address.Short(), e.Message)
	}
	return fmt.Sprintf("storage error: %s %s: %s", e.Backend, e.Operation, e.Message)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// CorruptionError represents a consistency failure: a referenced chunk is missing,
// an index chunk is malformed, or a decrypted chunk does not hash to its address
type CorruptionError struct {
	Address Address // Chunk address, if applicable
	Level   int     // Tree level, if applicable
	Message string  // Human-readable error message
	Err     error   // Underlying error
}

func (e *CorruptionError) Error() string {
	if e.Address != (Address{}) {
		return fmt.Sprintf("corruption error: chunk %s (level %d): %s", e.Address.Short(), e.Level, e.Message)
	}
	return fmt.Sprintf("corruption error: %s", e.Message)
}

func (e *CorruptionError) Unwrap() error {
	return e.Err
}

// AuthenticationError represents a failed AEAD tag check or a failed key unwrap
type AuthenticationError struct {
	Address Address // Chunk address, if applicable
	Message string  // Human-readable error message
	Err     error   // Underlying error
}

func (e *AuthenticationError) Error() string {
	if e.Address != (Address{}) {
		return fmt.Sprintf("authentication error: chunk %s: %s", e.Address.Short(), e.Message)
	}
	return fmt.Sprintf("authentication error: %s", e.Message)
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

// Sentinels, matched with errors.Is
var (
	ErrInvalidKey         = errors.New("invalid key material")
	ErrInvalidAddress     = errors.New("invalid chunk address")
	ErrAuthFailed         = errors.New("authentication failed - data may be corrupted or tampered")
	ErrMalformedVarInt    = errors.New("malformed varint")
	ErrTruncatedBuffer    = errors.New("truncated buffer")
	ErrInvalidHeader      = errors.New("invalid repository root header")
	ErrUnsupportedVersion = errors.New("unsupported format version")
	ErrUnsupportedCipher  = errors.New("unsupported cipher suite")
	ErrChunkNotFound      = errors.New("chunk not found")
	ErrRootNotFound       = errors.New("repository root not found")
	ErrRootExists         = errors.New("repository root already exists")
	ErrRepositoryClosed   = errors.New("repository is not open")
	ErrEncryptorClosed    = fmt.Errorf("chunk encryptor closed: %w", ErrRepositoryClosed)
	ErrNilConfig          = errors.New("config cannot be nil")
	ErrNilBackend         = errors.New("backend cannot be nil")
	ErrNilBuffer          = errors.New("buffer cannot be nil")
	ErrEmptyPassphrase    = errors.New("passphrase cannot be empty")
)

// NewValidationError reports a rejected field value
func NewValidationError(field string, value any, message string) error {
	return &ValidationError{Field: field, Value: value, Message: message}
}

// NewEncryptionError wraps a sealing, compression or derivation failure for a chunk
func NewEncryptionError(operation string, address Address, err error) error {
	return &EncryptionError{Operation: operation, Address: address, Message: err.Error(), Err: err}
}

// NewIOError wraps a failure of the caller's stream at offset (-1 when unknown)
func NewIOError(operation string, offset int64, err error) error {
	return &IOError{Operation: operation, Offset: offset, Message: err.Error(), Err: err}
}

// NewStorageError wraps a backend failure
func NewStorageError(backend, operation string, address Address, err error) error {
	return &StorageError{Operation: operation, Backend: backend, Address: address, Message: err.Error(), Err: err}
}

// NewCorruptionError reports an inconsistent chunk at a tree level
func NewCorruptionError(address Address, level int, message string) error {
	return &CorruptionError{Address: address, Level: level, Message: message}
}

// NewAuthenticationError wraps a rejected tag for a chunk
func NewAuthenticationError(address Address, err error) error {
	return &AuthenticationError{Address: address, Message: err.Error(), Err: err}
}

func as[T error](err error) bool {
	var target T
	return errors.As(err, &target)
}

// IsValidationError reports whether err is, or wraps, a *ValidationError
func IsValidationError(err error) bool { return as[*ValidationError](err) }

// IsEncryptionError reports whether err is, or wraps, an *EncryptionError
func IsEncryptionError(err error) bool { return as[*EncryptionError](err) }

// IsIOError reports whether err is, or wraps, an *IOError
func IsIOError(err error) bool { return as[*IOError](err) }

// IsStorageError reports whether err is, or wraps, a *StorageError. Only these
// are worth retrying.
func IsStorageError(err error) bool { return as[*StorageError](err) }

// IsCorruptionError reports whether err is, or wraps, a *CorruptionError
func IsCorruptionError(err error) bool { return as[*CorruptionError](err) }

// IsAuthenticationError reports whether err is, or wraps, an *AuthenticationError
func IsAuthenticationError(err error) bool { return as[*AuthenticationError](err) }
