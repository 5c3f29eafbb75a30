package chunkvault

import (
	"fmt"
)

// Input checks shared by the key, address, codec and config constructors.
// All of them fail with a *ValidationError; none of these failures is retryable.

// invalid builds a ValidationError for field. sentinel may be nil.
func invalid(field string, value any, sentinel error, format string, args ...any) error {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: fmt.Sprintf(format, args...),
		Err:     sentinel,
	}
}

// ValidateBuffer rejects a nil buf, or one shorter than minSize when minSize > 0
func ValidateBuffer(buf []byte, name string, minSize int) error {
	switch {
	case buf == nil:
		return invalid(name, nil, ErrNilBuffer, "buffer cannot be nil")
	case minSize > 0 && len(buf) < minSize:
		return invalid(name, len(buf), nil, "buffer too small: %d < %d bytes", len(buf), minSize)
	}
	return nil
}

// ValidateSize checks minSize <= size <= maxSize. A negative minSize or a
// non-positive maxSize leaves that side unbounded; negative sizes always fail.
func ValidateSize(size int, name string, minSize, maxSize int) error {
	switch {
	case size < 0:
		return invalid(name, size, nil, "size cannot be negative")
	case minSize >= 0 && size < minSize:
		return invalid(name, size, nil, "size too small: %d < %d", size, minSize)
	case maxSize > 0 && size > maxSize:
		return invalid(name, size, nil, "size too large: %d > %d", size, maxSize)
	}
	return nil
}

// ValidateKey requires key material of exactly want bytes
func ValidateKey(key []byte, name string, want int) error {
	if key == nil {
		return invalid(name, nil, ErrInvalidKey, "key cannot be nil")
	}
	if len(key) != want {
		return invalid(name, len(key), ErrInvalidKey, "invalid key size: %d bytes, want %d", len(key), want)
	}
	return nil
}

// ValidatePassphrase rejects empty passphrases
func ValidatePassphrase(passphrase []byte) error {
	if len(passphrase) == 0 {
		return invalid("passphrase", nil, ErrEmptyPassphrase, "passphrase cannot be empty")
	}
	return nil
}
