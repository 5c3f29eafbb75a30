package chunkvault

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
)

// KeySize is the size of every symmetric key in bytes
const KeySize = 32

// EncryptionKey encrypts chunk content
type EncryptionKey [KeySize]byte

// HmacKey keys the address hash
type HmacKey [KeySize]byte

// KeyEncryptionKey wraps the repository secrets
type KeyEncryptionKey [KeySize]byte

// NewEncryptionKey copies b into an EncryptionKey
func NewEncryptionKey(b []byte) (EncryptionKey, error) {
	var k EncryptionKey
	if err := ValidateKey(b, "encryption_key", KeySize); err != nil {
		return k, err
	}
	copy(k[:], b)
	return k, nil
}

// NewHmacKey copies b into an HmacKey
func NewHmacKey(b []byte) (HmacKey, error) {
	var k HmacKey
	if err := ValidateKey(b, "hmac_key", KeySize); err != nil {
		return k, err
	}
	copy(k[:], b)
	return k, nil
}

// NewKeyEncryptionKey copies b into a KeyEncryptionKey
func NewKeyEncryptionKey(b []byte) (KeyEncryptionKey, error) {
	var k KeyEncryptionKey
	if err := ValidateKey(b, "key_encryption_key", KeySize); err != nil {
		return k, err
	}
	copy(k[:], b)
	return k, nil
}

// GenerateEncryptionKey returns a fresh random content key
func GenerateEncryptionKey() (EncryptionKey, error) {
	var k EncryptionKey
	if _, err := rand.Read(k[:]); err != nil {
		return k, fmt.Errorf("failed to generate encryption key: %w", err)
	}
	return k, nil
}

// GenerateHmacKey returns a fresh random addressing key
func GenerateHmacKey() (HmacKey, error) {
	var k HmacKey
	if _, err := rand.Read(k[:]); err != nil {
		return k, fmt.Errorf("failed to generate hmac key: %w", err)
	}
	return k, nil
}

// Equal compares keys in constant time
func (k EncryptionKey) Equal(other EncryptionKey) bool {
	return subtle.ConstantTimeCompare(k[:], other[:]) == 1
}

// Equal compares keys in constant time
func (k HmacKey) Equal(other HmacKey) bool {
	return subtle.ConstantTimeCompare(k[:], other[:]) == 1
}

// String never prints key bytes
func (k EncryptionKey) String() string { return "EncryptionKey(redacted)" }

// String never prints key bytes
func (k HmacKey) String() string { return "HmacKey(redacted)" }

// String never prints key bytes
func (k KeyEncryptionKey) String() string { return "KeyEncryptionKey(redacted)" }

// WrappedEncryptionKey is a key wrapped under a KEK; it is 8 bytes longer than
// the key it protects
type WrappedEncryptionKey []byte

// NewWrappedEncryptionKey validates and copies wrapped key bytes
func NewWrappedEncryptionKey(b []byte) (WrappedEncryptionKey, error) {
	if err := validateWrappedLength(b); err != nil {
		return nil, err
	}
	w := make(WrappedEncryptionKey, len(b))
	copy(w, b)
	return w, nil
}

func validateWrappedLength(b []byte) error {
	if err := ValidateBuffer(b, "wrapped_key", keyWrapMinWrapped); err != nil {
		return err
	}
	if len(b)%keyWrapBlockSize != 0 {
		return &ValidationError{
			Field:   "wrapped_key",
			Value:   len(b),
			Message: fmt.Sprintf("wrapped key length %d is not a multiple of %d", len(b), keyWrapBlockSize),
			Err:     ErrInvalidKey,
		}
	}
	return nil
}

// WrapEncryptionKey wraps a content key under kek
func WrapEncryptionKey(kek KeyEncryptionKey, key EncryptionKey) (WrappedEncryptionKey, error) {
	w, err := WrapKey(kek[:], key[:])
	if err != nil {
		return nil, err
	}
	return WrappedEncryptionKey(w), nil
}

// UnwrapEncryptionKey recovers a content key. A wrong kek yields an *AuthenticationError.
func UnwrapEncryptionKey(kek KeyEncryptionKey, wrapped WrappedEncryptionKey) (EncryptionKey, error) {
	raw, err := UnwrapKey(kek[:], wrapped)
	if err != nil {
		return EncryptionKey{}, err
	}
	defer zero(raw)
	return NewEncryptionKey(raw)
}

// WrapHmacKey wraps an addressing key under kek
func WrapHmacKey(kek KeyEncryptionKey, key HmacKey) (WrappedEncryptionKey, error) {
	w, err := WrapKey(kek[:], key[:])
	if err != nil {
		return nil, err
	}
	return WrappedEncryptionKey(w), nil
}

// UnwrapHmacKey recovers an addressing key. A wrong kek yields an *AuthenticationError.
func UnwrapHmacKey(kek KeyEncryptionKey, wrapped WrappedEncryptionKey) (HmacKey, error) {
	raw, err := UnwrapKey(kek[:], wrapped)
	if err != nil {
		return HmacKey{}, err
	}
	defer zero(raw)
	return NewHmacKey(raw)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
