package chunkvault

import (
	"crypto/aes"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
)

// AES key wrap (RFC 3394). Deterministic and authenticated: unwrapping under the
// wrong KEK fails the integrity check instead of returning wrong key bytes.

const (
	keyWrapBlockSize  = 8
	keyWrapMinPlain   = 16
	keyWrapMinWrapped = keyWrapMinPlain + keyWrapBlockSize
)

var keyWrapIV = [keyWrapBlockSize]byte{0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6}

// WrapKey wraps key under kek. The key must be at least 16 bytes and a multiple of 8.
func WrapKey(kek, key []byte) ([]byte, error) {
	if err := validateKEK(kek); err != nil {
		return nil, err
	}
	if err := ValidateBuffer(key, "key", keyWrapMinPlain); err != nil {
		return nil, err
	}
	if len(key)%keyWrapBlockSize != 0 {
		return nil, &ValidationError{
			Field:   "key",
			Value:   len(key),
			Message: fmt.Sprintf("key length %d is not a multiple of %d", len(key), keyWrapBlockSize),
			Err:     ErrInvalidKey,
		}
	}

	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	n := len(key) / keyWrapBlockSize
	out := make([]byte, len(key)+keyWrapBlockSize)
	copy(out[:keyWrapBlockSize], keyWrapIV[:])
	copy(out[keyWrapBlockSize:], key)

	var b [aes.BlockSize]byte
	a := out[:keyWrapBlockSize]
	for j := 0; j < 6; j++ {
		for i := 1; i <= n; i++ {
			r := out[i*keyWrapBlockSize : (i+1)*keyWrapBlockSize]
			copy(b[:8], a)
			copy(b[8:], r)
			block.Encrypt(b[:], b[:])

			t := uint64(n*j + i)
			binary.BigEndian.PutUint64(a, binary.BigEndian.Uint64(b[:8])^t)
			copy(r, b[8:])
		}
	}
	return out, nil
}

// UnwrapKey reverses WrapKey. An integrity failure yields an *AuthenticationError
// wrapping ErrAuthFailed; malformed input yields a *ValidationError.
func UnwrapKey(kek, wrapped []byte) ([]byte, error) {
	if err := validateKEK(kek); err != nil {
		return nil, err
	}
	if err := validateWrappedLength(wrapped); err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	n := len(wrapped)/keyWrapBlockSize - 1
	var a [keyWrapBlockSize]byte
	copy(a[:], wrapped[:keyWrapBlockSize])
	out := make([]byte, n*keyWrapBlockSize)
	copy(out, wrapped[keyWrapBlockSize:])

	var b [aes.BlockSize]byte
	for j := 5; j >= 0; j-- {
		for i := n; i >= 1; i-- {
			r := out[(i-1)*keyWrapBlockSize : i*keyWrapBlockSize]
			t := uint64(n*j + i)
			binary.BigEndian.PutUint64(b[:8], binary.BigEndian.Uint64(a[:])^t)
			copy(b[8:], r)
			block.Decrypt(b[:], b[:])

			copy(a[:], b[:8])
			copy(r, b[8:])
		}
	}

	if subtle.ConstantTimeCompare(a[:], keyWrapIV[:]) != 1 {
		zero(out)
		return nil, &AuthenticationError{
			Message: "key unwrap integrity check failed",
			Err:     ErrAuthFailed,
		}
	}
	return out, nil
}

func validateKEK(kek []byte) error {
	if kek == nil {
		return invalid("kek", nil, ErrInvalidKey, "kek cannot be nil")
	}
	switch len(kek) {
	case 16, 24, 32:
		return nil
	default:
		return invalid("kek", len(kek), ErrInvalidKey, "invalid kek size: %d bytes, want 16, 24 or 32", len(kek))
	}
}
