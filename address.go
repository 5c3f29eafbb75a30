package chunkvault

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
)

// AddressSize is the length of a chunk address in bytes
const AddressSize = 32

// Address identifies a chunk by a keyed hash of its plaintext.
// Addresses are only produced by hashing; there is no meaningful zero address.
type Address [AddressSize]byte

// NewAddress copies b into an Address. It fails for nil or mis-sized input.
func NewAddress(b []byte) (Address, error) {
	var a Address
	if b == nil {
		return a, &ValidationError{
			Field:   "address",
			Message: "address cannot be nil",
			Err:     ErrInvalidAddress,
		}
	}
	if len(b) != AddressSize {
		return a, &ValidationError{
			Field:   "address",
			Value:   len(b),
			Message: fmt.Sprintf("invalid address size: got %d bytes, expected %d bytes", len(b), AddressSize),
			Err:     ErrInvalidAddress,
		}
	}
	copy(a[:], b)
	return a, nil
}

// ParseAddress decodes a 64 digit hex string
func ParseAddress(s string) (Address, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Address{}, &ValidationError{
			Field:   "address",
			Value:   s,
			Message: "address is not valid hex",
			Err:     errors.Join(ErrInvalidAddress, err),
		}
	}
	return NewAddress(b)
}

// String returns the lowercase hex form
func (a Address) String() string {
	return hex.EncodeToString(a[:])
}

// Short returns the first 8 hex digits, for log lines and error messages
func (a Address) Short() string {
	return hex.EncodeToString(a[:4])
}

// Bytes returns a copy of the address bytes
func (a Address) Bytes() []byte {
	b := make([]byte, AddressSize)
	copy(b, a[:])
	return b
}

// Equal reports whether two addresses are identical
func (a Address) Equal(other Address) bool {
	return a == other
}

// Compare orders addresses bytewise
func (a Address) Compare(other Address) int {
	return bytes.Compare(a[:], other[:])
}

// MarshalText implements encoding.TextMarshaler
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// EncryptedChunk is an address and its sealed content. The content embeds its own
// authentication tag; backends store it as an opaque immutable blob.
type EncryptedChunk struct {
	Address Address
	Content []byte
}
