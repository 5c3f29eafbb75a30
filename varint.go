package chunkvault

import (
	"errors"
	"fmt"
	"io"
)

// MaxVarIntLen is the longest encoding of a 32-bit value
const MaxVarIntLen = 5

// VarIntSize returns the encoded length of v: one byte per significant 7-bit group,
// at least one
func VarIntSize(v uint32) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

// AppendVarInt appends the encoding of v to dst. Groups are emitted least
// significant first; every byte but the last has the 0x80 continuation bit set.
func AppendVarInt(dst []byte, v uint32) []byte {
	for v >= 0x80 {
		dst = append(dst, byte(v)|0x80)
		v >>= 7
	}
	return append(dst, byte(v))
}

// AppendVarInt32 encodes the 32-bit pattern of a signed value. Negative values
// always take MaxVarIntLen bytes.
func AppendVarInt32(dst []byte, v int32) []byte {
	return AppendVarInt(dst, uint32(v))
}

// DecodeVarInt decodes a value from the front of buf and returns it with the
// number of bytes consumed
func DecodeVarInt(buf []byte) (uint32, int, error) {
	var v uint32
	for i := 0; i < MaxVarIntLen; i++ {
		if i >= len(buf) {
			return 0, 0, malformedVarInt("input exhausted after %d bytes", i)
		}
		b := buf[i]
		if i == MaxVarIntLen-1 && b > 0x0F {
			return 0, 0, malformedVarInt("final byte 0x%02x overflows 32 bits", b)
		}
		v |= uint32(b&0x7F) << (7 * i)
		if b < 0x80 {
			return v, i + 1, nil
		}
	}
	// unreachable: the last iteration either returns or rejects
	return 0, 0, malformedVarInt("too long")
}

// DecodeVarInt32 decodes a value written by AppendVarInt32
func DecodeVarInt32(buf []byte) (int32, int, error) {
	v, n, err := DecodeVarInt(buf)
	return int32(v), n, err
}

// ReadVarInt reads one value from r
func ReadVarInt(r io.ByteReader) (uint32, error) {
	var v uint32
	for i := 0; i < MaxVarIntLen; i++ {
		b, err := r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return 0, malformedVarInt("input exhausted after %d bytes", i)
			}
			return 0, err
		}
		if i == MaxVarIntLen-1 && b > 0x0F {
			return 0, malformedVarInt("final byte 0x%02x overflows 32 bits", b)
		}
		v |= uint32(b&0x7F) << (7 * i)
		if b < 0x80 {
			return v, nil
		}
	}
	return 0, malformedVarInt("too long")
}

func malformedVarInt(format string, args ...any) error {
	return &ValidationError{
		Field:   "varint",
		Message: fmt.Sprintf(format, args...),
		Err:     ErrMalformedVarInt,
	}
}
