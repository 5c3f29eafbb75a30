package chunkvault

import (
	"fmt"
	"math"
)

// BufferWriter serializes records. Variable-length fields are a VarInt length
// followed by the raw bytes; addresses are written as fixed 32 byte fields.
type BufferWriter struct {
	buf []byte
}

// NewBufferWriter creates a writer with the given initial capacity
func NewBufferWriter(capacity int) *BufferWriter {
	return &BufferWriter{buf: make([]byte, 0, capacity)}
}

// WriteVarInt appends a VarInt
func (w *BufferWriter) WriteVarInt(v uint32) {
	w.buf = AppendVarInt(w.buf, v)
}

// WriteInt32 appends the VarInt encoding of a signed value's bit pattern
func (w *BufferWriter) WriteInt32(v int32) {
	w.buf = AppendVarInt32(w.buf, v)
}

// WriteByte appends a single raw byte
func (w *BufferWriter) WriteByte(b byte) error {
	w.buf = append(w.buf, b)
	return nil
}

// WriteBuffer appends a length-prefixed byte field
func (w *BufferWriter) WriteBuffer(b []byte) error {
	if uint64(len(b)) > math.MaxUint32 {
		return NewValidationError("buffer", len(b), "buffer too large for a length prefix")
	}
	w.buf = AppendVarInt(w.buf, uint32(len(b)))
	w.buf = append(w.buf, b...)
	return nil
}

// WriteString appends a length-prefixed string field
func (w *BufferWriter) WriteString(s string) error {
	if uint64(len(s)) > math.MaxUint32 {
		return NewValidationError("string", len(s), "string too large for a length prefix")
	}
	w.buf = AppendVarInt(w.buf, uint32(len(s)))
	w.buf = append(w.buf, s...)
	return nil
}

// WriteAddress appends a fixed-size address record
func (w *BufferWriter) WriteAddress(a Address) {
	w.buf = append(w.buf, a[:]...)
}

// Bytes returns the serialized record; the slice aliases the writer's buffer
func (w *BufferWriter) Bytes() []byte {
	return w.buf
}

// Len returns the number of bytes written so far
func (w *BufferWriter) Len() int {
	return len(w.buf)
}

// BufferReader parses records written by BufferWriter
type BufferReader struct {
	buf []byte
	off int
}

// NewBufferReader wraps buf for reading
func NewBufferReader(buf []byte) *BufferReader {
	return &BufferReader{buf: buf}
}

// ReadVarInt reads a VarInt
func (r *BufferReader) ReadVarInt() (uint32, error) {
	v, n, err := DecodeVarInt(r.buf[r.off:])
	if err != nil {
		return 0, err
	}
	r.off += n
	return v, nil
}

// ReadInt32 reads a value written by WriteInt32
func (r *BufferReader) ReadInt32() (int32, error) {
	v, err := r.ReadVarInt()
	return int32(v), err
}

// ReadByte reads a single raw byte
func (r *BufferReader) ReadByte() (byte, error) {
	if r.off >= len(r.buf) {
		return 0, r.truncated("byte", 1)
	}
	b := r.buf[r.off]
	r.off++
	return b, nil
}

// ReadBuffer reads a length-prefixed byte field. The result is a copy.
func (r *BufferReader) ReadBuffer() ([]byte, error) {
	n, err := r.ReadVarInt()
	if err != nil {
		return nil, err
	}
	raw, err := r.next("buffer", int(n))
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(raw))
	copy(out, raw)
	return out, nil
}

// ReadString reads a length-prefixed string field
func (r *BufferReader) ReadString() (string, error) {
	n, err := r.ReadVarInt()
	if err != nil {
		return "", err
	}
	raw, err := r.next("string", int(n))
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// ReadAddress reads a fixed-size address record
func (r *BufferReader) ReadAddress() (Address, error) {
	raw, err := r.next("address", AddressSize)
	if err != nil {
		return Address{}, err
	}
	return NewAddress(raw)
}

// ReadFixed reads exactly n raw bytes without a length prefix. The result aliases
// the underlying buffer.
func (r *BufferReader) ReadFixed(n int) ([]byte, error) {
	return r.next("fixed", n)
}

// Offset returns the number of bytes consumed
func (r *BufferReader) Offset() int {
	return r.off
}

// Remaining returns the number of unread bytes
func (r *BufferReader) Remaining() int {
	return len(r.buf) - r.off
}

// Done reports whether the whole buffer has been consumed
func (r *BufferReader) Done() bool {
	return r.off >= len(r.buf)
}

func (r *BufferReader) next(field string, n int) ([]byte, error) {
	if n < 0 || n > r.Remaining() {
		return nil, r.truncated(field, n)
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *BufferReader) truncated(field string, want int) error {
	return &ValidationError{
		Field:   field,
		Value:   want,
		Message: fmt.Sprintf("need %d bytes at offset %d, have %d", want, r.off, r.Remaining()),
		Err:     ErrTruncatedBuffer,
	}
}
