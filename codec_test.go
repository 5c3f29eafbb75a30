package chunkvault

import (
	"errors"
	"testing"
)

func TestBufferCodec_RoundTrip(t *testing.T) {
	addr := testAddress()

	w := NewBufferWriter(0)
	w.WriteVarInt(300)
	w.WriteInt32(-7)
	w.WriteByte(0xEE)
	if err := w.WriteBuffer([]byte{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteBuffer(nil); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteString("chunkvault"); err != nil {
		t.Fatal(err)
	}
	w.WriteAddress(addr)

	wantLen := 2 + 5 + 1 + (1 + 3) + 1 + (1 + 10) + AddressSize
	if w.Len() != wantLen {
		t.Errorf("Len() = %d, want %d", w.Len(), wantLen)
	}

	r := NewBufferReader(w.Bytes())
	if v, err := r.ReadVarInt(); err != nil || v != 300 {
		t.Errorf("ReadVarInt = %d, %v", v, err)
	}
	if v, err := r.ReadInt32(); err != nil || v != -7 {
		t.Errorf("ReadInt32 = %d, %v", v, err)
	}
	if b, err := r.ReadByte(); err != nil || b != 0xEE {
		t.Errorf("ReadByte = %x, %v", b, err)
	}
	if b, err := r.ReadBuffer(); err != nil || len(b) != 3 || b[2] != 3 {
		t.Errorf("ReadBuffer = %v, %v", b, err)
	}
	if b, err := r.ReadBuffer(); err != nil || len(b) != 0 {
		t.Errorf("ReadBuffer(empty) = %v, %v", b, err)
	}
	if s, err := r.ReadString(); err != nil || s != "chunkvault" {
		t.Errorf("ReadString = %q, %v", s, err)
	}
	if a, err := r.ReadAddress(); err != nil || a != addr {
		t.Errorf("ReadAddress = %s, %v", a, err)
	}
	if !r.Done() || r.Remaining() != 0 || r.Offset() != wantLen {
		t.Errorf("reader not exhausted: offset %d remaining %d", r.Offset(), r.Remaining())
	}
}

func TestBufferReader_ReadBufferCopies(t *testing.T) {
	w := NewBufferWriter(8)
	w.WriteBuffer([]byte{9, 9})
	raw := w.Bytes()

	b, err := NewBufferReader(raw).ReadBuffer()
	if err != nil {
		t.Fatal(err)
	}
	raw[1] = 0
	if b[0] != 9 {
		t.Error("ReadBuffer aliases its input")
	}
}

func TestBufferReader_Truncated(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		read func(r *BufferReader) error
	}{
		{"byte", nil, func(r *BufferReader) error { _, err := r.ReadByte(); return err }},
		{"buffer body", []byte{0x05, 1, 2}, func(r *BufferReader) error { _, err := r.ReadBuffer(); return err }},
		{"string body", []byte{0x02, 'a'}, func(r *BufferReader) error { _, err := r.ReadString(); return err }},
		{"address", make([]byte, 31), func(r *BufferReader) error { _, err := r.ReadAddress(); return err }},
		{"fixed", []byte{1}, func(r *BufferReader) error { _, err := r.ReadFixed(2); return err }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.read(NewBufferReader(tt.in))
			if !errors.Is(err, ErrTruncatedBuffer) {
				t.Errorf("error = %v, want ErrTruncatedBuffer", err)
			}
		})
	}

	// A malformed length prefix is reported as such, not as truncation
	_, err := NewBufferReader([]byte{0x80}).ReadBuffer()
	if !errors.Is(err, ErrMalformedVarInt) {
		t.Errorf("ReadBuffer with broken prefix: error = %v, want ErrMalformedVarInt", err)
	}
}

func TestIndexCodec(t *testing.T) {
	children := []Address{testAddress(), {}, {1, 2, 3}}
	payload := EncodeIndex(children)
	if len(payload) != len(children)*AddressSize {
		t.Fatalf("EncodeIndex length = %d", len(payload))
	}

	got, err := DecodeIndex(payload)
	if err != nil {
		t.Fatalf("DecodeIndex failed: %v", err)
	}
	if len(got) != len(children) {
		t.Fatalf("DecodeIndex returned %d children, want %d", len(got), len(children))
	}
	for i := range children {
		if got[i] != children[i] {
			t.Errorf("child %d = %s, want %s", i, got[i], children[i])
		}
	}

	for _, n := range []int{0, 1, 31, 33, 65} {
		if _, err := DecodeIndex(make([]byte, n)); !IsValidationError(err) {
			t.Errorf("DecodeIndex(%d bytes) error = %v, want ValidationError", n, err)
		}
	}
}
