package chunkvault

// Chunk formats
//
// Stored chunk content:
// ┌─────────────────────────────────────┐
// │ Format version (1 byte)             │
// ├─────────────────────────────────────┤
// │ Sealed payload                      │ <- compress(plaintext), encrypted
// │ + authentication tag / SIV          │    AAD = version || address
// └─────────────────────────────────────┘
//
// Index chunk plaintext (level >= 1):
// ┌─────────────────────────────────────┐
// │ Child address 0 (32 bytes)          │
// │ Child address 1 (32 bytes)          │
// │ ...                                 │ <- count = len / 32, no prefix
// └─────────────────────────────────────┘

const (
	// DefaultChunkSize is the default chunk size (64 KB)
	DefaultChunkSize = 64 * 1024

	// MinChunkSize is the minimum allowed chunk size. An index chunk must hold at
	// least two addresses or the tree would never converge.
	MinChunkSize = 2 * AddressSize

	// MaxChunkSize is the maximum allowed chunk size (16 MB)
	MaxChunkSize = 16 * 1024 * 1024

	// ChunkFormatVersion is the version byte leading every stored chunk
	ChunkFormatVersion = uint8(1)

	// chunkHeaderSize is the length of the version prefix
	chunkHeaderSize = 1
)

// ValidateChunkSize validates that a chunk size is within acceptable bounds
func ValidateChunkSize(size int) error {
	return ValidateSize(size, "chunk_size", MinChunkSize, MaxChunkSize)
}

// Fanout returns the number of child addresses one index chunk holds
func Fanout(chunkSize int) int {
	return chunkSize / AddressSize
}

// chunkAAD binds the format version and address to the sealed payload
func chunkAAD(version uint8, address Address) []byte {
	aad := make([]byte, 0, 1+AddressSize)
	aad = append(aad, version)
	return append(aad, address[:]...)
}

// EncodeIndex serializes an ordered list of child addresses
func EncodeIndex(children []Address) []byte {
	w := NewBufferWriter(len(children) * AddressSize)
	for _, a := range children {
		w.WriteAddress(a)
	}
	return w.Bytes()
}

// DecodeIndex parses an index chunk payload. The payload must be a non-empty
// multiple of the address size.
func DecodeIndex(payload []byte) ([]Address, error) {
	if len(payload) == 0 || len(payload)%AddressSize != 0 {
		return nil, invalid("index", len(payload), nil, "index payload length %d is not a positive multiple of %d", len(payload), AddressSize)
	}

	r := NewBufferReader(payload)
	children := make([]Address, 0, len(payload)/AddressSize)
	for !r.Done() {
		a, err := r.ReadAddress()
		if err != nil {
			return nil, err
		}
		children = append(children, a)
	}
	return children, nil
}
