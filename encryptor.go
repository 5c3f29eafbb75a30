package chunkvault

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"
	"sync"

	"github.com/zeebo/blake3"
)

// EncryptorOptions selects the repository-wide chunk pipeline
type EncryptorOptions struct {
	Cipher      CipherSuite
	Compression CompressionAlgorithm
	AddressHash AddressHash

	// MaxPlaintextSize bounds decompressed output; 0 means MaxChunkSize
	MaxPlaintextSize int
}

// ChunkEncryptor turns plaintext chunks into EncryptedChunks and back.
// It is safe for concurrent use. After Close every operation fails with
// ErrEncryptorClosed.
type ChunkEncryptor struct {
	opts EncryptorOptions

	mu      sync.RWMutex
	cipher  ChunkCipher // nil once closed
	hmacKey HmacKey
}

// NewChunkEncryptor creates an encryptor for the given keys and options
func NewChunkEncryptor(contentKey EncryptionKey, hmacKey HmacKey, opts EncryptorOptions) (*ChunkEncryptor, error) {
	if !opts.Compression.valid() {
		return nil, NewValidationError("compression", opts.Compression, "unsupported compression algorithm")
	}
	if !opts.AddressHash.valid() {
		return nil, NewValidationError("address_hash", opts.AddressHash, "unsupported address hash")
	}
	if opts.MaxPlaintextSize == 0 {
		opts.MaxPlaintextSize = MaxChunkSize
	}
	opts.Cipher = opts.Cipher.resolve()

	c, err := NewChunkCipher(opts.Cipher, contentKey)
	if err != nil {
		return nil, err
	}

	return &ChunkEncryptor{
		cipher:  c,
		hmacKey: hmacKey,
		opts:    opts,
	}, nil
}

// Options returns the resolved options
func (e *ChunkEncryptor) Options() EncryptorOptions {
	return e.opts
}

// AddressOf computes the keyed address of a plaintext chunk. A closed encryptor
// returns the zero Address.
func (e *ChunkEncryptor) AddressOf(plaintext []byte) Address {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.cipher == nil {
		return Address{}
	}
	return e.addressOf(plaintext)
}

func (e *ChunkEncryptor) addressOf(plaintext []byte) Address {
	var h hash.Hash
	switch e.opts.AddressHash {
	case AddressBLAKE3Keyed:
		// NewKeyed only fails for keys that are not 32 bytes
		bh, err := blake3.NewKeyed(e.hmacKey[:])
		if err != nil {
			panic(fmt.Sprintf("chunkvault: blake3 keyed hasher: %v", err))
		}
		h = bh
	default:
		h = hmac.New(sha256.New, e.hmacKey[:])
	}
	h.Write(plaintext)

	var a Address
	copy(a[:], h.Sum(nil))
	return a
}

// Close zeroes the HMAC key and the derived cipher key material it can reach,
// and drops the cipher. In-flight calls finish first. Close is idempotent.
func (e *ChunkEncryptor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cipher == nil {
		return nil
	}
	if d, ok := e.cipher.(interface{ destroy() }); ok {
		d.destroy()
	}
	e.cipher = nil
	zero(e.hmacKey[:])
	return nil
}

// Encrypt runs plaintext through address, compress and seal. Equal plaintexts
// produce byte-identical chunks.
func (e *ChunkEncryptor) Encrypt(plaintext []byte) (*EncryptedChunk, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.cipher == nil {
		return nil, ErrEncryptorClosed
	}
	address := e.addressOf(plaintext)

	compressed, err := Compress(e.opts.Compression, plaintext)
	if err != nil {
		return nil, NewEncryptionError("compress", address, err)
	}

	sealed, err := e.cipher.Seal(address, compressed, chunkAAD(ChunkFormatVersion, address))
	if err != nil {
		return nil, NewEncryptionError("encrypt", address, err)
	}

	content := make([]byte, chunkHeaderSize+len(sealed))
	content[0] = ChunkFormatVersion
	copy(content[chunkHeaderSize:], sealed)

	return &EncryptedChunk{Address: address, Content: content}, nil
}

// Decrypt authenticates and opens a chunk. Authentication failure returns an
// *AuthenticationError before anything is decompressed; a chunk that opens but
// does not hash back to its address returns a *CorruptionError.
func (e *ChunkEncryptor) Decrypt(chunk *EncryptedChunk) ([]byte, error) {
	if chunk == nil {
		return nil, NewValidationError("chunk", nil, "chunk cannot be nil")
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.cipher == nil {
		return nil, ErrEncryptorClosed
	}
	if len(chunk.Content) < chunkHeaderSize+e.cipher.Overhead() {
		return nil, &AuthenticationError{
			Address: chunk.Address,
			Message: fmt.Sprintf("chunk content too short: %d bytes", len(chunk.Content)),
			Err:     ErrAuthFailed,
		}
	}

	// The version byte is covered by the AAD, so an unknown version is
	// indistinguishable from tampering.
	version := chunk.Content[0]
	if version != ChunkFormatVersion {
		return nil, &AuthenticationError{
			Address: chunk.Address,
			Message: fmt.Sprintf("unsupported chunk format version %d", version),
			Err:     errors.Join(ErrAuthFailed, ErrUnsupportedVersion),
		}
	}

	compressed, err := e.cipher.Open(chunk.Address, chunk.Content[chunkHeaderSize:], chunkAAD(version, chunk.Address))
	if err != nil {
		if errors.Is(err, ErrAuthFailed) {
			return nil, NewAuthenticationError(chunk.Address, err)
		}
		return nil, NewEncryptionError("decrypt", chunk.Address, err)
	}

	plaintext, err := Decompress(e.opts.Compression, compressed, e.opts.MaxPlaintextSize)
	if err != nil {
		return nil, &CorruptionError{
			Address: chunk.Address,
			Message: "failed to decompress authenticated chunk: " + err.Error(),
			Err:     err,
		}
	}

	if e.addressOf(plaintext) != chunk.Address {
		return nil, NewCorruptionError(chunk.Address, 0, "plaintext does not hash to its address")
	}
	return plaintext, nil
}
