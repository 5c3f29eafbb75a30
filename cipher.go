package chunkvault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Domain separation tags for keys and nonces derived from the content key
const (
	nonceDomain  = "chunkvault.chunk.nonce.v1"
	sivKeyDomain = "chunkvault.chunk.siv-key.v1"
)

// CipherEngine provides nonce-based AEAD encryption/decryption
type CipherEngine interface {
	// Encrypt seals plaintext with the given nonce and additional data
	Encrypt(nonce, plaintext, aad []byte) ([]byte, error)

	// Decrypt opens ciphertext with the given nonce and additional data
	Decrypt(nonce, ciphertext, aad []byte) ([]byte, error)

	// NonceSize returns the size of nonces in bytes
	NonceSize() int

	// Overhead returns the authentication tag size
	Overhead() int
}

// aeadEngine implements CipherEngine over any cipher.AEAD
type aeadEngine struct {
	aead cipher.AEAD
}

// NewAESGCMEngine creates a new AES-256-GCM cipher engine
func NewAESGCMEngine(key []byte) (CipherEngine, error) {
	if err := ValidateKey(key, "key", KeySize); err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &aeadEngine{aead: aead}, nil
}

// NewChaCha20Poly1305Engine creates a new ChaCha20-Poly1305 cipher engine
func NewChaCha20Poly1305Engine(key []byte) (CipherEngine, error) {
	if err := ValidateKey(key, "key", chacha20poly1305.KeySize); err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create ChaCha20-Poly1305 cipher: %w", err)
	}

	return &aeadEngine{aead: aead}, nil
}

func (e *aeadEngine) Encrypt(nonce, plaintext, aad []byte) ([]byte, error) {
	if len(nonce) != e.NonceSize() {
		return nil, fmt.Errorf("nonce must be %d bytes, got %d", e.NonceSize(), len(nonce))
	}
	return e.aead.Seal(nil, nonce, plaintext, aad), nil
}

func (e *aeadEngine) Decrypt(nonce, ciphertext, aad []byte) ([]byte, error) {
	if len(nonce) != e.NonceSize() {
		return nil, fmt.Errorf("nonce must be %d bytes, got %d", e.NonceSize(), len(nonce))
	}
	plaintext, err := e.aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

func (e *aeadEngine) NonceSize() int { return e.aead.NonceSize() }

func (e *aeadEngine) Overhead() int { return e.aead.Overhead() }

// NewCipherEngine creates a new nonce-based cipher engine for the cipher suite
func NewCipherEngine(suite CipherSuite, key []byte) (CipherEngine, error) {
	switch suite.resolve() {
	case CipherAES256GCM:
		return NewAESGCMEngine(key)
	case CipherChaCha20Poly1305:
		return NewChaCha20Poly1305Engine(key)
	default:
		return nil, ErrUnsupportedCipher
	}
}

// ChunkCipher seals chunk content deterministically: the same address, plaintext
// and additional data always produce the same ciphertext
type ChunkCipher interface {
	Seal(address Address, plaintext, aad []byte) ([]byte, error)
	Open(address Address, ciphertext, aad []byte) ([]byte, error)
	Overhead() int
}

// DeterministicCipher runs a nonce-based engine with a nonce derived from the chunk
// address by HKDF-SHA256 under the content key
type DeterministicCipher struct {
	engine CipherEngine
	prk    []byte
}

// NewDeterministicCipher binds engine to the nonce derivation key
func NewDeterministicCipher(engine CipherEngine, contentKey EncryptionKey) *DeterministicCipher {
	return &DeterministicCipher{
		engine: engine,
		prk:    hkdf.Extract(sha256.New, contentKey[:], []byte(nonceDomain)),
	}
}

// Nonce returns the nonce used for address
func (d *DeterministicCipher) Nonce(address Address) ([]byte, error) {
	info := make([]byte, 0, len(nonceDomain)+AddressSize)
	info = append(info, nonceDomain...)
	info = append(info, address[:]...)

	nonce := make([]byte, d.engine.NonceSize())
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, d.prk, info), nonce); err != nil {
		return nil, fmt.Errorf("failed to derive nonce: %w", err)
	}
	return nonce, nil
}

// Seal encrypts plaintext for address
func (d *DeterministicCipher) Seal(address Address, plaintext, aad []byte) ([]byte, error) {
	nonce, err := d.Nonce(address)
	if err != nil {
		return nil, err
	}
	return d.engine.Encrypt(nonce, plaintext, aad)
}

// Open decrypts ciphertext for address
func (d *DeterministicCipher) Open(address Address, ciphertext, aad []byte) ([]byte, error) {
	nonce, err := d.Nonce(address)
	if err != nil {
		return nil, err
	}
	return d.engine.Decrypt(nonce, ciphertext, aad)
}

// Overhead returns the authentication tag size
func (d *DeterministicCipher) Overhead() int {
	return d.engine.Overhead()
}

func (d *DeterministicCipher) destroy() {
	zero(d.prk)
}

// NewChunkCipher builds the deterministic cipher for a repository's suite
func NewChunkCipher(suite CipherSuite, contentKey EncryptionKey) (ChunkCipher, error) {
	switch suite.resolve() {
	case CipherAESSIV:
		key := make([]byte, sivKeySize)
		if _, err := io.ReadFull(hkdf.New(sha256.New, contentKey[:], nil, []byte(sivKeyDomain)), key); err != nil {
			return nil, fmt.Errorf("failed to derive siv key: %w", err)
		}
		defer zero(key)
		return NewSIVEngine(key)
	case CipherAES256GCM, CipherChaCha20Poly1305:
		engine, err := NewCipherEngine(suite, contentKey[:])
		if err != nil {
			return nil, err
		}
		return NewDeterministicCipher(engine, contentKey), nil
	default:
		return nil, ErrUnsupportedCipher
	}
}
