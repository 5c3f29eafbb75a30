package chunkvault

import (
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
	"strings"

	"github.com/sirupsen/logrus"
)

// CipherSuite represents the chunk encryption algorithm
type CipherSuite uint8

const (
	// CipherAuto resolves to CipherAES256GCM when a repository is initialized
	CipherAuto CipherSuite = iota
	// CipherAES256GCM uses AES-256 with Galois/Counter Mode and address-derived nonces
	CipherAES256GCM
	// CipherChaCha20Poly1305 uses ChaCha20 stream cipher with Poly1305 MAC and address-derived nonces
	CipherChaCha20Poly1305
	// CipherAESSIV uses AES-SIV (RFC 5297), deterministic without a nonce
	CipherAESSIV
)

// String returns the string representation of the cipher suite
func (c CipherSuite) String() string {
	switch c {
	case CipherAuto:
		return "auto"
	case CipherAES256GCM:
		return "aes-256-gcm"
	case CipherChaCha20Poly1305:
		return "chacha20-poly1305"
	case CipherAESSIV:
		return "aes-siv"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// ParseCipherSuite converts a configuration name into a CipherSuite
func ParseCipherSuite(s string) (CipherSuite, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return CipherAuto, nil
	case "aes-256-gcm", "aes256gcm", "aes-gcm":
		return CipherAES256GCM, nil
	case "chacha20-poly1305", "chacha20poly1305":
		return CipherChaCha20Poly1305, nil
	case "aes-siv", "siv":
		return CipherAESSIV, nil
	default:
		return 0, NewValidationError("cipher", s, "unknown cipher suite")
	}
}

// MarshalText implements encoding.TextMarshaler
func (c CipherSuite) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler
func (c *CipherSuite) UnmarshalText(text []byte) error {
	v, err := ParseCipherSuite(string(text))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// resolve maps CipherAuto onto a concrete suite
func (c CipherSuite) resolve() CipherSuite {
	if c == CipherAuto {
		return CipherAES256GCM
	}
	return c
}

func (c CipherSuite) valid() bool {
	return c <= CipherAESSIV
}

// AddressHash selects the keyed hash that turns plaintext into an Address
type AddressHash uint8

const (
	// AddressHMACSHA256 computes HMAC-SHA256 under the repository HMAC key
	AddressHMACSHA256 AddressHash = iota
	// AddressBLAKE3Keyed computes keyed BLAKE3 under the repository HMAC key
	AddressBLAKE3Keyed
)

// String returns the string representation of the address hash
func (h AddressHash) String() string {
	switch h {
	case AddressHMACSHA256:
		return "hmac-sha256"
	case AddressBLAKE3Keyed:
		return "blake3-keyed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(h))
	}
}

// ParseAddressHash converts a configuration name into an AddressHash
func ParseAddressHash(s string) (AddressHash, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "hmac-sha256", "hmac":
		return AddressHMACSHA256, nil
	case "blake3-keyed", "blake3":
		return AddressBLAKE3Keyed, nil
	default:
		return 0, NewValidationError("address_hash", s, "unknown address hash")
	}
}

// MarshalText implements encoding.TextMarshaler
func (h AddressHash) MarshalText() ([]byte, error) { return []byte(h.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler
func (h *AddressHash) UnmarshalText(text []byte) error {
	v, err := ParseAddressHash(string(text))
	if err != nil {
		return err
	}
	*h = v
	return nil
}

func (h AddressHash) valid() bool {
	return h <= AddressBLAKE3Keyed
}

// HashFunc represents hash function types for PBKDF2
type HashFunc uint8

const (
	// SHA256 hash function
	SHA256 HashFunc = iota
	// SHA512 hash function
	SHA512
)

// String returns the string representation of the hash function
func (hf HashFunc) String() string {
	switch hf {
	case SHA256:
		return "sha256"
	case SHA512:
		return "sha512"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(hf))
	}
}

// MarshalText implements encoding.TextMarshaler
func (hf HashFunc) MarshalText() ([]byte, error) { return []byte(hf.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler
func (hf *HashFunc) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "", "sha256", "sha-256":
		*hf = SHA256
	case "sha512", "sha-512":
		*hf = SHA512
	default:
		return NewValidationError("hash_func", string(text), "unknown hash function")
	}
	return nil
}

// HashFuncToHash converts HashFunc to a hash constructor. Unknown values return nil.
func HashFuncToHash(hf HashFunc) func() hash.Hash {
	switch hf {
	case SHA256:
		return sha256.New
	case SHA512:
		return sha512.New
	default:
		return nil
	}
}

// KDFAlgorithm selects the passphrase key derivation function
type KDFAlgorithm uint8

const (
	// KDFArgon2id derives the KEK with Argon2id (recommended)
	KDFArgon2id KDFAlgorithm = iota
	// KDFPBKDF2 derives the KEK with PBKDF2
	KDFPBKDF2
)

// String returns the string representation of the KDF algorithm
func (a KDFAlgorithm) String() string {
	switch a {
	case KDFArgon2id:
		return "argon2id"
	case KDFPBKDF2:
		return "pbkdf2"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(a))
	}
}

// MarshalText implements encoding.TextMarshaler
func (a KDFAlgorithm) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler
func (a *KDFAlgorithm) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "", "argon2id", "argon2":
		*a = KDFArgon2id
	case "pbkdf2":
		*a = KDFPBKDF2
	default:
		return NewValidationError("kdf.algorithm", string(text), "unknown kdf algorithm")
	}
	return nil
}

// PBKDF2Params contains parameters for PBKDF2 key derivation
type PBKDF2Params struct {
	Iterations int      `yaml:"iterations"` // Number of iterations (minimum 100,000 recommended)
	HashFunc   HashFunc `yaml:"hash"`       // Hash function to use
}

// Argon2idParams contains parameters for Argon2id key derivation
type Argon2idParams struct {
	Memory      uint32 `yaml:"memory"`      // Memory in KiB (e.g., 64*1024 for 64MB)
	Iterations  uint32 `yaml:"iterations"`  // Number of iterations (time parameter)
	Parallelism uint8  `yaml:"parallelism"` // Degree of parallelism
}

// KDFParams selects and parameterizes the passphrase KDF. The chosen parameters are
// persisted in the repository root so Open re-derives the same KEK.
type KDFParams struct {
	Algorithm KDFAlgorithm   `yaml:"algorithm"`
	Argon2id  Argon2idParams `yaml:"argon2id"`
	PBKDF2    PBKDF2Params   `yaml:"pbkdf2"`
	SaltSize  int            `yaml:"salt_size"` // Salt size in bytes (default 32)
}

// Settings are the repository-wide chunk parameters fixed at Initialize and
// persisted in the root record
type Settings struct {
	Cipher      CipherSuite
	Compression CompressionAlgorithm
	AddressHash AddressHash
	ChunkSize   int
}

// Config contains configuration for a repository
type Config struct {
	// Cipher suite to use for chunk encryption
	Cipher CipherSuite `yaml:"cipher"`

	// Compression applied to every chunk before encryption
	Compression CompressionAlgorithm `yaml:"compression"`

	// AddressHash used to compute chunk addresses
	AddressHash AddressHash `yaml:"address_hash"`

	// ChunkSize is the maximum plaintext chunk size; it also fixes the index fan-out
	ChunkSize int `yaml:"chunk_size"`

	// KDF parameters used when initializing a repository or changing its passphrase
	KDF KDFParams `yaml:"kdf"`

	// Parallel controls concurrent chunk store and fetch
	Parallel ParallelConfig `yaml:"parallel"`

	// Backend selects the chunk storage backend for OpenBackend
	Backend BackendConfig `yaml:"backend"`

	// Logger receives lifecycle and per-chunk events; nil discards them
	Logger logrus.FieldLogger `yaml:"-"`
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c == nil {
		return ErrNilConfig
	}
	if !c.Cipher.valid() {
		return &ValidationError{Field: "cipher", Value: c.Cipher, Message: "unsupported cipher suite", Err: ErrUnsupportedCipher}
	}
	if !c.Compression.valid() {
		return NewValidationError("compression", c.Compression, "unsupported compression algorithm")
	}
	if !c.AddressHash.valid() {
		return NewValidationError("address_hash", c.AddressHash, "unsupported address hash")
	}
	if c.ChunkSize != 0 {
		if err := ValidateChunkSize(c.ChunkSize); err != nil {
			return err
		}
	}
	if err := c.KDF.Validate(); err != nil {
		return err
	}
	if err := c.Parallel.Validate(); err != nil {
		return err
	}
	return nil
}

// settings resolves the configured chunk parameters, applying defaults
func (c *Config) settings() Settings {
	s := Settings{
		Cipher:      c.Cipher.resolve(),
		Compression: c.Compression,
		AddressHash: c.AddressHash,
		ChunkSize:   c.ChunkSize,
	}
	if s.ChunkSize == 0 {
		s.ChunkSize = DefaultChunkSize
	}
	return s
}
