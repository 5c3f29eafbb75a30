package chunkvault

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/pbkdf2"
)

// KDF bounds. Parameters are read back from the repository root, so they are
// bounded on the way in as well as on the way out.
const (
	DefaultSaltSize = 32
	MinSaltSize     = 16
	MaxSaltSize     = 1024

	maxArgon2Memory     = 4 * 1024 * 1024 // KiB, 4 GiB
	maxArgon2Iterations = 100
	maxPBKDF2Iterations = 10_000_000
)

// DefaultKDFParams returns Argon2id with 64 MiB, 3 passes, 4 lanes and a 32 byte salt
func DefaultKDFParams() KDFParams {
	return KDFParams{
		Algorithm: KDFArgon2id,
		Argon2id: Argon2idParams{
			Memory:      64 * 1024, // 64 MB
			Iterations:  3,
			Parallelism: 4,
		},
		PBKDF2: PBKDF2Params{
			Iterations: 600000,
			HashFunc:   SHA256,
		},
		SaltSize: DefaultSaltSize,
	}
}

// withDefaults fills zero fields of the selected algorithm
func (p KDFParams) withDefaults() KDFParams {
	def := DefaultKDFParams()
	if p.Argon2id.Memory == 0 {
		p.Argon2id.Memory = def.Argon2id.Memory
	}
	if p.Argon2id.Iterations == 0 {
		p.Argon2id.Iterations = def.Argon2id.Iterations
	}
	if p.Argon2id.Parallelism == 0 {
		p.Argon2id.Parallelism = def.Argon2id.Parallelism
	}
	if p.PBKDF2.Iterations == 0 {
		p.PBKDF2.Iterations = def.PBKDF2.Iterations
	}
	if p.SaltSize == 0 {
		p.SaltSize = def.SaltSize
	}
	return p
}

// Validate checks the parameters of the selected algorithm. Zero values are
// accepted and replaced by defaults before use.
func (p *KDFParams) Validate() error {
	if p.SaltSize != 0 {
		if err := ValidateSize(p.SaltSize, "kdf.salt_size", MinSaltSize, MaxSaltSize); err != nil {
			return err
		}
	}
	switch p.Algorithm {
	case KDFArgon2id:
		a := p.Argon2id
		if a.Memory > maxArgon2Memory {
			return NewValidationError("kdf.argon2id.memory", a.Memory, fmt.Sprintf("memory must not exceed %d KiB", maxArgon2Memory))
		}
		if a.Iterations > maxArgon2Iterations {
			return NewValidationError("kdf.argon2id.iterations", a.Iterations, fmt.Sprintf("iterations must not exceed %d", maxArgon2Iterations))
		}
		if a.Memory != 0 && a.Parallelism != 0 && a.Memory < 8*uint32(a.Parallelism) {
			return NewValidationError("kdf.argon2id.memory", a.Memory, "memory must be at least 8 KiB per lane")
		}
	case KDFPBKDF2:
		if p.PBKDF2.Iterations < 0 || p.PBKDF2.Iterations > maxPBKDF2Iterations {
			return NewValidationError("kdf.pbkdf2.iterations", p.PBKDF2.Iterations, fmt.Sprintf("iterations must be between 1 and %d", maxPBKDF2Iterations))
		}
		if HashFuncToHash(p.PBKDF2.HashFunc) == nil {
			return NewValidationError("kdf.pbkdf2.hash", p.PBKDF2.HashFunc, "unsupported hash function")
		}
	default:
		return NewValidationError("kdf.algorithm", p.Algorithm, "unsupported kdf algorithm")
	}
	return nil
}

// KeyProvider derives the key encryption key that protects the repository secrets
type KeyProvider interface {
	// DeriveKey derives a KEK from the given salt
	DeriveKey(salt []byte) (KeyEncryptionKey, error)

	// GenerateSalt generates a new random salt
	GenerateSalt() ([]byte, error)

	// Params returns the parameters to persist next to the salt
	Params() KDFParams
}

// PasswordKeyProvider implements KeyProvider using password-based key derivation
type PasswordKeyProvider struct {
	password []byte
	params   KDFParams
}

// NewPasswordKeyProvider creates a password-based key provider. Zero parameter
// fields take the Argon2id defaults.
func NewPasswordKeyProvider(password []byte, params KDFParams) (*PasswordKeyProvider, error) {
	if err := ValidatePassphrase(password); err != nil {
		return nil, err
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &PasswordKeyProvider{
		password: password,
		params:   params.withDefaults(),
	}, nil
}

// Params returns the effective parameters
func (p *PasswordKeyProvider) Params() KDFParams {
	return p.params
}

// DeriveKey derives a KEK from the password and salt
func (p *PasswordKeyProvider) DeriveKey(salt []byte) (KeyEncryptionKey, error) {
	var kek KeyEncryptionKey
	if err := ValidateBuffer(salt, "salt", MinSaltSize); err != nil {
		return kek, err
	}

	var key []byte
	switch p.params.Algorithm {
	case KDFArgon2id:
		key = argon2.IDKey(
			p.password,
			salt,
			p.params.Argon2id.Iterations,
			p.params.Argon2id.Memory,
			p.params.Argon2id.Parallelism,
			KeySize,
		)
	case KDFPBKDF2:
		hashFunc := HashFuncToHash(p.params.PBKDF2.HashFunc)
		if hashFunc == nil {
			return kek, fmt.Errorf("unsupported hash function: %v", p.params.PBKDF2.HashFunc)
		}
		key = pbkdf2.Key(p.password, salt, p.params.PBKDF2.Iterations, KeySize, hashFunc)
	default:
		return kek, NewValidationError("kdf.algorithm", p.params.Algorithm, "unsupported kdf algorithm")
	}
	defer zero(key)

	copy(kek[:], key)
	return kek, nil
}

// GenerateSalt generates a new random salt
func (p *PasswordKeyProvider) GenerateSalt() ([]byte, error) {
	salt := make([]byte, p.params.SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}
