package chunkvault

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"math"

	"github.com/google/uuid"
)

// Repository root record layout. Variable-length fields use the buffer record
// convention (VarInt length + bytes); integers are VarInts.
//
// ┌─────────────────────────────────────┐
// │ Magic "CVRT" (4 bytes)              │
// │ Format version (1 byte)             │
// │ Repository ID (16 bytes, UUID)      │
// ├─────────────────────────────────────┤
// │ KDF salt (buffer)                   │
// │ KDF algorithm (varint)              │
// │ argon2id: memory, iterations, lanes │
// │ pbkdf2:   iterations, hash          │
// ├─────────────────────────────────────┤
// │ Wrapped content key (buffer)        │
// │ Wrapped HMAC key (buffer)           │
// ├─────────────────────────────────────┤
// │ Cipher, compression, address hash,  │
// │ chunk size (varints)                │
// ├─────────────────────────────────────┤
// │ HMAC-SHA256 of all of the above     │ <- under the unwrapped HMAC key
// └─────────────────────────────────────┘

var rootMagic = [4]byte{'C', 'V', 'R', 'T'}

const (
	// RootFormatVersion is the current root record version
	RootFormatVersion = uint8(1)

	rootMACSize = sha256.Size
)

// RootRecord is the persisted repository bootstrap object
type RootRecord struct {
	Version           uint8
	RepositoryID      uuid.UUID
	Salt              []byte
	KDF               KDFParams
	WrappedContentKey WrappedEncryptionKey
	WrappedHmacKey    WrappedEncryptionKey
	Settings          Settings

	signed []byte // serialized fields covered by mac, set by ParseRootRecord
	mac    []byte
}

// Marshal serializes the record and appends its MAC under hmacKey
func (r *RootRecord) Marshal(hmacKey HmacKey) ([]byte, error) {
	if r.Settings.ChunkSize < 0 || r.Settings.ChunkSize > math.MaxInt32 {
		return nil, NewValidationError("chunk_size", r.Settings.ChunkSize, "chunk size out of range")
	}
	if r.KDF.PBKDF2.Iterations < 0 || r.KDF.PBKDF2.Iterations > math.MaxInt32 {
		return nil, NewValidationError("kdf.pbkdf2.iterations", r.KDF.PBKDF2.Iterations, "iterations out of range")
	}

	w := NewBufferWriter(256)
	for _, b := range rootMagic {
		w.WriteByte(b)
	}
	w.WriteByte(r.Version)
	for _, b := range r.RepositoryID {
		w.WriteByte(b)
	}

	if err := w.WriteBuffer(r.Salt); err != nil {
		return nil, err
	}
	w.WriteVarInt(uint32(r.KDF.Algorithm))
	switch r.KDF.Algorithm {
	case KDFArgon2id:
		w.WriteVarInt(r.KDF.Argon2id.Memory)
		w.WriteVarInt(r.KDF.Argon2id.Iterations)
		w.WriteVarInt(uint32(r.KDF.Argon2id.Parallelism))
	case KDFPBKDF2:
		w.WriteVarInt(uint32(r.KDF.PBKDF2.Iterations))
		w.WriteVarInt(uint32(r.KDF.PBKDF2.HashFunc))
	default:
		return nil, NewValidationError("kdf.algorithm", r.KDF.Algorithm, "unsupported kdf algorithm")
	}

	if err := w.WriteBuffer(r.WrappedContentKey); err != nil {
		return nil, err
	}
	if err := w.WriteBuffer(r.WrappedHmacKey); err != nil {
		return nil, err
	}

	w.WriteVarInt(uint32(r.Settings.Cipher))
	w.WriteVarInt(uint32(r.Settings.Compression))
	w.WriteVarInt(uint32(r.Settings.AddressHash))
	w.WriteVarInt(uint32(r.Settings.ChunkSize))

	mac := rootMAC(hmacKey, w.Bytes())
	out := make([]byte, 0, w.Len()+len(mac))
	out = append(out, w.Bytes()...)
	return append(out, mac...), nil
}

// ParseRootRecord decodes a root record. The MAC is not checked until Verify is
// called with the unwrapped HMAC key.
func ParseRootRecord(data []byte) (*RootRecord, error) {
	if len(data) < len(rootMagic)+1+16+rootMACSize {
		return nil, fmt.Errorf("%w: record too short (%d bytes)", ErrInvalidHeader, len(data))
	}
	body := data[:len(data)-rootMACSize]
	r := NewBufferReader(body)

	magic, err := r.ReadFixed(len(rootMagic))
	if err != nil {
		return nil, fmt.Errorf("failed to read magic: %w", err)
	}
	if !bytes.Equal(magic, rootMagic[:]) {
		return nil, fmt.Errorf("%w: bad magic", ErrInvalidHeader)
	}

	rec := &RootRecord{}
	if rec.Version, err = r.ReadByte(); err != nil {
		return nil, fmt.Errorf("failed to read version: %w", err)
	}
	if rec.Version == 0 || rec.Version > RootFormatVersion {
		return nil, fmt.Errorf("%w: root record version %d", ErrUnsupportedVersion, rec.Version)
	}
	id, err := r.ReadFixed(16)
	if err != nil {
		return nil, err
	}
	copy(rec.RepositoryID[:], id)

	if rec.Salt, err = r.ReadBuffer(); err != nil {
		return nil, fmt.Errorf("failed to read salt: %w", err)
	}
	rec.KDF.SaltSize = len(rec.Salt)

	alg, err := r.ReadVarInt()
	if err != nil {
		return nil, fmt.Errorf("failed to read kdf algorithm: %w", err)
	}
	rec.KDF.Algorithm = KDFAlgorithm(alg)
	switch rec.KDF.Algorithm {
	case KDFArgon2id:
		var lanes uint32
		if rec.KDF.Argon2id.Memory, err = r.ReadVarInt(); err == nil {
			if rec.KDF.Argon2id.Iterations, err = r.ReadVarInt(); err == nil {
				lanes, err = r.ReadVarInt()
			}
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read argon2id params: %w", err)
		}
		if lanes == 0 || lanes > math.MaxUint8 {
			return nil, NewValidationError("kdf.argon2id.parallelism", lanes, "parallelism out of range")
		}
		rec.KDF.Argon2id.Parallelism = uint8(lanes)
	case KDFPBKDF2:
		var iter, hf uint32
		if iter, err = r.ReadVarInt(); err == nil {
			hf, err = r.ReadVarInt()
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read pbkdf2 params: %w", err)
		}
		if iter > math.MaxInt32 || hf > math.MaxUint8 {
			return nil, NewValidationError("kdf.pbkdf2", iter, "pbkdf2 params out of range")
		}
		rec.KDF.PBKDF2.Iterations = int(iter)
		rec.KDF.PBKDF2.HashFunc = HashFunc(hf)
	default:
		return nil, NewValidationError("kdf.algorithm", alg, "unsupported kdf algorithm")
	}
	if err := rec.KDF.Validate(); err != nil {
		return nil, err
	}

	wrapped, err := r.ReadBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to read wrapped content key: %w", err)
	}
	if rec.WrappedContentKey, err = NewWrappedEncryptionKey(wrapped); err != nil {
		return nil, err
	}
	if wrapped, err = r.ReadBuffer(); err != nil {
		return nil, fmt.Errorf("failed to read wrapped hmac key: %w", err)
	}
	if rec.WrappedHmacKey, err = NewWrappedEncryptionKey(wrapped); err != nil {
		return nil, err
	}

	var settings [4]uint32
	for i := range settings {
		if settings[i], err = r.ReadVarInt(); err != nil {
			return nil, fmt.Errorf("failed to read settings: %w", err)
		}
	}
	if settings[0] > math.MaxUint8 || settings[1] > math.MaxUint8 || settings[2] > math.MaxUint8 {
		return nil, NewValidationError("settings", settings, "settings out of range")
	}
	rec.Settings = Settings{
		Cipher:      CipherSuite(settings[0]),
		Compression: CompressionAlgorithm(settings[1]),
		AddressHash: AddressHash(settings[2]),
		ChunkSize:   int(settings[3]),
	}
	if !r.Done() {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrInvalidHeader, r.Remaining())
	}

	rec.signed = body
	rec.mac = data[len(data)-rootMACSize:]
	return rec, nil
}

// Verify checks the record MAC and the stored settings
func (r *RootRecord) Verify(hmacKey HmacKey) error {
	if r.signed == nil || !hmac.Equal(r.mac, rootMAC(hmacKey, r.signed)) {
		return &CorruptionError{Message: "root record MAC mismatch", Err: ErrAuthFailed}
	}
	s := r.Settings
	if s.Cipher == CipherAuto || !s.Cipher.valid() {
		return &CorruptionError{Message: fmt.Sprintf("root record names unsupported cipher %s", s.Cipher), Err: ErrUnsupportedCipher}
	}
	if !s.Compression.valid() || !s.AddressHash.valid() {
		return NewCorruptionError(Address{}, 0, "root record names unsupported compression or address hash")
	}
	if err := ValidateChunkSize(s.ChunkSize); err != nil {
		return &CorruptionError{Message: "root record chunk size invalid", Err: err}
	}
	return nil
}

func rootMAC(key HmacKey, data []byte) []byte {
	m := hmac.New(sha256.New, key[:])
	m.Write([]byte("chunkvault.root.v1"))
	m.Write(data)
	return m.Sum(nil)
}
