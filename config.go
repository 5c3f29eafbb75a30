package chunkvault

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultConfig returns a configuration with AES-256-GCM, zstd compression,
// HMAC-SHA256 addresses, 64 KiB chunks, Argon2id and the memory backend
func DefaultConfig() *Config {
	return &Config{
		Cipher:      CipherAuto,
		Compression: CompressionZstd,
		AddressHash: AddressHMACSHA256,
		ChunkSize:   DefaultChunkSize,
		KDF:         DefaultKDFParams(),
		Parallel:    DefaultParallelConfig(),
		Backend:     BackendConfig{Type: BackendMemory},
	}
}

// LoadConfig loads a configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses a YAML configuration. Fields absent from data keep their
// DefaultConfig values.
//
//	cipher: chacha20-poly1305
//	compression: lz4
//	chunk_size: 1048576
//	kdf:
//	  algorithm: argon2id
//	  argon2id: {memory: 65536, iterations: 3, parallelism: 4}
//	backend:
//	  type: badger
//	  path: /var/lib/chunkvault
func ParseConfig(data []byte) (*Config, error) {
	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := config.Backend.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return config, nil
}
