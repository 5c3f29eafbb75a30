package chunkvault

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
cipher: chacha20-poly1305
compression: lz4
address_hash: blake3
chunk_size: 1048576
kdf:
  algorithm: argon2id
  argon2id: {memory: 65536, iterations: 2, parallelism: 2}
  salt_size: 16
parallel:
  enabled: true
  max_workers: 3
  min_chunks_for_parallel: 2
backend:
  type: badger
  path: /var/lib/chunkvault
`))
	require.NoError(t, err)

	require.Equal(t, CipherChaCha20Poly1305, cfg.Cipher)
	require.Equal(t, CompressionLZ4, cfg.Compression)
	require.Equal(t, AddressBLAKE3Keyed, cfg.AddressHash)
	require.Equal(t, 1<<20, cfg.ChunkSize)
	require.Equal(t, Argon2idParams{Memory: 65536, Iterations: 2, Parallelism: 2}, cfg.KDF.Argon2id)
	require.Equal(t, 16, cfg.KDF.SaltSize)
	require.Equal(t, ParallelConfig{Enabled: true, MaxWorkers: 3, MinChunksForParallel: 2}, cfg.Parallel)
	require.Equal(t, BackendConfig{Type: BackendBadger, Path: "/var/lib/chunkvault"}, cfg.Backend)
}

func TestParseConfig_Defaults(t *testing.T) {
	cfg, err := ParseConfig([]byte("compression: none\n"))
	require.NoError(t, err)

	def := DefaultConfig()
	require.Equal(t, CompressionNone, cfg.Compression)
	require.Equal(t, def.Cipher, cfg.Cipher)
	require.Equal(t, def.ChunkSize, cfg.ChunkSize)
	require.Equal(t, def.KDF, cfg.KDF)
	require.Equal(t, def.Backend, cfg.Backend)
}

func TestParseConfig_PBKDF2(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
kdf:
  algorithm: pbkdf2
  pbkdf2: {iterations: 210000, hash: sha512}
`))
	require.NoError(t, err)
	require.Equal(t, KDFPBKDF2, cfg.KDF.Algorithm)
	require.Equal(t, PBKDF2Params{Iterations: 210000, HashFunc: SHA512}, cfg.KDF.PBKDF2)
}

func TestParseConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown cipher", "cipher: rot13\n"},
		{"unknown compression", "compression: brotli\n"},
		{"chunk size too small", "chunk_size: 16\n"},
		{"negative workers", "parallel: {enabled: true, max_workers: -1}\n"},
		{"unknown backend", "backend: {type: s3}\n"},
		{"directory without path", "backend: {type: directory}\n"},
		{"not yaml", "cipher: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.yaml))
			require.Error(t, err)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chunkvault.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cipher: aes-siv\nchunk_size: 4096\n"), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, CipherAESSIV, cfg.Cipher)
	require.Equal(t, 4096, cfg.ChunkSize)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}
