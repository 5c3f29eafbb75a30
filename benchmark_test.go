package chunkvault

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"path/filepath"
	"testing"

	"github.com/dgraph-io/badger/v4"
)

// Benchmark chunk encryption throughput per cipher suite
func BenchmarkChunkEncryptor_Encrypt(b *testing.B) {
	sizes := []int{
		1024,        // 1 KB
		64 * 1024,   // 64 KB
		1024 * 1024, // 1 MB
	}

	for _, suite := range allCiphers {
		for _, size := range sizes {
			b.Run(fmt.Sprintf("%s/%s", suite, formatSize(size)), func(b *testing.B) {
				benchmarkEncrypt(b, EncryptorOptions{Cipher: suite}, size)
			})
		}
	}
}

// Benchmark chunk encryption per compression algorithm
func BenchmarkChunkEncryptor_Compression(b *testing.B) {
	for _, alg := range allCompressions {
		b.Run(alg.String(), func(b *testing.B) {
			benchmarkEncrypt(b, EncryptorOptions{Compression: alg}, 64*1024)
		})
	}
}

func benchmarkEncrypt(b *testing.B, opts EncryptorOptions, size int) {
	data := make([]byte, size)
	if _, err := rand.Read(data); err != nil {
		b.Fatalf("failed to generate test data: %v", err)
	}
	enc := newTestEncryptor(b, opts)

	b.SetBytes(int64(size))
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if _, err := enc.Encrypt(data); err != nil {
			b.Fatalf("encryption failed: %v", err)
		}
	}
}

// Benchmark decryption
func BenchmarkChunkEncryptor_Decrypt(b *testing.B) {
	sizes := []int{
		1024,        // 1 KB
		64 * 1024,   // 64 KB
		1024 * 1024, // 1 MB
	}

	for _, size := range sizes {
		b.Run(formatSize(size), func(b *testing.B) {
			data := make([]byte, size)
			rand.Read(data)

			enc := newTestEncryptor(b, EncryptorOptions{Cipher: CipherAES256GCM})
			chunk, err := enc.Encrypt(data)
			if err != nil {
				b.Fatalf("encryption failed: %v", err)
			}

			b.SetBytes(int64(size))
			b.ResetTimer()

			for i := 0; i < b.N; i++ {
				if _, err := enc.Decrypt(chunk); err != nil {
					b.Fatalf("decryption failed: %v", err)
				}
			}
		})
	}
}

// Benchmark address computation
func BenchmarkAddressOf(b *testing.B) {
	data := make([]byte, 64*1024)
	rand.Read(data)

	for _, h := range []AddressHash{AddressHMACSHA256, AddressBLAKE3Keyed} {
		b.Run(h.String(), func(b *testing.B) {
			enc := newTestEncryptor(b, EncryptorOptions{AddressHash: h})
			b.SetBytes(int64(len(data)))
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				enc.AddressOf(data)
			}
		})
	}
}

// Benchmark key derivation
func BenchmarkKeyDerivation(b *testing.B) {
	params := []KDFParams{
		{Argon2id: Argon2idParams{Memory: 32 * 1024, Iterations: 1, Parallelism: 2}}, // Fast
		DefaultKDFParams(), // Balanced (default)
		{Argon2id: Argon2idParams{Memory: 256 * 1024, Iterations: 5, Parallelism: 4}}, // Secure
		{Algorithm: KDFPBKDF2, PBKDF2: PBKDF2Params{Iterations: 600000, HashFunc: SHA256}},
	}

	names := []string{"Argon2id-Fast", "Argon2id-Balanced", "Argon2id-Secure", "PBKDF2"}

	for i, param := range params {
		b.Run(names[i], func(b *testing.B) {
			provider, err := NewPasswordKeyProvider([]byte("test-password"), param)
			if err != nil {
				b.Fatal(err)
			}
			salt, err := provider.GenerateSalt()
			if err != nil {
				b.Fatal(err)
			}

			b.ResetTimer()
			for j := 0; j < b.N; j++ {
				if _, err := provider.DeriveKey(salt); err != nil {
					b.Fatalf("key derivation failed: %v", err)
				}
			}
		})
	}
}

// Benchmark full stream write/read cycle
func BenchmarkStreamWriteRead(b *testing.B) {
	sizes := []int{
		64 * 1024,        // 64 KB
		1024 * 1024,      // 1 MB
		10 * 1024 * 1024, // 10 MB
	}

	for _, size := range sizes {
		b.Run(formatSize(size), func(b *testing.B) {
			benchmarkStreamWriteRead(b, size)
		})
	}
}

func benchmarkStreamWriteRead(b *testing.B, size int) {
	ctx := context.Background()
	data := make([]byte, size)
	rand.Read(data)

	b.SetBytes(int64(size * 2))
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		// A fresh store each time, so nothing is deduplicated
		s := newTestStreams(b, newMemoryBackend(b), DefaultChunkSize, DefaultParallelConfig())
		root, _, err := s.Write(ctx, bytes.NewReader(data))
		if err != nil {
			b.Fatalf("write failed: %v", err)
		}
		if _, err := s.ReadTo(ctx, root, io.Discard); err != nil {
			b.Fatalf("read failed: %v", err)
		}
	}
}

// BenchmarkBackends compares chunk put throughput across backends
func BenchmarkBackends(b *testing.B) {
	open := map[string]func(b *testing.B) Backend{
		"memory": func(b *testing.B) Backend { return newMemoryBackend(b) },
		"badger": func(b *testing.B) Backend {
			s, err := OpenBadgerStoreWithOptions(badger.DefaultOptions("").WithInMemory(true), nil)
			if err != nil {
				b.Fatal(err)
			}
			return s
		},
		"sqlite": func(b *testing.B) Backend {
			s, err := OpenSQLiteStore(filepath.Join(b.TempDir(), "bench.db"), SQLiteOptions{})
			if err != nil {
				b.Fatal(err)
			}
			return s
		},
	}

	for name, fn := range open {
		b.Run(name, func(b *testing.B) {
			backend := fn(b)
			defer backend.Close()
			ctx := context.Background()
			enc := newTestEncryptor(b, EncryptorOptions{})
			buf := make([]byte, 4096)

			b.SetBytes(int64(len(buf)))
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				buf[0], buf[1], buf[2], buf[3] = byte(i), byte(i>>8), byte(i>>16), byte(i>>24)
				chunk, err := enc.Encrypt(buf)
				if err != nil {
					b.Fatal(err)
				}
				if _, err := backend.Put(ctx, chunk, OverwriteDeny); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

// BenchmarkDeduplicatedWrite measures writing a stream that is already stored
func BenchmarkDeduplicatedWrite(b *testing.B) {
	ctx := context.Background()
	data := make([]byte, 4*1024*1024)
	rand.Read(data)

	s := newTestStreams(b, newMemoryBackend(b), DefaultChunkSize, DefaultParallelConfig())
	if _, _, err := s.Write(ctx, bytes.NewReader(data)); err != nil {
		b.Fatal(err)
	}

	b.SetBytes(int64(len(data)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, _, err := s.Write(ctx, bytes.NewReader(data)); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkParallelWorkers benchmarks different worker counts
func BenchmarkParallelWorkers(b *testing.B) {
	workerCounts := []int{1, 2, 4, 8, 16}
	size := 10 * 1024 * 1024 // 10MB

	data := make([]byte, size)
	rand.Read(data)

	for _, workers := range workerCounts {
		b.Run(fmt.Sprintf("%dworkers", workers), func(b *testing.B) {
			parallel := ParallelConfig{
				Enabled:              true,
				MaxWorkers:           workers,
				MinChunksForParallel: 4,
			}
			ctx := context.Background()

			b.SetBytes(int64(size))
			b.ResetTimer()

			for i := 0; i < b.N; i++ {
				s := newTestStreams(b, newMemoryBackend(b), DefaultChunkSize, parallel)
				if _, _, err := s.Write(ctx, bytes.NewReader(data)); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

func formatSize(size int) string {
	switch {
	case size >= 1024*1024:
		return fmt.Sprintf("%dMB", size/(1024*1024))
	case size >= 1024:
		return fmt.Sprintf("%dKB", size/1024)
	default:
		return fmt.Sprintf("%dB", size)
	}
}
