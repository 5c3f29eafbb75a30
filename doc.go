// Package chunkvault provides an encrypted, content-addressed chunk store with
// deduplication. Byte streams are cut into fixed-size chunks, every chunk is
// encrypted deterministically and stored under a keyed hash of its plaintext,
// and streams larger than one chunk are described by a tree of index chunks.
//
// # Overview
//
// A Repository owns two random root secrets: the content key that encrypts
// chunks and the HMAC key that computes chunk addresses. Both are wrapped
// (RFC 3394) under a key encryption key derived from a passphrase, and the
// wrapped keys are persisted with the KDF salt and parameters as the root
// record of a Backend.
//
// Identical plaintext always yields the same address and the same ciphertext,
// so writing the same data twice stores it once. Without the HMAC key an
// observer cannot compute addresses or test for known content.
//
// # Supported Cipher Suites
//
//   - AES-256-GCM with a nonce derived from the chunk address (default)
//   - ChaCha20-Poly1305 with a nonce derived from the chunk address
//   - AES-SIV (RFC 5297), deterministic without a nonce
//
// Chunks can be compressed before encryption with zstd, LZ4 or xz. Addresses
// are HMAC-SHA256 or keyed BLAKE3 of the uncompressed plaintext.
//
// # Basic Usage
//
//	backend, err := chunkvault.OpenBackend(chunkvault.BackendConfig{
//	    Type: chunkvault.BackendBadger,
//	    Path: "/var/lib/chunkvault",
//	})
//	if err != nil {
//	    panic(err)
//	}
//	defer backend.Close()
//
//	repo, err := chunkvault.NewRepository(backend, chunkvault.DefaultConfig())
//	if err != nil {
//	    panic(err)
//	}
//
//	if _, err := repo.Initialize(ctx, []byte("my-secure-password")); err != nil {
//	    panic(err)
//	}
//
//	root, stats, err := repo.Write(ctx, file)
//	// ... later, after repo.Open(ctx, passphrase) returns OpenSuccess
//	r, err := repo.Read(ctx, root)
//	io.Copy(os.Stdout, r)
//
// # Chunk Format
//
// Stored chunk content is:
//   - Format version (1 byte)
//   - Ciphertext and authentication tag of the (compressed) plaintext
//
// The version byte and the address are bound as associated data, so moving a
// chunk to another address or altering any byte fails authentication.
//
// # Hash Trees
//
// Leaves (level 0) hold stream data. An index chunk at level n > 0 holds the
// concatenated 32-byte addresses of its children at level n-1, at most
// ChunkSize/32 of them. A stream is identified by its StreamRoot, the address
// and level of the single chunk at the top of its tree.
//
// # Backends
//
//   - memory: in-process, over memfs
//   - directory: any absfs.FileSystem, one file per chunk
//   - badger: a BadgerDB key/value store
//   - sqlite: a SQLite database file
//
// # Security Considerations
//
// Protected Against:
//   - Unauthorized access to stored chunks at rest
//   - Tampering with or relocating chunks (authenticated encryption)
//   - Offline brute-force attacks on the passphrase (Argon2id)
//
// Not Protected Against:
//   - Leakage of equality: identical chunks are visibly identical
//   - Chunk sizes and tree shapes
//   - Memory inspection while a repository is open
package chunkvault
