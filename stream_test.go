package chunkvault

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"testing"
	"testing/iotest"
)

// hidingStore reports one address as missing
type hidingStore struct {
	ChunkStore
	hidden Address
}

func (h *hidingStore) Get(ctx context.Context, address Address) (*EncryptedChunk, error) {
	if address == h.hidden {
		return nil, fmt.Errorf("chunk %s: %w", address.Short(), ErrChunkNotFound)
	}
	return h.ChunkStore.Get(ctx, address)
}

func newTestStreams(t testing.TB, store ChunkStore, chunkSize int, parallel ParallelConfig) *StreamStorage {
	t.Helper()
	enc := newTestEncryptor(t, EncryptorOptions{
		Cipher:           CipherAES256GCM,
		Compression:      CompressionZstd,
		MaxPlaintextSize: chunkSize,
	})
	s, err := NewStreamStorage(store, enc, StreamOptions{ChunkSize: chunkSize, Parallel: parallel})
	if err != nil {
		t.Fatalf("NewStreamStorage failed: %v", err)
	}
	return s
}

func newMemoryBackend(t testing.TB) Backend {
	t.Helper()
	b, err := NewMemoryStore(nil)
	if err != nil {
		t.Fatalf("NewMemoryStore failed: %v", err)
	}
	return b
}

func randomBytes(t testing.TB, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		t.Fatalf("rand.Read failed: %v", err)
	}
	return b
}

// treeShape returns the height and number of chunk positions of the tree built
// over size bytes
func treeShape(size, chunkSize int) (level int, chunks int) {
	n := (size + chunkSize - 1) / chunkSize
	if n == 0 {
		n = 1
	}
	chunks = n
	fanout := Fanout(chunkSize)
	for n > 1 {
		n = (n + fanout - 1) / fanout
		chunks += n
		level++
	}
	return level, chunks
}

var testParallel = ParallelConfig{Enabled: true, MaxWorkers: 4, MinChunksForParallel: 1}

func TestStreamStorage_RoundTrip(t *testing.T) {
	const chunkSize = 64

	tests := []struct {
		name string
		size int
	}{
		{"empty", 0},
		{"one byte", 1},
		{"sub chunk", chunkSize - 1},
		{"exact chunk", chunkSize},
		{"chunk plus one", chunkSize + 1},
		{"two levels", chunkSize * 2},
		{"many levels", chunkSize*37 + 5},
		{"large", 64 * 1024},
	}

	for _, parallel := range []ParallelConfig{{}, testParallel} {
		for _, tt := range tests {
			t.Run(fmt.Sprintf("%s/parallel=%v", tt.name, parallel.Enabled), func(t *testing.T) {
				ctx := context.Background()
				s := newTestStreams(t, newMemoryBackend(t), chunkSize, parallel)
				data := randomBytes(t, tt.size)

				root, stats, err := s.Write(ctx, bytes.NewReader(data))
				if err != nil {
					t.Fatalf("Write failed: %v", err)
				}

				wantLevel, wantChunks := treeShape(tt.size, chunkSize)
				if root.Level != wantLevel {
					t.Errorf("root level = %d, want %d", root.Level, wantLevel)
				}
				if stats.ChunksWritten != int64(wantChunks) {
					t.Errorf("ChunksWritten = %d, want %d", stats.ChunksWritten, wantChunks)
				}
				if stats.PlaintextBytes != int64(tt.size) {
					t.Errorf("PlaintextBytes = %d, want %d", stats.PlaintextBytes, tt.size)
				}

				var out bytes.Buffer
				readStats, err := s.ReadTo(ctx, root, &out)
				if err != nil {
					t.Fatalf("ReadTo failed: %v", err)
				}
				if !bytes.Equal(out.Bytes(), data) {
					t.Fatalf("round trip mismatch: got %d bytes, want %d", out.Len(), len(data))
				}
				if readStats.ChunksRead != int64(wantChunks) {
					t.Errorf("ChunksRead = %d, want %d", readStats.ChunksRead, wantChunks)
				}
				if readStats.PlaintextBytes != int64(tt.size) {
					t.Errorf("read PlaintextBytes = %d, want %d", readStats.PlaintextBytes, tt.size)
				}
			})
		}
	}
}

// levelByLevelRoot builds the root the slow way: a whole level of addresses at
// a time, concatenated and re-cut at fanout*AddressSize bytes
func levelByLevelRoot(t *testing.T, enc *ChunkEncryptor, data []byte, chunkSize int) StreamRoot {
	t.Helper()
	var level []Address
	for off := 0; off < len(data); off += chunkSize {
		end := min(off+chunkSize, len(data))
		level = append(level, enc.AddressOf(data[off:end]))
	}
	if len(level) == 0 {
		level = []Address{enc.AddressOf(nil)}
	}

	height := 0
	indexSize := Fanout(chunkSize) * AddressSize
	for len(level) > 1 {
		encoded := EncodeIndex(level)
		level = level[:0:0]
		for off := 0; off < len(encoded); off += indexSize {
			end := min(off+indexSize, len(encoded))
			level = append(level, enc.AddressOf(encoded[off:end]))
		}
		height++
	}
	return StreamRoot{Address: level[0], Level: height}
}

func TestStreamStorage_RootMatchesLevelByLevelBuild(t *testing.T) {
	const chunkSize = 64 // fanout 2
	fanout := Fanout(chunkSize)
	ctx := context.Background()

	leafCounts := []int{0, 1, 2, 3, 4, 5, 7, 8, 9, 15, 16, 17, 31, 33, 100}
	for _, parallel := range []ParallelConfig{{}, testParallel} {
		for _, leaves := range leafCounts {
			for _, tail := range []int{0, 1} {
				size := leaves*chunkSize + tail
				t.Run(fmt.Sprintf("%dB/parallel=%v", size, parallel.Enabled), func(t *testing.T) {
					s := newTestStreams(t, newMemoryBackend(t), chunkSize, parallel)
					data := randomBytes(t, size)

					root, _, err := s.Write(ctx, bytes.NewReader(data))
					if err != nil {
						t.Fatalf("Write failed: %v", err)
					}
					if want := levelByLevelRoot(t, s.encryptor, data, chunkSize); root != want {
						t.Errorf("root = %s/%d, want %s/%d (fanout %d)",
							root.Address.Short(), root.Level, want.Address.Short(), want.Level, fanout)
					}
				})
			}
		}
	}
}

// A builder never holds a full group, whatever the stream length
func TestTreeBuilder_BoundedPending(t *testing.T) {
	const fanout = 4
	ctx := context.Background()

	for _, n := range []int{1, 3, 4, 5, 16, 17, 64, 65, 1000} {
		stored := 0
		b := newTreeBuilder(fanout, func(_ context.Context, index []byte, level int) (Address, error) {
			stored++
			var a Address
			a[0], a[1], a[2] = byte(level), byte(stored), byte(stored>>8)
			if len(index) == 0 || len(index)%AddressSize != 0 || len(index) > fanout*AddressSize {
				t.Fatalf("index chunk of %d bytes", len(index))
			}
			return a, nil
		})

		for i := 0; i < n; i++ {
			var leaf Address
			leaf[31], leaf[30] = byte(i), byte(i>>8)
			if err := b.add(ctx, leaf, 0); err != nil {
				t.Fatalf("add failed: %v", err)
			}
			for level, p := range b.pending {
				if len(p) >= fanout {
					t.Fatalf("n=%d: level %d holds %d pending addresses", n, level, len(p))
				}
			}
		}

		root, err := b.finish(ctx)
		if err != nil {
			t.Fatalf("n=%d: finish failed: %v", n, err)
		}
		wantLevel, wantChunks := treeShape(n*fanout*AddressSize, fanout*AddressSize)
		if root.Level != wantLevel {
			t.Errorf("n=%d: root level = %d, want %d", n, root.Level, wantLevel)
		}
		if stored != wantChunks-n {
			t.Errorf("n=%d: stored %d index chunks, want %d", n, stored, wantChunks-n)
		}
	}
}

func TestTreeBuilder_NoLeaves(t *testing.T) {
	b := newTreeBuilder(2, func(context.Context, []byte, int) (Address, error) {
		t.Fatal("nothing to store")
		return Address{}, nil
	})
	if _, err := b.finish(context.Background()); !IsValidationError(err) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestStreamStorage_EmptyStreamIsOneLeaf(t *testing.T) {
	ctx := context.Background()
	b := newMemoryBackend(t)
	s := newTestStreams(t, b, DefaultChunkSize, DefaultParallelConfig())

	root, _, err := s.Write(ctx, bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if root.Level != 0 {
		t.Errorf("empty stream level = %d, want 0", root.Level)
	}
	if root.Address != s.encryptor.AddressOf([]byte{}) {
		t.Error("empty stream root should be the address of the empty leaf")
	}

	n, err := b.Count(ctx)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if n != 1 {
		t.Errorf("stored %d chunks, want 1", n)
	}
}

func TestStreamStorage_Deduplication(t *testing.T) {
	ctx := context.Background()
	b := newMemoryBackend(t)
	s := newTestStreams(t, b, 64, testParallel)
	data := randomBytes(t, 64*10)

	root1, first, err := s.Write(ctx, bytes.NewReader(data))
	if err != nil {
		t.Fatalf("first Write failed: %v", err)
	}
	root2, second, err := s.Write(ctx, bytes.NewReader(data))
	if err != nil {
		t.Fatalf("second Write failed: %v", err)
	}

	if root1 != root2 {
		t.Errorf("identical streams produced different roots: %v vs %v", root1, root2)
	}
	if second.ChunksWritten != 0 {
		t.Errorf("second write stored %d chunks, want 0", second.ChunksWritten)
	}
	if second.ChunksDeduplicated != first.ChunksWritten {
		t.Errorf("second write deduplicated %d chunks, want %d", second.ChunksDeduplicated, first.ChunksWritten)
	}

	n, err := b.Count(ctx)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if n != first.ChunksWritten {
		t.Errorf("backend holds %d chunks, want %d", n, first.ChunksWritten)
	}
}

func TestStreamStorage_RepeatedLeavesStoredOnce(t *testing.T) {
	ctx := context.Background()
	b := newMemoryBackend(t)
	s := newTestStreams(t, b, 64, testParallel)
	data := bytes.Repeat([]byte{0x5a}, 64*10)

	root, stats, err := s.Write(ctx, bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	_, positions := treeShape(len(data), 64)
	if got := stats.ChunksWritten + stats.ChunksDeduplicated; got != int64(positions) {
		t.Errorf("written+deduplicated = %d, want %d", got, positions)
	}
	n, err := b.Count(ctx)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if n != stats.ChunksWritten {
		t.Errorf("backend holds %d chunks, stats report %d written", n, stats.ChunksWritten)
	}
	if n >= int64(positions) {
		t.Errorf("expected repeated chunks to be shared, stored %d of %d", n, positions)
	}

	var out bytes.Buffer
	if _, err := s.ReadTo(ctx, root, &out); err != nil {
		t.Fatalf("ReadTo failed: %v", err)
	}
	if !bytes.Equal(out.Bytes(), data) {
		t.Error("round trip mismatch")
	}
}

func TestStreamStorage_MissingChunk(t *testing.T) {
	ctx := context.Background()
	b := newMemoryBackend(t)
	s := newTestStreams(t, b, 64, testParallel)
	data := randomBytes(t, 64*9)

	root, _, err := s.Write(ctx, bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	var leaves, indexes []Address
	err = s.Walk(ctx, root, func(a Address, level int) error {
		if level == 0 {
			leaves = append(leaves, a)
		} else {
			indexes = append(indexes, a)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Walk failed: %v", err)
	}

	for name, hidden := range map[string]Address{
		"leaf":  leaves[len(leaves)/2],
		"index": indexes[len(indexes)-1],
		"root":  root.Address,
	} {
		t.Run(name, func(t *testing.T) {
			broken := newTestStreams(t, &hidingStore{ChunkStore: b, hidden: hidden}, 64, testParallel)
			_, err := broken.ReadTo(ctx, root, io.Discard)
			if !IsCorruptionError(err) {
				t.Fatalf("expected CorruptionError, got %v", err)
			}
			if !errors.Is(err, ErrChunkNotFound) {
				t.Errorf("expected error to wrap ErrChunkNotFound, got %v", err)
			}
			var ce *CorruptionError
			errors.As(err, &ce)
			if ce.Address != hidden {
				t.Errorf("corruption reported at %s, want %s", ce.Address.Short(), hidden.Short())
			}
		})
	}
}

func TestStreamStorage_TamperedLeaf(t *testing.T) {
	ctx := context.Background()
	b := newMemoryBackend(t)
	s := newTestStreams(t, b, 64, ParallelConfig{})
	data := randomBytes(t, 64*3)

	root, _, err := s.Write(ctx, bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	leaf := s.encryptor.AddressOf(data[64:128])

	chunk, err := b.Get(ctx, leaf)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	chunk.Content[len(chunk.Content)-1] ^= 0x01
	if _, err := b.Put(ctx, chunk, OverwriteAllow); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	tr, err := s.Read(ctx, root)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	first, err := tr.Next(ctx)
	if err != nil {
		t.Fatalf("first leaf: %v", err)
	}
	if !bytes.Equal(first, data[:64]) {
		t.Error("first leaf mismatch")
	}
	if _, err := tr.Next(ctx); !IsAuthenticationError(err) {
		t.Fatalf("expected AuthenticationError, got %v", err)
	}
	// Errors are sticky
	if _, err := tr.Next(ctx); !IsAuthenticationError(err) {
		t.Errorf("expected the error to repeat, got %v", err)
	}
}

func TestStreamStorage_Canceled(t *testing.T) {
	b := newMemoryBackend(t)
	s := newTestStreams(t, b, 64, testParallel)
	data := randomBytes(t, 64*20)

	root, _, err := s.Write(context.Background(), bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, _, err := s.Write(ctx, bytes.NewReader(data)); !errors.Is(err, context.Canceled) {
		t.Errorf("Write: expected context.Canceled, got %v", err)
	}
	if _, err := s.Read(ctx, root); !errors.Is(err, context.Canceled) {
		t.Errorf("Read: expected context.Canceled, got %v", err)
	}
	if err := s.Walk(ctx, root, func(Address, int) error { return nil }); !errors.Is(err, context.Canceled) {
		t.Errorf("Walk: expected context.Canceled, got %v", err)
	}

	tr, err := s.Read(context.Background(), root)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if _, err := tr.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Next: expected context.Canceled, got %v", err)
	}
}

func TestStreamStorage_ReaderError(t *testing.T) {
	s := newTestStreams(t, newMemoryBackend(t), 64, ParallelConfig{})
	boom := errors.New("boom")
	r := io.MultiReader(bytes.NewReader(make([]byte, 100)), iotest.ErrReader(boom))

	if _, _, err := s.Write(context.Background(), r); !errors.Is(err, boom) {
		t.Errorf("expected source error, got %v", err)
	}
}

func TestStreamStorage_Walk(t *testing.T) {
	ctx := context.Background()
	s := newTestStreams(t, newMemoryBackend(t), 64, ParallelConfig{})
	data := randomBytes(t, 64*5)

	root, _, err := s.Write(ctx, bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	var (
		visited []Address
		levels  []int
	)
	err = s.Walk(ctx, root, func(a Address, level int) error {
		visited = append(visited, a)
		levels = append(levels, level)
		return nil
	})
	if err != nil {
		t.Fatalf("Walk failed: %v", err)
	}

	_, positions := treeShape(len(data), 64)
	if len(visited) != positions {
		t.Errorf("visited %d chunks, want %d", len(visited), positions)
	}
	if visited[0] != root.Address || levels[0] != root.Level {
		t.Errorf("walk should start at the root, got %s level %d", visited[0].Short(), levels[0])
	}

	var leaves []Address
	for i, l := range levels {
		if l == 0 {
			leaves = append(leaves, visited[i])
		}
	}
	for i := range leaves {
		want := s.encryptor.AddressOf(data[i*64 : (i+1)*64])
		if leaves[i] != want {
			t.Errorf("leaf %d out of order", i)
		}
	}

	stop := errors.New("stop")
	calls := 0
	err = s.Walk(ctx, root, func(Address, int) error {
		calls++
		return stop
	})
	if !errors.Is(err, stop) || calls != 1 {
		t.Errorf("Walk should stop on callback error, got %v after %d calls", err, calls)
	}
}

func TestStreamStorage_InvalidRoot(t *testing.T) {
	s := newTestStreams(t, newMemoryBackend(t), 64, ParallelConfig{})
	if _, err := s.Read(context.Background(), StreamRoot{Level: -1}); !IsValidationError(err) {
		t.Errorf("expected ValidationError, got %v", err)
	}
}

func TestNewStreamStorage_Validation(t *testing.T) {
	enc := newTestEncryptor(t, EncryptorOptions{})
	b := newMemoryBackend(t)

	if _, err := NewStreamStorage(nil, enc, StreamOptions{}); !errors.Is(err, ErrNilBackend) {
		t.Errorf("nil store: expected ErrNilBackend, got %v", err)
	}
	if _, err := NewStreamStorage(b, nil, StreamOptions{}); !IsValidationError(err) {
		t.Errorf("nil encryptor: expected ValidationError, got %v", err)
	}
	if _, err := NewStreamStorage(b, enc, StreamOptions{ChunkSize: 32}); err == nil {
		t.Error("chunk size below two addresses should be rejected")
	}
	s, err := NewStreamStorage(b, enc, StreamOptions{})
	if err != nil {
		t.Fatalf("NewStreamStorage failed: %v", err)
	}
	if s.ChunkSize() != DefaultChunkSize {
		t.Errorf("ChunkSize = %d, want %d", s.ChunkSize(), DefaultChunkSize)
	}
}

func TestStreamReader(t *testing.T) {
	ctx := context.Background()
	s := newTestStreams(t, newMemoryBackend(t), 64, testParallel)
	data := randomBytes(t, 64*7+13)

	root, _, err := s.Write(ctx, bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	t.Run("iotest", func(t *testing.T) {
		tr, err := s.Read(ctx, root)
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		if err := iotest.TestReader(NewStreamReader(ctx, tr), data); err != nil {
			t.Error(err)
		}
	})

	t.Run("WriteTo after partial read", func(t *testing.T) {
		tr, err := s.Read(ctx, root)
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		r := NewStreamReader(ctx, tr)
		head := make([]byte, 10)
		if _, err := io.ReadFull(r, head); err != nil {
			t.Fatalf("ReadFull failed: %v", err)
		}
		var rest bytes.Buffer
		n, err := r.WriteTo(&rest)
		if err != nil {
			t.Fatalf("WriteTo failed: %v", err)
		}
		if n != int64(len(data)-10) {
			t.Errorf("WriteTo = %d bytes, want %d", n, len(data)-10)
		}
		if !bytes.Equal(append(head, rest.Bytes()...), data) {
			t.Error("stream mismatch")
		}
	})
}
