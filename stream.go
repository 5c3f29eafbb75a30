package chunkvault

import (
	"context"
	"errors"
	"io"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// StreamRoot identifies a stored stream: the address of the root chunk and the
// height of the tree below it. Level 0 is a single leaf chunk.
type StreamRoot struct {
	Address Address
	Level   int
}

// Stats aggregates chunk traffic for one Write or Read
type Stats struct {
	ChunksRead         int64 // chunks fetched and decrypted
	ChunksWritten      int64 // chunks newly stored
	ChunksDeduplicated int64 // chunks already present (PutOverwriteDenied)
	PlaintextBytes     int64 // stream bytes, excluding index chunks
	CiphertextBytes    int64 // stored content bytes of every chunk touched
}

// Add returns the sum of two Stats
func (s Stats) Add(o Stats) Stats {
	return Stats{
		ChunksRead:         s.ChunksRead + o.ChunksRead,
		ChunksWritten:      s.ChunksWritten + o.ChunksWritten,
		ChunksDeduplicated: s.ChunksDeduplicated + o.ChunksDeduplicated,
		PlaintextBytes:     s.PlaintextBytes + o.PlaintextBytes,
		CiphertextBytes:    s.CiphertextBytes + o.CiphertextBytes,
	}
}

// statsCollector is updated concurrently by chunk workers
type statsCollector struct {
	read, written, deduplicated, plaintext, ciphertext atomic.Int64
}

func (c *statsCollector) snapshot() Stats {
	return Stats{
		ChunksRead:         c.read.Load(),
		ChunksWritten:      c.written.Load(),
		ChunksDeduplicated: c.deduplicated.Load(),
		PlaintextBytes:     c.plaintext.Load(),
		CiphertextBytes:    c.ciphertext.Load(),
	}
}

// StreamOptions configures a StreamStorage
type StreamOptions struct {
	// ChunkSize is the maximum plaintext chunk size. The index fan-out is
	// ChunkSize / AddressSize at every level.
	ChunkSize int

	// Parallel bounds concurrent chunk stores and fetches
	Parallel ParallelConfig

	// Logger receives per-chunk debug events; nil discards them
	Logger logrus.FieldLogger
}

// StreamStorage writes byte streams as hash trees of encrypted chunks and reads
// them back
type StreamStorage struct {
	store     ChunkStore
	encryptor *ChunkEncryptor
	chunkSize int
	parallel  ParallelConfig
	logger    logrus.FieldLogger
}

// NewStreamStorage creates a stream engine over store
func NewStreamStorage(store ChunkStore, encryptor *ChunkEncryptor, opts StreamOptions) (*StreamStorage, error) {
	if store == nil {
		return nil, ErrNilBackend
	}
	if encryptor == nil {
		return nil, NewValidationError("encryptor", nil, "encryptor cannot be nil")
	}
	if opts.ChunkSize == 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if err := ValidateChunkSize(opts.ChunkSize); err != nil {
		return nil, err
	}
	if err := opts.Parallel.Validate(); err != nil {
		return nil, NewValidationError("parallel", opts.Parallel, err.Error())
	}

	return &StreamStorage{
		store:     store,
		encryptor: encryptor,
		chunkSize: opts.ChunkSize,
		parallel:  opts.Parallel,
		logger:    defaultLogger(opts.Logger),
	}, nil
}

// ChunkSize returns the configured maximum chunk size
func (s *StreamStorage) ChunkSize() int {
	return s.chunkSize
}

// Write stores r as a hash tree and returns its root.
//
// Leaves are cut from r at ChunkSize bytes. Each level's ordered addresses are
// grouped fanout at a time into the index chunks of the next level, until a level
// holds a single address. Groups are sealed as soon as they fill, so a write keeps
// at most one partial group per level in memory. Every chunk is durable before
// Write returns, so a returned root never references a missing chunk. An empty
// stream is stored as one empty leaf.
func (s *StreamStorage) Write(ctx context.Context, r io.Reader) (StreamRoot, Stats, error) {
	var stats statsCollector

	chunker, err := NewFixedSizeChunker(r, s.chunkSize)
	if err != nil {
		return StreamRoot{}, Stats{}, err
	}

	tree := newTreeBuilder(Fanout(s.chunkSize), func(ctx context.Context, index []byte, level int) (Address, error) {
		return s.storeChunk(ctx, index, level, &stats)
	})
	leaves, err := s.storeLeaves(ctx, chunker, &stats, tree)
	if err != nil {
		return StreamRoot{}, stats.snapshot(), err
	}
	if leaves == 0 {
		a, err := s.storeChunk(ctx, []byte{}, 0, &stats)
		if err != nil {
			return StreamRoot{}, stats.snapshot(), err
		}
		if err := tree.add(ctx, a, 0); err != nil {
			return StreamRoot{}, stats.snapshot(), err
		}
	}

	root, err := tree.finish(ctx)
	if err != nil {
		return StreamRoot{}, stats.snapshot(), err
	}

	snap := stats.snapshot()
	s.logger.WithFields(logrus.Fields{
		"root":         root.Address.Short(),
		"level":        root.Level,
		"written":      snap.ChunksWritten,
		"deduplicated": snap.ChunksDeduplicated,
		"bytes":        snap.PlaintextBytes,
	}).Debug("stream written")
	return root, snap, nil
}

// storeLeaves drains c, storing its chunks in batches of bounded size, and hands
// their addresses to tree in stream order. It returns the number of leaves.
func (s *StreamStorage) storeLeaves(ctx context.Context, c Chunker, stats *statsCollector, tree *treeBuilder) (int, error) {
	batchSize := s.parallel.workers() * 2
	batch := make([][]byte, 0, batchSize)
	out := make([]Address, batchSize)
	total := 0

	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		batch = batch[:0]
		for len(batch) < batchSize {
			b, err := c.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return total, err
			}
			batch = append(batch, b)
		}
		if len(batch) == 0 {
			return total, nil
		}

		err := s.parallel.forEach(ctx, len(batch), func(ctx context.Context, i int) error {
			a, err := s.storeChunk(ctx, batch[i], 0, stats)
			if err != nil {
				return err
			}
			out[i] = a
			return nil
		})
		if err != nil {
			return total, err
		}
		for _, a := range out[:len(batch)] {
			if err := tree.add(ctx, a, 0); err != nil {
				return total, err
			}
		}
		total += len(batch)

		if len(batch) < batchSize {
			return total, nil
		}
	}
}

// treeBuilder folds the addresses of one level into index chunks of the next as
// each group of fanout fills
type treeBuilder struct {
	fanout  int
	pending [][]Address // addresses of each level not yet in an index chunk
	counts  []int64     // addresses ever added at each level
	store   func(ctx context.Context, index []byte, level int) (Address, error)
}

func newTreeBuilder(fanout int, store func(ctx context.Context, index []byte, level int) (Address, error)) *treeBuilder {
	return &treeBuilder{fanout: fanout, store: store}
}

// add appends a at level, sealing the group if it is full
func (b *treeBuilder) add(ctx context.Context, a Address, level int) error {
	for len(b.pending) <= level {
		b.pending = append(b.pending, make([]Address, 0, b.fanout))
		b.counts = append(b.counts, 0)
	}
	b.pending[level] = append(b.pending[level], a)
	b.counts[level]++
	if len(b.pending[level]) < b.fanout {
		return nil
	}
	return b.flush(ctx, level)
}

// flush stores the pending group of level as one index chunk at level+1
func (b *treeBuilder) flush(ctx context.Context, level int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a, err := b.store(ctx, EncodeIndex(b.pending[level]), level+1)
	if err != nil {
		return err
	}
	b.pending[level] = b.pending[level][:0]
	return b.add(ctx, a, level+1)
}

// finish seals the partial groups bottom up and returns the root. The first level
// that ever held exactly one address is the top of the tree.
func (b *treeBuilder) finish(ctx context.Context) (StreamRoot, error) {
	for level := 0; level < len(b.pending); level++ {
		if b.counts[level] == 1 {
			return StreamRoot{Address: b.pending[level][0], Level: level}, nil
		}
		if len(b.pending[level]) > 0 {
			if err := b.flush(ctx, level); err != nil {
				return StreamRoot{}, err
			}
		}
	}
	return StreamRoot{}, NewValidationError("stream", nil, "tree has no leaves")
}

// storeChunk encrypts plaintext and stores it with OverwriteDeny
func (s *StreamStorage) storeChunk(ctx context.Context, plaintext []byte, level int, stats *statsCollector) (Address, error) {
	chunk, err := s.encryptor.Encrypt(plaintext)
	if err != nil {
		return Address{}, err
	}

	result, err := s.store.Put(ctx, chunk, OverwriteDeny)
	if err != nil {
		return Address{}, err
	}

	switch result {
	case PutOverwriteDenied:
		stats.deduplicated.Add(1)
	default:
		stats.written.Add(1)
	}
	if level == 0 {
		stats.plaintext.Add(int64(len(plaintext)))
	}
	stats.ciphertext.Add(int64(len(chunk.Content)))

	s.logger.WithFields(logrus.Fields{
		"address": chunk.Address.Short(),
		"level":   level,
		"size":    len(plaintext),
		"result":  result.String(),
	}).Debug("chunk put")
	return chunk.Address, nil
}

// fetchChunk reads and decrypts one chunk. A missing chunk is a consistency
// failure of the tree that references it.
func (s *StreamStorage) fetchChunk(ctx context.Context, address Address, level int, stats *statsCollector) ([]byte, error) {
	chunk, err := s.store.Get(ctx, address)
	if err != nil {
		if errors.Is(err, ErrChunkNotFound) {
			return nil, &CorruptionError{
				Address: address,
				Level:   level,
				Message: "referenced chunk is missing",
				Err:     err,
			}
		}
		return nil, err
	}

	plaintext, err := s.encryptor.Decrypt(chunk)
	if err != nil {
		var ce *CorruptionError
		if errors.As(err, &ce) {
			ce.Level = level
		}
		return nil, err
	}

	stats.read.Add(1)
	stats.ciphertext.Add(int64(len(chunk.Content)))
	if level == 0 {
		stats.plaintext.Add(int64(len(plaintext)))
	}
	s.logger.WithFields(logrus.Fields{
		"address": address.Short(),
		"level":   level,
		"size":    len(plaintext),
	}).Debug("chunk get")
	return plaintext, nil
}

// fetchIndex reads an index chunk and parses its child addresses
func (s *StreamStorage) fetchIndex(ctx context.Context, address Address, level int, stats *statsCollector) ([]Address, error) {
	payload, err := s.fetchChunk(ctx, address, level, stats)
	if err != nil {
		return nil, err
	}
	children, err := DecodeIndex(payload)
	if err != nil {
		return nil, &CorruptionError{
			Address: address,
			Level:   level,
			Message: "malformed index chunk",
			Err:     err,
		}
	}
	return children, nil
}

// Read returns a lazy reader over the leaves of the tree at root
func (s *StreamStorage) Read(ctx context.Context, root StreamRoot) (*TreeReader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if root.Level < 0 {
		return nil, NewValidationError("level", root.Level, "level cannot be negative")
	}
	return newTreeReader(s, root), nil
}

// ReadTo reconstructs the stream at root into w
func (s *StreamStorage) ReadTo(ctx context.Context, root StreamRoot, w io.Writer) (Stats, error) {
	tr, err := s.Read(ctx, root)
	if err != nil {
		return Stats{}, err
	}
	_, err = tr.CopyTo(ctx, w)
	return tr.Stats(), err
}

// Walk calls fn for every address in the tree at root, parents before children.
// Only index chunks are fetched; leaves are reported without being read.
func (s *StreamStorage) Walk(ctx context.Context, root StreamRoot, fn func(address Address, level int) error) error {
	if root.Level < 0 {
		return NewValidationError("level", root.Level, "level cannot be negative")
	}
	var stats statsCollector

	stack := []treeFrame{{level: root.Level + 1, children: []Address{root.Address}}}
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		top := &stack[len(stack)-1]
		if top.pos >= len(top.children) {
			stack = stack[:len(stack)-1]
			continue
		}
		child := top.children[top.pos]
		top.pos++
		childLevel := top.level - 1

		if err := fn(child, childLevel); err != nil {
			return err
		}
		if childLevel == 0 {
			continue
		}
		children, err := s.fetchIndex(ctx, child, childLevel, &stats)
		if err != nil {
			return err
		}
		stack = append(stack, treeFrame{level: childLevel, children: children})
	}
	return nil
}
