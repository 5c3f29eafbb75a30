package chunkvault

import (
	"errors"
	"io"

	boxochunker "github.com/ipfs/boxo/chunker"
)

// Chunker splits a stream of data into chunks.
type Chunker interface {
	// Next returns the next chunk of data.
	// It returns io.EOF when there are no more chunks.
	Next() ([]byte, error)
}

// NewFixedSizeChunker cuts r into chunks of exactly size bytes; only the last
// chunk may be shorter. An empty stream yields no chunks. The reader is consumed
// once, in order.
func NewFixedSizeChunker(r io.Reader, size int) (Chunker, error) {
	if err := ValidateSize(size, "chunk_size", 1, MaxChunkSize); err != nil {
		return nil, err
	}
	return &fixedSizeChunker{
		splitter: boxochunker.NewSizeSplitter(r, int64(size)),
	}, nil
}

type fixedSizeChunker struct {
	splitter boxochunker.Splitter
	offset   int64
	done     bool
}

func (c *fixedSizeChunker) Next() ([]byte, error) {
	if c.done {
		return nil, io.EOF
	}
	b, err := c.splitter.NextBytes()
	if err != nil {
		c.done = true
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, NewIOError("read", c.offset, err)
	}
	c.offset += int64(len(b))
	return b, nil
}
