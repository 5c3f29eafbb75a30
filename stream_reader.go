package chunkvault

import (
	"context"
	"io"
)

// treeFrame is one index chunk being walked: its level and the position of the
// next child to visit. Children of a level-1 frame are leaves.
type treeFrame struct {
	level    int
	children []Address
	pos      int
}

// TreeReader yields the leaf plaintexts of one stored stream, left to right.
// It keeps an explicit stack of index frames, so memory is bounded by the tree
// height times the fan-out. Sibling leaves are fetched in parallel and emitted in
// order. A TreeReader is forward-only and not safe for concurrent use.
type TreeReader struct {
	s       *StreamStorage
	stack   []treeFrame
	pending [][]byte
	stats   statsCollector
	err     error
}

func newTreeReader(s *StreamStorage, root StreamRoot) *TreeReader {
	// A virtual parent frame holding only the root lets every level, including a
	// level 0 root, take the same path.
	return &TreeReader{
		s:     s,
		stack: []treeFrame{{level: root.Level + 1, children: []Address{root.Address}}},
	}
}

// Next returns the next leaf plaintext, or io.EOF after the last one. Any error
// is sticky: the read is aborted and later calls return the same error.
func (t *TreeReader) Next(ctx context.Context) ([]byte, error) {
	for {
		if len(t.pending) > 0 {
			b := t.pending[0]
			t.pending[0] = nil
			t.pending = t.pending[1:]
			return b, nil
		}
		if t.err != nil {
			return nil, t.err
		}
		if len(t.stack) == 0 {
			return nil, io.EOF
		}
		if err := ctx.Err(); err != nil {
			t.err = err
			return nil, err
		}

		top := &t.stack[len(t.stack)-1]
		if top.pos >= len(top.children) {
			t.stack = t.stack[:len(t.stack)-1]
			continue
		}

		if top.level == 1 {
			t.err = t.fetchLeaves(ctx, top)
			continue
		}

		child := top.children[top.pos]
		top.pos++
		childLevel := top.level - 1
		children, err := t.s.fetchIndex(ctx, child, childLevel, &t.stats)
		if err != nil {
			t.err = err
			continue
		}
		t.stack = append(t.stack, treeFrame{level: childLevel, children: children})
	}
}

// fetchLeaves fetches the next window of leaves of frame into pending
func (t *TreeReader) fetchLeaves(ctx context.Context, frame *treeFrame) error {
	n := len(frame.children) - frame.pos
	if window := t.s.parallel.workers(); n > window {
		n = window
	}
	batch := frame.children[frame.pos : frame.pos+n]
	frame.pos += n

	out := make([][]byte, n)
	err := t.s.parallel.forEach(ctx, n, func(ctx context.Context, i int) error {
		b, err := t.s.fetchChunk(ctx, batch[i], 0, &t.stats)
		if err != nil {
			return err
		}
		out[i] = b
		return nil
	})
	if err != nil {
		return err
	}
	t.pending = out
	return nil
}

// Stats returns the chunk traffic so far
func (t *TreeReader) Stats() Stats {
	return t.stats.snapshot()
}

// CopyTo copies every remaining leaf to w
func (t *TreeReader) CopyTo(ctx context.Context, w io.Writer) (int64, error) {
	var total int64
	for {
		b, err := t.Next(ctx)
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, err
		}
		n, err := w.Write(b)
		total += int64(n)
		if err != nil {
			return total, NewIOError("write", total, err)
		}
	}
}

// StreamReader adapts a TreeReader to io.Reader
type StreamReader struct {
	ctx  context.Context
	tr   *TreeReader
	buf  []byte
	done bool
}

// NewStreamReader returns an io.Reader over tr. ctx governs every underlying
// chunk fetch.
func NewStreamReader(ctx context.Context, tr *TreeReader) *StreamReader {
	return &StreamReader{ctx: ctx, tr: tr}
}

// Read implements io.Reader
func (r *StreamReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		if r.done {
			return 0, io.EOF
		}
		b, err := r.tr.Next(r.ctx)
		if err == io.EOF {
			r.done = true
			return 0, io.EOF
		}
		if err != nil {
			return 0, err
		}
		r.buf = b
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

// WriteTo implements io.WriterTo
func (r *StreamReader) WriteTo(w io.Writer) (int64, error) {
	var total int64
	if len(r.buf) > 0 {
		n, err := w.Write(r.buf)
		total += int64(n)
		r.buf = r.buf[n:]
		if err != nil {
			return total, err
		}
	}
	n, err := r.tr.CopyTo(r.ctx, w)
	r.done = true
	return total + n, err
}
