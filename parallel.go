package chunkvault

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"
)

const (
	maxParallelWorkers   = 1024
	maxParallelThreshold = 1000
)

// ParallelConfig bounds how many chunks of one tree level are sealed and stored,
// or fetched and opened, at the same time
type ParallelConfig struct {
	Enabled bool `yaml:"enabled"`

	// MaxWorkers caps the goroutines per level; 0 means runtime.NumCPU()
	MaxWorkers int `yaml:"max_workers"`

	// MinChunksForParallel is the smallest level that is worth fanning out.
	// Smaller levels, such as the root index, run on the calling goroutine.
	MinChunksForParallel int `yaml:"min_chunks_for_parallel"`
}

// Validate checks the bounds of an enabled configuration
func (p *ParallelConfig) Validate() error {
	if !p.Enabled {
		return nil
	}
	if err := ValidateSize(p.MaxWorkers, "parallel.max_workers", 0, maxParallelWorkers); err != nil {
		return err
	}
	return ValidateSize(p.MinChunksForParallel, "parallel.min_chunks_for_parallel", 0, maxParallelThreshold)
}

// DefaultParallelConfig fans out to one worker per CPU once a level has four chunks
func DefaultParallelConfig() ParallelConfig {
	return ParallelConfig{
		Enabled:              true,
		MaxWorkers:           runtime.NumCPU(),
		MinChunksForParallel: 4,
	}
}

// workers returns the effective worker count, 1 when disabled
func (p ParallelConfig) workers() int {
	if !p.Enabled {
		return 1
	}
	if p.MaxWorkers <= 0 {
		return runtime.NumCPU()
	}
	return p.MaxWorkers
}

// forEach calls fn for every index in [0, n). Jobs are spread over up to
// workers() goroutines; small batches run sequentially. The first error cancels
// the remaining jobs and is returned. A panicking job is reported as an error.
func (p ParallelConfig) forEach(ctx context.Context, n int, fn func(ctx context.Context, i int) error) error {
	if n == 0 {
		return nil
	}

	numWorkers := p.workers()
	if numWorkers > n {
		numWorkers = n
	}

	minChunks := p.MinChunksForParallel
	if minChunks <= 0 {
		minChunks = 1
	}

	if numWorkers <= 1 || n < minChunks {
		for i := 0; i < n; i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := runJob(ctx, i, fn); err != nil {
				return err
			}
		}
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(numWorkers)
	for i := 0; i < n; i++ {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			return runJob(gctx, i, fn)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// runJob converts a panic in fn into an error
func runJob(ctx context.Context, i int, fn func(ctx context.Context, i int) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in chunk worker: %v", r)
		}
	}()
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx, i)
}
