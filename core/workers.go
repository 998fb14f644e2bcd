package core

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// minChunk keeps tiny fleets from paying goroutine overhead per entity.
const minChunk = 256

// workerPool runs a per-entity phase function over contiguous chunks of the
// entity slice. Each chunk is owned by exactly one goroutine.
type workerPool struct {
	workers int
}

func newWorkerPool(workers int) *workerPool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &workerPool{workers: workers}
}

// forEach calls fn(lo, hi) for disjoint ranges covering [0, n) and waits for
// all of them. The first error cancels the remaining chunks.
func (p *workerPool) forEach(ctx context.Context, n int, fn func(lo, hi int) error) error {
	if n <= 0 {
		return nil
	}
	chunk := (n + p.workers - 1) / p.workers
	if chunk < minChunk {
		chunk = minChunk
	}
	if p.workers == 1 || chunk >= n {
		return fn(0, n)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for lo := 0; lo < n; lo += chunk {
		hi := lo + chunk
		if hi > n {
			hi = n
		}
		lo := lo
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return fn(lo, hi)
		})
	}
	return g.Wait()
}

// forEachIndex is forEach over an explicit index list.
func (p *workerPool) forEachIndex(ctx context.Context, idx []int, fn func(i int) error) error {
	return p.forEach(ctx, len(idx), func(lo, hi int) error {
		for _, i := range idx[lo:hi] {
			if err := fn(i); err != nil {
				return err
			}
		}
		return nil
	})
}
