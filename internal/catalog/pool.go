package catalog

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// DefaultPoolWidth keeps concurrent catalog calls within the tenant's rate
// limit.
const DefaultPoolWidth = 4

// Pool runs catalog tasks with bounded concurrency. A failing task never
// cancels its siblings; every task's error is reported back by position.
type Pool struct {
	width int
}

// NewPool creates a pool running at most width tasks at a time.
func NewPool(width int) *Pool {
	if width <= 0 {
		width = DefaultPoolWidth
	}
	return &Pool{width: width}
}

// Width returns the concurrency limit.
func (p *Pool) Width() int {
	return p.width
}

// Run calls task for every index in [0, n) and returns the per-index errors
// (nil where the task succeeded). Tasks not yet started when ctx is done are
// skipped with ctx's error. A panicking task is recorded as an error.
func (p *Pool) Run(ctx context.Context, n int, task func(ctx context.Context, i int) error) []error {
	errs := make([]error, n)

	var g errgroup.Group
	g.SetLimit(p.width)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("panic in catalog task", "index", i, "panic", r)
					errs[i] = fmt.Errorf("task panic: %v", r)
				}
			}()
			if cerr := ctx.Err(); cerr != nil {
				errs[i] = cerr
				return nil
			}
			errs[i] = task(ctx, i)
			return nil
		})
	}
	_ = g.Wait()
	return errs
}
