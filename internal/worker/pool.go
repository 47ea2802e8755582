package worker

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Pool runs independent workers. Workers share nothing; the backend decides
// which worker gets which job.
type Pool struct {
	Workers []*Worker
	Logger  *slog.Logger
}

// NewPool builds n workers numbered from 1.
func NewPool(n int, build func(id int) (*Worker, error)) (*Pool, error) {
	if n <= 0 {
		return nil, fmt.Errorf("worker count must be positive, got %d", n)
	}
	workers := make([]*Worker, 0, n)
	for id := 1; id <= n; id++ {
		w, err := build(id)
		if err != nil {
			return nil, fmt.Errorf("build worker %d: %w", id, err)
		}
		w.ID = id
		workers = append(workers, w)
	}
	return &Pool{Workers: workers}, nil
}

func (p *Pool) Run(ctx context.Context) error {
	if p.Logger != nil {
		p.Logger.InfoContext(ctx, "starting workers", slog.Int("num_workers", len(p.Workers)))
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, w := range p.Workers {
		g.Go(func() error {
			return w.Run(gctx)
		})
	}
	return g.Wait()
}

func (p *Pool) Statuses() []Status {
	out := make([]Status, 0, len(p.Workers))
	for _, w := range p.Workers {
		out = append(out, w.Status())
	}
	return out
}

// Ready reports whether any worker has reached the backend.
func (p *Pool) Ready() bool {
	for _, w := range p.Workers {
		if w.Status().LastContact != nil {
			return true
		}
	}
	return false
}
