package workgroup

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Group runs workers sharing one context. The first worker to return an error
// cancels the context seen by the rest.
type Group struct {
	ctx   context.Context
	group *errgroup.Group
}

// WithContext returns a Group whose workers observe a context derived from ctx.
func WithContext(ctx context.Context) *Group {
	group, gctx := errgroup.WithContext(ctx)
	return &Group{
		ctx:   gctx,
		group: group,
	}
}

// Work starts fn as a worker.
func (g *Group) Work(fn func(context.Context) error) {
	g.group.Go(func() error {
		return fn(g.ctx)
	})
}

// Context returns the context handed to the workers.
func (g *Group) Context() context.Context {
	return g.ctx
}

// Wait blocks until every worker has returned and reports the first error.
func (g *Group) Wait() error {
	return g.group.Wait()
}
