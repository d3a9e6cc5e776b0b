// Package workerpool provides bounded concurrent processing over a slice of work items.
package workerpool

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Process runs process for every item using at most workerCount goroutines.
// The first error cancels the shared context, invokes onCancel once and is returned.
func Process[T any](
	ctx context.Context,
	workerCount int,
	items []T,
	process func(context.Context, T) error,
	onCancel func(),
) error {
	if workerCount <= 0 {
		workerCount = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workerCount)

	var once sync.Once
	for _, item := range items {
		if gctx.Err() != nil {
			break
		}
		item := item
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := process(gctx, item); err != nil {
				if onCancel != nil {
					once.Do(onCancel)
				}
				return err
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}
