package concurrency

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/cortexproject/querynode/pkg/util"
)

// ForEach calls jobFunc for every job with at most concurrency calls in flight.
// A failing job does not stop the others and all failures are returned together.
// Once ctx is done no further job is started and ctx.Err() is returned.
func ForEach[T any](ctx context.Context, jobs []T, concurrency int, jobFunc func(ctx context.Context, job T) error) error {
	if concurrency <= 0 {
		concurrency = 1
	}

	var (
		g      errgroup.Group
		errsMx sync.Mutex
		errs   util.MultiError
	)
	g.SetLimit(concurrency)

	for _, job := range jobs {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			if err := jobFunc(ctx, job); err != nil {
				errsMx.Lock()
				errs.Add(err)
				errsMx.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}
	return errs.Err()
}
