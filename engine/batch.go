package engine

import (
	"context"
	"fmt"

	"github.com/BaSui01/toolguard/internal/scheduler"
	"github.com/BaSui01/toolguard/types"
	"golang.org/x/sync/errgroup"
)

// SubmitAll submits reqs in order and waits for every result. Results are
// returned in request order. If any request cannot be scheduled, those
// already submitted are cancelled and the error is returned.
func (e *Engine) SubmitAll(ctx context.Context, reqs []types.ExecutionRequest) ([]*types.ExecutionResult, error) {
	futures := make([]*scheduler.Future, 0, len(reqs))
	for i, req := range reqs {
		f, err := e.Submit(ctx, req)
		if err != nil {
			for _, prev := range futures {
				e.Cancel(prev.ID())
			}
			return nil, fmt.Errorf("request %d: %w", i, err)
		}
		futures = append(futures, f)
	}

	results := make([]*types.ExecutionResult, len(futures))
	g, gctx := errgroup.WithContext(ctx)
	for i, f := range futures {
		g.Go(func() error {
			res, err := f.Wait(gctx)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
