package scheduler

import (
	"context"
	"sync"

	"github.com/BaSui01/toolguard/types"
)

// Future is the handle to a submitted request. Its result is set exactly
// once.
type Future struct {
	id     string
	once   sync.Once
	done   chan struct{}
	result *types.ExecutionResult
}

func newFuture(id string) *Future {
	return &Future{id: id, done: make(chan struct{})}
}

// ID returns the request id.
func (f *Future) ID() string { return f.id }

// Done is closed once the result is available.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the result is available or ctx is done. Giving up on
// the wait does not cancel the request.
func (f *Future) Wait(ctx context.Context) (*types.ExecutionResult, error) {
	select {
	case <-f.done:
		return f.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the result, or nil while the request is pending.
func (f *Future) Result() *types.ExecutionResult {
	select {
	case <-f.done:
		return f.result
	default:
		return nil
	}
}

func (f *Future) complete(res *types.ExecutionResult) {
	f.once.Do(func() {
		f.result = res
		close(f.done)
	})
}

// Resolved returns a Future that already holds res. It is used for
// requests rejected before they reach the pool.
func Resolved(res *types.ExecutionResult) *Future {
	f := newFuture(res.RequestID)
	f.complete(res)
	return f
}
