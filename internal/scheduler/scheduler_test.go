package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BaSui01/toolguard/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"
)

func newTestScheduler(t *testing.T, workers, queue int) *Scheduler {
	t.Helper()
	s := New(Config{MaxWorkers: workers, QueueSize: queue, DefaultTimeout: 10 * time.Second}, zaptest.NewLogger(t))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Close(ctx)
	})
	return s
}

func request(id string) types.ExecutionRequest {
	return types.ExecutionRequest{ID: id, Tool: "echo-tool"}
}

func okResult(req types.ExecutionRequest) *types.ExecutionResult {
	return &types.ExecutionResult{RequestID: req.ID, Tool: req.Tool, Outcome: types.Success}
}

// ctxResult maps the context state the way real runners do.
func ctxResult(ctx context.Context, req types.ExecutionRequest) *types.ExecutionResult {
	<-ctx.Done()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return types.FailedResult(req, types.NewError(types.ErrExecutionTimeout, "timeout"))
	}
	return types.FailedResult(req, types.NewError(types.ErrCancelled, "cancelled"))
}

func waitResult(t *testing.T, f *Future) *types.ExecutionResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := f.Wait(ctx)
	require.NoError(t, err)
	return res
}

func TestScheduler_ConcurrencyBound(t *testing.T) {
	const workers, jobs = 3, 12
	s := newTestScheduler(t, workers, 100)

	var current, maxSeen atomic.Int32
	futures := make([]*Future, 0, jobs)
	for i := 0; i < jobs; i++ {
		req := request(fmt.Sprintf("r%d", i))
		f, err := s.Submit(context.Background(), Job{Request: req, Run: func(ctx context.Context) *types.ExecutionResult {
			n := current.Add(1)
			for {
				m := maxSeen.Load()
				if n <= m || maxSeen.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			current.Add(-1)
			return okResult(req)
		}})
		require.NoError(t, err)
		futures = append(futures, f)
	}

	for _, f := range futures {
		assert.True(t, waitResult(t, f).Succeeded())
	}
	assert.LessOrEqual(t, maxSeen.Load(), int32(workers))
	assert.LessOrEqual(t, s.Stats().Peak, int64(workers))
	assert.Equal(t, int64(jobs), s.Stats().Completed)
}

func TestScheduler_FIFO(t *testing.T) {
	s := newTestScheduler(t, 1, 100)

	gate := make(chan struct{})
	var (
		mu    sync.Mutex
		order []string
	)
	first := request("first")
	f0, err := s.Submit(context.Background(), Job{Request: first, Run: func(context.Context) *types.ExecutionResult {
		<-gate
		return okResult(first)
	}})
	require.NoError(t, err)

	var futures []*Future
	for i := 0; i < 5; i++ {
		req := request(fmt.Sprintf("q%d", i))
		f, err := s.Submit(context.Background(), Job{Request: req, Run: func(context.Context) *types.ExecutionResult {
			mu.Lock()
			order = append(order, req.ID)
			mu.Unlock()
			return okResult(req)
		}})
		require.NoError(t, err)
		futures = append(futures, f)
	}

	close(gate)
	waitResult(t, f0)
	for _, f := range futures {
		waitResult(t, f)
	}
	assert.Equal(t, []string{"q0", "q1", "q2", "q3", "q4"}, order)
}

func TestScheduler_PerRequestTimeout(t *testing.T) {
	s := newTestScheduler(t, 2, 10)

	slow := request("slow")
	fSlow, err := s.Submit(context.Background(), Job{Request: slow, Timeout: 30 * time.Millisecond, Run: func(ctx context.Context) *types.ExecutionResult {
		return ctxResult(ctx, slow)
	}})
	require.NoError(t, err)

	fast := request("fast")
	fFast, err := s.Submit(context.Background(), Job{Request: fast, Timeout: time.Second, Run: func(context.Context) *types.ExecutionResult {
		time.Sleep(60 * time.Millisecond)
		return okResult(fast)
	}})
	require.NoError(t, err)

	assert.Equal(t, types.ErrExecutionTimeout, waitResult(t, fSlow).Outcome)
	assert.Equal(t, types.Success, waitResult(t, fFast).Outcome, "a timeout must not affect other requests")
}

func TestScheduler_CancelQueued(t *testing.T) {
	s := newTestScheduler(t, 1, 10)

	gate := make(chan struct{})
	defer close(gate)
	blocker := request("blocker")
	_, err := s.Submit(context.Background(), Job{Request: blocker, Run: func(context.Context) *types.ExecutionResult {
		<-gate
		return okResult(blocker)
	}})
	require.NoError(t, err)

	var ran atomic.Bool
	queued := request("queued")
	f, err := s.Submit(context.Background(), Job{Request: queued, Run: func(context.Context) *types.ExecutionResult {
		ran.Store(true)
		return okResult(queued)
	}})
	require.NoError(t, err)

	assert.True(t, s.Cancel("queued"))
	res := waitResult(t, f)
	assert.Equal(t, types.ErrCancelled, res.Outcome)
	assert.Equal(t, "queued", res.RequestID)
	assert.False(t, ran.Load())
	assert.False(t, s.Cancel("queued"), "finished requests are forgotten")
}

func TestScheduler_CancelRunning(t *testing.T) {
	s := newTestScheduler(t, 1, 10)

	started := make(chan struct{})
	req := request("running")
	f, err := s.Submit(context.Background(), Job{Request: req, Run: func(ctx context.Context) *types.ExecutionResult {
		close(started)
		return ctxResult(ctx, req)
	}})
	require.NoError(t, err)

	<-started
	require.True(t, s.Cancel("running"))
	assert.Equal(t, types.ErrCancelled, waitResult(t, f).Outcome)
	assert.Eventually(t, func() bool { return s.Stats().Cancelled == 1 }, time.Second, 5*time.Millisecond)
}

func TestScheduler_CallerContextCancelsQueued(t *testing.T) {
	s := newTestScheduler(t, 1, 10)

	gate := make(chan struct{})
	defer close(gate)
	blocker := request("blocker")
	_, err := s.Submit(context.Background(), Job{Request: blocker, Run: func(context.Context) *types.ExecutionResult {
		<-gate
		return okResult(blocker)
	}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	req := request("caller")
	f, err := s.Submit(ctx, Job{Request: req, Run: func(context.Context) *types.ExecutionResult { return okResult(req) }})
	require.NoError(t, err)

	cancel()
	assert.Equal(t, types.ErrCancelled, waitResult(t, f).Outcome)
}

func TestScheduler_PanicIsolation(t *testing.T) {
	s := newTestScheduler(t, 1, 10)

	bad := request("bad")
	f1, err := s.Submit(context.Background(), Job{Request: bad, Run: func(context.Context) *types.ExecutionResult {
		panic("adapter bug")
	}})
	require.NoError(t, err)

	good := request("good")
	f2, err := s.Submit(context.Background(), Job{Request: good, Run: func(context.Context) *types.ExecutionResult { return okResult(good) }})
	require.NoError(t, err)

	res := waitResult(t, f1)
	assert.Equal(t, types.ErrInternal, res.Outcome)
	assert.Contains(t, res.Error, "adapter bug")
	assert.True(t, waitResult(t, f2).Succeeded())
}

func TestScheduler_NilResultIsInternal(t *testing.T) {
	s := newTestScheduler(t, 1, 10)
	f, err := s.Submit(context.Background(), Job{Request: request("nil"), Run: func(context.Context) *types.ExecutionResult { return nil }})
	require.NoError(t, err)
	assert.Equal(t, types.ErrInternal, waitResult(t, f).Outcome)
}

func TestScheduler_QueueFull(t *testing.T) {
	s := newTestScheduler(t, 1, 1)

	gate := make(chan struct{})
	defer close(gate)

	var full int
	for i := 0; i < 4; i++ {
		req := request(fmt.Sprintf("r%d", i))
		_, err := s.Submit(context.Background(), Job{Request: req, Run: func(context.Context) *types.ExecutionResult {
			<-gate
			return okResult(req)
		}})
		if errors.Is(err, ErrQueueFull) {
			full++
		}
	}
	assert.GreaterOrEqual(t, full, 1)
	assert.Equal(t, int64(full), s.Stats().Rejected)
}

func TestScheduler_DuplicateID(t *testing.T) {
	s := newTestScheduler(t, 1, 10)

	gate := make(chan struct{})
	defer close(gate)
	req := request("same")
	_, err := s.Submit(context.Background(), Job{Request: req, Run: func(context.Context) *types.ExecutionResult {
		<-gate
		return okResult(req)
	}})
	require.NoError(t, err)

	_, err = s.Submit(context.Background(), Job{Request: req, Run: func(context.Context) *types.ExecutionResult { return okResult(req) }})
	assert.ErrorIs(t, err, ErrDuplicateID)
}

func TestScheduler_CloseCancelsQueuedAndRejectsNew(t *testing.T) {
	s := New(Config{MaxWorkers: 1, QueueSize: 10}, nil)

	started := make(chan struct{})
	running := request("running")
	fRunning, err := s.Submit(context.Background(), Job{Request: running, Run: func(ctx context.Context) *types.ExecutionResult {
		close(started)
		time.Sleep(50 * time.Millisecond)
		return okResult(running)
	}})
	require.NoError(t, err)
	<-started

	queued := request("queued")
	fQueued, err := s.Submit(context.Background(), Job{Request: queued, Run: func(context.Context) *types.ExecutionResult { return okResult(queued) }})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Close(ctx))

	assert.True(t, waitResult(t, fRunning).Succeeded(), "in-flight work completes")
	assert.Equal(t, types.ErrCancelled, waitResult(t, fQueued).Outcome)

	_, err = s.Submit(context.Background(), Job{Request: request("late"), Run: func(context.Context) *types.ExecutionResult { return nil }})
	assert.ErrorIs(t, err, ErrSchedulerClosed)
	assert.NoError(t, s.Close(ctx), "close is idempotent")
}

func TestFuture_WaitRespectsContext(t *testing.T) {
	f := newFuture("x")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := f.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Nil(t, f.Result())

	f.complete(&types.ExecutionResult{RequestID: "x"})
	f.complete(&types.ExecutionResult{RequestID: "ignored"})
	assert.Equal(t, "x", f.Result().RequestID)
}

func TestFuture_Resolved(t *testing.T) {
	f := Resolved(&types.ExecutionResult{RequestID: "r", Outcome: types.ErrStealthPolicyViolation})
	assert.Equal(t, "r", f.ID())
	select {
	case <-f.Done():
	default:
		t.Fatal("resolved future must be done")
	}
	res, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.ErrStealthPolicyViolation, res.Outcome)
}

func TestPoolSize(t *testing.T) {
	tests := []struct {
		name   string
		cpus   int
		memMB  int64
		memErr error
		per    int
		want   int
	}{
		{"cpu bound", 4, 64 << 10, nil, 512, 4},
		{"memory bound", 16, 2048, nil, 512, 4},
		{"tiny host clamps to one", 8, 100, nil, 512, 1},
		{"memory unknown falls back", 8, 0, errors.New("no sysinfo"), 512, DefaultWorkers},
		{"no per-worker budget", 6, 1024, nil, 0, 6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, poolSize(tt.cpus, tt.memMB, tt.memErr, tt.per))
		})
	}
	assert.Equal(t, 7, PoolSize(Config{MaxWorkers: 7}))
	assert.GreaterOrEqual(t, PoolSize(Config{PerWorkerMemoryMB: 512}), 1)
}

func TestProperty_Scheduler_NeverExceedsCapacity(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		workers := rapid.IntRange(1, 4).Draw(rt, "workers")
		extra := rapid.IntRange(0, 8).Draw(rt, "extra")

		s := New(Config{MaxWorkers: workers, QueueSize: 64}, nil)
		defer func() { _ = s.Close(context.Background()) }()

		var current, maxSeen atomic.Int32
		futures := make([]*Future, 0, workers+extra)
		for i := 0; i < workers+extra; i++ {
			req := request(fmt.Sprintf("p%d", i))
			f, err := s.Submit(context.Background(), Job{Request: req, Run: func(context.Context) *types.ExecutionResult {
				n := current.Add(1)
				for {
					m := maxSeen.Load()
					if n <= m || maxSeen.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				current.Add(-1)
				return okResult(req)
			}})
			if err != nil {
				rt.Fatal(err)
			}
			futures = append(futures, f)
		}
		for _, f := range futures {
			<-f.Done()
		}
		if got := maxSeen.Load(); got > int32(workers) {
			rt.Fatalf("%d concurrent runners with capacity %d", got, workers)
		}
	})
}
