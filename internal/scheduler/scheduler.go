// Package scheduler runs executions on a fixed-size pool with FIFO
// admission, per-request timeouts and cancellation.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BaSui01/toolguard/types"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

var (
	ErrSchedulerClosed = errors.New("scheduler is closed")
	ErrQueueFull       = errors.New("scheduler queue is full")
	ErrDuplicateID     = errors.New("request id already in flight")
)

// Task executes one request. It always reports its outcome as a result;
// failures are results, not errors.
type Task func(ctx context.Context) *types.ExecutionResult

// Job is one unit of scheduled work.
type Job struct {
	Request types.ExecutionRequest
	Timeout time.Duration
	Run     Task
}

// Config 调度器配置
type Config struct {
	MaxWorkers        int           `yaml:"max_workers" env:"MAX_WORKERS"`
	PerWorkerMemoryMB int           `yaml:"per_worker_memory_mb" env:"PER_WORKER_MEMORY_MB"`
	QueueSize         int           `yaml:"queue_size" env:"QUEUE_SIZE"`
	DefaultTimeout    time.Duration `yaml:"default_timeout" env:"DEFAULT_TIMEOUT"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		PerWorkerMemoryMB: 512,
		QueueSize:         1000,
		DefaultTimeout:    5 * time.Minute,
	}
}

const (
	stateQueued int32 = iota
	stateRunning
	stateDone
)

type entry struct {
	job    Job
	ctx    context.Context
	cancel context.CancelFunc
	state  atomic.Int32
	future *Future
}

// Scheduler is a bounded worker pool. At most Capacity jobs run at once;
// the rest wait in submission order.
type Scheduler struct {
	capacity int
	cfg      Config
	sem      *semaphore.Weighted
	queue    chan *entry
	logger   *zap.Logger

	mu      sync.Mutex
	entries map[string]*entry

	baseCtx    context.Context
	baseCancel context.CancelFunc
	closed     atomic.Bool
	wg         sync.WaitGroup
	dispatched chan struct{}

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	cancelled atomic.Int64
	rejected  atomic.Int64
	queued    atomic.Int64
	active    atomic.Int64
	peak      atomic.Int64
}

// New creates and starts a Scheduler.
func New(cfg Config, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultConfig().DefaultTimeout
	}
	capacity := PoolSize(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		capacity:   capacity,
		cfg:        cfg,
		sem:        semaphore.NewWeighted(int64(capacity)),
		queue:      make(chan *entry, cfg.QueueSize),
		logger:     logger.With(zap.String("component", "scheduler")),
		entries:    make(map[string]*entry),
		baseCtx:    ctx,
		baseCancel: cancel,
		dispatched: make(chan struct{}),
	}
	go s.dispatch()

	s.logger.Info("scheduler started",
		zap.Int("capacity", capacity),
		zap.Int("queue_size", cfg.QueueSize),
	)
	return s
}

// Capacity returns the maximum number of concurrent jobs.
func (s *Scheduler) Capacity() int {
	return s.capacity
}

// Submit enqueues job and returns immediately. Cancelling ctx cancels the
// job whether it is queued or running.
func (s *Scheduler) Submit(ctx context.Context, job Job) (*Future, error) {
	id := job.Request.ID
	if id == "" {
		return nil, fmt.Errorf("request id is required")
	}
	if job.Timeout <= 0 {
		job.Timeout = s.cfg.DefaultTimeout
	}

	jobCtx, cancel := context.WithCancel(ctx)
	e := &entry{
		job:    job,
		ctx:    jobCtx,
		cancel: cancel,
		future: newFuture(id),
	}

	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		cancel()
		return nil, ErrSchedulerClosed
	}
	if _, dup := s.entries[id]; dup {
		s.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	s.queued.Add(1)
	select {
	case s.queue <- e:
		s.entries[id] = e
	default:
		s.mu.Unlock()
		s.queued.Add(-1)
		s.rejected.Add(1)
		cancel()
		return nil, ErrQueueFull
	}
	s.mu.Unlock()
	s.submitted.Add(1)

	// A queued job finishes as soon as it is cancelled; a running one is
	// left to observe its context.
	context.AfterFunc(jobCtx, func() {
		if e.state.CompareAndSwap(stateQueued, stateDone) {
			s.queued.Add(-1)
			s.finishCancelled(e, "cancelled while queued")
		}
	})
	return e.future, nil
}

// Cancel cancels the queued or running request with id.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	e, ok := s.entries[id]
	s.mu.Unlock()
	if !ok {
		return false
	}
	e.cancel()
	return true
}

func (s *Scheduler) dispatch() {
	defer close(s.dispatched)
	for {
		var e *entry
		select {
		case e = <-s.queue:
		case <-s.baseCtx.Done():
			return
		}
		if e.state.Load() != stateQueued {
			continue
		}
		if err := s.sem.Acquire(s.baseCtx, 1); err != nil {
			// closing; the entry is cancelled by Close
			return
		}
		if !e.state.CompareAndSwap(stateQueued, stateRunning) {
			s.sem.Release(1)
			continue
		}
		s.queued.Add(-1)
		s.wg.Add(1)
		go s.run(e)
	}
}

func (s *Scheduler) run(e *entry) {
	defer s.wg.Done()
	defer s.sem.Release(1)

	n := s.active.Add(1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}
	defer s.active.Add(-1)

	ctx, cancel := context.WithTimeout(e.ctx, e.job.Timeout)
	defer cancel()

	res := s.execute(ctx, e)
	s.complete(e, res)
}

func (s *Scheduler) execute(ctx context.Context, e *entry) (res *types.ExecutionResult) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("task panicked",
				zap.String("request_id", e.job.Request.ID),
				zap.String("tool", e.job.Request.Tool),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			res = types.FailedResult(e.job.Request, types.Errorf(types.ErrInternal, "task panicked: %v", r))
		}
	}()
	res = e.job.Run(ctx)
	if res == nil {
		res = types.FailedResult(e.job.Request, types.NewError(types.ErrInternal, "task returned no result"))
	}
	return res
}

func (s *Scheduler) complete(e *entry, res *types.ExecutionResult) {
	e.state.Store(stateDone)
	s.completed.Add(1)
	switch res.Outcome {
	case types.Success:
	case types.ErrCancelled:
		s.cancelled.Add(1)
	default:
		s.failed.Add(1)
	}
	s.resolve(e, res)
}

func (s *Scheduler) finishCancelled(e *entry, msg string) {
	s.cancelled.Add(1)
	res := types.FailedResult(e.job.Request, types.NewError(types.ErrCancelled, msg))
	s.resolve(e, res)
}

func (s *Scheduler) resolve(e *entry, res *types.ExecutionResult) {
	e.future.complete(res)
	e.cancel()
	s.forget(e.job.Request.ID)
}

func (s *Scheduler) forget(id string) {
	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
}

// Close stops accepting work, cancels queued jobs and waits for running
// jobs until ctx is done.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed.Swap(true) {
		s.mu.Unlock()
		return nil
	}
	pending := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		pending = append(pending, e)
	}
	s.mu.Unlock()
	for _, e := range pending {
		if e.state.Load() == stateQueued {
			e.cancel()
		}
	}

	s.baseCancel()
	<-s.dispatched

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("scheduler stopped", zap.Int64("completed", s.completed.Load()))
		return nil
	case <-ctx.Done():
		for _, e := range pending {
			e.cancel()
		}
		return fmt.Errorf("scheduler close: %w", ctx.Err())
	}
}

// Stats 调度器统计
type Stats struct {
	Capacity  int   `json:"capacity"`
	Active    int64 `json:"active"`
	Queued    int64 `json:"queued"`
	Peak      int64 `json:"peak"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Cancelled int64 `json:"cancelled"`
	Rejected  int64 `json:"rejected"`
}

// Stats returns pool statistics.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Capacity:  s.capacity,
		Active:    s.active.Load(),
		Queued:    s.queued.Load(),
		Peak:      s.peak.Load(),
		Submitted: s.submitted.Load(),
		Completed: s.completed.Load(),
		Failed:    s.failed.Load(),
		Cancelled: s.cancelled.Load(),
		Rejected:  s.rejected.Load(),
	}
}
