// Package engine accepts execution requests and drives each one through the
// policy gate, proxy validation, runner selection and the bounded pool.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/toolguard/internal/ctxkeys"
	"github.com/BaSui01/toolguard/internal/metrics"
	"github.com/BaSui01/toolguard/internal/policy"
	"github.com/BaSui01/toolguard/internal/scheduler"
	"github.com/BaSui01/toolguard/internal/secrets"
	"github.com/BaSui01/toolguard/internal/strategy"
	"github.com/BaSui01/toolguard/internal/telemetry"
	"github.com/BaSui01/toolguard/types"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

// Catalog is the admitted tool set.
type Catalog interface {
	policy.Catalog
	List() []*types.ToolDescriptor
}

// ProxyValidator turns a caller-supplied proxy URL into a pinned network
// configuration.
type ProxyValidator interface {
	Validate(ctx context.Context, proxyURL string) (*types.NetworkConfig, error)
}

// RunnerSelector picks the runner for one request.
type RunnerSelector interface {
	Select(ctx context.Context, desc *types.ToolDescriptor, mode types.ExecutionMode) (strategy.Runner, error)
	Probe(ctx context.Context, desc *types.ToolDescriptor) strategy.Availability
}

// Pool is the bounded scheduler.
type Pool interface {
	Submit(ctx context.Context, job scheduler.Job) (*scheduler.Future, error)
	Cancel(id string) bool
	Stats() scheduler.Stats
	Close(ctx context.Context) error
}

// Config 引擎配置
type Config struct {
	// DefaultTimeout applies when a request sets no timeout.
	DefaultTimeout time.Duration
	// SetupGrace is added to the pool deadline on top of the tool timeout
	// so that image resolution and teardown never eat into run time.
	SetupGrace time.Duration
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout: 5 * time.Minute,
		SetupGrace:     2 * time.Minute,
	}
}

// Engine is safe for concurrent use.
type Engine struct {
	cfg      Config
	catalog  Catalog
	gate     *policy.Gate
	proxies  ProxyValidator
	selector RunnerSelector
	pool     Pool
	secrets  secrets.Provider
	metrics  *metrics.Collector
	tracer   trace.Tracer
	verifier Verifier
	logger   *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithSecrets sets the credential provider.
func WithSecrets(p secrets.Provider) Option {
	return func(e *Engine) { e.secrets = p }
}

// WithMetrics records every execution on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(e *Engine) { e.metrics = c }
}

// WithTracer opens a span per execution.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// WithVerifier exposes sandbox image checks in Diagnostics.
func WithVerifier(v Verifier) Option {
	return func(e *Engine) { e.verifier = v }
}

// New creates an Engine. catalog, proxies, selector and pool are required.
func New(cfg Config, catalog Catalog, proxies ProxyValidator, selector RunnerSelector, pool Pool, logger *zap.Logger, opts ...Option) (*Engine, error) {
	if catalog == nil || proxies == nil || selector == nil || pool == nil {
		return nil, errors.New("engine: catalog, proxy validator, selector and pool are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultConfig().DefaultTimeout
	}
	if cfg.SetupGrace < 0 {
		cfg.SetupGrace = 0
	}
	logger = logger.With(zap.String("component", "engine"))
	e := &Engine{
		cfg:      cfg,
		catalog:  catalog,
		gate:     policy.NewGate(catalog, logger),
		proxies:  proxies,
		selector: selector,
		pool:     pool,
		tracer:   noop.NewTracerProvider().Tracer(telemetry.InstrumentationName),
		logger:   logger,
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Submit schedules req and returns immediately. A request rejected by the
// policy gate gets an already resolved Future and never occupies a worker.
// The error is non-nil only when the pool refuses the request.
func (e *Engine) Submit(ctx context.Context, req types.ExecutionRequest) (*scheduler.Future, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	log := e.logger.With(zap.String("request_id", req.ID), zap.String("tool", req.Tool))

	desc, err := e.gate.Check(req)
	if err != nil {
		res := types.FailedResult(req, err)
		e.finish(req, res)
		log.Info("request rejected", zap.String("outcome", string(res.Outcome)))
		return scheduler.Resolved(res), nil
	}

	timeout := req.Config.Timeout(e.cfg.DefaultTimeout)
	f, err := e.pool.Submit(ctx, scheduler.Job{
		Request: req,
		Timeout: timeout + e.cfg.SetupGrace,
		Run: func(ctx context.Context) *types.ExecutionResult {
			return e.execute(ctx, req, desc, timeout)
		},
	})
	e.recordPool()
	if err != nil {
		log.Warn("request not scheduled", zap.Error(err))
		return nil, fmt.Errorf("submit %s: %w", req.ID, err)
	}
	log.Debug("request scheduled", zap.Duration("timeout", timeout))
	return f, nil
}

// Execute submits req and waits for its result.
func (e *Engine) Execute(ctx context.Context, req types.ExecutionRequest) (*types.ExecutionResult, error) {
	f, err := e.Submit(ctx, req)
	if err != nil {
		return nil, err
	}
	return f.Wait(ctx)
}

// Cancel cancels a queued or running request.
func (e *Engine) Cancel(id string) bool {
	return e.pool.Cancel(id)
}

// Close stops accepting requests and waits for running ones until ctx is done.
func (e *Engine) Close(ctx context.Context) error {
	return e.pool.Close(ctx)
}

func (e *Engine) execute(ctx context.Context, req types.ExecutionRequest, desc *types.ToolDescriptor, timeout time.Duration) *types.ExecutionResult {
	e.recordPool()
	ctx = ctxkeys.WithTool(ctxkeys.WithRequestID(ctx, req.ID), req.Tool)
	ctx, span := telemetry.StartExecution(ctx, e.tracer, req)

	res := e.run(ctx, req, desc, timeout)

	telemetry.EndExecution(span, res)
	e.finish(req, res)
	return res
}

func (e *Engine) run(ctx context.Context, req types.ExecutionRequest, desc *types.ToolDescriptor, timeout time.Duration) *types.ExecutionResult {
	log := e.logger.With(zap.String("request_id", req.ID), zap.String("tool", req.Tool))

	var network *types.NetworkConfig
	if req.Config.ProxyURL != "" {
		nc, err := e.proxies.Validate(ctx, req.Config.ProxyURL)
		if err != nil {
			log.Warn("proxy rejected", zap.Error(err))
			return types.FailedResult(req, err)
		}
		network = nc
	}

	env, err := secrets.Resolve(ctx, e.secrets, desc)
	if err != nil {
		return types.FailedResult(req, err)
	}

	runner, err := e.selector.Select(ctx, desc, req.Config.Mode)
	if err != nil {
		return types.FailedResult(req, err)
	}

	out, err := runner.Run(ctx, &strategy.Job{
		Request:    req,
		Descriptor: desc,
		Network:    network,
		Env:        env,
		Timeout:    timeout,
	})
	res := buildResult(req, runner.Name(), out, err)
	log.Info("execution finished",
		zap.String("runner", res.Runner),
		zap.String("outcome", string(res.Outcome)),
		zap.Int("exit_code", res.ExitCode),
		zap.Duration("duration", res.Duration),
		zap.Bool("truncated", res.Truncated),
	)
	return res
}

// buildResult maps a runner outcome to the caller-facing result. A tool
// that ran and exited non-zero is NonZeroExit with its output preserved.
func buildResult(req types.ExecutionRequest, runner string, out *strategy.Result, err error) *types.ExecutionResult {
	var res *types.ExecutionResult
	switch {
	case err != nil:
		res = types.FailedResult(req, err)
	case out.ExitCode != 0:
		res = &types.ExecutionResult{
			RequestID: req.ID,
			Tool:      req.Tool,
			Outcome:   types.ErrNonZeroExit,
			Error:     fmt.Sprintf("tool exited with status %d", out.ExitCode),
		}
	default:
		res = &types.ExecutionResult{RequestID: req.ID, Tool: req.Tool, Outcome: types.Success}
	}
	res.Runner = runner
	if out != nil {
		if out.Runner != "" {
			res.Runner = out.Runner
		}
		res.Output = out.Output
		res.ExitCode = out.ExitCode
		res.Duration = out.Duration
		res.Artifacts = out.Artifacts
		if out.Truncated {
			res.Truncated = true
			res.Warnings = append(res.Warnings, types.WarnOutputTruncated)
		}
	}
	return res
}

func (e *Engine) finish(req types.ExecutionRequest, res *types.ExecutionResult) {
	if e.metrics == nil {
		return
	}
	if res.Outcome.IsPolicy() {
		e.metrics.RecordPolicyRejection(req.Tool, string(res.Outcome))
	}
	e.metrics.RecordExecution(req.Tool, res.Runner, string(res.Outcome), res.Duration, res.Truncated)
	e.recordPool()
}

func (e *Engine) recordPool() {
	if e.metrics == nil {
		return
	}
	st := e.pool.Stats()
	e.metrics.SetPoolState(st.Capacity, int(st.Active), int(st.Queued))
}
