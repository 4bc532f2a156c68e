package sandbox

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/BaSui01/toolguard/internal/capture"
	"github.com/BaSui01/toolguard/internal/retry"
	"github.com/BaSui01/toolguard/types"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// Config 沙箱管理器配置
type Config struct {
	MaxOutputBytes   int
	TeardownTimeout  time.Duration
	DefaultUser      string
	DNS              []string
	Defaults         types.ResourceProfile
	AllowPull        bool
	PullRetry        retry.Policy
	PullRate         rate.Limit
	PullBurst        int
	RemoveImages     bool
	ArtifactRoot     string
	MaxArtifactBytes int64
}

// DefaultConfig returns the hardened defaults.
func DefaultConfig() Config {
	return Config{
		MaxOutputBytes:  capture.DefaultLimit,
		TeardownTimeout: 15 * time.Second,
		DefaultUser:     DefaultUser,
		DNS:             []string{"1.1.1.1", "9.9.9.9"},
		Defaults: types.ResourceProfile{
			MemoryMB:  512,
			CPUShares: 512,
			PidsLimit: 128,
		},
		AllowPull:        true,
		PullRetry:        retry.DefaultPolicy(),
		PullRate:         rate.Every(2 * time.Second),
		PullBurst:        2,
		MaxArtifactBytes: DefaultMaxArtifactBytes,
	}
}

// Outcome is what a finished sandbox run produced. A non-nil Outcome may
// accompany an error when the tool started before the failure.
type Outcome struct {
	Output      string
	Truncated   bool
	ExitCode    int
	Duration    time.Duration
	ImageDigest string
	Artifacts   []types.Artifact
	ArtifactErr error
	Lifecycle   *Lifecycle
}

// Verification is the last digest check recorded for a tool.
type Verification struct {
	Image    string    `json:"image"`
	Expected string    `json:"expected"`
	Actual   string    `json:"actual,omitempty"`
	OK       bool      `json:"ok"`
	At       time.Time `json:"at"`
}

// Manager runs tools in ephemeral, isolated containers.
type Manager struct {
	cfg      Config
	runtime  Runtime
	logger   *zap.Logger
	retryer  *retry.Retryer
	limiter  *rate.Limiter
	pulls    singleflight.Group
	observer Observer
	onVerify func(tool string, v Verification)

	mu            sync.RWMutex
	verifications map[string]Verification
	active        map[string]string
}

// Option configures a Manager.
type Option func(*Manager)

// WithObserver registers a lifecycle observer.
func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observer = o }
}

// WithVerificationHook is called after every image digest check.
func WithVerificationHook(fn func(tool string, v Verification)) Option {
	return func(m *Manager) { m.onVerify = fn }
}

// NewManager creates a Manager.
func NewManager(cfg Config, rt Runtime, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = capture.DefaultLimit
	}
	if cfg.TeardownTimeout <= 0 {
		cfg.TeardownTimeout = 15 * time.Second
	}
	if cfg.DefaultUser == "" {
		cfg.DefaultUser = DefaultUser
	}
	if cfg.PullRate <= 0 {
		cfg.PullRate = rate.Inf
	}
	if cfg.PullBurst <= 0 {
		cfg.PullBurst = 1
	}

	logger = logger.With(zap.String("component", "sandbox"))
	policy := cfg.PullRetry
	policy.Retryable = isTransientPull

	m := &Manager{
		cfg:           cfg,
		runtime:       rt,
		logger:        logger,
		retryer:       retry.New(policy, logger),
		limiter:       rate.NewLimiter(cfg.PullRate, cfg.PullBurst),
		verifications: make(map[string]Verification),
		active:        make(map[string]string),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Available reports whether the runtime is reachable and the image can be
// resolved, either locally or by pulling.
func (m *Manager) Available(ctx context.Context, image types.ImageRef) error {
	if err := image.Validate(); err != nil {
		return err
	}
	if err := m.runtime.Ping(ctx); err != nil {
		return fmt.Errorf("container runtime unreachable: %w", err)
	}
	if m.cfg.AllowPull {
		return nil
	}
	_, err := m.runtime.ImageDigest(ctx, image)
	return err
}

// Run executes spec in a fresh sandbox. Teardown runs exactly once on every
// path, including panics, on a context the caller cannot cancel.
func (m *Manager) Run(ctx context.Context, spec *Spec) (out *Outcome, err error) {
	lc := newLifecycle(spec.Name, m.observer)
	out = &Outcome{Lifecycle: lc, ExitCode: -1}
	log := m.logger.With(zap.String("container", spec.Name), zap.String("tool", spec.Tool))

	var containerID string
	defer func() {
		r := recover()
		if r != nil {
			err = types.Errorf(types.ErrInternal, "sandbox panic: %v", r).WithTool(spec.Tool)
		}
		if err != nil {
			lc.to(StateFailed)
		}
		m.teardown(lc, spec, containerID, log)
		if r != nil {
			panic(r)
		}
	}()

	m.applyDefaults(spec)
	if verr := spec.Validate(); verr != nil {
		return out, types.NewError(types.ErrSandboxCreationFailed, "invalid sandbox spec").WithCause(verr).WithTool(spec.Tool)
	}

	lc.to(StateImageResolving)
	actual, err := m.resolveImage(ctx, spec.Image)
	if err != nil {
		return out, m.wrapStepErr(ctx, types.ErrImageUnavailable, "image unavailable", err, spec.Tool)
	}

	lc.to(StateDigestVerifying)
	if err := m.verifyDigest(spec, actual); err != nil {
		return out, err
	}
	out.ImageDigest = actual

	lc.to(StateCreating)
	if spec.NetworkMode == NetworkBridge {
		network, nerr := m.runtime.CreateNetwork(ctx, spec)
		if nerr != nil {
			return out, m.wrapStepErr(ctx, types.ErrSandboxCreationFailed, "create sandbox network", nerr, spec.Tool)
		}
		spec.Network = network
		log.Debug("sandbox network ready",
			zap.String("network", network),
			zap.Stringer("egress", spec.Egress.Addr),
			zap.Uint16("port", spec.Egress.Port),
		)
	}
	containerID, err = m.runtime.Create(ctx, spec)
	if err != nil {
		return out, m.wrapStepErr(ctx, types.ErrSandboxCreationFailed, "create sandbox", err, spec.Tool)
	}
	m.track(spec.Name, containerID)

	lc.to(StateRunning)
	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if spec.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
	}
	defer cancel()

	buf := capture.NewBuffer(spec.MaxOutputBytes)
	start := time.Now()
	exitCode, runErr := m.runtime.Start(runCtx, containerID, buf)
	out.Duration = time.Since(start)
	out.Output = buf.String()
	out.Truncated = buf.Truncated()

	if runErr != nil || runCtx.Err() != nil {
		m.kill(containerID, log)
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return out, types.Errorf(types.ErrExecutionTimeout, "sandbox exceeded %s", spec.Timeout).WithTool(spec.Tool)
		}
		if ctx.Err() != nil {
			return out, types.NewError(types.ErrCancelled, "sandbox run cancelled").WithCause(ctx.Err()).WithTool(spec.Tool)
		}
		return out, types.NewError(types.ErrInternal, "sandbox run failed").WithCause(runErr).WithTool(spec.Tool)
	}
	out.ExitCode = exitCode

	lc.to(StateOutputCaptured)
	if spec.ArtifactPath != "" {
		out.Artifacts, out.ArtifactErr = m.collectArtifacts(ctx, spec, containerID)
		if out.ArtifactErr != nil {
			log.Warn("artifact extraction failed", zap.Error(out.ArtifactErr))
		}
	}

	log.Debug("sandbox run finished",
		zap.Int("exit_code", exitCode),
		zap.Duration("duration", out.Duration),
		zap.Bool("truncated", out.Truncated),
	)
	return out, nil
}

func (m *Manager) applyDefaults(spec *Spec) {
	spec.Resources = spec.Resources.WithDefaults(m.cfg.Defaults)
	if spec.User == "" {
		spec.User = m.cfg.DefaultUser
	}
	if len(spec.CapDrop) == 0 {
		spec.CapDrop = []string{"ALL"}
	}
	if spec.NetworkMode == "" {
		spec.NetworkMode = NetworkNone
	}
	if spec.NetworkMode != NetworkNone && len(spec.DNS) == 0 {
		spec.DNS = append([]string(nil), m.cfg.DNS...)
	}
	if spec.MaxOutputBytes <= 0 {
		spec.MaxOutputBytes = m.cfg.MaxOutputBytes
	}
}

func (m *Manager) wrapStepErr(ctx context.Context, kind types.ErrorKind, msg string, err error, tool string) error {
	if ctx.Err() != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return types.NewError(types.ErrExecutionTimeout, msg+": deadline exceeded").WithCause(err).WithTool(tool)
		}
		return types.NewError(types.ErrCancelled, msg+": cancelled").WithCause(err).WithTool(tool)
	}
	return types.NewError(kind, msg).WithCause(err).WithTool(tool)
}

// resolveImage returns the local digest, pulling the pinned reference when
// the image is absent.
func (m *Manager) resolveImage(ctx context.Context, image types.ImageRef) (string, error) {
	digest, err := m.runtime.ImageDigest(ctx, image)
	if err == nil {
		return digest, nil
	}
	if !errors.Is(err, ErrImageNotFound) {
		return "", err
	}
	if !m.cfg.AllowPull {
		return "", err
	}

	ref := image.Pinned()
	_, err, shared := m.pulls.Do(ref, func() (any, error) {
		return nil, m.retryer.Do(ctx, func(ctx context.Context) error {
			if err := m.limiter.Wait(ctx); err != nil {
				return err
			}
			m.logger.Info("pulling image", zap.String("image", ref))
			return m.runtime.PullImage(ctx, image)
		})
	})
	if err != nil {
		return "", fmt.Errorf("pull %s: %w", ref, err)
	}
	if shared {
		m.logger.Debug("joined in-flight pull", zap.String("image", ref))
	}
	return m.runtime.ImageDigest(ctx, image)
}

func (m *Manager) verifyDigest(spec *Spec, actual string) error {
	expected := strings.ToLower(spec.Image.Digest)
	got := strings.ToLower(strings.TrimSpace(actual))
	ok := subtle.ConstantTimeCompare([]byte(expected), []byte(got)) == 1

	v := Verification{
		Image:    spec.Image.Repository,
		Expected: expected,
		Actual:   got,
		OK:       ok,
		At:       time.Now(),
	}
	m.mu.Lock()
	m.verifications[spec.Tool] = v
	m.mu.Unlock()
	if m.onVerify != nil {
		m.onVerify(spec.Tool, v)
	}

	if !ok {
		m.logger.Error("image digest mismatch",
			zap.String("tool", spec.Tool),
			zap.String("image", spec.Image.Repository),
			zap.String("expected", expected),
			zap.String("actual", got),
		)
		return types.Errorf(types.ErrImageVerificationFailed,
			"image %s digest %s does not match pinned %s", spec.Image.Repository, got, expected).WithTool(spec.Tool)
	}
	return nil
}

// LastVerification returns the most recent digest check for tool.
func (m *Manager) LastVerification(tool string) (Verification, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.verifications[tool]
	return v, ok
}

// Active returns the number of containers that have not been torn down.
func (m *Manager) Active() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}

func (m *Manager) track(name, id string) {
	m.mu.Lock()
	m.active[name] = id
	m.mu.Unlock()
}

func (m *Manager) untrack(name string) {
	m.mu.Lock()
	delete(m.active, name)
	m.mu.Unlock()
}

func (m *Manager) collectArtifacts(ctx context.Context, spec *Spec, id string) ([]types.Artifact, error) {
	rc, err := m.runtime.CopyFrom(ctx, id, spec.ArtifactPath)
	if err != nil {
		return nil, err
	}
	dest := ""
	if m.cfg.ArtifactRoot != "" {
		dest = filepath.Join(m.cfg.ArtifactRoot, spec.Name)
	}
	artifacts, err := ExtractArtifacts(rc, dest, m.cfg.MaxArtifactBytes)
	if cerr := rc.Close(); err == nil && cerr != nil {
		err = cerr
	}
	return artifacts, err
}

func (m *Manager) kill(id string, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.TeardownTimeout)
	defer cancel()
	if err := m.runtime.Kill(ctx, id); err != nil {
		log.Debug("kill container", zap.Error(err))
	}
}

// teardown must never be skipped, so it ignores the request context.
func (m *Manager) teardown(lc *Lifecycle, spec *Spec, id string, log *zap.Logger) {
	if !lc.to(StateTeardown) {
		// Teardown reached from a state that is neither FAILED nor
		// OUTPUT_CAPTURED; force the failure edge first.
		lc.to(StateFailed)
		lc.to(StateTeardown)
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.TeardownTimeout)
	defer cancel()

	// Create may have registered the container before failing, so once
	// CREATING was entered the name is removed even without an ID.
	if lc.Visited(StateCreating) > 0 {
		target := id
		if target == "" {
			target = spec.Name
		}
		if err := m.runtime.Remove(ctx, target); err != nil {
			if id != "" {
				log.Warn("remove container failed", zap.Error(err))
			} else {
				log.Debug("remove partially created container", zap.Error(err))
			}
		}
		m.untrack(spec.Name)
		if spec.NetworkMode == NetworkBridge {
			if err := m.runtime.RemoveNetwork(ctx, spec); err != nil {
				log.Warn("remove sandbox network failed", zap.Error(err))
			}
		}
	}
	if m.cfg.RemoveImages && lc.FailedAt() != StateImageResolving {
		if err := m.runtime.RemoveImage(ctx, spec.Image); err != nil {
			log.Debug("remove image", zap.Error(err))
		}
	}
	lc.to(StateTerminated)
}

// Cleanup force-removes every container still tracked, used on shutdown.
func (m *Manager) Cleanup(ctx context.Context) error {
	m.mu.RLock()
	ids := make(map[string]string, len(m.active))
	for k, v := range m.active {
		ids[k] = v
	}
	m.mu.RUnlock()

	var errs []error
	for name, id := range ids {
		if err := m.runtime.Remove(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", name, err))
			continue
		}
		m.untrack(name)
	}
	m.logger.Info("cleaned up containers", zap.Int("count", len(ids)))
	return errors.Join(errs...)
}

func isTransientPull(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return !types.IsKind(err, types.ErrImageVerificationFailed)
}
