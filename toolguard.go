// Package toolguard assembles the execution engine from a loaded
// configuration.
//
// Usage:
//
//	cfg, _ := config.NewLoader().WithConfigPath("toolguard.yaml").Load()
//	tg, err := toolguard.New(ctx, cfg, logger)
//	defer tg.Close(ctx)
//	res, err := tg.Engine.Execute(ctx, types.ExecutionRequest{Tool: "whois", Args: []string{"example.com"}})
//
// Everything New builds can be replaced through options, which is how tests
// run the full stack without docker or real DNS.
package toolguard

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/BaSui01/toolguard/config"
	"github.com/BaSui01/toolguard/engine"
	"github.com/BaSui01/toolguard/internal/metrics"
	"github.com/BaSui01/toolguard/internal/native"
	"github.com/BaSui01/toolguard/internal/netguard"
	"github.com/BaSui01/toolguard/internal/registry"
	"github.com/BaSui01/toolguard/internal/retry"
	"github.com/BaSui01/toolguard/internal/sandbox"
	"github.com/BaSui01/toolguard/internal/scheduler"
	"github.com/BaSui01/toolguard/internal/secrets"
	"github.com/BaSui01/toolguard/internal/strategy"
	"github.com/BaSui01/toolguard/internal/telemetry"
	"github.com/BaSui01/toolguard/types"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Toolguard is a running engine together with the components it owns.
type Toolguard struct {
	Engine   *engine.Engine
	Registry *registry.Registry
	Sandbox  *sandbox.Manager
	Metrics  *metrics.Collector

	telemetry   *telemetry.Providers
	stopWatcher context.CancelFunc
	watchDone   chan struct{}
	closeOnce   sync.Once
	logger      *zap.Logger
}

type options struct {
	runtime  sandbox.Runtime
	resolver netguard.Resolver
	secrets  secrets.Provider
	native   strategy.NativeRunner
}

// Option overrides a component New would otherwise build from config.
type Option func(*options)

// WithRuntime replaces the docker CLI runtime.
func WithRuntime(rt sandbox.Runtime) Option {
	return func(o *options) { o.runtime = rt }
}

// WithResolver replaces the system DNS resolver used for proxy checks.
func WithResolver(r netguard.Resolver) Option {
	return func(o *options) { o.resolver = r }
}

// WithSecretsProvider replaces the dotenv/environment provider.
func WithSecretsProvider(p secrets.Provider) Option {
	return func(o *options) { o.secrets = p }
}

// WithNativeRunner replaces the os/exec runner.
func WithNativeRunner(r strategy.NativeRunner) Option {
	return func(o *options) { o.native = r }
}

// New builds and starts the engine described by cfg. The registry is loaded
// before New returns; a manifest that fails to load is an error.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (*Toolguard, error) {
	if cfg == nil {
		return nil, errors.New("toolguard: config is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	tg := &Toolguard{logger: logger.With(zap.String("component", "toolguard"))}

	providers, err := telemetry.Init(ctx, cfg.Telemetry, logger)
	if err != nil {
		// 遥测失败不影响执行
		logger.Warn("failed to initialize telemetry", zap.Error(err))
		providers = &telemetry.Providers{}
	}
	tg.telemetry = providers

	if cfg.Metrics.Enabled {
		tg.Metrics = metrics.NewCollector(cfg.Metrics.Namespace, logger)
	}

	// 工具注册表
	var admitter registry.Admitter
	if len(cfg.Registry.AllowedTools) > 0 {
		admitter = registry.AllowList(cfg.Registry.AllowedTools...)
	} else {
		logger.Warn("registry.allowed_tools is empty; every valid manifest is admitted",
			zap.Strings("paths", cfg.Registry.Paths))
	}
	tg.Registry = registry.New(admitter, logger)
	if len(cfg.Registry.Paths) > 0 {
		if err := tg.Registry.LoadPaths(ctx, cfg.Registry.Paths...); err != nil {
			_ = providers.Shutdown(ctx)
			return nil, fmt.Errorf("load tool manifests: %w", err)
		}
	}

	// 代理校验
	validator, err := netguard.New(netguardConfig(cfg.Network), o.resolver, logger)
	if err != nil {
		_ = providers.Shutdown(ctx)
		return nil, fmt.Errorf("proxy validator: %w", err)
	}

	// 凭据
	provider := o.secrets
	if provider == nil {
		ep, err := secrets.NewEnvProvider(cfg.Secrets.EnvFile, logger)
		if err != nil {
			_ = providers.Shutdown(ctx)
			return nil, fmt.Errorf("secrets provider: %w", err)
		}
		provider = ep
	}

	// 执行策略
	var nativeRunner, sandboxRunner strategy.Runner
	if cfg.Native.Enabled {
		nr := o.native
		if nr == nil {
			nr = native.New(nativeConfig(cfg), logger)
		}
		nativeRunner = strategy.NewNative(nr)
	}
	if cfg.Sandbox.Enabled {
		rt := o.runtime
		if rt == nil {
			rt = sandbox.NewDockerRuntime(sandbox.DockerConfig{
				Binary:    cfg.Sandbox.DockerBinary,
				TmpfsSize: cfg.Sandbox.TmpfsSize,
				Iptables:  cfg.Sandbox.IptablesBinary,
				Labels:    map[string]string{"io.toolguard.managed": "true"},
			}, logger)
		}
		tg.Sandbox = sandbox.NewManager(sandboxConfig(cfg), rt, logger, tg.sandboxOptions()...)
		sandboxRunner = strategy.NewSandbox(tg.Sandbox)
	}
	mode, _ := types.ParseExecutionMode(cfg.Engine.DefaultMode)
	selector := strategy.NewSelector(nativeRunner, sandboxRunner, mode, logger)

	pool := scheduler.New(scheduler.Config{
		MaxWorkers:        cfg.Scheduler.MaxWorkers,
		PerWorkerMemoryMB: cfg.Scheduler.PerWorkerMemoryMB,
		QueueSize:         cfg.Scheduler.QueueSize,
		DefaultTimeout:    cfg.Scheduler.DefaultTimeout,
	}, logger)

	engineOpts := []engine.Option{
		engine.WithSecrets(provider),
		engine.WithTracer(providers.Tracer()),
	}
	if tg.Metrics != nil {
		engineOpts = append(engineOpts, engine.WithMetrics(tg.Metrics))
	}
	if tg.Sandbox != nil {
		engineOpts = append(engineOpts, engine.WithVerifier(tg.Sandbox))
	}
	ecfg := engine.DefaultConfig()
	ecfg.DefaultTimeout = cfg.Scheduler.DefaultTimeout
	tg.Engine, err = engine.New(ecfg, tg.Registry, validator, selector, pool, logger, engineOpts...)
	if err != nil {
		_ = pool.Close(ctx)
		_ = providers.Shutdown(ctx)
		return nil, err
	}

	if cfg.Registry.Watch && len(cfg.Registry.Paths) > 0 {
		if err := tg.startWatcher(cfg.Registry); err != nil {
			tg.logger.Warn("manifest watcher not started", zap.Error(err))
		}
	}

	tg.logger.Info("engine ready",
		zap.Int("tools", len(tg.Registry.List())),
		zap.Bool("native", nativeRunner != nil),
		zap.Bool("sandbox", sandboxRunner != nil),
		zap.String("default_mode", string(selector.DefaultMode())),
	)
	return tg, nil
}

func (tg *Toolguard) sandboxOptions() []sandbox.Option {
	if tg.Metrics == nil {
		return nil
	}
	m := tg.Metrics
	return []sandbox.Option{
		sandbox.WithObserver(func(_ string, from, to sandbox.State) {
			m.RecordSandboxTransition(string(from), string(to))
			if to == sandbox.StateTeardown {
				m.RecordSandboxTeardown(from == sandbox.StateFailed)
			}
		}),
		sandbox.WithVerificationHook(func(tool string, v sandbox.Verification) {
			m.RecordImageVerification(tool, v.OK)
		}),
	}
}

func (tg *Toolguard) startWatcher(cfg config.RegistryConfig) error {
	w, err := registry.NewWatcher(tg.Registry, cfg.Paths,
		registry.WithDebounceDelay(cfg.DebounceDelay),
		registry.WithWatcherLogger(tg.logger),
	)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	tg.stopWatcher = cancel
	tg.watchDone = make(chan struct{})
	go func() {
		defer close(tg.watchDone)
		if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			tg.logger.Warn("manifest watcher stopped", zap.Error(err))
		}
	}()
	return nil
}

// Close drains the engine, removes leftover containers and flushes
// telemetry. It is safe to call more than once.
func (tg *Toolguard) Close(ctx context.Context) error {
	var errs []error
	tg.closeOnce.Do(func() {
		if tg.stopWatcher != nil {
			tg.stopWatcher()
			<-tg.watchDone
		}
		if err := tg.Engine.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		if tg.Sandbox != nil {
			if err := tg.Sandbox.Cleanup(context.WithoutCancel(ctx)); err != nil {
				errs = append(errs, err)
			}
		}
		if err := tg.telemetry.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	})
	return errors.Join(errs...)
}

func netguardConfig(c config.NetworkConfig) netguard.Config {
	out := netguard.DefaultConfig()
	if len(c.AllowedSchemes) > 0 {
		out.AllowedSchemes = c.AllowedSchemes
	}
	out.AllowedHosts = c.AllowedHosts
	out.DeniedCIDRs = c.DeniedPrefixes()
	if c.DNSTimeout > 0 {
		out.DNSTimeout = c.DNSTimeout
	}
	out.Retry.MaxRetries = c.DNSRetries
	out.BlockAnonymityNetworks = c.BlockAnonymityNetworks
	return out
}

func nativeConfig(cfg *config.Config) native.Config {
	out := native.DefaultConfig()
	out.MaxOutputBytes = cfg.Engine.MaxOutputBytes
	if cfg.Native.KillGrace > 0 {
		out.KillGrace = cfg.Native.KillGrace
	}
	out.Path = cfg.Native.Path
	out.Home = cfg.Native.Home
	if cfg.Native.Lang != "" {
		out.Lang = cfg.Native.Lang
	}
	out.WorkDir = cfg.Native.WorkDir
	return out
}

func sandboxConfig(cfg *config.Config) sandbox.Config {
	s := cfg.Sandbox
	out := sandbox.DefaultConfig()
	out.MaxOutputBytes = cfg.Engine.MaxOutputBytes
	if s.TeardownTimeout > 0 {
		out.TeardownTimeout = s.TeardownTimeout
	}
	if s.User != "" {
		out.DefaultUser = s.User
	}
	if len(s.DNS) > 0 {
		out.DNS = s.DNS
	}
	out.Defaults = types.ResourceProfile{
		MemoryMB:  s.MemoryMB,
		CPUShares: s.CPUShares,
		PidsLimit: s.PidsLimit,
	}.WithDefaults(out.Defaults)
	out.AllowPull = s.AllowPull
	out.PullRetry = retry.DefaultPolicy()
	out.PullRetry.MaxRetries = s.PullRetries
	if s.PullInterval > 0 {
		out.PullRate = rate.Every(s.PullInterval)
	}
	if s.PullBurst > 0 {
		out.PullBurst = s.PullBurst
	}
	out.RemoveImages = s.RemoveImages
	out.ArtifactRoot = s.ArtifactRoot
	if s.MaxArtifactBytes > 0 {
		out.MaxArtifactBytes = s.MaxArtifactBytes
	}
	return out
}
