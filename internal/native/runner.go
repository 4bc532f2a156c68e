// Package native runs admitted tools directly on the host. It applies the
// same timeout and output discipline as the sandbox but no resource limits.
package native

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"time"

	"github.com/BaSui01/toolguard/internal/capture"
	"github.com/BaSui01/toolguard/types"
	"go.uber.org/zap"
)

// Config 本地执行器配置
type Config struct {
	KillGrace      time.Duration
	MaxOutputBytes int
	Path           string
	Home           string
	Lang           string
	WorkDir        string
}

// DefaultConfig returns the runner defaults.
func DefaultConfig() Config {
	return Config{
		KillGrace:      2 * time.Second,
		MaxOutputBytes: capture.DefaultLimit,
		Lang:           "C.UTF-8",
	}
}

// Outcome is what a finished native run produced.
type Outcome struct {
	Output    string
	Truncated bool
	ExitCode  int
	Duration  time.Duration
	PID       int
}

// Runner executes binaries found on PATH with a minimal environment.
type Runner struct {
	cfg      Config
	logger   *zap.Logger
	lookPath func(string) (string, error)
}

// New creates a Runner.
func New(cfg Config, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = 2 * time.Second
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = capture.DefaultLimit
	}
	if cfg.Path == "" {
		cfg.Path = os.Getenv("PATH")
	}
	if cfg.Home == "" {
		cfg.Home = os.TempDir()
	}
	if cfg.Lang == "" {
		cfg.Lang = "C.UTF-8"
	}
	return &Runner{
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "native")),
		lookPath: exec.LookPath,
	}
}

// LookPath resolves binary on PATH.
func (r *Runner) LookPath(binary string) (string, error) {
	return r.lookPath(binary)
}

// Available reports whether binary resolves on PATH.
func (r *Runner) Available(binary string) bool {
	_, err := r.lookPath(binary)
	return err == nil
}

// Run executes command (argv, never a shell string) under timeout. A
// non-zero exit is reported in the Outcome, not as an error.
func (r *Runner) Run(ctx context.Context, command []string, env map[string]string, timeout time.Duration) (*Outcome, error) {
	if len(command) == 0 {
		return nil, types.NewError(types.ErrInternal, "empty command")
	}
	path, err := r.lookPath(command[0])
	if err != nil {
		return nil, types.Errorf(types.ErrToolUnavailable, "binary %s not found on PATH", command[0]).WithCause(err)
	}

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	buf := capture.NewBuffer(r.cfg.MaxOutputBytes)
	// stdout and stderr share one pipe so output keeps its write order.
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, types.NewError(types.ErrInternal, "create output pipe").WithCause(err)
	}

	cmd := exec.Command(path, command[1:]...)
	cmd.Env = r.environ(env)
	cmd.Dir = r.cfg.WorkDir
	cmd.Stdin = nil
	cmd.Stdout = pw
	cmd.Stderr = pw
	setProcessGroup(cmd)

	r.logger.Debug("starting process",
		zap.String("binary", path),
		zap.Int("argc", len(command)-1),
		zap.Strings("env_keys", sortedKeys(env)),
	)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return nil, types.Errorf(types.ErrToolUnavailable, "start %s", command[0]).WithCause(err)
	}
	_ = pw.Close()
	pid := cmd.Process.Pid

	copied := make(chan struct{})
	go func() {
		defer close(copied)
		_, _ = io.Copy(buf, pr)
	}()

	waited := make(chan error, 1)
	go func() { waited <- cmd.Wait() }()

	var waitErr error
	select {
	case waitErr = <-waited:
	case <-runCtx.Done():
		waitErr = r.terminate(pid, waited)
	}

	// Reap anything the tool left behind in its group.
	_ = killGroup(pid)
	select {
	case <-copied:
	case <-time.After(r.cfg.KillGrace):
		r.logger.Warn("output pipe still held after exit", zap.Int("pid", pid))
	}
	_ = pr.Close()
	<-copied

	out := &Outcome{
		Output:    buf.String(),
		Truncated: buf.Truncated(),
		ExitCode:  -1,
		Duration:  time.Since(start),
		PID:       pid,
	}
	if cmd.ProcessState != nil {
		out.ExitCode = cmd.ProcessState.ExitCode()
	}

	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return out, types.Errorf(types.ErrExecutionTimeout, "%s exceeded %s", command[0], timeout)
	case ctx.Err() != nil:
		return out, types.NewError(types.ErrCancelled, "process cancelled").WithCause(ctx.Err())
	}

	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		return out, types.NewError(types.ErrInternal, "wait for process").WithCause(waitErr)
	}

	r.logger.Debug("process finished",
		zap.Int("pid", pid),
		zap.Int("exit_code", out.ExitCode),
		zap.Duration("duration", out.Duration),
	)
	return out, nil
}

// terminate sends SIGTERM to the group, then SIGKILL after the grace period.
func (r *Runner) terminate(pid int, waited <-chan error) error {
	if err := terminateGroup(pid); err != nil {
		r.logger.Debug("sigterm process group", zap.Int("pid", pid), zap.Error(err))
	}
	timer := time.NewTimer(r.cfg.KillGrace)
	defer timer.Stop()
	select {
	case err := <-waited:
		return err
	case <-timer.C:
		r.logger.Info("process ignored SIGTERM, killing group", zap.Int("pid", pid))
		if err := killGroup(pid); err != nil {
			r.logger.Warn("sigkill process group", zap.Int("pid", pid), zap.Error(err))
		}
		return <-waited
	}
}

// environ builds a minimal environment. The host environment is never
// inherited.
func (r *Runner) environ(extra map[string]string) []string {
	env := []string{
		"PATH=" + r.cfg.Path,
		"HOME=" + r.cfg.Home,
		"LANG=" + r.cfg.Lang,
	}
	for _, k := range sortedKeys(extra) {
		env = append(env, fmt.Sprintf("%s=%s", k, extra[k]))
	}
	return env
}

// GroupAlive reports whether any process of the group led by pid exists.
func GroupAlive(pid int) bool {
	return groupAlive(pid)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
