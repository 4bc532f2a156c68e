package strategy

import (
	"context"
	"time"

	"github.com/BaSui01/toolguard/internal/native"
	"github.com/BaSui01/toolguard/types"
)

// NativeRunner is the subset of *native.Runner the strategy needs.
type NativeRunner interface {
	Available(binary string) bool
	Run(ctx context.Context, command []string, env map[string]string, timeout time.Duration) (*native.Outcome, error)
}

// NativeStrategy runs the tool's binary from PATH.
type NativeStrategy struct {
	runner NativeRunner
}

// NewNative creates a NativeStrategy.
func NewNative(r NativeRunner) *NativeStrategy {
	return &NativeStrategy{runner: r}
}

// Name implements Runner.
func (s *NativeStrategy) Name() string { return NameNative }

// Available implements Runner.
func (s *NativeStrategy) Available(_ context.Context, desc *types.ToolDescriptor) error {
	if !desc.Supports(types.ModeNative) {
		return types.Errorf(types.ErrToolUnavailable, "%s does not support native mode", desc.Name)
	}
	if !s.runner.Available(desc.BinaryName()) {
		return types.Errorf(types.ErrToolUnavailable, "%s not found on PATH", desc.BinaryName())
	}
	return nil
}

// Run implements Runner. The binary is always the descriptor's; request
// arguments follow as discrete argv entries.
func (s *NativeStrategy) Run(ctx context.Context, job *Job) (*Result, error) {
	command := append([]string{job.Descriptor.BinaryName()}, job.Request.Argv()...)
	out, err := s.runner.Run(ctx, command, jobEnv(job), job.Timeout)
	if out == nil {
		return nil, err
	}
	return &Result{
		Runner:    NameNative,
		Output:    out.Output,
		Truncated: out.Truncated,
		ExitCode:  out.ExitCode,
		Duration:  out.Duration,
	}, err
}
