package strategy

import (
	"context"

	"github.com/BaSui01/toolguard/internal/sandbox"
	"github.com/BaSui01/toolguard/types"
)

// SandboxManager is the subset of *sandbox.Manager the strategy needs.
type SandboxManager interface {
	Available(ctx context.Context, image types.ImageRef) error
	Run(ctx context.Context, spec *sandbox.Spec) (*sandbox.Outcome, error)
}

// SandboxStrategy runs the tool in an ephemeral container.
type SandboxStrategy struct {
	manager SandboxManager
}

// NewSandbox creates a SandboxStrategy.
func NewSandbox(m SandboxManager) *SandboxStrategy {
	return &SandboxStrategy{manager: m}
}

// Name implements Runner.
func (s *SandboxStrategy) Name() string { return NameSandbox }

// Available implements Runner.
func (s *SandboxStrategy) Available(ctx context.Context, desc *types.ToolDescriptor) error {
	if !desc.Supports(types.ModeSandbox) {
		return types.Errorf(types.ErrToolUnavailable, "%s does not support sandbox mode", desc.Name)
	}
	if desc.Image.IsZero() {
		return types.Errorf(types.ErrToolUnavailable, "%s has no sandbox image", desc.Name)
	}
	if err := s.manager.Available(ctx, desc.Image); err != nil {
		return types.Errorf(types.ErrToolUnavailable, "sandbox unavailable for %s", desc.Name).WithCause(err)
	}
	return nil
}

// Run implements Runner.
func (s *SandboxStrategy) Run(ctx context.Context, job *Job) (*Result, error) {
	spec := BuildSpec(job)
	out, err := s.manager.Run(ctx, spec)
	if out == nil {
		return nil, err
	}
	return &Result{
		Runner:      NameSandbox,
		Output:      out.Output,
		Truncated:   out.Truncated,
		ExitCode:    out.ExitCode,
		Duration:    out.Duration,
		ImageDigest: out.ImageDigest,
		Artifacts:   out.Artifacts,
	}, err
}

// BuildSpec turns a job into a fresh sandbox spec. The network stays
// disabled unless a validated proxy is present, and then egress is limited
// to the proxy's pinned address.
func BuildSpec(job *Job) *sandbox.Spec {
	spec := sandbox.NewSpec(job.Descriptor, job.Request.ID)
	if len(job.Request.Config.EntrypointOverride) > 0 {
		spec.Entrypoint = append([]string(nil), job.Request.Config.EntrypointOverride...)
	}
	spec.Command = job.Request.Argv()
	spec.Timeout = job.Timeout
	spec.Env = job.Env
	if job.Network != nil {
		spec.NetworkMode = sandbox.NetworkBridge
		spec.ProxyEnv = job.Network.ProxyEnv()
		spec.Egress = &sandbox.Egress{
			Addr:         job.Network.PinnedAddr(),
			Port:         job.Network.Port,
			LocalResolve: job.Network.ResolvesLocally(),
		}
	}
	return spec
}
