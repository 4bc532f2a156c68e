// Package strategy decides how an admitted tool runs: natively, in a
// sandbox, or natively with a sandbox fallback.
package strategy

import (
	"context"
	"time"

	"github.com/BaSui01/toolguard/types"
)

// Runner names.
const (
	NameNative  = "native"
	NameSandbox = "sandbox"
	NameHybrid  = "hybrid"
)

// Job is everything a runner needs for one execution. It is assembled by
// the engine after the policy gate and proxy validation.
type Job struct {
	Request    types.ExecutionRequest
	Descriptor *types.ToolDescriptor
	Network    *types.NetworkConfig
	// Env holds credential values for RequiredCredentials.
	Env     map[string]string
	Timeout time.Duration
}

// Result is the raw outcome of a runner.
type Result struct {
	Runner      string
	Output      string
	Truncated   bool
	ExitCode    int
	Duration    time.Duration
	ImageDigest string
	Artifacts   []types.Artifact
}

// Runner is one way of executing a tool.
type Runner interface {
	Name() string
	// Available returns nil when the runner can execute desc.
	Available(ctx context.Context, desc *types.ToolDescriptor) error
	Run(ctx context.Context, job *Job) (*Result, error)
}

// jobEnv merges the pinned proxy variables and credentials.
func jobEnv(job *Job) map[string]string {
	env := make(map[string]string, len(job.Env)+6)
	for k, v := range job.Network.ProxyEnv() {
		env[k] = v
	}
	for k, v := range job.Env {
		env[k] = v
	}
	return env
}
