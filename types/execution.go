package types

import (
	"time"
)

// RequestConfig holds the recognized per-request options.
type RequestConfig struct {
	StealthMode        bool          `json:"stealth_mode"`
	ProxyURL           string        `json:"proxy_url,omitempty"`
	EntrypointOverride []string      `json:"entrypoint_override,omitempty"`
	TimeoutSeconds     int           `json:"timeout_seconds,omitempty"`
	Mode               ExecutionMode `json:"mode,omitempty"`
}

// Timeout returns the configured timeout, or def when unset.
func (c RequestConfig) Timeout(def time.Duration) time.Duration {
	if c.TimeoutSeconds > 0 {
		return time.Duration(c.TimeoutSeconds) * time.Second
	}
	return def
}

// ExecutionRequest asks the engine to run one admitted tool. Target and Args
// are validated upstream; the engine only guarantees they reach the tool as
// discrete argv entries.
type ExecutionRequest struct {
	ID     string        `json:"id,omitempty"`
	Tool   string        `json:"tool"`
	Target string        `json:"target,omitempty"`
	Args   []string      `json:"args,omitempty"`
	Config RequestConfig `json:"config"`
}

// Argv returns the tool arguments. The target is passed through the args by
// the caller's adapter; it is never appended implicitly.
func (r ExecutionRequest) Argv() []string {
	return append([]string(nil), r.Args...)
}

// Artifact is one file extracted from a tool's output directory.
type Artifact struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	BLAKE3 string `json:"blake3"`
}

// ExecutionResult is produced exactly once per request and owned by the
// caller after return.
type ExecutionResult struct {
	RequestID string        `json:"request_id"`
	Tool      string        `json:"tool"`
	Runner    string        `json:"runner,omitempty"`
	Output    string        `json:"output"`
	ExitCode  int           `json:"exit_code"`
	Duration  time.Duration `json:"duration"`
	Outcome   ErrorKind     `json:"outcome"`
	Error     string        `json:"error,omitempty"`
	Truncated bool          `json:"truncated,omitempty"`
	Warnings  []ErrorKind   `json:"warnings,omitempty"`
	Artifacts []Artifact    `json:"artifacts,omitempty"`
}

// Succeeded reports whether the tool ran and exited zero.
func (r *ExecutionResult) Succeeded() bool {
	return r.Outcome == Success
}

// Err returns the outcome as an error, or nil on success.
func (r *ExecutionResult) Err() error {
	if r.Outcome == Success {
		return nil
	}
	return &Error{Kind: r.Outcome, Message: r.Error, Tool: r.Tool}
}

// FailedResult builds the result for a request that failed before or during
// execution.
func FailedResult(req ExecutionRequest, err error) *ExecutionResult {
	return &ExecutionResult{
		RequestID: req.ID,
		Tool:      req.Tool,
		ExitCode:  -1,
		Outcome:   KindOf(err),
		Error:     err.Error(),
	}
}
