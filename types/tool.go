package types

import (
	"fmt"
	"regexp"
	"strings"
)

// ExecutionMode selects how a tool is run.
type ExecutionMode string

const (
	ModeNative  ExecutionMode = "native"
	ModeSandbox ExecutionMode = "sandbox"
	// ModeHybrid prefers native and falls back to sandbox. It is a selection
	// policy, never a mode a descriptor declares.
	ModeHybrid ExecutionMode = "hybrid"
)

// ParseExecutionMode parses a mode name. The empty string yields "".
func ParseExecutionMode(s string) (ExecutionMode, error) {
	switch m := ExecutionMode(strings.ToLower(strings.TrimSpace(s))); m {
	case "", ModeNative, ModeSandbox, ModeHybrid:
		return m, nil
	default:
		return "", fmt.Errorf("unknown execution mode %q", s)
	}
}

var digestPattern = regexp.MustCompile(`^sha256:[a-fA-F0-9]{64}$`)

// ImageRef is a sandbox image pinned to a content digest.
type ImageRef struct {
	Repository string `json:"repository" yaml:"repository"`
	Digest     string `json:"digest" yaml:"digest"`
}

// IsZero reports whether no image is configured.
func (r ImageRef) IsZero() bool {
	return r.Repository == "" && r.Digest == ""
}

// Pinned returns the repository@digest reference used for pulls.
func (r ImageRef) Pinned() string {
	return r.Repository + "@" + strings.ToLower(r.Digest)
}

// Validate checks that the reference carries a well-formed sha256 digest.
func (r ImageRef) Validate() error {
	if r.Repository == "" {
		return fmt.Errorf("image repository is required")
	}
	if strings.ContainsAny(r.Repository, "@ \t\n") {
		return fmt.Errorf("image repository %q must not contain a digest or whitespace", r.Repository)
	}
	if !digestPattern.MatchString(r.Digest) {
		return fmt.Errorf("image digest %q is not a sha256 digest", r.Digest)
	}
	return nil
}

// ResourceProfile bounds what a sandboxed tool may consume.
type ResourceProfile struct {
	MemoryMB  int `json:"memory_mb" yaml:"memory_mb"`
	CPUShares int `json:"cpu_shares" yaml:"cpu_shares"`
	PidsLimit int `json:"pids_limit" yaml:"pids_limit"`
}

// WithDefaults fills zero fields from def.
func (p ResourceProfile) WithDefaults(def ResourceProfile) ResourceProfile {
	if p.MemoryMB <= 0 {
		p.MemoryMB = def.MemoryMB
	}
	if p.CPUShares <= 0 {
		p.CPUShares = def.CPUShares
	}
	if p.PidsLimit <= 0 {
		p.PidsLimit = def.PidsLimit
	}
	return p
}

// ToolDescriptor is the immutable definition of an admitted tool. The
// registry owns descriptors; requests only reference them by name.
type ToolDescriptor struct {
	Name              string          `json:"name" yaml:"name"`
	Version           string          `json:"version,omitempty" yaml:"version"`
	Description       string          `json:"description,omitempty" yaml:"description"`
	Binary            string          `json:"binary,omitempty" yaml:"binary"`
	Modes             []ExecutionMode `json:"modes" yaml:"modes"`
	StealthCompatible bool            `json:"stealth_compatible" yaml:"stealth_compatible"`
	Image             ImageRef        `json:"image" yaml:"image"`
	Entrypoint        []string        `json:"entrypoint,omitempty" yaml:"-"`
	// AllowedEntrypoints 允许请求覆盖使用的可执行文件，声明的 Entrypoint 始终允许
	AllowedEntrypoints  []string        `json:"allowed_entrypoints,omitempty" yaml:"allowed_entrypoints"`
	Resources           ResourceProfile `json:"resources" yaml:"resources"`
	RequiredCredentials []string        `json:"required_credentials,omitempty" yaml:"requires_credentials"`
	ArtifactPath        string          `json:"artifact_path,omitempty" yaml:"artifact_path"`
}

var toolNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,63}$`)

// Supports reports whether the descriptor accepts the mode.
func (d *ToolDescriptor) Supports(mode ExecutionMode) bool {
	for _, m := range d.Modes {
		if m == mode {
			return true
		}
	}
	return false
}

// BinaryName returns the native executable name.
func (d *ToolDescriptor) BinaryName() string {
	if d.Binary != "" {
		return d.Binary
	}
	return d.Name
}

// PermitsEntrypoint reports whether a request may replace the entrypoint
// with override. Only the executable is checked; the rest is argv.
func (d *ToolDescriptor) PermitsEntrypoint(override []string) bool {
	if len(override) == 0 {
		return true
	}
	exe := override[0]
	if len(d.Entrypoint) > 0 && d.Entrypoint[0] == exe {
		return true
	}
	for _, allowed := range d.AllowedEntrypoints {
		if allowed == exe {
			return true
		}
	}
	return false
}

// Validate checks structural correctness. Admission is decided elsewhere.
func (d *ToolDescriptor) Validate() error {
	if !toolNamePattern.MatchString(d.Name) {
		return fmt.Errorf("invalid tool name %q", d.Name)
	}
	if len(d.Modes) == 0 {
		return fmt.Errorf("tool %s: at least one execution mode is required", d.Name)
	}
	for _, m := range d.Modes {
		if m != ModeNative && m != ModeSandbox {
			return fmt.Errorf("tool %s: unsupported mode %q", d.Name, m)
		}
	}
	if d.Supports(ModeSandbox) {
		if err := d.Image.Validate(); err != nil {
			return fmt.Errorf("tool %s: %w", d.Name, err)
		}
	}
	if strings.ContainsAny(d.BinaryName(), "/\\ \t\n") {
		return fmt.Errorf("tool %s: binary must be a bare executable name", d.Name)
	}
	return nil
}

// Clone returns a deep copy so callers can never mutate registry state.
func (d *ToolDescriptor) Clone() *ToolDescriptor {
	if d == nil {
		return nil
	}
	c := *d
	c.Modes = append([]ExecutionMode(nil), d.Modes...)
	c.Entrypoint = append([]string(nil), d.Entrypoint...)
	c.AllowedEntrypoints = append([]string(nil), d.AllowedEntrypoints...)
	c.RequiredCredentials = append([]string(nil), d.RequiredCredentials...)
	return &c
}
