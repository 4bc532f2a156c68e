package strategy

import (
	"context"
	"errors"
	"fmt"

	"github.com/BaSui01/toolguard/types"
	"go.uber.org/zap"
)

// HybridStrategy prefers native execution and falls back to the sandbox.
// The order is fixed: native is faster, the sandbox is better contained.
type HybridStrategy struct {
	native  Runner
	sandbox Runner
}

// NewHybrid creates a HybridStrategy.
func NewHybrid(native, sandbox Runner) *HybridStrategy {
	return &HybridStrategy{native: native, sandbox: sandbox}
}

// Name implements Runner.
func (h *HybridStrategy) Name() string { return NameHybrid }

// Pick returns the first available runner in preference order.
func (h *HybridStrategy) Pick(ctx context.Context, desc *types.ToolDescriptor) (Runner, error) {
	var errs []error
	for _, r := range []Runner{h.native, h.sandbox} {
		if r == nil {
			continue
		}
		err := r.Available(ctx, desc)
		if err == nil {
			return r, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", r.Name(), err))
	}
	return nil, types.Errorf(types.ErrToolUnavailable, "no runner available for %s", desc.Name).
		WithCause(errors.Join(errs...)).WithTool(desc.Name)
}

// Available implements Runner.
func (h *HybridStrategy) Available(ctx context.Context, desc *types.ToolDescriptor) error {
	_, err := h.Pick(ctx, desc)
	return err
}

// Run implements Runner.
func (h *HybridStrategy) Run(ctx context.Context, job *Job) (*Result, error) {
	r, err := h.Pick(ctx, job.Descriptor)
	if err != nil {
		return nil, err
	}
	return r.Run(ctx, job)
}

// Selector maps a requested mode to a concrete runner.
type Selector struct {
	native      Runner
	sandbox     Runner
	hybrid      *HybridStrategy
	defaultMode types.ExecutionMode
	logger      *zap.Logger
}

// NewSelector creates a Selector. Either runner may be nil when that mode is
// disabled.
func NewSelector(native, sandbox Runner, defaultMode types.ExecutionMode, logger *zap.Logger) *Selector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if defaultMode == "" {
		defaultMode = types.ModeHybrid
	}
	return &Selector{
		native:      native,
		sandbox:     sandbox,
		hybrid:      NewHybrid(native, sandbox),
		defaultMode: defaultMode,
		logger:      logger.With(zap.String("component", "strategy")),
	}
}

// DefaultMode returns the mode used when a request names none.
func (s *Selector) DefaultMode() types.ExecutionMode {
	return s.defaultMode
}

// Select returns the runner that will execute desc. The result depends only
// on mode and runner availability.
func (s *Selector) Select(ctx context.Context, desc *types.ToolDescriptor, mode types.ExecutionMode) (Runner, error) {
	if mode == "" {
		mode = s.defaultMode
	}

	var (
		r   Runner
		err error
	)
	switch mode {
	case types.ModeNative:
		r, err = s.single(ctx, s.native, desc, mode)
	case types.ModeSandbox:
		r, err = s.single(ctx, s.sandbox, desc, mode)
	case types.ModeHybrid:
		r, err = s.hybrid.Pick(ctx, desc)
	default:
		err = types.Errorf(types.ErrToolUnavailable, "unknown execution mode %q", mode).WithTool(desc.Name)
	}
	if err != nil {
		s.logger.Debug("no runner selected", zap.String("tool", desc.Name), zap.String("mode", string(mode)), zap.Error(err))
		return nil, err
	}
	s.logger.Debug("runner selected", zap.String("tool", desc.Name), zap.String("mode", string(mode)), zap.String("runner", r.Name()))
	return r, nil
}

func (s *Selector) single(ctx context.Context, r Runner, desc *types.ToolDescriptor, mode types.ExecutionMode) (Runner, error) {
	if r == nil {
		return nil, types.Errorf(types.ErrToolUnavailable, "%s mode is disabled", mode).WithTool(desc.Name)
	}
	if err := r.Available(ctx, desc); err != nil {
		var te *types.Error
		if errors.As(err, &te) {
			return nil, te.WithTool(desc.Name)
		}
		return nil, types.NewError(types.ErrToolUnavailable, err.Error()).WithTool(desc.Name)
	}
	return r, nil
}

// Availability is the per-mode probe result for one tool.
type Availability struct {
	Native  bool   `json:"native"`
	Sandbox bool   `json:"sandbox"`
	Reason  string `json:"reason,omitempty"`
}

// Probe checks every runner for desc without running anything.
func (s *Selector) Probe(ctx context.Context, desc *types.ToolDescriptor) Availability {
	var (
		a       Availability
		reasons []error
	)
	if s.native != nil {
		if err := s.native.Available(ctx, desc); err != nil {
			reasons = append(reasons, err)
		} else {
			a.Native = true
		}
	}
	if s.sandbox != nil {
		if err := s.sandbox.Available(ctx, desc); err != nil {
			reasons = append(reasons, err)
		} else {
			a.Sandbox = true
		}
	}
	if !a.Native && !a.Sandbox && len(reasons) > 0 {
		a.Reason = errors.Join(reasons...).Error()
	}
	return a
}
