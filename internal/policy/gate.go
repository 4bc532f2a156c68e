// Package policy is the single place where requests are admitted. Nothing
// reaches a runner without passing the Gate.
package policy

import (
	"github.com/BaSui01/toolguard/types"
	"go.uber.org/zap"
)

// Catalog is the closed set of admitted tools.
type Catalog interface {
	Lookup(name string) (*types.ToolDescriptor, bool)
}

// Gate enforces the tool allow-list, the stealth policy and entrypoint
// overrides.
type Gate struct {
	catalog Catalog
	logger  *zap.Logger
}

// NewGate creates a Gate over catalog.
func NewGate(catalog Catalog, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{catalog: catalog, logger: logger.With(zap.String("component", "policy"))}
}

// Resolve returns the admitted descriptor for name. Unregistered tools are
// ToolUnavailable; there is no way to run an arbitrary command.
func (g *Gate) Resolve(name string) (*types.ToolDescriptor, error) {
	desc, ok := g.catalog.Lookup(name)
	if !ok || desc == nil {
		g.logger.Warn("unregistered tool requested", zap.String("tool", name))
		return nil, types.Errorf(types.ErrToolUnavailable, "tool %q is not registered", name).WithTool(name)
	}
	return desc, nil
}

// Admit rejects stealth-incompatible tools when stealth mode is on.
func (g *Gate) Admit(desc *types.ToolDescriptor, stealthMode bool) error {
	if stealthMode && !desc.StealthCompatible {
		g.logger.Info("stealth policy violation", zap.String("tool", desc.Name))
		return types.Errorf(types.ErrStealthPolicyViolation,
			"tool %s performs active collection and is blocked in stealth mode", desc.Name).WithTool(desc.Name)
	}
	return nil
}

// AdmitEntrypoint limits entrypoint overrides to executables the descriptor
// declares. Only the executable name is logged; the remaining elements may
// carry targets.
func (g *Gate) AdmitEntrypoint(desc *types.ToolDescriptor, override []string) error {
	if len(override) == 0 {
		return nil
	}
	if !desc.PermitsEntrypoint(override) {
		g.logger.Warn("entrypoint override rejected",
			zap.String("tool", desc.Name),
			zap.String("entrypoint", override[0]),
		)
		return types.Errorf(types.ErrToolUnavailable,
			"tool %s does not permit entrypoint %q", desc.Name, override[0]).WithTool(desc.Name)
	}
	g.logger.Info("entrypoint override accepted",
		zap.String("tool", desc.Name),
		zap.String("entrypoint", override[0]),
	)
	return nil
}

// Check resolves and admits req in one step.
func (g *Gate) Check(req types.ExecutionRequest) (*types.ToolDescriptor, error) {
	desc, err := g.Resolve(req.Tool)
	if err != nil {
		return nil, err
	}
	if err := g.Admit(desc, req.Config.StealthMode); err != nil {
		return nil, err
	}
	if err := g.AdmitEntrypoint(desc, req.Config.EntrypointOverride); err != nil {
		return nil, err
	}
	return desc, nil
}
