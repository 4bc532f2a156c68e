package engine

import (
	"context"
	"time"

	"github.com/BaSui01/toolguard/internal/sandbox"
	"github.com/BaSui01/toolguard/internal/scheduler"
	"github.com/BaSui01/toolguard/internal/strategy"
	"github.com/BaSui01/toolguard/types"
	"golang.org/x/sync/errgroup"
)

// Verifier reports the last image digest check per tool.
type Verifier interface {
	LastVerification(tool string) (sandbox.Verification, bool)
}

// ToolReport 单个工具的可用性
type ToolReport struct {
	Name              string                `json:"name"`
	Modes             []types.ExecutionMode `json:"modes"`
	StealthCompatible bool                  `json:"stealth_compatible"`
	Availability      strategy.Availability `json:"availability"`
	Verification      *sandbox.Verification `json:"last_verification,omitempty"`
}

// Report is the doctor view of the engine.
type Report struct {
	GeneratedAt time.Time       `json:"generated_at"`
	DefaultMode string          `json:"default_mode,omitempty"`
	Pool        scheduler.Stats `json:"pool"`
	Tools       []ToolReport    `json:"tools"`
}

// Diagnostics probes every admitted tool. Nothing is executed.
func (e *Engine) Diagnostics(ctx context.Context) (*Report, error) {
	tools := e.catalog.List()
	report := &Report{
		GeneratedAt: time.Now(),
		Pool:        e.pool.Stats(),
		Tools:       make([]ToolReport, len(tools)),
	}
	if s, ok := e.selector.(interface{ DefaultMode() types.ExecutionMode }); ok {
		report.DefaultMode = string(s.DefaultMode())
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, desc := range tools {
		g.Go(func() error {
			tr := ToolReport{
				Name:              desc.Name,
				Modes:             desc.Modes,
				StealthCompatible: desc.StealthCompatible,
				Availability:      e.selector.Probe(gctx, desc),
			}
			if e.verifier != nil {
				if v, ok := e.verifier.LastVerification(desc.Name); ok {
					tr.Verification = &v
				}
			}
			report.Tools[i] = tr
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return report, nil
}
