package registry

import (
	"context"

	"github.com/BaSui01/toolguard/types"
)

// Admitter is the external admission decision (for example a plugin
// security scanner). Only admitted descriptors become runnable.
type Admitter interface {
	Admit(ctx context.Context, desc *types.ToolDescriptor) (bool, error)
}

// AdmitterFunc adapts a function to Admitter.
type AdmitterFunc func(ctx context.Context, desc *types.ToolDescriptor) (bool, error)

// Admit implements Admitter.
func (f AdmitterFunc) Admit(ctx context.Context, desc *types.ToolDescriptor) (bool, error) {
	return f(ctx, desc)
}

// AllowList admits exactly the named tools. An empty list admits every
// structurally valid manifest, the same as having no admitter at all.
func AllowList(names ...string) Admitter {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return AdmitterFunc(func(_ context.Context, desc *types.ToolDescriptor) (bool, error) {
		if len(set) == 0 {
			return true, nil
		}
		_, ok := set[desc.Name]
		return ok, nil
	})
}
