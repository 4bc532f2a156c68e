// Package registry holds the closed set of admitted tool descriptors.
package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/BaSui01/toolguard/types"
	"go.uber.org/zap"
)

type snapshot struct {
	tools    map[string]*types.ToolDescriptor
	rejected map[string]string
	loadedAt time.Time
}

// Registry is safe for concurrent use. Reloads swap a whole snapshot; a
// descriptor is never mutated after admission.
type Registry struct {
	admitter Admitter
	logger   *zap.Logger
	current  atomic.Pointer[snapshot]
}

// New creates an empty Registry. A nil admitter admits every structurally
// valid manifest, which means every manifest on disk is treated as
// scanner-approved. Pass AllowList or a real scanner Admitter in any
// deployment where the manifest directories are writable by others.
func New(admitter Admitter, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if admitter == nil {
		admitter = AllowList()
	}
	r := &Registry{admitter: admitter, logger: logger.With(zap.String("component", "registry"))}
	r.current.Store(&snapshot{tools: map[string]*types.ToolDescriptor{}, rejected: map[string]string{}})
	return r
}

// LoadPaths reads manifests from files and directories (*.yaml, *.yml) and
// replaces the current snapshot. On error the previous snapshot is kept.
func (r *Registry) LoadPaths(ctx context.Context, paths ...string) error {
	var descs []*types.ToolDescriptor
	for _, p := range paths {
		files, err := manifestFiles(p)
		if err != nil {
			return err
		}
		for _, f := range files {
			got, err := readManifestFile(f)
			if err != nil {
				return fmt.Errorf("load %s: %w", f, err)
			}
			descs = append(descs, got...)
		}
	}
	return r.Replace(ctx, descs...)
}

// Replace admits descs and swaps them in as the new snapshot.
func (r *Registry) Replace(ctx context.Context, descs ...*types.ToolDescriptor) error {
	next := &snapshot{
		tools:    make(map[string]*types.ToolDescriptor, len(descs)),
		rejected: make(map[string]string),
		loadedAt: time.Now(),
	}
	for _, d := range descs {
		if _, dup := next.tools[d.Name]; dup {
			return fmt.Errorf("duplicate tool %q", d.Name)
		}
		if err := d.Validate(); err != nil {
			next.rejected[d.Name] = err.Error()
			r.logger.Warn("invalid tool manifest", zap.String("tool", d.Name), zap.Error(err))
			continue
		}
		ok, err := r.admitter.Admit(ctx, d)
		if err != nil {
			return fmt.Errorf("admit %s: %w", d.Name, err)
		}
		if !ok {
			next.rejected[d.Name] = "not admitted"
			r.logger.Info("tool not admitted", zap.String("tool", d.Name))
			continue
		}
		next.tools[d.Name] = d.Clone()
	}

	prev := r.current.Swap(next)
	r.logger.Info("registry loaded",
		zap.Int("tools", len(next.tools)),
		zap.Int("rejected", len(next.rejected)),
		zap.Int("previous", len(prev.tools)),
	)
	return nil
}

// Lookup returns a copy of the admitted descriptor for name.
func (r *Registry) Lookup(name string) (*types.ToolDescriptor, bool) {
	d, ok := r.current.Load().tools[name]
	if !ok {
		return nil, false
	}
	return d.Clone(), true
}

// List returns copies of every admitted descriptor, sorted by name.
func (r *Registry) List() []*types.ToolDescriptor {
	snap := r.current.Load()
	out := make([]*types.ToolDescriptor, 0, len(snap.tools))
	for _, d := range snap.tools {
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Rejected returns the tools refused at the last load and why.
func (r *Registry) Rejected() map[string]string {
	snap := r.current.Load()
	out := make(map[string]string, len(snap.rejected))
	for k, v := range snap.rejected {
		out[k] = v
	}
	return out
}

// LoadedAt returns when the current snapshot was built.
func (r *Registry) LoadedAt() time.Time {
	return r.current.Load().loadedAt
}

func manifestFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if !info.IsDir() {
		return []string{path}, nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("read dir %s: %w", path, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !isManifest(e.Name()) {
			continue
		}
		files = append(files, filepath.Join(path, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

func isManifest(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return (ext == ".yaml" || ext == ".yml") && !strings.HasPrefix(name, ".")
}

func readManifestFile(path string) ([]*types.ToolDescriptor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseManifests(f)
}
