// Package secrets resolves the credentials a tool manifest requires.
// Values never leave this package through logs; only names are logged.
package secrets

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/BaSui01/toolguard/types"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// Provider looks up one credential by name.
type Provider interface {
	Lookup(ctx context.Context, name string) (string, bool, error)
}

// EnvProvider reads credentials from a dotenv file first and then the
// process environment. The file is read once at construction.
type EnvProvider struct {
	file   map[string]string
	getenv func(string) (string, bool)
	logger *zap.Logger
}

// NewEnvProvider loads path when it is non-empty. A missing file is an error;
// an unset path means the process environment only.
func NewEnvProvider(path string, logger *zap.Logger) (*EnvProvider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &EnvProvider{
		file:   map[string]string{},
		getenv: os.LookupEnv,
		logger: logger.With(zap.String("component", "secrets")),
	}
	if path != "" {
		values, err := godotenv.Read(path)
		if err != nil {
			return nil, fmt.Errorf("read secrets file %s: %w", path, err)
		}
		p.file = values
		p.logger.Info("secrets file loaded", zap.String("path", path), zap.Int("entries", len(values)))
	}
	return p, nil
}

// Lookup implements Provider.
func (p *EnvProvider) Lookup(_ context.Context, name string) (string, bool, error) {
	v, ok := p.file[name]
	if ok {
		return v, true, nil
	}
	v, ok = p.getenv(name)
	return v, ok, nil
}

// Static is a fixed in-memory provider.
type Static map[string]string

// Lookup implements Provider.
func (s Static) Lookup(_ context.Context, name string) (string, bool, error) {
	v, ok := s[name]
	return v, ok, nil
}

// Resolve returns the environment for every credential desc requires.
// A missing credential makes the tool unavailable for this request.
func Resolve(ctx context.Context, p Provider, desc *types.ToolDescriptor) (map[string]string, error) {
	if len(desc.RequiredCredentials) == 0 {
		return nil, nil
	}
	if p == nil {
		return nil, types.NewError(types.ErrToolUnavailable, "no secrets provider configured").WithTool(desc.Name)
	}
	env := make(map[string]string, len(desc.RequiredCredentials))
	var missing []string
	for _, name := range desc.RequiredCredentials {
		v, ok, err := p.Lookup(ctx, name)
		if err != nil {
			return nil, types.NewError(types.ErrToolUnavailable, "credential lookup failed").
				WithCause(err).WithTool(desc.Name)
		}
		if !ok || v == "" {
			missing = append(missing, name)
			continue
		}
		env[name] = v
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, types.Errorf(types.ErrToolUnavailable, "missing credentials: %v", missing).WithTool(desc.Name)
	}
	return env, nil
}
