// Package netguard validates caller-supplied proxy URLs so a tool can never
// be pointed at the host, its network or any other non-public destination.
package netguard

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/BaSui01/toolguard/internal/retry"
	"github.com/BaSui01/toolguard/types"
	"go.uber.org/zap"
	"golang.org/x/net/idna"
)

// Resolver resolves hostnames. *net.Resolver satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// DefaultSchemes are the proxy schemes tools understand.
var DefaultSchemes = []string{"http", "https", "socks4", "socks4a", "socks4h", "socks5", "socks5h"}

var defaultPorts = map[string]uint16{
	"http":  80,
	"https": 443,
}

const socksPort = 1080

// anonymityTLDs route through overlay networks whose exit cannot be checked.
var anonymityTLDs = []string{".onion", ".i2p", ".exit"}

// Config 配置代理校验器
type Config struct {
	AllowedSchemes         []string
	DNSTimeout             time.Duration
	BlockAnonymityNetworks bool
	// AllowedHosts, when non-empty, restricts proxies to these hosts and
	// their subdomains.
	AllowedHosts []string
	DeniedCIDRs  []netip.Prefix
	Retry        retry.Policy
}

// DefaultConfig returns the validator defaults.
func DefaultConfig() Config {
	p := retry.DefaultPolicy()
	p.MaxRetries = 2
	p.InitialDelay = 100 * time.Millisecond
	p.MaxDelay = time.Second
	return Config{
		AllowedSchemes:         DefaultSchemes,
		DNSTimeout:             3 * time.Second,
		BlockAnonymityNetworks: true,
		Retry:                  p,
	}
}

// Validator checks proxy URLs. It is safe for concurrent use and keeps no
// per-request state.
type Validator struct {
	cfg      Config
	schemes  map[string]struct{}
	allowed  []string
	resolver Resolver
	retryer  *retry.Retryer
	profile  *idna.Profile
	logger   *zap.Logger
}

// New creates a Validator. A nil resolver uses net.DefaultResolver.
func New(cfg Config, resolver Resolver, logger *zap.Logger) (*Validator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	if len(cfg.AllowedSchemes) == 0 {
		cfg.AllowedSchemes = DefaultSchemes
	}
	if cfg.DNSTimeout <= 0 {
		cfg.DNSTimeout = 3 * time.Second
	}

	v := &Validator{
		cfg:      cfg,
		schemes:  make(map[string]struct{}, len(cfg.AllowedSchemes)),
		resolver: resolver,
		profile:  idna.Lookup,
		logger:   logger.With(zap.String("component", "netguard")),
	}
	for _, s := range cfg.AllowedSchemes {
		v.schemes[strings.ToLower(s)] = struct{}{}
	}
	for _, h := range cfg.AllowedHosts {
		n, err := v.normalizeHost(h)
		if err != nil {
			return nil, fmt.Errorf("allowed host %q: %w", h, err)
		}
		v.allowed = append(v.allowed, n)
	}

	policy := cfg.Retry
	policy.Retryable = isTransientDNS
	v.retryer = retry.New(policy, v.logger)
	return v, nil
}

// Validate parses and checks proxyURL, resolving its host. Every failure is
// a ProxyValidationFailed error.
func (v *Validator) Validate(ctx context.Context, proxyURL string) (*types.NetworkConfig, error) {
	nc, err := v.validate(ctx, proxyURL)
	if err != nil {
		v.logger.Info("proxy rejected", zap.Error(err))
		var te *types.Error
		if errors.As(err, &te) {
			return nil, err
		}
		return nil, types.NewError(types.ErrProxyValidationFailed, "proxy rejected").WithCause(err)
	}
	v.logger.Debug("proxy accepted",
		zap.String("host", nc.Host),
		zap.Uint16("port", nc.Port),
		zap.Int("addrs", len(nc.Addrs)),
	)
	return nc, nil
}

func (v *Validator) validate(ctx context.Context, raw string) (*types.NetworkConfig, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("empty proxy url")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("malformed proxy url: %w", err)
	}

	scheme := strings.ToLower(u.Scheme)
	if _, ok := v.schemes[scheme]; !ok {
		return nil, fmt.Errorf("scheme %q not allowed", u.Scheme)
	}
	if u.Opaque != "" {
		return nil, errors.New("opaque proxy url")
	}
	if u.User != nil {
		return nil, errors.New("credentials in proxy url are not allowed")
	}
	if u.Path != "" && u.Path != "/" {
		return nil, errors.New("proxy url must not contain a path")
	}
	if u.RawQuery != "" || u.ForceQuery {
		return nil, errors.New("proxy url must not contain a query")
	}
	if u.Fragment != "" || strings.Contains(raw, "#") {
		return nil, errors.New("proxy url must not contain a fragment")
	}

	port, err := parsePort(scheme, u.Port())
	if err != nil {
		return nil, err
	}

	hostname := u.Hostname()
	if hostname == "" {
		return nil, errors.New("proxy url has no host")
	}

	// IP literals skip DNS; the zone check rejects fe80::1%eth0.
	if strings.Contains(hostname, "%") {
		return nil, errors.New("scoped addresses are not allowed")
	}
	if addr, err := netip.ParseAddr(hostname); err == nil {
		if err := v.CheckAddr(addr); err != nil {
			return nil, err
		}
		if len(v.allowed) > 0 {
			return nil, fmt.Errorf("host %s not in allow-list", hostname)
		}
		return &types.NetworkConfig{Scheme: scheme, Host: addr.Unmap().String(), Port: port, Addrs: []netip.Addr{addr.Unmap()}}, nil
	}

	host, err := v.normalizeHost(hostname)
	if err != nil {
		return nil, err
	}
	if err := v.checkHostname(host); err != nil {
		return nil, err
	}

	addrs, err := v.resolve(ctx, host)
	if err != nil {
		return nil, err
	}
	for _, a := range addrs {
		if err := v.CheckAddr(a); err != nil {
			return nil, fmt.Errorf("%s resolves to %s: %w", host, a, err)
		}
	}
	out := make([]netip.Addr, len(addrs))
	for i, a := range addrs {
		out[i] = a.Unmap()
	}
	return &types.NetworkConfig{Scheme: scheme, Host: host, Port: port, Addrs: out}, nil
}

// CheckAddr rejects any address that is not publicly routable.
func (v *Validator) CheckAddr(addr netip.Addr) error {
	if reason := classify(addr, v.cfg.DeniedCIDRs); reason != "" {
		return types.Errorf(types.ErrProxyValidationFailed, "address %s rejected: %s", addr, reason)
	}
	return nil
}

func (v *Validator) normalizeHost(host string) (string, error) {
	host = strings.TrimSuffix(host, ".")
	ascii, err := v.profile.ToASCII(host)
	if err != nil {
		return "", fmt.Errorf("invalid hostname %q: %w", host, err)
	}
	ascii = strings.ToLower(ascii)
	if ascii == "" {
		return "", errors.New("empty hostname")
	}
	return ascii, nil
}

func (v *Validator) checkHostname(host string) error {
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return errors.New("localhost is not allowed")
	}
	// Numeric final labels are legacy IPv4 spellings (2130706433, 0x7f.1)
	// that some resolvers translate to addresses.
	labels := strings.Split(host, ".")
	if isNumericLabel(labels[len(labels)-1]) {
		return fmt.Errorf("non-canonical address %q", host)
	}
	if v.cfg.BlockAnonymityNetworks {
		for _, tld := range anonymityTLDs {
			if strings.HasSuffix(host, tld) {
				return fmt.Errorf("anonymity network host %q blocked", host)
			}
		}
	}
	if len(v.allowed) > 0 && !v.hostAllowed(host) {
		return fmt.Errorf("host %s not in allow-list", host)
	}
	return nil
}

func (v *Validator) hostAllowed(host string) bool {
	for _, a := range v.allowed {
		if host == a || strings.HasSuffix(host, "."+a) {
			return true
		}
	}
	return false
}

func (v *Validator) resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	addrs, err := retry.Do(ctx, v.retryer, func(ctx context.Context) ([]netip.Addr, error) {
		lctx, cancel := context.WithTimeout(ctx, v.cfg.DNSTimeout)
		defer cancel()
		return v.resolver.LookupNetIP(lctx, "ip", host)
	})
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("resolve %s: no addresses", host)
	}
	return addrs, nil
}

func isTransientDNS(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsTimeout || dnsErr.IsTemporary
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func isNumericLabel(label string) bool {
	if label == "" {
		return false
	}
	l := strings.ToLower(label)
	if strings.HasPrefix(l, "0x") {
		l = l[2:]
		if l == "" {
			return true
		}
		for _, c := range l {
			if !strings.ContainsRune("0123456789abcdef", c) {
				return false
			}
		}
		return true
	}
	for _, c := range l {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func parsePort(scheme, s string) (uint16, error) {
	if s == "" {
		if p, ok := defaultPorts[scheme]; ok {
			return p, nil
		}
		return socksPort, nil
	}
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return uint16(n), nil
}
