package types

import (
	"net"
	"net/netip"
	"net/url"
	"strconv"
)

// NetworkConfig is the validated form of a proxy URL. It never carries
// credentials and is never cached across requests.
type NetworkConfig struct {
	Scheme string       `json:"scheme"`
	Host   string       `json:"host"`
	Port   uint16       `json:"port"`
	Addrs  []netip.Addr `json:"addrs"`
}

// PinnedAddr returns the address the tool must connect to.
func (c *NetworkConfig) PinnedAddr() netip.Addr {
	if c == nil || len(c.Addrs) == 0 {
		return netip.Addr{}
	}
	return c.Addrs[0]
}

// ResolvesLocally reports whether clients of this proxy scheme resolve
// target hostnames themselves instead of handing them to the proxy.
func (c *NetworkConfig) ResolvesLocally() bool {
	if c == nil {
		return false
	}
	switch c.Scheme {
	case "socks4", "socks5":
		return true
	}
	return false
}

// ProxyURL rebuilds the proxy URL against the pinned address so the tool
// never re-resolves the hostname.
func (c *NetworkConfig) ProxyURL() string {
	if c == nil {
		return ""
	}
	host := c.Host
	if addr := c.PinnedAddr(); addr.IsValid() {
		host = addr.Unmap().String()
	}
	u := url.URL{
		Scheme: c.Scheme,
		Host:   net.JoinHostPort(host, strconv.Itoa(int(c.Port))),
	}
	return u.String()
}

// ProxyEnv returns the environment variables tools honour for proxying.
func (c *NetworkConfig) ProxyEnv() map[string]string {
	if c == nil {
		return nil
	}
	p := c.ProxyURL()
	return map[string]string{
		"HTTP_PROXY":  p,
		"HTTPS_PROXY": p,
		"ALL_PROXY":   p,
		"http_proxy":  p,
		"https_proxy": p,
		"all_proxy":   p,
	}
}
