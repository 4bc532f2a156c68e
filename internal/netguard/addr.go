package netguard

import (
	"net/netip"
)

// blockedPrefixes are special-purpose ranges that netip's predicates do not
// cover on their own.
var blockedPrefixes = mustPrefixes(
	"0.0.0.0/8",       // "this network"
	"100.64.0.0/10",   // CGNAT
	"192.0.0.0/24",    // IETF protocol assignments
	"192.0.2.0/24",    // TEST-NET-1
	"192.88.99.0/24",  // 6to4 relay anycast
	"198.18.0.0/15",   // benchmarking
	"198.51.100.0/24", // TEST-NET-2
	"203.0.113.0/24",  // TEST-NET-3
	"240.0.0.0/4",     // reserved, includes broadcast
	"100::/64",        // discard-only
	"2001::/23",       // IETF protocol assignments, Teredo
	"2001:db8::/32",   // documentation
	"3fff::/20",       // documentation
	"5f00::/16",       // SRv6 SIDs
	"fec0::/10",       // deprecated site-local
)

// nat64Prefix embeds an IPv4 address in its last 32 bits.
var nat64Prefix = netip.MustParsePrefix("64:ff9b::/96")

// sixToFourPrefix embeds an IPv4 address in bits 16..48.
var sixToFourPrefix = netip.MustParsePrefix("2002::/16")

func mustPrefixes(ss ...string) []netip.Prefix {
	out := make([]netip.Prefix, 0, len(ss))
	for _, s := range ss {
		out = append(out, netip.MustParsePrefix(s))
	}
	return out
}

// classify returns a short reason when addr must not be used as a proxy
// endpoint, or "" when it is publicly routable.
func classify(addr netip.Addr, deny []netip.Prefix) string {
	if !addr.IsValid() {
		return "invalid address"
	}
	if addr.Zone() != "" {
		return "scoped address"
	}
	addr = addr.Unmap()

	switch {
	case addr.IsUnspecified():
		return "unspecified"
	case addr.IsLoopback():
		return "loopback"
	case addr.IsLinkLocalUnicast(), addr.IsLinkLocalMulticast():
		return "link-local"
	case addr.IsInterfaceLocalMulticast(), addr.IsMulticast():
		return "multicast"
	case addr.IsPrivate():
		return "private"
	}

	if addr.Is6() {
		if nat64Prefix.Contains(addr) {
			b := addr.As16()
			if r := classify(netip.AddrFrom4([4]byte{b[12], b[13], b[14], b[15]}), deny); r != "" {
				return "nat64 " + r
			}
		}
		if sixToFourPrefix.Contains(addr) {
			b := addr.As16()
			if r := classify(netip.AddrFrom4([4]byte{b[2], b[3], b[4], b[5]}), deny); r != "" {
				return "6to4 " + r
			}
		}
	}

	for _, p := range blockedPrefixes {
		if p.Contains(addr) {
			return "reserved"
		}
	}
	for _, p := range deny {
		if p.Contains(addr) {
			return "denied by policy"
		}
	}
	if !addr.IsGlobalUnicast() {
		return "not global unicast"
	}
	return ""
}
