// Package trustproxy resolves a client's real IP address from a socket
// peer address plus an X-Forwarded-For chain, honoring a configurable set
// of trusted-proxy rules. It has no third-party dependency — see
// DESIGN.md's C4 entry for why nothing in the example corpus fits this
// narrowly-scoped pure-function concern.
package trustproxy

import (
	"fmt"
	"net"
	"strings"
)

// namedRange is one of the three predefined trust ranges.
type namedRange string

const (
	RangeLoopback   namedRange = "loopback"
	RangeLinkLocal  namedRange = "linklocal"
	RangeUniqueLocal namedRange = "uniquelocal"
)

var namedCIDRs = map[namedRange][]string{
	RangeLoopback:    {"127.0.0.0/8", "::1/128"},
	RangeLinkLocal:   {"169.254.0.0/16", "fe80::/10"},
	RangeUniqueLocal: {"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16", "fc00::/7"},
}

// TrustFunc lets a caller supply an arbitrary trust predicate.
type TrustFunc func(ip net.IP, hopFromPeer int) bool

// Config describes which hops in a forwarded chain are trusted.
type Config struct {
	// NamedRanges enables predefined ranges (loopback/linklocal/uniquelocal).
	NamedRanges []namedRange
	// CIDRs are additional explicit trusted networks (v4 and v6).
	CIDRs []string
	// ExactIPs are individual trusted addresses.
	ExactIPs []string
	// NumericHops, if > 0, trusts exactly this many hops counted from the
	// socket peer (hop 0) leftward through X-Forwarded-For, regardless of
	// address: with 1 only the peer is trusted and the rightmost forwarded
	// entry is the client. Mutually exclusive in effect with the
	// range-based rules above (if set, it takes precedence).
	NumericHops int
	// Func, if set, overrides all of the above.
	Func TrustFunc
}

// Resolver is a validated, ready-to-use Config.
type Resolver struct {
	cfg      Config
	networks []*net.IPNet
	exact    map[string]bool
}

// New validates cfg and builds a Resolver. Invalid CIDR/IP entries are
// rejected at startup.
func New(cfg Config) (*Resolver, error) {
	r := &Resolver{cfg: cfg, exact: make(map[string]bool)}

	cidrs := append([]string(nil), cfg.CIDRs...)
	for _, name := range cfg.NamedRanges {
		ranges, ok := namedCIDRs[name]
		if !ok {
			return nil, fmt.Errorf("trustproxy: unknown named range %q", name)
		}
		cidrs = append(cidrs, ranges...)
	}

	for _, c := range cidrs {
		_, ipnet, err := net.ParseCIDR(c)
		if err != nil {
			return nil, fmt.Errorf("trustproxy: invalid CIDR %q: %w", c, err)
		}
		r.networks = append(r.networks, ipnet)
	}

	for _, ip := range cfg.ExactIPs {
		parsed := net.ParseIP(ip)
		if parsed == nil {
			return nil, fmt.Errorf("trustproxy: invalid IP %q", ip)
		}
		r.exact[parsed.String()] = true
	}

	return r, nil
}

// isTrusted reports whether ip, found hopFromPeer hops left of the peer
// (0 = the peer itself), is a trusted proxy hop.
func (r *Resolver) isTrusted(ip net.IP, hopFromPeer int) bool {
	if r.cfg.Func != nil {
		return r.cfg.Func(ip, hopFromPeer)
	}
	if r.cfg.NumericHops > 0 {
		return hopFromPeer < r.cfg.NumericHops
	}
	if r.exact[ip.String()] {
		return true
	}
	for _, n := range r.networks {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// Resolve walks X-Forwarded-For from rightmost (closest to this server)
// leftward, trusting each hop in turn, and stops at the first untrusted
// hop — that address is the resolved client IP. peerAddr is the actual
// socket peer (e.g. from http.Request.RemoteAddr, host:port already
// stripped). If the peer itself is untrusted, it is the client IP and the
// forwarded header is ignored entirely.
func (r *Resolver) Resolve(peerAddr string, forwardedFor []string) (ip string, chain []string) {
	peer := net.ParseIP(peerAddr)
	if peer == nil {
		return peerAddr, []string{peerAddr}
	}

	chain = append(chain, peerAddr)
	if !r.isTrusted(peer, 0) || len(forwardedFor) == 0 {
		return peerAddr, chain
	}

	for i := len(forwardedFor) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(forwardedFor[i])
		hopIP := net.ParseIP(hop)
		if hopIP == nil {
			break
		}
		chain = append(chain, hop)

		hopIndex := len(forwardedFor) - i // 1-based distance from the peer
		if !r.isTrusted(hopIP, hopIndex) {
			return hop, chain
		}
	}

	// Every hop was trusted; the leftmost entry is the original client.
	return strings.TrimSpace(forwardedFor[0]), chain
}
