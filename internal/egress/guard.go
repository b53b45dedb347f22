package egress

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"

	"go.uber.org/zap"
)

// ErrNoSafeAddress is returned when a host resolves only to addresses that must
// not be contacted.
var ErrNoSafeAddress = errors.New("host resolves to no publicly routable address")

// Resolver looks up the addresses of a host. *net.Resolver satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// blockedPrefixes covers private, reserved, loopback, link-local, cloud metadata,
// unique-local, multicast and documentation ranges.
var blockedPrefixes = mustParsePrefixes(
	// IPv4
	"0.0.0.0/8",          // "this" network
	"10.0.0.0/8",         // private
	"100.64.0.0/10",      // carrier-grade NAT
	"127.0.0.0/8",        // loopback
	"169.254.0.0/16",     // link-local, AWS/GCP/Azure metadata
	"172.16.0.0/12",      // private
	"192.0.0.0/24",       // IETF protocol assignments
	"192.0.2.0/24",       // TEST-NET-1
	"192.88.99.0/24",     // 6to4 relay anycast
	"192.168.0.0/16",     // private
	"198.18.0.0/15",      // benchmarking
	"198.51.100.0/24",    // TEST-NET-2
	"203.0.113.0/24",     // TEST-NET-3
	"224.0.0.0/4",        // multicast
	"240.0.0.0/4",        // reserved
	"255.255.255.255/32", // broadcast

	// IPv6
	"::/128",         // unspecified
	"::1/128",        // loopback
	"64:ff9b::/96",   // NAT64
	"64:ff9b:1::/48", // local-use NAT64
	"100::/64",       // discard-only
	"2001::/23",      // IETF protocol assignments (Teredo, ORCHID, ...)
	"2001:db8::/32",  // documentation
	"2002::/16",      // 6to4
	"3fff::/20",      // documentation (RFC 9637)
	"fc00::/7",       // unique local, includes fd00:ec2::254
	"fe80::/10",      // link-local
	"fec0::/10",      // site-local (deprecated)
	"ff00::/8",       // multicast
)

// Guard filters outbound connections so that user-supplied URLs can only reach
// public addresses. It resolves once and dials one of the surviving addresses
// directly, so a second, unchecked DNS answer is never used.
type Guard struct {
	resolver     Resolver
	dialer       *net.Dialer
	allowPrivate bool
	logger       *zap.Logger
}

// Option configures a Guard.
type Option func(*Guard)

// WithResolver replaces the DNS resolver.
func WithResolver(r Resolver) Option {
	return func(g *Guard) {
		g.resolver = r
	}
}

// WithPrivateAddresses disables filtering. Intended for local development only.
func WithPrivateAddresses(allow bool) Option {
	return func(g *Guard) {
		g.allowPrivate = allow
	}
}

// WithDialer replaces the dialer used for the pinned connection.
func WithDialer(d *net.Dialer) Option {
	return func(g *Guard) {
		g.dialer = d
	}
}

// NewGuard creates a new egress guard
func NewGuard(logger *zap.Logger, opts ...Option) *Guard {
	g := &Guard{
		resolver: net.DefaultResolver,
		dialer:   &net.Dialer{},
		logger:   logger.Named("egress"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// IsPublic reports whether addr may be contacted. IPv4-mapped IPv6 addresses
// are unwrapped before classification.
func IsPublic(addr netip.Addr) bool {
	if !addr.IsValid() {
		return false
	}
	addr = addr.Unmap()

	if addr.IsLoopback() || addr.IsPrivate() || addr.IsUnspecified() ||
		addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() ||
		addr.IsInterfaceLocalMulticast() || addr.IsMulticast() {
		return false
	}

	for _, prefix := range blockedPrefixes {
		if prefix.Contains(addr) {
			return false
		}
	}
	return true
}

// Resolve returns the addresses of host that are safe to contact, in resolver order.
func (g *Guard) Resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	host = strings.Trim(host, "[]")

	// IP literals skip DNS but are still classified
	if addr, err := netip.ParseAddr(host); err == nil {
		if g.allowPrivate || IsPublic(addr) {
			return []netip.Addr{addr.Unmap()}, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrNoSafeAddress, host)
	}

	addrs, err := g.resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", host, err)
	}

	safe := make([]netip.Addr, 0, len(addrs))
	for _, addr := range addrs {
		if g.allowPrivate || IsPublic(addr) {
			safe = append(safe, addr.Unmap())
			continue
		}
		g.logger.Debug("discarding non-public address", zap.String("host", host), zap.Stringer("addr", addr))
	}

	if len(safe) == 0 {
		g.logger.Warn("blocked outbound request", zap.String("host", host))
		return nil, fmt.Errorf("%w: %s", ErrNoSafeAddress, host)
	}
	return safe, nil
}

// DialContext resolves the target host through the guard and connects to the
// first safe address that accepts the connection.
func (g *Guard) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, fmt.Errorf("invalid dial address %q: %w", address, err)
	}

	addrs, err := g.Resolve(ctx, host)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, addr := range addrs {
		conn, err := g.dialer.DialContext(ctx, network, net.JoinHostPort(addr.String(), port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("failed to connect to %s: %w", host, lastErr)
}

func mustParsePrefixes(cidrs ...string) []netip.Prefix {
	prefixes := make([]netip.Prefix, 0, len(cidrs))
	for _, cidr := range cidrs {
		prefixes = append(prefixes, netip.MustParsePrefix(cidr))
	}
	return prefixes
}
