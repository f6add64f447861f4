package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
)

// ErrBlockedEndpoint is wrapped by every endpoint rejection.
var ErrBlockedEndpoint = errors.New("security: endpoint not allowed")

var blockedHosts = []string{"localhost", "metadata.google.internal", "metadata.google"}

// Carrier-grade NAT space is not covered by netip.Addr.IsPrivate.
var sharedAddressSpace = netip.MustParsePrefix("100.64.0.0/10")

// Endpoint is a policy for URLs read from configuration that tourbridge
// will send requests to.
type Endpoint struct {
	// HTTPSOnly rejects plain http URLs.
	HTTPSOnly bool
	// AllowPrivate skips the address checks. Operators reached through an
	// internal proxy need it.
	AllowPrivate bool
	// Resolver defaults to net.DefaultResolver.
	Resolver *net.Resolver
}

// ValidateEndpointURL checks that a public outbound URL (the alert webhook)
// does not point into the private network. Both the literal host and its
// resolved addresses are checked.
func ValidateEndpointURL(ctx context.Context, rawURL string) error {
	return Endpoint{}.Validate(ctx, rawURL)
}

// Validate applies the policy to rawURL.
func (e Endpoint) Validate(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: invalid URL", ErrBlockedEndpoint)
	}
	switch {
	case u.Scheme == "https":
	case u.Scheme == "http" && !e.HTTPSOnly:
	case e.HTTPSOnly:
		return fmt.Errorf("%w: scheme must be https", ErrBlockedEndpoint)
	default:
		return fmt.Errorf("%w: scheme must be http or https", ErrBlockedEndpoint)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("%w: missing host", ErrBlockedEndpoint)
	}
	if e.AllowPrivate {
		return nil
	}

	for _, b := range blockedHosts {
		if strings.EqualFold(host, b) {
			return fmt.Errorf("%w: host %q", ErrBlockedEndpoint, host)
		}
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		return checkAddr(addr)
	}

	resolver := e.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	addrs, err := resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return fmt.Errorf("%w: cannot resolve %s", ErrBlockedEndpoint, host)
	}
	for _, addr := range addrs {
		if err := checkAddr(addr); err != nil {
			return fmt.Errorf("host %q resolves to %s: %w", host, addr, err)
		}
	}
	return nil
}

func checkAddr(addr netip.Addr) error {
	addr = addr.Unmap()
	var kind string
	switch {
	case addr.IsLoopback():
		kind = "loopback"
	case addr.IsPrivate(), sharedAddressSpace.Contains(addr):
		kind = "private"
	case addr.IsLinkLocalUnicast(), addr.IsLinkLocalMulticast():
		kind = "link-local"
	case addr.IsUnspecified():
		kind = "unspecified"
	default:
		return nil
	}
	return fmt.Errorf("%w: %s address", ErrBlockedEndpoint, kind)
}
