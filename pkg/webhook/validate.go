// Package webhook implements outbound webhook delivery: SSRF-safe URL
// validation, HMAC-SHA256 request signing over canonical JSON, a
// per-URL rate-limited retry manager, and a dead-letter queue for
// deliveries that exhaust retries.
package webhook

import (
	"context"
	"fmt"
	"net"
	"net/url"

	"github.com/asap-proto/asap/pkg/asaperr"
)

// ValidatorConfig controls scheme enforcement for URL validation.
type ValidatorConfig struct {
	// RequireHTTPS rejects http:// URLs when true (the default posture);
	// set false only for test/dev escape hatches.
	RequireHTTPS bool
	// Resolver performs the DNS lookup used to catch rebinding attacks.
	// Defaults to net.DefaultResolver when nil.
	Resolver interface {
		LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
	}
}

// Validator performs synchronous, pre-flight SSRF validation of webhook
// target URLs. Validation happens entirely before any HTTP call is
// attempted.
type Validator struct {
	cfg ValidatorConfig
}

// NewValidator constructs a Validator. A zero ValidatorConfig accepts
// both http:// and https:// (RequireHTTPS is false) and uses the system
// DNS resolver.
func NewValidator(cfg ValidatorConfig) *Validator {
	if cfg.Resolver == nil {
		cfg.Resolver = net.DefaultResolver
	}
	return &Validator{cfg: cfg}
}

// Validate rejects rawURL if its scheme is unsafe, its host is missing,
// or its host (literal or DNS-resolved) lands in a blocked IP range.
// DNS resolution happens for every hostname, including ones that look
// like a legitimate public domain — this is what catches DNS rebinding.
func (v *Validator) Validate(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return v.reject(rawURL, "unparseable URL: "+err.Error())
	}

	switch u.Scheme {
	case "https":
	case "http":
		if v.cfg.RequireHTTPS {
			return v.reject(rawURL, "https required")
		}
	default:
		return v.reject(rawURL, "unsupported scheme "+u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return v.reject(rawURL, "missing host")
	}

	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return v.reject(rawURL, "host IP literal is in a blocked range")
		}
		return nil
	}

	addrs, err := v.cfg.Resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return v.reject(rawURL, "DNS resolution failed: "+err.Error())
	}
	if len(addrs) == 0 {
		return v.reject(rawURL, "DNS resolution returned no addresses")
	}
	for _, addr := range addrs {
		if isBlockedIP(addr.IP) {
			return v.reject(rawURL, fmt.Sprintf("host resolves to blocked address %s", addr.IP))
		}
	}

	return nil
}

func (v *Validator) reject(rawURL, reason string) error {
	return asaperr.New(asaperr.KindWebhookURLRejected, reason, map[string]any{"url": rawURL})
}

// isBlockedIP reports whether ip is loopback, private, link-local,
// unspecified, or multicast, checking an IPv4-mapped IPv6 address by its
// embedded IPv4 address. Other reserved ranges (for example
// 100.64.0.0/10, 192.0.2.0/24, 240.0.0.0/4) are not blocked.
func isBlockedIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified() || ip.IsMulticast() {
		return true
	}
	// IPv4-mapped IPv6 (::ffff:a.b.c.d) must be evaluated against the
	// same ranges as its embedded IPv4 address.
	if v4 := ip.To4(); v4 != nil {
		return v4.IsLoopback() || v4.IsPrivate() || v4.IsLinkLocalUnicast() || v4.IsUnspecified() || v4.IsMulticast()
	}
	return false
}
