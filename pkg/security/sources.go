package security

import (
	"net"

	"github.com/m-mizutani/goerr/v2"
)

// GitHubHookCIDRs are GitHub's webhook source ranges (from https://api.github.com/meta).
// These should be updated periodically.
var GitHubHookCIDRs = []string{
	"192.30.252.0/22",
	"185.199.108.0/22",
	"140.82.112.0/20",
	"143.55.64.0/20",
	"2a0a:a440::/29",
	"2606:50c0::/32",
}

// SourceValidator restricts webhook senders to a set of networks.
// A validator with no networks allows every address.
type SourceValidator struct {
	networks []*net.IPNet
}

// NewSourceValidator parses cidrs. An empty list disables the check.
func NewSourceValidator(cidrs []string) (*SourceValidator, error) {
	v := &SourceValidator{}
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, goerr.Wrap(err, "invalid CIDR", goerr.V("cidr", cidr))
		}
		v.networks = append(v.networks, network)
	}
	return v, nil
}

// Enabled reports whether any networks are configured.
func (v *SourceValidator) Enabled() bool {
	return v != nil && len(v.networks) > 0
}

// IsAllowed reports whether ipStr may send webhooks.
func (v *SourceValidator) IsAllowed(ipStr string) bool {
	if !v.Enabled() {
		return true
	}

	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, network := range v.networks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}
