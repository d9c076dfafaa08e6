package helpers

import (
	"fmt"
	"net"
	"strings"
)

// ParseTrustedNetworks parses CIDRs into networks. A bare IP address is
// taken as a single host (/32 or /128).
func ParseTrustedNetworks(cidrs []string) ([]*net.IPNet, error) {
	networks := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		cidr = strings.TrimSpace(cidr)
		if cidr == "" {
			continue
		}
		if _, network, err := net.ParseCIDR(cidr); err == nil {
			networks = append(networks, network)
			continue
		}
		ip := net.ParseIP(cidr)
		if ip == nil {
			return nil, fmt.Errorf("invalid trusted network '%s': not a valid IP address or CIDR", cidr)
		}
		bits := 128
		if ip.To4() != nil {
			ip = ip.To4()
			bits = 32
		}
		networks = append(networks, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return networks, nil
}

// InNetworks reports whether the address ip (without port) lies in one of
// networks.
func InNetworks(ip string, networks []*net.IPNet) bool {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return false
	}
	for _, n := range networks {
		if n.Contains(parsed) {
			return true
		}
	}
	return false
}
