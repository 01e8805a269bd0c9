// Package netutil provides IP classification for the enrichment layer's
// reputation and geolocation lookups. It exists because the source this module is built
// from carried two different private-IP predicates with different range
// lists; this package is the single authoritative replacement for both.
package netutil

import "net"

var privateV4Blocks []*net.IPNet
var uniqueLocalV6 *net.IPNet

func init() {
	for _, cidr := range []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"127.0.0.0/8",
		"169.254.0.0/16",
	} {
		_, block, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(err)
		}
		privateV4Blocks = append(privateV4Blocks, block)
	}

	_, block, err := net.ParseCIDR("fc00::/7")
	if err != nil {
		panic(err)
	}
	uniqueLocalV6 = block
}

// IsPrivateIP reports whether ipStr belongs to a private, loopback, or
// link-local range: 10/8, 172.16/12, 192.168/16, 127/8, 169.254/16
// (IPv4), or fc00::/7 (IPv6 unique local); IPv6 loopback, any link-local
// unicast address, and link-local multicast addresses (224.0.0.0/24,
// ff02::/16) also count as private. A malformed address is treated
// as private, matching the fail-safe behavior of the source this
// predicate is grounded on.
func IsPrivateIP(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return true
	}

	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}

	if v4 := ip.To4(); v4 != nil {
		for _, block := range privateV4Blocks {
			if block.Contains(v4) {
				return true
			}
		}
		return false
	}

	return uniqueLocalV6.Contains(ip)
}
