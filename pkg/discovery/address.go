package discovery

import (
	"net"
	"sort"
)

// SortIPsByPreference returns a copy of ips ordered for dialing.
// Priority order (highest to lowest):
//  1. IPv4 unicast
//  2. IPv6 global and unique local unicast
//  3. IPv6 link-local (needs a zone to dial)
//  4. Loopback
//  5. Anything else
func SortIPsByPreference(ips []net.IP) []net.IP {
	sorted := make([]net.IP, len(ips))
	copy(sorted, ips)

	sort.SliceStable(sorted, func(i, j int) bool {
		return ipPriority(sorted[i]) < ipPriority(sorted[j])
	})
	return sorted
}

func ipPriority(ip net.IP) int {
	switch {
	case ip.To16() == nil:
		return 99
	case ip.IsLoopback():
		return 80
	case ip.IsMulticast(), ip.IsUnspecified():
		return 90
	case ip.To4() != nil:
		return 0
	case ip.IsGlobalUnicast():
		return 10
	case ip.IsLinkLocalUnicast():
		return 20
	}
	return 50
}
