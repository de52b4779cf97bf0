package netalloc

import (
	"net"

	"github.com/apparentlymart/go-cidr/cidr"
)

// overlaps reports whether two CIDRs share any address: either network's
// first or last address falls inside the other. AddressRange gives the first/last address of each network
// without needing to walk every host.
func overlaps(a, b *net.IPNet) bool {
	if a == nil || b == nil {
		return false
	}
	aFirst, aLast := cidr.AddressRange(a)
	bFirst, bLast := cidr.AddressRange(b)
	return a.Contains(bFirst) || a.Contains(bLast) || b.Contains(aFirst) || b.Contains(aLast)
}

// parseCIDR parses s, returning (nil, nil) for an empty string: IPv6 is
// optional per network, so an absent IPv6CIDR is not an error.
func parseCIDR(s string) (*net.IPNet, error) {
	if s == "" {
		return nil, nil
	}
	_, n, err := net.ParseCIDR(s)
	return n, err
}
