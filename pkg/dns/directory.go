package dns

import "net"

// Record is the resolved address set for one hostname on one network.
// Either field may be nil if the container has no address of that family.
type Record struct {
	IPv4 net.IP
	IPv6 net.IP
}

// Directory is the hostname lookup a network makes available to the DNS
// server. pkg/netalloc's allocator service implements this over its live
// attachment table: every container attached to a network registers its
// hostname here, and the entry disappears when the attachment is torn
// down, so a detached container's name promptly starts returning NXDOMAIN.
type Directory interface {
	// Lookup resolves hostname on networkID. found is false if no
	// container with that hostname is currently attached to the network,
	// regardless of query type; a true Record with a nil address for the
	// requested family means the name exists but has no record of that
	// type (NODATA), which the caller distinguishes by inspecting the
	// Record's fields against the query type.
	Lookup(networkID, hostname string) (rec Record, found bool)
}
