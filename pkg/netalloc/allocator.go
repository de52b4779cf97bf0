package netalloc

import (
	"fmt"
	"net"
	"sync"

	"github.com/apparentlymart/go-cidr/cidr"
	gvntypes "github.com/containers/gvisor-tap-vsock/pkg/types"
	"github.com/containers/gvisor-tap-vsock/pkg/virtualnetwork"

	"github.com/keelhost/keel/pkg/apierr"
	"github.com/keelhost/keel/pkg/types"
)

// Allocator is what the plugin loader produces for one
// network: the live gateway process plus the hostname/address bookkeeping
// for that network's attachments. pkg/dns's Directory is satisfied by
// Service.Directory, which routes each Lookup to the named network's
// Allocator.
type Allocator interface {
	// Running reports whether the gateway has come up; create() fails if
	// this is false immediately after registration.
	Running() bool
	// Status returns the resolved subnet/gateway for NetworkState.Status.
	Status() types.NetworkStatus
	// Allocate assigns hostname an address on this network, generating a
	// MAC if mac is empty, and returns the resulting Attachment.
	Allocate(hostname, mac string) (types.Attachment, error)
	// Deallocate releases hostname's address.
	Deallocate(hostname string) error
	// Lookup resolves hostname to its current Attachment, if attached.
	Lookup(hostname string) (types.Attachment, bool)
	// InUse reports whether any hostname is currently allocated.
	InUse() bool
	// Count returns the number of hostnames currently allocated, for the
	// metrics collector's attachment gauge.
	Count() int
	// Disable tears the gateway down. It returns apierr.InvalidState (the
	// "still in use" rejection delete() must honor) if InUse is true.
	Disable() error
}

// gatewayAllocator backs Allocator with a per-network gvisor-tap-vsock
// gateway process and our own sequential IP lease table, since
// gvisor-tap-vsock itself has no concept of keel's named attachments.
type gatewayAllocator struct {
	config types.NetworkConfiguration

	vn *virtualnetwork.VirtualNetwork

	ipv4Net *net.IPNet
	ipv6Net *net.IPNet
	gateway net.IP

	mu       sync.Mutex
	byHost   map[string]types.Attachment
	nextHost int
	disabled bool
}

// newGatewayAllocator registers config's gateway process and leases the
// gateway address (host 1 of the IPv4 subnet) for itself.
func newGatewayAllocator(config types.NetworkConfiguration) (*gatewayAllocator, error) {
	ipv4Net, err := parseCIDR(config.IPv4CIDR)
	if err != nil || ipv4Net == nil {
		return nil, apierr.New(apierr.InvalidArgument, "invalid ipv4 cidr %q", config.IPv4CIDR)
	}
	ipv6Net, err := parseCIDR(config.IPv6CIDR)
	if err != nil {
		return nil, apierr.New(apierr.InvalidArgument, "invalid ipv6 cidr %q", config.IPv6CIDR)
	}

	gatewayIP, err := cidr.Host(ipv4Net, 1)
	if err != nil {
		return nil, apierr.Wrap(apierr.InvalidArgument, err, "compute gateway address for %s", config.IPv4CIDR)
	}

	vn, err := virtualnetwork.New(&gvntypes.Configuration{
		Debug:             false,
		MTU:               1500,
		Subnet:            ipv4Net.String(),
		GatewayIP:         gatewayIP.String(),
		GatewayMacAddress: "5a:94:ef:e4:0c:dd",
		DHCPStaticLeases:  map[string]string{},
		DNS:               []gvntypes.Zone{},
		NAT:               map[string]string{},
		Protocol:          gvntypes.QemuProtocol,
	})
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, err, "start gateway for network %s", config.ID)
	}

	return &gatewayAllocator{
		config:   config,
		vn:       vn,
		ipv4Net:  ipv4Net,
		ipv6Net:  ipv6Net,
		gateway:  gatewayIP,
		byHost:   make(map[string]types.Attachment),
		nextHost: 2, // host 1 is the gateway
	}, nil
}

func (a *gatewayAllocator) Running() bool {
	return a.vn != nil
}

func (a *gatewayAllocator) Status() types.NetworkStatus {
	st := types.NetworkStatus{
		IPv4Subnet:  a.ipv4Net.String(),
		IPv4Gateway: a.gateway.String(),
	}
	if a.ipv6Net != nil {
		st.IPv6Subnet = a.ipv6Net.String()
	}
	return st
}

func (a *gatewayAllocator) Allocate(hostname, mac string) (types.Attachment, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if existing, ok := a.byHost[hostname]; ok {
		return existing, apierr.New(apierr.Exists, "hostname %s already attached to network %s", hostname, a.config.ID)
	}

	ip, err := cidr.Host(a.ipv4Net, a.nextHost)
	if err != nil {
		return types.Attachment{}, apierr.Wrap(apierr.Internal, err, "exhausted address space on network %s", a.config.ID)
	}
	a.nextHost++

	if mac == "" {
		mac = generateMAC(a.config.ID, hostname)
	}

	att := types.Attachment{
		NetworkID:   a.config.ID,
		Hostname:    hostname,
		IPv4CIDR:    fmt.Sprintf("%s/%d", ip.String(), maskSize(a.ipv4Net)),
		IPv4Gateway: a.gateway.String(),
		MAC:         mac,
	}
	a.byHost[hostname] = att
	return att, nil
}

func (a *gatewayAllocator) Deallocate(hostname string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.byHost[hostname]; !ok {
		return apierr.New(apierr.NotFound, "hostname %s not attached to network %s", hostname, a.config.ID)
	}
	delete(a.byHost, hostname)
	return nil
}

func (a *gatewayAllocator) Lookup(hostname string) (types.Attachment, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	att, ok := a.byHost[hostname]
	return att, ok
}

func (a *gatewayAllocator) InUse() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.byHost) > 0
}

func (a *gatewayAllocator) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.byHost)
}

func (a *gatewayAllocator) Disable() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.byHost) > 0 {
		return apierr.New(apierr.InvalidState, "network %s still has %d attachment(s)", a.config.ID, len(a.byHost))
	}
	a.disabled = true
	a.vn = nil
	return nil
}

func maskSize(n *net.IPNet) int {
	ones, _ := n.Mask.Size()
	return ones
}

func generateMAC(networkID, hostname string) string {
	h := fnv32(networkID + "/" + hostname)
	return fmt.Sprintf("02:%02x:%02x:%02x:%02x:%02x",
		byte(h>>24), byte(h>>16), byte(h>>8), byte(h), byte(h>>5))
}

func fnv32(s string) uint32 {
	const prime32 = 16777619
	h := uint32(2166136261)
	for i := 0; i < len(s); i++ {
		h *= prime32
		h ^= uint32(s[i])
	}
	return h
}
