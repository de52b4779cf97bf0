// Package netalloc implements the network allocator service: network
// lifecycle (create/delete), per-network address allocation, and the
// hostname directory the DNS server queries.
package netalloc

import (
	"context"
	"net"
	"sync"

	"github.com/keelhost/keel/pkg/apierr"
	"github.com/keelhost/keel/pkg/asynclock"
	"github.com/keelhost/keel/pkg/dns"
	"github.com/keelhost/keel/pkg/log"
	"github.com/keelhost/keel/pkg/metrics"
	"github.com/keelhost/keel/pkg/storage"
	"github.com/keelhost/keel/pkg/types"
)

const defaultNetworkID = "default"

// ContainerLister is the narrow view pkg/container exposes so delete() can
// check for live attachments without netalloc importing the container
// package (which itself depends on netalloc for attach/detach).
type ContainerLister interface {
	ListContainers() ([]*types.Container, error)
}

// ContainerListLock is the container-list lock Delete holds while it
// checks for in-use attachments and disables the allocator, so no
// container can acquire a new attachment in between.
type ContainerListLock interface {
	Lock(ctx context.Context) error
	Unlock()
}

type networkEntry struct {
	state     types.NetworkState
	allocator Allocator
}

// Service is the process-wide network allocator: one process-wide async
// lock serializes state transitions, and a per-network
// Allocator owns that network's address bookkeeping and gateway process.
type Service struct {
	store  storage.Store
	dnsSrv *dns.Server
	lock   *asynclock.Lock

	mu       sync.RWMutex
	networks map[string]*networkEntry
	busy     map[string]struct{}

	containers     ContainerLister
	containersLock ContainerListLock

	// newAllocator is overridden in tests to avoid starting a real
	// gvisor-tap-vsock gateway process per test network.
	newAllocator func(types.NetworkConfiguration) (Allocator, error)
}

// NewService creates a Service backed by store for persistence. Its DNS
// server is wired in afterward via SetDNSServer, since pkg/dns.NewServer
// itself needs this Service's Directory view at construction time.
func NewService(store storage.Store) *Service {
	return &Service{
		store:    store,
		lock:     asynclock.New(),
		networks: make(map[string]*networkEntry),
		busy:     make(map[string]struct{}),
		newAllocator: func(cfg types.NetworkConfiguration) (Allocator, error) {
			return newGatewayAllocator(cfg)
		},
	}
}

// SetAllocatorFactory overrides how Create builds a network's Allocator.
// Exported for other packages' tests (e.g. pkg/container) that need a
// Service without starting a real gvisor-tap-vsock gateway per network;
// pkg/netalloc's own tests use the unexported newAllocator field directly.
func (s *Service) SetAllocatorFactory(f func(types.NetworkConfiguration) (Allocator, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.newAllocator = f
}

// SetDNSServer wires in the DNS server Create/Delete bind/unbind listeners
// on. Call this once, before any network is created.
func (s *Service) SetDNSServer(dnsSrv *dns.Server) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dnsSrv = dnsSrv
}

// SetContainerLister wires the container service's lister and list lock
// in once it exists; Delete refuses to run until both are set.
func (s *Service) SetContainerLister(lister ContainerLister, lock ContainerListLock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.containers = lister
	s.containersLock = lock
}

// Create allocates and starts a new network.
func (s *Service) Create(ctx context.Context, config types.NetworkConfiguration) (types.NetworkState, error) {
	if config.ID == "none" {
		return types.NetworkState{}, apierr.New(apierr.InvalidArgument, "network id \"none\" is reserved")
	}

	s.mu.Lock()
	if _, busy := s.busy[config.ID]; busy {
		s.mu.Unlock()
		return types.NetworkState{}, apierr.New(apierr.InvalidState, "network %s has an operation in progress", config.ID)
	}
	s.busy[config.ID] = struct{}{}
	s.mu.Unlock()
	defer s.clearBusy(config.ID)

	var result types.NetworkState
	err := s.lock.WithLock(ctx, func() error {
		s.mu.RLock()
		_, exists := s.networks[config.ID]
		s.mu.RUnlock()
		if exists {
			return apierr.New(apierr.Exists, "network %s already exists", config.ID)
		}

		if err := s.checkOverlap(config); err != nil {
			return err
		}

		alloc, err := s.newAllocator(config)
		if err != nil {
			return err
		}
		if !alloc.Running() {
			return apierr.New(apierr.Internal, "allocator for network %s did not report running", config.ID)
		}

		state := types.NetworkState{
			Phase:  types.NetworkRunning,
			Config: config,
			Status: statusPtr(alloc.Status()),
		}

		if err := s.store.CreateNetwork(&state); err != nil {
			return apierr.Wrap(apierr.Internal, err, "persist network %s", config.ID)
		}

		s.mu.Lock()
		s.networks[config.ID] = &networkEntry{state: state, allocator: alloc}
		s.mu.Unlock()

		if s.dnsSrv != nil {
			if err := s.dnsSrv.Bind(ctx, config.ID, alloc.Status().IPv4Gateway); err != nil {
				logger := log.WithComponent("netalloc")
				logger.Warn().Err(err).Str("network_id", config.ID).Msg("failed to bind DNS listener")
			}
		}

		metrics.NetworksTotal.WithLabelValues(string(types.NetworkRunning)).Inc()
		result = state
		return nil
	})
	return result, err
}

// Delete removes network id, refusing if it is still referenced by any
// container attachment. The in-use check and the allocator disable happen
// while holding both the process-wide lock and the container-list lock, so
// no container can acquire a new attachment in the gap between them.
func (s *Service) Delete(ctx context.Context, id string) error {
	if id == defaultNetworkID {
		return apierr.New(apierr.InvalidArgument, "network \"default\" cannot be deleted")
	}

	return s.lock.WithLock(ctx, func() error {
		s.mu.RLock()
		entry, exists := s.networks[id]
		lister := s.containers
		listLock := s.containersLock
		s.mu.RUnlock()
		if !exists {
			return apierr.New(apierr.NotFound, "network %s not found", id)
		}
		if entry.state.Phase != types.NetworkRunning {
			return apierr.New(apierr.InvalidState, "network %s is not running", id)
		}

		if lister == nil || listLock == nil {
			return apierr.New(apierr.Internal, "network delete requires the container service to be wired in")
		}

		if err := listLock.Lock(ctx); err != nil {
			return err
		}
		defer listLock.Unlock()

		containers, err := lister.ListContainers()
		if err != nil {
			return apierr.Wrap(apierr.Internal, err, "list containers while deleting network %s", id)
		}
		for _, c := range containers {
			if c.HasAttachmentTo(id) {
				return apierr.New(apierr.InvalidState, "network %s still has container %s attached", id, c.ID)
			}
		}

		if err := entry.allocator.Disable(); err != nil {
			return err
		}

		if s.dnsSrv != nil {
			if err := s.dnsSrv.Unbind(id); err != nil {
				logger := log.WithComponent("netalloc")
				logger.Warn().Err(err).Str("network_id", id).Msg("failed to unbind DNS listener")
			}
		}

		if err := s.store.DeleteNetwork(id); err != nil {
			return apierr.Wrap(apierr.Internal, err, "delete persisted network %s", id)
		}

		s.mu.Lock()
		delete(s.networks, id)
		s.mu.Unlock()

		metrics.NetworksTotal.WithLabelValues(string(types.NetworkRunning)).Dec()
		return nil
	})
}

// Allocate assigns hostname an address on networkID.
func (s *Service) Allocate(ctx context.Context, networkID, hostname, mac string) (types.Attachment, error) {
	var result types.Attachment
	err := s.lock.WithLock(ctx, func() error {
		entry, err := s.entry(networkID)
		if err != nil {
			return err
		}
		att, err := entry.allocator.Allocate(hostname, mac)
		if err != nil {
			return err
		}
		metrics.AttachmentsTotal.Inc()
		result = att
		return nil
	})
	return result, err
}

// Deallocate releases hostname's address on networkID.
func (s *Service) Deallocate(ctx context.Context, networkID, hostname string) error {
	return s.lock.WithLock(ctx, func() error {
		entry, err := s.entry(networkID)
		if err != nil {
			return err
		}
		if err := entry.allocator.Deallocate(hostname); err != nil {
			return err
		}
		metrics.AttachmentsTotal.Dec()
		return nil
	})
}

// Lookup resolves hostname on networkID.
func (s *Service) Lookup(networkID, hostname string) (types.Attachment, bool) {
	s.mu.RLock()
	entry, exists := s.networks[networkID]
	s.mu.RUnlock()
	if !exists {
		return types.Attachment{}, false
	}
	return entry.allocator.Lookup(hostname)
}

// LookupAny resolves hostname across every network, for the CLI/API path
// that doesn't know which network a container lives on.
func (s *Service) LookupAny(hostname string) (types.Attachment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, entry := range s.networks {
		if att, ok := entry.allocator.Lookup(hostname); ok {
			return att, true
		}
	}
	return types.Attachment{}, false
}

// ListNetworks implements metrics.NetworkLister: a value-slice snapshot of
// every network's current state, for the metrics collector's periodic gauge
// update.
func (s *Service) ListNetworks() ([]types.NetworkState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.NetworkState, 0, len(s.networks))
	for _, entry := range s.networks {
		out = append(out, entry.state)
	}
	return out, nil
}

// AttachmentCount implements metrics.NetworkLister: the total number of
// live attachments across every network.
func (s *Service) AttachmentCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, entry := range s.networks {
		if entry.allocator != nil {
			count += entry.allocator.Count()
		}
	}
	return count
}

// Directory returns the dns.Directory view of this service's live
// attachment tables, for pkg/dns.NewServer.
func (s *Service) Directory() dns.Directory {
	return directoryView{s}
}

// directoryView adapts Service to dns.Directory without colliding with
// Service.Lookup, whose signature returns an Attachment rather than a
// dns.Record.
type directoryView struct{ svc *Service }

func (d directoryView) Lookup(networkID, hostname string) (dns.Record, bool) {
	att, ok := d.svc.Lookup(networkID, hostname)
	if !ok {
		return dns.Record{}, false
	}
	rec := dns.Record{}
	if ip, _, err := net.ParseCIDR(att.IPv4CIDR); err == nil {
		rec.IPv4 = ip
	}
	if att.IPv6CIDR != "" {
		if ip, _, err := net.ParseCIDR(att.IPv6CIDR); err == nil {
			rec.IPv6 = ip
		}
	}
	return rec, true
}

func (s *Service) entry(networkID string) (*networkEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, exists := s.networks[networkID]
	if !exists {
		return nil, apierr.New(apierr.NotFound, "network %s not found", networkID)
	}
	return entry, nil
}

func (s *Service) clearBusy(id string) {
	s.mu.Lock()
	delete(s.busy, id)
	s.mu.Unlock()
}

// checkOverlap rejects config if its IPv4 or IPv6 CIDR overlaps any
// currently-running network's, each family checked independently.
func (s *Service) checkOverlap(config types.NetworkConfiguration) error {
	newV4, err := parseCIDR(config.IPv4CIDR)
	if err != nil {
		return apierr.Wrap(apierr.InvalidArgument, err, "invalid ipv4 cidr %q", config.IPv4CIDR)
	}
	newV6, err := parseCIDR(config.IPv6CIDR)
	if err != nil {
		return apierr.Wrap(apierr.InvalidArgument, err, "invalid ipv6 cidr %q", config.IPv6CIDR)
	}

	for _, entry := range s.networks {
		if entry.state.Phase != types.NetworkRunning {
			continue
		}
		existingV4, _ := parseCIDR(entry.state.Config.IPv4CIDR)
		if overlaps(newV4, existingV4) {
			return apierr.New(apierr.Exists, "ipv4 cidr %s overlaps network %s", config.IPv4CIDR, entry.state.Config.ID)
		}
		existingV6, _ := parseCIDR(entry.state.Config.IPv6CIDR)
		if overlaps(newV6, existingV6) {
			return apierr.New(apierr.Exists, "ipv6 cidr %s overlaps network %s", config.IPv6CIDR, entry.state.Config.ID)
		}
	}
	return nil
}

func statusPtr(st types.NetworkStatus) *types.NetworkStatus { return &st }
