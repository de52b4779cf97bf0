package netalloc

import (
	"context"
	"net"
	"sync"
	"testing"

	"github.com/keelhost/keel/pkg/apierr"
	"github.com/keelhost/keel/pkg/types"
)

// fakeAllocator stands in for the real gvisor-tap-vsock-backed allocator so
// tests exercise Service's lifecycle/locking logic without starting a real
// gateway process.
type fakeAllocator struct {
	mu      sync.Mutex
	status  types.NetworkStatus
	byHost  map[string]types.Attachment
	running bool
}

func newFakeAllocator(cfg types.NetworkConfiguration) (Allocator, error) {
	return &fakeAllocator{
		running: true,
		byHost:  make(map[string]types.Attachment),
		status:  types.NetworkStatus{IPv4Subnet: cfg.IPv4CIDR, IPv4Gateway: "10.0.0.1"},
	}, nil
}

func (f *fakeAllocator) Running() bool                 { return f.running }
func (f *fakeAllocator) Status() types.NetworkStatus    { return f.status }
func (f *fakeAllocator) Allocate(hostname, mac string) (types.Attachment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.byHost[hostname]; ok {
		return types.Attachment{}, apierr.New(apierr.Exists, "already allocated")
	}
	att := types.Attachment{Hostname: hostname, IPv4CIDR: "10.0.0.2/24", MAC: mac}
	f.byHost[hostname] = att
	return att, nil
}
func (f *fakeAllocator) Deallocate(hostname string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.byHost[hostname]; !ok {
		return apierr.New(apierr.NotFound, "not allocated")
	}
	delete(f.byHost, hostname)
	return nil
}
func (f *fakeAllocator) Lookup(hostname string) (types.Attachment, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	att, ok := f.byHost[hostname]
	return att, ok
}
func (f *fakeAllocator) InUse() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.byHost) > 0
}
func (f *fakeAllocator) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.byHost)
}
func (f *fakeAllocator) Disable() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.byHost) > 0 {
		return apierr.New(apierr.InvalidState, "still in use")
	}
	f.running = false
	return nil
}

type memStore struct {
	mu       sync.Mutex
	networks map[string]*types.NetworkState
}

func newMemStore() *memStore { return &memStore{networks: make(map[string]*types.NetworkState)} }

func (m *memStore) CreateNetwork(n *types.NetworkState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.networks[n.Config.ID] = n
	return nil
}
func (m *memStore) GetNetwork(id string) (*types.NetworkState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.networks[id]
	if !ok {
		return nil, apierr.New(apierr.NotFound, "not found")
	}
	return n, nil
}
func (m *memStore) ListNetworks() ([]*types.NetworkState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.NetworkState, 0, len(m.networks))
	for _, n := range m.networks {
		out = append(out, n)
	}
	return out, nil
}
func (m *memStore) UpdateNetwork(n *types.NetworkState) error { return m.CreateNetwork(n) }
func (m *memStore) DeleteNetwork(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.networks, id)
	return nil
}
func (m *memStore) CreateContainer(*types.Container) error             { return nil }
func (m *memStore) GetContainer(string) (*types.Container, error)      { return nil, apierr.New(apierr.NotFound, "n/a") }
func (m *memStore) ListContainers() ([]*types.Container, error)        { return nil, nil }
func (m *memStore) UpdateContainer(*types.Container) error             { return nil }
func (m *memStore) DeleteContainer(string) error                       { return nil }
func (m *memStore) CreateVolume(*types.Volume) error                   { return nil }
func (m *memStore) GetVolume(string) (*types.Volume, error)            { return nil, apierr.New(apierr.NotFound, "n/a") }
func (m *memStore) ListVolumes() ([]*types.Volume, error)              { return nil, nil }
func (m *memStore) DeleteVolume(string) error                          { return nil }
func (m *memStore) CreateImage(*types.Image) error                     { return nil }
func (m *memStore) GetImage(string) (*types.Image, error)              { return nil, apierr.New(apierr.NotFound, "n/a") }
func (m *memStore) ListImages() ([]*types.Image, error)                { return nil, nil }
func (m *memStore) DeleteImage(string) error                           { return nil }
func (m *memStore) Close() error                                       { return nil }

type fakeLister struct{ containers []*types.Container }

func (f *fakeLister) ListContainers() ([]*types.Container, error) { return f.containers, nil }

type noopLock struct{}

func (noopLock) Lock(ctx context.Context) error { return nil }
func (noopLock) Unlock()                        {}

func newTestService() *Service {
	s := NewService(newMemStore())
	s.newAllocator = newFakeAllocator
	s.SetContainerLister(&fakeLister{}, noopLock{})
	return s
}

func TestCreateRejectsReservedNameNone(t *testing.T) {
	s := newTestService()
	_, err := s.Create(context.Background(), types.NetworkConfiguration{ID: "none", IPv4CIDR: "10.1.0.0/24"})
	if apierr.Of(err) != apierr.InvalidArgument {
		t.Fatalf("err = %v, want InvalidArgument", err)
	}
}

func TestCreateRejectsDuplicateID(t *testing.T) {
	s := newTestService()
	ctx := context.Background()
	if _, err := s.Create(ctx, types.NetworkConfiguration{ID: "n1", IPv4CIDR: "10.1.0.0/24"}); err != nil {
		t.Fatalf("first create: %v", err)
	}
	_, err := s.Create(ctx, types.NetworkConfiguration{ID: "n1", IPv4CIDR: "10.2.0.0/24"})
	if apierr.Of(err) != apierr.Exists {
		t.Fatalf("err = %v, want Exists", err)
	}
}

func TestCreateRejectsOverlappingCIDR(t *testing.T) {
	s := newTestService()
	ctx := context.Background()
	if _, err := s.Create(ctx, types.NetworkConfiguration{ID: "n1", IPv4CIDR: "10.1.0.0/16"}); err != nil {
		t.Fatalf("first create: %v", err)
	}
	_, err := s.Create(ctx, types.NetworkConfiguration{ID: "n2", IPv4CIDR: "10.1.5.0/24"})
	if apierr.Of(err) != apierr.Exists {
		t.Fatalf("err = %v, want Exists (overlap)", err)
	}
}

func TestCreateAllowsDisjointCIDR(t *testing.T) {
	s := newTestService()
	ctx := context.Background()
	if _, err := s.Create(ctx, types.NetworkConfiguration{ID: "n1", IPv4CIDR: "10.1.0.0/24"}); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := s.Create(ctx, types.NetworkConfiguration{ID: "n2", IPv4CIDR: "10.2.0.0/24"}); err != nil {
		t.Fatalf("second create should succeed: %v", err)
	}
}

func TestDeleteRejectsDefault(t *testing.T) {
	s := newTestService()
	if err := s.Delete(context.Background(), "default"); apierr.Of(err) != apierr.InvalidArgument {
		t.Fatalf("err = %v, want InvalidArgument", err)
	}
}

func TestDeleteFailsWhenContainerAttached(t *testing.T) {
	s := newTestService()
	ctx := context.Background()
	if _, err := s.Create(ctx, types.NetworkConfiguration{ID: "n1", IPv4CIDR: "10.1.0.0/24"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	s.SetContainerLister(&fakeLister{containers: []*types.Container{
		{ID: "c1", Attachments: []types.Attachment{{NetworkID: "n1"}}},
	}}, noopLock{})

	err := s.Delete(ctx, "n1")
	if apierr.Of(err) != apierr.InvalidState {
		t.Fatalf("err = %v, want InvalidState", err)
	}
}

func TestDeleteSucceedsWhenUnattached(t *testing.T) {
	s := newTestService()
	ctx := context.Background()
	if _, err := s.Create(ctx, types.NetworkConfiguration{ID: "n1", IPv4CIDR: "10.1.0.0/24"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Delete(ctx, "n1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Create(ctx, types.NetworkConfiguration{ID: "n1", IPv4CIDR: "10.1.0.0/24"}); err != nil {
		t.Fatalf("recreate after delete should succeed: %v", err)
	}
}

func TestAllocateAndLookupRoundTrip(t *testing.T) {
	s := newTestService()
	ctx := context.Background()
	if _, err := s.Create(ctx, types.NetworkConfiguration{ID: "n1", IPv4CIDR: "10.1.0.0/24"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	att, err := s.Allocate(ctx, "n1", "web", "")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if att.Hostname != "web" {
		t.Fatalf("att.Hostname = %q, want web", att.Hostname)
	}

	got, ok := s.Lookup("n1", "web")
	if !ok || got.Hostname != "web" {
		t.Fatalf("lookup = %+v, %v", got, ok)
	}

	if err := s.Deallocate(ctx, "n1", "web"); err != nil {
		t.Fatalf("deallocate: %v", err)
	}
	if _, ok := s.Lookup("n1", "web"); ok {
		t.Fatal("lookup should fail after deallocate")
	}
}

func TestOverlapsDetectsContainment(t *testing.T) {
	_, a, _ := net.ParseCIDR("10.0.0.0/16")
	_, b, _ := net.ParseCIDR("10.0.5.0/24")
	if !overlaps(a, b) {
		t.Fatal("expected overlap for a subnet contained in a supernet")
	}
}

func TestOverlapsAllowsDisjoint(t *testing.T) {
	_, a, _ := net.ParseCIDR("10.0.0.0/24")
	_, b, _ := net.ParseCIDR("10.1.0.0/24")
	if overlaps(a, b) {
		t.Fatal("expected no overlap for disjoint subnets")
	}
}

func TestOverlapsHandlesNilIPv6(t *testing.T) {
	_, a, _ := net.ParseCIDR("10.0.0.0/24")
	if overlaps(a, nil) {
		t.Fatal("nil CIDR (absent IPv6) should never overlap")
	}
}
