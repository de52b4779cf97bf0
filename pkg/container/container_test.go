package container

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/containerd/containerd/cio"

	"github.com/keelhost/keel/pkg/apierr"
	"github.com/keelhost/keel/pkg/netalloc"
	"github.com/keelhost/keel/pkg/network"
	"github.com/keelhost/keel/pkg/restart"
	"github.com/keelhost/keel/pkg/types"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// fakeAllocator mirrors pkg/netalloc's own test fake, since
// netalloc.Service's gateway allocator factory needs an Allocator that
// doesn't start a real gvisor-tap-vsock process.
type fakeAllocator struct {
	mu      sync.Mutex
	status  types.NetworkStatus
	byHost  map[string]types.Attachment
	running bool
}

func newFakeAllocator(cfg types.NetworkConfiguration) (netalloc.Allocator, error) {
	return &fakeAllocator{
		running: true,
		byHost:  make(map[string]types.Attachment),
		status:  types.NetworkStatus{IPv4Subnet: cfg.IPv4CIDR, IPv4Gateway: "10.0.0.1"},
	}, nil
}

func (f *fakeAllocator) Running() bool              { return f.running }
func (f *fakeAllocator) Status() types.NetworkStatus { return f.status }

func (f *fakeAllocator) Allocate(hostname, mac string) (types.Attachment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.byHost[hostname]; ok {
		return types.Attachment{}, apierr.New(apierr.Exists, "already allocated")
	}
	att := types.Attachment{NetworkID: "net0", Hostname: hostname, IPv4CIDR: "10.0.0.2/24", IPv4Gateway: "10.0.0.1", MAC: mac}
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
	f.running = false
	return nil
}

// memStore is an in-memory storage.Store, enough for container lifecycle
// tests without a real bbolt file.
type memStore struct {
	mu         sync.Mutex
	containers map[string]*types.Container
	volumes    map[string]*types.Volume
}

func newMemStore() *memStore {
	return &memStore{containers: make(map[string]*types.Container), volumes: make(map[string]*types.Volume)}
}

func (m *memStore) CreateNetwork(*types.NetworkState) error        { return nil }
func (m *memStore) GetNetwork(string) (*types.NetworkState, error) { return nil, apierr.New(apierr.NotFound, "n/a") }
func (m *memStore) ListNetworks() ([]*types.NetworkState, error)   { return nil, nil }
func (m *memStore) UpdateNetwork(*types.NetworkState) error        { return nil }
func (m *memStore) DeleteNetwork(string) error                     { return nil }

func (m *memStore) CreateContainer(c *types.Container) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.containers[c.ID] = c
	return nil
}
func (m *memStore) GetContainer(id string) (*types.Container, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.containers[id]
	if !ok {
		return nil, apierr.New(apierr.NotFound, "container %s not found", id)
	}
	cp := *c
	return &cp, nil
}
func (m *memStore) ListContainers() ([]*types.Container, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.Container, 0, len(m.containers))
	for _, c := range m.containers {
		out = append(out, c)
	}
	return out, nil
}
func (m *memStore) UpdateContainer(c *types.Container) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.containers[c.ID] = c
	return nil
}
func (m *memStore) DeleteContainer(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.containers, id)
	return nil
}

func (m *memStore) CreateVolume(v *types.Volume) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.volumes[v.Name] = v
	return nil
}
func (m *memStore) GetVolume(name string) (*types.Volume, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.volumes[name]
	if !ok {
		return nil, apierr.New(apierr.NotFound, "volume %s not found", name)
	}
	return v, nil
}
func (m *memStore) ListVolumes() ([]*types.Volume, error) { return nil, nil }
func (m *memStore) DeleteVolume(string) error             { return nil }

func (m *memStore) CreateImage(*types.Image) error                { return nil }
func (m *memStore) GetImage(string) (*types.Image, error)         { return nil, apierr.New(apierr.NotFound, "n/a") }
func (m *memStore) ListImages() ([]*types.Image, error)           { return nil, nil }
func (m *memStore) DeleteImage(string) error                      { return nil }
func (m *memStore) Close() error                                  { return nil }

// fakeRuntime stands in for pkg/runtime.ContainerdRuntime: Launch blocks on
// a per-container channel the test controls directly, so restart-policy and
// stop/delete interactions can be driven deterministically.
type fakeRuntime struct {
	mu       sync.Mutex
	started  map[string]bool
	exitC    map[string]chan int
	pullErr  error
	startErr error
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{started: make(map[string]bool), exitC: make(map[string]chan int)}
}

func (r *fakeRuntime) PullImage(ctx context.Context, imageRef string) error { return r.pullErr }

func (r *fakeRuntime) CreateContainerWithMounts(ctx context.Context, c *types.Container, resolvConfPath string, mounts []specs.Mount) (string, error) {
	return c.ID, nil
}

func (r *fakeRuntime) StartContainer(ctx context.Context, containerID string, ioCreator cio.Creator) error {
	if r.startErr != nil {
		return r.startErr
	}
	r.mu.Lock()
	r.started[containerID] = true
	if _, ok := r.exitC[containerID]; !ok {
		r.exitC[containerID] = make(chan int, 1)
	}
	r.mu.Unlock()
	return nil
}

func (r *fakeRuntime) StopContainer(ctx context.Context, containerID string, timeout time.Duration) error {
	r.mu.Lock()
	ch, ok := r.exitC[containerID]
	r.started[containerID] = false
	r.mu.Unlock()
	if ok {
		select {
		case ch <- 0:
		default:
		}
	}
	return nil
}

func (r *fakeRuntime) DeleteContainer(ctx context.Context, containerID string) error { return nil }

func (r *fakeRuntime) GetContainerStatus(ctx context.Context, containerID string) (types.ContainerStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started[containerID] {
		return types.ContainerRunning, nil
	}
	return types.ContainerStopped, nil
}

func (r *fakeRuntime) GetContainerIP(ctx context.Context, containerID string) (string, error) {
	return "10.0.0.2", nil
}

func (r *fakeRuntime) WaitContainer(ctx context.Context, containerID string) (int, error) {
	r.mu.Lock()
	ch := r.exitC[containerID]
	r.mu.Unlock()
	select {
	case code := <-ch:
		return code, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// exit triggers a simulated unsupervised process exit (as opposed to
// StopContainer's intentional one), for restart-policy tests.
func (r *fakeRuntime) exit(containerID string, code int) {
	r.mu.Lock()
	ch, ok := r.exitC[containerID]
	r.mu.Unlock()
	if ok {
		ch <- code
	}
}

func newTestService(t *testing.T) (*Service, *fakeRuntime) {
	t.Helper()
	store := newMemStore()
	na := netalloc.NewService(store)
	na.SetAllocatorFactory(newFakeAllocator)
	if _, err := na.Create(context.Background(), types.NetworkConfiguration{
		ID: "net0", Mode: types.NetworkModeNAT, IPv4CIDR: "10.0.0.0/24",
	}); err != nil {
		t.Fatalf("create test network: %v", err)
	}

	rt := newFakeRuntime()
	sup := restart.New(nil)
	svc := New(context.Background(), store, rt, na, sup, network.NewHostPortPublisher(), t.TempDir())
	sup.SetLauncher(svc)
	return svc, rt
}

func waitForStatus(t *testing.T, svc *Service, id string, want types.ContainerStatus) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		c, err := svc.Get(id)
		if err != nil {
			t.Fatalf("get container: %v", err)
		}
		if c.Status == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("container %s never reached status %s (last: %s)", id, want, c.Status)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestCreateStartStopDeleteLifecycle(t *testing.T) {
	svc, rt := newTestService(t)

	c, err := svc.Create(context.Background(), types.ContainerConfig{
		Image:    "alpine:latest",
		Init:     []string{"/bin/sh"},
		Networks: []string{"net0"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(c.Attachments) != 1 || c.Attachments[0].NetworkID != "net0" {
		t.Fatalf("expected one attachment to net0, got %+v", c.Attachments)
	}

	if err := svc.Start(context.Background(), c.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForStatus(t, svc, c.ID, types.ContainerRunning)

	if err := svc.Stop(context.Background(), c.ID, time.Second); err != nil {
		t.Fatalf("stop: %v", err)
	}
	waitForStatus(t, svc, c.ID, types.ContainerStopped)

	// Stopping an already-stopped container succeeds.
	if err := svc.Stop(context.Background(), c.ID, time.Second); err != nil {
		t.Fatalf("second stop should succeed: %v", err)
	}

	if err := svc.Delete(context.Background(), c.ID, false); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := svc.Get(c.ID); apierr.Of(err) != apierr.NotFound {
		t.Fatalf("expected container to be gone, got err=%v", err)
	}
	_ = rt
}

func TestDeleteRunningWithoutForceFails(t *testing.T) {
	svc, _ := newTestService(t)

	c, err := svc.Create(context.Background(), types.ContainerConfig{Image: "alpine:latest", Init: []string{"/bin/sh"}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.Start(context.Background(), c.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForStatus(t, svc, c.ID, types.ContainerRunning)

	err = svc.Delete(context.Background(), c.ID, false)
	if apierr.Of(err) != apierr.InvalidState {
		t.Fatalf("expected invalid_state deleting a running container, got %v", err)
	}

	if err := svc.Delete(context.Background(), c.ID, true); err != nil {
		t.Fatalf("force delete: %v", err)
	}
}

func TestDeleteFailsFastWhileStopInFlight(t *testing.T) {
	svc, _ := newTestService(t)

	c, err := svc.Create(context.Background(), types.ContainerConfig{Image: "alpine:latest", Init: []string{"/bin/sh"}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.Start(context.Background(), c.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForStatus(t, svc, c.ID, types.ContainerRunning)

	lock := svc.lockFor(c.ID)
	if !lock.tryAcquire() {
		t.Fatalf("expected to acquire a fresh op lock")
	}
	defer lock.release()

	err = svc.Delete(context.Background(), c.ID, true)
	if apierr.Of(err) != apierr.InvalidState {
		t.Fatalf("expected invalid_state when an op is already in flight, got %v", err)
	}
}

func TestRestartPolicyAlwaysRelaunchesOnExit(t *testing.T) {
	svc, rt := newTestService(t)

	c, err := svc.Create(context.Background(), types.ContainerConfig{
		Image:         "alpine:latest",
		Init:          []string{"/bin/sh"},
		RestartPolicy: types.RestartPolicy{Name: types.RestartAlways},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.Start(context.Background(), c.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForStatus(t, svc, c.ID, types.ContainerRunning)

	rt.exit(c.ID, 1)
	waitForStatus(t, svc, c.ID, types.ContainerStopped)
	waitForStatus(t, svc, c.ID, types.ContainerRunning)

	if err := svc.Stop(context.Background(), c.ID, time.Second); err != nil {
		t.Fatalf("stop: %v", err)
	}
	waitForStatus(t, svc, c.ID, types.ContainerStopped)
}

func TestNetworkAttachDetachRoundTrip(t *testing.T) {
	svc, _ := newTestService(t)

	c, err := svc.Create(context.Background(), types.ContainerConfig{
		Image:    "alpine:latest",
		Init:     []string{"/bin/sh"},
		Networks: []string{"net0"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, ok := svc.netalloc.Lookup("net0", c.ID); !ok {
		t.Fatalf("expected container %s to have an attachment on net0", c.ID)
	}

	if err := svc.Delete(context.Background(), c.ID, false); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if _, ok := svc.netalloc.Lookup("net0", c.ID); ok {
		t.Fatalf("expected attachment to be released after delete")
	}
}
