// Package container implements the container lifecycle service:
// create/start/stop/delete container records and
// wire them to every other service a container needs over its life —
// pkg/runtime (process lifecycle), pkg/ptyio (server-owned stdio),
// pkg/netalloc (network attachment), pkg/restart (restart-policy
// supervision) and pkg/network (host port publishing).
package container

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/containerd/containerd/cio"
	"github.com/google/uuid"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/keelhost/keel/pkg/apierr"
	"github.com/keelhost/keel/pkg/asynclock"
	"github.com/keelhost/keel/pkg/idmatch"
	"github.com/keelhost/keel/pkg/log"
	"github.com/keelhost/keel/pkg/metrics"
	"github.com/keelhost/keel/pkg/netalloc"
	"github.com/keelhost/keel/pkg/network"
	"github.com/keelhost/keel/pkg/ptyio"
	"github.com/keelhost/keel/pkg/restart"
	"github.com/keelhost/keel/pkg/storage"
	"github.com/keelhost/keel/pkg/types"
)

// defaultRingCapacity is the PTY session history ring buffer size,
// 1 MiB.
const defaultRingCapacity = 1 << 20

// defaultStopTimeout is how long Stop waits for SIGTERM before the runtime
// escalates to SIGKILL (pkg/runtime.ContainerdRuntime.StopContainer).
const defaultStopTimeout = 10 * time.Second

// Runtime is the narrow view of pkg/runtime.ContainerdRuntime the container
// service drives. Tests substitute a fake so Service's own
// create/start/stop/delete orchestration logic is exercised without a real
// containerd socket.
type Runtime interface {
	PullImage(ctx context.Context, imageRef string) error
	CreateContainerWithMounts(ctx context.Context, container *types.Container, resolvConfPath string, mounts []specs.Mount) (string, error)
	StartContainer(ctx context.Context, containerID string, ioCreator cio.Creator) error
	StopContainer(ctx context.Context, containerID string, timeout time.Duration) error
	DeleteContainer(ctx context.Context, containerID string) error
	GetContainerStatus(ctx context.Context, containerID string) (types.ContainerStatus, error)
	GetContainerIP(ctx context.Context, containerID string) (string, error)
	WaitContainer(ctx context.Context, containerID string) (int, error)
}

// opLock serializes Start/Stop on one container (blocking) while letting
// Delete fail fast instead of queueing behind an in-flight stop: a
// delete issued while stop is in flight fails with a clearly
// identifiable error instead of corrupting state.
type opLock struct{ mu sync.Mutex }

// acquire blocks until the lock is free. It ignores ctx cancellation rather
// than racing a goroutine for ownership of mu: the only callers are
// Start/Stop, both of which hold the lock only across fast, in-memory
// bookkeeping plus one runtime call, so an unbounded wait here is bounded
// in practice by that same runtime call's own timeout.
func (l *opLock) acquire(ctx context.Context) error {
	l.mu.Lock()
	return nil
}

func (l *opLock) tryAcquire() bool { return l.mu.TryLock() }
func (l *opLock) release()         { l.mu.Unlock() }

// Service is keel's container lifecycle service.
type Service struct {
	store     storage.Store
	runtime   Runtime
	netalloc  *netalloc.Service
	restartS  *restart.Supervisor
	publisher *network.HostPortPublisher
	dataDir   string

	// listLock is held around both a network attach and a network delete's
	// in-use check, so the two can never interleave. It doubles as
	// netalloc.ContainerListLock.
	listLock *asynclock.Lock

	// rootCtx outlives any single RPC: restart supervision and health
	// monitoring run for as long as the daemon does, not just for the
	// duration of the Start call that kicked them off.
	rootCtx context.Context

	mu       sync.Mutex
	opLocks  map[string]*opLock
	sessions map[string]*ptyio.Session
	health   map[string]*healthMonitor
}

// New creates a container Service. rootCtx bounds the lifetime of
// background work (restart supervision, health monitoring) started on
// behalf of any container; it should be cancelled on daemon shutdown, not
// per-request.
func New(rootCtx context.Context, store storage.Store, rt Runtime, na *netalloc.Service, sup *restart.Supervisor, pub *network.HostPortPublisher, dataDir string) *Service {
	s := &Service{
		store:     store,
		runtime:   rt,
		netalloc:  na,
		restartS:  sup,
		publisher: pub,
		dataDir:   dataDir,
		listLock:  asynclock.New(),
		rootCtx:   rootCtx,
		opLocks:   make(map[string]*opLock),
		sessions:  make(map[string]*ptyio.Session),
		health:    make(map[string]*healthMonitor),
	}
	na.SetContainerLister(s, s.listLock)
	return s
}

func (s *Service) lockFor(id string) *opLock {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.opLocks[id]
	if !ok {
		l = &opLock{}
		s.opLocks[id] = l
	}
	return l
}

// Create builds a new container record: attaches its configured networks,
// pulls its image, materializes the containerd container object, and — for
// an interactive terminal container — allocates its server-owned PTY
// session up front, since the session's ring buffer must outlive any
// number of restarts: PTY sessions are created with the container and
// destroyed on container removal.
func (s *Service) Create(ctx context.Context, cfg types.ContainerConfig) (*types.Container, error) {
	c := &types.Container{
		ID:        uuid.NewString(),
		Config:    cfg,
		Status:    types.ContainerCreated,
		CreatedAt: time.Now(),
	}
	logger := log.WithComponent("container").With().Str("container_id", c.ID).Logger()

	if err := s.attachNetworks(ctx, c); err != nil {
		return nil, err
	}

	if err := s.runtime.PullImage(ctx, cfg.Image); err != nil {
		s.detachNetworks(ctx, c)
		return nil, apierr.Wrap(apierr.Internal, err, "pull image %s", cfg.Image)
	}

	resolvPath, err := s.writeResolvConf(c)
	if err != nil {
		s.detachNetworks(ctx, c)
		return nil, err
	}

	mounts, err := s.volumeMounts(cfg.VolumeMounts)
	if err != nil {
		s.detachNetworks(ctx, c)
		return nil, err
	}

	if _, err := s.runtime.CreateContainerWithMounts(ctx, c, resolvPath, mounts); err != nil {
		s.detachNetworks(ctx, c)
		return nil, apierr.Wrap(apierr.Internal, err, "create container %s", c.ID)
	}

	ownership := ptyio.SelectOwnership(true, cfg.Terminal, ptyio.ForceClientOwnedFromEnv(nil))
	if ownership == ptyio.StdioServerOwned {
		session, err := ptyio.NewSession(c.ID, cfg.Terminal, defaultRingCapacity)
		if err != nil {
			s.detachNetworks(ctx, c)
			return nil, err
		}
		s.mu.Lock()
		s.sessions[c.ID] = session
		s.mu.Unlock()
	}

	if err := s.store.CreateContainer(c); err != nil {
		return nil, apierr.Wrap(apierr.Internal, err, "persist container %s", c.ID)
	}

	metrics.ContainersTotal.WithLabelValues(string(types.ContainerCreated)).Inc()
	logger.Info().Str("image", cfg.Image).Msg("container created")
	return c, nil
}

// attachNetworks allocates an attachment on each of c's configured
// networks, holding the container-list lock for the whole operation so a
// concurrent network delete can't observe a state between "no attachment"
// and "persisted attachment."
func (s *Service) attachNetworks(ctx context.Context, c *types.Container) error {
	return s.listLock.WithLock(ctx, func() error {
		for _, netID := range c.Config.Networks {
			att, err := s.netalloc.Allocate(ctx, netID, c.ID, "")
			if err != nil {
				return apierr.Wrap(apierr.Of(err), err, "attach container %s to network %s", c.ID, netID)
			}
			c.Attachments = append(c.Attachments, att)
		}
		return nil
	})
}

// detachNetworks releases any attachments made during a Create that failed
// partway through, best-effort (errors are logged, not propagated, since
// the caller is already unwinding a different failure).
func (s *Service) detachNetworks(ctx context.Context, c *types.Container) {
	logger := log.WithComponent("container")
	for _, att := range c.Attachments {
		if err := s.netalloc.Deallocate(ctx, att.NetworkID, att.Hostname); err != nil {
			logger.Warn().Err(err).Str("network_id", att.NetworkID).Msg("failed to roll back network attachment")
		}
	}
}

// writeResolvConf writes a per-container resolv.conf pointing at the
// gateway(s) of every network the container is attached to, so DNS queries
// from inside the container reach pkg/dns's per-network listener.
func (s *Service) writeResolvConf(c *types.Container) (string, error) {
	if len(c.Attachments) == 0 {
		return "", nil
	}
	dir := filepath.Join(s.dataDir, "containers", c.ID)
	path := filepath.Join(dir, "resolv.conf")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", apierr.Wrap(apierr.Internal, err, "create container directory for %s", c.ID)
	}

	seen := make(map[string]struct{})
	var content string
	for _, att := range c.Attachments {
		if _, ok := seen[att.IPv4Gateway]; ok || att.IPv4Gateway == "" {
			continue
		}
		seen[att.IPv4Gateway] = struct{}{}
		content += fmt.Sprintf("nameserver %s\n", att.IPv4Gateway)
	}
	if content == "" {
		return "", nil
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", apierr.Wrap(apierr.Internal, err, "write resolv.conf for %s", c.ID)
	}
	return path, nil
}

// volumeMounts resolves a container's named volume mounts to the
// persisted Volume records' host paths.
func (s *Service) volumeMounts(mounts []types.VolumeMount) ([]specs.Mount, error) {
	if len(mounts) == 0 {
		return nil, nil
	}
	out := make([]specs.Mount, 0, len(mounts))
	for _, m := range mounts {
		vol, err := s.store.GetVolume(m.VolumeName)
		if err != nil {
			return nil, apierr.Wrap(apierr.NotFound, err, "volume %s", m.VolumeName)
		}
		opts := []string{"bind"}
		if m.ReadOnly {
			opts = append(opts, "ro")
		} else {
			opts = append(opts, "rw")
		}
		out = append(out, specs.Mount{
			Source:      vol.HostPath,
			Destination: m.Target,
			Type:        "bind",
			Options:     opts,
		})
	}
	return out, nil
}

// Start begins supervised execution of a created or stopped container. It
// is idempotent: starting an already-running container is a no-op. The
// actual process launch happens inside Launch, invoked by the restart
// supervisor so the very first run and every crash-triggered relaunch go
// through the identical code path.
func (s *Service) Start(ctx context.Context, id string) error {
	lock := s.lockFor(id)
	if err := lock.acquire(ctx); err != nil {
		return err
	}
	defer lock.release()

	c, err := s.store.GetContainer(id)
	if err != nil {
		return apierr.Wrap(apierr.NotFound, err, "container %s", id)
	}
	if c.Status == types.ContainerRunning {
		return nil
	}

	c.ManuallyStopped = false
	if err := s.store.UpdateContainer(c); err != nil {
		return apierr.Wrap(apierr.Internal, err, "persist container %s", id)
	}

	// Forget any previous worker so a fresh one starts with stopped=false
	// and a reset backoff; Supervise is otherwise a no-op on an existing
	// entry (restart.Supervisor's documented idempotence).
	s.restartS.Forget(id)
	s.restartS.Supervise(s.rootCtx, id, c.Config.RestartPolicy)
	return nil
}

// Launch implements restart.Launcher: it performs one actual run of the
// container's init process and blocks until it exits, returning the exit
// code. The restart supervisor calls this once per attempt, applying
// backoff between calls.
func (s *Service) Launch(ctx context.Context, id string) (int, error) {
	start := time.Now()
	c, err := s.store.GetContainer(id)
	if err != nil {
		return -1, apierr.Wrap(apierr.NotFound, err, "container %s", id)
	}

	s.mu.Lock()
	session := s.sessions[id]
	s.mu.Unlock()

	var ioCreator cio.Creator
	if session != nil {
		stdin, stdout, stderr := session.ContainerStdio()
		opts := []cio.Opt{cio.WithStreams(stdin, stdout, stderr)}
		if session.Mode() == types.IOModePTY {
			opts = append(opts, cio.WithTerminal)
		}
		ioCreator = cio.NewCreator(opts...)
	}

	if err := s.runtime.StartContainer(ctx, id, ioCreator); err != nil {
		return -1, apierr.Wrap(apierr.Internal, err, "start container %s", id)
	}

	c.Status = types.ContainerRunning
	c.StartedAt = time.Now()
	s.store.UpdateContainer(c)
	metrics.ContainerStartDuration.Observe(time.Since(start).Seconds())
	metrics.ContainersTotal.WithLabelValues(string(types.ContainerRunning)).Inc()

	if ip, err := s.runtime.GetContainerIP(ctx, id); err == nil && s.publisher != nil {
		s.publisher.PublishPorts(id, ip, c.Config.PublishedPorts)
	}
	s.startHealthMonitor(id, c.Config.HealthCheck)

	exitCode, waitErr := s.runtime.WaitContainer(ctx, id)

	s.stopHealthMonitor(id)
	if s.publisher != nil {
		s.publisher.UnpublishPorts(id)
	}

	metrics.ContainersTotal.WithLabelValues(string(types.ContainerRunning)).Dec()
	if c, err := s.store.GetContainer(id); err == nil {
		c.Status = types.ContainerStopped
		s.store.UpdateContainer(c)
	}

	return exitCode, waitErr
}

// Stop gracefully stops a running container, marking it as manually
// stopped so the restart supervisor doesn't relaunch it. Stopping an
// already-stopped container succeeds.
func (s *Service) Stop(ctx context.Context, id string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = defaultStopTimeout
	}
	lock := s.lockFor(id)
	if err := lock.acquire(ctx); err != nil {
		return err
	}
	defer lock.release()

	c, err := s.store.GetContainer(id)
	if err != nil {
		return apierr.Wrap(apierr.NotFound, err, "container %s", id)
	}
	if c.Status != types.ContainerRunning {
		return nil
	}

	start := time.Now()
	s.restartS.MarkStopped(id)
	if err := s.runtime.StopContainer(ctx, id, timeout); err != nil {
		return apierr.Wrap(apierr.Internal, err, "stop container %s", id)
	}
	metrics.ContainerStopDuration.Observe(time.Since(start).Seconds())

	c.Status = types.ContainerStopped
	c.ManuallyStopped = true
	return s.store.UpdateContainer(c)
}

// Delete removes a container. A running container is refused unless force
// is set. Delete fails fast (rather than blocking) if a stop is currently
// in flight on the same container.
func (s *Service) Delete(ctx context.Context, id string, force bool) error {
	lock := s.lockFor(id)
	if !lock.tryAcquire() {
		return apierr.New(apierr.InvalidState, "container %s has a stop or delete already in progress", id)
	}
	defer lock.release()

	c, err := s.store.GetContainer(id)
	if err != nil {
		return apierr.Wrap(apierr.NotFound, err, "container %s", id)
	}

	if c.Status == types.ContainerRunning {
		if !force {
			return apierr.New(apierr.InvalidState, "container %s is running; stop it or pass force", id)
		}
		s.restartS.MarkStopped(id)
		if err := s.runtime.StopContainer(ctx, id, defaultStopTimeout); err != nil {
			return apierr.Wrap(apierr.Internal, err, "stop container %s before delete", id)
		}
	}
	s.restartS.Forget(id)

	s.mu.Lock()
	session := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if session != nil {
		session.Close()
	}

	if err := s.listLock.WithLock(ctx, func() error {
		for _, att := range c.Attachments {
			if err := s.netalloc.Deallocate(ctx, att.NetworkID, att.Hostname); err != nil {
				logger := log.WithComponent("container")
				logger.Warn().Err(err).Str("network_id", att.NetworkID).Msg("failed to release attachment on delete")
			}
		}
		return nil
	}); err != nil {
		return err
	}

	if s.publisher != nil {
		s.publisher.UnpublishPorts(id)
	}

	if err := s.runtime.DeleteContainer(ctx, id); err != nil {
		return apierr.Wrap(apierr.Internal, err, "delete container %s", id)
	}

	metrics.ContainersTotal.WithLabelValues(string(c.Status)).Dec()
	return s.store.DeleteContainer(id)
}

// Get returns one container record by id.
func (s *Service) Get(id string) (*types.Container, error) {
	c, err := s.store.GetContainer(id)
	if err != nil {
		return nil, apierr.Wrap(apierr.NotFound, err, "container %s", id)
	}
	return c, nil
}

// Resolve maps an id or unique id prefix onto a stored container id: an
// exact match wins, a unique prefix succeeds, and an ambiguous prefix
// fails with an error naming every candidate.
func (s *Service) Resolve(idOrPrefix string) (string, error) {
	containers, err := s.store.ListContainers()
	if err != nil {
		return "", apierr.Wrap(apierr.Internal, err, "list containers")
	}
	ids := make([]string, len(containers))
	for i, c := range containers {
		ids[i] = c.ID
	}
	return idmatch.Resolve(idOrPrefix, "container", ids)
}

// Logs returns a snapshot of the container's buffered stdio history from
// its server-owned session's ring buffer. The snapshot is not drained;
// attached clients keep receiving the live stream.
func (s *Service) Logs(id string) ([]byte, error) {
	s.mu.Lock()
	session := s.sessions[id]
	s.mu.Unlock()
	if session == nil {
		return nil, apierr.New(apierr.InvalidState, "container %s has no server-owned stdio session", id)
	}
	return session.History(), nil
}

// ListContainers implements netalloc.ContainerLister: the narrow view
// netalloc.Service.Delete needs to scan for live attachments without
// importing this package (which already imports netalloc).
func (s *Service) ListContainers() ([]*types.Container, error) {
	return s.store.ListContainers()
}

// Attach returns a live client handle on a container's server-owned PTY
// session, for the container I/O multiplexer.
func (s *Service) Attach(id string, opts ptyio.AttachOptions) (*ptyio.Client, error) {
	s.mu.Lock()
	session := s.sessions[id]
	s.mu.Unlock()
	if session == nil {
		return nil, apierr.New(apierr.InvalidState, "container %s has no server-owned stdio session", id)
	}
	return session.Attach(opts)
}

// metricsAdapter satisfies pkg/metrics.ContainerLister, whose value-slice
// signature differs from netalloc.ContainerLister's pointer-slice one;
// Service can't implement both under the same method name, so this
// adapter is the second implementation.
type metricsAdapter struct{ svc *Service }

func (m metricsAdapter) ListContainers() ([]types.Container, error) {
	ptrs, err := m.svc.ListContainers()
	if err != nil {
		return nil, err
	}
	out := make([]types.Container, len(ptrs))
	for i, p := range ptrs {
		out[i] = *p
	}
	return out, nil
}

// MetricsView returns the pkg/metrics.ContainerLister view of this service.
func (s *Service) MetricsView() metrics.ContainerLister { return metricsAdapter{s} }
