package runtime

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/keelhost/keel/pkg/types"
)

const (
	// DefaultNamespace is the containerd namespace keel uses.
	DefaultNamespace = "keel"

	// DefaultSocketPath is the default containerd socket.
	DefaultSocketPath = "/run/containerd/containerd.sock"
)

// ContainerdRuntime implements container lifecycle operations over containerd.
type ContainerdRuntime struct {
	client          *containerd.Client
	namespace       string
	defaultRegistry string
}

// NewContainerdRuntime creates a new containerd runtime client.
// defaultRegistry, when non-empty, is prepended to image refs that carry no
// registry domain of their own.
func NewContainerdRuntime(socketPath, defaultRegistry string) (*ContainerdRuntime, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}

	return &ContainerdRuntime{
		client:          client,
		namespace:       DefaultNamespace,
		defaultRegistry: defaultRegistry,
	}, nil
}

// normalizeRef prepends the default registry domain to refs without one. A
// ref's first path component is a domain when it contains a dot or port
// separator, or is the literal "localhost".
func (r *ContainerdRuntime) normalizeRef(ref string) string {
	if r.defaultRegistry == "" {
		return ref
	}
	first, _, found := strings.Cut(ref, "/")
	if found && (strings.ContainsAny(first, ".:") || first == "localhost") {
		return ref
	}
	return r.defaultRegistry + "/" + ref
}

// Close closes the containerd client connection.
func (r *ContainerdRuntime) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// PullImage pulls a container image from a registry.
func (r *ContainerdRuntime) PullImage(ctx context.Context, imageRef string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)
	imageRef = r.normalizeRef(imageRef)

	_, err := r.client.Pull(ctx, imageRef, containerd.WithPullUnpack)
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", imageRef, err)
	}

	return nil
}

// resourceOpts builds the CPU/memory cgroup spec options for a container's
// configured limits. CPUs is in whole-core units (1.5 == one and a half
// cores); it's translated to a CFS quota against a fixed 100ms period, the
// same convention containerd's own CLI uses.
func resourceOpts(cfg types.ContainerConfig) []oci.SpecOpts {
	var opts []oci.SpecOpts

	if cfg.CPUs > 0 {
		const period = uint64(100000)
		shares := uint64(cfg.CPUs * 1024)
		quota := int64(cfg.CPUs * float64(period))
		opts = append(opts, oci.WithCPUShares(shares), oci.WithCPUCFS(quota, period))
	}

	if cfg.MemoryBytes > 0 {
		opts = append(opts, oci.WithMemoryLimit(uint64(cfg.MemoryBytes)))
	}

	return opts
}

// envSlice converts a container's environment map into the KEY=VALUE
// entries containerd's oci.WithEnv expects.
func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

// CreateContainer creates a container from a container specification.
func (r *ContainerdRuntime) CreateContainer(ctx context.Context, container *types.Container) (string, error) {
	return r.CreateContainerWithMounts(ctx, container, "", nil)
}

// CreateContainerWithMounts creates a container with additional mounts
// (volumes, resolv.conf) layered on top of its image config.
func (r *ContainerdRuntime) CreateContainerWithMounts(ctx context.Context, container *types.Container, resolvConfPath string, volumeMounts []specs.Mount) (string, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)
	cfg := container.Config

	image, err := r.client.GetImage(ctx, r.normalizeRef(cfg.Image))
	if err != nil {
		return "", fmt.Errorf("failed to get image %s: %w", cfg.Image, err)
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(envSlice(cfg.Env)),
	}
	opts = append(opts, resourceOpts(cfg)...)

	if cfg.WorkingDir != "" {
		opts = append(opts, oci.WithProcessCwd(cfg.WorkingDir))
	}
	if len(cfg.Init) > 0 {
		opts = append(opts, oci.WithProcessArgs(cfg.Init...))
	}

	var mounts []specs.Mount
	mounts = append(mounts, volumeMounts...)
	if resolvConfPath != "" {
		mounts = append(mounts, specs.Mount{
			Source:      resolvConfPath,
			Destination: "/etc/resolv.conf",
			Type:        "bind",
			Options:     []string{"ro", "bind"},
		})
	}
	if len(mounts) > 0 {
		opts = append(opts, oci.WithMounts(mounts))
	}

	ctrdContainer, err := r.client.NewContainer(
		ctx,
		container.ID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(container.ID+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	return ctrdContainer.ID(), nil
}

// StartContainer starts a container's task. ioCreator wires the task's
// stdio; a nil ioCreator falls back to cio.NullIO.
func (r *ContainerdRuntime) StartContainer(ctx context.Context, containerID string, ioCreator cio.Creator) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return fmt.Errorf("failed to load container %s: %w", containerID, err)
	}

	if ioCreator == nil {
		ioCreator = cio.NullIO
	}

	task, err := container.NewTask(ctx, ioCreator)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	if err := task.Start(ctx); err != nil {
		return fmt.Errorf("failed to start task: %w", err)
	}

	return nil
}

// WaitContainer blocks until containerID's task exits, returning its exit
// code and cleaning up the exited task. Used by pkg/container's restart
// supervisor integration (restart.Launcher.Launch blocks on the process
// it started).
func (r *ContainerdRuntime) WaitContainer(ctx context.Context, containerID string) (int, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return -1, fmt.Errorf("failed to load container %s: %w", containerID, err)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		return -1, fmt.Errorf("failed to get task for container %s: %w", containerID, err)
	}

	statusC, err := task.Wait(ctx)
	if err != nil {
		return -1, fmt.Errorf("failed to wait for task: %w", err)
	}

	status := <-statusC
	code, _, err := status.Result()
	if err != nil {
		return -1, fmt.Errorf("failed to read exit status: %w", err)
	}

	if _, err := task.Delete(ctx); err != nil {
		return int(code), fmt.Errorf("failed to delete exited task: %w", err)
	}

	return int(code), nil
}

// StopContainer stops a running container, trying SIGTERM first and
// escalating to SIGKILL if it doesn't exit within timeout.
func (r *ContainerdRuntime) StopContainer(ctx context.Context, containerID string, timeout time.Duration) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return fmt.Errorf("failed to load container %s: %w", containerID, err)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		// No task means the container isn't running.
		return nil
	}

	stopCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to kill task: %w", err)
	}

	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return fmt.Errorf("failed to wait for task: %w", err)
	}

	select {
	case <-statusC:
	case <-stopCtx.Done():
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
			return fmt.Errorf("failed to force kill task: %w", err)
		}
	}

	if _, err := task.Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}

	return nil
}

// DeleteContainer removes a container and its snapshot, stopping it first
// if still running.
func (r *ContainerdRuntime) DeleteContainer(ctx context.Context, containerID string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		// Container might not exist.
		return nil
	}

	if err := r.StopContainer(ctx, containerID, 10*time.Second); err != nil {
		return fmt.Errorf("failed to stop container before delete: %w", err)
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return fmt.Errorf("failed to delete container: %w", err)
	}

	return nil
}

// GetContainerStatus returns the status of a container's task, collapsed to
// keel's three-state model: a container with no task yet is "created", a
// running or paused task is "running", and anything else (exited or
// unknown) is "stopped".
func (r *ContainerdRuntime) GetContainerStatus(ctx context.Context, containerID string) (types.ContainerStatus, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return types.ContainerStopped, fmt.Errorf("failed to load container %s: %w", containerID, err)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		return types.ContainerCreated, nil
	}

	status, err := task.Status(ctx)
	if err != nil {
		return types.ContainerStopped, fmt.Errorf("failed to get task status: %w", err)
	}

	switch status.Status {
	case containerd.Running, containerd.Paused:
		return types.ContainerRunning, nil
	default:
		return types.ContainerStopped, nil
	}
}

// IsRunning reports whether a container's task is currently running.
func (r *ContainerdRuntime) IsRunning(ctx context.Context, containerID string) bool {
	status, err := r.GetContainerStatus(ctx, containerID)
	if err != nil {
		return false
	}
	return status == types.ContainerRunning
}

// ListContainers returns the IDs of all containers in keel's namespace.
func (r *ContainerdRuntime) ListContainers(ctx context.Context) ([]string, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	containers, err := r.client.Containers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	ids := make([]string, 0, len(containers))
	for _, c := range containers {
		ids = append(ids, c.ID())
	}

	return ids, nil
}

// GetContainerIP returns the IPv4 address bound to eth0 inside a running
// container's network namespace, by shelling out to nsenter + ip since
// containerd has no built-in networking API of its own.
func (r *ContainerdRuntime) GetContainerIP(ctx context.Context, containerID string) (string, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return "", fmt.Errorf("failed to load container %s: %w", containerID, err)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to get task: %w", err)
	}

	status, err := task.Status(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get task status: %w", err)
	}
	if status.Status != containerd.Running {
		return "", fmt.Errorf("container is not running")
	}

	pid := task.Pid()
	if pid == 0 {
		return "", fmt.Errorf("container task has no PID")
	}

	cmd := exec.CommandContext(ctx, "nsenter", "-t", fmt.Sprintf("%d", pid), "-n", "ip", "-4", "addr", "show", "eth0")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("failed to get container IP: %w (output: %s)", err, string(output))
	}

	for _, line := range strings.Split(string(output), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "inet ") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 2 {
			continue
		}
		ip, _, err := net.ParseCIDR(parts[1])
		if err != nil {
			return "", fmt.Errorf("failed to parse IP address %s: %w", parts[1], err)
		}
		return ip.String(), nil
	}

	return "", fmt.Errorf("no IP address found for container")
}
