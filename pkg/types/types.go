// Package types holds the data model shared across keel's subsystems:
// snapshots and diff keys for the build engine, network configuration and
// attachment records for the allocator, and container/PTY session records
// for the runtime and I/O multiplexer.
package types

import "time"

// SnapshotState is the lifecycle state of a Snapshot.
type SnapshotState string

const (
	SnapshotPrepared  SnapshotState = "prepared"
	SnapshotCommitted SnapshotState = "committed"
)

// Snapshot is a filesystem state identified by a content digest. A prepared
// snapshot has exactly one writer and a live mountpoint; a committed
// snapshot is immutable and has no mountpoint.
type Snapshot struct {
	Digest     string        `json:"digest"`
	Parent     string        `json:"parent,omitempty"`
	Size       int64         `json:"size"`
	State      SnapshotState `json:"state"`
	Mountpoint string        `json:"mountpoint,omitempty"`
	DiffKey    string        `json:"diff_key,omitempty"`
}

// ChangeKind is the kind of filesystem entry a Change records.
type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeModified ChangeKind = "modified"
	ChangeDeleted  ChangeKind = "deleted"
)

// NodeKind distinguishes the filesystem entry type backing a Change, used in
// the canonical per-change string fed into the DiffKey merkle tree.
type NodeKind string

const (
	NodeFile    NodeKind = "file"
	NodeDir     NodeKind = "dir"
	NodeSymlink NodeKind = "symlink"
)

// Change is one filesystem difference between a base and target snapshot.
type Change struct {
	Kind       ChangeKind
	Path       string
	NodeKind   NodeKind
	Mode       uint32
	UID        int
	GID        int
	LinkTarget string
	XattrHash  string
	ContentSum string
}

// CacheKey identifies a cacheable build operation result.
type CacheKey struct {
	OperationDigest string   `json:"operation_digest"`
	InputDigests    []string `json:"input_digests"`
	Platform        string   `json:"platform"`
	SchemaVersion   string   `json:"schema_version"`
}

// CachedResult is the manifest stored for a CacheKey hit.
type CachedResult struct {
	Snapshot  Snapshot          `json:"snapshot"`
	EnvDelta  map[string]string `json:"env_delta,omitempty"`
	MetaDelta map[string]string `json:"meta_delta,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// NetworkMode is the network's attachment mode.
type NetworkMode string

const (
	NetworkModeNAT NetworkMode = "nat"
)

// NetworkConfiguration is the persisted, user-facing definition of a network.
type NetworkConfiguration struct {
	ID       string            `json:"id"`
	Mode     NetworkMode       `json:"mode"`
	IPv4CIDR string            `json:"ipv4_cidr,omitempty"`
	IPv6CIDR string            `json:"ipv6_cidr,omitempty"`
	Plugin   string            `json:"plugin,omitempty"`
	Labels   map[string]string `json:"labels,omitempty"`
}

// NetworkStatus carries the resolved runtime subnet/gateway of a running
// network, present only when the network is in NetworkState running.
type NetworkStatus struct {
	IPv4Subnet  string `json:"ipv4_subnet"`
	IPv4Gateway string `json:"ipv4_gateway"`
	IPv6Subnet  string `json:"ipv6_subnet,omitempty"`
}

// NetworkPhase is the tag of the NetworkState union.
type NetworkPhase string

const (
	NetworkCreated NetworkPhase = "created"
	NetworkRunning NetworkPhase = "running"
)

// NetworkState is the tagged union {created(config), running(config, status)}
// from the data model: a network only has an active allocator, and
// therefore a Status, while Phase == NetworkRunning.
type NetworkState struct {
	Phase  NetworkPhase         `json:"phase"`
	Config NetworkConfiguration `json:"config"`
	Status *NetworkStatus       `json:"status,omitempty"`
}

// Attachment is one network interface allocated to one container.
type Attachment struct {
	NetworkID   string `json:"network_id"`
	Hostname    string `json:"hostname"`
	IPv4CIDR    string `json:"ipv4_cidr"`
	IPv4Gateway string `json:"ipv4_gateway"`
	IPv6CIDR    string `json:"ipv6_cidr,omitempty"`
	MAC         string `json:"mac,omitempty"`
}

// ContainerStatus is the runtime status of a Container.
type ContainerStatus string

const (
	ContainerCreated ContainerStatus = "created"
	ContainerRunning ContainerStatus = "running"
	ContainerStopped ContainerStatus = "stopped"
)

// RestartPolicyName is one of the three restart decision policies.
type RestartPolicyName string

const (
	RestartNo        RestartPolicyName = "no"
	RestartOnFailure RestartPolicyName = "on-failure"
	RestartAlways    RestartPolicyName = "always"
)

// RestartPolicy is the restart behavior attached to a container.
type RestartPolicy struct {
	Name RestartPolicyName `json:"name"`
}

// PublishedPort maps a container port to a host port for a given protocol.
type PublishedPort struct {
	HostPort      int    `json:"host_port"`
	ContainerPort int    `json:"container_port"`
	Protocol      string `json:"protocol"` // "tcp" or "udp"
	HostIP        string `json:"host_ip,omitempty"`
}

// IOMode selects how a container's stdio is attached.
type IOMode string

const (
	IOModePTY   IOMode = "pty"
	IOModePipes IOMode = "pipes"
)

// VolumeMount attaches a named Volume into a container at a path.
type VolumeMount struct {
	VolumeName string `json:"volume_name"`
	Target     string `json:"target"`
	ReadOnly   bool   `json:"read_only,omitempty"`
}

// ContainerConfig is the user-supplied configuration of a Container.
type ContainerConfig struct {
	Image          string            `json:"image"`
	Init           []string          `json:"init"`
	Env            map[string]string `json:"env,omitempty"`
	WorkingDir     string            `json:"working_dir,omitempty"`
	Terminal       bool              `json:"terminal"`
	IOMode         IOMode            `json:"io_mode"`
	Networks       []string          `json:"networks,omitempty"`
	PublishedPorts []PublishedPort   `json:"published_ports,omitempty"`
	RestartPolicy  RestartPolicy     `json:"restart_policy"`
	Labels         map[string]string `json:"labels,omitempty"`
	HealthCheck    *HealthCheck      `json:"health_check,omitempty"`
	CPUs           float64           `json:"cpus,omitempty"`
	MemoryBytes    int64             `json:"memory_bytes,omitempty"`
	VolumeMounts   []VolumeMount     `json:"volume_mounts,omitempty"`
}

// Container is the runtime record for one container.
type Container struct {
	ID              string          `json:"id"`
	Config          ContainerConfig `json:"config"`
	Status          ContainerStatus `json:"status"`
	Attachments     []Attachment    `json:"attachments,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       time.Time       `json:"started_at,omitempty"`
	ManuallyStopped bool            `json:"-"`
	HealthStatus    *HealthStatus   `json:"health_status,omitempty"`
}

// HasAttachmentTo reports whether the container has an attachment to networkID.
func (c *Container) HasAttachmentTo(networkID string) bool {
	for _, a := range c.Attachments {
		if a.NetworkID == networkID {
			return true
		}
	}
	return false
}

// --- Supplemental resource types backing the volume, image and health
// surfaces. ---

// Volume is a named, host-backed mount a container can bind.
//
// Backs the "volume {create,list,delete,...}" surface.
type Volume struct {
	Name      string            `json:"name"`
	Driver    string            `json:"driver"`
	HostPath  string            `json:"host_path"`
	Labels    map[string]string `json:"labels,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// ImageConfig is the subset of OCI image config keel tracks.
type ImageConfig struct {
	Env        map[string]string `json:"env,omitempty"`
	Entrypoint []string          `json:"entrypoint,omitempty"`
	Cmd        []string          `json:"cmd,omitempty"`
	WorkingDir string            `json:"working_dir,omitempty"`
}

// Image backs "images …"/"commit"/"export", which name image
// operations without a §3 data model entry.
type Image struct {
	Ref           string            `json:"ref"`
	ContentDigest string            `json:"content_digest"`
	TopSnapshot   string            `json:"top_snapshot"`
	Config        ImageConfig       `json:"config"`
	Labels        map[string]string `json:"labels,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// HealthCheckType is the probe mechanism used by a HealthCheck.
type HealthCheckType string

const (
	HealthCheckHTTP HealthCheckType = "http"
	HealthCheckTCP  HealthCheckType = "tcp"
	HealthCheckExec HealthCheckType = "exec"
)

// HealthCheck is an optional per-container liveness probe configuration,
// the same shape Docker-compatible platforms expose.
type HealthCheck struct {
	Type        HealthCheckType `json:"type"`
	Command     []string        `json:"command,omitempty"`
	HTTPPath    string          `json:"http_path,omitempty"`
	Port        int             `json:"port,omitempty"`
	Interval    time.Duration   `json:"interval"`
	Timeout     time.Duration   `json:"timeout"`
	Retries     int             `json:"retries"`
	StartPeriod time.Duration   `json:"start_period"`
}

// HealthState is the coarse health of a container under its HealthCheck.
type HealthState string

const (
	HealthStarting  HealthState = "starting"
	HealthHealthy   HealthState = "healthy"
	HealthUnhealthy HealthState = "unhealthy"
)

// HealthStatus is the latest observed health of a running container.
type HealthStatus struct {
	State                HealthState `json:"state"`
	ConsecutiveFailures  int         `json:"consecutive_failures"`
	ConsecutiveSuccesses int         `json:"consecutive_successes"`
	LastCheckedAt        time.Time   `json:"last_checked_at"`
	LastMessage          string      `json:"last_message,omitempty"`
}
