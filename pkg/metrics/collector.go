package metrics

import (
	"time"

	"github.com/keelhost/keel/pkg/types"
)

// ContainerLister is the narrow view the collector needs of the container
// service, to avoid a direct dependency cycle with pkg/runtime/pkg/restart.
type ContainerLister interface {
	ListContainers() ([]types.Container, error)
}

// NetworkLister is the narrow view the collector needs of the network
// allocator service (pkg/netalloc.Service).
type NetworkLister interface {
	ListNetworks() ([]types.NetworkState, error)
	AttachmentCount() int
}

// Collector periodically samples the container and network services and
// updates the package-level gauges.
type Collector struct {
	containers ContainerLister
	networks   NetworkLister
	stopCh     chan struct{}
}

// NewCollector creates a metrics collector over the given services. Either
// may be nil, in which case that half of collect() is skipped (useful for
// daemons that haven't wired networking, or tests of one subsystem).
func NewCollector(containers ContainerLister, networks NetworkLister) *Collector {
	return &Collector{containers: containers, networks: networks, stopCh: make(chan struct{})}
}

// Start begins periodic collection on a 15s tick, collecting once immediately.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop halts the collector's background ticker.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectContainerMetrics()
	c.collectNetworkMetrics()
}

func (c *Collector) collectContainerMetrics() {
	if c.containers == nil {
		return
	}
	containers, err := c.containers.ListContainers()
	if err != nil {
		return
	}

	counts := make(map[types.ContainerStatus]int)
	for _, ctr := range containers {
		counts[ctr.Status]++
	}
	for _, status := range []types.ContainerStatus{types.ContainerCreated, types.ContainerRunning, types.ContainerStopped} {
		ContainersTotal.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

func (c *Collector) collectNetworkMetrics() {
	if c.networks == nil {
		return
	}
	networks, err := c.networks.ListNetworks()
	if err != nil {
		return
	}

	counts := make(map[types.NetworkPhase]int)
	for _, n := range networks {
		counts[n.Phase]++
	}
	for _, phase := range []types.NetworkPhase{types.NetworkCreated, types.NetworkRunning} {
		NetworksTotal.WithLabelValues(string(phase)).Set(float64(counts[phase]))
	}

	AttachmentsTotal.Set(float64(c.networks.AttachmentCount()))
}
