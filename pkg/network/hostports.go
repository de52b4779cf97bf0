package network

import (
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/keelhost/keel/pkg/types"
)

// HostPortPublisher publishes a container's types.PublishedPort list onto
// the host via iptables DNAT/MASQUERADE/FORWARD rules, adapted from the
// single-host, per-container published-port list
// (Container.Config.PublishedPorts).
type HostPortPublisher struct {
	// mu guards published: the restart supervisor relaunches containers on
	// one goroutine each, so publishes and unpublishes for different
	// containers run concurrently.
	mu sync.Mutex
	// published tracks the rules installed per container so Unpublish can
	// tear them down without the caller re-supplying the container IP.
	published map[string]publishedSet
}

type publishedSet struct {
	containerIP string
	ports       []types.PublishedPort
}

// NewHostPortPublisher creates a new host port publisher.
func NewHostPortPublisher() *HostPortPublisher {
	return &HostPortPublisher{published: make(map[string]publishedSet)}
}

// PublishPorts installs iptables rules forwarding each published port to
// containerIP. On partial failure, already-created rules for this call are
// rolled back and the error is returned.
func (p *HostPortPublisher) PublishPorts(containerID, containerIP string, ports []types.PublishedPort) error {
	if len(ports) == 0 {
		return nil
	}

	for i, port := range ports {
		if err := p.setupPortForwarding(containerIP, port); err != nil {
			p.rollback(containerIP, ports[:i])
			return fmt.Errorf("publish port %d->%d: %w", port.HostPort, port.ContainerPort, err)
		}
	}

	p.mu.Lock()
	p.published[containerID] = publishedSet{containerIP: containerIP, ports: ports}
	p.mu.Unlock()
	return nil
}

// UnpublishPorts removes the iptables rules installed for containerID. It is
// idempotent: a container with nothing published is a no-op.
func (p *HostPortPublisher) UnpublishPorts(containerID string) error {
	p.mu.Lock()
	set, ok := p.published[containerID]
	if ok {
		delete(p.published, containerID)
	}
	p.mu.Unlock()
	if !ok {
		return nil
	}
	p.rollback(set.containerIP, set.ports)
	return nil
}

func (p *HostPortPublisher) rollback(containerIP string, ports []types.PublishedPort) {
	for _, port := range ports {
		p.removePortForwarding(containerIP, port)
	}
}

// setupPortForwarding creates iptables DNAT/MASQUERADE/FORWARD rules:
// host_ip:host_port -> container_ip:container_port.
func (p *HostPortPublisher) setupPortForwarding(containerIP string, port types.PublishedPort) error {
	protocol := strings.ToLower(port.Protocol)
	if protocol == "" {
		protocol = "tcp"
	}

	dnat := []string{
		"-t", "nat", "-A", "PREROUTING",
		"-p", protocol, "--dport", fmt.Sprintf("%d", port.HostPort),
		"-j", "DNAT", "--to-destination", fmt.Sprintf("%s:%d", containerIP, port.ContainerPort),
	}
	if err := runIPTables(dnat); err != nil {
		return fmt.Errorf("add DNAT rule: %w", err)
	}

	masq := []string{
		"-t", "nat", "-A", "POSTROUTING",
		"-p", protocol, "-d", containerIP, "--dport", fmt.Sprintf("%d", port.ContainerPort),
		"-j", "MASQUERADE",
	}
	if err := runIPTables(masq); err != nil {
		p.removePortForwarding(containerIP, port)
		return fmt.Errorf("add MASQUERADE rule: %w", err)
	}

	forward := []string{
		"-A", "FORWARD",
		"-p", protocol, "-d", containerIP, "--dport", fmt.Sprintf("%d", port.ContainerPort),
		"-j", "ACCEPT",
	}
	if err := runIPTables(forward); err != nil {
		p.removePortForwarding(containerIP, port)
		return fmt.Errorf("add FORWARD rule: %w", err)
	}

	return nil
}

// removePortForwarding removes the three rules setupPortForwarding installs.
// Errors are ignored: a rule may already be gone (idempotent teardown).
func (p *HostPortPublisher) removePortForwarding(containerIP string, port types.PublishedPort) {
	protocol := strings.ToLower(port.Protocol)
	if protocol == "" {
		protocol = "tcp"
	}

	runIPTables([]string{
		"-t", "nat", "-D", "PREROUTING",
		"-p", protocol, "--dport", fmt.Sprintf("%d", port.HostPort),
		"-j", "DNAT", "--to-destination", fmt.Sprintf("%s:%d", containerIP, port.ContainerPort),
	})
	runIPTables([]string{
		"-t", "nat", "-D", "POSTROUTING",
		"-p", protocol, "-d", containerIP, "--dport", fmt.Sprintf("%d", port.ContainerPort),
		"-j", "MASQUERADE",
	})
	runIPTables([]string{
		"-D", "FORWARD",
		"-p", protocol, "-d", containerIP, "--dport", fmt.Sprintf("%d", port.ContainerPort),
		"-j", "ACCEPT",
	})
}

// runIPTables executes an iptables command.
func runIPTables(args []string) error {
	cmd := exec.Command("iptables", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("iptables failed: %w (output: %s)", err, string(output))
	}
	return nil
}

// GetPublishedPorts returns the ports currently published for a container.
func (p *HostPortPublisher) GetPublishedPorts(containerID string) []types.PublishedPort {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.published[containerID].ports
}
