/*
Package network publishes container ports on the host.

HostPortPublisher maps a container's published-port list
(types.PublishedPort) onto iptables DNAT/FORWARD/MASQUERADE rules keyed
by container id, so UnpublishPorts can remove exactly the rules a
container added. Address allocation and the per-network gateway live in
pkg/netalloc; this package only handles the host-side port plumbing.
*/
package network
