/*
Package dns implements keel's authoritative DNS server for container
hostname resolution within a network, following RFC 1035 over both UDP
and length-prefixed TCP.

# Model

Every network keel manages gets its own DNS listener, bound to that
network's gateway IP the moment the network gains one and unbound the
moment it's deleted (see Server.Bind / Server.Unbind, driven by
pkg/netalloc). Queries are resolved against that network's attachment
directory: a hostname is only visible to containers attached to the same
network, and stops resolving the instant its attachment is torn down.

Queries for names the directory doesn't recognize fall through to
upstream forwarding (Config.Upstream), matching how container runtimes
typically layer an embedded resolver over the host's real DNS.

# NODATA vs NXDOMAIN

A hostname that exists but has no record of the queried type (an AAAA
query against an IPv4-only container) gets rcode noError with zero
answers — NODATA. A name the directory and every upstream both fail to
resolve gets upgraded to nonExistentDomain — NXDOMAIN. This distinction
is applied uniformly by dnswire.NormalizeRcode after the handler chain
runs, so handlers only need to report "found" or "not found," not pick
an rcode.

# Limits

Each network's TCP listener accepts at most 128 concurrent connections;
the 129th is refused immediately. A TCP connection idle for more than 30
seconds is closed by a watchdog goroutine. A UDP response that would
exceed 512 bytes is replaced with a truncated, answer-less reply with
the TC bit set, so the client retries over TCP.

# See Also

  - pkg/dnswire - wire framing and NODATA/NXDOMAIN normalization
  - pkg/netalloc - implements Directory and drives Bind/Unbind
*/
package dns
