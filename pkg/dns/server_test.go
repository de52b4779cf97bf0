package dns

import (
	"context"
	"net"
	"testing"

	"github.com/miekg/dns"
)

func TestServerDispatchResolvesKnownHostname(t *testing.T) {
	dir := newMemDirectory()
	dir.set("net-1", "web", Record{IPv4: net.IPv4(10, 0, 0, 5)})

	s := NewServer(dir, &Config{Domain: "keel", Upstream: nil})

	resp := s.dispatch("net-1", aQuery("web.keel"))
	if resp.Rcode != dns.RcodeSuccess {
		t.Errorf("Rcode = %v, want RcodeSuccess", resp.Rcode)
	}
	if len(resp.Answer) != 1 {
		t.Fatalf("Answer count = %d, want 1", len(resp.Answer))
	}
}

// Spec edge case: a name unknown to the directory and unresolved upstream
// becomes NXDOMAIN, not notImplemented or some other leftover rcode. With
// Upstream nil the server falls back to DefaultUpstream; the query gets
// NXDOMAIN whether that resolver is unreachable or answers for "nope.keel."
// itself.
func TestServerDispatchSynthesizesNXDOMAIN(t *testing.T) {
	dir := newMemDirectory()
	s := NewServer(dir, &Config{Domain: "keel", Upstream: nil})

	resp := s.dispatch("net-1", aQuery("nope.keel"))
	if resp.Rcode != dns.RcodeNameError {
		t.Errorf("Rcode = %v, want RcodeNameError (NXDOMAIN)", resp.Rcode)
	}
	if len(resp.Answer) != 0 {
		t.Errorf("Answer count = %d, want 0", len(resp.Answer))
	}
}

func TestServerDispatchNodataForWrongFamily(t *testing.T) {
	dir := newMemDirectory()
	dir.set("net-1", "host", Record{IPv4: net.IPv4(10, 0, 0, 9)})
	s := NewServer(dir, &Config{Domain: "keel", Upstream: nil})

	resp := s.dispatch("net-1", aaaaQuery("host.keel"))
	if resp.Rcode != dns.RcodeSuccess {
		t.Errorf("Rcode = %v, want RcodeSuccess (NODATA)", resp.Rcode)
	}
	if len(resp.Answer) != 0 {
		t.Errorf("Answer count = %d, want 0", len(resp.Answer))
	}
}

func TestBindUnbindLifecycle(t *testing.T) {
	dnsPort = "0" // unprivileged ephemeral port for the test process
	defer func() { dnsPort = "53" }()

	dir := newMemDirectory()
	s := NewServer(dir, nil)

	if err := s.Bind(context.Background(), "net-1", "127.0.0.1"); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	if !s.IsBound("net-1") {
		t.Error("IsBound() = false after Bind()")
	}

	// Binding the same network again is a no-op, not an error.
	if err := s.Bind(context.Background(), "net-1", "127.0.0.1"); err != nil {
		t.Fatalf("second Bind() error = %v", err)
	}

	if err := s.Unbind("net-1"); err != nil {
		t.Fatalf("Unbind() error = %v", err)
	}
	if s.IsBound("net-1") {
		t.Error("IsBound() = true after Unbind()")
	}

	// Unbinding an unknown network is a no-op.
	if err := s.Unbind("never-bound"); err != nil {
		t.Errorf("Unbind() on unknown network error = %v, want nil", err)
	}
}
