// Package dns implements keel's authoritative DNS server for container
// hostname resolution: one UDP and one TCP listener per network gateway,
// answering from that network's attachment directory and falling back to
// upstream forwarding for names it doesn't own.
package dns

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/keelhost/keel/pkg/log"
	"github.com/keelhost/keel/pkg/metrics"
	"github.com/miekg/dns"

	"github.com/keelhost/keel/pkg/dnswire"
)

const (
	// DefaultDomain is the search domain keel's DNS server strips from
	// queries before looking them up in the attachment directory.
	DefaultDomain = "keel"

	// DefaultUpstream is the fallback resolver used for names keel
	// doesn't own.
	DefaultUpstream = "8.8.8.8:53"

	// maxUDPMessageSize is the largest response keel will send over UDP
	// without setting the truncation bit.
	maxUDPMessageSize = 512

	// maxTCPConnections is the per-listener concurrent connection cap; the
	// 129th concurrent client is refused immediately.
	maxTCPConnections = 128

	// tcpIdleTimeout is how long a TCP connection may go without a
	// completed request/response round trip before the watchdog closes
	// it.
	tcpIdleTimeout = 30 * time.Second

	// watchdogInterval is how often the idle watchdog samples connection
	// activity; min(1s, tcpIdleTimeout) per the polling cadence this is
	// modeled on.
	watchdogInterval = 1 * time.Second
)

// dnsPort is the port Bind listens on for both UDP and TCP. It is a var
// rather than a const purely so tests can swap in an unprivileged port
// without needing root to bind :53.
var dnsPort = "53"

// Config holds DNS server configuration.
type Config struct {
	Domain   string   // search domain stripped from queries (default "keel")
	Upstream []string // upstream resolvers for names keel doesn't own
}

func (c *Config) withDefaults() *Config {
	cfg := Config{Domain: DefaultDomain, Upstream: []string{DefaultUpstream}}
	if c != nil {
		if c.Domain != "" {
			cfg.Domain = c.Domain
		}
		if len(c.Upstream) > 0 {
			cfg.Upstream = c.Upstream
		}
	}
	return &cfg
}

// Server is keel's authoritative DNS server. One Server manages a
// dynamically-bound listener per network: Bind is called when a network
// gains a gateway, Unbind when the gateway goes away, so a network's DNS
// answers stop the moment it's deleted instead of returning stale data.
type Server struct {
	directory Directory
	domain    string
	handlers  []Handler

	mu        sync.Mutex
	listeners map[string]*networkListener
}

// NewServer creates a DNS server resolving against directory.
func NewServer(directory Directory, cfg *Config) *Server {
	c := cfg.withDefaults()
	client := &dns.Client{Net: "udp"}

	return &Server{
		directory: directory,
		domain:    c.Domain,
		handlers: []Handler{
			hostnameHandler(directory, c.Domain),
			forwardHandler(client, c.Upstream),
		},
		listeners: make(map[string]*networkListener),
	}
}

// networkListener owns the UDP and TCP sockets bound to one network's
// gateway address.
type networkListener struct {
	networkID string
	udpConn   *net.UDPConn
	tcpLn     net.Listener
	sem       chan struct{}
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// Bind starts UDP and TCP listeners on gatewayIP:53 for networkID. It is a
// no-op if the network is already bound.
func (s *Server) Bind(ctx context.Context, networkID, gatewayIP string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.listeners[networkID]; exists {
		return nil
	}

	addr := net.JoinHostPort(gatewayIP, dnsPort)

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("resolve DNS UDP address %s: %w", addr, err)
	}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("bind DNS UDP listener on %s: %w", addr, err)
	}

	tcpLn, err := net.Listen("tcp", addr)
	if err != nil {
		udpConn.Close()
		return fmt.Errorf("bind DNS TCP listener on %s: %w", addr, err)
	}

	listenerCtx, cancel := context.WithCancel(ctx)
	nl := &networkListener{
		networkID: networkID,
		udpConn:   udpConn,
		tcpLn:     tcpLn,
		sem:       make(chan struct{}, maxTCPConnections),
		cancel:    cancel,
	}

	nl.wg.Add(2)
	go func() {
		defer nl.wg.Done()
		s.serveUDP(listenerCtx, nl)
	}()
	go func() {
		defer nl.wg.Done()
		s.serveTCP(listenerCtx, nl)
	}()

	s.listeners[networkID] = nl

	log.Logger.Info().
		Str("component", "dns").
		Str("network", networkID).
		Str("address", addr).
		Msg("bound DNS listener to network gateway")

	return nil
}

// Unbind stops the listeners for networkID, if any are bound.
func (s *Server) Unbind(networkID string) error {
	s.mu.Lock()
	nl, exists := s.listeners[networkID]
	if exists {
		delete(s.listeners, networkID)
	}
	s.mu.Unlock()

	if !exists {
		return nil
	}

	nl.cancel()
	nl.udpConn.Close()
	nl.tcpLn.Close()
	nl.wg.Wait()

	log.Logger.Info().
		Str("component", "dns").
		Str("network", networkID).
		Msg("unbound DNS listener from network gateway")

	return nil
}

// IsBound reports whether networkID currently has a listener.
func (s *Server) IsBound(networkID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.listeners[networkID]
	return ok
}

// Shutdown unbinds every network.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		if err := s.Unbind(id); err != nil {
			return err
		}
	}
	return nil
}

// dispatch runs the handler chain and normalizes the NODATA/NXDOMAIN
// distinction on whatever comes out of it.
func (s *Server) dispatch(networkID string, req *dns.Msg) *dns.Msg {
	for _, h := range s.handlers {
		if resp, handled := h(networkID, req); handled {
			dnswire.NormalizeRcode(resp)
			return resp
		}
	}

	resp := dnswire.NotImplemented(req)
	dnswire.NormalizeRcode(resp)
	return resp
}

func (s *Server) serveUDP(ctx context.Context, nl *networkListener) {
	buf := make([]byte, 65535)
	for {
		n, addr, err := nl.udpConn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				log.Logger.Debug().Str("component", "dns").Err(err).Msg("UDP read error")
				continue
			}
		}

		req := new(dns.Msg)
		if err := req.Unpack(buf[:n]); err != nil {
			continue
		}

		resp := s.dispatch(nl.networkID, req)
		s.recordQuery("udp", resp.Rcode)

		packed, err := resp.Pack()
		if err != nil {
			continue
		}
		if len(packed) > maxUDPMessageSize {
			packed = truncatedUDPResponse(resp)
		}

		nl.udpConn.WriteToUDP(packed, addr)
	}
}

// truncatedUDPResponse builds a response with the truncation bit set and
// no answers, fitting comfortably under maxUDPMessageSize, for when the
// full answer set wouldn't.
func truncatedUDPResponse(resp *dns.Msg) []byte {
	short := new(dns.Msg)
	short.SetReply(resp)
	short.Truncated = true
	short.Rcode = resp.Rcode
	packed, err := short.Pack()
	if err != nil {
		return nil
	}
	return packed
}

func (s *Server) serveTCP(ctx context.Context, nl *networkListener) {
	for {
		conn, err := nl.tcpLn.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				continue
			}
		}

		select {
		case nl.sem <- struct{}{}:
			metrics.DNSTCPConnectionsActive.Inc()
			go func() {
				defer func() {
					<-nl.sem
					metrics.DNSTCPConnectionsActive.Dec()
				}()
				s.handleTCPConn(ctx, nl, conn)
			}()
		default:
			metrics.DNSTCPConnectionsRejected.Inc()
			conn.Close()
		}
	}
}

func (s *Server) handleTCPConn(ctx context.Context, nl *networkListener, conn net.Conn) {
	defer conn.Close()

	var lastActivity atomic.Int64
	lastActivity.Store(time.Now().UnixNano())

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		ticker := time.NewTicker(watchdogInterval)
		defer ticker.Stop()
		for {
			select {
			case <-connCtx.Done():
				return
			case <-ticker.C:
				idleSince := time.Since(time.Unix(0, lastActivity.Load()))
				if idleSince >= tcpIdleTimeout {
					conn.Close()
					return
				}
			}
		}
	}()

	for {
		req, err := dnswire.ReadTCPMessage(conn)
		if err != nil {
			return
		}

		resp := s.dispatch(nl.networkID, req)
		s.recordQuery("tcp", resp.Rcode)

		if err := dnswire.WriteTCPMessage(conn, resp); err != nil {
			return
		}

		lastActivity.Store(time.Now().UnixNano())
	}
}

func (s *Server) recordQuery(transport string, rcode int) {
	metrics.DNSQueriesTotal.WithLabelValues(transport, dns.RcodeToString[rcode]).Inc()
}
