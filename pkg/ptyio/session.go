// Package ptyio implements keel's server-owned stdio: one Session per
// container multiplexes a single PTY or pipe trio across any number of
// concurrently attached RPC clients, backed by a ring-buffered history so a
// late attacher can catch up, plus the stdio-ownership
// selection and drain tracking the container I/O multiplexer needs.
package ptyio

import (
	"errors"
	"os"
	"sync"
	"sync/atomic"

	"github.com/creack/pty"
	"github.com/google/uuid"

	"github.com/keelhost/keel/pkg/apierr"
	"github.com/keelhost/keel/pkg/log"
	"github.com/keelhost/keel/pkg/metrics"
	"github.com/keelhost/keel/pkg/types"
)

// readChunkSize is the largest read the server performs per loop iteration
// off a container's output descriptor.
const readChunkSize = 4096

// DefaultDetachKeys is the byte sequence that ends a client's attachment
// without touching the container: Ctrl-P, Ctrl-Q, the same default most
// container CLIs use.
var DefaultDetachKeys = []byte{0x10, 0x11}

var truncationNotice = []byte("\r\n*** history buffer wrapped: earlier output was discarded ***\r\n")

// client is one attached RPC client's server-side state.
type client struct {
	id         string
	pipeR      *os.File
	pipeW      *os.File
	replaying  atomic.Bool
	detachKeys []byte
	matched    int
	detachedCh chan struct{}
	detachOnce sync.Once
}

func (c *client) markDetached() {
	c.detachOnce.Do(func() { close(c.detachedCh) })
}

// filterDetach scans p for the client's detach key sequence. It returns the
// bytes that should still be forwarded to the container (with any matched
// sequence bytes stripped) and whether the sequence completed in this call.
func (c *client) filterDetach(p []byte) (pass []byte, detached bool) {
	if len(c.detachKeys) == 0 {
		return p, false
	}
	for _, b := range p {
		if b == c.detachKeys[c.matched] {
			c.matched++
			if c.matched == len(c.detachKeys) {
				c.matched = 0
				return pass, true
			}
			continue
		}
		if c.matched > 0 {
			// False start: the held prefix was never part of a real
			// sequence, so it passes through verbatim.
			pass = append(pass, c.detachKeys[:c.matched]...)
			c.matched = 0
		}
		if b == c.detachKeys[0] {
			c.matched = 1
			continue
		}
		pass = append(pass, b)
	}
	return pass, false
}

// Client is the handle returned to an attacher. Output is the read end of a
// dedicated, non-blocking pipe the session writes live/history bytes into;
// the RPC layer streams it to the remote caller and duplicates it on
// hand-off so closing one copy never affects the session's original.
type Client struct {
	ID     string
	Output *os.File

	session *Session
	c       *client
}

// Write forwards client keystrokes to the container, after stripping any
// completed or partial detach key sequence. A completed sequence closes the
// Detached channel instead of reaching the container.
func (cl *Client) Write(p []byte) (int, error) {
	return cl.session.input(cl.c, p)
}

// Detached is closed once this client's detach key sequence has been
// observed on its input.
func (cl *Client) Detached() <-chan struct{} {
	return cl.c.detachedCh
}

// Close detaches the client from its session.
func (cl *Client) Close() error {
	return cl.session.Detach(cl.ID)
}

// AttachOptions configures one client attachment.
type AttachOptions struct {
	// NoHistory skips the replay of buffered history; the client only
	// observes bytes written after it attaches.
	NoHistory bool
	// DetachKeys overrides DefaultDetachKeys for this client.
	DetachKeys []byte
}

// Session is the server-owned stdio for one container.
type Session struct {
	containerID string
	mode        types.IOMode
	ring        *RingBuffer

	// outs are the descriptors the server reads container output from:
	// the pty master (len 1) or the stdout/stderr pipe read ends (len 2).
	outs []*os.File
	// inW is the descriptor the server writes forwarded client input
	// into: the pty master, or the stdin pipe write end.
	inW *os.File

	// containerStdin/Stdout/Stderr are the descriptors handed to the
	// container's init process.
	containerStdin, containerStdout, containerStderr *os.File

	sigCount SignalCounter

	mu      sync.Mutex
	clients map[string]*client
	closed  bool
}

// NewSession allocates server-owned stdio for a container: a real PTY pair
// when terminal is true, three pipes otherwise.
func NewSession(containerID string, terminal bool, ringCapacity int) (*Session, error) {
	s := &Session{
		containerID: containerID,
		ring:        NewRingBuffer(ringCapacity),
		clients:     make(map[string]*client),
	}

	if terminal {
		s.mode = types.IOModePTY
		master, slave, err := pty.Open()
		if err != nil {
			return nil, apierr.Wrap(apierr.Internal, err, "open pty for container %s", containerID)
		}
		if err := setNonBlocking(master, true); err != nil {
			master.Close()
			slave.Close()
			return nil, apierr.Wrap(apierr.Internal, err, "set pty master non-blocking")
		}
		s.outs = []*os.File{master}
		s.inW = master
		s.containerStdin, s.containerStdout, s.containerStderr = slave, slave, slave
	} else {
		s.mode = types.IOModePipes
		stdinR, stdinW, err := os.Pipe()
		if err != nil {
			return nil, apierr.Wrap(apierr.Internal, err, "open stdin pipe for container %s", containerID)
		}
		stdoutR, stdoutW, err := os.Pipe()
		if err != nil {
			return nil, apierr.Wrap(apierr.Internal, err, "open stdout pipe for container %s", containerID)
		}
		stderrR, stderrW, err := os.Pipe()
		if err != nil {
			return nil, apierr.Wrap(apierr.Internal, err, "open stderr pipe for container %s", containerID)
		}
		s.outs = []*os.File{stdoutR, stderrR}
		s.inW = stdinW
		s.containerStdin, s.containerStdout, s.containerStderr = stdinR, stdoutW, stderrW
	}

	for _, out := range s.outs {
		go s.readLoop(out)
	}

	metrics.PTYSessionsActive.Inc()
	return s, nil
}

// ContainerStdio returns the descriptors to hand to the container's init
// process. In pty mode all three are the same slave fd.
func (s *Session) ContainerStdio() (stdin, stdout, stderr *os.File) {
	return s.containerStdin, s.containerStdout, s.containerStderr
}

// Mode reports whether this session is backed by a pty or plain pipes.
func (s *Session) Mode() types.IOMode { return s.mode }

func (s *Session) readLoop(f *os.File) {
	buf := make([]byte, readChunkSize)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			s.ring.Write(chunk)
			s.broadcast(chunk)
		}
		if err != nil {
			return
		}
	}
}

// broadcast fans a freshly read chunk out to every attached client that
// isn't currently mid-replay, dropping it on a non-blocking write failure
// rather than stalling the reader.
func (s *Session) broadcast(p []byte) {
	s.mu.Lock()
	targets := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		targets = append(targets, c)
	}
	s.mu.Unlock()

	for _, c := range targets {
		if c.replaying.Load() {
			continue
		}
		if _, err := writeNonBlocking(c.pipeW, p); err != nil {
			if errors.Is(err, ErrWouldBlock) {
				metrics.PTYRingBufferDroppedBytes.WithLabelValues(s.containerID).Add(float64(len(p)))
				continue
			}
			log.Logger.Debug().Str("component", "ptyio").Str("client", c.id).Err(err).Msg("client pipe write failed")
		}
	}
}

// Attach registers a new client and, unless NoHistory is set, replays
// buffered history to it before the client starts observing live bytes.
func (s *Session) Attach(opts AttachOptions) (*Client, error) {
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, err, "open client pipe")
	}
	if err := setNonBlocking(pw, true); err != nil {
		pr.Close()
		pw.Close()
		return nil, apierr.Wrap(apierr.Internal, err, "set client pipe non-blocking")
	}

	detachKeys := opts.DetachKeys
	if detachKeys == nil {
		detachKeys = DefaultDetachKeys
	}

	c := &client{
		id:         uuid.NewString(),
		pipeR:      pr,
		pipeW:      pw,
		detachKeys: detachKeys,
		detachedCh: make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		pr.Close()
		pw.Close()
		return nil, apierr.New(apierr.InvalidState, "session for %s is closed", s.containerID)
	}
	s.clients[c.id] = c
	s.mu.Unlock()
	metrics.PTYClientsAttached.Inc()

	if !opts.NoHistory {
		s.sendHistory(c)
	}

	return &Client{ID: c.id, Output: pr, session: s, c: c}, nil
}

// sendHistory replays the ring buffer's current contents to a just-attached
// client. While in progress the client is marked replaying so broadcast
// skips it, and bytes read from the container concurrently are still
// appended to the ring buffer but are not forwarded to this client.
func (s *Session) sendHistory(c *client) {
	c.replaying.Store(true)
	defer c.replaying.Store(false)

	data, wrapped := s.ring.Snapshot()
	if wrapped {
		data = append(append([]byte(nil), truncationNotice...), data...)
		s.ring.ResetWrapped()
	}
	if len(data) == 0 {
		return
	}

	if err := setNonBlocking(c.pipeW, false); err != nil {
		log.Logger.Warn().Str("component", "ptyio").Str("client", c.id).Err(err).Msg("failed to clear non-blocking for history replay")
		return
	}
	defer func() {
		if err := setNonBlocking(c.pipeW, true); err != nil {
			log.Logger.Warn().Str("component", "ptyio").Str("client", c.id).Err(err).Msg("failed to restore non-blocking after history replay")
		}
	}()

	if _, err := c.pipeW.Write(data); err != nil {
		log.Logger.Debug().Str("component", "ptyio").Str("client", c.id).Err(err).Msg("history replay write failed")
	}
}

// input filters and forwards one client's keystrokes. The full length of p
// is reported as consumed even when bytes are withheld as a detach-key
// match, since from the caller's perspective the write fully succeeded.
func (s *Session) input(c *client, p []byte) (int, error) {
	pass, detached := c.filterDetach(p)
	if detached {
		c.markDetached()
	}
	if len(pass) == 0 {
		return len(p), nil
	}
	if _, err := s.inW.Write(pass); err != nil {
		return 0, apierr.Wrap(apierr.Internal, err, "forward input to container %s", s.containerID)
	}
	return len(p), nil
}

// Detach removes a client. It is idempotent: detaching an already-detached
// or unknown client ID is a no-op.
func (s *Session) Detach(clientID string) error {
	s.mu.Lock()
	c, ok := s.clients[clientID]
	if ok {
		delete(s.clients, clientID)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	c.markDetached()
	c.pipeW.Close()
	c.pipeR.Close()
	metrics.PTYClientsAttached.Dec()
	return nil
}

// ClientCount reports the number of currently attached clients.
func (s *Session) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// RecordSignal registers one SIGINT/SIGTERM observed on a non-terminal
// session's input and reports whether the forced-exit threshold has been
// reached.
func (s *Session) RecordSignal() bool {
	return s.sigCount.Record()
}

// History returns a snapshot of the ring buffer without affecting any
// client's replay state.
func (s *Session) History() []byte {
	return s.ring.ReadAll()
}

// Close detaches every client and releases the session's descriptors. It
// does not touch the container process itself, which is the caller's
// responsibility to stop first.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ids := make([]string, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.Detach(id)
	}

	for _, out := range s.outs {
		out.Close()
	}
	s.inW.Close()
	s.containerStdin.Close()
	if s.containerStdout != s.containerStdin {
		s.containerStdout.Close()
	}
	if s.containerStderr != s.containerStdin && s.containerStderr != s.containerStdout {
		s.containerStderr.Close()
	}

	metrics.PTYSessionsActive.Dec()
	return nil
}
