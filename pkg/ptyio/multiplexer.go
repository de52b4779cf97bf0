package ptyio

import (
	"os"
	"sync"
	"time"
)

// StdioOwnership is which side of the RPC boundary owns a container's
// stdio descriptors.
type StdioOwnership string

const (
	// StdioServerOwned means keeld created a Session and hands out
	// duplicated client handles via RPC; closing a client handle never
	// affects the original descriptors.
	StdioServerOwned StdioOwnership = "server-owned"
	// StdioClientOwned means the calling client process's own pipes are
	// wired directly to the container, legacy-CLI style.
	StdioClientOwned StdioOwnership = "client-owned"
)

// EnvLegacyStdio is the environment variable that forces
// client-owned stdio even for an interactive terminal container.
const EnvLegacyStdio = "KEEL_LEGACY_STDIO"

// SelectOwnership picks the stdio ownership model for one container launch.
// Server-owned stdio is used for interactive+terminal containers;
// everything else gets client-owned
// pipes, unless explicitly overridden.
func SelectOwnership(interactive, terminal, forceClientOwned bool) StdioOwnership {
	if forceClientOwned {
		return StdioClientOwned
	}
	if interactive && terminal {
		return StdioServerOwned
	}
	return StdioClientOwned
}

// ForceClientOwnedFromEnv reports whether EnvLegacyStdio requests the
// client-owned override.
func ForceClientOwnedFromEnv(lookup func(string) (string, bool)) bool {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	v, ok := lookup(EnvLegacyStdio)
	return ok && v != "" && v != "0" && v != "false"
}

// IoTrackerTimeout bounds how long Wait blocks for configured streams to
// drain before giving up.
const IoTrackerTimeout = 3 * time.Second

// IoTracker signals once every stream it was configured with has reported
// itself drained (EOF/closed), so container teardown can wait for a clean
// flush without risking an indefinite hang on a stuck stream.
type IoTracker struct {
	mu      sync.Mutex
	pending map[string]struct{}
	done    chan struct{}
	once    sync.Once
}

// NewIoTracker creates a tracker waiting on the named streams (e.g.
// "stdout", "stderr").
func NewIoTracker(streams ...string) *IoTracker {
	pending := make(map[string]struct{}, len(streams))
	for _, s := range streams {
		pending[s] = struct{}{}
	}
	t := &IoTracker{pending: pending, done: make(chan struct{})}
	if len(pending) == 0 {
		close(t.done)
	}
	return t
}

// MarkDrained records that the named stream has reached EOF.
func (t *IoTracker) MarkDrained(stream string) {
	t.mu.Lock()
	delete(t.pending, stream)
	empty := len(t.pending) == 0
	t.mu.Unlock()
	if empty {
		t.once.Do(func() { close(t.done) })
	}
}

// Wait blocks until every configured stream is drained or IoTrackerTimeout
// elapses, whichever is first. It reports whether all streams drained
// cleanly.
func (t *IoTracker) Wait() bool {
	select {
	case <-t.done:
		return true
	case <-time.After(IoTrackerTimeout):
		return false
	}
}
