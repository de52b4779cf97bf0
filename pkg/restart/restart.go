// Package restart implements the restart-policy supervisor:
// per-container exponential backoff with a stability window that resets
// the delay once a container has proven it can stay up.
package restart

import (
	"context"
	"sync"
	"time"

	"github.com/keelhost/keel/pkg/apierr"
	"github.com/keelhost/keel/pkg/log"
	"github.com/keelhost/keel/pkg/metrics"
	"github.com/keelhost/keel/pkg/types"
)

const (
	initialBackoff = 100 * time.Millisecond
	maxBackoff     = 10 * time.Second
)

// stabilityWindow returns the minimum contiguous run duration that resets a
// container's backoff to initialBackoff. Chosen as 2x the current backoff
// cap, floored at 2s: over 8 back-to-back failures the backoff saturates at
// maxBackoff (100ms, 200ms, ..., 10s), so a run that outlives 2x that
// ceiling is unambiguously "stable" rather than one more crash in the same
// storm.
func stabilityWindow(currentBackoff time.Duration) time.Duration {
	w := 2 * currentBackoff
	if w < 2*time.Second {
		return 2 * time.Second
	}
	return w
}

// Launcher starts a container's init process and waits for it to exit.
// Implementations live in pkg/container; Supervisor only knows how to
// decide whether and when to call Launch again.
type Launcher interface {
	// Launch starts the container and blocks until it exits, returning the
	// process exit code. It returns an error only if the container could
	// not be started at all (not for a nonzero exit).
	Launch(ctx context.Context, containerID string) (exitCode int, err error)
}

// Supervisor runs one restart loop per container, each independent of the
// others: a stuck backoff on one container never blocks another's restarts.
type Supervisor struct {
	launcher Launcher

	mu      sync.Mutex
	workers map[string]*worker
}

// New creates a Supervisor that launches containers through launcher.
// launcher may be nil at construction time and wired in afterward with
// SetLauncher, since pkg/container's Service is itself the Launcher and
// needs this Supervisor to exist before it can be constructed.
func New(launcher Launcher) *Supervisor {
	return &Supervisor{
		launcher: launcher,
		workers:  make(map[string]*worker),
	}
}

// SetLauncher wires launcher in after construction. Call it once, before
// the first Supervise.
func (s *Supervisor) SetLauncher(launcher Launcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.launcher = launcher
}

type worker struct {
	cancel  context.CancelFunc
	stopped bool // true once the container was stopped manually (docker stop semantics)
	mu      sync.Mutex
}

// Supervise starts watching containerID under policy. It is idempotent:
// calling it again for an already-supervised container is a no-op unless
// Forget was called first.
func (s *Supervisor) Supervise(ctx context.Context, containerID string, policy types.RestartPolicy) {
	s.mu.Lock()
	if _, exists := s.workers[containerID]; exists {
		s.mu.Unlock()
		return
	}
	wctx, cancel := context.WithCancel(ctx)
	w := &worker{cancel: cancel}
	s.workers[containerID] = w
	s.mu.Unlock()

	go s.run(wctx, containerID, policy, w)
}

// MarkStopped records that containerID was stopped by explicit user action,
// so the supervisor's current or next exit observation will not restart it
// under `onFailure` or `always`.
func (s *Supervisor) MarkStopped(containerID string) {
	s.mu.Lock()
	w := s.workers[containerID]
	s.mu.Unlock()
	if w == nil {
		return
	}
	w.mu.Lock()
	w.stopped = true
	w.mu.Unlock()
}

// Forget stops supervising containerID (e.g. on container removal).
func (s *Supervisor) Forget(containerID string) {
	s.mu.Lock()
	w, exists := s.workers[containerID]
	if exists {
		delete(s.workers, containerID)
	}
	s.mu.Unlock()
	if exists {
		w.cancel()
	}
}

func (s *Supervisor) run(ctx context.Context, containerID string, policy types.RestartPolicy, w *worker) {
	logger := log.WithComponent("restart").With().Str("container_id", containerID).Logger()
	backoff := initialBackoff

	for {
		metrics.RestartAttemptsTotal.WithLabelValues(string(policy.Name)).Inc()

		start := time.Now()
		exitCode, err := s.launcher.Launch(ctx, containerID)
		ran := time.Since(start)

		if err != nil {
			if apierr.Of(err) == apierr.Cancelled || ctx.Err() != nil {
				return
			}
			logger.Warn().Err(err).Msg("failed to launch container")
		}

		w.mu.Lock()
		stopped := w.stopped
		w.mu.Unlock()

		if ctx.Err() != nil {
			return
		}

		if !shouldRestart(policy, exitCode, err, stopped) {
			s.Forget(containerID)
			return
		}

		if ran >= stabilityWindow(backoff) {
			backoff = initialBackoff
		}

		metrics.RestartBackoffSeconds.WithLabelValues(containerID).Set(backoff.Seconds())
		logger.Info().Dur("backoff", backoff).Msg("restarting container")

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func shouldRestart(policy types.RestartPolicy, exitCode int, launchErr error, manuallyStopped bool) bool {
	if manuallyStopped {
		return false
	}
	switch policy.Name {
	case types.RestartNo:
		return false
	case types.RestartOnFailure:
		return launchErr != nil || exitCode != 0
	case types.RestartAlways:
		return true
	default:
		return false
	}
}
