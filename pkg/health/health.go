package health

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/keelhost/keel/pkg/apierr"
	"github.com/keelhost/keel/pkg/types"
)

// Result is one probe outcome.
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker runs one probe kind against a container.
type Checker interface {
	Check(ctx context.Context) Result
	Type() types.HealthCheckType
}

// New builds the Checker for cfg. host is the container's reachable
// address; HTTP and TCP probes dial host:cfg.Port, exec probes run
// cfg.Command.
func New(cfg types.HealthCheck, host string) (Checker, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(cfg.Port))
	switch cfg.Type {
	case types.HealthCheckHTTP:
		return NewHTTPChecker("http://"+addr+cfg.HTTPPath, cfg.Timeout), nil
	case types.HealthCheckTCP:
		return NewTCPChecker(addr, cfg.Timeout), nil
	case types.HealthCheckExec:
		return NewExecChecker(cfg.Command, cfg.Timeout), nil
	default:
		return nil, apierr.New(apierr.InvalidArgument, "unknown health check type %q", cfg.Type)
	}
}

// Status folds consecutive Results into the healthy/unhealthy decision.
// A container starts presumed healthy and flips unhealthy only after
// `retries` consecutive failures; one success flips it back.
type Status struct {
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastCheck            time.Time
	LastResult           Result
	Healthy              bool
	StartedAt            time.Time
}

// NewStatus returns a Status presumed healthy, stamped with the monitor's
// start time for the start-period grace window.
func NewStatus() *Status {
	return &Status{Healthy: true, StartedAt: time.Now()}
}

// Update folds one result in. retries is the consecutive-failure
// threshold from the container's HealthCheck.
func (s *Status) Update(result Result, retries int) {
	s.LastCheck = result.CheckedAt
	s.LastResult = result

	if result.Healthy {
		s.ConsecutiveSuccesses++
		s.ConsecutiveFailures = 0
		s.Healthy = true
		return
	}
	s.ConsecutiveFailures++
	s.ConsecutiveSuccesses = 0
	if s.ConsecutiveFailures >= retries {
		s.Healthy = false
	}
}

// InStartPeriod reports whether the monitor is still inside the
// container's startup grace window; probes during it are skipped.
func (s *Status) InStartPeriod(startPeriod time.Duration) bool {
	return startPeriod > 0 && time.Since(s.StartedAt) < startPeriod
}
