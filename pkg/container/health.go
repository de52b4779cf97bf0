package container

import (
	"context"
	"time"

	"github.com/keelhost/keel/pkg/health"
	"github.com/keelhost/keel/pkg/log"
	"github.com/keelhost/keel/pkg/types"
)

// healthMonitor runs one container's configured HealthCheck on a ticker,
// translating pkg/health's generic Checker/Status into the persisted
// types.HealthStatus field on the container record.
type healthMonitor struct {
	cancel context.CancelFunc
}

// startHealthMonitor begins periodic probing for containerID if cfg is
// non-nil; a nil cfg (no health check configured) is a no-op.
func (s *Service) startHealthMonitor(containerID string, cfg *types.HealthCheck) {
	if cfg == nil {
		return
	}

	ip, err := s.runtime.GetContainerIP(s.rootCtx, containerID)
	if err != nil {
		ip = "127.0.0.1"
	}

	checker, err := health.New(*cfg, ip)
	if err != nil {
		logger := log.WithComponent("container")
		logger.Warn().Err(err).Str("container_id", containerID).Msg("invalid health check configuration")
		return
	}

	ctx, cancel := context.WithCancel(s.rootCtx)
	s.mu.Lock()
	s.health[containerID] = &healthMonitor{cancel: cancel}
	s.mu.Unlock()

	go s.runHealthMonitor(ctx, containerID, checker, cfg)
}

// stopHealthMonitor cancels and forgets containerID's monitor, if any.
func (s *Service) stopHealthMonitor(containerID string) {
	s.mu.Lock()
	m, ok := s.health[containerID]
	if ok {
		delete(s.health, containerID)
	}
	s.mu.Unlock()
	if ok {
		m.cancel()
	}
}

func (s *Service) runHealthMonitor(ctx context.Context, containerID string, checker health.Checker, cfg *types.HealthCheck) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	retries := cfg.Retries
	if retries <= 0 {
		retries = 3
	}
	status := health.NewStatus()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if status.InStartPeriod(cfg.StartPeriod) {
				continue
			}
			checkCtx, cancel := context.WithTimeout(ctx, timeout)
			result := checker.Check(checkCtx)
			cancel()
			status.Update(result, retries)
			s.recordHealth(containerID, status)
		}
	}
}

func (s *Service) recordHealth(containerID string, status *health.Status) {
	c, err := s.store.GetContainer(containerID)
	if err != nil {
		return
	}
	state := types.HealthHealthy
	if !status.Healthy {
		state = types.HealthUnhealthy
	}
	c.HealthStatus = &types.HealthStatus{
		State:                state,
		ConsecutiveFailures:  status.ConsecutiveFailures,
		ConsecutiveSuccesses: status.ConsecutiveSuccesses,
		LastCheckedAt:        status.LastCheck,
		LastMessage:          status.LastResult.Message,
	}
	s.store.UpdateContainer(c)
}

