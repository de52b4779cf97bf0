package health

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/keelhost/keel/pkg/types"
)

// TCPChecker probes by completing a TCP handshake with the container.
type TCPChecker struct {
	Address string
	Timeout time.Duration
}

// NewTCPChecker probes address. A zero timeout defaults to 5s.
func NewTCPChecker(address string, timeout time.Duration) *TCPChecker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &TCPChecker{Address: address, Timeout: timeout}
}

func (t *TCPChecker) Check(ctx context.Context) Result {
	start := time.Now()

	dialer := &net.Dialer{Timeout: t.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", t.Address)
	if err != nil {
		return Result{Message: fmt.Sprintf("connect %s: %v", t.Address, err), CheckedAt: start, Duration: time.Since(start)}
	}
	conn.Close()

	return Result{Healthy: true, Message: "connected to " + t.Address, CheckedAt: start, Duration: time.Since(start)}
}

func (t *TCPChecker) Type() types.HealthCheckType { return types.HealthCheckTCP }
