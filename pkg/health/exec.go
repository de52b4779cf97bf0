package health

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/keelhost/keel/pkg/types"
)

// CommandRunner executes a probe command and returns its combined output.
// The default runner execs on the host; a runner that execs inside the
// container's task is supplied by whoever owns the runtime handle.
type CommandRunner func(ctx context.Context, argv []string) (output string, err error)

// ExecChecker probes by running a command; exit code 0 is healthy.
type ExecChecker struct {
	Command []string
	Timeout time.Duration
	Runner  CommandRunner
}

// NewExecChecker probes with argv. A zero timeout defaults to 10s.
func NewExecChecker(argv []string, timeout time.Duration) *ExecChecker {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ExecChecker{Command: argv, Timeout: timeout, Runner: hostRunner}
}

func hostRunner(ctx context.Context, argv []string) (string, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.String(), err
}

func (e *ExecChecker) Check(ctx context.Context) Result {
	start := time.Now()

	if len(e.Command) == 0 {
		return Result{Message: "no command configured", CheckedAt: start, Duration: time.Since(start)}
	}

	execCtx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	output, err := e.Runner(execCtx, e.Command)
	if len(output) > 200 {
		output = output[:200] + "..."
	}
	if err != nil {
		return Result{
			Message:   fmt.Sprintf("%v: %v: %s", e.Command, err, output),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	return Result{Healthy: true, Message: output, CheckedAt: start, Duration: time.Since(start)}
}

func (e *ExecChecker) Type() types.HealthCheckType { return types.HealthCheckExec }
