/*
Package health probes container liveness.

A Checker runs one probe kind — HTTP GET against a container port, TCP
connect, or exec of a command through a CommandRunner — and reports a
Result. The ExecChecker that NewExecChecker builds runs its command on the
host; no runner that execs inside the container's task is provided here. New builds
the right Checker from a container's types.HealthCheck. Status folds
consecutive results into the healthy/unhealthy decision using the
check's retry threshold and start-period grace window.

pkg/container owns the per-container monitor goroutine that drives a
Checker on its interval and writes the outcome back onto the container
record as types.HealthStatus.
*/
package health
