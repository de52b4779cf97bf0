package ptyio

import "sync/atomic"

// SignalExitThreshold is how many SIGINT/SIGTERM observations on a
// non-terminal attachment's input force the client to exit: a container
// with no real tty can't rely on the kernel's own signal delivery
// semantics to make repeated Ctrl-C "just work."
const SignalExitThreshold = 3

// SignalCounter tracks consecutive termination signals for one non-tty
// attachment.
type SignalCounter struct {
	count atomic.Int32
}

// Record registers one signal and reports whether the threshold has now
// been reached.
func (c *SignalCounter) Record() bool {
	return c.count.Add(1) >= SignalExitThreshold
}

// Reset clears the counter.
func (c *SignalCounter) Reset() {
	c.count.Store(0)
}
