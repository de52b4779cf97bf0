package ptyio

import (
	"errors"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// ErrWouldBlock is returned by writeNonBlocking when the destination's
// kernel buffer is full. Callers treat this as an expected, non-fatal
// condition: the data for this round is simply dropped — EAGAIN on the
// client pipe is expected and non-fatal.
var ErrWouldBlock = errors.New("ptyio: write would block")

// setNonBlocking puts f's underlying file descriptor into O_NONBLOCK mode.
// Client-facing pipes are set non-blocking once, at creation, so a stalled
// reader on the other end can never back-pressure the ring-buffer
// writer.
func setNonBlocking(f *os.File, nonblocking bool) error {
	raw, err := f.SyscallConn()
	if err != nil {
		return err
	}
	var setErr error
	if err := raw.Control(func(fd uintptr) {
		setErr = unix.SetNonblock(int(fd), nonblocking)
	}); err != nil {
		return err
	}
	return setErr
}

// writeNonBlocking performs a single non-blocking write attempt against f's
// raw file descriptor, bypassing Go's runtime poller (which would otherwise
// retry on EAGAIN and turn this into a blocking call). It stops at the first
// EAGAIN/EWOULDBLOCK: if nothing was written yet it returns ErrWouldBlock,
// otherwise it returns the partial count with a nil error.
func writeNonBlocking(f *os.File, p []byte) (int, error) {
	raw, err := f.SyscallConn()
	if err != nil {
		return 0, err
	}

	var (
		written int
		opErr   error
	)
	ctrlErr := raw.Write(func(fd uintptr) bool {
		for written < len(p) {
			n, err := unix.Write(int(fd), p[written:])
			if n > 0 {
				written += n
			}
			if err == nil {
				continue
			}
			if errors.Is(err, unix.EAGAIN) {
				if written == 0 {
					opErr = ErrWouldBlock
				}
				return true
			}
			opErr = err
			return true
		}
		return true
	})
	if ctrlErr != nil {
		return written, ctrlErr
	}
	return written, opErr
}

// readChunk reads up to len(buf) bytes from f. It is a thin wrapper so
// callers get io.EOF normalized the same way regardless of descriptor kind
// (pty master vs. pipe read end).
func readChunk(f *os.File, buf []byte) (int, error) {
	n, err := f.Read(buf)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, err
	}
	return n, err
}
