package server

import (
	"errors"
	"io"
	"net"
	"os"
	"syscall"
)

// IsConnectionError checks if an error is a common, non-fatal network connection error.
// Sessions that hit one simply end; anything else is worth a warning in the log.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) {
		return true
	}

	// Reset or broken pipe, whether wrapped in *net.OpError or *os.SyscallError
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}

	var syscallErr *os.SyscallError
	if errors.As(err, &syscallErr) {
		return errors.Is(syscallErr.Err, syscall.ECONNABORTED)
	}

	return false
}
