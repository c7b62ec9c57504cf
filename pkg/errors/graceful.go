// Package errors reports start-up and runtime failures of the dewey
// binaries and turns them into a process exit code.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/migadu/dewey/logger"
)

// Exit codes returned by WaitForExit.
const (
	ExitOK      = 0
	ExitFailure = 1
	ExitConfig  = 2
)

// ErrInvalidConfig marks a configuration that parsed but failed validation.
var ErrInvalidConfig = stderrors.New("invalid configuration")

type GracefulError struct {
	Operation string
	Err       error
}

func (g *GracefulError) Error() string {
	return fmt.Sprintf("operation '%s' failed: %v", g.Operation, g.Err)
}

func (g *GracefulError) Unwrap() error {
	return g.Err
}

func NewGracefulError(operation string, err error) *GracefulError {
	return &GracefulError{
		Operation: operation,
		Err:       err,
	}
}

// ErrorHandler collects the first failure of a binary. Messages go to out
// as plain text because the structured logger may not be configured yet.
type ErrorHandler struct {
	exitChannel chan int
	prog        string
	out         io.Writer
}

func NewErrorHandler(prog string, out io.Writer) *ErrorHandler {
	if out == nil {
		out = os.Stderr
	}
	return &ErrorHandler{
		exitChannel: make(chan int, 1),
		prog:        prog,
		out:         out,
	}
}

func (eh *ErrorHandler) exit(code int) {
	select {
	case eh.exitChannel <- code:
	default:
	}
}

func (eh *ErrorHandler) FatalError(operation string, err error) {
	gracefulErr := NewGracefulError(operation, err)
	fmt.Fprintf(eh.out, "%s: FATAL: %v\n", eh.prog, gracefulErr)
	logger.Error("Fatal error", "operation", operation, "error", err)
	eh.exit(ExitFailure)
}

// ConfigError reports a configuration file that is missing, unparsable or
// invalid. Validation failures are recognized by ErrInvalidConfig.
func (eh *ErrorHandler) ConfigError(configPath string, err error) {
	switch {
	case stderrors.Is(err, os.ErrNotExist):
		fmt.Fprintf(eh.out, "%s: ERROR: configuration file '%s' not found: %v\n", eh.prog, configPath, err)
	case stderrors.Is(err, ErrInvalidConfig):
		fmt.Fprintf(eh.out, "%s: ERROR: %v\n", eh.prog, err)
	default:
		fmt.Fprintf(eh.out, "%s: ERROR: failed to parse configuration file '%s': %v\n", eh.prog, configPath, err)
	}
	eh.exit(ExitConfig)
}

func (eh *ErrorHandler) WaitForExit() int {
	return <-eh.exitChannel
}

func (eh *ErrorHandler) WaitForExitWithTimeout(timeout time.Duration) (int, bool) {
	select {
	case code := <-eh.exitChannel:
		return code, true
	case <-time.After(timeout):
		return ExitOK, false
	}
}

func (eh *ErrorHandler) Shutdown(ctx context.Context) {
	select {
	case <-ctx.Done():
		logger.Info("Graceful shutdown initiated", "program", eh.prog)
	default:
		logger.Warn("Unexpected shutdown", "program", eh.prog)
	}
}
