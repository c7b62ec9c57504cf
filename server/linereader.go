package server

import (
	"bufio"
	"errors"
	"io"
	"time"
)

// MaxLineLength is the longest accepted line, excluding its terminator.
const MaxLineLength = 1024

// ErrLineTooLong is returned for a line over MaxLineLength. The line has
// already been consumed and the reader is positioned at the next one.
var ErrLineTooLong = errors.New("line too long")

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

// LineReader yields one CRLF or LF terminated line per call.
type LineReader struct {
	r           *bufio.Reader
	deadline    readDeadliner
	idleTimeout time.Duration
}

// NewLineReader wraps r. When r supports read deadlines and idleTimeout is
// positive, every ReadLine call fails with a timeout after idleTimeout of silence.
func NewLineReader(r io.Reader, idleTimeout time.Duration) *LineReader {
	lr := &LineReader{
		// Room for the longest line plus CRLF
		r:           bufio.NewReaderSize(r, MaxLineLength+2),
		idleTimeout: idleTimeout,
	}
	if d, ok := r.(readDeadliner); ok && idleTimeout > 0 {
		lr.deadline = d
	}
	return lr
}

// ReadLine returns the next line without its terminator. An empty line is
// returned as "" with a nil error. End of stream, including a final line
// with no terminator, is reported as io.EOF.
func (lr *LineReader) ReadLine() (string, error) {
	if lr.deadline != nil {
		if err := lr.deadline.SetReadDeadline(time.Now().Add(lr.idleTimeout)); err != nil {
			return "", err
		}
	}

	line, err := lr.r.ReadSlice('\n')
	if errors.Is(err, bufio.ErrBufferFull) {
		for errors.Is(err, bufio.ErrBufferFull) {
			_, err = lr.r.ReadSlice('\n')
		}
		if err != nil {
			return "", err
		}
		return "", ErrLineTooLong
	}
	if err != nil {
		return "", err
	}

	line = line[:len(line)-1]
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	if len(line) > MaxLineLength {
		return "", ErrLineTooLong
	}
	return string(line), nil
}
