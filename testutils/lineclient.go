package testutils

import (
	"bufio"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// LineClient speaks a CRLF line protocol to a server under test. Every
// read fails the test after a short timeout instead of hanging.
type LineClient struct {
	t      *testing.T
	Conn   net.Conn
	reader *bufio.Reader
}

// DialLine connects to addr and registers cleanup of the connection.
func DialLine(t *testing.T, addr string) *LineClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &LineClient{t: t, Conn: conn, reader: bufio.NewReader(conn)}
}

// Send writes line followed by CRLF.
func (c *LineClient) Send(line string) {
	c.t.Helper()
	_, err := c.Conn.Write([]byte(line + "\r\n"))
	require.NoError(c.t, err)
}

// SendRaw writes data as is.
func (c *LineClient) SendRaw(data string) {
	c.t.Helper()
	_, err := c.Conn.Write([]byte(data))
	require.NoError(c.t, err)
}

// ReadLine returns the next line without its CRLF.
func (c *LineClient) ReadLine() string {
	c.t.Helper()
	require.NoError(c.t, c.Conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	line, err := c.reader.ReadString('\n')
	require.NoError(c.t, err, "reading reply")
	return strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")
}

// Cmd sends line and returns the first reply line.
func (c *LineClient) Cmd(line string) string {
	c.t.Helper()
	c.Send(line)
	return c.ReadLine()
}

// ReadMultiline collects lines up to, but not including, the "." terminator.
func (c *LineClient) ReadMultiline() []string {
	c.t.Helper()
	var lines []string
	for {
		line := c.ReadLine()
		if line == "." {
			return lines
		}
		lines = append(lines, line)
	}
}

// ExpectClosed asserts that the server closes the connection without
// sending anything more.
func (c *LineClient) ExpectClosed() {
	c.t.Helper()
	require.NoError(c.t, c.Conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	line, err := c.reader.ReadString('\n')
	require.Error(c.t, err, "expected connection to be closed, got %q", line)
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		c.t.Fatalf("connection still open")
	}
}
