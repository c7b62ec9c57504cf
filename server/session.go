package server

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/migadu/dewey/logger"
)

// ConnectionStatsProvider defines an interface for getting connection statistics
type ConnectionStatsProvider interface {
	GetTotalConnections() int64
	GetAuthenticatedConnections() int64
}

// Session carries the identity of one client connection for logging.
// Protocol sessions embed it.
type Session struct {
	Id         string
	RemoteIP   string
	User       string // Empty until the client names a user
	HostName   string
	ServerName string // Name of the server instance (e.g., "popd")
	Protocol   string
	Stats      ConnectionStatsProvider
}

func (s *Session) Log(format string, args ...any) {
	s.log(slog.LevelInfo, format, args...)
}

func (s *Session) DebugLog(format string, args ...any) {
	s.log(slog.LevelDebug, format, args...)
}

func (s *Session) WarnLog(format string, args ...any) {
	s.log(slog.LevelWarn, format, args...)
}

func (s *Session) log(level slog.Level, format string, args ...any) {
	user := s.User
	if user == "" {
		user = "none"
	}

	protocol := s.Protocol
	if s.ServerName != "" {
		protocol = fmt.Sprintf("%s-%s", s.Protocol, s.ServerName)
	}

	kv := []any{"protocol", protocol, "remote", s.RemoteIP, "user", user, "session", s.Id}
	if s.Stats != nil {
		kv = append(kv, "conn_total", s.Stats.GetTotalConnections(), "conn_auth", s.Stats.GetAuthenticatedConnections())
	}
	kv = append(kv, "msg", fmt.Sprintf(format, args...))
	logger.Log(level, "Session", kv...)
}

// ConnRemoteIP returns the IP part of a connection's remote address.
func ConnRemoteIP(conn net.Conn) string {
	addr := conn.RemoteAddr()
	if addr == nil {
		return "unknown"
	}
	if host, _, err := net.SplitHostPort(addr.String()); err == nil {
		return host
	}
	return addr.String()
}
