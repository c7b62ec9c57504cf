package smtp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/migadu/dewey/consts"
	"github.com/migadu/dewey/logger"
	"github.com/migadu/dewey/pkg/metrics"
	serverPkg "github.com/migadu/dewey/server"
	"github.com/migadu/dewey/server/idgen"
	"github.com/migadu/dewey/storage"
)

// Backend is the part of a storage backend an SMTP session needs.
type Backend interface {
	storage.UserValidator
	storage.DeliveryAgent
}

type SMTPServer struct {
	addr     string
	name     string
	hostname string
	backend  Backend
	appCtx   context.Context
	cancel   context.CancelFunc

	totalConnections atomic.Int64

	limiter *serverPkg.ConnectionLimiter

	commandTimeout time.Duration
	drainTimeout   time.Duration
	maxMessageSize int64
	spoolDir       string

	listenerMu sync.Mutex
	listener   net.Listener

	// Active session tracking for graceful shutdown
	activeSessionsMutex sync.RWMutex
	activeSessions      map[*SMTPSession]struct{}
	sessionsWg          sync.WaitGroup
}

type SMTPServerOptions struct {
	MaxConnections      int
	MaxConnectionsPerIP int
	CommandTimeout      time.Duration // Maximum idle time before disconnection (0 = no limit)
	DrainTimeout        time.Duration // How long Close waits for sessions (0 = 30s)
	MaxMessageSize      int64         // Largest accepted DATA body in bytes (0 = unlimited)
	SpoolDir            string        // Directory for DATA spool files (empty = os.TempDir())
}

func New(appCtx context.Context, name, hostname, smtpAddr string, backend Backend, options SMTPServerOptions) (*SMTPServer, error) {
	if backend == nil {
		return nil, errors.New("smtp: no storage backend")
	}

	serverCtx, serverCancel := context.WithCancel(appCtx)

	server := &SMTPServer{
		hostname:       hostname,
		name:           name,
		addr:           smtpAddr,
		backend:        backend,
		appCtx:         serverCtx,
		cancel:         serverCancel,
		commandTimeout: options.CommandTimeout,
		drainTimeout:   options.DrainTimeout,
		maxMessageSize: options.MaxMessageSize,
		spoolDir:       options.SpoolDir,
		activeSessions: make(map[*SMTPSession]struct{}),
	}
	if server.drainTimeout <= 0 {
		server.drainTimeout = 30 * time.Second
	}

	server.limiter = serverPkg.NewConnectionLimiter("SMTP", options.MaxConnections, options.MaxConnectionsPerIP)

	return server, nil
}

// Start listens on the configured address and serves until Close. Fatal
// listener errors are sent to errChan.
func (s *SMTPServer) Start(errChan chan error) {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.cancel()
		errChan <- fmt.Errorf("failed to create listener: %w", err)
		return
	}
	logger.Info("SMTP server listening", "name", s.name, "addr", listener.Addr().String(), "idle_timeout", s.commandTimeout, "max_message_size", s.maxMessageSize)

	if err := s.Serve(listener); err != nil {
		errChan <- err
	}
}

// Serve accepts connections on listener until Close is called.
func (s *SMTPServer) Serve(listener net.Listener) error {
	s.listenerMu.Lock()
	s.listener = listener
	s.listenerMu.Unlock()
	defer listener.Close()

	go func() {
		<-s.appCtx.Done()
		logger.Debug("SMTP: stopping", "name", s.name)
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.appCtx.Done():
				logger.Info("SMTP server stopped gracefully", "name", s.name)
				return nil
			default:
				return err
			}
		}

		releaseConn, err := s.limiter.Accept(conn.RemoteAddr())
		if err != nil {
			logger.Debug("SMTP: Connection rejected", "name", s.name, "error", err)
			metrics.ConnectionsRejected.WithLabelValues(consts.ProtocolSMTP).Inc()
			_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
			_, _ = fmt.Fprintf(conn, "421 %s Too many connections\r\n", s.hostname)
			conn.Close()
			continue
		}

		sessionCtx, sessionCancel := context.WithCancel(s.appCtx)
		totalCount := s.totalConnections.Add(1)

		metrics.ConnectionsTotal.WithLabelValues(consts.ProtocolSMTP).Inc()
		metrics.ConnectionsCurrent.WithLabelValues(consts.ProtocolSMTP).Inc()

		session := &SMTPSession{
			server:      s,
			conn:        conn,
			reader:      serverPkg.NewLineReader(conn, s.commandTimeout),
			writer:      bufio.NewWriter(conn),
			state:       stateGreet,
			ctx:         sessionCtx,
			cancel:      sessionCancel,
			releaseConn: releaseConn,
			startTime:   time.Now(),
		}
		session.RemoteIP = serverPkg.ConnRemoteIP(conn)
		session.Protocol = "SMTP"
		session.ServerName = s.name
		session.Id = idgen.New()
		session.HostName = s.hostname
		session.Stats = s

		logger.Debug("SMTP: new connection", "name", s.name, "remote", session.RemoteIP, "total_connections", totalCount)

		s.addSession(session)
		s.sessionsWg.Add(1)
		go func() {
			defer s.sessionsWg.Done()
			session.handleConnection()
		}()
	}
}

// Addr returns the address the server is listening on, or nil before Serve.
func (s *SMTPServer) Addr() net.Addr {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops accepting, closes every session's connection and waits for
// the sessions to end. A transaction cut off this way is never delivered.
func (s *SMTPServer) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	s.sendGracefulShutdownMessage()
	s.waitForSessionsDrain(s.drainTimeout)
}

func (s *SMTPServer) waitForSessionsDrain(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		s.sessionsWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Debug("SMTP: All sessions drained gracefully", "name", s.name)
	case <-time.After(timeout):
		logger.Warn("SMTP: Session drain timeout, forcing shutdown", "name", s.name, "timeout", timeout)
	}
}

func (s *SMTPServer) addSession(session *SMTPSession) {
	s.activeSessionsMutex.Lock()
	defer s.activeSessionsMutex.Unlock()
	s.activeSessions[session] = struct{}{}
}

func (s *SMTPServer) removeSession(session *SMTPSession) {
	s.activeSessionsMutex.Lock()
	defer s.activeSessionsMutex.Unlock()
	delete(s.activeSessions, session)
}

func (s *SMTPServer) sendGracefulShutdownMessage() {
	s.activeSessionsMutex.RLock()
	activeSessions := make([]*SMTPSession, 0, len(s.activeSessions))
	for session := range s.activeSessions {
		activeSessions = append(activeSessions, session)
	}
	s.activeSessionsMutex.RUnlock()

	if len(activeSessions) == 0 {
		return
	}

	logger.Info("SMTP: Sending shutdown notice to active connections", "name", s.name, "count", len(activeSessions))

	for _, session := range activeSessions {
		_ = session.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_, _ = fmt.Fprintf(session.conn, "421 %s Service not available, closing transmission channel\r\n", s.hostname)
		session.conn.Close()
	}
}

// GetTotalConnections returns the current connection count
func (s *SMTPServer) GetTotalConnections() int64 {
	return s.totalConnections.Load()
}

// GetAuthenticatedConnections always returns 0: submission sessions do not log in.
func (s *SMTPServer) GetAuthenticatedConnections() int64 {
	return 0
}
