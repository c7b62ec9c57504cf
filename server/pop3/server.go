package pop3

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

// Backend is the part of a storage backend a POP3 session needs.
type Backend interface {
	storage.UserValidator
	storage.Authenticator
	storage.MailboxStore
}

type POP3Server struct {
	addr     string
	name     string
	hostname string
	backend  Backend
	appCtx   context.Context
	cancel   context.CancelFunc

	// Connection counters
	totalConnections         atomic.Int64
	authenticatedConnections atomic.Int64

	// Connection limiting
	limiter *serverPkg.ConnectionLimiter

	commandTimeout time.Duration
	drainTimeout   time.Duration

	listenerMu sync.Mutex
	listener   net.Listener

	// Active session tracking for graceful shutdown
	activeSessionsMutex sync.RWMutex
	activeSessions      map[*POP3Session]struct{}
	sessionsWg          sync.WaitGroup // Tracks active sessions for graceful drain
}

type POP3ServerOptions struct {
	MaxConnections      int
	MaxConnectionsPerIP int
	CommandTimeout      time.Duration // Maximum idle time before disconnection (0 = no limit)
	DrainTimeout        time.Duration // How long Close waits for sessions (0 = 30s)
}

func New(appCtx context.Context, name, hostname, popAddr string, backend Backend, options POP3ServerOptions) (*POP3Server, error) {
	if backend == nil {
		return nil, errors.New("pop3: no storage backend")
	}

	// Create a new context with a cancel function for clean shutdown
	serverCtx, serverCancel := context.WithCancel(appCtx)

	server := &POP3Server{
		hostname:       hostname,
		name:           name,
		addr:           popAddr,
		backend:        backend,
		appCtx:         serverCtx,
		cancel:         serverCancel,
		commandTimeout: options.CommandTimeout,
		drainTimeout:   options.DrainTimeout,
		activeSessions: make(map[*POP3Session]struct{}),
	}
	if server.drainTimeout <= 0 {
		server.drainTimeout = 30 * time.Second
	}

	server.limiter = serverPkg.NewConnectionLimiter("POP3", options.MaxConnections, options.MaxConnectionsPerIP)

	return server, nil
}

// Start listens on the configured address and serves until Close. Fatal
// listener errors are sent to errChan.
func (s *POP3Server) Start(errChan chan error) {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.cancel()
		errChan <- fmt.Errorf("failed to create listener: %w", err)
		return
	}
	logger.Info("POP3 server listening", "name", s.name, "addr", listener.Addr().String(), "idle_timeout", s.commandTimeout)

	if err := s.Serve(listener); err != nil {
		errChan <- err
	}
}

// Serve accepts connections on listener until Close is called. It returns
// nil after a graceful stop.
func (s *POP3Server) Serve(listener net.Listener) error {
	s.listenerMu.Lock()
	s.listener = listener
	s.listenerMu.Unlock()
	defer listener.Close()

	// Use a goroutine to monitor application context cancellation
	go func() {
		<-s.appCtx.Done()
		logger.Debug("POP3: stopping", "name", s.name)
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			// Check if the error is due to the listener being closed (graceful shutdown)
			select {
			case <-s.appCtx.Done():
				logger.Info("POP3 server stopped gracefully", "name", s.name)
				return nil
			default:
				return err
			}
		}

		releaseConn, err := s.limiter.Accept(conn.RemoteAddr())
		if err != nil {
			logger.Debug("POP3: Connection rejected", "name", s.name, "error", err)
			metrics.ConnectionsRejected.WithLabelValues(consts.ProtocolPOP3).Inc()
			_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
			_, _ = fmt.Fprint(conn, "-ERR Too many connections\r\n")
			conn.Close()
			continue
		}

		// Create a new context for this session that inherits from app context
		sessionCtx, sessionCancel := context.WithCancel(s.appCtx)

		totalCount := s.totalConnections.Add(1)
		authCount := s.authenticatedConnections.Load()

		// Prometheus metrics - connection established
		metrics.ConnectionsTotal.WithLabelValues(consts.ProtocolPOP3).Inc()
		metrics.ConnectionsCurrent.WithLabelValues(consts.ProtocolPOP3).Inc()

		session := &POP3Session{
			server:      s,
			conn:        conn,
			reader:      serverPkg.NewLineReader(conn, s.commandTimeout),
			writer:      bufio.NewWriter(conn),
			state:       stateGreeting,
			deleted:     make(map[int]bool),
			ctx:         sessionCtx,
			cancel:      sessionCancel,
			releaseConn: releaseConn,
			startTime:   time.Now(),
		}
		session.RemoteIP = serverPkg.ConnRemoteIP(conn)
		session.Protocol = "POP3"
		session.ServerName = s.name
		session.Id = idgen.New()
		session.HostName = s.hostname
		session.Stats = s

		logger.Debug("POP3: new connection", "name", s.name, "remote", session.RemoteIP, "total_connections", totalCount, "authenticated_connections", authCount)

		// Track session for graceful shutdown
		s.addSession(session)

		s.sessionsWg.Add(1)
		go func() {
			defer s.sessionsWg.Done()
			session.handleConnection()
		}()
	}
}

// Addr returns the address the server is listening on, or nil before Serve.
func (s *POP3Server) Addr() net.Addr {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops accepting, tells clients the server is going away, closes
// their connections and waits for the sessions to end. Sessions cut off
// this way never commit their pending deletions.
func (s *POP3Server) Close() {
	// Step 1: Cancel context to stop the accept loop
	if s.cancel != nil {
		s.cancel()
	}

	// Step 2: Notify clients and close connections to unblock any reads
	s.sendGracefulShutdownMessage()

	// Step 3: Wait for active sessions to finish (with timeout)
	s.waitForSessionsDrain(s.drainTimeout)
}

// waitForSessionsDrain waits for all active sessions to finish with a timeout
func (s *POP3Server) waitForSessionsDrain(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		s.sessionsWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Debug("POP3: All sessions drained gracefully", "name", s.name)
	case <-time.After(timeout):
		logger.Warn("POP3: Session drain timeout, forcing shutdown", "name", s.name, "timeout", timeout)
	}
}

// addSession tracks an active session for graceful shutdown
func (s *POP3Server) addSession(session *POP3Session) {
	s.activeSessionsMutex.Lock()
	defer s.activeSessionsMutex.Unlock()
	s.activeSessions[session] = struct{}{}
}

// removeSession removes a session from active tracking
func (s *POP3Server) removeSession(session *POP3Session) {
	s.activeSessionsMutex.Lock()
	defer s.activeSessionsMutex.Unlock()
	delete(s.activeSessions, session)
}

// sendGracefulShutdownMessage writes a best-effort notice to every active
// session and closes its connection.
func (s *POP3Server) sendGracefulShutdownMessage() {
	s.activeSessionsMutex.RLock()
	activeSessions := make([]*POP3Session, 0, len(s.activeSessions))
	for session := range s.activeSessions {
		activeSessions = append(activeSessions, session)
	}
	s.activeSessionsMutex.RUnlock()

	if len(activeSessions) == 0 {
		return
	}

	logger.Info("POP3: Sending shutdown notice to active connections", "name", s.name, "count", len(activeSessions))

	for _, session := range activeSessions {
		// Write directly to the connection; the session's writer is owned by its goroutine.
		_ = session.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_, _ = fmt.Fprint(session.conn, "-ERR Server shutting down, please reconnect\r\n")
		session.conn.Close()
	}

	logger.Debug("POP3: Proceeding with connection cleanup", "name", s.name)
}

// GetTotalConnections returns the current total connection count
func (s *POP3Server) GetTotalConnections() int64 {
	return s.totalConnections.Load()
}

// GetAuthenticatedConnections returns the current authenticated connection count
func (s *POP3Server) GetAuthenticatedConnections() int64 {
	return s.authenticatedConnections.Load()
}
