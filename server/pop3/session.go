package pop3

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/migadu/dewey/consts"
	"github.com/migadu/dewey/helpers"
	"github.com/migadu/dewey/pkg/metrics"
	"github.com/migadu/dewey/server"
	"github.com/migadu/dewey/storage"
)

type sessionState int

const (
	stateGreeting sessionState = iota
	stateAuthUsername
	stateAuthPassword
	stateTransaction
	stateUpdate
)

func (st sessionState) String() string {
	switch st {
	case stateGreeting:
		return "GREETING"
	case stateAuthUsername:
		return "AUTH_USERNAME"
	case stateAuthPassword:
		return "AUTH_PASSWORD"
	case stateTransaction:
		return "TRANSACTION"
	case stateUpdate:
		return "UPDATE"
	}
	return "UNKNOWN"
}

var verbs = server.NewVerbSet(
	[]string{"USER", "PASS", "STAT", "LIST", "RETR", "DELE", "RSET", "NOOP", "QUIT"},
	[]string{"TOP", "UIDL", "APOP"},
)

type POP3Session struct {
	server.Session
	server      *POP3Server
	conn        net.Conn
	reader      *server.LineReader
	writer      *bufio.Writer
	state       sessionState
	messages    []storage.Message // Mailbox snapshot taken at login; indexes never shift
	deleted     map[int]bool      // Soft-deleted messages by 0-based index
	ctx         context.Context
	cancel      context.CancelFunc
	releaseConn func()
	startTime   time.Time
	replyOK     bool // Whether the last reply was positive, for metrics
}

func (s *POP3Session) handleConnection() {
	defer s.cancel()
	defer s.Close()

	s.reply(true, "POP3 server ready")
	if err := s.writer.Flush(); err != nil {
		s.logStreamError(err)
		return
	}
	s.state = stateAuthUsername
	s.Log("connected")

	for {
		line, err := s.reader.ReadLine()
		if err != nil {
			if errors.Is(err, server.ErrLineTooLong) {
				s.reply(false, "Line is too long")
				if err := s.writer.Flush(); err != nil {
					s.logStreamError(err)
					return
				}
				continue
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				s.reply(false, "Connection timed out due to inactivity")
				_ = s.writer.Flush()
				s.Log("timed out")
				return
			}
			s.logStreamError(err)
			return
		}

		cmd := server.ParseCommand(line)
		s.DebugLog("C: %s", helpers.MaskSensitive(line, cmd.Verb, "PASS"))

		start := time.Now()
		quit, err := s.handleCommand(&cmd)
		s.observeCommand(cmd.Verb, start)
		if err == nil {
			err = s.writer.Flush()
		}
		if err != nil {
			s.logStreamError(err)
			return
		}
		if quit {
			return
		}
	}
}

// handleCommand runs one command. It returns quit when the session is over
// and a non-nil error when the connection can no longer be used.
func (s *POP3Session) handleCommand(cmd *server.Command) (quit bool, err error) {
	switch verbs.Classify(cmd.Verb) {
	case server.VerbUnsupported:
		s.reply(false, "Unsupported command: %s", cmd.Verb)
		return false, nil
	case server.VerbUnknown:
		s.reply(false, "Invalid command: %s", cmd.Verb)
		s.DebugLog("unknown command: %s", cmd.Verb)
		return false, nil
	}

	switch cmd.Verb {
	case "USER":
		s.handleUser(&cmd.Args)
	case "PASS":
		s.handlePass(&cmd.Args)
	case "STAT":
		s.handleStat(&cmd.Args)
	case "LIST":
		s.handleList(&cmd.Args)
	case "RETR":
		return false, s.handleRetr(&cmd.Args)
	case "DELE":
		s.handleDele(&cmd.Args)
	case "RSET":
		s.handleRset(&cmd.Args)
	case "NOOP":
		s.reply(true, "")
	case "QUIT":
		s.handleQuit()
		return true, nil
	}
	return false, nil
}

func (s *POP3Session) handleUser(args *server.Cursor) {
	if s.state == stateTransaction {
		s.reply(false, "Already logged in")
		return
	}
	name, ok := args.Next()
	if !ok {
		s.reply(false, "Missing user name")
		return
	}
	if !args.Empty() {
		s.reply(false, "Too many arguments")
		return
	}

	// A new USER always discards the previous attempt
	s.User = ""
	s.state = stateAuthUsername

	exists, err := s.server.backend.UserExists(s.ctx, name)
	if err != nil {
		s.WarnLog("USER lookup failed: %v", err)
		s.reply(false, "Internal server error")
		return
	}
	if !exists {
		s.reply(false, "No such user")
		return
	}

	s.User = name
	s.state = stateAuthPassword
	s.reply(true, "User accepted")
}

func (s *POP3Session) handlePass(args *server.Cursor) {
	switch s.state {
	case stateTransaction:
		s.reply(false, "Already logged in")
		return
	case stateAuthUsername:
		s.reply(false, "USER required first")
		return
	}

	password := args.Rest()
	if password == "" {
		s.reply(false, "Missing password")
		return
	}

	if err := s.server.backend.Authenticate(s.ctx, s.User, password); err != nil {
		metrics.AuthenticationAttempts.WithLabelValues(consts.ProtocolPOP3, "failure").Inc()
		if errors.Is(err, consts.ErrAuthFailed) {
			s.Log("authentication failed")
			s.reply(false, "Invalid password")
		} else {
			s.WarnLog("authentication error: %v", err)
			s.reply(false, "Internal server error")
		}
		s.resetAuth()
		return
	}
	metrics.AuthenticationAttempts.WithLabelValues(consts.ProtocolPOP3, "success").Inc()

	messages, err := s.server.backend.ListMessages(s.ctx, s.User)
	if err != nil {
		s.WarnLog("failed to list mailbox: %v", err)
		s.reply(false, "Unable to open maildrop")
		s.resetAuth()
		return
	}

	s.messages = messages
	s.deleted = make(map[int]bool)
	s.state = stateTransaction

	authCount := s.server.authenticatedConnections.Add(1)
	metrics.AuthenticatedConnectionsCurrent.WithLabelValues(consts.ProtocolPOP3).Inc()

	count, size := liveStats(s.messages, s.deleted)
	s.Log("authenticated (messages=%d, octets=%d, authenticated connections=%d)", count, size, authCount)
	s.reply(true, "Maildrop ready, %d messages (%d octets)", count, size)
}

// resetAuth forgets the pending user after a failed login.
func (s *POP3Session) resetAuth() {
	s.User = ""
	s.state = stateAuthUsername
}

func (s *POP3Session) handleStat(args *server.Cursor) {
	if !s.requireTransaction() || !s.noArguments(args) {
		return
	}
	count, size := liveStats(s.messages, s.deleted)
	s.reply(true, "%d %d", count, size)
}

func (s *POP3Session) handleList(args *server.Cursor) {
	if !s.requireTransaction() {
		return
	}
	if args.Empty() {
		count, size := liveStats(s.messages, s.deleted)
		s.reply(true, "%d messages (%d octets)", count, size)
		for _, line := range buildListResponseLines(s.messages, s.deleted) {
			s.writeLine(line)
		}
		s.writeLine(server.EndOfData)
		return
	}

	msgNumber, ok := s.messageNumber(args)
	if !ok {
		return
	}
	if found, line := buildSingleListResponse(s.messages, s.deleted, msgNumber); found {
		s.reply(true, "%s", line)
		return
	}
	s.reply(false, "No such message")
}

func (s *POP3Session) handleRetr(args *server.Cursor) error {
	if !s.requireTransaction() {
		return nil
	}
	msgNumber, ok := s.messageNumber(args)
	if !ok {
		return nil
	}
	if !visible(s.messages, s.deleted, msgNumber) {
		s.reply(false, "No such message")
		return nil
	}

	msg := s.messages[msgNumber-1]
	body, err := s.server.backend.OpenMessage(s.ctx, s.User, msg)
	if err != nil {
		s.WarnLog("RETR %d: failed to open message %s: %v", msgNumber, msg.ID, err)
		s.reply(false, "Message not available")
		return nil
	}
	defer body.Close()

	s.reply(true, "%d octets", msg.Size)
	if err := writeMessage(s.writer, body); err != nil {
		// The positive reply is already on its way; there is no way to signal
		// the failure other than dropping the connection.
		return fmt.Errorf("RETR %d: %w", msgNumber, err)
	}
	s.writeLine(server.EndOfData)

	metrics.MessagesRetrieved.Inc()
	s.DebugLog("retrieved message %d (%s)", msgNumber, msg.ID)
	return nil
}

func (s *POP3Session) handleDele(args *server.Cursor) {
	if !s.requireTransaction() {
		return
	}
	msgNumber, ok := s.messageNumber(args)
	if !ok {
		return
	}
	if msgNumber < 1 || msgNumber > len(s.messages) {
		s.reply(false, "No such message")
		return
	}
	if s.deleted[msgNumber-1] {
		s.reply(false, "Message %d already deleted", msgNumber)
		return
	}
	s.deleted[msgNumber-1] = true
	s.reply(true, "Message %d deleted", msgNumber)
}

func (s *POP3Session) handleRset(args *server.Cursor) {
	if !s.requireTransaction() || !s.noArguments(args) {
		return
	}
	restored, _ := computeDeletedStats(s.messages, s.deleted)
	s.deleted = make(map[int]bool)
	s.reply(true, "%d messages restored", restored)
}

func (s *POP3Session) handleQuit() {
	if s.state != stateTransaction {
		s.reply(true, "%s POP3 server signing off", consts.ServerName)
		return
	}

	s.state = stateUpdate
	var expunge []storage.Message
	for i, msg := range s.messages {
		if s.deleted[i] {
			expunge = append(expunge, msg)
		}
	}

	if len(expunge) > 0 {
		if err := s.server.backend.ExpungeMessages(s.ctx, s.User, expunge); err != nil {
			s.WarnLog("error expunging %d messages: %v", len(expunge), err)
			s.reply(false, "Some deleted messages not removed")
			return
		}
		metrics.MessagesExpunged.Add(float64(len(expunge)))
		s.Log("expunged %d messages", len(expunge))
	}

	s.reply(true, "%s POP3 server signing off (%d messages left)", consts.ServerName, countNonDeletedMessages(s.messages, s.deleted))
}

func (s *POP3Session) requireTransaction() bool {
	if s.state != stateTransaction {
		s.reply(false, "Not logged in, login first")
		return false
	}
	return true
}

func (s *POP3Session) noArguments(args *server.Cursor) bool {
	if !args.Empty() {
		s.reply(false, "Too many arguments")
		return false
	}
	return true
}

// messageNumber parses the single message number argument of LIST, RETR
// and DELE. Range checks are left to the caller.
func (s *POP3Session) messageNumber(args *server.Cursor) (int, bool) {
	token, ok := args.Next()
	if !ok {
		s.reply(false, "Missing message number")
		return 0, false
	}
	if !args.Empty() {
		s.reply(false, "Too many arguments")
		return 0, false
	}
	n, err := strconv.Atoi(token)
	if err != nil || strings.HasPrefix(token, "+") {
		s.reply(false, "Invalid message number")
		return 0, false
	}
	return n, true
}

// reply queues a "+OK" or "-ERR" status line.
func (s *POP3Session) reply(ok bool, format string, args ...any) {
	s.replyOK = ok
	status := "-ERR"
	if ok {
		status = "+OK"
	}
	text := fmt.Sprintf(format, args...)
	if text == "" {
		s.writeLine(status)
		return
	}
	s.writeLine(status + " " + text)
}

func (s *POP3Session) writeLine(line string) {
	s.writer.WriteString(line)
	s.writer.WriteString("\r\n")
}

func (s *POP3Session) observeCommand(verb string, start time.Time) {
	label := verb
	if verbs.Classify(verb) == server.VerbUnknown {
		label = "unknown"
	}
	status := "failure"
	if s.replyOK {
		status = "success"
	}
	metrics.CommandsTotal.WithLabelValues(consts.ProtocolPOP3, label, status).Inc()
	metrics.CommandDuration.WithLabelValues(consts.ProtocolPOP3, label).Observe(time.Since(start).Seconds())
}

func (s *POP3Session) logStreamError(err error) {
	switch {
	case errors.Is(err, io.EOF):
		s.Log("client dropped connection")
	case server.IsConnectionError(err):
		s.DebugLog("connection closed: %v", err)
	default:
		s.WarnLog("error: %v", err)
	}
}

// Close releases the connection and its counters. Pending deletions that
// were not committed by QUIT are dropped.
func (s *POP3Session) Close() error {
	s.server.removeSession(s)
	err := s.conn.Close()

	totalCount := s.server.totalConnections.Add(-1)
	authCount := s.server.authenticatedConnections.Load()
	if s.state == stateTransaction || s.state == stateUpdate {
		authCount = s.server.authenticatedConnections.Add(-1)
		metrics.AuthenticatedConnectionsCurrent.WithLabelValues(consts.ProtocolPOP3).Dec()
	}
	if s.state == stateTransaction {
		if pending, _ := computeDeletedStats(s.messages, s.deleted); pending > 0 {
			s.Log("session ended without QUIT, %d deletions discarded", pending)
		}
	}

	metrics.ConnectionsCurrent.WithLabelValues(consts.ProtocolPOP3).Dec()
	metrics.ConnectionDuration.WithLabelValues(consts.ProtocolPOP3).Observe(time.Since(s.startTime).Seconds())

	if s.releaseConn != nil {
		s.releaseConn()
	}

	s.Log("closed (connections: total=%d, authenticated=%d)", totalCount, authCount)
	s.messages = nil
	s.deleted = nil
	return err
}
