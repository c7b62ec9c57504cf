package smtp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"slices"
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
	stateGreet sessionState = iota
	stateMailNext
	stateRcptNext
	stateDataNext
)

func (st sessionState) String() string {
	switch st {
	case stateGreet:
		return "GREET"
	case stateMailNext:
		return "MAIL_NEXT"
	case stateRcptNext:
		return "RCPT_NEXT"
	case stateDataNext:
		return "DATA_NEXT"
	}
	return "UNKNOWN"
}

var verbs = server.NewVerbSet(
	[]string{"HELO", "EHLO", "MAIL", "RCPT", "DATA", "RSET", "VRFY", "NOOP", "QUIT"},
	[]string{"EXPN", "HELP"},
)

// Reply texts shared by several commands
const (
	replyOK          = "OK"
	replyBadSequence = "Bad sequence of commands"
	replySyntax      = "Syntax error in parameters or arguments"
	replyLocalError  = "Requested action aborted: local error in processing"
)

type SMTPSession struct {
	server.Session
	server      *SMTPServer
	conn        net.Conn
	reader      *server.LineReader
	writer      *bufio.Writer
	state       sessionState
	clientName  string   // HELO/EHLO argument
	sender      string   // Reverse path of the open transaction
	recipients  []string // Validated local user names, without duplicates
	ctx         context.Context
	cancel      context.CancelFunc
	releaseConn func()
	startTime   time.Time
	lastCode    int
}

func (s *SMTPSession) handleConnection() {
	defer s.cancel()
	defer s.Close()

	s.reply(220, "%s Service ready", s.server.hostname)
	if err := s.writer.Flush(); err != nil {
		s.logStreamError(err)
		return
	}
	s.Log("connected")

	for {
		line, err := s.reader.ReadLine()
		if err != nil {
			if errors.Is(err, server.ErrLineTooLong) {
				s.reply(500, "Line too long")
				if err := s.writer.Flush(); err != nil {
					s.logStreamError(err)
					return
				}
				continue
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				s.reply(421, "%s Timeout, closing transmission channel", s.server.hostname)
				_ = s.writer.Flush()
				s.Log("timed out")
				return
			}
			s.logStreamError(err)
			return
		}

		cmd := server.ParseCommand(line)
		s.DebugLog("C: %s", line)

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
func (s *SMTPSession) handleCommand(cmd *server.Command) (quit bool, err error) {
	switch verbs.Classify(cmd.Verb) {
	case server.VerbUnsupported:
		s.reply(502, "Unsupported command")
		return false, nil
	case server.VerbUnknown:
		s.reply(500, "Syntax error, command unrecognized")
		s.DebugLog("unknown command: %s", cmd.Verb)
		return false, nil
	}

	switch cmd.Verb {
	case "HELO", "EHLO":
		s.handleHelo(&cmd.Args)
	case "MAIL":
		s.handleMail(&cmd.Args)
	case "RCPT":
		s.handleRcpt(&cmd.Args)
	case "DATA":
		return false, s.handleData(&cmd.Args)
	case "RSET":
		s.resetTransaction()
		s.state = stateMailNext
		s.reply(250, replyOK)
	case "VRFY":
		s.handleVrfy(&cmd.Args)
	case "NOOP":
		s.reply(250, replyOK)
	case "QUIT":
		if s.sender != "" || len(s.recipients) > 0 {
			s.Log("transaction discarded at QUIT")
		}
		s.resetTransaction()
		s.reply(221, "%s Service closing transmission channel", s.server.hostname)
		return true, nil
	}
	return false, nil
}

func (s *SMTPSession) handleHelo(args *server.Cursor) {
	if s.state != stateGreet {
		s.reply(503, replyBadSequence)
		return
	}
	name, ok := args.Next()
	if !ok || !args.Empty() {
		s.reply(501, replySyntax)
		return
	}
	s.clientName = name
	s.state = stateMailNext
	s.reply(250, "%s", s.server.hostname)
}

func (s *SMTPSession) handleMail(args *server.Cursor) {
	if s.state != stateMailNext {
		s.reply(503, replyBadSequence)
		return
	}
	param, ok := args.Next()
	if !ok || !args.Empty() {
		s.reply(501, replySyntax)
		return
	}
	from, ok := parsePath(param, "FROM:")
	if !ok {
		s.reply(501, replySyntax)
		return
	}

	s.resetTransaction()
	s.sender = from
	s.state = stateRcptNext
	s.DebugLog("MAIL FROM:<%s>", from)
	s.reply(250, replyOK)
}

func (s *SMTPSession) handleRcpt(args *server.Cursor) {
	if s.state != stateRcptNext && s.state != stateDataNext {
		s.reply(503, replyBadSequence)
		return
	}
	param, ok := args.Next()
	if !ok || !args.Empty() {
		s.reply(501, replySyntax)
		return
	}
	to, ok := parsePath(param, "TO:")
	if !ok || to == "" {
		s.reply(501, replySyntax)
		return
	}

	user, ok := helpers.LocalRecipient(to, s.server.hostname)
	if !ok {
		s.reply(550, "No such user - %s", to)
		return
	}
	exists, err := s.server.backend.UserExists(s.ctx, user)
	if err != nil {
		s.WarnLog("RCPT lookup failed for %s: %v", user, err)
		s.reply(451, replyLocalError)
		return
	}
	if !exists {
		s.reply(550, "No such user - %s", to)
		return
	}

	if !slices.Contains(s.recipients, user) {
		s.recipients = append(s.recipients, user)
	}
	s.state = stateDataNext
	s.reply(250, replyOK)
}

// handleVrfy accepts the same recipient forms as RCPT.
func (s *SMTPSession) handleVrfy(args *server.Cursor) {
	name, ok := args.Next()
	if !ok || !args.Empty() {
		s.reply(501, replySyntax)
		return
	}
	user, ok := helpers.LocalRecipient(name, s.server.hostname)
	if !ok {
		s.reply(550, "No such user - %s", name)
		return
	}
	exists, err := s.server.backend.UserExists(s.ctx, user)
	if err != nil {
		s.WarnLog("VRFY lookup failed for %s: %v", user, err)
		s.reply(451, replyLocalError)
		return
	}
	if !exists {
		s.reply(550, "No such user - %s", name)
		return
	}
	s.reply(250, "%s", name)
}

// handleData reads the message body into a spool file and hands it to the
// backend. The spool file is removed on every path out of here. A non-nil
// error means the stream ended before the terminating ".".
func (s *SMTPSession) handleData(args *server.Cursor) error {
	if s.state != stateDataNext {
		s.reply(503, replyBadSequence)
		return nil
	}
	if !args.Empty() {
		s.reply(501, replySyntax)
		return nil
	}

	spool, err := os.CreateTemp(s.server.spoolDir, "dewey-data-*")
	if err != nil {
		s.WarnLog("failed to create spool file: %v", err)
		s.reply(451, replyLocalError)
		return nil
	}
	defer func() {
		spool.Close()
		if err := os.Remove(spool.Name()); err != nil {
			s.WarnLog("failed to remove spool file %s: %v", spool.Name(), err)
		}
	}()
	// Whatever happens below, the transaction is over.
	defer func() {
		s.resetTransaction()
		s.state = stateMailNext
	}()

	s.reply(354, "Start mail input; end with <CRLF>.<CRLF>")
	if err := s.writer.Flush(); err != nil {
		return err
	}

	size, body, err := s.receiveBody(spool)
	if err != nil {
		s.Log("connection lost during DATA, message discarded")
		return err
	}

	switch body {
	case bodyLineTooLong:
		s.reply(500, "Line too long")
		metrics.MessagesDelivered.WithLabelValues("rejected").Inc()
		return nil
	case bodyTooLarge:
		s.Log("message exceeds maximum size of %d bytes", s.server.maxMessageSize)
		s.reply(552, "Message size exceeds fixed maximum message size")
		metrics.MessagesDelivered.WithLabelValues("rejected").Inc()
		return nil
	case bodySpoolFailed:
		s.reply(451, replyLocalError)
		metrics.MessagesDelivered.WithLabelValues("failure").Inc()
		return nil
	}

	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		s.WarnLog("failed to rewind spool file: %v", err)
		s.reply(451, replyLocalError)
		metrics.MessagesDelivered.WithLabelValues("failure").Inc()
		return nil
	}

	envelope := storage.Envelope{
		From:           s.sender,
		Recipients:     slices.Clone(s.recipients),
		ReceivedTime:   time.Now(),
		ClientIP:       net.ParseIP(s.RemoteIP),
		ClientHostname: s.clientName,
	}
	metrics.MessageSizeBytes.Observe(float64(size))

	if err := s.server.backend.Deliver(s.ctx, envelope, spool); err != nil {
		s.WarnLog("delivery of %d bytes to %v failed: %v", size, envelope.Recipients, err)
		s.reply(451, "Requested action aborted: error in processing")
		metrics.MessagesDelivered.WithLabelValues("failure").Inc()
		return nil
	}

	s.Log("delivered %d bytes from <%s> to %v", size, envelope.From, envelope.Recipients)
	metrics.MessagesDelivered.WithLabelValues("success").Inc()
	s.reply(250, "OK: message accepted for delivery")
	return nil
}

type bodyStatus int

const (
	bodyOK bodyStatus = iota
	bodyLineTooLong
	bodyTooLarge
	bodySpoolFailed
)

// receiveBody copies lines up to the terminating "." into spool, removing
// the transparency dot and ending every line in CRLF. Once the body is
// known to be unacceptable the rest of it is read and dropped so that the
// client stays in sync.
func (s *SMTPSession) receiveBody(spool io.Writer) (int64, bodyStatus, error) {
	var size int64
	status := bodyOK
	w := bufio.NewWriter(spool)
	for {
		line, err := s.reader.ReadLine()
		if errors.Is(err, server.ErrLineTooLong) {
			if status == bodyOK {
				status = bodyLineTooLong
			}
			continue
		}
		if err != nil {
			return size, status, err
		}
		if server.IsEndOfData(line) {
			break
		}
		if status != bodyOK {
			continue
		}

		line = strings.TrimPrefix(line, ".")
		size += int64(len(line)) + 2
		if s.server.maxMessageSize > 0 && size > s.server.maxMessageSize {
			status = bodyTooLarge
			continue
		}
		_, werr := w.WriteString(line)
		if werr == nil {
			_, werr = w.WriteString("\r\n")
		}
		if werr != nil {
			s.WarnLog("failed to write spool file: %v", werr)
			status = bodySpoolFailed
		}
	}

	if status == bodyOK {
		if err := w.Flush(); err != nil {
			s.WarnLog("failed to write spool file: %v", err)
			status = bodySpoolFailed
		}
	}
	return size, status, nil
}

// parsePath extracts the address from "FROM:<addr>" or "TO:<addr>". The
// prefix is matched case-insensitively and the closing bracket is required.
func parsePath(param, prefix string) (string, bool) {
	if len(param) < len(prefix)+2 || !strings.EqualFold(param[:len(prefix)], prefix) {
		return "", false
	}
	rest := param[len(prefix):]
	if rest[0] != '<' || rest[len(rest)-1] != '>' {
		return "", false
	}
	addr := rest[1 : len(rest)-1]
	if strings.ContainsAny(addr, "<>") {
		return "", false
	}
	return addr, true
}

// resetTransaction forgets the envelope of the current transaction.
func (s *SMTPSession) resetTransaction() {
	s.sender = ""
	s.recipients = nil
}

func (s *SMTPSession) reply(code int, format string, args ...any) {
	s.lastCode = code
	fmt.Fprintf(s.writer, "%d %s\r\n", code, fmt.Sprintf(format, args...))
}

func (s *SMTPSession) observeCommand(verb string, start time.Time) {
	label := verb
	if verbs.Classify(verb) == server.VerbUnknown {
		label = "unknown"
	}
	status := "success"
	if s.lastCode >= 400 {
		status = "failure"
	}
	metrics.CommandsTotal.WithLabelValues(consts.ProtocolSMTP, label, status).Inc()
	metrics.CommandDuration.WithLabelValues(consts.ProtocolSMTP, label).Observe(time.Since(start).Seconds())
}

func (s *SMTPSession) logStreamError(err error) {
	switch {
	case errors.Is(err, io.EOF):
		s.Log("client dropped connection")
	case server.IsConnectionError(err):
		s.DebugLog("connection closed: %v", err)
	default:
		s.WarnLog("error: %v", err)
	}
}

// Close releases the connection and its counters.
func (s *SMTPSession) Close() error {
	s.server.removeSession(s)
	err := s.conn.Close()
	s.resetTransaction()

	totalCount := s.server.totalConnections.Add(-1)
	metrics.ConnectionsCurrent.WithLabelValues(consts.ProtocolSMTP).Dec()
	metrics.ConnectionDuration.WithLabelValues(consts.ProtocolSMTP).Observe(time.Since(s.startTime).Seconds())

	if s.releaseConn != nil {
		s.releaseConn()
	}

	s.Log("closed (connections: total=%d)", totalCount)
	return err
}
