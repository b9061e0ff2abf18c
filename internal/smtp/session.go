// Package smtp implements the relay's SMTP listener: per-session protocol
// state machine, byte-level codec, and the connection supervisor.
package smtp

import (
	"context"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/shineum/acs-smtp-relay/internal/metrics"
	"github.com/shineum/acs-smtp-relay/internal/parser"
	"github.com/shineum/acs-smtp-relay/internal/provider"
)

// sessionState is the closed set of protocol states.
type sessionState int

const (
	stateGreet sessionState = iota // pre-EHLO
	stateIdle                      // post-EHLO/RSET, no open transaction
	stateMail                      // MAIL FROM accepted
	stateRcpt                      // at least one RCPT accepted
	stateData                      // reading message content
	stateDone                      // QUIT seen, closing
)

// commandTimeout is the per-command idle limit. DATA gets a single
// commandTimeout window from the 354 reply to the terminator; the window is
// not extended while lines keep arriving.
const commandTimeout = 5 * time.Minute

// sendTimeout bounds the upstream call so the client receives a
// deterministic reply even when shutdown is observed mid-send.
const sendTimeout = 15 * time.Second

// Session represents a single SMTP client connection and runs the protocol
// state machine over the codec.
type Session struct {
	id       string
	conn     net.Conn
	codec    *codec
	state    sessionState
	provider provider.Provider
	hostname string
	maxSize  int64
	metrics  *metrics.Collector
	log      *slog.Logger

	// Current transaction
	helloName string
	mailFrom  string
	rcptTo    []string
	rcptSeen  map[string]struct{}
}

// NewSession creates a new SMTP session for the given connection.
func NewSession(conn net.Conn, prov provider.Provider, hostname string, maxSize int64, mc *metrics.Collector) *Session {
	id := ulid.Make().String()
	return &Session{
		id:       id,
		conn:     conn,
		codec:    newCodec(conn),
		state:    stateGreet,
		provider: prov,
		hostname: hostname,
		maxSize:  maxSize,
		metrics:  mc,
		log: slog.With(
			"session_id", id,
			"peer_addr", conn.RemoteAddr().String(),
		),
	}
}

// Handle runs the SMTP session, processing commands until the client quits,
// the connection drops, or the supervisor signals shutdown. Panics in
// handler code are confined to this session.
func (s *Session) Handle(ctx context.Context) {
	defer s.conn.Close()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("session panic", "panic", r)
			_ = s.codec.writeReply(451, "Internal error")
		}
	}()

	start := time.Now()
	s.log.Info("connection accepted")
	defer func() {
		s.log.Info("connection closed", "ms_elapsed", time.Since(start).Milliseconds())
	}()

	if err := s.codec.writeReply(220, "%s ESMTP ready", s.hostname); err != nil {
		return
	}

	for s.state != stateDone {
		if shuttingDown(ctx) {
			s.reply(421, "Service shutting down")
			return
		}

		if err := s.conn.SetDeadline(time.Now().Add(commandTimeout)); err != nil {
			s.log.Error("failed to set connection deadline", "error", err)
			return
		}

		line, err := s.codec.readCommand()
		if err == errLineTooLong {
			s.reply(500, "Line too long")
			continue
		}
		if err != nil {
			if err != io.EOF {
				s.log.Debug("connection read error", "error", err)
			}
			return
		}
		// A command that arrives after shutdown was signalled is answered
		// with 421 rather than processed.
		if shuttingDown(ctx) {
			s.reply(421, "Service shutting down")
			return
		}
		if line == "" {
			continue
		}

		cmd, arg := parseCommand(line)
		s.log.Debug("command received", "command", cmd, "state", int(s.state))
		if done := s.handleCommand(ctx, cmd, arg); done {
			return
		}
	}
}

// handleCommand processes a single SMTP command and returns true if the
// session must end immediately.
func (s *Session) handleCommand(ctx context.Context, cmd, arg string) bool {
	switch cmd {
	case "EHLO":
		s.handleEHLO(arg, true)
	case "HELO":
		s.handleEHLO(arg, false)
	case "MAIL":
		s.handleMAIL(arg)
	case "RCPT":
		s.handleRCPT(arg)
	case "DATA":
		return s.handleDATA(ctx)
	case "RSET":
		s.resetTransaction()
		s.reply(250, "OK")
	case "NOOP":
		s.reply(250, "OK")
	case "QUIT":
		s.reply(221, "Bye")
		s.state = stateDone
	case "AUTH":
		s.handleAUTH(arg)
	case "HELP", "VRFY", "EXPN":
		s.reply(502, "Command not implemented")
	default:
		s.reply(500, "Command not recognized")
	}
	return false
}

// handleEHLO processes EHLO/HELO. Either form resets the envelope and moves
// the session to Idle.
func (s *Session) handleEHLO(arg string, extended bool) {
	if arg == "" {
		s.reply(501, "Syntax error in parameters")
		return
	}

	s.helloName = arg
	s.resetTransaction()

	if !extended {
		s.reply(250, "%s Hello %s", s.hostname, arg)
		return
	}

	s.replyMultiline(250, []string{
		s.hostname + " Hello " + arg,
		"SIZE " + strconv.FormatInt(s.maxSize, 10),
		"8BITMIME",
		"AUTH PLAIN LOGIN",
	})
}

// handleMAIL processes MAIL FROM. The empty reverse path <> is accepted for
// bounce messages.
func (s *Session) handleMAIL(arg string) {
	if s.state != stateIdle {
		s.reply(503, "Bad sequence of commands")
		return
	}

	rest, ok := cutPrefixFold(arg, "FROM:")
	if !ok {
		s.reply(501, "Syntax error in parameters")
		return
	}

	addr, ok := extractAddress(rest)
	if !ok {
		s.reply(501, "Syntax error in parameters")
		return
	}
	if addr != "" && !validAddressShape(addr) {
		s.reply(501, "Syntax error in parameters")
		return
	}

	s.mailFrom = addr
	s.rcptTo = nil
	s.rcptSeen = make(map[string]struct{})
	s.state = stateMail
	s.reply(250, "OK")
}

// handleRCPT processes RCPT TO. Recipients are kept in arrival order and
// de-duplicated.
func (s *Session) handleRCPT(arg string) {
	if s.state != stateMail && s.state != stateRcpt {
		s.reply(503, "Bad sequence of commands")
		return
	}

	rest, ok := cutPrefixFold(arg, "TO:")
	if !ok {
		s.reply(501, "Syntax error in parameters")
		return
	}

	addr, ok := extractAddress(rest)
	if !ok || addr == "" || !validAddressShape(addr) {
		s.reply(501, "Syntax error in parameters")
		return
	}

	if _, seen := s.rcptSeen[addr]; !seen {
		s.rcptSeen[addr] = struct{}{}
		s.rcptTo = append(s.rcptTo, addr)
	}
	s.state = stateRcpt
	s.reply(250, "OK")
}

// handleDATA reads the message payload and relays it upstream. Returns true
// when the session must close (I/O failure or shutdown mid-DATA).
func (s *Session) handleDATA(ctx context.Context) bool {
	if s.state != stateRcpt {
		s.reply(503, "Bad sequence of commands")
		return false
	}

	s.reply(354, "Start mail input; end with <CRLF>.<CRLF>")
	s.state = stateData

	if err := s.conn.SetDeadline(time.Now().Add(commandTimeout)); err != nil {
		s.log.Error("failed to set connection deadline", "error", err)
		return true
	}

	res, err := s.codec.readData(ctx, s.maxSize)
	if err != nil {
		if ctx.Err() != nil {
			s.reply(421, "Service shutting down")
		} else if err != io.EOF {
			s.log.Error("error reading message data", "error", err)
		}
		return true
	}

	if res.oversize {
		s.log.Warn("message exceeds size limit",
			"bytes", res.bytes,
			"max_bytes", s.maxSize,
		)
		s.metrics.EmailFailed("oversize")
		s.reply(552, "Message size exceeds fixed limit")
		s.resetTransaction()
		return false
	}

	s.deliver(ctx, res)
	s.resetTransaction()
	return false
}

// deliver parses the accumulated payload and makes exactly one upstream
// send attempt, mapping the outcome onto the SMTP reply.
func (s *Session) deliver(ctx context.Context, res *dataResult) {
	start := time.Now()

	msg, err := parser.Parse(res.data)
	if err != nil {
		s.log.Error("failed to parse message", "error", err)
		s.metrics.EmailFailed("parse")
		s.reply(554, "Transaction failed")
		return
	}

	msg.EnvelopeFrom = s.mailFrom
	msg.EnvelopeTo = append([]string(nil), s.rcptTo...)

	// The in-flight upstream call is allowed to finish during shutdown;
	// sendTimeout bounds how long that can take.
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
	defer cancel()

	result, err := s.provider.Send(sendCtx, msg)
	elapsed := time.Since(start)

	if err != nil {
		transient := provider.IsTransient(err)
		s.log.Error("failed to relay message",
			"provider", s.provider.Name(),
			"error", err,
			"transient", transient,
			"bytes", res.bytes,
			"recipient_count", len(s.rcptTo),
			"ms_elapsed", elapsed.Milliseconds(),
		)
		if transient {
			s.metrics.EmailFailed("upstream_transient")
			s.reply(451, "4.7.1 Temporary failure, try again later")
		} else {
			s.metrics.EmailFailed("upstream_permanent")
			s.reply(554, "Transaction failed")
		}
		return
	}

	s.metrics.EmailSent(res.bytes, elapsed)
	s.log.Info("message relayed",
		"provider", s.provider.Name(),
		"operation_id", result.OperationID,
		"bytes", res.bytes,
		"recipient_count", len(s.rcptTo),
		"ms_elapsed", elapsed.Milliseconds(),
	)
	s.reply(250, "2.0.0 OK %s", result.OperationID)
}

// resetTransaction clears the envelope and returns the session to Idle.
func (s *Session) resetTransaction() {
	s.mailFrom = ""
	s.rcptTo = nil
	s.rcptSeen = nil
	s.state = stateIdle
}

// reply writes a single-line reply, logging write failures at debug; a dead
// socket surfaces on the next read.
func (s *Session) reply(code int, format string, args ...any) {
	if err := s.codec.writeReply(code, format, args...); err != nil {
		s.log.Debug("failed to write to client", "error", err)
	}
}

func (s *Session) replyMultiline(code int, lines []string) {
	if err := s.codec.writeMultiline(code, lines); err != nil {
		s.log.Debug("failed to write to client", "error", err)
	}
}

// shuttingDown reports whether the supervisor has signalled shutdown.
func shuttingDown(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// parseCommand splits an SMTP command line into the case-folded verb and
// its argument, preserved as-is.
func parseCommand(line string) (string, string) {
	cmd, arg, _ := strings.Cut(line, " ")
	return strings.ToUpper(cmd), strings.TrimSpace(arg)
}

// cutPrefixFold strips an ASCII case-insensitive prefix.
func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || !strings.EqualFold(s[:len(prefix)], prefix) {
		return s, false
	}
	return s[len(prefix):], true
}

// extractAddress extracts an email address from an SMTP parameter, handling
// both the angle-bracket and bare forms. Trailing ESMTP parameters are
// ignored. The empty address (from "<>") is returned as "".
func extractAddress(s string) (string, bool) {
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "<") {
		end := strings.Index(s, ">")
		if end < 0 {
			return "", false
		}
		return s[1:end], true
	}

	if s == "" {
		return "", false
	}
	addr, _, _ := strings.Cut(s, " ")
	return addr, true
}

// validAddressShape performs the lenient local-part@domain check.
func validAddressShape(addr string) bool {
	at := strings.Index(addr, "@")
	return at > 0 && at < len(addr)-1 && strings.Count(addr, "@") == 1
}
