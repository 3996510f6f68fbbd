package smtp

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// SMTP reply codes used by the relay.
const (
	codeReady           = 220
	codeClosing         = 221
	codeOK              = 250
	codeStartMailInput  = 354
	codeRateLimited     = 421
	codeTLSNotAvailable = 454
	codeTempFailure     = 451
	codeSyntaxError     = 500
	codeSyntaxParams    = 501
	codeNotImplemented  = 502
	codeBadSequence     = 503
	codeRejected        = 550
	codeTooLarge        = 552
	codeBadMailbox      = 553
)

// Envelope is a complete inbound message handed to the ingest pipeline.
type Envelope struct {
	RemoteIP   string
	MailFrom   string
	Recipients []string
	Data       []byte
}

// Handler processes a completed DATA transaction and decides the final SMTP
// reply for it.
type Handler interface {
	Handle(ctx context.Context, env *Envelope) Decision
}

// Session drives the command loop for one SMTP connection.
type Session struct {
	conn      net.Conn
	reader    *bufio.Reader
	writer    *bufio.Writer
	tlsConfig *tls.Config

	hostname       string
	socketTimeout  time.Duration
	maxMessageSize int64

	policy  *Policy
	handler Handler

	remoteIP     string
	tlsActive    bool
	ehloReceived bool
	mailFrom     string
	hasMailFrom  bool
	recipients   []string
}

// NewSession wraps an accepted connection. The connect-time policy checks
// have already passed by the time a session exists.
func NewSession(conn net.Conn, remoteIP string, hostname string, tlsConfig *tls.Config,
	socketTimeout time.Duration, maxMessageSize int64, policy *Policy, handler Handler) *Session {
	return &Session{
		conn:           conn,
		reader:         bufio.NewReader(conn),
		writer:         bufio.NewWriter(conn),
		tlsConfig:      tlsConfig,
		hostname:       hostname,
		socketTimeout:  socketTimeout,
		maxMessageSize: maxMessageSize,
		policy:         policy,
		handler:        handler,
		remoteIP:       remoteIP,
	}
}

// Run sends the greeting and processes commands until QUIT or disconnect.
func (s *Session) Run() {
	defer s.conn.Close()

	s.reply(codeReady, s.hostname+" ESMTP service ready")

	for {
		s.conn.SetDeadline(time.Now().Add(s.socketTimeout))

		line, err := s.reader.ReadString('\n')
		if err != nil {
			return
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		cmd, args := parseCommand(line)
		if s.dispatch(cmd, args) {
			return
		}
	}
}

func parseCommand(line string) (string, string) {
	parts := strings.SplitN(line, " ", 2)
	cmd := strings.ToUpper(parts[0])
	if len(parts) > 1 {
		return cmd, parts[1]
	}
	return cmd, ""
}

// dispatch handles one command; true means close the session.
func (s *Session) dispatch(cmd, args string) bool {
	switch cmd {
	case "EHLO", "HELO":
		s.handleEHLO(args)
	case "STARTTLS":
		return s.handleSTARTTLS()
	case "AUTH":
		// Authentication is deliberately not offered; this is a relay
		// behind trusted infrastructure.
		s.reply(codeNotImplemented, "Command not implemented")
	case "MAIL":
		s.handleMAIL(args)
	case "RCPT":
		s.handleRCPT(args)
	case "DATA":
		s.handleDATA()
	case "RSET":
		s.resetTransaction()
		s.reply(codeOK, "OK")
	case "NOOP":
		s.reply(codeOK, "OK")
	case "QUIT":
		s.reply(codeClosing, s.hostname+" closing connection")
		return true
	default:
		s.reply(codeSyntaxError, "Command not recognized")
	}
	return false
}

func (s *Session) handleEHLO(domain string) {
	if domain == "" {
		s.reply(codeSyntaxParams, "Syntax error in parameters")
		return
	}

	s.ehloReceived = true
	s.resetTransaction()

	capabilities := []string{
		s.hostname,
		fmt.Sprintf("SIZE %d", s.maxMessageSize),
		"8BITMIME",
	}
	if !s.tlsActive && s.tlsConfig != nil {
		capabilities = append(capabilities, "STARTTLS")
	}

	for i, capability := range capabilities {
		if i == len(capabilities)-1 {
			s.reply(codeOK, capability)
		} else {
			s.replyContinued(codeOK, capability)
		}
	}
}

// handleSTARTTLS upgrades the connection; true means close (handshake
// failure leaves the stream in an unknown state).
func (s *Session) handleSTARTTLS() bool {
	if s.tlsActive {
		s.reply(codeSyntaxError, "Already in TLS mode")
		return false
	}
	if s.tlsConfig == nil {
		s.reply(codeTLSNotAvailable, "TLS not available")
		return false
	}

	s.reply(codeReady, "Ready to start TLS")

	tlsConn := tls.Server(s.conn, s.tlsConfig)
	tlsConn.SetDeadline(time.Now().Add(30 * time.Second))
	if err := tlsConn.Handshake(); err != nil {
		return true
	}
	tlsConn.SetDeadline(time.Now().Add(s.socketTimeout))

	s.conn = tlsConn
	s.reader = bufio.NewReader(tlsConn)
	s.writer = bufio.NewWriter(tlsConn)
	s.tlsActive = true

	// RFC 3207: the client must re-issue EHLO after the handshake.
	s.ehloReceived = false
	s.resetTransaction()
	return false
}

func (s *Session) handleMAIL(args string) {
	if !s.ehloReceived {
		s.reply(codeBadSequence, "Send EHLO/HELO first")
		return
	}
	if !strings.HasPrefix(strings.ToUpper(args), "FROM:") {
		s.reply(codeSyntaxParams, "Syntax error in parameters")
		return
	}

	address := strings.TrimSpace(args[len("FROM:"):])

	// A SIZE parameter lets us reject oversized messages before DATA.
	if idx := strings.Index(address, " "); idx != -1 {
		param := address[idx+1:]
		address = address[:idx]
		if strings.HasPrefix(strings.ToUpper(param), "SIZE=") {
			if size, err := strconv.ParseInt(param[len("SIZE="):], 10, 64); err == nil && size > s.maxMessageSize {
				s.reply(codeTooLarge, "Message size exceeds limit")
				return
			}
		}
	}

	address = strings.TrimSuffix(strings.TrimPrefix(address, "<"), ">")

	if d := s.policy.CheckSender(address); !d.Accept {
		s.reply(d.Code, d.Message)
		return
	}

	s.mailFrom = address
	s.hasMailFrom = true
	s.reply(codeOK, "OK")
}

func (s *Session) handleRCPT(args string) {
	if !s.hasMailFrom {
		s.reply(codeBadSequence, "Send MAIL FROM first")
		return
	}
	if !strings.HasPrefix(strings.ToUpper(args), "TO:") {
		s.reply(codeSyntaxParams, "Syntax error in parameters")
		return
	}

	address := strings.TrimSpace(args[len("TO:"):])
	address = strings.TrimSuffix(strings.TrimPrefix(address, "<"), ">")
	if address == "" {
		s.reply(codeSyntaxParams, "Invalid recipient address")
		return
	}

	if d := s.policy.CheckRecipient(address); !d.Accept {
		s.reply(d.Code, d.Message)
		return
	}

	s.recipients = append(s.recipients, address)
	s.reply(codeOK, "OK")
}

func (s *Session) handleDATA() {
	if len(s.recipients) == 0 {
		s.reply(codeBadSequence, "No valid recipients")
		return
	}

	s.reply(codeStartMailInput, "Start mail input; end with <CRLF>.<CRLF>")

	data, err := s.readData()
	if err != nil {
		// readData already replied for size violations; transport errors
		// have no one left to reply to.
		s.resetTransaction()
		return
	}

	env := &Envelope{
		RemoteIP:   s.remoteIP,
		MailFrom:   s.mailFrom,
		Recipients: s.recipients,
		Data:       data,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	d := s.handler.Handle(ctx, env)
	if d.Accept {
		message := d.Message
		if message == "" {
			message = "OK"
		}
		s.reply(codeOK, message)
	} else {
		s.reply(d.Code, d.Message)
	}
	s.resetTransaction()
}

// readData consumes the message body up to <CRLF>.<CRLF>, un-stuffing leading
// dots and enforcing the size limit as it goes.
func (s *Session) readData() ([]byte, error) {
	var data []byte
	for {
		line, err := s.reader.ReadBytes('\n')
		if err != nil {
			return nil, err
		}

		if isTerminator(line) {
			return data, nil
		}

		if len(line) > 0 && line[0] == '.' {
			line = line[1:]
		}

		data = append(data, line...)
		if int64(len(data)) > s.maxMessageSize {
			s.reply(codeTooLarge, "Message size exceeds limit")
			return nil, fmt.Errorf("message exceeds %d bytes", s.maxMessageSize)
		}
	}
}

// isTerminator accepts both ".\r\n" and a bare ".\n" from sloppy clients.
func isTerminator(line []byte) bool {
	if len(line) == 3 && line[0] == '.' && line[1] == '\r' && line[2] == '\n' {
		return true
	}
	return len(line) == 2 && line[0] == '.' && line[1] == '\n'
}

func (s *Session) resetTransaction() {
	s.mailFrom = ""
	s.hasMailFrom = false
	s.recipients = nil
}

func (s *Session) reply(code int, message string) {
	fmt.Fprintf(s.writer, "%d %s\r\n", code, message)
	s.writer.Flush()
}

func (s *Session) replyContinued(code int, message string) {
	fmt.Fprintf(s.writer, "%d-%s\r\n", code, message)
	s.writer.Flush()
}
