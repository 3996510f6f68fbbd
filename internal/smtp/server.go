// Package smtp is the inbound edge of the relay: a line-oriented SMTP
// receiver with connect/envelope/data admission policy, and the ingest
// pipeline that turns accepted messages into durable dispatch tasks.
package smtp

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mailhook/mailhook/internal/config"
	"github.com/mailhook/mailhook/internal/metrics"
	"github.com/mailhook/mailhook/internal/neterr"
)

// Server accepts SMTP connections and runs one Session per client.
type Server struct {
	cfg       *config.SMTPConfig
	tlsConfig *tls.Config
	policy    *Policy
	handler   Handler
	log       *slog.Logger

	listener    net.Listener
	activeConns int64
	running     atomic.Bool
	wg          sync.WaitGroup
}

// NewServer builds the server. When secure mode is on, TLS material must
// load or construction fails.
func NewServer(cfg *config.SMTPConfig, policy *Policy, handler Handler, log *slog.Logger) (*Server, error) {
	s := &Server{
		cfg:     cfg,
		policy:  policy,
		handler: handler,
		log:     log,
	}

	if cfg.TLSCertPath != "" && cfg.TLSKeyPath != "" {
		tlsConfig, err := loadTLSConfig(cfg.TLSCertPath, cfg.TLSKeyPath)
		if err != nil {
			if cfg.Secure {
				return nil, fmt.Errorf("failed to load TLS material: %w", err)
			}
			log.Warn("TLS material failed to load, STARTTLS disabled",
				slog.String("error", err.Error()))
		} else {
			s.tlsConfig = tlsConfig
		}
	} else if cfg.Secure {
		return nil, fmt.Errorf("secure mode requires TLS cert and key paths")
	}

	return s, nil
}

// loadTLSConfig reads the cert/key pair. TLS 1.2 is the floor.
func loadTLSConfig(certPath, keyPath string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// Start binds the listener and launches the accept loop.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.listener = listener
	s.running.Store(true)

	s.log.Info("SMTP server listening",
		slog.Int("port", s.cfg.Port),
		slog.Bool("starttls", s.tlsConfig != nil))

	go s.acceptLoop()
	return nil
}

// Stop closes the listener so no new connections arrive, then waits for
// in-flight sessions up to the close timeout.
func (s *Server) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}

	if s.listener != nil {
		s.listener.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("SMTP server stopped")
	case <-time.After(s.cfg.CloseTimeout):
		s.log.Warn("SMTP server close timed out with sessions still active",
			slog.Int64("active", atomic.LoadInt64(&s.activeConns)))
	}
}

func (s *Server) acceptLoop() {
	for s.running.Load() {
		conn, err := s.listener.Accept()
		if err != nil {
			if !s.running.Load() {
				return
			}
			if neterr.Recoverable(err) {
				s.log.Warn("recoverable accept error", slog.String("error", err.Error()))
			} else {
				s.log.Error("accept error", slog.String("error", err.Error()))
			}
			continue
		}

		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	s.wg.Add(1)
	defer s.wg.Done()

	remoteIP := peerIP(conn)

	if !s.acquireSlot() {
		metrics.SMTPConnectionsTotal.WithLabelValues("rejected").Inc()
		s.rawReply(conn, codeRateLimited, "Too many connections, try again later")
		conn.Close()
		return
	}
	defer s.releaseSlot()

	if d := s.policy.CheckConnect(remoteIP); !d.Accept {
		metrics.SMTPConnectionsTotal.WithLabelValues("rejected").Inc()
		s.log.Info("connection rejected by policy",
			slog.String("remote_ip", remoteIP),
			slog.Int("code", d.Code))
		s.rawReply(conn, d.Code, d.Message)
		conn.Close()
		return
	}

	metrics.SMTPConnectionsTotal.WithLabelValues("accepted").Inc()
	conn.SetDeadline(time.Now().Add(s.cfg.SocketTimeout))

	session := NewSession(conn, remoteIP, s.cfg.Hostname, s.tlsConfig,
		s.cfg.SocketTimeout, s.cfg.MaxMessageSize, s.policy, s.handler)
	session.Run()
}

// acquireSlot takes a client slot under the max-clients cap.
func (s *Server) acquireSlot() bool {
	for {
		current := atomic.LoadInt64(&s.activeConns)
		if current >= int64(s.cfg.MaxClients) {
			return false
		}
		if atomic.CompareAndSwapInt64(&s.activeConns, current, current+1) {
			return true
		}
	}
}

func (s *Server) releaseSlot() {
	atomic.AddInt64(&s.activeConns, -1)
}

// ActiveConnections reports current sessions; the health endpoint uses it.
func (s *Server) ActiveConnections() int64 {
	return atomic.LoadInt64(&s.activeConns)
}

// Running reports whether the listener is accepting.
func (s *Server) Running() bool {
	return s.running.Load()
}

// rawReply writes a response before any session exists.
func (s *Server) rawReply(conn net.Conn, code int, message string) {
	fmt.Fprintf(conn, "%d %s\r\n", code, message)
}

// peerIP extracts and normalizes the remote address.
func peerIP(conn net.Conn) string {
	addr := conn.RemoteAddr().String()
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	return NormalizeIP(host)
}
