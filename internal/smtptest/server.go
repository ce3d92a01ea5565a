// Package smtptest provides an in-process SMTP server for exercising the
// outbound client end to end. It records every command line and accepted
// message, and can be told to misbehave in specific ways.
package smtptest

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/shineum/smtp-outbox/internal/parser"
)

// shutdownTimeout is the maximum time to wait for in-flight connections
// when the server is closed.
const shutdownTimeout = 5 * time.Second

// Config controls how the server answers.
type Config struct {
	// Hostname is used in the greeting and EHLO responses.
	Hostname string

	// TLSConfig enables implicit TLS on the listener when set.
	TLSConfig *tls.Config

	// Accounts are the AUTH credentials the server accepts. When empty,
	// AUTH is not offered and MAIL is allowed right after EHLO.
	Accounts map[string]string

	// Greeting replaces the default "220" banner. It may span several
	// CRLF-separated lines.
	Greeting string

	// RejectRecipients lists RCPT addresses answered with 550.
	RejectRecipients []string

	// HangupAfterUser closes the connection as soon as the AUTH LOGIN
	// username equal to this value has been received.
	HangupAfterUser string

	// Silent makes the server accept connections and never reply.
	Silent bool
}

// Message is one accepted DATA transaction.
type Message struct {
	From string
	To   []string

	// Raw is the message with dot-stuffing removed.
	Raw []byte

	// Parsed is nil when Raw could not be parsed.
	Parsed *parser.Message
}

// Server is a scriptable SMTP server bound to a loopback port.
type Server struct {
	config   Config
	auth     *Authenticator
	listener net.Listener
	cancel   context.CancelFunc

	// wg tracks in-flight session goroutines for shutdown.
	wg sync.WaitGroup

	mu       sync.Mutex
	messages []Message
	commands []string
	conns    int
}

// NewServer starts a server on 127.0.0.1 with a random port. The server
// is closed when the test finishes.
func NewServer(t testing.TB, cfg Config) *Server {
	t.Helper()

	s := New(cfg)
	if err := s.Start(); err != nil {
		t.Fatalf("failed to start smtp test server: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

// New creates a Server without starting it.
func New(cfg Config) *Server {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}

	return &Server{
		config: cfg,
		auth:   NewAuthenticator(cfg.Accounts),
	}
}

// Start binds the listener and serves connections in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return err
	}
	if s.config.TLSConfig != nil {
		ln = tls.NewListener(ln, s.config.TLSConfig)
	}
	s.listener = ln

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	slog.Debug("smtp test server listening",
		"addr", ln.Addr().String(),
		"auth_enabled", s.auth.Enabled(),
		"tls_enabled", s.config.TLSConfig != nil,
	)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.serve(ctx)
	}()
	return nil
}

func (s *Server) serve(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				slog.Debug("accept error", "error", err)
				return
			}
		}

		s.mu.Lock()
		s.conns++
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			NewSession(conn, s).Handle(ctx)
		}()
	}
}

// Close stops accepting connections, ends open sessions and waits for them.
func (s *Server) Close() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.listener.Close()
	s.waitForSessions()
}

// waitForSessions waits for all in-flight sessions to complete, with a
// maximum timeout to prevent indefinite blocking.
func (s *Server) waitForSessions() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		slog.Warn("smtp test server shutdown timeout reached")
	}
}

// Addr returns the listener address, or empty string if not listening.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// Host returns the listener IP.
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.Addr())
	return host
}

// Port returns the listener port.
func (s *Server) Port() int {
	_, port, _ := net.SplitHostPort(s.Addr())
	n, _ := strconv.Atoi(port)
	return n
}

// Messages returns a copy of the accepted messages, in arrival order.
func (s *Server) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages...)
}

// Commands returns every line received outside of DATA, in arrival order
// across all connections.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// Connections returns how many connections have been accepted.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns
}

func (s *Server) recordCommand(line string) {
	s.mu.Lock()
	s.commands = append(s.commands, line)
	s.mu.Unlock()
}

func (s *Server) recordMessage(msg Message) {
	s.mu.Lock()
	s.messages = append(s.messages, msg)
	s.mu.Unlock()
}

func (s *Server) rejects(rcpt string) bool {
	for _, r := range s.config.RejectRecipients {
		if r == rcpt {
			return true
		}
	}
	return false
}
