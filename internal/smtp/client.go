package smtp

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/shineum/smtp-outbox/internal/email"
)

const (
	// DefaultChunkSize is the largest single write of message body bytes.
	DefaultChunkSize = 16 * 1024

	defaultConnectTimeout = 30 * time.Second
	defaultHeloName       = "localhost"

	// quitTimeout bounds the QUIT exchange during cleanup.
	quitTimeout = 2 * time.Second
)

// state is the point reached in the command exchange. Each state names
// the command just sent and carries the reply code it expects.
type state int

const (
	stateAwaitingGreeting state = iota
	stateAfterEhlo
	stateAfterAuthUser
	stateAfterAuthPass
	stateAfterAuthenticated
	stateAfterMailFrom
	stateAfterRcptTo
	stateAfterData
	stateAfterBody
	stateClosed
)

var stateNames = [...]string{
	stateAwaitingGreeting:   "AwaitingGreeting",
	stateAfterEhlo:          "AfterEhlo",
	stateAfterAuthUser:      "AfterAuthUser",
	stateAfterAuthPass:      "AfterAuthPass",
	stateAfterAuthenticated: "AfterAuthenticated",
	stateAfterMailFrom:      "AfterMailFrom",
	stateAfterRcptTo:        "AfterRcptTo",
	stateAfterData:          "AfterData",
	stateAfterBody:          "AfterBody",
	stateClosed:             "Closed",
}

var stateCodes = [...]int{
	stateAwaitingGreeting:   220,
	stateAfterEhlo:          250,
	stateAfterAuthUser:      334,
	stateAfterAuthPass:      334,
	stateAfterAuthenticated: 235,
	stateAfterMailFrom:      250,
	stateAfterRcptTo:        250,
	stateAfterData:          354,
	stateAfterBody:          250,
	stateClosed:             221,
}

func (s state) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
	return stateNames[s]
}

// expect returns the reply code awaited in this state.
func (s state) expect() int {
	return stateCodes[s]
}

// Config holds the relay connection settings.
type Config struct {
	Host string
	Port int

	// HeloName is sent with EHLO. Defaults to "localhost".
	HeloName string

	// TLSConfig enables implicit TLS. When nil the connection is plain
	// TCP, which is only meant for local relays.
	TLSConfig *tls.Config

	ConnectTimeout time.Duration

	// ChunkSize caps each body write. Defaults to DefaultChunkSize.
	ChunkSize int
}

// Client sends one message per connection. It is safe for concurrent use;
// every Send owns its socket.
type Client struct {
	config Config
	dial   func(ctx context.Context) (net.Conn, error)
}

// New creates a Client for the given relay.
func New(cfg Config) *Client {
	if cfg.HeloName == "" {
		cfg.HeloName = defaultHeloName
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}

	c := &Client{config: cfg}
	c.dial = c.dialRelay
	return c
}

// Name returns the provider name.
func (c *Client) Name() string {
	return "smtp"
}

// Send delivers msg, which must already be composed and dot-stuffed,
// over a fresh connection. The context deadline bounds the whole
// exchange and cancellation unblocks any pending read or write.
func (c *Client) Send(ctx context.Context, env *email.Envelope, msg []byte) (err error) {
	if env == nil {
		return errors.New("smtp: nil envelope")
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}

	sess := &session{
		conn:      conn,
		lr:        NewLineReader(conn),
		state:     stateAwaitingGreeting,
		chunkSize: c.config.ChunkSize,
	}

	defer func() {
		if err != nil {
			sess.abort()
		}
		if cerr := conn.Close(); cerr != nil {
			slog.Debug("smtp close failed", "error", cerr)
		}
	}()

	if deadline, ok := ctx.Deadline(); ok {
		if derr := conn.SetDeadline(deadline); derr != nil {
			return &TransportError{Op: "set deadline", Err: derr}
		}
	}
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	defer stop()

	err = sess.run(c.config.HeloName, env, msg)
	if err != nil {
		var te *TransportError
		if cerr := contextErr(ctx); cerr != nil && errors.As(err, &te) {
			err = &TransportError{Op: te.Op, Err: errors.Join(cerr, te.Err)}
		}
	}
	return err
}

// contextErr reports why ctx ended, treating a passed deadline as expired
// even before the context timer has fired.
func contextErr(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok && !time.Now().Before(deadline) {
		return context.DeadlineExceeded
	}
	return nil
}

func (c *Client) dialRelay(ctx context.Context) (net.Conn, error) {
	addr := net.JoinHostPort(c.config.Host, strconv.Itoa(c.config.Port))
	netDialer := &net.Dialer{Timeout: c.config.ConnectTimeout}

	if c.config.TLSConfig == nil {
		conn, err := netDialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, &TransportError{Op: "dial", Err: err}
		}
		return conn, nil
	}

	tlsConfig := c.config.TLSConfig
	if tlsConfig.ServerName == "" {
		tlsConfig = tlsConfig.Clone()
		tlsConfig.ServerName = c.config.Host
	}

	dialer := &tls.Dialer{NetDialer: netDialer, Config: tlsConfig}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &TransportError{Op: "dial tls", Err: err}
	}
	return conn, nil
}

// session is the state of one connection. It is never shared.
type session struct {
	conn      net.Conn
	lr        *LineReader
	state     state
	chunkSize int
}

func (s *session) run(heloName string, env *email.Envelope, msg []byte) error {
	if _, err := readReply(s.lr, s.state.expect(), s.state.String()); err != nil {
		return err
	}

	if err := s.step(stateAfterEhlo, "EHLO "+heloName); err != nil {
		return err
	}

	if env.Username != "" {
		user, pass := loginCredentials(env.Username, env.Password)
		if err := s.step(stateAfterAuthUser, "AUTH LOGIN"); err != nil {
			return err
		}
		if err := s.step(stateAfterAuthPass, user); err != nil {
			return err
		}
		if err := s.step(stateAfterAuthenticated, pass); err != nil {
			return err
		}
	}

	if err := s.step(stateAfterMailFrom, fmt.Sprintf("MAIL FROM:<%s>", env.From)); err != nil {
		return err
	}
	if err := s.step(stateAfterRcptTo, fmt.Sprintf("RCPT TO:<%s>", env.To)); err != nil {
		return err
	}
	if err := s.step(stateAfterData, "DATA"); err != nil {
		return err
	}

	if err := s.writeBody(msg); err != nil {
		return err
	}
	if err := s.step(stateAfterBody, "."); err != nil {
		return err
	}

	s.quit()
	return nil
}

// step sends one command line, moves to next and awaits its reply.
func (s *session) step(next state, line string) error {
	if err := s.writeLine(line); err != nil {
		return err
	}
	s.state = next
	slog.Debug("smtp command sent", "state", next.String())
	_, err := readReply(s.lr, next.expect(), next.String())
	return err
}

func (s *session) writeLine(line string) error {
	if strings.ContainsAny(line, "\r\n") {
		return fmt.Errorf("%w after %s", ErrLineBreak, s.state)
	}
	if _, err := s.conn.Write([]byte(line + "\r\n")); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

// writeBody streams msg in chunks of at most chunkSize bytes and makes
// sure it ends with CRLF so the terminator sits on its own line.
func (s *session) writeBody(msg []byte) error {
	for off := 0; off < len(msg); off += s.chunkSize {
		end := min(off+s.chunkSize, len(msg))
		if _, err := s.conn.Write(msg[off:end]); err != nil {
			return &TransportError{Op: "write body", Err: err}
		}
	}
	if !bytes.HasSuffix(msg, []byte("\r\n")) {
		if _, err := s.conn.Write([]byte("\r\n")); err != nil {
			return &TransportError{Op: "write body", Err: err}
		}
	}
	return nil
}

// quit ends a successful exchange. The 221 reply is awaited but not
// required.
func (s *session) quit() {
	if err := s.writeLine("QUIT"); err != nil {
		slog.Debug("smtp QUIT failed", "error", err)
		return
	}
	s.state = stateClosed
	if _, err := readReply(s.lr, s.state.expect(), s.state.String()); err != nil {
		slog.Debug("smtp QUIT reply not received", "error", err)
	}
}

// abort sends QUIT under a short deadline without waiting for a reply.
// Failures here are dropped so the original error surfaces.
func (s *session) abort() {
	if s.state == stateClosed {
		return
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(quitTimeout)); err != nil {
		return
	}
	if err := s.writeLine("QUIT"); err != nil {
		slog.Debug("smtp QUIT on abort failed", "error", err)
	}
	s.state = stateClosed
}
