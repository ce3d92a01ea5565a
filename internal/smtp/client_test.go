package smtp

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/smtp-outbox/internal/compose"
	"github.com/shineum/smtp-outbox/internal/email"
	"github.com/shineum/smtp-outbox/internal/smtptest"
	outboxtls "github.com/shineum/smtp-outbox/internal/tls"
)

const (
	testUser = "alice@example.com"
	testPass = "s3cret"
)

func testEnvelope() *email.Envelope {
	return &email.Envelope{
		From:     testUser,
		To:       "bob@example.com",
		Username: testUser,
		Password: testPass,
	}
}

func testMessage(t *testing.T) []byte {
	t.Helper()
	msg, err := compose.Compose(&email.Job{
		Recipient:     "bob@example.com",
		SenderName:    "Alice",
		SenderAccount: testUser,
		Subject:       "Status report",
		PlainBody:     "All good.\n.\nEnd",
		HTMLBody:      "<p>All good.</p>",
	}, nil, compose.NewBoundary())
	require.NoError(t, err)
	return msg
}

func clientFor(srv *smtptest.Server) *Client {
	return New(Config{
		Host:     srv.Host(),
		Port:     srv.Port(),
		HeloName: "outbox.test",
	})
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestClient_SendWithAuth(t *testing.T) {
	t.Parallel()

	srv := smtptest.NewServer(t, smtptest.Config{
		Accounts: map[string]string{testUser: testPass},
	})
	client := clientFor(srv)

	err := client.Send(testContext(t), testEnvelope(), testMessage(t))
	require.NoError(t, err)

	user := base64.StdEncoding.EncodeToString([]byte(testUser))
	pass := base64.StdEncoding.EncodeToString([]byte(testPass))
	assert.Equal(t, []string{
		"EHLO outbox.test",
		"AUTH LOGIN",
		user,
		pass,
		"MAIL FROM:<alice@example.com>",
		"RCPT TO:<bob@example.com>",
		"DATA",
		"QUIT",
	}, srv.Commands())

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, testUser, msgs[0].From)
	assert.Equal(t, []string{"bob@example.com"}, msgs[0].To)
	require.NotNil(t, msgs[0].Parsed)
	assert.Equal(t, "Status report", msgs[0].Parsed.Subject)
	assert.Equal(t, "All good.\r\n.\r\nEnd", msgs[0].Parsed.TextBody)
}

func TestClient_SkipsAuthWithoutUsername(t *testing.T) {
	t.Parallel()

	srv := smtptest.NewServer(t, smtptest.Config{})
	env := testEnvelope()
	env.Username = ""
	env.Password = ""

	require.NoError(t, clientFor(srv).Send(testContext(t), env, testMessage(t)))

	assert.NotContains(t, srv.Commands(), "AUTH LOGIN")
	assert.Len(t, srv.Messages(), 1)
}

func TestClient_MultiLineGreeting(t *testing.T) {
	t.Parallel()

	srv := smtptest.NewServer(t, smtptest.Config{
		Greeting: "220-relay.test ESMTP\r\n220-no UCE\r\n220 ready",
	})
	env := testEnvelope()
	env.Username = ""

	require.NoError(t, clientFor(srv).Send(testContext(t), env, testMessage(t)))
	assert.Len(t, srv.Messages(), 1)
}

func TestClient_RejectedRecipientHalts(t *testing.T) {
	t.Parallel()

	srv := smtptest.NewServer(t, smtptest.Config{
		Accounts:         map[string]string{testUser: testPass},
		RejectRecipients: []string{"bob@example.com"},
	})

	err := clientFor(srv).Send(testContext(t), testEnvelope(), testMessage(t))

	var ure *UnexpectedReplyError
	require.ErrorAs(t, err, &ure)
	assert.Equal(t, 250, ure.Expected)
	assert.Equal(t, "AfterRcptTo", ure.Stage)
	assert.True(t, strings.HasPrefix(ure.Line, "550 "), "line %q", ure.Line)

	assert.NotContains(t, srv.Commands(), "DATA")
	assert.Empty(t, srv.Messages())
}

func TestClient_RefusesLineBreakInEnvelope(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*email.Envelope)
	}{
		{name: "recipient", mutate: func(e *email.Envelope) {
			e.To = "bob@example.com>\r\nRCPT TO:<evil@attacker.test"
		}},
		{name: "sender", mutate: func(e *email.Envelope) {
			e.From = "alice@example.com>\nRCPT TO:<evil@attacker.test"
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv := smtptest.NewServer(t, smtptest.Config{})
			env := testEnvelope()
			env.Username = ""
			tt.mutate(env)

			err := clientFor(srv).Send(testContext(t), env, testMessage(t))
			require.ErrorIs(t, err, ErrLineBreak)

			for _, cmd := range srv.Commands() {
				assert.NotContains(t, cmd, "evil@attacker.test")
			}
			assert.NotContains(t, srv.Commands(), "DATA")
			assert.Empty(t, srv.Messages())
		})
	}
}

func TestClient_BadGreeting(t *testing.T) {
	t.Parallel()

	srv := smtptest.NewServer(t, smtptest.Config{Greeting: "554 no service here"})

	err := clientFor(srv).Send(testContext(t), testEnvelope(), testMessage(t))

	var ure *UnexpectedReplyError
	require.ErrorAs(t, err, &ure)
	assert.Equal(t, 220, ure.Expected)
	assert.Equal(t, "AwaitingGreeting", ure.Stage)
	assert.Equal(t, "554 no service here", ure.Line)
	assert.NotContains(t, srv.Commands(), "EHLO outbox.test")
}

func TestClient_WrongPassword(t *testing.T) {
	t.Parallel()

	srv := smtptest.NewServer(t, smtptest.Config{
		Accounts: map[string]string{testUser: "other"},
	})

	err := clientFor(srv).Send(testContext(t), testEnvelope(), testMessage(t))

	var ure *UnexpectedReplyError
	require.ErrorAs(t, err, &ure)
	assert.Equal(t, 235, ure.Expected)
	assert.Equal(t, "AfterAuthenticated", ure.Stage)
}

func TestClient_ConnectionClosedMidHandshake(t *testing.T) {
	t.Parallel()

	srv := smtptest.NewServer(t, smtptest.Config{
		Accounts:        map[string]string{testUser: testPass},
		HangupAfterUser: testUser,
	})

	err := clientFor(srv).Send(testContext(t), testEnvelope(), testMessage(t))
	assert.ErrorIs(t, err, ErrConnectionClosed)
	assert.Empty(t, srv.Messages())
}

func TestClient_DeadlineOnSilentServer(t *testing.T) {
	t.Parallel()

	srv := smtptest.NewServer(t, smtptest.Config{Silent: true})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := clientFor(srv).Send(ctx, testEnvelope(), testMessage(t))

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.True(t, te.Timeout())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestClient_CancelUnblocksRead(t *testing.T) {
	t.Parallel()

	srv := smtptest.NewServer(t, smtptest.Config{Silent: true})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	err := clientFor(srv).Send(ctx, testEnvelope(), testMessage(t))

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClient_DialFailure(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()

	client := New(Config{Host: "127.0.0.1", Port: addr.Port, ConnectTimeout: time.Second})
	err = client.Send(testContext(t), testEnvelope(), testMessage(t))

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "dial", te.Op)
}

func TestClient_AppendsMissingCRLF(t *testing.T) {
	t.Parallel()

	srv := smtptest.NewServer(t, smtptest.Config{})
	env := testEnvelope()
	env.Username = ""

	body := []byte("Subject: bare\r\n\r\nno trailing newline")
	require.NoError(t, clientFor(srv).Send(testContext(t), env, body))

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "Subject: bare\r\n\r\nno trailing newline\r\n", string(msgs[0].Raw))
}

// recordingConn records the size of every write.
type recordingConn struct {
	net.Conn

	mu     sync.Mutex
	writes []int
}

func (c *recordingConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	c.writes = append(c.writes, len(p))
	c.mu.Unlock()
	return c.Conn.Write(p)
}

func TestClient_ChunksBody(t *testing.T) {
	t.Parallel()

	srv := smtptest.NewServer(t, smtptest.Config{})
	client := New(Config{Host: srv.Host(), Port: srv.Port(), ChunkSize: 1024})

	var rec *recordingConn
	dial := client.dial
	client.dial = func(ctx context.Context) (net.Conn, error) {
		conn, err := dial(ctx)
		if err != nil {
			return nil, err
		}
		rec = &recordingConn{Conn: conn}
		return rec, nil
	}

	var body bytes.Buffer
	body.WriteString("Subject: big\r\n\r\n")
	for body.Len() < 5000 {
		body.WriteString("0123456789abcdefghijklmnopqrstuvwxyz\r\n")
	}

	env := testEnvelope()
	env.Username = ""
	require.NoError(t, client.Send(testContext(t), env, body.Bytes()))

	rec.mu.Lock()
	writes := slices.Clone(rec.writes)
	rec.mu.Unlock()

	full := 0
	for _, n := range writes {
		assert.LessOrEqual(t, n, 1024)
		if n == 1024 {
			full++
		}
	}
	assert.Equal(t, body.Len()/1024, full)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, body.String(), string(msgs[0].Raw))
}

func TestClient_ImplicitTLS(t *testing.T) {
	t.Parallel()

	cert, err := outboxtls.GenerateSelfSignedCert()
	require.NoError(t, err)

	caFile := filepath.Join(t.TempDir(), "relay-ca.pem")
	require.NoError(t, os.WriteFile(caFile, outboxtls.CertPEM(cert), 0o600))

	srv := smtptest.NewServer(t, smtptest.Config{
		TLSConfig: &tls.Config{Certificates: []tls.Certificate{*cert}, MinVersion: tls.VersionTLS12},
		Accounts:  map[string]string{testUser: testPass},
	})

	clientTLS, err := outboxtls.ClientConfig(outboxtls.ClientOptions{CAFile: caFile})
	require.NoError(t, err)

	client := New(Config{
		Host:      srv.Host(),
		Port:      srv.Port(),
		TLSConfig: clientTLS,
	})

	require.NoError(t, client.Send(testContext(t), testEnvelope(), testMessage(t)))
	assert.Len(t, srv.Messages(), 1)
}

func TestClient_TLSVerificationFailure(t *testing.T) {
	t.Parallel()

	serverTLS, err := outboxtls.ServerConfig("", "")
	require.NoError(t, err)

	srv := smtptest.NewServer(t, smtptest.Config{TLSConfig: serverTLS})

	clientTLS, err := outboxtls.ClientConfig(outboxtls.ClientOptions{})
	require.NoError(t, err)

	client := New(Config{
		Host:      srv.Host(),
		Port:      srv.Port(),
		TLSConfig: clientTLS,
	})

	err = client.Send(testContext(t), testEnvelope(), testMessage(t))
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "dial tls", te.Op)
	assert.Empty(t, srv.Messages())
}

func TestClient_NilEnvelope(t *testing.T) {
	t.Parallel()

	err := New(Config{Host: "127.0.0.1", Port: 1}).Send(context.Background(), nil, nil)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrConnectionClosed))
}

func TestState_String(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state state
		name  string
		code  int
	}{
		{stateAwaitingGreeting, "AwaitingGreeting", 220},
		{stateAfterEhlo, "AfterEhlo", 250},
		{stateAfterAuthUser, "AfterAuthUser", 334},
		{stateAfterAuthPass, "AfterAuthPass", 334},
		{stateAfterAuthenticated, "AfterAuthenticated", 235},
		{stateAfterMailFrom, "AfterMailFrom", 250},
		{stateAfterRcptTo, "AfterRcptTo", 250},
		{stateAfterData, "AfterData", 354},
		{stateAfterBody, "AfterBody", 250},
		{stateClosed, "Closed", 221},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.name, tt.state.String())
		assert.Equal(t, tt.code, tt.state.expect())
	}
	assert.Equal(t, "state(42)", state(42).String())
}

func TestLoginCredentials(t *testing.T) {
	t.Parallel()

	user, pass := loginCredentials("user@example.com", "p@ss:word")
	assert.Equal(t, "dXNlckBleGFtcGxlLmNvbQ==", user)
	assert.Equal(t, "cEBzczp3b3Jk", pass)
}
