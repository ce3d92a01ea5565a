package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeClock is a settable time source for token expiry.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// newIssuer serves numbered tokens with the given lifetime and counts
// requests.
func newIssuer(t *testing.T, expiresIn int64, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(tokenResponse{
			AccessToken: fmt.Sprintf("tok-%d", n),
			ExpiresIn:   expiresIn,
			TokenType:   "Bearer",
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestSource(srv *httptest.Server, clock *fakeClock) *tokenSource {
	ts := newTokenSource(srv.URL, "cid", "csecret", srv.Client())
	if clock != nil {
		ts.now = clock.Now
	}
	return ts
}

func TestTokenSource_RequestForm(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/x-www-form-urlencoded" {
			t.Errorf("Content-Type: got %q", ct)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("failed to parse form: %v", err)
		}

		want := map[string]string{
			"grant_type":    "client_credentials",
			"client_id":     "app-id",
			"client_secret": "app-secret",
			"scope":         graphScope,
		}
		for k, v := range want {
			if got := r.FormValue(k); got != v {
				t.Errorf("%s: got %q, want %q", k, got, v)
			}
		}

		json.NewEncoder(w).Encode(tokenResponse{AccessToken: "issued", ExpiresIn: 3600})
	}))
	defer srv.Close()

	ts := newTokenSource(srv.URL, "app-id", "app-secret", srv.Client())
	token, err := ts.Token(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token != "issued" {
		t.Errorf("token: got %q, want %q", token, "issued")
	}
}

func TestTokenSource_ReusesUntilMargin(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	ts := newTestSource(newIssuer(t, 3600, &calls), clock)
	ctx := context.Background()

	first, err := ts.Token(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Usable until five minutes before the hour is up.
	clock.Advance(54 * time.Minute)
	if tok, _ := ts.Token(ctx); tok != first {
		t.Errorf("token inside lifetime: got %q, want %q", tok, first)
	}

	clock.Advance(time.Minute)
	tok, err := ts.Token(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tok == first {
		t.Error("expected a new token once inside the expiry margin")
	}
	if calls.Load() != 2 {
		t.Errorf("token requests: got %d, want 2", calls.Load())
	}
}

func TestExpiryMargin(t *testing.T) {
	t.Parallel()

	tests := []struct {
		lifetime time.Duration
		want     time.Duration
	}{
		{time.Hour, 5 * time.Minute},
		{10 * time.Minute, 5 * time.Minute},
		{4 * time.Minute, 2 * time.Minute},
		{0, 0},
	}

	for _, tt := range tests {
		if got := expiryMargin(tt.lifetime); got != tt.want {
			t.Errorf("expiryMargin(%v): got %v, want %v", tt.lifetime, got, tt.want)
		}
	}
}

func TestTokenSource_RenewReplacesStaleToken(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	ts := newTestSource(newIssuer(t, 3600, &calls), nil)
	ctx := context.Background()

	stale, _ := ts.Token(ctx)
	fresh, err := ts.Renew(ctx, stale)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fresh == stale {
		t.Errorf("Renew returned the rejected token %q", stale)
	}
	if tok, _ := ts.Token(ctx); tok != fresh {
		t.Errorf("Token after Renew: got %q, want %q", tok, fresh)
	}
}

func TestTokenSource_RenewSharesReplacement(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	ts := newTestSource(newIssuer(t, 3600, &calls), nil)
	ctx := context.Background()

	stale, _ := ts.Token(ctx)

	const callers = 8
	var wg sync.WaitGroup
	renewed := make([]string, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			renewed[i], _ = ts.Renew(ctx, stale)
		}()
	}
	wg.Wait()

	for i, tok := range renewed {
		if tok != renewed[0] {
			t.Errorf("caller %d: got %q, want %q", i, tok, renewed[0])
		}
	}
	if calls.Load() != 2 {
		t.Errorf("token requests: got %d, want 2 (initial + one renewal)", calls.Load())
	}
}

func TestTokenSource_ConcurrentFirstUse(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	ts := newTestSource(newIssuer(t, 3600, &calls), nil)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := ts.Token(context.Background()); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("unexpected error: %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("token requests: got %d, want 1", calls.Load())
	}
}

func TestTokenSource_EndpointError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"invalid_client"}`))
	}))
	defer srv.Close()

	ts := newTokenSource(srv.URL, "cid", "wrong", srv.Client())
	_, err := ts.Token(context.Background())

	var te *tokenError
	if !errors.As(err, &te) {
		t.Fatalf("expected *tokenError, got %T: %v", err, err)
	}
	if te.statusCode != http.StatusUnauthorized {
		t.Errorf("status: got %d, want %d", te.statusCode, http.StatusUnauthorized)
	}
}

func TestTokenSource_BadResponses(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
	}{
		{name: "invalid json", body: "not json"},
		{name: "missing access token", body: `{"expires_in":3600}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			ts := newTokenSource(srv.URL, "cid", "csecret", srv.Client())
			if _, err := ts.Token(context.Background()); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestTokenSource_ContextCancelled(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	ts := newTestSource(newIssuer(t, 3600, &calls), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := ts.Token(ctx); err == nil {
		t.Error("expected error for cancelled context, got nil")
	}
}
