package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	graphScope = "https://graph.microsoft.com/.default"

	// maxExpiryMargin is how long before expiry a token stops being handed
	// out. Tokens living shorter than twice the margin use half their
	// lifetime instead.
	maxExpiryMargin = 5 * time.Minute
)

// tokenResponse is the client-credentials grant answer.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// tokenError is a non-200 answer from the token endpoint.
type tokenError struct {
	statusCode int
	body       string
}

func (e *tokenError) Error() string {
	return fmt.Sprintf("token endpoint returned %d: %s", e.statusCode, e.body)
}

// tokenSource hands out client-credentials access tokens, fetching a new
// one when the cached token is close to expiry. Safe for concurrent use;
// callers waiting on a fetch share its result.
type tokenSource struct {
	tokenURL     string
	clientID     string
	clientSecret string
	httpClient   *http.Client
	now          func() time.Time

	mu        sync.Mutex
	current   string
	expiresAt time.Time
}

func newTokenSource(tokenURL, clientID, clientSecret string, httpClient *http.Client) *tokenSource {
	return &tokenSource{
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient:   httpClient,
		now:          time.Now,
	}
}

// Token returns the cached token or fetches a fresh one.
func (ts *tokenSource) Token(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.current != "" && ts.now().Before(ts.expiresAt) {
		return ts.current, nil
	}
	return ts.fetch(ctx)
}

// Renew replaces a token the API rejected. When another caller already
// replaced stale, the newer token is returned without a fetch.
func (ts *tokenSource) Renew(ctx context.Context, stale string) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.current != "" && ts.current != stale && ts.now().Before(ts.expiresAt) {
		return ts.current, nil
	}
	ts.current, ts.expiresAt = "", time.Time{}
	return ts.fetch(ctx)
}

// fetch must be called with ts.mu held.
func (ts *tokenSource) fetch(ctx context.Context) (string, error) {
	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {ts.clientID},
		"client_secret": {ts.clientSecret},
		"scope":         {graphScope},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := ts.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("failed to read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &tokenError{statusCode: resp.StatusCode, body: string(body)}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", fmt.Errorf("failed to parse token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", errors.New("token response missing access_token")
	}

	lifetime := time.Duration(tr.ExpiresIn) * time.Second
	ts.current = tr.AccessToken
	ts.expiresAt = ts.now().Add(lifetime - expiryMargin(lifetime))
	return ts.current, nil
}

func expiryMargin(lifetime time.Duration) time.Duration {
	if lifetime < 2*maxExpiryMargin {
		return lifetime / 2
	}
	return maxExpiryMargin
}
