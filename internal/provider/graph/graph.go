// Package graph implements a Provider that sends MIME messages via the
// Microsoft Graph API.
package graph

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shineum/smtp-outbox/internal/compose"
	"github.com/shineum/smtp-outbox/internal/email"
)

// Config holds the configuration for creating a Provider.
type Config struct {
	TenantID     string
	ClientID     string
	ClientSecret string
}

const (
	defaultGraphURL = "https://graph.microsoft.com/v1.0"

	// maxRetries is the maximum number of retry attempts for throttled requests.
	maxRetries = 3

	// baseRetryDelay is the initial delay for exponential backoff.
	baseRetryDelay = 1 * time.Second
)

// Provider sends composed messages through the Microsoft Graph sendMail
// endpoint in MIME form, using OAuth2 client credentials. The envelope
// sender selects the mailbox the message is sent from.
type Provider struct {
	graphURL   string
	httpClient *http.Client
	tokens     *tokenSource
	retryDelay time.Duration
}

// New creates a Provider for the given tenant and application.
func New(cfg Config) *Provider {
	tokenURL := fmt.Sprintf(
		"https://login.microsoftonline.com/%s/oauth2/v2.0/token",
		cfg.TenantID,
	)

	client := &http.Client{Timeout: 30 * time.Second}
	return newWithOverrides(cfg, defaultGraphURL, tokenURL, client)
}

// newWithOverrides creates a Provider with custom URLs and HTTP client,
// used for testing.
func newWithOverrides(cfg Config, graphURL, tokenURL string, client *http.Client) *Provider {
	return &Provider{
		graphURL:   strings.TrimSuffix(graphURL, "/"),
		httpClient: client,
		tokens:     newTokenSource(tokenURL, cfg.ClientID, cfg.ClientSecret, client),
		retryDelay: baseRetryDelay,
	}
}

// Send posts the unstuffed message as base64 MIME. A 401 triggers one
// token refresh; 429 and 503 are retried after Retry-After or backoff.
// Other failures are returned without retrying, since the message may
// already have been accepted.
func (p *Provider) Send(ctx context.Context, env *email.Envelope, msg []byte) error {
	endpoint := fmt.Sprintf("%s/users/%s/sendMail", p.graphURL, url.PathEscape(env.From))
	body := base64.StdEncoding.EncodeToString(compose.Unstuff(msg))

	var lastErr error
	tokenRefreshed := false

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			slog.Debug("retrying Graph API request",
				"attempt", attempt,
				"max_retries", maxRetries,
			)
		}

		token, err := p.tokens.Token(ctx)
		if err != nil {
			return fmt.Errorf("failed to get access token: %w", err)
		}

		err = p.doSendRequest(ctx, endpoint, body, token)
		if err == nil {
			return nil
		}

		lastErr = err

		var graphErr *sendError
		if !errors.As(err, &graphErr) {
			return err
		}

		switch {
		case graphErr.statusCode == http.StatusUnauthorized && !tokenRefreshed:
			slog.Info("refreshing Graph API token after 401")
			if _, refreshErr := p.tokens.Renew(ctx, token); refreshErr != nil {
				return fmt.Errorf("token refresh failed: %w", refreshErr)
			}
			tokenRefreshed = true
			continue
		case graphErr.retryable:
			delay := p.retryAfterDelay(graphErr.retryAfter, attempt)
			slog.Info("Graph API throttled, retrying",
				"status", graphErr.statusCode,
				"delay", delay,
			)
			if err := sleepWithContext(ctx, delay); err != nil {
				return fmt.Errorf("context cancelled during retry wait: %w", err)
			}
			continue
		default:
			return graphErr
		}
	}

	return fmt.Errorf("Graph API request failed after %d retries: %w", maxRetries, lastErr)
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "graph"
}

// doSendRequest performs a single HTTP request to the sendMail endpoint.
func (p *Provider) doSendRequest(ctx context.Context, endpoint, body, token string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("graph request failed: %w", err)
	}
	defer resp.Body.Close()

	// HTTP 202 Accepted is success for sendMail
	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
		return nil
	}

	respBody, _ := io.ReadAll(resp.Body)

	sendErr := classifyError(resp.StatusCode, string(respBody), resp.Header.Get("Retry-After"))

	var apiErr apiError
	if jsonErr := json.Unmarshal(respBody, &apiErr); jsonErr == nil && apiErr.Error.Message != "" {
		sendErr.code = apiErr.Error.Code
		sendErr.message = apiErr.Error.Message
	}
	return sendErr
}

// apiError is the JSON error body returned by Graph.
type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// sendError is an error response from the sendMail endpoint.
type sendError struct {
	code       string
	message    string
	statusCode int
	retryable  bool
	retryAfter string
}

func (e *sendError) Error() string {
	if e.code != "" {
		return fmt.Sprintf("Graph API error (HTTP %d, %s): %s", e.statusCode, e.code, e.message)
	}
	return fmt.Sprintf("Graph API error (HTTP %d): %s", e.statusCode, e.message)
}

// classifyError marks throttling responses as retryable. Everything else
// is final for this attempt.
func classifyError(statusCode int, message, retryAfter string) *sendError {
	return &sendError{
		message:    message,
		statusCode: statusCode,
		retryAfter: retryAfter,
		retryable:  statusCode == http.StatusTooManyRequests || statusCode == http.StatusServiceUnavailable,
	}
}

// retryAfterDelay parses the Retry-After header value and returns the appropriate delay.
// Falls back to exponential backoff if the header is missing or unparseable.
func (p *Provider) retryAfterDelay(retryAfter string, attempt int) time.Duration {
	if retryAfter != "" {
		if seconds, err := strconv.Atoi(retryAfter); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	return p.backoffDelay(attempt)
}

// backoffDelay returns the exponential backoff delay for the given attempt number.
// With the default base the delays are 1s, 2s, 4s.
func (p *Provider) backoffDelay(attempt int) time.Duration {
	delay := p.retryDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

// sleepWithContext waits for the specified duration or until the context is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
