// Package findmy is an HTTP client for the accessory location gateway. It
// implements both the credential exchange used by the session manager and
// the batch location fetch used by the poller.
package findmy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"podlocator/go-poller/internal/session"
)

const (
	headerAnisette     = "X-Anisette-Libs"
	headerSessionToken = "X-Session-Token"

	defaultTimeout = 30 * time.Second
	maxErrorBody   = 4 << 10
)

// Options configures a Client.
type Options struct {
	// BaseURL is the gateway root, e.g. http://127.0.0.1:6176.
	BaseURL string
	// AnisetteLibs is the local anisette library path forwarded to the gateway.
	AnisetteLibs string
	// HTTPClient overrides the default client (30s timeout).
	HTTPClient *http.Client
	// RequestsPerMinute caps outbound calls. Zero means unlimited.
	RequestsPerMinute int
	Logger            *slog.Logger
}

// Client talks to the location gateway.
type Client struct {
	base     *url.URL
	anisette string
	http     *http.Client
	limiter  *rate.Limiter
	logger   *slog.Logger
	now      func() time.Time
}

// APIError is a non-2xx gateway response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Message)
}

// Unwrap lets callers match rejected credentials with
// errors.Is(err, session.ErrUnauthorized).
func (e *APIError) Unwrap() error {
	if e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden {
		return session.ErrUnauthorized
	}
	return nil
}

// New builds a Client.
func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("findmy: gateway url is required")
	}
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse gateway url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("findmy: unsupported gateway scheme %q", base.Scheme)
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.RequestsPerMinute)), 1)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Client{
		base:     base,
		anisette: opts.AnisetteLibs,
		http:     httpClient,
		limiter:  limiter,
		logger:   logger.With("component", "findmy"),
		now:      time.Now,
	}, nil
}

// do sends one JSON request. A non-nil s authenticates the call and has its
// token refreshed from the response headers.
func (c *Client) do(ctx context.Context, method, path string, s *session.Session, in, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait for gateway rate limit: %w", err)
	}

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", path, err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.anisette != "" {
		req.Header.Set(headerAnisette, c.anisette)
	}
	if s != nil {
		req.Header.Set("Authorization", "Bearer "+s.Token)
	}

	start := c.now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("gateway call", "method", method, "path", path, "status", resp.StatusCode, "duration", c.now().Sub(start))

	if s != nil {
		if token := resp.Header.Get(headerSessionToken); token != "" && token != s.Token {
			s.Refresh(token, c.now())
			c.logger.Info("session token refreshed by gateway")
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	msg := strings.TrimSpace(string(raw))
	if err := json.Unmarshal(raw, &payload); err == nil {
		switch {
		case payload.Message != "":
			msg = payload.Message
		case payload.Error != "":
			msg = payload.Error
		}
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &APIError{StatusCode: resp.StatusCode, Message: msg}
}
