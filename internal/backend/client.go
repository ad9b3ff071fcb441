// Package backend is the client for the device endpoints of the caregiver API.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cautelapp/carelink/internal/backend/resilience"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const maxErrorBody = 64 << 10

// Config configures the API client.
type Config struct {
	BaseURL string
	Timeout time.Duration

	// MaxRetries applies to GET and PATCH only; bind and stop-monitoring are sent once.
	MaxRetries uint64

	HTTPClient *http.Client
}

// Client talks to the backend device API.
type Client struct {
	base   *url.URL
	tokens TokenSource
	http   *resilience.Client
	logger *logrus.Logger
}

// NewClient creates an API client for cfg.BaseURL.
func NewClient(cfg Config, tokens TokenSource, logger *logrus.Logger) (*Client, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if tokens == nil {
		return nil, errors.New("token source is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid API base URL %q", cfg.BaseURL)
	}

	rc := resilience.DefaultClientConfig("carelink-api")
	if cfg.Timeout > 0 {
		rc.Timeout = cfg.Timeout
	}
	if cfg.MaxRetries > 0 {
		rc.MaxRetries = cfg.MaxRetries
	}

	return &Client{
		base:   base,
		tokens: tokens,
		http:   resilience.NewClient(rc, cfg.HTTPClient, logger),
		logger: logger,
	}, nil
}

// BaseURL returns the API root every path is resolved against
func (c *Client) BaseURL() string {
	return c.base.String()
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get bearer token: %w", err)
	}

	var reader io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// call sends req and decodes a 2xx JSON answer into out.
// kind is the sentinel wrapped by 4xx answers.
func (c *Client) call(req *http.Request, idempotent bool, kind error, out any) error {
	log := c.logger.WithFields(logrus.Fields{
		"method":     req.Method,
		"path":       req.URL.Path,
		"request_id": req.Header.Get("X-Request-ID"),
	})

	start := time.Now()
	var resp *http.Response
	var err error
	if idempotent {
		resp, err = c.http.DoIdempotent(req)
	} else {
		resp, err = c.http.Do(req)
	}
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return ctxErr
		}
		log.WithError(err).Warn("Backend unreachable")
		return fmt.Errorf("%w: %s %s: %w", ErrNetworkUnavailable, req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	log = log.WithFields(logrus.Fields{
		"status":   resp.StatusCode,
		"duration": time.Since(start),
	})

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		apiErr := newAPIError(resp.StatusCode, body, kind)
		log.WithField("message", apiErr.Message).Warn("Backend request rejected")
		return apiErr
	}
	log.Debug("Backend request completed")

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: reading response: %w", ErrNetworkUnavailable, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", req.URL.Path, err)
	}
	return nil
}
