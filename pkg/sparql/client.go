// Package sparql implements the client side of the SPARQL 1.1 Protocol:
// SELECT/ASK queries returning application/sparql-results+json, and updates.
package sparql

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	contentTypeForm    = "application/x-www-form-urlencoded"
	acceptResultsJSON  = "application/sparql-results+json"
	maxErrorBodyLength = 512
)

// Config configures a Client.
type Config struct {
	QueryEndpoint  string
	UpdateEndpoint string // defaults to QueryEndpoint
	Username       string
	Password       string
	Timeout        time.Duration // per HTTP request; 0 means rely on the context only
}

// Client talks to one SPARQL service.
type Client struct {
	queryEndpoint  string
	updateEndpoint string
	username       string
	password       string
	httpClient     *http.Client
	logger         *zap.Logger
}

// NewClient creates a SPARQL protocol client.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.QueryEndpoint == "" && cfg.UpdateEndpoint == "" {
		return nil, fmt.Errorf("sparql endpoint is required")
	}
	for _, ep := range []string{cfg.QueryEndpoint, cfg.UpdateEndpoint} {
		if ep == "" {
			continue
		}
		if _, err := url.ParseRequestURI(ep); err != nil {
			return nil, fmt.Errorf("invalid sparql endpoint %q: %w", ep, err)
		}
	}
	update := cfg.UpdateEndpoint
	if update == "" {
		update = cfg.QueryEndpoint
	}
	return &Client{
		queryEndpoint:  cfg.QueryEndpoint,
		updateEndpoint: update,
		username:       cfg.Username,
		password:       cfg.Password,
		httpClient:     &http.Client{Timeout: cfg.Timeout},
		logger:         logger.Named("sparql"),
	}, nil
}

// HTTPError is a non-2xx response from the service.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("sparql endpoint returned HTTP %d: %s", e.StatusCode, e.Body)
}

// IsRetryable is true for throttling and server-side failures.
func (e *HTTPError) IsRetryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// IsUnavailable reports whether err means the service could not answer:
// a network failure, a timeout, throttling or a 5xx. Caller cancellation is not.
func IsUnavailable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.IsRetryable()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// Select runs a SELECT query.
func (c *Client) Select(ctx context.Context, query string) (*Results, error) {
	if c.queryEndpoint == "" {
		return nil, fmt.Errorf("no sparql query endpoint configured")
	}

	body, err := c.post(ctx, c.queryEndpoint, "query", query, acceptResultsJSON)
	if err != nil {
		return nil, err
	}

	var results Results
	if err := json.Unmarshal(body, &results); err != nil {
		return nil, fmt.Errorf("decode sparql results: %w", err)
	}
	return &results, nil
}

// Update runs a SPARQL Update request.
func (c *Client) Update(ctx context.Context, update string) error {
	_, err := c.post(ctx, c.updateEndpoint, "update", update, "*/*")
	return err
}

func (c *Client) post(ctx context.Context, endpoint, field, text, accept string) ([]byte, error) {
	form := url.Values{}
	form.Set(field, text)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build sparql request: %w", err)
	}
	req.Header.Set("Content-Type", contentTypeForm)
	req.Header.Set("Accept", accept)
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("SPARQL request failed",
			zap.String("operation", field),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read sparql response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(data))
		if len(msg) > maxErrorBodyLength {
			msg = msg[:maxErrorBodyLength]
		}
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: msg}
	}

	c.logger.Debug("SPARQL request completed",
		zap.String("operation", field),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))

	return data, nil
}
