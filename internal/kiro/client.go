// Package kiro provides the HTTP client, wire types, and stream decoder
// for the Kiro conversational API.
package kiro

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// KiroVersion simulates the Kiro IDE version for user-agent.
	KiroVersion = "1.0.0"

	// ConversationURLTemplate is the region-parametrized chat endpoint.
	// Streaming and buffered calls share it; the response is always a
	// stream and buffered mode aggregates client-side.
	ConversationURLTemplate = "https://q.%s.amazonaws.com/generateAssistantResponse"
	// ListModelsURLTemplate is the region-parametrized model metadata endpoint.
	ListModelsURLTemplate = "https://q.%s.amazonaws.com/ListAvailableModels"

	// DefaultRegion is used when an account carries no region.
	DefaultRegion = "us-east-1"
)

// RetryPolicy controls how Send retries failed attempts.
type RetryPolicy struct {
	// MaxRetries bounds status-driven retries (403, 429, 5xx) and
	// non-streaming network errors.
	MaxRetries int
	// StreamRetries is the separate, smaller budget for streaming
	// failures that occur before the first response byte.
	StreamRetries int
	// BaseDelay is the initial backoff delay; it doubles per retry.
	BaseDelay time.Duration
	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration
	// FirstTokenTimeout bounds the wait for response headers on a
	// streaming call.
	FirstTokenTimeout time.Duration
	// RequestTimeout bounds a full non-streaming attempt.
	RequestTimeout time.Duration
}

// DefaultRetryPolicy returns the retry policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        3,
		StreamRetries:     2,
		BaseDelay:         1 * time.Second,
		MaxDelay:          30 * time.Second,
		FirstTokenTimeout: 15 * time.Second,
		RequestTimeout:    5 * time.Minute,
	}
}

// TokenProvider supplies a bearer token and account identity for an
// upstream attempt. Implemented by auth.Manager.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
	ForceRefresh(ctx context.Context) error
	ProfileARN() string
	Region() string
	Fingerprint() string
}

// Client is an HTTP client for the Kiro API with status-driven retry.
type Client struct {
	opts   ClientOptions
	logger *slog.Logger

	// The http.Client is created lazily and recreated after Close.
	mu         sync.Mutex
	httpClient *http.Client
}

// ClientOptions configures the Kiro HTTP client.
type ClientOptions struct {
	MaxConns            int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
	Retry               RetryPolicy
	Logger              *slog.Logger

	// EndpointOverride replaces the templated conversation and model
	// URLs, used by tests.
	EndpointOverride string
}

// NewClient creates a new Kiro API client with connection pooling.
func NewClient(opts ClientOptions) *Client {
	if opts.Retry == (RetryPolicy{}) {
		opts.Retry = DefaultRetryPolicy()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{opts: opts, logger: logger}
}

// client returns the shared http.Client, creating it if absent. Creation
// is guarded so concurrent requests never race a recreation after Close.
func (c *Client) client() *http.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.httpClient == nil {
		c.httpClient = &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        c.opts.MaxConns,
				MaxIdleConnsPerHost: c.opts.MaxIdleConnsPerHost,
				MaxConnsPerHost:     c.opts.MaxConns,
				IdleConnTimeout:     c.opts.IdleConnTimeout,
				DisableKeepAlives:   false,
			},
			// No client-wide timeout: it would kill long streams.
			// Per-attempt deadlines come from request contexts.
		}
	}
	return c.httpClient
}

// Close releases the underlying connections. Safe to call repeatedly and
// before any request was made; a later Send recreates the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.httpClient != nil {
		c.httpClient.CloseIdleConnections()
		c.httpClient = nil
	}
}

// APIError represents a non-retried error status from the Kiro API.
type APIError struct {
	StatusCode int
	Body       []byte
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("kiro API error: status %d, body: %s", e.StatusCode, string(e.Body))
}

// IsRateLimited returns true if this is a rate limit error (429).
func (e *APIError) IsRateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// IsForbidden returns true if this is an authorization error (403).
func (e *APIError) IsForbidden() bool {
	return e.StatusCode == http.StatusForbidden
}

// GatewayError is returned when the retry budget is exhausted. The
// status code distinguishes a streaming first-token timeout (504) from a
// generic upstream failure (502).
type GatewayError struct {
	StatusCode int
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *GatewayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the last underlying attempt error.
func (e *GatewayError) Unwrap() error { return e.Err }

// Send posts a conversation payload and returns the raw response stream.
// The caller must close the returned reader.
//
// Retry behavior: 403 forces a credential refresh and retries
// immediately; 429 and 5xx back off exponentially; streaming failures
// before the first byte retry immediately on their own smaller budget;
// any other error status passes through unchanged as an *APIError.
func (c *Client) Send(ctx context.Context, creds TokenProvider, body []byte, streaming bool) (io.ReadCloser, error) {
	p := c.opts.Retry
	retries := 0
	streamFailures := 0
	var lastErr error

	for {
		token, err := creds.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to obtain access token: %w", err)
		}

		rc, apiErr, netErr := c.attempt(ctx, token, creds, body, streaming)
		if netErr == nil && apiErr == nil {
			return rc, nil
		}

		if netErr != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = netErr
			if streaming {
				// Failed before the first byte: no backoff, smaller budget.
				streamFailures++
				if streamFailures > p.StreamRetries {
					return nil, &GatewayError{
						StatusCode: http.StatusGatewayTimeout,
						Message:    "upstream produced no response before the first-token timeout",
						Err:        lastErr,
					}
				}
				c.logger.Warn("streaming attempt failed before first byte, retrying",
					"attempt", streamFailures,
					"error", netErr,
				)
				continue
			}
			retries++
			if retries > p.MaxRetries {
				return nil, &GatewayError{
					StatusCode: http.StatusBadGateway,
					Message:    "upstream request failed after retries",
					Err:        lastErr,
				}
			}
			if err := c.backoff(ctx, retries, p); err != nil {
				return nil, err
			}
			continue
		}

		lastErr = apiErr
		switch {
		case apiErr.IsForbidden():
			retries++
			if retries > p.MaxRetries {
				return nil, &GatewayError{
					StatusCode: http.StatusBadGateway,
					Message:    "upstream request failed after retries",
					Err:        lastErr,
				}
			}
			c.logger.Warn("got 403 from Kiro API, forcing credential refresh", "attempt", retries)
			if err := creds.ForceRefresh(ctx); err != nil {
				return nil, fmt.Errorf("credential refresh after 403 failed: %w", err)
			}
			// Retry immediately with the fresh token.
			continue

		case apiErr.IsRateLimited() || apiErr.StatusCode >= 500:
			retries++
			if retries > p.MaxRetries {
				return nil, &GatewayError{
					StatusCode: http.StatusBadGateway,
					Message:    "upstream request failed after retries",
					Err:        lastErr,
				}
			}
			c.logger.Warn("retryable upstream status",
				"status", apiErr.StatusCode,
				"attempt", retries,
			)
			if err := c.backoff(ctx, retries, p); err != nil {
				return nil, err
			}
			continue

		default:
			// Permanent upstream error, passed through unchanged.
			return nil, apiErr
		}
	}
}

// backoff sleeps for the exponential delay of the given retry, honoring
// context cancellation.
func (c *Client) backoff(ctx context.Context, retry int, p RetryPolicy) error {
	delay := p.BaseDelay
	for i := 1; i < retry; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			break
		}
	}
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// attempt performs a single HTTP exchange. Exactly one of the return
// values is set: a response stream, an *APIError for a >=400 status, or
// a network error.
func (c *Client) attempt(ctx context.Context, token string, creds TokenProvider, body []byte, streaming bool) (io.ReadCloser, *APIError, error) {
	url := c.conversationURL(creds.Region())

	reqCtx := ctx
	cancel := context.CancelFunc(func() {})
	if !streaming && c.opts.Retry.RequestTimeout > 0 {
		reqCtx, cancel = context.WithTimeout(ctx, c.opts.Retry.RequestTimeout)
	} else if streaming {
		reqCtx, cancel = context.WithCancel(ctx)
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req, token, creds.Fingerprint())

	// The first-token timeout only bounds the wait for headers and is
	// disarmed the moment the response arrives.
	var firstTokenTimer *time.Timer
	if streaming && c.opts.Retry.FirstTokenTimeout > 0 {
		firstTokenTimer = time.AfterFunc(c.opts.Retry.FirstTokenTimeout, cancel)
	}

	resp, err := c.client().Do(req)
	if firstTokenTimer != nil {
		firstTokenTimer.Stop()
	}
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		_ = resp.Body.Close()
		cancel()
		c.logger.Warn("Kiro API error",
			"status", resp.StatusCode,
			"body", string(respBody),
		)
		return nil, &APIError{StatusCode: resp.StatusCode, Body: respBody}, nil
	}

	return &cancelReadCloser{ReadCloser: resp.Body, cancel: cancel}, nil, nil
}

// cancelReadCloser releases the per-attempt context when the response
// stream is closed.
type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

// setHeaders applies the headers the Kiro API expects, matching the
// IDE's SDK identification.
func (c *Client) setHeaders(req *http.Request, token, machineID string) {
	invocationID := uuid.New().String()
	osName := runtime.GOOS
	goVersion := runtime.Version()
	if machineID == "" {
		machineID = "KIRO_DEFAULT_MACHINE"
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("amz-sdk-invocation-id", invocationID)
	req.Header.Set("amz-sdk-request", "attempt=1; max=1")
	req.Header.Set("x-amzn-kiro-agent-mode", "vibe")
	req.Header.Set("x-amz-user-agent", fmt.Sprintf("aws-sdk-js/1.0.0 KiroIDE-%s-%s", KiroVersion, machineID))
	req.Header.Set("User-Agent", fmt.Sprintf("aws-sdk-js/1.0.0 ua/2.1 os/%s lang/go md/go#%s api/codewhispererruntime#1.0.0 m/E KiroIDE-%s-%s", osName, goVersion, KiroVersion, machineID))
}

func (c *Client) conversationURL(region string) string {
	if c.opts.EndpointOverride != "" {
		return c.opts.EndpointOverride
	}
	if region == "" {
		region = DefaultRegion
	}
	return fmt.Sprintf(ConversationURLTemplate, region)
}

func (c *Client) listModelsURL(region string) string {
	if c.opts.EndpointOverride != "" {
		return c.opts.EndpointOverride
	}
	if region == "" {
		region = DefaultRegion
	}
	return fmt.Sprintf(ListModelsURLTemplate, region)
}

// ModelInfo is the backend's model metadata record.
type ModelInfo struct {
	ModelID     string       `json:"modelId"`
	ModelName   string       `json:"modelName,omitempty"`
	Description string       `json:"description,omitempty"`
	TokenLimits *TokenLimits `json:"tokenLimits,omitempty"`
}

// TokenLimits holds a model's configured token limits.
type TokenLimits struct {
	MaxInputTokens  *int `json:"maxInputTokens,omitempty"`
	MaxOutputTokens *int `json:"maxOutputTokens,omitempty"`
}

type listModelsResponse struct {
	Models []ModelInfo `json:"models"`
}

// ListModels fetches the backend's model metadata for the account's region.
func (c *Client) ListModels(ctx context.Context, creds TokenProvider) ([]ModelInfo, error) {
	token, err := creds.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to obtain access token: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.listModelsURL(creds.Region()), bytes.NewReader([]byte(`{"origin":"AI_EDITOR"}`)))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req, token, creds.Fingerprint())

	resp, err := c.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("list models request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return nil, &APIError{StatusCode: resp.StatusCode, Body: respBody}
	}

	var parsed listModelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to parse model list: %w", err)
	}
	return parsed.Models, nil
}

// MarshalWithoutHTMLEscape marshals v without escaping <, >, and &,
// which must survive verbatim inside message content.
func MarshalWithoutHTMLEscape(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
