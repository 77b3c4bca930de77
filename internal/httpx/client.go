// Pulsewire - Resilient Client Core for Offline-First Learning Apps
// Copyright 2026 Pulsewire Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pulsewire-labs/pulsewire

// Package httpx implements the resilient HTTP client: interceptor
// chains, circuit breaking, retry with exponential backoff and jitter,
// per-attempt timeouts, correlation headers, optional request signing
// and request coalescing.
package httpx

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/pulsewire-labs/pulsewire/internal/breaker"
	"github.com/pulsewire-labs/pulsewire/internal/httperr"
	"github.com/pulsewire-labs/pulsewire/internal/logging"
	"github.com/pulsewire-labs/pulsewire/internal/metrics"
	"github.com/pulsewire-labs/pulsewire/internal/token"
)

// Config holds client settings.
type Config struct {
	BaseURL        string
	Timeout        time.Duration
	RetryAttempts  int
	RetryBaseDelay time.Duration
	ClientVersion  string
	SigningSecret  string

	// SignInRoute is the client-side route carried on authentication
	// errors, with the original path preserved as callbackUrl.
	SignInRoute string

	// RateLimitPerSecond throttles outgoing attempts when > 0.
	RateLimitPerSecond float64
	RateLimitBurst     int

	// Coalesce configures GET deduplication and batching; nil disables.
	Coalesce *CoalesceConfig

	// Pooling toggles connection keep-alive hints and transport reuse.
	Pooling bool

	// CompressThreshold flags Content-Encoding for bodies at or above
	// this size in bytes. Zero uses the 1KB default.
	CompressThreshold int
}

// Client is the resilient HTTP client. Construct with New; the zero
// value is not usable.
type Client struct {
	cfg       Config
	http      *http.Client
	breaker   *breaker.Breaker
	tokens    *token.Store
	limiter   *rate.Limiter
	coalescer *Coalescer
	batcher   *Batcher

	reqInterceptors  []RequestInterceptor
	respInterceptors []ResponseInterceptor
	errInterceptors  []ErrorInterceptor

	// sleep and jitter are swappable for tests.
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() time.Duration
}

// New creates a Client. br is required; tokens may be nil for
// unauthenticated use.
func New(cfg Config, br *breaker.Breaker, tokens *token.Store) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = time.Second
	}
	if cfg.CompressThreshold <= 0 {
		cfg.CompressThreshold = 1024
	}

	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DisableKeepAlives:   !cfg.Pooling,
	}

	c := &Client{
		cfg:     cfg,
		http:    &http.Client{Transport: transport},
		breaker: br,
		tokens:  tokens,
		sleep:   sleepCtx,
		jitter: func() time.Duration {
			return time.Duration(rand.Int63n(int64(time.Second)))
		},
	}

	if cfg.RateLimitPerSecond > 0 {
		burst := cfg.RateLimitBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitPerSecond), burst)
	}

	if cfg.Coalesce != nil && cfg.Coalesce.Enabled {
		c.coalescer = NewCoalescer(cfg.Coalesce.ResultTTL)
		c.batcher = NewBatcher(cfg.Coalesce.BatchWindow, cfg.Coalesce.MaxBatchSize)
	}

	return c
}

// UseRequest appends a request interceptor to the chain.
func (c *Client) UseRequest(i RequestInterceptor) {
	c.reqInterceptors = append(c.reqInterceptors, i)
}

// UseResponse appends a response interceptor.
func (c *Client) UseResponse(i ResponseInterceptor) {
	c.respInterceptors = append(c.respInterceptors, i)
}

// UseError appends an error interceptor.
func (c *Client) UseError(i ErrorInterceptor) {
	c.errInterceptors = append(c.errInterceptors, i)
}

// Breaker exposes the client's circuit breaker for the status surface.
func (c *Client) Breaker() *breaker.Breaker { return c.breaker }

// Get issues a GET request.
func (c *Client) Get(ctx context.Context, path string, query url.Values) (*Response, error) {
	return c.Do(ctx, &Request{Method: http.MethodGet, Path: path, Query: query})
}

// Post issues a POST request with a JSON body.
func (c *Client) Post(ctx context.Context, path string, body interface{}) (*Response, error) {
	return c.Do(ctx, &Request{Method: http.MethodPost, Path: path, Body: body})
}

// Do executes the request through the optimizer, the circuit breaker and
// the retry policy. Errors are always *httperr.Error.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}

	correlationID := logging.CorrelationIDFromContext(ctx)
	if correlationID == "" {
		correlationID = logging.GenerateCorrelationID()
		ctx = logging.ContextWithCorrelationID(ctx, correlationID)
	}

	var resp *Response
	var err error
	if c.coalescer != nil && req.coalescable() {
		key, keyErr := coalesceKey(req, c.cfg.BaseURL)
		if keyErr != nil {
			return nil, httperr.Network(keyErr)
		}
		resp, err = c.coalescer.Do(key, func() (*Response, error) {
			return c.dispatch(ctx, req, correlationID)
		})
	} else {
		resp, err = c.dispatch(ctx, req, correlationID)
	}

	if err != nil {
		for _, i := range c.errInterceptors {
			i(ctx, err)
		}
		return nil, err
	}
	return resp, nil
}

// dispatch routes a request through the batcher when it qualifies,
// otherwise sends directly.
func (c *Client) dispatch(ctx context.Context, req *Request, correlationID string) (*Response, error) {
	if c.batcher != nil && req.Method == http.MethodGet {
		return c.batcher.Do(ctx, req, func() (*Response, error) {
			return c.send(ctx, req, correlationID)
		})
	}
	return c.send(ctx, req, correlationID)
}

// send runs the retry loop around individual attempts.
func (c *Client) send(ctx context.Context, req *Request, correlationID string) (*Response, error) {
	attempts := c.cfg.RetryAttempts + 1
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			metrics.HTTPRetriesTotal.Inc()
		}

		resp, err := c.attempt(ctx, req, correlationID)
		if err == nil {
			metrics.HTTPRequestsTotal.WithLabelValues(req.Method, "success").Inc()
			return resp, nil
		}
		lastErr = err

		if !httperr.IsRecoverable(err) || attempt == attempts {
			break
		}

		delay := c.backoff(attempt)
		if ra := retryAfterOf(err); ra > 0 {
			// The server knows better than our schedule.
			delay = ra
		}
		lg := logging.Ctx(ctx)
		lg.Debug().
			Int("attempt", attempt).
			Dur("delay", delay).
			Str("kind", string(httperr.KindOf(err))).
			Msg("retrying request")
		if sleepErr := c.sleep(ctx, delay); sleepErr != nil {
			lastErr = httperr.Timeout(sleepErr)
			break
		}
	}

	metrics.HTTPRequestsTotal.WithLabelValues(req.Method, "failure").Inc()
	return nil, lastErr
}

// attempt performs one network exchange under the circuit breaker with a
// per-attempt timeout.
func (c *Client) attempt(ctx context.Context, req *Request, correlationID string) (*Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, httperr.Timeout(err)
		}
	}

	start := time.Now()
	resp, err := breaker.Do(c.breaker, func() (*Response, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
		return c.exchange(attemptCtx, req, correlationID)
	})

	outcome := "success"
	if err != nil {
		outcome = string(httperr.KindOf(err))
	}
	metrics.HTTPRequestDuration.WithLabelValues(req.Method, outcome).Observe(time.Since(start).Seconds())
	return resp, err
}

// exchange builds and executes one HTTP request.
func (c *Client) exchange(ctx context.Context, req *Request, correlationID string) (*Response, error) {
	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = json.Marshal(req.Body)
		if err != nil {
			return nil, (&httperr.Error{
				Kind:          httperr.KindValidation,
				Message:       "request body is not serializable",
				CorrelationID: correlationID,
			}).WithCause(err)
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.url(c.cfg.BaseURL), bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, httperr.Network(err)
	}

	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	httpReq.Header.Set("X-Correlation-ID", correlationID)
	httpReq.Header.Set("X-Timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	if c.cfg.ClientVersion != "" {
		httpReq.Header.Set("X-Client-Version", c.cfg.ClientVersion)
	}
	httpReq.Header.Set("Accept-Encoding", "gzip, deflate, br")
	if bodyBytes != nil {
		httpReq.Header.Set("Content-Type", "application/json")
		if len(bodyBytes) >= c.cfg.CompressThreshold {
			httpReq.Header.Set("Content-Encoding", "identity")
			httpReq.Header.Set("X-Compression-Eligible", "true")
		}
	}
	if c.cfg.Pooling {
		httpReq.Header.Set("Connection", "keep-alive")
	}

	if c.tokens != nil && !req.SkipAuth {
		if err := c.injectToken(ctx, httpReq); err != nil {
			return nil, err
		}
	}
	if req.Sign && c.cfg.SigningSecret != "" {
		signRequest(httpReq, bodyBytes, c.cfg.SigningSecret)
	}
	for _, interceptor := range c.reqInterceptors {
		if err := interceptor(ctx, httpReq); err != nil {
			return nil, err
		}
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &httperr.Error{
				Kind:          httperr.KindTimeout,
				Message:       "request timed out",
				Recoverable:   true,
				CorrelationID: correlationID,
			}
		}
		e := httperr.Network(err)
		e.CorrelationID = correlationID
		return nil, e
	}
	defer func() { _ = httpResp.Body.Close() }()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		e := httperr.Network(err)
		e.CorrelationID = correlationID
		return nil, e
	}

	if httpResp.StatusCode >= 400 {
		return nil, c.statusError(req, httpResp, data, correlationID)
	}

	resp := &Response{
		Status:        httpResp.StatusCode,
		Header:        httpResp.Header,
		Data:          data,
		CorrelationID: correlationID,
	}
	for _, interceptor := range c.respInterceptors {
		if err := interceptor(ctx, httpResp); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

// statusError maps a non-2xx response to the taxonomy. 401 terminates
// the token session and carries the sign-in redirect.
func (c *Client) statusError(req *Request, httpResp *http.Response, body []byte, correlationID string) error {
	message := extractMessage(httpResp.Header.Get("Content-Type"), body)
	e := httperr.FromStatus(httpResp.StatusCode, message)
	e.CorrelationID = correlationID

	if ra := parseRetryAfter(httpResp.Header.Get("Retry-After")); ra > 0 {
		e.RetryAfter = ra
	}

	if httpResp.StatusCode == http.StatusUnauthorized {
		if c.tokens != nil {
			c.tokens.Clear()
		}
		if c.cfg.SignInRoute != "" {
			e.Redirect = c.cfg.SignInRoute + "?callbackUrl=" + url.QueryEscape(req.Path)
		}
	}
	return e
}

// injectToken sets the bearer token, refreshing it if needed. Missing
// tokens are tolerated; the server decides what anonymous calls may do.
func (c *Client) injectToken(ctx context.Context, req *http.Request) error {
	tok, err := c.tokens.GetValidToken(ctx)
	if err != nil {
		if errors.Is(err, token.ErrNoToken) {
			return nil
		}
		return (&httperr.Error{
			Kind:        httperr.KindAuthentication,
			Message:     "could not refresh session",
			Recoverable: false,
		}).WithCause(err)
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	return nil
}

// backoff computes delay = base * 2^(attempt-1) + jitter(0,1s).
func (c *Client) backoff(attempt int) time.Duration {
	if attempt > 20 {
		attempt = 20
	}
	delay := time.Duration(float64(c.cfg.RetryBaseDelay) * math.Pow(2, float64(attempt-1)))
	if delay < 0 {
		delay = c.cfg.RetryBaseDelay
	}
	return delay + c.jitter()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// retryAfterOf extracts a server-provided retry delay from a taxonomy
// error, zero when absent.
func retryAfterOf(err error) time.Duration {
	var e *httperr.Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// extractMessage pulls a human-readable message from an error body.
func extractMessage(contentType string, body []byte) string {
	if len(body) == 0 {
		return ""
	}
	if contentTypeIsJSON(contentType) {
		var payload struct {
			Message string `json:"message"`
			Error   string `json:"error"`
		}
		if err := json.Unmarshal(body, &payload); err == nil {
			if payload.Message != "" {
				return payload.Message
			}
			if payload.Error != "" {
				return payload.Error
			}
		}
	}
	const maxLen = 512
	if len(body) > maxLen {
		body = body[:maxLen]
	}
	return string(body)
}

func contentTypeIsJSON(contentType string) bool {
	return contentType == "" || // most APIs default to JSON
		len(contentType) >= 16 && contentType[:16] == "application/json"
}
