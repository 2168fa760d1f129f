package llm

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"io"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/lynkr/lynkr/pkg/errors"
)

// RetryOptions tunes the transport retry layer.
type RetryOptions struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultRetryOptions returns the production retry budget.
func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		MaxRetries:   3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     8 * time.Second,
	}
}

// JSONResult is the outcome of one upstream POST.
type JSONResult struct {
	Status      int
	ContentType string
	Body        []byte
	// Stream is set instead of Body when the request asked for streaming.
	// The caller owns closing it.
	Stream io.ReadCloser
}

// RequestOptions carries the headers and payload of one upstream call.
type RequestOptions struct {
	Headers map[string]string
	Body    any
	// Stream requests a raw pass-through body: one POST, no retry, no
	// buffering.
	Stream bool
}

// Transport is the single HTTP primitive shared by every adapter: a pooled
// keep-alive client wrapping one POST in optional retry.
type Transport struct {
	client *http.Client
	retry  RetryOptions
	logger *zap.Logger
}

// NewTransport builds the shared pooled client.
func NewTransport(retry RetryOptions, logger *zap.Logger) *Transport {
	if retry.MaxRetries <= 0 {
		retry = DefaultRetryOptions()
	}
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ResponseHeaderTimeout: 300 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          32,
		MaxIdleConnsPerHost:   8,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
	}
	return &Transport{
		client: &http.Client{Transport: transport},
		retry:  retry,
		logger: logger.With(zap.String("component", "transport")),
	}
}

// Close releases pooled connections.
func (t *Transport) Close() {
	t.client.CloseIdleConnections()
}

// PerformJSONRequest POSTs a JSON payload to url. Streaming requests are
// issued exactly once and return the raw response body; everything else is
// wrapped in retry-with-backoff for transient failure classes.
func (t *Transport) PerformJSONRequest(ctx context.Context, url string, opts RequestOptions, label string) (*JSONResult, error) {
	payload, err := json.Marshal(opts.Body)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "marshal upstream payload", err)
	}

	if opts.Stream {
		return t.doStream(ctx, url, opts.Headers, payload, label)
	}

	var result *JSONResult
	err = t.withRetry(ctx, label, func() error {
		var opErr error
		result, opErr = t.doOnce(ctx, url, opts.Headers, payload, label)
		return opErr
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (t *Transport) doStream(ctx context.Context, url string, headers map[string]string, payload []byte, label string) (*JSONResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "create upstream request", err)
	}
	setHeaders(req, headers)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, apperrors.NewTransportError(err)
	}

	t.logger.Debug("Upstream stream opened",
		zap.String("label", label),
		zap.Int("status", resp.StatusCode),
	)
	return &JSONResult{
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Stream:      resp.Body,
	}, nil
}

func (t *Transport) doOnce(ctx context.Context, url string, headers map[string]string, payload []byte, label string) (*JSONResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "create upstream request", err)
	}
	setHeaders(req, headers)

	start := time.Now()
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, apperrors.NewTransportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.NewTransportError(err)
	}

	t.logger.Debug("Upstream call finished",
		zap.String("label", label),
		zap.Int("status", resp.StatusCode),
		zap.Duration("latency", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		httpErr := apperrors.NewHTTPError(resp.StatusCode, string(body))
		if ra := parseRetryAfter(resp.Header.Get("Retry-After")); ra > 0 {
			httpErr.RetryAfter = ra
		}
		return nil, httpErr
	}

	return &JSONResult{
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}, nil
}

// withRetry retries op on transient failures (transport errors, 5xx, 429)
// with exponential backoff plus jitter. 429s honour Retry-After.
func (t *Transport) withRetry(ctx context.Context, label string, op func() error) error {
	delay := t.retry.InitialDelay
	var lastErr error

	for attempt := 0; attempt <= t.retry.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return apperrors.NewTransportError(err)
		}

		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isRetryable(lastErr) {
			return lastErr
		}
		if attempt == t.retry.MaxRetries {
			break
		}

		wait := delay
		if appErr, ok := apperrors.As(lastErr); ok && appErr.RetryAfter > 0 {
			wait = appErr.RetryAfter
		}
		// Jitter spreads concurrent retries apart.
		wait += time.Duration(rand.Int63n(int64(wait)/2 + 1))

		t.logger.Warn("Retrying upstream call",
			zap.String("label", label),
			zap.Int("attempt", attempt+1),
			zap.Duration("wait", wait),
			zap.Error(lastErr),
		)

		select {
		case <-ctx.Done():
			return apperrors.NewTransportError(ctx.Err())
		case <-time.After(wait):
		}

		delay *= 2
		if delay > t.retry.MaxDelay {
			delay = t.retry.MaxDelay
		}
	}
	return lastErr
}

func isRetryable(err error) bool {
	if apperrors.IsTransport(err) {
		return true
	}
	if appErr, ok := apperrors.As(err); ok && appErr.Code == apperrors.CodeHTTPError {
		return appErr.UpstreamStatus >= 500 || appErr.UpstreamStatus == http.StatusTooManyRequests
	}
	return false
}

func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func setHeaders(req *http.Request, headers map[string]string) {
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
}
