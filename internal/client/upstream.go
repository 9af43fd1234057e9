// Package client provides the outbound HTTP client used to reach relay targets.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"tokenproxy/internal/config"
	"tokenproxy/internal/metrics"
	"tokenproxy/internal/model"
)

// UpstreamClient sends relayed requests to their targets.
type UpstreamClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewUpstreamClient creates an UpstreamClient with connection pooling.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
//
// Upstream bodies are never decompressed and redirects are handed back to
// the caller unless follow_redirects is set, so responses relay unchanged.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost:   cfg.Upstream.IdleConnections,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		DisableCompression:    true,
		ForceAttemptHTTP2:     true,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	httpClient := &http.Client{
		Transport: transport,
		// Zero disables the deadline.
		Timeout: time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
	}
	if !cfg.Upstream.FollowRedirects {
		httpClient.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}

	return &UpstreamClient{
		httpClient: httpClient,
		logger:     logger.With("component", "upstream_client"),
		metrics:    m,
	}
}

// Do executes an HTTP request against the upstream and returns the raw response.
// The caller is responsible for closing the response body.
func (c *UpstreamClient) Do(req *http.Request) (*model.UpstreamResponse, error) {
	c.logger.Debug("upstream request",
		"method", req.Method,
		"host", req.URL.Host,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via UpstreamResponse
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
			c.metrics.UpstreamErrors.WithLabelValues(ErrorKind(err)).Inc()
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		c.metrics.UpstreamResponses.WithLabelValues(method, status).Inc()
	}

	return &model.UpstreamResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}

// DoStream executes a request whose body is read lazily from body and
// returns the response body as a stream. The caller is responsible for
// closing the returned ReadCloser.
//
// contentLength is the body size in bytes, or -1 when unknown, in which
// case the body is sent chunked. The provided context controls the lifetime
// of the upstream request: when the context is canceled (e.g. client
// disconnects), the upstream request is also canceled.
func (c *UpstreamClient) DoStream(ctx context.Context, method, target string, header http.Header, body io.Reader, contentLength int64) (*model.UpstreamResponse, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamErrors.WithLabelValues(metrics.ErrorKindOther).Inc()
		}
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	if body != nil && body != http.NoBody && contentLength != 0 {
		req.ContentLength = contentLength
	}
	req.Header = header

	return c.Do(req)
}

// CloseIdleConnections closes pooled connections that are not in use.
func (c *UpstreamClient) CloseIdleConnections() {
	c.httpClient.CloseIdleConnections()
}

// ErrorKind classifies an outbound failure into one of the metrics.ErrorKind values.
func ErrorKind(err error) string {
	if errors.Is(err, context.Canceled) {
		return metrics.ErrorKindCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return metrics.ErrorKindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return metrics.ErrorKindTimeout
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return metrics.ErrorKindDNS
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return metrics.ErrorKindConnection
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return metrics.ErrorKindConnection
	}
	return metrics.ErrorKindOther
}
