// Package service implements the relay of authorized requests to their targets.
package service

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"golang.org/x/net/http/httpguts"

	"tokenproxy/internal/client"
	"tokenproxy/internal/config"
	"tokenproxy/internal/model"
)

// ErrReadBody is returned when the inbound body cannot be read in buffer mode.
var ErrReadBody = errors.New("read request body")

// ErrInvalidResponse is returned when the upstream response cannot be
// written back to the caller as received.
var ErrInvalidResponse = errors.New("invalid upstream response")

// RelayService forwards inbound requests to their resolved targets.
type RelayService struct {
	client *client.UpstreamClient
	logger *slog.Logger
	buffer bool
}

// NewRelayService creates a RelayService.
func NewRelayService(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger) *RelayService {
	return &RelayService{
		client: c,
		logger: logger.With("component", "relay_service"),
		buffer: cfg.Upstream.BodyMode == config.BodyModeBuffer,
	}
}

// Relay sends ir to its target and returns the upstream response.
// The caller is responsible for closing the response body.
//
// In stream mode the inbound body is piped into the outbound request as it
// arrives and the upstream body is handed back unread. In buffer mode both
// bodies are read fully into memory first.
func (s *RelayService) Relay(ir *model.InboundRequest) (*model.UpstreamResponse, error) {
	header := requestHeaders(ir.Header, s.buffer)

	var (
		body          io.Reader = ir.Body
		contentLength           = ir.ContentLength
	)
	if s.buffer && ir.Body != nil {
		data, err := io.ReadAll(ir.Body)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrReadBody, err)
		}
		body = bytes.NewReader(data)
		contentLength = int64(len(data))
	}

	s.logger.Info("relaying request",
		"method", ir.Method,
		"host", targetHost(ir.Target),
	)
	s.logger.Debug("relay target", "target", ir.Target)

	resp, err := s.client.DoStream(ir.Ctx, ir.Method, ir.Target, header, body, contentLength)
	if err != nil {
		return nil, fmt.Errorf("relay to upstream: %w", err)
	}

	if err := validateResponse(resp); err != nil {
		_ = resp.Body.Close()
		return nil, err
	}

	if s.buffer {
		data, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read upstream body: %w", err)
		}
		resp.Body = io.NopCloser(bytes.NewReader(data))
	}

	return resp, nil
}

// requestHeaders copies the inbound headers for the outbound call. Host is
// always dropped so the outbound request carries the target's host. A
// buffered body is re-sent with a freshly computed length, so Connection
// and Content-Length are dropped as well.
func requestHeaders(src http.Header, buffered bool) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	dst.Del("Host")
	if buffered {
		dst.Del("Connection")
		dst.Del("Content-Length")
	}
	return dst
}

// validateResponse rejects a status code outside 100-999. The header checks
// only catch what the response reader let through, which is little.
func validateResponse(resp *model.UpstreamResponse) error {
	if resp.StatusCode < 100 || resp.StatusCode > 999 {
		return fmt.Errorf("%w: status code %d", ErrInvalidResponse, resp.StatusCode)
	}
	for key, vals := range resp.Header {
		if !httpguts.ValidHeaderFieldName(key) {
			return fmt.Errorf("%w: header name %q", ErrInvalidResponse, key)
		}
		for _, v := range vals {
			if !httpguts.ValidHeaderFieldValue(v) {
				return fmt.Errorf("%w: value of header %q", ErrInvalidResponse, key)
			}
		}
	}
	return nil
}

// targetHost returns the host of target for logging, or "" if it does not parse.
func targetHost(target string) string {
	u, err := url.Parse(target)
	if err != nil {
		return ""
	}
	return u.Host
}
