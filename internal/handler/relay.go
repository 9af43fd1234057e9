package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"tokenproxy/internal/client"
	"tokenproxy/internal/metrics"
	"tokenproxy/internal/model"
	"tokenproxy/internal/route"
	"tokenproxy/internal/service"
)

// upstreamErrorMessages maps client.ErrorKind values to the 502 response body.
var upstreamErrorMessages = map[string]string{
	metrics.ErrorKindDNS:        "upstream host unreachable",
	metrics.ErrorKindTimeout:    "upstream request timed out",
	metrics.ErrorKindCanceled:   "client disconnected",
	metrics.ErrorKindConnection: "upstream connection failed",
	metrics.ErrorKindOther:      "upstream request failed",
}

// RelayHandler authorizes requests and relays them to the target in their path.
type RelayHandler struct {
	router  *route.Router
	service *service.RelayService
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewRelayHandler creates a RelayHandler. The metrics parameter is optional.
func NewRelayHandler(r *route.Router, svc *service.RelayService, m *metrics.Metrics, logger *slog.Logger) *RelayHandler {
	return &RelayHandler{
		router:  r,
		service: svc,
		metrics: m,
		logger:  logger.With("component", "relay_handler"),
	}
}

// Handle relays the request to the target encoded after the password and
// streams the upstream response back. Unauthorized paths get the same 404
// as any unknown route.
func (h *RelayHandler) Handle(c echo.Context) error {
	req := c.Request()

	target, err := h.router.Resolve(req.URL.EscapedPath(), req.URL.RawQuery)
	if err != nil {
		h.logger.Warn("route not found", "path", h.router.RedactPath(req.URL.Path))
		if h.metrics != nil {
			h.metrics.AuthRejections.Inc()
		}
		c.Set(metrics.RouteKey, metrics.RouteNotFound)
		return NotFound(c)
	}
	c.Set(metrics.RouteKey, metrics.RouteRelay)

	resp, err := h.service.Relay(&model.InboundRequest{
		Ctx:           req.Context(),
		Method:        req.Method,
		Target:        target,
		Header:        req.Header,
		Body:          req.Body,
		ContentLength: req.ContentLength,
	})
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	// Upstream headers replace any set locally, such as X-Request-Id.
	dst := c.Response().Header()
	for key, vals := range resp.Header {
		dst[key] = vals
	}

	c.Response().WriteHeader(resp.StatusCode)

	// The status is already sent, so a failure mid-stream (client gone,
	// upstream reset) leaves the caller with a truncated body. It is only logged.
	if _, err := io.Copy(h.bodyWriter(c, resp.Header), resp.Body); err != nil {
		h.logger.Error("streaming response body",
			"err", h.router.Redact(err.Error()),
			"path", h.router.RedactPath(req.URL.Path),
		)
	}

	return nil
}

// MethodFallback returns middleware that passes requests whose method has
// no registered route (PURGE, MKCOL and other extension methods) to Handle
// instead of letting the router answer 405. It must be the innermost
// middleware so the relayed request still goes through the others.
func (h *RelayHandler) MethodFallback() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)
			var he *echo.HTTPError
			if !errors.As(err, &he) || he.Code != http.StatusMethodNotAllowed || c.Response().Committed {
				return err
			}
			c.Response().Header().Del(echo.HeaderAllow)
			return h.Handle(c)
		}
	}
}

// bodyWriter returns the writer for the relayed body. Bodies of unknown
// length, such as event streams, are flushed after every write.
func (h *RelayHandler) bodyWriter(c echo.Context, header http.Header) io.Writer {
	if header.Get(echo.HeaderContentLength) != "" {
		return c.Response()
	}
	return &flushWriter{res: c.Response()}
}

type flushWriter struct {
	res *echo.Response
}

func (w *flushWriter) Write(p []byte) (int, error) {
	n, err := w.res.Write(p)
	if err == nil {
		w.res.Flush()
	}
	return n, err
}

func (h *RelayHandler) mapError(c echo.Context, err error) error {
	h.logger.Error("relay error",
		"err", h.router.Redact(err.Error()),
		"path", h.router.RedactPath(c.Request().URL.Path),
	)

	// Body limit exceeded while the inbound body was read.
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he
	}

	if errors.Is(err, service.ErrReadBody) {
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "failed to read request body",
		})
	}

	if errors.Is(err, service.ErrInvalidResponse) {
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "failed to construct response",
		})
	}

	return c.JSON(http.StatusBadGateway, map[string]string{
		"error": upstreamErrorMessages[client.ErrorKind(err)],
	})
}
