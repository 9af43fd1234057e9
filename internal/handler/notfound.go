package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"tokenproxy/internal/metrics"
)

const notFoundBody = "nothing to see here"

// NotFound answers with the plain-text 404 shared by unknown routes and
// unauthorized paths.
func NotFound(c echo.Context) error {
	return c.String(http.StatusNotFound, notFoundBody)
}

// NewErrorHandler returns an Echo error handler that renders the router's
// own 404 and 405 errors through NotFound, so no route or method reveals
// more than an unauthorized path does. Other errors fall through to Echo's
// default handler.
func NewErrorHandler(e *echo.Echo, logger *slog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		var he *echo.HTTPError
		if errors.As(err, &he) && (he.Code == http.StatusNotFound || he.Code == http.StatusMethodNotAllowed) {
			if c.Response().Committed {
				return
			}
			logger.Warn("route not found", "method", c.Request().Method)
			c.Set(metrics.RouteKey, metrics.RouteNotFound)
			if err := NotFound(c); err != nil {
				logger.Error("writing not found response", "err", err)
			}
			return
		}
		e.DefaultHTTPErrorHandler(err, c)
	}
}
