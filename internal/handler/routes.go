package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tokenproxy/internal/config"
	"tokenproxy/internal/metrics"
)

// RegisterRoutes wires all route handlers onto the Echo instance. The
// health and metrics endpoints are registered only when enabled; every
// other path and method goes to the relay. It must run after all other
// middleware has been added.
func RegisterRoutes(e *echo.Echo, relay *RelayHandler, health *HealthHandler, m *metrics.Metrics, cfg *config.Config) {
	if cfg.Health.Enabled {
		e.GET(cfg.Health.Path, health.Healthz)
	}

	if cfg.Metrics.Enabled {
		h := echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
		e.GET(cfg.Metrics.Path, labelled(metrics.RouteMetrics, h))
	}

	e.Any("/*", relay.Handle)
	e.Use(relay.MethodFallback())
}

// labelled sets the metrics route label before calling h.
func labelled(route string, h echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		c.Set(metrics.RouteKey, route)
		return h(c)
	}
}
