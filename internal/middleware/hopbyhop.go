package middleware

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// hopByHopHeaders are headers scoped to a single connection that must not
// be forwarded by proxies.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// HopByHop returns an Echo middleware that strips hop-by-hop headers from
// the incoming request, including any header named in its Connection header.
func HopByHop() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header

			for _, v := range header.Values("Connection") {
				for _, name := range strings.Split(v, ",") {
					if name = strings.TrimSpace(name); name != "" {
						header.Del(http.CanonicalHeaderKey(name))
					}
				}
			}
			for _, h := range hopByHopHeaders {
				header.Del(h)
			}

			return next(c)
		}
	}
}
