// Package route authorizes inbound paths against the shared password and
// resolves the upstream target URL embedded in the remainder of the path.
//
// A relayed path has the form
//
//	/<password><target>
//
// where target is either a full http(s) URL or a bare host and path, in
// which case https is assumed. A leading "http:/" or "https:/" with a
// single slash, as produced by ingresses that merge repeated slashes, is
// repaired to its two-slash form.
package route

import (
	"crypto/subtle"
	"errors"
	"strings"

	"tokenproxy/internal/config"
)

// ErrNotFound is returned for every path that is not authorized. It is
// deliberately the same answer as for a route that does not exist.
var ErrNotFound = errors.New("not found")

const redacted = "[REDACTED]"

// schemes are the protocol markers recognised at the start of a target.
var schemes = []string{"https:", "http:"}

// Router resolves authorized paths to target URLs.
type Router struct {
	password string
}

// New creates a Router for the configured password.
func New(cfg *config.Config) *Router {
	return &Router{password: cfg.Auth.Password}
}

// Resolve checks that path starts with the password and returns the target
// URL it encodes, with rawQuery appended verbatim. Path is the raw request
// path including its leading slash.
//
// The returned target is not validated; an empty host surfaces later as an
// upstream failure.
func (r *Router) Resolve(path, rawQuery string) (string, error) {
	rest, ok := r.authorize(strings.TrimPrefix(path, "/"))
	if !ok {
		return "", ErrNotFound
	}

	if rest == "" {
		rest = "/"
	}
	rest = strings.TrimLeft(rest, "/")
	rest = NormalizeScheme(rest)

	target := rest
	if !strings.HasPrefix(rest, "http:/") && !strings.HasPrefix(rest, "https:/") {
		target = "https://" + rest
	}
	if rawQuery != "" {
		target += "?" + rawQuery
	}
	return target, nil
}

// authorize strips the password from p. The comparison of the prefix bytes
// runs in constant time; only the password length can leak through timing.
func (r *Router) authorize(p string) (string, bool) {
	if r.password == "" || len(p) < len(r.password) {
		return "", false
	}
	if subtle.ConstantTimeCompare([]byte(p[:len(r.password)]), []byte(r.password)) != 1 {
		return "", false
	}
	return p[len(r.password):], true
}

// NormalizeScheme rewrites a leading "http:" or "https:" followed by one or
// two slashes to the canonical "scheme://" form. Matching is case-sensitive
// and any other input is returned unchanged.
func NormalizeScheme(s string) string {
	for _, scheme := range schemes {
		if !strings.HasPrefix(s, scheme) {
			continue
		}
		rest := s[len(scheme):]
		switch {
		case strings.HasPrefix(rest, "//"):
			rest = rest[2:]
		case strings.HasPrefix(rest, "/"):
			rest = rest[1:]
		default:
			return s
		}
		return scheme + "//" + rest
	}
	return s
}

// Redact replaces every occurrence of the password in s. It is meant for
// error messages, where the password may appear anywhere.
func (r *Router) Redact(s string) string {
	if r.password == "" {
		return s
	}
	return strings.ReplaceAll(s, r.password, redacted)
}

// RedactPath replaces the password prefix of a request path. The rest of
// the path is left as is, so a short password does not mangle the target.
func (r *Router) RedactPath(path string) string {
	if r.password == "" {
		return path
	}
	if rest, ok := strings.CutPrefix(path, "/"+r.password); ok {
		return "/" + redacted + rest
	}
	return path
}
