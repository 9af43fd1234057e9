// Package model defines the transient request and response types that flow
// through the relay. None of them outlive a single inbound request.
package model

import (
	"context"
	"io"
	"net/http"
)

// InboundRequest is an authorized client request together with the target
// it resolved to.
type InboundRequest struct {
	Ctx    context.Context
	Method string
	Target string // resolved target URL, query included
	Header http.Header
	// Body is consumed at most once. ContentLength is -1 when unknown.
	Body          io.ReadCloser
	ContentLength int64
}

// UpstreamResponse is the upstream reply to be relayed back to the caller.
type UpstreamResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}
