package ingestion

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// UpstreamError is the single error kind the extraction client returns.
// Network failures, timeouts, non-2xx statuses and undecodable bodies all
// surface as this type so callers have one thing to inspect.
type UpstreamError struct {
	Op         string
	URL        string
	StatusCode int
	Timeout    bool
	Err        error
}

func (e *UpstreamError) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("upstream %s: timeout calling %s", e.Op, e.URL)
	case e.StatusCode != 0:
		return fmt.Sprintf("upstream %s: http status %d from %s", e.Op, e.StatusCode, e.URL)
	case e.Err != nil:
		return fmt.Sprintf("upstream %s: %s: %v", e.Op, e.URL, e.Err)
	default:
		return fmt.Sprintf("upstream %s: %s failed", e.Op, e.URL)
	}
}

// Unwrap exposes the underlying cause message only; the transport error
// itself is flattened so it never leaks past the client boundary.
func (e *UpstreamError) Unwrap() error { return e.Err }

// IsUpstream reports whether err is, or wraps, an UpstreamError.
func IsUpstream(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue)
}

func newTransportError(op, url string, err error) *UpstreamError {
	ue := &UpstreamError{Op: op, URL: url}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		ue.Timeout = true
	}
	// Keep only the message: callers must not type-switch on transport errors.
	ue.Err = errors.New(err.Error())
	return ue
}
