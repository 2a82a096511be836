package exchange

import (
	"errors"
	"fmt"
)

// ErrConnectionClosed is returned by Listen when the peer closes the stream
// or the keepalive deadline passes. The transport never reconnects on its
// own; the caller owns reconnect policy.
var ErrConnectionClosed = errors.New("exchange: stream connection closed")

// ErrRateLimited marks an upstream 429/418 response. The client sleeps and
// retries internally; the sentinel escapes only through context cancellation.
var ErrRateLimited = errors.New("exchange: rate limit exceeded")

// TransientError wraps a retryable network or upstream failure. It surfaces
// after the bounded retry schedule is exhausted.
type TransientError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("exchange: %s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// DataIntegrityError marks a single invalid record (bad price or quantity).
// The record is rejected; streaming continues.
type DataIntegrityError struct {
	Symbol string
	Field  string
	Value  string
}

func (e *DataIntegrityError) Error() string {
	return fmt.Sprintf("exchange: invalid %s %q for %s", e.Field, e.Value, e.Symbol)
}
