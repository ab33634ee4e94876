// Package analytics defines the contract with the external analytics
// backend. The pipeline only ever talks to it through Caller; the scheduler
// is the sole component that invokes it, converting results and failures
// into cache envelopes. Foreground episode code never calls it.
package analytics

import (
	"context"
	"encoding/json"
	"fmt"
)

// Caller executes one named analytics query and returns the raw result rows.
// Implementations must honor context cancellation; the scheduler applies a
// per-job timeout around every call.
type Caller interface {
	Query(ctx context.Context, method string, params map[string]string) (json.RawMessage, error)
}

// QueryError is a backend failure for a specific method. The scheduler
// records its message on the envelope and leaves the previous good value in
// place.
type QueryError struct {
	Method string
	Err    error
}

// Error implements error.
func (e *QueryError) Error() string {
	return fmt.Sprintf("analytics query %s: %v", e.Method, e.Err)
}

// Unwrap exposes the underlying cause.
func (e *QueryError) Unwrap() error { return e.Err }
