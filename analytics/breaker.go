package analytics

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerCaller wraps a Caller with a circuit breaker so a flapping backend
// stops consuming worker time. While the breaker is open every query fails
// fast; stale-while-revalidate semantics mean readers keep seeing the last
// good envelopes until the backend recovers.
type BreakerCaller struct {
	next Caller
	cb   *gobreaker.CircuitBreaker
}

var _ Caller = (*BreakerCaller)(nil)

// NewBreakerCaller wraps next. The breaker opens after five consecutive
// failures and probes again after 30 seconds.
func NewBreakerCaller(next Caller) *BreakerCaller {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "analytics",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &BreakerCaller{next: next, cb: cb}
}

// Query delegates through the breaker.
func (b *BreakerCaller) Query(ctx context.Context, method string, params map[string]string) (json.RawMessage, error) {
	rows, err := b.cb.Execute(func() (any, error) {
		return b.next.Query(ctx, method, params)
	})
	if err != nil {
		return nil, &QueryError{Method: method, Err: err}
	}
	return rows.(json.RawMessage), nil
}
