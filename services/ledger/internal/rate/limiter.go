// Package rate throttles order creation per buyer.
package rate

import (
	"context"
	"time"
)

// Limiter admits at most a fixed number of calls per key per window.
// retryAfter is meaningful only when allowed is false.
type Limiter interface {
	Allow(ctx context.Context, key string, now time.Time) (allowed bool, retryAfter time.Duration, err error)
}

// Noop admits everything; used when limiting is disabled.
type Noop struct{}

func (Noop) Allow(context.Context, string, time.Time) (bool, time.Duration, error) {
	return true, 0, nil
}
