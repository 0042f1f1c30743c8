// Package ratelimit implements fixed-window request counting keyed by an
// identity string (fingerprint hash or network address). Limiter state lives
// behind the Limiter interface so single-instance deployments can use the
// in-memory implementation while multi-instance deployments share counters
// through redis.
package ratelimit

import "context"

// Decision reports the outcome of a window check.
type Decision struct {
	Allowed   bool
	Remaining int64
}

// Limiter is a fixed-window counter. Check and Record form a pair: callers
// invoke Check before the metered operation and Record only after it
// succeeded. Implementations serialize per-key state so concurrent callers
// cannot both record past the limit.
type Limiter interface {
	Check(ctx context.Context, key string) (Decision, error)
	Record(ctx context.Context, key string) error
}
