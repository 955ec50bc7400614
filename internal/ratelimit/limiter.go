package ratelimit

import "context"

// RateLimiter controls ingestion throughput per logical scope (e.g. one
// batch's acknowledgment stream).
type RateLimiter interface {
	Allow(ctx context.Context, scope string) (bool, error)
	Wait(ctx context.Context, scope string) error
}
