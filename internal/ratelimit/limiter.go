package ratelimit

import "context"

// RateLimiter bounds outbound analyze throughput per owner across
// concurrent invocations.
type RateLimiter interface {
	Allow(ctx context.Context, owner string) (bool, error)
	Wait(ctx context.Context, owner string) error
}
