package ports

import "context"

// RateLimiter admits or rejects a request keyed by caller identity
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}
