package ratelimit

import (
	"context"
	"time"
)

// CounterStore is the pluggable persistence behind the limiter. Every method
// is a single atomic operation: concurrent checks against the same key must
// never under- or over-count, and with a shared external store each call is
// one atomic round trip.
//
// MemoryStore serves single-instance deployments (state lost on restart,
// acceptable for best-effort limiting); redisstore serves multi-instance
// deployments.
type CounterStore interface {
	// Increment adds one to the counter at key, creating it with the given
	// ttl, and returns the new count.
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Get returns the counter at key, or zero when absent or expired.
	Get(ctx context.Context, key string) (int64, error)

	// TakeToken refills the bucket at refillPerSecond up to burst, then
	// consumes one token when available. It returns whether a token was
	// taken and the tokens remaining afterwards.
	TakeToken(ctx context.Context, key string, refillPerSecond float64, burst int64, ttl time.Duration) (bool, float64, error)

	// AddLevel leaks the stored level at leakPerSecond, then adds one unit
	// when the result stays at or below capacity. It returns whether the
	// unit was admitted and the level afterwards.
	AddLevel(ctx context.Context, key string, leakPerSecond float64, capacity int64, ttl time.Duration) (bool, float64, error)
}
