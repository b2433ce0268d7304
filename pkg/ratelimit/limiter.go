package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	prefixFixed   = "rl:fixed"
	prefixSliding = "rl:sliding"
	prefixBucket  = "rl:bucket"
	prefixLeaky   = "rl:leaky"

	defaultDenyRetryAfter = time.Minute
)

// Limiter evaluates rate limit checks against a CounterStore. A store outage
// degrades to allow: availability is preferred over strict throttling.
type Limiter struct {
	store  CounterStore
	nowFn  func() time.Time
	logger *zap.Logger
}

// LimiterOption configures a Limiter instance.
type LimiterOption func(*Limiter)

// WithLimiterLogger wires a zap logger for degradation warnings.
func WithLimiterLogger(logger *zap.Logger) LimiterOption {
	return func(limiter *Limiter) {
		limiter.logger = logger
	}
}

// NewLimiter wires a Limiter.
func NewLimiter(store CounterStore, now func() time.Time, options ...LimiterOption) (*Limiter, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: counter store is nil", ErrInvalidLimiterConfig)
	}
	if now == nil {
		now = time.Now
	}
	limiter := &Limiter{store: store, nowFn: now, logger: zap.NewNop()}
	for _, option := range options {
		if option != nil {
			option(limiter)
		}
	}
	return limiter, nil
}

// Check evaluates a request: allow/deny lists first, then the configured
// algorithm keyed by KeyFromRequest.
func (limiter *Limiter) Check(ctx context.Context, request Request, config Config) (Decision, error) {
	if err := config.Validate(); err != nil {
		return Decision{}, err
	}
	clientIP := strings.TrimSpace(request.ClientIP)
	for _, allowed := range config.AllowList {
		if clientIP != "" && clientIP == allowed {
			return limiter.bypassDecision(config), nil
		}
	}
	for _, denied := range config.DenyList {
		if clientIP != "" && clientIP == denied {
			retryAfter := config.DenyRetryAfter
			if retryAfter <= 0 {
				retryAfter = defaultDenyRetryAfter
			}
			decision := Decision{
				Limit:        config.MaxRequests,
				ResetUnixUTC: limiter.nowFn().Add(retryAfter).Unix(),
				RetryAfter:   retryAfter,
			}
			limiter.notifyDeny(KeyFromRequest(request), config, decision)
			return decision, nil
		}
	}
	return limiter.CheckKey(ctx, KeyFromRequest(request), config)
}

// CheckKey evaluates the configured algorithm for an explicit key.
func (limiter *Limiter) CheckKey(ctx context.Context, key string, config Config) (Decision, error) {
	if strings.TrimSpace(key) == "" {
		return Decision{}, fmt.Errorf("%w: empty key", ErrInvalidLimiterKey)
	}
	if err := config.Validate(); err != nil {
		return Decision{}, err
	}
	var (
		decision Decision
		err      error
	)
	switch config.Algorithm {
	case AlgorithmFixedWindow:
		decision, err = limiter.checkFixedWindow(ctx, key, config)
	case AlgorithmSlidingWindow:
		decision, err = limiter.checkSlidingWindow(ctx, key, config)
	case AlgorithmTokenBucket:
		decision, err = limiter.checkTokenBucket(ctx, key, config)
	case AlgorithmLeakyBucket:
		decision, err = limiter.checkLeakyBucket(ctx, key, config)
	}
	if err != nil {
		limiter.logger.Warn("counter store unavailable, allowing request",
			zap.String("key", key),
			zap.String("algorithm", string(config.Algorithm)),
			zap.Error(err))
		return limiter.bypassDecision(config), nil
	}
	if !decision.Allowed {
		limiter.notifyDeny(key, config, decision)
	}
	return decision, nil
}

// checkFixedWindow counts hits in window-aligned buckets. A burst straddling
// the window boundary can pass up to twice MaxRequests; accepted trade-off
// for low-risk endpoints.
func (limiter *Limiter) checkFixedWindow(ctx context.Context, key string, config Config) (Decision, error) {
	now := limiter.nowFn()
	windowStart := now.Truncate(config.Window)
	storeKey := fmt.Sprintf("%s:%s:%d", prefixFixed, key, windowStart.UnixMilli())
	count, err := limiter.store.Increment(ctx, storeKey, config.Window)
	if err != nil {
		return Decision{}, err
	}
	reset := windowStart.Add(config.Window)
	decision := Decision{
		Allowed:      count <= config.MaxRequests,
		Limit:        config.MaxRequests,
		Remaining:    clampRemaining(config.MaxRequests - count),
		ResetUnixUTC: reset.Unix(),
	}
	if !decision.Allowed {
		decision.RetryAfter = reset.Sub(now)
	}
	return decision, nil
}

// checkSlidingWindow sums counts over the last Precision sub-windows, which
// smooths the fixed-window boundary burst at the cost of Precision reads.
func (limiter *Limiter) checkSlidingWindow(ctx context.Context, key string, config Config) (Decision, error) {
	now := limiter.nowFn()
	subWindow := config.Window / time.Duration(config.Precision)
	if subWindow <= 0 {
		return Decision{}, fmt.Errorf("%w: window smaller than precision", ErrInvalidLimiterConfig)
	}
	currentIndex := now.UnixMilli() / subWindow.Milliseconds()
	currentKey := fmt.Sprintf("%s:%s:%d", prefixSliding, key, currentIndex)
	total, err := limiter.store.Increment(ctx, currentKey, config.Window+subWindow)
	if err != nil {
		return Decision{}, err
	}
	for offset := 1; offset < config.Precision; offset++ {
		pastKey := fmt.Sprintf("%s:%s:%d", prefixSliding, key, currentIndex-int64(offset))
		count, err := limiter.store.Get(ctx, pastKey)
		if err != nil {
			return Decision{}, err
		}
		total += count
	}
	nextRotation := time.UnixMilli((currentIndex + 1) * subWindow.Milliseconds())
	decision := Decision{
		Allowed:      total <= config.MaxRequests,
		Limit:        config.MaxRequests,
		Remaining:    clampRemaining(config.MaxRequests - total),
		ResetUnixUTC: nextRotation.Unix(),
	}
	if !decision.Allowed {
		decision.RetryAfter = nextRotation.Sub(now)
	}
	return decision, nil
}

// checkTokenBucket consumes one token from a lazily refilled bucket. Models
// bursty-but-bounded traffic.
func (limiter *Limiter) checkTokenBucket(ctx context.Context, key string, config Config) (Decision, error) {
	refillPerSecond := float64(config.TokensPerInterval) / config.Interval.Seconds()
	ttl := bucketTTL(config)
	storeKey := fmt.Sprintf("%s:%s", prefixBucket, key)
	taken, remaining, err := limiter.store.TakeToken(ctx, storeKey, refillPerSecond, config.MaxRequests, ttl)
	if err != nil {
		return Decision{}, err
	}
	now := limiter.nowFn()
	decision := Decision{
		Allowed:   taken,
		Limit:     config.MaxRequests,
		Remaining: clampRemaining(int64(remaining)),
	}
	if !taken {
		missing := 1 - remaining
		if missing < 0 {
			missing = 0
		}
		decision.RetryAfter = time.Duration(missing / refillPerSecond * float64(time.Second))
	}
	decision.ResetUnixUTC = now.Add(decision.RetryAfter).Unix()
	return decision, nil
}

// checkLeakyBucket admits one unit when the lazily leaked level stays within
// capacity. Models smoothing of output rate.
func (limiter *Limiter) checkLeakyBucket(ctx context.Context, key string, config Config) (Decision, error) {
	leakPerSecond := float64(config.TokensPerInterval) / config.Interval.Seconds()
	ttl := bucketTTL(config)
	storeKey := fmt.Sprintf("%s:%s", prefixLeaky, key)
	admitted, level, err := limiter.store.AddLevel(ctx, storeKey, leakPerSecond, config.MaxRequests, ttl)
	if err != nil {
		return Decision{}, err
	}
	now := limiter.nowFn()
	decision := Decision{
		Allowed:   admitted,
		Limit:     config.MaxRequests,
		Remaining: clampRemaining(config.MaxRequests - int64(level)),
	}
	if !admitted {
		overflow := level + 1 - float64(config.MaxRequests)
		if overflow < 0 {
			overflow = 0
		}
		decision.RetryAfter = time.Duration(overflow / leakPerSecond * float64(time.Second))
	}
	decision.ResetUnixUTC = now.Add(decision.RetryAfter).Unix()
	return decision, nil
}

// bypassDecision is the full-allowance decision handed to allow-listed
// clients and returned when the counter store is unavailable. The reset epoch
// still points one window (or refill interval) ahead so the response headers
// carry a usable value.
func (limiter *Limiter) bypassDecision(config Config) Decision {
	horizon := config.Window
	if horizon <= 0 {
		horizon = config.Interval
	}
	return Decision{
		Allowed:      true,
		Limit:        config.MaxRequests,
		Remaining:    config.MaxRequests,
		ResetUnixUTC: limiter.nowFn().Add(horizon).Unix(),
	}
}

func (limiter *Limiter) notifyDeny(key string, config Config, decision Decision) {
	if config.OnDeny != nil {
		config.OnDeny(key, decision)
	}
}

func bucketTTL(config Config) time.Duration {
	// Long enough for a full bucket to drain or refill twice over.
	ttl := 2 * time.Duration(config.MaxRequests) * config.Interval / time.Duration(config.TokensPerInterval)
	if ttl < config.Interval {
		ttl = config.Interval
	}
	return ttl
}

func clampRemaining(remaining int64) int64 {
	if remaining < 0 {
		return 0
	}
	return remaining
}
