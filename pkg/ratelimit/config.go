package ratelimit

import (
	"errors"
	"fmt"
	"time"
)

// Domain-level error values returned by the rate limiter.
var (
	ErrInvalidLimiterConfig = errors.New("invalid rate limit config")
	ErrInvalidLimiterKey    = errors.New("invalid rate limit key")
)

// Algorithm enumerates the interchangeable limiting strategies.
type Algorithm string

const (
	AlgorithmFixedWindow   Algorithm = "fixed_window"
	AlgorithmSlidingWindow Algorithm = "sliding_window"
	AlgorithmTokenBucket   Algorithm = "token_bucket"
	AlgorithmLeakyBucket   Algorithm = "leaky_bucket"
)

// ParseAlgorithm validates a raw algorithm name.
func ParseAlgorithm(raw string) (Algorithm, error) {
	switch Algorithm(raw) {
	case AlgorithmFixedWindow, AlgorithmSlidingWindow, AlgorithmTokenBucket, AlgorithmLeakyBucket:
		return Algorithm(raw), nil
	}
	return "", fmt.Errorf("%w: unknown algorithm %q", ErrInvalidLimiterConfig, raw)
}

// Config selects an algorithm and its parameters for one endpoint class.
type Config struct {
	Algorithm   Algorithm
	MaxRequests int64

	// Window and Precision drive the fixed and sliding window algorithms.
	// A sliding window is divided into Precision equal sub-windows.
	Window    time.Duration
	Precision int

	// TokensPerInterval and Interval drive the token and leaky bucket
	// algorithms: tokens refill (or the level leaks) at that rate, computed
	// lazily on each check rather than by a background timer.
	TokensPerInterval int64
	Interval          time.Duration

	// AllowList entries bypass the algorithm entirely; DenyList entries fail
	// with a fixed DenyRetryAfter. Both match the client IP.
	AllowList      []string
	DenyList       []string
	DenyRetryAfter time.Duration

	// OnDeny, when set, observes every denial.
	OnDeny func(key string, decision Decision)
}

// Validate checks the parameters required by the selected algorithm.
func (config Config) Validate() error {
	if _, err := ParseAlgorithm(string(config.Algorithm)); err != nil {
		return err
	}
	if config.MaxRequests <= 0 {
		return fmt.Errorf("%w: non-positive max requests", ErrInvalidLimiterConfig)
	}
	switch config.Algorithm {
	case AlgorithmFixedWindow:
		if config.Window <= 0 {
			return fmt.Errorf("%w: non-positive window", ErrInvalidLimiterConfig)
		}
	case AlgorithmSlidingWindow:
		if config.Window <= 0 {
			return fmt.Errorf("%w: non-positive window", ErrInvalidLimiterConfig)
		}
		if config.Precision <= 0 {
			return fmt.Errorf("%w: non-positive precision", ErrInvalidLimiterConfig)
		}
	case AlgorithmTokenBucket, AlgorithmLeakyBucket:
		if config.TokensPerInterval <= 0 || config.Interval <= 0 {
			return fmt.Errorf("%w: non-positive refill rate", ErrInvalidLimiterConfig)
		}
	}
	return nil
}

// Decision reports an allow/deny outcome together with the caller-observable
// header values.
type Decision struct {
	Allowed      bool
	Limit        int64
	Remaining    int64
	ResetUnixUTC int64
	RetryAfter   time.Duration
}

// Request carries the attributes the limiter keys and filters on.
type Request struct {
	ClientIP  string
	Path      string
	UserAgent string
}
