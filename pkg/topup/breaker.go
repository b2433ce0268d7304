package topup

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// BreakerPhase enumerates circuit breaker states.
type BreakerPhase string

const (
	BreakerClosed   BreakerPhase = "closed"
	BreakerOpen     BreakerPhase = "open"
	BreakerHalfOpen BreakerPhase = "half_open"
)

// BreakerState is the per-organization breaker record.
type BreakerState struct {
	Phase               BreakerPhase
	ConsecutiveFailures int
	LastFailureUnixUTC  int64
	OpenedUntilUnixUTC  int64
}

// BreakerStore holds breaker state per organization. The state is a
// best-effort cache, not a source of truth: losing it on restart only means
// the next gateway failures must re-trip the breaker.
type BreakerStore interface {
	Get(ctx context.Context, organizationID string) (BreakerState, bool, error)
	Put(ctx context.Context, organizationID string, state BreakerState) error
}

// MemoryBreakerStore keeps breaker state in process. Suited to single-node
// deployments.
type MemoryBreakerStore struct {
	mutex  sync.Mutex
	states map[string]BreakerState
}

// NewMemoryBreakerStore wires an empty store.
func NewMemoryBreakerStore() *MemoryBreakerStore {
	return &MemoryBreakerStore{states: make(map[string]BreakerState)}
}

// Get returns the stored state for an organization.
func (store *MemoryBreakerStore) Get(_ context.Context, organizationID string) (BreakerState, bool, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	state, found := store.states[organizationID]
	return state, found, nil
}

// Put stores the state for an organization.
func (store *MemoryBreakerStore) Put(_ context.Context, organizationID string, state BreakerState) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.states[organizationID] = state
	return nil
}

// CircuitBreaker fails fast against a repeatedly failing payment gateway.
// Reaching the consecutive-failure threshold opens the circuit for the
// cooldown period; after the cooldown exactly one probe attempt is admitted.
type CircuitBreaker struct {
	store            BreakerStore
	nowFn            func() int64
	failureThreshold int
	cooldownSeconds  int64
	mutex            sync.Mutex
}

// NewCircuitBreaker wires a CircuitBreaker.
func NewCircuitBreaker(store BreakerStore, now func() int64, failureThreshold int, cooldown time.Duration) (*CircuitBreaker, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: breaker store is nil", ErrInvalidControllerConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidControllerConfig)
	}
	if failureThreshold <= 0 {
		return nil, fmt.Errorf("%w: non-positive failure threshold", ErrInvalidControllerConfig)
	}
	if cooldown <= 0 {
		return nil, fmt.Errorf("%w: non-positive cooldown", ErrInvalidControllerConfig)
	}
	// Open intervals are tracked at second granularity; sub-second cooldowns
	// round up so the circuit never reopens in the same instant it tripped.
	cooldownSeconds := int64(cooldown / time.Second)
	if cooldown%time.Second != 0 {
		cooldownSeconds++
	}
	return &CircuitBreaker{
		store:            store,
		nowFn:            now,
		failureThreshold: failureThreshold,
		cooldownSeconds:  cooldownSeconds,
	}, nil
}

// CanAttempt reports whether a gateway attempt is admitted right now. When an
// open circuit's cooldown has elapsed the caller becomes the single half-open
// probe; concurrent callers observe half_open and are rejected until the
// probe reports its outcome.
func (breaker *CircuitBreaker) CanAttempt(ctx context.Context, organizationID string) (bool, error) {
	breaker.mutex.Lock()
	defer breaker.mutex.Unlock()
	state, found, err := breaker.store.Get(ctx, organizationID)
	if err != nil {
		return false, err
	}
	if !found || state.Phase == BreakerClosed {
		return true, nil
	}
	switch state.Phase {
	case BreakerOpen:
		if breaker.nowFn() < state.OpenedUntilUnixUTC {
			return false, nil
		}
		state.Phase = BreakerHalfOpen
		if err := breaker.store.Put(ctx, organizationID, state); err != nil {
			return false, err
		}
		return true, nil
	case BreakerHalfOpen:
		return false, nil
	}
	return true, nil
}

// ReleaseProbe returns an unused half-open probe slot. A probe that aborts
// before reaching the gateway reports neither success nor failure; the
// circuit reverts to open so the next caller is admitted as a fresh probe.
func (breaker *CircuitBreaker) ReleaseProbe(ctx context.Context, organizationID string) error {
	breaker.mutex.Lock()
	defer breaker.mutex.Unlock()
	state, found, err := breaker.store.Get(ctx, organizationID)
	if err != nil {
		return err
	}
	if !found || state.Phase != BreakerHalfOpen {
		return nil
	}
	state.Phase = BreakerOpen
	return breaker.store.Put(ctx, organizationID, state)
}

// RecordSuccess resets the breaker to closed.
func (breaker *CircuitBreaker) RecordSuccess(ctx context.Context, organizationID string) error {
	breaker.mutex.Lock()
	defer breaker.mutex.Unlock()
	return breaker.store.Put(ctx, organizationID, BreakerState{Phase: BreakerClosed})
}

// RecordFailure counts a gateway failure and opens the circuit when the
// threshold is reached. A failed half-open probe reopens immediately.
func (breaker *CircuitBreaker) RecordFailure(ctx context.Context, organizationID string) error {
	breaker.mutex.Lock()
	defer breaker.mutex.Unlock()
	state, _, err := breaker.store.Get(ctx, organizationID)
	if err != nil {
		return err
	}
	nowUnixUTC := breaker.nowFn()
	state.ConsecutiveFailures++
	state.LastFailureUnixUTC = nowUnixUTC
	if state.Phase == BreakerHalfOpen || state.ConsecutiveFailures >= breaker.failureThreshold {
		state.Phase = BreakerOpen
		state.OpenedUntilUnixUTC = nowUnixUTC + breaker.cooldownSeconds
	} else {
		state.Phase = BreakerClosed
	}
	return breaker.store.Put(ctx, organizationID, state)
}

// Phase returns the current breaker phase for an organization.
func (breaker *CircuitBreaker) Phase(ctx context.Context, organizationID string) (BreakerPhase, error) {
	breaker.mutex.Lock()
	defer breaker.mutex.Unlock()
	state, found, err := breaker.store.Get(ctx, organizationID)
	if err != nil {
		return "", err
	}
	if !found {
		return BreakerClosed, nil
	}
	return state.Phase, nil
}
