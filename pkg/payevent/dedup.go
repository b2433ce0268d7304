package payevent

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	defaultMaxEventAge = 24 * time.Hour
	defaultClockSkew   = 5 * time.Minute
	defaultRetention   = 24 * time.Hour
)

// Deduplicator guarantees that the financial effect of an external event is
// applied at most once, no matter how many times the provider delivers it.
type Deduplicator struct {
	store     Store
	nowFn     func() int64
	maxAge    time.Duration
	clockSkew time.Duration
	retention time.Duration
}

// DeduplicatorOption configures a Deduplicator instance.
type DeduplicatorOption func(*Deduplicator)

// WithMaxEventAge overrides the replay-protection age cutoff.
func WithMaxEventAge(maxAge time.Duration) DeduplicatorOption {
	return func(deduplicator *Deduplicator) {
		deduplicator.maxAge = maxAge
	}
}

// WithClockSkew overrides the allowance for future-dated events.
func WithClockSkew(clockSkew time.Duration) DeduplicatorOption {
	return func(deduplicator *Deduplicator) {
		deduplicator.clockSkew = clockSkew
	}
}

// WithRetention overrides how long terminal records are kept before Purge
// may remove them.
func WithRetention(retention time.Duration) DeduplicatorOption {
	return func(deduplicator *Deduplicator) {
		deduplicator.retention = retention
	}
}

// NewDeduplicator wires a Deduplicator.
func NewDeduplicator(store Store, now func() int64, options ...DeduplicatorOption) (*Deduplicator, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidDedupConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidDedupConfig)
	}
	deduplicator := &Deduplicator{
		store:     store,
		nowFn:     now,
		maxAge:    defaultMaxEventAge,
		clockSkew: defaultClockSkew,
		retention: defaultRetention,
	}
	for _, option := range options {
		if option != nil {
			option(deduplicator)
		}
	}
	if deduplicator.maxAge <= 0 || deduplicator.clockSkew < 0 || deduplicator.retention <= 0 {
		return nil, fmt.Errorf("%w: non-positive window", ErrInvalidDedupConfig)
	}
	return deduplicator, nil
}

// ProcessOnce runs handler for the event unless the event id has been seen
// before. The unseen-to-processing transition is a single atomic insert, so
// two concurrent deliveries of the same id race safely: exactly one runs the
// handler, the other receives the stored outcome. A failed handler outcome is
// cached and never retried for the same id; retrying intentionally requires a
// new event id.
func (deduplicator *Deduplicator) ProcessOnce(ctx context.Context, event PaymentEvent, handler Handler) (Result, error) {
	if handler == nil {
		return Result{}, fmt.Errorf("%w: handler is nil", ErrInvalidDedupConfig)
	}
	if err := validateEvent(event); err != nil {
		return Result{}, err
	}
	nowUnixUTC := deduplicator.nowFn()
	eventAge := time.Duration(nowUnixUTC-event.CreatedUnixUTC) * time.Second
	if eventAge > deduplicator.maxAge {
		return Result{}, fmt.Errorf("%w: event %s created %s ago", ErrStaleEvent, event.ID, eventAge)
	}
	if eventAge < -deduplicator.clockSkew {
		return Result{}, fmt.Errorf("%w: event %s", ErrFutureEvent, event.ID)
	}

	claimError := deduplicator.store.ClaimEvent(ctx, event.ID, nowUnixUTC)
	if errors.Is(claimError, ErrDuplicateEvent) {
		record, err := deduplicator.store.GetEvent(ctx, event.ID)
		if err != nil {
			return Result{}, err
		}
		if record.Status == OutcomeProcessing {
			return Result{Duplicate: true, Status: OutcomeProcessing}, ErrEventInFlight
		}
		return Result{Duplicate: true, Status: record.Status, ErrorText: record.ErrorText}, nil
	}
	if claimError != nil {
		return Result{}, claimError
	}

	handlerError := handler(ctx, event)
	if handlerError != nil {
		if err := deduplicator.store.MarkOutcome(ctx, event.ID, OutcomeFailed, handlerError.Error(), deduplicator.nowFn()); err != nil {
			return Result{}, err
		}
		return Result{Status: OutcomeFailed, ErrorText: handlerError.Error()}, handlerError
	}
	// A MarkOutcome failure here strands the record in processing: later
	// deliveries of this id get ErrEventInFlight instead of a second credit.
	// Processing rows are never purged, so the stranded row stays visible
	// until an operator repairs it.
	if err := deduplicator.store.MarkOutcome(ctx, event.ID, OutcomeSucceeded, "", deduplicator.nowFn()); err != nil {
		return Result{}, err
	}
	return Result{Status: OutcomeSucceeded}, nil
}

// Purge removes terminal dedup records older than the retention window.
// Records still in processing are never purged.
func (deduplicator *Deduplicator) Purge(ctx context.Context) (int64, error) {
	cutoff := deduplicator.nowFn() - int64(deduplicator.retention/time.Second)
	return deduplicator.store.PurgeTerminalBefore(ctx, cutoff)
}
