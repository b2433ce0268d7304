package payevent

import "errors"

// Domain-level error values returned by the deduplicator.
var (
	ErrInvalidEvent         = errors.New("invalid payment event")
	ErrInvalidOutcomeStatus = errors.New("invalid outcome status")
	ErrInvalidDedupConfig   = errors.New("invalid deduplicator config")
	ErrStaleEvent           = errors.New("event older than maximum age")
	ErrFutureEvent          = errors.New("event timestamp beyond clock skew allowance")
	ErrDuplicateEvent       = errors.New("event already claimed")
	ErrEventInFlight        = errors.New("event is being processed by another delivery")
	ErrEventNotFound        = errors.New("event record not found")
)
