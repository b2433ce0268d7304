package payevent

import (
	"context"
	"fmt"
	"strings"
)

// PaymentEvent is an external payment-provider callback event.
type PaymentEvent struct {
	ID             string
	Type           string
	OrganizationID string
	AmountCents    int64
	CreatedUnixUTC int64
	Data           map[string]string
}

// OutcomeStatus enumerates the lifecycle of a processed event record.
type OutcomeStatus string

const (
	OutcomeProcessing OutcomeStatus = "processing"
	OutcomeSucceeded  OutcomeStatus = "succeeded"
	OutcomeFailed     OutcomeStatus = "failed"
)

// ParseOutcomeStatus validates a raw status value.
func ParseOutcomeStatus(raw string) (OutcomeStatus, error) {
	switch OutcomeStatus(raw) {
	case OutcomeProcessing, OutcomeSucceeded, OutcomeFailed:
		return OutcomeStatus(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidOutcomeStatus, raw)
}

// String returns the raw status value.
func (status OutcomeStatus) String() string {
	return string(status)
}

// ProcessedRecord is the stored dedup record for one external event id.
type ProcessedRecord struct {
	ExternalEventID  string
	Status           OutcomeStatus
	ErrorText        string
	ProcessedUnixUTC int64
}

// Result reports how a delivery was handled.
type Result struct {
	Duplicate bool
	Status    OutcomeStatus
	ErrorText string
}

// Handler executes the financial effect of an event exactly once.
type Handler func(ctx context.Context, event PaymentEvent) error

// Store is the persistence contract used by Deduplicator.
// ClaimEvent must be a single atomic insert: concurrent claims for the same
// event id race safely and the loser receives ErrDuplicateEvent.
type Store interface {
	ClaimEvent(ctx context.Context, externalEventID string, atUnixUTC int64) error
	GetEvent(ctx context.Context, externalEventID string) (ProcessedRecord, error)
	MarkOutcome(ctx context.Context, externalEventID string, status OutcomeStatus, errorText string, atUnixUTC int64) error
	PurgeTerminalBefore(ctx context.Context, cutoffUnixUTC int64) (int64, error)
}

func validateEvent(event PaymentEvent) error {
	if strings.TrimSpace(event.ID) == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidEvent)
	}
	if event.CreatedUnixUTC <= 0 {
		return fmt.Errorf("%w: missing created timestamp", ErrInvalidEvent)
	}
	return nil
}
