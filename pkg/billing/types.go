package billing

import (
	"context"
	"fmt"
	"strings"
)

// AmountCents is a signed integer currency in cents. Positive values credit
// the balance, negative values debit it.
type AmountCents int64

// Int64 returns the raw cent value.
func (amount AmountCents) Int64() int64 {
	return int64(amount)
}

// Negated returns the amount with the opposite sign.
func (amount AmountCents) Negated() AmountCents {
	return -amount
}

// IsDebit reports whether the amount reduces the balance.
func (amount AmountCents) IsDebit() bool {
	return amount < 0
}

// OrganizationID identifies a tenant that owns a credit balance.
type OrganizationID struct {
	value string
}

// UserID identifies the actor behind a ledger operation.
type UserID struct {
	value string
}

// NewOrganizationID validates and normalizes an organization id.
func NewOrganizationID(raw string) (OrganizationID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return OrganizationID{}, fmt.Errorf("%w: empty value", ErrInvalidOrganizationID)
	}
	return OrganizationID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id OrganizationID) String() string {
	return id.value
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// TransactionType enumerates ledger transaction kinds.
type TransactionType string

const (
	TransactionPurchase        TransactionType = "purchase"
	TransactionUsage           TransactionType = "usage"
	TransactionRefund          TransactionType = "refund"
	TransactionAdjustment      TransactionType = "adjustment"
	TransactionAutoTopUp       TransactionType = "auto_topup"
	TransactionAutoTopUpFailed TransactionType = "auto_topup_failed"
)

// ParseTransactionType validates a raw transaction type.
func ParseTransactionType(raw string) (TransactionType, error) {
	switch TransactionType(raw) {
	case TransactionPurchase, TransactionUsage, TransactionRefund,
		TransactionAdjustment, TransactionAutoTopUp, TransactionAutoTopUpFailed:
		return TransactionType(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTransactionType, raw)
}

// String returns the raw type value.
func (transactionType TransactionType) String() string {
	return string(transactionType)
}

// Metadata is a typed key/value bag attached to a transaction. Keys are the
// durable contract read by downstream subsystems; new keys may be added but
// existing keys keep their meaning.
type Metadata map[string]string

// Documented metadata keys.
const (
	MetadataKeyReason        = "reason"
	MetadataKeyMeter         = "meter"
	MetadataKeyQuantity      = "quantity"
	MetadataKeyChargeID      = "charge_id"
	MetadataKeyPaymentMethod = "payment_method"
	MetadataKeyLastError     = "last_error"
)

// NewMetadata validates a metadata bag. Nil is normalized to an empty bag.
func NewMetadata(raw map[string]string) (Metadata, error) {
	metadata := make(Metadata, len(raw))
	for key, value := range raw {
		if strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("%w: empty key", ErrInvalidMetadata)
		}
		metadata[key] = value
	}
	return metadata, nil
}

// Clone returns an independent copy of the bag.
func (metadata Metadata) Clone() Metadata {
	cloned := make(Metadata, len(metadata))
	for key, value := range metadata {
		cloned[key] = value
	}
	return cloned
}

// Organization is the balance row for a tenant, including its top-up policy.
type Organization struct {
	ID               OrganizationID
	BalanceCents     AmountCents
	ThresholdCents   AmountCents
	TopUpAmountCents AmountCents
	AutoTopUpEnabled bool
}

// CreditTransaction is a single immutable line in the ledger.
type CreditTransaction struct {
	TransactionID     string
	OrganizationID    OrganizationID
	UserID            UserID
	Type              TransactionType
	AmountCents       AmountCents
	BalanceAfterCents AmountCents
	Description       string
	ExternalReference string
	Metadata          Metadata
	CreatedUnixUTC    int64
}

// ReconciliationReport compares the stored balance against the transaction sum.
type ReconciliationReport struct {
	OrganizationCents   AmountCents
	TransactionSumCents AmountCents
	DifferenceCents     AmountCents
	Consistent          bool
}

// ApplyInput is a validated balance-changing request.
type ApplyInput struct {
	organizationID    OrganizationID
	userID            UserID
	amountCents       AmountCents
	transactionType   TransactionType
	description       string
	externalReference string
	metadata          Metadata
}

// NewApplyInput validates a ledger operation request. A zero amount is only
// meaningful for top-up audit entries, which record an attempt rather than a
// balance change.
func NewApplyInput(
	organizationID OrganizationID,
	userID UserID,
	amountCents AmountCents,
	transactionType TransactionType,
	description string,
	externalReference string,
	metadata Metadata,
) (ApplyInput, error) {
	if amountCents == 0 && transactionType != TransactionAutoTopUp && transactionType != TransactionAutoTopUpFailed {
		return ApplyInput{}, fmt.Errorf("%w: zero amount for type %q", ErrInvalidAmountCents, transactionType)
	}
	if _, err := ParseTransactionType(transactionType.String()); err != nil {
		return ApplyInput{}, err
	}
	if metadata == nil {
		metadata = Metadata{}
	}
	return ApplyInput{
		organizationID:    organizationID,
		userID:            userID,
		amountCents:       amountCents,
		transactionType:   transactionType,
		description:       strings.TrimSpace(description),
		externalReference: strings.TrimSpace(externalReference),
		metadata:          metadata.Clone(),
	}, nil
}

// OrganizationID returns the target organization.
func (input ApplyInput) OrganizationID() OrganizationID { return input.organizationID }

// UserID returns the acting user.
func (input ApplyInput) UserID() UserID { return input.userID }

// AmountCents returns the signed delta.
func (input ApplyInput) AmountCents() AmountCents { return input.amountCents }

// Type returns the transaction type.
func (input ApplyInput) Type() TransactionType { return input.transactionType }

// Description returns the human-readable description.
func (input ApplyInput) Description() string { return input.description }

// ExternalReference returns the payment-provider reference, if any.
func (input ApplyInput) ExternalReference() string { return input.externalReference }

// Metadata returns a copy of the metadata bag.
func (input ApplyInput) Metadata() Metadata { return input.metadata.Clone() }

// Store is the persistence contract used by Service.
// (gormstore implements this.)
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetOrganization(ctx context.Context, organizationID OrganizationID) (Organization, error)
	GetOrganizationForUpdate(ctx context.Context, organizationID OrganizationID) (Organization, error)
	UpdateOrganizationBalance(ctx context.Context, organizationID OrganizationID, balanceCents AmountCents) error
	InsertTransaction(ctx context.Context, transaction CreditTransaction) (CreditTransaction, error)
	SumTransactionAmounts(ctx context.Context, organizationID OrganizationID) (AmountCents, error)
	ListTransactions(ctx context.Context, organizationID OrganizationID, beforeUnixUTC int64, limit int) ([]CreditTransaction, error)
	LastTopUpAttemptUnixUTC(ctx context.Context, organizationID OrganizationID) (int64, error)
}
