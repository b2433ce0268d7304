package billing

import (
	"context"
	"fmt"
)

// Service contains the credit ledger domain logic over a Store.
type Service struct {
	store  Store
	nowFn  func() int64
	logger OperationLogger
	pricer PricingStrategy
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Apply mutates the organization balance and appends the matching transaction
// as one atomic unit. The balance row is locked for the duration of the
// transaction, so no two concurrent Apply calls for the same organization
// observe the same current balance. A debit that would drive the balance
// negative fails with InsufficientBalanceError and writes nothing.
func (service *Service) Apply(ctx context.Context, input ApplyInput) (CreditTransaction, error) {
	var applied CreditTransaction
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		organization, err := transactionStore.GetOrganizationForUpdate(ctx, input.OrganizationID())
		if err != nil {
			return err
		}
		newBalance := organization.BalanceCents + input.AmountCents()
		if input.AmountCents().IsDebit() && newBalance < 0 {
			return &InsufficientBalanceError{
				CurrentCents:   organization.BalanceCents,
				RequestedCents: input.AmountCents().Negated(),
			}
		}
		if err := transactionStore.UpdateOrganizationBalance(ctx, input.OrganizationID(), newBalance); err != nil {
			return err
		}
		stored, err := transactionStore.InsertTransaction(ctx, CreditTransaction{
			OrganizationID:    input.OrganizationID(),
			UserID:            input.UserID(),
			Type:              input.Type(),
			AmountCents:       input.AmountCents(),
			BalanceAfterCents: newBalance,
			Description:       input.Description(),
			ExternalReference: input.ExternalReference(),
			Metadata:          input.Metadata(),
			CreatedUnixUTC:    service.nowFn(),
		})
		if err != nil {
			return err
		}
		applied = stored
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:         operationApply,
		OrganizationID:    input.OrganizationID(),
		UserID:            input.UserID(),
		Type:              input.Type(),
		AmountCents:       input.AmountCents(),
		ExternalReference: input.ExternalReference(),
		Error:             operationError,
	})
	if operationError != nil {
		return CreditTransaction{}, operationError
	}
	return applied, nil
}

// ApplyUsage prices a usage event through the configured strategy and debits
// the result. The price is fixed before the balance row lock is taken; only
// the balance check and mutation are serialized.
func (service *Service) ApplyUsage(ctx context.Context, organizationID OrganizationID, userID UserID, usage UsageSpec, description string, metadata Metadata) (CreditTransaction, error) {
	if service.pricer == nil {
		return CreditTransaction{}, fmt.Errorf("%w: pricing strategy is nil", ErrInvalidServiceConfig)
	}
	costCents, err := service.pricer.Cost(ctx, usage)
	if err != nil {
		service.logOperation(ctx, OperationLog{
			Operation:      operationApplyUsage,
			OrganizationID: organizationID,
			UserID:         userID,
			Type:           TransactionUsage,
			Error:          err,
		})
		return CreditTransaction{}, err
	}
	if metadata == nil {
		metadata = Metadata{}
	} else {
		metadata = metadata.Clone()
	}
	metadata[MetadataKeyMeter] = usage.Meter
	metadata[MetadataKeyQuantity] = fmt.Sprintf("%d", usage.Quantity)
	input, err := NewApplyInput(organizationID, userID, costCents.Negated(), TransactionUsage, description, "", metadata)
	if err != nil {
		return CreditTransaction{}, err
	}
	return service.Apply(ctx, input)
}

// GetBalance returns the stored balance, clamped to zero when negative. The
// clamp is a display floor only; storage is never rewritten here.
func (service *Service) GetBalance(ctx context.Context, organizationID OrganizationID) (AmountCents, error) {
	organization, err := service.store.GetOrganization(ctx, organizationID)
	if err != nil {
		return 0, err
	}
	if organization.BalanceCents < 0 {
		return 0, nil
	}
	return organization.BalanceCents, nil
}

// GetOrganization returns the full balance row including the top-up policy.
func (service *Service) GetOrganization(ctx context.Context, organizationID OrganizationID) (Organization, error) {
	return service.store.GetOrganization(ctx, organizationID)
}

// VerifyConsistency recomputes the balance as the sum of all transaction
// amounts and compares it to the stored balance. Reconciliation tool, not a
// hot-path check.
func (service *Service) VerifyConsistency(ctx context.Context, organizationID OrganizationID) (ReconciliationReport, error) {
	organization, err := service.store.GetOrganization(ctx, organizationID)
	if err != nil {
		return ReconciliationReport{}, err
	}
	transactionSum, err := service.store.SumTransactionAmounts(ctx, organizationID)
	if err != nil {
		return ReconciliationReport{}, err
	}
	difference := organization.BalanceCents - transactionSum
	tolerance := AmountCents(reconciliationToleranceCents)
	return ReconciliationReport{
		OrganizationCents:   organization.BalanceCents,
		TransactionSumCents: transactionSum,
		DifferenceCents:     difference,
		Consistent:          difference >= tolerance.Negated() && difference <= tolerance,
	}, nil
}

// LastTopUpAttempt returns the unix time of the most recent auto top-up
// attempt (successful or failed), or zero when none exists.
func (service *Service) LastTopUpAttempt(ctx context.Context, organizationID OrganizationID) (int64, error) {
	return service.store.LastTopUpAttemptUnixUTC(ctx, organizationID)
}

// ListTransactions lists ledger transactions for an organization before a cutoff time.
func (service *Service) ListTransactions(ctx context.Context, organizationID OrganizationID, beforeUnixUTC int64, limit int) ([]CreditTransaction, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidListLimit, limit)
	}
	return service.store.ListTransactions(ctx, organizationID, beforeUnixUTC, limit)
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
