package billing

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the billing service.
var (
	ErrOrganizationNotFound   = errors.New("organization not found")
	ErrInsufficientBalance    = errors.New("insufficient balance")
	ErrLockTimeout            = errors.New("balance row lock timeout")
	ErrTransientStore         = errors.New("transient store error")
	ErrInvalidOrganizationID  = errors.New("invalid organization id")
	ErrInvalidUserID          = errors.New("invalid user id")
	ErrInvalidAmountCents     = errors.New("invalid amount cents")
	ErrInvalidTransactionType = errors.New("invalid transaction type")
	ErrInvalidMetadata        = errors.New("invalid metadata")
	ErrInvalidUsageSpec       = errors.New("invalid usage spec")
	ErrInvalidServiceConfig   = errors.New("invalid service config")
	ErrInvalidListLimit       = errors.New("invalid list limit")
)

// InsufficientBalanceError reports a rejected debit together with the balance
// observed under the row lock. It matches ErrInsufficientBalance via errors.Is.
type InsufficientBalanceError struct {
	CurrentCents   AmountCents
	RequestedCents AmountCents
}

// Error returns the formatted error message.
func (insufficientError *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: have %d cents, requested %d cents",
		insufficientError.CurrentCents, insufficientError.RequestedCents)
}

// Is matches the ErrInsufficientBalance sentinel.
func (insufficientError *InsufficientBalanceError) Is(target error) bool {
	return target == ErrInsufficientBalance
}

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
