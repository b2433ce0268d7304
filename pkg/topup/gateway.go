package topup

import (
	"context"
	"errors"
)

// Gateway-facing error values.
var (
	ErrNoPaymentMethod    = errors.New("no default payment method")
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
)

// PaymentMethod identifies a stored payment instrument.
type PaymentMethod struct {
	ID string
}

// ChargeRequest asks the gateway to capture funds for a top-up.
type ChargeRequest struct {
	OrganizationID  string
	PaymentMethodID string
	AmountCents     int64
	Description     string
}

// Charge is the gateway's record of an accepted charge attempt. Acceptance is
// not capture: the credit itself lands later through the confirmation event.
type Charge struct {
	ID     string
	Status string
}

// PaymentGateway is the external charge capability the controller drives.
type PaymentGateway interface {
	DefaultPaymentMethod(ctx context.Context, organizationID string) (PaymentMethod, error)
	CreateCharge(ctx context.Context, request ChargeRequest) (Charge, error)
}
