package topup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/billing/pkg/billing"
	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// Outcome describes how a top-up trigger cycle ended. Failures are terminal
// for the cycle: they are recorded on the ledger but never propagate past the
// controller.
type Outcome string

const (
	OutcomeSkipped         Outcome = "skipped"
	OutcomeBreakerOpen     Outcome = "breaker_open"
	OutcomeNoPaymentMethod Outcome = "no_payment_method"
	OutcomeChargeAccepted  Outcome = "charge_accepted"
	OutcomeChargeFailed    Outcome = "charge_failed"
)

// ErrInvalidControllerConfig reports bad wiring.
var ErrInvalidControllerConfig = errors.New("invalid top-up controller config")

const (
	defaultAttemptCooldown   = 10 * time.Minute
	defaultMaxChargeAttempts = 3
	defaultRetryInitialDelay = 500 * time.Millisecond
	defaultRetryMaxDelay     = 5 * time.Second

	topUpUserID             = "system:auto-topup"
	reasonNoPaymentMethod   = "no_payment_method"
	descriptionTopUpIntent  = "automatic top-up charge accepted"
	descriptionTopUpFailure = "automatic top-up failed"
)

// Ledger is the slice of the billing service the controller needs.
type Ledger interface {
	GetOrganization(ctx context.Context, organizationID billing.OrganizationID) (billing.Organization, error)
	Apply(ctx context.Context, input billing.ApplyInput) (billing.CreditTransaction, error)
	LastTopUpAttempt(ctx context.Context, organizationID billing.OrganizationID) (int64, error)
}

// Controller watches balance-below-threshold conditions and drives the
// payment gateway behind the circuit breaker.
type Controller struct {
	ledger            Ledger
	gateway           PaymentGateway
	breaker           *CircuitBreaker
	nowFn             func() int64
	logger            *zap.Logger
	attemptCooldown   time.Duration
	maxAttempts       uint
	retryInitialDelay time.Duration
	retryMaxDelay     time.Duration

	inflightMutex sync.Mutex
	inflight      map[string]struct{}
}

// ControllerOption configures a Controller instance.
type ControllerOption func(*Controller)

// WithAttemptCooldown overrides the window that suppresses repeated top-up
// attempts after one was recorded.
func WithAttemptCooldown(cooldown time.Duration) ControllerOption {
	return func(controller *Controller) {
		controller.attemptCooldown = cooldown
	}
}

// WithChargeRetry overrides the bounded retry policy for charge attempts.
func WithChargeRetry(maxAttempts uint, initialDelay time.Duration, maxDelay time.Duration) ControllerOption {
	return func(controller *Controller) {
		controller.maxAttempts = maxAttempts
		controller.retryInitialDelay = initialDelay
		controller.retryMaxDelay = maxDelay
	}
}

// WithLogger wires a zap logger.
func WithLogger(logger *zap.Logger) ControllerOption {
	return func(controller *Controller) {
		controller.logger = logger
	}
}

// NewController wires a Controller.
func NewController(ledger Ledger, gateway PaymentGateway, breaker *CircuitBreaker, now func() int64, options ...ControllerOption) (*Controller, error) {
	if ledger == nil {
		return nil, fmt.Errorf("%w: ledger dependency is nil", ErrInvalidControllerConfig)
	}
	if gateway == nil {
		return nil, fmt.Errorf("%w: gateway dependency is nil", ErrInvalidControllerConfig)
	}
	if breaker == nil {
		return nil, fmt.Errorf("%w: breaker dependency is nil", ErrInvalidControllerConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidControllerConfig)
	}
	controller := &Controller{
		ledger:            ledger,
		gateway:           gateway,
		breaker:           breaker,
		nowFn:             now,
		logger:            zap.NewNop(),
		attemptCooldown:   defaultAttemptCooldown,
		maxAttempts:       defaultMaxChargeAttempts,
		retryInitialDelay: defaultRetryInitialDelay,
		retryMaxDelay:     defaultRetryMaxDelay,
		inflight:          make(map[string]struct{}),
	}
	for _, option := range options {
		if option != nil {
			option(controller)
		}
	}
	if controller.maxAttempts == 0 || controller.attemptCooldown <= 0 {
		return nil, fmt.Errorf("%w: non-positive retry or cooldown setting", ErrInvalidControllerConfig)
	}
	return controller, nil
}

// MaybeTopUp runs one trigger cycle for an organization. The cycle is a no-op
// unless the balance sits below the configured threshold, auto top-up is
// enabled, no attempt was recorded within the cool-down window, and no other
// cycle for the same organization is in flight.
func (controller *Controller) MaybeTopUp(ctx context.Context, organizationID billing.OrganizationID) (Outcome, error) {
	if !controller.acquire(organizationID.String()) {
		return OutcomeSkipped, nil
	}
	defer controller.release(organizationID.String())

	organization, err := controller.ledger.GetOrganization(ctx, organizationID)
	if err != nil {
		return OutcomeSkipped, err
	}
	if !organization.AutoTopUpEnabled || organization.BalanceCents >= organization.ThresholdCents {
		return OutcomeSkipped, nil
	}
	lastAttempt, err := controller.ledger.LastTopUpAttempt(ctx, organizationID)
	if err != nil {
		return OutcomeSkipped, err
	}
	nowUnixUTC := controller.nowFn()
	if lastAttempt > 0 && nowUnixUTC-lastAttempt < int64(controller.attemptCooldown/time.Second) {
		return OutcomeSkipped, nil
	}

	admitted, err := controller.breaker.CanAttempt(ctx, organizationID.String())
	if err != nil {
		return OutcomeSkipped, err
	}
	if !admitted {
		controller.logger.Warn("top-up suppressed by open circuit breaker",
			zap.String("organization_id", organizationID.String()))
		return OutcomeBreakerOpen, nil
	}

	paymentMethod, err := controller.gateway.DefaultPaymentMethod(ctx, organizationID.String())
	if errors.Is(err, ErrNoPaymentMethod) {
		// Configuration problem, not a gateway failure: it does not count
		// toward the breaker, and an admitted half-open probe slot is
		// returned so the circuit cannot strand in half_open.
		if releaseErr := controller.breaker.ReleaseProbe(ctx, organizationID.String()); releaseErr != nil {
			return OutcomeNoPaymentMethod, releaseErr
		}
		if recordErr := controller.recordFailure(ctx, organizationID, reasonNoPaymentMethod); recordErr != nil {
			return OutcomeNoPaymentMethod, recordErr
		}
		return OutcomeNoPaymentMethod, nil
	}
	if err != nil {
		return controller.chargeFailed(ctx, organizationID, err)
	}

	charge, chargeError := controller.attemptCharge(ctx, ChargeRequest{
		OrganizationID:  organizationID.String(),
		PaymentMethodID: paymentMethod.ID,
		AmountCents:     organization.TopUpAmountCents.Int64(),
		Description:     fmt.Sprintf("auto top-up of %d cents", organization.TopUpAmountCents),
	})
	if chargeError != nil {
		return controller.chargeFailed(ctx, organizationID, chargeError)
	}

	if err := controller.breaker.RecordSuccess(ctx, organizationID.String()); err != nil {
		return OutcomeChargeAccepted, err
	}
	// The balance is not credited here. Crediting happens once the gateway's
	// confirmation event arrives, deduplicated, so funds are never granted
	// before money is captured.
	intentMetadata := billing.Metadata{
		billing.MetadataKeyChargeID:      charge.ID,
		billing.MetadataKeyPaymentMethod: paymentMethod.ID,
	}
	if err := controller.recordIntent(ctx, organizationID, intentMetadata); err != nil {
		return OutcomeChargeAccepted, err
	}
	controller.logger.Info("top-up charge accepted",
		zap.String("organization_id", organizationID.String()),
		zap.String("charge_id", charge.ID))
	return OutcomeChargeAccepted, nil
}

func (controller *Controller) attemptCharge(ctx context.Context, request ChargeRequest) (Charge, error) {
	exponential := backoff.NewExponentialBackOff()
	exponential.InitialInterval = controller.retryInitialDelay
	exponential.MaxInterval = controller.retryMaxDelay
	return backoff.Retry(ctx, func() (Charge, error) {
		return controller.gateway.CreateCharge(ctx, request)
	}, backoff.WithBackOff(exponential), backoff.WithMaxTries(controller.maxAttempts))
}

func (controller *Controller) chargeFailed(ctx context.Context, organizationID billing.OrganizationID, chargeError error) (Outcome, error) {
	controller.logger.Warn("top-up charge failed",
		zap.String("organization_id", organizationID.String()),
		zap.Error(chargeError))
	if err := controller.breaker.RecordFailure(ctx, organizationID.String()); err != nil {
		return OutcomeChargeFailed, err
	}
	metadata := billing.Metadata{billing.MetadataKeyLastError: chargeError.Error()}
	userID, err := billing.NewUserID(topUpUserID)
	if err != nil {
		return OutcomeChargeFailed, err
	}
	input, err := billing.NewApplyInput(organizationID, userID, 0, billing.TransactionAutoTopUpFailed, descriptionTopUpFailure, "", metadata)
	if err != nil {
		return OutcomeChargeFailed, err
	}
	if _, err := controller.ledger.Apply(ctx, input); err != nil {
		return OutcomeChargeFailed, err
	}
	return OutcomeChargeFailed, nil
}

func (controller *Controller) recordFailure(ctx context.Context, organizationID billing.OrganizationID, reason string) error {
	userID, err := billing.NewUserID(topUpUserID)
	if err != nil {
		return err
	}
	metadata := billing.Metadata{billing.MetadataKeyReason: reason}
	input, err := billing.NewApplyInput(organizationID, userID, 0, billing.TransactionAutoTopUpFailed, descriptionTopUpFailure, "", metadata)
	if err != nil {
		return err
	}
	_, err = controller.ledger.Apply(ctx, input)
	return err
}

func (controller *Controller) recordIntent(ctx context.Context, organizationID billing.OrganizationID, metadata billing.Metadata) error {
	userID, err := billing.NewUserID(topUpUserID)
	if err != nil {
		return err
	}
	input, err := billing.NewApplyInput(organizationID, userID, 0, billing.TransactionAutoTopUp, descriptionTopUpIntent, metadata[billing.MetadataKeyChargeID], metadata)
	if err != nil {
		return err
	}
	_, err = controller.ledger.Apply(ctx, input)
	return err
}

func (controller *Controller) acquire(organizationID string) bool {
	controller.inflightMutex.Lock()
	defer controller.inflightMutex.Unlock()
	if _, busy := controller.inflight[organizationID]; busy {
		return false
	}
	controller.inflight[organizationID] = struct{}{}
	return true
}

func (controller *Controller) release(organizationID string) {
	controller.inflightMutex.Lock()
	defer controller.inflightMutex.Unlock()
	delete(controller.inflight, organizationID)
}
