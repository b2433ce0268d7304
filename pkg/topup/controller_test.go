package topup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/billing/pkg/billing"
)

func TestMaybeTopUpSkipsWhenBalanceAboveThreshold(test *testing.T) {
	test.Parallel()
	ledger := newStubLedger(test, 1500, 1000, true)
	gateway := &stubGateway{}
	controller := mustNewController(test, ledger, gateway, fixedClock(1000))

	outcome, err := controller.MaybeTopUp(context.Background(), ledger.organizationID)
	if err != nil {
		test.Fatalf("maybe top up: %v", err)
	}
	if outcome != OutcomeSkipped {
		test.Fatalf("expected skipped, got %s", outcome)
	}
	if gateway.chargeCalls != 0 {
		test.Fatalf("gateway must not be called, got %d calls", gateway.chargeCalls)
	}
}

func TestMaybeTopUpSkipsWhenDisabled(test *testing.T) {
	test.Parallel()
	ledger := newStubLedger(test, 800, 1000, false)
	gateway := &stubGateway{}
	controller := mustNewController(test, ledger, gateway, fixedClock(1000))

	outcome, err := controller.MaybeTopUp(context.Background(), ledger.organizationID)
	if err != nil {
		test.Fatalf("maybe top up: %v", err)
	}
	if outcome != OutcomeSkipped {
		test.Fatalf("expected skipped, got %s", outcome)
	}
}

func TestMaybeTopUpChargesWhenBelowThreshold(test *testing.T) {
	test.Parallel()
	ledger := newStubLedger(test, 800, 1000, true)
	gateway := &stubGateway{charge: Charge{ID: "ch-1", Status: "pending"}}
	controller := mustNewController(test, ledger, gateway, fixedClock(1000))

	outcome, err := controller.MaybeTopUp(context.Background(), ledger.organizationID)
	if err != nil {
		test.Fatalf("maybe top up: %v", err)
	}
	if outcome != OutcomeChargeAccepted {
		test.Fatalf("expected charge accepted, got %s", outcome)
	}
	if gateway.lastCharge.AmountCents != 5000 {
		test.Fatalf("expected configured top-up amount 5000, got %d", gateway.lastCharge.AmountCents)
	}
	if len(ledger.applied) != 1 {
		test.Fatalf("expected one intent transaction, got %d", len(ledger.applied))
	}
	intent := ledger.applied[0]
	if intent.Type() != billing.TransactionAutoTopUp {
		test.Fatalf("expected auto_topup intent, got %s", intent.Type())
	}
	if intent.AmountCents() != 0 {
		test.Fatalf("intent must not credit the balance, got %d", intent.AmountCents())
	}
	if intent.ExternalReference() != "ch-1" {
		test.Fatalf("intent must reference the charge, got %q", intent.ExternalReference())
	}
	if intent.Metadata()[billing.MetadataKeyChargeID] != "ch-1" {
		test.Fatalf("missing charge metadata: %v", intent.Metadata())
	}
}

func TestMaybeTopUpNoPaymentMethodRecordsFailureWithoutTrippingBreaker(test *testing.T) {
	test.Parallel()
	ledger := newStubLedger(test, 800, 1000, true)
	gateway := &stubGateway{paymentMethodError: ErrNoPaymentMethod}
	controller := mustNewController(test, ledger, gateway, fixedClock(1000))

	outcome, err := controller.MaybeTopUp(context.Background(), ledger.organizationID)
	if err != nil {
		test.Fatalf("maybe top up: %v", err)
	}
	if outcome != OutcomeNoPaymentMethod {
		test.Fatalf("expected no payment method, got %s", outcome)
	}
	if len(ledger.applied) != 1 {
		test.Fatalf("expected one failure transaction, got %d", len(ledger.applied))
	}
	failure := ledger.applied[0]
	if failure.Type() != billing.TransactionAutoTopUpFailed {
		test.Fatalf("expected auto_topup_failed, got %s", failure.Type())
	}
	if failure.Metadata()[billing.MetadataKeyReason] != "no_payment_method" {
		test.Fatalf("missing reason metadata: %v", failure.Metadata())
	}

	phase, err := controller.breaker.Phase(context.Background(), ledger.organizationID.String())
	if err != nil {
		test.Fatalf("phase: %v", err)
	}
	if phase != BreakerClosed {
		test.Fatalf("missing payment method must not trip the breaker, got %s", phase)
	}
}

func TestMaybeTopUpRetriesThenRecordsChargeFailure(test *testing.T) {
	test.Parallel()
	ledger := newStubLedger(test, 800, 1000, true)
	gateway := &stubGateway{chargeError: errors.New("gateway timeout")}
	controller := mustNewController(test, ledger, gateway, fixedClock(1000))

	outcome, err := controller.MaybeTopUp(context.Background(), ledger.organizationID)
	if err != nil {
		test.Fatalf("maybe top up: %v", err)
	}
	if outcome != OutcomeChargeFailed {
		test.Fatalf("expected charge failed, got %s", outcome)
	}
	if gateway.chargeCalls != 2 {
		test.Fatalf("expected 2 charge attempts, got %d", gateway.chargeCalls)
	}
	if len(ledger.applied) != 1 {
		test.Fatalf("expected one failure transaction, got %d", len(ledger.applied))
	}
	failure := ledger.applied[0]
	if failure.Type() != billing.TransactionAutoTopUpFailed {
		test.Fatalf("expected auto_topup_failed, got %s", failure.Type())
	}
	if failure.Metadata()[billing.MetadataKeyLastError] == "" {
		test.Fatalf("missing last error metadata: %v", failure.Metadata())
	}
}

func TestMaybeTopUpBreakerOpenShortCircuits(test *testing.T) {
	test.Parallel()
	ledger := newStubLedger(test, 800, 1000, true)
	gateway := &stubGateway{chargeError: errors.New("gateway down")}
	controller := mustNewController(test, ledger, gateway, fixedClock(1000))

	// First cycle exhausts retries and trips the single-failure threshold.
	if _, err := controller.MaybeTopUp(context.Background(), ledger.organizationID); err != nil {
		test.Fatalf("first cycle: %v", err)
	}
	ledger.lastTopUpUnix = 0
	callsAfterFirstCycle := gateway.chargeCalls

	outcome, err := controller.MaybeTopUp(context.Background(), ledger.organizationID)
	if err != nil {
		test.Fatalf("second cycle: %v", err)
	}
	if outcome != OutcomeBreakerOpen {
		test.Fatalf("expected breaker open, got %s", outcome)
	}
	if gateway.chargeCalls != callsAfterFirstCycle {
		test.Fatalf("open breaker must not reach the gateway")
	}
}

func TestMaybeTopUpAbortedProbeDoesNotStrandBreaker(test *testing.T) {
	test.Parallel()
	ledger := newStubLedger(test, 800, 1000, true)
	gateway := &stubGateway{chargeError: errors.New("gateway down")}
	nowUnixUTC := int64(1000)
	controller := mustNewController(test, ledger, gateway, func() int64 { return nowUnixUTC })

	// Trip the single-failure threshold, then elapse the cooldown so the
	// next cycle is admitted as the half-open probe.
	if _, err := controller.MaybeTopUp(context.Background(), ledger.organizationID); err != nil {
		test.Fatalf("first cycle: %v", err)
	}
	ledger.lastTopUpUnix = 0
	nowUnixUTC = 1000 + 61

	// The probe aborts before reaching the gateway: no payment method on file.
	gateway.paymentMethodError = ErrNoPaymentMethod
	outcome, err := controller.MaybeTopUp(context.Background(), ledger.organizationID)
	if err != nil {
		test.Fatalf("probe cycle: %v", err)
	}
	if outcome != OutcomeNoPaymentMethod {
		test.Fatalf("expected no payment method, got %s", outcome)
	}
	phase, err := controller.breaker.Phase(context.Background(), ledger.organizationID.String())
	if err != nil {
		test.Fatalf("phase: %v", err)
	}
	if phase == BreakerHalfOpen {
		test.Fatalf("aborted probe must not leave the circuit half open")
	}

	// With the payment method restored and the gateway healthy, a later cycle
	// must be admitted as a fresh probe and succeed.
	gateway.paymentMethodError = nil
	gateway.chargeError = nil
	gateway.charge = Charge{ID: "ch-2", Status: "pending"}
	ledger.lastTopUpUnix = 0
	nowUnixUTC = 1000 + 24*60*60
	outcome, err = controller.MaybeTopUp(context.Background(), ledger.organizationID)
	if err != nil {
		test.Fatalf("recovery cycle: %v", err)
	}
	if outcome != OutcomeChargeAccepted {
		test.Fatalf("expected charge accepted after aborted probe, got %s", outcome)
	}
}

func TestMaybeTopUpCooldownSuppressesRepeatAttempts(test *testing.T) {
	test.Parallel()
	ledger := newStubLedger(test, 800, 1000, true)
	ledger.lastTopUpUnix = 900
	gateway := &stubGateway{charge: Charge{ID: "ch-1"}}
	controller := mustNewController(test, ledger, gateway, fixedClock(1000))

	outcome, err := controller.MaybeTopUp(context.Background(), ledger.organizationID)
	if err != nil {
		test.Fatalf("maybe top up: %v", err)
	}
	if outcome != OutcomeSkipped {
		test.Fatalf("attempt 100s after the last one must be suppressed, got %s", outcome)
	}
	if gateway.chargeCalls != 0 {
		test.Fatalf("suppressed cycle must not reach the gateway")
	}
}

func TestMaybeTopUpUnknownOrganization(test *testing.T) {
	test.Parallel()
	ledger := newStubLedger(test, 800, 1000, true)
	gateway := &stubGateway{}
	controller := mustNewController(test, ledger, gateway, fixedClock(1000))
	unknown, err := billing.NewOrganizationID("org-unknown")
	if err != nil {
		test.Fatalf("organization id: %v", err)
	}

	if _, err := controller.MaybeTopUp(context.Background(), unknown); !errors.Is(err, billing.ErrOrganizationNotFound) {
		test.Fatalf("expected ErrOrganizationNotFound, got %v", err)
	}
}

type stubLedger struct {
	organizationID billing.OrganizationID
	organization   billing.Organization
	lastTopUpUnix  int64
	applied        []billing.ApplyInput
}

func newStubLedger(test *testing.T, balance billing.AmountCents, threshold billing.AmountCents, enabled bool) *stubLedger {
	test.Helper()
	organizationID, err := billing.NewOrganizationID("org-1")
	if err != nil {
		test.Fatalf("organization id: %v", err)
	}
	return &stubLedger{
		organizationID: organizationID,
		organization: billing.Organization{
			ID:               organizationID,
			BalanceCents:     balance,
			ThresholdCents:   threshold,
			TopUpAmountCents: 5000,
			AutoTopUpEnabled: enabled,
		},
	}
}

func (ledger *stubLedger) GetOrganization(ctx context.Context, organizationID billing.OrganizationID) (billing.Organization, error) {
	if organizationID != ledger.organizationID {
		return billing.Organization{}, billing.ErrOrganizationNotFound
	}
	return ledger.organization, nil
}

func (ledger *stubLedger) Apply(ctx context.Context, input billing.ApplyInput) (billing.CreditTransaction, error) {
	ledger.applied = append(ledger.applied, input)
	ledger.lastTopUpUnix = 1000
	return billing.CreditTransaction{}, nil
}

func (ledger *stubLedger) LastTopUpAttempt(ctx context.Context, organizationID billing.OrganizationID) (int64, error) {
	return ledger.lastTopUpUnix, nil
}

type stubGateway struct {
	paymentMethodError error
	charge             Charge
	chargeError        error
	chargeCalls        int
	lastCharge         ChargeRequest
}

func (gateway *stubGateway) DefaultPaymentMethod(ctx context.Context, organizationID string) (PaymentMethod, error) {
	if gateway.paymentMethodError != nil {
		return PaymentMethod{}, gateway.paymentMethodError
	}
	return PaymentMethod{ID: "pm-1"}, nil
}

func (gateway *stubGateway) CreateCharge(ctx context.Context, request ChargeRequest) (Charge, error) {
	gateway.chargeCalls++
	gateway.lastCharge = request
	if gateway.chargeError != nil {
		return Charge{}, gateway.chargeError
	}
	return gateway.charge, nil
}

func mustNewController(test *testing.T, ledger Ledger, gateway PaymentGateway, now func() int64) *Controller {
	test.Helper()
	breaker, err := NewCircuitBreaker(NewMemoryBreakerStore(), now, 1, time.Minute)
	if err != nil {
		test.Fatalf("new breaker: %v", err)
	}
	controller, err := NewController(ledger, gateway, breaker, now,
		WithAttemptCooldown(10*time.Minute),
		WithChargeRetry(2, time.Millisecond, time.Millisecond),
	)
	if err != nil {
		test.Fatalf("new controller: %v", err)
	}
	return controller
}
