package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
)

func TestApplyDebitReducesBalanceAndAppendsTransaction(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, 5000)
	service := mustNewService(test, store)
	input := mustApplyInput(test, store.organizationID, "user-1", -1000, TransactionUsage)

	applied, err := service.Apply(context.Background(), input)
	if err != nil {
		test.Fatalf("apply: %v", err)
	}
	if applied.BalanceAfterCents != 4000 {
		test.Fatalf("expected balance after 4000, got %d", applied.BalanceAfterCents)
	}
	if store.balance != 4000 {
		test.Fatalf("expected stored balance 4000, got %d", store.balance)
	}
	if len(store.transactions) != 1 {
		test.Fatalf("expected 1 transaction, got %d", len(store.transactions))
	}
	if store.transactions[0].AmountCents != -1000 {
		test.Fatalf("expected transaction amount -1000, got %d", store.transactions[0].AmountCents)
	}
}

func TestApplyDebitBeyondBalanceIsRejected(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, 4000)
	service := mustNewService(test, store)
	input := mustApplyInput(test, store.organizationID, "user-1", -4100, TransactionUsage)

	_, err := service.Apply(context.Background(), input)
	if !errors.Is(err, ErrInsufficientBalance) {
		test.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	var insufficient *InsufficientBalanceError
	if !errors.As(err, &insufficient) {
		test.Fatalf("expected InsufficientBalanceError, got %T", err)
	}
	if insufficient.CurrentCents != 4000 || insufficient.RequestedCents != 4100 {
		test.Fatalf("unexpected error detail: current %d requested %d",
			insufficient.CurrentCents, insufficient.RequestedCents)
	}
	if store.balance != 4000 {
		test.Fatalf("rejected debit must not change balance, got %d", store.balance)
	}
	if len(store.transactions) != 0 {
		test.Fatalf("rejected debit must not append a transaction, got %d", len(store.transactions))
	}
}

func TestApplyCreditIncreasesBalance(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, 4000)
	service := mustNewService(test, store)
	input := mustApplyInput(test, store.organizationID, "user-1", 2500, TransactionPurchase)

	applied, err := service.Apply(context.Background(), input)
	if err != nil {
		test.Fatalf("apply: %v", err)
	}
	if applied.BalanceAfterCents != 6500 {
		test.Fatalf("expected balance after 6500, got %d", applied.BalanceAfterCents)
	}
}

func TestApplyExactBalanceDebitSucceeds(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, 300)
	service := mustNewService(test, store)
	input := mustApplyInput(test, store.organizationID, "user-1", -300, TransactionUsage)

	applied, err := service.Apply(context.Background(), input)
	if err != nil {
		test.Fatalf("apply: %v", err)
	}
	if applied.BalanceAfterCents != 0 {
		test.Fatalf("expected zero balance, got %d", applied.BalanceAfterCents)
	}
}

func TestApplyStampsCreationTimeFromClock(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, 100)
	service, err := NewService(store, func() int64 { return 1700000000 })
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	input := mustApplyInput(test, store.organizationID, "user-1", -10, TransactionUsage)

	applied, err := service.Apply(context.Background(), input)
	if err != nil {
		test.Fatalf("apply: %v", err)
	}
	if applied.CreatedUnixUTC != 1700000000 {
		test.Fatalf("expected created 1700000000, got %d", applied.CreatedUnixUTC)
	}
}

func TestApplyConcurrentDebitsNeverOverspend(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, 1000)
	service := mustNewService(test, store)

	const workers = 20
	var waitGroup sync.WaitGroup
	rejections := make(chan error, workers)
	for index := 0; index < workers; index++ {
		waitGroup.Add(1)
		go func(worker int) {
			defer waitGroup.Done()
			input := mustApplyInput(test, store.organizationID, fmt.Sprintf("user-%d", worker), -100, TransactionUsage)
			if _, err := service.Apply(context.Background(), input); err != nil {
				rejections <- err
			}
		}(index)
	}
	waitGroup.Wait()
	close(rejections)

	for err := range rejections {
		if !errors.Is(err, ErrInsufficientBalance) {
			test.Fatalf("unexpected apply error: %v", err)
		}
	}
	if store.balance < 0 {
		test.Fatalf("balance went negative: %d", store.balance)
	}
	expected := AmountCents(1000 - int64(len(store.transactions))*100)
	if store.balance != expected {
		test.Fatalf("balance %d disagrees with %d applied debits", store.balance, len(store.transactions))
	}
}

func TestGetBalanceClampsNegativeToZero(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, -250)
	service := mustNewService(test, store)

	balance, err := service.GetBalance(context.Background(), store.organizationID)
	if err != nil {
		test.Fatalf("get balance: %v", err)
	}
	if balance != 0 {
		test.Fatalf("expected clamped balance 0, got %d", balance)
	}
	if store.balance != -250 {
		test.Fatalf("clamp must not rewrite storage, got %d", store.balance)
	}
}

func TestGetBalanceUnknownOrganization(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, 100)
	service := mustNewService(test, store)
	unknown := mustOrganizationID(test, "org-unknown")

	_, err := service.GetBalance(context.Background(), unknown)
	if !errors.Is(err, ErrOrganizationNotFound) {
		test.Fatalf("expected ErrOrganizationNotFound, got %v", err)
	}
}

func TestApplyUsagePricesThroughStrategy(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, 5000)
	pricer, err := NewMeteredPricing(map[string]AmountCents{"api_call": 3})
	if err != nil {
		test.Fatalf("new pricing: %v", err)
	}
	service, err := NewService(store, stubClock, WithPricingStrategy(pricer))
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	usage := UsageSpec{Meter: "api_call", Quantity: 40}

	applied, err := service.ApplyUsage(context.Background(), store.organizationID, mustUserID(test, "user-1"), usage, "batch run", nil)
	if err != nil {
		test.Fatalf("apply usage: %v", err)
	}
	if applied.AmountCents != -120 {
		test.Fatalf("expected debit of 120, got %d", applied.AmountCents)
	}
	if applied.Type != TransactionUsage {
		test.Fatalf("expected usage type, got %s", applied.Type)
	}
	if applied.Metadata[MetadataKeyMeter] != "api_call" || applied.Metadata[MetadataKeyQuantity] != "40" {
		test.Fatalf("usage metadata not stamped: %v", applied.Metadata)
	}
}

func TestApplyUsageUnknownMeter(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, 5000)
	pricer, err := NewMeteredPricing(map[string]AmountCents{"api_call": 3})
	if err != nil {
		test.Fatalf("new pricing: %v", err)
	}
	service, err := NewService(store, stubClock, WithPricingStrategy(pricer))
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	usage := UsageSpec{Meter: "gb_stored", Quantity: 4}

	_, err = service.ApplyUsage(context.Background(), store.organizationID, mustUserID(test, "user-1"), usage, "", nil)
	if !errors.Is(err, ErrInvalidUsageSpec) {
		test.Fatalf("expected ErrInvalidUsageSpec, got %v", err)
	}
	if len(store.transactions) != 0 {
		test.Fatalf("failed pricing must not write, got %d transactions", len(store.transactions))
	}
}

func TestApplyUsageWithoutStrategy(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, 5000)
	service := mustNewService(test, store)
	usage := UsageSpec{Meter: "api_call", Quantity: 1}

	_, err := service.ApplyUsage(context.Background(), store.organizationID, mustUserID(test, "user-1"), usage, "", nil)
	if !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig, got %v", err)
	}
}

func TestVerifyConsistencyWithinTolerance(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, 101)
	store.transactionSum = 100
	service := mustNewService(test, store)

	report, err := service.VerifyConsistency(context.Background(), store.organizationID)
	if err != nil {
		test.Fatalf("verify: %v", err)
	}
	if !report.Consistent {
		test.Fatalf("one cent difference should be tolerated: %+v", report)
	}
	if report.DifferenceCents != 1 {
		test.Fatalf("expected difference 1, got %d", report.DifferenceCents)
	}
}

func TestVerifyConsistencyFlagsDrift(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, 500)
	store.transactionSum = 300
	service := mustNewService(test, store)

	report, err := service.VerifyConsistency(context.Background(), store.organizationID)
	if err != nil {
		test.Fatalf("verify: %v", err)
	}
	if report.Consistent {
		test.Fatalf("200 cent drift must be flagged: %+v", report)
	}
	if report.DifferenceCents != 200 {
		test.Fatalf("expected difference 200, got %d", report.DifferenceCents)
	}
}

func TestListTransactionsRejectsNonPositiveLimit(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, 100)
	service := mustNewService(test, store)

	_, err := service.ListTransactions(context.Background(), store.organizationID, 0, 0)
	if !errors.Is(err, ErrInvalidListLimit) {
		test.Fatalf("expected ErrInvalidListLimit, got %v", err)
	}
}

func TestNewServiceRejectsNilDependencies(test *testing.T) {
	test.Parallel()
	if _, err := NewService(nil, stubClock); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig for nil store, got %v", err)
	}
	if _, err := NewService(newStubStore(test, 0), nil); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig for nil clock, got %v", err)
	}
}

func stubClock() int64 { return 1700000000 }

type stubStore struct {
	mutex          sync.Mutex
	organizationID OrganizationID
	balance        AmountCents
	transactionSum AmountCents
	transactions   []CreditTransaction
	lastTopUpUnix  int64
}

func newStubStore(test *testing.T, initialBalance AmountCents) *stubStore {
	test.Helper()
	return &stubStore{
		organizationID: mustOrganizationID(test, "org-1"),
		balance:        initialBalance,
	}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return fn(ctx, lockedStubStore{store})
}

func (store *stubStore) GetOrganization(ctx context.Context, organizationID OrganizationID) (Organization, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.getOrganizationLocked(organizationID)
}

func (store *stubStore) getOrganizationLocked(organizationID OrganizationID) (Organization, error) {
	if organizationID != store.organizationID {
		return Organization{}, ErrOrganizationNotFound
	}
	return Organization{ID: store.organizationID, BalanceCents: store.balance}, nil
}

func (store *stubStore) GetOrganizationForUpdate(ctx context.Context, organizationID OrganizationID) (Organization, error) {
	return store.GetOrganization(ctx, organizationID)
}

func (store *stubStore) UpdateOrganizationBalance(ctx context.Context, organizationID OrganizationID, balanceCents AmountCents) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.updateBalanceLocked(organizationID, balanceCents)
}

func (store *stubStore) updateBalanceLocked(organizationID OrganizationID, balanceCents AmountCents) error {
	if organizationID != store.organizationID {
		return ErrOrganizationNotFound
	}
	store.balance = balanceCents
	return nil
}

func (store *stubStore) InsertTransaction(ctx context.Context, transaction CreditTransaction) (CreditTransaction, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.insertTransactionLocked(transaction)
}

func (store *stubStore) insertTransactionLocked(transaction CreditTransaction) (CreditTransaction, error) {
	transaction.TransactionID = fmt.Sprintf("txn-%d", len(store.transactions)+1)
	store.transactions = append(store.transactions, transaction)
	return transaction, nil
}

func (store *stubStore) SumTransactionAmounts(ctx context.Context, organizationID OrganizationID) (AmountCents, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.transactionSum, nil
}

func (store *stubStore) ListTransactions(ctx context.Context, organizationID OrganizationID, beforeUnixUTC int64, limit int) ([]CreditTransaction, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	listed := make([]CreditTransaction, 0, limit)
	for index := len(store.transactions) - 1; index >= 0 && len(listed) < limit; index-- {
		transaction := store.transactions[index]
		if beforeUnixUTC > 0 && transaction.CreatedUnixUTC >= beforeUnixUTC {
			continue
		}
		listed = append(listed, transaction)
	}
	return listed, nil
}

func (store *stubStore) LastTopUpAttemptUnixUTC(ctx context.Context, organizationID OrganizationID) (int64, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.lastTopUpUnix, nil
}

// lockedStubStore is handed to WithTx callbacks; the outer mutex is already
// held, so the inner calls must not re-lock.
type lockedStubStore struct {
	store *stubStore
}

func (locked lockedStubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, locked)
}

func (locked lockedStubStore) GetOrganization(ctx context.Context, organizationID OrganizationID) (Organization, error) {
	return locked.store.getOrganizationLocked(organizationID)
}

func (locked lockedStubStore) GetOrganizationForUpdate(ctx context.Context, organizationID OrganizationID) (Organization, error) {
	return locked.store.getOrganizationLocked(organizationID)
}

func (locked lockedStubStore) UpdateOrganizationBalance(ctx context.Context, organizationID OrganizationID, balanceCents AmountCents) error {
	return locked.store.updateBalanceLocked(organizationID, balanceCents)
}

func (locked lockedStubStore) InsertTransaction(ctx context.Context, transaction CreditTransaction) (CreditTransaction, error) {
	return locked.store.insertTransactionLocked(transaction)
}

func (locked lockedStubStore) SumTransactionAmounts(ctx context.Context, organizationID OrganizationID) (AmountCents, error) {
	return locked.store.transactionSum, nil
}

func (locked lockedStubStore) ListTransactions(ctx context.Context, organizationID OrganizationID, beforeUnixUTC int64, limit int) ([]CreditTransaction, error) {
	return nil, nil
}

func (locked lockedStubStore) LastTopUpAttemptUnixUTC(ctx context.Context, organizationID OrganizationID) (int64, error) {
	return locked.store.lastTopUpUnix, nil
}

func mustNewService(test *testing.T, store Store) *Service {
	test.Helper()
	service, err := NewService(store, stubClock)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustOrganizationID(test *testing.T, raw string) OrganizationID {
	test.Helper()
	organizationID, err := NewOrganizationID(raw)
	if err != nil {
		test.Fatalf("organization id %q: %v", raw, err)
	}
	return organizationID
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	userID, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id %q: %v", raw, err)
	}
	return userID
}

func mustApplyInput(test *testing.T, organizationID OrganizationID, user string, amount AmountCents, transactionType TransactionType) ApplyInput {
	test.Helper()
	input, err := NewApplyInput(organizationID, mustUserID(test, user), amount, transactionType, "", "", nil)
	if err != nil {
		test.Fatalf("apply input: %v", err)
	}
	return input
}
