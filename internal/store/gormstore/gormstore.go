package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/billing/pkg/billing"
	"github.com/MarkoPoloResearchLab/billing/pkg/payevent"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultMetadataJSON   = "{}"
	pgUniqueViolationCode = "23505"
	pgLockNotAvailable    = "55P03"
	sqliteConstraintCode  = 19
	dialectPostgres       = "postgres"

	errorOperationStore      = "store"
	errorSubjectOrganization = "organization"
	errorSubjectTransaction  = "transaction"
	errorSubjectEvent        = "event"
	errorCodeGet             = "get"
	errorCodeLock            = "lock"
	errorCodeUpdate          = "update"
	errorCodeInsert          = "insert"
	errorCodeInvalid         = "invalid"
	errorCodeList            = "list"
	errorCodeSum             = "sum"
	errorCodeLastAttempt     = "last_attempt"
	errorCodeClaim           = "claim"
	errorCodeMark            = "mark"
	errorCodePurge           = "purge"
)

// Store implements billing.Store and payevent.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the schema.
func (store *Store) Migrate() error {
	return store.db.AutoMigrate(&Organization{}, &CreditTransaction{}, &ProcessedEvent{})
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore billing.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

// CreateOrganization inserts a balance row.
func (store *Store) CreateOrganization(ctx context.Context, organization billing.Organization) error {
	model := Organization{
		OrganizationID:   organization.ID.String(),
		BalanceCents:     organization.BalanceCents.Int64(),
		ThresholdCents:   organization.ThresholdCents.Int64(),
		TopUpAmountCents: organization.TopUpAmountCents.Int64(),
		AutoTopUpEnabled: organization.AutoTopUpEnabled,
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectOrganization, errorCodeInsert, err)
	}
	return nil
}

// GetOrganization reads the balance row without locking it.
func (store *Store) GetOrganization(ctx context.Context, organizationID billing.OrganizationID) (billing.Organization, error) {
	var model Organization
	err := store.db.WithContext(ctx).
		Where("organization_id = ?", organizationID.String()).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return billing.Organization{}, wrapStoreError(errorSubjectOrganization, errorCodeGet, billing.ErrOrganizationNotFound)
		}
		return billing.Organization{}, wrapStoreError(errorSubjectOrganization, errorCodeGet, err)
	}
	return mapOrganization(model)
}

// GetOrganizationForUpdate reads the balance row under an exclusive row lock.
// SQLite serializes writers on its own; the locking clause is postgres-only.
func (store *Store) GetOrganizationForUpdate(ctx context.Context, organizationID billing.OrganizationID) (billing.Organization, error) {
	query := store.db.WithContext(ctx)
	if store.db.Dialector.Name() == dialectPostgres {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var model Organization
	err := query.Where("organization_id = ?", organizationID.String()).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return billing.Organization{}, wrapStoreError(errorSubjectOrganization, errorCodeGet, billing.ErrOrganizationNotFound)
		}
		if isLockTimeout(err) {
			return billing.Organization{}, wrapStoreError(errorSubjectOrganization, errorCodeLock, billing.ErrLockTimeout)
		}
		return billing.Organization{}, wrapStoreError(errorSubjectOrganization, errorCodeGet, err)
	}
	return mapOrganization(model)
}

// UpdateOrganizationBalance writes the new balance.
func (store *Store) UpdateOrganizationBalance(ctx context.Context, organizationID billing.OrganizationID, balanceCents billing.AmountCents) error {
	result := store.db.WithContext(ctx).
		Model(&Organization{}).
		Where("organization_id = ?", organizationID.String()).
		Update("balance_cents", balanceCents.Int64())
	if result.Error != nil {
		return wrapStoreError(errorSubjectOrganization, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectOrganization, errorCodeUpdate, billing.ErrOrganizationNotFound)
	}
	return nil
}

// InsertTransaction appends an immutable ledger row and returns it with its
// generated id.
func (store *Store) InsertTransaction(ctx context.Context, transaction billing.CreditTransaction) (billing.CreditTransaction, error) {
	metadataJSON, err := marshalMetadata(transaction.Metadata)
	if err != nil {
		return billing.CreditTransaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	model := CreditTransaction{
		TransactionID:     transaction.TransactionID,
		OrganizationID:    transaction.OrganizationID.String(),
		UserID:            transaction.UserID.String(),
		Type:              transaction.Type.String(),
		AmountCents:       transaction.AmountCents.Int64(),
		BalanceAfterCents: transaction.BalanceAfterCents.Int64(),
		Description:       transaction.Description,
		ExternalReference: transaction.ExternalReference,
		Metadata:          metadataJSON,
		CreatedAt:         time.Unix(transaction.CreatedUnixUTC, 0).UTC(),
	}
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return billing.CreditTransaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return mapCreditTransaction(model)
}

// SumTransactionAmounts recomputes the balance from the full history.
func (store *Store) SumTransactionAmounts(ctx context.Context, organizationID billing.OrganizationID) (billing.AmountCents, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&CreditTransaction{}).
		Select("coalesce(sum(amount_cents),0) as total").
		Where("organization_id = ?", organizationID.String()).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectTransaction, errorCodeSum, err)
	}
	return billing.AmountCents(sum.Total), nil
}

// ListTransactions lists ledger rows newest first before a cutoff time.
func (store *Store) ListTransactions(ctx context.Context, organizationID billing.OrganizationID, beforeUnixUTC int64, limit int) ([]billing.CreditTransaction, error) {
	before := time.Unix(beforeUnixUTC, 0).UTC()
	if beforeUnixUTC == 0 {
		before = time.Now().UTC().Add(time.Second)
	}

	var rows []CreditTransaction
	err := store.db.WithContext(ctx).
		Where("organization_id = ? AND created_at < ?", organizationID.String(), before).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}

	transactions := make([]billing.CreditTransaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapCreditTransaction(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

// LastTopUpAttemptUnixUTC returns the time of the newest top-up attempt row.
func (store *Store) LastTopUpAttemptUnixUTC(ctx context.Context, organizationID billing.OrganizationID) (int64, error) {
	var row CreditTransaction
	err := store.db.WithContext(ctx).
		Where("organization_id = ? AND type IN ?", organizationID.String(),
			[]string{billing.TransactionAutoTopUp.String(), billing.TransactionAutoTopUpFailed.String()}).
		Order("created_at DESC").
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, wrapStoreError(errorSubjectTransaction, errorCodeLastAttempt, err)
	}
	return row.CreatedAt.Unix(), nil
}

// ClaimEvent atomically transitions an event id from unseen to processing.
func (store *Store) ClaimEvent(ctx context.Context, externalEventID string, atUnixUTC int64) error {
	model := ProcessedEvent{
		ExternalEventID: externalEventID,
		Status:          payevent.OutcomeProcessing.String(),
		ProcessedAt:     time.Unix(atUnixUTC, 0).UTC(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return payevent.ErrDuplicateEvent
	}
	if err != nil {
		return wrapStoreError(errorSubjectEvent, errorCodeClaim, err)
	}
	return nil
}

// GetEvent reads a dedup record.
func (store *Store) GetEvent(ctx context.Context, externalEventID string) (payevent.ProcessedRecord, error) {
	var model ProcessedEvent
	err := store.db.WithContext(ctx).
		Where("external_event_id = ?", externalEventID).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return payevent.ProcessedRecord{}, wrapStoreError(errorSubjectEvent, errorCodeGet, payevent.ErrEventNotFound)
		}
		return payevent.ProcessedRecord{}, wrapStoreError(errorSubjectEvent, errorCodeGet, err)
	}
	status, err := payevent.ParseOutcomeStatus(model.Status)
	if err != nil {
		return payevent.ProcessedRecord{}, wrapStoreError(errorSubjectEvent, errorCodeInvalid, err)
	}
	return payevent.ProcessedRecord{
		ExternalEventID:  model.ExternalEventID,
		Status:           status,
		ErrorText:        model.ErrorText,
		ProcessedUnixUTC: model.ProcessedAt.Unix(),
	}, nil
}

// MarkOutcome records the terminal outcome for a claimed event.
func (store *Store) MarkOutcome(ctx context.Context, externalEventID string, status payevent.OutcomeStatus, errorText string, atUnixUTC int64) error {
	result := store.db.WithContext(ctx).
		Model(&ProcessedEvent{}).
		Where("external_event_id = ?", externalEventID).
		Updates(map[string]interface{}{
			"status":       status.String(),
			"error_text":   errorText,
			"processed_at": time.Unix(atUnixUTC, 0).UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectEvent, errorCodeMark, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectEvent, errorCodeMark, payevent.ErrEventNotFound)
	}
	return nil
}

// PurgeTerminalBefore deletes terminal dedup records older than the cutoff.
// Rows still in processing are kept regardless of age.
func (store *Store) PurgeTerminalBefore(ctx context.Context, cutoffUnixUTC int64) (int64, error) {
	result := store.db.WithContext(ctx).
		Where("processed_at < ? AND status <> ?",
			time.Unix(cutoffUnixUTC, 0).UTC(), payevent.OutcomeProcessing.String()).
		Delete(&ProcessedEvent{})
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectEvent, errorCodePurge, result.Error)
	}
	return result.RowsAffected, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return billing.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total int64
}

func mapOrganization(model Organization) (billing.Organization, error) {
	organizationID, err := billing.NewOrganizationID(model.OrganizationID)
	if err != nil {
		return billing.Organization{}, wrapStoreError(errorSubjectOrganization, errorCodeInvalid, err)
	}
	return billing.Organization{
		ID:               organizationID,
		BalanceCents:     billing.AmountCents(model.BalanceCents),
		ThresholdCents:   billing.AmountCents(model.ThresholdCents),
		TopUpAmountCents: billing.AmountCents(model.TopUpAmountCents),
		AutoTopUpEnabled: model.AutoTopUpEnabled,
	}, nil
}

func mapCreditTransaction(model CreditTransaction) (billing.CreditTransaction, error) {
	organizationID, err := billing.NewOrganizationID(model.OrganizationID)
	if err != nil {
		return billing.CreditTransaction{}, err
	}
	userID, err := billing.NewUserID(model.UserID)
	if err != nil {
		return billing.CreditTransaction{}, err
	}
	transactionType, err := billing.ParseTransactionType(model.Type)
	if err != nil {
		return billing.CreditTransaction{}, err
	}
	metadata, err := unmarshalMetadata(model.Metadata)
	if err != nil {
		return billing.CreditTransaction{}, err
	}
	return billing.CreditTransaction{
		TransactionID:     model.TransactionID,
		OrganizationID:    organizationID,
		UserID:            userID,
		Type:              transactionType,
		AmountCents:       billing.AmountCents(model.AmountCents),
		BalanceAfterCents: billing.AmountCents(model.BalanceAfterCents),
		Description:       model.Description,
		ExternalReference: model.ExternalReference,
		Metadata:          metadata,
		CreatedUnixUTC:    model.CreatedAt.Unix(),
	}, nil
}

func marshalMetadata(metadata billing.Metadata) (datatypes.JSON, error) {
	if len(metadata) == 0 {
		return datatypes.JSON([]byte(defaultMetadataJSON)), nil
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}

func unmarshalMetadata(raw datatypes.JSON) (billing.Metadata, error) {
	if len(raw) == 0 {
		return billing.Metadata{}, nil
	}
	var values map[string]string
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil, err
	}
	return billing.NewMetadata(values)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}

func isLockTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgLockNotAvailable
	}
	return false
}
