package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/creditengine/pkg/ledger"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultMetadataJSON   = "{}"
	pgUniqueViolationCode = "23505"
	mysqlDuplicateEntry   = 1062
	sqliteConstraintCode  = 19

	errorOperationStore     = "store"
	errorSubjectAccount     = "account"
	errorSubjectBalance     = "balance"
	errorSubjectEntry       = "entry"
	errorSubjectReservation = "reservation"
	errorSubjectUsage       = "usage"
	errorCodeDuplicate      = "duplicate"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeLock           = "lock"
	errorCodeLookup         = "lookup"
	errorCodeSum            = "sum"
	errorCodeUpdateStatus   = "update_status"
)

// Store implements ledger.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

// LockAccount ensures the user's account row exists and holds a row lock on it until the transaction ends.
func (store *Store) LockAccount(ctx context.Context, userID ledger.UserID) error {
	account := Account{UserID: userID.String(), CreatedAt: time.Now().UTC()}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
		Create(&account).Error
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeLock, err)
	}
	var locked Account
	err = store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID.String()).
		Take(&locked).Error
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeLock, err)
	}
	return nil
}

func (store *Store) FindEntryByIdempotencyKey(ctx context.Context, userID ledger.UserID, idempotencyKey ledger.IdempotencyKey) (ledger.Entry, bool, error) {
	var row LedgerEntry
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND idempotency_key = ?", userID.String(), idempotencyKey.String()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Entry{}, false, nil
	}
	if err != nil {
		return ledger.Entry{}, false, wrapStoreError(errorSubjectEntry, errorCodeLookup, err)
	}
	entry, err := mapLedgerEntry(row)
	if err != nil {
		return ledger.Entry{}, false, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entry, true, nil
}

// InsertEntry appends an entry. A (user, idempotency key) conflict inserts nothing and reports ErrDuplicateIdempotencyKey.
func (store *Store) InsertEntry(ctx context.Context, entryInput ledger.EntryInput) (ledger.Entry, error) {
	var correlationID *string
	if !entryInput.CorrelationID.IsZero() {
		value := entryInput.CorrelationID.String()
		correlationID = &value
	}
	row := LedgerEntry{
		UserID:         entryInput.UserID.String(),
		AmountCents:    entryInput.AmountCents.Int64(),
		Source:         entryInput.Source.String(),
		SourceRef:      entryInput.SourceRef,
		IdempotencyKey: entryInput.IdempotencyKey.String(),
		EntryType:      entryInput.Type.String(),
		Status:         entryInput.Status.String(),
		CorrelationID:  correlationID,
		Description:    entryInput.Description,
		Currency:       entryInput.Currency,
		PackKey:        entryInput.PackKey,
		Metadata:       datatypesJSON(entryInput.Metadata.String()),
		CreatedAt:      time.Unix(entryInput.CreatedUnixUTC, 0).UTC(),
	}
	if entryInput.CreatedUnixUTC == 0 {
		row.CreatedAt = time.Now().UTC()
	}
	result := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "idempotency_key"}},
			DoNothing: true,
		}).
		Create(&row)
	if isIdempotencyConflict(result.Error) || (result.Error == nil && result.RowsAffected == 0) {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
	}
	if result.Error != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInsert, result.Error)
	}
	entry, err := mapLedgerEntry(row)
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entry, nil
}

// GetReservation loads the ai_reserve entry for correlationID, locking the row when forUpdate is set.
func (store *Store) GetReservation(ctx context.Context, userID ledger.UserID, correlationID ledger.CorrelationID, forUpdate bool) (ledger.Entry, error) {
	query := store.db.WithContext(ctx)
	if forUpdate {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var row LedgerEntry
	err := query.
		Where("user_id = ? AND correlation_id = ? AND entry_type = ?", userID.String(), correlationID.String(), ledger.EntryAIReserve.String()).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Entry{}, wrapStoreError(errorSubjectReservation, errorCodeGet, ledger.ErrUnknownReservation)
		}
		return ledger.Entry{}, wrapStoreError(errorSubjectReservation, errorCodeGet, err)
	}
	entry, err := mapLedgerEntry(row)
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	return entry, nil
}

// UpdateReservationStatus is the only mutation ledger entries ever receive.
func (store *Store) UpdateReservationStatus(ctx context.Context, entryID int64, from, to ledger.EntryStatus) error {
	result := store.db.WithContext(ctx).
		Model(&LedgerEntry{}).
		Where("id = ? AND entry_type = ? AND status = ?", entryID, ledger.EntryAIReserve.String(), from.String()).
		Update("status", to.String())
	if result.Error != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdateStatus, ledger.ErrReservationClosed)
	}
	return nil
}

func (store *Store) ListCorrelatedEntries(ctx context.Context, userID ledger.UserID, correlationID ledger.CorrelationID) ([]ledger.Entry, error) {
	var rows []LedgerEntry
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND correlation_id = ?", userID.String(), correlationID.String()).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return mapLedgerEntries(rows)
}

func (store *Store) SumBalance(ctx context.Context, userID ledger.UserID) (ledger.BalanceSummary, error) {
	var sum sqlBalance
	err := store.db.WithContext(ctx).
		Model(&LedgerEntry{}).
		Select(
			"coalesce(sum(amount_cents),0) as balance, " +
				"coalesce(sum(case when amount_cents > 0 then amount_cents else 0 end),0) as granted, " +
				"coalesce(sum(case when amount_cents < 0 then -amount_cents else 0 end),0) as spent",
		).
		Where("user_id = ?", userID.String()).
		Scan(&sum).Error
	if err != nil {
		return ledger.BalanceSummary{}, wrapStoreError(errorSubjectBalance, errorCodeSum, err)
	}
	granted, err := ledger.NewAmountCents(sum.Granted)
	if err != nil {
		return ledger.BalanceSummary{}, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
	}
	spent, err := ledger.NewAmountCents(sum.Spent)
	if err != nil {
		return ledger.BalanceSummary{}, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
	}
	return ledger.BalanceSummary{
		Balance:      ledger.SignedAmountCents(sum.Balance),
		TotalGranted: granted,
		TotalSpent:   spent,
	}, nil
}

// ListEntries returns a page of the user's entries ordered newest first.
func (store *Store) ListEntries(ctx context.Context, userID ledger.UserID, limit int, offset int) ([]ledger.Entry, error) {
	var rows []LedgerEntry
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Offset(offset).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return mapLedgerEntries(rows)
}

// ListStaleReservations returns reservations still held that were created at or before the cutoff, oldest first.
func (store *Store) ListStaleReservations(ctx context.Context, createdBeforeUnixUTC int64, limit int) ([]ledger.Entry, error) {
	var rows []LedgerEntry
	err := store.db.WithContext(ctx).
		Where("entry_type = ? AND status = ? AND created_at <= ?", ledger.EntryAIReserve.String(), ledger.EntryStatusReserved.String(), time.Unix(createdBeforeUnixUTC, 0).UTC()).
		Order("created_at ASC").
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectReservation, errorCodeList, err)
	}
	return mapLedgerEntries(rows)
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

type sqlBalance struct {
	Balance int64
	Granted int64
	Spent   int64
}

func mapLedgerEntries(rows []LedgerEntry) ([]ledger.Entry, error) {
	entries := make([]ledger.Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapLedgerEntry(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func mapLedgerEntry(row LedgerEntry) (ledger.Entry, error) {
	userID, err := ledger.NewUserID(row.UserID)
	if err != nil {
		return ledger.Entry{}, err
	}
	source, err := ledger.NewSource(row.Source)
	if err != nil {
		return ledger.Entry{}, err
	}
	idempotencyKey, err := ledger.NewIdempotencyKey(row.IdempotencyKey)
	if err != nil {
		return ledger.Entry{}, err
	}
	entryType, err := ledger.ParseEntryType(row.EntryType)
	if err != nil {
		return ledger.Entry{}, err
	}
	status, err := ledger.ParseEntryStatus(row.Status)
	if err != nil {
		return ledger.Entry{}, err
	}
	var correlationID ledger.CorrelationID
	if row.CorrelationID != nil && *row.CorrelationID != "" {
		correlationID, err = ledger.NewCorrelationID(*row.CorrelationID)
		if err != nil {
			return ledger.Entry{}, err
		}
	}
	metadata, err := ledger.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return ledger.Entry{}, err
	}
	return ledger.Entry{
		EntryID:        row.ID,
		UserID:         userID,
		AmountCents:    ledger.SignedAmountCents(row.AmountCents),
		Source:         source,
		SourceRef:      row.SourceRef,
		IdempotencyKey: idempotencyKey,
		Type:           entryType,
		Status:         status,
		CorrelationID:  correlationID,
		Description:    row.Description,
		Currency:       row.Currency,
		PackKey:        row.PackKey,
		Metadata:       metadata,
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}, nil
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isIdempotencyConflict(err error) bool {
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
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == mysqlDuplicateEntry
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
