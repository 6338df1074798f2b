// Package pgstore implements ledger.Store directly on a pgx pool, sharing the schema gormstore migrates.
package pgstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/creditengine/pkg/ledger"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgUniqueViolationCode   = "23505"
	errorOperationStore     = "store"
	errorSubjectAccount     = "account"
	errorSubjectBalance     = "balance"
	errorSubjectEntry       = "entry"
	errorSubjectReservation = "reservation"
	errorSubjectTransaction = "transaction"
	errorCodeBegin          = "begin"
	errorCodeCommit         = "commit"
	errorCodeDuplicate      = "duplicate"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeLock           = "lock"
	errorCodeLookup         = "lookup"
	errorCodeSum            = "sum"
	errorCodeUpdateStatus   = "update_status"

	sqlEnsureAccount = `
		insert into accounts(user_id, created_at) values($1, now())
		on conflict (user_id) do nothing
	`

	sqlLockAccount = `select user_id from accounts where user_id = $1 for update`

	sqlInsertEntry = `
		insert into ledger_entries(
			user_id, amount_cents, source, source_ref, idempotency_key, entry_type, status,
			correlation_id, description, currency, pack_key, metadata, created_at
		)
		values(
			$1, $2, $3, $4, $5, $6, $7,
			nullif($8,''), $9, $10, $11,
			coalesce(nullif($12,''),'{}')::jsonb,
			to_timestamp($13)
		)
		on conflict (user_id, idempotency_key) do nothing
		returning id
	`

	sqlEntryColumns = `
		id,
		user_id,
		amount_cents,
		source,
		coalesce(source_ref,''),
		idempotency_key,
		entry_type,
		status,
		coalesce(correlation_id,''),
		coalesce(description,''),
		coalesce(currency,''),
		coalesce(pack_key,''),
		coalesce(metadata::text,'{}'),
		extract(epoch from created_at)::bigint
	`

	sqlFindByIdempotencyKey = `select ` + sqlEntryColumns + ` from ledger_entries where user_id = $1 and idempotency_key = $2`

	sqlSelectReservation = `select ` + sqlEntryColumns + `
		from ledger_entries
		where user_id = $1 and correlation_id = $2 and entry_type = $3`

	sqlUpdateReservationStatus = `
		update ledger_entries
		set status = $4
		where id = $1 and entry_type = $2 and status = $3
	`

	sqlListCorrelated = `select ` + sqlEntryColumns + `
		from ledger_entries
		where user_id = $1 and correlation_id = $2
		order by id asc`

	sqlSumBalance = `
		select
			coalesce(sum(amount_cents),0)::bigint,
			coalesce(sum(case when amount_cents > 0 then amount_cents else 0 end),0)::bigint,
			coalesce(sum(case when amount_cents < 0 then -amount_cents else 0 end),0)::bigint
		from ledger_entries
		where user_id = $1
	`

	sqlListEntries = `select ` + sqlEntryColumns + `
		from ledger_entries
		where user_id = $1
		order by created_at desc, id desc
		limit $2 offset $3`

	sqlListStaleReservations = `select ` + sqlEntryColumns + `
		from ledger_entries
		where entry_type = $1 and status = $2 and created_at <= to_timestamp($3)
		order by created_at asc, id asc
		limit $4`
)

type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row
}

// Store implements ledger.Store using a pgx connection pool, or a transaction opened from it.
type Store struct {
	pool *pgxpool.Pool
	conn querier
	inTx bool
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, conn: pool}
}

// WithTx runs fn in a transaction. Nested calls reuse the open transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	if store.inTx {
		return fn(ctx, store)
	}
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	if err := fn(ctx, &Store{pool: store.pool, conn: tx, inTx: true}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) LockAccount(ctx context.Context, userID ledger.UserID) error {
	if _, err := store.conn.Exec(ctx, sqlEnsureAccount, userID.String()); err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeLock, err)
	}
	var locked string
	if err := store.conn.QueryRow(ctx, sqlLockAccount, userID.String()).Scan(&locked); err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeLock, err)
	}
	return nil
}

func (store *Store) FindEntryByIdempotencyKey(ctx context.Context, userID ledger.UserID, idempotencyKey ledger.IdempotencyKey) (ledger.Entry, bool, error) {
	entry, err := scanEntry(store.conn.QueryRow(ctx, sqlFindByIdempotencyKey, userID.String(), idempotencyKey.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Entry{}, false, nil
	}
	if err != nil {
		return ledger.Entry{}, false, wrapStoreError(errorSubjectEntry, errorCodeLookup, err)
	}
	return entry, true, nil
}

// InsertEntry appends an entry; a (user, idempotency key) conflict reports ErrDuplicateIdempotencyKey.
func (store *Store) InsertEntry(ctx context.Context, entryInput ledger.EntryInput) (ledger.Entry, error) {
	createdUnixUTC := entryInput.CreatedUnixUTC
	if createdUnixUTC == 0 {
		createdUnixUTC = time.Now().UTC().Unix()
	}
	var entryID int64
	err := store.conn.QueryRow(ctx, sqlInsertEntry,
		entryInput.UserID.String(),
		entryInput.AmountCents.Int64(),
		entryInput.Source.String(),
		entryInput.SourceRef,
		entryInput.IdempotencyKey.String(),
		entryInput.Type.String(),
		entryInput.Status.String(),
		entryInput.CorrelationID.String(),
		entryInput.Description,
		entryInput.Currency,
		entryInput.PackKey,
		entryInput.Metadata.String(),
		createdUnixUTC,
	).Scan(&entryID)
	if errors.Is(err, pgx.ErrNoRows) || isUniqueViolation(err) {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return ledger.Entry{
		EntryID:        entryID,
		UserID:         entryInput.UserID,
		AmountCents:    entryInput.AmountCents,
		Source:         entryInput.Source,
		SourceRef:      entryInput.SourceRef,
		IdempotencyKey: entryInput.IdempotencyKey,
		Type:           entryInput.Type,
		Status:         entryInput.Status,
		CorrelationID:  entryInput.CorrelationID,
		Description:    entryInput.Description,
		Currency:       entryInput.Currency,
		PackKey:        entryInput.PackKey,
		Metadata:       entryInput.Metadata,
		CreatedUnixUTC: createdUnixUTC,
	}, nil
}

func (store *Store) GetReservation(ctx context.Context, userID ledger.UserID, correlationID ledger.CorrelationID, forUpdate bool) (ledger.Entry, error) {
	query := sqlSelectReservation
	if forUpdate {
		query += " for update"
	}
	entry, err := scanEntry(store.conn.QueryRow(ctx, query, userID.String(), correlationID.String(), ledger.EntryAIReserve.String()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Entry{}, wrapStoreError(errorSubjectReservation, errorCodeGet, ledger.ErrUnknownReservation)
		}
		return ledger.Entry{}, wrapStoreError(errorSubjectReservation, errorCodeGet, err)
	}
	return entry, nil
}

func (store *Store) UpdateReservationStatus(ctx context.Context, entryID int64, from, to ledger.EntryStatus) error {
	tag, err := store.conn.Exec(ctx, sqlUpdateReservationStatus, entryID, ledger.EntryAIReserve.String(), from.String(), to.String())
	if err != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdateStatus, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdateStatus, ledger.ErrReservationClosed)
	}
	return nil
}

func (store *Store) ListCorrelatedEntries(ctx context.Context, userID ledger.UserID, correlationID ledger.CorrelationID) ([]ledger.Entry, error) {
	return store.listEntries(ctx, errorSubjectEntry, sqlListCorrelated, userID.String(), correlationID.String())
}

func (store *Store) SumBalance(ctx context.Context, userID ledger.UserID) (ledger.BalanceSummary, error) {
	var balance, granted, spent int64
	if err := store.conn.QueryRow(ctx, sqlSumBalance, userID.String()).Scan(&balance, &granted, &spent); err != nil {
		return ledger.BalanceSummary{}, wrapStoreError(errorSubjectBalance, errorCodeSum, err)
	}
	totalGranted, err := ledger.NewAmountCents(granted)
	if err != nil {
		return ledger.BalanceSummary{}, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
	}
	totalSpent, err := ledger.NewAmountCents(spent)
	if err != nil {
		return ledger.BalanceSummary{}, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
	}
	return ledger.BalanceSummary{
		Balance:      ledger.SignedAmountCents(balance),
		TotalGranted: totalGranted,
		TotalSpent:   totalSpent,
	}, nil
}

func (store *Store) ListEntries(ctx context.Context, userID ledger.UserID, limit int, offset int) ([]ledger.Entry, error) {
	return store.listEntries(ctx, errorSubjectEntry, sqlListEntries, userID.String(), limit, offset)
}

func (store *Store) ListStaleReservations(ctx context.Context, createdBeforeUnixUTC int64, limit int) ([]ledger.Entry, error) {
	return store.listEntries(ctx, errorSubjectReservation, sqlListStaleReservations,
		ledger.EntryAIReserve.String(), ledger.EntryStatusReserved.String(), createdBeforeUnixUTC, limit)
}

func (store *Store) listEntries(ctx context.Context, subject string, query string, arguments ...any) ([]ledger.Entry, error) {
	rows, err := store.conn.Query(ctx, query, arguments...)
	if err != nil {
		return nil, wrapStoreError(subject, errorCodeList, err)
	}
	defer rows.Close()
	entries := make([]ledger.Entry, 0, 32)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, wrapStoreError(subject, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(subject, errorCodeList, err)
	}
	return entries, nil
}

func scanEntry(row pgx.Row) (ledger.Entry, error) {
	var (
		entryID          int64
		userIDValue      string
		amountValue      int64
		sourceValue      string
		sourceRef        string
		idempotencyValue string
		entryTypeValue   string
		statusValue      string
		correlationValue string
		description      string
		currency         string
		packKey          string
		metadataValue    string
		createdUnixUTC   int64
	)
	if err := row.Scan(
		&entryID,
		&userIDValue,
		&amountValue,
		&sourceValue,
		&sourceRef,
		&idempotencyValue,
		&entryTypeValue,
		&statusValue,
		&correlationValue,
		&description,
		&currency,
		&packKey,
		&metadataValue,
		&createdUnixUTC,
	); err != nil {
		return ledger.Entry{}, err
	}
	userID, err := ledger.NewUserID(userIDValue)
	if err != nil {
		return ledger.Entry{}, err
	}
	source, err := ledger.NewSource(sourceValue)
	if err != nil {
		return ledger.Entry{}, err
	}
	idempotencyKey, err := ledger.NewIdempotencyKey(idempotencyValue)
	if err != nil {
		return ledger.Entry{}, err
	}
	entryType, err := ledger.ParseEntryType(entryTypeValue)
	if err != nil {
		return ledger.Entry{}, err
	}
	status, err := ledger.ParseEntryStatus(statusValue)
	if err != nil {
		return ledger.Entry{}, err
	}
	var correlationID ledger.CorrelationID
	if correlationValue != "" {
		if correlationID, err = ledger.NewCorrelationID(correlationValue); err != nil {
			return ledger.Entry{}, err
		}
	}
	metadata, err := ledger.NewMetadataJSON(metadataValue)
	if err != nil {
		return ledger.Entry{}, err
	}
	return ledger.Entry{
		EntryID:        entryID,
		UserID:         userID,
		AmountCents:    ledger.SignedAmountCents(amountValue),
		Source:         source,
		SourceRef:      sourceRef,
		IdempotencyKey: idempotencyKey,
		Type:           entryType,
		Status:         status,
		CorrelationID:  correlationID,
		Description:    description,
		Currency:       currency,
		PackKey:        packKey,
		Metadata:       metadata,
		CreatedUnixUTC: createdUnixUTC,
	}, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolationCode
}
