package ledger

import (
	"context"
	"errors"
	"fmt"
)

// Spend debits the user's balance immediately, without a hold.
// correlationID may be zero; settlement passes the reservation's id when charging a delta.
func (service *Service) Spend(ctx context.Context, userID UserID, amount PositiveAmountCents, idempotencyKey IdempotencyKey, correlationID CorrelationID, details EntryDetails) (Entry, error) {
	var (
		spent    Entry
		replayed bool
	)
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if err := transactionStore.LockAccount(ctx, userID); err != nil {
			return err
		}
		existing, found, err := transactionStore.FindEntryByIdempotencyKey(ctx, userID, idempotencyKey)
		if err != nil {
			return err
		}
		if found {
			if existing.Type != EntryAICharge {
				return ErrIdempotencyKeyReused
			}
			spent, replayed = existing, true
			return nil
		}
		summary, err := transactionStore.SumBalance(ctx, userID)
		if err != nil {
			return err
		}
		if summary.Balance < amount.ToSigned() {
			return ErrInsufficientCredits
		}
		source, err := NewSource(SourceUsage)
		if err != nil {
			return err
		}
		entryInput, err := NewEntryInput(userID, amount.ToSigned().Negated(), source, idempotencyKey, EntryAICharge, EntryStatusPosted, correlationID, details, service.nowFn())
		if err != nil {
			return err
		}
		entry, existed, err := appendEntry(ctx, transactionStore, entryInput)
		if err != nil {
			return err
		}
		if entry.Type != EntryAICharge {
			return ErrIdempotencyKeyReused
		}
		spent, replayed = entry, existed
		return nil
	})
	if errors.Is(operationError, ErrDuplicateIdempotencyKey) {
		var entry Entry
		entry, operationError = service.findAfterConflict(ctx, userID, idempotencyKey)
		if operationError == nil && entry.Type != EntryAICharge {
			operationError = ErrIdempotencyKeyReused
		}
		spent, replayed = entry, operationError == nil
	}
	service.logOperation(ctx, OperationLog{
		Operation:      operationSpend,
		UserID:         userID,
		CorrelationID:  correlationID,
		Amount:         amount.ToSigned().Negated(),
		IdempotencyKey: idempotencyKey,
		Replayed:       replayed,
		Error:          operationError,
	})
	if operationError != nil {
		return Entry{}, operationError
	}
	return spent, nil
}

// ListEntries returns the user's entries newest first. A non-positive limit selects the default page size.
func (service *Service) ListEntries(ctx context.Context, userID UserID, limit int, offset int) ([]Entry, error) {
	if offset < 0 {
		return nil, fmt.Errorf("%w: offset must not be negative", ErrInvalidListLimit)
	}
	if limit <= 0 {
		limit = defaultListEntriesLimit
	}
	if limit > maxListEntriesLimit {
		limit = maxListEntriesLimit
	}
	return service.store.ListEntries(ctx, userID, limit, offset)
}

// GetReservation returns the current view of a reservation.
func (service *Service) GetReservation(ctx context.Context, userID UserID, correlationID CorrelationID) (Reservation, error) {
	entry, err := service.store.GetReservation(ctx, userID, correlationID, false)
	if err != nil {
		return Reservation{}, err
	}
	return Reservation{Entry: entry, CorrelationID: entry.CorrelationID}, nil
}

// StaleReservations lists reservations still held that were created at or before cutoffUnixUTC.
func (service *Service) StaleReservations(ctx context.Context, cutoffUnixUTC int64, limit int) ([]Reservation, error) {
	if limit <= 0 {
		limit = defaultListEntriesLimit
	}
	if limit > maxListEntriesLimit {
		limit = maxListEntriesLimit
	}
	entries, err := service.store.ListStaleReservations(ctx, cutoffUnixUTC, limit)
	if err != nil {
		return nil, err
	}
	reservations := make([]Reservation, 0, len(entries))
	for _, entry := range entries {
		reservations = append(reservations, Reservation{Entry: entry, CorrelationID: entry.CorrelationID})
	}
	return reservations, nil
}

// Now exposes the service clock so collaborators share one time source.
func (service *Service) Now() int64 {
	return service.nowFn()
}
