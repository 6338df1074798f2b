package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Service contains the domain logic over a Store.
type Service struct {
	store            Store
	nowFn            func() int64
	logger           OperationLogger
	newCorrelationID func() string
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now, newCorrelationID: uuid.NewString}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// ApplyEntry appends a posted entry, or returns the entry already recorded under the same
// (user, idempotency key) unchanged.
func (service *Service) ApplyEntry(ctx context.Context, input EntryInput) (Entry, error) {
	var (
		applied  Entry
		replayed bool
	)
	operationError := func() error {
		if input.Type == EntryAIReserve || input.Status != EntryStatusPosted {
			return fmt.Errorf("%w: reservations are created through Reserve", ErrInvalidEntryType)
		}
		if _, err := NewEntryInput(input.UserID, input.AmountCents, input.Source, input.IdempotencyKey, input.Type, input.Status, input.CorrelationID, EntryDetails{}, input.CreatedUnixUTC); err != nil {
			return err
		}
		if input.CreatedUnixUTC == 0 {
			input.CreatedUnixUTC = service.nowFn()
		}
		err := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			entry, existed, err := appendEntry(ctx, transactionStore, input)
			if err != nil {
				return err
			}
			applied, replayed = entry, existed
			return nil
		})
		if errors.Is(err, ErrDuplicateIdempotencyKey) {
			entry, findErr := service.findAfterConflict(ctx, input.UserID, input.IdempotencyKey)
			if findErr != nil {
				return findErr
			}
			applied, replayed = entry, true
			return nil
		}
		return err
	}()
	service.logOperation(ctx, OperationLog{
		Operation:      operationApplyEntry,
		UserID:         input.UserID,
		CorrelationID:  input.CorrelationID,
		Amount:         input.AmountCents,
		IdempotencyKey: input.IdempotencyKey,
		Replayed:       replayed,
		Error:          operationError,
	})
	if operationError != nil {
		return Entry{}, operationError
	}
	return applied, nil
}

// Balance returns the sum of every entry for the user.
func (service *Service) Balance(ctx context.Context, userID UserID) (SignedAmountCents, error) {
	summary, err := service.store.SumBalance(ctx, userID)
	if err != nil {
		return 0, err
	}
	return summary.Balance, nil
}

// BalanceSummary returns the balance together with lifetime granted and spent totals.
func (service *Service) BalanceSummary(ctx context.Context, userID UserID) (BalanceSummary, error) {
	return service.store.SumBalance(ctx, userID)
}

// Reserve holds amount against the user's balance under a fresh correlation id.
// Replaying the idempotency key returns the original reservation without re-checking balance.
func (service *Service) Reserve(ctx context.Context, userID UserID, amount PositiveAmountCents, idempotencyKey IdempotencyKey, details EntryDetails) (Reservation, error) {
	var reservation Reservation
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if err := transactionStore.LockAccount(ctx, userID); err != nil {
			return err
		}
		existing, found, err := transactionStore.FindEntryByIdempotencyKey(ctx, userID, idempotencyKey)
		if err != nil {
			return err
		}
		if found {
			if existing.Type != EntryAIReserve {
				return ErrIdempotencyKeyReused
			}
			reservation = Reservation{Entry: existing, CorrelationID: existing.CorrelationID, Replayed: true}
			return nil
		}
		summary, err := transactionStore.SumBalance(ctx, userID)
		if err != nil {
			return err
		}
		if summary.Balance < amount.ToSigned() {
			return ErrInsufficientCredits
		}
		correlationID, err := NewCorrelationID(service.newCorrelationID())
		if err != nil {
			return err
		}
		source, err := NewSource(SourceUsage)
		if err != nil {
			return err
		}
		entryInput, err := NewEntryInput(
			userID,
			amount.ToSigned().Negated(),
			source,
			idempotencyKey,
			EntryAIReserve,
			EntryStatusReserved,
			correlationID,
			details,
			service.nowFn(),
		)
		if err != nil {
			return err
		}
		entry, replayed, err := appendEntry(ctx, transactionStore, entryInput)
		if err != nil {
			return err
		}
		if entry.Type != EntryAIReserve {
			return ErrIdempotencyKeyReused
		}
		reservation = Reservation{Entry: entry, CorrelationID: entry.CorrelationID, Replayed: replayed}
		return nil
	})
	if errors.Is(operationError, ErrDuplicateIdempotencyKey) {
		reservation, operationError = service.reservationAfterConflict(ctx, userID, idempotencyKey)
	}
	service.logOperation(ctx, OperationLog{
		Operation:      operationReserve,
		UserID:         userID,
		CorrelationID:  reservation.CorrelationID,
		Amount:         amount.ToSigned().Negated(),
		IdempotencyKey: idempotencyKey,
		Replayed:       reservation.Replayed,
		Error:          operationError,
	})
	if operationError != nil {
		return Reservation{}, operationError
	}
	return reservation, nil
}

// Finalize releases the full hold and charges actualAmount under the reservation's correlation id.
// A finalized reservation replays its original release and charge entries.
func (service *Service) Finalize(ctx context.Context, userID UserID, correlationID CorrelationID, actualAmount AmountCents, idempotencyKey IdempotencyKey) (Finalization, error) {
	var finalization Finalization
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		reserveEntry, err := transactionStore.GetReservation(ctx, userID, correlationID, true)
		if err != nil {
			return err
		}
		switch reserveEntry.Status {
		case EntryStatusFinalized:
			finalization, err = loadFinalization(ctx, transactionStore, reserveEntry)
			return err
		case EntryStatusRefunded:
			return ErrReservationRefunded
		case EntryStatusReserved:
		default:
			return WrapError(errorOperationService, errorSubjectReservation, errorCodeInvalidStatus, ErrInvalidEntryStatus)
		}
		held := reserveEntry.AmountCents.Abs()
		if actualAmount.ToSigned() > held {
			return fmt.Errorf("%w: actual %d > reserved %d", ErrActualExceedsReserved, actualAmount, held)
		}
		releaseKey, err := deriveIdempotencyKey(idempotencyKey, idempotencySuffixRelease)
		if err != nil {
			return err
		}
		chargeKey, err := deriveIdempotencyKey(idempotencyKey, idempotencySuffixCharge)
		if err != nil {
			return err
		}
		nowUnixUTC := service.nowFn()
		details := EntryDetails{Description: reserveEntry.Description, Currency: reserveEntry.Currency}
		releaseInput, err := NewEntryInput(userID, held, reserveEntry.Source, releaseKey, EntryAIRelease, EntryStatusPosted, correlationID, details, nowUnixUTC)
		if err != nil {
			return err
		}
		release, err := appendFreshEntry(ctx, transactionStore, releaseInput)
		if err != nil {
			return err
		}
		chargeInput, err := NewEntryInput(userID, actualAmount.ToSigned().Negated(), reserveEntry.Source, chargeKey, EntryAICharge, EntryStatusPosted, correlationID, details, nowUnixUTC)
		if err != nil {
			return err
		}
		charge, err := appendFreshEntry(ctx, transactionStore, chargeInput)
		if err != nil {
			return err
		}
		if err := transactionStore.UpdateReservationStatus(ctx, reserveEntry.EntryID, EntryStatusReserved, EntryStatusFinalized); err != nil {
			return err
		}
		finalization = Finalization{Release: release, Charge: charge}
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:      operationFinalize,
		UserID:         userID,
		CorrelationID:  correlationID,
		Amount:         actualAmount.ToSigned().Negated(),
		IdempotencyKey: idempotencyKey,
		Replayed:       finalization.Replayed,
		Error:          operationError,
	})
	if operationError != nil {
		return Finalization{}, operationError
	}
	return finalization, nil
}

// Refund cancels a reservation, crediting back the full hold.
func (service *Service) Refund(ctx context.Context, userID UserID, correlationID CorrelationID, idempotencyKey IdempotencyKey, reason string) (Refund, error) {
	var refund Refund
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		reserveEntry, err := transactionStore.GetReservation(ctx, userID, correlationID, true)
		if err != nil {
			return err
		}
		switch reserveEntry.Status {
		case EntryStatusFinalized:
			return ErrReservationFinalized
		case EntryStatusRefunded:
			refund, err = loadRefund(ctx, transactionStore, reserveEntry)
			return err
		case EntryStatusReserved:
		default:
			return WrapError(errorOperationService, errorSubjectReservation, errorCodeInvalidStatus, ErrInvalidEntryStatus)
		}
		details := EntryDetails{Description: reason, Currency: reserveEntry.Currency}
		refundInput, err := NewEntryInput(userID, reserveEntry.AmountCents.Abs(), reserveEntry.Source, idempotencyKey, EntryAIRefund, EntryStatusPosted, correlationID, details, service.nowFn())
		if err != nil {
			return err
		}
		entry, err := appendFreshEntry(ctx, transactionStore, refundInput)
		if err != nil {
			return err
		}
		if err := transactionStore.UpdateReservationStatus(ctx, reserveEntry.EntryID, EntryStatusReserved, EntryStatusRefunded); err != nil {
			return err
		}
		refund = Refund{Entry: entry}
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:      operationRefund,
		UserID:         userID,
		CorrelationID:  correlationID,
		Amount:         refund.Entry.AmountCents,
		IdempotencyKey: idempotencyKey,
		Replayed:       refund.Replayed,
		Error:          operationError,
	})
	if operationError != nil {
		return Refund{}, operationError
	}
	return refund, nil
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

func (service *Service) findAfterConflict(ctx context.Context, userID UserID, idempotencyKey IdempotencyKey) (Entry, error) {
	entry, found, err := service.store.FindEntryByIdempotencyKey(ctx, userID, idempotencyKey)
	if err != nil {
		return Entry{}, err
	}
	if !found {
		return Entry{}, WrapError(errorOperationService, errorSubjectEntry, errorCodeConflict, ErrDuplicateIdempotencyKey)
	}
	return entry, nil
}

func (service *Service) reservationAfterConflict(ctx context.Context, userID UserID, idempotencyKey IdempotencyKey) (Reservation, error) {
	entry, err := service.findAfterConflict(ctx, userID, idempotencyKey)
	if err != nil {
		return Reservation{}, err
	}
	if entry.Type != EntryAIReserve {
		return Reservation{}, ErrIdempotencyKeyReused
	}
	return Reservation{Entry: entry, CorrelationID: entry.CorrelationID, Replayed: true}, nil
}

// appendEntry is the idempotency guard: an existing (user, key) entry wins over the input.
func appendEntry(ctx context.Context, transactionStore Store, input EntryInput) (Entry, bool, error) {
	existing, found, err := transactionStore.FindEntryByIdempotencyKey(ctx, input.UserID, input.IdempotencyKey)
	if err != nil {
		return Entry{}, false, err
	}
	if found {
		return existing, true, nil
	}
	inserted, insertErr := transactionStore.InsertEntry(ctx, input)
	if errors.Is(insertErr, ErrDuplicateIdempotencyKey) {
		existing, found, err := transactionStore.FindEntryByIdempotencyKey(ctx, input.UserID, input.IdempotencyKey)
		if err != nil || !found {
			return Entry{}, false, insertErr
		}
		return existing, true, nil
	}
	if insertErr != nil {
		return Entry{}, false, insertErr
	}
	return inserted, false, nil
}

// appendFreshEntry rejects keys that already belong to another entry; used while a reservation row is locked.
func appendFreshEntry(ctx context.Context, transactionStore Store, input EntryInput) (Entry, error) {
	entry, replayed, err := appendEntry(ctx, transactionStore, input)
	if err != nil {
		return Entry{}, err
	}
	if replayed {
		return Entry{}, ErrIdempotencyKeyReused
	}
	return entry, nil
}

func loadFinalization(ctx context.Context, transactionStore Store, reserveEntry Entry) (Finalization, error) {
	entries, err := transactionStore.ListCorrelatedEntries(ctx, reserveEntry.UserID, reserveEntry.CorrelationID)
	if err != nil {
		return Finalization{}, err
	}
	var (
		release      Entry
		charge       Entry
		foundRelease bool
		foundCharge  bool
	)
	for _, entry := range entries {
		if !foundRelease && entry.Type == EntryAIRelease {
			release, foundRelease = entry, true
			continue
		}
		if foundRelease && !foundCharge && entry.Type == EntryAICharge {
			charge, foundCharge = entry, true
		}
	}
	if !foundRelease || !foundCharge {
		return Finalization{}, WrapError(errorOperationService, errorSubjectReservation, errorCodeInconsistent, ErrInvalidState)
	}
	return Finalization{Release: release, Charge: charge, Replayed: true}, nil
}

func loadRefund(ctx context.Context, transactionStore Store, reserveEntry Entry) (Refund, error) {
	entries, err := transactionStore.ListCorrelatedEntries(ctx, reserveEntry.UserID, reserveEntry.CorrelationID)
	if err != nil {
		return Refund{}, err
	}
	for _, entry := range entries {
		if entry.Type == EntryAIRefund {
			return Refund{Entry: entry, Replayed: true}, nil
		}
	}
	return Refund{}, WrapError(errorOperationService, errorSubjectReservation, errorCodeInconsistent, ErrInvalidState)
}

func deriveIdempotencyKey(baseKey IdempotencyKey, suffix string) (IdempotencyKey, error) {
	combined := baseKey.String() + idempotencyKeyDelimiter + suffix
	return NewIdempotencyKey(combined)
}
