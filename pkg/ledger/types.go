package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// AmountCents is a non-negative integer amount in cents.
type AmountCents int64

// PositiveAmountCents is a strictly positive integer amount in cents.
type PositiveAmountCents int64

// SignedAmountCents is a signed integer amount in cents (entry amounts, balances).
type SignedAmountCents int64

// UserID identifies the subject owning a running balance.
type UserID struct {
	value string
}

// IdempotencyKey scopes duplicate detection per user.
type IdempotencyKey struct {
	value string
}

// CorrelationID groups a reservation with its release, charge and refund entries.
type CorrelationID struct {
	value string
}

// Source tags where an entry originated (admin, stripe, promo, usage).
type Source struct {
	value string
}

// MetadataJSON stores arbitrary audit metadata.
type MetadataJSON struct {
	value string
}

// EntryType enumerates ledger entry kinds.
type EntryType string

const (
	EntryCreditPurchase EntryType = "credit_purchase"
	EntryAIReserve      EntryType = "ai_reserve"
	EntryAIRelease      EntryType = "ai_release"
	EntryAICharge       EntryType = "ai_charge"
	EntryAIRefund       EntryType = "ai_refund"
)

// EntryStatus is the lifecycle status of an entry. Only ai_reserve entries leave "posted".
type EntryStatus string

const (
	EntryStatusPosted    EntryStatus = "posted"
	EntryStatusReserved  EntryStatus = "reserved"
	EntryStatusFinalized EntryStatus = "finalized"
	EntryStatusRefunded  EntryStatus = "refunded"
)

const (
	SourceAdmin  = "admin"
	SourceStripe = "stripe"
	SourcePromo  = "promo"
	SourceUsage  = "usage"
)

// Entry is a single immutable line in the ledger.
type Entry struct {
	EntryID        int64
	UserID         UserID
	AmountCents    SignedAmountCents
	Source         Source
	SourceRef      string
	IdempotencyKey IdempotencyKey
	Type           EntryType
	Status         EntryStatus
	CorrelationID  CorrelationID
	Description    string
	Currency       string
	PackKey        string
	Metadata       MetadataJSON
	CreatedUnixUTC int64
}

// EntryInput is a validated entry ready to be appended.
type EntryInput struct {
	UserID         UserID
	AmountCents    SignedAmountCents
	Source         Source
	SourceRef      string
	IdempotencyKey IdempotencyKey
	Type           EntryType
	Status         EntryStatus
	CorrelationID  CorrelationID
	Description    string
	Currency       string
	PackKey        string
	Metadata       MetadataJSON
	CreatedUnixUTC int64
}

// EntryDetails carries the descriptive, non load-bearing fields of an entry.
type EntryDetails struct {
	SourceRef   string
	Description string
	Currency    string
	PackKey     string
	Metadata    MetadataJSON
}

// Reservation is the view of an ai_reserve entry.
type Reservation struct {
	Entry         Entry
	CorrelationID CorrelationID
	Replayed      bool
}

// HeldCents returns the amount held by the reservation.
func (reservation Reservation) HeldCents() AmountCents {
	return AmountCents(reservation.Entry.AmountCents.Abs())
}

// Finalization holds the release and charge entries produced by Finalize.
type Finalization struct {
	Release  Entry
	Charge   Entry
	Replayed bool
}

// Refund holds the entry produced by Refund.
type Refund struct {
	Entry    Entry
	Replayed bool
}

// BalanceSummary aggregates a user's ledger.
type BalanceSummary struct {
	Balance      SignedAmountCents
	TotalGranted AmountCents
	TotalSpent   AmountCents
}

// Store is the persistence contract used by Service.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	LockAccount(ctx context.Context, userID UserID) error
	FindEntryByIdempotencyKey(ctx context.Context, userID UserID, idempotencyKey IdempotencyKey) (Entry, bool, error)
	InsertEntry(ctx context.Context, entry EntryInput) (Entry, error)
	GetReservation(ctx context.Context, userID UserID, correlationID CorrelationID, forUpdate bool) (Entry, error)
	UpdateReservationStatus(ctx context.Context, entryID int64, from, to EntryStatus) error
	ListCorrelatedEntries(ctx context.Context, userID UserID, correlationID CorrelationID) ([]Entry, error)
	SumBalance(ctx context.Context, userID UserID) (BalanceSummary, error)
	ListEntries(ctx context.Context, userID UserID, limit int, offset int) ([]Entry, error)
	ListStaleReservations(ctx context.Context, createdBeforeUnixUTC int64, limit int) ([]Entry, error)
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// NewIdempotencyKey validates and normalizes an idempotency key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	if len(trimmed) > MaxIdempotencyKeyLength {
		return IdempotencyKey{}, fmt.Errorf("%w: longer than %d bytes", ErrInvalidIdempotencyKey, MaxIdempotencyKeyLength)
	}
	return IdempotencyKey{value: trimmed}, nil
}

// String returns the normalized key.
func (key IdempotencyKey) String() string {
	return key.value
}

// NewCorrelationID validates and normalizes a correlation id.
func NewCorrelationID(raw string) (CorrelationID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return CorrelationID{}, fmt.Errorf("%w: empty value", ErrInvalidCorrelationID)
	}
	return CorrelationID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id CorrelationID) String() string {
	return id.value
}

// IsZero reports whether the correlation id is unset.
func (id CorrelationID) IsZero() bool {
	return id.value == ""
}

// NewSource validates a source tag.
func NewSource(raw string) (Source, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Source{}, fmt.Errorf("%w: empty value", ErrInvalidSource)
	}
	return Source{value: trimmed}, nil
}

// String returns the normalized source.
func (source Source) String() string {
	return source.value
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return "{}"
	}
	return metadata.value
}

// NewAmountCents validates an amount and ensures it is not negative.
func NewAmountCents(raw int64) (AmountCents, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: must not be negative", ErrInvalidAmountCents)
	}
	return AmountCents(raw), nil
}

// Int64 returns the raw cents.
func (amount AmountCents) Int64() int64 {
	return int64(amount)
}

// ToSigned converts the amount into a signed entry amount.
func (amount AmountCents) ToSigned() SignedAmountCents {
	return SignedAmountCents(amount)
}

// NewPositiveAmountCents validates an amount and ensures it is strictly positive.
func NewPositiveAmountCents(raw int64) (PositiveAmountCents, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmountCents)
	}
	return PositiveAmountCents(raw), nil
}

// Int64 returns the raw cents.
func (amount PositiveAmountCents) Int64() int64 {
	return int64(amount)
}

// ToAmountCents converts into a non-negative amount.
func (amount PositiveAmountCents) ToAmountCents() AmountCents {
	return AmountCents(amount)
}

// ToSigned converts the amount into a signed entry amount.
func (amount PositiveAmountCents) ToSigned() SignedAmountCents {
	return SignedAmountCents(amount)
}

// Int64 returns the raw cents.
func (amount SignedAmountCents) Int64() int64 {
	return int64(amount)
}

// Negated flips the sign.
func (amount SignedAmountCents) Negated() SignedAmountCents {
	return -amount
}

// Abs returns the absolute value.
func (amount SignedAmountCents) Abs() SignedAmountCents {
	if amount < 0 {
		return -amount
	}
	return amount
}

// String returns the entry type value.
func (entryType EntryType) String() string {
	return string(entryType)
}

// ParseEntryType validates an entry type value.
func ParseEntryType(raw string) (EntryType, error) {
	switch EntryType(strings.TrimSpace(raw)) {
	case EntryCreditPurchase, EntryAIReserve, EntryAIRelease, EntryAICharge, EntryAIRefund:
		return EntryType(strings.TrimSpace(raw)), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidEntryType, raw)
	}
}

// String returns the status value.
func (status EntryStatus) String() string {
	return string(status)
}

// ParseEntryStatus validates an entry status value.
func ParseEntryStatus(raw string) (EntryStatus, error) {
	switch EntryStatus(strings.TrimSpace(raw)) {
	case EntryStatusPosted, EntryStatusReserved, EntryStatusFinalized, EntryStatusRefunded:
		return EntryStatus(strings.TrimSpace(raw)), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidEntryStatus, raw)
	}
}

// NewEntryInput validates the load-bearing fields of an entry.
func NewEntryInput(userID UserID, amount SignedAmountCents, source Source, idempotencyKey IdempotencyKey, entryType EntryType, status EntryStatus, correlationID CorrelationID, details EntryDetails, createdUnixUTC int64) (EntryInput, error) {
	if userID.String() == "" {
		return EntryInput{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if source.String() == "" {
		return EntryInput{}, fmt.Errorf("%w: empty value", ErrInvalidSource)
	}
	if idempotencyKey.String() == "" {
		return EntryInput{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	if _, err := ParseEntryType(entryType.String()); err != nil {
		return EntryInput{}, err
	}
	if _, err := ParseEntryStatus(status.String()); err != nil {
		return EntryInput{}, err
	}
	if entryType == EntryAIReserve {
		if status != EntryStatusReserved {
			return EntryInput{}, fmt.Errorf("%w: reservation must start reserved", ErrInvalidEntryStatus)
		}
		if amount >= 0 {
			return EntryInput{}, fmt.Errorf("%w: reservation must be a debit", ErrInvalidAmountCents)
		}
		if correlationID.IsZero() {
			return EntryInput{}, fmt.Errorf("%w: reservation requires correlation id", ErrInvalidCorrelationID)
		}
	} else if status != EntryStatusPosted {
		return EntryInput{}, fmt.Errorf("%w: only reservations carry a lifecycle", ErrInvalidEntryStatus)
	}
	return EntryInput{
		UserID:         userID,
		AmountCents:    amount,
		Source:         source,
		SourceRef:      strings.TrimSpace(details.SourceRef),
		IdempotencyKey: idempotencyKey,
		Type:           entryType,
		Status:         status,
		CorrelationID:  correlationID,
		Description:    details.Description,
		Currency:       details.Currency,
		PackKey:        details.PackKey,
		Metadata:       details.Metadata,
		CreatedUnixUTC: createdUnixUTC,
	}, nil
}
