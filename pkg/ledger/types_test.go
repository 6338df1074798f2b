package ledger

import (
	"errors"
	"strings"
	"testing"
)

func TestValueConstructorsTrimAndReject(test *testing.T) {
	test.Parallel()
	userID, err := NewUserID("  user-1 ")
	if err != nil || userID.String() != "user-1" {
		test.Fatalf("expected trimmed user id, got %q (%v)", userID, err)
	}
	if _, err := NewUserID("   "); !errors.Is(err, ErrInvalidUserID) {
		test.Fatalf("expected ErrInvalidUserID, got %v", err)
	}
	if _, err := NewIdempotencyKey(""); !errors.Is(err, ErrInvalidIdempotencyKey) {
		test.Fatalf("expected ErrInvalidIdempotencyKey, got %v", err)
	}
	if _, err := NewSource("\t"); !errors.Is(err, ErrInvalidSource) {
		test.Fatalf("expected ErrInvalidSource, got %v", err)
	}
	if _, err := NewCorrelationID(""); !errors.Is(err, ErrInvalidCorrelationID) {
		test.Fatalf("expected ErrInvalidCorrelationID, got %v", err)
	}
	if _, err := NewPositiveAmountCents(0); !errors.Is(err, ErrInvalidAmountCents) {
		test.Fatalf("expected ErrInvalidAmountCents for zero, got %v", err)
	}
	if _, err := NewAmountCents(-1); !errors.Is(err, ErrInvalidAmountCents) {
		test.Fatalf("expected ErrInvalidAmountCents for negative, got %v", err)
	}
}

func TestNewIdempotencyKeyEnforcesColumnWidth(test *testing.T) {
	test.Parallel()
	if _, err := NewIdempotencyKey(strings.Repeat("k", MaxIdempotencyKeyLength)); err != nil {
		test.Fatalf("expected a key at the column width to be accepted, got %v", err)
	}
	if _, err := NewIdempotencyKey(strings.Repeat("k", MaxIdempotencyKeyLength+1)); !errors.Is(err, ErrInvalidIdempotencyKey) {
		test.Fatalf("expected ErrInvalidIdempotencyKey for an oversized key, got %v", err)
	}
	base, err := NewIdempotencyKey(strings.Repeat("k", MaxIdempotencyKeyLength-FinalizeKeyOverhead))
	if err != nil {
		test.Fatalf("base key: %v", err)
	}
	for _, suffix := range []string{idempotencySuffixRelease, idempotencySuffixCharge} {
		if _, err := deriveIdempotencyKey(base, suffix); err != nil {
			test.Fatalf("derived %s key must fit: %v", suffix, err)
		}
	}
}

func TestMetadataJSONDefaultsAndValidates(test *testing.T) {
	test.Parallel()
	metadata, err := NewMetadataJSON("")
	if err != nil || metadata.String() != "{}" {
		test.Fatalf("expected default metadata, got %q (%v)", metadata.String(), err)
	}
	if (MetadataJSON{}).String() != "{}" {
		test.Fatalf("expected zero metadata to render as {}")
	}
	if _, err := NewMetadataJSON("{broken"); !errors.Is(err, ErrInvalidMetadataJSON) {
		test.Fatalf("expected ErrInvalidMetadataJSON, got %v", err)
	}
}

func TestParseEntryTypeAndStatus(test *testing.T) {
	test.Parallel()
	if entryType, err := ParseEntryType(" ai_charge "); err != nil || entryType != EntryAICharge {
		test.Fatalf("expected ai_charge, got %q (%v)", entryType, err)
	}
	if _, err := ParseEntryType("hold"); !errors.Is(err, ErrInvalidEntryType) {
		test.Fatalf("expected ErrInvalidEntryType, got %v", err)
	}
	if status, err := ParseEntryStatus("refunded"); err != nil || status != EntryStatusRefunded {
		test.Fatalf("expected refunded, got %q (%v)", status, err)
	}
	if _, err := ParseEntryStatus("void"); !errors.Is(err, ErrInvalidEntryStatus) {
		test.Fatalf("expected ErrInvalidEntryStatus, got %v", err)
	}
}

func TestNewEntryInputEnforcesReservationShape(test *testing.T) {
	test.Parallel()
	userID := mustUserID(test, "shape-user")
	source := mustSource(test, SourceUsage)
	key := mustIdempotencyKey(test, "shape-key")
	correlationID, err := NewCorrelationID("shape-corr")
	if err != nil {
		test.Fatalf("correlation id: %v", err)
	}

	testCases := []struct {
		name          string
		amount        SignedAmountCents
		entryType     EntryType
		status        EntryStatus
		correlationID CorrelationID
		target        error
	}{
		{name: "valid reserve", amount: -10, entryType: EntryAIReserve, status: EntryStatusReserved, correlationID: correlationID},
		{name: "valid charge", amount: -10, entryType: EntryAICharge, status: EntryStatusPosted},
		{name: "reserve posted", amount: -10, entryType: EntryAIReserve, status: EntryStatusPosted, correlationID: correlationID, target: ErrInvalidEntryStatus},
		{name: "reserve credit", amount: 10, entryType: EntryAIReserve, status: EntryStatusReserved, correlationID: correlationID, target: ErrInvalidAmountCents},
		{name: "reserve without correlation", amount: -10, entryType: EntryAIReserve, status: EntryStatusReserved, target: ErrInvalidCorrelationID},
		{name: "charge with lifecycle", amount: -10, entryType: EntryAICharge, status: EntryStatusFinalized, target: ErrInvalidEntryStatus},
		{name: "unknown type", amount: 10, entryType: EntryType("bonus"), status: EntryStatusPosted, target: ErrInvalidEntryType},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			_, err := NewEntryInput(userID, testCase.amount, source, key, testCase.entryType, testCase.status, testCase.correlationID, EntryDetails{}, 1)
			if testCase.target == nil {
				if err != nil {
					test.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, testCase.target) {
				test.Fatalf("expected %v, got %v", testCase.target, err)
			}
		})
	}
}

func TestWrapErrorFormatsAndUnwraps(test *testing.T) {
	test.Parallel()
	if WrapError("store", "entry", "insert", nil) != nil {
		test.Fatalf("expected nil for nil cause")
	}
	wrapped := WrapError("store", "entry", "insert", ErrUnknownReservation)
	if wrapped.Error() != "store.entry.insert: not found: unknown reservation" {
		test.Fatalf("unexpected message: %s", wrapped.Error())
	}
	if !errors.Is(wrapped, ErrNotFound) {
		test.Fatalf("expected wrapped error to match its category")
	}
	var operationError OperationError
	if !errors.As(wrapped, &operationError) || operationError.Code() != "insert" || operationError.Subject() != "entry" || operationError.Operation() != "store" {
		test.Fatalf("expected OperationError metadata, got %+v", operationError)
	}
}
