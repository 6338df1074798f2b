package gormstore

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/MarkoPoloResearchLab/creditengine/pkg/settlement"
)

func TestGetOrCreateUsageRecordIsIdempotent(test *testing.T) {
	test.Parallel()
	store := NewUsageStore(openTestDatabase(test))

	first, err := store.GetOrCreateUsageRecord(context.Background(), "usage-user", "token-1", 1_700_000_000)
	if err != nil {
		test.Fatalf("create: %v", err)
	}
	if first.ID == 0 || first.Status != settlement.UsageStatusPending {
		test.Fatalf("unexpected record: %+v", first)
	}
	second, err := store.GetOrCreateUsageRecord(context.Background(), "usage-user", "token-1", 1_700_000_100)
	if err != nil {
		test.Fatalf("load: %v", err)
	}
	if second.ID != first.ID || second.CreatedUnixUTC != first.CreatedUnixUTC {
		test.Fatalf("expected the same record, got %+v", second)
	}
	other, err := store.GetOrCreateUsageRecord(context.Background(), "other-user", "token-1", 1_700_000_000)
	if err != nil {
		test.Fatalf("create other: %v", err)
	}
	if other.ID == first.ID {
		test.Fatalf("expected tokens to be scoped per user")
	}
}

func TestUpdateUsageRecordCompareAndSet(test *testing.T) {
	test.Parallel()
	store := NewUsageStore(openTestDatabase(test))
	record, err := store.GetOrCreateUsageRecord(context.Background(), "cas-user", "token", 1_700_000_000)
	if err != nil {
		test.Fatalf("create: %v", err)
	}

	record.Status = settlement.UsageStatusReserving
	record.ReservedCents = 42
	record.UpdatedUnixUTC = 1_700_000_010
	if err := store.UpdateUsageRecord(context.Background(), record, settlement.UsageStatusPending); err != nil {
		test.Fatalf("pending to reserving: %v", err)
	}
	err = store.UpdateUsageRecord(context.Background(), record, settlement.UsageStatusPending)
	if !errors.Is(err, settlement.ErrUsageRecordConflict) {
		test.Fatalf("expected conflict on stale expectation, got %v", err)
	}
	err = store.UpdateUsageRecord(context.Background(), record, settlement.UsageStatusReserving)
	if !errors.Is(err, settlement.ErrUsageRecordConflict) {
		test.Fatalf("expected conflict on stale version, got %v", err)
	}
	record.Version++

	record.Status = settlement.UsageStatusSucceeded
	record.ResponseText = "hello"
	record.ActualCents = 10
	if err := store.UpdateUsageRecord(context.Background(), record, settlement.UsageStatusReserving); err != nil {
		test.Fatalf("reserving to succeeded: %v", err)
	}
	stored, found, err := store.GetUsageRecord(context.Background(), "cas-user", "token")
	if err != nil || !found {
		test.Fatalf("get: found=%v err=%v", found, err)
	}
	if stored.Status != settlement.UsageStatusSucceeded || stored.ResponseText != "hello" || stored.ReservedCents != 42 || stored.ActualCents != 10 {
		test.Fatalf("unexpected stored record: %+v", stored)
	}

	record.Status = settlement.UsageStatusFailed
	err = store.UpdateUsageRecord(context.Background(), record, settlement.UsageStatusSucceeded)
	if !errors.Is(err, settlement.ErrUsageRecordConflict) {
		test.Fatalf("expected terminal records to refuse updates, got %v", err)
	}
}

func TestUpdateUsageRecordAdmitsOneWriterPerVersion(test *testing.T) {
	test.Parallel()
	store := NewUsageStore(openTestDatabase(test))
	record, err := store.GetOrCreateUsageRecord(context.Background(), "resume-user", "token", 1_700_000_000)
	if err != nil {
		test.Fatalf("create: %v", err)
	}
	record.Status = settlement.UsageStatusReserving
	record.UpdatedUnixUTC = 1_700_000_000
	if err := store.UpdateUsageRecord(context.Background(), record, settlement.UsageStatusPending); err != nil {
		test.Fatalf("pending to reserving: %v", err)
	}

	// Two callers load the same stale reserving record.
	first, _, err := store.GetUsageRecord(context.Background(), "resume-user", "token")
	if err != nil {
		test.Fatalf("get: %v", err)
	}
	second := first
	first.UpdatedUnixUTC = 1_700_000_600
	if err := store.UpdateUsageRecord(context.Background(), first, settlement.UsageStatusReserving); err != nil {
		test.Fatalf("first resume: %v", err)
	}
	second.UpdatedUnixUTC = 1_700_000_600
	err = store.UpdateUsageRecord(context.Background(), second, settlement.UsageStatusReserving)
	if !errors.Is(err, settlement.ErrUsageRecordConflict) {
		test.Fatalf("expected the second resume to lose, got %v", err)
	}
	stored, _, err := store.GetUsageRecord(context.Background(), "resume-user", "token")
	if err != nil {
		test.Fatalf("get: %v", err)
	}
	if stored.Version != first.Version+1 {
		test.Fatalf("expected version %d, got %d", first.Version+1, stored.Version)
	}
}

func TestTruncateKeepsRuneBoundaries(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name  string
		value string
		limit int
		want  string
	}{
		{name: "short", value: "refund failed", limit: 64, want: "refund failed"},
		{name: "ascii", value: "abcdef", limit: 4, want: "abcd"},
		{name: "inside two byte rune", value: "abcé", limit: 4, want: "abc"},
		{name: "inside four byte rune", value: "ab😀", limit: 5, want: "ab"},
		{name: "on boundary", value: "ab😀c", limit: 6, want: "ab😀"},
	}
	for _, testCase := range testCases {
		got := truncate(testCase.value, testCase.limit)
		if got != testCase.want || !utf8.ValidString(got) {
			test.Fatalf("%s: expected %q, got %q", testCase.name, testCase.want, got)
		}
	}
}

func TestFailedRecordErrorMessageStaysValidUTF8(test *testing.T) {
	test.Parallel()
	store := NewUsageStore(openTestDatabase(test))
	record, err := store.GetOrCreateUsageRecord(context.Background(), "utf8-user", "token", 1_700_000_000)
	if err != nil {
		test.Fatalf("create: %v", err)
	}
	record.Status = settlement.UsageStatusReserving
	if err := store.UpdateUsageRecord(context.Background(), record, settlement.UsageStatusPending); err != nil {
		test.Fatalf("pending to reserving: %v", err)
	}
	record.Version++
	record.Status = settlement.UsageStatusFailed
	record.ErrorMessage = "x" + strings.Repeat("é", maxErrorMessageLength)
	if err := store.UpdateUsageRecord(context.Background(), record, settlement.UsageStatusReserving); err != nil {
		test.Fatalf("reserving to failed: %v", err)
	}
	stored, _, err := store.GetUsageRecord(context.Background(), "utf8-user", "token")
	if err != nil {
		test.Fatalf("get: %v", err)
	}
	if len(stored.ErrorMessage) > maxErrorMessageLength || !utf8.ValidString(stored.ErrorMessage) {
		test.Fatalf("expected a valid message of at most %d bytes, got %d bytes", maxErrorMessageLength, len(stored.ErrorMessage))
	}
}
