package ledger

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestNewServiceValidatesDependencies(test *testing.T) {
	test.Parallel()
	if _, err := NewService(nil, func() int64 { return 0 }); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig for nil store, got %v", err)
	}
	if _, err := NewService(newStubStore(test), nil); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig for nil clock, got %v", err)
	}
}

func TestApplyEntryReturnsFirstEntryOnReplay(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	userID := mustUserID(test, "apply-user")

	first := mustGrant(test, service, userID, 500, "grant-1")
	second, err := service.ApplyEntry(context.Background(), mustGrantInput(test, userID, 900, "grant-1"))
	if err != nil {
		test.Fatalf("replay apply: %v", err)
	}
	if second.EntryID != first.EntryID || second.AmountCents != 500 {
		test.Fatalf("expected replay of first entry, got %+v", second)
	}
	if balance := mustBalance(test, service, userID); balance != 500 {
		test.Fatalf("expected balance 500, got %d", balance)
	}
	if store.countEntries() != 1 {
		test.Fatalf("expected 1 entry, got %d", store.countEntries())
	}
}

func TestApplyEntryRejectsInvalidInput(test *testing.T) {
	test.Parallel()
	service := mustNewService(test, newStubStore(test))
	userID := mustUserID(test, "apply-invalid")

	testCases := []struct {
		name   string
		mutate func(input *EntryInput)
		target error
	}{
		{name: "empty key", mutate: func(input *EntryInput) { input.IdempotencyKey = IdempotencyKey{} }, target: ErrInvalidIdempotencyKey},
		{name: "empty source", mutate: func(input *EntryInput) { input.Source = Source{} }, target: ErrInvalidSource},
		{name: "reserve type", mutate: func(input *EntryInput) { input.Type = EntryAIReserve }, target: ErrInvalidEntryType},
		{name: "non posted status", mutate: func(input *EntryInput) { input.Status = EntryStatusFinalized }, target: ErrInvalidEntryType},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			input := mustGrantInput(test, userID, 10, "apply-invalid-key")
			testCase.mutate(&input)
			_, err := service.ApplyEntry(context.Background(), input)
			if !errors.Is(err, testCase.target) {
				test.Fatalf("expected %v, got %v", testCase.target, err)
			}
			if !errors.Is(err, ErrInvalidArgument) {
				test.Fatalf("expected invalid argument category, got %v", err)
			}
		})
	}
}

func TestApplyEntryResolvesConcurrentInsertConflict(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	userID := mustUserID(test, "race-user")
	winner := mustGrantInput(test, userID, 300, "race-key")
	store.racer = &winner

	entry, err := service.ApplyEntry(context.Background(), mustGrantInput(test, userID, 700, "race-key"))
	if err != nil {
		test.Fatalf("apply: %v", err)
	}
	if entry.AmountCents != 300 {
		test.Fatalf("expected the concurrent winner to be returned, got %+v", entry)
	}
	if balance := mustBalance(test, service, userID); balance != 300 {
		test.Fatalf("expected balance 300, got %d", balance)
	}
}

func TestReserveHoldsFundsAndReplays(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store, WithCorrelationIDGenerator(func() string { return "corr-1" }))
	userID := mustUserID(test, "reserve-user")
	mustGrant(test, service, userID, 10000, "seed")

	reservation, err := service.Reserve(context.Background(), userID, mustPositiveAmount(test, 3000), mustIdempotencyKey(test, "r1"), EntryDetails{Description: "chat"})
	if err != nil {
		test.Fatalf("reserve: %v", err)
	}
	if reservation.CorrelationID.String() != "corr-1" || reservation.Replayed {
		test.Fatalf("unexpected reservation: %+v", reservation)
	}
	if reservation.Entry.Type != EntryAIReserve || reservation.Entry.Status != EntryStatusReserved || reservation.Entry.AmountCents != -3000 {
		test.Fatalf("unexpected reserve entry: %+v", reservation.Entry)
	}
	if reservation.HeldCents() != 3000 {
		test.Fatalf("expected 3000 held, got %d", reservation.HeldCents())
	}
	if balance := mustBalance(test, service, userID); balance != 7000 {
		test.Fatalf("expected balance 7000, got %d", balance)
	}
	if len(store.lockedUsers) == 0 || store.lockedUsers[len(store.lockedUsers)-1] != userID.String() {
		test.Fatalf("expected account lock for %s, got %v", userID, store.lockedUsers)
	}

	replay, err := service.Reserve(context.Background(), userID, mustPositiveAmount(test, 3000), mustIdempotencyKey(test, "r1"), EntryDetails{})
	if err != nil {
		test.Fatalf("replay reserve: %v", err)
	}
	if !replay.Replayed || replay.CorrelationID != reservation.CorrelationID || replay.Entry.EntryID != reservation.Entry.EntryID {
		test.Fatalf("expected replayed reservation, got %+v", replay)
	}
	if balance := mustBalance(test, service, userID); balance != 7000 {
		test.Fatalf("expected balance unchanged at 7000, got %d", balance)
	}
}

func TestReserveInsufficientCreditsWritesNothing(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	userID := mustUserID(test, "poor-user")
	mustGrant(test, service, userID, 100, "seed")

	_, err := service.Reserve(context.Background(), userID, mustPositiveAmount(test, 500), mustIdempotencyKey(test, "r2"), EntryDetails{})
	if !errors.Is(err, ErrInsufficientCredits) {
		test.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	if balance := mustBalance(test, service, userID); balance != 100 {
		test.Fatalf("expected balance 100, got %d", balance)
	}
	if store.countEntries() != 1 {
		test.Fatalf("expected only the seed entry, got %d", store.countEntries())
	}
}

func TestReserveRejectsKeyOwnedByAnotherEntryType(test *testing.T) {
	test.Parallel()
	service := mustNewService(test, newStubStore(test))
	userID := mustUserID(test, "reuse-user")
	mustGrant(test, service, userID, 1000, "shared-key")

	_, err := service.Reserve(context.Background(), userID, mustPositiveAmount(test, 10), mustIdempotencyKey(test, "shared-key"), EntryDetails{})
	if !errors.Is(err, ErrIdempotencyKeyReused) {
		test.Fatalf("expected ErrIdempotencyKeyReused, got %v", err)
	}
}

func TestFinalizeReleasesHoldAndChargesActual(test *testing.T) {
	test.Parallel()
	service := mustNewService(test, newStubStore(test))
	userID := mustUserID(test, "finalize-user")
	mustGrant(test, service, userID, 10000, "seed")
	reservation, err := service.Reserve(context.Background(), userID, mustPositiveAmount(test, 3000), mustIdempotencyKey(test, "r1"), EntryDetails{})
	if err != nil {
		test.Fatalf("reserve: %v", err)
	}

	finalization, err := service.Finalize(context.Background(), userID, reservation.CorrelationID, mustAmount(test, 1200), mustIdempotencyKey(test, "f1"))
	if err != nil {
		test.Fatalf("finalize: %v", err)
	}
	if finalization.Release.Type != EntryAIRelease || finalization.Release.AmountCents != 3000 {
		test.Fatalf("unexpected release: %+v", finalization.Release)
	}
	if finalization.Charge.Type != EntryAICharge || finalization.Charge.AmountCents != -1200 {
		test.Fatalf("unexpected charge: %+v", finalization.Charge)
	}
	if finalization.Release.CorrelationID != reservation.CorrelationID || finalization.Charge.CorrelationID != reservation.CorrelationID {
		test.Fatalf("expected entries to share the reservation correlation id")
	}
	if finalization.Release.EntryID >= finalization.Charge.EntryID {
		test.Fatalf("expected release before charge")
	}
	if balance := mustBalance(test, service, userID); balance != 8800 {
		test.Fatalf("expected balance 8800, got %d", balance)
	}

	replay, err := service.Finalize(context.Background(), userID, reservation.CorrelationID, mustAmount(test, 1200), mustIdempotencyKey(test, "f1"))
	if err != nil {
		test.Fatalf("replay finalize: %v", err)
	}
	if !replay.Replayed || replay.Release.EntryID != finalization.Release.EntryID || replay.Charge.EntryID != finalization.Charge.EntryID {
		test.Fatalf("expected replay of original entries, got %+v", replay)
	}
	if balance := mustBalance(test, service, userID); balance != 8800 {
		test.Fatalf("expected balance to stay 8800, got %d", balance)
	}
	current, err := service.GetReservation(context.Background(), userID, reservation.CorrelationID)
	if err != nil {
		test.Fatalf("get reservation: %v", err)
	}
	if current.Entry.Status != EntryStatusFinalized {
		test.Fatalf("expected finalized, got %s", current.Entry.Status)
	}
}

func TestFinalizeConservesBalanceForAnyActual(test *testing.T) {
	test.Parallel()
	for _, actual := range []int64{0, 1, 499, 500} {
		actual := actual
		test.Run(fmt.Sprintf("actual_%d", actual), func(test *testing.T) {
			test.Parallel()
			service := mustNewService(test, newStubStore(test))
			userID := mustUserID(test, "conserve-user")
			mustGrant(test, service, userID, 1000, "seed")
			reservation, err := service.Reserve(context.Background(), userID, mustPositiveAmount(test, 500), mustIdempotencyKey(test, "reserve"), EntryDetails{})
			if err != nil {
				test.Fatalf("reserve: %v", err)
			}
			if _, err := service.Finalize(context.Background(), userID, reservation.CorrelationID, mustAmount(test, actual), mustIdempotencyKey(test, "finalize")); err != nil {
				test.Fatalf("finalize: %v", err)
			}
			if balance := mustBalance(test, service, userID); balance != SignedAmountCents(1000-actual) {
				test.Fatalf("expected balance %d, got %d", 1000-actual, balance)
			}
		})
	}
}

func TestFinalizeRejectsActualAboveReserved(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	userID := mustUserID(test, "overrun-user")
	mustGrant(test, service, userID, 1000, "seed")
	reservation, err := service.Reserve(context.Background(), userID, mustPositiveAmount(test, 500), mustIdempotencyKey(test, "reserve"), EntryDetails{})
	if err != nil {
		test.Fatalf("reserve: %v", err)
	}

	_, err = service.Finalize(context.Background(), userID, reservation.CorrelationID, mustAmount(test, 700), mustIdempotencyKey(test, "finalize"))
	if !errors.Is(err, ErrActualExceedsReserved) || !errors.Is(err, ErrInvalidArgument) {
		test.Fatalf("expected ErrActualExceedsReserved, got %v", err)
	}
	if store.countEntries() != 2 {
		test.Fatalf("expected no entries written, got %d", store.countEntries())
	}
	current, err := service.GetReservation(context.Background(), userID, reservation.CorrelationID)
	if err != nil {
		test.Fatalf("get reservation: %v", err)
	}
	if current.Entry.Status != EntryStatusReserved {
		test.Fatalf("expected reservation to stay reserved, got %s", current.Entry.Status)
	}
}

func TestFinalizeUnknownReservation(test *testing.T) {
	test.Parallel()
	service := mustNewService(test, newStubStore(test))
	userID := mustUserID(test, "unknown-user")
	correlationID, err := NewCorrelationID("missing")
	if err != nil {
		test.Fatalf("correlation id: %v", err)
	}
	_, err = service.Finalize(context.Background(), userID, correlationID, mustAmount(test, 1), mustIdempotencyKey(test, "finalize"))
	if !errors.Is(err, ErrNotFound) {
		test.Fatalf("expected ErrNotFound, got %v", err)
	}
	_, err = service.Refund(context.Background(), userID, correlationID, mustIdempotencyKey(test, "refund"), "")
	if !errors.Is(err, ErrNotFound) {
		test.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRefundRestoresBalanceAndReplays(test *testing.T) {
	test.Parallel()
	service := mustNewService(test, newStubStore(test))
	userID := mustUserID(test, "refund-user")
	mustGrant(test, service, userID, 2000, "seed")
	reservation, err := service.Reserve(context.Background(), userID, mustPositiveAmount(test, 750), mustIdempotencyKey(test, "reserve"), EntryDetails{})
	if err != nil {
		test.Fatalf("reserve: %v", err)
	}

	refund, err := service.Refund(context.Background(), userID, reservation.CorrelationID, mustIdempotencyKey(test, "refund"), "provider error")
	if err != nil {
		test.Fatalf("refund: %v", err)
	}
	if refund.Entry.Type != EntryAIRefund || refund.Entry.AmountCents != 750 || refund.Entry.Description != "provider error" {
		test.Fatalf("unexpected refund entry: %+v", refund.Entry)
	}
	if balance := mustBalance(test, service, userID); balance != 2000 {
		test.Fatalf("expected balance restored to 2000, got %d", balance)
	}

	replay, err := service.Refund(context.Background(), userID, reservation.CorrelationID, mustIdempotencyKey(test, "refund-again"), "")
	if err != nil {
		test.Fatalf("replay refund: %v", err)
	}
	if !replay.Replayed || replay.Entry.EntryID != refund.Entry.EntryID {
		test.Fatalf("expected replay of original refund, got %+v", replay)
	}
	if balance := mustBalance(test, service, userID); balance != 2000 {
		test.Fatalf("expected balance to stay 2000, got %d", balance)
	}
}

func TestFinalizeAndRefundAreMutuallyExclusive(test *testing.T) {
	test.Parallel()
	service := mustNewService(test, newStubStore(test))
	userID := mustUserID(test, "exclusive-user")
	mustGrant(test, service, userID, 2000, "seed")

	finalized, err := service.Reserve(context.Background(), userID, mustPositiveAmount(test, 100), mustIdempotencyKey(test, "reserve-a"), EntryDetails{})
	if err != nil {
		test.Fatalf("reserve a: %v", err)
	}
	if _, err := service.Finalize(context.Background(), userID, finalized.CorrelationID, mustAmount(test, 60), mustIdempotencyKey(test, "finalize-a")); err != nil {
		test.Fatalf("finalize a: %v", err)
	}
	_, err = service.Refund(context.Background(), userID, finalized.CorrelationID, mustIdempotencyKey(test, "refund-a"), "")
	if !errors.Is(err, ErrReservationFinalized) || !errors.Is(err, ErrInvalidState) {
		test.Fatalf("expected ErrReservationFinalized, got %v", err)
	}

	refunded, err := service.Reserve(context.Background(), userID, mustPositiveAmount(test, 100), mustIdempotencyKey(test, "reserve-b"), EntryDetails{})
	if err != nil {
		test.Fatalf("reserve b: %v", err)
	}
	if _, err := service.Refund(context.Background(), userID, refunded.CorrelationID, mustIdempotencyKey(test, "refund-b"), ""); err != nil {
		test.Fatalf("refund b: %v", err)
	}
	_, err = service.Finalize(context.Background(), userID, refunded.CorrelationID, mustAmount(test, 10), mustIdempotencyKey(test, "finalize-b"))
	if !errors.Is(err, ErrReservationRefunded) || !errors.Is(err, ErrInvalidState) {
		test.Fatalf("expected ErrReservationRefunded, got %v", err)
	}
	if balance := mustBalance(test, service, userID); balance != 1940 {
		test.Fatalf("expected balance 1940, got %d", balance)
	}
}

func TestSpendDebitsAndReplays(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	userID := mustUserID(test, "spend-user")
	mustGrant(test, service, userID, 300, "seed")

	entry, err := service.Spend(context.Background(), userID, mustPositiveAmount(test, 200), mustIdempotencyKey(test, "spend-1"), CorrelationID{}, EntryDetails{Description: "delta"})
	if err != nil {
		test.Fatalf("spend: %v", err)
	}
	if entry.Type != EntryAICharge || entry.AmountCents != -200 || entry.Status != EntryStatusPosted {
		test.Fatalf("unexpected spend entry: %+v", entry)
	}
	replay, err := service.Spend(context.Background(), userID, mustPositiveAmount(test, 200), mustIdempotencyKey(test, "spend-1"), CorrelationID{}, EntryDetails{})
	if err != nil {
		test.Fatalf("replay spend: %v", err)
	}
	if replay.EntryID != entry.EntryID {
		test.Fatalf("expected replay of spend entry, got %+v", replay)
	}
	_, err = service.Spend(context.Background(), userID, mustPositiveAmount(test, 200), mustIdempotencyKey(test, "spend-2"), CorrelationID{}, EntryDetails{})
	if !errors.Is(err, ErrInsufficientCredits) {
		test.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	if balance := mustBalance(test, service, userID); balance != 100 {
		test.Fatalf("expected balance 100, got %d", balance)
	}
}

func TestBalanceSummaryAggregatesGrantsAndSpends(test *testing.T) {
	test.Parallel()
	service := mustNewService(test, newStubStore(test))
	userID := mustUserID(test, "summary-user")
	mustGrant(test, service, userID, 1000, "seed-1")
	mustGrant(test, service, userID, 500, "seed-2")
	if _, err := service.Spend(context.Background(), userID, mustPositiveAmount(test, 300), mustIdempotencyKey(test, "spend"), CorrelationID{}, EntryDetails{}); err != nil {
		test.Fatalf("spend: %v", err)
	}

	summary, err := service.BalanceSummary(context.Background(), userID)
	if err != nil {
		test.Fatalf("summary: %v", err)
	}
	if summary.Balance != 1200 || summary.TotalGranted != 1500 || summary.TotalSpent != 300 {
		test.Fatalf("unexpected summary: %+v", summary)
	}
}

func TestListEntriesNewestFirstWithCappedLimit(test *testing.T) {
	test.Parallel()
	service := mustNewService(test, newStubStore(test))
	userID := mustUserID(test, "list-user")
	for index := 0; index < 210; index++ {
		mustGrant(test, service, userID, 1, fmt.Sprintf("grant-%d", index))
	}

	entries, err := service.ListEntries(context.Background(), userID, 500, 0)
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	if len(entries) != maxListEntriesLimit {
		test.Fatalf("expected %d entries, got %d", maxListEntriesLimit, len(entries))
	}
	if entries[0].IdempotencyKey.String() != "grant-209" {
		test.Fatalf("expected newest entry first, got %s", entries[0].IdempotencyKey)
	}

	defaults, err := service.ListEntries(context.Background(), userID, 0, 205)
	if err != nil {
		test.Fatalf("list defaults: %v", err)
	}
	if len(defaults) != 5 {
		test.Fatalf("expected 5 entries past offset 205, got %d", len(defaults))
	}
	if _, err := service.ListEntries(context.Background(), userID, 10, -1); !errors.Is(err, ErrInvalidListLimit) {
		test.Fatalf("expected ErrInvalidListLimit, got %v", err)
	}
}

func TestStaleReservationsListsOnlyHeldReservations(test *testing.T) {
	test.Parallel()
	service := mustNewService(test, newStubStore(test))
	userID := mustUserID(test, "stale-user")
	mustGrant(test, service, userID, 1000, "seed")
	held, err := service.Reserve(context.Background(), userID, mustPositiveAmount(test, 100), mustIdempotencyKey(test, "held"), EntryDetails{})
	if err != nil {
		test.Fatalf("reserve held: %v", err)
	}
	settled, err := service.Reserve(context.Background(), userID, mustPositiveAmount(test, 100), mustIdempotencyKey(test, "settled"), EntryDetails{})
	if err != nil {
		test.Fatalf("reserve settled: %v", err)
	}
	if _, err := service.Refund(context.Background(), userID, settled.CorrelationID, mustIdempotencyKey(test, "settled-refund"), ""); err != nil {
		test.Fatalf("refund: %v", err)
	}

	stale, err := service.StaleReservations(context.Background(), service.Now(), 10)
	if err != nil {
		test.Fatalf("stale: %v", err)
	}
	if len(stale) != 1 || stale[0].CorrelationID != held.CorrelationID {
		test.Fatalf("expected only the held reservation, got %+v", stale)
	}
}
