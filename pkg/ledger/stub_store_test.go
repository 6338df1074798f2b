package ledger

import (
	"context"
	"sort"
	"sync"
	"testing"
)

type stubStore struct {
	mutex       sync.Mutex
	entries     []Entry
	nextID      int64
	lockedUsers []string
	// racer, when set, is inserted in place of the next InsertEntry call to simulate a concurrent writer.
	racer *EntryInput
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.mutex.Lock()
	snapshot := append([]Entry(nil), store.entries...)
	nextID := store.nextID
	store.mutex.Unlock()
	if err := fn(ctx, store); err != nil {
		store.mutex.Lock()
		store.entries = snapshot
		store.nextID = nextID
		store.mutex.Unlock()
		return err
	}
	return nil
}

func (store *stubStore) LockAccount(_ context.Context, userID UserID) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.lockedUsers = append(store.lockedUsers, userID.String())
	return nil
}

func (store *stubStore) FindEntryByIdempotencyKey(_ context.Context, userID UserID, idempotencyKey IdempotencyKey) (Entry, bool, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	for _, entry := range store.entries {
		if entry.UserID == userID && entry.IdempotencyKey == idempotencyKey {
			return entry, true, nil
		}
	}
	return Entry{}, false, nil
}

func (store *stubStore) InsertEntry(_ context.Context, input EntryInput) (Entry, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.racer != nil {
		racer := *store.racer
		store.racer = nil
		store.appendLocked(racer)
		return Entry{}, ErrDuplicateIdempotencyKey
	}
	for _, entry := range store.entries {
		if entry.UserID == input.UserID && entry.IdempotencyKey == input.IdempotencyKey {
			return Entry{}, ErrDuplicateIdempotencyKey
		}
	}
	return store.appendLocked(input), nil
}

func (store *stubStore) appendLocked(input EntryInput) Entry {
	store.nextID++
	entry := Entry{
		EntryID:        store.nextID,
		UserID:         input.UserID,
		AmountCents:    input.AmountCents,
		Source:         input.Source,
		SourceRef:      input.SourceRef,
		IdempotencyKey: input.IdempotencyKey,
		Type:           input.Type,
		Status:         input.Status,
		CorrelationID:  input.CorrelationID,
		Description:    input.Description,
		Currency:       input.Currency,
		PackKey:        input.PackKey,
		Metadata:       input.Metadata,
		CreatedUnixUTC: input.CreatedUnixUTC,
	}
	store.entries = append(store.entries, entry)
	return entry
}

func (store *stubStore) GetReservation(_ context.Context, userID UserID, correlationID CorrelationID, _ bool) (Entry, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	for _, entry := range store.entries {
		if entry.UserID == userID && entry.CorrelationID == correlationID && entry.Type == EntryAIReserve {
			return entry, nil
		}
	}
	return Entry{}, ErrUnknownReservation
}

func (store *stubStore) UpdateReservationStatus(_ context.Context, entryID int64, from, to EntryStatus) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	for index := range store.entries {
		if store.entries[index].EntryID != entryID {
			continue
		}
		if store.entries[index].Status != from {
			return ErrReservationClosed
		}
		store.entries[index].Status = to
		return nil
	}
	return ErrUnknownReservation
}

func (store *stubStore) ListCorrelatedEntries(_ context.Context, userID UserID, correlationID CorrelationID) ([]Entry, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	var correlated []Entry
	for _, entry := range store.entries {
		if entry.UserID == userID && entry.CorrelationID == correlationID {
			correlated = append(correlated, entry)
		}
	}
	return correlated, nil
}

func (store *stubStore) SumBalance(_ context.Context, userID UserID) (BalanceSummary, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	var summary BalanceSummary
	for _, entry := range store.entries {
		if entry.UserID != userID {
			continue
		}
		summary.Balance += entry.AmountCents
		if entry.AmountCents > 0 {
			summary.TotalGranted += AmountCents(entry.AmountCents)
		} else {
			summary.TotalSpent += AmountCents(entry.AmountCents.Abs())
		}
	}
	return summary, nil
}

func (store *stubStore) ListEntries(_ context.Context, userID UserID, limit int, offset int) ([]Entry, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	var owned []Entry
	for _, entry := range store.entries {
		if entry.UserID == userID {
			owned = append(owned, entry)
		}
	}
	sort.Slice(owned, func(left, right int) bool {
		if owned[left].CreatedUnixUTC != owned[right].CreatedUnixUTC {
			return owned[left].CreatedUnixUTC > owned[right].CreatedUnixUTC
		}
		return owned[left].EntryID > owned[right].EntryID
	})
	if offset >= len(owned) {
		return nil, nil
	}
	owned = owned[offset:]
	if len(owned) > limit {
		owned = owned[:limit]
	}
	return owned, nil
}

func (store *stubStore) ListStaleReservations(_ context.Context, createdBeforeUnixUTC int64, limit int) ([]Entry, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	var stale []Entry
	for _, entry := range store.entries {
		if entry.Type == EntryAIReserve && entry.Status == EntryStatusReserved && entry.CreatedUnixUTC <= createdBeforeUnixUTC {
			stale = append(stale, entry)
		}
		if len(stale) == limit {
			break
		}
	}
	return stale, nil
}

func (store *stubStore) countEntries() int {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return len(store.entries)
}

type failingStore struct {
	*stubStore
	err error
}

func newFailingStore(test *testing.T, err error) *failingStore {
	test.Helper()
	return &failingStore{stubStore: newStubStore(test), err: err}
}

func (store *failingStore) WithTx(context.Context, func(ctx context.Context, txStore Store) error) error {
	return store.err
}

func (store *failingStore) SumBalance(context.Context, UserID) (BalanceSummary, error) {
	return BalanceSummary{}, store.err
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	clock := int64(1_700_000_000)
	service, err := NewService(store, func() int64 {
		clock++
		return clock
	}, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	userID, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func mustIdempotencyKey(test *testing.T, raw string) IdempotencyKey {
	test.Helper()
	key, err := NewIdempotencyKey(raw)
	if err != nil {
		test.Fatalf("idempotency key: %v", err)
	}
	return key
}

func mustSource(test *testing.T, raw string) Source {
	test.Helper()
	source, err := NewSource(raw)
	if err != nil {
		test.Fatalf("source: %v", err)
	}
	return source
}

func mustPositiveAmount(test *testing.T, raw int64) PositiveAmountCents {
	test.Helper()
	amount, err := NewPositiveAmountCents(raw)
	if err != nil {
		test.Fatalf("positive amount: %v", err)
	}
	return amount
}

func mustAmount(test *testing.T, raw int64) AmountCents {
	test.Helper()
	amount, err := NewAmountCents(raw)
	if err != nil {
		test.Fatalf("amount: %v", err)
	}
	return amount
}

func mustGrantInput(test *testing.T, userID UserID, amount int64, key string) EntryInput {
	test.Helper()
	input, err := NewEntryInput(userID, SignedAmountCents(amount), mustSource(test, SourceAdmin), mustIdempotencyKey(test, key), EntryCreditPurchase, EntryStatusPosted, CorrelationID{}, EntryDetails{}, 0)
	if err != nil {
		test.Fatalf("grant input: %v", err)
	}
	return input
}

func mustGrant(test *testing.T, service *Service, userID UserID, amount int64, key string) Entry {
	test.Helper()
	entry, err := service.ApplyEntry(context.Background(), mustGrantInput(test, userID, amount, key))
	if err != nil {
		test.Fatalf("grant: %v", err)
	}
	return entry
}

func mustBalance(test *testing.T, service *Service, userID UserID) SignedAmountCents {
	test.Helper()
	balance, err := service.Balance(context.Background(), userID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	return balance
}
