package reconcile_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/creditengine/internal/reconcile"
	"github.com/MarkoPoloResearchLab/creditengine/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/creditengine/pkg/ledger"
	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newLedger(test *testing.T, clock *atomic.Int64) *ledger.Service {
	test.Helper()
	db, err := gorm.Open(sqlite.Open(test.TempDir()+"/reconcile.db"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		test.Fatalf("sqlite open failed: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		test.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	test.Cleanup(func() { _ = sqlDB.Close() })
	if err := gormstore.Migrate(db); err != nil {
		test.Fatalf("automigrate failed: %v", err)
	}
	service, err := ledger.NewService(gormstore.New(db), clock.Load)
	if err != nil {
		test.Fatalf("ledger service: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw string) ledger.UserID {
	test.Helper()
	userID, err := ledger.NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func mustKey(test *testing.T, raw string) ledger.IdempotencyKey {
	test.Helper()
	key, err := ledger.NewIdempotencyKey(raw)
	if err != nil {
		test.Fatalf("idempotency key: %v", err)
	}
	return key
}

func mustAmount(test *testing.T, cents int64) ledger.PositiveAmountCents {
	test.Helper()
	amount, err := ledger.NewPositiveAmountCents(cents)
	if err != nil {
		test.Fatalf("amount: %v", err)
	}
	return amount
}

func grant(test *testing.T, service *ledger.Service, userID ledger.UserID, cents int64) {
	test.Helper()
	source, err := ledger.NewSource(ledger.SourceAdmin)
	if err != nil {
		test.Fatalf("source: %v", err)
	}
	input, err := ledger.NewEntryInput(userID, ledger.SignedAmountCents(cents), source, mustKey(test, "seed-"+userID.String()), ledger.EntryCreditPurchase, ledger.EntryStatusPosted, ledger.CorrelationID{}, ledger.EntryDetails{}, 0)
	if err != nil {
		test.Fatalf("input: %v", err)
	}
	if _, err := service.ApplyEntry(context.Background(), input); err != nil {
		test.Fatalf("grant: %v", err)
	}
}

func TestSweepOnceRefundsOnlyExpiredReservations(test *testing.T) {
	test.Parallel()
	var clock atomic.Int64
	clock.Store(1_700_000_000)
	service := newLedger(test, &clock)
	userID := mustUserID(test, "sweep-user")
	grant(test, service, userID, 1000)

	stale, err := service.Reserve(context.Background(), userID, mustAmount(test, 300), mustKey(test, "stale"), ledger.EntryDetails{})
	if err != nil {
		test.Fatalf("reserve stale: %v", err)
	}
	settled, err := service.Reserve(context.Background(), userID, mustAmount(test, 200), mustKey(test, "settled"), ledger.EntryDetails{})
	if err != nil {
		test.Fatalf("reserve settled: %v", err)
	}
	actual, err := ledger.NewAmountCents(150)
	if err != nil {
		test.Fatalf("amount: %v", err)
	}
	if _, err := service.Finalize(context.Background(), userID, settled.CorrelationID, actual, mustKey(test, "settled-final")); err != nil {
		test.Fatalf("finalize: %v", err)
	}

	clock.Add(int64(20 * time.Minute / time.Second))
	fresh, err := service.Reserve(context.Background(), userID, mustAmount(test, 100), mustKey(test, "fresh"), ledger.EntryDetails{})
	if err != nil {
		test.Fatalf("reserve fresh: %v", err)
	}

	core, logs := observer.New(zap.InfoLevel)
	sweeper := reconcile.NewSweeper(service, reconcile.Config{MaxAge: 15 * time.Minute}, zap.New(core))
	report, err := sweeper.SweepOnce(context.Background())
	if err != nil {
		test.Fatalf("sweep: %v", err)
	}
	if report != (reconcile.Report{Refunded: 1}) {
		test.Fatalf("unexpected report %+v", report)
	}
	if logs.FilterMessage("stale reservation refunded").Len() != 1 {
		test.Fatalf("expected one refund log, got %d", logs.FilterMessage("stale reservation refunded").Len())
	}

	staleView, err := service.GetReservation(context.Background(), userID, stale.CorrelationID)
	if err != nil {
		test.Fatalf("get stale: %v", err)
	}
	if staleView.Entry.Status != ledger.EntryStatusRefunded {
		test.Fatalf("expected stale reservation refunded, got %s", staleView.Entry.Status)
	}
	freshView, err := service.GetReservation(context.Background(), userID, fresh.CorrelationID)
	if err != nil {
		test.Fatalf("get fresh: %v", err)
	}
	if freshView.Entry.Status != ledger.EntryStatusReserved {
		test.Fatalf("expected fresh reservation held, got %s", freshView.Entry.Status)
	}
	// 1000 - 150 charged - 100 still held
	balance, err := service.Balance(context.Background(), userID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance != 750 {
		test.Fatalf("expected balance 750, got %d", balance)
	}

	second, err := sweeper.SweepOnce(context.Background())
	if err != nil {
		test.Fatalf("second sweep: %v", err)
	}
	if second != (reconcile.Report{}) {
		test.Fatalf("expected empty second sweep, got %+v", second)
	}
}

type scriptedLedger struct {
	reservations []ledger.Reservation
	listErr      error
	refundErr    error
	refunds      atomic.Int64
}

func (scripted *scriptedLedger) Now() int64 { return 1_700_000_000 }

func (scripted *scriptedLedger) StaleReservations(context.Context, int64, int) ([]ledger.Reservation, error) {
	return scripted.reservations, scripted.listErr
}

func (scripted *scriptedLedger) Refund(context.Context, ledger.UserID, ledger.CorrelationID, ledger.IdempotencyKey, string) (ledger.Refund, error) {
	scripted.refunds.Add(1)
	return ledger.Refund{}, scripted.refundErr
}

func scriptedReservation(test *testing.T) ledger.Reservation {
	test.Helper()
	correlationID, err := ledger.NewCorrelationID("corr-1")
	if err != nil {
		test.Fatalf("correlation id: %v", err)
	}
	return ledger.Reservation{
		Entry:         ledger.Entry{UserID: mustUserID(test, "scripted"), AmountCents: -50, CorrelationID: correlationID},
		CorrelationID: correlationID,
	}
}

func TestSweepOnceClassifiesRefundErrors(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name      string
		refundErr error
		expected  reconcile.Report
	}{
		{name: "settled concurrently", refundErr: ledger.ErrReservationFinalized, expected: reconcile.Report{Skipped: 1}},
		{name: "store failure", refundErr: errors.New("disk full"), expected: reconcile.Report{Failed: 1}},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			scripted := &scriptedLedger{reservations: []ledger.Reservation{scriptedReservation(test)}, refundErr: testCase.refundErr}
			report, err := reconcile.NewSweeper(scripted, reconcile.Config{}, nil).SweepOnce(context.Background())
			if err != nil {
				test.Fatalf("sweep: %v", err)
			}
			if report != testCase.expected {
				test.Fatalf("expected %+v, got %+v", testCase.expected, report)
			}
		})
	}
}

func TestSweepOncePropagatesListFailure(test *testing.T) {
	test.Parallel()
	listErr := errors.New("query failed")
	scripted := &scriptedLedger{listErr: listErr}
	if _, err := reconcile.NewSweeper(scripted, reconcile.Config{}, nil).SweepOnce(context.Background()); !errors.Is(err, listErr) {
		test.Fatalf("expected list error, got %v", err)
	}
}

func TestStartSweepsUntilStopped(test *testing.T) {
	test.Parallel()
	scripted := &scriptedLedger{reservations: []ledger.Reservation{scriptedReservation(test)}}
	sweeper := reconcile.NewSweeper(scripted, reconcile.Config{Interval: 5 * time.Millisecond}, nil)
	go sweeper.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for scripted.refunds.Load() < 2 {
		if time.Now().After(deadline) {
			test.Fatalf("expected repeated sweeps, got %d refunds", scripted.refunds.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
	sweeper.Stop()
	sweeper.Stop()
}
