// Package reconcile refunds reservations that were never settled.
package reconcile

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/creditengine/pkg/ledger"
	"go.uber.org/zap"
)

const (
	defaultInterval  = time.Minute
	defaultMaxAge    = 15 * time.Minute
	defaultBatchSize = 100

	keyPrefix    = "reconcile:"
	refundReason = "reservation expired"
)

// Ledger is the subset of ledger.Service the sweeper drives.
type Ledger interface {
	Now() int64
	StaleReservations(ctx context.Context, cutoffUnixUTC int64, limit int) ([]ledger.Reservation, error)
	Refund(ctx context.Context, userID ledger.UserID, correlationID ledger.CorrelationID, idempotencyKey ledger.IdempotencyKey, reason string) (ledger.Refund, error)
}

// Config controls how often and how aggressively the sweeper runs.
type Config struct {
	Interval  time.Duration
	MaxAge    time.Duration
	BatchSize int
}

// Report summarizes one sweep.
type Report struct {
	Refunded int
	Skipped  int
	Failed   int
}

// Sweeper periodically refunds reservations older than MaxAge.
type Sweeper struct {
	ledger    Ledger
	logger    *zap.Logger
	interval  time.Duration
	maxAge    time.Duration
	batchSize int

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func NewSweeper(ledgerService Ledger, config Config, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Interval <= 0 {
		config.Interval = defaultInterval
	}
	if config.MaxAge <= 0 {
		config.MaxAge = defaultMaxAge
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaultBatchSize
	}
	return &Sweeper{
		ledger:    ledgerService,
		logger:    logger.Named("reconcile"),
		interval:  config.Interval,
		maxAge:    config.MaxAge,
		batchSize: config.BatchSize,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start runs the sweep loop until ctx is cancelled or Stop is called.
func (sweeper *Sweeper) Start(ctx context.Context) {
	defer close(sweeper.doneCh)
	sweeper.logger.Info("sweeper started", zap.Duration("interval", sweeper.interval), zap.Duration("max_age", sweeper.maxAge))

	ticker := time.NewTicker(sweeper.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			sweeper.logger.Info("sweeper exiting", zap.Error(ctx.Err()))
			return
		case <-sweeper.stopCh:
			sweeper.logger.Info("sweeper stopped")
			return
		case <-ticker.C:
			if _, err := sweeper.SweepOnce(ctx); err != nil {
				sweeper.logger.Warn("sweep failed", zap.Error(err))
			}
		}
	}
}

// Stop ends the loop and waits for Start to return.
func (sweeper *Sweeper) Stop() {
	sweeper.stopOnce.Do(func() { close(sweeper.stopCh) })
	<-sweeper.doneCh
}

// SweepOnce refunds one batch of stale reservations.
func (sweeper *Sweeper) SweepOnce(ctx context.Context) (Report, error) {
	cutoff := sweeper.ledger.Now() - int64(sweeper.maxAge/time.Second)
	reservations, err := sweeper.ledger.StaleReservations(ctx, cutoff, sweeper.batchSize)
	if err != nil {
		return Report{}, err
	}
	var report Report
	for _, reservation := range reservations {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		key, err := ledger.NewIdempotencyKey(keyPrefix + reservation.CorrelationID.String())
		if err != nil {
			report.Failed++
			continue
		}
		_, err = sweeper.ledger.Refund(ctx, reservation.Entry.UserID, reservation.CorrelationID, key, refundReason)
		switch {
		case err == nil:
			report.Refunded++
			sweeper.logger.Info("stale reservation refunded",
				zap.String("user_id", reservation.Entry.UserID.String()),
				zap.String("correlation_id", reservation.CorrelationID.String()),
				zap.Int64("amount_cents", int64(reservation.HeldCents())),
			)
		case errors.Is(err, ledger.ErrInvalidState):
			// settled between listing and refunding
			report.Skipped++
		default:
			report.Failed++
			sweeper.logger.Warn("stale reservation refund failed",
				zap.String("user_id", reservation.Entry.UserID.String()),
				zap.String("correlation_id", reservation.CorrelationID.String()),
				zap.Error(err),
			)
		}
	}
	return report, nil
}
