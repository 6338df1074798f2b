// Package oplog reports ledger operations through zap.
package oplog

import (
	"context"

	"github.com/MarkoPoloResearchLab/creditengine/pkg/ledger"
	"go.uber.org/zap"
)

// Logger adapts a zap.Logger to ledger.OperationLogger.
type Logger struct {
	logger *zap.Logger
}

// New returns a Logger writing to logger, or a no-op logger when nil.
func New(logger *zap.Logger) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{logger: logger.Named("ledger")}
}

func (operationLogger *Logger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("user_id", entry.UserID.String()),
		zap.Int64("amount_cents", entry.Amount.Int64()),
		zap.String("idempotency_key", entry.IdempotencyKey.String()),
		zap.String("status", entry.Status),
		zap.Bool("replayed", entry.Replayed),
	}
	if !entry.CorrelationID.IsZero() {
		fields = append(fields, zap.String("correlation_id", entry.CorrelationID.String()))
	}
	if entry.Error != nil {
		operationLogger.logger.Warn("ledger operation failed", append(fields, zap.Error(entry.Error))...)
		return
	}
	operationLogger.logger.Info("ledger operation", fields...)
}
