package oplog

import (
	"context"
	"errors"
	"testing"

	"github.com/MarkoPoloResearchLab/creditengine/pkg/ledger"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogOperationLevels(test *testing.T) {
	test.Parallel()
	core, logs := observer.New(zapcore.InfoLevel)
	operationLogger := New(zap.New(core))
	userID, err := ledger.NewUserID("user-1")
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	correlationID, err := ledger.NewCorrelationID("corr-1")
	if err != nil {
		test.Fatalf("correlation id: %v", err)
	}

	operationLogger.LogOperation(context.Background(), ledger.OperationLog{Operation: "reserve", UserID: userID, CorrelationID: correlationID, Amount: -40, Status: "ok"})
	operationLogger.LogOperation(context.Background(), ledger.OperationLog{Operation: "spend", UserID: userID, Status: "error", Error: errors.New("boom")})

	entries := logs.All()
	if len(entries) != 2 {
		test.Fatalf("expected 2 log entries, got %d", len(entries))
	}
	if entries[0].Level != zapcore.InfoLevel || entries[0].ContextMap()["correlation_id"] != "corr-1" || entries[0].ContextMap()["amount_cents"] != int64(-40) {
		test.Fatalf("unexpected info entry: %+v", entries[0])
	}
	if entries[1].Level != zapcore.WarnLevel || entries[1].ContextMap()["error"] != "boom" {
		test.Fatalf("unexpected warn entry: %+v", entries[1])
	}
	if _, present := entries[1].ContextMap()["correlation_id"]; present {
		test.Fatalf("expected no correlation id for uncorrelated operation")
	}
}
