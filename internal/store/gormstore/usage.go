package gormstore

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"

	"github.com/MarkoPoloResearchLab/creditengine/pkg/settlement"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	errorCodeCreate = "create"
	errorCodeUpdate = "update"
)

// UsageStore implements settlement.UsageStore using GORM.
type UsageStore struct {
	db *gorm.DB
}

// NewUsageStore returns a UsageStore backed by gorm.DB.
func NewUsageStore(db *gorm.DB) *UsageStore {
	return &UsageStore{db: db}
}

func (store *UsageStore) GetOrCreateUsageRecord(ctx context.Context, userID string, idempotencyKey string, nowUnixUTC int64) (settlement.UsageRecord, error) {
	now := time.Unix(nowUnixUTC, 0).UTC()
	row := UsageRecord{
		UserID:         userID,
		IdempotencyKey: idempotencyKey,
		Status:         string(settlement.UsageStatusPending),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "idempotency_key"}},
			DoNothing: true,
		}).
		Create(&row).Error
	if err != nil && !isIdempotencyConflict(err) {
		return settlement.UsageRecord{}, wrapStoreError(errorSubjectUsage, errorCodeCreate, err)
	}
	var stored UsageRecord
	err = store.db.WithContext(ctx).
		Where("user_id = ? AND idempotency_key = ?", userID, idempotencyKey).
		Take(&stored).Error
	if err != nil {
		return settlement.UsageRecord{}, wrapStoreError(errorSubjectUsage, errorCodeGet, err)
	}
	return mapUsageRecord(stored), nil
}

// UpdateUsageRecord writes every mutable column when the stored status and version still match.
func (store *UsageStore) UpdateUsageRecord(ctx context.Context, record settlement.UsageRecord, expected settlement.UsageStatus) error {
	if expected.IsTerminal() {
		return wrapStoreError(errorSubjectUsage, errorCodeUpdate, settlement.ErrUsageRecordConflict)
	}
	updatedAt := time.Unix(record.UpdatedUnixUTC, 0).UTC()
	if record.UpdatedUnixUTC == 0 {
		updatedAt = time.Now().UTC()
	}
	result := store.db.WithContext(ctx).
		Model(&UsageRecord{}).
		Where("id = ? AND status = ? AND version = ?", record.ID, string(expected), record.Version).
		Updates(map[string]interface{}{
			"status":               string(record.Status),
			"model":                record.Model,
			"correlation_id":       record.CorrelationID,
			"reserved_cents":       record.ReservedCents,
			"actual_cents":         record.ActualCents,
			"refunded_cents":       record.RefundedCents,
			"prompt_tokens":        record.PromptTokens,
			"completion_tokens":    record.CompletionTokens,
			"balance_after_cents":  record.BalanceAfterCents,
			"response_text":        record.ResponseText,
			"provider_response_id": record.ProviderResponseID,
			"error_message":        truncate(record.ErrorMessage, maxErrorMessageLength),
			"version":              record.Version + 1,
			"updated_at":           updatedAt,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectUsage, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectUsage, errorCodeUpdate, settlement.ErrUsageRecordConflict)
	}
	return nil
}

// GetUsageRecord loads a record without creating it.
func (store *UsageStore) GetUsageRecord(ctx context.Context, userID string, idempotencyKey string) (settlement.UsageRecord, bool, error) {
	var stored UsageRecord
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND idempotency_key = ?", userID, idempotencyKey).
		Take(&stored).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return settlement.UsageRecord{}, false, nil
	}
	if err != nil {
		return settlement.UsageRecord{}, false, wrapStoreError(errorSubjectUsage, errorCodeGet, err)
	}
	return mapUsageRecord(stored), true, nil
}

const maxErrorMessageLength = 1024

// truncate cuts value to at most limit bytes without splitting a rune.
func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(value[cut]) {
		cut--
	}
	return value[:cut]
}

func mapUsageRecord(row UsageRecord) settlement.UsageRecord {
	return settlement.UsageRecord{
		ID:                 row.ID,
		UserID:             row.UserID,
		IdempotencyKey:     row.IdempotencyKey,
		Status:             settlement.UsageStatus(row.Status),
		Model:              row.Model,
		CorrelationID:      row.CorrelationID,
		ReservedCents:      row.ReservedCents,
		ActualCents:        row.ActualCents,
		RefundedCents:      row.RefundedCents,
		PromptTokens:       row.PromptTokens,
		CompletionTokens:   row.CompletionTokens,
		BalanceAfterCents:  row.BalanceAfterCents,
		ResponseText:       row.ResponseText,
		ProviderResponseID: row.ProviderResponseID,
		ErrorMessage:       row.ErrorMessage,
		CreatedUnixUTC:     row.CreatedAt.Unix(),
		UpdatedUnixUTC:     row.UpdatedAt.Unix(),
		Version:            row.Version,
	}
}
