// Package settlement charges for AI chat completions out of the credit ledger.
package settlement

import (
	"context"

	"github.com/MarkoPoloResearchLab/creditengine/pkg/ledger"
)

// Message is one chat turn sent to the provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the provider-facing request.
type ChatRequest struct {
	Model     string
	Messages  []Message
	MaxTokens int64
	User      string
}

// ChatCompletion is the provider's answer with the token counts it reports.
type ChatCompletion struct {
	ID               string
	Model            string
	Text             string
	PromptTokens     int64
	CompletionTokens int64
}

// Provider performs the external AI call.
type Provider interface {
	Chat(ctx context.Context, request ChatRequest) (ChatCompletion, error)
}

// UsageStatus is the lifecycle of a UsageRecord.
type UsageStatus string

const (
	UsageStatusPending   UsageStatus = "pending"
	UsageStatusReserving UsageStatus = "reserving"
	UsageStatusSucceeded UsageStatus = "succeeded"
	UsageStatusFailed    UsageStatus = "failed"
)

// IsTerminal reports whether the status can no longer change.
func (status UsageStatus) IsTerminal() bool {
	return status == UsageStatusSucceeded || status == UsageStatusFailed
}

// UsageRecord tracks one AI call attempt per (user, idempotency token).
type UsageRecord struct {
	ID                 int64
	UserID             string
	IdempotencyKey     string
	Status             UsageStatus
	Model              string
	CorrelationID      string
	ReservedCents      int64
	ActualCents        int64
	RefundedCents      int64
	PromptTokens       int64
	CompletionTokens   int64
	BalanceAfterCents  int64
	ResponseText       string
	ProviderResponseID string
	ErrorMessage       string
	CreatedUnixUTC     int64
	UpdatedUnixUTC     int64
	// Version counts successful updates and guards every compare-and-set.
	Version int64
}

func (record UsageRecord) hasCompletion() bool {
	return record.ResponseText != "" || record.ProviderResponseID != "" || record.PromptTokens > 0 || record.CompletionTokens > 0
}

// UsageStore persists usage records.
type UsageStore interface {
	// GetOrCreateUsageRecord returns the record for (userID, idempotencyKey), creating it pending when absent.
	GetOrCreateUsageRecord(ctx context.Context, userID string, idempotencyKey string, nowUnixUTC int64) (UsageRecord, error)
	// UpdateUsageRecord writes record and bumps its version when the stored status equals expected and the
	// stored version equals record.Version; ErrUsageRecordConflict otherwise.
	UpdateUsageRecord(ctx context.Context, record UsageRecord, expected UsageStatus) error
}

// Ledger is the subset of ledger.Service the orchestrator drives.
type Ledger interface {
	Reserve(ctx context.Context, userID ledger.UserID, amount ledger.PositiveAmountCents, idempotencyKey ledger.IdempotencyKey, details ledger.EntryDetails) (ledger.Reservation, error)
	Finalize(ctx context.Context, userID ledger.UserID, correlationID ledger.CorrelationID, actualAmount ledger.AmountCents, idempotencyKey ledger.IdempotencyKey) (ledger.Finalization, error)
	Refund(ctx context.Context, userID ledger.UserID, correlationID ledger.CorrelationID, idempotencyKey ledger.IdempotencyKey, reason string) (ledger.Refund, error)
	Spend(ctx context.Context, userID ledger.UserID, amount ledger.PositiveAmountCents, idempotencyKey ledger.IdempotencyKey, correlationID ledger.CorrelationID, details ledger.EntryDetails) (ledger.Entry, error)
	Balance(ctx context.Context, userID ledger.UserID) (ledger.SignedAmountCents, error)
}

// RunChatRequest is the orchestrator input.
type RunChatRequest struct {
	UserID           string
	IdempotencyToken string
	Model            string
	Messages         []Message
}

// ChatResult is what RunChat returns, identically on replay.
type ChatResult struct {
	ResponseText     string `json:"response_text"`
	Model            string `json:"model"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
	CreditsUsed      int64  `json:"credits_used"`
	CreditsRefunded  int64  `json:"credits_refunded"`
	CreditsReserved  int64  `json:"credits_reserved"`
	BalanceAfter     int64  `json:"balance_after"`
	CorrelationID    string `json:"correlation_id"`
	Replayed         bool   `json:"-"`
}

// ResultCache is an optional fast path for replays; the usage record stays authoritative.
type ResultCache interface {
	Get(ctx context.Context, userID string, idempotencyToken string) (ChatResult, bool, error)
	Set(ctx context.Context, userID string, idempotencyToken string, result ChatResult) error
}

// UsageEvent is emitted when a usage record reaches a terminal status.
type UsageEvent struct {
	UserID           string      `json:"user_id"`
	IdempotencyToken string      `json:"idempotency_token"`
	Status           UsageStatus `json:"status"`
	Model            string      `json:"model"`
	CorrelationID    string      `json:"correlation_id,omitempty"`
	ReservedCents    int64       `json:"reserved_cents"`
	ActualCents      int64       `json:"actual_cents"`
	RefundedCents    int64       `json:"refunded_cents"`
	PromptTokens     int64       `json:"prompt_tokens"`
	CompletionTokens int64       `json:"completion_tokens"`
	Error            string      `json:"error,omitempty"`
	OccurredUnixUTC  int64       `json:"occurred_unix_utc"`
}

// EventPublisher delivers usage events.
type EventPublisher interface {
	PublishUsage(ctx context.Context, event UsageEvent) error
}
