package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/creditengine/pkg/ledger"
	"github.com/MarkoPoloResearchLab/creditengine/pkg/pricing"
	"go.uber.org/zap"
)

const (
	keySuffixReserve  = "::reserve"
	keySuffixRefund   = "::refund"
	keySuffixFinalize = "::finalize"
	keySuffixDelta    = "::delta"

	defaultModel               = "gpt-4o-mini"
	defaultMaxCompletionTokens = 1024
	defaultBufferPercent       = 20
	defaultInFlightTimeout     = 2 * time.Minute

	// The finalize key is the longest derived ledger key.
	maxIdempotencyTokenLength = ledger.MaxIdempotencyKeyLength - len(keySuffixFinalize) - ledger.FinalizeKeyOverhead

	refundReasonUpstream          = "upstream call failed"
	refundReasonInsufficientDelta = "insufficient credits for usage above reservation"
	refundReasonSettlement        = "settlement failed"
)

// Config tunes reservation sizing.
type Config struct {
	DefaultModel        string
	MaxCompletionTokens int64
	BufferPercent       int64
	// InFlightTimeout is how long a reserving record blocks other calls with the same token before it is resumed.
	InFlightTimeout time.Duration
}

func (config Config) withDefaults() Config {
	config.DefaultModel = strings.TrimSpace(config.DefaultModel)
	if config.DefaultModel == "" {
		config.DefaultModel = defaultModel
	}
	if config.MaxCompletionTokens <= 0 {
		config.MaxCompletionTokens = defaultMaxCompletionTokens
	}
	if config.BufferPercent < 0 {
		config.BufferPercent = defaultBufferPercent
	}
	if config.InFlightTimeout <= 0 {
		config.InFlightTimeout = defaultInFlightTimeout
	}
	return config
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the orchestrator logger.
func WithLogger(logger *zap.Logger) Option {
	return func(orchestrator *Orchestrator) {
		if logger != nil {
			orchestrator.logger = logger
		}
	}
}

// WithResultCache enables the replay cache.
func WithResultCache(cache ResultCache) Option {
	return func(orchestrator *Orchestrator) {
		orchestrator.cache = cache
	}
}

// WithEventPublisher enables usage events.
func WithEventPublisher(publisher EventPublisher) Option {
	return func(orchestrator *Orchestrator) {
		orchestrator.events = publisher
	}
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(orchestrator *Orchestrator) {
		if now != nil {
			orchestrator.now = now
		}
	}
}

// Orchestrator runs the reserve, provider call, finalize-or-refund saga.
type Orchestrator struct {
	ledger   Ledger
	usage    UsageStore
	provider Provider
	rates    *pricing.RateTable
	config   Config
	logger   *zap.Logger
	cache    ResultCache
	events   EventPublisher
	now      func() time.Time
}

// NewOrchestrator validates dependencies and applies defaults.
func NewOrchestrator(ledgerService Ledger, usage UsageStore, provider Provider, rates *pricing.RateTable, config Config, options ...Option) (*Orchestrator, error) {
	switch {
	case ledgerService == nil:
		return nil, fmt.Errorf("%w: ledger is nil", ErrInvalidOrchestratorConfig)
	case usage == nil:
		return nil, fmt.Errorf("%w: usage store is nil", ErrInvalidOrchestratorConfig)
	case provider == nil:
		return nil, fmt.Errorf("%w: provider is nil", ErrInvalidOrchestratorConfig)
	case rates == nil:
		return nil, fmt.Errorf("%w: rate table is nil", ErrInvalidOrchestratorConfig)
	}
	orchestrator := &Orchestrator{
		ledger:   ledgerService,
		usage:    usage,
		provider: provider,
		rates:    rates,
		config:   config.withDefaults(),
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, option := range options {
		if option != nil {
			option(orchestrator)
		}
	}
	return orchestrator, nil
}

// RunChat charges the user for one chat completion. Calls repeating a succeeded token return the stored
// result without touching the provider or the ledger.
func (orchestrator *Orchestrator) RunChat(ctx context.Context, request RunChatRequest) (ChatResult, error) {
	userID, err := ledger.NewUserID(request.UserID)
	if err != nil {
		return ChatResult{}, err
	}
	token := strings.TrimSpace(request.IdempotencyToken)
	if token == "" {
		return ChatResult{}, fmt.Errorf("%w: empty idempotency token", ledger.ErrInvalidIdempotencyKey)
	}
	if len(token) > maxIdempotencyTokenLength {
		return ChatResult{}, fmt.Errorf("%w: idempotency token longer than %d bytes", ledger.ErrInvalidIdempotencyKey, maxIdempotencyTokenLength)
	}
	if len(request.Messages) == 0 {
		return ChatResult{}, fmt.Errorf("%w: messages are required", ErrInvalidRequest)
	}

	if result, found := orchestrator.cachedResult(ctx, userID.String(), token); found {
		return result, nil
	}

	record, err := orchestrator.usage.GetOrCreateUsageRecord(ctx, userID.String(), token, orchestrator.now().Unix())
	if err != nil {
		return ChatResult{}, err
	}
	switch record.Status {
	case UsageStatusSucceeded:
		result := resultFromRecord(record)
		result.Replayed = true
		return result, nil
	case UsageStatusFailed:
		return ChatResult{}, fmt.Errorf("%w: %s", ErrUsageFailed, record.ErrorMessage)
	case UsageStatusReserving:
		if orchestrator.now().Sub(time.Unix(record.UpdatedUnixUTC, 0)) < orchestrator.config.InFlightTimeout {
			return ChatResult{}, ErrUsageInProgress
		}
		orchestrator.logger.Warn("resuming stale usage attempt",
			zap.String("user_id", userID.String()),
			zap.String("idempotency_token", token),
			zap.String("correlation_id", record.CorrelationID),
		)
	}
	keys, err := newStepKeys(token)
	if err != nil {
		return ChatResult{}, err
	}
	return orchestrator.settle(ctx, userID, keys, request, record)
}

func (orchestrator *Orchestrator) settle(ctx context.Context, userID ledger.UserID, keys stepKeys, request RunChatRequest, record UsageRecord) (ChatResult, error) {
	model := strings.TrimSpace(request.Model)
	if record.Status == UsageStatusReserving && record.Model != "" {
		model = record.Model
	}
	if model == "" {
		model = orchestrator.config.DefaultModel
	}
	promptEstimate := pricing.EstimateMessageTokens(pricingMessages(request.Messages))
	baseCents, err := orchestrator.rates.EstimateCost(model, promptEstimate, orchestrator.config.MaxCompletionTokens)
	if err != nil {
		return ChatResult{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	previousStatus := record.Status
	record.Status = UsageStatusReserving
	record.Model = model
	record.ReservedCents = pricing.ApplyBuffer(baseCents, orchestrator.config.BufferPercent)
	record.UpdatedUnixUTC = orchestrator.now().Unix()
	if err := orchestrator.transition(ctx, &record, previousStatus); err != nil {
		if errors.Is(err, ErrUsageRecordConflict) {
			return ChatResult{}, ErrUsageInProgress
		}
		return ChatResult{}, err
	}

	amount, err := ledger.NewPositiveAmountCents(record.ReservedCents)
	if err != nil {
		return ChatResult{}, orchestrator.fail(ctx, record, err)
	}
	reservation, err := orchestrator.ledger.Reserve(ctx, userID, amount, keys.reserve, ledger.EntryDetails{Description: "chat " + model})
	if err != nil {
		return ChatResult{}, orchestrator.fail(ctx, record, err)
	}
	record.ReservedCents = int64(reservation.HeldCents())
	record.CorrelationID = reservation.CorrelationID.String()
	switch reservation.Entry.Status {
	case ledger.EntryStatusReserved:
	case ledger.EntryStatusFinalized:
		return orchestrator.recoverSettled(ctx, userID, keys, record, reservation.CorrelationID)
	case ledger.EntryStatusRefunded:
		record.RefundedCents = record.ReservedCents
		record.ActualCents = 0
		return ChatResult{}, orchestrator.fail(ctx, record, fmt.Errorf("%w: reservation was refunded by an earlier attempt", ErrUsageFailed))
	default:
		return ChatResult{}, orchestrator.fail(ctx, record, fmt.Errorf("%w: reservation is %s", ledger.ErrInvalidState, reservation.Entry.Status))
	}
	if err := orchestrator.transition(ctx, &record, UsageStatusReserving); err != nil {
		return ChatResult{}, orchestrator.abandon(ctx, userID, keys, record, err)
	}

	if record.hasCompletion() {
		orchestrator.logger.Warn("settling stored completion",
			zap.String("user_id", userID.String()),
			zap.String("correlation_id", record.CorrelationID),
		)
	} else {
		completion, err := orchestrator.provider.Chat(ctx, ChatRequest{
			Model:     model,
			Messages:  request.Messages,
			MaxTokens: orchestrator.config.MaxCompletionTokens,
			User:      userID.String(),
		})
		if err != nil {
			return ChatResult{}, orchestrator.refundAndFail(ctx, userID, keys, record, refundReasonUpstream, fmt.Errorf("%w: %v", ErrUpstreamFailed, err))
		}
		actualCents, err := orchestrator.rates.EstimateCost(model, completion.PromptTokens, completion.CompletionTokens)
		if err != nil {
			return ChatResult{}, orchestrator.refundAndFail(ctx, userID, keys, record, refundReasonUpstream, fmt.Errorf("%w: %v", ErrUpstreamFailed, err))
		}
		// The completion is stored before any charge so a resumed attempt can always rebuild the result.
		record.PromptTokens = completion.PromptTokens
		record.CompletionTokens = completion.CompletionTokens
		record.ActualCents = actualCents
		record.ResponseText = completion.Text
		record.ProviderResponseID = completion.ID
		record.UpdatedUnixUTC = orchestrator.now().Unix()
		if err := orchestrator.transition(ctx, &record, UsageStatusReserving); err != nil {
			return ChatResult{}, orchestrator.abandon(ctx, userID, keys, record, err)
		}
	}

	if record.ActualCents <= record.ReservedCents {
		if err := orchestrator.finalize(ctx, userID, keys, reservation.CorrelationID, record.ActualCents); err != nil {
			return ChatResult{}, orchestrator.refundAndFail(ctx, userID, keys, record, refundReasonSettlement, err)
		}
		record.RefundedCents = record.ReservedCents - record.ActualCents
	} else if err := orchestrator.chargeOverrun(ctx, userID, keys, &record, reservation.CorrelationID); err != nil {
		return ChatResult{}, err
	}
	return orchestrator.succeed(ctx, userID, record), nil
}

// recoverSettled completes an attempt whose reservation was finalized before its record reached succeeded.
func (orchestrator *Orchestrator) recoverSettled(ctx context.Context, userID ledger.UserID, keys stepKeys, record UsageRecord, correlationID ledger.CorrelationID) (ChatResult, error) {
	orchestrator.logger.Warn("recovering settled usage attempt",
		zap.String("user_id", userID.String()),
		zap.String("correlation_id", correlationID.String()),
	)
	if !record.hasCompletion() {
		return ChatResult{}, orchestrator.fail(ctx, record, ErrSettledResponseUnavailable)
	}
	if record.ActualCents > record.ReservedCents {
		if err := orchestrator.spendDelta(ctx, userID, keys, &record, correlationID); err != nil {
			return ChatResult{}, err
		}
	} else {
		record.RefundedCents = record.ReservedCents - record.ActualCents
	}
	return orchestrator.succeed(ctx, userID, record), nil
}

func (orchestrator *Orchestrator) succeed(ctx context.Context, userID ledger.UserID, record UsageRecord) ChatResult {
	record.Status = UsageStatusSucceeded
	record.BalanceAfterCents = orchestrator.balanceAfter(ctx, userID)
	record.UpdatedUnixUTC = orchestrator.now().Unix()
	if err := orchestrator.transition(ctx, &record, UsageStatusReserving); err != nil {
		orchestrator.logger.Error("persist succeeded usage record",
			zap.String("user_id", userID.String()),
			zap.String("idempotency_token", record.IdempotencyKey),
			zap.Error(err),
		)
	}

	result := resultFromRecord(record)
	orchestrator.storeResult(ctx, userID.String(), record.IdempotencyKey, result)
	orchestrator.publish(ctx, record)
	return result
}

// chargeOverrun settles a call whose actual cost exceeds the hold: finalize the hold, then spend the delta.
func (orchestrator *Orchestrator) chargeOverrun(ctx context.Context, userID ledger.UserID, keys stepKeys, record *UsageRecord, correlationID ledger.CorrelationID) error {
	delta := record.ActualCents - record.ReservedCents
	balance, err := orchestrator.ledger.Balance(ctx, userID)
	if err != nil {
		return orchestrator.refundAndFail(ctx, userID, keys, *record, refundReasonSettlement, err)
	}
	if balance.Int64() < delta {
		cause := fmt.Errorf("%w: usage exceeded reservation by %d cents", ledger.ErrInsufficientCredits, delta)
		return orchestrator.refundAndFail(ctx, userID, keys, *record, refundReasonInsufficientDelta, cause)
	}
	if err := orchestrator.finalize(ctx, userID, keys, correlationID, record.ReservedCents); err != nil {
		return orchestrator.refundAndFail(ctx, userID, keys, *record, refundReasonSettlement, err)
	}
	return orchestrator.spendDelta(ctx, userID, keys, record, correlationID)
}

// spendDelta charges the usage above a finalized hold. The delta key makes a repeated charge a replay.
func (orchestrator *Orchestrator) spendDelta(ctx context.Context, userID ledger.UserID, keys stepKeys, record *UsageRecord, correlationID ledger.CorrelationID) error {
	delta := record.ActualCents - record.ReservedCents
	deltaAmount, err := ledger.NewPositiveAmountCents(delta)
	if err != nil {
		return orchestrator.fail(ctx, *record, err)
	}
	_, err = orchestrator.ledger.Spend(ctx, userID, deltaAmount, keys.delta, correlationID, ledger.EntryDetails{Description: "chat overrun " + record.Model})
	if err != nil {
		orchestrator.logger.Error("delta charge failed after finalize",
			zap.String("user_id", userID.String()),
			zap.String("correlation_id", correlationID.String()),
			zap.Int64("delta_cents", delta),
			zap.Error(err),
		)
		record.ActualCents = record.ReservedCents
		return orchestrator.fail(ctx, *record, err)
	}
	return nil
}

func (orchestrator *Orchestrator) finalize(ctx context.Context, userID ledger.UserID, keys stepKeys, correlationID ledger.CorrelationID, amountCents int64) error {
	amount, err := ledger.NewAmountCents(amountCents)
	if err != nil {
		return err
	}
	_, err = orchestrator.ledger.Finalize(ctx, userID, correlationID, amount, keys.finalize)
	return err
}

// transition writes record against its stored status and version.
func (orchestrator *Orchestrator) transition(ctx context.Context, record *UsageRecord, expected UsageStatus) error {
	if err := orchestrator.usage.UpdateUsageRecord(ctx, *record, expected); err != nil {
		return err
	}
	record.Version++
	return nil
}

// abandon handles a failed in-flight record write. A lost compare-and-set means another call resumed the
// attempt and owns the reservation, so only other write errors refund.
func (orchestrator *Orchestrator) abandon(ctx context.Context, userID ledger.UserID, keys stepKeys, record UsageRecord, err error) error {
	if errors.Is(err, ErrUsageRecordConflict) {
		orchestrator.logger.Warn("usage attempt taken over",
			zap.String("user_id", userID.String()),
			zap.String("correlation_id", record.CorrelationID),
		)
		return ErrUsageInProgress
	}
	return orchestrator.refundAndFail(ctx, userID, keys, record, refundReasonSettlement, err)
}

// refundAndFail releases the hold and records the failure. Compensation ignores caller cancellation.
// A refund error is logged and left to reconciliation; the caller sees the original cause.
func (orchestrator *Orchestrator) refundAndFail(ctx context.Context, userID ledger.UserID, keys stepKeys, record UsageRecord, reason string, cause error) error {
	compensationContext := context.WithoutCancel(ctx)
	correlationID, err := ledger.NewCorrelationID(record.CorrelationID)
	if err == nil {
		_, err = orchestrator.ledger.Refund(compensationContext, userID, correlationID, keys.refund, reason)
	}
	if err != nil {
		orchestrator.logger.Error("refund after failed usage",
			zap.String("user_id", userID.String()),
			zap.String("correlation_id", record.CorrelationID),
			zap.NamedError("cause", cause),
			zap.Error(err),
		)
	} else {
		record.RefundedCents = record.ReservedCents
		record.ActualCents = 0
	}
	return orchestrator.fail(compensationContext, record, cause)
}

func (orchestrator *Orchestrator) fail(ctx context.Context, record UsageRecord, cause error) error {
	record.Status = UsageStatusFailed
	record.ErrorMessage = cause.Error()
	record.UpdatedUnixUTC = orchestrator.now().Unix()
	if err := orchestrator.transition(context.WithoutCancel(ctx), &record, UsageStatusReserving); err != nil {
		orchestrator.logger.Error("persist failed usage record",
			zap.String("user_id", record.UserID),
			zap.String("idempotency_token", record.IdempotencyKey),
			zap.Error(err),
		)
	}
	orchestrator.publish(ctx, record)
	return cause
}

func (orchestrator *Orchestrator) balanceAfter(ctx context.Context, userID ledger.UserID) int64 {
	balance, err := orchestrator.ledger.Balance(ctx, userID)
	if err != nil {
		orchestrator.logger.Warn("read balance after settlement", zap.String("user_id", userID.String()), zap.Error(err))
		return 0
	}
	return balance.Int64()
}

func (orchestrator *Orchestrator) cachedResult(ctx context.Context, userID string, token string) (ChatResult, bool) {
	if orchestrator.cache == nil {
		return ChatResult{}, false
	}
	result, found, err := orchestrator.cache.Get(ctx, userID, token)
	if err != nil {
		orchestrator.logger.Warn("replay cache get", zap.String("user_id", userID), zap.Error(err))
		return ChatResult{}, false
	}
	if !found {
		return ChatResult{}, false
	}
	result.Replayed = true
	return result, true
}

func (orchestrator *Orchestrator) storeResult(ctx context.Context, userID string, token string, result ChatResult) {
	if orchestrator.cache == nil {
		return
	}
	if err := orchestrator.cache.Set(ctx, userID, token, result); err != nil {
		orchestrator.logger.Warn("replay cache set", zap.String("user_id", userID), zap.Error(err))
	}
}

func (orchestrator *Orchestrator) publish(ctx context.Context, record UsageRecord) {
	if orchestrator.events == nil {
		return
	}
	event := UsageEvent{
		UserID:           record.UserID,
		IdempotencyToken: record.IdempotencyKey,
		Status:           record.Status,
		Model:            record.Model,
		CorrelationID:    record.CorrelationID,
		ReservedCents:    record.ReservedCents,
		ActualCents:      record.ActualCents,
		RefundedCents:    record.RefundedCents,
		PromptTokens:     record.PromptTokens,
		CompletionTokens: record.CompletionTokens,
		Error:            record.ErrorMessage,
		OccurredUnixUTC:  orchestrator.now().Unix(),
	}
	if err := orchestrator.events.PublishUsage(context.WithoutCancel(ctx), event); err != nil {
		orchestrator.logger.Warn("publish usage event",
			zap.String("user_id", record.UserID),
			zap.String("status", string(record.Status)),
			zap.Error(err),
		)
	}
}

func resultFromRecord(record UsageRecord) ChatResult {
	return ChatResult{
		ResponseText:     record.ResponseText,
		Model:            record.Model,
		PromptTokens:     record.PromptTokens,
		CompletionTokens: record.CompletionTokens,
		CreditsUsed:      record.ActualCents,
		CreditsRefunded:  record.RefundedCents,
		CreditsReserved:  record.ReservedCents,
		BalanceAfter:     record.BalanceAfterCents,
		CorrelationID:    record.CorrelationID,
	}
}

func pricingMessages(messages []Message) []pricing.Message {
	converted := make([]pricing.Message, 0, len(messages))
	for _, message := range messages {
		converted = append(converted, pricing.Message{Role: message.Role, Content: message.Content})
	}
	return converted
}

type stepKeys struct {
	reserve  ledger.IdempotencyKey
	refund   ledger.IdempotencyKey
	finalize ledger.IdempotencyKey
	delta    ledger.IdempotencyKey
}

func newStepKeys(token string) (stepKeys, error) {
	var keys stepKeys
	targets := []struct {
		key    *ledger.IdempotencyKey
		suffix string
	}{
		{key: &keys.reserve, suffix: keySuffixReserve},
		{key: &keys.refund, suffix: keySuffixRefund},
		{key: &keys.finalize, suffix: keySuffixFinalize},
		{key: &keys.delta, suffix: keySuffixDelta},
	}
	for _, target := range targets {
		key, err := ledger.NewIdempotencyKey(token + target.suffix)
		if err != nil {
			return stepKeys{}, err
		}
		*target.key = key
	}
	return keys, nil
}
