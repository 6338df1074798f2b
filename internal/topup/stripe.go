// Package topup turns verified payment webhooks into ledger credits.
package topup

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/MarkoPoloResearchLab/creditengine/pkg/ledger"
	"github.com/stripe/stripe-go/v81"
	stripeWebhook "github.com/stripe/stripe-go/v81/webhook"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"
)

const (
	defaultCurrency      = "usd"
	idempotencyKeyPrefix = "stripe:"
	sessionStatusDone    = "complete"
	paymentStatusPaid    = "paid"
)

var (
	ErrMissingWebhookSecret = errors.New("topup: webhook secret is required")
	ErrMissingLedger        = errors.New("topup: ledger is required")
	ErrInvalidSignature     = fmt.Errorf("%w: webhook signature rejected", ledger.ErrInvalidArgument)
	ErrInvalidSession       = fmt.Errorf("%w: checkout session is missing required fields", ledger.ErrInvalidArgument)
)

// CreditApplier is the ledger operation a top-up needs.
type CreditApplier interface {
	ApplyEntry(ctx context.Context, input ledger.EntryInput) (ledger.Entry, error)
}

// Outcome reports what a webhook delivery did.
type Outcome struct {
	EventID   string
	EventType string
	Applied   bool
	Entry     ledger.Entry
}

// StripeProcessor verifies Stripe webhooks and credits completed checkout sessions.
type StripeProcessor struct {
	ledger   CreditApplier
	secret   string
	currency string
	logger   *zap.Logger
}

func NewStripeProcessor(applier CreditApplier, webhookSecret string, currency string, logger *zap.Logger) (*StripeProcessor, error) {
	if applier == nil {
		return nil, ErrMissingLedger
	}
	webhookSecret = strings.TrimSpace(webhookSecret)
	if webhookSecret == "" {
		return nil, ErrMissingWebhookSecret
	}
	currency = strings.ToLower(strings.TrimSpace(currency))
	if currency == "" {
		currency = defaultCurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StripeProcessor{ledger: applier, secret: webhookSecret, currency: currency, logger: logger.Named("topup")}, nil
}

// HandleWebhook verifies payload and applies a credit_purchase for paid checkout sessions.
// Redelivered events map to the same idempotency key and leave the balance unchanged.
func (processor *StripeProcessor) HandleWebhook(ctx context.Context, payload []byte, signatureHeader string) (Outcome, error) {
	event, err := stripeWebhook.ConstructEventWithOptions(payload, signatureHeader, processor.secret, stripeWebhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	outcome := Outcome{EventID: event.ID, EventType: string(event.Type)}
	if event.Type != stripe.EventTypeCheckoutSessionCompleted {
		return outcome, nil
	}
	if strings.TrimSpace(event.GetObjectValue("status")) != sessionStatusDone ||
		strings.TrimSpace(event.GetObjectValue("payment_status")) != paymentStatusPaid {
		processor.logger.Info("checkout session not paid", zap.String("event_id", event.ID))
		return outcome, nil
	}
	eventCurrency := strings.ToLower(strings.TrimSpace(event.GetObjectValue("currency")))
	if eventCurrency != "" && eventCurrency != processor.currency {
		processor.logger.Warn("checkout session currency mismatch",
			zap.String("event_id", event.ID),
			zap.String("currency", eventCurrency),
		)
		return outcome, nil
	}

	input, err := processor.entryInput(event, eventCurrency)
	if err != nil {
		return outcome, err
	}
	entry, err := processor.ledger.ApplyEntry(ctx, input)
	if err != nil {
		return outcome, err
	}
	outcome.Applied = true
	outcome.Entry = entry
	processor.logger.Info("top-up applied",
		zap.String("event_id", event.ID),
		zap.String("user_id", entry.UserID.String()),
		zap.Int64("amount_cents", int64(entry.AmountCents)),
	)
	return outcome, nil
}

func (processor *StripeProcessor) entryInput(event stripe.Event, eventCurrency string) (ledger.EntryInput, error) {
	userID, err := ledger.NewUserID(event.GetObjectValue("client_reference_id"))
	if err != nil {
		return ledger.EntryInput{}, fmt.Errorf("%w: client_reference_id", ErrInvalidSession)
	}
	amountTotal, err := strconv.ParseInt(strings.TrimSpace(event.GetObjectValue("amount_total")), 10, 64)
	if err != nil || amountTotal <= 0 {
		return ledger.EntryInput{}, fmt.Errorf("%w: amount_total", ErrInvalidSession)
	}
	source, err := ledger.NewSource(ledger.SourceStripe)
	if err != nil {
		return ledger.EntryInput{}, err
	}
	key, err := ledger.NewIdempotencyKey(idempotencyKeyPrefix + event.ID)
	if err != nil {
		return ledger.EntryInput{}, err
	}
	packKey := strings.TrimSpace(event.GetObjectValue("metadata", "pack_key"))
	rawMetadata, err := sjson.Set("{}", "stripe_event_id", event.ID)
	if err != nil {
		return ledger.EntryInput{}, err
	}
	if packKey != "" {
		if rawMetadata, err = sjson.Set(rawMetadata, "pack_key", packKey); err != nil {
			return ledger.EntryInput{}, err
		}
	}
	metadata, err := ledger.NewMetadataJSON(rawMetadata)
	if err != nil {
		return ledger.EntryInput{}, err
	}
	if eventCurrency == "" {
		eventCurrency = processor.currency
	}
	return ledger.NewEntryInput(userID, ledger.SignedAmountCents(amountTotal), source, key, ledger.EntryCreditPurchase, ledger.EntryStatusPosted, ledger.CorrelationID{}, ledger.EntryDetails{
		SourceRef:   strings.TrimSpace(event.GetObjectValue("id")),
		Description: "stripe checkout",
		Currency:    eventCurrency,
		PackKey:     packKey,
		Metadata:    metadata,
	}, 0)
}
