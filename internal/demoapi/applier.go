package demoapi

import (
	"context"

	creditv1 "github.com/MarkoPoloResearchLab/creditengine/api/credit/v1"
	"github.com/MarkoPoloResearchLab/creditengine/pkg/ledger"
)

// grpcCreditApplier lets the stripe processor post entries through creditd.
type grpcCreditApplier struct {
	client creditv1.CreditServiceClient
}

func (applier grpcCreditApplier) ApplyEntry(ctx context.Context, input ledger.EntryInput) (ledger.Entry, error) {
	response, err := applier.client.ApplyEntry(ctx, &creditv1.ApplyEntryRequest{
		UserId:         input.UserID.String(),
		AmountCents:    input.AmountCents.Int64(),
		Source:         input.Source.String(),
		SourceRef:      input.SourceRef,
		IdempotencyKey: input.IdempotencyKey.String(),
		Type:           input.Type.String(),
		CorrelationId:  input.CorrelationID.String(),
		Description:    input.Description,
		Currency:       input.Currency,
		PackKey:        input.PackKey,
		MetadataJson:   input.Metadata.String(),
	})
	if err != nil {
		return ledger.Entry{}, err
	}
	return entryFromMessage(response.GetEntry())
}

func entryFromMessage(message *creditv1.Entry) (ledger.Entry, error) {
	if message == nil {
		return ledger.Entry{}, nil
	}
	userID, err := ledger.NewUserID(message.UserId)
	if err != nil {
		return ledger.Entry{}, err
	}
	source, err := ledger.NewSource(message.Source)
	if err != nil {
		return ledger.Entry{}, err
	}
	idempotencyKey, err := ledger.NewIdempotencyKey(message.IdempotencyKey)
	if err != nil {
		return ledger.Entry{}, err
	}
	entryType, err := ledger.ParseEntryType(message.Type)
	if err != nil {
		return ledger.Entry{}, err
	}
	status, err := ledger.ParseEntryStatus(message.Status)
	if err != nil {
		return ledger.Entry{}, err
	}
	var correlationID ledger.CorrelationID
	if message.CorrelationId != "" {
		if correlationID, err = ledger.NewCorrelationID(message.CorrelationId); err != nil {
			return ledger.Entry{}, err
		}
	}
	metadata, err := ledger.NewMetadataJSON(message.MetadataJson)
	if err != nil {
		return ledger.Entry{}, err
	}
	return ledger.Entry{
		EntryID:        message.EntryId,
		UserID:         userID,
		AmountCents:    ledger.SignedAmountCents(message.AmountCents),
		Source:         source,
		SourceRef:      message.SourceRef,
		IdempotencyKey: idempotencyKey,
		Type:           entryType,
		Status:         status,
		CorrelationID:  correlationID,
		Description:    message.Description,
		Currency:       message.Currency,
		PackKey:        message.PackKey,
		Metadata:       metadata,
		CreatedUnixUTC: message.CreatedUnixUtc,
	}, nil
}
