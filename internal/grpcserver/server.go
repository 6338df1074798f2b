package grpcserver

import (
	"context"
	"errors"
	"strings"

	creditv1 "github.com/MarkoPoloResearchLab/creditengine/api/credit/v1"
	"github.com/MarkoPoloResearchLab/creditengine/pkg/ledger"
	"github.com/MarkoPoloResearchLab/creditengine/pkg/settlement"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	errorInsufficientCredits   = "insufficient_credits"
	errorUnknownReservation    = "unknown_reservation"
	errorInvalidUserID         = "invalid_user_id"
	errorInvalidIdempotencyKey = "invalid_idempotency_key"
	errorInvalidCorrelationID  = "invalid_correlation_id"
	errorInvalidSource         = "invalid_source"
	errorInvalidAmount         = "invalid_amount_cents"
	errorInvalidEntryType      = "invalid_entry_type"
	errorInvalidEntryStatus    = "invalid_entry_status"
	errorInvalidMetadata       = "invalid_metadata_json"
	errorInvalidListLimit      = "invalid_list_limit"
	errorActualExceedsReserved = "actual_exceeds_reserved"
	errorIdempotencyKeyReused  = "idempotency_key_reused"
	errorInvalidChatRequest    = "invalid_chat_request"
	errorInvalidArgument       = "invalid_argument"
	errorReservationFinalized  = "reservation_finalized"
	errorReservationRefunded   = "reservation_refunded"
	errorReservationClosed     = "reservation_closed"
	errorUsageInProgress       = "usage_in_progress"
	errorInvalidState          = "invalid_state"
	errorUpstreamFailed        = "upstream_failed"
	errorUsageFailed           = "usage_failed"
	errorResponseUnavailable   = "response_unavailable"
	errorChatUnavailable       = "chat_unavailable"
)

// ChatRunner runs a metered chat completion.
type ChatRunner interface {
	RunChat(ctx context.Context, request settlement.RunChatRequest) (settlement.ChatResult, error)
}

// CreditServiceServer exposes the credit ledger and chat settlement over gRPC.
type CreditServiceServer struct {
	creditv1.UnimplementedCreditServiceServer
	creditService *ledger.Service
	chatRunner    ChatRunner
	logger        *zap.Logger
}

// NewCreditServiceServer constructs a gRPC server for the ledger service. chatRunner may be nil.
func NewCreditServiceServer(creditService *ledger.Service, chatRunner ChatRunner, logger *zap.Logger) *CreditServiceServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CreditServiceServer{creditService: creditService, chatRunner: chatRunner, logger: logger}
}

func (service *CreditServiceServer) GetBalance(ctx context.Context, request *creditv1.BalanceRequest) (*creditv1.BalanceResponse, error) {
	userID, err := ledger.NewUserID(request.GetUserId())
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	balance, operationError := service.creditService.Balance(ctx, userID)
	if operationError != nil {
		return nil, service.internalAware(operationError)
	}
	return &creditv1.BalanceResponse{UserId: userID.String(), BalanceCents: balance.Int64()}, nil
}

func (service *CreditServiceServer) GetBalanceSummary(ctx context.Context, request *creditv1.BalanceRequest) (*creditv1.BalanceSummaryResponse, error) {
	userID, err := ledger.NewUserID(request.GetUserId())
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	summary, operationError := service.creditService.BalanceSummary(ctx, userID)
	if operationError != nil {
		return nil, service.internalAware(operationError)
	}
	return &creditv1.BalanceSummaryResponse{
		UserId:            userID.String(),
		BalanceCents:      summary.Balance.Int64(),
		TotalGrantedCents: summary.TotalGranted.Int64(),
		TotalSpentCents:   summary.TotalSpent.Int64(),
	}, nil
}

func (service *CreditServiceServer) ApplyEntry(ctx context.Context, request *creditv1.ApplyEntryRequest) (*creditv1.EntryResponse, error) {
	userID, err := ledger.NewUserID(request.UserId)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	source, err := ledger.NewSource(request.Source)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	idem, err := ledger.NewIdempotencyKey(request.IdempotencyKey)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	entryType, err := ledger.ParseEntryType(request.Type)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	correlationID, err := optionalCorrelationID(request.CorrelationId)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	metadata, err := ledger.NewMetadataJSON(request.MetadataJson)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	input, err := ledger.NewEntryInput(userID, ledger.SignedAmountCents(request.AmountCents), source, idem, entryType, ledger.EntryStatusPosted, correlationID, ledger.EntryDetails{
		SourceRef:   request.SourceRef,
		Description: request.Description,
		Currency:    request.Currency,
		PackKey:     request.PackKey,
		Metadata:    metadata,
	}, 0)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	entry, operationError := service.creditService.ApplyEntry(ctx, input)
	if operationError != nil {
		return nil, service.internalAware(operationError)
	}
	return &creditv1.EntryResponse{Entry: entryMessage(entry)}, nil
}

func (service *CreditServiceServer) Reserve(ctx context.Context, request *creditv1.ReserveRequest) (*creditv1.ReservationResponse, error) {
	userID, err := ledger.NewUserID(request.UserId)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	amount, err := ledger.NewPositiveAmountCents(request.AmountCents)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	idem, err := ledger.NewIdempotencyKey(request.IdempotencyKey)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	metadata, err := ledger.NewMetadataJSON(request.MetadataJson)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	reservation, operationError := service.creditService.Reserve(ctx, userID, amount, idem, ledger.EntryDetails{
		Description: request.Description,
		Metadata:    metadata,
	})
	if operationError != nil {
		return nil, service.internalAware(operationError)
	}
	return reservationMessage(reservation), nil
}

func (service *CreditServiceServer) Finalize(ctx context.Context, request *creditv1.FinalizeRequest) (*creditv1.FinalizeResponse, error) {
	userID, err := ledger.NewUserID(request.UserId)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	correlationID, err := ledger.NewCorrelationID(request.CorrelationId)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	amount, err := ledger.NewAmountCents(request.ActualAmountCents)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	idem, err := ledger.NewIdempotencyKey(request.IdempotencyKey)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	finalization, operationError := service.creditService.Finalize(ctx, userID, correlationID, amount, idem)
	if operationError != nil {
		return nil, service.internalAware(operationError)
	}
	return &creditv1.FinalizeResponse{
		Release:  entryMessage(finalization.Release),
		Charge:   entryMessage(finalization.Charge),
		Replayed: finalization.Replayed,
	}, nil
}

func (service *CreditServiceServer) Refund(ctx context.Context, request *creditv1.RefundRequest) (*creditv1.RefundResponse, error) {
	userID, err := ledger.NewUserID(request.UserId)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	correlationID, err := ledger.NewCorrelationID(request.CorrelationId)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	idem, err := ledger.NewIdempotencyKey(request.IdempotencyKey)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	refund, operationError := service.creditService.Refund(ctx, userID, correlationID, idem, request.Reason)
	if operationError != nil {
		return nil, service.internalAware(operationError)
	}
	return &creditv1.RefundResponse{Refund: entryMessage(refund.Entry), Replayed: refund.Replayed}, nil
}

func (service *CreditServiceServer) Spend(ctx context.Context, request *creditv1.SpendRequest) (*creditv1.EntryResponse, error) {
	userID, err := ledger.NewUserID(request.UserId)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	amount, err := ledger.NewPositiveAmountCents(request.AmountCents)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	idem, err := ledger.NewIdempotencyKey(request.IdempotencyKey)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	correlationID, err := optionalCorrelationID(request.CorrelationId)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	metadata, err := ledger.NewMetadataJSON(request.MetadataJson)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	entry, operationError := service.creditService.Spend(ctx, userID, amount, idem, correlationID, ledger.EntryDetails{
		Description: request.Description,
		Metadata:    metadata,
	})
	if operationError != nil {
		return nil, service.internalAware(operationError)
	}
	return &creditv1.EntryResponse{Entry: entryMessage(entry)}, nil
}

func (service *CreditServiceServer) GetReservation(ctx context.Context, request *creditv1.GetReservationRequest) (*creditv1.ReservationResponse, error) {
	userID, err := ledger.NewUserID(request.UserId)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	correlationID, err := ledger.NewCorrelationID(request.CorrelationId)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	reservation, operationError := service.creditService.GetReservation(ctx, userID, correlationID)
	if operationError != nil {
		return nil, service.internalAware(operationError)
	}
	return reservationMessage(reservation), nil
}

func (service *CreditServiceServer) ListEntries(ctx context.Context, request *creditv1.ListEntriesRequest) (*creditv1.ListEntriesResponse, error) {
	userID, err := ledger.NewUserID(request.UserId)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	entries, operationError := service.creditService.ListEntries(ctx, userID, int(request.Limit), int(request.Offset))
	if operationError != nil {
		return nil, service.internalAware(operationError)
	}
	response := &creditv1.ListEntriesResponse{Entries: make([]*creditv1.Entry, 0, len(entries))}
	for _, entryRecord := range entries {
		response.Entries = append(response.Entries, entryMessage(entryRecord))
	}
	return response, nil
}

func (service *CreditServiceServer) RunChat(ctx context.Context, request *creditv1.RunChatRequest) (*creditv1.RunChatResponse, error) {
	if service.chatRunner == nil {
		return nil, status.Error(codes.Unimplemented, errorChatUnavailable)
	}
	messages := make([]settlement.Message, 0, len(request.Messages))
	for _, message := range request.Messages {
		if message == nil {
			continue
		}
		messages = append(messages, settlement.Message{Role: message.Role, Content: message.Content})
	}
	result, err := service.chatRunner.RunChat(ctx, settlement.RunChatRequest{
		UserID:           request.UserId,
		IdempotencyToken: request.IdempotencyToken,
		Model:            request.Model,
		Messages:         messages,
	})
	if err != nil {
		return nil, service.internalAware(err)
	}
	return &creditv1.RunChatResponse{
		ResponseText:     result.ResponseText,
		Model:            result.Model,
		PromptTokens:     result.PromptTokens,
		CompletionTokens: result.CompletionTokens,
		CreditsUsed:      result.CreditsUsed,
		CreditsRefunded:  result.CreditsRefunded,
		CreditsReserved:  result.CreditsReserved,
		BalanceAfter:     result.BalanceAfter,
		CorrelationId:    result.CorrelationID,
		Replayed:         result.Replayed,
	}, nil
}

// internalAware logs failures that surface as codes.Internal before mapping them.
func (service *CreditServiceServer) internalAware(source error) error {
	mapped := mapToGRPCError(source)
	if status.Code(mapped) == codes.Internal {
		service.logger.Error("credit rpc failed", zap.Error(source))
	}
	return mapped
}

func optionalCorrelationID(raw string) (ledger.CorrelationID, error) {
	if strings.TrimSpace(raw) == "" {
		return ledger.CorrelationID{}, nil
	}
	return ledger.NewCorrelationID(raw)
}

func reservationMessage(reservation ledger.Reservation) *creditv1.ReservationResponse {
	return &creditv1.ReservationResponse{
		CorrelationId: reservation.CorrelationID.String(),
		HeldCents:     reservation.HeldCents().Int64(),
		Entry:         entryMessage(reservation.Entry),
		Replayed:      reservation.Replayed,
	}
}

func entryMessage(entry ledger.Entry) *creditv1.Entry {
	return &creditv1.Entry{
		EntryId:        entry.EntryID,
		UserId:         entry.UserID.String(),
		AmountCents:    entry.AmountCents.Int64(),
		Source:         entry.Source.String(),
		SourceRef:      entry.SourceRef,
		IdempotencyKey: entry.IdempotencyKey.String(),
		Type:           entry.Type.String(),
		Status:         entry.Status.String(),
		CorrelationId:  entry.CorrelationID.String(),
		Description:    entry.Description,
		Currency:       entry.Currency,
		PackKey:        entry.PackKey,
		MetadataJson:   entry.Metadata.String(),
		CreatedUnixUtc: entry.CreatedUnixUTC,
	}
}

func mapToGRPCError(source error) error {
	switch {
	case errors.Is(source, ledger.ErrInvalidUserID):
		return status.Error(codes.InvalidArgument, errorInvalidUserID)
	case errors.Is(source, ledger.ErrInvalidIdempotencyKey):
		return status.Error(codes.InvalidArgument, errorInvalidIdempotencyKey)
	case errors.Is(source, ledger.ErrInvalidCorrelationID):
		return status.Error(codes.InvalidArgument, errorInvalidCorrelationID)
	case errors.Is(source, ledger.ErrInvalidSource):
		return status.Error(codes.InvalidArgument, errorInvalidSource)
	case errors.Is(source, ledger.ErrInvalidAmountCents):
		return status.Error(codes.InvalidArgument, errorInvalidAmount)
	case errors.Is(source, ledger.ErrInvalidEntryType):
		return status.Error(codes.InvalidArgument, errorInvalidEntryType)
	case errors.Is(source, ledger.ErrInvalidEntryStatus):
		return status.Error(codes.InvalidArgument, errorInvalidEntryStatus)
	case errors.Is(source, ledger.ErrInvalidMetadataJSON):
		return status.Error(codes.InvalidArgument, errorInvalidMetadata)
	case errors.Is(source, ledger.ErrInvalidListLimit):
		return status.Error(codes.InvalidArgument, errorInvalidListLimit)
	case errors.Is(source, ledger.ErrActualExceedsReserved):
		return status.Error(codes.InvalidArgument, errorActualExceedsReserved)
	case errors.Is(source, ledger.ErrIdempotencyKeyReused):
		return status.Error(codes.InvalidArgument, errorIdempotencyKeyReused)
	case errors.Is(source, settlement.ErrInvalidRequest):
		return status.Error(codes.InvalidArgument, errorInvalidChatRequest)
	case errors.Is(source, ledger.ErrInvalidArgument):
		return status.Error(codes.InvalidArgument, errorInvalidArgument)
	case errors.Is(source, ledger.ErrInsufficientCredits):
		return status.Error(codes.FailedPrecondition, errorInsufficientCredits)
	case errors.Is(source, ledger.ErrUnknownReservation), errors.Is(source, ledger.ErrNotFound):
		return status.Error(codes.NotFound, errorUnknownReservation)
	case errors.Is(source, settlement.ErrUsageInProgress):
		return status.Error(codes.Aborted, errorUsageInProgress)
	case errors.Is(source, ledger.ErrReservationFinalized):
		return status.Error(codes.Aborted, errorReservationFinalized)
	case errors.Is(source, ledger.ErrReservationRefunded):
		return status.Error(codes.Aborted, errorReservationRefunded)
	case errors.Is(source, ledger.ErrReservationClosed):
		return status.Error(codes.Aborted, errorReservationClosed)
	case errors.Is(source, ledger.ErrInvalidState):
		return status.Error(codes.Aborted, errorInvalidState)
	case errors.Is(source, settlement.ErrUpstreamFailed):
		return status.Error(codes.Unavailable, errorUpstreamFailed)
	case errors.Is(source, settlement.ErrUsageFailed):
		return status.Error(codes.FailedPrecondition, errorUsageFailed)
	case errors.Is(source, settlement.ErrSettledResponseUnavailable):
		return status.Error(codes.DataLoss, errorResponseUnavailable)
	case errors.Is(source, context.Canceled):
		return status.Error(codes.Canceled, source.Error())
	case errors.Is(source, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, source.Error())
	}
	return status.Error(codes.Internal, source.Error())
}
