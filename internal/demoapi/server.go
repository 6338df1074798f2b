// Package demoapi is the HTTP façade over creditd used by demos and simulations.
package demoapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	creditv1 "github.com/MarkoPoloResearchLab/creditengine/api/credit/v1"
	"github.com/MarkoPoloResearchLab/creditengine/internal/topup"
	"github.com/MarkoPoloResearchLab/creditengine/pkg/ledger"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

const (
	headerIdempotencyKey  = "Idempotency-Key"
	headerStripeSignature = "Stripe-Signature"

	outcomeFinalize = "finalize"
	outcomeRefund   = "refund"

	errorInvalidPayload     = "invalid_payload"
	errorMissingIdempotency = "missing_idempotency_key"
	errorLedger             = "ledger_error"
	errorWebhookDisabled    = "webhook_disabled"
	errorWebhookRejected    = "webhook_rejected"
)

// Run boots the HTTP façade using the supplied configuration.
func Run(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("zap init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	dialOptions := []grpc.DialOption{}
	if cfg.LedgerInsecure {
		dialOptions = append(dialOptions, grpc.WithTransportCredentials(insecure.NewCredentials()))
	} else {
		dialOptions = append(dialOptions, grpc.WithTransportCredentials(credentials.NewClientTLSFromCert(nil, "")))
	}
	conn, err := grpc.NewClient(cfg.LedgerAddress, dialOptions...)
	if err != nil {
		return fmt.Errorf("connect ledger: %w", err)
	}
	conn.Connect()
	if err := waitForClientReady(ctx, conn); err != nil {
		_ = conn.Close()
		return fmt.Errorf("connect ledger: %w", err)
	}
	defer conn.Close()

	handler, err := newHTTPHandler(cfg, creditv1.NewCreditServiceClient(conn), logger)
	if err != nil {
		return err
	}
	router := setupRouter(cfg, handler)

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("demoapi listening", zap.String("addr", cfg.ListenAddr), zap.Bool("sessions", cfg.SessionsEnabled()))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func newHTTPHandler(cfg Config, ledgerClient creditv1.CreditServiceClient, logger *zap.Logger) (*httpHandler, error) {
	handler := &httpHandler{logger: logger, ledgerClient: ledgerClient, cfg: cfg}
	if cfg.StripeWebhookSecret != "" {
		processor, err := topup.NewStripeProcessor(grpcCreditApplier{client: ledgerClient}, cfg.StripeWebhookSecret, cfg.StripeCurrency, logger)
		if err != nil {
			return nil, fmt.Errorf("stripe processor: %w", err)
		}
		handler.topups = processor
	}
	return handler, nil
}

func setupRouter(cfg Config, handler *httpHandler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization", headerIdempotencyKey},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.POST("/webhooks/stripe", handler.handleStripeWebhook)

	users := api.Group("/users/:" + paramUserID)
	if cfg.SessionsEnabled() {
		users.Use(newSessionValidator(cfg).requireSession())
	}
	users.GET("/balance", handler.handleBalance)
	users.GET("/ledger", handler.handleLedger)
	users.POST("/simulations", handler.handleSimulation)
	users.POST("/chat", handler.handleChat)

	return router
}

type httpHandler struct {
	logger       *zap.Logger
	ledgerClient creditv1.CreditServiceClient
	cfg          Config
	topups       *topup.StripeProcessor
}

func (handler *httpHandler) handleBalance(ctx *gin.Context) {
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.LedgerTimeout)
	defer cancel()
	summary, err := handler.ledgerClient.GetBalanceSummary(requestCtx, &creditv1.BalanceRequest{UserId: ctx.Param(paramUserID)})
	if err != nil {
		handler.respondGRPCError(ctx, "balance", err)
		return
	}
	ctx.JSON(http.StatusOK, balancePayload{
		UserID:            summary.UserId,
		BalanceCents:      summary.BalanceCents,
		TotalGrantedCents: summary.TotalGrantedCents,
		TotalSpentCents:   summary.TotalSpentCents,
	})
}

func (handler *httpHandler) handleLedger(ctx *gin.Context) {
	limit, err := queryInt(ctx, "limit", defaultHistoryLimit)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorInvalidPayload, "limit must be an integer"))
		return
	}
	offset, err := queryInt(ctx, "offset", 0)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorInvalidPayload, "offset must be an integer"))
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.LedgerTimeout)
	defer cancel()
	response, err := handler.ledgerClient.ListEntries(requestCtx, &creditv1.ListEntriesRequest{
		UserId: ctx.Param(paramUserID),
		Limit:  int32(limit),
		Offset: int32(offset),
	})
	if err != nil {
		handler.respondGRPCError(ctx, "ledger", err)
		return
	}
	entries := make([]entryPayload, 0, len(response.GetEntries()))
	for _, entry := range response.GetEntries() {
		entries = append(entries, newEntryPayload(entry))
	}
	ctx.JSON(http.StatusOK, gin.H{"entries": entries})
}

// handleSimulation reserves and then settles directly against the ledger, bypassing chat settlement.
func (handler *httpHandler) handleSimulation(ctx *gin.Context) {
	var request simulationRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorInvalidPayload, "expected JSON body"))
		return
	}
	outcome := strings.ToLower(strings.TrimSpace(request.Outcome))
	if outcome == "" {
		outcome = outcomeFinalize
	}
	if outcome != outcomeFinalize && outcome != outcomeRefund {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorInvalidPayload, "outcome must be finalize or refund"))
		return
	}
	baseKey := strings.TrimSpace(request.IdempotencyKey)
	if baseKey == "" {
		baseKey = "simulation:" + uuid.NewString()
	}
	userID := ctx.Param(paramUserID)

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.LedgerTimeout)
	defer cancel()
	reservation, err := handler.ledgerClient.Reserve(requestCtx, &creditv1.ReserveRequest{
		UserId:         userID,
		AmountCents:    request.AmountCents,
		IdempotencyKey: baseKey + ":reserve",
		Description:    "simulation",
		MetadataJson:   marshalMetadata(request.Metadata),
	})
	if err != nil {
		handler.respondGRPCError(ctx, "simulation reserve", err)
		return
	}
	response := simulationResponse{
		Outcome:     outcome,
		Reservation: newEntryPayload(reservation.Entry),
	}
	if outcome == outcomeRefund {
		refund, err := handler.ledgerClient.Refund(requestCtx, &creditv1.RefundRequest{
			UserId:         userID,
			CorrelationId:  reservation.GetCorrelationId(),
			IdempotencyKey: baseKey + ":refund",
			Reason:         "simulation",
		})
		if err != nil {
			handler.respondGRPCError(ctx, "simulation refund", err)
			return
		}
		refundPayload := newEntryPayload(refund.Refund)
		response.Refund = &refundPayload
	} else {
		actual := request.AmountCents
		if request.ActualCents != nil {
			actual = *request.ActualCents
		}
		finalization, err := handler.ledgerClient.Finalize(requestCtx, &creditv1.FinalizeRequest{
			UserId:            userID,
			CorrelationId:     reservation.GetCorrelationId(),
			ActualAmountCents: actual,
			IdempotencyKey:    baseKey + ":finalize",
		})
		if err != nil {
			handler.respondGRPCError(ctx, "simulation finalize", err)
			return
		}
		release := newEntryPayload(finalization.Release)
		charge := newEntryPayload(finalization.Charge)
		response.Release = &release
		response.Charge = &charge
	}
	balance, err := handler.ledgerClient.GetBalance(requestCtx, &creditv1.BalanceRequest{UserId: userID})
	if err != nil {
		handler.respondGRPCError(ctx, "simulation balance", err)
		return
	}
	response.BalanceCents = balance.GetBalanceCents()
	ctx.JSON(http.StatusOK, response)
}

func (handler *httpHandler) handleChat(ctx *gin.Context) {
	idempotencyKey := strings.TrimSpace(ctx.GetHeader(headerIdempotencyKey))
	if idempotencyKey == "" {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorMissingIdempotency, headerIdempotencyKey+" header is required"))
		return
	}
	var request chatRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorInvalidPayload, "expected JSON body"))
		return
	}
	messages := make([]*creditv1.ChatMessage, 0, len(request.Messages))
	for _, message := range request.Messages {
		messages = append(messages, &creditv1.ChatMessage{Role: message.Role, Content: message.Content})
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.ChatTimeout)
	defer cancel()
	result, err := handler.ledgerClient.RunChat(requestCtx, &creditv1.RunChatRequest{
		UserId:           ctx.Param(paramUserID),
		IdempotencyToken: idempotencyKey,
		Model:            request.Model,
		Messages:         messages,
	})
	if err != nil {
		handler.respondGRPCError(ctx, "chat", err)
		return
	}
	ctx.JSON(http.StatusOK, result)
}

func (handler *httpHandler) handleStripeWebhook(ctx *gin.Context) {
	if handler.topups == nil {
		ctx.JSON(http.StatusNotFound, errorResponse(errorWebhookDisabled, "stripe webhooks are not configured"))
		return
	}
	payload, err := io.ReadAll(http.MaxBytesReader(ctx.Writer, ctx.Request.Body, maxWebhookBytes))
	if err != nil || len(payload) == 0 {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorInvalidPayload, "unreadable webhook body"))
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.LedgerTimeout)
	defer cancel()
	outcome, err := handler.topups.HandleWebhook(requestCtx, payload, ctx.GetHeader(headerStripeSignature))
	if err != nil {
		if errors.Is(err, ledger.ErrInvalidArgument) {
			ctx.JSON(http.StatusBadRequest, errorResponse(errorWebhookRejected, err.Error()))
			return
		}
		handler.respondGRPCError(ctx, "stripe webhook", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"received":   true,
		"event_id":   outcome.EventID,
		"event_type": outcome.EventType,
		"applied":    outcome.Applied,
	})
}

func (handler *httpHandler) respondGRPCError(ctx *gin.Context, action string, err error) {
	statusInfo, _ := status.FromError(err)
	httpStatus := httpStatusFromGRPC(statusInfo)
	if httpStatus >= http.StatusInternalServerError {
		handler.logger.Error(action+" failed", zap.Error(err))
		code := errorLedger
		if statusInfo.Code() == codes.Unavailable && statusInfo.Message() != "" {
			code = statusInfo.Message()
		}
		ctx.JSON(httpStatus, errorResponse(code, action+" failed"))
		return
	}
	ctx.JSON(httpStatus, errorResponse(statusInfo.Message(), action+" rejected"))
}

func httpStatusFromGRPC(statusInfo *status.Status) int {
	switch statusInfo.Code() {
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.FailedPrecondition:
		if statusInfo.Message() == "insufficient_credits" {
			return http.StatusPaymentRequired
		}
		return http.StatusConflict
	case codes.NotFound:
		return http.StatusNotFound
	case codes.Aborted:
		return http.StatusConflict
	case codes.Unimplemented:
		return http.StatusNotImplemented
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func queryInt(ctx *gin.Context, name string, fallback int) (int, error) {
	raw := strings.TrimSpace(ctx.Query(name))
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}

func marshalMetadata(metadata map[string]any) string {
	if metadata == nil {
		return "{}"
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

func newEntryPayload(entry *creditv1.Entry) entryPayload {
	if entry == nil {
		return entryPayload{Metadata: json.RawMessage("{}")}
	}
	metadata := entry.MetadataJson
	if metadata == "" {
		metadata = "{}"
	}
	return entryPayload{
		EntryID:        entry.EntryId,
		Type:           entry.Type,
		Status:         entry.Status,
		AmountCents:    entry.AmountCents,
		Source:         entry.Source,
		CorrelationID:  entry.CorrelationId,
		IdempotencyKey: entry.IdempotencyKey,
		Description:    entry.Description,
		Metadata:       json.RawMessage(metadata),
		CreatedUnixUTC: entry.CreatedUnixUtc,
	}
}

func waitForClientReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		if state == connectivity.Ready {
			return nil
		}
		if state == connectivity.Shutdown {
			return errors.New("grpc connection shutdown before ready")
		}
		if !conn.WaitForStateChange(ctx, state) {
			if err := ctx.Err(); err != nil {
				return err
			}
			return errors.New("grpc connection failed to reach ready state")
		}
	}
}

type simulationRequest struct {
	AmountCents    int64          `json:"amount_cents"`
	ActualCents    *int64         `json:"actual_cents"`
	Outcome        string         `json:"outcome"`
	IdempotencyKey string         `json:"idempotency_key"`
	Metadata       map[string]any `json:"metadata"`
}

type simulationResponse struct {
	Outcome      string        `json:"outcome"`
	Reservation  entryPayload  `json:"reservation"`
	Release      *entryPayload `json:"release,omitempty"`
	Charge       *entryPayload `json:"charge,omitempty"`
	Refund       *entryPayload `json:"refund,omitempty"`
	BalanceCents int64         `json:"balance_cents"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type balancePayload struct {
	UserID            string `json:"user_id"`
	BalanceCents      int64  `json:"balance_cents"`
	TotalGrantedCents int64  `json:"total_granted_cents"`
	TotalSpentCents   int64  `json:"total_spent_cents"`
}

type entryPayload struct {
	EntryID        int64           `json:"entry_id"`
	Type           string          `json:"type"`
	Status         string          `json:"status"`
	AmountCents    int64           `json:"amount_cents"`
	Source         string          `json:"source"`
	CorrelationID  string          `json:"correlation_id,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
	Description    string          `json:"description,omitempty"`
	Metadata       json.RawMessage `json:"metadata"`
	CreatedUnixUTC int64           `json:"created_unix_utc"`
}
