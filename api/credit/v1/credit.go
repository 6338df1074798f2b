// Package creditv1 is the wire contract of creditengine.v1.CreditService.
package creditv1

type BalanceRequest struct {
	UserId string `json:"user_id"`
}

func (request *BalanceRequest) GetUserId() string {
	if request == nil {
		return ""
	}
	return request.UserId
}

type BalanceResponse struct {
	UserId       string `json:"user_id"`
	BalanceCents int64  `json:"balance_cents"`
}

func (response *BalanceResponse) GetBalanceCents() int64 {
	if response == nil {
		return 0
	}
	return response.BalanceCents
}

type BalanceSummaryResponse struct {
	UserId            string `json:"user_id"`
	BalanceCents      int64  `json:"balance_cents"`
	TotalGrantedCents int64  `json:"total_granted_cents"`
	TotalSpentCents   int64  `json:"total_spent_cents"`
}

// Entry mirrors one ledger row.
type Entry struct {
	EntryId        int64  `json:"entry_id"`
	UserId         string `json:"user_id"`
	AmountCents    int64  `json:"amount_cents"`
	Source         string `json:"source"`
	SourceRef      string `json:"source_ref,omitempty"`
	IdempotencyKey string `json:"idempotency_key"`
	Type           string `json:"type"`
	Status         string `json:"status"`
	CorrelationId  string `json:"correlation_id,omitempty"`
	Description    string `json:"description,omitempty"`
	Currency       string `json:"currency,omitempty"`
	PackKey        string `json:"pack_key,omitempty"`
	MetadataJson   string `json:"metadata_json"`
	CreatedUnixUtc int64  `json:"created_unix_utc"`
}

type ApplyEntryRequest struct {
	UserId         string `json:"user_id"`
	AmountCents    int64  `json:"amount_cents"`
	Source         string `json:"source"`
	SourceRef      string `json:"source_ref,omitempty"`
	IdempotencyKey string `json:"idempotency_key"`
	Type           string `json:"type"`
	CorrelationId  string `json:"correlation_id,omitempty"`
	Description    string `json:"description,omitempty"`
	Currency       string `json:"currency,omitempty"`
	PackKey        string `json:"pack_key,omitempty"`
	MetadataJson   string `json:"metadata_json,omitempty"`
}

type EntryResponse struct {
	Entry *Entry `json:"entry"`
}

func (response *EntryResponse) GetEntry() *Entry {
	if response == nil {
		return nil
	}
	return response.Entry
}

type ReserveRequest struct {
	UserId         string `json:"user_id"`
	AmountCents    int64  `json:"amount_cents"`
	IdempotencyKey string `json:"idempotency_key"`
	Description    string `json:"description,omitempty"`
	MetadataJson   string `json:"metadata_json,omitempty"`
}

type GetReservationRequest struct {
	UserId        string `json:"user_id"`
	CorrelationId string `json:"correlation_id"`
}

type ReservationResponse struct {
	CorrelationId string `json:"correlation_id"`
	HeldCents     int64  `json:"held_cents"`
	Entry         *Entry `json:"entry"`
	Replayed      bool   `json:"replayed"`
}

func (response *ReservationResponse) GetCorrelationId() string {
	if response == nil {
		return ""
	}
	return response.CorrelationId
}

type FinalizeRequest struct {
	UserId            string `json:"user_id"`
	CorrelationId     string `json:"correlation_id"`
	ActualAmountCents int64  `json:"actual_amount_cents"`
	IdempotencyKey    string `json:"idempotency_key"`
}

type FinalizeResponse struct {
	Release  *Entry `json:"release"`
	Charge   *Entry `json:"charge"`
	Replayed bool   `json:"replayed"`
}

type RefundRequest struct {
	UserId         string `json:"user_id"`
	CorrelationId  string `json:"correlation_id"`
	IdempotencyKey string `json:"idempotency_key"`
	Reason         string `json:"reason,omitempty"`
}

type RefundResponse struct {
	Refund   *Entry `json:"refund"`
	Replayed bool   `json:"replayed"`
}

type SpendRequest struct {
	UserId         string `json:"user_id"`
	AmountCents    int64  `json:"amount_cents"`
	IdempotencyKey string `json:"idempotency_key"`
	CorrelationId  string `json:"correlation_id,omitempty"`
	Description    string `json:"description,omitempty"`
	MetadataJson   string `json:"metadata_json,omitempty"`
}

type ListEntriesRequest struct {
	UserId string `json:"user_id"`
	Limit  int32  `json:"limit"`
	Offset int32  `json:"offset"`
}

type ListEntriesResponse struct {
	Entries []*Entry `json:"entries"`
}

func (response *ListEntriesResponse) GetEntries() []*Entry {
	if response == nil {
		return nil
	}
	return response.Entries
}

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type RunChatRequest struct {
	UserId           string         `json:"user_id"`
	IdempotencyToken string         `json:"idempotency_token"`
	Model            string         `json:"model,omitempty"`
	Messages         []*ChatMessage `json:"messages"`
}

type RunChatResponse struct {
	ResponseText     string `json:"response_text"`
	Model            string `json:"model"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
	CreditsUsed      int64  `json:"credits_used"`
	CreditsRefunded  int64  `json:"credits_refunded"`
	CreditsReserved  int64  `json:"credits_reserved"`
	BalanceAfter     int64  `json:"balance_after"`
	CorrelationId    string `json:"correlation_id"`
	Replayed         bool   `json:"replayed"`
}
