// Package echo is an offline settlement.Provider that repeats the last user message.
package echo

import (
	"context"
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/creditengine/pkg/pricing"
	"github.com/MarkoPoloResearchLab/creditengine/pkg/settlement"
	"github.com/google/uuid"
)

const replyPrefix = "echo: "

// Provider answers locally and reports estimated token usage.
type Provider struct{}

// New returns an echo Provider.
func New() *Provider {
	return &Provider{}
}

func (provider *Provider) Chat(ctx context.Context, request settlement.ChatRequest) (settlement.ChatCompletion, error) {
	if err := ctx.Err(); err != nil {
		return settlement.ChatCompletion{}, err
	}
	if len(request.Messages) == 0 {
		return settlement.ChatCompletion{}, fmt.Errorf("echo: no messages")
	}
	var lastUserContent string
	converted := make([]pricing.Message, 0, len(request.Messages))
	for _, message := range request.Messages {
		converted = append(converted, pricing.Message{Role: message.Role, Content: message.Content})
		if strings.EqualFold(message.Role, "user") {
			lastUserContent = message.Content
		}
	}
	reply := replyPrefix + lastUserContent
	completionTokens := pricing.EstimateMessageTokens([]pricing.Message{{Role: "assistant", Content: reply}})
	if request.MaxTokens > 0 && completionTokens > request.MaxTokens {
		completionTokens = request.MaxTokens
	}
	return settlement.ChatCompletion{
		ID:               "echo-" + uuid.NewString(),
		Model:            request.Model,
		Text:             reply,
		PromptTokens:     pricing.EstimateMessageTokens(converted),
		CompletionTokens: completionTokens,
	}, nil
}
