// Package openai calls an OpenAI-compatible chat completions endpoint.
package openai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/creditengine/pkg/settlement"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	chatCompletionsPath = "/v1/chat/completions"
	defaultTimeout      = 60 * time.Second
	maxResponseBytes    = 4 << 20
	maxErrorBodyRunes   = 256
)

var (
	ErrInvalidConfig = errors.New("openai: invalid config")
	ErrUpstream      = errors.New("openai: upstream error")
	ErrMissingUsage  = errors.New("openai: response missing token usage")
)

// Config holds the endpoint settings.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client implements settlement.Provider.
type Client struct {
	httpClient *http.Client
	endpoint   string
	apiKey     string
}

// New builds a Client. A nil httpClient gets one with config.Timeout.
func New(config Config, httpClient *http.Client) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(config.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("%w: base url is required", ErrInvalidConfig)
	}
	if httpClient == nil {
		timeout := config.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		httpClient: httpClient,
		endpoint:   baseURL + chatCompletionsPath,
		apiKey:     strings.TrimSpace(config.APIKey),
	}, nil
}

// Chat sends one non-streaming completion request.
func (client *Client) Chat(ctx context.Context, request settlement.ChatRequest) (settlement.ChatCompletion, error) {
	body, err := buildRequestBody(request)
	if err != nil {
		return settlement.ChatCompletion{}, err
	}
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, client.endpoint, bytes.NewReader(body))
	if err != nil {
		return settlement.ChatCompletion{}, err
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	if client.apiKey != "" {
		httpRequest.Header.Set("Authorization", "Bearer "+client.apiKey)
	}

	response, err := client.httpClient.Do(httpRequest)
	if err != nil {
		return settlement.ChatCompletion{}, err
	}
	defer response.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return settlement.ChatCompletion{}, err
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return settlement.ChatCompletion{}, fmt.Errorf("%w: status %d: %s", ErrUpstream, response.StatusCode, upstreamMessage(payload))
	}
	return parseCompletion(payload)
}

func buildRequestBody(request settlement.ChatRequest) ([]byte, error) {
	body := []byte(`{"stream":false}`)
	var err error
	if body, err = sjson.SetBytes(body, "model", request.Model); err != nil {
		return nil, err
	}
	if body, err = sjson.SetBytes(body, "messages", request.Messages); err != nil {
		return nil, err
	}
	if request.MaxTokens > 0 {
		if body, err = sjson.SetBytes(body, "max_tokens", request.MaxTokens); err != nil {
			return nil, err
		}
	}
	if request.User != "" {
		if body, err = sjson.SetBytes(body, "user", request.User); err != nil {
			return nil, err
		}
	}
	return body, nil
}

func parseCompletion(payload []byte) (settlement.ChatCompletion, error) {
	if !gjson.ValidBytes(payload) {
		return settlement.ChatCompletion{}, fmt.Errorf("%w: invalid json response", ErrUpstream)
	}
	usage := gjson.GetBytes(payload, "usage")
	if !usage.Exists() {
		return settlement.ChatCompletion{}, ErrMissingUsage
	}
	promptTokens := firstInt(usage, "prompt_tokens", "input_tokens")
	completionTokens := firstInt(usage, "completion_tokens", "output_tokens")
	if promptTokens < 0 || completionTokens < 0 {
		return settlement.ChatCompletion{}, fmt.Errorf("%w: negative token usage", ErrUpstream)
	}
	return settlement.ChatCompletion{
		ID:               gjson.GetBytes(payload, "id").String(),
		Model:            gjson.GetBytes(payload, "model").String(),
		Text:             gjson.GetBytes(payload, "choices.0.message.content").String(),
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
	}, nil
}

func firstInt(result gjson.Result, paths ...string) int64 {
	for _, path := range paths {
		if value := result.Get(path); value.Exists() {
			return value.Int()
		}
	}
	return 0
}

func upstreamMessage(payload []byte) string {
	if message := gjson.GetBytes(payload, "error.message"); message.Exists() {
		return message.String()
	}
	text := []rune(strings.TrimSpace(string(payload)))
	if len(text) > maxErrorBodyRunes {
		text = text[:maxErrorBodyRunes]
	}
	return string(text)
}
