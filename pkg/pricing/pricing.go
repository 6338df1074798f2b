// Package pricing converts token usage into integer cents.
package pricing

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrInvalidTokens is returned for negative token counts.
var ErrInvalidTokens = errors.New("pricing: invalid token count")

// ErrInvalidRate is returned for negative or unparsable rates.
var ErrInvalidRate = errors.New("pricing: invalid rate")

const (
	// DefaultModel is the rate table key used for unknown models.
	DefaultModel = "default"

	tokensPerMillion = 1_000_000
	minimumCharge    = 1
)

var million = decimal.NewFromInt(tokensPerMillion)

// Rate is the price of one million tokens, in cents.
type Rate struct {
	InputPerMillion  decimal.Decimal
	OutputPerMillion decimal.Decimal
}

// NewRate parses decimal cent amounts per million input and output tokens.
func NewRate(inputPerMillion string, outputPerMillion string) (Rate, error) {
	input, err := decimal.NewFromString(strings.TrimSpace(inputPerMillion))
	if err != nil {
		return Rate{}, fmt.Errorf("%w: input %q: %v", ErrInvalidRate, inputPerMillion, err)
	}
	output, err := decimal.NewFromString(strings.TrimSpace(outputPerMillion))
	if err != nil {
		return Rate{}, fmt.Errorf("%w: output %q: %v", ErrInvalidRate, outputPerMillion, err)
	}
	if input.IsNegative() || output.IsNegative() {
		return Rate{}, fmt.Errorf("%w: rates must not be negative", ErrInvalidRate)
	}
	return Rate{InputPerMillion: input, OutputPerMillion: output}, nil
}

// RateTable maps model names to rates with a fallback entry.
type RateTable struct {
	rates    map[string]Rate
	fallback Rate
}

// DefaultRateTable returns the built-in rates (cents per million tokens).
func DefaultRateTable() *RateTable {
	return &RateTable{
		rates: map[string]Rate{
			"gpt-4o":       {InputPerMillion: decimal.NewFromInt(250), OutputPerMillion: decimal.NewFromInt(1000)},
			"gpt-4o-mini":  {InputPerMillion: decimal.NewFromInt(15), OutputPerMillion: decimal.NewFromInt(60)},
			"gpt-4.1":      {InputPerMillion: decimal.NewFromInt(200), OutputPerMillion: decimal.NewFromInt(800)},
			"gpt-4.1-mini": {InputPerMillion: decimal.NewFromInt(40), OutputPerMillion: decimal.NewFromInt(160)},
		},
		fallback: Rate{InputPerMillion: decimal.NewFromInt(250), OutputPerMillion: decimal.NewFromInt(1000)},
	}
}

// NewRateTable builds a table from explicit rates. The DefaultModel entry, when present, becomes the fallback.
func NewRateTable(rates map[string]Rate, fallback Rate) *RateTable {
	table := &RateTable{rates: make(map[string]Rate, len(rates)), fallback: fallback}
	for model, rate := range rates {
		key := normalizeModel(model)
		if key == DefaultModel {
			table.fallback = rate
			continue
		}
		table.rates[key] = rate
	}
	return table
}

// With returns a copy of the table with model priced at rate.
func (table *RateTable) With(model string, rate Rate) *RateTable {
	rates := make(map[string]Rate, len(table.rates)+1)
	for key, value := range table.rates {
		rates[key] = value
	}
	rates[model] = rate
	return NewRateTable(rates, table.fallback)
}

// Lookup returns the model's rate, or the fallback for unknown models.
func (table *RateTable) Lookup(model string) Rate {
	if rate, ok := table.rates[normalizeModel(model)]; ok {
		return rate
	}
	return table.fallback
}

// EstimateCost returns ceil(prompt*input + completion*output) / 1M in cents, at least 1 cent for nonzero usage.
func (table *RateTable) EstimateCost(model string, promptTokens int64, completionTokens int64) (int64, error) {
	if promptTokens < 0 || completionTokens < 0 {
		return 0, fmt.Errorf("%w: prompt=%d completion=%d", ErrInvalidTokens, promptTokens, completionTokens)
	}
	if promptTokens == 0 && completionTokens == 0 {
		return 0, nil
	}
	rate := table.Lookup(model)
	total := decimal.NewFromInt(promptTokens).Mul(rate.InputPerMillion).
		Add(decimal.NewFromInt(completionTokens).Mul(rate.OutputPerMillion)).
		Div(million).
		Ceil()
	cents := total.IntPart()
	if cents < minimumCharge {
		cents = minimumCharge
	}
	return cents, nil
}

// ApplyBuffer inflates baseCents by bufferPercent, rounding up, with a floor of 1 cent.
func ApplyBuffer(baseCents int64, bufferPercent int64) int64 {
	if bufferPercent < 0 {
		bufferPercent = 0
	}
	buffered := decimal.NewFromInt(baseCents).
		Mul(decimal.NewFromInt(100 + bufferPercent)).
		Div(decimal.NewFromInt(100)).
		Ceil().
		IntPart()
	if buffered < minimumCharge {
		return minimumCharge
	}
	return buffered
}

func normalizeModel(model string) string {
	return strings.ToLower(strings.TrimSpace(model))
}
