// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package tokens implements token counting, fixed-point pricing, and
// budget accounting for AI-agent nodes (C6). Pricing uses decimal
// arithmetic throughout — currency is never represented as a float.
package tokens

import (
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

// Usage reports provider-measured or estimated token consumption for a
// single request.
type Usage struct {
	PromptTokens     uint64
	CompletionTokens uint64
	CacheReadTokens  uint64
	CacheWriteTokens uint64
}

func (u Usage) Total() uint64 {
	return u.PromptTokens + u.CompletionTokens
}

// Accuracy indicates how reliable a computed cost value is.
type Accuracy string

const (
	AccuracyMeasured    Accuracy = "measured"
	AccuracyEstimated   Accuracy = "estimated"
	AccuracyUnavailable Accuracy = "unavailable"
)

// ModelPricing holds a model's per-million-token rates, expressed as
// decimals so downstream arithmetic never touches float64.
type ModelPricing struct {
	Provider             string
	Model                string
	InputPerMillion      decimal.Decimal
	OutputPerMillion     decimal.Decimal
	CacheReadPerMillion  decimal.Decimal
	CacheWritePerMillion decimal.Decimal
	IsSubscription       bool
}

// Cost is the result of a price calculation.
type Cost struct {
	Amount   decimal.Decimal
	Currency string
	Accuracy Accuracy
}

var million = decimal.NewFromInt(1_000_000)

// Price computes the exact cost of a request's usage under pricing. All
// arithmetic is performed on decimal.Decimal; no float64 ever represents
// a currency amount.
func Price(pricing *ModelPricing, usage Usage) Cost {
	if pricing == nil {
		return Cost{Amount: decimal.Zero, Currency: "USD", Accuracy: AccuracyUnavailable}
	}
	if pricing.IsSubscription {
		return Cost{Amount: decimal.Zero, Currency: "USD", Accuracy: AccuracyMeasured}
	}

	input := decimal.NewFromInt(int64(usage.PromptTokens)).Div(million).Mul(pricing.InputPerMillion)
	output := decimal.NewFromInt(int64(usage.CompletionTokens)).Div(million).Mul(pricing.OutputPerMillion)

	var cacheRead, cacheWrite decimal.Decimal
	if usage.CacheReadTokens > 0 && !pricing.CacheReadPerMillion.IsZero() {
		cacheRead = decimal.NewFromInt(int64(usage.CacheReadTokens)).Div(million).Mul(pricing.CacheReadPerMillion)
	}
	if usage.CacheWriteTokens > 0 && !pricing.CacheWritePerMillion.IsZero() {
		cacheWrite = decimal.NewFromInt(int64(usage.CacheWriteTokens)).Div(million).Mul(pricing.CacheWritePerMillion)
	}

	total := input.Add(output).Add(cacheRead).Add(cacheWrite)

	accuracy := AccuracyUnavailable
	switch {
	case usage.PromptTokens > 0 || usage.CompletionTokens > 0:
		accuracy = AccuracyMeasured
	case usage.Total() > 0:
		accuracy = AccuracyEstimated
	}

	return Cost{Amount: total, Currency: "USD", Accuracy: accuracy}
}

// PricingTable is a process-wide, read-mostly registry of model pricing,
// initialized once and treated as immutable thereafter (per the ambient
// global state design note).
type PricingTable struct {
	mu     sync.RWMutex
	models map[string]*ModelPricing
}

// NewPricingTable constructs an empty table.
func NewPricingTable() *PricingTable {
	return &PricingTable{models: make(map[string]*ModelPricing)}
}

func key(provider, model string) string {
	return strings.ToLower(provider) + ":" + strings.ToLower(model)
}

// Register adds or replaces pricing for a provider/model pair.
func (t *PricingTable) Register(p ModelPricing) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.models[key(p.Provider, p.Model)] = &p
}

// Lookup retrieves pricing for a provider/model pair, if registered.
func (t *PricingTable) Lookup(provider, model string) (*ModelPricing, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.models[key(provider, model)]
	return p, ok
}

// ParseModel splits a "provider:model" string, or infers the provider
// from common model name prefixes when no provider is given.
func ParseModel(modelStr string) (provider, model string) {
	if idx := strings.IndexByte(modelStr, ':'); idx >= 0 {
		return modelStr[:idx], modelStr[idx+1:]
	}
	switch {
	case strings.HasPrefix(modelStr, "claude-"):
		return "anthropic", modelStr
	case strings.HasPrefix(modelStr, "gpt-"), strings.HasPrefix(modelStr, "o1-"):
		return "openai", modelStr
	default:
		return "unknown", modelStr
	}
}
