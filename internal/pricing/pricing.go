// Package pricing maps model names and token counts to USD cost using a
// per-model rate table.
package pricing

import (
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/claudemeter/claudemeter/internal/core"
)

// ModelRates holds USD cost per million tokens for each token category.
type ModelRates struct {
	Input      float64
	Output     float64
	CacheWrite float64
	CacheRead  float64
}

// Table maps normalized model names to rates.
type Table map[string]ModelRates

// DefaultTable returns the built-in Anthropic rate table. Keys are stored in
// normalized form (see Normalize).
func DefaultTable() Table {
	raw := map[string]ModelRates{
		"claude-opus-4-5":   {Input: 5, Output: 25, CacheWrite: 6.25, CacheRead: 0.5},
		"claude-opus-4-1":   {Input: 15, Output: 75, CacheWrite: 18.75, CacheRead: 1.5},
		"claude-opus-4":     {Input: 15, Output: 75, CacheWrite: 18.75, CacheRead: 1.5},
		"claude-4-opus":     {Input: 15, Output: 75, CacheWrite: 18.75, CacheRead: 1.5},
		"claude-3-opus":     {Input: 15, Output: 75, CacheWrite: 18.75, CacheRead: 1.5},
		"claude-sonnet-4-5": {Input: 3, Output: 15, CacheWrite: 3.75, CacheRead: 0.3},
		"claude-sonnet-4":   {Input: 3, Output: 15, CacheWrite: 3.75, CacheRead: 0.3},
		"claude-4-sonnet":   {Input: 3, Output: 15, CacheWrite: 3.75, CacheRead: 0.3},
		"claude-3-7-sonnet": {Input: 3, Output: 15, CacheWrite: 3.75, CacheRead: 0.3},
		"claude-3-5-sonnet": {Input: 3, Output: 15, CacheWrite: 3.75, CacheRead: 0.3},
		"claude-haiku-4-5":  {Input: 1, Output: 5, CacheWrite: 1.25, CacheRead: 0.1},
		"claude-3-5-haiku":  {Input: 0.8, Output: 4, CacheWrite: 1, CacheRead: 0.08},
		"claude-3-haiku":    {Input: 0.25, Output: 1.25, CacheWrite: 0.3, CacheRead: 0.03},
	}
	table := make(Table, len(raw))
	for name, rates := range raw {
		table[Normalize(name)] = rates
	}
	return table
}

// Normalize strips punctuation and case from a model identifier so aliases
// like "claude-sonnet-4-20250514" and "Claude Sonnet 4" resolve to the same
// table key.
func Normalize(model string) string {
	var b strings.Builder
	b.Grow(len(model))
	for _, r := range strings.ToLower(strings.TrimSpace(model)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Calculator computes per-entry cost. Unknown models cost zero but their
// tokens still count in totals; cost and token accounting are independent
// ledgers.
type Calculator struct {
	table Table

	mu     sync.Mutex
	warned map[string]struct{}
}

func NewCalculator(table Table) *Calculator {
	if table == nil {
		table = DefaultTable()
	}
	return &Calculator{table: table, warned: make(map[string]struct{})}
}

// Rates resolves the rate entry for a model: exact normalized match first,
// then the longest normalized table key contained in the name (so dated
// releases like claude-opus-4-5-20251101 match their family entry).
func (c *Calculator) Rates(model string) (ModelRates, bool) {
	norm := Normalize(model)
	if norm == "" {
		return ModelRates{}, false
	}
	if rates, ok := c.table[norm]; ok {
		return rates, true
	}

	bestLen := 0
	var best ModelRates
	for key, rates := range c.table {
		if len(key) > bestLen && strings.Contains(norm, key) {
			bestLen = len(key)
			best = rates
		}
	}
	if bestLen > 0 {
		return best, true
	}
	return ModelRates{}, false
}

// Cost returns the USD cost of the given token counts under the model's
// rates, or zero with a once-per-model warning when the model is unknown.
func (c *Calculator) Cost(model string, input, output, cacheWrite, cacheRead int64) float64 {
	rates, ok := c.Rates(model)
	if !ok {
		c.warnUnknown(model)
		return 0
	}
	cost := float64(input) * rates.Input / 1_000_000
	cost += float64(output) * rates.Output / 1_000_000
	cost += float64(cacheWrite) * rates.CacheWrite / 1_000_000
	cost += float64(cacheRead) * rates.CacheRead / 1_000_000
	return cost
}

// CostForEntry prefers a cost already present in the source record and
// computes one from the rate table otherwise.
func (c *Calculator) CostForEntry(e core.UsageEntry) float64 {
	if e.CostUSD > 0 {
		return e.CostUSD
	}
	return c.Cost(e.Model, e.InputTokens, e.OutputTokens, e.CacheCreationTokens, e.CacheReadTokens)
}

// ApplyAll fills CostUSD on every entry that does not carry one.
func (c *Calculator) ApplyAll(entries []core.UsageEntry) {
	for i := range entries {
		entries[i].CostUSD = c.CostForEntry(entries[i])
	}
}

func (c *Calculator) warnUnknown(model string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.warned[model]; ok {
		return
	}
	c.warned[model] = struct{}{}
	log.Warn().
		Str("component", "pricing").
		Str("model", model).
		Msg("unknown model, cost defaults to zero")
}
