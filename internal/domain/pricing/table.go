// Package pricing holds the configured per-(provider, model) price table C1
// and C8 use to compute cost_usd from token counts. Prices are never
// hardcoded into the orchestration logic — the source values in the system
// this spec was distilled from drift with provider pricing changes, so the
// spec explicitly treats them as a configured table, not part of the core
// contract (see SPEC_FULL.md §9).
package pricing

import "github.com/convergio/maoc/internal/domain/valueobject"

// Entry is one row of the table: price per 1000 tokens, input and output
// priced independently since most providers charge asymmetrically.
type Entry struct {
	Provider     string
	Model        string
	PriceInPer1K  valueobject.Decimal6
	PriceOutPer1K valueobject.Decimal6
	IsFallback   bool
}

// Table resolves (provider, model) to a price Entry, falling back to a
// conservative configured row when the model is unknown.
type Table struct {
	byKey    map[string]Entry
	fallback Entry
}

func key(provider, model string) string { return provider + "/" + model }

// NewTable builds a Table from entries; exactly one entry should have
// IsFallback=true (the last one wins if more than one is supplied).
func NewTable(entries []Entry) *Table {
	t := &Table{byKey: make(map[string]Entry, len(entries))}
	for _, e := range entries {
		t.byKey[key(e.Provider, e.Model)] = e
		if e.IsFallback {
			t.fallback = e
		}
	}
	return t
}

// Resolve returns the price entry for (provider, model), or the configured
// fallback if unknown.
func (t *Table) Resolve(provider, model string) Entry {
	if e, ok := t.byKey[key(provider, model)]; ok {
		return e
	}
	return t.fallback
}

// Cost computes price_in·tokens_in + price_out·tokens_out using fixed-point
// arithmetic throughout.
func (e Entry) Cost(tokensIn, tokensOut int) valueobject.Decimal6 {
	return e.PriceInPer1K.MulTokens(tokensIn).Add(e.PriceOutPer1K.MulTokens(tokensOut))
}

// DefaultTable is a conservative built-in table. internal/application wires
// it into the turn tracker; no code path builds the table from configuration.
func DefaultTable() *Table {
	return NewTable([]Entry{
		{Provider: "openai", Model: "gpt-4o", PriceInPer1K: valueobject.NewDecimal6FromFloat(0.005), PriceOutPer1K: valueobject.NewDecimal6FromFloat(0.015)},
		{Provider: "anthropic", Model: "claude-sonnet", PriceInPer1K: valueobject.NewDecimal6FromFloat(0.003), PriceOutPer1K: valueobject.NewDecimal6FromFloat(0.015)},
		{Provider: "google", Model: "gemini-pro", PriceInPer1K: valueobject.NewDecimal6FromFloat(0.00125), PriceOutPer1K: valueobject.NewDecimal6FromFloat(0.005)},
		{Provider: "", Model: "", PriceInPer1K: valueobject.NewDecimal6FromFloat(0.01), PriceOutPer1K: valueobject.NewDecimal6FromFloat(0.03), IsFallback: true},
	})
}
