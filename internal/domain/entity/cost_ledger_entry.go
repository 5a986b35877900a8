package entity

import (
	"time"

	"github.com/convergio/maoc/internal/domain/valueobject"
)

// CostLedgerEntry is C1's append-only cost observation. Entries are never
// mutated or deleted once recorded.
type CostLedgerEntry struct {
	Timestamp time.Time
	Provider  string
	Model     string
	AgentID   string
	ConvID    string
	TokensIn  int
	TokensOut int
	CostUSD   valueobject.Decimal6
	SessionID string
}

// NewCostLedgerEntry stamps the current time and constructs an entry.
func NewCostLedgerEntry(provider, model, agentID, convID, sessionID string, tokensIn, tokensOut int, costUSD valueobject.Decimal6) *CostLedgerEntry {
	return &CostLedgerEntry{
		Timestamp: time.Now(),
		Provider:  provider,
		Model:     model,
		AgentID:   agentID,
		ConvID:    convID,
		TokensIn:  tokensIn,
		TokensOut: tokensOut,
		CostUSD:   costUSD,
		SessionID: sessionID,
	}
}
