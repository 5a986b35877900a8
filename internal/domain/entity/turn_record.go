package entity

import (
	"time"

	"github.com/convergio/maoc/internal/domain/valueobject"
)

// TurnRecord is C8's per-turn ledger line. CostUSD is always recomputed as
// price(model) · tokens with fixed-point decimal arithmetic
// (valueobject.Decimal6), never plain float multiplication, to keep drift
// under 1e-6.
type TurnRecord struct {
	ConvID           string
	TurnIndex        int
	SpeakerID        string
	Model            string
	PromptTokens     int
	CompletionTokens int
	CostUSD          valueobject.Decimal6
	DurationMS       int64
	CreatedAt        time.Time
}

// NewTurnRecord validates and constructs a TurnRecord.
func NewTurnRecord(convID string, turnIndex int, speakerID, model string, promptTokens, completionTokens int, costUSD valueobject.Decimal6, durationMS int64) (*TurnRecord, error) {
	if convID == "" || speakerID == "" || model == "" || turnIndex < 0 {
		return nil, ErrInvalidTurnRecord
	}
	return &TurnRecord{
		ConvID:           convID,
		TurnIndex:        turnIndex,
		SpeakerID:        speakerID,
		Model:            model,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		CostUSD:          costUSD,
		DurationMS:       durationMS,
		CreatedAt:        time.Now(),
	}, nil
}

// TotalTokens is the sum of prompt and completion tokens for this turn.
func (t *TurnRecord) TotalTokens() int {
	return t.PromptTokens + t.CompletionTokens
}
