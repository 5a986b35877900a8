// Package turntracker implements C8: a per-conversation timeline of
// TurnRecords with running totals against a per-conversation budget_limit_usd.
package turntracker

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/convergio/maoc/internal/domain/entity"
	"github.com/convergio/maoc/internal/domain/pricing"
	"github.com/convergio/maoc/internal/domain/valueobject"
)

// TimelineStore persists a conversation's TurnRecord timeline; the
// gorm-backed persistence.GormTurnTrackerStore is the only implementation.
type TimelineStore interface {
	Append(record *entity.TurnRecord) error
	Timeline(convID string) ([]*entity.TurnRecord, error)
}

// Summary is summary(conv_id)'s return shape.
type Summary struct {
	ConvID        string
	TurnCount     int
	TotalTokens   int
	TotalCostUSD  valueobject.Decimal6
	BudgetLimitUSD valueobject.Decimal6
	Utilization   float64
}

// BudgetEvent is emitted at the 75% (warning) and 100% (breach) thresholds.
type BudgetEvent struct {
	ConvID      string
	Kind        string // budget_warning | budget_breach
	Utilization float64
}

// Tracker is C8.
type Tracker struct {
	store   TimelineStore
	prices  *pricing.Table
	mu      sync.Mutex
	limits  map[string]valueobject.Decimal6 // conv_id -> budget_limit_usd
	warned  map[string]bool
	breached map[string]bool
	onEvent func(BudgetEvent)
	logger  *zap.Logger
}

func New(store TimelineStore, prices *pricing.Table, logger *zap.Logger) *Tracker {
	return &Tracker{
		store:    store,
		prices:   prices,
		limits:   make(map[string]valueobject.Decimal6),
		warned:   make(map[string]bool),
		breached: make(map[string]bool),
		logger:   logger.With(zap.String("component", "turn-token-tracker")),
	}
}

func (t *Tracker) OnEvent(fn func(BudgetEvent)) { t.onEvent = fn }

// SetBudget establishes conv_id's budget_limit_usd (PREPARE step of C10).
func (t *Tracker) SetBudget(convID string, limitUSD valueobject.Decimal6) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.limits[convID] = limitUSD
}

// RecordTurn computes cost = price_in·tokens_in + price_out·tokens_out via
// the configured price table, appends a TurnRecord, and checks the 75%/100%
// thresholds.
func (t *Tracker) RecordTurn(convID string, turnIndex int, speakerID, provider, model string, promptTokens, completionTokens int, duration time.Duration) (*entity.TurnRecord, error) {
	price := t.prices.Resolve(provider, model)
	cost := price.Cost(promptTokens, completionTokens)

	rec, err := entity.NewTurnRecord(convID, turnIndex, speakerID, model, promptTokens, completionTokens, cost, duration.Milliseconds())
	if err != nil {
		return nil, err
	}
	if err := t.store.Append(rec); err != nil {
		return nil, err
	}
	t.checkThresholds(convID)
	return rec, nil
}

// Summary aggregates conv_id's full timeline.
func (t *Tracker) Summary(convID string) (Summary, error) {
	timeline, err := t.store.Timeline(convID)
	if err != nil {
		return Summary{}, err
	}
	t.mu.Lock()
	limit := t.limits[convID]
	t.mu.Unlock()

	s := Summary{ConvID: convID, BudgetLimitUSD: limit}
	for _, r := range timeline {
		s.TurnCount++
		s.TotalTokens += r.TotalTokens()
		s.TotalCostUSD = s.TotalCostUSD.Add(r.CostUSD)
	}
	if limit > 0 {
		s.Utilization = s.TotalCostUSD.Float64() / limit.Float64()
	}
	return s, nil
}

// ExportTimeline returns the raw TurnRecord slice for opaque serialization by
// the caller (the spec treats the export format as transport-agnostic).
func (t *Tracker) ExportTimeline(convID string) ([]*entity.TurnRecord, error) {
	return t.store.Timeline(convID)
}

func (t *Tracker) checkThresholds(convID string) {
	summary, err := t.Summary(convID)
	if err != nil || t.onEvent == nil || summary.BudgetLimitUSD == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if summary.Utilization >= 1.0 && !t.breached[convID] {
		t.breached[convID] = true
		t.onEvent(BudgetEvent{ConvID: convID, Kind: "budget_breach", Utilization: summary.Utilization})
		return
	}
	if summary.Utilization >= 0.75 && !t.warned[convID] {
		t.warned[convID] = true
		t.onEvent(BudgetEvent{ConvID: convID, Kind: "budget_warning", Utilization: summary.Utilization})
	}
}
