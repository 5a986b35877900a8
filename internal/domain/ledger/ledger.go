// Package ledger implements C1, the append-only cost & budget ledger.
package ledger

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/convergio/maoc/internal/domain/entity"
	"github.com/convergio/maoc/internal/domain/valueobject"
)

// Store is the durable append-only sink C1 writes to and aggregates over.
// Implemented by infrastructure/persistence against gorm.
type Store interface {
	Append(entry *entity.CostLedgerEntry) error
	Since(scope Scope, since time.Time) ([]*entity.CostLedgerEntry, error)
}

// Scope narrows a usage/utilization query to one dimension.
type Scope struct {
	Provider string
	Model    string
	AgentID  string
	ConvID   string
	SessionID string
}

func (s Scope) matches(e *entity.CostLedgerEntry) bool {
	if s.Provider != "" && s.Provider != e.Provider {
		return false
	}
	if s.Model != "" && s.Model != e.Model {
		return false
	}
	if s.AgentID != "" && s.AgentID != e.AgentID {
		return false
	}
	if s.ConvID != "" && s.ConvID != e.ConvID {
		return false
	}
	if s.SessionID != "" && s.SessionID != e.SessionID {
		return false
	}
	return true
}

// Usage is the aggregate view usage()/predict() return.
type Usage struct {
	Tokens int
	Cost   valueobject.Decimal6
	Calls  int
}

// Prediction is predict()'s output: a linear-regression-plus-seasonality
// forecast over the recent daily aggregates.
type Prediction struct {
	ExpectedCost valueobject.Decimal6
	Confidence   float64
}

// alertState tracks which thresholds have already fired for a scope+window so
// a crossing only alerts once, per spec §4.4.
type alertState struct {
	mu      sync.Mutex
	fired   map[string]map[float64]bool // windowKey -> threshold -> fired
}

func newAlertState() *alertState {
	return &alertState{fired: make(map[string]map[float64]bool)}
}

func (a *alertState) crossedNewly(windowKey string, threshold float64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.fired[windowKey]
	if !ok {
		m = make(map[float64]bool)
		a.fired[windowKey] = m
	}
	if m[threshold] {
		return false
	}
	m[threshold] = true
	return true
}

// Alert is emitted when utilization crosses a threshold for the first time
// in its window.
type Alert struct {
	Scope       Scope
	Window      string
	Utilization float64
	Severity    string
}

// Ledger is C1. Writes are short (append + metric emit); reads use the
// store's own query path, scoped by Scope, with threshold-crossing tracked
// in-process.
type Ledger struct {
	store  Store
	limits valueobject.BudgetLimits
	mu     sync.RWMutex
	alerts *alertState
	onAlert func(Alert)
	logger *zap.Logger
}

func New(store Store, limits valueobject.BudgetLimits, logger *zap.Logger) *Ledger {
	return &Ledger{
		store:  store,
		limits: limits,
		alerts: newAlertState(),
		logger: logger.With(zap.String("component", "cost-ledger")),
	}
}

// OnAlert registers the threshold-crossing callback.
func (l *Ledger) OnAlert(fn func(Alert)) { l.onAlert = fn }

// SetLimits validates and replaces the active BudgetLimits.
func (l *Ledger) SetLimits(limits valueobject.BudgetLimits) error {
	if err := limits.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	l.limits = limits
	l.mu.Unlock()
	return nil
}

func (l *Ledger) Limits() valueobject.BudgetLimits {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.limits
}

// Record durably appends entry and checks for a newly-crossed alert
// threshold against the daily window for the entry's provider scope.
func (l *Ledger) Record(entry *entity.CostLedgerEntry) error {
	if err := l.store.Append(entry); err != nil {
		return fmt.Errorf("append cost entry: %w", err)
	}
	l.logger.Debug("cost recorded",
		zap.String("provider", entry.Provider),
		zap.String("model", entry.Model),
		zap.String("cost_usd", entry.CostUSD.String()),
	)
	l.checkThresholds(Scope{Provider: entry.Provider})
	l.checkThresholds(Scope{})
	return nil
}

// Usage returns aggregate token/cost/call counts for scope over the window
// starting at `since`.
func (l *Ledger) Usage(scope Scope, since time.Time) (Usage, error) {
	entries, err := l.store.Since(scope, since)
	if err != nil {
		return Usage{}, err
	}
	var u Usage
	for _, e := range entries {
		if !scope.matches(e) {
			continue
		}
		u.Tokens += e.TokensIn + e.TokensOut
		u.Cost = u.Cost.Add(e.CostUSD)
		u.Calls++
	}
	return u, nil
}

// Utilization returns cost/limit for scope over the current daily window, as
// a fraction in [0, +inf).
func (l *Ledger) Utilization(scope Scope) (float64, error) {
	dayStart := time.Now().Truncate(24 * time.Hour)
	u, err := l.Usage(scope, dayStart)
	if err != nil {
		return 0, err
	}
	limits := l.Limits()
	limit := limits.DailyUSD
	if scope.Provider != "" {
		if pl, ok := limits.PerProviderUSD[scope.Provider]; ok {
			limit = pl
		}
	}
	if limit == 0 {
		return 0, nil
	}
	return u.Cost.Float64() / limit.Float64(), nil
}

// Predict forecasts the expected cost over window using a linear regression
// across the last 7 daily aggregates, with a flat day-of-week seasonality
// adjustment (average ratio of that weekday's historical cost to the
// regression's same-day estimate).
func (l *Ledger) Predict(scope Scope, window time.Duration) (Prediction, error) {
	now := time.Now()
	var daily []float64
	for i := 6; i >= 0; i-- {
		dayStart := now.AddDate(0, 0, -i).Truncate(24 * time.Hour)
		u, err := l.Usage(scope, dayStart)
		if err != nil {
			return Prediction{}, err
		}
		daily = append(daily, u.Cost.Float64())
	}
	// Usage sums everything since dayStart; difference the cumulative
	// totals so each element is that day's own aggregate.
	for k := 0; k < len(daily)-1; k++ {
		daily[k] -= daily[k+1]
	}
	slope, intercept := linearRegression(daily)
	days := window.Hours() / 24
	if days < 1 {
		days = 1
	}
	expected := 0.0
	for d := 1.0; d <= days; d++ {
		estimate := intercept + slope*(float64(len(daily))+d)
		// The same weekday seven days back sits at index (d+6) mod 7.
		k := (int(d) + len(daily) - 1) % len(daily)
		if sameDay := intercept + slope*float64(k+1); sameDay > 0 {
			estimate *= daily[k] / sameDay
		}
		expected += estimate
	}
	confidence := confidenceFromVariance(daily, slope, intercept)
	return Prediction{
		ExpectedCost: valueobject.NewDecimal6FromFloat(expected),
		Confidence:   confidence,
	}, nil
}

func (l *Ledger) checkThresholds(scope Scope) {
	util, err := l.Utilization(scope)
	if err != nil || l.onAlert == nil {
		return
	}
	windowKey := fmt.Sprintf("%s|%s", scope.Provider, time.Now().Format("2006-01-02"))
	for _, t := range valueobject.AlertThresholds {
		if util >= t.Utilization && l.alerts.crossedNewly(windowKey, t.Utilization) {
			l.onAlert(Alert{Scope: scope, Window: "daily", Utilization: util, Severity: t.Severity})
		}
	}
}

// linearRegression fits y = intercept + slope*x over x = 1..len(y).
func linearRegression(y []float64) (slope, intercept float64) {
	n := float64(len(y))
	if n == 0 {
		return 0, 0
	}
	var sumX, sumY, sumXY, sumXX float64
	for i, v := range y {
		x := float64(i + 1)
		sumX += x
		sumY += v
		sumXY += x * v
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0, sumY / n
	}
	slope = (n*sumXY - sumX*sumY) / denom
	intercept = (sumY - slope*sumX) / n
	return slope, intercept
}

func confidenceFromVariance(y []float64, slope, intercept float64) float64 {
	if len(y) < 2 {
		return 0.5
	}
	var sumSq, mean float64
	for _, v := range y {
		mean += v
	}
	mean /= float64(len(y))
	var variance float64
	for i, v := range y {
		pred := intercept + slope*float64(i+1)
		diff := v - pred
		sumSq += diff * diff
		variance += (v - mean) * (v - mean)
	}
	if variance == 0 {
		return 0.9
	}
	r2 := 1 - sumSq/variance
	if r2 < 0 {
		r2 = 0
	}
	if r2 > 0.99 {
		r2 = 0.99
	}
	return r2
}
