// Package breaker implements C2, the multi-scope circuit breaker gating
// admission and outbound provider calls. The per-scope CLOSED/OPEN/HALF_OPEN
// state machine generalizes internal/infrastructure/llm/circuit_breaker.go
// (a single-scope breaker in the teacher) to the spec's independent
// global/provider/agent scopes plus anomaly-score admission and a signed,
// TTL'd emergency override.
package breaker

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/convergio/maoc/internal/domain/ledger"
	"github.com/convergio/maoc/internal/domain/valueobject"
)

const (
	defaultFailureThreshold = 5
	defaultRetryAfter       = 60 * time.Second
	rateSpikeCallsPerMin    = 10
	costSpikeMultiple       = 5.0
)

// scopeBreaker is one independent CLOSED/OPEN/HALF_OPEN state machine,
// directly the teacher's CircuitBreaker generalized to carry a Reason and
// be addressable by (kind, key).
type scopeBreaker struct {
	mu               sync.Mutex
	phase            valueobject.BreakerPhase
	failureCount     int
	failureThreshold int
	retryAfter       time.Duration
	openedAt         time.Time
	reason           string
	halfOpenProbeInUse bool
	overrideUntil    time.Time
	overrideApprover string
}

func newScopeBreaker() *scopeBreaker {
	return &scopeBreaker{
		phase:            valueobject.PhaseClosed,
		failureThreshold: defaultFailureThreshold,
		retryAfter:       defaultRetryAfter,
	}
}

// allow reports whether this scope currently admits a new call, advancing
// OPEN→HALF_OPEN when retryAfter has elapsed. At most one probe is admitted
// while HALF_OPEN.
func (b *scopeBreaker) allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.overrideUntil.IsZero() && now.Before(b.overrideUntil) {
		return true
	}
	if !b.overrideUntil.IsZero() && !now.Before(b.overrideUntil) {
		b.overrideUntil = time.Time{}
	}

	switch b.phase {
	case valueobject.PhaseClosed:
		return true
	case valueobject.PhaseOpen:
		if now.Sub(b.openedAt) >= b.retryAfter {
			b.phase = valueobject.PhaseHalfOpen
			b.halfOpenProbeInUse = true
			return true
		}
		return false
	case valueobject.PhaseHalfOpen:
		if b.halfOpenProbeInUse {
			return false
		}
		b.halfOpenProbeInUse = true
		return true
	default:
		return false
	}
}

func (b *scopeBreaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureCount = 0
	if b.phase == valueobject.PhaseHalfOpen {
		b.phase = valueobject.PhaseClosed
		b.halfOpenProbeInUse = false
		b.reason = ""
	}
}

func (b *scopeBreaker) recordFailure(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.phase == valueobject.PhaseHalfOpen {
		b.open(reason)
		return
	}
	b.failureCount++
	if b.failureCount >= b.failureThreshold {
		b.open(reason)
	}
}

func (b *scopeBreaker) forceOpen(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.open(reason)
}

func (b *scopeBreaker) open(reason string) {
	b.phase = valueobject.PhaseOpen
	b.openedAt = time.Now()
	b.halfOpenProbeInUse = false
	b.reason = reason
}

func (b *scopeBreaker) override(approver string, ttl time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.overrideUntil = time.Now().Add(ttl)
	b.overrideApprover = approver
	b.phase = valueobject.PhaseClosed
	b.failureCount = 0
}

func (b *scopeBreaker) state(scope valueobject.BreakerScopeKind, key string) valueobject.BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	var openedAt *time.Time
	if !b.openedAt.IsZero() {
		t := b.openedAt
		openedAt = &t
	}
	return valueobject.BreakerState{
		Scope: scope, ScopeKey: key, Phase: b.phase,
		OpenedAt: openedAt, RetryAfter: b.retryAfter, Reason: b.reason,
	}
}

func (b *scopeBreaker) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.phase = valueobject.PhaseClosed
	b.failureCount = 0
	b.halfOpenProbeInUse = false
	b.reason = ""
}

// callSample is one admitted-call observation used for rate/cost anomaly
// detection.
type callSample struct {
	at   time.Time
	cost valueobject.Decimal6
}

// Breaker is C2. It composes one scopeBreaker per (global | provider:x |
// agent:x) and consults the Ledger for budget-utilization-driven opens plus
// its own rolling call samples for anomaly detection.
type Breaker struct {
	mu        sync.Mutex
	global    *scopeBreaker
	providers map[string]*scopeBreaker
	agents    map[string]*scopeBreaker
	ledger    *ledger.Ledger
	samples   map[string][]callSample // keyed by user_id, for rate-spike detection
	costMean  map[string]float64      // keyed by provider, rolling mean for cost-spike detection
	logger    *zap.Logger
}

func New(l *ledger.Ledger, logger *zap.Logger) *Breaker {
	return &Breaker{
		global:    newScopeBreaker(),
		providers: make(map[string]*scopeBreaker),
		agents:    make(map[string]*scopeBreaker),
		ledger:    l,
		samples:   make(map[string][]callSample),
		costMean:  make(map[string]float64),
		logger:    logger.With(zap.String("component", "circuit-breaker")),
	}
}

func (b *Breaker) scopeFor(kind valueobject.BreakerScopeKind, key string) *scopeBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch kind {
	case valueobject.ScopeProvider:
		if _, ok := b.providers[key]; !ok {
			b.providers[key] = newScopeBreaker()
		}
		return b.providers[key]
	case valueobject.ScopeAgent:
		if _, ok := b.agents[key]; !ok {
			b.agents[key] = newScopeBreaker()
		}
		return b.agents[key]
	default:
		return b.global
	}
}

// AdmitRequest is C2's admission check: (provider, agent_id, estimated_cost,
// user_id). All relevant scopes must be CLOSED (or the relevant scope under
// override) for admission; budget utilization and anomaly signals can force
// a scope OPEN before the per-scope state machine is even consulted.
func (b *Breaker) AdmitRequest(provider, agentID, userID string, estimatedCost valueobject.Decimal6) (bool, string) {
	now := time.Now()

	if util, err := b.ledger.Utilization(ledger.Scope{}); err == nil && util >= 0.90 {
		b.global.forceOpen("budget_daily_90pct")
	}
	if util, err := b.ledger.Utilization(ledger.Scope{Provider: provider}); err == nil && util >= 0.95 {
		b.scopeFor(valueobject.ScopeProvider, provider).forceOpen("budget_provider_95pct")
	}

	if b.rateSpike(userID, now) {
		b.scopeFor(valueobject.ScopeGlobal, "").forceOpen("anomaly_rate_spike")
	}
	if b.costSpike(provider, estimatedCost) {
		b.scopeFor(valueobject.ScopeProvider, provider).forceOpen("anomaly_cost_spike")
	}

	if !b.global.allow(now) {
		return false, "global:" + b.global.reason
	}
	if !b.scopeFor(valueobject.ScopeProvider, provider).allow(now) {
		return false, "provider:" + b.scopeFor(valueobject.ScopeProvider, provider).reason
	}
	if !b.scopeFor(valueobject.ScopeAgent, agentID).allow(now) {
		return false, "agent:" + b.scopeFor(valueobject.ScopeAgent, agentID).reason
	}

	b.recordSample(userID, provider, now, estimatedCost)
	return true, ""
}

func (b *Breaker) recordSample(userID, provider string, now time.Time, cost valueobject.Decimal6) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cutoff := now.Add(-time.Minute)
	samples := append(b.samples[userID], callSample{at: now, cost: cost})
	kept := samples[:0]
	for _, s := range samples {
		if s.at.After(cutoff) {
			kept = append(kept, s)
		}
	}
	b.samples[userID] = kept

	prevMean := b.costMean[provider]
	if prevMean == 0 {
		b.costMean[provider] = cost.Float64()
	} else {
		b.costMean[provider] = prevMean*0.9 + cost.Float64()*0.1
	}
}

func (b *Breaker) rateSpike(userID string, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	cutoff := now.Add(-time.Minute)
	count := 0
	for _, s := range b.samples[userID] {
		if s.at.After(cutoff) {
			count++
		}
	}
	return count > rateSpikeCallsPerMin
}

func (b *Breaker) costSpike(provider string, cost valueobject.Decimal6) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	mean := b.costMean[provider]
	if mean == 0 {
		return false
	}
	return cost.Float64() > mean*costSpikeMultiple
}

// RecordOutcome feeds a provider call's result back into the relevant
// scopes' state machines (global is not affected by a single provider's
// success/failure).
func (b *Breaker) RecordOutcome(provider, agentID string, success bool, reason string) {
	p := b.scopeFor(valueobject.ScopeProvider, provider)
	a := b.scopeFor(valueobject.ScopeAgent, agentID)
	if success {
		p.recordSuccess()
		a.recordSuccess()
		return
	}
	p.recordFailure(reason)
	a.recordFailure(reason)
}

// Override forces a named scope CLOSED for ttl, recording the approver. The
// override auto-expires; it is consulted before the ordinary state machine.
func (b *Breaker) Override(kind valueobject.BreakerScopeKind, key, approver string, ttl time.Duration) {
	b.scopeFor(kind, key).override(approver, ttl)
	b.logger.Warn("circuit breaker emergency override applied",
		zap.String("scope", string(kind)), zap.String("key", key),
		zap.String("approver", approver), zap.Duration("ttl", ttl))
}

// State returns a snapshot of one scope's BreakerState.
func (b *Breaker) State(kind valueobject.BreakerScopeKind, key string) valueobject.BreakerState {
	return b.scopeFor(kind, key).state(kind, key)
}

// Reset clears a scope back to CLOSED — used by tests and by manual recovery.
func (b *Breaker) Reset(kind valueobject.BreakerScopeKind, key string) {
	b.scopeFor(kind, key).reset()
}
