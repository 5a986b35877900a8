// Package speaker implements C5, the speaker selection policy. Generalizes
// the interface shape of internal/domain/service/message_router.go and
// agent_selector.go (a Select(ctx, message) → Agent) into the spec's two
// modes: first-turn mission-routing classification, and in-loop weighted
// scoring across eligible agents.
package speaker

import (
	"strings"
	"time"

	"github.com/convergio/maoc/internal/domain/agent"
)

// Class is the mission-routing classification of the first user message.
type Class string

const (
	ClassGreeting Class = "greeting"
	ClassSimple   Class = "simple"
	ClassStandard Class = "standard"
	ClassComplex  Class = "complex"
)

// ClassPolicy ties a Class to its max_turns/timeout pair.
type ClassPolicy struct {
	MaxTurns int
	Timeout  time.Duration
}

var classPolicies = map[Class]ClassPolicy{
	ClassGreeting: {MaxTurns: 1, Timeout: 30 * time.Second},
	ClassSimple:   {MaxTurns: 2, Timeout: 30 * time.Second},
	ClassStandard: {MaxTurns: 5, Timeout: 60 * time.Second},
	ClassComplex:  {MaxTurns: 10, Timeout: 120 * time.Second},
}

// PolicyFor returns the max_turns/timeout pair for a classification.
func PolicyFor(c Class) ClassPolicy { return classPolicies[c] }

var greetingTokens = []string{"hello", "hi", "hey", "good morning", "good afternoon", "howdy"}
var terminationMarkers = []string{"done", "final answer", "conclusion"}

// Classify maps a first user message to a Class. Deliberately simple
// heuristics (length + keyword) rather than a model call — classification
// must be cheap since it gates the whole conversation's turn budget.
func Classify(message string) Class {
	trimmed := strings.TrimSpace(strings.ToLower(message))
	for _, g := range greetingTokens {
		if trimmed == g || strings.HasPrefix(trimmed, g+" ") || strings.HasPrefix(trimmed, g+"!") {
			return ClassGreeting
		}
	}
	words := len(strings.Fields(trimmed))
	switch {
	case words <= 6:
		return ClassSimple
	case words <= 40:
		return ClassStandard
	default:
		return ClassComplex
	}
}

// HasTerminationMarker reports whether text contains an explicit
// conversation-ending phrase.
func HasTerminationMarker(text string) bool {
	lower := strings.ToLower(text)
	for _, m := range terminationMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// Terminate is the sentinel returned instead of an agent id when the
// selector decides the conversation should end.
const Terminate = ""

// Candidate is one eligible agent considered for the next turn.
type Candidate struct {
	Def              *agent.Definition
	EstimatedCost    float64
	LastSpokenTurn   int // -1 if never spoken
	DependenciesMet  bool
	ExpertiseMatch   float64 // 0..1, caller-computed relevance to last message
}

// Weights are the spec §4.2 scoring weights.
const (
	WeightRelevance            = 0.40
	WeightDiversity            = 0.20
	WeightDependencySatisfaction = 0.15
	WeightCostFit              = 0.15
	WeightRecency              = 0.10
)

// SelectionInput bundles the in-loop scoring context.
type SelectionInput struct {
	Candidates       []Candidate
	SpeakerHistory   []string // recent speaker ids, most recent last
	RecentK          int      // diversity penalty window
	RemainingBudget  float64
	CurrentTurn      int
	MaxTurns         int
	LastMessage      string
	SingleAgentDone  bool
}

// SelectInLoop scores every eligible candidate and returns the winning
// agent_id, or Terminate if the loop should end.
func SelectInLoop(in SelectionInput) string {
	if in.CurrentTurn >= in.MaxTurns {
		return Terminate
	}
	if HasTerminationMarker(in.LastMessage) {
		return Terminate
	}
	if in.SingleAgentDone {
		return Terminate
	}
	if len(in.Candidates) == 0 {
		return Terminate
	}

	recent := map[string]int{} // agent_id -> times seen in last RecentK
	k := in.RecentK
	if k <= 0 {
		k = 3
	}
	start := len(in.SpeakerHistory) - k
	if start < 0 {
		start = 0
	}
	for _, id := range in.SpeakerHistory[start:] {
		recent[id]++
	}

	consecutiveSame := sameSpeakerTail(in.SpeakerHistory)

	var best *Candidate
	var bestScore float64 = -1
	for i := range in.Candidates {
		c := &in.Candidates[i]
		// Never pick the same speaker for more than k=2 consecutive turns
		// when other eligible agents exist (spec §8 invariant).
		if consecutiveSame.id == c.Def.ID && consecutiveSame.count >= 2 && len(in.Candidates) > 1 {
			continue
		}

		diversity := 1.0
		if n, ok := recent[c.Def.ID]; ok {
			diversity = 1.0 / float64(n+1)
		}
		depSat := 0.0
		if c.DependenciesMet {
			depSat = 1.0
		}
		costFit := costFitScore(c.EstimatedCost, in.RemainingBudget)
		recency := recencyScore(c.LastSpokenTurn, in.CurrentTurn)

		score := WeightRelevance*c.ExpertiseMatch +
			WeightDiversity*diversity +
			WeightDependencySatisfaction*depSat +
			WeightCostFit*costFit +
			WeightRecency*recency

		if score > bestScore ||
			(score == bestScore && best != nil && tieBreak(c, best)) {
			bestScore = score
			best = c
		}
	}
	if best == nil {
		return Terminate
	}
	return best.Def.ID
}

func tieBreak(c, best *Candidate) bool {
	if c.EstimatedCost != best.EstimatedCost {
		return c.EstimatedCost < best.EstimatedCost
	}
	return c.Def.ID < best.Def.ID
}

func costFitScore(estimatedCost, remainingBudget float64) float64 {
	if remainingBudget <= 0 {
		return 0
	}
	ratio := estimatedCost / remainingBudget
	if ratio >= 1 {
		return 0
	}
	return 1 - ratio
}

func recencyScore(lastSpokenTurn, currentTurn int) float64 {
	if lastSpokenTurn < 0 {
		return 1.0
	}
	gap := currentTurn - lastSpokenTurn
	if gap <= 0 {
		return 0
	}
	score := float64(gap) / 10.0
	if score > 1 {
		score = 1
	}
	return score
}

type speakerTail struct {
	id    string
	count int
}

func sameSpeakerTail(history []string) speakerTail {
	if len(history) == 0 {
		return speakerTail{}
	}
	last := history[len(history)-1]
	count := 0
	for i := len(history) - 1; i >= 0 && history[i] == last; i-- {
		count++
	}
	return speakerTail{id: last, count: count}
}
