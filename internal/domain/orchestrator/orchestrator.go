// Package orchestrator implements C10, the Group Orchestrator: the
// top-level state machine that composes C1-C9 into one conversation turn
// loop. Grounded directly on internal/domain/service/state_machine.go's
// validTransitions-map + listener-notified StateMachine, generalized from
// a single agent run's Idle/Streaming/ToolExec/... states to the spec's
// conversation-level phases.
package orchestrator

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/convergio/maoc/internal/domain/agent"
	"github.com/convergio/maoc/internal/domain/approval"
	"github.com/convergio/maoc/internal/domain/breaker"
	"github.com/convergio/maoc/internal/domain/entity"
	"github.com/convergio/maoc/internal/domain/ledger"
	"github.com/convergio/maoc/internal/domain/pricing"
	"github.com/convergio/maoc/internal/domain/rag"
	"github.com/convergio/maoc/internal/domain/runner"
	"github.com/convergio/maoc/internal/domain/safety"
	"github.com/convergio/maoc/internal/domain/speaker"
	"github.com/convergio/maoc/internal/domain/turntracker"
	"github.com/convergio/maoc/internal/domain/valueobject"
)

// Phase is one node of the orchestration state machine.
type Phase string

const (
	PhaseInit          Phase = "INIT"
	PhaseAdmit         Phase = "ADMIT"
	PhasePrepare       Phase = "PREPARE"
	PhaseSelect        Phase = "SELECT"
	PhaseRetrieve      Phase = "RETRIEVE"
	PhaseValidateInput Phase = "VALIDATE_INPUT"
	PhaseRunTurn       Phase = "RUN_TURN"
	PhasePostValidate  Phase = "POST_VALIDATE"
	PhaseRecord        Phase = "RECORD"
	PhaseDecideCont    Phase = "DECIDE_CONT"
	PhaseTerminate     Phase = "TERMINATE"
	PhaseDone          Phase = "DONE"
)

// validTransitions mirrors state_machine.go's shape: a from-state keyed map
// of allowed to-states. CANCEL/TIMEOUT/ERROR fold into every non-terminal
// phase's allowed set reaching PhaseTerminate, per spec §5.
var validTransitions = map[Phase]map[Phase]bool{
	PhaseInit:          {PhaseAdmit: true, PhaseTerminate: true},
	PhaseAdmit:         {PhasePrepare: true, PhaseTerminate: true},
	PhasePrepare:       {PhaseSelect: true, PhaseTerminate: true},
	PhaseSelect:        {PhaseRetrieve: true, PhaseTerminate: true},
	PhaseRetrieve:      {PhaseValidateInput: true, PhaseTerminate: true},
	PhaseValidateInput: {PhaseRunTurn: true, PhaseTerminate: true},
	PhaseRunTurn:       {PhasePostValidate: true, PhaseTerminate: true},
	PhasePostValidate:  {PhaseRecord: true, PhaseTerminate: true},
	PhaseRecord:        {PhaseDecideCont: true, PhaseTerminate: true},
	PhaseDecideCont:    {PhaseSelect: true, PhaseTerminate: true},
	PhaseTerminate:     {PhaseDone: true},
	PhaseDone:          {},
}

// transition validates and logs a phase change and returns an error for a
// disallowed pair; callers terminate the conversation on that error. An
// invalid transition is a programmer error, mirroring state_machine.go's
// Transition.
func transition(logger *zap.Logger, from, to Phase) error {
	if allowed, ok := validTransitions[from]; !ok || !allowed[to] {
		err := fmt.Errorf("invalid orchestrator transition: %s -> %s", from, to)
		logger.Error("orchestrator state machine violation", zap.Error(err))
		return err
	}
	logger.Debug("orchestrator phase transition", zap.String("from", string(from)), zap.String("to", string(to)))
	return nil
}

// ProviderResolver returns a streaming Provider for the given agent
// definition, typically wrapping an internal/infrastructure/llm client.
type ProviderResolver func(def *agent.Definition) (runner.Provider, string, string, error) // provider, provider name, model name

// Request starts one conversation turn loop.
type Request struct {
	ConvID         string
	UserID         string
	UserMessage    string
	BudgetLimitUSD float64
	ApprovalTimeout time.Duration // 0 = 60s default
}

// Orchestrator is C10, composing C1 (ledger), C2 (breaker), C3 (registry),
// C4 (rag), C5 (speaker), C6 (safety), C7 (approval), C8 (turntracker), and
// C9 (runner).
type Orchestrator struct {
	registry  *agent.Registry
	breaker   *breaker.Breaker
	ledger    *ledger.Ledger
	injector  *rag.Injector
	guardian  *safety.Guardian
	approvals *approval.Store
	tracker   *turntracker.Tracker
	streamer  *runner.Runner
	prices    *pricing.Table
	resolve   ProviderResolver
	logger    *zap.Logger
}

func New(
	registry *agent.Registry,
	brk *breaker.Breaker,
	ldg *ledger.Ledger,
	injector *rag.Injector,
	guardian *safety.Guardian,
	approvals *approval.Store,
	tracker *turntracker.Tracker,
	streamer *runner.Runner,
	prices *pricing.Table,
	resolve ProviderResolver,
	logger *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		registry: registry, breaker: brk, ledger: ldg, injector: injector,
		guardian: guardian, approvals: approvals, tracker: tracker, streamer: streamer,
		prices: prices, resolve: resolve,
		logger: logger.With(zap.String("component", "group-orchestrator")),
	}
}

const defaultApprovalTimeout = 60 * time.Second
const defaultOverallDeadline = 180 * time.Second
const maxProviderRetries = 2

// Orchestrate drives one conversation start-to-finish through the INIT..
// DONE state machine, emitting the merged stream of every turn's
// entity.StreamEvent plus a final orchestrator_final summary event.
func (o *Orchestrator) Orchestrate(ctx context.Context, req Request) (<-chan *entity.StreamEvent, error) {
	out := make(chan *entity.StreamEvent, 64)
	go o.run(ctx, req, out)
	return out, nil
}

func (o *Orchestrator) run(ctx context.Context, req Request, out chan<- *entity.StreamEvent) {
	defer close(out)
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultOverallDeadline)
		defer cancel()
	}
	phase := PhaseInit
	agentsUsed := map[string]bool{}
	var totalCost valueobject.Decimal6
	status := entity.ConversationError

	terminate := func(next Phase, s entity.ConversationStatus, msg string) {
		_ = transition(o.logger, phase, PhaseTerminate)
		phase = PhaseTerminate
		status = s
		agents := make([]string, 0, len(agentsUsed))
		for a := range agentsUsed {
			agents = append(agents, a)
		}
		out <- &entity.StreamEvent{
			Type: entity.EventOrchestratorFinal, ConvID: req.ConvID,
			Timestamp: time.Now(), Status: string(s), TotalCost: totalCost.Float64(),
			AgentsUsed: agents, Message: msg,
		}
		_ = transition(o.logger, phase, PhaseDone)
		phase = PhaseDone
	}

	// --- ADMIT ---
	if err := transition(o.logger, phase, PhaseAdmit); err != nil {
		terminate(PhaseTerminate, entity.ConversationError, err.Error())
		return
	}
	phase = PhaseAdmit

	if ok, reason := o.breaker.AdmitRequest("", "", req.UserID, 0); !ok {
		terminate(PhaseTerminate, entity.ConversationError, "admission refused: "+reason)
		return
	}

	decision := o.guardian.ValidatePrompt(req.UserMessage, "")
	if decision.Block {
		terminate(PhaseTerminate, entity.ConversationSafetyBlocked, "blocked: "+decision.BlockReason)
		return
	}
	if decision.RequireApproval {
		timeout := req.ApprovalTimeout
		if timeout <= 0 {
			timeout = defaultApprovalTimeout
		}
		areq, err := o.approvals.Create(req.ConvID, 0, "admit_conversation", map[string]any{"message": decision.RedactedMessage}, decision.Risk, req.ConvID+"-admit")
		if err != nil {
			terminate(PhaseTerminate, entity.ConversationError, err.Error())
			return
		}
		st, err := o.approvals.Await(ctx, areq.ID, timeout)
		if err != nil || st != entity.ApprovalApproved {
			terminate(PhaseTerminate, entity.ConversationSafetyBlocked, "admission approval not granted")
			return
		}
	}

	// --- PREPARE ---
	if err := transition(o.logger, phase, PhasePrepare); err != nil {
		terminate(PhaseTerminate, entity.ConversationError, err.Error())
		return
	}
	phase = PhasePrepare

	conv, err := entity.NewConversation(req.ConvID, req.UserID, req.BudgetLimitUSD)
	if err != nil {
		terminate(PhaseTerminate, entity.ConversationError, err.Error())
		return
	}
	o.tracker.SetBudget(req.ConvID, valueobject.NewDecimal6FromFloat(req.BudgetLimitUSD))

	userMsg, _ := entity.NewMessage(req.ConvID+"-u0", req.ConvID,
		valueobject.NewMessageContent(decision.RedactedMessage, valueobject.ContentTypeText),
		valueobject.NewUser(req.UserID, req.UserID, "user"))
	_ = conv.AppendMessage(userMsg, 0)

	class := speaker.Classify(req.UserMessage)
	policy := speaker.PolicyFor(class)
	lastMessage := req.UserMessage
	var speakerHistory []string
	turnIndex := 0

	for {
		select {
		case <-ctx.Done():
			terminate(PhaseTerminate, entity.ConversationCancelled, "cancelled")
			return
		default:
		}

		// --- SELECT ---
		if err := transition(o.logger, phase, PhaseSelect); err != nil {
			terminate(PhaseTerminate, entity.ConversationError, err.Error())
			return
		}
		phase = PhaseSelect

		candidates := o.buildCandidates(speakerHistory)
		var speakerID string
		if turnIndex == 0 {
			speakerID = firstTurnSpeaker(candidates)
		} else {
			remaining, _ := o.ledger.Utilization(ledger.Scope{ConvID: req.ConvID})
			speakerID = speaker.SelectInLoop(speaker.SelectionInput{
				Candidates: candidates, SpeakerHistory: speakerHistory, RecentK: 3,
				RemainingBudget: 1 - remaining, CurrentTurn: turnIndex, MaxTurns: policy.MaxTurns,
				LastMessage: lastMessage, SingleAgentDone: (class == speaker.ClassGreeting || class == speaker.ClassSimple) && turnIndex >= 1,
			})
		}
		if speakerID == speaker.Terminate {
			terminate(PhaseTerminate, entity.ConversationDone, "selector terminated")
			return
		}

		inst, err := o.registry.Get(speakerID)
		if err != nil {
			terminate(PhaseTerminate, entity.ConversationError, err.Error())
			return
		}
		def := inst.Def

		// --- RETRIEVE ---
		if err := transition(o.logger, phase, PhaseRetrieve); err != nil {
			inst.Release()
			terminate(PhaseTerminate, entity.ConversationError, err.Error())
			return
		}
		phase = PhaseRetrieve
		ragCtx := o.injector.Build(ctx, speakerID, lastMessage, speakerHistory, def.MaxContextTokens)

		// --- VALIDATE_INPUT ---
		if err := transition(o.logger, phase, PhaseValidateInput); err != nil {
			inst.Release()
			terminate(PhaseTerminate, entity.ConversationError, err.Error())
			return
		}
		phase = PhaseValidateInput

		provider, providerName, model, err := o.resolve(def)
		if err != nil {
			inst.Release()
			terminate(PhaseTerminate, entity.ConversationError, err.Error())
			return
		}

		if ok, reason := o.breaker.AdmitRequest(providerName, speakerID, req.UserID, 0); !ok {
			inst.Release()
			terminate(PhaseTerminate, entity.ConversationError, "breaker refused: "+reason)
			return
		}

		// --- RUN_TURN ---
		if err := transition(o.logger, phase, PhaseRunTurn); err != nil {
			inst.Release()
			terminate(PhaseTerminate, entity.ConversationError, err.Error())
			return
		}
		phase = PhaseRunTurn

		systemPrompt := def.SystemPrompt + buildRAGPreamble(ragCtx)
		promptTokens, completionTokens, finalContent, turnErr := o.runTurnWithRetry(ctx, provider, providerName, speakerID, req.ConvID, turnIndex, systemPrompt, lastMessage, out)
		inst.Release()

		if turnErr != nil {
			o.breaker.RecordOutcome(providerName, speakerID, false, turnErr.Error())
			terminate(PhaseTerminate, entity.ConversationError, turnErr.Error())
			return
		}
		o.breaker.RecordOutcome(providerName, speakerID, true, "")
		agentsUsed[speakerID] = true

		// --- POST_VALIDATE ---
		if err := transition(o.logger, phase, PhasePostValidate); err != nil {
			terminate(PhaseTerminate, entity.ConversationError, err.Error())
			return
		}
		phase = PhasePostValidate

		outDecision := o.guardian.ValidateOutput(finalContent)
		if outDecision.Block {
			terminate(PhaseTerminate, entity.ConversationSafetyBlocked, "output blocked: "+outDecision.BlockReason)
			return
		}
		if outDecision.Sanitize {
			finalContent = outDecision.SanitizedText
		}

		// --- RECORD ---
		if err := transition(o.logger, phase, PhaseRecord); err != nil {
			terminate(PhaseTerminate, entity.ConversationError, err.Error())
			return
		}
		phase = PhaseRecord

		rec, err := o.tracker.RecordTurn(req.ConvID, turnIndex, speakerID, providerName, model, promptTokens, completionTokens, 0)
		if err != nil {
			terminate(PhaseTerminate, entity.ConversationError, err.Error())
			return
		}
		totalCost = totalCost.Add(rec.CostUSD)
		_ = o.ledger.Record(entity.NewCostLedgerEntry(providerName, model, speakerID, req.ConvID, "", promptTokens, completionTokens, rec.CostUSD))

		reply, _ := entity.NewMessage(fmt.Sprintf("%s-a%d", req.ConvID, turnIndex), req.ConvID,
			valueobject.NewMessageContent(finalContent, valueobject.ContentTypeText),
			valueobject.NewUser(speakerID, speakerID, "agent"))
		if err := conv.AppendMessage(reply, turnIndex); err != nil {
			terminate(PhaseTerminate, entity.ConversationError, err.Error())
			return
		}
		conv.AdvanceTurn()

		summary, _ := o.tracker.Summary(req.ConvID)
		if summary.Utilization >= 1.0 {
			terminate(PhaseTerminate, entity.ConversationBudgetExceeded, "budget exceeded")
			return
		}

		// --- DECIDE_CONT ---
		if err := transition(o.logger, phase, PhaseDecideCont); err != nil {
			terminate(PhaseTerminate, entity.ConversationError, err.Error())
			return
		}
		phase = PhaseDecideCont

		speakerHistory = append(speakerHistory, speakerID)
		lastMessage = finalContent
		turnIndex++

		if turnIndex >= policy.MaxTurns || speaker.HasTerminationMarker(finalContent) {
			terminate(PhaseTerminate, entity.ConversationDone, "turn budget reached")
			return
		}
	}
}

// runTurnWithRetry drives C9 for one turn, retrying up to maxProviderRetries
// times with exponential backoff on transient provider failures, per the
// spec's provider-retry failure semantics.
func (o *Orchestrator) runTurnWithRetry(ctx context.Context, provider runner.Provider, providerName, speakerID, convID string, turnIndex int, systemPrompt, userMessage string, out chan<- *entity.StreamEvent) (promptTokens, completionTokens int, finalContent string, err error) {
	var lastErr error
	for attempt := 0; attempt <= maxProviderRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * time.Second
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return 0, 0, "", ctx.Err()
			}
		}

		events := o.streamer.RunTurn(ctx, provider, runner.TurnRequest{
			ConvID: convID, TurnIndex: turnIndex, SpeakerID: speakerID,
			SystemPrompt: systemPrompt, UserMessage: userMessage,
		})

		var content string
		var encounteredErr error
		for ev := range events {
			out <- ev
			switch ev.Type {
			case entity.EventDelta:
				content += ev.DeltaContent
			case entity.EventError:
				encounteredErr = fmt.Errorf("%s: %s", ev.ErrKind, ev.ErrDetails)
			case entity.EventFinal:
				completionTokens = ev.TotalTokens
				if ev.CompletionReason == entity.CompletionCancelled {
					return 0, 0, "", context.Canceled
				}
			}
		}
		if encounteredErr == nil {
			return len(systemPrompt) / 3, completionTokens, content, nil
		}
		lastErr = encounteredErr
	}
	return 0, 0, "", lastErr
}

func buildRAGPreamble(ragCtx valueobject.RAGContext) string {
	if ragCtx.Degraded || len(ragCtx.Facts) == 0 {
		return ""
	}
	preamble := "\n\nRelevant context:\n"
	for _, f := range ragCtx.Facts {
		preamble += "- " + f.Text + "\n"
	}
	if ragCtx.ConflictNote != "" {
		preamble += "Note: " + ragCtx.ConflictNote + "\n"
	}
	return preamble
}

// buildCandidates lists every registered agent as a speaker.Candidate. A
// production wiring would compute ExpertiseMatch from the RAG bundle and
// DependenciesMet from the agent DAG; here we derive a conservative default
// so the selector's weighting degrades gracefully with a thin registry.
func (o *Orchestrator) buildCandidates(history []string) []speaker.Candidate {
	defs := o.registry.List(agent.ListFilter{})
	lastSpoken := make(map[string]int, len(history))
	for i, id := range history {
		lastSpoken[id] = i
	}
	candidates := make([]speaker.Candidate, 0, len(defs))
	for _, d := range defs {
		last := -1
		if idx, ok := lastSpoken[d.ID]; ok {
			last = idx
		}
		candidates = append(candidates, speaker.Candidate{
			Def: d, EstimatedCost: d.CostPerInteraction, LastSpokenTurn: last,
			DependenciesMet: true, ExpertiseMatch: 0.5,
		})
	}
	return candidates
}

func firstTurnSpeaker(candidates []speaker.Candidate) string {
	for _, c := range candidates {
		if c.Def.Tier == agent.TierExecutive {
			return c.Def.ID
		}
	}
	if len(candidates) > 0 {
		return candidates[0].Def.ID
	}
	return speaker.Terminate
}
