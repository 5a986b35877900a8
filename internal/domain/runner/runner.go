// Package runner implements C9, the Streaming Runner. Generalizes
// internal/domain/service/agent_loop.go's Run/runLoop/emitEvent trio —
// a goroutine driving a ReAct loop that emits entity.AgentEvent onto a
// bounded, drop-on-full channel — into the spec's entity.StreamEvent
// vocabulary with strict (turn_index, seq) ordering, heartbeats, and a
// bounded cancellation-to-final latency guarantee.
package runner

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/convergio/maoc/internal/domain/entity"
)

const (
	mailboxCapacity     = 64
	defaultHeartbeat    = 5 * time.Second
	cancelDrainDeadline = 2 * time.Second
)

// ProviderChunk is one increment from a streaming model call, mirroring
// agent_loop.go's StreamChunk shape (delta text / delta tool call / finish
// reason) rather than reinventing it.
type ProviderChunk struct {
	DeltaText    string
	ToolCallID   string
	ToolCallName string
	ToolCallArgs map[string]any
	ToolResult   string
	ToolError    string
	FinishReason string // "", "stop", "length", "tool", "error"
}

// Provider streams a single turn's model output onto out, closing out when
// the turn completes (normally or with error). Tool execution is assumed to
// happen inside the provider implementation (it owns the ReAct sub-loop);
// the Runner only relays what it reports.
type Provider interface {
	Stream(ctx context.Context, systemPrompt, userMessage string, out chan<- ProviderChunk) error
}

// TurnRequest is one turn's input to the Runner.
type TurnRequest struct {
	ConvID       string
	TurnIndex    int
	SpeakerID    string
	SystemPrompt string
	UserMessage  string
	Heartbeat    time.Duration // 0 = defaultHeartbeat
}

// Runner is C9.
type Runner struct {
	logger *zap.Logger
}

func New(logger *zap.Logger) *Runner {
	return &Runner{logger: logger.With(zap.String("component", "streaming-runner"))}
}

// RunTurn drives provider.Stream and relays it as entity.StreamEvent onto
// the returned channel, closing it after the turn's last event: turn_ended
// (sent after final, which follows error when the provider failed), or
// final(cancelled) when ctx is cancelled. On cancellation the final event
// is offered for at most cancelDrainDeadline and dropped if the mailbox
// stays full that long.
func (r *Runner) RunTurn(ctx context.Context, provider Provider, req TurnRequest) <-chan *entity.StreamEvent {
	out := make(chan *entity.StreamEvent, mailboxCapacity)
	heartbeat := req.Heartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}

	go r.drive(ctx, provider, req, heartbeat, out)
	return out
}

func (r *Runner) drive(ctx context.Context, provider Provider, req TurnRequest, heartbeat time.Duration, out chan<- *entity.StreamEvent) {
	defer close(out)
	seq := entity.NewSeqCounter()

	r.send(ctx, out, &entity.StreamEvent{
		Type: entity.EventTurnStarted, ConvID: req.ConvID, TurnIndex: req.TurnIndex,
		Seq: seq(), Timestamp: time.Now(), SpeakerID: req.SpeakerID,
	})

	chunks := make(chan ProviderChunk, mailboxCapacity)
	streamDone := make(chan error, 1)
	go func() {
		defer close(chunks)
		streamDone <- provider.Stream(ctx, req.SystemPrompt, req.UserMessage, chunks)
	}()

	hbTicker := time.NewTicker(heartbeat)
	defer hbTicker.Stop()

	pendingCalls := make(map[string]bool)
	totalTokens := 0
	reason := entity.CompletionStop

	finish := func() {
		r.send(ctx, out, &entity.StreamEvent{
			Type: entity.EventFinal, ConvID: req.ConvID, TurnIndex: req.TurnIndex,
			Seq: seq(), Timestamp: time.Now(), TotalTokens: totalTokens, CompletionReason: reason,
		})
		r.send(ctx, out, &entity.StreamEvent{
			Type: entity.EventTurnEnded, ConvID: req.ConvID, TurnIndex: req.TurnIndex,
			Seq: seq(), Timestamp: time.Now(), SpeakerID: req.SpeakerID,
		})
	}

	for {
		select {
		case <-ctx.Done():
			reason = entity.CompletionCancelled
			r.drainCancel(out, req, seq)
			return

		case <-hbTicker.C:
			// Heartbeats are best-effort: drop on a full mailbox rather than
			// block the driving goroutine, mirroring emitEvent's non-blocking
			// select-default-drop discipline in agent_loop.go.
			select {
			case out <- &entity.StreamEvent{Type: entity.EventHeartbeat, ConvID: req.ConvID, TurnIndex: req.TurnIndex, Seq: seq(), Timestamp: time.Now()}:
			default:
				r.logger.Warn("heartbeat dropped, mailbox full", zap.String("conv_id", req.ConvID))
			}

		case c, ok := <-chunks:
			if !ok {
				if err := <-streamDone; err != nil {
					reason = entity.CompletionError
					r.send(ctx, out, &entity.StreamEvent{
						Type: entity.EventError, ConvID: req.ConvID, TurnIndex: req.TurnIndex,
						Seq: seq(), Timestamp: time.Now(), ErrKind: "Internal", ErrDetails: err.Error(),
					})
				}
				finish()
				return
			}
			r.relay(ctx, out, req, seq, c, pendingCalls, &totalTokens, &reason)
		}
	}
}

func (r *Runner) relay(ctx context.Context, out chan<- *entity.StreamEvent, req TurnRequest, seq func() int, c ProviderChunk, pendingCalls map[string]bool, totalTokens *int, reason *entity.CompletionReason) {
	now := time.Now()
	if c.DeltaText != "" {
		r.send(ctx, out, &entity.StreamEvent{
			Type: entity.EventDelta, ConvID: req.ConvID, TurnIndex: req.TurnIndex,
			Seq: seq(), Timestamp: now, DeltaContent: c.DeltaText,
		})
	}
	if c.ToolCallID != "" && c.ToolResult == "" && c.ToolError == "" {
		pendingCalls[c.ToolCallID] = true
		r.send(ctx, out, &entity.StreamEvent{
			Type: entity.EventToolCall, ConvID: req.ConvID, TurnIndex: req.TurnIndex,
			Seq: seq(), Timestamp: now, CallID: c.ToolCallID, ToolName: c.ToolCallName, Arguments: c.ToolCallArgs,
		})
	}
	if c.ToolResult != "" || c.ToolError != "" {
		// Unmatched tool_result (no preceding tool_call) is logged, not
		// dropped — the spec requires pairing be enforced, but silently
		// discarding data the provider did send would hide a provider bug.
		if !pendingCalls[c.ToolCallID] {
			r.logger.Warn("tool_result without matching tool_call", zap.String("call_id", c.ToolCallID))
		}
		delete(pendingCalls, c.ToolCallID)
		r.send(ctx, out, &entity.StreamEvent{
			Type: entity.EventToolResult, ConvID: req.ConvID, TurnIndex: req.TurnIndex,
			Seq: seq(), Timestamp: now, CallID: c.ToolCallID, ToolName: c.ToolCallName,
			Result: c.ToolResult, ToolError: c.ToolError,
		})
	}
	switch c.FinishReason {
	case "stop":
		*reason = entity.CompletionStop
	case "length":
		*reason = entity.CompletionLength
	case "tool":
		*reason = entity.CompletionTool
	case "error":
		*reason = entity.CompletionError
	}
}

// drainCancel offers a final(cancelled) event for at most
// cancelDrainDeadline after context cancellation; if the mailbox stays full
// that long, the event is dropped and an error logged.
func (r *Runner) drainCancel(out chan<- *entity.StreamEvent, req TurnRequest, seq func() int) {
	event := &entity.StreamEvent{
		Type: entity.EventFinal, ConvID: req.ConvID, TurnIndex: req.TurnIndex,
		Seq: seq(), Timestamp: time.Now(), CompletionReason: entity.CompletionCancelled,
	}
	select {
	case out <- event:
	case <-time.After(cancelDrainDeadline):
		r.logger.Error("cancellation drain deadline exceeded, dropping final event",
			zap.String("conv_id", req.ConvID), zap.Int("turn_index", req.TurnIndex))
	}
}

// send is the blocking-but-bounded path used for every event except
// heartbeats: ordering and delivery of deltas/tool events/final events must
// not be silently dropped, but a cancelled context still unblocks the send.
func (r *Runner) send(ctx context.Context, out chan<- *entity.StreamEvent, event *entity.StreamEvent) {
	select {
	case out <- event:
	case <-ctx.Done():
	}
}
