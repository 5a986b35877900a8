package llm

import (
	"context"

	"github.com/convergio/maoc/internal/domain/entity"
	"github.com/convergio/maoc/internal/domain/runner"
	"github.com/convergio/maoc/internal/domain/service"
)

// AgentLoopProvider adapts service.AgentLoop to runner.Provider, letting C9's
// Runner drive each orchestrator turn through the same ReAct sub-loop
// (state machine, tool-call middleware, retries, context compaction,
// reasoning-tag stripping) the single-agent /api/v1/agent endpoint uses,
// instead of a bare delta relay that skips tool execution entirely.
// Tool calls are executed by the AgentLoop itself — the ToolResult chunks
// this emits are already-resolved outputs, not a request for the Runner to
// execute anything.
type AgentLoopProvider struct {
	loop  *service.AgentLoop
	model string
}

// NewAgentLoopProvider binds model so each orchestrator turn's provider
// resolution (one per candidate agent definition) targets the right model
// without threading it through runner.TurnRequest.
func NewAgentLoopProvider(loop *service.AgentLoop, model string) *AgentLoopProvider {
	return &AgentLoopProvider{loop: loop, model: model}
}

var _ runner.Provider = (*AgentLoopProvider)(nil)

// Stream runs one AgentLoop.Run turn (fresh per call — the orchestrator owns
// cross-turn conversation state) and relays its entity.AgentEvent stream as
// runner.ProviderChunk.
func (p *AgentLoopProvider) Stream(ctx context.Context, systemPrompt, userMessage string, out chan<- runner.ProviderChunk) error {
	defer close(out)

	_, events := p.loop.Run(ctx, systemPrompt, userMessage, nil, p.model)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			pc, terminal := toProviderChunk(ev)
			if pc == nil {
				continue
			}
			select {
			case out <- *pc:
			case <-ctx.Done():
				return ctx.Err()
			}
			if terminal {
				return nil
			}
		}
	}
}

// toProviderChunk translates one AgentLoop event into the runner's chunk
// vocabulary. Returns (nil, false) for events with no ProviderChunk
// equivalent (step/thinking bookkeeping the Runner doesn't surface).
func toProviderChunk(ev entity.AgentEvent) (*runner.ProviderChunk, bool) {
	switch ev.Type {
	case entity.EventTextDelta:
		return &runner.ProviderChunk{DeltaText: ev.Content}, false
	case entity.EventToolCall:
		if ev.ToolCall == nil {
			return nil, false
		}
		return &runner.ProviderChunk{
			ToolCallID:   ev.ToolCall.ID,
			ToolCallName: ev.ToolCall.Name,
			ToolCallArgs: ev.ToolCall.Arguments,
		}, false
	case entity.EventToolResult:
		if ev.ToolCall == nil {
			return nil, false
		}
		pc := &runner.ProviderChunk{ToolCallID: ev.ToolCall.ID, ToolResult: ev.ToolCall.Output}
		if !ev.ToolCall.Success {
			pc.ToolError = ev.ToolCall.Output
		}
		return pc, false
	case entity.EventDone:
		return &runner.ProviderChunk{FinishReason: "stop"}, true
	case entity.EventError:
		return &runner.ProviderChunk{FinishReason: "error", ToolError: ev.Error}, true
	default:
		return nil, false
	}
}
