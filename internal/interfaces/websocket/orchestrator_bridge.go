package websocket

import (
	"context"

	"go.uber.org/zap"

	"github.com/convergio/maoc/internal/domain/entity"
	"github.com/convergio/maoc/internal/domain/orchestrator"
)

// OrchestratorBridge wires the Hub's onMessage callback to C10's group
// orchestrator: a MessageTypeChat frame starts one conversation turn loop,
// and every entity.StreamEvent it emits is relayed back to the originating
// client as a MessageTypeStream frame, generalizing Hub.SendToClient's
// existing per-client send path to a long-lived streaming response.
type OrchestratorBridge struct {
	orc    *orchestrator.Orchestrator
	logger *zap.Logger
}

func NewOrchestratorBridge(orc *orchestrator.Orchestrator, logger *zap.Logger) *OrchestratorBridge {
	return &OrchestratorBridge{orc: orc, logger: logger.With(zap.String("component", "ws-orchestrator-bridge"))}
}

// HandleMessage is a Hub.onMessage callback: pass it to hub.SetMessageHandler.
func (b *OrchestratorBridge) HandleMessage(client *Client, msg *WSMessage) {
	if msg.Type != MessageTypeChat {
		return
	}
	convID := msg.SessionID
	if convID == "" {
		convID = client.ID
	}

	events, err := b.orc.Orchestrate(context.Background(), orchestrator.Request{
		ConvID:      convID,
		UserID:      client.UserID,
		UserMessage: msg.Content,
	})
	if err != nil {
		client.SendMessage(&WSMessage{Type: MessageTypeError, SessionID: convID, Content: err.Error()})
		return
	}

	go func() {
		for event := range events {
			client.SendMessage(b.toWSMessage(convID, event))
		}
	}()
}

func (b *OrchestratorBridge) toWSMessage(convID string, e *entity.StreamEvent) *WSMessage {
	switch e.Type {
	case entity.EventDelta:
		return &WSMessage{Type: MessageTypeStream, SessionID: convID, Content: e.DeltaContent}
	case entity.EventToolCall:
		return &WSMessage{Type: MessageTypeToolCall, SessionID: convID, ID: e.CallID, Content: e.ToolName,
			Metadata: map[string]interface{}{"arguments": e.Arguments}}
	case entity.EventToolResult:
		return &WSMessage{Type: MessageTypeToolResult, SessionID: convID, ID: e.CallID, Content: e.Result}
	case entity.EventError:
		return &WSMessage{Type: MessageTypeError, SessionID: convID, Content: e.ErrDetails,
			Metadata: map[string]interface{}{"kind": e.ErrKind, "retryable": e.ErrRetryable}}
	default:
		return &WSMessage{Type: MessageTypeStream, SessionID: convID,
			Metadata: map[string]interface{}{"event_type": string(e.Type), "turn_index": e.TurnIndex, "seq": e.Seq}}
	}
}
