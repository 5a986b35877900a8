package entity

import "time"

// StreamEventType is the tag of the StreamEvent union C9 emits. Generalizes
// the teacher's AgentEventType enum with the handoff/heartbeat/final variants
// the orchestrator contract requires, plus the meta events the orchestrator
// layers on top of a raw turn's event sequence (turn_started/turn_ended/
// orchestrator_final). It is an alias of AgentEventType, so the tool_call,
// tool_result and error tags are the EventToolCall/EventToolResult/EventError
// constants declared in agent_event.go.
type StreamEventType = AgentEventType

const (
	EventDelta             StreamEventType = "delta"
	EventHandoff           StreamEventType = "handoff"
	EventHeartbeat         StreamEventType = "heartbeat"
	EventFinal             StreamEventType = "final"
	EventTurnStarted       StreamEventType = "turn_started"
	EventTurnEnded         StreamEventType = "turn_ended"
	EventOrchestratorFinal StreamEventType = "orchestrator_final"
)

// CompletionReason classifies why a turn's `final`/`turn_ended` event fired.
type CompletionReason string

const (
	CompletionStop      CompletionReason = "stop"
	CompletionLength    CompletionReason = "length"
	CompletionTool      CompletionReason = "tool"
	CompletionCancelled CompletionReason = "cancelled"
	CompletionError     CompletionReason = "error"
)

// StreamEvent is a single, totally-ordered entry in a turn's event sequence.
// Seq is strictly increasing starting at 0 within one turn; TurnIndex ties it
// to its Conversation per the (turn_index, seq) total order.
type StreamEvent struct {
	Type      StreamEventType
	ConvID    string
	TurnIndex int
	Seq       int
	Timestamp time.Time

	// delta
	DeltaContent string

	// tool_call / tool_result
	CallID   string
	ToolName string
	Arguments map[string]any
	Result    string
	ToolError string

	// handoff
	HandoffFrom   string
	HandoffTo     string
	HandoffReason string

	// final / turn_ended
	TotalTokens      int
	CompletionReason CompletionReason
	CostEstimate     float64

	// error
	ErrKind      string
	ErrRetryable bool
	ErrDetails   string

	// orchestrator_final
	Status     string
	TotalCost  float64
	AgentsUsed []string
	Message    string

	// turn_started
	SpeakerID string
}

// NewSeqCounter returns a seq-generating closure starting at 0, strictly
// increasing, for a single turn's event stream.
func NewSeqCounter() func() int {
	next := 0
	return func() int {
		s := next
		next++
		return s
	}
}
