package entity

import (
	"time"
)

// ConversationStatus is the terminal classification of a Conversation.
type ConversationStatus string

const (
	ConversationRunning        ConversationStatus = "running"
	ConversationDone           ConversationStatus = "done"
	ConversationBudgetExceeded ConversationStatus = "budget_exceeded"
	ConversationSafetyBlocked ConversationStatus = "safety_blocked"
	ConversationCancelled      ConversationStatus = "cancelled"
	ConversationTimeout        ConversationStatus = "timeout"
	ConversationError          ConversationStatus = "error"
)

// IsTerminal reports whether the status closes the conversation to further
// appended messages.
func (s ConversationStatus) IsTerminal() bool {
	return s != ConversationRunning
}

// Conversation is the aggregate root the Group Orchestrator exclusively owns
// while it is live. Messages are append-only until the conversation reaches
// a terminal status.
type Conversation struct {
	convID         string
	userID         string
	messages       []*Message
	turnCount      int
	budgetLimitUSD float64
	startedAt      time.Time
	endedAt        *time.Time
	status         ConversationStatus
}

// NewConversation creates a fresh, running conversation.
func NewConversation(convID, userID string, budgetLimitUSD float64) (*Conversation, error) {
	if convID == "" {
		return nil, ErrInvalidConversationID
	}
	if userID == "" {
		return nil, ErrInvalidUserID
	}
	return &Conversation{
		convID:         convID,
		userID:         userID,
		messages:       make([]*Message, 0),
		budgetLimitUSD: budgetLimitUSD,
		startedAt:      time.Now(),
		status:         ConversationRunning,
	}, nil
}

// ReconstructConversation rebuilds a Conversation from persisted state.
func ReconstructConversation(
	convID, userID string,
	messages []*Message,
	turnCount int,
	budgetLimitUSD float64,
	startedAt time.Time,
	endedAt *time.Time,
	status ConversationStatus,
) *Conversation {
	return &Conversation{
		convID:         convID,
		userID:         userID,
		messages:       messages,
		turnCount:      turnCount,
		budgetLimitUSD: budgetLimitUSD,
		startedAt:      startedAt,
		endedAt:        endedAt,
		status:         status,
	}
}

func (c *Conversation) ConvID() string                { return c.convID }
func (c *Conversation) UserID() string                 { return c.userID }
func (c *Conversation) TurnCount() int                 { return c.turnCount }
func (c *Conversation) BudgetLimitUSD() float64        { return c.budgetLimitUSD }
func (c *Conversation) StartedAt() time.Time           { return c.startedAt }
func (c *Conversation) EndedAt() *time.Time            { return c.endedAt }
func (c *Conversation) Status() ConversationStatus      { return c.status }

// Messages returns a defensive copy of the ordered, append-only message log.
func (c *Conversation) Messages() []*Message {
	out := make([]*Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// AppendMessage appends a message, enforcing turn_index monotonicity and the
// append-only-while-running invariant.
func (c *Conversation) AppendMessage(msg *Message, turnIndex int) error {
	if c.status.IsTerminal() {
		return ErrConversationTerminal
	}
	if len(c.messages) > 0 {
		last, _ := c.messages[len(c.messages)-1].GetMetadata("turn_index")
		if lastIdx, ok := last.(int); ok && turnIndex < lastIdx {
			return ErrTurnIndexNotMonotonic
		}
	}
	msg.SetMetadata("turn_index", turnIndex)
	c.messages = append(c.messages, msg)
	return nil
}

// AdvanceTurn increments the turn counter. Called once per completed turn.
func (c *Conversation) AdvanceTurn() {
	c.turnCount++
}

// Terminate closes the conversation with a terminal status. Idempotent: a
// conversation already terminal is left unchanged.
func (c *Conversation) Terminate(status ConversationStatus) error {
	if status == ConversationRunning {
		return ErrInvalidTerminalStatus
	}
	if c.status.IsTerminal() {
		return nil
	}
	c.status = status
	now := time.Now()
	c.endedAt = &now
	return nil
}
