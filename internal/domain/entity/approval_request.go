package entity

import "time"

// ApprovalStatus is the HITL decision lifecycle for an ApprovalRequest.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpired  ApprovalStatus = "expired"
)

// IsTerminal reports whether status is a decided (non-pending) state.
func (s ApprovalStatus) IsTerminal() bool {
	return s != ApprovalPending
}

// RiskLevel classifies how sensitive the gated action is.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// ApprovalRequest is C7's persisted HITL gate. A conversation may have at
// most one pending request at a time; decide() is a terminal, idempotent
// transition.
type ApprovalRequest struct {
	ID         string
	ConvID     string
	TurnIndex  int
	ActionType string
	Payload    map[string]any
	RiskLevel  RiskLevel
	Status     ApprovalStatus
	CreatedAt  time.Time
	DecidedAt  *time.Time
	ApproverID string
	Notes      string
}

// NewApprovalRequest creates a pending approval request.
func NewApprovalRequest(id, convID string, turnIndex int, actionType string, payload map[string]any, risk RiskLevel) *ApprovalRequest {
	return &ApprovalRequest{
		ID:         id,
		ConvID:     convID,
		TurnIndex:  turnIndex,
		ActionType: actionType,
		Payload:    payload,
		RiskLevel:  risk,
		Status:     ApprovalPending,
		CreatedAt:  time.Now(),
	}
}

// Decide applies a terminal decision. Idempotent: deciding an already-decided
// request leaves it unchanged and returns ErrApprovalAlreadyDecided so callers
// can distinguish a no-op from a fresh transition.
func (a *ApprovalRequest) Decide(approverID string, approved bool, notes string) error {
	if a.Status.IsTerminal() {
		return ErrApprovalAlreadyDecided
	}
	now := time.Now()
	a.DecidedAt = &now
	a.ApproverID = approverID
	a.Notes = notes
	if approved {
		a.Status = ApprovalApproved
	} else {
		a.Status = ApprovalRejected
	}
	return nil
}

// Expire transitions a still-pending request to expired (treated as a
// rejection per spec §9's resolved open question). Idempotent.
func (a *ApprovalRequest) Expire() {
	if a.Status.IsTerminal() {
		return
	}
	now := time.Now()
	a.DecidedAt = &now
	a.Status = ApprovalExpired
}
