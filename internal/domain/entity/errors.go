package entity

import "errors"

var (
	// Agent errors
	ErrInvalidAgentID      = errors.New("invalid agent id")
	ErrInvalidAgentName    = errors.New("invalid agent name")
	ErrSkillAlreadyExists  = errors.New("skill already exists")
	ErrSkillNotFound       = errors.New("skill not found")

	// Message errors
	ErrInvalidMessageID      = errors.New("invalid message id")
	ErrInvalidConversationID = errors.New("invalid conversation id")

	// Skill errors
	ErrInvalidSkillID   = errors.New("invalid skill id")
	ErrInvalidSkillName = errors.New("invalid skill name")

	// Conversation errors
	ErrInvalidChannelID      = errors.New("invalid channel id")
	ErrInvalidUserID         = errors.New("invalid user id")
	ErrConversationTerminal  = errors.New("conversation is already terminal")
	ErrTurnIndexNotMonotonic = errors.New("turn index is not monotonic")
	ErrInvalidTerminalStatus = errors.New("running is not a terminal status")

	// TurnRecord / ledger errors
	ErrInvalidTurnRecord = errors.New("invalid turn record")

	// Approval errors
	ErrApprovalAlreadyPending  = errors.New("conversation already has a pending approval")
	ErrApprovalAlreadyDecided  = errors.New("approval request already decided")
)
