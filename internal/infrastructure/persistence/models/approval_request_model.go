package models

import "time"

// ApprovalRequestModel persists one C7 ApprovalRequest.
type ApprovalRequestModel struct {
	ID         string `gorm:"primaryKey;size:64"`
	ConvID     string `gorm:"index;size:64;not null"`
	TurnIndex  int
	ActionType string `gorm:"size:64"`
	Payload    string `gorm:"type:text"` // JSON encoded
	RiskLevel  string `gorm:"size:16"`
	Status     string `gorm:"index;size:16"`
	CreatedAt  time.Time
	DecidedAt  *time.Time
	ApproverID string `gorm:"size:64"`
	Notes      string `gorm:"type:text"`
}

func (ApprovalRequestModel) TableName() string { return "approval_requests" }
