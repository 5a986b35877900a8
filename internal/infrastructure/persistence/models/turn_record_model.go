package models

import "time"

// TurnRecordModel persists one C8 TurnRecord.
type TurnRecordModel struct {
	ID               uint64 `gorm:"primaryKey;autoIncrement"`
	ConvID           string `gorm:"index;size:64;not null"`
	TurnIndex        int    `gorm:"index"`
	SpeakerID        string `gorm:"size:64"`
	Model            string `gorm:"size:128"`
	PromptTokens     int
	CompletionTokens int
	CostUSDMicros    int64
	DurationMS       int64
	CreatedAt        time.Time
}

func (TurnRecordModel) TableName() string { return "turn_records" }
