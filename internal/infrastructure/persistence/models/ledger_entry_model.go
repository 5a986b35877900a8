package models

import "time"

// LedgerEntryModel persists one C1 CostLedgerEntry.
type LedgerEntryModel struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	Timestamp time.Time `gorm:"index"`
	Provider  string `gorm:"index;size:64"`
	Model     string `gorm:"size:128"`
	AgentID   string `gorm:"index;size:64"`
	ConvID    string `gorm:"index;size:64"`
	SessionID string `gorm:"size:64"`
	TokensIn  int
	TokensOut int
	CostUSDMicros int64 // valueobject.Decimal6 is micros-of-a-dollar
}

func (LedgerEntryModel) TableName() string { return "cost_ledger_entries" }
