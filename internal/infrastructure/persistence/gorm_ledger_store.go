package persistence

import (
	"time"

	"gorm.io/gorm"

	"github.com/convergio/maoc/internal/domain/entity"
	"github.com/convergio/maoc/internal/domain/ledger"
	"github.com/convergio/maoc/internal/domain/valueobject"
	"github.com/convergio/maoc/internal/infrastructure/persistence/models"
	domainErrors "github.com/convergio/maoc/pkg/errors"
)

// GormLedgerStore implements ledger.Store, generalizing
// GormMessageRepository's toModel/toEntity conversion style to C1's
// append-only cost ledger.
type GormLedgerStore struct {
	db *gorm.DB
}

func NewGormLedgerStore(db *gorm.DB) ledger.Store {
	return &GormLedgerStore{db: db}
}

func (s *GormLedgerStore) Append(entry *entity.CostLedgerEntry) error {
	model := &models.LedgerEntryModel{
		Timestamp: entry.Timestamp, Provider: entry.Provider, Model: entry.Model,
		AgentID: entry.AgentID, ConvID: entry.ConvID, SessionID: entry.SessionID,
		TokensIn: entry.TokensIn, TokensOut: entry.TokensOut,
		CostUSDMicros: int64(entry.CostUSD),
	}
	if err := s.db.Create(model).Error; err != nil {
		return domainErrors.NewInternalError("failed to append ledger entry: " + err.Error())
	}
	return nil
}

// Since queries entries at-or-after `since`, pushing every non-empty Scope
// dimension down into the SQL WHERE clause rather than filtering in Go.
func (s *GormLedgerStore) Since(scope ledger.Scope, since time.Time) ([]*entity.CostLedgerEntry, error) {
	q := s.db.Where("timestamp >= ?", since)
	if scope.Provider != "" {
		q = q.Where("provider = ?", scope.Provider)
	}
	if scope.Model != "" {
		q = q.Where("model = ?", scope.Model)
	}
	if scope.AgentID != "" {
		q = q.Where("agent_id = ?", scope.AgentID)
	}
	if scope.ConvID != "" {
		q = q.Where("conv_id = ?", scope.ConvID)
	}
	if scope.SessionID != "" {
		q = q.Where("session_id = ?", scope.SessionID)
	}

	var rows []models.LedgerEntryModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, domainErrors.NewInternalError("failed to query ledger entries: " + err.Error())
	}
	out := make([]*entity.CostLedgerEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, &entity.CostLedgerEntry{
			Timestamp: r.Timestamp, Provider: r.Provider, Model: r.Model,
			AgentID: r.AgentID, ConvID: r.ConvID, SessionID: r.SessionID,
			TokensIn: r.TokensIn, TokensOut: r.TokensOut,
			CostUSD: valueobject.Decimal6(r.CostUSDMicros),
		})
	}
	return out, nil
}
