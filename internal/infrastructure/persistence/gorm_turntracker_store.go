package persistence

import (
	"gorm.io/gorm"

	"github.com/convergio/maoc/internal/domain/entity"
	"github.com/convergio/maoc/internal/domain/turntracker"
	"github.com/convergio/maoc/internal/domain/valueobject"
	"github.com/convergio/maoc/internal/infrastructure/persistence/models"
	domainErrors "github.com/convergio/maoc/pkg/errors"
)

// GormTurnTrackerStore implements turntracker.TimelineStore.
type GormTurnTrackerStore struct {
	db *gorm.DB
}

func NewGormTurnTrackerStore(db *gorm.DB) turntracker.TimelineStore {
	return &GormTurnTrackerStore{db: db}
}

func (s *GormTurnTrackerStore) Append(record *entity.TurnRecord) error {
	model := &models.TurnRecordModel{
		ConvID: record.ConvID, TurnIndex: record.TurnIndex, SpeakerID: record.SpeakerID,
		Model: record.Model, PromptTokens: record.PromptTokens, CompletionTokens: record.CompletionTokens,
		CostUSDMicros: int64(record.CostUSD), DurationMS: record.DurationMS, CreatedAt: record.CreatedAt,
	}
	if err := s.db.Create(model).Error; err != nil {
		return domainErrors.NewInternalError("failed to append turn record: " + err.Error())
	}
	return nil
}

// Timeline returns convID's TurnRecords ordered by turn_index ascending.
func (s *GormTurnTrackerStore) Timeline(convID string) ([]*entity.TurnRecord, error) {
	var rows []models.TurnRecordModel
	if err := s.db.Where("conv_id = ?", convID).Order("turn_index asc").Find(&rows).Error; err != nil {
		return nil, domainErrors.NewInternalError("failed to query turn timeline: " + err.Error())
	}
	out := make([]*entity.TurnRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, &entity.TurnRecord{
			ConvID: r.ConvID, TurnIndex: r.TurnIndex, SpeakerID: r.SpeakerID, Model: r.Model,
			PromptTokens: r.PromptTokens, CompletionTokens: r.CompletionTokens,
			CostUSD: valueobject.Decimal6(r.CostUSDMicros), DurationMS: r.DurationMS, CreatedAt: r.CreatedAt,
		})
	}
	return out, nil
}
