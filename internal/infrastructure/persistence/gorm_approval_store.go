package persistence

import (
	"encoding/json"
	"errors"

	"gorm.io/gorm"

	"github.com/convergio/maoc/internal/domain/approval"
	"github.com/convergio/maoc/internal/domain/entity"
	"github.com/convergio/maoc/internal/infrastructure/persistence/models"
	domainErrors "github.com/convergio/maoc/pkg/errors"
)

// GormApprovalStore implements approval.PersistStore.
type GormApprovalStore struct {
	db *gorm.DB
}

func NewGormApprovalStore(db *gorm.DB) approval.PersistStore {
	return &GormApprovalStore{db: db}
}

// Save 保存或更新一条审批请求
func (s *GormApprovalStore) Save(req *entity.ApprovalRequest) error {
	model, err := s.toModel(req)
	if err != nil {
		return err
	}
	if err := s.db.Save(model).Error; err != nil {
		return domainErrors.NewInternalError("failed to save approval request: " + err.Error())
	}
	return nil
}

func (s *GormApprovalStore) FindByID(id string) (*entity.ApprovalRequest, error) {
	var model models.ApprovalRequestModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domainErrors.NewNotFoundError("approval request not found")
		}
		return nil, domainErrors.NewInternalError("failed to find approval request: " + err.Error())
	}
	return s.toEntity(&model)
}

// FindPendingByConv enforces the ≤1-pending-per-conversation invariant by
// returning the single pending row, if any, for convID.
func (s *GormApprovalStore) FindPendingByConv(convID string) (*entity.ApprovalRequest, error) {
	var model models.ApprovalRequestModel
	err := s.db.Where("conv_id = ? AND status = ?", convID, string(entity.ApprovalPending)).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domainErrors.NewNotFoundError("no pending approval request")
		}
		return nil, domainErrors.NewInternalError("failed to find pending approval request: " + err.Error())
	}
	return s.toEntity(&model)
}

func (s *GormApprovalStore) toModel(req *entity.ApprovalRequest) (*models.ApprovalRequestModel, error) {
	payloadJSON, err := json.Marshal(req.Payload)
	if err != nil {
		return nil, domainErrors.NewInternalError("failed to marshal approval payload: " + err.Error())
	}
	return &models.ApprovalRequestModel{
		ID:         req.ID,
		ConvID:     req.ConvID,
		TurnIndex:  req.TurnIndex,
		ActionType: req.ActionType,
		Payload:    string(payloadJSON),
		RiskLevel:  string(req.RiskLevel),
		Status:     string(req.Status),
		CreatedAt:  req.CreatedAt,
		DecidedAt:  req.DecidedAt,
		ApproverID: req.ApproverID,
		Notes:      req.Notes,
	}, nil
}

func (s *GormApprovalStore) toEntity(m *models.ApprovalRequestModel) (*entity.ApprovalRequest, error) {
	var payload map[string]any
	if m.Payload != "" {
		if err := json.Unmarshal([]byte(m.Payload), &payload); err != nil {
			return nil, domainErrors.NewInternalError("failed to unmarshal approval payload: " + err.Error())
		}
	}
	return &entity.ApprovalRequest{
		ID:         m.ID,
		ConvID:     m.ConvID,
		TurnIndex:  m.TurnIndex,
		ActionType: m.ActionType,
		Payload:    payload,
		RiskLevel:  entity.RiskLevel(m.RiskLevel),
		Status:     entity.ApprovalStatus(m.Status),
		CreatedAt:  m.CreatedAt,
		DecidedAt:  m.DecidedAt,
		ApproverID: m.ApproverID,
		Notes:      m.Notes,
	}, nil
}
