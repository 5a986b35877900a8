// Package approval implements C7, the HITL approval gate. Persists pending
// approval requests and blocks the calling turn until a decision or expiry,
// generalizing internal/domain/service/security_hook.go's ApprovalFunc
// (block-until-external-decision) into a durable, timeout-expiring,
// idempotent-decide store.
package approval

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/convergio/maoc/internal/domain/entity"
)

// PersistStore is the durable backing for ApprovalRequests; a gorm-backed
// implementation lives in infrastructure/persistence.
type PersistStore interface {
	Save(req *entity.ApprovalRequest) error
	FindByID(id string) (*entity.ApprovalRequest, error)
	FindPendingByConv(convID string) (*entity.ApprovalRequest, error)
}

// waiter lets await() block until decide()/expire() signals it, without
// polling.
type waiter struct {
	ch chan struct{}
}

// Store is C7.
type Store struct {
	persist PersistStore
	mu      sync.Mutex
	waiters map[string]*waiter
	logger  *zap.Logger
}

func New(persist PersistStore, logger *zap.Logger) *Store {
	return &Store{
		persist: persist,
		waiters: make(map[string]*waiter),
		logger:  logger.With(zap.String("component", "approval-store")),
	}
}

// Create persists a new pending request. Enforces the ≤1-pending-per-
// conversation invariant.
func (s *Store) Create(convID string, turnIndex int, actionType string, payload map[string]any, risk entity.RiskLevel, id string) (*entity.ApprovalRequest, error) {
	if existing, err := s.persist.FindPendingByConv(convID); err == nil && existing != nil {
		return nil, entity.ErrApprovalAlreadyPending
	}
	req := entity.NewApprovalRequest(id, convID, turnIndex, actionType, payload, risk)
	if err := s.persist.Save(req); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.waiters[id] = &waiter{ch: make(chan struct{})}
	s.mu.Unlock()
	s.logger.Info("approval request created", zap.String("id", id), zap.String("conv_id", convID), zap.String("risk", string(risk)))
	return req, nil
}

// Await blocks the calling turn until id is decided, ctx is cancelled, or
// timeout elapses. On timeout it expires the request (treated as rejected,
// per the spec's resolved open question) and returns ApprovalExpired.
func (s *Store) Await(ctx context.Context, id string, timeout time.Duration) (entity.ApprovalStatus, error) {
	s.mu.Lock()
	w, ok := s.waiters[id]
	s.mu.Unlock()
	if !ok {
		req, err := s.persist.FindByID(id)
		if err != nil {
			return "", err
		}
		return req.Status, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-w.ch:
		req, err := s.persist.FindByID(id)
		if err != nil {
			return "", err
		}
		return req.Status, nil
	case <-timer.C:
		s.expire(id)
		return entity.ApprovalExpired, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Decide applies a terminal decision; idempotent on an already-decided
// request (returns the existing decision without error noise beyond what
// ApprovalRequest.Decide itself reports).
func (s *Store) Decide(id, approverID string, approved bool, notes string) error {
	req, err := s.persist.FindByID(id)
	if err != nil {
		return err
	}
	if derr := req.Decide(approverID, approved, notes); derr != nil {
		return derr
	}
	if err := s.persist.Save(req); err != nil {
		return err
	}
	s.signal(id)
	return nil
}

func (s *Store) expire(id string) {
	req, err := s.persist.FindByID(id)
	if err != nil {
		return
	}
	req.Expire()
	_ = s.persist.Save(req)
	s.signal(id)
}

func (s *Store) signal(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.waiters[id]; ok {
		close(w.ch)
		delete(s.waiters, id)
	}
}
