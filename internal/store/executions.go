package store

import (
	"context"
	"time"

	"whatsapp-automation/internal/models"

	"github.com/pkg/errors"
)

func (s *GormStore) CreateExecution(ctx context.Context, e *models.FlowExecution) error {
	if e.Status == "" {
		e.Status = models.ExecutionPending
	}
	return errors.Wrap(s.conn(ctx).Create(e).Error, "create execution")
}

func (s *GormStore) GetExecution(ctx context.Context, id uint) (models.FlowExecution, error) {
	var e models.FlowExecution
	if err := s.conn(ctx).First(&e, id).Error; err != nil {
		return e, notFound(err, "get execution")
	}
	return e, nil
}

func (s *GormStore) ListExecutions(ctx context.Context, f ExecutionFilter) ([]models.FlowExecution, error) {
	q := s.conn(ctx).Order("id DESC")
	if f.FlowID != 0 {
		q = q.Where("flow_id = ?", f.FlowID)
	}
	if f.ConversationID != 0 {
		q = q.Where("conversation_id = ?", f.ConversationID)
	}
	if len(f.Statuses) > 0 {
		q = q.Where("status IN ?", f.Statuses)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var executions []models.FlowExecution
	if err := q.Find(&executions).Error; err != nil {
		return nil, errors.Wrap(err, "list executions")
	}
	return executions, nil
}

func (s *GormStore) UpdateExecution(ctx context.Context, id uint, fields map[string]interface{}) error {
	res := s.conn(ctx).Model(&models.FlowExecution{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return errors.Wrap(res.Error, "update execution")
	}
	if res.RowsAffected == 0 {
		return errors.Wrap(ErrNotFound, "update execution")
	}
	return nil
}

// TransitionExecution sets status to `to` only while the current status is
// one of `from`. The bool reports whether this call won the transition.
func (s *GormStore) TransitionExecution(ctx context.Context, id uint, from []models.ExecutionStatus, to models.ExecutionStatus, fields map[string]interface{}) (bool, error) {
	updates := map[string]interface{}{"status": to}
	for k, v := range fields {
		updates[k] = v
	}
	res := s.conn(ctx).Model(&models.FlowExecution{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, errors.Wrapf(res.Error, "transition execution %d to %s", id, to)
	}
	return res.RowsAffected == 1, nil
}

func (s *GormStore) CountRecentExecutions(ctx context.Context, flowID, conversationID uint, triggerType models.TriggerType, since time.Time) (int64, error) {
	var n int64
	err := s.conn(ctx).Model(&models.FlowExecution{}).
		Where("flow_id = ? AND conversation_id = ? AND trigger_type = ? AND created_at >= ?", flowID, conversationID, triggerType, since).
		Count(&n).Error
	return n, errors.Wrap(err, "count recent executions")
}
