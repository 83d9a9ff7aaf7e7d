package store

import (
	"context"

	"whatsapp-automation/internal/models"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

func orderedSteps(db *gorm.DB) *gorm.DB {
	return db.Order("step_order ASC")
}

func (s *GormStore) CreateFlow(ctx context.Context, f *models.Flow) error {
	return errors.Wrap(s.conn(ctx).Create(f).Error, "create flow")
}

// GetFlow loads the flow with its steps in step order and its triggers
func (s *GormStore) GetFlow(ctx context.Context, id uint) (models.Flow, error) {
	var f models.Flow
	err := s.conn(ctx).Preload("Steps", orderedSteps).Preload("Triggers").First(&f, id).Error
	if err != nil {
		return f, notFound(err, "get flow")
	}
	return f, nil
}

func (s *GormStore) ListFlows(ctx context.Context, ownerID string) ([]models.Flow, error) {
	q := s.conn(ctx).Preload("Steps", orderedSteps).Preload("Triggers").Order("id")
	if ownerID != "" {
		q = q.Where("owner_id = ?", ownerID)
	}
	var flows []models.Flow
	if err := q.Find(&flows).Error; err != nil {
		return nil, errors.Wrap(err, "list flows")
	}
	return flows, nil
}

// UpdateFlow updates the flow's columns and, when steps is non-nil, replaces
// its step list. Running executions keep their own snapshot of the steps.
func (s *GormStore) UpdateFlow(ctx context.Context, id uint, fields map[string]interface{}, steps []models.FlowStep) error {
	return s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		var f models.Flow
		if err := tx.First(&f, id).Error; err != nil {
			return notFound(err, "update flow")
		}
		if len(fields) > 0 {
			if err := tx.Model(&f).Updates(fields).Error; err != nil {
				return errors.Wrap(err, "update flow")
			}
		}
		if steps == nil {
			return nil
		}
		if err := tx.Where("flow_id = ?", id).Delete(&models.FlowStep{}).Error; err != nil {
			return errors.Wrap(err, "delete flow steps")
		}
		for i := range steps {
			steps[i].ID = 0
			steps[i].FlowID = id
		}
		if len(steps) == 0 {
			return nil
		}
		return errors.Wrap(tx.Create(&steps).Error, "create flow steps")
	})
}

// DeleteFlow removes a flow that never ran. Flows referenced by executions
// are deactivated instead so execution history stays resolvable.
func (s *GormStore) DeleteFlow(ctx context.Context, id uint) error {
	return s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		var f models.Flow
		if err := tx.First(&f, id).Error; err != nil {
			return notFound(err, "delete flow")
		}
		var refs int64
		if err := tx.Model(&models.FlowExecution{}).Where("flow_id = ?", id).Count(&refs).Error; err != nil {
			return errors.Wrap(err, "count flow executions")
		}
		if refs > 0 {
			if err := tx.Model(&models.FlowTrigger{}).Where("flow_id = ?", id).Update("is_active", false).Error; err != nil {
				return errors.Wrap(err, "deactivate triggers")
			}
			return errors.Wrap(tx.Model(&f).Update("is_active", false).Error, "deactivate flow")
		}
		if err := tx.Where("flow_id = ?", id).Delete(&models.FlowStep{}).Error; err != nil {
			return errors.Wrap(err, "delete steps")
		}
		if err := tx.Where("flow_id = ?", id).Delete(&models.FlowTrigger{}).Error; err != nil {
			return errors.Wrap(err, "delete triggers")
		}
		return errors.Wrap(tx.Delete(&f).Error, "delete flow")
	})
}

func (s *GormStore) IncrementFlowExecutions(ctx context.Context, id uint) error {
	return errors.Wrap(s.conn(ctx).Model(&models.Flow{}).Where("id = ?", id).
		UpdateColumn("execution_count", gorm.Expr("execution_count + 1")).Error, "increment executions")
}

func (s *GormStore) CreateTrigger(ctx context.Context, t *models.FlowTrigger) error {
	return errors.Wrap(s.conn(ctx).Create(t).Error, "create trigger")
}

func (s *GormStore) GetTrigger(ctx context.Context, id uint) (models.FlowTrigger, error) {
	var t models.FlowTrigger
	if err := s.conn(ctx).First(&t, id).Error; err != nil {
		return t, notFound(err, "get trigger")
	}
	return t, nil
}

func (s *GormStore) UpdateTrigger(ctx context.Context, id uint, fields map[string]interface{}) error {
	res := s.conn(ctx).Model(&models.FlowTrigger{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return errors.Wrap(res.Error, "update trigger")
	}
	if res.RowsAffected == 0 {
		return errors.Wrap(ErrNotFound, "update trigger")
	}
	return nil
}

func (s *GormStore) DeleteTrigger(ctx context.Context, id uint) error {
	res := s.conn(ctx).Delete(&models.FlowTrigger{}, id)
	if res.Error != nil {
		return errors.Wrap(res.Error, "delete trigger")
	}
	if res.RowsAffected == 0 {
		return errors.Wrap(ErrNotFound, "delete trigger")
	}
	return nil
}

// ActiveTriggers returns active triggers of the given types whose flow is
// active, ordered by trigger id.
func (s *GormStore) ActiveTriggers(ctx context.Context, types ...models.TriggerType) ([]ActiveTrigger, error) {
	var triggers []models.FlowTrigger
	q := s.conn(ctx).
		Joins("JOIN flows ON flows.id = flow_triggers.flow_id").
		Where("flow_triggers.is_active = ? AND flows.is_active = ?", true, true).
		Order("flow_triggers.id")
	if len(types) > 0 {
		q = q.Where("flow_triggers.trigger_type IN ?", types)
	}
	if err := q.Find(&triggers).Error; err != nil {
		return nil, errors.Wrap(err, "list active triggers")
	}
	if len(triggers) == 0 {
		return nil, nil
	}

	flowIDs := make([]uint, 0, len(triggers))
	for _, t := range triggers {
		flowIDs = append(flowIDs, t.FlowID)
	}
	var flows []models.Flow
	if err := s.conn(ctx).Where("id IN ?", flowIDs).Find(&flows).Error; err != nil {
		return nil, errors.Wrap(err, "load trigger flows")
	}
	byID := make(map[uint]models.Flow, len(flows))
	for _, f := range flows {
		byID[f.ID] = f
	}

	result := make([]ActiveTrigger, 0, len(triggers))
	for _, t := range triggers {
		result = append(result, ActiveTrigger{Trigger: t, Flow: byID[t.FlowID]})
	}
	return result, nil
}
