package store

import (
	"context"

	"whatsapp-automation/internal/models"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// CreateCampaign stores the campaign and its targets in one transaction.
// Target positions follow slice order.
func (s *GormStore) CreateCampaign(ctx context.Context, c *models.Campaign, targets []models.CampaignTarget) error {
	return s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		c.TargetCount = len(targets)
		if err := tx.Create(c).Error; err != nil {
			return errors.Wrap(err, "create campaign")
		}
		if len(targets) == 0 {
			return nil
		}
		for i := range targets {
			targets[i].CampaignID = c.ID
			targets[i].Position = i + 1
			if targets[i].Status == "" {
				targets[i].Status = models.TargetPending
			}
		}
		return errors.Wrap(tx.CreateInBatches(&targets, 200).Error, "create campaign targets")
	})
}

func (s *GormStore) GetCampaign(ctx context.Context, id uint) (models.Campaign, error) {
	var c models.Campaign
	if err := s.conn(ctx).First(&c, id).Error; err != nil {
		return c, notFound(err, "get campaign")
	}
	return c, nil
}

func (s *GormStore) ListCampaigns(ctx context.Context, accountID uint) ([]models.Campaign, error) {
	q := s.conn(ctx).Order("id DESC")
	if accountID != 0 {
		q = q.Where("account_id = ?", accountID)
	}
	var campaigns []models.Campaign
	if err := q.Find(&campaigns).Error; err != nil {
		return nil, errors.Wrap(err, "list campaigns")
	}
	return campaigns, nil
}

func (s *GormStore) ListCampaignsByStatus(ctx context.Context, statuses ...models.CampaignStatus) ([]models.Campaign, error) {
	var campaigns []models.Campaign
	if err := s.conn(ctx).Where("status IN ?", statuses).Order("id").Find(&campaigns).Error; err != nil {
		return nil, errors.Wrap(err, "list campaigns by status")
	}
	return campaigns, nil
}

func (s *GormStore) DeleteCampaign(ctx context.Context, id uint) error {
	return s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("campaign_id = ?", id).Delete(&models.CampaignTarget{}).Error; err != nil {
			return errors.Wrap(err, "delete campaign targets")
		}
		res := tx.Delete(&models.Campaign{}, id)
		if res.Error != nil {
			return errors.Wrap(res.Error, "delete campaign")
		}
		if res.RowsAffected == 0 {
			return errors.Wrap(ErrNotFound, "delete campaign")
		}
		return nil
	})
}

func (s *GormStore) UpdateCampaign(ctx context.Context, id uint, fields map[string]interface{}) error {
	res := s.conn(ctx).Model(&models.Campaign{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return errors.Wrap(res.Error, "update campaign")
	}
	if res.RowsAffected == 0 {
		return errors.Wrap(ErrNotFound, "update campaign")
	}
	return nil
}

func (s *GormStore) TransitionCampaign(ctx context.Context, id uint, from []models.CampaignStatus, to models.CampaignStatus, fields map[string]interface{}) (bool, error) {
	updates := map[string]interface{}{"status": to}
	for k, v := range fields {
		updates[k] = v
	}
	res := s.conn(ctx).Model(&models.Campaign{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, errors.Wrapf(res.Error, "transition campaign %d to %s", id, to)
	}
	return res.RowsAffected == 1, nil
}

// IncrementCampaignCounters adds the delta in SQL so concurrent writers
// (dispatcher, status webhooks) never overwrite each other.
func (s *GormStore) IncrementCampaignCounters(ctx context.Context, id uint, d CounterDelta) error {
	fields := map[string]interface{}{}
	if d.Sent != 0 {
		fields["sent_count"] = gorm.Expr("sent_count + ?", d.Sent)
	}
	if d.Delivered != 0 {
		fields["delivered_count"] = gorm.Expr("delivered_count + ?", d.Delivered)
	}
	if d.Read != 0 {
		fields["read_count"] = gorm.Expr("read_count + ?", d.Read)
	}
	if d.Failed != 0 {
		fields["failed_count"] = gorm.Expr("failed_count + ?", d.Failed)
	}
	if !d.SentAt.IsZero() {
		fields["last_sent_at"] = d.SentAt
	}
	if len(fields) == 0 {
		return nil
	}
	return errors.Wrap(s.conn(ctx).Model(&models.Campaign{}).Where("id = ?", id).Updates(fields).Error, "increment campaign counters")
}

func (s *GormStore) PendingTargets(ctx context.Context, campaignID uint) ([]models.CampaignTarget, error) {
	var targets []models.CampaignTarget
	err := s.conn(ctx).
		Where("campaign_id = ? AND status = ?", campaignID, models.TargetPending).
		Order("position ASC").
		Find(&targets).Error
	return targets, errors.Wrap(err, "list pending targets")
}

func (s *GormStore) UpdateTarget(ctx context.Context, id uint, fields map[string]interface{}) error {
	return errors.Wrap(s.conn(ctx).Model(&models.CampaignTarget{}).Where("id = ?", id).Updates(fields).Error, "update target")
}

func (s *GormStore) GetTargetByProviderID(ctx context.Context, providerMessageID string) (models.CampaignTarget, error) {
	var t models.CampaignTarget
	if providerMessageID == "" {
		return t, errors.Wrap(ErrNotFound, "get target by provider id")
	}
	if err := s.conn(ctx).Where("provider_message_id = ?", providerMessageID).First(&t).Error; err != nil {
		return t, notFound(err, "get target by provider id")
	}
	return t, nil
}

func (s *GormStore) AdvanceTargetStatus(ctx context.Context, id uint, from []string, to string) (bool, error) {
	res := s.conn(ctx).Model(&models.CampaignTarget{}).
		Where("id = ? AND status IN ?", id, from).
		Update("status", to)
	if res.Error != nil {
		return false, errors.Wrap(res.Error, "advance target status")
	}
	return res.RowsAffected == 1, nil
}
