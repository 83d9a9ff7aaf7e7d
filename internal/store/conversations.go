package store

import (
	"context"
	"time"

	"whatsapp-automation/internal/models"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

func (s *GormStore) CreateConversation(ctx context.Context, c *models.Conversation) error {
	if c.Status == "" {
		c.Status = models.ConversationActive
	}
	if c.Tags == nil {
		c.Tags = models.EncodeTags(nil)
	}
	return errors.Wrap(s.conn(ctx).Create(c).Error, "create conversation")
}

func (s *GormStore) GetConversation(ctx context.Context, id uint) (models.Conversation, error) {
	var c models.Conversation
	if err := s.conn(ctx).First(&c, id).Error; err != nil {
		return c, notFound(err, "get conversation")
	}
	return c, nil
}

// UpsertConversation returns the conversation for (account, number), creating
// it when missing. The bool reports whether it was created.
func (s *GormStore) UpsertConversation(ctx context.Context, accountID uint, number, name string) (models.Conversation, bool, error) {
	var c models.Conversation
	err := s.conn(ctx).Where("account_id = ? AND contact_number = ?", accountID, number).First(&c).Error
	if err == nil {
		if c.ContactName == "" && name != "" {
			s.conn(ctx).Model(&c).Update("contact_name", name)
			c.ContactName = name
		}
		return c, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return c, false, errors.Wrap(err, "find conversation")
	}

	c = models.Conversation{
		AccountID:     accountID,
		ContactNumber: number,
		ContactName:   name,
		Status:        models.ConversationActive,
		Tags:          models.EncodeTags(nil),
	}
	if err := s.conn(ctx).Create(&c).Error; err != nil {
		// lost a race with a concurrent insert on the unique index
		if findErr := s.conn(ctx).Where("account_id = ? AND contact_number = ?", accountID, number).First(&c).Error; findErr == nil {
			return c, false, nil
		}
		return c, false, errors.Wrap(err, "create conversation")
	}
	return c, true, nil
}

func (s *GormStore) UpdateConversation(ctx context.Context, id uint, fields map[string]interface{}) error {
	res := s.conn(ctx).Model(&models.Conversation{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return errors.Wrap(res.Error, "update conversation")
	}
	if res.RowsAffected == 0 {
		return errors.Wrap(ErrNotFound, "update conversation")
	}
	return nil
}

func (s *GormStore) ListConversations(ctx context.Context, f ConversationFilter) ([]models.Conversation, error) {
	q := s.conn(ctx).Order("id")
	if len(f.AccountIDs) > 0 {
		q = q.Where("account_id IN ?", f.AccountIDs)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.LastInboundBefore != nil {
		q = q.Where("last_inbound_at IS NOT NULL AND last_inbound_at < ?", *f.LastInboundBefore)
	}
	if f.LastMessageBefore != nil {
		q = q.Where("last_message_at IS NOT NULL AND last_message_at < ?", *f.LastMessageBefore)
	}
	if f.LastMessageAfter != nil {
		q = q.Where("last_message_at IS NOT NULL AND last_message_at > ?", *f.LastMessageAfter)
	}
	if f.UnreadOnly {
		q = q.Where("unread_count > 0")
	}
	if f.ExcludeBlocked {
		q = q.Where("blocked = ?", false)
	}

	var conversations []models.Conversation
	if err := q.Find(&conversations).Error; err != nil {
		return nil, errors.Wrap(err, "list conversations")
	}
	return conversations, nil
}

func (s *GormStore) CreateMessage(ctx context.Context, m *models.Message) error {
	if err := s.conn(ctx).Create(m).Error; err != nil {
		return errors.Wrap(err, "create message")
	}
	if m.ConversationID == 0 {
		return nil
	}
	now := time.Now()
	fields := map[string]interface{}{"last_message_at": now}
	if m.Direction == models.DirectionInbound {
		fields["last_inbound_at"] = now
		fields["unread_count"] = gorm.Expr("unread_count + 1")
	}
	return errors.Wrap(s.conn(ctx).Model(&models.Conversation{}).Where("id = ?", m.ConversationID).Updates(fields).Error, "touch conversation")
}

// ListMessages returns the newest messages of a conversation first
func (s *GormStore) ListMessages(ctx context.Context, conversationID uint, limit int) ([]models.Message, error) {
	q := s.conn(ctx).Order("created_at DESC, id DESC")
	if conversationID != 0 {
		q = q.Where("conversation_id = ?", conversationID)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var messages []models.Message
	if err := q.Find(&messages).Error; err != nil {
		return nil, errors.Wrap(err, "list messages")
	}
	return messages, nil
}

func (s *GormStore) UpdateMessageStatus(ctx context.Context, providerMessageID, status string) error {
	return errors.Wrap(s.conn(ctx).Model(&models.Message{}).
		Where("provider_message_id = ?", providerMessageID).
		Update("status", status).Error, "update message status")
}
