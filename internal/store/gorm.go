package store

import (
	"context"

	"whatsapp-automation/internal/models"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

type GormStore struct {
	db *gorm.DB
}

var _ Store = (*GormStore)(nil)

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) conn(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

func notFound(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errors.Wrap(ErrNotFound, what)
	}
	return errors.Wrap(err, what)
}

// --- Accounts ---

func (s *GormStore) CreateAccount(ctx context.Context, a *models.Account) error {
	if a.Status == "" {
		a.Status = models.AccountDisconnected
	}
	return errors.Wrap(s.conn(ctx).Create(a).Error, "create account")
}

func (s *GormStore) GetAccount(ctx context.Context, id uint) (models.Account, error) {
	var a models.Account
	if err := s.conn(ctx).First(&a, id).Error; err != nil {
		return a, notFound(err, "get account")
	}
	return a, nil
}

func (s *GormStore) GetAccountByPhoneNumberID(ctx context.Context, phoneNumberID string) (models.Account, error) {
	var a models.Account
	if err := s.conn(ctx).Where("phone_number_id = ?", phoneNumberID).First(&a).Error; err != nil {
		return a, notFound(err, "get account by phone number id")
	}
	return a, nil
}

func (s *GormStore) ListAccounts(ctx context.Context, ownerID string) ([]models.Account, error) {
	var accounts []models.Account
	q := s.conn(ctx).Order("id")
	if ownerID != "" {
		q = q.Where("owner_id = ?", ownerID)
	}
	if err := q.Find(&accounts).Error; err != nil {
		return nil, errors.Wrap(err, "list accounts")
	}
	return accounts, nil
}

func (s *GormStore) UpdateAccountStatus(ctx context.Context, id uint, status string) error {
	res := s.conn(ctx).Model(&models.Account{}).Where("id = ?", id).Update("status", status)
	if res.Error != nil {
		return errors.Wrap(res.Error, "update account status")
	}
	if res.RowsAffected == 0 {
		return errors.Wrap(ErrNotFound, "update account status")
	}
	return nil
}
