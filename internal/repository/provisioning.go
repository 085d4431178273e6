package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"vpn-shop-fulfillment/internal/model"
)

type ProvisioningRecordRepository interface {
	Create(ctx context.Context, tx *gorm.DB, record *model.ProvisioningRecord) error
	FindByOrderID(ctx context.Context, orderID string) (*model.ProvisioningRecord, error)
	Renew(ctx context.Context, tx *gorm.DB, orderID string, expiresAt time.Time) error
	MarkRevoked(ctx context.Context, tx *gorm.DB, orderID string) error
}

type provisioningRepoImpl struct {
	db *gorm.DB
}

func NewProvisioningRecordRepository(db *gorm.DB) ProvisioningRecordRepository {
	return &provisioningRepoImpl{db: db}
}

func (r *provisioningRepoImpl) Create(ctx context.Context, tx *gorm.DB, record *model.ProvisioningRecord) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(record).Error
}

func (r *provisioningRepoImpl) FindByOrderID(ctx context.Context, orderID string) (*model.ProvisioningRecord, error) {
	var record model.ProvisioningRecord
	err := r.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}


func (r *provisioningRepoImpl) Renew(ctx context.Context, tx *gorm.DB, orderID string, expiresAt time.Time) error {
	if tx == nil {
		tx = r.db
	}
	now := time.Now()
	return tx.WithContext(ctx).Model(&model.ProvisioningRecord{}).
		Where("order_id = ?", orderID).
		Updates(map[string]interface{}{
			"expires_at":      expiresAt,
			"last_renewal_at": &now,
		}).Error
}

func (r *provisioningRepoImpl) MarkRevoked(ctx context.Context, tx *gorm.DB, orderID string) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Model(&model.ProvisioningRecord{}).
		Where("order_id = ?", orderID).
		Update("revoked", true).Error
}
