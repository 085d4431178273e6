package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"vpn-shop-fulfillment/internal/model"
)

type PaymentEventRepository interface {
	// Insert stores a new event. It is a no-op when the (provider, tx id)
	// pair already exists; created reports whether a row was written.
	Insert(ctx context.Context, tx *gorm.DB, event *model.PaymentEvent) (created bool, err error)
	Find(ctx context.Context, provider, txID string) (*model.PaymentEvent, error)
	MarkProcessed(ctx context.Context, tx *gorm.DB, provider, txID, orderID string) error
	SetStatus(ctx context.Context, provider, txID string, status model.EventStatus) error
	FindUnprocessed(ctx context.Context, olderThan time.Time, limit int) ([]*model.PaymentEvent, error)
	FindOrphaned(ctx context.Context, limit int) ([]*model.PaymentEvent, error)
}

type paymentEventRepoImpl struct {
	db *gorm.DB
}

func NewPaymentEventRepository(db *gorm.DB) PaymentEventRepository {
	return &paymentEventRepoImpl{db: db}
}

func (r *paymentEventRepoImpl) Insert(ctx context.Context, tx *gorm.DB, event *model.PaymentEvent) (bool, error) {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(event)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *paymentEventRepoImpl) Find(ctx context.Context, provider, txID string) (*model.PaymentEvent, error) {
	var event model.PaymentEvent
	err := r.db.WithContext(ctx).
		Where("provider = ? AND tx_id = ?", provider, txID).
		First(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &event, nil
}

func (r *paymentEventRepoImpl) MarkProcessed(ctx context.Context, tx *gorm.DB, provider, txID, orderID string) error {
	if tx == nil {
		tx = r.db
	}
	now := time.Now()
	return tx.WithContext(ctx).Model(&model.PaymentEvent{}).
		Where("provider = ? AND tx_id = ?", provider, txID).
		Updates(map[string]interface{}{
			"status":       model.EventProcessed,
			"order_id":     orderID,
			"processed_at": &now,
		}).Error
}

func (r *paymentEventRepoImpl) SetStatus(ctx context.Context, provider, txID string, status model.EventStatus) error {
	return r.db.WithContext(ctx).Model(&model.PaymentEvent{}).
		Where("provider = ? AND tx_id = ?", provider, txID).
		Update("status", status).Error
}

func (r *paymentEventRepoImpl) FindUnprocessed(ctx context.Context, olderThan time.Time, limit int) ([]*model.PaymentEvent, error) {
	var events []*model.PaymentEvent
	err := r.db.WithContext(ctx).
		Where("status = ? AND received_at < ?", model.EventReceived, olderThan).
		Order("received_at").
		Limit(limit).
		Find(&events).Error
	return events, err
}

func (r *paymentEventRepoImpl) FindOrphaned(ctx context.Context, limit int) ([]*model.PaymentEvent, error) {
	var events []*model.PaymentEvent
	err := r.db.WithContext(ctx).
		Where("status IN ?", []model.EventStatus{model.EventOrphaned, model.EventMismatch}).
		Order("received_at").
		Limit(limit).
		Find(&events).Error
	return events, err
}
