package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"vpn-shop-fulfillment/internal/model"
)

type OrderRepository interface {
	Create(ctx context.Context, tx *gorm.DB, order *model.Order) error
	FindByID(ctx context.Context, orderID string) (*model.Order, error)
	FindByIdempotencyKey(ctx context.Context, key string) (*model.Order, error)

	// Transition performs a conditional state update: the write succeeds
	// only when the order is currently in one of the listed states. It
	// reports whether a row changed, which is the single-writer guarantee
	// backing every state change.
	Transition(ctx context.Context, tx *gorm.DB, orderID string, from []model.OrderState, to model.OrderState, set map[string]interface{}) (bool, error)

	SetReviewFlag(ctx context.Context, orderID string, flagged bool) error
	MarkSettled(ctx context.Context, orderID string) error
	MarkNotified(ctx context.Context, orderID string) error

	// Sweep queries. Each returns a bounded batch ordered by age.
	FindExpired(ctx context.Context, before time.Time, limit int) ([]*model.Order, error)
	FindRetryDue(ctx context.Context, now time.Time, limit int) ([]*model.Order, error)
	FindStuckProvisioning(ctx context.Context, before time.Time, limit int) ([]*model.Order, error)
	FindUnsettled(ctx context.Context, limit int) ([]*model.Order, error)
	FindReviewQueue(ctx context.Context, limit int) ([]*model.Order, error)
	FindFailed(ctx context.Context, limit int) ([]*model.Order, error)
}

type orderRepoImpl struct {
	db *gorm.DB
}

func NewOrderRepository(db *gorm.DB) OrderRepository {
	return &orderRepoImpl{db: db}
}

func (r *orderRepoImpl) Create(ctx context.Context, tx *gorm.DB, order *model.Order) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(order).Error
}

func (r *orderRepoImpl) FindByID(ctx context.Context, orderID string) (*model.Order, error) {
	var order model.Order
	err := r.db.WithContext(ctx).
		Where("id = ?", orderID).
		First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, model.ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (r *orderRepoImpl) FindByIdempotencyKey(ctx context.Context, key string) (*model.Order, error) {
	var order model.Order
	err := r.db.WithContext(ctx).
		Where("idempotency_key = ?", key).
		First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, model.ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (r *orderRepoImpl) Transition(ctx context.Context, tx *gorm.DB, orderID string, from []model.OrderState, to model.OrderState, set map[string]interface{}) (bool, error) {
	if tx == nil {
		tx = r.db
	}
	updates := map[string]interface{}{
		"state":      to,
		"updated_at": time.Now(),
	}
	for k, v := range set {
		updates[k] = v
	}
	result := tx.WithContext(ctx).Model(&model.Order{}).
		Where("id = ? AND state IN ?", orderID, from).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *orderRepoImpl) SetReviewFlag(ctx context.Context, orderID string, flagged bool) error {
	return r.db.WithContext(ctx).Model(&model.Order{}).
		Where("id = ?", orderID).
		Update("review_flag", flagged).Error
}

func (r *orderRepoImpl) MarkSettled(ctx context.Context, orderID string) error {
	return r.db.WithContext(ctx).Model(&model.Order{}).
		Where("id = ?", orderID).
		Update("settled", true).Error
}

func (r *orderRepoImpl) MarkNotified(ctx context.Context, orderID string) error {
	return r.db.WithContext(ctx).Model(&model.Order{}).
		Where("id = ?", orderID).
		Update("notified", true).Error
}

func (r *orderRepoImpl) FindExpired(ctx context.Context, before time.Time, limit int) ([]*model.Order, error) {
	var orders []*model.Order
	err := r.db.WithContext(ctx).
		Where("state IN ? AND created_at < ?",
			[]model.OrderState{model.OrderCreated, model.OrderAwaitingPayment}, before).
		Order("created_at").
		Limit(limit).
		Find(&orders).Error
	return orders, err
}

func (r *orderRepoImpl) FindRetryDue(ctx context.Context, now time.Time, limit int) ([]*model.Order, error) {
	var orders []*model.Order
	err := r.db.WithContext(ctx).
		Where("state = ? AND next_attempt_at IS NOT NULL AND next_attempt_at <= ?",
			model.OrderRetryWait, now).
		Order("next_attempt_at").
		Limit(limit).
		Find(&orders).Error
	return orders, err
}

func (r *orderRepoImpl) FindStuckProvisioning(ctx context.Context, before time.Time, limit int) ([]*model.Order, error) {
	var orders []*model.Order
	err := r.db.WithContext(ctx).
		Where("state IN ? AND updated_at < ?",
			[]model.OrderState{model.OrderPaymentConfirmed, model.OrderProvisioning}, before).
		Order("updated_at").
		Limit(limit).
		Find(&orders).Error
	return orders, err
}

func (r *orderRepoImpl) FindUnsettled(ctx context.Context, limit int) ([]*model.Order, error) {
	var orders []*model.Order
	err := r.db.WithContext(ctx).
		Where("state = ? AND (settled = ? OR notified = ?)",
			model.OrderFulfilled, false, false).
		Order("updated_at").
		Limit(limit).
		Find(&orders).Error
	return orders, err
}

func (r *orderRepoImpl) FindReviewQueue(ctx context.Context, limit int) ([]*model.Order, error) {
	var orders []*model.Order
	err := r.db.WithContext(ctx).
		Where("review_flag = ?", true).
		Order("updated_at").
		Limit(limit).
		Find(&orders).Error
	return orders, err
}

func (r *orderRepoImpl) FindFailed(ctx context.Context, limit int) ([]*model.Order, error) {
	var orders []*model.Order
	err := r.db.WithContext(ctx).
		Where("state = ?", model.OrderFailed).
		Order("updated_at desc").
		Limit(limit).
		Find(&orders).Error
	return orders, err
}
