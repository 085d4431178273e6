package repository

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"vpn-shop-fulfillment/internal/model"
)

type UserRepository interface {
	Find(ctx context.Context, telegramID int64) (*model.User, error)
	Create(ctx context.Context, user *model.User) error
	// AddBalance credits the spendable balance and lifetime referral total.
	AddBalance(ctx context.Context, tx *gorm.DB, telegramID int64, amount decimal.Decimal) error
	AddReferralTotal(ctx context.Context, tx *gorm.DB, telegramID int64, amount decimal.Decimal) error
	SetSignupBonusGranted(ctx context.Context, tx *gorm.DB, telegramID int64) error
	RecordPurchase(ctx context.Context, tx *gorm.DB, telegramID int64, amount decimal.Decimal, months int) error
}

type userRepoImpl struct {
	db *gorm.DB
}

func NewUserRepository(db *gorm.DB) UserRepository {
	return &userRepoImpl{db: db}
}

func (r *userRepoImpl) Find(ctx context.Context, telegramID int64) (*model.User, error) {
	var user model.User
	err := r.db.WithContext(ctx).
		Where("telegram_id = ?", telegramID).
		First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, model.ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *userRepoImpl) Create(ctx context.Context, user *model.User) error {
	return r.db.WithContext(ctx).Create(user).Error
}

func (r *userRepoImpl) AddBalance(ctx context.Context, tx *gorm.DB, telegramID int64, amount decimal.Decimal) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Model(&model.User{}).
		Where("telegram_id = ?", telegramID).
		Update("balance", gorm.Expr("balance + ?", amount)).Error
}

func (r *userRepoImpl) AddReferralTotal(ctx context.Context, tx *gorm.DB, telegramID int64, amount decimal.Decimal) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Model(&model.User{}).
		Where("telegram_id = ?", telegramID).
		Update("referral_total", gorm.Expr("referral_total + ?", amount)).Error
}

func (r *userRepoImpl) SetSignupBonusGranted(ctx context.Context, tx *gorm.DB, telegramID int64) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Model(&model.User{}).
		Where("telegram_id = ?", telegramID).
		Update("signup_bonus_granted", true).Error
}

func (r *userRepoImpl) RecordPurchase(ctx context.Context, tx *gorm.DB, telegramID int64, amount decimal.Decimal, months int) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Model(&model.User{}).
		Where("telegram_id = ?", telegramID).
		Updates(map[string]interface{}{
			"total_spent":  gorm.Expr("total_spent + ?", amount),
			"total_months": gorm.Expr("total_months + ?", months),
		}).Error
}
