package repository

import (
	"context"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"vpn-shop-fulfillment/internal/model"
)

type ReferralCreditRepository interface {
	// Insert writes a credit; the (order id, kind) unique index makes a
	// second settlement attempt a no-op. created reports whether a row
	// was written.
	Insert(ctx context.Context, tx *gorm.DB, credit *model.ReferralCredit) (created bool, err error)
	FindByOrderID(ctx context.Context, orderID string) ([]*model.ReferralCredit, error)
	SumForReferrer(ctx context.Context, referrerID int64) (decimal.Decimal, error)
}

type referralCreditRepoImpl struct {
	db *gorm.DB
}

func NewReferralCreditRepository(db *gorm.DB) ReferralCreditRepository {
	return &referralCreditRepoImpl{db: db}
}

func (r *referralCreditRepoImpl) Insert(ctx context.Context, tx *gorm.DB, credit *model.ReferralCredit) (bool, error) {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(credit)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *referralCreditRepoImpl) FindByOrderID(ctx context.Context, orderID string) ([]*model.ReferralCredit, error) {
	var credits []*model.ReferralCredit
	err := r.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Find(&credits).Error
	return credits, err
}

func (r *referralCreditRepoImpl) SumForReferrer(ctx context.Context, referrerID int64) (decimal.Decimal, error) {
	var credits []*model.ReferralCredit
	err := r.db.WithContext(ctx).
		Where("referrer_id = ?", referrerID).
		Find(&credits).Error
	if err != nil {
		return decimal.Zero, err
	}
	sum := decimal.Zero
	for _, c := range credits {
		sum = sum.Add(c.Amount)
	}
	return sum, nil
}
