package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"vpn-shop-fulfillment/internal/model"
	"vpn-shop-fulfillment/internal/repository"
)

type ReferralConfig struct {
	Enabled bool

	// RewardType selects the purchase reward rule: "percent_purchase"
	// pays a cut of the order amount, "fixed_purchase" a flat amount.
	RewardType  string
	Percent     decimal.Decimal
	FixedAmount decimal.Decimal

	// SignupBonus is paid to the referrer once, on the referred buyer's
	// first fulfilled purchase. Zero disables it.
	SignupBonus decimal.Decimal

	MinWithdrawal decimal.Decimal
}

// ReferralService maintains the referral ledger. Settlement is
// idempotent: the (order, kind) unique index absorbs re-settlement from
// the sweep or a crashed finalize pass, and balance counters only move
// when a ledger row is actually written.
type ReferralService struct {
	db      *gorm.DB
	credits repository.ReferralCreditRepository
	users   repository.UserRepository
	cfg     ReferralConfig
	log     *zap.Logger
}

func NewReferralService(db *gorm.DB, credits repository.ReferralCreditRepository, users repository.UserRepository, cfg ReferralConfig, log *zap.Logger) *ReferralService {
	return &ReferralService{
		db:      db,
		credits: credits,
		users:   users,
		cfg:     cfg,
		log:     log,
	}
}

// Settle credits the buyer's referrer for a fulfilled order. A buyer
// without a referrer, or a disabled program, settles to nothing.
func (s *ReferralService) Settle(ctx context.Context, order *model.Order) error {
	if !s.cfg.Enabled {
		return nil
	}

	buyer, err := s.users.Find(ctx, order.BuyerID)
	if errors.Is(err, model.ErrUserNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("settle order %s: %w", order.ID, err)
	}
	if buyer.ReferredBy == nil {
		return nil
	}
	referrer := *buyer.ReferredBy

	kind, amount := s.purchaseReward(order.Amount)

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if amount.IsPositive() {
			created, err := s.credits.Insert(ctx, tx, &model.ReferralCredit{
				ReferrerID: referrer,
				OrderID:    order.ID,
				Kind:       kind,
				Amount:     amount,
			})
			if err != nil {
				return err
			}
			if created {
				if err := s.users.AddBalance(ctx, tx, referrer, amount); err != nil {
					return err
				}
				if err := s.users.AddReferralTotal(ctx, tx, referrer, amount); err != nil {
					return err
				}
				s.log.Info("referral credit written",
					zap.String("order_id", order.ID),
					zap.Int64("referrer_id", referrer),
					zap.String("kind", string(kind)),
					zap.String("amount", amount.String()))
			}
		}

		if s.cfg.SignupBonus.IsPositive() && !buyer.SignupBonusGranted {
			created, err := s.credits.Insert(ctx, tx, &model.ReferralCredit{
				ReferrerID: referrer,
				OrderID:    order.ID,
				Kind:       model.CreditSignupBonus,
				Amount:     s.cfg.SignupBonus,
			})
			if err != nil {
				return err
			}
			if created {
				if err := s.users.AddBalance(ctx, tx, referrer, s.cfg.SignupBonus); err != nil {
					return err
				}
				if err := s.users.AddReferralTotal(ctx, tx, referrer, s.cfg.SignupBonus); err != nil {
					return err
				}
				if err := s.users.SetSignupBonusGranted(ctx, tx, buyer.TelegramID); err != nil {
					return err
				}
				s.log.Info("signup bonus granted",
					zap.String("order_id", order.ID),
					zap.Int64("referrer_id", referrer),
					zap.Int64("referred_id", buyer.TelegramID))
			}
		}
		return nil
	})
}

func (s *ReferralService) purchaseReward(orderAmount decimal.Decimal) (model.CreditKind, decimal.Decimal) {
	switch s.cfg.RewardType {
	case "fixed_purchase":
		return model.CreditFixedPurchase, s.cfg.FixedAmount
	default:
		return model.CreditPercent, orderAmount.Mul(s.cfg.Percent).Div(decimal.NewFromInt(100)).Round(2)
	}
}

// Balance reports a referrer's spendable balance alongside lifetime
// earnings from the ledger.
type Balance struct {
	Spendable     decimal.Decimal `json:"spendable"`
	LifetimeTotal decimal.Decimal `json:"lifetime_total"`
	MinWithdrawal decimal.Decimal `json:"min_withdrawal"`
}

func (s *ReferralService) GetBalance(ctx context.Context, referrerID int64) (*Balance, error) {
	user, err := s.users.Find(ctx, referrerID)
	if err != nil {
		return nil, err
	}
	lifetime, err := s.credits.SumForReferrer(ctx, referrerID)
	if err != nil {
		return nil, err
	}
	return &Balance{
		Spendable:     user.Balance,
		LifetimeTotal: lifetime,
		MinWithdrawal: s.cfg.MinWithdrawal,
	}, nil
}
