package service

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"vpn-shop-fulfillment/internal/model"
)

func fulfilledOrder(id string, amount int64) *model.Order {
	return &model.Order{
		ID:      id,
		BuyerID: testBuyerID,
		Amount:  decimal.NewFromInt(amount),
		State:   model.OrderFulfilled,
	}
}

func TestSettle_PercentReward(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if err := env.referrals.Settle(ctx, fulfilledOrder("order-1", 100)); err != nil {
		t.Fatalf("settle: %v", err)
	}

	credits, err := env.creditRepo.FindByOrderID(ctx, "order-1")
	if err != nil {
		t.Fatalf("find credits: %v", err)
	}
	if len(credits) != 2 {
		t.Fatalf("expected percent credit and signup bonus, got %d", len(credits))
	}

	referrer, err := env.userRepo.Find(ctx, testReferrer)
	if err != nil {
		t.Fatalf("find referrer: %v", err)
	}
	// 10% of 100 plus the 20 signup bonus
	if !referrer.Balance.Equal(decimal.NewFromInt(30)) {
		t.Fatalf("expected balance 30, got %s", referrer.Balance)
	}
}

func TestSettle_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	order := fulfilledOrder("order-1", 100)

	if err := env.referrals.Settle(ctx, order); err != nil {
		t.Fatalf("first settle: %v", err)
	}
	if err := env.referrals.Settle(ctx, order); err != nil {
		t.Fatalf("second settle: %v", err)
	}

	credits, err := env.creditRepo.FindByOrderID(ctx, "order-1")
	if err != nil {
		t.Fatalf("find credits: %v", err)
	}
	if len(credits) != 2 {
		t.Fatalf("re-settlement must not add credits, got %d", len(credits))
	}
	referrer, err := env.userRepo.Find(ctx, testReferrer)
	if err != nil {
		t.Fatalf("find referrer: %v", err)
	}
	if !referrer.Balance.Equal(decimal.NewFromInt(30)) {
		t.Fatalf("balance must not move twice, got %s", referrer.Balance)
	}
}

func TestSettle_SignupBonusOnlyOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if err := env.referrals.Settle(ctx, fulfilledOrder("order-1", 100)); err != nil {
		t.Fatalf("first purchase: %v", err)
	}
	if err := env.referrals.Settle(ctx, fulfilledOrder("order-2", 100)); err != nil {
		t.Fatalf("second purchase: %v", err)
	}

	second, err := env.creditRepo.FindByOrderID(ctx, "order-2")
	if err != nil {
		t.Fatalf("find credits: %v", err)
	}
	for _, c := range second {
		if c.Kind == model.CreditSignupBonus {
			t.Fatalf("signup bonus paid twice")
		}
	}
	referrer, err := env.userRepo.Find(ctx, testReferrer)
	if err != nil {
		t.Fatalf("find referrer: %v", err)
	}
	// two purchase rewards, one signup bonus
	if !referrer.Balance.Equal(decimal.NewFromInt(40)) {
		t.Fatalf("expected balance 40, got %s", referrer.Balance)
	}
}

func TestSettle_NoReferrer(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	order := fulfilledOrder("order-1", 100)
	order.BuyerID = testReferrer // referrer has no referrer of their own

	if err := env.referrals.Settle(ctx, order); err != nil {
		t.Fatalf("settle: %v", err)
	}
	credits, err := env.creditRepo.FindByOrderID(ctx, "order-1")
	if err != nil {
		t.Fatalf("find credits: %v", err)
	}
	if len(credits) != 0 {
		t.Fatalf("expected no credits without a referrer, got %d", len(credits))
	}
}

func TestSettle_FixedReward(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	fixed := NewReferralService(env.db, env.creditRepo, env.userRepo, ReferralConfig{
		Enabled:     true,
		RewardType:  "fixed_purchase",
		FixedAmount: decimal.NewFromInt(50),
	}, zap.NewNop())

	if err := fixed.Settle(ctx, fulfilledOrder("order-1", 100)); err != nil {
		t.Fatalf("settle: %v", err)
	}

	credits, err := env.creditRepo.FindByOrderID(ctx, "order-1")
	if err != nil {
		t.Fatalf("find credits: %v", err)
	}
	if len(credits) != 1 {
		t.Fatalf("expected one fixed credit, got %d", len(credits))
	}
	if credits[0].Kind != model.CreditFixedPurchase {
		t.Fatalf("expected fixed_purchase kind, got %s", credits[0].Kind)
	}
	if !credits[0].Amount.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("expected amount 50, got %s", credits[0].Amount)
	}
}

func TestSettle_Disabled(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	disabled := NewReferralService(env.db, env.creditRepo, env.userRepo, ReferralConfig{
		Enabled: false,
	}, zap.NewNop())

	if err := disabled.Settle(ctx, fulfilledOrder("order-1", 100)); err != nil {
		t.Fatalf("settle: %v", err)
	}
	credits, err := env.creditRepo.FindByOrderID(ctx, "order-1")
	if err != nil {
		t.Fatalf("find credits: %v", err)
	}
	if len(credits) != 0 {
		t.Fatalf("disabled program must not credit, got %d", len(credits))
	}
}

func TestGetBalance(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if err := env.referrals.Settle(ctx, fulfilledOrder("order-1", 100)); err != nil {
		t.Fatalf("settle: %v", err)
	}

	balance, err := env.referrals.GetBalance(ctx, testReferrer)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if !balance.Spendable.Equal(decimal.NewFromInt(30)) {
		t.Fatalf("expected spendable 30, got %s", balance.Spendable)
	}
	if !balance.LifetimeTotal.Equal(decimal.NewFromInt(30)) {
		t.Fatalf("expected lifetime total 30, got %s", balance.LifetimeTotal)
	}
}
