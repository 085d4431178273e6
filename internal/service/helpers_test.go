package service

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"vpn-shop-fulfillment/internal/model"
	"vpn-shop-fulfillment/internal/panel"
	"vpn-shop-fulfillment/internal/repository"
)

const (
	testHost     = "de-1"
	testPlanID   = uint(1)
	testBuyerID  = int64(100)
	testReferrer = int64(200)
)

// fakePanel is an in-memory Provisioner. Errors queued in failures are
// returned one per call before calls start succeeding.
type fakePanel struct {
	mu       sync.Mutex
	failures []error
	issued   []panel.IssueRequest
	revoked  []string
}

func (f *fakePanel) IssueCredential(_ context.Context, host *model.Host, req panel.IssueRequest) (*panel.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.failures) > 0 {
		err := f.failures[0]
		f.failures = f.failures[1:]
		return nil, err
	}
	f.issued = append(f.issued, req)
	return &panel.Credential{
		ClientID:         "client-" + req.KeyEmail,
		KeyEmail:         req.KeyEmail,
		ConnectionString: "vless://client@" + host.Name + ":443",
		ExpiresAt:        time.Now().Add(time.Duration(req.Days) * 24 * time.Hour),
	}, nil
}

func (f *fakePanel) RevokeCredential(_ context.Context, _ *model.Host, _, keyEmail string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked = append(f.revoked, keyEmail)
	return nil
}

func (f *fakePanel) issueCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.issued)
}

type fakeNotifier struct {
	mu    sync.Mutex
	sent  []string
	fails int
}

func (f *fakeNotifier) Notify(_ context.Context, _ int64, text string, _ map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return errors.New("notifier down")
	}
	f.sent = append(f.sent, text)
	return nil
}

type testEnv struct {
	db         *gorm.DB
	orderRepo  repository.OrderRepository
	eventRepo  repository.PaymentEventRepository
	provRepo   repository.ProvisioningRecordRepository
	userRepo   repository.UserRepository
	hostRepo   repository.HostRepository
	creditRepo repository.ReferralCreditRepository

	panel    *fakePanel
	notifier *fakeNotifier

	orders    *OrderService
	referrals *ReferralService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := repository.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}

	env := &testEnv{
		db:         db,
		orderRepo:  repository.NewOrderRepository(db),
		eventRepo:  repository.NewPaymentEventRepository(db),
		provRepo:   repository.NewProvisioningRecordRepository(db),
		userRepo:   repository.NewUserRepository(db),
		hostRepo:   repository.NewHostRepository(db),
		creditRepo: repository.NewReferralCreditRepository(db),
		panel:      &fakePanel{},
		notifier:   &fakeNotifier{},
	}

	log := zap.NewNop()

	env.referrals = NewReferralService(db, env.creditRepo, env.userRepo, ReferralConfig{
		Enabled:     true,
		RewardType:  "percent_purchase",
		Percent:     decimal.NewFromInt(10),
		SignupBonus: decimal.NewFromInt(20),
	}, log)

	env.orders = NewOrderService(
		db, env.orderRepo, env.eventRepo, env.provRepo, env.userRepo, env.hostRepo,
		env.panel, env.referrals, env.notifier, testOrderConfig(), log)

	env.seed(t)
	return env
}

func testOrderConfig() OrderConfig {
	return OrderConfig{
		AmountTolerance: decimal.RequireFromString("0.01"),
		MaxAttempts:     3,
		BackoffBase:     time.Millisecond,
		BackoffCap:      10 * time.Millisecond,
		OrderTTL:        time.Hour,
	}
}

// ordersWithHosts builds an OrderService over the environment's store but
// reading hosts through the given repository.
func (e *testEnv) ordersWithHosts(hosts repository.HostRepository) *OrderService {
	return NewOrderService(
		e.db, e.orderRepo, e.eventRepo, e.provRepo, e.userRepo, hosts,
		e.panel, e.referrals, e.notifier, testOrderConfig(), zap.NewNop())
}

// flakyHostRepo fails the next findErrs host lookups before recovering.
type flakyHostRepo struct {
	repository.HostRepository
	findErrs int
}

func (r *flakyHostRepo) Find(ctx context.Context, name string) (*model.Host, error) {
	if r.findErrs > 0 {
		r.findErrs--
		return nil, errors.New("database is locked")
	}
	return r.HostRepository.Find(ctx, name)
}

func (e *testEnv) seed(t *testing.T) {
	t.Helper()
	ctx := context.Background()

	if err := e.db.Create(&model.Host{
		Name:      testHost,
		PanelType: model.PanelXUI,
		URL:       "http://panel.example",
		Healthy:   true,
	}).Error; err != nil {
		t.Fatalf("seed host: %v", err)
	}
	if err := e.db.Create(&model.Plan{
		ID:       testPlanID,
		HostName: testHost,
		Name:     "1 month",
		Months:   1,
		Price:    decimal.NewFromInt(100),
		Currency: "RUB",
	}).Error; err != nil {
		t.Fatalf("seed plan: %v", err)
	}

	referrer := testReferrer
	if err := e.userRepo.Create(ctx, &model.User{TelegramID: testReferrer}); err != nil {
		t.Fatalf("seed referrer: %v", err)
	}
	if err := e.userRepo.Create(ctx, &model.User{TelegramID: testBuyerID, ReferredBy: &referrer}); err != nil {
		t.Fatalf("seed buyer: %v", err)
	}
}

// newAwaitingOrder creates an order and moves it to awaiting_payment.
func (e *testEnv) newAwaitingOrder(t *testing.T, nonce string) *model.Order {
	t.Helper()
	ctx := context.Background()

	order, err := e.orders.CreateOrder(ctx, CreateOrderInput{
		BuyerID:  testBuyerID,
		HostName: testHost,
		PlanID:   testPlanID,
		Nonce:    nonce,
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if err := e.orders.MarkAwaitingPayment(ctx, order.ID); err != nil {
		t.Fatalf("mark awaiting payment: %v", err)
	}
	return order
}

func (e *testEnv) orderState(t *testing.T, orderID string) model.OrderState {
	t.Helper()
	order, err := e.orderRepo.FindByID(context.Background(), orderID)
	if err != nil {
		t.Fatalf("find order: %v", err)
	}
	return order.State
}

func (e *testEnv) unreachable() error {
	return &model.ProvisioningError{Kind: model.HostUnreachable, Host: testHost, Err: errors.New("dial tcp: timeout")}
}

func (e *testEnv) rejected() error {
	return &model.ProvisioningError{Kind: model.HostRejected, Host: testHost, Err: errors.New("inbound quota exceeded")}
}

func (e *testEnv) authFailed() error {
	return &model.ProvisioningError{Kind: model.HostAuthFailed, Host: testHost, Err: errors.New("login rejected")}
}
