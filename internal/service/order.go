package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"vpn-shop-fulfillment/internal/gateway"
	"vpn-shop-fulfillment/internal/model"
	"vpn-shop-fulfillment/internal/notify"
	"vpn-shop-fulfillment/internal/panel"
	"vpn-shop-fulfillment/internal/repository"
)

// Provisioner is the slice of the panel dispatcher the state machine uses.
type Provisioner interface {
	IssueCredential(ctx context.Context, host *model.Host, req panel.IssueRequest) (*panel.Credential, error)
	RevokeCredential(ctx context.Context, host *model.Host, clientID, keyEmail string) error
}

// Settler credits the referral ledger for a fulfilled order.
type Settler interface {
	Settle(ctx context.Context, order *model.Order) error
}

type OrderConfig struct {
	AmountTolerance decimal.Decimal
	MaxAttempts     int
	BackoffBase     time.Duration
	BackoffCap      time.Duration
	OrderTTL        time.Duration

	// ReferredDiscountPercent is applied to the plan price at order
	// creation for referred buyers; zero disables the discount.
	ReferredDiscountPercent decimal.Decimal
}

// OrderService is the order state machine: the only writer of order rows.
// Every transition runs under the order's lock and lands as a conditional
// update keyed on the current state, so concurrent duplicate webhooks and
// background sweeps cannot double-apply a side effect.
type OrderService struct {
	db       *gorm.DB
	orders   repository.OrderRepository
	events   repository.PaymentEventRepository
	provs    repository.ProvisioningRecordRepository
	users    repository.UserRepository
	hosts    repository.HostRepository
	panels   Provisioner
	settler  Settler
	notifier notify.Notifier
	locks    *orderLocks
	cfg      OrderConfig
	log      *zap.Logger
	now      func() time.Time
}

func NewOrderService(
	db *gorm.DB,
	orders repository.OrderRepository,
	events repository.PaymentEventRepository,
	provs repository.ProvisioningRecordRepository,
	users repository.UserRepository,
	hosts repository.HostRepository,
	panels Provisioner,
	settler Settler,
	notifier notify.Notifier,
	cfg OrderConfig,
	log *zap.Logger,
) *OrderService {
	return &OrderService{
		db:       db,
		orders:   orders,
		events:   events,
		provs:    provs,
		users:    users,
		hosts:    hosts,
		panels:   panels,
		settler:  settler,
		notifier: notifier,
		locks:    newOrderLocks(),
		cfg:      cfg,
		log:      log,
		now:      time.Now,
	}
}

type CreateOrderInput struct {
	BuyerID      int64
	HostName     string
	PlanID       uint
	Nonce        string
	RenewOrderID *string
}

// IdempotencyKey derives the deterministic key preventing duplicate order
// creation from repeated client submissions.
func IdempotencyKey(buyerID int64, planID uint, nonce string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d|%d|%s", buyerID, planID, nonce)))
	return hex.EncodeToString(sum[:])
}

func (s *OrderService) CreateOrder(ctx context.Context, in CreateOrderInput) (*model.Order, error) {
	key := IdempotencyKey(in.BuyerID, in.PlanID, in.Nonce)

	if existing, err := s.orders.FindByIdempotencyKey(ctx, key); err == nil {
		return existing, nil
	} else if !errors.Is(err, model.ErrOrderNotFound) {
		return nil, err
	}

	plan, err := s.hosts.FindPlan(ctx, in.PlanID)
	if err != nil {
		return nil, err
	}
	if plan.HostName != in.HostName {
		return nil, fmt.Errorf("%w: plan %d is not offered on host %s", model.ErrPlanNotFound, in.PlanID, in.HostName)
	}
	host, err := s.hosts.Find(ctx, in.HostName)
	if err != nil {
		return nil, err
	}
	if !host.Healthy {
		return nil, fmt.Errorf("%w: host %s is not accepting orders", model.ErrHostNotFound, in.HostName)
	}

	amount := plan.Price
	if s.cfg.ReferredDiscountPercent.IsPositive() {
		if user, err := s.users.Find(ctx, in.BuyerID); err == nil && user.ReferredBy != nil {
			discount := amount.Mul(s.cfg.ReferredDiscountPercent).Div(decimal.NewFromInt(100))
			amount = amount.Sub(discount).Round(2)
		}
	}

	order := &model.Order{
		ID:             uuid.NewString(),
		BuyerID:        in.BuyerID,
		HostName:       in.HostName,
		PlanID:         in.PlanID,
		Months:         plan.Months,
		Amount:         amount,
		Currency:       plan.Currency,
		State:          model.OrderCreated,
		IdempotencyKey: key,
		RenewOrderID:   in.RenewOrderID,
	}
	if err := s.orders.Create(ctx, nil, order); err != nil {
		// A concurrent duplicate submission can win the insert race; the
		// unique idempotency key turns that into a lookup.
		if existing, findErr := s.orders.FindByIdempotencyKey(ctx, key); findErr == nil {
			return existing, nil
		}
		return nil, fmt.Errorf("create order: %w", err)
	}

	s.log.Info("order created",
		zap.String("order_id", order.ID),
		zap.Int64("buyer_id", order.BuyerID),
		zap.String("host", order.HostName),
		zap.String("amount", order.Amount.String()))
	return order, nil
}

// MarkAwaitingPayment moves a fresh order to awaiting_payment once an
// invoice has been issued to the buyer.
func (s *OrderService) MarkAwaitingPayment(ctx context.Context, orderID string) error {
	unlock := s.locks.Lock(orderID)
	defer unlock()

	ok, err := s.orders.Transition(ctx, nil, orderID,
		[]model.OrderState{model.OrderCreated}, model.OrderAwaitingPayment, nil)
	if err != nil {
		return err
	}
	if !ok {
		return model.ErrInvalidTransition
	}
	return nil
}

// ConfirmPayment drives an order through payment confirmation and, on
// success, synchronously into provisioning. A redelivery of the recorded
// transaction id is an idempotent no-op; an amount outside tolerance
// leaves the order awaiting payment and flags it for manual review.
func (s *OrderService) ConfirmPayment(ctx context.Context, orderID string, ev *gateway.CanonicalEvent) error {
	unlock := s.locks.Lock(orderID)
	defer unlock()

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return err
	}

	if order.PaymentTxID != "" && order.PaymentTxID == ev.TxID {
		// Duplicate delivery of the confirming event; keep the event
		// store consistent so ingress short-circuits next time.
		if err := s.events.MarkProcessed(ctx, nil, ev.Provider, ev.TxID, orderID); err != nil {
			return err
		}
		return nil
	}
	if order.State == model.OrderExpired {
		// Payment landed after expiry. The order stays expired and the
		// event is surfaced for manual reconciliation.
		if err := s.orders.SetReviewFlag(ctx, orderID, true); err != nil {
			return err
		}
		return model.ErrInvalidTransition
	}
	if order.State.Rank() >= model.OrderPaymentConfirmed.Rank() {
		// A different transaction against an already-paid order is a
		// potential double charge. Flag it so an operator reconciles the
		// second payment instead of the anomaly dying in a log line.
		if err := s.orders.SetReviewFlag(ctx, orderID, true); err != nil {
			return err
		}
		return model.ErrDuplicateEvent
	}

	if ev.Amount.Sub(order.Amount).Abs().GreaterThan(s.cfg.AmountTolerance) {
		if err := s.orders.SetReviewFlag(ctx, orderID, true); err != nil {
			return err
		}
		s.log.Warn("payment amount mismatch",
			zap.String("order_id", orderID),
			zap.String("expected", order.Amount.String()),
			zap.String("received", ev.Amount.String()))
		return model.ErrAmountMismatch
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := s.orders.Transition(ctx, tx, orderID,
			[]model.OrderState{model.OrderCreated, model.OrderAwaitingPayment},
			model.OrderPaymentConfirmed,
			map[string]interface{}{
				"payment_provider": ev.Provider,
				"payment_tx_id":    ev.TxID,
			})
		if err != nil {
			return err
		}
		if !ok {
			return model.ErrInvalidTransition
		}
		return s.events.MarkProcessed(ctx, tx, ev.Provider, ev.TxID, orderID)
	})
	if err != nil {
		return err
	}

	s.log.Info("payment confirmed",
		zap.String("order_id", orderID),
		zap.String("provider", ev.Provider),
		zap.String("tx_id", ev.TxID))

	return s.provisionLocked(ctx, orderID, provisionFrom)
}

// provisionFrom is the normal entry into provisioning. recoverFrom also
// claims orders sitting in provisioning itself, which only the staleness
// sweep may do: for live traffic that state means another worker owns the
// order, while for a stale order it means the process died mid-call and
// nobody does.
var (
	provisionFrom = []model.OrderState{model.OrderPaymentConfirmed, model.OrderRetryWait}
	recoverFrom   = []model.OrderState{model.OrderPaymentConfirmed, model.OrderRetryWait, model.OrderProvisioning}
)

// Provision re-drives provisioning for an order parked in retry_wait.
// Used by the background sweep.
func (s *OrderService) Provision(ctx context.Context, orderID string) error {
	unlock := s.locks.Lock(orderID)
	defer unlock()
	return s.provisionLocked(ctx, orderID, provisionFrom)
}

// Recover re-drives an order stranded in payment_confirmed or
// provisioning by a crash between the confirm write and the panel call.
// Re-issuing against the host is safe: the key-email lookup returns the
// prior credential when the call did land before the crash.
func (s *OrderService) Recover(ctx context.Context, orderID string) error {
	unlock := s.locks.Lock(orderID)
	defer unlock()
	return s.provisionLocked(ctx, orderID, recoverFrom)
}

func (s *OrderService) provisionLocked(ctx context.Context, orderID string, from []model.OrderState) error {
	ok, err := s.orders.Transition(ctx, nil, orderID,
		from,
		model.OrderProvisioning, nil)
	if err != nil {
		return err
	}
	if !ok {
		// Someone else already drove this order forward.
		return nil
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return err
	}

	host, err := s.hosts.Find(ctx, order.HostName)
	if err != nil {
		// A missing host row is terminal; a read error is a transient
		// ledger fault and goes through backoff like an unreachable host.
		if errors.Is(err, model.ErrHostNotFound) {
			return s.failProvisioning(ctx, order, err)
		}
		return s.retryProvisioning(ctx, order, err)
	}

	keyEmail, renewTarget, err := s.credentialRef(ctx, order)
	if err != nil {
		if errors.Is(err, errRenewSourceGone) {
			return s.failProvisioning(ctx, order, err)
		}
		return s.retryProvisioning(ctx, order, err)
	}

	cred, err := s.panels.IssueCredential(ctx, host, panel.IssueRequest{
		KeyEmail: keyEmail,
		Days:     order.Months * 30,
	})
	if err != nil {
		return s.handleProvisioningError(ctx, order, host, err)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if renewTarget != "" {
			if err := s.provs.Renew(ctx, tx, renewTarget, cred.ExpiresAt); err != nil {
				return err
			}
		} else {
			record := &model.ProvisioningRecord{
				OrderID:          order.ID,
				HostName:         order.HostName,
				ClientID:         cred.ClientID,
				KeyEmail:         cred.KeyEmail,
				ConnectionString: cred.ConnectionString,
				SubscriptionURL:  cred.SubscriptionURL,
				IssuedAt:         s.now(),
				ExpiresAt:        cred.ExpiresAt,
			}
			if err := s.provs.Create(ctx, tx, record); err != nil {
				return err
			}
		}
		ok, err := s.orders.Transition(ctx, tx, order.ID,
			[]model.OrderState{model.OrderProvisioning}, model.OrderFulfilled, nil)
		if err != nil {
			return err
		}
		if !ok {
			return model.ErrInvalidTransition
		}
		return s.users.RecordPurchase(ctx, tx, order.BuyerID, order.Amount, order.Months)
	})
	if err != nil {
		return fmt.Errorf("persist fulfillment for order %s: %w", order.ID, err)
	}

	s.log.Info("order fulfilled",
		zap.String("order_id", order.ID),
		zap.String("host", order.HostName),
		zap.String("client_id", cred.ClientID))

	order.State = model.OrderFulfilled
	s.finalize(ctx, order, cred)
	return nil
}

// errRenewSourceGone means a renewal points at a credential that no
// longer exists or was revoked, which no amount of retrying fixes.
var errRenewSourceGone = errors.New("no live credential to renew")

// credentialRef picks the client-supplied reference passed to the host.
// New purchases derive it from the idempotency key; renewals reuse the
// original credential's reference so the host extends instead of creating.
func (s *OrderService) credentialRef(ctx context.Context, order *model.Order) (keyEmail, renewTarget string, err error) {
	if order.RenewOrderID == nil {
		return order.IdempotencyKey[:16] + "@bot.local", "", nil
	}
	record, err := s.provs.FindByOrderID(ctx, *order.RenewOrderID)
	if err != nil {
		return "", "", err
	}
	if record == nil || record.Revoked {
		return "", "", fmt.Errorf("%w for order %s", errRenewSourceGone, *order.RenewOrderID)
	}
	return record.KeyEmail, record.OrderID, nil
}

// handleProvisioningError applies the failure taxonomy: transient errors
// park the order for a bounded backoff retry, terminal errors move it to
// failed with a refund-eligible flag so funds are never silently kept.
func (s *OrderService) handleProvisioningError(ctx context.Context, order *model.Order, host *model.Host, issueErr error) error {
	var perr *model.ProvisioningError
	retryable := errors.As(issueErr, &perr) && perr.Retryable()

	if perr != nil && perr.Kind == model.HostAuthFailed {
		if err := s.hosts.SetHealthy(ctx, host.Name, false); err != nil {
			s.log.Error("could not flag host unhealthy", zap.String("host", host.Name), zap.Error(err))
		}
	}

	if retryable {
		return s.retryProvisioning(ctx, order, issueErr)
	}
	return s.failProvisioning(ctx, order, issueErr)
}

// retryProvisioning parks the order in retry_wait with a backoff deadline,
// or fails it once the attempt budget is spent.
func (s *OrderService) retryProvisioning(ctx context.Context, order *model.Order, cause error) error {
	attempts := order.Attempts + 1
	if attempts >= s.cfg.MaxAttempts {
		return s.failProvisioning(ctx, order, cause)
	}
	next := s.now().Add(s.backoff(attempts))
	_, err := s.orders.Transition(ctx, nil, order.ID,
		[]model.OrderState{model.OrderProvisioning}, model.OrderRetryWait,
		map[string]interface{}{
			"attempts":        attempts,
			"next_attempt_at": &next,
		})
	if err != nil {
		return err
	}
	s.log.Warn("provisioning failed, retry scheduled",
		zap.String("order_id", order.ID),
		zap.Int("attempt", attempts),
		zap.Time("next_attempt_at", next),
		zap.Error(cause))
	return nil
}

func (s *OrderService) failProvisioning(ctx context.Context, order *model.Order, cause error) error {
	_, err := s.orders.Transition(ctx, nil, order.ID,
		[]model.OrderState{model.OrderProvisioning}, model.OrderFailed,
		map[string]interface{}{
			"attempts":        order.Attempts + 1,
			"refund_eligible": true,
			"review_flag":     true,
		})
	if err != nil {
		return err
	}
	s.log.Error("provisioning exhausted, order failed",
		zap.String("order_id", order.ID),
		zap.String("host", order.HostName),
		zap.Error(cause))

	if nerr := s.notifier.Notify(ctx, order.BuyerID, failureText(order), map[string]string{
		"order_id": order.ID,
	}); nerr != nil {
		s.log.Warn("failure notification not delivered", zap.String("order_id", order.ID), zap.Error(nerr))
	}
	return nil
}

func (s *OrderService) backoff(attempt int) time.Duration {
	d := s.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= s.cfg.BackoffCap {
			return s.cfg.BackoffCap
		}
	}
	if d > s.cfg.BackoffCap {
		return s.cfg.BackoffCap
	}
	return d
}

// finalize runs the post-fulfillment side effects. Both are best effort:
// a failure is logged and re-driven by the settlement sweep, never rolled
// back into the order state since the buyer already has the credential.
func (s *OrderService) finalize(ctx context.Context, order *model.Order, cred *panel.Credential) {
	if !order.Settled {
		if err := s.settler.Settle(ctx, order); err != nil {
			s.log.Warn("referral settlement deferred", zap.String("order_id", order.ID), zap.Error(err))
		} else if err := s.orders.MarkSettled(ctx, order.ID); err != nil {
			s.log.Error("could not mark order settled", zap.String("order_id", order.ID), zap.Error(err))
		}
	}

	if !order.Notified {
		text := successText(order, cred)
		if err := s.notifier.Notify(ctx, order.BuyerID, text, map[string]string{
			"order_id": order.ID,
		}); err != nil {
			s.log.Warn("notification deferred", zap.String("order_id", order.ID), zap.Error(err))
		} else if err := s.orders.MarkNotified(ctx, order.ID); err != nil {
			s.log.Error("could not mark order notified", zap.String("order_id", order.ID), zap.Error(err))
		}
	}
}

// FinalizeFulfilled re-runs settlement and notification for a fulfilled
// order whose flags are still unset. Called by the background sweep.
func (s *OrderService) FinalizeFulfilled(ctx context.Context, orderID string) error {
	unlock := s.locks.Lock(orderID)
	defer unlock()

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return err
	}
	if order.State != model.OrderFulfilled {
		return nil
	}

	var cred *panel.Credential
	recordOrder := order.ID
	if order.RenewOrderID != nil {
		recordOrder = *order.RenewOrderID
	}
	if record, err := s.provs.FindByOrderID(ctx, recordOrder); err == nil && record != nil {
		cred = &panel.Credential{
			ClientID:         record.ClientID,
			KeyEmail:         record.KeyEmail,
			ConnectionString: record.ConnectionString,
			SubscriptionURL:  record.SubscriptionURL,
			ExpiresAt:        record.ExpiresAt,
		}
	}
	s.finalize(ctx, order, cred)
	return nil
}

// Expire moves an unpaid order past its deadline to the terminal expired
// state.
func (s *OrderService) Expire(ctx context.Context, orderID string) error {
	unlock := s.locks.Lock(orderID)
	defer unlock()

	ok, err := s.orders.Transition(ctx, nil, orderID,
		[]model.OrderState{model.OrderCreated, model.OrderAwaitingPayment},
		model.OrderExpired, nil)
	if err != nil {
		return err
	}
	if ok {
		s.log.Info("order expired", zap.String("order_id", orderID))
	}
	return nil
}

// Refund is the manual operator transition out of fulfilled. The remote
// credential is revoked best effort before the ledger flips.
func (s *OrderService) Refund(ctx context.Context, orderID string) error {
	unlock := s.locks.Lock(orderID)
	defer unlock()

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return err
	}
	if order.State != model.OrderFulfilled {
		return model.ErrInvalidTransition
	}

	record, err := s.provs.FindByOrderID(ctx, orderID)
	if err != nil {
		return err
	}
	if record != nil && !record.Revoked {
		host, err := s.hosts.Find(ctx, record.HostName)
		if err == nil {
			if err := s.panels.RevokeCredential(ctx, host, record.ClientID, record.KeyEmail); err != nil {
				s.log.Warn("credential revocation failed",
					zap.String("order_id", orderID), zap.Error(err))
			}
		}
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := s.orders.Transition(ctx, tx, orderID,
			[]model.OrderState{model.OrderFulfilled}, model.OrderRefunded, nil)
		if err != nil {
			return err
		}
		if !ok {
			return model.ErrInvalidTransition
		}
		if record != nil {
			return s.provs.MarkRevoked(ctx, tx, orderID)
		}
		return nil
	})
}

func (s *OrderService) FindOrder(ctx context.Context, orderID string) (*model.Order, error) {
	return s.orders.FindByID(ctx, orderID)
}

// FindAwaitingOrder lets amount-correlation gateways check that an order
// reference maps to an order still waiting for payment.
func (s *OrderService) FindAwaitingOrder(ctx context.Context, orderID string) (decimal.Decimal, error) {
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return decimal.Zero, err
	}
	switch order.State {
	case model.OrderCreated, model.OrderAwaitingPayment:
		return order.Amount, nil
	}
	return decimal.Zero, model.ErrOrderUnresolved
}

func successText(order *model.Order, cred *panel.Credential) string {
	if cred == nil {
		return "✅ Payment received! Your key is ready."
	}
	text := fmt.Sprintf(
		"✅ Payment received!\nYour key is active until %s.",
		cred.ExpiresAt.Format("02.01.2006 15:04"),
	)
	if cred.ConnectionString != "" {
		text += fmt.Sprintf("\n\n<code>%s</code>", cred.ConnectionString)
	}
	if cred.SubscriptionURL != "" {
		text += fmt.Sprintf("\nSubscription: %s", cred.SubscriptionURL)
	}
	return text
}

func failureText(order *model.Order) string {
	return fmt.Sprintf(
		"❌ We received your payment but could not issue a key on \"%s\".\n"+
			"Support has been alerted; you will get the key or a refund shortly.",
		order.HostName,
	)
}
