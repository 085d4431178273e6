package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"vpn-shop-fulfillment/internal/gateway"
	"vpn-shop-fulfillment/internal/model"
	"vpn-shop-fulfillment/internal/repository"
)

// IngestService is the webhook ingress path: verify, normalize, dedup,
// and hand the event to the order state machine. Every accepted event
// lands in the event store exactly once regardless of how many times the
// provider delivers it.
type IngestService struct {
	registry *gateway.Registry
	events   repository.PaymentEventRepository
	orders   *OrderService
	log      *zap.Logger
	now      func() time.Time
}

func NewIngestService(registry *gateway.Registry, events repository.PaymentEventRepository, orders *OrderService, log *zap.Logger) *IngestService {
	return &IngestService{
		registry: registry,
		events:   events,
		orders:   orders,
		log:      log,
		now:      time.Now,
	}
}

// HandleWebhook processes one inbound provider notification. The error
// contract maps to transport status: ErrInvalidSignature and
// ErrMalformedPayload are client faults, nil acknowledges the delivery,
// anything else is transient and the provider should redeliver.
func (s *IngestService) HandleWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) error {
	gw, ok := s.registry.Get(provider)
	if !ok {
		return fmt.Errorf("%w: unknown provider %q", model.ErrMalformedPayload, provider)
	}

	if err := gw.Verify(payload, headers); err != nil {
		s.recordRejected(ctx, gw, payload)
		s.log.Warn("webhook signature rejected", zap.String("provider", provider), zap.Error(err))
		return fmt.Errorf("%w: %v", model.ErrInvalidSignature, err)
	}

	ev, err := gw.Parse(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrMalformedPayload, err)
	}
	if ev == nil {
		// Authentic but not a payment confirmation; acknowledge and drop.
		return nil
	}

	existing, err := s.events.Find(ctx, ev.Provider, ev.TxID)
	if err != nil {
		return fmt.Errorf("event lookup: %w", err)
	}
	if existing != nil && existing.Status == model.EventProcessed {
		s.log.Debug("duplicate delivery absorbed",
			zap.String("provider", ev.Provider), zap.String("tx_id", ev.TxID))
		return nil
	}

	orderID, err := gw.ResolveOrder(ctx, ev)
	if err != nil {
		if serr := s.storeEvent(ctx, ev, "", model.EventOrphaned, payload); serr != nil {
			return fmt.Errorf("store orphaned event: %w", serr)
		}
		s.log.Warn("payment event held as orphaned",
			zap.String("provider", ev.Provider), zap.String("tx_id", ev.TxID), zap.Error(err))
		return nil
	}

	// The raw event must be on disk before any order state moves. A failed
	// write is transient so the provider redelivers.
	if err := s.storeEvent(ctx, ev, orderID, model.EventReceived, payload); err != nil {
		return fmt.Errorf("store payment event: %w", err)
	}

	return s.confirm(ctx, orderID, ev)
}

// Reprocess re-drives a stored event that never reached a terminal
// status, reusing the same confirmation path as live ingress.
func (s *IngestService) Reprocess(ctx context.Context, event *model.PaymentEvent) error {
	if event.OrderID == "" {
		return nil
	}
	ev := &gateway.CanonicalEvent{
		Provider: event.Provider,
		TxID:     event.TxID,
		Amount:   event.Amount,
		OrderRef: event.OrderID,
	}
	return s.confirm(ctx, event.OrderID, ev)
}

func (s *IngestService) confirm(ctx context.Context, orderID string, ev *gateway.CanonicalEvent) error {
	err := s.orders.ConfirmPayment(ctx, orderID, ev)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, model.ErrAmountMismatch):
		s.setStatus(ctx, ev, model.EventMismatch)
		return nil
	case errors.Is(err, model.ErrOrderNotFound):
		s.setStatus(ctx, ev, model.EventOrphaned)
		return nil
	case errors.Is(err, model.ErrDuplicateEvent), errors.Is(err, model.ErrInvalidTransition):
		// A second transaction against a settled order, or an event
		// against a terminal order. Never absorbed silently.
		s.setStatus(ctx, ev, model.EventRejected)
		s.log.Warn("payment event rejected by state machine",
			zap.String("order_id", orderID),
			zap.String("provider", ev.Provider),
			zap.String("tx_id", ev.TxID),
			zap.Error(err))
		return nil
	default:
		// Transient: leave the event in received so the sweep retries it,
		// and make the provider redeliver.
		return err
	}
}

func (s *IngestService) storeEvent(ctx context.Context, ev *gateway.CanonicalEvent, orderID string, status model.EventStatus, payload []byte) error {
	sum := sha256.Sum256(payload)
	_, err := s.events.Insert(ctx, nil, &model.PaymentEvent{
		Provider:    ev.Provider,
		TxID:        ev.TxID,
		OrderID:     orderID,
		Amount:      ev.Amount,
		PayloadHash: hex.EncodeToString(sum[:]),
		Status:      status,
		ReceivedAt:  s.now(),
	})
	return err
}

func (s *IngestService) setStatus(ctx context.Context, ev *gateway.CanonicalEvent, status model.EventStatus) {
	if err := s.events.SetStatus(ctx, ev.Provider, ev.TxID, status); err != nil {
		s.log.Error("could not update event status",
			zap.String("provider", ev.Provider), zap.String("tx_id", ev.TxID), zap.Error(err))
	}
}

// recordRejected keeps an audit row for a payload that failed signature
// verification, when the payload is still parseable enough to name a
// transaction.
func (s *IngestService) recordRejected(ctx context.Context, gw gateway.Gateway, payload []byte) {
	ev, err := gw.Parse(payload)
	if err != nil || ev == nil {
		return
	}
	if err := s.storeEvent(ctx, ev, "", model.EventRejected, payload); err != nil {
		s.log.Error("could not store rejected event",
			zap.String("provider", ev.Provider), zap.String("tx_id", ev.TxID), zap.Error(err))
	}
}
