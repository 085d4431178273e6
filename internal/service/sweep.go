package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"vpn-shop-fulfillment/internal/repository"
)

type SweepConfig struct {
	Interval  time.Duration
	BatchSize int

	// OrderTTL bounds how long an unpaid order may sit before expiry.
	OrderTTL time.Duration
}

// Sweeper is the background reconciliation loop. Each tick it expires
// stale unpaid orders, re-drives parked retries, finishes deferred
// settlement and notification, and reprocesses stuck payment events.
// All work goes through the same state machine as live traffic, in
// bounded batches.
type Sweeper struct {
	orders *OrderService
	ingest *IngestService
	repo   repository.OrderRepository
	events repository.PaymentEventRepository
	cfg    SweepConfig
	log    *zap.Logger

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
	now  func() time.Time
}

func NewSweeper(orders *OrderService, ingest *IngestService, repo repository.OrderRepository, events repository.PaymentEventRepository, cfg SweepConfig, log *zap.Logger) *Sweeper {
	return &Sweeper{
		orders: orders,
		ingest: ingest,
		repo:   repo,
		events: events,
		cfg:    cfg,
		log:    log,
		stop:   make(chan struct{}),
		now:    time.Now,
	}
}

func (s *Sweeper) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.RunOnce(ctx)
			case <-s.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (s *Sweeper) Stop() {
	s.once.Do(func() { close(s.stop) })
	s.wg.Wait()
}

// RunOnce executes a single sweep pass. Exported so operators and tests
// can trigger a pass without waiting for the ticker.
func (s *Sweeper) RunOnce(ctx context.Context) {
	s.expireStale(ctx)
	s.driveRetries(ctx)
	s.recoverStuck(ctx)
	s.finishFulfilled(ctx)
	s.reprocessEvents(ctx)
}

func (s *Sweeper) expireStale(ctx context.Context) {
	cutoff := s.now().Add(-s.cfg.OrderTTL)
	orders, err := s.repo.FindExpired(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		s.log.Error("expiry sweep query failed", zap.Error(err))
		return
	}
	for _, order := range orders {
		if err := s.orders.Expire(ctx, order.ID); err != nil {
			s.log.Error("could not expire order", zap.String("order_id", order.ID), zap.Error(err))
		}
	}
	if len(orders) > 0 {
		s.log.Info("expiry sweep done", zap.Int("count", len(orders)))
	}
}

func (s *Sweeper) driveRetries(ctx context.Context) {
	orders, err := s.repo.FindRetryDue(ctx, s.now(), s.cfg.BatchSize)
	if err != nil {
		s.log.Error("retry sweep query failed", zap.Error(err))
		return
	}
	for _, order := range orders {
		if err := s.orders.Provision(ctx, order.ID); err != nil {
			s.log.Error("retry provisioning failed", zap.String("order_id", order.ID), zap.Error(err))
		}
	}
}

// recoverStuck re-drives orders stranded between the confirm write and
// the panel call by a crash. The staleness cutoff keeps the sweep off
// orders another worker is actively provisioning.
func (s *Sweeper) recoverStuck(ctx context.Context) {
	cutoff := s.now().Add(-s.cfg.Interval)
	orders, err := s.repo.FindStuckProvisioning(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		s.log.Error("recovery sweep query failed", zap.Error(err))
		return
	}
	for _, order := range orders {
		if err := s.orders.Recover(ctx, order.ID); err != nil {
			s.log.Error("stuck order recovery failed", zap.String("order_id", order.ID), zap.Error(err))
		}
	}
	if len(orders) > 0 {
		s.log.Info("recovery sweep done", zap.Int("count", len(orders)))
	}
}

func (s *Sweeper) finishFulfilled(ctx context.Context) {
	orders, err := s.repo.FindUnsettled(ctx, s.cfg.BatchSize)
	if err != nil {
		s.log.Error("settlement sweep query failed", zap.Error(err))
		return
	}
	for _, order := range orders {
		if err := s.orders.FinalizeFulfilled(ctx, order.ID); err != nil {
			s.log.Error("deferred finalize failed", zap.String("order_id", order.ID), zap.Error(err))
		}
	}
}

// reprocessEvents re-drives events stuck in received, which happens when
// the process died between storing the event and confirming the order.
func (s *Sweeper) reprocessEvents(ctx context.Context) {
	cutoff := s.now().Add(-s.cfg.Interval)
	events, err := s.events.FindUnprocessed(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		s.log.Error("event sweep query failed", zap.Error(err))
		return
	}
	for _, event := range events {
		if err := s.ingest.Reprocess(ctx, event); err != nil {
			s.log.Error("event reprocess failed",
				zap.String("provider", event.Provider),
				zap.String("tx_id", event.TxID),
				zap.Error(err))
		}
	}
}
