package panel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"vpn-shop-fulfillment/internal/model"
)

const (
	defaultMaxConcurrent = 4
	defaultRateRPS       = 5
)

// Dispatcher routes provisioning calls to the right panel client for a
// host. Calls to different hosts run fully in parallel; calls to the same
// host are bounded by that host's concurrency limit and rate limit, with
// excess callers queueing on the semaphore rather than being rejected.
type Dispatcher struct {
	timeout time.Duration
	log     *zap.Logger

	mu       sync.Mutex
	clients  map[string]Client
	slots    map[string]chan struct{}
	limiters map[string]*rate.Limiter

	// newClient is swappable in tests.
	newClient func(host *model.Host, timeout time.Duration) (Client, error)
}

func NewDispatcher(timeout time.Duration, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		timeout:   timeout,
		log:       log,
		clients:   make(map[string]Client),
		slots:     make(map[string]chan struct{}),
		limiters:  make(map[string]*rate.Limiter),
		newClient: buildClient,
	}
}

func buildClient(host *model.Host, timeout time.Duration) (Client, error) {
	switch host.PanelType {
	case model.PanelXUI:
		return newXUIClient(host, timeout)
	case model.PanelRemnawave:
		return newRemnawaveClient(host, timeout), nil
	default:
		return nil, fmt.Errorf("unknown panel type %q for host %s", host.PanelType, host.Name)
	}
}

func (d *Dispatcher) hostResources(host *model.Host) (Client, chan struct{}, *rate.Limiter, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	client, ok := d.clients[host.Name]
	if !ok {
		var err error
		client, err = d.newClient(host, d.timeout)
		if err != nil {
			return nil, nil, nil, err
		}
		d.clients[host.Name] = client

		maxConcurrent := host.MaxConcurrent
		if maxConcurrent <= 0 {
			maxConcurrent = defaultMaxConcurrent
		}
		d.slots[host.Name] = make(chan struct{}, maxConcurrent)

		rps := host.RateLimitRPS
		if rps <= 0 {
			rps = defaultRateRPS
		}
		d.limiters[host.Name] = rate.NewLimiter(rate.Limit(rps), 1)
	}
	return client, d.slots[host.Name], d.limiters[host.Name], nil
}

func (d *Dispatcher) acquire(ctx context.Context, host *model.Host) (Client, func(), error) {
	client, slots, limiter, err := d.hostResources(host)
	if err != nil {
		return nil, nil, err
	}

	select {
	case slots <- struct{}{}:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
	if err := limiter.Wait(ctx); err != nil {
		<-slots
		return nil, nil, err
	}
	return client, func() { <-slots }, nil
}

func (d *Dispatcher) IssueCredential(ctx context.Context, host *model.Host, req IssueRequest) (*Credential, error) {
	client, release, err := d.acquire(ctx, host)
	if err != nil {
		return nil, &model.ProvisioningError{Kind: model.HostUnreachable, Host: host.Name, Err: err}
	}
	defer release()

	d.log.Debug("issuing credential",
		zap.String("host", host.Name),
		zap.String("key_email", req.KeyEmail),
		zap.Int("days", req.Days))

	return client.IssueCredential(ctx, req)
}

func (d *Dispatcher) RevokeCredential(ctx context.Context, host *model.Host, clientID, keyEmail string) error {
	client, release, err := d.acquire(ctx, host)
	if err != nil {
		return &model.ProvisioningError{Kind: model.HostUnreachable, Host: host.Name, Err: err}
	}
	defer release()

	return client.RevokeCredential(ctx, clientID, keyEmail)
}
