// Package gateway normalizes provider-specific webhook payloads into
// canonical payment events and verifies their authenticity. Each payment
// back-end is a tagged variant implementing the same capability set,
// selected by an explicit provider tag on ingress.
package gateway

import (
	"context"
	"net/http"

	"github.com/shopspring/decimal"
)

// CanonicalEvent is the provider-agnostic form of one inbound payment
// notification.
type CanonicalEvent struct {
	Provider string
	TxID     string
	Amount   decimal.Decimal
	Currency string

	// OrderRef is the order id embedded in provider metadata, empty when
	// the provider cannot carry one and correlation is needed.
	OrderRef string
}

type Gateway interface {
	Provider() string

	// Verify checks payload authenticity against the provider's signature
	// scheme. A failure means the event must be recorded as rejected and
	// never processed.
	Verify(payload []byte, headers http.Header) error

	// Parse extracts the canonical event. Payloads that are valid but
	// carry no payment confirmation return (nil, nil).
	Parse(payload []byte) (*CanonicalEvent, error)

	// ResolveOrder maps the event to an order id. It fails closed: an
	// event with no order match is held as orphaned, never guessed.
	ResolveOrder(ctx context.Context, ev *CanonicalEvent) (string, error)
}

// Registry holds the closed set of configured gateways keyed by provider tag.
type Registry struct {
	gateways map[string]Gateway
}

func NewRegistry(gws ...Gateway) *Registry {
	m := make(map[string]Gateway, len(gws))
	for _, gw := range gws {
		m[gw.Provider()] = gw
	}
	return &Registry{gateways: m}
}

func (r *Registry) Get(provider string) (Gateway, bool) {
	gw, ok := r.gateways[provider]
	return gw, ok
}
