package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"

	"vpn-shop-fulfillment/internal/model"
)

const ProviderTonAPI = "tonapi"

var nanoton = decimal.New(1, 9)

// OrderLookup is the slice of the order ledger a resolver needs when the
// provider embeds no order id and the event must be correlated against
// pending orders.
type OrderLookup interface {
	FindAwaitingOrder(ctx context.Context, orderID string) (expectedAmount decimal.Decimal, err error)
}

// TonAPI reports incoming wallet transfers. There is no order id field:
// the buyer puts the order id in the transfer comment, and the event is
// correlated by comment plus amount against the awaiting order. Anything
// that does not line up is held for manual reconciliation.
type TonAPI struct {
	wallet string
	orders OrderLookup
}

func NewTonAPI(wallet string, orders OrderLookup) *TonAPI {
	return &TonAPI{wallet: wallet, orders: orders}
}

func (g *TonAPI) Provider() string { return ProviderTonAPI }

// Verify checks the notification targets the configured shop wallet.
// TonAPI webhooks are unauthenticated beyond the subscription itself.
func (g *TonAPI) Verify(payload []byte, _ http.Header) error {
	var n tonNotification
	if err := json.Unmarshal(payload, &n); err != nil {
		return fmt.Errorf("%w: %v", model.ErrMalformedPayload, err)
	}
	if n.AccountID == "" || n.AccountID != g.wallet {
		return fmt.Errorf("%w: transfer for unknown account", model.ErrInvalidSignature)
	}
	return nil
}

type tonTx struct {
	Hash  string `json:"hash"`
	InMsg *struct {
		Value          int64  `json:"value"`
		DecodedComment string `json:"decoded_comment"`
	} `json:"in_msg"`
}

type tonNotification struct {
	AccountID string  `json:"account_id"`
	Txs       []tonTx `json:"txs"`
}

func (g *TonAPI) Parse(payload []byte) (*CanonicalEvent, error) {
	var n tonNotification
	if err := json.Unmarshal(payload, &n); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrMalformedPayload, err)
	}
	for _, tx := range n.Txs {
		if tx.InMsg == nil || tx.InMsg.DecodedComment == "" {
			continue
		}
		amount := decimal.NewFromInt(tx.InMsg.Value).Div(nanoton)
		return &CanonicalEvent{
			Provider: ProviderTonAPI,
			TxID:     tx.Hash,
			Amount:   amount,
			Currency: "TON",
			OrderRef: tx.InMsg.DecodedComment,
		}, nil
	}
	return nil, nil
}

func (g *TonAPI) ResolveOrder(ctx context.Context, ev *CanonicalEvent) (string, error) {
	if ev.OrderRef == "" {
		return "", model.ErrOrderUnresolved
	}
	if _, err := g.orders.FindAwaitingOrder(ctx, ev.OrderRef); err != nil {
		return "", fmt.Errorf("%w: no awaiting order for comment %q", model.ErrOrderUnresolved, ev.OrderRef)
	}
	return ev.OrderRef, nil
}
