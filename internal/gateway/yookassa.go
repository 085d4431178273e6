package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"

	"vpn-shop-fulfillment/internal/model"
)

const ProviderYooKassa = "yookassa"

// YooKassa delivers JSON notifications with the order id embedded in the
// payment object's metadata. Authenticity is checked with an HMAC-SHA256
// over the raw body, keyed by the shop secret.
type YooKassa struct {
	secretKey string
}

func NewYooKassa(secretKey string) *YooKassa {
	return &YooKassa{secretKey: secretKey}
}

func (g *YooKassa) Provider() string { return ProviderYooKassa }

func (g *YooKassa) Verify(payload []byte, headers http.Header) error {
	sig := headers.Get("X-Yookassa-Signature")
	if sig == "" {
		return fmt.Errorf("%w: missing signature header", model.ErrInvalidSignature)
	}
	mac := hmac.New(sha256.New, []byte(g.secretKey))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return model.ErrInvalidSignature
	}
	return nil
}

type yookassaNotification struct {
	Event  string `json:"event"`
	Object struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Amount struct {
			Value    string `json:"value"`
			Currency string `json:"currency"`
		} `json:"amount"`
		Metadata map[string]string `json:"metadata"`
	} `json:"object"`
}

func (g *YooKassa) Parse(payload []byte) (*CanonicalEvent, error) {
	var n yookassaNotification
	if err := json.Unmarshal(payload, &n); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrMalformedPayload, err)
	}
	if n.Event != "payment.succeeded" {
		return nil, nil
	}
	if n.Object.ID == "" {
		return nil, fmt.Errorf("%w: missing payment id", model.ErrMalformedPayload)
	}
	amount, err := decimal.NewFromString(n.Object.Amount.Value)
	if err != nil {
		return nil, fmt.Errorf("%w: bad amount %q", model.ErrMalformedPayload, n.Object.Amount.Value)
	}
	return &CanonicalEvent{
		Provider: ProviderYooKassa,
		TxID:     n.Object.ID,
		Amount:   amount,
		Currency: n.Object.Amount.Currency,
		OrderRef: n.Object.Metadata["order_id"],
	}, nil
}

func (g *YooKassa) ResolveOrder(_ context.Context, ev *CanonicalEvent) (string, error) {
	if ev.OrderRef == "" {
		return "", model.ErrOrderUnresolved
	}
	return ev.OrderRef, nil
}
