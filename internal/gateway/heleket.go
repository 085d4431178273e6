package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"

	"vpn-shop-fulfillment/internal/model"
)

const ProviderHeleket = "heleket"

// Heleket carries the signature inside the body: sign is the MD5 of the
// base64 of the compact, key-sorted JSON body (without the sign field)
// concatenated with the API key.
type Heleket struct {
	apiKey string
}

func NewHeleket(apiKey string) *Heleket {
	return &Heleket{apiKey: apiKey}
}

func (g *Heleket) Provider() string { return ProviderHeleket }

func (g *Heleket) Verify(payload []byte, _ http.Header) error {
	var body map[string]interface{}
	if err := json.Unmarshal(payload, &body); err != nil {
		return fmt.Errorf("%w: %v", model.ErrMalformedPayload, err)
	}
	sign, _ := body["sign"].(string)
	if sign == "" {
		return fmt.Errorf("%w: missing sign field", model.ErrInvalidSignature)
	}
	delete(body, "sign")

	// json.Marshal emits compact output with sorted keys, matching the
	// scheme's canonical form.
	canonical, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("canonicalize payload: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(canonical)
	sum := md5.Sum([]byte(encoded + g.apiKey))
	expected := hex.EncodeToString(sum[:])

	if !hmac.Equal([]byte(expected), []byte(sign)) {
		return model.ErrInvalidSignature
	}
	return nil
}

type heleketNotification struct {
	UUID     string `json:"uuid"`
	OrderID  string `json:"order_id"`
	Status   string `json:"status"`
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

func (g *Heleket) Parse(payload []byte) (*CanonicalEvent, error) {
	var n heleketNotification
	if err := json.Unmarshal(payload, &n); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrMalformedPayload, err)
	}
	if n.Status != "paid" && n.Status != "paid_over" {
		return nil, nil
	}
	if n.UUID == "" {
		return nil, fmt.Errorf("%w: missing invoice uuid", model.ErrMalformedPayload)
	}
	amount, err := decimal.NewFromString(n.Amount)
	if err != nil {
		return nil, fmt.Errorf("%w: bad amount %q", model.ErrMalformedPayload, n.Amount)
	}
	return &CanonicalEvent{
		Provider: ProviderHeleket,
		TxID:     n.UUID,
		Amount:   amount,
		Currency: n.Currency,
		OrderRef: n.OrderID,
	}, nil
}

func (g *Heleket) ResolveOrder(_ context.Context, ev *CanonicalEvent) (string, error) {
	if ev.OrderRef == "" {
		return "", model.ErrOrderUnresolved
	}
	return ev.OrderRef, nil
}
