package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/shopspring/decimal"

	"vpn-shop-fulfillment/internal/model"
)

const ProviderCryptoBot = "cryptobot"

// CryptoBot (Crypto Pay) signs the raw body with HMAC-SHA256 keyed by
// SHA256 of the API token; the signature arrives in the
// crypto-pay-api-signature header. The order id travels in the invoice's
// client payload.
type CryptoBot struct {
	token string
}

func NewCryptoBot(token string) *CryptoBot {
	return &CryptoBot{token: token}
}

func (g *CryptoBot) Provider() string { return ProviderCryptoBot }

func (g *CryptoBot) Verify(payload []byte, headers http.Header) error {
	sig := headers.Get("Crypto-Pay-Api-Signature")
	if sig == "" {
		return fmt.Errorf("%w: missing signature header", model.ErrInvalidSignature)
	}
	key := sha256.Sum256([]byte(g.token))
	mac := hmac.New(sha256.New, key[:])
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return model.ErrInvalidSignature
	}
	return nil
}

type cryptoBotUpdate struct {
	UpdateType string `json:"update_type"`
	Payload    struct {
		InvoiceID int64  `json:"invoice_id"`
		Status    string `json:"status"`
		Amount    string `json:"amount"`
		Asset     string `json:"asset"`
		Payload   string `json:"payload"`
	} `json:"payload"`
}

func (g *CryptoBot) Parse(payload []byte) (*CanonicalEvent, error) {
	var u cryptoBotUpdate
	if err := json.Unmarshal(payload, &u); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrMalformedPayload, err)
	}
	if u.UpdateType != "invoice_paid" {
		return nil, nil
	}
	if u.Payload.InvoiceID == 0 {
		return nil, fmt.Errorf("%w: missing invoice id", model.ErrMalformedPayload)
	}
	amount, err := decimal.NewFromString(u.Payload.Amount)
	if err != nil {
		return nil, fmt.Errorf("%w: bad amount %q", model.ErrMalformedPayload, u.Payload.Amount)
	}
	return &CanonicalEvent{
		Provider: ProviderCryptoBot,
		TxID:     strconv.FormatInt(u.Payload.InvoiceID, 10),
		Amount:   amount,
		Currency: u.Payload.Asset,
		OrderRef: u.Payload.Payload,
	}, nil
}

func (g *CryptoBot) ResolveOrder(_ context.Context, ev *CanonicalEvent) (string, error) {
	if ev.OrderRef == "" {
		return "", model.ErrOrderUnresolved
	}
	return ev.OrderRef, nil
}
