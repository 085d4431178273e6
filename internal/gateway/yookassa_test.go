package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"vpn-shop-fulfillment/internal/model"
)

const yooSecret = "test-secret"

func signYooKassa(payload []byte) string {
	mac := hmac.New(sha256.New, []byte(yooSecret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestYooKassa_Verify(t *testing.T) {
	gw := NewYooKassa(yooSecret)
	payload := []byte(`{"event":"payment.succeeded"}`)

	headers := http.Header{}
	headers.Set("X-Yookassa-Signature", signYooKassa(payload))
	require.NoError(t, gw.Verify(payload, headers))

	headers.Set("X-Yookassa-Signature", "deadbeef")
	require.ErrorIs(t, gw.Verify(payload, headers), model.ErrInvalidSignature)

	require.ErrorIs(t, gw.Verify(payload, http.Header{}), model.ErrInvalidSignature)
}

func TestYooKassa_Parse(t *testing.T) {
	gw := NewYooKassa(yooSecret)

	payload := []byte(`{
		"event": "payment.succeeded",
		"object": {
			"id": "pay-123",
			"status": "succeeded",
			"amount": {"value": "199.00", "currency": "RUB"},
			"metadata": {"order_id": "order-1"}
		}
	}`)

	ev, err := gw.Parse(payload)
	require.NoError(t, err)
	require.NotNil(t, ev)
	require.Equal(t, ProviderYooKassa, ev.Provider)
	require.Equal(t, "pay-123", ev.TxID)
	require.Equal(t, "199", ev.Amount.String())
	require.Equal(t, "RUB", ev.Currency)
	require.Equal(t, "order-1", ev.OrderRef)
}

func TestYooKassa_ParseIgnoresOtherEvents(t *testing.T) {
	gw := NewYooKassa(yooSecret)

	ev, err := gw.Parse([]byte(`{"event":"payment.waiting_for_capture","object":{"id":"pay-1"}}`))
	require.NoError(t, err)
	require.Nil(t, ev)
}

func TestYooKassa_ResolveOrderFailsClosed(t *testing.T) {
	gw := NewYooKassa(yooSecret)

	_, err := gw.ResolveOrder(context.Background(), &CanonicalEvent{Provider: ProviderYooKassa, TxID: "pay-1"})
	require.ErrorIs(t, err, model.ErrOrderUnresolved)
}
