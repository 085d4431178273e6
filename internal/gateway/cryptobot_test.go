package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"vpn-shop-fulfillment/internal/model"
)

const cryptoToken = "12345:AAtoken"

func signCryptoBot(payload []byte) string {
	key := sha256.Sum256([]byte(cryptoToken))
	mac := hmac.New(sha256.New, key[:])
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestCryptoBot_Verify(t *testing.T) {
	gw := NewCryptoBot(cryptoToken)
	payload := []byte(`{"update_type":"invoice_paid"}`)

	headers := http.Header{}
	headers.Set("Crypto-Pay-Api-Signature", signCryptoBot(payload))
	require.NoError(t, gw.Verify(payload, headers))

	headers.Set("Crypto-Pay-Api-Signature", "deadbeef")
	require.ErrorIs(t, gw.Verify(payload, headers), model.ErrInvalidSignature)
}

func TestCryptoBot_Parse(t *testing.T) {
	gw := NewCryptoBot(cryptoToken)

	payload := []byte(`{
		"update_type": "invoice_paid",
		"payload": {
			"invoice_id": 42,
			"status": "paid",
			"amount": "3.5",
			"asset": "USDT",
			"payload": "order-1"
		}
	}`)

	ev, err := gw.Parse(payload)
	require.NoError(t, err)
	require.NotNil(t, ev)
	require.Equal(t, ProviderCryptoBot, ev.Provider)
	require.Equal(t, "42", ev.TxID)
	require.Equal(t, "3.5", ev.Amount.String())
	require.Equal(t, "USDT", ev.Currency)
	require.Equal(t, "order-1", ev.OrderRef)
}

func TestCryptoBot_ParseIgnoresOtherUpdates(t *testing.T) {
	gw := NewCryptoBot(cryptoToken)

	ev, err := gw.Parse([]byte(`{"update_type":"invoice_expired","payload":{"invoice_id":42}}`))
	require.NoError(t, err)
	require.Nil(t, ev)
}
