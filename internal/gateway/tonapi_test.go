package gateway

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"vpn-shop-fulfillment/internal/model"
)

type stubLookup struct {
	orders map[string]decimal.Decimal
}

func (s *stubLookup) FindAwaitingOrder(_ context.Context, orderID string) (decimal.Decimal, error) {
	amount, ok := s.orders[orderID]
	if !ok {
		return decimal.Zero, model.ErrOrderNotFound
	}
	return amount, nil
}

const tonWallet = "0:abc123"

func TestTonAPI_VerifyChecksWallet(t *testing.T) {
	gw := NewTonAPI(tonWallet, &stubLookup{})

	require.NoError(t, gw.Verify([]byte(`{"account_id":"0:abc123"}`), nil))
	require.ErrorIs(t, gw.Verify([]byte(`{"account_id":"0:other"}`), nil), model.ErrInvalidSignature)
	require.ErrorIs(t, gw.Verify([]byte(`{}`), nil), model.ErrInvalidSignature)
}

func TestTonAPI_ParseConvertsNanoton(t *testing.T) {
	gw := NewTonAPI(tonWallet, &stubLookup{})

	ev, err := gw.Parse([]byte(`{
		"account_id": "0:abc123",
		"txs": [
			{"hash": "h1", "in_msg": {"value": 1500000000, "decoded_comment": "order-1"}}
		]
	}`))
	require.NoError(t, err)
	require.NotNil(t, ev)
	require.Equal(t, "h1", ev.TxID)
	require.Equal(t, "1.5", ev.Amount.String())
	require.Equal(t, "TON", ev.Currency)
	require.Equal(t, "order-1", ev.OrderRef)
}

func TestTonAPI_ParseSkipsTransfersWithoutComment(t *testing.T) {
	gw := NewTonAPI(tonWallet, &stubLookup{})

	ev, err := gw.Parse([]byte(`{
		"account_id": "0:abc123",
		"txs": [{"hash": "h1", "in_msg": {"value": 1500000000}}]
	}`))
	require.NoError(t, err)
	require.Nil(t, ev)
}

func TestTonAPI_ResolveOrder(t *testing.T) {
	lookup := &stubLookup{orders: map[string]decimal.Decimal{
		"order-1": decimal.NewFromInt(2),
	}}
	gw := NewTonAPI(tonWallet, lookup)

	orderID, err := gw.ResolveOrder(context.Background(), &CanonicalEvent{OrderRef: "order-1"})
	require.NoError(t, err)
	require.Equal(t, "order-1", orderID)

	// a comment naming no awaiting order is held, never guessed
	_, err = gw.ResolveOrder(context.Background(), &CanonicalEvent{OrderRef: "order-2"})
	require.ErrorIs(t, err, model.ErrOrderUnresolved)

	_, err = gw.ResolveOrder(context.Background(), &CanonicalEvent{})
	require.ErrorIs(t, err, model.ErrOrderUnresolved)
}
