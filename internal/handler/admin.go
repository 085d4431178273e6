package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"vpn-shop-fulfillment/internal/model"
	"vpn-shop-fulfillment/internal/repository"
	"vpn-shop-fulfillment/internal/service"
)

const adminListLimit = 100

// AdminHandler exposes the operator surface: the manual review queue,
// failed orders awaiting a decision, and the refund action.
type AdminHandler struct {
	orders *service.OrderService
	repo   repository.OrderRepository
	events repository.PaymentEventRepository
}

func NewAdminHandler(orders *service.OrderService, repo repository.OrderRepository, events repository.PaymentEventRepository) *AdminHandler {
	return &AdminHandler{orders: orders, repo: repo, events: events}
}

type reviewEventResponse struct {
	Provider   string          `json:"provider"`
	TxID       string          `json:"tx_id"`
	OrderID    string          `json:"order_id,omitempty"`
	Amount     decimal.Decimal `json:"amount"`
	Status     string          `json:"status"`
	ReceivedAt time.Time       `json:"received_at"`
}

type reviewQueueResponse struct {
	Orders []orderResponse       `json:"orders"`
	Events []reviewEventResponse `json:"events"`
}

// ReviewQueue lists flagged orders alongside payment events held as
// orphaned or mismatched, the material an operator reconciles by hand.
func (h *AdminHandler) ReviewQueue(c echo.Context) error {
	ctx := c.Request().Context()

	orders, err := h.repo.FindReviewQueue(ctx, adminListLimit)
	if err != nil {
		return err
	}
	events, err := h.events.FindOrphaned(ctx, adminListLimit)
	if err != nil {
		return err
	}

	resp := reviewQueueResponse{
		Orders: toOrderList(orders),
		Events: make([]reviewEventResponse, 0, len(events)),
	}
	for _, ev := range events {
		resp.Events = append(resp.Events, reviewEventResponse{
			Provider:   ev.Provider,
			TxID:       ev.TxID,
			OrderID:    ev.OrderID,
			Amount:     ev.Amount,
			Status:     string(ev.Status),
			ReceivedAt: ev.ReceivedAt,
		})
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *AdminHandler) FailedOrders(c echo.Context) error {
	ctx := c.Request().Context()

	orders, err := h.repo.FindFailed(ctx, adminListLimit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, toOrderList(orders))
}

func (h *AdminHandler) RefundOrder(c echo.Context) error {
	ctx := c.Request().Context()

	err := h.orders.Refund(ctx, c.Param("id"))
	switch {
	case errors.Is(err, model.ErrOrderNotFound):
		return echo.NewHTTPError(http.StatusNotFound)
	case errors.Is(err, model.ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, "order is not refundable in its current state")
	case err != nil:
		return err
	}

	return c.JSON(http.StatusOK, map[string]string{"status": "refunded"})
}

func toOrderList(orders []*model.Order) []orderResponse {
	out := make([]orderResponse, 0, len(orders))
	for _, o := range orders {
		out = append(out, toOrderResponse(o))
	}
	return out
}
