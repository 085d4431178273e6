package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"vpn-shop-fulfillment/internal/model"
	"vpn-shop-fulfillment/internal/service"
)

type OrderHandler struct {
	orders *service.OrderService
}

func NewOrderHandler(orders *service.OrderService) *OrderHandler {
	return &OrderHandler{orders: orders}
}

type createOrderRequest struct {
	BuyerID      int64   `json:"buyer_id"`
	HostName     string  `json:"host_name"`
	PlanID       uint    `json:"plan_id"`
	Nonce        string  `json:"nonce"`
	RenewOrderID *string `json:"renew_order_id,omitempty"`
}

type orderResponse struct {
	ID             string          `json:"id"`
	BuyerID        int64           `json:"buyer_id"`
	HostName       string          `json:"host_name"`
	PlanID         uint            `json:"plan_id"`
	Months         int             `json:"months"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	State          string          `json:"state"`
	RefundEligible bool            `json:"refund_eligible"`
	CreatedAt      time.Time       `json:"created_at"`
}

func toOrderResponse(o *model.Order) orderResponse {
	return orderResponse{
		ID:             o.ID,
		BuyerID:        o.BuyerID,
		HostName:       o.HostName,
		PlanID:         o.PlanID,
		Months:         o.Months,
		Amount:         o.Amount,
		Currency:       o.Currency,
		State:          string(o.State),
		RefundEligible: o.RefundEligible,
		CreatedAt:      o.CreatedAt,
	}
}

func (h *OrderHandler) CreateOrder(c echo.Context) error {
	ctx := c.Request().Context()

	var req createOrderRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.BuyerID == 0 || req.HostName == "" || req.PlanID == 0 || req.Nonce == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "buyer_id, host_name, plan_id and nonce are required")
	}

	order, err := h.orders.CreateOrder(ctx, service.CreateOrderInput{
		BuyerID:      req.BuyerID,
		HostName:     req.HostName,
		PlanID:       req.PlanID,
		Nonce:        req.Nonce,
		RenewOrderID: req.RenewOrderID,
	})
	switch {
	case errors.Is(err, model.ErrHostNotFound), errors.Is(err, model.ErrPlanNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case err != nil:
		return err
	}

	return c.JSON(http.StatusCreated, toOrderResponse(order))
}

func (h *OrderHandler) GetOrder(c echo.Context) error {
	ctx := c.Request().Context()

	order, err := h.orders.FindOrder(ctx, c.Param("id"))
	if errors.Is(err, model.ErrOrderNotFound) {
		return echo.NewHTTPError(http.StatusNotFound)
	}
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, toOrderResponse(order))
}
