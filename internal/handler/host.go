package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"vpn-shop-fulfillment/internal/repository"
)

// HostHandler serves the purchase catalog: healthy hosts and their plans.
type HostHandler struct {
	hosts repository.HostRepository
}

func NewHostHandler(hosts repository.HostRepository) *HostHandler {
	return &HostHandler{hosts: hosts}
}

type planResponse struct {
	ID       uint            `json:"id"`
	Name     string          `json:"name"`
	Months   int             `json:"months"`
	Price    decimal.Decimal `json:"price"`
	Currency string          `json:"currency"`
}

type hostResponse struct {
	Name  string         `json:"name"`
	Plans []planResponse `json:"plans"`
}

func (h *HostHandler) ListHosts(c echo.Context) error {
	ctx := c.Request().Context()

	hosts, err := h.hosts.FindHealthy(ctx)
	if err != nil {
		return err
	}

	out := make([]hostResponse, 0, len(hosts))
	for _, host := range hosts {
		plans, err := h.hosts.FindPlansForHost(ctx, host.Name)
		if err != nil {
			return err
		}
		resp := hostResponse{Name: host.Name, Plans: make([]planResponse, 0, len(plans))}
		for _, p := range plans {
			resp.Plans = append(resp.Plans, planResponse{
				ID:       p.ID,
				Name:     p.Name,
				Months:   p.Months,
				Price:    p.Price,
				Currency: p.Currency,
			})
		}
		out = append(out, resp)
	}
	return c.JSON(http.StatusOK, out)
}
