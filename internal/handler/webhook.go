package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"vpn-shop-fulfillment/internal/model"
	"vpn-shop-fulfillment/internal/service"
)

// WebhookHandler terminates provider callbacks. The response code is the
// redelivery contract: 2xx acknowledges, 4xx tells the provider the
// payload is bad and must not be retried, 5xx asks for redelivery.
type WebhookHandler struct {
	ingest *service.IngestService
}

func NewWebhookHandler(ingest *service.IngestService) *WebhookHandler {
	return &WebhookHandler{ingest: ingest}
}

func (h *WebhookHandler) Handle(provider string) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()

		body, err := io.ReadAll(c.Request().Body)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "unreadable body")
		}

		err = h.ingest.HandleWebhook(ctx, provider, body, c.Request().Header)
		switch {
		case err == nil:
			return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
		case errors.Is(err, model.ErrInvalidSignature):
			return echo.NewHTTPError(http.StatusForbidden, "invalid signature")
		case errors.Is(err, model.ErrMalformedPayload):
			return echo.NewHTTPError(http.StatusBadRequest, "malformed payload")
		default:
			return echo.NewHTTPError(http.StatusBadGateway, "temporarily unavailable")
		}
	}
}
