package server

import (
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"vpn-shop-fulfillment/internal/gateway"
	"vpn-shop-fulfillment/internal/handler"
	"vpn-shop-fulfillment/internal/middleware"
	"vpn-shop-fulfillment/internal/repository"
	"vpn-shop-fulfillment/internal/service"
)

type Server struct {
	echo *echo.Echo

	webhookHandler  *handler.WebhookHandler
	orderHandler    *handler.OrderHandler
	referralHandler *handler.ReferralHandler
	adminHandler    *handler.AdminHandler
	hostHandler     *handler.HostHandler

	adminJWTSecret string
}

func NewServer(
	ingest *service.IngestService,
	orders *service.OrderService,
	referrals *service.ReferralService,
	orderRepo repository.OrderRepository,
	eventRepo repository.PaymentEventRepository,
	hostRepo repository.HostRepository,
	adminJWTSecret string,
	log *zap.Logger,
) *Server {
	e := echo.New()
	e.HideBanner = true

	e.Use(echomw.Recover())
	e.Use(echomw.CORS())
	e.Use(requestLogger(log))

	s := &Server{
		echo:            e,
		webhookHandler:  handler.NewWebhookHandler(ingest),
		orderHandler:    handler.NewOrderHandler(orders),
		referralHandler: handler.NewReferralHandler(referrals),
		adminHandler:    handler.NewAdminHandler(orders, orderRepo, eventRepo),
		hostHandler:     handler.NewHostHandler(hostRepo),
		adminJWTSecret:  adminJWTSecret,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	// Provider callbacks, one route per configured gateway.
	s.echo.POST("/yookassa-webhook", s.webhookHandler.Handle(gateway.ProviderYooKassa))
	s.echo.POST("/cryptobot-webhook", s.webhookHandler.Handle(gateway.ProviderCryptoBot))
	s.echo.POST("/heleket-webhook", s.webhookHandler.Handle(gateway.ProviderHeleket))
	s.echo.POST("/ton-webhook", s.webhookHandler.Handle(gateway.ProviderTonAPI))

	api := s.echo.Group("/api")

	api.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	api.GET("/hosts", s.hostHandler.ListHosts)
	api.POST("/orders", s.orderHandler.CreateOrder)
	api.GET("/orders/:id", s.orderHandler.GetOrder)
	api.GET("/referrals/:userID/balance", s.referralHandler.GetBalance)

	admin := api.Group("/admin", middleware.AdminAuth(s.adminJWTSecret))
	admin.GET("/review", s.adminHandler.ReviewQueue)
	admin.GET("/failed", s.adminHandler.FailedOrders)
	admin.POST("/orders/:id/refund", s.adminHandler.RefundOrder)
}

func requestLogger(log *zap.Logger) echo.MiddlewareFunc {
	return echomw.RequestLoggerWithConfig(echomw.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogMethod: true,
		LogError:  true,
		LogValuesFunc: func(c echo.Context, v echomw.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
			}
			if v.Error != nil {
				fields = append(fields, zap.Error(v.Error))
			}
			log.Info("request", fields...)
			return nil
		},
	})
}

func (s *Server) Start(address string) error {
	return s.echo.Start(address)
}

func (s *Server) Shutdown() error {
	return s.echo.Close()
}

// Echo exposes the router for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}
