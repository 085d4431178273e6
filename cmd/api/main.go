package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"vpn-shop-fulfillment/internal/config"
	"vpn-shop-fulfillment/internal/gateway"
	"vpn-shop-fulfillment/internal/logger"
	"vpn-shop-fulfillment/internal/notify"
	"vpn-shop-fulfillment/internal/panel"
	"vpn-shop-fulfillment/internal/repository"
	"vpn-shop-fulfillment/internal/server"
	"vpn-shop-fulfillment/internal/service"
)

func main() {
	// load .env into os.Environ
	if err := godotenv.Load(); err != nil {
		fmt.Println("No .env file found (ok in prod)")
	}

	cfg := &config.Config{}
	if err := env.Parse(cfg); err != nil {
		fmt.Printf("Failed to parse config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Printf("Failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	db, err := repository.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatal("database open failed", zap.Error(err))
	}

	orderRepo := repository.NewOrderRepository(db)
	eventRepo := repository.NewPaymentEventRepository(db)
	provRepo := repository.NewProvisioningRecordRepository(db)
	userRepo := repository.NewUserRepository(db)
	hostRepo := repository.NewHostRepository(db)
	creditRepo := repository.NewReferralCreditRepository(db)

	var notifier notify.Notifier
	if cfg.Bot.Token != "" {
		tg, err := notify.NewTelegramNotifier(cfg.Bot.Token)
		if err != nil {
			log.Fatal("telegram notifier init failed", zap.Error(err))
		}
		notifier = tg
	} else {
		log.Warn("no bot token configured, notifications go to the log only")
		notifier = &notify.LogNotifier{Log: log}
	}

	referralCfg := service.ReferralConfig{
		Enabled:       cfg.Referral.Enabled,
		RewardType:    cfg.Referral.RewardType,
		Percent:       mustDecimal(log, "REFERRAL_PERCENT", cfg.Referral.Percent),
		FixedAmount:   mustDecimal(log, "REFERRAL_FIXED_AMOUNT", cfg.Referral.FixedAmount),
		SignupBonus:   mustDecimal(log, "REFERRAL_SIGNUP_BONUS", cfg.Referral.SignupBonus),
		MinWithdrawal: mustDecimal(log, "REFERRAL_MIN_WITHDRAWAL", cfg.Referral.MinWithdrawal),
	}
	referralService := service.NewReferralService(db, creditRepo, userRepo, referralCfg, log)

	dispatcher := panel.NewDispatcher(cfg.Fulfillment.PanelTimeout, log)

	orderCfg := service.OrderConfig{
		AmountTolerance:         mustDecimal(log, "FULFILLMENT_AMOUNT_TOLERANCE", cfg.Fulfillment.AmountTolerance),
		MaxAttempts:             cfg.Fulfillment.MaxAttempts,
		BackoffBase:             cfg.Fulfillment.BackoffBase,
		BackoffCap:              cfg.Fulfillment.BackoffCap,
		OrderTTL:                cfg.Fulfillment.OrderTTL,
		ReferredDiscountPercent: mustDecimal(log, "REFERRAL_REFERRED_DISCOUNT_PERCENT", cfg.Referral.ReferredDiscountPercent),
	}
	orderService := service.NewOrderService(
		db, orderRepo, eventRepo, provRepo, userRepo, hostRepo,
		dispatcher, referralService, notifier, orderCfg, log)

	registry := gateway.NewRegistry(
		gateway.NewYooKassa(cfg.YooKassa.SecretKey),
		gateway.NewCryptoBot(cfg.CryptoBot.Token),
		gateway.NewHeleket(cfg.Heleket.APIKey),
		gateway.NewTonAPI(cfg.TonAPI.Wallet, orderService),
	)
	ingestService := service.NewIngestService(registry, eventRepo, orderService, log)

	sweeper := service.NewSweeper(orderService, ingestService, orderRepo, eventRepo, service.SweepConfig{
		Interval:  cfg.Sweep.Interval,
		BatchSize: cfg.Sweep.BatchSize,
		OrderTTL:  cfg.Fulfillment.OrderTTL,
	}, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sweeper.Start(ctx)

	srv := server.NewServer(ingestService, orderService, referralService, orderRepo, eventRepo, hostRepo, cfg.AdminJWTSecret, log)

	serverAddr := cfg.HTTP.Host + ":" + cfg.HTTP.Port
	log.Info("starting HTTP server", zap.String("addr", serverAddr))
	go func() {
		if err := srv.Start(serverAddr); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

	<-sigChan
	log.Info("signal received, starting graceful shutdown")

	cancel()
	sweeper.Stop()

	if err := srv.Shutdown(); err != nil {
		log.Fatal("HTTP server shutdown error", zap.Error(err))
	}
}

func mustDecimal(log *zap.Logger, name, value string) decimal.Decimal {
	d, err := decimal.NewFromString(value)
	if err != nil {
		log.Fatal("invalid decimal setting", zap.String("name", name), zap.String("value", value))
	}
	return d
}
