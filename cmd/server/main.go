package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"payments/internal/allocator"
	"payments/internal/config"
	"payments/internal/db"
	"payments/internal/handlers"
	"payments/internal/notify"
	"payments/internal/oracle"
	"payments/internal/services"
	"payments/internal/store"
	"payments/internal/websocket"

	"go.uber.org/zap"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	cfg := config.Load()
	if cfg.WebhookSecret == "" {
		logger.Fatal("WEBHOOK_SECRET must be set; refusing to accept unsigned webhooks")
	}

	database, err := db.Connect(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to connect database", zap.Error(err))
	}
	defer database.Close()

	notifyCfg, err := notify.LoadConfig(cfg.NotifyConfigPath)
	if err != nil {
		logger.Fatal("failed to load notification config", zap.Error(err))
	}

	accounts := store.NewAccountStore(database)
	balances := store.NewBalanceStore(database)
	addresses := store.NewAddressStore(database)
	events := store.NewEventStore(database)
	ledger := store.NewLedgerStore(database)
	purchases := store.NewPurchaseStore(database)
	txRunner := db.NewTxRunner(database)

	priceOracle := oracle.NewClient(cfg.OracleURL, cfg.OracleCurrency, cfg.OracleTimeout, cfg.OracleAttempts)
	addressAllocator := allocator.NewClient(cfg.AllocatorURL, cfg.AllocatorAPIKey, cfg.AllocatorTimeout, cfg.AllocatorAttempts)
	notifier := notify.NewNotifier(notifyCfg, notify.NewSMTPSender(cfg.SMTPAddr, cfg.SMTPFrom))
	hub := websocket.NewHub()

	reconciler := services.NewReconciler(txRunner, balances, addresses, events, ledger, accounts, priceOracle, notifier, hub)
	allocation := services.NewAllocationService(txRunner, balances, addresses, addressAllocator, cfg.FallbackAddress)
	purchaseService := services.NewPurchaseService(txRunner, balances, ledger, purchases, hub)

	handler := handlers.New(database, cfg, accounts, balances, reconciler, allocation, purchaseService, hub)
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("payments API listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	<-shutdown

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Fatal("shutdown error", zap.Error(err))
	}
}
