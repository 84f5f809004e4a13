package handlers

import (
	"net/http"

	"payments/internal/config"
	"payments/internal/middleware"
	"payments/internal/store"
	"payments/internal/websocket"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

type Handler struct {
	reconcileDB store.Selecter
	cfg         config.Config
	accounts    AccountStore
	balances    BalanceStore
	reconciler  Reconciler
	allocation  AllocationService
	purchases   PurchaseService
	hub         *websocket.Hub
}

func New(reconcileDB store.Selecter, cfg config.Config, accounts AccountStore, balances BalanceStore, reconciler Reconciler, allocation AllocationService, purchases PurchaseService, hub *websocket.Hub) *Handler {
	return &Handler{
		reconcileDB: reconcileDB,
		cfg:         cfg,
		accounts:    accounts,
		balances:    balances,
		reconciler:  reconciler,
		allocation:  allocation,
		purchases:   purchases,
		hub:         hub,
	}
}

func (h *Handler) Routes() http.Handler {
	router := chi.NewRouter()
	router.Use(chimiddleware.Logger)
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{h.cfg.AllowedOrigins},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", middleware.SignatureHeader, middleware.OperatorKeyHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	router.Route("/payment", func(r chi.Router) {
		// Every webhook route is signature gated; the transport is not
		// trusted to authenticate deliveries.
		r.With(middleware.WebhookSignature(h.cfg.WebhookSecret)).Get("/webhook", h.Webhook)
		r.With(middleware.Auth(h.cfg.JWTSecret)).Post("/address", h.AllocateAddress)
		r.With(middleware.Auth(h.cfg.JWTSecret)).Get("/balance", h.GetBalance)
	})
	router.With(middleware.Auth(h.cfg.JWTSecret)).Get("/purchases/preview", h.PreviewPurchase)
	router.With(middleware.Auth(h.cfg.JWTSecret)).Post("/purchases", h.Purchase)
	router.Get("/ws/deposits", h.WSDeposits)

	router.Route("/admin", func(r chi.Router) {
		r.Use(middleware.OperatorKey(h.cfg.OperatorKeyHash))
		r.Get("/reconcile", h.Reconcile)
	})

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return router
}
