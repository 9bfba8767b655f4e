package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/digkill/ImageForge/internal/metrics"
	"github.com/digkill/ImageForge/internal/pricing"
	"github.com/digkill/ImageForge/internal/service"
	"github.com/digkill/ImageForge/internal/storage"
	"github.com/digkill/ImageForge/internal/telegram"
)

// Uploads hands out storage locations for input assets.
type Uploads interface {
	Upload(ctx context.Context, ownerID int64, data []byte, contentType string) (string, error)
	PresignUpload(ctx context.Context, ownerID int64, contentType string) (*storage.PresignedUpload, error)
}

// PriceAdmin reads and publishes price tables.
type PriceAdmin interface {
	Snapshot(ctx context.Context) (pricing.Snapshot, error)
	Publish(ctx context.Context, prices map[string]int64) (int64, error)
}

type Config struct {
	Addr               string
	AdminUsername      string
	AdminPassword      string
	JWTSecret          string
	CORSAllowedOrigins []string
	// WriteTimeout must exceed the fulfillment deadline, jobs are settled in-request.
	WriteTimeout time.Duration
}

type Services struct {
	Ledger      *service.LedgerService
	Jobs        *service.JobService
	Watermarks  *service.WatermarkService
	Disputes    *service.DisputeService
	Redemptions *service.RedemptionService
	Plans       *service.PlanService
	Payments    *service.PaymentService
	Pricing     PriceAdmin
	Uploads     Uploads
	LinkTokens  *telegram.LinkTokens
}

type Server struct {
	cfg    Config
	svc    Services
	log    *slog.Logger
	router *chi.Mux
}

func NewServer(cfg Config, svc Services, log *slog.Logger) *Server {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 6 * time.Minute
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	s := &Server{cfg: cfg, svc: svc, log: log, router: r}

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())
	r.Post("/webhook/yookassa", s.handleYooKassaWebhook)

	userCORS := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	})
	r.Route("/api", func(api chi.Router) {
		api.Use(userCORS.Handler)
		api.Use(s.bearerAuthMiddleware())

		api.Get("/balance", s.handleBalance)
		api.Get("/ledger", s.handleLedger)
		api.Post("/daily-reward", s.handleDailyReward)
		api.Get("/unlocks/{service}", s.handleUnlockStatus)
		api.Post("/unlocks/{service}", s.handleUnlock)
		api.Post("/uploads", s.handleUpload)
		api.Post("/telegram/link", s.handleTelegramLink)

		api.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.handleSubmitJob)
			r.Get("/", s.handleListJobs)
			r.Get("/{id}", s.handleGetJob)
			r.Post("/{id}/edits", s.handleEditJob)
		})
		api.Route("/watermark", func(r chi.Router) {
			r.Post("/", s.handleSubmitWatermark)
			r.Get("/", s.handleWatermarkHistory)
			r.Get("/queue", s.handleQueueStatus)
		})
		api.Route("/appeals", func(r chi.Router) {
			r.Post("/", s.handleFileAppeal)
			r.Get("/", s.handleListAppeals)
		})
		api.Post("/redeem", s.handleRedeem)
		api.Get("/plans", s.handleListActivePlans)
		api.Post("/checkout", s.handleCheckout)
	})

	r.Route("/admin", func(admin chi.Router) {
		admin.Use(s.basicAuthMiddleware())

		admin.Route("/appeals", func(r chi.Router) {
			r.Get("/", s.handleAdminListAppeals)
			r.Post("/{id}/resolve", s.handleResolveAppeal)
		})
		admin.Route("/redemption-codes", func(r chi.Router) {
			r.Get("/", s.handleListCodes)
			r.Post("/", s.handleCreateCodes)
		})
		admin.Post("/accounts/{id}/grants", s.handleGrant)
		admin.Get("/pricing", s.handleGetPricing)
		admin.Put("/pricing", s.handlePublishPricing)
		admin.Route("/plans", func(r chi.Router) {
			r.Get("/", s.handleListPlans)
			r.Post("/", s.handleCreatePlan)
			r.Put("/{id}", s.handleUpdatePlan)
		})
		admin.Get("/reconcile", s.handleReconcile)
	})
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      s.cfg.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Error("http shutdown error", "err", err)
		}
	}()

	s.log.Info("http server listening", "addr", s.cfg.Addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http listen: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
