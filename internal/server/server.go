package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/verdantlabs/yardgen/internal/service"
)

type Server struct {
	addr            string
	adminUsername   string
	adminPassword   string
	paymentProvider string
	log             *slog.Logger
	validate        *validator.Validate
	generations     *service.GenerationService
	auth            *service.AuthorizationService
	seasonal        *service.SeasonalService
	payments        *service.PaymentService
	plans           *service.PlanService
	audit           *service.AuditService
	router          *chi.Mux
}

func NewServer(addr, adminUsername, adminPassword, paymentProvider string, log *slog.Logger, generations *service.GenerationService, auth *service.AuthorizationService, seasonal *service.SeasonalService, payments *service.PaymentService, plans *service.PlanService, audit *service.AuditService) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	s := &Server{
		addr:            addr,
		adminUsername:   adminUsername,
		adminPassword:   adminPassword,
		paymentProvider: paymentProvider,
		log:             log,
		validate:        validator.New(),
		generations:     generations,
		auth:            auth,
		seasonal:        seasonal,
		payments:        payments,
		plans:           plans,
		audit:           audit,
		router:          r,
	}

	r.Route("/api/v1", func(api chi.Router) {
		api.Post("/generations", s.handleCreateGeneration)
		api.Get("/generations", s.handleListGenerations)
		api.Get("/generations/{id}", s.handleGetGeneration)
		api.Post("/generations/{id}/share", s.handleShare)
		api.Get("/balance", s.handleGetBalance)
	})
	r.Post("/webhook/payments", s.handlePaymentWebhook)
	r.Group(func(protected chi.Router) {
		protected.Use(s.basicAuthMiddleware())
		protected.Route("/admin/plans", func(r chi.Router) {
			r.Get("/", s.handleListPlans)
			r.Post("/", s.handleCreatePlan)
			r.Put("/{id}", s.handleUpdatePlan)
			r.Delete("/{id}", s.handleDeletePlan)
		})
		protected.Get("/admin/users/{id}/ledger", s.handleUserLedger)
		protected.Get("/admin/jobs/{id}/transactions", s.handleJobTransactions)
	})
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Error("server shutdown error", "err", err)
		}
	}()

	s.log.Info("api server listening", "addr", s.addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api listen: %w", err)
	}
	return nil
}

func (s *Server) basicAuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			if !ok || user != s.adminUsername || pass != s.adminPassword {
				w.Header().Set("WWW-Authenticate", `Basic realm="yardgen"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
