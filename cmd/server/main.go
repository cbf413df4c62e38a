package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"

	"github.com/verdantlabs/yardgen/internal/config"
	"github.com/verdantlabs/yardgen/internal/database"
	"github.com/verdantlabs/yardgen/internal/genai"
	"github.com/verdantlabs/yardgen/internal/imagery"
	"github.com/verdantlabs/yardgen/internal/ledger"
	"github.com/verdantlabs/yardgen/internal/ratelimit"
	"github.com/verdantlabs/yardgen/internal/repository"
	"github.com/verdantlabs/yardgen/internal/server"
	"github.com/verdantlabs/yardgen/internal/service"
	"github.com/verdantlabs/yardgen/internal/storage"
	"github.com/verdantlabs/yardgen/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logr := logger.New()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Connect(ctx, cfg)
	if err != nil {
		log.Fatalf("database connect: %v", err)
	}
	defer db.Close()

	if err := database.Migrate(ctx, db); err != nil {
		log.Fatalf("database migrate: %v", err)
	}

	balanceRepo := repository.NewBalanceRepository(db)
	txRepo := repository.NewTransactionRepository(db)
	generationRepo := repository.NewGenerationRepository(db)
	paymentRepo := repository.NewPaymentRepository(db)
	planRepo := repository.NewPlanRepository(db)

	ledgerStore := ledger.NewPostgresStore(db, balanceRepo, txRepo)

	uploader, err := storage.NewUploader(storage.Config{
		Endpoint:      cfg.S3Endpoint,
		Region:        cfg.S3Region,
		AccessKey:     cfg.S3AccessKey,
		SecretKey:     cfg.S3SecretKey,
		Bucket:        cfg.S3Bucket,
		PublicBaseURL: cfg.S3PublicBaseURL,
		UsePathStyle:  cfg.S3UsePathStyle,
	})
	if err != nil {
		log.Fatalf("storage uploader: %v", err)
	}

	imageryClient := imagery.NewClient(cfg, logr)
	genaiClient := genai.NewClient(cfg, logr)
	limiter := ratelimit.NewLimiter(cfg.RateLimitMax, cfg.RateLimitWindow)

	authService := service.NewAuthorizationService(balanceRepo, ledgerStore, cfg.TrialGenerations)
	resolver := service.NewImageSourceResolver(logr, imageryClient, uploader, cfg.S3UploadPrefix)
	generationService := service.NewGenerationService(logr, generationRepo, ledgerStore, authService, resolver, genaiClient, uploader, cfg.S3ResultPrefix, limiter)
	seasonalService := service.NewSeasonalService(logr, generationRepo, ledgerStore, cfg.ShareBonus)
	planService := service.NewPlanService(planRepo)
	paymentService := service.NewPaymentService(logr, paymentRepo, planRepo, balanceRepo, ledgerStore)
	auditService := service.NewAuditService(balanceRepo, txRepo)

	if err := planService.EnsureDefaultPlan(ctx); err != nil {
		log.Fatalf("ensure default plan: %v", err)
	}

	srv := server.NewServer(cfg.ListenAddr, cfg.AdminUsername, cfg.AdminPassword, cfg.PaymentProvider, logr, generationService, authService, seasonalService, paymentService, planService, auditService)
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logr.Error("server stopped", "err", err)
	}
}
