package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/asmrlabs/asmr-api/internal/config"
	"github.com/asmrlabs/asmr-api/internal/domain/billing"
	"github.com/asmrlabs/asmr-api/internal/domain/credit"
	"github.com/asmrlabs/asmr-api/internal/domain/task"
	"github.com/asmrlabs/asmr-api/internal/middleware"
	"github.com/asmrlabs/asmr-api/internal/pkg/database"
	"github.com/asmrlabs/asmr-api/internal/pkg/jwt"
	"github.com/asmrlabs/asmr-api/internal/pkg/kie"
	"github.com/asmrlabs/asmr-api/internal/pkg/logger"
	"github.com/asmrlabs/asmr-api/internal/pkg/media"
	pkgresponse "github.com/asmrlabs/asmr-api/internal/pkg/response"
	"github.com/asmrlabs/asmr-api/internal/pkg/storage"
	"github.com/asmrlabs/asmr-api/internal/pkg/tasklock"
)

func main() {
	cfg := config.Load()
	logger.Init(logger.Config{
		Level:       cfg.LogLevel,
		Environment: cfg.Env,
	})

	log.Info().
		Str("env", cfg.Env).
		Str("port", cfg.Port).
		Msg("Starting ASMR API")

	db, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer database.ClosePostgres(db)

	redis, err := database.NewRedis(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer database.CloseRedis(redis)

	jwtService := jwt.NewService(cfg.JWTSecret, cfg.JWTAccessTTL)

	// ---------- Providers ----------
	kieClient := kie.NewClient(cfg.KIEBaseURL, cfg.KIEAPIKey, cfg.ProviderTimeout)
	runwayClient := kie.NewClient(cfg.RunwayBaseURL, cfg.RunwayAPIKey, cfg.ProviderTimeout)
	dispatcher := &providerDispatcher{veo: kieClient, runway: runwayClient}

	// ---------- Repositories ----------
	taskRepo := task.NewRepository(db)
	creditService := credit.NewService(db)

	// ---------- Media re-hosting ----------
	var rehoster task.Media
	if cfg.MediaRehostOn {
		r2Storage, err := storage.NewR2Storage(storage.R2Config{
			AccountID:       cfg.R2AccountID,
			AccessKeyID:     cfg.R2AccessKeyID,
			AccessKeySecret: cfg.R2AccessKeySecret,
			BucketName:      cfg.R2BucketName,
			PublicURL:       cfg.R2PublicURL,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create R2 storage")
		}
		locker := tasklock.NewLocker(redis, 2*time.Minute)
		rehoster = media.NewRehoster(r2Storage, taskRepo, locker)
	} else {
		log.Info().Msg("Media re-hosting disabled")
	}

	// ---------- WebSocket hub ----------
	statusHub := task.NewHub(redis, cfg.AllowedOrigins)
	go statusHub.Run()
	defer statusHub.Stop()

	// ---------- Services ----------
	taskService := task.NewService(taskRepo, creditService, dispatcher, statusHub, rehoster, task.Config{
		CallbackBaseURL: cfg.CallbackBaseURL,
		DispatchTimeout: cfg.ProviderTimeout,
	})

	// ---------- Handlers ----------
	taskHandler := task.NewHandler(taskService, statusHub)
	creditHandler := credit.NewHandler(creditService)
	billingHandler := billing.NewHandler(creditService, cfg.BillingWebhookSecret)

	authMiddleware := middleware.Auth(jwtService)

	// ---------- Router ----------
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recover)
	r.Use(middleware.CORSHandler(cfg.AllowedOrigins))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		pkgresponse.OK(w, map[string]string{
			"status":  "ok",
			"version": "1.0.0",
		})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Mount("/generate", taskHandler.Routes(authMiddleware))
		r.Mount("/credits", creditHandler.Routes(authMiddleware))
	})

	r.Route("/webhooks", func(r chi.Router) {
		r.Mount("/", taskHandler.WebhookRoutes())
		r.Mount("/billing", billingHandler.WebhookRoutes())
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited properly")
}

// providerDispatcher routes dispatch and poll calls to the right upstream
// client per provider. Legacy tasks came through KIE's flat API, so they
// share the VEO client.
type providerDispatcher struct {
	veo    *kie.Client
	runway *kie.Client
}

func (d *providerDispatcher) Dispatch(ctx context.Context, provider task.Provider, req task.DispatchRequest) (string, error) {
	genReq := kie.GenerateRequest{
		Prompt:      req.Prompt,
		Duration:    req.Duration,
		Quality:     req.Quality,
		AspectRatio: req.AspectRatio,
		CallBackURL: req.CallbackURL,
	}

	switch provider {
	case task.ProviderRunway:
		return d.runway.CreateRunwayTask(ctx, genReq)
	default:
		genReq.Model = "veo3"
		return d.veo.CreateVeoTask(ctx, genReq)
	}
}

func (d *providerDispatcher) Query(ctx context.Context, provider task.Provider, taskID string) (json.RawMessage, error) {
	switch provider {
	case task.ProviderRunway:
		return d.runway.QueryRunwayTask(ctx, taskID)
	default:
		return d.veo.QueryVeoTask(ctx, taskID)
	}
}
