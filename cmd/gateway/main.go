package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chatstack/llm-gateway/internal/api/handlers"
	"github.com/chatstack/llm-gateway/internal/api/middleware"
	"github.com/chatstack/llm-gateway/internal/breaker"
	"github.com/chatstack/llm-gateway/internal/budget"
	"github.com/chatstack/llm-gateway/internal/config"
	"github.com/chatstack/llm-gateway/internal/db"
	"github.com/chatstack/llm-gateway/internal/executor"
	"github.com/chatstack/llm-gateway/internal/jobs"
	"github.com/chatstack/llm-gateway/internal/notify"
	"github.com/chatstack/llm-gateway/internal/ratelimit"
	"github.com/chatstack/llm-gateway/internal/registry"
	"github.com/chatstack/llm-gateway/internal/upstream"
	"github.com/chatstack/llm-gateway/internal/usage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("loading configuration: %v", err)
	}

	database, err := db.InitDB(cfg.DBPath)
	if err != nil {
		log.Fatalf("opening database: %v", err)
	}

	if _, err := os.Stat(cfg.ProvidersFile); err == nil {
		catalog, err := db.LoadCatalog(cfg.ProvidersFile)
		if err != nil {
			log.Fatalf("loading provider catalog: %v", err)
		}
		if err := db.SeedProviders(database, catalog); err != nil {
			log.Fatalf("seeding providers: %v", err)
		}
		log.Printf("seeded %d providers from %s", len(catalog), cfg.ProvidersFile)
	} else {
		log.Printf("no provider catalog at %s, using existing provider table", cfg.ProvidersFile)
	}

	var limiter ratelimit.Limiter
	var collector jobs.Collector
	switch cfg.RateLimitBackend {
	case "redis":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		redisLimiter, err := ratelimit.NewRedisLimiter(ctx, cfg.RedisURL, cfg.RateLimitWindow)
		cancel()
		if err != nil {
			log.Fatalf("connecting rate-limit backend: %v", err)
		}
		defer redisLimiter.Close()
		limiter = redisLimiter
		log.Printf("rate limiting via redis (%s window)", cfg.RateLimitWindow)
	default:
		memLimiter := ratelimit.NewMemoryLimiter(cfg.RateLimitWindow)
		limiter = memLimiter
		collector = memLimiter
		log.Printf("rate limiting in memory (%s window)", cfg.RateLimitWindow)
	}

	brk := breaker.New(database, cfg.DegradedThreshold, cfg.OpenThreshold, cfg.Cooldown)
	reg := registry.New(database, brk, limiter)
	tracker := usage.NewTracker(database)

	var sinks []notify.Sink
	if cfg.SMTPHost != "" && cfg.AlertRecipient != "" {
		sinks = append(sinks, notify.NewEmailSink(notify.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
		}, cfg.AlertRecipient))
	}
	if cfg.WebhookURL != "" {
		sinks = append(sinks, notify.NewWebhookSink(cfg.WebhookURL))
	}
	if cfg.ChatWebhookURL != "" {
		sinks = append(sinks, notify.NewChatSink(cfg.ChatWebhookURL))
	}
	engine := budget.NewEngine(database, sinks, cfg.AutoSuspend)

	exec := executor.New(database, reg, brk, limiter, upstream.ForProvider,
		tracker, engine, cfg.MaxAttempts, cfg.CallTimeout)

	scheduler, err := jobs.NewScheduler(engine, collector)
	if err != nil {
		log.Fatalf("setting up job scheduler: %v", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status": "ok"}`))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(database))
		r.Post("/chat/completions", handlers.CreateCompletion(exec))
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(middleware.AdminAuth(cfg.AdminPassword))
		r.Get("/providers", handlers.ListProviders(database, reg))
		r.Patch("/providers/{id}", handlers.UpdateProviderStatus(database, brk))
		r.Get("/tenants/{id}/llm-settings", handlers.GetTenantSettings(database))
		r.Patch("/tenants/{id}/llm-settings", handlers.UpdateTenantSettings(database))
		r.Get("/alerts", handlers.ListAlerts(database))
		r.Post("/alerts/ack", handlers.AcknowledgeAlerts(database))
	})

	addr := net.JoinHostPort(cfg.Host, cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("llm-gateway listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Println("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
