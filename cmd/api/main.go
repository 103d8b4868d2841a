package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"local-deals-api/internal/cache"
	"local-deals-api/internal/config"
	"local-deals-api/internal/database"
	"local-deals-api/internal/events"
	"local-deals-api/internal/features"
	"local-deals-api/internal/handler"
	"local-deals-api/internal/logging"
	"local-deals-api/internal/metrics"
	"local-deals-api/internal/middleware"
	"local-deals-api/internal/service"
	"local-deals-api/internal/tracing"
)

func main() {
	configFile := flag.String("config", "", "Path to a JSON config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.Setup(logging.Options{
		Service:    tracing.ServiceName,
		Env:        cfg.Tracing.Environment,
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	db, err := database.NewDB(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()

	tracer, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		Environment: cfg.Tracing.Environment,
	})
	if err != nil {
		return err
	}

	flags := features.NewDefaultManager()
	flags.Set(features.FeatureCacheEnabled, cfg.Cache.Enabled)
	flags.Set(features.FeatureQRRedemption, cfg.Redemption.QREnabled)
	flags.Set(features.FeatureStrictRedemptionCode, cfg.Redemption.StrictCode)

	var businessCache cache.Cache = cache.NewInMemoryCache()
	if cfg.Cache.Enabled && cfg.Cache.RedisAddr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		rc, err := cache.NewRedisCache(ctx, cfg.Cache.RedisAddr, cfg.Cache.RedisPassword, cfg.Cache.RedisDB, "local-deals:")
		cancel()
		if err != nil {
			logger.Warn("redis unavailable, using in-memory cache", "addr", cfg.Cache.RedisAddr, "error", err)
		} else {
			businessCache = rc
		}
	}
	defer businessCache.Close()

	eventManager := events.NewManager(flags.IsEnabled(features.FeatureEventHooksEnabled), logger)
	defer eventManager.Shutdown()

	m := metrics.New()
	m.Subscribe(eventManager)

	svc := service.NewService(db, service.Options{
		Location: loc,
		Window:   cfg.RedemptionWindow(),
		Cache:    businessCache,
		CacheTTL: cfg.CacheTTL(),
		Events:   eventManager,
		Features: flags,
		Tracer:   tracer,
		Logger:   logger,
	})
	svc.Start()
	defer svc.Stop()

	h := handler.NewHandlerWithOptions(svc, handler.NewHandlerOptions{
		MaxBodySize: cfg.Security.MaxRequestBodySize,
		Logger:      logger,
	})

	auth := middleware.NewAuthenticator(middleware.AuthConfig{
		HMACSecret: cfg.Auth.HMACSecret,
		Issuer:     cfg.Auth.Issuer,
		Audience:   cfg.Auth.Audience,
	}, logger)

	r := chi.NewRouter()

	// Middleware (order matters)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.RequestLogger(&chimw.DefaultLogFormatter{Logger: log.Default(), NoColor: true}))
	r.Use(chimw.Recoverer)
	r.Use(m.Middleware)

	if cfg.RateLimit.Enabled {
		rateLimiter := middleware.NewRateLimiter(cfg.RateLimit.Rate, time.Duration(cfg.RateLimit.Window)*time.Second)
		defer rateLimiter.Stop()
		r.Use(middleware.RateLimitMiddleware(rateLimiter))
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   strings.Split(cfg.Security.AllowedOrigins, ","),
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"Link", "X-RateLimit-Limit", "X-RateLimit-Remaining"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(middleware.TracingMiddleware(tracing.ServiceName))
	r.Use(auth.Middleware)

	r.Handle("/metrics", m.Handler())
	h.Routes(r)

	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		protocol := "HTTP"
		if cfg.Server.EnableTLS {
			protocol = "HTTPS"
		}
		logger.Info("starting server",
			"protocol", protocol,
			"addr", addr,
			"database", cfg.Database.Path,
			"redemption_window", cfg.RedemptionWindow().String(),
			"timezone", loc.String(),
		)

		var err error
		if cfg.Server.EnableTLS {
			err = server.ListenAndServeTLS(cfg.Server.CertFile, cfg.Server.KeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	sigint := make(chan os.Signal, 1)
	signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-sigint:
	}

	logger.Info("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("error shutting down server", "error", err)
	}
	if err := tracer.Shutdown(ctx); err != nil {
		logger.Error("error flushing traces", "error", err)
	}
	return nil
}
