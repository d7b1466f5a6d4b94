package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"BrokerCopilot/internal/api"
	"BrokerCopilot/internal/config"
	"BrokerCopilot/internal/dispatch"
	"BrokerCopilot/internal/email"
	"BrokerCopilot/internal/metrics"
	"BrokerCopilot/internal/queue"
	"BrokerCopilot/internal/store"
	"BrokerCopilot/internal/worker"
)

func main() {

	// ------------------------------------------------
	// Logger
	// ------------------------------------------------
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	// ------------------------------------------------
	// Config
	// ------------------------------------------------
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	// ------------------------------------------------
	// Root Context + Shutdown
	// ------------------------------------------------
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
		cancel()
	}()

	// ------------------------------------------------
	// Store
	// ------------------------------------------------
	var records store.Store
	if cfg.DatabaseURL != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			logger.Fatal("database connection failed", zap.Error(err))
		}
		defer pg.Close()
		records = pg
		logger.Info("using postgres store")
	} else {
		records = store.NewMemoryStore(logger)
		logger.Warn("DATABASE_URL not set, using in-memory store")
	}
	records = store.NewTemplateCache(records, cfg.TemplateCacheTTL, logger)

	// ------------------------------------------------
	// Task Queue
	// ------------------------------------------------
	var tasks queue.Queue
	switch cfg.QueueBackend {
	case "redis":
		tasks, err = queue.NewRedisQueue(ctx, cfg.RedisURL, cfg.QueueName, logger)
	case "rabbitmq":
		tasks, err = queue.NewRabbitQueue(ctx, cfg.AMQPURL, cfg.QueueName, cfg.WorkerCount, logger)
	case "memory", "":
		tasks = queue.NewMemoryQueue(cfg.QueueCapacity)
	default:
		logger.Fatal("unknown queue backend", zap.String("backend", cfg.QueueBackend))
	}
	if err != nil {
		logger.Fatal("task queue connection failed", zap.String("backend", cfg.QueueBackend), zap.Error(err))
	}
	defer tasks.Close()

	// ------------------------------------------------
	// Metrics
	// ------------------------------------------------
	metrics.Init()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())

	metricsServer := &http.Server{
		Addr:    ":" + cfg.MetricsPort,
		Handler: metricsMux,
	}

	go func() {
		logger.Info("metrics server started", zap.String("port", cfg.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("metrics server error", zap.Error(err))
		}
	}()

	// ------------------------------------------------
	// Email Providers
	// ------------------------------------------------
	providerCfg := email.Config{
		SMTPHost:        cfg.SMTPHost,
		SMTPPort:        cfg.SMTPPort,
		SMTPUser:        cfg.SMTPUser,
		SMTPPassword:    cfg.SMTPPassword,
		SMTPFrom:        cfg.SMTPFrom,
		SendGridAPIKey:  cfg.SendGridAPIKey,
		SendGridBaseURL: cfg.SendGridBaseURL,
		GraphBaseURL:    cfg.GraphBaseURL,
	}
	if cfg.GraphAccessToken != "" {
		providerCfg.GraphTokens = email.StaticToken(cfg.GraphAccessToken)
	}

	kinds, err := email.ParseKinds(cfg.EmailProviders)
	if err != nil {
		logger.Fatal("invalid email provider", zap.Error(err))
	}

	var providers []email.Provider
	for _, kind := range kinds {
		p, err := email.NewProvider(kind, providerCfg)
		if err != nil {
			logger.Warn("email provider disabled", zap.String("provider", string(kind)), zap.Error(err))
			continue
		}
		providers = append(providers, p)
	}

	primary, err := email.ParseKind(cfg.EmailProvider)
	if err != nil {
		logger.Fatal("invalid primary email provider", zap.Error(err))
	}
	chain := email.NewChain(string(primary), cfg.SendTimeout, logger, providers...)
	if len(chain.Names()) == 0 {
		logger.Fatal("no email providers configured")
	}
	logger.Info("email providers ready", zap.Strings("providers", chain.Names()))

	// ------------------------------------------------
	// Dispatch Engine
	// ------------------------------------------------
	engine := dispatch.NewEngine(records, tasks, chain, dispatch.Config{
		BatchLimit:       cfg.BatchLimit,
		RetryDelay:       cfg.RetryDelay,
		RetryMaxDelay:    cfg.RetryMaxDelay,
		SoftTimeLimit:    cfg.SoftTimeLimit,
		HardTimeLimit:    cfg.HardTimeLimit,
		PollInterval:     cfg.PollInterval,
		SweepInterval:    cfg.SweepInterval,
		CleanupInterval:  cfg.CleanupInterval,
		CleanupRetention: cfg.CleanupRetention,
		StuckLease:       cfg.StuckLease,
		BulkBatchSize:    cfg.BulkBatchSize,
		BulkBatchDelay:   cfg.BulkBatchDelay,
	}, logger)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		engine.Run(ctx)
	}()

	// ------------------------------------------------
	// Rate Limiter
	// ------------------------------------------------
	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimit)

	// ------------------------------------------------
	// Worker Pool
	// ------------------------------------------------
	worker.StartPool(
		ctx,
		&wg,
		cfg.WorkerCount,
		tasks,
		engine,
		limiter,
		logger,
	)

	// ------------------------------------------------
	// HTTP API Server
	// ------------------------------------------------
	apiHandler := api.NewHandler(records, engine, api.Options{
		DefaultFrom: cfg.SMTPFrom,
		MaxRetries:  cfg.MaxRetries,
	}, logger)

	apiServer := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           apiHandler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("api server started", zap.String("port", cfg.APIPort))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("api server error", zap.Error(err))
		}
	}()

	// ------------------------------------------------
	// Wait for shutdown
	// ------------------------------------------------
	<-ctx.Done()

	logger.Info("shutting down services...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	// Stop accepting new requests
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("api shutdown failed", zap.Error(err))
	}

	// Wait for the dispatch loop and workers to finish
	wg.Wait()

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics shutdown failed", zap.Error(err))
	}

	logger.Info("application shutdown complete")
}
