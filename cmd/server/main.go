package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"advisor/internal/api"
	"advisor/internal/config"
	"advisor/internal/logging"
	"advisor/pkg/advisor"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}

	flag.StringVar(&cfg.Host, "host", cfg.Host, "Host to bind the server to")
	flag.IntVar(&cfg.Port, "port", cfg.Port, "Port to run the server on")
	flag.StringVar(&cfg.LogDir, "log-dir", cfg.LogDir, "Directory for log files")
	flag.StringVar(&cfg.QuoteBaseURL, "quote-base-url", cfg.QuoteBaseURL, "Quote upstream base URL")
	flag.StringVar(&cfg.QuoteToken, "quote-token", cfg.QuoteToken, "Quote upstream API token")
	flag.StringVar(&cfg.AIBaseURL, "ai-base-url", cfg.AIBaseURL, "Generation upstream base URL")
	flag.StringVar(&cfg.AIAPIKey, "ai-api-key", cfg.AIAPIKey, "Generation upstream API key")
	flag.StringVar(&cfg.AIModel, "ai-model", cfg.AIModel, "Generation model name")
	flag.Parse()

	logger, writer, err := logging.NewLogger(cfg.LogDir, cfg.LogLevel)
	if err != nil {
		slog.Error("failed to initialize logger", "err", err)
		os.Exit(1)
	}
	defer func() {
		if err := writer.Close(); err != nil {
			logger.Error("failed to close log writer", "err", err)
		}
	}()

	core, err := advisor.Open(advisor.Options{
		Logger:            logger,
		QuoteBaseURL:      cfg.QuoteBaseURL,
		QuoteToken:        cfg.QuoteToken,
		HTTPTimeout:       cfg.HTTPTimeout,
		MinCallInterval:   cfg.MinCallInterval,
		QuotaReset:        cfg.QuotaReset,
		MaxRetries:        cfg.MaxRetries,
		QuoteTTL:          cfg.QuoteTTL,
		PriorityTTL:       cfg.PriorityTTL,
		ProfileTTL:        cfg.ProfileTTL,
		CacheCapacity:     cfg.CacheCapacity,
		PriorityWindow:    cfg.PriorityWindow,
		DrainInterval:     cfg.DrainInterval,
		AIBaseURL:         cfg.AIBaseURL,
		AIAPIKey:          cfg.AIAPIKey,
		AIModel:           cfg.AIModel,
		GenerationTimeout: cfg.GenerationTimeout,
		JitterFraction:    cfg.JitterFraction,
	})
	if err != nil {
		logger.Error("failed to initialize core", "err", err)
		os.Exit(1)
	}
	core.Start()
	defer func() {
		if err := core.Close(); err != nil {
			logger.Error("failed to close core", "err", err)
		}
	}()

	var handler http.Handler = api.NewRouter(core, logger, cfg.AllowedOrigins)
	handler = middleware.Compress(5)(handler)

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	logger.Info("server starting", "addr", cfg.Addr())
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "err", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Info("server shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server shutdown error", "err", err)
	}
}
