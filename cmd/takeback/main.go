package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/chimesdkvoice"
	"github.com/aws/aws-sdk-go-v2/service/connect"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/flowpbx/takeback/internal/allocator"
	"github.com/flowpbx/takeback/internal/api"
	"github.com/flowpbx/takeback/internal/association"
	"github.com/flowpbx/takeback/internal/config"
	"github.com/flowpbx/takeback/internal/metrics"
	"github.com/flowpbx/takeback/internal/sma"
	"github.com/flowpbx/takeback/internal/storage"
	"github.com/flowpbx/takeback/internal/transfer"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting takeback",
		"http_port", cfg.HTTPPort,
		"store", cfg.Store,
		"transfer_enabled", cfg.TransferEnabled(),
	)

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	backend, err := storage.Open(appCtx, cfg, logger)
	if err != nil {
		slog.Error("failed to open allocation store", "error", err)
		os.Exit(1)
	}
	defer backend.Close()

	startTime := time.Now()
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.NewCollector(backend, startTime),
	)
	recorder := metrics.NewRecorder(registry)

	alloc := allocator.New(backend,
		allocator.WithRecorder(recorder),
		allocator.WithMaxStoreAttempts(cfg.ClaimMaxAttempts),
	)

	voice := sma.DefaultVoice
	voice.VoiceID = cfg.VoiceID
	router := sma.NewRouter(alloc, sma.Options{
		AnnounceText:       cfg.AnnounceText,
		HoldText:           cfg.HoldText,
		NoCapacityText:     cfg.NoCapacityText,
		Voice:              voice,
		CallTimeoutSeconds: cfg.CallTimeoutSeconds,
	}, logger)
	router.SetRecorder(recorder)

	// The AWS clients are only built when a feature needs them.
	var sender transfer.ActionSender
	var assoc api.Associator
	if cfg.TransferEnabled() || cfg.ConnectInstanceID != "" {
		awsCfg, err := storage.LoadAWSConfig(appCtx, cfg)
		if err != nil {
			slog.Error("failed to load aws config", "error", err)
			os.Exit(1)
		}
		if cfg.TransferEnabled() {
			sender = transfer.NewChimeSender(chimesdkvoice.NewFromConfig(awsCfg), cfg.SipMediaApplicationID)
		}
		if cfg.ConnectInstanceID != "" {
			assoc = association.NewManager(connect.NewFromConfig(awsCfg), logger)
		}
	} else {
		slog.Warn("no sip media application or transfer target configured, transfer lookups are disabled")
	}

	transferSvc := transfer.NewService(backend, sender, transfer.Target{
		Number: cfg.TransferTargetNumber,
		ARN:    cfg.TransferTargetArn,
	}, logger)
	transferSvc.SetRecorder(recorder)

	if cfg.LeaseTTL > 0 {
		allocator.NewReaper(backend, cfg.LeaseTTL, logger).Start(appCtx, cfg.ReapInterval)
		slog.Info("lease reaper started", "ttl", cfg.LeaseTTL, "interval", cfg.ReapInterval)
	}

	jwtSecret, err := cfg.JWTSecretBytes()
	if err != nil {
		slog.Error("failed to decode jwt secret", "error", err)
		os.Exit(1)
	}

	handler := api.NewServer(api.Deps{
		Config:       cfg,
		Store:        backend,
		StoreName:    backend.Name,
		Allocator:    alloc,
		Router:       router,
		Transfer:     transferSvc,
		Associations: assoc,
		Gatherer:     registry,
		JWTSecret:    jwtSecret,
		Logger:       logger,
	})
	defer handler.Close()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	// Graceful shutdown with timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	appCancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
		os.Exit(1)
	}

	slog.Info("takeback stopped")
}
