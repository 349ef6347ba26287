package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"paybridge/auth"
	"paybridge/catalog"
	"paybridge/config"
	"paybridge/middleware"
	"paybridge/observability/logging"
	"paybridge/observability/metrics"
	telemetry "paybridge/observability/otel"
	"paybridge/orders"
	"paybridge/payuni"
	"paybridge/processor"
	"paybridge/recon"
	"paybridge/resulttoken"
	"paybridge/server"
	"paybridge/storage"
	"paybridge/webhook"
)

func main() {
	var tunablesPath string
	flag.StringVar(&tunablesPath, "config", "", "path to optional tunables TOML (overrides PAYBRIDGE_CONFIG)")
	flag.Parse()
	if tunablesPath != "" {
		os.Setenv("PAYBRIDGE_CONFIG", tunablesPath)
	}

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("paybridged: load config: %v", err)
	}

	logger := logging.SetupWith("paybridge", cfg.Env, logging.Options{File: cfg.LogFile})
	for _, warning := range cfg.Warnings {
		logger.Warn("configuration warning", slog.String("detail", warning))
	}

	telemetryEnabled := cfg.OTLPEndpoint != ""
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "paybridge",
		Environment: cfg.Env,
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    cfg.OTLPInsecure,
		Headers:     telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		Traces:      telemetryEnabled,
	})
	if err != nil {
		log.Fatalf("paybridged: init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	store, err := storage.Open(storage.Config{DatabaseURL: cfg.DatabaseURL, Path: cfg.DatabasePath})
	if err != nil {
		log.Fatalf("paybridged: open storage: %v", err)
	}
	defer store.Close()

	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		log.Fatalf("paybridged: load catalog: %v", err)
	}
	logger.Info("catalog loaded", slog.Int("products", cat.Len()), slog.String("path", cfg.CatalogPath))

	gateway, err := payuni.New(payuni.Config{
		MerchantID: cfg.MerchantID,
		APIBase:    cfg.PaymentAPIBase,
		HashKey:    cfg.HashKey,
		HashIV:     cfg.HashIV,
		NotifyURL:  cfg.NotifyURL,
	})
	if err != nil {
		log.Fatalf("paybridged: payment gateway: %v", err)
	}

	obs := middleware.NewObservability(middleware.ObservabilityConfig{
		ServiceName: "paybridge",
		LogRequests: !cfg.IsProduction(),
		Enabled:     true,
	}, logger, nil)
	payMetrics := metrics.NewPayments(obs.Registry())

	orderSvc := orders.NewService(store, cfg.MerchantID, logger)
	proc := processor.New(store, cat, logger, payMetrics)
	sweeper := processor.NewSweeper(store, proc, cfg.SweepInterval, logger)
	hook := webhook.NewHandler(gateway, proc, logger, payMetrics)

	sessions, err := auth.NewManager(cfg.SessionSecret, cfg.IsProduction())
	if err != nil {
		log.Fatalf("paybridged: session manager: %v", err)
	}
	verifier, err := auth.NewGoogleVerifier(cfg.OAuthClientID, "")
	if err != nil {
		log.Fatalf("paybridged: identity verifier: %v", err)
	}
	human, err := auth.NewTurnstile(cfg.TurnstileSecret, "")
	if err != nil {
		log.Fatalf("paybridged: turnstile checker: %v", err)
	}

	tokens := resulttoken.New(
		resulttoken.WithTTL(time.Duration(cfg.Tunables.Tokens.TTLSeconds)*time.Second),
		resulttoken.WithCap(cfg.Tunables.Tokens.Cap),
	)

	var scheduler *recon.Scheduler
	if cfg.ReconEnabled {
		reconciler, err := recon.NewReconciler(recon.Config{
			Store:     store,
			Gateway:   gateway,
			Catalog:   cat,
			OutputDir: cfg.ReconDir,
			Logger:    logger,
			Alert: func(ctx context.Context, a recon.Anomaly) error {
				logger.WarnContext(ctx, "settlement anomaly",
					slog.String("type", a.Type),
					slog.String("trade_no", a.TradeNo),
					slog.String("product_id", a.ProductID),
					slog.String("details", a.Details),
				)
				return nil
			},
		})
		if err != nil {
			log.Fatalf("paybridged: reconciler: %v", err)
		}
		scheduler = recon.NewScheduler(reconciler, cfg.ReconRunHour, cfg.ReconRunMin, cfg.ReconWindow, logger)
	}

	srv, err := server.New(server.Config{
		Port:            cfg.Port,
		Production:      cfg.IsProduction(),
		ReturnURL:       cfg.ReturnURL,
		FrontendOrigins: cfg.FrontendOrigins,
		Tunables:        cfg.Tunables,
		Logger:          logger,
		Store:           store,
		Orders:          orderSvc,
		Gateway:         gateway,
		Catalog:         cat,
		Tokens:          tokens,
		Webhook:         hook,
		Sessions:        sessions,
		Verifier:        verifier,
		Human:           human,
		Metrics:         payMetrics,
		Obs:             obs,
	})
	if err != nil {
		log.Fatalf("paybridged: server: %v", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go sweeper.Run(rootCtx)
	if scheduler != nil {
		go scheduler.Start(rootCtx)
	}

	if err := srv.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("http server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("paybridged stopped")
}
