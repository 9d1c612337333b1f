package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"loyaltyd/auth"
	"loyaltyd/balance"
	"loyaltyd/chain"
	"loyaltyd/config"
	"loyaltyd/ledger"
	"loyaltyd/models"
	"loyaltyd/noncestore"
	"loyaltyd/observability/logging"
	"loyaltyd/recon"
	"loyaltyd/server"
	"loyaltyd/session"
	"loyaltyd/settle"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger := logging.Setup("loyaltyd", cfg.Environment, logging.Options{
		FilePath:   cfg.Log.FilePath,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})

	db, err := gorm.Open(postgres.Open(cfg.DatabaseDSN), &gorm.Config{})
	if err != nil {
		log.Fatalf("database connection error: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		log.Fatalf("auto migrate error: %v", err)
	}

	table, err := cfg.RewardTable()
	if err != nil {
		log.Fatalf("reward table error: %v", err)
	}
	calc := balance.NewCalculator(db, table, nil)
	nonces := noncestore.New(db, nil)

	var eligibility session.EligibilityChecker = session.StaticEligibility{}
	if url := strings.TrimSpace(cfg.Session.EligibilityURL); url != "" {
		eligibility = session.NewHTTPEligibility(url, 0)
	}

	sessions, err := session.NewManager(session.Config{
		DB:          db,
		Calculator:  calc,
		Nonces:      nonces,
		Eligibility: eligibility,
		TTL:         cfg.Session.TTL.Duration,
		Logger:      logger,
	})
	if err != nil {
		log.Fatalf("session manager error: %v", err)
	}

	recorder := ledger.NewRecorder(db, calc, nil, logger)

	chainClient := chain.NewClient(chain.Config{
		URL:               cfg.Chain.RPCURL,
		AuthToken:         os.Getenv(cfg.Chain.AuthTokenEnv),
		RequestsPerMinute: cfg.Chain.RequestsPerMinute,
	})

	worker, err := settle.NewWorker(settle.Config{
		DB:           db,
		Reader:       chainClient,
		Writer:       chainClient,
		PollInterval: cfg.Settle.PollInterval.Duration,
		BatchSize:    cfg.Settle.BatchSize,
		Logger:       logger,
	})
	if err != nil {
		log.Fatalf("settlement worker error: %v", err)
	}

	reconciler, err := recon.NewReconciler(recon.Config{
		DB:          db,
		Reader:      chainClient,
		GracePeriod: cfg.Recon.GracePeriod.Duration,
		OutputDir:   cfg.Recon.OutputDir,
		Alert: func(ctx context.Context, finding recon.Finding) error {
			logger.Warn("reconciliation divergence",
				slog.String("kind", finding.Kind),
				slog.String("customer", finding.CustomerAddress),
				slog.String("details", finding.Details),
			)
			return nil
		},
		Logger: logger,
	})
	if err != nil {
		log.Fatalf("reconciler init error: %v", err)
	}
	tracker := recon.NewTracker(reconciler)
	scheduler := recon.NewScheduler(recon.SchedulerConfig{
		Runner:    tracker,
		Window:    cfg.Recon.Window.Duration,
		RunHour:   cfg.Recon.RunHour,
		RunMinute: cfg.Recon.RunMinute,
		Logger:    logger,
	})

	verifier, err := auth.NewVerifier(auth.Options{
		Issuer:         cfg.Auth.Issuer,
		Audience:       cfg.Auth.Audience,
		SecretEnv:      cfg.Auth.SecretEnv,
		MaxSkewSeconds: cfg.Auth.MaxSkewSeconds,
	})
	if err != nil {
		log.Fatalf("auth verifier error: %v", err)
	}

	srv, err := server.New(server.Config{
		DB:       db,
		Sessions: sessions,
		Balances: calc,
		Recorder: recorder,
		Recon:    tracker,
		Verifier: verifier,
	})
	if err != nil {
		log.Fatalf("server init error: %v", err)
	}

	ctx := context.Background()
	go sessions.RunSweeper(ctx, cfg.Session.SweepInterval.Duration)
	go worker.Run(ctx)
	go scheduler.Start(ctx)
	go pruneNonces(ctx, nonces, cfg, logger)

	logger.Info("starting loyaltyd", slog.String("listen", cfg.ListenAddress))
	if err := http.ListenAndServe(cfg.ListenAddress, srv.Handler()); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func pruneNonces(ctx context.Context, nonces *noncestore.Store, cfg config.Config, logger *slog.Logger) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := nonces.PruneOlderThan(ctx, cfg.Session.NonceRetention.Duration); err != nil {
				logger.Error("nonce prune failed", slog.String("error", err.Error()))
			}
		}
	}
}
