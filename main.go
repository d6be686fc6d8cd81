package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"governance-core/internal/alert"
	"governance-core/internal/api"
	"governance-core/internal/audit"
	"governance-core/internal/events"
	"governance-core/internal/governance"
	"governance-core/internal/market"
	"governance-core/internal/monitor"
	"governance-core/internal/notify"
	"governance-core/internal/persistence"
	"governance-core/internal/portfolio"
	"governance-core/internal/proposal"
	"governance-core/internal/risk"
	"governance-core/pkg/config"
	"governance-core/pkg/db"
	"governance-core/pkg/logger"
)

const version = "1.0.0"

func main() {
	tokenFor := flag.String("issue-token", "", "print a bearer token for the given caller id and exit")
	tokenTTL := flag.Duration("token-ttl", 72*time.Hour, "lifetime of an issued token")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	if *tokenFor != "" {
		token, err := api.IssueToken(*tokenFor, cfg.JWTSecret, *tokenTTL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "issue token: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})
	logger.SetGlobalLogger(log)

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("Governance core stopped with error")
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log.Info().Str("version", version).Str("port", cfg.Port).Str("db_path", cfg.DBPath).Msg("Starting governance core")

	database, err := db.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("init database: %w", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	// Risk policy: file overrides whatever is active in the DB.
	policies, err := risk.NewPolicyStore(ctx, database, risk.DefaultPolicy())
	if err != nil {
		return err
	}
	if cfg.RiskPolicyPath != "" {
		p, err := risk.LoadPolicyFile(cfg.RiskPolicyPath)
		if err != nil {
			return fmt.Errorf("load risk policy: %w", err)
		}
		if err := policies.Save(ctx, p, true); err != nil {
			return fmt.Errorf("activate risk policy: %w", err)
		}
	}
	active := policies.Active()
	log.Info().Str("policy_version", active.PolicyVersion).Msg("Risk policy active")

	// Write-behind persistence, one writer per record family.
	writerOpts := persistence.Options{
		MaxSize:       cfg.AuditBatchSize,
		FlushInterval: cfg.AuditFlushInterval,
		MaxRetries:    cfg.AuditMaxRetries,
	}
	auditWriter := persistence.NewBatchWriter(database.DB, logger.Component(log, "audit-writer"), writerOpts)
	portfolioWriter := persistence.NewBatchWriter(database.DB, logger.Component(log, "portfolio-writer"), writerOpts)
	proposalWriter := persistence.NewBatchWriter(database.DB, logger.Component(log, "proposal-writer"), writerOpts)
	writers := []*persistence.BatchWriter{proposalWriter, portfolioWriter, auditWriter}
	defer func() {
		for _, w := range writers {
			if err := w.Close(); err != nil {
				log.Error().Err(err).Msg("Final flush failed")
			}
		}
	}()

	bus := events.NewBus()
	metrics := monitor.NewSystemMetrics()

	// Portfolio
	portfolioStore := portfolio.NewStore(database, portfolioWriter)
	book := portfolio.NewEngine(log, decimal.NewFromFloat(cfg.InitialCash), portfolioStore)
	if st, ok, err := portfolioStore.Load(ctx); err != nil {
		return fmt.Errorf("load portfolio: %w", err)
	} else if ok {
		book.Restore(st)
		log.Info().Uint64("version", st.Version).Str("cash", st.Cash.String()).Int("positions", len(st.Positions)).Msg("Portfolio restored")
	} else {
		log.Info().Float64("cash", cfg.InitialCash).Msg("Portfolio initialized")
	}

	proposals := proposal.NewRegistry(log, proposalWriter)
	if err := proposals.Load(ctx, database); err != nil {
		return fmt.Errorf("load proposals: %w", err)
	}

	auditLog := audit.NewLog(log, bus, auditWriter)
	if err := auditLog.Load(ctx, database); err != nil {
		return fmt.Errorf("load compliance log: %w", err)
	}
	log.Info().Int("events", auditLog.Len()).Msg("Compliance log loaded")

	// Notifications: log everything, webhook when configured.
	logNotifier := notify.NewLogNotifier(log)
	router := notify.NewRouter(logNotifier)
	if cfg.NotifyWebhookURL != "" {
		webhook := notify.NewWebhookNotifier(cfg.NotifyWebhookURL)
		router.Handle("webhook", webhook)
		router.Handle(cfg.EscalationChannel, webhook)
	}

	// Alerts
	var prices market.PriceSource
	switch cfg.PriceSource {
	case "binance":
		prices = market.NewBinanceSource(cfg.BinanceBaseURL)
	default:
		prices = market.NewMockSource(cfg.MockPrices)
	}
	prices = market.NewCachedSource(prices, cfg.PriceCacheTTL)
	alertStore := alert.NewStore(database)
	if err := alertStore.Load(ctx); err != nil {
		return fmt.Errorf("load alert rules: %w", err)
	}
	dispatcher := alert.NewDispatcher(log, router, cfg.NotifyMaxAttempts, cfg.NotifyBaseBackoff)
	alerts := alert.NewMonitor(log, alertStore, prices, dispatcher, auditLog, bus, alert.Options{
		Interval:     cfg.AlertInterval,
		FetchTimeout: cfg.PriceFetchTimeout,
		OnCycle:      metrics.ObserveAlertCycle,
	})
	if err := alerts.Start(ctx); err != nil {
		return fmt.Errorf("start alert monitor: %w", err)
	}
	defer alerts.Stop()

	escalator := &monitor.Escalator{
		Bus:      bus,
		Notifier: router,
		Channel:  cfg.EscalationChannel,
		Log:      logger.Component(log, "escalator"),
	}
	escalator.Start(ctx)

	svc := governance.NewService(log, governance.Deps{
		Risk:      risk.NewEngine(log),
		Policies:  policies,
		Portfolio: book,
		Proposals: proposals,
		Audit:     auditLog,
		Alerts:    alerts,
		Metrics:   metrics,
		Bus:       bus,
	})

	if cfg.JWTSecret == "" {
		log.Warn().Msg("JWT_SECRET not set; /api is unauthenticated")
	}
	server := api.NewServer(log, bus, svc, metrics, api.Options{
		JWTSecret:      cfg.JWTSecret,
		RateLimit:      cfg.APIRateLimit,
		RateBurst:      cfg.APIRateBurst,
		RequestTimeout: cfg.RequestTimeout,
		Meta: api.SystemMeta{
			Version:     version,
			PriceSource: cfg.PriceSource,
			Policy:      active.PolicyVersion,
		},
	})

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start(":" + cfg.Port)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("api server: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("API shutdown incomplete")
	}
	// Let an in-flight alert cycle finish before the root context goes.
	alerts.Stop()
	cancel()
	return nil
}
