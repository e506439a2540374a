package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/kaonis/woly-server-sub003/server/internal/aggregator"
	"github.com/kaonis/woly-server-sub003/server/internal/api"
	"github.com/kaonis/woly-server-sub003/server/internal/auth"
	"github.com/kaonis/woly-server-sub003/server/internal/command"
	"github.com/kaonis/woly-server-sub003/server/internal/config"
	"github.com/kaonis/woly-server-sub003/server/internal/db"
	"github.com/kaonis/woly-server-sub003/server/internal/metrics"
	"github.com/kaonis/woly-server-sub003/server/internal/nodemanager"
	"github.com/kaonis/woly-server-sub003/server/internal/repositories"
	"github.com/kaonis/woly-server-sub003/server/internal/schedule"
	"github.com/kaonis/woly-server-sub003/server/internal/webhook"
	"github.com/kaonis/woly-server-sub003/shared/protocol"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "woly-server",
		Short: "Woly C&C server — central Wake-on-LAN control plane",
		Long: `Woly server is the command-and-control half of the Woly system.
Node agents on remote LANs connect over WebSocket and report their
discovered hosts; operators use the REST API to view the aggregated
inventory and wake, scan, or schedule machines across every location.

All configuration is read from the environment; see the README for the
full variable reference.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("woly-server %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger, err := buildLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting woly server",
		zap.String("version", version),
		zap.Int("port", cfg.Port),
		zap.String("env", cfg.Env),
		zap.String("db_type", cfg.DBType),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.SecretKey != "" {
		if err := db.InitEncryption([]byte(cfg.SecretKey)); err != nil {
			return fmt.Errorf("encryption: %w", err)
		}
	} else {
		logger.Warn("SECRET_KEY not set, webhook secrets are stored in plaintext")
	}

	dbLogLevel := gormlogger.Warn
	if cfg.Development() {
		dbLogLevel = gormlogger.Info
	}
	database, err := db.New(db.Config{
		Driver:   cfg.DBType,
		DSN:      cfg.DatabaseURL,
		Logger:   logger,
		LogLevel: dbLogLevel,
	})
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}

	nodeRepo := repositories.NewNodeRepository(database)
	hostRepo := repositories.NewHostRepository(database)
	histRepo := repositories.NewHistoryRepository(database)
	cmdRepo := repositories.NewCommandRepository(database)
	schedRepo := repositories.NewScheduleRepository(database)
	whRepo := repositories.NewWebhookRepository(database)

	// Connection state did not survive the restart; reflect that before
	// accepting new sessions.
	if err := nodeRepo.MarkAllOffline(ctx); err != nil {
		return fmt.Errorf("reset node status: %w", err)
	}

	jwtMgr, err := auth.NewJWTManager(auth.JWTConfig{
		Secret:         cfg.JWTSecret,
		Issuer:         cfg.JWTIssuer,
		Audience:       cfg.JWTAudience,
		TTL:            cfg.JWTTTL,
		OperatorTokens: cfg.OperatorTokens,
		AdminTokens:    cfg.AdminTokens,
	})
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	var sessions *auth.SessionTokenManager
	if len(cfg.WSSessionTokenSecrets) > 0 {
		sessions, err = auth.NewSessionTokenManager(auth.SessionTokenConfig{
			Secrets:  cfg.WSSessionTokenSecrets,
			Issuer:   cfg.WSSessionTokenIssuer,
			Audience: cfg.WSSessionTokenAudience,
			TTL:      cfg.WSSessionTokenTTL,
		})
		if err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}

	validator, err := protocol.NewValidator()
	if err != nil {
		return fmt.Errorf("protocol: %w", err)
	}

	m := metrics.New()

	agg := aggregator.New(hostRepo, histRepo, logger)
	if err := agg.Load(ctx); err != nil {
		return fmt.Errorf("aggregator: %w", err)
	}

	manager := nodemanager.New(nodemanager.Config{
		HeartbeatInterval:   cfg.NodeHeartbeatInterval,
		NodeTimeout:         cfg.NodeTimeout,
		RequireTLS:          cfg.WSRequireTLS,
		AllowQueryToken:     cfg.WSAllowQueryTokenAuth,
		MessageRatePerSec:   cfg.WSMessageRatePerSecond,
		MaxConnectionsPerIP: cfg.WSMaxConnectionsPerIP,
		NodeAuthTokens:      cfg.NodeAuthTokens,
	}, sessions, validator, nodeRepo, m, logger)

	router, err := command.New(command.Config{
		Timeout:        cfg.CommandTimeout,
		OfflineTTL:     cfg.OfflineCommandTTL,
		MaxRetries:     cfg.CommandMaxRetries,
		RetryBaseDelay: cfg.CommandRetryBaseDelay,
		RetentionDays:  cfg.CommandRetentionDays,
	}, cmdRepo, manager, m, logger)
	if err != nil {
		return fmt.Errorf("command router: %w", err)
	}
	manager.SetSinks(agg, router)

	// Pick up commands that were in flight when the previous process died.
	if err := router.Reconcile(ctx); err != nil {
		return fmt.Errorf("command reconcile: %w", err)
	}
	router.Start()
	router.StartPruning(cfg.CommandRetentionDays)
	manager.Start()

	hooks := webhook.New(webhook.Config{
		Timeout:        cfg.WebhookDeliveryTimeout,
		RetryBaseDelay: cfg.WebhookRetryBaseDelay,
	}, whRepo, m, logger)
	hooks.Start()
	agg.SetEventSink(hooks)

	worker, err := schedule.New(schedule.Config{
		Enabled:      cfg.ScheduleWorkerEnabled,
		PollInterval: cfg.SchedulePollInterval,
		BatchSize:    cfg.ScheduleBatchSize,
	}, schedRepo, agg, router, logger)
	if err != nil {
		return fmt.Errorf("schedule worker: %w", err)
	}
	if err := worker.Start(); err != nil {
		return fmt.Errorf("schedule worker: %w", err)
	}

	go pruneHistoryLoop(ctx, agg, cfg.HostStatusHistoryRetentionDays, logger)

	handler := api.NewRouter(api.RouterConfig{
		Version:        version,
		CORSOrigins:    cfg.CORSOrigins,
		Development:    cfg.Development(),
		JWT:            jwtMgr,
		Sessions:       sessions,
		NodeAuthTokens: cfg.NodeAuthTokens,
		Aggregator:     agg,
		Commands:       router,
		Nodes:          manager,
		NodeRepo:       nodeRepo,
		HostRepo:       hostRepo,
		CommandRepo:    cmdRepo,
		ScheduleRepo:   schedRepo,
		WebhookRepo:    whRepo,
		NodeTimeout:    cfg.NodeTimeout,
		Metrics:        m,
		Logger:         logger,
		NodeWS:         manager.HandleUpgrade,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down woly server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	// Stop accepting HTTP first, then close node sessions cleanly, then the
	// background workers, newest consumer first.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	manager.Shutdown(shutdownCtx)
	if err := worker.Stop(); err != nil {
		logger.Warn("schedule worker stop", zap.Error(err))
	}
	router.Shutdown()
	hooks.Stop()

	if sqlDB, err := database.DB(); err == nil {
		_ = sqlDB.Close()
	}
	logger.Info("shutdown complete")
	return nil
}

// pruneHistoryLoop trims host status history rows past the retention window,
// once shortly after boot and then daily.
func pruneHistoryLoop(ctx context.Context, agg *aggregator.Aggregator, retentionDays int, logger *zap.Logger) {
	if retentionDays <= 0 {
		return
	}
	timer := time.NewTimer(time.Minute)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		cutoff := time.Now().AddDate(0, 0, -retentionDays)
		if n, err := agg.PruneHistory(ctx, cutoff); err != nil {
			logger.Warn("history prune failed", zap.Error(err))
		} else if n > 0 {
			logger.Info("pruned host status history", zap.Int64("rows", n))
		}
		timer.Reset(24 * time.Hour)
	}
}

func buildLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.Development() {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
