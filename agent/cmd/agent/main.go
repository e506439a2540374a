// Package main is the entry point for the woly-agent binary.
// It wires all internal packages together and starts the node.
//
// Startup sequence:
//  1. Parse environment configuration
//  2. Build logger
//  3. Open the local host database
//  4. Build the discovery scanner and command executor
//  5. Build the C&C client (skipped when CNC_URL is unset)
//  6. Start the local HTTP API, the scan loop and the connection loop
//  7. Block until SIGINT/SIGTERM, then graceful shutdown
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

	"github.com/kaonis/woly-server-sub003/agent/internal/api"
	"github.com/kaonis/woly-server-sub003/agent/internal/client"
	"github.com/kaonis/woly-server-sub003/agent/internal/config"
	"github.com/kaonis/woly-server-sub003/agent/internal/discovery"
	"github.com/kaonis/woly-server-sub003/agent/internal/hostdb"
	"github.com/kaonis/woly-server-sub003/agent/internal/metrics"
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
		Use:   "woly-agent",
		Short: "Woly agent — LAN node for the Woly Wake-on-LAN system",
		Long: `Woly agent runs on one machine per LAN. It discovers hosts on its
network segment, keeps a local inventory, wakes machines on request,
and maintains a persistent WebSocket connection to the C&C server.

All configuration is read from the environment; NODE_ID and
NODE_LOCATION are required.`,
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
			fmt.Printf("woly-agent %s (commit: %s, built: %s)\n", version, commit, date)
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

	logger.Info("starting woly agent",
		zap.String("version", version),
		zap.String("node_id", cfg.NodeID),
		zap.String("location", cfg.Location),
		zap.Int("port", cfg.Port),
	)
	if cfg.APIKey == "" {
		logger.Warn("NODE_API_KEY not configured, local API is unauthenticated")
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store, err := hostdb.Open(cfg.DBPath, logger)
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck

	m := metrics.New()
	scanner := discovery.New(discovery.Config{Interval: cfg.ScanInterval, Metrics: m}, store, logger)
	exec := client.NewExecutor(store, scanner, cfg.WolBroadcast, cfg.WolPort, m, logger)

	// The C&C link is optional: without CNC_URL the agent serves its LAN
	// standalone.
	var mgr *client.Manager
	if cfg.CNCURL != "" {
		mgr = client.New(client.Config{
			URL:                  cfg.CNCURL,
			Token:                cfg.CNCToken,
			SessionTokenURL:      cfg.SessionTokenURL,
			RefreshBuffer:        cfg.RefreshBuffer,
			ReconnectInterval:    cfg.ReconnectInterval,
			MaxReconnectAttempts: cfg.MaxReconnectAttempts,
			NodeID:               cfg.NodeID,
			Location:             cfg.Location,
			Version:              version,
			Subnet:               cfg.Subnet,
			Gateway:              cfg.Gateway,
			Metrics:              m,
		}, exec, store, logger)
		scanner.SetSink(mgr)
	}

	apiCfg := api.Config{
		Store:       store,
		Scanner:     scanner,
		APIKey:      cfg.APIKey,
		CORSOrigins: cfg.CORSOrigins,
		Development: cfg.Development(),
		Broadcast:   cfg.WolBroadcast,
		WolPort:     cfg.WolPort,
		Version:     version,
		Metrics:     m,
		Logger:      logger,
	}
	if mgr != nil {
		apiCfg.ConnectionState = func() string { return string(mgr.State()) }
		apiCfg.Events = mgr
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           api.NewRouter(apiCfg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("local api listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go scanner.Start(ctx)
	if mgr != nil {
		go func() {
			if err := mgr.Run(ctx); err != nil {
				errCh <- err
			}
		}()
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down woly agent")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	logger.Info("woly agent stopped")
	return nil
}

func buildLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.Development() {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
