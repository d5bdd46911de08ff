// Package main is the entry point for the fleetgate-orchestrator binary.
// It wires the connection registry, policy engine, router, and REST
// surface together and serves both the node-facing WebSocket listener and
// the operator-facing REST API on one HTTP server.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Build logger
//  3. Build registry, router, metrics collector, policy engine
//  4. Build HTTP server: REST surface + WebSocket listener
//  5. Start policy engine and HTTP server
//  6. Block until SIGINT/SIGTERM, then graceful shutdown
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fleetgate/fleetgate/internal/orchestrator/api"
	"github.com/fleetgate/fleetgate/internal/orchestrator/metrics"
	"github.com/fleetgate/fleetgate/internal/orchestrator/policy"
	"github.com/fleetgate/fleetgate/internal/orchestrator/router"
	"github.com/fleetgate/fleetgate/internal/orchestrator/session"
	"github.com/fleetgate/fleetgate/internal/orchestrator/transport"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	httpAddr     string
	metricsAddr  string
	sharedSecret string
	logLevel     string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "fleetgate-orchestrator",
		Short: "FleetGate orchestrator — cloud-side control plane for device-farm nodes",
		Long: `The orchestrator accepts reverse connections from node runners,
tracks their liveness, and routes job submissions from the operator REST
surface to the appropriate node session.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("FLEETGATE_HTTP_ADDR", ":8080"), "HTTP listen address (REST surface + node WebSocket endpoint)")
	root.PersistentFlags().StringVar(&cfg.metricsAddr, "metrics-addr", envOrDefault("FLEETGATE_METRICS_ADDR", ":9090"), "Prometheus /metrics listen address")
	root.PersistentFlags().StringVar(&cfg.sharedSecret, "shared-secret", envOrDefault("FLEETGATE_SHARED_SECRET", ""), "Shared secret required on the operator REST surface (empty = unauthenticated, development only)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("FLEETGATE_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("fleetgate-orchestrator %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.sharedSecret == "" {
		logger.Warn("shared-secret not configured — REST surface is unauthenticated (set FLEETGATE_SHARED_SECRET in production)")
	}

	logger.Info("starting fleetgate orchestrator",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- Core components ---
	registry := session.New(logger.Named("session"))
	rt := router.New(registry, logger.Named("router"))

	collector := metrics.NewCollector(prometheus.DefaultRegisterer)
	rt.SetMetrics(collector)
	go reportSessionGauge(ctx, registry, collector)

	policyEngine, err := policy.New(registry, rt, logger.Named("policy"))
	if err != nil {
		return fmt.Errorf("failed to build policy engine: %w", err)
	}
	policyEngine.SetMetrics(collector)
	if err := policyEngine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start policy engine: %w", err)
	}
	defer policyEngine.Stop() //nolint:errcheck

	listener := transport.New(registry, rt, logger.Named("transport"))

	// --- HTTP server: REST surface + node WebSocket endpoint ---
	mux := api.NewRouter(api.Config{
		Registry:     registry,
		Router:       rt,
		Logger:       logger.Named("api"),
		SharedSecret: cfg.sharedSecret,
	})
	mux.Get("/v1/session", listener.ServeHTTP)

	httpSrv := &http.Server{
		Addr:         cfg.httpAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	metricsSrv := metrics.Serve(ctx, cfg.metricsAddr)

	go func() {
		logger.Info("metrics server listening", zap.String("addr", cfg.metricsAddr))
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.httpAddr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	rt.Shutdown()
	registry.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown error", zap.Error(err))
	}

	logger.Info("fleetgate orchestrator stopped")
	return nil
}

func reportSessionGauge(ctx context.Context, registry *session.Registry, collector *metrics.Collector) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			online := 0
			for _, s := range registry.All() {
				if string(s.State) == "online" {
					online++
				}
			}
			collector.SetSessionsOnline(online)
		}
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
