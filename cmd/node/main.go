// Package main is the entry point for the fleetgate-node binary. It wires
// the vendor daemon link, device bridge, self-healer, idempotency set,
// executor, heartbeat emitter, and session client together and runs the
// reconnect loop until terminated.
//
// Startup sequence:
//  1. Load environment configuration
//  2. Build logger
//  3. Build vendor daemon client, device bridge, self-healer (process or
//     container mode), idempotency set, executor, heartbeat emitter
//  4. Build session client
//  5. Run the reconnect loop until SIGINT/SIGTERM
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fleetgate/fleetgate/internal/node/client"
	nodeconfig "github.com/fleetgate/fleetgate/internal/node/config"
	"github.com/fleetgate/fleetgate/internal/node/devicebridge"
	"github.com/fleetgate/fleetgate/internal/node/executor"
	"github.com/fleetgate/fleetgate/internal/node/heartbeat"
	"github.com/fleetgate/fleetgate/internal/node/idempotency"
	"github.com/fleetgate/fleetgate/internal/node/selfheal"
	"github.com/fleetgate/fleetgate/internal/node/vendordaemon"
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
		Use:   "fleetgate-node",
		Short: "FleetGate node runner — on-prem agent for one device-farm host",
		Long: `The node runner maintains a reverse connection to the orchestrator,
reports host and device liveness on a heartbeat, executes assigned jobs
against the local vendor daemon, and self-heals that daemon on repeated
failure.`,
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
			fmt.Printf("fleetgate-node %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context) error {
	cfg, err := nodeconfig.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	reportedVersion := cfg.Version
	if version != "dev" {
		reportedVersion = version
	}

	logger.Info("starting fleetgate node",
		zap.String("version", reportedVersion),
		zap.String("node_id", cfg.NodeID),
		zap.String("gateway_url", cfg.GatewayURL),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	vendor := vendordaemon.New(cfg.VendorWSURL, logger.Named("vendordaemon"))
	bridge := devicebridge.New()

	var container *selfheal.ContainerRuntime
	if cfg.VendorContainer != "" {
		container, err = selfheal.NewContainerRuntime(cfg.DockerSocket, cfg.VendorContainer)
		if err != nil {
			return fmt.Errorf("failed to build container runtime: %w", err)
		}
		defer container.Close() //nolint:errcheck
	}

	healer := selfheal.New(selfheal.Config{
		ProcessName: cfg.VendorProcessName,
		ExePath:     cfg.VendorExePath,
		Container:   cfg.VendorContainer,
	}, vendor, container, logger.Named("selfheal"))

	idem := idempotency.New()
	exec := executor.New(vendor, healer, idem, bridge, logger.Named("executor"))
	emitter := heartbeat.New(cfg.HeartbeatInterval, vendor, bridge, logger.Named("heartbeat"))

	sessionClient := client.New(client.Config{
		GatewayURL:   cfg.GatewayURL,
		NodeID:       cfg.NodeID,
		Version:      reportedVersion,
		Capabilities: cfg.Capabilities,
	}, exec, logger.Named("client"))

	if err := vendor.Connect(ctx); err != nil {
		logger.Warn("node: initial vendor daemon connect failed, will retry on first command", zap.Error(err))
	}

	sessionClient.Run(ctx, emitter)

	logger.Info("fleetgate node stopped")
	return nil
}
