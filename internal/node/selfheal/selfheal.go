// Package selfheal implements the node's self-healing supervisor:
// restarting the local vendor daemon (or device bridge) when it is deemed
// unresponsive, whether triggered locally by consecutive executor failures
// or remotely as a recovery directive.
package selfheal

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fleetgate/fleetgate/internal/node/vendordaemon"
)

// FailureThreshold is the consecutive-failure count that triggers a heal.
const FailureThreshold = 5

const (
	killWait     = 2 * time.Second
	relaunchWait = 5 * time.Second
	historySize  = 10
)

// Config names the vendor daemon process and how to relaunch it, sourced
// from the node's LAIXI_PROCESS_NAME, LAIXI_EXE_PATH and
// LAIXI_CONTAINER_NAME environment variables. When Container is set, heals
// go through the ContainerRuntime's Docker API instead of killProcess /
// launchProcess — a node running its vendor daemon in a container has no
// host-level process to signal.
type Config struct {
	ProcessName string // e.g. "touping.exe" — the running process to kill
	ExePath     string // the executable to relaunch
	Container   string // non-empty: restart this Docker container instead
}

// Record is one completed recovery attempt, kept for diagnostics. Modeled
// on noderunner/recovery.py's RecoveryManager, which keeps the same kind of
// bounded attempt history.
type Record struct {
	Kind      string
	Success   bool
	Error     string
	Timestamp time.Time
}

// Healer owns the consecutive-failure counter and the process-restart
// sequence for one node's vendor daemon connection.
type Healer struct {
	cfg       Config
	client    *vendordaemon.Client
	container *ContainerRuntime
	logger    *zap.Logger

	mu          sync.Mutex
	consecutive int
	healing     bool
	history     []Record
}

// New builds a Healer bound to client, the node's single vendor-daemon
// connection. container may be nil — it is only consulted when cfg names a
// Container target.
func New(cfg Config, client *vendordaemon.Client, container *ContainerRuntime, logger *zap.Logger) *Healer {
	return &Healer{cfg: cfg, client: client, container: container, logger: logger}
}

// RecordSuccess resets the consecutive-failure counter on the first
// subsequent success.
func (h *Healer) RecordSuccess() {
	h.mu.Lock()
	h.consecutive = 0
	h.mu.Unlock()
}

// RecordFailure increments the consecutive-failure counter and triggers a
// heal once it reaches FailureThreshold.
func (h *Healer) RecordFailure(ctx context.Context) {
	h.mu.Lock()
	h.consecutive++
	trigger := h.consecutive >= FailureThreshold
	h.mu.Unlock()

	if trigger {
		if err := h.HealVendorDaemon(ctx); err != nil {
			h.logger.Error("selfheal: vendor daemon heal failed", zap.Error(err))
		}
	}
}

// HealVendorDaemon runs the kill→wait→relaunch→wait→reconnect sequence. It
// is idempotent and safe to call both from RecordFailure and directly as a
// restart-vendor-daemon recovery directive.
func (h *Healer) HealVendorDaemon(ctx context.Context) error {
	if !h.startHealing() {
		h.logger.Info("selfheal: heal already in progress, skipping duplicate trigger")
		return nil
	}
	defer h.finishHealing()

	err := h.runSequence(ctx, "vendor-daemon", func(ctx context.Context) error {
		if h.cfg.Container != "" {
			if h.container == nil {
				return fmt.Errorf("restart container %s: no container runtime configured", h.cfg.Container)
			}
			if restartErr := h.container.Restart(ctx); restartErr != nil {
				return fmt.Errorf("restart vendor daemon container: %w", restartErr)
			}
		} else {
			if killErr := killProcess(ctx, h.cfg.ProcessName); killErr != nil {
				h.logger.Warn("selfheal: kill vendor daemon failed (may not have been running)", zap.Error(killErr))
			}
			time.Sleep(killWait)

			if launchErr := launchProcess(h.cfg.ExePath); launchErr != nil {
				return fmt.Errorf("relaunch vendor daemon: %w", launchErr)
			}
		}
		time.Sleep(relaunchWait)

		_ = h.client.Close()
		if connErr := h.client.Connect(ctx); connErr != nil {
			return fmt.Errorf("reconnect to vendor daemon: %w", connErr)
		}
		return nil
	})

	if err == nil {
		h.mu.Lock()
		h.consecutive = 0
		h.mu.Unlock()
	}
	return err
}

// HealDeviceBridge restarts the platform device-bridge server (adb). It
// mirrors HealVendorDaemon's shape but targets adb: kill, restart, and let
// the next heartbeat re-enumerate devices.
func (h *Healer) HealDeviceBridge(ctx context.Context) error {
	if !h.startHealing() {
		h.logger.Info("selfheal: heal already in progress, skipping duplicate trigger")
		return nil
	}
	defer h.finishHealing()

	return h.runSequence(ctx, "device-bridge", func(ctx context.Context) error {
		if err := runADB(ctx, "kill-server"); err != nil {
			h.logger.Warn("selfheal: adb kill-server failed", zap.Error(err))
		}
		if err := runADB(ctx, "start-server"); err != nil {
			return fmt.Errorf("adb start-server: %w", err)
		}
		return nil
	})
}

func (h *Healer) startHealing() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.healing {
		return false
	}
	h.healing = true
	return true
}

func (h *Healer) finishHealing() {
	h.mu.Lock()
	h.healing = false
	h.mu.Unlock()
}

func (h *Healer) runSequence(ctx context.Context, kind string, seq func(context.Context) error) error {
	err := seq(ctx)

	rec := Record{Kind: kind, Success: err == nil, Timestamp: time.Now()}
	if err != nil {
		rec.Error = err.Error()
	}
	h.mu.Lock()
	h.history = append(h.history, rec)
	if len(h.history) > historySize {
		h.history = h.history[len(h.history)-historySize:]
	}
	h.mu.Unlock()

	if err != nil {
		h.logger.Error("selfheal: recovery sequence failed", zap.String("kind", kind), zap.Error(err))
		return err
	}
	h.logger.Info("selfheal: recovery sequence completed", zap.String("kind", kind))
	return nil
}

// History returns the last (up to historySize) recovery attempts.
func (h *Healer) History() []Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Record, len(h.history))
	copy(out, h.history)
	return out
}

// Consecutive returns the current consecutive-failure count.
func (h *Healer) Consecutive() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.consecutive
}

func killProcess(ctx context.Context, name string) error {
	if name == "" {
		return nil
	}
	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.CommandContext(ctx, "taskkill", "/F", "/IM", name)
	} else {
		cmd = exec.CommandContext(ctx, "pkill", "-f", name)
	}
	return cmd.Run()
}

func launchProcess(path string) error {
	if path == "" {
		return fmt.Errorf("no executable path configured (set LAIXI_EXE_PATH)")
	}
	cmd := exec.Command(path)
	return cmd.Start()
}

func runADB(ctx context.Context, args ...string) error {
	return exec.CommandContext(ctx, "adb", args...).Run()
}
