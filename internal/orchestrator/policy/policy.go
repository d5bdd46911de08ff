// Package policy implements the orchestrator's policy engine: a periodic
// sweeper that marks timed-out nodes offline and enqueues recovery
// directives.
package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/fleetgate/fleetgate/internal/model"
	"github.com/fleetgate/fleetgate/internal/orchestrator/router"
	"github.com/fleetgate/fleetgate/internal/orchestrator/session"
)

// SweepInterval is how often the sweeper runs.
const SweepInterval = 10 * time.Second

// HeartbeatTimeout is the silence window after which an online session is
// marked offline.
const HeartbeatTimeout = 30 * time.Second

// recoverySubmitTimeout bounds how long a recovery directive's own submit
// call is allowed to run in its detached goroutine — it must not be allowed
// to pile up indefinitely if the node never comes back.
const recoverySubmitTimeout = DefaultRecoveryBudget

// DefaultRecoveryBudget generously covers ack + result deadlines for a
// restart-vendor-daemon directive (kill, wait 2s, relaunch, wait 5s,
// reconnect — see node/selfheal).
const DefaultRecoveryBudget = router.DefaultAckDeadline + router.DefaultResultDeadline

// Metrics is the subset of orchestrator metrics the policy engine reports.
// Kept as an interface so the engine does not depend on the concrete
// Prometheus collector type.
type Metrics interface {
	RecordRecovery()
}

type noopMetrics struct{}

func (noopMetrics) RecordRecovery() {}

// Engine runs the sweeper on a gocron schedule in singleton mode, so a slow
// sweep tick is rescheduled rather than overlapping the next one.
type Engine struct {
	registry  *session.Registry
	router    *router.Router
	logger    *zap.Logger
	scheduler gocron.Scheduler
	metrics   Metrics
}

// New builds a policy Engine. Start must be called to begin sweeping.
func New(registry *session.Registry, rt *router.Router, logger *zap.Logger) (*Engine, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("policy: creating scheduler: %w", err)
	}
	return &Engine{registry: registry, router: rt, logger: logger, scheduler: sched, metrics: noopMetrics{}}, nil
}

// SetMetrics installs a Metrics recorder. Optional — an Engine built via New
// reports nothing until this is called.
func (e *Engine) SetMetrics(m Metrics) { e.metrics = m }

// Start schedules the sweep job and begins running it.
func (e *Engine) Start(ctx context.Context) error {
	_, err := e.scheduler.NewJob(
		gocron.DurationJob(SweepInterval),
		gocron.NewTask(func() { e.sweep(ctx) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithTags("heartbeat-sweep"),
	)
	if err != nil {
		return fmt.Errorf("policy: scheduling sweep: %w", err)
	}
	e.scheduler.Start()
	return nil
}

// Stop halts the scheduler. Safe to call even if Start failed.
func (e *Engine) Stop() error {
	return e.scheduler.Shutdown()
}

// sweep marks every online session silent for longer than HeartbeatTimeout
// as offline and enqueues a restart-vendor-daemon recovery directive. The
// sweeper is the only component allowed to move a session online→offline
// without a transport-close event.
func (e *Engine) sweep(ctx context.Context) {
	now := time.Now()
	var timedOut []string

	e.registry.Range(func(s *session.Session) {
		if s.State() != model.SessionOnline {
			return
		}
		if s.LastHeartbeat().IsZero() {
			return // HELLO just completed, no heartbeat observed yet.
		}
		if now.Sub(s.LastHeartbeat()) > HeartbeatTimeout {
			timedOut = append(timedOut, s.NodeID)
		}
	})

	for _, nodeID := range timedOut {
		if sess, ok := e.registry.Get(nodeID); ok {
			sess.MarkOffline()
		}
		e.logger.Warn("policy: node marked offline on heartbeat timeout", zap.String("node_id", nodeID))
		e.triggerRecovery(ctx, nodeID, model.RecoveryHeartbeatTimeout)
	}
}

// triggerRecovery synthesizes and submits a recovery directive. It runs
// detached from the sweep tick so one unresponsive node can't delay the
// next sweep of every other node.
func (e *Engine) triggerRecovery(ctx context.Context, nodeID string, reason model.RecoveryReason) {
	e.metrics.RecordRecovery()
	go func() {
		rctx, cancel := context.WithTimeout(ctx, recoverySubmitTimeout)
		defer cancel()

		jobID, _, err := e.router.Submit(rctx, nodeID, model.ActionRestartVendorDaemon, nil, model.DeviceSelectorAll)
		if err != nil {
			e.logger.Warn("policy: recovery directive did not complete",
				zap.String("node_id", nodeID), zap.String("reason", string(reason)), zap.Error(err))
			return
		}
		e.logger.Info("policy: recovery directive completed",
			zap.String("node_id", nodeID), zap.String("job_id", jobID), zap.String("reason", string(reason)))
	}()
}
