// Package executor implements the node's job executor: translating
// abstract job actions into vendor-daemon commands and returning
// structured results.
//
// Each JOB_ASSIGN launches a separate goroutine so the receive loop
// returns immediately and can accept new messages while a long-running
// action (e.g. a swipe sequence) is still in flight.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fleetgate/fleetgate/internal/model"
	"github.com/fleetgate/fleetgate/internal/node/idempotency"
	"github.com/fleetgate/fleetgate/internal/node/selfheal"
	"github.com/fleetgate/fleetgate/internal/node/vendordaemon"
	"github.com/fleetgate/fleetgate/internal/wire"
)

// ErrUnknownAction is returned for an action outside the translation
// table: the job finishes with JOB_RESULT state failed and this error's
// text as the error message.
var ErrUnknownAction = errors.New("UnknownAction")

// DeviceInventory is the minimal device-listing surface the executor needs
// from whatever tracks currently attached devices (in cmd/node, adb device
// enumeration). Only the supplemented device_snapshot action uses it; the
// list action asks the vendor daemon ("List") instead.
type DeviceInventory interface {
	Devices(ctx context.Context) ([]string, error)
}

// Reporter is how the executor reports back to the session that delivered
// the job — JOB_ACK immediately, JOB_RESULT once the worker finishes.
// Keeping this as an interface rather than a direct session reference
// mirrors the LogSink/StatusReporter split in
// agent/internal/executor/executor.go.
type Reporter interface {
	SendAck(jobID string, state model.AckState) error
	SendResult(jobID string, state model.ResultState, metrics wire.JobMetrics, errStr *string) error
}

// Executor translates JOB_ASSIGN messages into vendor-daemon commands.
type Executor struct {
	vendor      *vendordaemon.Client
	healer      *selfheal.Healer
	idempotency *idempotency.Set
	devices     DeviceInventory
	logger      *zap.Logger
}

// New builds an Executor.
func New(vendor *vendordaemon.Client, healer *selfheal.Healer, idem *idempotency.Set, devices DeviceInventory, logger *zap.Logger) *Executor {
	return &Executor{vendor: vendor, healer: healer, idempotency: idem, devices: devices, logger: logger}
}

// Handle implements the JOB_ASSIGN flow: idempotency check, JOB_ACK, then
// the action itself. It returns once the ack has been sent; the result is
// reported asynchronously from the spawned worker.
func (e *Executor) Handle(ctx context.Context, assign wire.JobAssignPayload, reporter Reporter) {
	if e.idempotency.Contains(assign.IdempotencyKey) {
		if err := reporter.SendAck(assign.JobID, model.AckAlreadyDone); err != nil {
			e.logger.Warn("executor: failed to send already_done ack", zap.Error(err), zap.String("job_id", assign.JobID))
		}
		return
	}

	// Insert on first start, not on completion, so in-flight duplicates of
	// the same key delivered before this job finishes are also suppressed.
	e.idempotency.MarkStarted(assign.IdempotencyKey)

	if err := reporter.SendAck(assign.JobID, model.AckStarted); err != nil {
		e.logger.Warn("executor: failed to send started ack", zap.Error(err), zap.String("job_id", assign.JobID))
	}

	go e.runWorker(ctx, assign, reporter)
}

func (e *Executor) runWorker(ctx context.Context, assign wire.JobAssignPayload, reporter Reporter) {
	start := time.Now()
	extra, err := e.execute(ctx, assign.Action, assign.Params)
	duration := time.Since(start)

	metrics := wire.JobMetrics{DurationMs: duration.Milliseconds(), Extra: extra}

	if err != nil {
		e.logger.Warn("executor: job failed",
			zap.String("job_id", assign.JobID), zap.String("action", string(assign.Action)), zap.Error(err))

		if isVendorUnavailable(err) {
			e.healer.RecordFailure(ctx)
		}

		msg := err.Error()
		if sendErr := reporter.SendResult(assign.JobID, model.ResultFailed, metrics, &msg); sendErr != nil {
			e.logger.Warn("executor: failed to send failed result", zap.Error(sendErr), zap.String("job_id", assign.JobID))
		}
		return
	}

	e.healer.RecordSuccess()
	if sendErr := reporter.SendResult(assign.JobID, model.ResultSuccess, metrics, nil); sendErr != nil {
		e.logger.Warn("executor: failed to send success result", zap.Error(sendErr), zap.String("job_id", assign.JobID))
	}
}

func isVendorUnavailable(err error) bool {
	return errors.Is(err, vendordaemon.ErrUnavailable)
}

// execute translates action into one or more vendor-daemon commands per
// the action table, returning an extension map merged into the JOB_RESULT
// metrics object.
func (e *Executor) execute(ctx context.Context, action model.Action, params json.RawMessage) (map[string]any, error) {
	switch action {
	case model.ActionList:
		return e.vendor.Call(ctx, "List", nil)

	case model.ActionWatch:
		p, err := decodeParams[WatchParams](params)
		if err != nil || p.URL == "" {
			return nil, fmt.Errorf("watch: missing required param url")
		}
		return e.vendor.Call(ctx, "adb", map[string]any{"cmd": fmt.Sprintf("am start -a android.intent.action.VIEW -d %q", p.URL)})

	case model.ActionTap:
		p, err := decodeParams[TapParams](params)
		if err != nil {
			return nil, fmt.Errorf("tap: invalid params: %w", err)
		}
		return e.vendor.Call(ctx, "onTap", map[string]any{"x": p.X, "y": p.Y})

	case model.ActionSwipe:
		p, err := decodeParams[SwipeParams](params)
		if err != nil {
			return nil, fmt.Errorf("swipe: invalid params: %w", err)
		}
		return e.vendor.Call(ctx, "onSwipe", map[string]any{
			"x1": p.X1, "y1": p.Y1, "x2": p.X2, "y2": p.Y2, "duration": p.DurationMs,
		})

	case model.ActionADB:
		p, err := decodeParams[ADBParams](params)
		if err != nil || p.Cmd == "" {
			return nil, fmt.Errorf("adb: missing required param cmd")
		}
		return e.vendor.Call(ctx, "adb", map[string]any{"cmd": p.Cmd})

	case model.ActionHome:
		return e.vendor.Call(ctx, "adb", map[string]any{"cmd": "input keyevent 3"})

	case model.ActionBack:
		return e.vendor.Call(ctx, "adb", map[string]any{"cmd": "input keyevent 4"})

	case model.ActionCurrentApp:
		return e.vendor.Call(ctx, "CurrentAppInfo", nil)

	case model.ActionDeviceSnapshot:
		// Grounded on noderunner/executor.py's get_device_snapshot.
		devices, err := e.devices.Devices(ctx)
		if err != nil {
			return nil, fmt.Errorf("device_snapshot: %w", err)
		}
		return map[string]any{"devices": devices, "device_count": len(devices)}, nil

	case model.ActionRestartVendorDaemon:
		if err := e.healer.HealVendorDaemon(ctx); err != nil {
			return nil, fmt.Errorf("restart-vendor-daemon: %w", err)
		}
		return nil, nil

	case model.ActionRestartDeviceBridge:
		if err := e.healer.HealDeviceBridge(ctx); err != nil {
			return nil, fmt.Errorf("restart-device-bridge: %w", err)
		}
		return nil, nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownAction, action)
	}
}
