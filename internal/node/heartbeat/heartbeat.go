// Package heartbeat implements the node's heartbeat emitter: every
// interval, sample vendor-daemon liveness and local host metrics, then
// send a HEARTBEAT.
package heartbeat

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fleetgate/fleetgate/internal/model"
	"github.com/fleetgate/fleetgate/internal/node/devicebridge"
	nodemetrics "github.com/fleetgate/fleetgate/internal/node/metrics"
	"github.com/fleetgate/fleetgate/internal/node/vendordaemon"
	"github.com/fleetgate/fleetgate/internal/wire"
)

// DefaultInterval is the default heartbeat period, used when
// HEARTBEAT_INTERVAL is unset.
const DefaultInterval = 30 * time.Second

// Sender delivers a HEARTBEAT envelope on the live session. Implemented by
// the node's session client.
type Sender interface {
	SendHeartbeat(p wire.HeartbeatPayload) error
}

// Emitter periodically samples and sends heartbeats.
type Emitter struct {
	interval time.Duration
	vendor   *vendordaemon.Client
	bridge   *devicebridge.Bridge
	logger   *zap.Logger
}

// New builds an Emitter. interval <= 0 uses DefaultInterval.
func New(interval time.Duration, vendor *vendordaemon.Client, bridge *devicebridge.Bridge, logger *zap.Logger) *Emitter {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Emitter{interval: interval, vendor: vendor, bridge: bridge, logger: logger}
}

// Run ticks every e.interval until ctx is cancelled, sending one heartbeat
// per tick. A failed send is logged and not treated as fatal — a missing
// HEARTBEAT_ACK is not an error; the session client is the component that
// reacts to transport failure and cancels this context promptly on
// disconnect.
func (e *Emitter) Run(ctx context.Context, sender Sender) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick(ctx, sender)
		}
	}
}

func (e *Emitter) tick(ctx context.Context, sender Sender) {
	sampleCtx, cancel := context.WithTimeout(ctx, e.interval/2)
	defer cancel()

	devices, err := e.bridge.Devices(sampleCtx)
	if err != nil {
		e.logger.Warn("heartbeat: device enumeration failed", zap.Error(err))
	}

	sample, err := nodemetrics.Collect(sampleCtx)
	if err != nil {
		e.logger.Warn("heartbeat: host metrics sample failed", zap.Error(err))
	}

	payload := wire.HeartbeatPayload{
		DeviceCount: len(devices),
		LaixiStatus: model.HealthStatus(e.vendor.Status(sampleCtx)),
		AdbStatus:   e.bridge.Status(sampleCtx),
		CPU:         sample.CPUPercent,
		Mem:         sample.MemPercent,
	}

	if err := sender.SendHeartbeat(payload); err != nil {
		e.logger.Warn("heartbeat: send failed", zap.Error(err))
	}
}
