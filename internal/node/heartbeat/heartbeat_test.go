package heartbeat

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/fleetgate/fleetgate/internal/node/devicebridge"
	"github.com/fleetgate/fleetgate/internal/node/vendordaemon"
	"github.com/fleetgate/fleetgate/internal/wire"
)

type fakeSender struct {
	sent []wire.HeartbeatPayload
}

func (f *fakeSender) SendHeartbeat(p wire.HeartbeatPayload) error {
	f.sent = append(f.sent, p)
	return nil
}

func TestNewAppliesDefaultInterval(t *testing.T) {
	e := New(0, vendordaemon.New("ws://127.0.0.1:1/x", zap.NewNop()), devicebridge.New(), zap.NewNop())
	if e.interval != DefaultInterval {
		t.Errorf("interval: got %v, want %v", e.interval, DefaultInterval)
	}
}

func TestTickSendsOneHeartbeat(t *testing.T) {
	e := New(time.Second, vendordaemon.New("ws://127.0.0.1:1/unreachable", zap.NewNop()), devicebridge.New(), zap.NewNop())
	sender := &fakeSender{}

	e.tick(context.Background(), sender)

	if len(sender.sent) != 1 {
		t.Fatalf("expected exactly one heartbeat sent, got %d", len(sender.sent))
	}
	// adb is not installed in the test environment and the vendor daemon is
	// unreachable, so both liveness fields should report a non-ok status
	// rather than the tick failing outright.
	if sender.sent[0].LaixiStatus == "" || sender.sent[0].AdbStatus == "" {
		t.Errorf("expected non-empty status fields, got %+v", sender.sent[0])
	}
}
