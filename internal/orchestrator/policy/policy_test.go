package policy

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/fleetgate/fleetgate/internal/model"
	"github.com/fleetgate/fleetgate/internal/orchestrator/router"
	"github.com/fleetgate/fleetgate/internal/orchestrator/session"
	"github.com/fleetgate/fleetgate/internal/wire"
)

type fakeTransport struct {
	sent   []wire.Envelope
	closed bool
}

func (f *fakeTransport) Send(e wire.Envelope) error {
	f.sent = append(f.sent, e)
	return nil
}

func (f *fakeTransport) Close(reason string) error {
	f.closed = true
	return nil
}

func newTestEngine(t *testing.T, registry *session.Registry) *Engine {
	t.Helper()
	rt := router.New(registry, zap.NewNop())
	e, err := New(registry, rt, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func TestSweepMarksStaleSessionOffline(t *testing.T) {
	registry := session.New(zap.NewNop())
	sess := registry.Install("node-1", &fakeTransport{})
	sess.ApplyHeartbeat(wire.HeartbeatPayload{DeviceCount: 1}, time.Now().Add(-HeartbeatTimeout-time.Second))

	e := newTestEngine(t, registry)
	e.sweep(context.Background())

	if sess.State() != model.SessionOffline {
		t.Errorf("State: got %s, want offline", sess.State())
	}
}

func TestSweepLeavesFreshSessionOnline(t *testing.T) {
	registry := session.New(zap.NewNop())
	sess := registry.Install("node-1", &fakeTransport{})
	sess.ApplyHeartbeat(wire.HeartbeatPayload{DeviceCount: 1}, time.Now())

	e := newTestEngine(t, registry)
	e.sweep(context.Background())

	if sess.State() != model.SessionOnline {
		t.Errorf("State: got %s, want online", sess.State())
	}
}

type fakeMetrics struct {
	recoveries int
}

func (f *fakeMetrics) RecordRecovery() { f.recoveries++ }

func TestSweepRecordsRecoveryMetricOnTimeout(t *testing.T) {
	registry := session.New(zap.NewNop())
	sess := registry.Install("node-1", &fakeTransport{})
	sess.ApplyHeartbeat(wire.HeartbeatPayload{DeviceCount: 1}, time.Now().Add(-HeartbeatTimeout-time.Second))

	e := newTestEngine(t, registry)
	fm := &fakeMetrics{}
	e.SetMetrics(fm)

	e.sweep(context.Background())

	if fm.recoveries != 1 {
		t.Errorf("RecordRecovery calls: got %d, want 1", fm.recoveries)
	}
}

func TestSweepIgnoresSessionWithNoHeartbeatYet(t *testing.T) {
	registry := session.New(zap.NewNop())
	sess := registry.Install("node-1", &fakeTransport{}) // just handshook, no heartbeat observed

	e := newTestEngine(t, registry)
	e.sweep(context.Background())

	if sess.State() != model.SessionOnline {
		t.Errorf("State: got %s, want online (no heartbeat observed yet is not a timeout)", sess.State())
	}
}
