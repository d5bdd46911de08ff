package selfheal

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/fleetgate/fleetgate/internal/node/vendordaemon"
)

func newTestHealer(cfg Config) *Healer {
	vendor := vendordaemon.New("ws://127.0.0.1:1/unreachable", zap.NewNop())
	return New(cfg, vendor, nil, zap.NewNop())
}

func TestRecordSuccessResetsCounter(t *testing.T) {
	h := newTestHealer(Config{})
	h.RecordFailure(context.Background())
	h.RecordFailure(context.Background())
	if h.Consecutive() != 2 {
		t.Fatalf("Consecutive: got %d, want 2", h.Consecutive())
	}
	h.RecordSuccess()
	if h.Consecutive() != 0 {
		t.Errorf("Consecutive after success: got %d, want 0", h.Consecutive())
	}
}

func TestRecordFailureTriggersHealAtThreshold(t *testing.T) {
	h := newTestHealer(Config{}) // no ExePath: launchProcess fails fast after killWait

	ctx := context.Background()
	for i := 0; i < FailureThreshold; i++ {
		h.RecordFailure(ctx)
	}

	history := h.History()
	if len(history) != 1 {
		t.Fatalf("expected exactly one heal attempt recorded, got %d", len(history))
	}
	if history[0].Kind != "vendor-daemon" {
		t.Errorf("Kind: got %q, want vendor-daemon", history[0].Kind)
	}
	if history[0].Success {
		t.Error("expected heal to fail: no LAIXI_EXE_PATH configured means launchProcess always errors")
	}
	// A failed heal does not reset the counter (only an explicit
	// RecordSuccess, or a successful heal, does).
	if h.Consecutive() != FailureThreshold {
		t.Errorf("Consecutive after failed heal: got %d, want %d", h.Consecutive(), FailureThreshold)
	}
}

func TestHealVendorDaemonGuardsAgainstConcurrentHeals(t *testing.T) {
	h := newTestHealer(Config{})

	done := make(chan error, 2)
	go func() { done <- h.HealVendorDaemon(context.Background()) }()
	time.Sleep(50 * time.Millisecond) // let the first goroutine acquire the guard
	go func() { done <- h.HealVendorDaemon(context.Background()) }()

	<-done
	<-done

	history := h.History()
	if len(history) != 1 {
		t.Fatalf("expected the second concurrent call to be skipped as a duplicate, got %d recorded attempts", len(history))
	}
}

func TestHealVendorDaemonContainerModeWithoutRuntime(t *testing.T) {
	h := New(Config{Container: "touping-daemon"}, vendordaemon.New("ws://127.0.0.1:1/unreachable", zap.NewNop()), nil, zap.NewNop())

	err := h.HealVendorDaemon(context.Background())
	if err == nil {
		t.Fatal("expected an error when Container is configured but no ContainerRuntime was supplied")
	}
}

func TestHistoryIsBounded(t *testing.T) {
	h := newTestHealer(Config{})
	for i := 0; i < historySize+5; i++ {
		h.runSequence(context.Background(), "device-bridge", func(context.Context) error { return nil })
	}
	if len(h.History()) != historySize {
		t.Errorf("History length: got %d, want %d", len(h.History()), historySize)
	}
}
