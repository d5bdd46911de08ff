package vendordaemon

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var testUpgrader = websocket.Upgrader{}

// newFakeDaemon starts a server that answers every command with a result
// echoing its verb, or an error reply when verb == "fail".
func newFakeDaemon(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var cmd command
			if err := conn.ReadJSON(&cmd); err != nil {
				return
			}
			if cmd.Verb == "fail" {
				_ = conn.WriteJSON(reply{Error: "daemon rejected command"})
				continue
			}
			_ = conn.WriteJSON(reply{Result: map[string]any{"verb": cmd.Verb}})
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestCallRoundTrip(t *testing.T) {
	srv := newFakeDaemon(t)
	c := New(wsURL(srv.URL), zap.NewNop())

	result, err := c.Call(context.Background(), "List", nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if result["verb"] != "List" {
		t.Errorf("result: got %v", result)
	}
}

func TestCallReturnsDaemonError(t *testing.T) {
	srv := newFakeDaemon(t)
	c := New(wsURL(srv.URL), zap.NewNop())

	_, err := c.Call(context.Background(), "fail", nil)
	if err == nil {
		t.Fatal("expected an error from a daemon-rejected command")
	}
}

func TestCallUnreachableDaemon(t *testing.T) {
	c := New("ws://127.0.0.1:1/nope", zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := c.Call(ctx, "List", nil)
	if err == nil {
		t.Fatal("expected an error dialing an unreachable daemon")
	}
}

func TestStatusReflectsConnectivity(t *testing.T) {
	srv := newFakeDaemon(t)
	c := New(wsURL(srv.URL), zap.NewNop())

	if got := c.Status(context.Background()); got != "ok" {
		t.Errorf("Status: got %q, want ok", got)
	}
}

func TestCloseThenReconnect(t *testing.T) {
	srv := newFakeDaemon(t)
	c := New(wsURL(srv.URL), zap.NewNop())

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !c.Connected() {
		t.Fatal("expected Connected() true after Connect")
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if c.Connected() {
		t.Fatal("expected Connected() false after Close")
	}

	// Call should transparently reconnect.
	if _, err := c.Call(context.Background(), "List", nil); err != nil {
		t.Fatalf("Call after close: %v", err)
	}
}
