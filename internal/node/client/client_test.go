package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fleetgate/fleetgate/internal/model"
	"github.com/fleetgate/fleetgate/internal/wire"
)

func TestNextBackoffDoublesUntilCap(t *testing.T) {
	d := backoffBase
	for i := 0; i < 10; i++ {
		d = nextBackoff(d)
	}
	if d != backoffCap {
		t.Errorf("expected backoff to saturate at cap %v, got %v", backoffCap, d)
	}
}

func TestJitterStaysWithinBand(t *testing.T) {
	base := 10 * time.Second
	lower := time.Duration(float64(base) * (1 - jitterFrac))
	upper := time.Duration(float64(base) * (1 + jitterFrac))

	for i := 0; i < 50; i++ {
		j := jitter(base)
		if j < lower || j > upper {
			t.Fatalf("jitter(%v) = %v, outside [%v, %v]", base, j, lower, upper)
		}
	}
}

var testUpgrader = websocket.Upgrader{}

func newFakeOrchestrator(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_, body, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env wire.Envelope
		if err := json.Unmarshal(body, &env); err != nil || env.Type != model.MsgHello {
			return
		}

		ack, _ := wire.New(model.MsgHelloAck, env.NodeID, time.Now().Unix(), 1, env.Seq, wire.HelloAckPayload{})
		ackBody, _ := json.Marshal(ack)
		_ = conn.WriteMessage(websocket.TextMessage, ackBody)

		// Keep the socket open briefly so the client's read doesn't error
		// before the test finishes asserting on the handshake outcome.
		time.Sleep(200 * time.Millisecond)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHandshakeSucceeds(t *testing.T) {
	srv := newFakeOrchestrator(t)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	c := New(Config{GatewayURL: wsURL, NodeID: "node-1", Version: "1.0"}, nil, zap.NewNop())
	if err := c.handshake(context.Background(), conn); err != nil {
		t.Fatalf("handshake: %v", err)
	}

	// handshake establishes c.send; SendHeartbeat should now succeed rather
	// than hitting the "not connected" error path.
	if err := c.SendHeartbeat(wire.HeartbeatPayload{}); err != nil {
		t.Errorf("SendHeartbeat after handshake: %v", err)
	}
}
