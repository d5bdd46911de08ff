// Package transport implements the orchestrator's listener and handshake:
// accepting a new WebSocket transport, awaiting HELLO, and dispatching
// post-handshake traffic to the session and router.
package transport

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fleetgate/fleetgate/internal/model"
	"github.com/fleetgate/fleetgate/internal/orchestrator/router"
	"github.com/fleetgate/fleetgate/internal/orchestrator/session"
	"github.com/fleetgate/fleetgate/internal/wire"
)

// Close codes carrying intent to the node on the way out.
const (
	CloseHelloTimeout  = 4001
	CloseExpectedHello = 4002
	CloseMissingNodeID = 4003
)

// helloTimeout is how long the listener waits for a HELLO after upgrade.
const helloTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Node runners are not browsers; origin enforcement belongs to the
		// TLS-terminating edge in front of the orchestrator, not here.
		return true
	},
}

// Listener accepts node-initiated sessions over HTTP-upgraded WebSocket
// connections.
type Listener struct {
	Registry *session.Registry
	Router   *router.Router
	Logger   *zap.Logger
}

// New builds a Listener.
func New(registry *session.Registry, rt *router.Router, logger *zap.Logger) *Listener {
	return &Listener{Registry: registry, Router: rt, Logger: logger}
}

// ServeHTTP upgrades the request to a WebSocket and runs the session for as
// long as the connection lives. It never returns until the session ends.
func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.Logger.Warn("transport: upgrade failed", zap.Error(err))
		return
	}
	ws.SetReadLimit(maxMessageSize)

	sess, c, ok := l.handshake(ws)
	if !ok {
		return
	}

	go c.writePump()
	l.readPump(sess, c)
}

// handshake awaits HELLO and installs the session, or closes the transport
// with the appropriate close code. Returns ok=false if the handshake did
// not complete.
func (l *Listener) handshake(ws *websocket.Conn) (*session.Session, *conn, bool) {
	_ = ws.SetReadDeadline(time.Now().Add(helloTimeout))
	_, body, err := ws.ReadMessage()
	if err != nil {
		l.closeWith(ws, CloseHelloTimeout, "HELLO timeout")
		return nil, nil, false
	}

	var env wire.Envelope
	if jsonErr := json.Unmarshal(body, &env); jsonErr != nil || env.Type != model.MsgHello {
		l.closeWith(ws, CloseExpectedHello, "Expected HELLO")
		return nil, nil, false
	}

	if env.NodeID == "" {
		l.closeWith(ws, CloseMissingNodeID, "missing node_id")
		return nil, nil, false
	}

	var hello wire.HelloPayload
	_ = env.Decode(&hello)

	c := newConn(ws, l.Logger)
	sess := l.Registry.Install(env.NodeID, c)
	sess.ObserveRecvSeq(env.Seq, l.Logger)

	ack := wire.HelloAckPayload{ServerTime: time.Now().UTC().Format(time.RFC3339)}
	if err := sess.Send(model.MsgHelloAck, ack); err != nil {
		l.Logger.Warn("transport: failed to send HELLO_ACK", zap.Error(err), zap.String("node_id", env.NodeID))
	}

	l.Logger.Info("transport: session established",
		zap.String("node_id", env.NodeID),
		zap.String("version", hello.Version),
		zap.Strings("capabilities", hello.Capabilities),
	)

	return sess, c, true
}

func (l *Listener) closeWith(ws *websocket.Conn, code int, reason string) {
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	_ = ws.Close()
}

// readPump reads frames from the transport for the lifetime of the session
// and dispatches them by message type.
func (l *Listener) readPump(sess *session.Session, c *conn) {
	defer func() {
		c.Close("transport closed")
		// Only remove the registry entry if this is still the session we
		// installed — a HELLO-replacement may have already swapped it out
		// for a newer one, which must not be evicted by the old readPump's
		// cleanup.
		if cur, ok := l.Registry.Get(sess.NodeID); ok && cur == sess {
			l.Registry.Remove(sess.NodeID)
		}
	}()

	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(readDeadline))
	})
	_ = c.ws.SetReadDeadline(time.Now().Add(readDeadline))

	for {
		_, body, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				l.Logger.Warn("transport: unexpected close", zap.Error(err), zap.String("node_id", sess.NodeID))
			}
			return
		}

		var env wire.Envelope
		if err := json.Unmarshal(body, &env); err != nil {
			l.Logger.Warn("transport: malformed envelope", zap.Error(err), zap.String("node_id", sess.NodeID))
			continue
		}
		sess.ObserveRecvSeq(env.Seq, l.Logger)
		l.dispatch(sess, env)
	}
}

func (l *Listener) dispatch(sess *session.Session, env wire.Envelope) {
	switch env.Type {
	case model.MsgHeartbeat:
		var p wire.HeartbeatPayload
		if err := env.Decode(&p); err != nil {
			l.Logger.Warn("transport: malformed HEARTBEAT", zap.Error(err), zap.String("node_id", sess.NodeID))
			return
		}
		prevCount := sess.DeviceCount()
		sess.ApplyHeartbeat(p, time.Now())
		checkDeviceDrop(l.Logger, sess.NodeID, prevCount, p.DeviceCount)

	case model.MsgJobAck:
		var p wire.JobAckPayload
		if err := env.Decode(&p); err != nil {
			l.Logger.Warn("transport: malformed JOB_ACK", zap.Error(err), zap.String("node_id", sess.NodeID))
			return
		}
		l.Router.HandleJobAck(sess.NodeID, p)

	case model.MsgJobResult:
		var p wire.JobResultPayload
		if err := env.Decode(&p); err != nil {
			l.Logger.Warn("transport: malformed JOB_RESULT", zap.Error(err), zap.String("node_id", sess.NodeID))
			return
		}
		l.Router.HandleJobResult(sess.NodeID, p)

	case model.MsgHello:
		// A duplicate HELLO on an already-established connection is not the
		// replacement path (that happens at Upgrade time on a new
		// transport) — log and ignore, same as any other unexpected message
		// type post-handshake.
		l.Logger.Warn("transport: unexpected HELLO on live session", zap.String("node_id", sess.NodeID))

	default:
		l.Logger.Warn("transport: unknown message type", zap.String("type", string(env.Type)), zap.String("node_id", sess.NodeID))
	}
}

// deviceDropThreshold is the relative drop in device-count between
// consecutive heartbeats that triggers a warning.
const deviceDropThreshold = 0.10

func checkDeviceDrop(logger *zap.Logger, nodeID string, prev, curr int) {
	if prev <= 0 || curr >= prev {
		return
	}
	delta := float64(prev-curr) / float64(prev)
	if delta >= deviceDropThreshold {
		logger.Warn("policy: device-count drop detected",
			zap.String("node_id", nodeID),
			zap.Int("previous", prev),
			zap.Int("current", curr),
			zap.Float64("delta", delta),
		)
	}
}
