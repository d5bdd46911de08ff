package transport

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fleetgate/fleetgate/internal/wire"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second

	// pingPeriod is how often the orchestrator pings a node.
	pingPeriod = 20 * time.Second

	// pongGrace is how long after a ping the orchestrator waits for the
	// corresponding pong before it terminates the transport. The read
	// deadline is always pingPeriod + pongGrace from the last pong/HELLO, so
	// a node has a full ping cycle plus its grace window before being cut
	// off.
	pongGrace = 10 * time.Second

	readDeadline = pingPeriod + pongGrace

	maxMessageSize = 1 << 16

	sendBufferSize = 64
)

// conn wraps one gorilla/websocket connection. It is the orchestrator-side
// implementation of session.Transport: a single writer goroutine
// serializes all outgoing frames (application envelopes and pings alike)
// so nothing ever writes to the socket concurrently.
type conn struct {
	ws     *websocket.Conn
	send   chan wire.Envelope
	logger *zap.Logger

	closeOnce sync.Once
	closed    chan struct{}
}

func newConn(ws *websocket.Conn, logger *zap.Logger) *conn {
	return &conn{
		ws:     ws,
		send:   make(chan wire.Envelope, sendBufferSize),
		logger: logger,
		closed: make(chan struct{}),
	}
}

// Send implements session.Transport.
func (c *conn) Send(e wire.Envelope) error {
	select {
	case c.send <- e:
		return nil
	case <-c.closed:
		return fmt.Errorf("transport: connection closed")
	default:
		return fmt.Errorf("transport: send buffer full, peer too slow")
	}
}

// Close implements session.Transport.
func (c *conn) Close(reason string) error {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
			time.Now().Add(writeWait))
		_ = c.ws.Close()
	})
	return nil
}

// writePump is the connection's only writer goroutine. It forwards queued
// envelopes to the wire and sends periodic pings.
func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case e, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			body, err := json.Marshal(e)
			if err != nil {
				c.logger.Error("transport: marshal outgoing envelope", zap.Error(err))
				continue
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, body); err != nil {
				c.logger.Warn("transport: write error", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Warn("transport: ping error", zap.Error(err))
				return
			}
		case <-c.closed:
			return
		}
	}
}
