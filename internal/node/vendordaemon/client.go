// Package vendordaemon implements the node's connection to the local
// vendor control daemon. The daemon's own internals are out of scope; this
// package only specifies the thin JSON command protocol the node executor
// speaks to reach it, with a single connection per node guarded by an
// exclusion so two workers never interleave requests on the shared socket.
package vendordaemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrUnavailable wraps any failure to reach or exchange a command with the
// daemon (dial failure, write failure, read failure) so callers — notably
// the executor deciding whether to count a consecutive self-heal failure —
// can distinguish "the daemon itself rejected the command" (an unwrapped
// error carrying the daemon's own message) from "we couldn't talk to it at
// all".
var ErrUnavailable = errors.New("vendordaemon: unavailable")

// DefaultCommandTimeout bounds a single command round-trip while awaiting
// the vendor daemon's reply.
const DefaultCommandTimeout = 10 * time.Second

// command is the request frame sent to the daemon.
type command struct {
	Verb string         `json:"verb"`
	Args map[string]any `json:"args,omitempty"`
}

// reply is the response frame read back from the daemon.
type reply struct {
	Result map[string]any `json:"result"`
	Error  string         `json:"error,omitempty"`
}

// Client holds the single connection to the vendor daemon for one node.
// Every exported method is safe for concurrent use — calls serialize on mu
// so two job workers never interleave frames on the shared socket.
type Client struct {
	url    string
	logger *zap.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// New builds a Client targeting the daemon's WebSocket endpoint
// (LAIXI_WS_URL). The connection is established lazily on first Call or
// explicitly via Connect.
func New(url string, logger *zap.Logger) *Client {
	return &Client{url: url, logger: logger}
}

// Connect dials the daemon. Safe to call when already connected — it is a
// no-op in that case.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}
	dialer := websocket.Dialer{HandshakeTimeout: DefaultCommandTimeout}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", ErrUnavailable, c.url, err)
	}
	c.conn = conn
	return nil
}

// Status reports the daemon's liveness for heartbeat purposes: "ok" if a
// live connection exists or a fresh connect attempt succeeds, "not_running"
// if it cannot be reached at all.
func (c *Client) Status(ctx context.Context) string {
	if c.Connected() {
		return "ok"
	}
	if err := c.Connect(ctx); err != nil {
		return "not_running"
	}
	return "ok"
}

// Connected reports whether the client currently holds a live connection.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Close terminates the connection, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *Client) closeLocked() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Call sends one command and waits for its reply, reconnecting first if
// the connection has dropped. The mutex hold spans the entire round trip,
// which is the exclusion this package promises its callers.
func (c *Client) Call(ctx context.Context, verb string, args map[string]any) (map[string]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connectLocked(ctx); err != nil {
		return nil, err
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(DefaultCommandTimeout)
	}
	_ = c.conn.SetWriteDeadline(deadline)
	_ = c.conn.SetReadDeadline(deadline)

	if err := c.conn.WriteJSON(command{Verb: verb, Args: args}); err != nil {
		c.closeLocked()
		return nil, fmt.Errorf("%w: write %s: %v", ErrUnavailable, verb, err)
	}

	var r reply
	if err := c.conn.ReadJSON(&r); err != nil {
		c.closeLocked()
		return nil, fmt.Errorf("%w: read reply to %s: %v", ErrUnavailable, verb, err)
	}
	if r.Error != "" {
		return nil, fmt.Errorf("vendordaemon: %s: %s", verb, r.Error)
	}
	return r.Result, nil
}

// Raw marshals args for callers that need to log the exact bytes sent
// (diagnostics only, never used on the hot path).
func Raw(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("<unmarshalable: %v>", err)
	}
	return string(b)
}
