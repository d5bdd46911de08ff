// Package session implements the orchestrator's connection registry: the
// mapping from node-id to its one live session.
package session

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fleetgate/fleetgate/internal/model"
	"github.com/fleetgate/fleetgate/internal/wire"
)

// Transport is the minimal surface a session needs from its underlying
// connection. Keeping the registry decoupled from the concrete transport
// (gorilla/websocket) lets it be tested with a fake.
type Transport interface {
	// Send writes an envelope to the peer. Implementations must serialize
	// concurrent calls themselves — one writer per transport.
	Send(e wire.Envelope) error
	// Close terminates the transport with a human-readable reason.
	Close(reason string) error
}

// Session is the live communication context for one node-id.
type Session struct {
	NodeID      string
	Transport   Transport
	ConnectedAt time.Time

	mu            sync.RWMutex
	state         model.SessionState
	lastHeartbeat time.Time
	deviceCount   int
	laixiStatus   model.HealthStatus
	adbStatus     model.HealthStatus
	cpu           float64
	mem           float64
	sendSeq       uint64 // ours, strictly increasing
	recvSeq       uint64 // theirs, monotonically non-decreasing
}

// Snapshot is a point-in-time, lock-free copy of a Session's fields, safe to
// hand to callers outside the registry (GET /nodes, policy engine).
type Snapshot struct {
	NodeID        string
	State         model.SessionState
	ConnectedAt   time.Time
	LastHeartbeat time.Time
	DeviceCount   int
	LaixiStatus   model.HealthStatus
	AdbStatus     model.HealthStatus
	CPU           float64
	Mem           float64
}

// Snapshot copies s's current fields under its read lock.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		NodeID:        s.NodeID,
		State:         s.state,
		ConnectedAt:   s.ConnectedAt,
		LastHeartbeat: s.lastHeartbeat,
		DeviceCount:   s.deviceCount,
		LaixiStatus:   s.laixiStatus,
		AdbStatus:     s.adbStatus,
		CPU:           s.cpu,
		Mem:           s.mem,
	}
}

// State returns the session's current lifecycle state.
func (s *Session) State() model.SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// MarkOffline transitions the session to offline. Only the policy engine's
// sweeper should call this outside of a transport-close event.
func (s *Session) MarkOffline() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = model.SessionOffline
}

// ApplyHeartbeat records a heartbeat sample and moves the session back
// online (a session already marked offline resumes online on its next
// heartbeat; other messages do not change the state).
func (s *Session) ApplyHeartbeat(p wire.HeartbeatPayload, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastHeartbeat = at
	s.deviceCount = p.DeviceCount
	s.laixiStatus = p.LaixiStatus
	s.adbStatus = p.AdbStatus
	s.cpu = p.CPU
	s.mem = p.Mem
	s.state = model.SessionOnline
}

// LastHeartbeat returns the last recorded heartbeat time.
func (s *Session) LastHeartbeat() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastHeartbeat
}

// DeviceCount returns the last recorded device count.
func (s *Session) DeviceCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deviceCount
}

// NextSendSeq allocates and returns the next outgoing sequence number.
func (s *Session) NextSendSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendSeq++
	return s.sendSeq
}

// ObserveRecvSeq records a sequence number observed from the peer, logging
// a gap at warn level without tearing down the session — a gap is
// tolerated, not fatal.
func (s *Session) ObserveRecvSeq(seq uint64, logger *zap.Logger) {
	s.mu.Lock()
	prev := s.recvSeq
	if seq > s.recvSeq {
		s.recvSeq = seq
	}
	s.mu.Unlock()

	if prev != 0 && seq != prev+1 && logger != nil {
		logger.Warn("session: sequence gap observed",
			zap.String("node_id", s.NodeID),
			zap.Uint64("expected", prev+1),
			zap.Uint64("got", seq),
		)
	}
}

// Send allocates the next send-sequence and writes an envelope whose
// ack_seq is the highest recvSeq observed so far.
func (s *Session) Send(typ model.MessageType, payload any) error {
	s.mu.RLock()
	recvSeq := s.recvSeq
	s.mu.RUnlock()

	seq := s.NextSendSeq()
	e, err := wire.New(typ, s.NodeID, time.Now().Unix(), seq, recvSeq, payload)
	if err != nil {
		return err
	}
	return s.Transport.Send(e)
}

// Registry maps node-id to its one live session. It enforces a
// single-active-session-per-node-id invariant: installing a session for a
// node-id that already has one first shuts down the old one.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	logger   *zap.Logger
}

// New builds an empty Registry.
func New(logger *zap.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		logger:   logger,
	}
}

// Install replaces any existing session for nodeID. If a prior session
// exists, it is sent SERVER_SHUTDOWN and closed before the new one is
// installed — the old session's send-sequence is discarded and the new
// session starts fresh.
func (r *Registry) Install(nodeID string, transport Transport) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.sessions[nodeID]; ok {
		r.logger.Info("session: replacing existing session", zap.String("node_id", nodeID))
		// Best-effort: a node that is replacing itself already knows it is
		// taking over, but an impostor or a stale duplicate should still be
		// told plainly before the socket is torn down.
		_ = old.Transport.Send(mustShutdownEnvelope(nodeID))
		_ = old.Transport.Close("replaced by new HELLO")
	}

	s := &Session{
		NodeID:      nodeID,
		Transport:   transport,
		ConnectedAt: time.Now(),
		state:       model.SessionOnline,
	}
	r.sessions[nodeID] = s
	return s
}

// Get returns the live session for nodeID, if any.
func (r *Registry) Get(nodeID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[nodeID]
	return s, ok
}

// Remove drops nodeID from the registry entirely (used when the session's
// transport closes; a mere heartbeat timeout only marks offline, it does
// not remove the session — see the policy sweeper).
func (r *Registry) Remove(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, nodeID)
}

// All returns a snapshot slice of every known session (online or offline).
func (r *Registry) All() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Snapshot, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Snapshot())
	}
	return out
}

// Range calls fn for every session under the registry's read lock. fn must
// not block on I/O.
func (r *Registry) Range(fn func(*Session)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		fn(s)
	}
}

// Shutdown notifies every live session with SERVER_SHUTDOWN and closes its
// transport. Used on orchestrator shutdown, alongside the router's own
// in-flight job cancellation, so node runners are told plainly rather than
// left holding a socket the orchestrator has stopped listening on.
func (r *Registry) Shutdown() {
	r.Range(func(s *Session) {
		_ = s.Send(model.MsgServerShutdown, wire.ServerShutdownPayload{})
		_ = s.Transport.Close("orchestrator shutting down")
	})
}

func mustShutdownEnvelope(nodeID string) wire.Envelope {
	e, err := wire.New(model.MsgServerShutdown, nodeID, time.Now().Unix(), 0, 0, wire.ServerShutdownPayload{})
	if err != nil {
		// ServerShutdownPayload is a fixed empty struct; marshaling it can't
		// fail in practice.
		panic(fmt.Sprintf("session: building SERVER_SHUTDOWN envelope: %v", err))
	}
	return e
}
