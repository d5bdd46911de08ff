// Package wire defines the envelope and per-type payloads exchanged between
// the orchestrator and a node over the reverse control connection.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/fleetgate/fleetgate/internal/model"
)

// Envelope is the common wrapper around every message exchanged on a
// session. Payload is left as raw JSON so a reader can inspect Type before
// deciding which concrete payload struct to unmarshal into.
type Envelope struct {
	Type    model.MessageType `json:"type"`
	NodeID  string            `json:"node_id"`
	Ts      int64             `json:"ts"`
	Seq     uint64            `json:"seq"`
	AckSeq  uint64            `json:"ack_seq"`
	Payload json.RawMessage   `json:"payload"`
}

// Decode unmarshals e.Payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

// New builds an Envelope with the given payload marshaled to JSON.
func New(typ model.MessageType, nodeID string, ts int64, seq, ackSeq uint64, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("wire: marshal %s payload: %w", typ, err)
	}
	return Envelope{
		Type:    typ,
		NodeID:  nodeID,
		Ts:      ts,
		Seq:     seq,
		AckSeq:  ackSeq,
		Payload: raw,
	}, nil
}

// ─── Per-type payloads ────────────────────────────────────────────────────

// HelloPayload is carried on a HELLO message.
type HelloPayload struct {
	Version          string   `json:"version"`
	Capabilities     []string `json:"capabilities"`
	LastJobResultSeq uint64   `json:"last_job_result_seq"`
}

// HelloAckPayload is carried on a HELLO_ACK message.
type HelloAckPayload struct {
	ServerTime string `json:"server_time"`
}

// HeartbeatPayload is carried on a HEARTBEAT message.
type HeartbeatPayload struct {
	DeviceCount int                `json:"device_count"`
	LaixiStatus model.HealthStatus `json:"laixi_status"`
	AdbStatus   model.HealthStatus `json:"adb_status"`
	CPU         float64            `json:"cpu"`
	Mem         float64            `json:"mem"`
}

// HeartbeatAckPayload is carried on a HEARTBEAT_ACK message. Always empty;
// kept as a named type so callers can extend it without touching callers.
type HeartbeatAckPayload struct{}

// JobAssignPayload is carried on a JOB_ASSIGN message.
type JobAssignPayload struct {
	JobID          string          `json:"job_id"`
	Action         model.Action    `json:"action"`
	Params         json.RawMessage `json:"params"`
	DeviceIDs      []string        `json:"device_ids"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// JobAckPayload is carried on a JOB_ACK message.
type JobAckPayload struct {
	JobID string         `json:"job_id"`
	State model.AckState `json:"state"`
}

// JobMetrics is the semi-open metrics bag on a JOB_RESULT message. At
// minimum DurationMs is populated; Extra carries action-specific fields
// (e.g. device_count for device_snapshot) without requiring a new type per
// action.
type JobMetrics struct {
	DurationMs int64          `json:"duration_ms"`
	Extra      map[string]any `json:"-"`
}

// MarshalJSON flattens Extra alongside duration_ms so the wire payload stays
// a single flat object with duration_ms always present.
func (m JobMetrics) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Extra)+1)
	for k, v := range m.Extra {
		out[k] = v
	}
	out["duration_ms"] = m.DurationMs
	return json.Marshal(out)
}

// UnmarshalJSON parses duration_ms into the typed field and everything else
// into Extra.
func (m *JobMetrics) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if v, ok := raw["duration_ms"]; ok {
		if f, ok := v.(float64); ok {
			m.DurationMs = int64(f)
		}
		delete(raw, "duration_ms")
	}
	m.Extra = raw
	return nil
}

// JobResultPayload is carried on a JOB_RESULT message.
type JobResultPayload struct {
	JobID   string            `json:"job_id"`
	State   model.ResultState `json:"state"`
	Metrics JobMetrics        `json:"metrics"`
	Error   *string           `json:"error"`
}

// ServerShutdownPayload is carried on a SERVER_SHUTDOWN message. Always
// empty.
type ServerShutdownPayload struct{}
