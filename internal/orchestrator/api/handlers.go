package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/fleetgate/fleetgate/internal/model"
	"github.com/fleetgate/fleetgate/internal/orchestrator/router"
	"github.com/fleetgate/fleetgate/internal/orchestrator/session"
)

type commandRequest struct {
	NodeID   string          `json:"node_id"`
	Action   model.Action    `json:"action"`
	DeviceID string          `json:"device_id"`
	Params   json.RawMessage `json:"params"`
}

// handleCommand implements POST /command, mapping 1-to-1 to Router.Submit.
func handleCommand(rt *router.Router) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req commandRequest
		if err := decodeJSON(w, r, &req); err != nil {
			errBadRequest(w, "malformed request body: "+err.Error())
			return
		}
		if req.NodeID == "" || req.Action == "" {
			errBadRequest(w, "node_id and action are required")
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), router.DefaultAckDeadline+router.DefaultResultDeadline+5*time.Second)
		defer cancel()

		jobID, result, err := rt.Submit(ctx, req.NodeID, req.Action, req.Params, req.DeviceID)
		if err != nil {
			writeJSON(w, http.StatusOK, envelope{
				"success":    false,
				"command_id": jobID,
				"error":      err.Error(),
			})
			return
		}

		writeJSON(w, http.StatusOK, envelope{
			"success":    true,
			"command_id": jobID,
			"result":     result,
		})
	}
}

type nodeView struct {
	NodeID        string    `json:"node_id"`
	Status        string    `json:"status"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastHeartbeat time.Time `json:"last_heartbeat,omitempty"`
	DeviceCount   int       `json:"device_count"`
}

// handleNodes implements GET /nodes.
func handleNodes(registry *session.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snaps := registry.All()
		out := make([]nodeView, 0, len(snaps))
		for _, s := range snaps {
			out = append(out, nodeView{
				NodeID:        s.NodeID,
				Status:        string(s.State),
				ConnectedAt:   s.ConnectedAt,
				LastHeartbeat: s.LastHeartbeat,
				DeviceCount:   s.DeviceCount,
			})
		}
		writeJSON(w, http.StatusOK, envelope{"nodes": out})
	}
}

// handleHealth implements GET /health: a liveness probe.
func handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, envelope{"status": "ok"})
	}
}
