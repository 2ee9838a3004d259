package gateway

import (
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/feltlabs/felt/go/internal/admission"
)

// ConnectionsHandler is the administrative surface over the session
// transport. Every action is a POST so intermediaries never cache results.
type ConnectionsHandler struct {
	lifecycle *LifecycleManager
	gate      *admission.Middleware
	clock     clockwork.Clock
}

// NewConnectionsHandler creates the admin handler.
func NewConnectionsHandler(lifecycle *LifecycleManager, gate *admission.Middleware, clock clockwork.Clock) *ConnectionsHandler {
	return &ConnectionsHandler{lifecycle: lifecycle, gate: gate, clock: clock}
}

// Register installs the admin route on the mux.
func (h *ConnectionsHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /connections", h.gate.RequireAdmin(h.handleAction))
}

type connectionsRequest struct {
	Action string `json:"action"`
}

// countResponse is the wire shape for count and refresh: the reported
// session count plus the idle buckets.
type countResponse struct {
	Count       int          `json:"count"`
	Stats       bucketCounts `json:"stats"`
	Discrepancy bool         `json:"discrepancy"`
}

type bucketCounts struct {
	Recent int `json:"recent"`
	Medium int `json:"medium"`
	Old    int `json:"old"`
}

func newCountResponse(stats LifecycleStats) countResponse {
	return countResponse{
		Count: stats.ReportedCount,
		Stats: bucketCounts{
			Recent: stats.Recent,
			Medium: stats.Medium,
			Old:    stats.Old,
		},
		Discrepancy: stats.Discrepancy,
	}
}

type clearResponse struct {
	Count       int      `json:"count"`
	Connections []string `json:"connections"`
}

type debugSession struct {
	Path        string  `json:"path"`
	TableID     string  `json:"table_id"`
	IdleSeconds float64 `json:"idle_seconds"`
}

func (h *ConnectionsHandler) handleAction(w http.ResponseWriter, r *http.Request, subject string) {
	var req connectionsRequest
	if !decodeBody(w, r, &req) {
		return
	}

	log.Info().
		Str("action", req.Action).
		Str("subject", subject).
		Msg("connections admin action")

	switch req.Action {
	case "count":
		writeJSON(w, http.StatusOK, newCountResponse(h.lifecycle.Stats()))

	case "clear":
		closed, _ := h.lifecycle.ClearAll()
		if closed == nil {
			closed = []string{}
		}
		writeJSON(w, http.StatusOK, clearResponse{Count: len(closed), Connections: closed})

	case "refresh":
		writeJSON(w, http.StatusOK, newCountResponse(h.lifecycle.ForceFullRefresh(r.Context())))

	case "debug":
		now := h.clock.Now()
		sessions := h.lifecycle.Snapshot()
		out := make([]debugSession, 0, len(sessions))
		for _, s := range sessions {
			out = append(out, debugSession{
				Path:        s.Path,
				TableID:     s.TableID.String(),
				IdleSeconds: now.Sub(s.LastActivity).Round(time.Millisecond).Seconds(),
			})
		}
		writeJSON(w, http.StatusOK, out)

	default:
		admission.WriteError(w, http.StatusBadRequest, "validation_error", "action must be one of count, clear, refresh, debug")
	}
}
