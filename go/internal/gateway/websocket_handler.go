package gateway

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/feltlabs/felt/go/internal/admission"
	"github.com/feltlabs/felt/go/internal/tablestore"
)

// WebSocketHandler upgrades observers onto a table's realtime stream.
// Credentials are optional: anonymous sessions receive shared snapshots
// like everyone else, they just never match a subject-targeted broadcast.
type WebSocketHandler struct {
	manager *ConnectionManager
	stores  *tablestore.Factory
	gate    *admission.Middleware
}

// NewWebSocketHandler creates the websocket entry point.
func NewWebSocketHandler(manager *ConnectionManager, stores *tablestore.Factory, gate *admission.Middleware) *WebSocketHandler {
	return &WebSocketHandler{manager: manager, stores: stores, gate: gate}
}

// Register installs the websocket route on the mux.
func (h *WebSocketHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", h.gate.RateLimitByAddr(h.handleUpgrade))
}

func (h *WebSocketHandler) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	tableID, err := uuid.Parse(r.URL.Query().Get("table_id"))
	if err != nil {
		admission.WriteError(w, http.StatusBadRequest, "validation_error", "table_id must be a uuid")
		return
	}

	// Refuse streams for tables that do not exist; subscribing to an
	// absent id would only ever deliver a removal event.
	table, err := h.stores.StoreFor(tableID).GetTable(r.Context(), tableID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if table == nil {
		admission.WriteError(w, http.StatusNotFound, "not_found", "table does not exist")
		return
	}

	subject := h.gate.MaybeAuthenticate(r)
	if err := h.manager.UpgradeConnection(w, r, subject, tableID); err != nil {
		log.Error().Err(err).Str("table_id", tableID.String()).Msg("websocket upgrade failed")
	}
}
