package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/feltlabs/felt/go/internal/admission"
	"github.com/feltlabs/felt/go/internal/models"
	"github.com/feltlabs/felt/go/internal/tablestore"
)

// maxBodyBytes bounds mutation payloads.
const maxBodyBytes = 64 * 1024

// TablesHandler serves the table REST surface.
type TablesHandler struct {
	stores           *tablestore.Factory
	gate             *admission.Middleware
	events           *ConnectionManager // optional, for subject-targeted pushes
	defaultTurnLimit int64              // ms, applied when an overwrite omits one
}

// NewTablesHandler creates the handler over the store factory. events may
// be nil when no websocket fan-out is attached.
func NewTablesHandler(stores *tablestore.Factory, gate *admission.Middleware, events *ConnectionManager, defaultTurnLimitMs int64) *TablesHandler {
	return &TablesHandler{stores: stores, gate: gate, events: events, defaultTurnLimit: defaultTurnLimitMs}
}

// Register installs the table routes on the mux.
func (h *TablesHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /tables/{tableID}", h.gate.RateLimitByAddr(h.getTable))
	mux.HandleFunc("PATCH /tables/{tableID}", h.gate.RequireAuth(h.patchTable))
	mux.HandleFunc("PUT /tables/{tableID}", h.gate.RequireAdmin(h.putTable))
	mux.HandleFunc("POST /tables/{tableID}/players", h.gate.RequireAuth(h.addPlayer))
	mux.HandleFunc("DELETE /tables/{tableID}/players/{playerID}", h.gate.RequireAuth(h.removePlayer))
	mux.HandleFunc("PATCH /tables/{tableID}/players/{playerID}", h.gate.RequireAuth(h.patchPlayer))
	mux.HandleFunc("GET /tables/{tableID}/players/{playerID}/private", h.gate.RequireAuth(h.getPrivateData))
	mux.HandleFunc("PUT /tables/{tableID}/players/{playerID}/private", h.gate.RequireAuth(h.putPrivateData))
}

// tableResponse is the GET payload: the shared snapshot, plus the caller's
// own hole cards when they hold a seat.
type tableResponse struct {
	*models.Table
	HoleCards []models.Card `json:"hole_cards,omitempty"`
}

func (h *TablesHandler) getTable(w http.ResponseWriter, r *http.Request) {
	tableID, ok := parseTableID(w, r)
	if !ok {
		return
	}

	store := h.stores.StoreFor(tableID)
	table, err := store.GetTable(r.Context(), tableID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if table == nil {
		admission.WriteError(w, http.StatusNotFound, "not_found", "table does not exist")
		return
	}

	resp := tableResponse{Table: table}
	if subject := h.gate.MaybeAuthenticate(r); subject != "" && table.IsSeated(subject) {
		private, err := store.GetPrivatePlayerData(r.Context(), tableID, subject)
		if err != nil {
			log.Warn().Err(err).Str("table_id", tableID.String()).Msg("private data lookup failed, serving shared snapshot only")
		} else if private != nil {
			resp.HoleCards = private.HoleCards
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *TablesHandler) patchTable(w http.ResponseWriter, r *http.Request, subject string) {
	tableID, ok := parseTableID(w, r)
	if !ok {
		return
	}

	var fields tablestore.FieldSet
	if !decodeBody(w, r, &fields) {
		return
	}
	if len(fields) == 0 {
		admission.WriteError(w, http.StatusBadRequest, "validation_error", "empty field set")
		return
	}
	if _, exists := fields["id"]; exists {
		admission.WriteError(w, http.StatusBadRequest, "validation_error", "id is immutable")
		return
	}

	store := h.stores.StoreFor(tableID)
	err := store.UpdateTableTransactional(r.Context(), tableID, func(t *models.Table) (tablestore.FieldSet, error) {
		if err := validateTableFields(t, fields); err != nil {
			return nil, err
		}
		return fields, nil
	})
	if err != nil {
		var verr *validationError
		if errors.As(err, &verr) {
			admission.WriteError(w, http.StatusBadRequest, "validation_error", verr.Error())
			return
		}
		writeStoreError(w, err)
		return
	}

	log.Info().
		Str("table_id", tableID.String()).
		Str("subject", subject).
		Int("fields", len(fields)).
		Msg("table updated")
	w.WriteHeader(http.StatusNoContent)
}

func (h *TablesHandler) putTable(w http.ResponseWriter, r *http.Request, subject string) {
	tableID, ok := parseTableID(w, r)
	if !ok {
		return
	}

	var table models.Table
	if !decodeBody(w, r, &table) {
		return
	}
	table.ID = tableID
	if table.TurnTimeLimitMs == 0 {
		table.TurnTimeLimitMs = h.defaultTurnLimit
	}
	if !table.Phase.Valid() {
		admission.WriteError(w, http.StatusBadRequest, "validation_error", fmt.Sprintf("unknown phase %q", table.Phase))
		return
	}

	if err := h.stores.StoreFor(tableID).ForceOverwriteTable(r.Context(), &table); err != nil {
		writeStoreError(w, err)
		return
	}

	log.Info().
		Str("table_id", tableID.String()).
		Str("subject", subject).
		Msg("table overwritten")
	w.WriteHeader(http.StatusNoContent)
}

func (h *TablesHandler) addPlayer(w http.ResponseWriter, r *http.Request, subject string) {
	tableID, ok := parseTableID(w, r)
	if !ok {
		return
	}

	var player models.Player
	if !decodeBody(w, r, &player) {
		return
	}
	// Callers seat themselves; the seat owner is always the verified subject.
	player.ID = subject
	if player.Chips < 0 {
		admission.WriteError(w, http.StatusBadRequest, "validation_error", "chips must be non-negative")
		return
	}

	if err := tablestore.AddPlayer(r.Context(), h.stores.StoreFor(tableID), tableID, player); err != nil {
		switch {
		case errors.Is(err, tablestore.ErrTableFull):
			admission.WriteError(w, http.StatusConflict, "table_full", "no free seats")
		case errors.Is(err, tablestore.ErrAlreadySeated):
			admission.WriteError(w, http.StatusConflict, "already_seated", "player already holds a seat")
		default:
			writeStoreError(w, err)
		}
		return
	}

	log.Info().
		Str("table_id", tableID.String()).
		Str("player_id", subject).
		Msg("player seated")
	w.WriteHeader(http.StatusCreated)
}

func (h *TablesHandler) removePlayer(w http.ResponseWriter, r *http.Request, subject string) {
	tableID, ok := parseTableID(w, r)
	if !ok {
		return
	}
	playerID := r.PathValue("playerID")
	if playerID != subject {
		admission.WriteError(w, http.StatusForbidden, "auth/forbidden", "players may only unseat themselves")
		return
	}

	if err := tablestore.RemovePlayer(r.Context(), h.stores.StoreFor(tableID), tableID, playerID); err != nil {
		writeStoreError(w, err)
		return
	}

	log.Info().
		Str("table_id", tableID.String()).
		Str("player_id", playerID).
		Msg("player unseated")
	w.WriteHeader(http.StatusNoContent)
}

func (h *TablesHandler) patchPlayer(w http.ResponseWriter, r *http.Request, subject string) {
	tableID, ok := parseTableID(w, r)
	if !ok {
		return
	}
	playerID := r.PathValue("playerID")
	if playerID != subject {
		admission.WriteError(w, http.StatusForbidden, "auth/forbidden", "players may only update their own seat")
		return
	}

	var fields tablestore.FieldSet
	if !decodeBody(w, r, &fields) {
		return
	}
	if len(fields) == 0 {
		admission.WriteError(w, http.StatusBadRequest, "validation_error", "empty field set")
		return
	}

	if err := tablestore.UpdatePlayerFields(r.Context(), h.stores.StoreFor(tableID), tableID, playerID, fields); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// privateDataAccess enforces the ownership boundary: per-player records are
// visible to the owning subject and to administrators, nobody else.
func (h *TablesHandler) privateDataAccess(w http.ResponseWriter, r *http.Request, subject string) (uuid.UUID, string, bool) {
	tableID, ok := parseTableID(w, r)
	if !ok {
		return uuid.Nil, "", false
	}
	playerID := r.PathValue("playerID")
	if playerID != subject && !h.gate.IsAdmin(subject) {
		admission.WriteError(w, http.StatusForbidden, "auth/forbidden", "private data belongs to another player")
		return uuid.Nil, "", false
	}
	return tableID, playerID, true
}

func (h *TablesHandler) getPrivateData(w http.ResponseWriter, r *http.Request, subject string) {
	tableID, playerID, ok := h.privateDataAccess(w, r, subject)
	if !ok {
		return
	}

	private, err := h.stores.StoreFor(tableID).GetPrivatePlayerData(r.Context(), tableID, playerID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if private == nil {
		admission.WriteError(w, http.StatusNotFound, "not_found", "no private data for this player")
		return
	}

	writeJSON(w, http.StatusOK, private)
}

func (h *TablesHandler) putPrivateData(w http.ResponseWriter, r *http.Request, subject string) {
	tableID, playerID, ok := h.privateDataAccess(w, r, subject)
	if !ok {
		return
	}

	var data models.PrivatePlayerData
	if !decodeBody(w, r, &data) {
		return
	}
	// The path owns the identity; the body cannot redirect the record.
	data.TableID = tableID
	data.PlayerID = playerID

	if err := h.stores.StoreFor(tableID).SetPrivatePlayerData(r.Context(), &data); err != nil {
		writeStoreError(w, err)
		return
	}

	if h.events != nil {
		if event, err := newPrivateDataEvent(&data); err != nil {
			log.Error().Err(err).Str("table_id", tableID.String()).Msg("failed to build private data event")
		} else {
			h.events.BroadcastToSubject(tableID, playerID, event)
		}
	}

	log.Info().
		Str("table_id", tableID.String()).
		Str("player_id", playerID).
		Str("subject", subject).
		Msg("private data updated")
	w.WriteHeader(http.StatusNoContent)
}

// validationError marks transform rejections so they surface as 400s
// instead of store failures.
type validationError struct {
	msg string
}

func (e *validationError) Error() string { return e.msg }

func invalid(format string, args ...any) error {
	return &validationError{msg: fmt.Sprintf(format, args...)}
}

// validateTableFields checks a merge against the current snapshot: phase
// transitions must be legal and monetary fields non-negative.
func validateTableFields(t *models.Table, fields tablestore.FieldSet) error {
	if raw, exists := fields["phase"]; exists {
		str, ok := raw.(string)
		if !ok {
			return invalid("phase must be a string")
		}
		next := models.Phase(str)
		if !t.Phase.CanAdvanceTo(next) {
			return invalid("illegal phase transition %s -> %s", t.Phase, next)
		}
	}
	for _, name := range []string{"pot", "current_bet", "min_raise", "small_blind", "big_blind"} {
		raw, exists := fields[name]
		if !exists {
			continue
		}
		num, ok := raw.(float64)
		if !ok {
			return invalid("%s must be a number", name)
		}
		if num < 0 {
			return invalid("%s must be non-negative", name)
		}
	}
	return nil
}

func parseTableID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("tableID"))
	if err != nil {
		admission.WriteError(w, http.StatusBadRequest, "validation_error", "table id must be a uuid")
		return uuid.Nil, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		admission.WriteError(w, http.StatusBadRequest, "validation_error", "unreadable request body")
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		admission.WriteError(w, http.StatusBadRequest, "validation_error", "malformed JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

// writeStoreError maps store sentinels onto the HTTP error surface.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, tablestore.ErrNotFound):
		admission.WriteError(w, http.StatusNotFound, "not_found", "table does not exist")
	case errors.Is(err, tablestore.ErrTransactionConflict):
		admission.WriteError(w, http.StatusConflict, "transaction_conflict", "concurrent update, retry")
	case errors.Is(err, tablestore.ErrStoreUnavailable):
		admission.WriteError(w, http.StatusServiceUnavailable, "store_unavailable", "backend temporarily unavailable")
	default:
		log.Error().Err(err).Msg("unhandled store error")
		admission.WriteError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}
