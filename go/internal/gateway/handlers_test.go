package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/feltlabs/felt/go/internal/admission"
	"github.com/feltlabs/felt/go/internal/models"
	"github.com/feltlabs/felt/go/internal/tablestore"
)

func testGate(t *testing.T, admins ...string) *admission.Middleware {
	t.Helper()
	verifier := admission.StaticVerifier{
		"alice-token": "alice",
		"bob-token":   "bob",
		"root-token":  "root",
	}
	limiter := admission.NewRateLimiter(admission.DefaultRateLimitConfig(), clockwork.NewFakeClock())
	return admission.NewMiddleware(verifier, limiter, admins)
}

func testMux(t *testing.T, store tablestore.Store, gate *admission.Middleware) *http.ServeMux {
	t.Helper()
	factory, err := tablestore.NewFactory(tablestore.ModeMemory, map[tablestore.Mode]tablestore.Store{
		tablestore.ModeMemory: store,
	})
	if err != nil {
		t.Fatalf("NewFactory: %v", err)
	}
	mux := http.NewServeMux()
	NewTablesHandler(factory, gate, nil, 45000).Register(mux)
	return mux
}

func seedTable(t *testing.T, store tablestore.Store, table *models.Table) {
	t.Helper()
	if err := store.ForceOverwriteTable(context.Background(), table); err != nil {
		t.Fatalf("seed table: %v", err)
	}
}

func gameTable(id uuid.UUID) *models.Table {
	now := time.Now().UTC()
	return &models.Table{
		ID:         id,
		Name:       "midnight",
		Phase:      models.PhaseFlop,
		Pot:        150,
		MaxPlayers: 6,
		Players: []models.Player{
			{ID: "alice", DisplayName: "Alice", Chips: 500, Seat: 0, IsActive: true},
			{ID: "bob", DisplayName: "Bob", Chips: 480, Seat: 1, IsActive: true},
		},
		RoundBets:      map[string]int64{},
		HandInProgress: true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func doJSON(mux *http.ServeMux, method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestGetTableMergesOwnHoleCards(t *testing.T) {
	store := tablestore.NewMemoryStore()
	defer store.Close()
	id := uuid.New()
	seedTable(t, store, gameTable(id))
	if err := store.SetPrivatePlayerData(context.Background(), &models.PrivatePlayerData{
		TableID:   id,
		PlayerID:  "alice",
		HoleCards: []models.Card{"Ah", "Kd"},
	}); err != nil {
		t.Fatalf("SetPrivatePlayerData: %v", err)
	}
	mux := testMux(t, store, testGate(t))

	// Seated caller sees their own cards.
	rec := doJSON(mux, http.MethodGet, "/tables/"+id.String(), "alice-token", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var withCards tableResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &withCards); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(withCards.HoleCards) != 2 {
		t.Fatalf("hole_cards = %v, want alice's two cards", withCards.HoleCards)
	}

	// Anonymous caller gets the shared snapshot only.
	rec = doJSON(mux, http.MethodGet, "/tables/"+id.String(), "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var anon tableResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &anon); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(anon.HoleCards) != 0 {
		t.Fatalf("anonymous response leaked hole cards: %v", anon.HoleCards)
	}
}

func TestGetTableNotFound(t *testing.T) {
	store := tablestore.NewMemoryStore()
	defer store.Close()
	mux := testMux(t, store, testGate(t))

	rec := doJSON(mux, http.MethodGet, "/tables/"+uuid.NewString(), "", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal error body: %v", err)
	}
	if body["code"] != "not_found" {
		t.Fatalf("code = %q, want not_found", body["code"])
	}
}

func TestGetTableRejectsBadID(t *testing.T) {
	store := tablestore.NewMemoryStore()
	defer store.Close()
	mux := testMux(t, store, testGate(t))

	rec := doJSON(mux, http.MethodGet, "/tables/not-a-uuid", "", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestPatchTableLegalPhaseAdvance(t *testing.T) {
	store := tablestore.NewMemoryStore()
	defer store.Close()
	id := uuid.New()
	seedTable(t, store, gameTable(id))
	mux := testMux(t, store, testGate(t))

	rec := doJSON(mux, http.MethodPatch, "/tables/"+id.String(), "alice-token",
		`{"phase":"turn","pot":200}`)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}

	table, err := store.GetTable(context.Background(), id)
	if err != nil {
		t.Fatalf("GetTable: %v", err)
	}
	if table.Phase != models.PhaseTurn || table.Pot != 200 {
		t.Fatalf("phase/pot = %s/%d, want turn/200", table.Phase, table.Pot)
	}
}

func TestPatchTableRejectsPhaseSkip(t *testing.T) {
	store := tablestore.NewMemoryStore()
	defer store.Close()
	id := uuid.New()
	seedTable(t, store, gameTable(id)) // flop
	mux := testMux(t, store, testGate(t))

	rec := doJSON(mux, http.MethodPatch, "/tables/"+id.String(), "alice-token",
		`{"phase":"showdown"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for flop -> showdown", rec.Code)
	}

	// Reset to waiting is always legal.
	rec = doJSON(mux, http.MethodPatch, "/tables/"+id.String(), "alice-token",
		`{"phase":"waiting"}`)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204 for reset to waiting", rec.Code)
	}
}

func TestPatchTableRejectsNegativeAmounts(t *testing.T) {
	store := tablestore.NewMemoryStore()
	defer store.Close()
	id := uuid.New()
	seedTable(t, store, gameTable(id))
	mux := testMux(t, store, testGate(t))

	rec := doJSON(mux, http.MethodPatch, "/tables/"+id.String(), "alice-token",
		`{"pot":-50}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for negative pot", rec.Code)
	}
}

func TestPatchTableRequiresAuth(t *testing.T) {
	store := tablestore.NewMemoryStore()
	defer store.Close()
	id := uuid.New()
	seedTable(t, store, gameTable(id))
	mux := testMux(t, store, testGate(t))

	rec := doJSON(mux, http.MethodPatch, "/tables/"+id.String(), "", `{"pot":10}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestPutTableAdminOnly(t *testing.T) {
	store := tablestore.NewMemoryStore()
	defer store.Close()
	id := uuid.New()
	mux := testMux(t, store, testGate(t, "root"))

	body, _ := json.Marshal(gameTable(id))

	rec := doJSON(mux, http.MethodPut, "/tables/"+id.String(), "alice-token", string(body))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d for non-admin, want 403", rec.Code)
	}

	rec = doJSON(mux, http.MethodPut, "/tables/"+id.String(), "root-token", string(body))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d for admin, body %s", rec.Code, rec.Body)
	}

	table, err := store.GetTable(context.Background(), id)
	if err != nil || table == nil {
		t.Fatalf("table after overwrite: %v, %v", table, err)
	}
}

func TestPlayerRoutesSeatAndUnseat(t *testing.T) {
	store := tablestore.NewMemoryStore()
	defer store.Close()
	id := uuid.New()
	table := gameTable(id)
	table.Players = nil
	seedTable(t, store, table)
	mux := testMux(t, store, testGate(t))

	rec := doJSON(mux, http.MethodPost, "/tables/"+id.String()+"/players", "alice-token",
		`{"display_name":"Alice","chips":500}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("join status = %d, body %s", rec.Code, rec.Body)
	}

	// Same subject joining twice conflicts.
	rec = doJSON(mux, http.MethodPost, "/tables/"+id.String()+"/players", "alice-token",
		`{"display_name":"Alice","chips":500}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("rejoin status = %d, want 409", rec.Code)
	}

	// A player cannot unseat someone else.
	rec = doJSON(mux, http.MethodDelete, "/tables/"+id.String()+"/players/alice", "bob-token", "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("cross-unseat status = %d, want 403", rec.Code)
	}

	rec = doJSON(mux, http.MethodDelete, "/tables/"+id.String()+"/players/alice", "alice-token", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("unseat status = %d, body %s", rec.Code, rec.Body)
	}

	got, err := store.GetTable(context.Background(), id)
	if err != nil {
		t.Fatalf("GetTable: %v", err)
	}
	if len(got.Players) != 0 {
		t.Fatalf("players = %v, want empty", got.Players)
	}
}

func TestPatchPlayerUpdatesOwnSeat(t *testing.T) {
	store := tablestore.NewMemoryStore()
	defer store.Close()
	id := uuid.New()
	seedTable(t, store, gameTable(id))
	mux := testMux(t, store, testGate(t))

	rec := doJSON(mux, http.MethodPatch, "/tables/"+id.String()+"/players/alice", "alice-token",
		`{"has_folded":true}`)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}

	got, err := store.GetTable(context.Background(), id)
	if err != nil {
		t.Fatalf("GetTable: %v", err)
	}
	if p := got.PlayerByID("alice"); p == nil || !p.HasFolded {
		t.Fatalf("player = %+v, want folded", p)
	}
}

func TestPrivateDataRoundTrip(t *testing.T) {
	store := tablestore.NewMemoryStore()
	defer store.Close()
	id := uuid.New()
	seedTable(t, store, gameTable(id))
	mux := testMux(t, store, testGate(t))

	path := "/tables/" + id.String() + "/players/alice/private"

	// Nothing stored yet.
	rec := doJSON(mux, http.MethodGet, path, "alice-token", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get before put status = %d, want 404", rec.Code)
	}

	rec = doJSON(mux, http.MethodPut, path, "alice-token",
		`{"hole_cards":["Ah","Kd"]}`)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("put status = %d, body %s", rec.Code, rec.Body)
	}

	rec = doJSON(mux, http.MethodGet, path, "alice-token", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d, body %s", rec.Code, rec.Body)
	}
	var data models.PrivatePlayerData
	if err := json.Unmarshal(rec.Body.Bytes(), &data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if data.TableID != id || data.PlayerID != "alice" {
		t.Fatalf("identity = %s/%s, want forced from the path", data.TableID, data.PlayerID)
	}
	if len(data.HoleCards) != 2 || data.HoleCards[0] != "Ah" {
		t.Fatalf("hole_cards = %v, want [Ah Kd]", data.HoleCards)
	}
}

func TestPrivateDataOwnershipBoundary(t *testing.T) {
	store := tablestore.NewMemoryStore()
	defer store.Close()
	id := uuid.New()
	seedTable(t, store, gameTable(id))
	if err := store.SetPrivatePlayerData(context.Background(), &models.PrivatePlayerData{
		TableID:   id,
		PlayerID:  "alice",
		HoleCards: []models.Card{"Ah", "Kd"},
	}); err != nil {
		t.Fatalf("SetPrivatePlayerData: %v", err)
	}
	mux := testMux(t, store, testGate(t, "root"))

	path := "/tables/" + id.String() + "/players/alice/private"

	// Another player is rejected on both verbs.
	rec := doJSON(mux, http.MethodGet, path, "bob-token", "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("cross-subject get status = %d, want 403", rec.Code)
	}
	rec = doJSON(mux, http.MethodPut, path, "bob-token", `{"hole_cards":["2c","7d"]}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("cross-subject put status = %d, want 403", rec.Code)
	}

	// Admins read through the boundary.
	rec = doJSON(mux, http.MethodGet, path, "root-token", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("admin get status = %d, body %s", rec.Code, rec.Body)
	}

	// Anonymous callers never reach the handler.
	rec = doJSON(mux, http.MethodGet, path, "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous get status = %d, want 401", rec.Code)
	}
}

func TestPrivateDataPutPushesToOwnerSessions(t *testing.T) {
	store := tablestore.NewMemoryStore()
	defer store.Close()
	id := uuid.New()
	seedTable(t, store, gameTable(id))

	factory, err := tablestore.NewFactory(tablestore.ModeMemory, map[tablestore.Mode]tablestore.Store{
		tablestore.ModeMemory: store,
	})
	if err != nil {
		t.Fatalf("NewFactory: %v", err)
	}
	manager := NewConnectionManager(DefaultConnectionConfig())
	mux := http.NewServeMux()
	NewTablesHandler(factory, testGate(t), manager, 45000).Register(mux)

	rec := doJSON(mux, http.MethodPut, "/tables/"+id.String()+"/players/alice/private", "alice-token",
		`{"hole_cards":["Ah","Kd"]}`)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("put status = %d, body %s", rec.Code, rec.Body)
	}

	select {
	case msg := <-manager.broadcastCh:
		if msg.TableID != id || msg.Subject != "alice" {
			t.Fatalf("queued message = %+v, want alice's table", msg)
		}
		if msg.Event.Type != EventTypePrivateUpdate {
			t.Fatalf("event type = %s, want %s", msg.Event.Type, EventTypePrivateUpdate)
		}
		var data models.PrivatePlayerData
		if err := json.Unmarshal(msg.Event.Data, &data); err != nil {
			t.Fatalf("unmarshal event data: %v", err)
		}
		if data.PlayerID != "alice" || len(data.HoleCards) != 2 {
			t.Fatalf("event payload = %+v, want alice's cards", data)
		}
	default:
		t.Fatal("no message queued for the owner's sessions")
	}
}

func TestConnectionsActionCount(t *testing.T) {
	clock := clockwork.NewFakeClock()
	transport := &fakeTransport{
		reported: 2,
		sessions: []SessionInfo{
			sessionAt(clock, "/ws/a/1", time.Minute),
			sessionAt(clock, "/ws/a/2", 8*time.Minute),
		},
	}
	mux := http.NewServeMux()
	NewConnectionsHandler(NewLifecycleManager(transport, clock, DefaultLifecycleConfig()), testGate(t, "root"), clock).Register(mux)

	rec := doJSON(mux, http.MethodPost, "/connections", "root-token", `{"action":"count"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var resp countResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Count != 2 {
		t.Fatalf("count = %d, want 2", resp.Count)
	}
	if resp.Stats.Recent != 1 || resp.Stats.Medium != 1 {
		t.Fatalf("buckets = %+v, want 1 recent 1 medium", resp.Stats)
	}
	if resp.Discrepancy {
		t.Fatalf("unexpected discrepancy: %+v", resp)
	}

	// The wire shape nests the buckets under "stats".
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &raw); err != nil {
		t.Fatalf("unmarshal raw: %v", err)
	}
	for _, key := range []string{"count", "stats", "discrepancy"} {
		if _, exists := raw[key]; !exists {
			t.Fatalf("response missing %q: %s", key, rec.Body)
		}
	}
}

func TestConnectionsActionClearAndDebug(t *testing.T) {
	clock := clockwork.NewFakeClock()
	transport := &fakeTransport{
		reported: 1,
		sessions: []SessionInfo{sessionAt(clock, "/ws/a/1", 3*time.Minute)},
	}
	mux := http.NewServeMux()
	NewConnectionsHandler(NewLifecycleManager(transport, clock, DefaultLifecycleConfig()), testGate(t, "root"), clock).Register(mux)

	rec := doJSON(mux, http.MethodPost, "/connections", "root-token", `{"action":"debug"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("debug status = %d", rec.Code)
	}
	var sessions []debugSession
	if err := json.Unmarshal(rec.Body.Bytes(), &sessions); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(sessions) != 1 || sessions[0].IdleSeconds != 180 {
		t.Fatalf("debug sessions = %+v, want one at 180s idle", sessions)
	}

	rec = doJSON(mux, http.MethodPost, "/connections", "root-token", `{"action":"clear"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("clear status = %d", rec.Code)
	}
	var cleared clearResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &cleared); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if cleared.Count != 1 || len(cleared.Connections) != 1 {
		t.Fatalf("clear = %+v, want one closed connection", cleared)
	}
	if cleared.Connections[0] != "/ws/a/1" {
		t.Fatalf("connections = %v, want [/ws/a/1]", cleared.Connections)
	}
}

func TestConnectionsRejectsNonAdmin(t *testing.T) {
	clock := clockwork.NewFakeClock()
	mux := http.NewServeMux()
	NewConnectionsHandler(NewLifecycleManager(&fakeTransport{}, clock, DefaultLifecycleConfig()), testGate(t, "root"), clock).Register(mux)

	rec := doJSON(mux, http.MethodPost, "/connections", "alice-token", `{"action":"count"}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestConnectionsRejectsUnknownAction(t *testing.T) {
	clock := clockwork.NewFakeClock()
	mux := http.NewServeMux()
	NewConnectionsHandler(NewLifecycleManager(&fakeTransport{}, clock, DefaultLifecycleConfig()), testGate(t, "root"), clock).Register(mux)

	rec := doJSON(mux, http.MethodPost, "/connections", "root-token", `{"action":"detonate"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}
