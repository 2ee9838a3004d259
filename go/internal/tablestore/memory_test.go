package tablestore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/google/uuid"

	"github.com/feltlabs/felt/go/internal/models"
)

// Helper: a waiting-phase table with the given players seated.
func makeTable(players ...models.Player) *models.Table {
	return &models.Table{
		ID:                 uuid.New(),
		Name:               "test table",
		Players:            players,
		CommunityCards:     []models.Card{},
		Pot:                0,
		CurrentPlayerIndex: -1,
		Phase:              models.PhaseWaiting,
		RoundBets:          map[string]int64{},
		TurnTimeLimitMs:    45000,
		SmallBlind:         5,
		BigBlind:           10,
		MaxPlayers:         6,
	}
}

func makePlayer(id string, seat int) models.Player {
	return models.Player{
		ID:          id,
		DisplayName: "player " + id,
		Chips:       1000,
		Seat:        seat,
		IsActive:    true,
	}
}

func TestOverwriteThenGetRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	want := makeTable(makePlayer("u1", 0), makePlayer("u2", 1))
	want.Pot = 150
	want.Phase = models.PhaseFlop
	want.CommunityCards = []models.Card{"Ah", "Kd", "2c"}

	if err := s.ForceOverwriteTable(ctx, want); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, err := s.GetTable(ctx, want.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(models.Table{}, "UpdatedAt")); diff != "" {
		t.Errorf("round-trip mismatch (-want +got):\n%s", diff)
	}
}

func TestGetAbsentTableIsNotAnError(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	got, err := s.GetTable(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("expected no error for absent table, got %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil table, got %+v", got)
	}
}

func TestUpdateTableMergesOnlyNamedFields(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	table := makeTable(makePlayer("u1", 0))
	table.Pot = 100
	if err := s.ForceOverwriteTable(ctx, table); err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	if err := s.UpdateTable(ctx, table.ID, FieldSet{"current_bet": 40}); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := s.GetTable(ctx, table.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.CurrentBet != 40 {
		t.Errorf("current_bet = %d, want 40", got.CurrentBet)
	}
	if got.Pot != 100 {
		t.Errorf("pot was touched by an unrelated merge: got %d, want 100", got.Pot)
	}
	if len(got.Players) != 1 {
		t.Errorf("players were touched by an unrelated merge: %+v", got.Players)
	}
}

func TestUpdateMissingTableReturnsNotFound(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	err := s.UpdateTable(context.Background(), uuid.New(), FieldSet{"pot": 1})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestConcurrentTransactionalIncrementsNeverLost(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	table := makeTable(makePlayer("u1", 0), makePlayer("u2", 1))
	if err := s.ForceOverwriteTable(ctx, table); err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	const (
		workers    = 8
		increments = 25
		amount     = int64(10)
	)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < increments; i++ {
				for {
					err := s.UpdateTableTransactional(ctx, table.ID, func(cur *models.Table) (FieldSet, error) {
						return FieldSet{"pot": cur.Pot + amount}, nil
					})
					if err == nil {
						break
					}
					if !errors.Is(err, ErrTransactionConflict) {
						t.Errorf("unexpected error: %v", err)
						return
					}
					// Retryable by re-issuing the same call.
				}
			}
		}()
	}
	wg.Wait()

	got, err := s.GetTable(ctx, table.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	want := int64(workers * increments * int(amount))
	if got.Pot != want {
		t.Errorf("pot = %d, want %d (a concurrent increment was clobbered)", got.Pot, want)
	}
}

func TestPotConservationAcrossContribution(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	table := makeTable(makePlayer("u1", 0), makePlayer("u2", 1))
	table.Pot = 100
	table.RoundBets = map[string]int64{"u1": 20}
	if err := s.ForceOverwriteTable(ctx, table); err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	before, _ := s.GetTable(ctx, table.ID)
	const contribution = int64(30)

	err := s.UpdateTableTransactional(ctx, table.ID, func(cur *models.Table) (FieldSet, error) {
		bets := make(map[string]int64, len(cur.RoundBets))
		for k, v := range cur.RoundBets {
			bets[k] = v
		}
		bets["u2"] += contribution
		return FieldSet{"round_bets": bets}, nil
	})
	if err != nil {
		t.Fatalf("transactional: %v", err)
	}

	after, _ := s.GetTable(ctx, table.ID)
	beforeTotal := before.Pot + before.RoundBetTotal()
	afterTotal := after.Pot + after.RoundBetTotal()
	if afterTotal != beforeTotal+contribution {
		t.Errorf("pot conservation broken: before=%d after=%d contribution=%d",
			beforeTotal, afterTotal, contribution)
	}
}

func TestSubscribeDeliversFullSnapshots(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	table := makeTable(makePlayer("u1", 0))
	if err := s.ForceOverwriteTable(ctx, table); err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	got := make(chan *models.Table, 4)
	cancel, err := s.Subscribe(ctx, table.ID, "observer-1", func(t *models.Table) {
		got <- t
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	if err := s.UpdateTable(ctx, table.ID, FieldSet{"pot": 75}); err != nil {
		t.Fatalf("update: %v", err)
	}

	select {
	case snap := <-got:
		if snap.Pot != 75 {
			t.Errorf("snapshot pot = %d, want 75", snap.Pot)
		}
		if snap.ID != table.ID {
			t.Errorf("snapshot id = %s, want %s", snap.ID, table.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot delivered")
	}
}

func TestCancelIsIdempotentAndStopsDelivery(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	table := makeTable(makePlayer("u1", 0))
	if err := s.ForceOverwriteTable(ctx, table); err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	var mu sync.Mutex
	deliveries := 0
	cancel, err := s.Subscribe(ctx, table.ID, "observer-1", func(*models.Table) {
		mu.Lock()
		deliveries++
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	cancel()
	cancel() // second cancel must not panic

	if err := s.UpdateTable(ctx, table.ID, FieldSet{"pot": 10}); err != nil {
		t.Fatalf("update: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if deliveries != 0 {
		t.Errorf("got %d deliveries after cancel, want 0", deliveries)
	}
}

func TestResubscribeReplacesPriorHandle(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	table := makeTable(makePlayer("u1", 0))
	if err := s.ForceOverwriteTable(ctx, table); err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	var mu sync.Mutex
	oldDeliveries, newDeliveries := 0, 0

	// Caller error: re-subscribing without cancelling. The old listener
	// must not leak.
	_, err := s.Subscribe(ctx, table.ID, "observer-1", func(*models.Table) {
		mu.Lock()
		oldDeliveries++
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel, err := s.Subscribe(ctx, table.ID, "observer-1", func(*models.Table) {
		mu.Lock()
		newDeliveries++
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("re-subscribe: %v", err)
	}
	defer cancel()

	if err := s.UpdateTable(ctx, table.ID, FieldSet{"pot": 10}); err != nil {
		t.Fatalf("update: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := newDeliveries
		o := oldDeliveries
		mu.Unlock()
		if n >= 1 {
			if o != 0 {
				t.Errorf("old listener leaked: %d deliveries", o)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("new listener never delivered")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestAddPlayerCapacityAndDuplicates(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	table := makeTable(makePlayer("u1", 0))
	table.MaxPlayers = 2
	if err := s.ForceOverwriteTable(ctx, table); err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	if err := AddPlayer(ctx, s, table.ID, makePlayer("u1", 1)); !errors.Is(err, ErrAlreadySeated) {
		t.Errorf("duplicate join: got %v, want ErrAlreadySeated", err)
	}
	if err := AddPlayer(ctx, s, table.ID, makePlayer("u2", 0)); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := AddPlayer(ctx, s, table.ID, makePlayer("u3", 2)); !errors.Is(err, ErrTableFull) {
		t.Errorf("join over capacity: got %v, want ErrTableFull", err)
	}

	got, _ := s.GetTable(ctx, table.ID)
	if len(got.Players) != 2 {
		t.Fatalf("players = %d, want 2", len(got.Players))
	}
	// u2 asked for seat 0 which was taken; the next free seat wins.
	if got.Players[1].Seat != 1 {
		t.Errorf("seat = %d, want 1", got.Players[1].Seat)
	}
}

func TestRemovePlayerRederivesCurrentIndex(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	table := makeTable(makePlayer("u1", 0), makePlayer("u2", 1), makePlayer("u3", 2))
	table.HandInProgress = true
	table.Phase = models.PhaseFlop
	table.CurrentPlayerIndex = 2 // u3 to act
	table.Pot = 90
	table.RoundBets = map[string]int64{"u2": 25}
	if err := s.ForceOverwriteTable(ctx, table); err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	// Removing u2 shifts u3 down one index; the current index must follow
	// and the leaver's round bet folds into the pot.
	if err := RemovePlayer(ctx, s, table.ID, "u2"); err != nil {
		t.Fatalf("remove: %v", err)
	}

	got, _ := s.GetTable(ctx, table.ID)
	if len(got.Players) != 2 {
		t.Fatalf("players = %d, want 2", len(got.Players))
	}
	if got.CurrentPlayerIndex < 0 || got.CurrentPlayerIndex >= len(got.Players) {
		t.Fatalf("current index %d dangles", got.CurrentPlayerIndex)
	}
	if id := got.Players[got.CurrentPlayerIndex].ID; id != "u3" {
		t.Errorf("current player = %s, want u3", id)
	}
	if got.Pot != 115 {
		t.Errorf("pot = %d, want 115 (forfeited round bet folded in)", got.Pot)
	}
	if _, ok := got.RoundBets["u2"]; ok {
		t.Error("leaver's round bet entry still present")
	}
}

func TestRemoveUnknownPlayer(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	table := makeTable(makePlayer("u1", 0))
	if err := s.ForceOverwriteTable(ctx, table); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if err := RemovePlayer(ctx, s, table.ID, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestUpdatePlayerFields(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	table := makeTable(makePlayer("u1", 0), makePlayer("u2", 1))
	table.HandInProgress = true
	table.CurrentPlayerIndex = 0
	if err := s.ForceOverwriteTable(ctx, table); err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	err := UpdatePlayerFields(ctx, s, table.ID, "u1", FieldSet{"has_folded": true, "chips": 850})
	if err != nil {
		t.Fatalf("update player: %v", err)
	}

	got, _ := s.GetTable(ctx, table.ID)
	u1 := got.PlayerByID("u1")
	if !u1.HasFolded || u1.Chips != 850 {
		t.Errorf("player fields not merged: %+v", u1)
	}
	if u1.DisplayName != "player u1" {
		t.Errorf("unnamed field was touched: %q", u1.DisplayName)
	}
	// u1 folded while on the clock; the index moves to a player who can act.
	if id := got.Players[got.CurrentPlayerIndex].ID; id != "u2" {
		t.Errorf("current player = %s, want u2", id)
	}
	if got.ActivePlayerCount != 1 {
		t.Errorf("active_player_count = %d, want 1", got.ActivePlayerCount)
	}
}

func TestPrivatePlayerDataOwnership(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	tableID := uuid.New()
	in := &models.PrivatePlayerData{
		TableID:   tableID,
		PlayerID:  "u1",
		HoleCards: []models.Card{"As", "Ad"},
	}
	if err := s.SetPrivatePlayerData(ctx, in); err != nil {
		t.Fatalf("set: %v", err)
	}

	got, err := s.GetPrivatePlayerData(ctx, tableID, "u1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if diff := cmp.Diff(in.HoleCards, got.HoleCards); diff != "" {
		t.Errorf("hole cards mismatch (-want +got):\n%s", diff)
	}

	other, err := s.GetPrivatePlayerData(ctx, tableID, "u2")
	if err != nil {
		t.Fatalf("get other: %v", err)
	}
	if other != nil {
		t.Errorf("expected no record for another player, got %+v", other)
	}
}
