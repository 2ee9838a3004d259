package tablestore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/feltlabs/felt/go/internal/models"
)

// Convenience mutators layered on the transactional path. Each one re-reads
// the current player sequence inside the transform, so two concurrent
// joins or leaves can never collide on index assignment.

// AddPlayer seats a player, assigning the next free seat when the requested
// one is taken. Fails with ErrTableFull at capacity and ErrAlreadySeated on
// a duplicate id.
func AddPlayer(ctx context.Context, s Store, tableID uuid.UUID, p models.Player) error {
	return s.UpdateTableTransactional(ctx, tableID, func(t *models.Table) (FieldSet, error) {
		if t.IsSeated(p.ID) {
			return nil, fmt.Errorf("add player %s: %w", p.ID, ErrAlreadySeated)
		}
		if t.MaxPlayers > 0 && len(t.Players) >= t.MaxPlayers {
			return nil, fmt.Errorf("add player %s: %w", p.ID, ErrTableFull)
		}

		taken := make(map[int]bool, len(t.Players))
		for _, seated := range t.Players {
			taken[seated.Seat] = true
		}
		if p.Seat < 0 || taken[p.Seat] {
			p.Seat = 0
			for taken[p.Seat] {
				p.Seat++
			}
		}

		players := append(append([]models.Player(nil), t.Players...), p)
		next := *t
		next.Players = players
		return FieldSet{
			"players":             players,
			"active_player_count": next.CountAbleToAct(),
		}, nil
	})
}

// RemovePlayer unseats a player. Mid-hand removal re-derives the
// current-player and dealer indexes rather than leaving them dangling, and
// folds the leaver's unmatched round bet into the pot so chip totals stay
// conserved within the hand.
func RemovePlayer(ctx context.Context, s Store, tableID uuid.UUID, playerID string) error {
	return s.UpdateTableTransactional(ctx, tableID, func(t *models.Table) (FieldSet, error) {
		removed := -1
		for i := range t.Players {
			if t.Players[i].ID == playerID {
				removed = i
				break
			}
		}
		if removed == -1 {
			return nil, fmt.Errorf("remove player %s: %w", playerID, ErrNotFound)
		}

		players := make([]models.Player, 0, len(t.Players)-1)
		players = append(players, t.Players[:removed]...)
		players = append(players, t.Players[removed+1:]...)

		next := *t
		next.Players = players
		if removed < next.CurrentPlayerIndex {
			next.CurrentPlayerIndex--
		}
		if removed < next.DealerIndex {
			next.DealerIndex--
		}
		if next.DealerIndex >= len(players) {
			next.DealerIndex = 0
		}

		pot := t.Pot
		roundBets := make(map[string]int64, len(t.RoundBets))
		for k, v := range t.RoundBets {
			roundBets[k] = v
		}
		if forfeited, ok := roundBets[playerID]; ok {
			pot += forfeited
			delete(roundBets, playerID)
		}

		return FieldSet{
			"players":              players,
			"current_player_index": next.DeriveCurrentPlayerIndex(),
			"dealer_index":         next.DealerIndex,
			"active_player_count":  next.CountAbleToAct(),
			"pot":                  pot,
			"round_bets":           roundBets,
		}, nil
	})
}

// UpdatePlayerFields merges the named fields into one player's entry, by
// the player struct's JSON field names.
func UpdatePlayerFields(ctx context.Context, s Store, tableID uuid.UUID, playerID string, fields FieldSet) error {
	return s.UpdateTableTransactional(ctx, tableID, func(t *models.Table) (FieldSet, error) {
		idx := -1
		for i := range t.Players {
			if t.Players[i].ID == playerID {
				idx = i
				break
			}
		}
		if idx == -1 {
			return nil, fmt.Errorf("update player %s: %w", playerID, ErrNotFound)
		}

		merged, err := mergePlayer(t.Players[idx], fields)
		if err != nil {
			return nil, err
		}
		// The id is not a mutable field.
		merged.ID = playerID

		players := append([]models.Player(nil), t.Players...)
		players[idx] = merged
		next := *t
		next.Players = players
		return FieldSet{
			"players":              players,
			"current_player_index": next.DeriveCurrentPlayerIndex(),
			"active_player_count":  next.CountAbleToAct(),
		}, nil
	})
}

func mergePlayer(p models.Player, fields FieldSet) (models.Player, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return p, fmt.Errorf("marshal player: %w", err)
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return p, fmt.Errorf("decode player doc: %w", err)
	}
	for k, v := range fields {
		enc, err := json.Marshal(v)
		if err != nil {
			return p, fmt.Errorf("marshal player field %q: %w", k, err)
		}
		doc[k] = enc
	}
	mergedRaw, err := json.Marshal(doc)
	if err != nil {
		return p, fmt.Errorf("encode merged player: %w", err)
	}
	var out models.Player
	if err := json.Unmarshal(mergedRaw, &out); err != nil {
		return p, fmt.Errorf("decode merged player: %w", err)
	}
	return out, nil
}
