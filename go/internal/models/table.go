package models

import (
	"time"

	"github.com/google/uuid"
)

// Phase represents the stage of the current hand
type Phase string

const (
	PhaseWaiting  Phase = "waiting"
	PhasePreflop  Phase = "preflop"
	PhaseFlop     Phase = "flop"
	PhaseTurn     Phase = "turn"
	PhaseRiver    Phase = "river"
	PhaseShowdown Phase = "showdown"
)

// phaseOrder gives each phase its position in the forward-only progression.
var phaseOrder = map[Phase]int{
	PhaseWaiting:  0,
	PhasePreflop:  1,
	PhaseFlop:     2,
	PhaseTurn:     3,
	PhaseRiver:    4,
	PhaseShowdown: 5,
}

// Valid reports whether p is a known phase value.
func (p Phase) Valid() bool {
	_, ok := phaseOrder[p]
	return ok
}

// CanAdvanceTo reports whether a transition from p to next is legal.
// Phases move strictly forward one step at a time; the only backward
// transition allowed is the reset to waiting at hand end.
func (p Phase) CanAdvanceTo(next Phase) bool {
	if !p.Valid() || !next.Valid() {
		return false
	}
	if next == PhaseWaiting {
		return true
	}
	return phaseOrder[next] == phaseOrder[p]+1
}

// Card is a single playing card in compact rank+suit notation, e.g. "Ah".
// Evaluation of cards is owned by the rules engine, not this service.
type Card string

// Table is the shared per-game aggregate. Exactly one document of this
// shape exists per game instance; all mutation goes through the table
// store contract.
type Table struct {
	ID                 uuid.UUID        `json:"id"`
	Name               string           `json:"name"`
	Players            []Player         `json:"players"`
	CommunityCards     []Card           `json:"community_cards"`
	Pot                int64            `json:"pot"`
	CurrentBet         int64            `json:"current_bet"`
	DealerIndex        int              `json:"dealer_index"`
	CurrentPlayerIndex int              `json:"current_player_index"`
	Phase              Phase            `json:"phase"`
	BettingRound       int              `json:"betting_round"`
	RoundBets          map[string]int64 `json:"round_bets"`
	MinRaise           int64            `json:"min_raise"`
	TurnTimeLimitMs    int64            `json:"turn_time_limit_ms"`
	LastActionAt       *time.Time       `json:"last_action_at,omitempty"`
	HandInProgress     bool             `json:"hand_in_progress"`
	ActivePlayerCount  int              `json:"active_player_count"`
	LastAction         string           `json:"last_action,omitempty"`
	LastBettorID       string           `json:"last_bettor_id,omitempty"`
	IsPrivate          bool             `json:"is_private"`
	AccessCode         string           `json:"access_code,omitempty"`
	SmallBlind         int64            `json:"small_blind"`
	BigBlind           int64            `json:"big_blind"`
	MaxPlayers         int              `json:"max_players"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

// PlayerByID returns the seated player with the given id, or nil.
func (t *Table) PlayerByID(playerID string) *Player {
	for i := range t.Players {
		if t.Players[i].ID == playerID {
			return &t.Players[i]
		}
	}
	return nil
}

// IsSeated reports whether the given player id occupies a seat.
func (t *Table) IsSeated(playerID string) bool {
	return t.PlayerByID(playerID) != nil
}

// DeriveCurrentPlayerIndex recomputes a valid current-player index after
// the player sequence changed. It keeps the current index when it still
// points at a player who can act, otherwise walks forward to the next one,
// and returns -1 when no hand is active or nobody can act.
func (t *Table) DeriveCurrentPlayerIndex() int {
	if !t.HandInProgress || len(t.Players) == 0 {
		return -1
	}
	start := t.CurrentPlayerIndex
	if start < 0 || start >= len(t.Players) {
		start = 0
	}
	for i := 0; i < len(t.Players); i++ {
		idx := (start + i) % len(t.Players)
		p := t.Players[idx]
		if p.IsActive && !p.HasFolded {
			return idx
		}
	}
	return -1
}

// CountAbleToAct returns the number of seated players still able to act.
func (t *Table) CountAbleToAct() int {
	n := 0
	for _, p := range t.Players {
		if p.IsActive && !p.HasFolded {
			n++
		}
	}
	return n
}

// RoundBetTotal sums the per-player contributions for the active round.
func (t *Table) RoundBetTotal() int64 {
	var total int64
	for _, v := range t.RoundBets {
		total += v
	}
	return total
}
