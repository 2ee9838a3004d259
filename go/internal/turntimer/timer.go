package turntimer

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/feltlabs/felt/go/internal/models"
)

// DefaultTickInterval is how often the countdown recomputes while a hand
// is in progress.
const DefaultTickInterval = 100 * time.Millisecond

// State is one computed countdown sample.
type State struct {
	Remaining time.Duration
	Progress  float64 // Remaining / TurnTimeLimit, in [0, 1]
	Phase     models.Phase
}

// Compute derives the countdown from the deadline anchor. Pure: same
// inputs, same output, no clock access.
func Compute(lastAction time.Time, limit time.Duration, now time.Time) State {
	if limit <= 0 {
		return State{}
	}
	remaining := limit - now.Sub(lastAction)
	if remaining < 0 {
		remaining = 0
	}
	return State{
		Remaining: remaining,
		Progress:  float64(remaining) / float64(limit),
	}
}

// Ticker recomputes the countdown on a fixed tick from observed table
// snapshots. Each observer runs its own Ticker; there is no cross-session
// coordination.
//
// The store emits no explicit phase-change event, so the ticker infers a
// fresh deadline by comparing each snapshot's phase against the previous
// observed value and re-anchoring when they differ.
type Ticker struct {
	clock    clockwork.Clock
	interval time.Duration

	mu         sync.Mutex
	anchor     time.Time
	hasAnchor  bool
	limit      time.Duration
	phase      models.Phase
	seenPhase  bool
	inProgress bool
	expired    bool

	// lastStamp is the last observed action timestamp. The anchor only
	// follows it when it actually moves, so a phase-reset anchor is not
	// clobbered by later snapshots still carrying the stale timestamp.
	lastStamp *time.Time
}

// NewTicker builds a ticker on the given clock (fake in tests).
func NewTicker(clock clockwork.Clock, interval time.Duration) *Ticker {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	return &Ticker{clock: clock, interval: interval}
}

// Observe feeds one table snapshot into the ticker. A phase different from
// the previous observed one re-anchors the deadline at observation time.
func (t *Ticker) Observe(table *models.Table) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if table == nil {
		t.inProgress = false
		t.hasAnchor = false
		t.lastStamp = nil
		return
	}

	phaseChanged := t.seenPhase && table.Phase != t.phase
	t.phase = table.Phase
	t.seenPhase = true
	t.inProgress = table.HandInProgress
	t.limit = time.Duration(table.TurnTimeLimitMs) * time.Millisecond

	switch {
	case phaseChanged:
		// New phase implies a fresh deadline even when the snapshot's
		// action timestamp has not moved yet. Record the stamp so later
		// snapshots still carrying it do not revert the anchor.
		t.anchor = t.clock.Now()
		t.hasAnchor = true
		t.expired = false
		t.lastStamp = cloneStamp(table.LastActionAt)
	case table.LastActionAt != nil:
		if t.lastStamp == nil || !table.LastActionAt.Equal(*t.lastStamp) {
			t.anchor = *table.LastActionAt
			t.hasAnchor = true
			t.expired = false
			t.lastStamp = cloneStamp(table.LastActionAt)
		}
	default:
		t.hasAnchor = false
		t.lastStamp = nil
	}
}

func cloneStamp(ts *time.Time) *time.Time {
	if ts == nil {
		return nil
	}
	v := *ts
	return &v
}

// Current computes the countdown for the latest observation, and reports
// whether the timer is currently running at all.
func (t *Ticker) Current() (State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running() {
		return State{}, false
	}
	s := Compute(t.anchor, t.limit, t.clock.Now())
	s.Phase = t.phase
	return s, true
}

// running must be called with the lock held.
func (t *Ticker) running() bool {
	return t.inProgress && t.hasAnchor && t.limit > 0
}

// Run recomputes every interval until ctx is done. onTick receives each
// sample; onExpire fires once per deadline when the countdown reaches
// zero, so turn expiry can drive a forced fold through the rules engine.
// Ticks are suppressed while the time limit or action timestamp is absent.
func (t *Ticker) Run(ctx context.Context, onTick func(State), onExpire func()) {
	ticker := t.clock.NewTicker(t.interval)
	defer ticker.Stop()

	log.Debug().Dur("interval", t.interval).Msg("turn timer started")
	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("turn timer stopped")
			return
		case <-ticker.Chan():
			state, ok := t.Current()
			if !ok {
				continue
			}
			if onTick != nil {
				onTick(state)
			}
			if state.Remaining == 0 && onExpire != nil && t.markExpired() {
				onExpire()
			}
		}
	}
}

// markExpired flips the once-per-deadline latch; true means the caller
// should fire the expiry callback.
func (t *Ticker) markExpired() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.expired {
		return false
	}
	t.expired = true
	return true
}
