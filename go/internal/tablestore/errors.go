package tablestore

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means the table (or player record) does not exist. It is
	// terminal for that id; subscribers must be told.
	ErrNotFound = errors.New("not found")

	// ErrStoreUnavailable is a transient backend failure. Callers on a
	// mutating path retry with backoff, never swallow.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrTransactionConflict is surfaced after the optimistic-concurrency
	// retry budget is exhausted. Retryable by re-issuing the same call.
	ErrTransactionConflict = errors.New("transaction conflict")

	// ErrTableFull is returned when a join would exceed table capacity.
	ErrTableFull = errors.New("table at capacity")

	// ErrAlreadySeated is returned when a player id already holds a seat.
	ErrAlreadySeated = errors.New("player already seated")
)

// unavailable tags a driver/transport error with ErrStoreUnavailable while
// keeping the cause in the message.
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %s", op, ErrStoreUnavailable, err)
}
