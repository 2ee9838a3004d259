package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/feltlabs/felt/go/internal/dbconfig"
	"github.com/feltlabs/felt/go/internal/models"
)

// demoTables is the fixture set for local development.
func demoTables() []*models.Table {
	now := time.Now().UTC()
	return []*models.Table{
		{
			ID:              uuid.MustParse("6f1d5cbb-4a9e-4a30-9d5e-29c7a4a6c001"),
			Name:            "High Stakes",
			Phase:           models.PhaseWaiting,
			RoundBets:       map[string]int64{},
			MinRaise:        200,
			SmallBlind:      100,
			BigBlind:        200,
			MaxPlayers:      9,
			TurnTimeLimitMs: 45000,
			CreatedAt:       now,
			UpdatedAt:       now,
		},
		{
			ID:              uuid.MustParse("6f1d5cbb-4a9e-4a30-9d5e-29c7a4a6c002"),
			Name:            "Casual Corner",
			Phase:           models.PhaseWaiting,
			RoundBets:       map[string]int64{},
			MinRaise:        10,
			SmallBlind:      5,
			BigBlind:        10,
			MaxPlayers:      6,
			TurnTimeLimitMs: 60000,
			CreatedAt:       now,
			UpdatedAt:       now,
		},
		{
			ID:              uuid.MustParse("6f1d5cbb-4a9e-4a30-9d5e-29c7a4a6c003"),
			Name:            "Invite Only",
			Phase:           models.PhaseWaiting,
			RoundBets:       map[string]int64{},
			MinRaise:        50,
			SmallBlind:      25,
			BigBlind:        50,
			MaxPlayers:      6,
			TurnTimeLimitMs: 30000,
			IsPrivate:       true,
			AccessCode:      "felt-demo",
			CreatedAt:       now,
			UpdatedAt:       now,
		},
	}
}

func main() {
	cfg := dbconfig.NewConfigFromEnv()
	pool, err := pgxpool.New(context.Background(), cfg.DSN())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	tables := demoTables()
	var (
		inserted int
		skipped  int
		errs     int
	)

	for _, t := range tables {
		doc, err := json.Marshal(t)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error encoding table %s: %v\n", t.ID, err)
			errs++
			continue
		}

		cmdTag, err := pool.Exec(context.Background(), `
            INSERT INTO tables (id, version, doc, updated_at)
            VALUES ($1, 1, $2, now())
            ON CONFLICT (id) DO NOTHING
        `, t.ID, doc)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error inserting table %s: %v\n", t.ID, err)
			errs++
			continue
		}
		if cmdTag.RowsAffected() == 1 {
			inserted++
		} else {
			skipped++
		}
	}

	fmt.Printf("Seed complete: total=%d inserted=%d skipped=%d errors=%d\n",
		len(tables), inserted, skipped, errs)
	if errs > 0 {
		os.Exit(1)
	}
}
