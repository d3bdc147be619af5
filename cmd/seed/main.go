// seed inserts a demo account and two batches into the local dev database.
// Run: go run ./cmd/seed
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/audiencekit/segment-engine/internal/infrastructure/postgres"
)

const (
	seedOwner      = "owner-seed"
	seedAccountRef = "acct-demo-001"
)

type batchSpec struct {
	name     string
	segments []string
}

var batches = []batchSpec{
	// Small batch — fits inside one minute window
	{"Spring launch audiences", []string{
		"US paid subscribers",
		"US trial users day 7",
		"US churned last 30d",
		"EU paid subscribers",
		"EU trial users day 7",
	}},

	// Larger batch — forces the pacer to park it at least once
	{"Lookalike expansion wave 2", []string{
		"LAL 1% purchasers US",
		"LAL 2% purchasers US",
		"LAL 5% purchasers US",
		"LAL 1% purchasers CA",
		"LAL 2% purchasers CA",
		"LAL 5% purchasers CA",
		"LAL 1% purchasers UK",
		"LAL 2% purchasers UK",
		"LAL 5% purchasers UK",
		"LAL 1% add-to-cart US",
		"LAL 2% add-to-cart US",
		"LAL 5% add-to-cart US",
		"LAL 1% video viewers US",
		"LAL 2% video viewers US",
		"LAL 5% video viewers US",
		"LAL 1% page engagers US",
		"LAL 2% page engagers US",
		"LAL 5% page engagers US",
		"Retargeting 30d site visitors",
		"Retargeting 7d cart abandoners",
	}},
}

func main() {
	ctx := context.Background()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL is not set — run: direnv allow")
	}

	pool, err := postgres.NewPool(ctx, dbURL)
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	defer pool.Close()

	// Upsert demo account
	err = pool.QueryRow(ctx, `
		INSERT INTO accounts (owner_id, account_ref, api_token, notify_email)
		VALUES ($1, $2, 'seed-token', 'seed@test.local')
		ON CONFLICT (account_ref) DO UPDATE SET updated_at = NOW()
		RETURNING id`,
		seedOwner, seedAccountRef,
	).Scan(new(string))
	if err != nil {
		log.Fatalf("upsert account: %v", err)
	}

	var inserted int
	for _, spec := range batches {
		var batchID string
		err := pool.QueryRow(ctx, `
			INSERT INTO batches (owner_id, account_ref, name, status, segments_total)
			VALUES ($1, $2, $3, 'pending', $4)
			RETURNING id`,
			seedOwner, seedAccountRef, spec.name, len(spec.segments),
		).Scan(&batchID)
		if err != nil {
			log.Fatalf("insert batch %q: %v", spec.name, err)
		}

		for i, name := range spec.segments {
			_, err := pool.Exec(ctx, `
				INSERT INTO segment_tasks (batch_id, position, name, definition)
				VALUES ($1, $2, $3, '{}')`,
				batchID, i, name,
			)
			if err != nil {
				log.Fatalf("insert task %q: %v", name, err)
			}
		}
		inserted++
	}

	fmt.Println("Seed complete")
	fmt.Println()
	fmt.Printf("  Owner:       %s\n", seedOwner)
	fmt.Printf("  Account ref: %s\n", seedAccountRef)
	fmt.Printf("  Batches:     %d\n", inserted)
	fmt.Println()
	fmt.Println("Start the engine to watch them drain: go run ./cmd/engine")
}
