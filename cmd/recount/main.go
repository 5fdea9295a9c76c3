// Command recount repairs the persisted aggregates of completed scans:
// severity counters, total, and score are recomputed from the finding rows.
// Useful after a scoring-weight change or a partial migration.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/joho/godotenv"
	"github.com/yourorg/audit-worker/internal/config"
	"github.com/yourorg/audit-worker/internal/db"
	"github.com/yourorg/audit-worker/internal/score"
)

func main() {
	var (
		batchSize = flag.Int("batch-size", 50, "scans to recount per batch")
		maxScans  = flag.Int("max-scans", 0, "maximum scans to recount (0 = unlimited)")
	)
	flag.Parse()

	_ = godotenv.Load(".env")

	cfg := config.Load()
	ctx := context.Background()

	store, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db open: %v", err)
	}
	defer store.Pool.Close()

	if err := store.EnsureSchema(ctx); err != nil {
		if isInsufficientPrivilege(err) {
			log.Printf("ensure schema skipped due insufficient privilege: %v", err)
		} else {
			log.Fatalf("ensure schema: %v", err)
		}
	}

	var total, okCount, failCount int
	afterID := ""
	for {
		if *maxScans > 0 && total >= *maxScans {
			break
		}
		listCtx, listCancel := context.WithTimeout(ctx, 20*time.Second)
		ids, err := store.ListCompletedScanIDs(listCtx, afterID, *batchSize)
		listCancel()
		if err != nil {
			log.Fatalf("list completed scans: %v", err)
		}
		if len(ids) == 0 {
			break
		}
		afterID = ids[len(ids)-1]

		for _, id := range ids {
			if *maxScans > 0 && total >= *maxScans {
				break
			}
			total++
			if err := recountOne(ctx, store, id); err != nil {
				failCount++
				log.Printf("scan %s: recount failed: %v", id, err)
				continue
			}
			okCount++
		}
	}

	log.Printf("recount complete: processed=%d ok=%d failed=%d", total, okCount, failCount)
}

func recountOne(ctx context.Context, store *db.Store, id string) error {
	ctx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	counts, err := store.SeverityCountsForScan(ctx, id)
	if err != nil {
		return err
	}
	return store.RewriteAggregates(ctx, id, score.FromCounts(counts), counts)
}

func isInsufficientPrivilege(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42501"
}
