package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/joho/godotenv"
	"github.com/yourorg/audit-worker/internal/artifacts"
	"github.com/yourorg/audit-worker/internal/config"
	"github.com/yourorg/audit-worker/internal/db"
	"github.com/yourorg/audit-worker/internal/worker"
)

func main() {
	// .env files are optional; checked in the working directory and one
	// level up so the binary can be run from cmd/worker during development.
	for _, f := range []string{".env.local", ".env", "../.env"} {
		_ = godotenv.Load(f)
	}

	cfg := config.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	store := mustOpenStore(ctx, cfg.DatabaseURL)

	var art *artifacts.Client
	if cfg.S3Endpoint != "" && cfg.ReportsBucket != "" {
		var err error
		art, err = artifacts.New(cfg.S3Endpoint, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3UseSSL, cfg.ReportsBucket)
		if err != nil {
			log.Fatal(err)
		}
	} else {
		log.Printf("object storage not configured, raw tool reports will not be retained")
	}

	// Print static tool version at startup for verification
	if out, err := exec.CommandContext(ctx, cfg.SemgrepPath, "--version").CombinedOutput(); err != nil {
		log.Printf("static tool version check failed: %v", err)
	} else if len(out) > 0 {
		log.Printf("static tool: %s", string(out))
	}

	if cfg.HTTPAddr != "" {
		go serveHealth(ctx, cfg.HTTPAddr, store)
	}

	r := worker.NewRunner(cfg, store, art)
	log.Printf("worker starting with id=%s concurrency=%d", r.WorkerID(), cfg.WorkerConcurrency)

	// Re-queue scans orphaned by crashed workers, then keep failing anything
	// stuck in flight past its deadline. There is no mid-scan cancellation;
	// this sweep is the enclosing timeout.
	r.RecoverStaleScans(ctx)
	go sweepStale(ctx, store)

	if err := r.RunForever(ctx); err != nil {
		log.Fatal(err)
	}
}

func mustOpenStore(ctx context.Context, url string) *db.Store {
	store, err := db.Open(ctx, url)
	if err != nil {
		log.Fatal(err)
	}
	if err := store.Ping(ctx); err != nil {
		log.Fatal(err)
	}
	if err := store.EnsureSchema(ctx); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "42501" {
			log.Printf("ensure schema skipped due insufficient privilege: %v", err)
		} else {
			log.Fatal(err)
		}
	}
	return store
}

// serveHealth exposes /healthz; a 2s DB ping decides healthy vs 503.
func serveHealth(ctx context.Context, addr string, store *db.Store) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		pingCtx, pingCancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer pingCancel()
		w.Header().Set("Content-Type", "application/json")
		if err := store.Ping(pingCtx); err != nil {
			log.Printf("healthz: db ping failed: %v", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"unhealthy","reason":"db unreachable"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	})
	s := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(shctx)
	}()
	if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Printf("health server: %v", err)
	}
}

func sweepStale(ctx context.Context, store *db.Store) {
	t := time.NewTicker(10 * time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			ids, err := store.FailStaleActive(ctx, 2*time.Hour)
			if err != nil {
				log.Printf("fail stale scans: %v", err)
				continue
			}
			for _, id := range ids {
				log.Printf("scan %s: failed by stale sweep", id)
			}
		}
	}
}
