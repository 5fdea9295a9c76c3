package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/yourorg/audit-worker/internal/model"
)

const insertBatchSize = 100

type Store struct{ Pool *pgxpool.Pool }

func Open(ctx context.Context, url string) (*Store, error) {
	p, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, err
	}
	return &Store{Pool: p}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.Pool.Ping(ctx)
}

func (s *Store) notifyScanChanged(ctx context.Context, id string) {
	_, _ = s.Pool.Exec(ctx, `SELECT pg_notify('scan_events', $1)`, id)
}

// AcquireNextQueued claims the oldest queued scan and moves it into its first
// active phase: 'cloning' when a repository target is present, 'scanning' for
// URL-only scans. FOR UPDATE SKIP LOCKED keeps concurrent workers off the
// same row.
func (s *Store) AcquireNextQueued(ctx context.Context, workerID string) (*model.Scan, error) {
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `
		SELECT id::text, user_id::text, repo_url, repo_token, target_url, includes_dast
		FROM scans
		WHERE status='queued'
		ORDER BY created_at
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	`)
	var sc model.Scan
	if err := row.Scan(&sc.ID, &sc.UserID, &sc.RepoURL, &sc.RepoToken, &sc.TargetURL, &sc.IncludesDAST); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pgx.ErrNoRows
		}
		return nil, err
	}

	first := model.StatusScanning
	if sc.RepoURL != nil && *sc.RepoURL != "" {
		first = model.StatusCloning
	}
	_, err = tx.Exec(ctx, `
		UPDATE scans
		SET status=$2, started_at=now(), worker_id=$3
		WHERE id=$1
	`, sc.ID, first, workerID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	sc.Status = first
	s.notifyScanChanged(ctx, sc.ID)
	return &sc, nil
}

// ClaimQueued moves one specific queued scan into its first active phase,
// for callers that already hold the scan row rather than polling the queue.
// Claiming a scan that is no longer 'queued' is an error: another worker got
// there first.
func (s *Store) ClaimQueued(ctx context.Context, sc *model.Scan, workerID string) error {
	first := model.StatusScanning
	if sc.RepoURL != nil && *sc.RepoURL != "" {
		first = model.StatusCloning
	}
	tag, err := s.Pool.Exec(ctx, `
		UPDATE scans
		SET status=$2, started_at=now(), worker_id=$3
		WHERE id=$1 AND status='queued'
	`, sc.ID, first, workerID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("scan %s: not queued, cannot claim", sc.ID)
	}
	sc.Status = first
	s.notifyScanChanged(ctx, sc.ID)
	return nil
}

// Advance moves a scan one step forward along the strict state order. The
// WHERE clause enforces monotonicity: a scan that already left 'from' is
// never touched, and the caller finds out.
func (s *Store) Advance(ctx context.Context, id, from, to string) error {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE scans
		SET status=$3
		WHERE id=$1 AND status=$2
	`, id, from, to)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("scan %s: illegal transition %s -> %s", id, from, to)
	}
	s.notifyScanChanged(ctx, id)
	return nil
}

// MarkFailed is the terminal error sink: reachable from any
// non-terminal state, records the error and a completion timestamp.
func (s *Store) MarkFailed(ctx context.Context, id, errMsg string) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE scans
		SET status='failed',
		    completed_at=now(),
		    error_msg=$2
		WHERE id=$1
		  AND status NOT IN ('complete','failed')
	`, id, errMsg)
	if err == nil {
		s.notifyScanChanged(ctx, id)
	}
	return err
}

// MarkComplete writes the terminal status, severity counters, total, score,
// and completion timestamp in one atomic statement, and only from
// 'translating' so a failed scan can never be resurrected.
func (s *Store) MarkComplete(ctx context.Context, id string, score int, c model.SeverityCounts) error {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE scans
		SET status='complete', completed_at=now(),
		    critical_count=$2, high_count=$3, medium_count=$4, low_count=$5,
		    total_findings=$6, score=$7, error_msg=NULL
		WHERE id=$1 AND status='translating'
	`, id, c.Critical, c.High, c.Medium, c.Low, c.Total(), score)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("scan %s: not in translating state, refusing to complete", id)
	}
	s.notifyScanChanged(ctx, id)
	return nil
}

// InsertFindings bulk-inserts one adapter pass worth of findings and fills in
// the generated row ids, pipelined through pgx.Batch in chunks.
func (s *Store) InsertFindings(ctx context.Context, findings []model.Finding) error {
	for start := 0; start < len(findings); start += insertBatchSize {
		end := start + insertBatchSize
		if end > len(findings) {
			end = len(findings)
		}
		chunk := findings[start:end]

		batch := &pgx.Batch{}
		for _, f := range chunk {
			raw := f.Raw
			if len(raw) == 0 {
				raw = []byte(`{}`)
			}
			batch.Queue(`
INSERT INTO findings (
  scan_id, severity, category, rule_id, file_path, line, url,
  snippet, message, raw, status,
  plain_english, business_impact, fix_prompt, verification_step
)
VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb, $11, $12, $13, $14, $15)
RETURNING id`,
				f.ScanID,
				f.Severity,
				f.Category,
				f.RuleID,
				f.FilePath,
				f.Line,
				nullableString(f.URL),
				f.Snippet,
				f.Message,
				string(raw),
				coalesceString(f.Status, model.FindingOpen),
				f.Narrative.PlainEnglish,
				f.Narrative.BusinessImpact,
				f.Narrative.FixPrompt,
				f.Narrative.VerificationStep,
			)
		}

		br := s.Pool.SendBatch(ctx, batch)
		for i := range chunk {
			if err := br.QueryRow().Scan(&findings[start+i].ID); err != nil {
				_ = br.Close()
				return fmt.Errorf("insert finding: %w", err)
			}
		}
		if err := br.Close(); err != nil {
			return err
		}
	}
	return nil
}

// UpdateNarratives writes the translated (or fallback) narrative fields back
// to findings that already have row ids.
func (s *Store) UpdateNarratives(ctx context.Context, findings []model.Finding) error {
	batch := &pgx.Batch{}
	count := 0
	for _, f := range findings {
		if f.ID == 0 {
			continue
		}
		batch.Queue(`
			UPDATE findings
			SET plain_english=$2, business_impact=$3, fix_prompt=$4, verification_step=$5
			WHERE id=$1
		`, f.ID, f.Narrative.PlainEnglish, f.Narrative.BusinessImpact, f.Narrative.FixPrompt, f.Narrative.VerificationStep)
		count++
	}
	if count == 0 {
		return nil
	}
	br := s.Pool.SendBatch(ctx, batch)
	for i := 0; i < count; i++ {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return err
		}
	}
	return br.Close()
}

// SeverityCountsForScan tallies the full persisted finding set. The counters
// written at completion come from here, not from the current run's in-memory
// slice, so separately inserted adapter passes stay counted.
func (s *Store) SeverityCountsForScan(ctx context.Context, scanID string) (model.SeverityCounts, error) {
	var c model.SeverityCounts
	err := s.Pool.QueryRow(ctx, `
		SELECT
		  COUNT(*) FILTER (WHERE severity='critical'),
		  COUNT(*) FILTER (WHERE severity='high'),
		  COUNT(*) FILTER (WHERE severity='medium'),
		  COUNT(*) FILTER (WHERE severity='low'),
		  COUNT(*) FILTER (WHERE severity='info')
		FROM findings
		WHERE scan_id=$1::uuid
	`, scanID).Scan(&c.Critical, &c.High, &c.Medium, &c.Low, &c.Info)
	return c, err
}

// ListCompletedScanIDs pages through completed scans, oldest first, for
// offline repair tooling.
func (s *Store) ListCompletedScanIDs(ctx context.Context, afterID string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.Pool.Query(ctx, `
		SELECT id::text
		FROM scans
		WHERE status='complete' AND ($1 = '' OR id::text > $1)
		ORDER BY id
		LIMIT $2
	`, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RewriteAggregates overwrites a completed scan's counters and score without
// touching its status or timestamps. Used by the recount tool only.
func (s *Store) RewriteAggregates(ctx context.Context, id string, score int, c model.SeverityCounts) error {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE scans
		SET critical_count=$2, high_count=$3, medium_count=$4, low_count=$5,
		    total_findings=$6, score=$7
		WHERE id=$1 AND status='complete'
	`, id, c.Critical, c.High, c.Medium, c.Low, c.Total(), score)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("scan %s: not complete, aggregates untouched", id)
	}
	return nil
}

// SyncUserScanCount recomputes the user's completed-scan tally from the
// persisted store rather than incrementing a counter, which stays correct
// when scans for the same user complete concurrently.
func (s *Store) SyncUserScanCount(ctx context.Context, userID string) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE user_accounts
		SET completed_scans = (
			SELECT COUNT(*) FROM scans WHERE user_id=$1::uuid AND status='complete'
		)
		WHERE id=$1::uuid
	`, userID)
	return err
}

// RequeueStaleActive re-queues scans orphaned mid-flight by a crashed worker.
// Run at startup.
func (s *Store) RequeueStaleActive(ctx context.Context, idleFor time.Duration) ([]string, error) {
	seconds := int64(idleFor.Seconds())
	if seconds <= 0 {
		return nil, nil
	}
	rows, err := s.Pool.Query(ctx, `
		UPDATE scans
		SET status='queued', started_at=NULL, worker_id=NULL
		WHERE status IN ('cloning','scanning','translating')
		  AND COALESCE(started_at, created_at) < now() - ($1::bigint * interval '1 second')
		RETURNING id::text
	`, seconds)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
		s.notifyScanChanged(ctx, id)
	}
	return ids, rows.Err()
}

// FailStaleActive hard-fails scans that have been in flight past the
// deadline. This is the only way a running scan stops: there is no mid-scan
// cancellation.
func (s *Store) FailStaleActive(ctx context.Context, maxAge time.Duration) ([]string, error) {
	seconds := int64(maxAge.Seconds())
	if seconds <= 0 {
		return nil, nil
	}
	rows, err := s.Pool.Query(ctx, `
		UPDATE scans
		SET status='failed',
		    completed_at=now(),
		    error_msg='scan timed out: exceeded maximum runtime'
		WHERE status IN ('cloning','scanning','translating')
		  AND COALESCE(started_at, created_at) < now() - ($1::bigint * interval '1 second')
		RETURNING id::text
	`, seconds)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
		s.notifyScanChanged(ctx, id)
	}
	return ids, rows.Err()
}

func coalesceString(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func nullableString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
