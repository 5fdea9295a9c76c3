package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/yourorg/audit-worker/internal/analyzer"
	"github.com/yourorg/audit-worker/internal/artifacts"
	"github.com/yourorg/audit-worker/internal/config"
	"github.com/yourorg/audit-worker/internal/db"
	"github.com/yourorg/audit-worker/internal/model"
	"github.com/yourorg/audit-worker/internal/notify"
	"github.com/yourorg/audit-worker/internal/sandbox"
	"github.com/yourorg/audit-worker/internal/score"
	"github.com/yourorg/audit-worker/internal/translate"
)

// scanStore is the slice of the database layer the runner drives scans
// through. *db.Store satisfies it; tests substitute an in-memory fake.
type scanStore interface {
	AcquireNextQueued(ctx context.Context, workerID string) (*model.Scan, error)
	ClaimQueued(ctx context.Context, sc *model.Scan, workerID string) error
	Advance(ctx context.Context, id, from, to string) error
	MarkFailed(ctx context.Context, id, errMsg string) error
	MarkComplete(ctx context.Context, id string, score int, c model.SeverityCounts) error
	InsertFindings(ctx context.Context, findings []model.Finding) error
	UpdateNarratives(ctx context.Context, findings []model.Finding) error
	SeverityCountsForScan(ctx context.Context, scanID string) (model.SeverityCounts, error)
	SyncUserScanCount(ctx context.Context, userID string) error
	RequeueStaleActive(ctx context.Context, idleFor time.Duration) ([]string, error)
}

// Runner owns the scan lifecycle: it claims queued scans, drives each one
// through cloning -> scanning -> translating -> complete, and guarantees the
// sandbox is released on every exit path. Callers observe progress only
// through the persisted scan row; there is no return channel.
type Runner struct {
	cfg       config.Config
	db        scanStore
	artifacts *artifacts.Client

	sandboxes  *sandbox.Manager
	static     *analyzer.Static
	dynamic    *analyzer.Dynamic
	seo        *analyzer.Seo
	translator *translate.Batcher
	notifier   *notify.Notifier

	workerID string
}

func NewRunner(cfg config.Config, store *db.Store, art *artifacts.Client) *Runner {
	return &Runner{
		cfg:       cfg,
		db:        store,
		artifacts: art,
		sandboxes: sandbox.NewManager(cfg.ScratchDir, cfg.CloneTimeout),
		static: &analyzer.Static{
			SemgrepPath: cfg.SemgrepPath,
			Timeout:     cfg.SemgrepTimeout,
		},
		dynamic: &analyzer.Dynamic{
			DockerPath: cfg.DockerPath,
			ZapImage:   cfg.ZapImage,
			Timeout:    cfg.ZapTimeout,
			ScratchDir: cfg.ScratchDir,
		},
		seo: &analyzer.Seo{
			Client:  &http.Client{Timeout: cfg.FetchTimeout},
			Timeout: cfg.FetchTimeout,
		},
		translator: translate.NewBatcher(&translate.HTTPClient{
			BaseURL: cfg.LLMBaseURL,
			APIKey:  cfg.LLMAPIKey,
			Model:   cfg.LLMModel,
			HTTP:    &http.Client{Timeout: cfg.TranslateTimeout},
		}, cfg.TranslateTimeout),
		notifier: notify.New(cfg.NotifyWebhookURL),
		workerID: "worker-" + uuid.NewString(),
	}
}

func (r *Runner) WorkerID() string { return r.workerID }

// RecoverStaleScans re-queues scans orphaned by crashed workers. Called once
// at startup.
func (r *Runner) RecoverStaleScans(ctx context.Context) {
	ids, err := r.db.RequeueStaleActive(ctx, 30*time.Minute)
	if err != nil {
		log.Printf("stale scan recovery failed: %v", err)
		return
	}
	for _, id := range ids {
		log.Printf("scan %s: re-queued after worker loss", id)
	}
}

// RunForever polls the queue and processes claimed scans on goroutines bounded
// by the configured concurrency. Poll backoff doubles while idle and resets on
// work, capped at 5s.
func (r *Runner) RunForever(ctx context.Context) error {
	sem := make(chan struct{}, r.cfg.WorkerConcurrency)
	backoff := 500 * time.Millisecond
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		sc, err := r.db.AcquireNextQueued(ctx, r.workerID)
		if err != nil {
			if !errors.Is(err, pgx.ErrNoRows) {
				log.Printf("acquire queued scan: %v", err)
			}
			time.Sleep(backoff)
			if backoff < 5*time.Second {
				backoff *= 2
			} else {
				backoff = 5 * time.Second
			}
			continue
		}
		backoff = 500 * time.Millisecond

		sem <- struct{}{}
		go func(sc *model.Scan) {
			defer func() { <-sem }()
			r.Execute(ctx, sc)
		}(sc)
	}
}

// Launch starts one scan in the background and returns immediately. The
// caller gets nothing back: completion is observable only by polling the
// scan row. This is the contract, not an accident.
func (r *Runner) Launch(sc *model.Scan) {
	go r.executeQueued(context.Background(), sc)
}

// executeQueued claims a still-queued scan into its first active phase, then
// runs the pipeline. A claim that loses the race to a polling worker is not
// an error for the scan: whoever claimed it will finish it.
func (r *Runner) executeQueued(ctx context.Context, sc *model.Scan) {
	if err := r.db.ClaimQueued(ctx, sc, r.workerID); err != nil {
		log.Printf("scan %s: claim skipped: %v", sc.ID, err)
		return
	}
	r.Execute(ctx, sc)
}

// Execute drives one scan to a terminal state. Every non-terminal outcome is
// funneled into either MarkComplete or MarkFailed; a panic anywhere in the
// pipeline is caught here and recorded as the scan's error.
func (r *Runner) Execute(ctx context.Context, sc *model.Scan) {
	defer func() {
		if p := recover(); p != nil {
			log.Printf("scan %s: panic: %v", sc.ID, p)
			_ = r.db.MarkFailed(ctx, sc.ID, fmt.Sprintf("unexpected error: %v", p))
		}
	}()

	log.Printf("scan %s: starting (repo=%v url=%v dast=%v)",
		sc.ID, sc.RepoURL != nil, sc.TargetURL != nil, sc.IncludesDAST)

	if err := r.run(ctx, sc); err != nil {
		log.Printf("scan %s: failed: %v", sc.ID, err)
		_ = r.db.MarkFailed(ctx, sc.ID, err.Error())
		return
	}
	log.Printf("scan %s: complete", sc.ID)
}

func (r *Runner) run(ctx context.Context, sc *model.Scan) error {
	var sb *sandbox.Sandbox

	// Cloning phase, skipped entirely for URL-only scans.
	if sc.RepoURL != nil && *sc.RepoURL != "" {
		var token string
		if sc.RepoToken != nil {
			token = *sc.RepoToken
		}
		acquired, err := r.sandboxes.Acquire(ctx, *sc.RepoURL, token)
		if err != nil {
			return err
		}
		sb = acquired
		if err := r.db.Advance(ctx, sc.ID, model.StatusCloning, model.StatusScanning); err != nil {
			sb.Release()
			return err
		}
	}
	// Release fires on every path out of the analysis phase, including
	// panics unwinding through here.
	defer sb.Release()

	findings, err := r.analyze(ctx, sc, sb)
	if err != nil {
		return err
	}

	if err := r.db.Advance(ctx, sc.ID, model.StatusScanning, model.StatusTranslating); err != nil {
		return err
	}

	r.translator.Translate(ctx, sc.ID, findings)
	if err := r.db.UpdateNarratives(ctx, findings); err != nil {
		return fmt.Errorf("persist narratives: %w", err)
	}

	// Counters and score come from the full persisted set, not this run's
	// slice, so findings inserted by separate passes stay counted.
	counts, err := r.db.SeverityCountsForScan(ctx, sc.ID)
	if err != nil {
		return fmt.Errorf("tally findings: %w", err)
	}
	finalScore := score.FromCounts(counts)
	if err := r.db.MarkComplete(ctx, sc.ID, finalScore, counts); err != nil {
		return err
	}

	r.afterComplete(ctx, sc, finalScore, counts)
	return nil
}

// analyze runs the applicable adapters in sequence and persists each pass as
// it lands. Tool-level errors degrade to fewer findings; only persistence
// failures propagate.
func (r *Runner) analyze(ctx context.Context, sc *model.Scan, sb *sandbox.Sandbox) ([]model.Finding, error) {
	var all []model.Finding

	if sb != nil {
		res := r.static.Run(ctx, sc.ID, sb.Dir)
		r.logToolErrors(sc.ID, "static", res.ToolErrors)
		r.uploadArtifact(ctx, sc.ID, "semgrep", res.RawOutput)

		findings := analyzer.NormalizeStatic(res, sb.Dir, sc.ID)
		if err := r.db.InsertFindings(ctx, findings); err != nil {
			return nil, fmt.Errorf("persist static findings: %w", err)
		}
		log.Printf("scan %s: static pass done (%d findings)", sc.ID, len(findings))
		all = append(all, findings...)
	}

	if sc.TargetURL != nil && *sc.TargetURL != "" {
		target := *sc.TargetURL

		if sc.IncludesDAST {
			if err := sandbox.ValidateTargetURL(ctx, target); err != nil {
				// Unsafe target: skip dynamic analysis entirely. Not an
				// error; the scan continues with the other adapters.
				log.Printf("scan %s: dynamic pass skipped: %v", sc.ID, err)
			} else {
				res := r.dynamic.Run(ctx, sc.ID, target)
				r.logToolErrors(sc.ID, "dynamic", res.ToolErrors)
				r.uploadArtifact(ctx, sc.ID, "zap", res.RawOutput)

				findings := analyzer.NormalizeDynamic(res, target, sc.ID)
				if err := r.db.InsertFindings(ctx, findings); err != nil {
					return nil, fmt.Errorf("persist dynamic findings: %w", err)
				}
				log.Printf("scan %s: dynamic pass done (%d findings)", sc.ID, len(findings))
				all = append(all, findings...)
			}
		}

		res := r.seo.Run(ctx, sc.ID, target)
		r.logToolErrors(sc.ID, "seo", res.ToolErrors)
		if err := r.db.InsertFindings(ctx, res.Findings); err != nil {
			return nil, fmt.Errorf("persist seo findings: %w", err)
		}
		log.Printf("scan %s: seo pass done (%d findings)", sc.ID, len(res.Findings))
		all = append(all, res.Findings...)
	}

	return all, nil
}

// afterComplete handles post-completion side effects. Nothing here can undo
// a completed scan: every failure is logged and swallowed.
func (r *Runner) afterComplete(ctx context.Context, sc *model.Scan, finalScore int, counts model.SeverityCounts) {
	if err := r.db.SyncUserScanCount(ctx, sc.UserID); err != nil {
		log.Printf("scan %s: sync user scan count: %v", sc.ID, err)
	}

	summary := model.ScanSummary{
		ScanID:        sc.ID,
		TargetName:    targetName(sc),
		Score:         finalScore,
		TotalFindings: counts.Total(),
		Counts:        counts,
		CompletedAt:   time.Now().UTC(),
	}
	err := retry(ctx, 3, 200*time.Millisecond, func() error {
		return r.notifier.ScanCompleted(ctx, summary)
	})
	if err != nil {
		log.Printf("scan %s: completion notification failed: %v", sc.ID, err)
	}
}

func (r *Runner) logToolErrors(scanID, tool string, errs []string) {
	for _, e := range errs {
		log.Printf("scan %s: %s tool: %s", scanID, tool, e)
	}
}

// uploadArtifact retains the raw tool report for audit. Best-effort.
func (r *Runner) uploadArtifact(ctx context.Context, scanID, tool string, raw []byte) {
	if r.artifacts == nil || len(raw) == 0 {
		return
	}
	err := retry(ctx, 3, 200*time.Millisecond, func() error {
		return r.artifacts.UploadReport(ctx, scanID, tool, raw)
	})
	if err != nil {
		log.Printf("scan %s: upload %s report: %v", scanID, tool, err)
	}
}

func targetName(sc *model.Scan) string {
	if sc.TargetURL != nil && *sc.TargetURL != "" {
		return *sc.TargetURL
	}
	if sc.RepoURL != nil {
		return *sc.RepoURL
	}
	return sc.ID
}
