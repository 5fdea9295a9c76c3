package worker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/yourorg/audit-worker/internal/analyzer"
	"github.com/yourorg/audit-worker/internal/model"
	"github.com/yourorg/audit-worker/internal/notify"
	"github.com/yourorg/audit-worker/internal/sandbox"
	"github.com/yourorg/audit-worker/internal/translate"
)

func strptr(s string) *string { return &s }

// fakeStore keeps scan rows in memory and enforces the same transition rules
// the SQL layer does: Advance and MarkComplete match on the current status,
// ClaimQueued only claims a 'queued' row, MarkFailed never touches a terminal
// row.
type fakeStore struct {
	mu          sync.Mutex
	status      map[string]string
	errMsgs     map[string]string
	findings    map[string][]model.Finding
	scores      map[string]int
	transitions []string
	syncedUsers []string
	nextID      int64
}

func newFakeStore(scans ...*model.Scan) *fakeStore {
	s := &fakeStore{
		status:   make(map[string]string),
		errMsgs:  make(map[string]string),
		findings: make(map[string][]model.Finding),
		scores:   make(map[string]int),
	}
	for _, sc := range scans {
		s.status[sc.ID] = sc.Status
	}
	return s
}

func (s *fakeStore) AcquireNextQueued(ctx context.Context, workerID string) (*model.Scan, error) {
	return nil, pgx.ErrNoRows
}

func (s *fakeStore) ClaimQueued(ctx context.Context, sc *model.Scan, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status[sc.ID] != model.StatusQueued {
		return errors.New("scan " + sc.ID + ": not queued, cannot claim")
	}
	first := model.StatusScanning
	if sc.RepoURL != nil && *sc.RepoURL != "" {
		first = model.StatusCloning
	}
	s.status[sc.ID] = first
	s.transitions = append(s.transitions, model.StatusQueued+"->"+first)
	sc.Status = first
	return nil
}

func (s *fakeStore) Advance(ctx context.Context, id, from, to string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status[id] != from {
		return errors.New("scan " + id + ": illegal transition " + from + " -> " + to)
	}
	s.status[id] = to
	s.transitions = append(s.transitions, from+"->"+to)
	return nil
}

func (s *fakeStore) MarkFailed(ctx context.Context, id, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.status[id]
	if cur == model.StatusComplete || cur == model.StatusFailed {
		return nil
	}
	s.status[id] = model.StatusFailed
	s.errMsgs[id] = errMsg
	s.transitions = append(s.transitions, cur+"->"+model.StatusFailed)
	return nil
}

func (s *fakeStore) MarkComplete(ctx context.Context, id string, score int, c model.SeverityCounts) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status[id] != model.StatusTranslating {
		return errors.New("scan " + id + ": illegal transition to complete")
	}
	s.status[id] = model.StatusComplete
	s.scores[id] = score
	s.transitions = append(s.transitions, model.StatusTranslating+"->"+model.StatusComplete)
	return nil
}

func (s *fakeStore) InsertFindings(ctx context.Context, findings []model.Finding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range findings {
		s.nextID++
		findings[i].ID = s.nextID
		s.findings[findings[i].ScanID] = append(s.findings[findings[i].ScanID], findings[i])
	}
	return nil
}

func (s *fakeStore) UpdateNarratives(ctx context.Context, findings []model.Finding) error {
	return nil
}

func (s *fakeStore) SeverityCountsForScan(ctx context.Context, scanID string) (model.SeverityCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return model.CountBySeverity(s.findings[scanID]), nil
}

func (s *fakeStore) SyncUserScanCount(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncedUsers = append(s.syncedUsers, userID)
	return nil
}

func (s *fakeStore) RequeueStaleActive(ctx context.Context, idleFor time.Duration) ([]string, error) {
	return nil, nil
}

func (s *fakeStore) statusOf(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status[id]
}

type downLLM struct{}

func (downLLM) Complete(context.Context, string, string) (string, error) {
	return "", errors.New("service unavailable")
}

func newTestRunner(t *testing.T, store *fakeStore) *Runner {
	t.Helper()
	batcher := translate.NewBatcher(downLLM{}, time.Second)
	batcher.BatchDelay = time.Millisecond
	return &Runner{
		db:        store,
		sandboxes: sandbox.NewManager(t.TempDir(), 2*time.Second),
		static:    &analyzer.Static{SemgrepPath: "/nonexistent/semgrep", Timeout: time.Second},
		dynamic: &analyzer.Dynamic{
			DockerPath: "/nonexistent/docker",
			ZapImage:   "zap:test",
			Timeout:    time.Second,
			ScratchDir: t.TempDir(),
		},
		seo:        &analyzer.Seo{Timeout: 5 * time.Second},
		translator: batcher,
		notifier:   notify.New(""),
		workerID:   "worker-test",
	}
}

const cleanHTML = `<!doctype html>
<html><head>
<title>Acme Widgets</title>
<meta name="description" content="Widgets for everyone">
<meta name="viewport" content="width=device-width">
<meta property="og:title" content="Acme">
<link rel="canonical" href="https://acme.test/">
<script type="application/ld+json">{"@type":"Organization"}</script>
</head><body><h1>Welcome</h1></body></html>`

func cleanSiteHandler() map[string]string {
	return map[string]string{
		"/":            cleanHTML,
		"/robots.txt":  "User-agent: *\nAllow: /\n",
		"/sitemap.xml": "<urlset></urlset>",
		"/llms.txt":    "# Acme",
	}
}

func siteServer(t *testing.T, pages map[string]string, useTLS bool) *httptest.Server {
	t.Helper()
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if body, ok := pages[r.URL.Path]; ok {
			_, _ = w.Write([]byte(body))
			return
		}
		http.NotFound(w, r)
	})
	var srv *httptest.Server
	if useTLS {
		srv = httptest.NewTLSServer(handler)
	} else {
		srv = httptest.NewServer(handler)
	}
	t.Cleanup(srv.Close)
	return srv
}

func TestExecuteCleanSiteCompletesWithScore100(t *testing.T) {
	srv := siteServer(t, cleanSiteHandler(), true)

	sc := &model.Scan{ID: "s-clean", UserID: "u1", TargetURL: strptr(srv.URL + "/"), Status: model.StatusScanning}
	store := newFakeStore(sc)
	r := newTestRunner(t, store)
	r.seo.Client = srv.Client()

	r.Execute(context.Background(), sc)

	if got := store.statusOf(sc.ID); got != model.StatusComplete {
		t.Fatalf("status = %q, want complete (error: %q)", got, store.errMsgs[sc.ID])
	}
	if store.scores[sc.ID] != 100 {
		t.Errorf("score = %d, want 100", store.scores[sc.ID])
	}
	if n := len(store.findings[sc.ID]); n != 0 {
		t.Errorf("found %d findings, want 0", n)
	}
	counts, _ := store.SeverityCountsForScan(context.Background(), sc.ID)
	if counts.Total() != 0 {
		t.Errorf("counters = %+v, want all zero", counts)
	}
	if len(store.syncedUsers) != 1 || store.syncedUsers[0] != "u1" {
		t.Errorf("synced users = %v, want [u1]", store.syncedUsers)
	}
}

func TestExecutePrivateTargetSkipsDynamicStillCompletes(t *testing.T) {
	// httptest listens on loopback, which the safety gate rejects for
	// dynamic analysis. The page itself is bare so the seo pass has
	// something to report.
	srv := siteServer(t, map[string]string{"/": "<html><body></body></html>"}, false)

	sc := &model.Scan{ID: "s-dast", UserID: "u2", TargetURL: strptr(srv.URL + "/"), IncludesDAST: true, Status: model.StatusScanning}
	store := newFakeStore(sc)
	r := newTestRunner(t, store)

	r.Execute(context.Background(), sc)

	if got := store.statusOf(sc.ID); got != model.StatusComplete {
		t.Fatalf("status = %q, want complete (error: %q)", got, store.errMsgs[sc.ID])
	}
	found := store.findings[sc.ID]
	if len(found) == 0 {
		t.Fatal("expected seo findings from the bare page")
	}
	for _, f := range found {
		if f.Category == "dast" {
			t.Errorf("dynamic finding %s inserted despite loopback target", f.RuleID)
		}
	}
	if store.scores[sc.ID] >= 100 {
		t.Errorf("score = %d, want < 100 with findings present", store.scores[sc.ID])
	}
}

func TestExecuteAcquisitionFailureMarksFailed(t *testing.T) {
	sc := &model.Scan{ID: "s-badrepo", UserID: "u3", RepoURL: strptr("ftp://git.example.com/repo.git"), Status: model.StatusCloning}
	store := newFakeStore(sc)
	r := newTestRunner(t, store)

	r.Execute(context.Background(), sc)

	if got := store.statusOf(sc.ID); got != model.StatusFailed {
		t.Fatalf("status = %q, want failed", got)
	}
	if store.errMsgs[sc.ID] == "" {
		t.Error("expected a recorded error message")
	}
	if !strings.Contains(store.errMsgs[sc.ID], "sandbox acquisition") {
		t.Errorf("error = %q, want an acquisition error", store.errMsgs[sc.ID])
	}
	if n := len(store.findings[sc.ID]); n != 0 {
		t.Errorf("found %d findings, want 0 after acquisition failure", n)
	}
}

func TestExecuteQueuedClaimsThenCompletes(t *testing.T) {
	srv := siteServer(t, cleanSiteHandler(), true)

	sc := &model.Scan{ID: "s-launch", UserID: "u4", TargetURL: strptr(srv.URL + "/"), Status: model.StatusQueued}
	store := newFakeStore(sc)
	r := newTestRunner(t, store)
	r.seo.Client = srv.Client()

	r.executeQueued(context.Background(), sc)

	if got := store.statusOf(sc.ID); got != model.StatusComplete {
		t.Fatalf("status = %q, want complete (error: %q)", got, store.errMsgs[sc.ID])
	}
	want := []string{"queued->scanning", "scanning->translating", "translating->complete"}
	if len(store.transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", store.transitions, want)
	}
	for i := range want {
		if store.transitions[i] != want[i] {
			t.Errorf("transition[%d] = %q, want %q", i, store.transitions[i], want[i])
		}
	}
}

func TestExecuteQueuedLostClaimDoesNothing(t *testing.T) {
	// Another worker already moved the scan past 'queued'; the late launch
	// must neither run the pipeline nor fail the scan.
	sc := &model.Scan{ID: "s-raced", UserID: "u5", TargetURL: strptr("https://acme.test/"), Status: model.StatusScanning}
	store := newFakeStore(sc)
	r := newTestRunner(t, store)

	r.executeQueued(context.Background(), sc)

	if got := store.statusOf(sc.ID); got != model.StatusScanning {
		t.Fatalf("status = %q, want scanning left untouched", got)
	}
	if len(store.transitions) != 0 {
		t.Errorf("transitions = %v, want none", store.transitions)
	}
	if n := len(store.findings[sc.ID]); n != 0 {
		t.Errorf("found %d findings, want 0", n)
	}
}

func TestExecuteUnclaimedScanCannotAdvance(t *testing.T) {
	srv := siteServer(t, cleanSiteHandler(), true)

	sc := &model.Scan{ID: "s-stuck", UserID: "u6", TargetURL: strptr(srv.URL + "/"), Status: model.StatusQueued}
	store := newFakeStore(sc)
	r := newTestRunner(t, store)
	r.seo.Client = srv.Client()

	r.Execute(context.Background(), sc)

	if got := store.statusOf(sc.ID); got != model.StatusFailed {
		t.Fatalf("status = %q, want failed for a scan still queued", got)
	}
	if !strings.Contains(store.errMsgs[sc.ID], "illegal transition") {
		t.Errorf("error = %q, want an illegal transition error", store.errMsgs[sc.ID])
	}
}

func TestTargetName(t *testing.T) {
	cases := []struct {
		name string
		scan model.Scan
		want string
	}{
		{"url wins", model.Scan{ID: "s1", RepoURL: strptr("https://github.com/a/b"), TargetURL: strptr("https://acme.test")}, "https://acme.test"},
		{"repo fallback", model.Scan{ID: "s2", RepoURL: strptr("https://github.com/a/b")}, "https://github.com/a/b"},
		{"id as last resort", model.Scan{ID: "s3"}, "s3"},
		{"empty url ignored", model.Scan{ID: "s4", RepoURL: strptr("https://github.com/a/b"), TargetURL: strptr("")}, "https://github.com/a/b"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := targetName(&tc.scan); got != tc.want {
				t.Errorf("targetName = %q, want %q", got, tc.want)
			}
		})
	}
}
