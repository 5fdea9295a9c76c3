package analyzer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/yourorg/audit-worker/internal/model"
)

const goodHTML = `<!doctype html>
<html><head>
<title>Acme Widgets</title>
<meta name="description" content="Widgets for everyone">
<meta name="viewport" content="width=device-width">
<meta property="og:title" content="Acme">
<link rel="canonical" href="https://acme.test/">
<script type="application/ld+json">{"@type":"Organization"}</script>
</head><body>
<h1>Welcome</h1>
<img src="a.png" alt="a widget">
</body></html>`

func seoServer(t *testing.T, page string, aux map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			_, _ = w.Write([]byte(page))
			return
		}
		if body, ok := aux[r.URL.Path]; ok {
			_, _ = w.Write([]byte(body))
			return
		}
		http.NotFound(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func rulesOf(findings []model.Finding) map[string]model.Finding {
	out := make(map[string]model.Finding, len(findings))
	for _, f := range findings {
		out[f.RuleID] = f
	}
	return out
}

func TestSeoCleanPage(t *testing.T) {
	srv := seoServer(t, goodHTML, map[string]string{
		"/robots.txt":  "User-agent: *\nAllow: /\n",
		"/sitemap.xml": "<urlset></urlset>",
		"/llms.txt":    "# Acme",
	})
	a := &Seo{Timeout: 5 * time.Second}
	res := a.Run(context.Background(), "scan-1", srv.URL+"/")

	rules := rulesOf(res.Findings)
	for _, unwanted := range []string{
		"seo-missing-title", "seo-missing-meta-description", "seo-missing-h1",
		"seo-missing-canonical", "seo-missing-viewport", "seo-missing-robots",
		"seo-missing-sitemap", "seo-missing-llms-txt", "seo-site-unreachable",
	} {
		if _, ok := rules[unwanted]; ok {
			t.Errorf("clean page produced %s", unwanted)
		}
	}
	// httptest serves plain http, which is itself a finding
	if _, ok := rules["seo-no-https"]; !ok {
		t.Error("expected seo-no-https for an http target")
	}
}

func TestSeoBarePage(t *testing.T) {
	srv := seoServer(t, "<html><body><img src=x><h1>a</h1><h1>b</h1></body></html>", nil)
	a := &Seo{Timeout: 5 * time.Second}
	res := a.Run(context.Background(), "scan-2", srv.URL+"/")

	rules := rulesOf(res.Findings)
	want := map[string]string{
		"seo-missing-title":            model.SeverityHigh,
		"seo-missing-meta-description": model.SeverityMedium,
		"seo-multiple-h1":              model.SeverityLow,
		"seo-missing-canonical":        model.SeverityLow,
		"seo-missing-viewport":         model.SeverityMedium,
		"seo-images-missing-alt":       model.SeverityLow,
		"seo-missing-robots":           model.SeverityLow,
		"seo-missing-sitemap":          model.SeverityLow,
		"seo-missing-llms-txt":         model.SeverityInfo,
	}
	for rule, sev := range want {
		f, ok := rules[rule]
		if !ok {
			t.Errorf("missing expected finding %s", rule)
			continue
		}
		if f.Severity != sev {
			t.Errorf("%s severity = %q, want %q", rule, f.Severity, sev)
		}
		if f.Category != "seo" {
			t.Errorf("%s category = %q, want seo", rule, f.Category)
		}
	}
}

func TestSeoUnreachableShortCircuits(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close() // guarantee connection refused

	a := &Seo{Timeout: 2 * time.Second}
	res := a.Run(context.Background(), "scan-3", srv.URL+"/")

	if len(res.Findings) != 1 {
		t.Fatalf("got %d findings, want exactly 1", len(res.Findings))
	}
	f := res.Findings[0]
	if f.RuleID != "seo-site-unreachable" {
		t.Errorf("rule = %q, want seo-site-unreachable", f.RuleID)
	}
	if f.Severity != model.SeverityCritical {
		t.Errorf("severity = %q, want critical", f.Severity)
	}
}

func TestSeoRobotsBlockingAll(t *testing.T) {
	srv := seoServer(t, goodHTML, map[string]string{
		"/robots.txt": "User-agent: *\nDisallow: /",
	})
	a := &Seo{Timeout: 5 * time.Second}
	res := a.Run(context.Background(), "scan-4", srv.URL+"/")

	f, ok := rulesOf(res.Findings)["seo-robots-blocks-all"]
	if !ok {
		t.Fatal("expected seo-robots-blocks-all finding")
	}
	if f.Severity != model.SeverityHigh {
		t.Errorf("severity = %q, want high", f.Severity)
	}
}

func TestRobotsBlocksAll(t *testing.T) {
	cases := []struct {
		name   string
		robots string
		want   bool
	}{
		{"bare disallow", "User-agent: *\nDisallow: /", true},
		{"trailing newline", "User-agent: *\nDisallow: /\n", true},
		{"crlf endings", "User-agent: *\r\nDisallow: /\r\nCrawl-delay: 10\r\n", true},
		{"mixed case", "user-agent: *\nDISALLOW: /\n", true},
		{"allow all", "User-agent: *\nAllow: /\n", false},
		{"scoped disallow", "User-agent: *\nDisallow: /admin/\n", false},
		{"empty", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := robotsBlocksAll(tc.robots); got != tc.want {
				t.Errorf("robotsBlocksAll(%q) = %v, want %v", tc.robots, got, tc.want)
			}
		})
	}
}

func TestSeoRobotsBlockingAllCRLF(t *testing.T) {
	srv := seoServer(t, goodHTML, map[string]string{
		"/robots.txt": "User-agent: *\r\nDisallow: /\r\nCrawl-delay: 10\r\n",
	})
	a := &Seo{Timeout: 5 * time.Second}
	res := a.Run(context.Background(), "scan-5", srv.URL+"/")

	if _, ok := rulesOf(res.Findings)["seo-robots-blocks-all"]; !ok {
		t.Fatal("expected seo-robots-blocks-all for a CRLF robots.txt")
	}
}

func TestParsePage(t *testing.T) {
	page := parsePage([]byte(goodHTML))
	if page.Title != "Acme Widgets" {
		t.Errorf("title = %q", page.Title)
	}
	if page.MetaDescription != "Widgets for everyone" {
		t.Errorf("meta description = %q", page.MetaDescription)
	}
	if page.H1Count != 1 || page.ImgCount != 1 || page.ImgMissingAlt != 0 {
		t.Errorf("counts = %+v", page)
	}
	if !page.HasCanonical || !page.HasViewport || !page.HasOpenGraph || !page.HasJSONLD {
		t.Errorf("flags = %+v", page)
	}
}
