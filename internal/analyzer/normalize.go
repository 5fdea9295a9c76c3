// Package analyzer wraps the external analysis tools (static code scanner,
// containerized dynamic scanner, SEO checks) and normalizes their disparate
// output formats into the canonical finding schema.
package analyzer

import (
	"encoding/json"
	"path/filepath"
	"strings"

	"github.com/yourorg/audit-worker/internal/model"
)

// StaticResult, DynamicResult, and SeoResult are the three adapter output
// variants. Each has exactly one normalization path; nothing downstream
// inspects tool output directly.
type StaticResult struct {
	Report     model.SemgrepReport
	RawOutput  []byte
	ToolErrors []string
}

type DynamicResult struct {
	Report     model.ZapReport
	RawOutput  []byte
	ToolErrors []string
}

type SeoResult struct {
	Findings   []model.Finding
	ToolErrors []string
}

// severityFromSemgrep maps the static tool's vocabulary onto the canonical
// scale. Anything unrecognized degrades to low rather than being dropped.
func severityFromSemgrep(s string) string {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ERROR":
		return model.SeverityCritical
	case "WARNING":
		return model.SeverityHigh
	case "INFO":
		return model.SeverityMedium
	default:
		return model.SeverityLow
	}
}

// severityFromRisk maps the dynamic tool's risk codes 3/2/1/0 onto
// critical/high/medium/low. Unknown codes yield low.
func severityFromRisk(code string) string {
	switch strings.TrimSpace(code) {
	case "3":
		return model.SeverityCritical
	case "2":
		return model.SeverityHigh
	case "1":
		return model.SeverityMedium
	case "0":
		return model.SeverityLow
	default:
		return model.SeverityLow
	}
}

type categoryRule struct {
	keywords []string
	category string
}

// categoryRules is an ordered first-match-wins table over the static tool's
// rule identifier. Order is a contract: earlier rows shadow later ones.
var categoryRules = []categoryRule{
	{[]string{"secret", "hardcoded", "password"}, "hardcoded-secrets"},
	{[]string{"sql", "injection"}, "sql-injection"},
	{[]string{"xss", "cross-site"}, "xss"},
	{[]string{"auth", "session"}, "missing-auth"},
	{[]string{"idor", "object-reference"}, "idor"},
	{[]string{"crypto", "encrypt"}, "insecure-crypto"},
	{[]string{"eval", "dangerous"}, "dangerous-functions"},
	{[]string{"supabase", "firebase"}, "exposed-credentials"},
	{[]string{"input", "valid"}, "missing-validation"},
}

// Categorize derives a category tag from a rule identifier by ordered
// substring matching. Falls through to "other".
func Categorize(ruleID string) string {
	id := strings.ToLower(ruleID)
	for _, rule := range categoryRules {
		for _, kw := range rule.keywords {
			if strings.Contains(id, kw) {
				return rule.category
			}
		}
	}
	return "other"
}

// StripSandboxPrefix rewrites an absolute tool-reported path into a
// repo-relative one. This is the single enforcement point keeping the scratch
// filesystem layout out of every user-facing surface; it runs before any
// finding is persisted.
func StripSandboxPrefix(path, sandboxRoot string) string {
	if path == "" {
		return ""
	}
	path = filepath.ToSlash(path)
	root := filepath.ToSlash(strings.TrimRight(sandboxRoot, "/"))
	if root != "" {
		if rel, ok := strings.CutPrefix(path, root+"/"); ok {
			return rel
		}
		if path == root {
			return ""
		}
	}
	return strings.TrimPrefix(path, "/")
}

// NormalizeStatic converts a static-analysis report into canonical findings.
// The original result object rides along as the opaque raw payload.
func NormalizeStatic(res StaticResult, sandboxRoot, scanID string) []model.Finding {
	findings := make([]model.Finding, 0, len(res.Report.Results))
	for _, r := range res.Report.Results {
		line := r.Start.Line
		raw, _ := json.Marshal(r)
		findings = append(findings, model.Finding{
			ScanID:   scanID,
			Severity: severityFromSemgrep(r.Extra.Severity),
			Category: Categorize(r.CheckID),
			RuleID:   r.CheckID,
			FilePath: StripSandboxPrefix(r.Path, sandboxRoot),
			Line:     &line,
			Snippet:  r.Extra.Lines,
			Message:  r.Extra.Message,
			Raw:      raw,
			Status:   model.FindingOpen,
		})
	}
	return findings
}

// NormalizeDynamic converts a dynamic-site report into canonical findings.
// Every HTML-bearing text field is stripped of markup before further use.
func NormalizeDynamic(res DynamicResult, targetURL, scanID string) []model.Finding {
	var findings []model.Finding
	for _, site := range res.Report.Site {
		for _, a := range site.Alerts {
			raw, _ := json.Marshal(a)
			ruleID := "dast-" + a.PluginID
			findings = append(findings, model.Finding{
				ScanID:   scanID,
				Severity: severityFromRisk(a.RiskCode),
				Category: "dast",
				RuleID:   ruleID,
				URL:      targetURL,
				Snippet:  StripHTML(a.Evidence),
				Message:  StripHTML(a.Name) + ": " + StripHTML(a.Desc),
				Raw:      raw,
				Status:   model.FindingOpen,
			})
		}
	}
	return findings
}
