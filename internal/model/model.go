package model

import "time"

// Scan statuses, in strict forward order. A scan never moves back to an
// earlier phase; 'failed' is reachable from any non-terminal state.
const (
	StatusQueued      = "queued"
	StatusCloning     = "cloning"
	StatusScanning    = "scanning"
	StatusTranslating = "translating"
	StatusComplete    = "complete"
	StatusFailed      = "failed"
)

// Canonical severity scale, applied to every finding after normalization.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
	SeverityInfo     = "info"
)

// Finding statuses. Only 'open' is set by the worker; the rest are user actions.
const (
	FindingOpen          = "open"
	FindingFixed         = "fixed"
	FindingAccepted      = "accepted"
	FindingFalsePositive = "false_positive"
)

type Scan struct {
	ID            string
	UserID        string
	RepoURL       *string
	RepoToken     *string
	TargetURL     *string
	Status        string
	CriticalCount int
	HighCount     int
	MediumCount   int
	LowCount      int
	TotalFindings int
	Score         *int
	IncludesDAST  bool
	ErrorMsg      *string
	StartedAt     *time.Time
	CompletedAt   *time.Time
}

type Finding struct {
	ID       int64
	ScanID   string
	Severity string
	Category string
	RuleID   string
	// FilePath is repo-relative for static findings and empty for URL-based
	// ones; URL is set for dynamic and SEO findings.
	FilePath string
	Line     *int
	URL      string
	Snippet  string
	Message  string
	Raw      []byte
	Status   string

	Narrative Narrative
}

// Narrative holds the four generated user-facing fields. All four are always
// populated before a scan completes, either by translation or by the fallback.
type Narrative struct {
	PlainEnglish     string `json:"plain_english"`
	BusinessImpact   string `json:"business_impact"`
	FixPrompt        string `json:"fix_prompt"`
	VerificationStep string `json:"verification_step"`
}

type SeverityCounts struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
	Info     int `json:"info"`
}

func (c SeverityCounts) Total() int {
	return c.Critical + c.High + c.Medium + c.Low + c.Info
}

// CountBySeverity tallies findings on the canonical scale. Unknown severities
// are dropped from both buckets and total; normalization prevents them upstream.
func CountBySeverity(findings []Finding) SeverityCounts {
	var c SeverityCounts
	for _, f := range findings {
		switch f.Severity {
		case SeverityCritical:
			c.Critical++
		case SeverityHigh:
			c.High++
		case SeverityMedium:
			c.Medium++
		case SeverityLow:
			c.Low++
		case SeverityInfo:
			c.Info++
		}
	}
	return c
}

// ScanSummary is the payload handed to the notification collaborator when a
// scan reaches 'complete'.
type ScanSummary struct {
	ScanID        string         `json:"scan_id"`
	TargetName    string         `json:"target_name"`
	Score         int            `json:"score"`
	TotalFindings int            `json:"total_findings"`
	Counts        SeverityCounts `json:"counts_by_severity"`
	CompletedAt   time.Time      `json:"completed_at"`
}
