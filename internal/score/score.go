// Package score computes a scan's 0-100 health score from its findings.
package score

import "github.com/yourorg/audit-worker/internal/model"

// Deduction per finding by severity. Info findings never cost points.
var weights = map[string]int{
	model.SeverityCritical: 25,
	model.SeverityHigh:     15,
	model.SeverityMedium:   5,
	model.SeverityLow:      2,
	model.SeverityInfo:     0,
}

// Calculate starts at 100, subtracts a fixed weight per finding, and clamps
// to [0, 100]. Pure and order-independent: the same finding multiset always
// yields the same score.
func Calculate(findings []model.Finding) int {
	s := 100
	for _, f := range findings {
		s -= weights[f.Severity]
	}
	if s < 0 {
		return 0
	}
	if s > 100 {
		return 100
	}
	return s
}

// FromCounts computes the same score from pre-aggregated severity counts.
// Used when findings were persisted by separate adapter passes and only the
// stored tallies are at hand.
func FromCounts(c model.SeverityCounts) int {
	s := 100
	s -= c.Critical * weights[model.SeverityCritical]
	s -= c.High * weights[model.SeverityHigh]
	s -= c.Medium * weights[model.SeverityMedium]
	s -= c.Low * weights[model.SeverityLow]
	if s < 0 {
		return 0
	}
	if s > 100 {
		return 100
	}
	return s
}
