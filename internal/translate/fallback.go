package translate

import (
	"strings"

	"github.com/yourorg/audit-worker/internal/model"
)

// Category-specific plain-language templates for when translation is
// unavailable. Keyed on the normalized category tag; everything else gets the
// generic template. None of these may ever reference a file location.
var fallbackExplanations = map[string]string{
	"sql-injection":       "Part of your site builds database queries directly from visitor input, like letting a stranger fill in the blanks of a signed contract. An attacker could read or delete your data.",
	"hardcoded-secrets":   "A password or secret key is written directly inside your code, like taping your house key to the front door. Anyone who sees the code can use it.",
	"xss":                 "Your site can display visitor-supplied text as live code, like letting a guest rewrite your shop's signage. Attackers can use it to steal visitor sessions.",
	"missing-auth":        "A part of your site that should be private does not properly check who is asking, like a staff-only door left unlocked.",
	"idor":                "Your site lets visitors reach other people's records just by changing a number in the address, like hotel room keys that open every room.",
	"insecure-crypto":     "Your site protects data with an outdated scrambling method, like locking a safe with a toy padlock.",
	"dangerous-functions": "Your code runs text as live instructions, like reading aloud whatever note a stranger hands you. Attackers can slip in their own commands.",
	"exposed-credentials": "Access keys for your backend services are visible to visitors, like printing your bank PIN on a business card.",
	"missing-validation":  "Your site accepts visitor input without checking it first, like cashing any cheque without looking at it.",
	"dast":                "A live test of your website found a weakness an attacker could probe from the outside.",
	"seo":                 "A search-engine check found something that makes your site harder to find or rank.",
}

var fallbackImpacts = map[string]string{
	model.SeverityCritical: "This is urgent: attackers actively look for this weakness, and it could expose customer data or take your site offline.",
	model.SeverityHigh:     "This is a serious risk that could lead to data exposure or loss of customer trust if left open.",
	model.SeverityMedium:   "This weakens your site's defenses or visibility and should be fixed in your next round of changes.",
	model.SeverityLow:      "This is a minor issue, but tidying it up keeps your site healthy.",
	model.SeverityInfo:     "This is informational; addressing it is optional but can give you a small edge.",
}

// Fallback builds the deterministic, path-free narrative used whenever
// translation fails or is skipped. All four fields are always non-empty.
func Fallback(f model.Finding) model.Narrative {
	explanation, ok := fallbackExplanations[f.Category]
	if !ok {
		explanation = "An automated check flagged an issue in your site, like a routine inspection finding something worth a closer look."
	}

	impact, ok := fallbackImpacts[f.Severity]
	if !ok {
		impact = fallbackImpacts[model.SeverityLow]
	}

	issue := strings.TrimSpace(firstSentence(f.Message))
	if issue == "" {
		issue = "a " + f.Category + " problem flagged by rule " + f.RuleID
	}

	fix := FixPromptOpen + issue +
		` Please search my codebase for this pattern, fix every occurrence using a safe, well-established approach, and explain what you changed."`

	verification := "Re-run the scan after the change and confirm this finding no longer appears."

	return model.Narrative{
		PlainEnglish:     explanation,
		BusinessImpact:   impact,
		FixPrompt:        fix,
		VerificationStep: verification,
	}
}

// firstSentence trims a tool message to its first sentence and collapses
// whitespace. Tool messages describe the rule, not the file, so this stays
// path-free.
func firstSentence(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if i := strings.IndexAny(s, ".\n"); i > 0 {
		s = s[:i+1]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
