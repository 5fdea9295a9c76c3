package translate

import (
	"fmt"
	"strings"

	"github.com/yourorg/audit-worker/internal/model"
)

// FixPromptOpen is the fixed literal every fix prompt starts with. The prompt
// is written in first person, as the end user addressing their own AI coding
// tool, and always closes with a closing quotation mark.
const FixPromptOpen = `"My code has a security issue: `

const systemPrompt = `You rewrite technical security and SEO scan findings for a non-technical site owner.

For each finding in the batch, produce exactly one JSON object with these four fields:
- "plain_english": at most 2 sentences explaining the problem, including a simple real-world analogy. No jargon, no acronyms without explanation.
- "business_impact": what could realistically go wrong for this business, calibrated to the stated severity. Critical findings get urgent framing; low findings get mild framing.
- "fix_prompt": a message the user will paste into their own AI coding tool, written in first person as the user. It MUST open with the exact text ` + FixPromptOpen + ` and MUST end with a closing quotation mark. It must reference the actual vulnerable code pattern shown in the snippet and name a concrete safer replacement pattern. It must NOT mention any file path, line number, or server-side location.
- "verification_step": one plain-language step the user can take to confirm the fix worked.

Hard rules:
- Never include file paths, directory names, or line numbers in any output field. Path hints in the input are context for you only.
- Reply with a single JSON array containing one object per finding, in the same order as the input. No other text.`

// buildUserMessage renders one batch as a numbered list. File paths appear
// only as an explicitly excluded hint; nothing else carries location detail.
func buildUserMessage(batch []model.Finding) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Translate these %d findings. Reply with a JSON array of %d objects.\n\n", len(batch), len(batch))
	for i, f := range batch {
		fmt.Fprintf(&b, "Finding %d:\n", i+1)
		fmt.Fprintf(&b, "- rule: %s\n", f.RuleID)
		fmt.Fprintf(&b, "- severity: %s\n", f.Severity)
		fmt.Fprintf(&b, "- category: %s\n", f.Category)
		if f.Message != "" {
			fmt.Fprintf(&b, "- message: %s\n", compact(f.Message, 400))
		}
		if f.Snippet != "" {
			fmt.Fprintf(&b, "- code snippet: %s\n", compact(f.Snippet, 300))
		}
		if f.FilePath != "" {
			fmt.Fprintf(&b, "- path hint (context only, never include in output): %s\n", f.FilePath)
		}
		if f.URL != "" {
			fmt.Fprintf(&b, "- page: %s\n", f.URL)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func compact(s string, limit int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
