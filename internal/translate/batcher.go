package translate

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/yourorg/audit-worker/internal/model"
)

const defaultBatchSize = 5

// Batcher sends findings to the language model in fixed-size batches,
// sequentially, with a pause between calls to respect rate limits. Findings
// start on their fallback narratives; a successful batch overwrites them, a
// failed batch leaves them alone. Translation is never fatal to a scan.
type Batcher struct {
	Client     Client
	BatchSize  int
	BatchDelay time.Duration
	Timeout    time.Duration
}

func NewBatcher(client Client, timeout time.Duration) *Batcher {
	return &Batcher{
		Client:     client,
		BatchSize:  defaultBatchSize,
		BatchDelay: 2 * time.Second,
		Timeout:    timeout,
	}
}

// Translate populates every finding's narrative in place. On return all four
// narrative fields of every finding are non-empty, whatever the model did.
func (b *Batcher) Translate(ctx context.Context, scanID string, findings []model.Finding) {
	for i := range findings {
		findings[i].Narrative = Fallback(findings[i])
	}
	if b.Client == nil || len(findings) == 0 {
		return
	}

	size := b.BatchSize
	if size <= 0 {
		size = defaultBatchSize
	}

	for start := 0; start < len(findings); start += size {
		if start > 0 && b.BatchDelay > 0 {
			select {
			case <-ctx.Done():
				log.Printf("scan %s: translation cancelled, remaining findings keep fallback narratives", scanID)
				return
			case <-time.After(b.BatchDelay):
			}
		}
		end := start + size
		if end > len(findings) {
			end = len(findings)
		}
		if err := b.translateBatch(ctx, findings[start:end]); err != nil {
			log.Printf("scan %s: translation batch %d failed, keeping fallbacks: %v", scanID, start/size, err)
		}
	}
}

type narrativeReply struct {
	PlainEnglish     string `json:"plain_english"`
	BusinessImpact   string `json:"business_impact"`
	FixPrompt        string `json:"fix_prompt"`
	VerificationStep string `json:"verification_step"`
}

func (b *Batcher) translateBatch(ctx context.Context, batch []model.Finding) error {
	ctx, cancel := context.WithTimeout(ctx, b.Timeout)
	defer cancel()

	reply, err := b.Client.Complete(ctx, systemPrompt, buildUserMessage(batch))
	if err != nil {
		return err
	}

	items, err := extractJSONArray(reply)
	if err != nil {
		return err
	}

	for i := range batch {
		if i >= len(items) {
			// Model omitted trailing elements; those findings keep fallback.
			break
		}
		var n narrativeReply
		if err := json.Unmarshal(items[i], &n); err != nil {
			continue
		}
		applyReply(&batch[i], n)
	}
	return nil
}

// applyReply overwrites narrative fields one by one, keeping the fallback for
// any field the model left empty so the non-empty guarantee holds.
func applyReply(f *model.Finding, n narrativeReply) {
	if s := strings.TrimSpace(n.PlainEnglish); s != "" {
		f.Narrative.PlainEnglish = s
	}
	if s := strings.TrimSpace(n.BusinessImpact); s != "" {
		f.Narrative.BusinessImpact = s
	}
	if s := strings.TrimSpace(n.FixPrompt); s != "" {
		f.Narrative.FixPrompt = s
	}
	if s := strings.TrimSpace(n.VerificationStep); s != "" {
		f.Narrative.VerificationStep = s
	}
}

// extractJSONArray locates the first JSON array substring in the reply text
// and decodes its elements. Models wrap arrays in prose or code fences often
// enough that exact-output parsing is a losing game.
func extractJSONArray(text string) ([]json.RawMessage, error) {
	start := strings.IndexByte(text, '[')
	if start < 0 {
		return nil, fmt.Errorf("no JSON array in response")
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				var items []json.RawMessage
				if err := json.Unmarshal([]byte(text[start:i+1]), &items); err != nil {
					return nil, fmt.Errorf("malformed JSON array in response: %w", err)
				}
				return items, nil
			}
		}
	}
	return nil, fmt.Errorf("unterminated JSON array in response")
}
