// Package notify delivers the completed-scan summary to the notification
// collaborator. Delivery is strictly best-effort: a scan that finished stays
// finished no matter what happens here.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/yourorg/audit-worker/internal/model"
)

type Notifier struct {
	WebhookURL string
	HTTP       *http.Client
}

func New(webhookURL string) *Notifier {
	return &Notifier{
		WebhookURL: webhookURL,
		HTTP:       &http.Client{Timeout: 10 * time.Second},
	}
}

// ScanCompleted posts the summary to the configured webhook. A missing
// webhook configuration is a no-op, not an error.
func (n *Notifier) ScanCompleted(ctx context.Context, summary model.ScanSummary) error {
	if n == nil || n.WebhookURL == "" {
		return nil
	}
	body, err := json.Marshal(summary)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	httpc := n.HTTP
	if httpc == nil {
		httpc = http.DefaultClient
	}
	resp, err := httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notification webhook returned status %d", resp.StatusCode)
	}
	return nil
}
