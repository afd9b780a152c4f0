// Package slack posts cycle reports to Slack via incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/edrlink/internal/report"
)

const (
	maxExceptionsLen = 2500
	httpTimeout      = 10 * time.Second
)

// Notifier sends cycle reports to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

// New creates a new Slack notifier. If webhookURL is empty, Send is a no-op.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client: &http.Client{
			Timeout:   httpTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
	}
}

// Send posts a cycle report to the configured Slack webhook. Quiet cycles,
// where nothing was handled and nothing failed, are not posted.
func (n *Notifier) Send(ctx context.Context, r *report.Report) error {
	if n.webhookURL == "" {
		return nil
	}
	if quiet(r) {
		return nil
	}

	msg := buildMessage(r)

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}

	n.logger.Info(ctx, "slack notification sent", "cycle_id", r.ID)
	return nil
}

func quiet(r *report.Report) bool {
	return r.HandledAlertCount == 0 && r.FinishedAnalysisCount == 0 && !r.Failed()
}

func buildMessage(r *report.Report) map[string]any {
	blocks := []map[string]any{
		headerBlock(r),
		{"type": "divider"},
		fieldsBlock(r),
	}
	if r.Failed() {
		blocks = append(blocks, map[string]any{"type": "divider"}, exceptionsBlock(r))
	}
	blocks = append(blocks, map[string]any{"type": "divider"}, contextBlock(r))
	return map[string]any{"blocks": blocks}
}

func headerBlock(r *report.Report) map[string]any {
	title := "Cycle Complete"
	if r.Failed() {
		title = "Cycle Finished With Errors"
	}
	text := fmt.Sprintf("%s %s", statusEmoji(r), title)

	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": text,
		},
	}
}

func fieldsBlock(r *report.Report) map[string]any {
	fields := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Alerts fetched:* %d", r.AlertsFetched),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Alerts handled:* %d", r.HandledAlertCount),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Analyses finished:* %d", r.FinishedAnalysisCount),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Still pending:* %d", r.PendingAnalyses),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Duration:* %.1fs", r.Duration().Seconds()),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Exceptions:* %d", len(r.Exceptions)),
		},
	}

	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func exceptionsBlock(r *report.Report) map[string]any {
	var b strings.Builder
	for _, e := range r.Exceptions {
		b.WriteString("• ")
		b.WriteString(e)
		b.WriteByte('\n')
	}

	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Exceptions*\n\n%s", truncate(strings.TrimSuffix(b.String(), "\n"), maxExceptionsLen)),
		},
	}
}

func contextBlock(r *report.Report) map[string]any {
	ts := r.FinishedAt
	if ts.IsZero() {
		ts = r.StartedAt
	}

	elements := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("edrlink • cycle %s • %s", r.ID, ts.UTC().Format("2006-01-02 15:04 UTC")),
		},
	}

	return map[string]any{
		"type":     "context",
		"elements": elements,
	}
}

func statusEmoji(r *report.Report) string {
	switch {
	case r.Failed() && r.HandledAlertCount == 0:
		return "\U0001f534" // red circle
	case r.Failed():
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
