// Package notify tells people about routing decisions.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/dal428/rapid-response-agent-system/internal/domain"
)

const defaultTimeout = 5 * time.Second

// Notifier delivers a decision notification. Callers treat failures as
// non-fatal.
type Notifier interface {
	Notify(ctx context.Context, d domain.Decision, issue domain.Issue) error
}

// LogNotifier writes notifications to the standard logger.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, d domain.Decision, issue domain.Issue) error {
	log.Printf("Decision %s: %s %s -> %s (%s) for %q", shortID(d.ID), d.Priority, d.Routing, d.Authority, d.Timeline, issue.Summary())
	return nil
}

// WebhookNotifier posts a Slack-compatible message to an incoming webhook.
type WebhookNotifier struct {
	URL  string
	HTTP *http.Client
}

// NewWebhookNotifier reads the webhook URL from an environment variable.
// It returns nil when the variable is unset.
func NewWebhookNotifier(urlEnv string, timeout time.Duration) *WebhookNotifier {
	url := strings.TrimSpace(os.Getenv(urlEnv))
	if url == "" {
		return nil
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &WebhookNotifier{URL: url, HTTP: &http.Client{Timeout: timeout}}
}

type webhookMessage struct {
	Text   string         `json:"text"`
	Blocks []webhookBlock `json:"blocks,omitempty"`
}

type webhookBlock struct {
	Type string       `json:"type"`
	Text *webhookText `json:"text,omitempty"`
}

type webhookText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Message renders the webhook payload for a decision.
func Message(d domain.Decision, issue domain.Issue) ([]byte, error) {
	headline := fmt.Sprintf("%s %s: %s", d.Priority, d.Routing, issue.Summary())
	var details strings.Builder
	fmt.Fprintf(&details, "*Authority:* %s\n*Timeline:* %s\n*MAI score:* %d/%d", d.Authority, d.Timeline, d.ScoreTotal, domain.MaxTotal)
	if d.HumanReview {
		details.WriteString("\n*Human review required*")
	}
	if issue.URL != "" {
		fmt.Fprintf(&details, "\n<%s|source>", issue.URL)
	}
	msg := webhookMessage{
		Text: headline,
		Blocks: []webhookBlock{
			{Type: "header", Text: &webhookText{Type: "plain_text", Text: headline}},
			{Type: "section", Text: &webhookText{Type: "mrkdwn", Text: details.String()}},
		},
	}
	return json.Marshal(msg)
}

func (w *WebhookNotifier) Notify(ctx context.Context, d domain.Decision, issue domain.Issue) error {
	if w.URL == "" {
		return fmt.Errorf("missing webhook url")
	}
	client := w.HTTP
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}

	body, err := Message(d, issue)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("webhook status %d: %s", res.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

// Multi fans a notification out to several notifiers and returns the first error.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, d domain.Decision, issue domain.Issue) error {
	var first error
	for _, n := range m {
		if err := n.Notify(ctx, d, issue); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
