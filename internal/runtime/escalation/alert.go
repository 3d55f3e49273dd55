package escalation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/drblury/ledgerflow/internal/runtime/envelope"
	"github.com/drblury/ledgerflow/internal/runtime/jsoncodec"
	"github.com/drblury/ledgerflow/internal/store"
)

// ErrAlertSuppressed is returned when the alert budget for the current
// interval is spent. The alert is dropped, not delayed.
var ErrAlertSuppressed = errors.New("ledgerflow: alert suppressed by rate limit")

// Alerter delivers an operator alert for a persisted notification.
type Alerter interface {
	Alert(ctx context.Context, n *store.Notification) error
}

var categoryLabels = map[string]string{
	"subscription": "Subscription",
	"transaction":  "Trade",
	"account":      "Account",
}

var chainTypes = map[string]string{
	envelope.TopicCustomerCreated:    "Account creation",
	envelope.TopicTransactionCreated: "Trade creation",
	envelope.TopicSubscriptionAccept: "Subscription request",
}

// Block is one Slack layout block.
type Block struct {
	Type     string      `json:"type"`
	Text     *BlockText  `json:"text,omitempty"`
	Fields   []BlockText `json:"fields,omitempty"`
	Elements []BlockText `json:"elements,omitempty"`
}

// BlockText is a Slack text object.
type BlockText struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Emoji bool   `json:"emoji,omitempty"`
}

// WebhookMessage is the body posted to an incoming webhook.
type WebhookMessage struct {
	Blocks []Block `json:"blocks"`
}

func markdown(text string) BlockText { return BlockText{Type: "mrkdwn", Text: text} }

// BuildWebhookMessage lays out n as Slack blocks.
func BuildWebhookMessage(n *store.Notification) WebhookMessage {
	topic, _ := n.Data["originalTopic"].(string)
	errText, _ := n.Data["error"].(string)
	timestamp, _ := n.Data["timestamp"].(string)

	category := categoryLabels[envelope.Category(topic)]
	if category == "" {
		category = "Event"
	}
	chainType := chainTypes[envelope.BaseTopic(topic)]
	if chainType == "" {
		chainType = topic
	}
	subject := n.SubjectID
	if subject == "" {
		subject = "unknown"
	}

	msg := WebhookMessage{Blocks: []Block{
		{Type: "header", Text: &BlockText{Type: "plain_text", Text: fmt.Sprintf(":rotating_light: %s processing failed", category), Emoji: true}},
		{Type: "section", Fields: []BlockText{
			markdown("*Chain type:*\n" + chainType),
			markdown("*Occurred at:*\n" + timestamp),
		}},
		{Type: "section", Text: ptr(markdown("*Error:*\n```" + errText + "```"))},
		{Type: "context", Elements: []BlockText{markdown("*Customer ID:* " + subject)}},
	}}
	if stack, _ := n.Data["stack"].(string); stack != "" {
		msg.Blocks = append(msg.Blocks, Block{Type: "section", Text: ptr(markdown("*Stack trace:*\n```" + stack + "```"))})
	}
	if original, _ := n.Data["originalMessage"].(string); original != "" {
		msg.Blocks = append(msg.Blocks, Block{Type: "section", Text: ptr(markdown("*Original message:*\n```" + original + "```"))})
	}
	return msg
}

func ptr[T any](v T) *T { return &v }

// WebhookAlerter posts Slack-style alerts. A token bucket caps the alert rate;
// alerts over budget are dropped so escalation never blocks delivery.
type WebhookAlerter struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
}

// NewWebhookAlerter allows burst alerts at once and one more every interval.
func NewWebhookAlerter(url string, interval time.Duration, burst int) *WebhookAlerter {
	if interval <= 0 {
		interval = time.Second
	}
	if burst <= 0 {
		burst = 1
	}
	return &WebhookAlerter{
		url:     url,
		client:  &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Every(interval), burst),
	}
}

func (a *WebhookAlerter) Alert(ctx context.Context, n *store.Notification) error {
	if !a.limiter.Allow() {
		return ErrAlertSuppressed
	}
	body, err := jsoncodec.Marshal(BuildWebhookMessage(n))
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("post alert: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("post alert: unexpected status %d", resp.StatusCode)
	}
	return nil
}
