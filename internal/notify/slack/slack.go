// Package slack posts urgent-ticket alerts to a Slack incoming webhook.
package slack

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/slack-go/slack"

	"github.com/linnemanlabs/ticketrouter/internal/notify"
)

const httpTimeout = 10 * time.Second

// Notifier sends alerts to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
	now        func() time.Time
}

// New creates a Slack notifier. If webhookURL is empty, Notify is a no-op.
func New(webhookURL string) *Notifier {
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
		now:        time.Now,
	}
}

// Notify posts one alert.
func (n *Notifier) Notify(ctx context.Context, ticketID string, urgency float64, category string) error {
	if n.webhookURL == "" {
		return nil
	}
	msg := buildMessage(ticketID, urgency, category, n.now())
	//nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err := slack.PostWebhookCustomHTTPContext(ctx, n.webhookURL, n.client, msg); err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	return nil
}

func buildMessage(ticketID string, urgency float64, category string, at time.Time) *slack.WebhookMessage {
	header := slack.NewHeaderBlock(
		slack.NewTextBlockObject(slack.PlainTextType, urgencyEmoji(urgency)+" High Urgency Ticket", true, false),
	)
	fields := slack.NewSectionBlock(nil, []*slack.TextBlockObject{
		mrkdwn("*Ticket ID:* " + ticketID),
		mrkdwn("*Category:* " + category),
		mrkdwn("*Urgency Score:* " + notify.FormatUrgency(urgency)),
	}, nil)
	footer := slack.NewContextBlock("",
		mrkdwn(fmt.Sprintf("ticketrouter • ticket %s • %s", ticketID, at.UTC().Format("2006-01-02 15:04 UTC"))),
	)

	return &slack.WebhookMessage{
		Text: fmt.Sprintf("High urgency %s ticket %s (%s)", category, ticketID, notify.FormatUrgency(urgency)),
		Blocks: &slack.Blocks{BlockSet: []slack.Block{
			header,
			slack.NewDividerBlock(),
			fields,
			slack.NewDividerBlock(),
			footer,
		}},
	}
}

func mrkdwn(text string) *slack.TextBlockObject {
	return slack.NewTextBlockObject(slack.MarkdownType, text, false, false)
}

func urgencyEmoji(u float64) string {
	if u >= 0.95 {
		return "\U0001f6a8" // rotating light
	}
	return "\U0001f534" // red circle
}

var _ notify.Notifier = (*Notifier)(nil)
