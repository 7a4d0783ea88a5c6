// Package discord posts urgent-ticket alerts to a Discord webhook as an embed.
package discord

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/linnemanlabs/ticketrouter/internal/notify"
)

const (
	username   = "Smart Alert Bot"
	embedTitle = "\U0001f6a8 High Urgency Ticket"
	colorRed   = 0xFF0000
)

// executor is the slice of *discordgo.Session the notifier uses.
type executor interface {
	WebhookExecute(webhookID, token string, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Notifier sends alerts to one Discord webhook.
type Notifier struct {
	id, token string
	exec      executor
}

// New parses a webhook URL of the form
// https://discord.com/api/webhooks/{id}/{token}. An empty URL yields a
// notifier whose Notify is a no-op.
func New(webhookURL string) (*Notifier, error) {
	if webhookURL == "" {
		return &Notifier{}, nil
	}
	id, token, err := parseWebhookURL(webhookURL)
	if err != nil {
		return nil, err
	}
	s, err := discordgo.New("")
	if err != nil {
		return nil, fmt.Errorf("discord: session: %w", err)
	}
	return &Notifier{id: id, token: token, exec: s}, nil
}

func parseWebhookURL(raw string) (id, token string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("discord: webhook url: %w", err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 0; i+2 < len(parts); i++ {
		if parts[i] == "webhooks" {
			return parts[i+1], parts[i+2], nil
		}
	}
	return "", "", errors.New("discord: webhook url must end in /webhooks/{id}/{token}")
}

// Notify posts one alert.
func (n *Notifier) Notify(ctx context.Context, ticketID string, urgency float64, category string) error {
	if n.exec == nil {
		return nil
	}
	if _, err := n.exec.WebhookExecute(n.id, n.token, false, buildParams(ticketID, urgency, category), discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord: execute webhook: %w", err)
	}
	return nil
}

func buildParams(ticketID string, urgency float64, category string) *discordgo.WebhookParams {
	return &discordgo.WebhookParams{
		Username: username,
		Embeds: []*discordgo.MessageEmbed{{
			Title: embedTitle,
			Color: colorRed,
			Fields: []*discordgo.MessageEmbedField{
				{Name: "Ticket ID", Value: ticketID, Inline: true},
				{Name: "Category", Value: category, Inline: true},
				{Name: "Urgency Score", Value: notify.FormatUrgency(urgency), Inline: true},
			},
			Footer: &discordgo.MessageEmbedFooter{Text: "ticketrouter"},
		}},
	}
}

var _ notify.Notifier = (*Notifier)(nil)
