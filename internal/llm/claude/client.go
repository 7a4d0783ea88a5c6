// Package claude is the primary ticket classifier: a single-shot Claude
// Messages call constrained to answer with one category name.
package claude

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/linnemanlabs/ticketrouter/internal/classify"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "claude-haiku-4-5"

// ErrUnknownCategory means the model answered with something outside the
// configured category set.
var ErrUnknownCategory = errors.New("model returned unknown category")

// Classifier classifies ticket text with Claude.
type Classifier struct {
	client     anthropic.Client
	model      string
	categories classify.Categories
	system     string
}

// Option configures a Classifier.
type Option func(*settings)

type settings struct {
	model   string
	timeout time.Duration
	reqOpts []option.RequestOption
}

// WithModel selects the model.
func WithModel(m string) Option { return func(s *settings) { s.model = m } }

// WithTimeout bounds each request.
func WithTimeout(d time.Duration) Option { return func(s *settings) { s.timeout = d } }

// WithRequestOptions passes extra SDK options, such as a base URL in tests.
func WithRequestOptions(opts ...option.RequestOption) Option {
	return func(s *settings) { s.reqOpts = append(s.reqOpts, opts...) }
}

// New returns a Classifier over categories. The SDK's own retries are
// disabled: a failed call is a breaker failure, not something to hide.
func New(apiKey string, categories classify.Categories, opts ...Option) *Classifier {
	s := settings{model: DefaultModel, timeout: 30 * time.Second}
	for _, o := range opts {
		o(&s)
	}
	reqOpts := append([]option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
		option.WithRequestTimeout(s.timeout),
	}, s.reqOpts...)

	return &Classifier{
		client:     anthropic.NewClient(reqOpts...),
		model:      s.model,
		categories: categories,
		system:     systemPrompt(categories),
	}
}

func systemPrompt(categories classify.Categories) string {
	return fmt.Sprintf(
		"You route customer support tickets. Reply with exactly one word, the ticket category, chosen from: %s. No punctuation, no explanation.",
		strings.Join(categories, ", "))
}

// Classify returns the ticket's category.
func (c *Classifier) Classify(ctx context.Context, text string) (string, error) {
	resp, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: 16,
		System:    []anthropic.TextBlockParam{{Text: c.system}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(text)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("claude classify: %w", err)
	}

	var answer strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			answer.WriteString(block.Text)
		}
	}

	category, ok := c.categories.Normalize(answer.String())
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownCategory, answer.String())
	}
	return category, nil
}
