package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// OllamaOption configures the Ollama embedder.
type OllamaOption func(*Ollama)

// WithOllamaModel sets the embedding model.
func WithOllamaModel(model string) OllamaOption {
	return func(o *Ollama) { o.model = model }
}

// WithOllamaBaseURL sets the server URL.
func WithOllamaBaseURL(url string) OllamaOption {
	return func(o *Ollama) { o.baseURL = url }
}

// WithOllamaDimensions declares the model's vector length. Responses of any
// other length are rejected.
func WithOllamaDimensions(dims int) OllamaOption {
	return func(o *Ollama) { o.dims = dims }
}

// WithOllamaClient sets the HTTP client.
func WithOllamaClient(c *http.Client) OllamaOption {
	return func(o *Ollama) { o.client = c }
}

// WithOllamaMaxTries bounds attempts per text. Only transport errors and 5xx
// responses are retried.
func WithOllamaMaxTries(n uint) OllamaOption {
	return func(o *Ollama) { o.maxTries = n }
}

// Ollama embeds text with a local Ollama server.
type Ollama struct {
	model    string
	dims     int
	baseURL  string
	client   *http.Client
	maxTries uint
	newBO    func() backoff.BackOff
}

// NewOllama returns an Ollama embedder for http://localhost:11434 and
// nomic-embed-text unless overridden.
func NewOllama(opts ...OllamaOption) *Ollama {
	o := &Ollama{
		model:    "nomic-embed-text",
		dims:     768,
		baseURL:  "http://localhost:11434",
		client:   &http.Client{Timeout: 10 * time.Second},
		maxTries: 3,
		newBO: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			return b
		},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed implements Embedder.
func (o *Ollama) Embed(ctx context.Context, text string) ([]float64, error) {
	body, err := json.Marshal(ollamaEmbedRequest{Model: o.model, Input: []string{text}})
	if err != nil {
		return nil, fmt.Errorf("%w: marshal request: %w", ErrEmbeddingFailed, err)
	}

	resp, err := backoff.Retry(ctx, func() (ollamaEmbedResponse, error) {
		return o.post(ctx, body)
	}, backoff.WithBackOff(o.newBO()), backoff.WithMaxTries(o.maxTries))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEmbeddingFailed, err)
	}

	if len(resp.Embeddings) != 1 {
		return nil, fmt.Errorf("%w: got %d embeddings, want 1", ErrEmbeddingFailed, len(resp.Embeddings))
	}
	raw := resp.Embeddings[0]
	if o.dims > 0 && len(raw) != o.dims {
		return nil, fmt.Errorf("%w: got %d dimensions, want %d", ErrEmbeddingFailed, len(raw), o.dims)
	}
	out := make([]float64, len(raw))
	for i, x := range raw {
		out[i] = float64(x)
	}
	return out, nil
}

func (o *Ollama) post(ctx context.Context, body []byte) (ollamaEmbedResponse, error) {
	var out ollamaEmbedResponse

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return out, backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return out, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10*1024*1024))
	if err != nil {
		return out, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("API error %d: %s", resp.StatusCode, respBody)
		if resp.StatusCode < 500 {
			return out, backoff.Permanent(err)
		}
		return out, err
	}

	if err := json.Unmarshal(respBody, &out); err != nil {
		return out, backoff.Permanent(fmt.Errorf("unmarshal response: %w", err))
	}
	return out, nil
}

// Dimensions implements Embedder.
func (o *Ollama) Dimensions() int { return o.dims }

// Name implements Embedder.
func (o *Ollama) Name() string { return "ollama" }

var _ Embedder = (*Ollama)(nil)
