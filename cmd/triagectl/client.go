package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/linnemanlabs/ticketrouter/internal/breaker"
	"github.com/linnemanlabs/ticketrouter/internal/router"
	"github.com/linnemanlabs/ticketrouter/internal/triage"
)

// apiError is a non-2xx answer from the server.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.Status)
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// client talks to the ticketrouter HTTP API.
type client struct {
	base  string
	token string
	http  *http.Client
}

func newClient(base, token string, hc *http.Client) *client {
	return &client{base: strings.TrimRight(base, "/"), token: token, http: hc}
}

type submitResponse struct {
	TicketID string `json:"ticket_id"`
	Status   string `json:"status"`
}

type releaseResponse struct {
	AgentID     string `json:"agent_id"`
	Released    bool   `json:"released"`
	CurrentLoad int    `json:"current_load"`
}

func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(raw, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(raw))
		}
		return &apiError{Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *client) submit(ctx context.Context, t triage.Ticket) (submitResponse, error) {
	var r submitResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/tickets", t, &r)
	return r, err
}

func (c *client) ticket(ctx context.Context, id string) (triage.Result, error) {
	var r triage.Result
	err := c.do(ctx, http.MethodGet, "/api/v1/tickets/"+url.PathEscape(id), nil, &r)
	return r, err
}

func (c *client) agents(ctx context.Context) ([]router.AgentView, error) {
	var r []router.AgentView
	err := c.do(ctx, http.MethodGet, "/api/v1/agents", nil, &r)
	return r, err
}

func (c *client) release(ctx context.Context, id string) (releaseResponse, error) {
	var r releaseResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/agents/"+url.PathEscape(id)+"/release", nil, &r)
	return r, err
}

func (c *client) breakerStats(ctx context.Context) (breaker.Stats, error) {
	var r breaker.Stats
	err := c.do(ctx, http.MethodGet, "/api/v1/breaker/stats", nil, &r)
	return r, err
}

func (c *client) routingStats(ctx context.Context) (router.Stats, error) {
	var r router.Stats
	err := c.do(ctx, http.MethodGet, "/api/v1/routing/stats", nil, &r)
	return r, err
}

func (c *client) routingRecent(ctx context.Context, n int) ([]router.Decision, error) {
	var r []router.Decision
	err := c.do(ctx, http.MethodGet, "/api/v1/routing/recent?n="+strconv.Itoa(n), nil, &r)
	return r, err
}
