package slack

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNotify_PostsToWebhook(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("content-type = %q, want application/json", r.Header.Get("Content-Type"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(srv.URL)
	n.now = func() time.Time { return time.Date(2026, 2, 26, 14, 23, 0, 0, time.UTC) }

	if err := n.Notify(context.Background(), "tid-x", 0.87654, "Technical"); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	blocks, ok := got["blocks"].([]any)
	if !ok {
		t.Fatal("expected blocks array in payload")
	}
	// header, divider, fields, divider, context
	if len(blocks) != 5 {
		t.Fatalf("blocks count = %d, want 5", len(blocks))
	}

	header := blocks[0].(map[string]any)["text"].(map[string]any)["text"].(string)
	if !strings.Contains(header, "High Urgency Ticket") {
		t.Errorf("header = %q", header)
	}

	var fieldText []string
	for _, f := range blocks[2].(map[string]any)["fields"].([]any) {
		fieldText = append(fieldText, f.(map[string]any)["text"].(string))
	}
	joined := strings.Join(fieldText, "|")
	for _, want := range []string{"tid-x", "Technical", "0.877"} {
		if !strings.Contains(joined, want) {
			t.Errorf("fields %q missing %q", joined, want)
		}
	}

	ctxText := blocks[4].(map[string]any)["elements"].([]any)[0].(map[string]any)["text"].(string)
	if !strings.Contains(ctxText, "2026-02-26 14:23 UTC") {
		t.Errorf("context = %q", ctxText)
	}
}

func TestNotify_NoOpWithoutURL(t *testing.T) {
	t.Parallel()

	if err := New("").Notify(context.Background(), "t", 0.9, "Billing"); err != nil {
		t.Fatalf("Notify with empty URL should be no-op, got: %v", err)
	}
}

func TestNotify_NonOKStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("internal error"))
	}))
	defer srv.Close()

	err := New(srv.URL).Notify(context.Background(), "t", 0.9, "Billing")
	if err == nil {
		t.Fatal("expected error on non-OK status")
	}
	if !strings.Contains(err.Error(), "500") {
		t.Errorf("error = %q, want to contain status code 500", err.Error())
	}
}

func TestUrgencyEmoji(t *testing.T) {
	t.Parallel()

	if urgencyEmoji(0.99) != "\U0001f6a8" || urgencyEmoji(0.85) != "\U0001f534" {
		t.Error("unexpected emoji mapping")
	}
}

func FuzzSlackBuild(f *testing.F) {
	f.Add("tid-1", "Technical", 0.9)
	f.Add("", "", 0.0)
	f.Add("<@U123> mention", "*bold* _italic_", 1.0)
	f.Add("id\x00\x01", "cat\nline", 0.87654)
	f.Add(strings.Repeat("A", 5000), "Legal", 0.81)

	f.Fuzz(func(t *testing.T, ticketID, category string, urgency float64) {
		msg := buildMessage(ticketID, urgency, category, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

		data, err := json.Marshal(msg)
		if err != nil {
			t.Fatalf("buildMessage produced non-marshalable output: %v", err)
		}
		var decoded map[string]any
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("buildMessage JSON does not round-trip: %v", err)
		}
		if blocks, ok := decoded["blocks"].([]any); !ok || len(blocks) != 5 {
			t.Fatalf("blocks = %v", decoded["blocks"])
		}
	})
}
