package redisstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("TICKETROUTER_TEST_REDIS_URL")
	if url == "" {
		t.Skip("TICKETROUTER_TEST_REDIS_URL not set, skipping integration test")
	}
	rdb, err := Dial(context.Background(), url)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, WithPrefix("test:"+ulid.Make().String()+":"))
}

func TestNormalizeTTL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want time.Duration
	}{
		{0, 0},
		{-1, 0},
		{-time.Hour, 0},
		{time.Minute, time.Minute},
	}
	for _, tt := range tests {
		if got := normalizeTTL(tt.in); got != tt.want {
			t.Errorf("normalizeTTL(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestPrefix(t *testing.T) {
	t.Parallel()

	s := New(nil, WithPrefix("tr:"))
	if got := s.key("lock:t-1"); got != "tr:lock:t-1" {
		t.Errorf("key = %q", got)
	}
}

func TestSetGetDelete(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	if err := s.SetWithExpiry(ctx, "result:t-1", []byte("done"), time.Minute); err != nil {
		t.Fatalf("SetWithExpiry: %v", err)
	}
	got, ok, err := s.Get(ctx, "result:t-1")
	if err != nil || !ok {
		t.Fatalf("Get = (%v, %v)", ok, err)
	}
	if string(got) != "done" {
		t.Errorf("value = %q", got)
	}
	if err := s.Delete(ctx, "result:t-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := s.Get(ctx, "result:t-1"); ok {
		t.Fatal("key present after delete")
	}
}

func TestSetIfAbsent(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	ok, err := s.SetIfAbsentWithExpiry(ctx, "lock:t-1", []byte("a"), time.Minute)
	if err != nil || !ok {
		t.Fatalf("first acquire = (%v, %v)", ok, err)
	}
	ok, _ = s.SetIfAbsentWithExpiry(ctx, "lock:t-1", []byte("b"), time.Minute)
	if ok {
		t.Fatal("second acquire succeeded while held")
	}
	_ = s.Delete(ctx, "lock:t-1")
}
