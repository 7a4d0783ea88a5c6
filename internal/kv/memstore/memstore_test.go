package memstore

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClockedStore() (*Store, *fakeClock) {
	clk := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return New(WithClock(clk.Now)), clk
}

func TestStore_SetAndGet(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	if err := s.SetWithExpiry(ctx, "result:t-1", []byte(`{"status":"done"}`), time.Hour); err != nil {
		t.Fatalf("SetWithExpiry: %v", err)
	}

	got, ok, err := s.Get(ctx, "result:t-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("expected value to be found")
	}
	if string(got) != `{"status":"done"}` {
		t.Errorf("value = %q", got)
	}
}

func TestStore_GetMissing(t *testing.T) {
	t.Parallel()

	s := New()
	_, ok, err := s.Get(context.Background(), "nonexistent")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for missing key")
	}
}

func TestStore_ReturnsCopies(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	in := []byte("abc")
	_ = s.SetWithExpiry(ctx, "k", in, 0)
	in[0] = 'x'

	got, _, _ := s.Get(ctx, "k")
	if string(got) != "abc" {
		t.Fatalf("stored value mutated through input slice: %q", got)
	}
	got[1] = 'y'
	again, _, _ := s.Get(ctx, "k")
	if string(again) != "abc" {
		t.Fatalf("stored value mutated through returned slice: %q", again)
	}
}

func TestStore_Expiry(t *testing.T) {
	t.Parallel()

	s, clk := newClockedStore()
	ctx := context.Background()
	_ = s.SetWithExpiry(ctx, "lock:t-1", []byte("1"), time.Minute)

	clk.Advance(59 * time.Second)
	if _, ok, _ := s.Get(ctx, "lock:t-1"); !ok {
		t.Fatal("entry expired early")
	}

	clk.Advance(time.Second)
	if _, ok, _ := s.Get(ctx, "lock:t-1"); ok {
		t.Fatal("entry still visible at expiry")
	}
	if s.Len() != 0 {
		t.Errorf("Len = %d, want 0", s.Len())
	}
}

func TestStore_ZeroTTLNeverExpires(t *testing.T) {
	t.Parallel()

	s, clk := newClockedStore()
	ctx := context.Background()
	_ = s.SetWithExpiry(ctx, "k", []byte("v"), 0)
	clk.Advance(1000 * time.Hour)
	if _, ok, _ := s.Get(ctx, "k"); !ok {
		t.Fatal("entry without ttl expired")
	}
}

func TestStore_SetIfAbsent(t *testing.T) {
	t.Parallel()

	s, clk := newClockedStore()
	ctx := context.Background()

	ok, err := s.SetIfAbsentWithExpiry(ctx, "lock:t-1", []byte("a"), time.Minute)
	if err != nil || !ok {
		t.Fatalf("first SetIfAbsent = (%v, %v), want (true, nil)", ok, err)
	}
	ok, _ = s.SetIfAbsentWithExpiry(ctx, "lock:t-1", []byte("b"), time.Minute)
	if ok {
		t.Fatal("second SetIfAbsent succeeded while key held")
	}
	got, _, _ := s.Get(ctx, "lock:t-1")
	if string(got) != "a" {
		t.Errorf("value = %q, want %q", got, "a")
	}

	// an expired holder can be taken over
	clk.Advance(time.Minute)
	ok, _ = s.SetIfAbsentWithExpiry(ctx, "lock:t-1", []byte("c"), time.Minute)
	if !ok {
		t.Fatal("SetIfAbsent failed on expired key")
	}
}

func TestStore_Delete(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	_ = s.SetWithExpiry(ctx, "k", []byte("v"), time.Minute)
	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := s.Get(ctx, "k"); ok {
		t.Fatal("key still present after delete")
	}
	if err := s.Delete(ctx, "missing"); err != nil {
		t.Fatalf("Delete missing: %v", err)
	}
}

func TestStore_SetIfAbsentConcurrent(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := s.SetIfAbsentWithExpiry(ctx, "lock:same", []byte(fmt.Sprint(i)), time.Minute)
			if err != nil {
				t.Errorf("SetIfAbsent: %v", err)
			}
			if ok {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("winners = %d, want exactly 1", wins.Load())
	}
}
