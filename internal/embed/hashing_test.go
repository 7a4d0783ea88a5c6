package embed

import (
	"context"
	"math"
	"testing"

	"github.com/linnemanlabs/ticketrouter/internal/storm"
)

func embedText(t *testing.T, e Embedder, text string) []float64 {
	t.Helper()
	v, err := e.Embed(context.Background(), text)
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	return v
}

func TestHashing_Deterministic(t *testing.T) {
	t.Parallel()

	a := embedText(t, NewHashing(0), "Checkout page is down for everyone")
	b := embedText(t, NewHashing(0), "Checkout page is down for everyone")
	if len(a) != DefaultDimensions {
		t.Fatalf("len = %d, want %d", len(a), DefaultDimensions)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("component %d differs: %v vs %v", i, a[i], b[i])
		}
	}
}

func TestHashing_UnitLength(t *testing.T) {
	t.Parallel()

	v := embedText(t, NewHashing(64), "refund my invoice please")
	var n float64
	for _, x := range v {
		n += x * x
	}
	if math.Abs(n-1) > 1e-9 {
		t.Fatalf("squared norm = %v, want 1", n)
	}
}

func TestHashing_EmptyIsZero(t *testing.T) {
	t.Parallel()

	for _, text := range []string{"", "   ", "!!! ???"} {
		for i, x := range embedText(t, NewHashing(16), text) {
			if x != 0 {
				t.Fatalf("%q component %d = %v, want 0", text, i, x)
			}
		}
	}
}

func TestHashing_CaseAndPunctuationInsensitive(t *testing.T) {
	t.Parallel()

	e := NewHashing(0)
	a := embedText(t, e, "Login is BROKEN!!")
	b := embedText(t, e, "login is broken")
	if sim := storm.Cosine(a, b); math.Abs(sim-1) > 1e-9 {
		t.Fatalf("similarity = %v, want 1", sim)
	}
}

func TestHashing_SimilarTextsCluster(t *testing.T) {
	t.Parallel()

	e := NewHashing(0)
	base := embedText(t, e, "the payment service is down and checkout returns error 502")
	near := embedText(t, e, "the payment service is down and checkout returns error 502 again")
	far := embedText(t, e, "please send me a copy of the signed contract for our records")

	if sim := storm.Cosine(base, near); sim <= 0.9 {
		t.Errorf("near-duplicate similarity = %v, want > 0.9", sim)
	}
	if sim := storm.Cosine(base, far); sim >= 0.5 {
		t.Errorf("unrelated similarity = %v, want < 0.5", sim)
	}
}

func TestHashing_Metadata(t *testing.T) {
	t.Parallel()

	e := NewHashing(32)
	if e.Dimensions() != 32 || e.Name() != "hash" {
		t.Fatalf("Dimensions=%d Name=%q", e.Dimensions(), e.Name())
	}
}
