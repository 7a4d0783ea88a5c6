package embed

import (
	"context"
	"math"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
)

// DefaultDimensions is the Hashing vector length.
const DefaultDimensions = 256

// Hashing is a local feature-hashing embedder over lowercase word unigrams
// and bigrams. Each feature lands in bucket hash%dim with a sign taken from
// the top hash bit, and the result is L2-normalized. Texts that share most
// of their words land close together, which is all storm detection needs.
type Hashing struct {
	dim int
}

// NewHashing returns a Hashing embedder. dim <= 0 selects DefaultDimensions.
func NewHashing(dim int) *Hashing {
	if dim <= 0 {
		dim = DefaultDimensions
	}
	return &Hashing{dim: dim}
}

// Embed implements Embedder. Text with no words maps to the zero vector.
func (h *Hashing) Embed(_ context.Context, text string) ([]float64, error) {
	v := make([]float64, h.dim)
	words := tokens(text)
	for i, w := range words {
		h.add(v, w)
		if i > 0 {
			h.add(v, words[i-1]+" "+w)
		}
	}

	var norm float64
	for _, x := range v {
		norm += x * x
	}
	if norm == 0 {
		return v, nil
	}
	norm = math.Sqrt(norm)
	for i := range v {
		v[i] /= norm
	}
	return v, nil
}

func (h *Hashing) add(v []float64, feature string) {
	sum := xxhash.Sum64String(feature)
	sign := 1.0
	if sum>>63 == 1 {
		sign = -1
	}
	v[sum%uint64(h.dim)] += sign
}

func tokens(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// Dimensions implements Embedder.
func (h *Hashing) Dimensions() int { return h.dim }

// Name implements Embedder.
func (h *Hashing) Name() string { return "hash" }

var _ Embedder = (*Hashing)(nil)
