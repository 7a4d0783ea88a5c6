// Package storm detects bursts of near-identical tickets so an outage is
// reported once as an incident instead of routed ticket by ticket.
package storm

import (
	"context"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/ticketrouter/internal/kv"
	"github.com/linnemanlabs/ticketrouter/internal/statestore"
)

// Defaults.
const (
	DefaultWindow     = 5 * time.Minute
	DefaultSimilarity = 0.9
	DefaultThreshold  = 10
	DefaultRetention  = time.Hour
	DefaultMaxEntries = 1024
)

// Entry is one remembered ticket embedding.
type Entry struct {
	Embedding []float64 `json:"embedding" cbor:"1,keyasint"`
	At        int64     `json:"timestamp" cbor:"2,keyasint"` // unix nanoseconds
}

// Window is the persisted sliding window.
type Window struct {
	Entries []Entry `json:"entries" cbor:"1,keyasint"`
}

// NewWindow returns an empty window.
func NewWindow() Window { return Window{} }

// CloneWindow deep-copies w.
func CloneWindow(w Window) Window {
	out := Window{Entries: make([]Entry, len(w.Entries))}
	for i, e := range w.Entries {
		out.Entries[i] = Entry{Embedding: slices.Clone(e.Embedding), At: e.At}
	}
	return out
}

// NewSharedState persists the window at kv.KeyStormWindow in CBOR. retention
// bounds how long an abandoned window lingers.
func NewSharedState(store kv.Store, retention time.Duration, opts ...statestore.SharedOption) *statestore.Shared[Window] {
	if retention <= 0 {
		retention = DefaultRetention
	}
	opts = append([]statestore.SharedOption{
		statestore.WithTTL(retention),
		statestore.WithCodec(statestore.CBOR{}),
	}, opts...)
	return statestore.NewShared(store, kv.KeyStormWindow, NewWindow, opts...)
}

// Config tunes detection. Zero fields take defaults.
type Config struct {
	Window     time.Duration
	Similarity float64
	Threshold  int
	// MaxEntries caps the window; the oldest entries go first. It bounds
	// the encoded window each Check reads and writes under the lock.
	MaxEntries int
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.Similarity <= 0 {
		c.Similarity = DefaultSimilarity
	}
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	if c.MaxEntries <= 0 {
		c.MaxEntries = DefaultMaxEntries
	}
	return c
}

// Detector counts recent similar tickets.
type Detector struct {
	state  statestore.Store[Window]
	cfg    Config
	now    func() time.Time
	logger log.Logger
}

// Option configures a Detector.
type Option func(*Detector)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(d *Detector) { d.now = now } }

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option { return func(d *Detector) { d.logger = l } }

// New returns a Detector. A nil state keeps the window in process.
func New(state statestore.Store[Window], cfg Config, opts ...Option) *Detector {
	if state == nil {
		state = statestore.NewLocal(NewWindow(), CloneWindow)
	}
	d := &Detector{
		state:  state,
		cfg:    cfg.withDefaults(),
		now:    time.Now,
		logger: log.Nop(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Check prunes the window, counts entries more similar than the configured
// threshold to embedding, then appends embedding. The count excludes the
// entry just added. The whole sequence runs as one state update.
func (d *Detector) Check(ctx context.Context, embedding []float64) (int, error) {
	var similar int
	err := d.state.Update(ctx, func(w *Window) error {
		now := d.now()
		cutoff := now.Add(-d.cfg.Window).UnixNano()

		w.Entries = slices.DeleteFunc(w.Entries, func(e Entry) bool { return e.At <= cutoff })
		similar = 0
		for _, e := range w.Entries {
			if Cosine(e.Embedding, embedding) > d.cfg.Similarity {
				similar++
			}
		}
		w.Entries = append(w.Entries, Entry{Embedding: slices.Clone(embedding), At: now.UnixNano()})
		if over := len(w.Entries) - d.cfg.MaxEntries; over > 0 {
			w.Entries = slices.Delete(w.Entries, 0, over)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("storm check: %w", err)
	}
	d.logger.Info(ctx, "storm window checked", "similar_count", similar)
	return similar, nil
}

// IsStorm reports whether a similar count marks an incident.
func (d *Detector) IsStorm(similar int) bool { return similar > d.cfg.Threshold }

// Size returns the number of entries currently held, including any that are
// due for pruning on the next Check.
func (d *Detector) Size(ctx context.Context) (int, error) {
	var n int
	err := d.state.View(ctx, func(w *Window) error {
		n = len(w.Entries)
		return nil
	})
	return n, err
}

// Cosine returns the cosine similarity of a and b. Vectors of different
// length or zero magnitude have similarity 0.
func Cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
