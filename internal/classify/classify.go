// Package classify holds the deterministic text classifiers used when no
// model is available: the keyword fallback for ticket categories and the
// heuristic urgency scorer.
package classify

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"strings"
)

// Built-in categories.
const (
	Technical = "Technical"
	Billing   = "Billing"
	Legal     = "Legal"
)

// DefaultCategories is the category set used when none is configured.
var DefaultCategories = []string{Technical, Billing, Legal}

// Categories is a closed, ordered set of category names.
type Categories []string

// ParseCategories splits a comma-separated list, trimming blanks and
// rejecting duplicates.
func ParseCategories(s string) (Categories, error) {
	var out Categories
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if slices.Contains(out, p) {
			return nil, fmt.Errorf("duplicate category %q", p)
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no categories in %q", s)
	}
	return out, nil
}

// Contains reports whether name is in the set.
func (c Categories) Contains(name string) bool { return slices.Contains(c, name) }

// Normalize maps free-form model output onto the set, matching
// case-insensitively on the first line. ok is false when nothing matches.
func (c Categories) Normalize(label string) (string, bool) {
	label, _, _ = strings.Cut(strings.TrimSpace(label), "\n")
	label = strings.Trim(strings.TrimSpace(label), `."'*`)
	for _, name := range c {
		if strings.EqualFold(label, name) {
			return name, true
		}
	}
	return "", false
}

// Rule maps tickets mentioning any of Keywords to Category.
type Rule struct {
	Category string
	Keywords []string
}

// DefaultRules is the fallback decision table. Order matters: the first rule
// with a matching keyword wins.
var DefaultRules = []Rule{
	{Category: Billing, Keywords: []string{"invoice", "billing", "charge", "refund"}},
	{Category: Legal, Keywords: []string{"legal", "gdpr", "tos", "privacy", "contract"}},
}

// Keyword is the fallback classifier: a case-insensitive substring match
// over an ordered rule table. It never fails.
type Keyword struct {
	rules    []Rule
	fallback string
}

// NewKeyword returns a classifier over rules that answers fallback when no
// rule matches.
func NewKeyword(rules []Rule, fallback string) *Keyword {
	return &Keyword{rules: rules, fallback: fallback}
}

// DefaultKeyword is the built-in table with Technical as the catch-all.
func DefaultKeyword() *Keyword { return NewKeyword(DefaultRules, Technical) }

// Classify returns the category for text.
func (k *Keyword) Classify(text string) string {
	lower := strings.ToLower(text)
	for _, r := range k.rules {
		for _, kw := range r.Keywords {
			if strings.Contains(lower, kw) {
				return r.Category
			}
		}
	}
	return k.fallback
}

// ClassifyContext adapts Classify to the primary classifier signature so the
// keyword table can stand in when no model is configured.
func (k *Keyword) ClassifyContext(_ context.Context, text string) (string, error) {
	return k.Classify(text), nil
}

// urgencyTerms weights words that signal an urgent ticket.
var urgencyTerms = []struct {
	re     *regexp.Regexp
	weight float64
}{
	{regexp.MustCompile(`(?i)\bemergency\b`), 0.6},
	{regexp.MustCompile(`(?i)\b(critical|urgent(ly)?)\b`), 0.5},
	{regexp.MustCompile(`(?i)\boutage\b`), 0.5},
	{regexp.MustCompile(`(?i)\b(asap|immediately)\b`), 0.4},
	{regexp.MustCompile(`(?i)\b(down|broken)\b`), 0.3},
	{regexp.MustCompile(`(?i)\b(stop(ped)?|blocked)\b`), 0.2},
}

// Urgency scores text in [0, 1] by summing the weights of the distinct
// urgency terms it contains, plus a small bonus for exclamation marks.
type Urgency struct{}

// Score implements the urgency scorer.
func (Urgency) Score(text string) float64 {
	var score float64
	for _, t := range urgencyTerms {
		if t.re.MatchString(text) {
			score += t.weight
		}
	}
	score += min(float64(strings.Count(text, "!")), 3) * 0.05
	return min(score, 1)
}
