// Package coverage decides which answering strategy a query gets based on how
// well the knowledge base covers it.
package coverage

import (
	"math"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/mohammad-safakhou/rivet/config"
)

// Kind is one of the four coverage routes.
type Kind string

const (
	StrongMatch Kind = "strong_match"
	ThinMatch   Kind = "thin_match"
	NoMatch     Kind = "no_match"
	Ambiguous   Kind = "ambiguous"
)

// Evidence is what the knowledge base reported for a query.
type Evidence struct {
	AtomCount    int     `json:"atom_count"`
	TopRelevance float64 `json:"top_relevance"`
}

// Valid reports whether the evidence is well formed.
func (e Evidence) Valid() bool {
	if e.AtomCount < 0 {
		return false
	}
	if math.IsNaN(e.TopRelevance) || math.IsInf(e.TopRelevance, 0) {
		return false
	}
	return e.TopRelevance >= 0 && e.TopRelevance <= 1
}

// RouteDecision is the immutable result of a classification.
type RouteDecision struct {
	Kind         Kind      `json:"kind"`
	Evidence     Evidence  `json:"evidence"`
	ClassifiedAt time.Time `json:"classified_at"`
	Reason       string    `json:"reason"`
	Degraded     bool      `json:"degraded,omitempty"`
}

const (
	ReasonEmpty        = "empty query"
	ReasonTooShort     = "query too short"
	ReasonNoSubject    = "no extractable subject"
	ReasonMalformed    = "malformed coverage evidence"
	ReasonNoAtoms      = "no knowledge atoms"
	ReasonStrong       = "sufficient atoms above strong threshold"
	ReasonFewAtoms     = "few atoms"
	ReasonMidRelevance = "relevance between weak and strong thresholds"
	ReasonLowRelevance = "atoms present but relevance at or below weak threshold"
)

// Classifier applies the router thresholds. The zero value uses defaults.
type Classifier struct {
	cfg config.RouterConfig
	now func() time.Time
}

// NewClassifier builds a classifier from router configuration.
func NewClassifier(cfg config.RouterConfig) *Classifier {
	return &Classifier{cfg: cfg.Normalize(), now: time.Now}
}

// CheckIntent runs the ambiguity test alone. It is evaluated before any
// knowledge base lookup so ambiguous queries never cost a lookup.
func (c *Classifier) CheckIntent(text string) (RouteDecision, bool) {
	cfg := c.config()
	trimmed := strings.TrimSpace(text)
	switch {
	case trimmed == "":
		return c.decide(Ambiguous, Evidence{}, ReasonEmpty, false), true
	case utf8.RuneCountInString(trimmed) < cfg.MinQueryRunes:
		return c.decide(Ambiguous, Evidence{}, ReasonTooShort, false), true
	case len(subjectTokens(trimmed)) == 0:
		return c.decide(Ambiguous, Evidence{}, ReasonNoSubject, false), true
	}
	return RouteDecision{}, false
}

// Classify maps a query and its coverage evidence to a route. It is a pure
// function of its inputs apart from the timestamp and never fails.
func (c *Classifier) Classify(text string, ev Evidence) RouteDecision {
	if d, ambiguous := c.CheckIntent(text); ambiguous {
		return d
	}
	cfg := c.config()
	if !ev.Valid() {
		return c.decide(NoMatch, Evidence{}, ReasonMalformed, true)
	}
	switch {
	case ev.AtomCount == 0:
		return c.decide(NoMatch, ev, ReasonNoAtoms, false)
	case ev.AtomCount >= cfg.StrongMinAtoms && ev.TopRelevance >= cfg.StrongThreshold:
		return c.decide(StrongMatch, ev, ReasonStrong, false)
	case ev.AtomCount < cfg.StrongMinAtoms:
		return c.decide(ThinMatch, ev, ReasonFewAtoms, false)
	case ev.TopRelevance > cfg.WeakThreshold:
		return c.decide(ThinMatch, ev, ReasonMidRelevance, false)
	default:
		return c.decide(NoMatch, ev, ReasonLowRelevance, false)
	}
}

func (c *Classifier) config() config.RouterConfig {
	if c == nil {
		return config.RouterConfig{}.Normalize()
	}
	return c.cfg.Normalize()
}

func (c *Classifier) decide(kind Kind, ev Evidence, reason string, degraded bool) RouteDecision {
	now := time.Now
	if c != nil && c.now != nil {
		now = c.now
	}
	return RouteDecision{Kind: kind, Evidence: ev, ClassifiedAt: now().UTC(), Reason: reason, Degraded: degraded}
}

// ExtractSubject infers what a query is about, for document search. An
// explicit equipment hint wins; otherwise stop words are dropped.
func ExtractSubject(text string, hints map[string]string) string {
	for _, key := range []string{"manufacturer", "model", "equipment"} {
		if v := strings.TrimSpace(hints[key]); v != "" {
			parts := []string{v}
			if key == "manufacturer" {
				if m := strings.TrimSpace(hints["model"]); m != "" {
					parts = append(parts, m)
				}
			}
			return strings.Join(parts, " ")
		}
	}
	var terms []string
	for _, f := range contentTokens(text) {
		if utf8.RuneCountInString(f) >= 2 {
			terms = append(terms, f)
		}
	}
	return strings.Join(terms, " ")
}

func contentTokens(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-'
	})
	out := fields[:0]
	for _, f := range fields {
		f = strings.Trim(f, "-")
		if _, stop := stopWords[f]; stop || f == "" {
			continue
		}
		out = append(out, f)
	}
	return out
}

// subjectTokens keeps content tokens carrying at least two letters.
func subjectTokens(text string) []string {
	var out []string
	for _, f := range contentTokens(text) {
		letters := 0
		for _, r := range f {
			if unicode.IsLetter(r) {
				letters++
			}
		}
		if letters >= 2 {
			out = append(out, f)
		}
	}
	return out
}

var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "and": {}, "or": {}, "but": {}, "is": {}, "are": {},
	"was": {}, "were": {}, "be": {}, "to": {}, "of": {}, "in": {}, "on": {}, "at": {},
	"for": {}, "with": {}, "by": {}, "it": {}, "this": {}, "that": {}, "what": {},
	"how": {}, "why": {}, "when": {}, "where": {}, "who": {}, "which": {}, "do": {},
	"does": {}, "did": {}, "can": {}, "could": {}, "should": {}, "would": {}, "my": {},
	"me": {}, "i": {}, "you": {}, "your": {}, "we": {}, "our": {}, "please": {},
	"hi": {}, "hello": {}, "hey": {}, "thanks": {}, "thank": {}, "ok": {}, "okay": {},
	"help": {}, "there": {}, "any": {}, "about": {}, "from": {},
	"yes": {}, "no": {}, "not": {}, "so": {}, "if": {}, "then": {}, "up": {},
}
