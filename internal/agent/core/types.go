package core

import (
	"time"

	"github.com/mohammad-safakhou/rivet/internal/coverage"
)

// Query is one inbound technical question.
type Query struct {
	ID         string            `json:"id,omitempty"`
	Text       string            `json:"text"`
	Hints      map[string]string `json:"hints,omitempty"` // e.g. manufacturer, model
	ReceivedAt time.Time         `json:"received_at"`
}

// Atom is a unit of knowledge base content scored against a query.
type Atom struct {
	ID      string  `json:"id"`
	Title   string  `json:"title"`
	Content string  `json:"content"`
	Source  string  `json:"source,omitempty"`
	Score   float64 `json:"score"`
}

// Coverage is the knowledge base lookup result.
type Coverage struct {
	AtomCount    int     `json:"atom_count"`
	TopRelevance float64 `json:"top_relevance"`
	Atoms        []Atom  `json:"atoms,omitempty"`
}

// Evidence converts a lookup into classifier input.
func (c Coverage) Evidence() coverage.Evidence {
	return coverage.Evidence{AtomCount: c.AtomCount, TopRelevance: c.TopRelevance}
}

// Document is an external reference found by document search.
type Document struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// Source represents a cited source in a response
type Source struct {
	Title   string `json:"title"`
	URL     string `json:"url,omitempty"`
	Type    string `json:"type"` // knowledge, document
	Snippet string `json:"snippet,omitempty"`
}

// Role is what a sub-task contributes to the response.
type Role string

const (
	RolePrimary    Role = "primary"
	RoleEnrichment Role = "enrichment"
	RoleSignal     Role = "signal"
	RoleClarify    Role = "clarify"
	RoleLookup     Role = "lookup"
)

// Outcome of one sub-task attempt.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeTimedOut  Outcome = "timed_out"
	OutcomeSkipped   Outcome = "skipped"
)

// TraceStep records one sub-task attempt.
type TraceStep struct {
	Index     int           `json:"index"`
	Name      string        `json:"name"`
	Role      Role          `json:"role"`
	Outcome   Outcome       `json:"outcome"`
	Error     string        `json:"error,omitempty"`
	Detail    string        `json:"detail,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Latency   time.Duration `json:"latency"`
	// Discarded is set when the attempt's output did not reach the response.
	Discarded bool `json:"discarded,omitempty"`
}

// RivetResponse is the single answer returned for a query.
type RivetResponse struct {
	ID             string                 `json:"id"`
	Text           string                 `json:"text"`
	Confidence     float64                `json:"confidence"`
	Degraded       bool                   `json:"degraded"`
	Route          coverage.RouteDecision `json:"route"`
	Sources        []Source               `json:"sources"`
	Trace          []TraceStep            `json:"trace"`
	ProcessingTime time.Duration          `json:"processing_time"`
	CreatedAt      time.Time              `json:"created_at"`
}

// Step returns the first trace entry with the given name.
func (r RivetResponse) Step(name string) (TraceStep, bool) {
	for _, s := range r.Trace {
		if s.Name == name {
			return s, true
		}
	}
	return TraceStep{}, false
}
