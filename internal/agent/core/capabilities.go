package core

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/mohammad-safakhou/rivet/internal/coverage"
)

// KnowledgeBase looks up knowledge atoms for a query.
type KnowledgeBase interface {
	Lookup(ctx context.Context, q Query) (Coverage, error)
}

// Synthesizer writes an answer from retrieved knowledge.
type Synthesizer interface {
	Synthesize(ctx context.Context, q Query, atoms []Atom) (string, error)
}

// GenerativeFallback produces a best-effort answer without knowledge base
// backing. context may be empty.
type GenerativeFallback interface {
	Generate(ctx context.Context, q Query, context string) (string, error)
}

// DocumentSearch finds external reference documents for a subject.
type DocumentSearch interface {
	Search(ctx context.Context, subject string) ([]Document, error)
}

// GapSignaler reports a query the knowledge base could not answer.
type GapSignaler interface {
	Signal(ctx context.Context, q Query, decision coverage.RouteDecision) error
}

// Capability names used in traces and health output.
const (
	CapKnowledge   = "knowledge_base"
	CapSynthesizer = "synthesizer"
	CapGenerator   = "generative_fallback"
	CapDocuments   = "document_search"
	CapGaps        = "gap_signal"
)

// Capabilities is the fixed table of collaborators resolved at startup.
// Knowledge and Synthesizer are mandatory; the rest are optional and a
// missing one shows up as a skipped step in the trace.
type Capabilities struct {
	Knowledge   KnowledgeBase
	Synthesizer Synthesizer
	Generator   GenerativeFallback
	Documents   DocumentSearch
	Gaps        GapSignaler
}

var ErrMissingCapability = errors.New("core: mandatory capability missing")

// Validate checks that mandatory collaborators are present.
func (c Capabilities) Validate() error {
	if c.Knowledge == nil {
		return fmt.Errorf("%w: %s", ErrMissingCapability, CapKnowledge)
	}
	if c.Synthesizer == nil {
		return fmt.Errorf("%w: %s", ErrMissingCapability, CapSynthesizer)
	}
	return nil
}

// Available lists the configured capabilities in a stable order.
func (c Capabilities) Available() []string {
	present := map[string]bool{
		CapKnowledge:   c.Knowledge != nil,
		CapSynthesizer: c.Synthesizer != nil,
		CapGenerator:   c.Generator != nil,
		CapDocuments:   c.Documents != nil,
		CapGaps:        c.Gaps != nil,
	}
	var out []string
	for name, ok := range present {
		if ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
