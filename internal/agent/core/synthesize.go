package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var ErrNoKnowledge = errors.New("core: no knowledge atoms to synthesize from")

// ExtractiveSynthesizer answers by quoting the best atoms. It needs no model.
type ExtractiveSynthesizer struct {
	MaxAtoms int
}

func (s ExtractiveSynthesizer) Synthesize(_ context.Context, _ Query, atoms []Atom) (string, error) {
	if len(atoms) == 0 {
		return "", ErrNoKnowledge
	}
	limit := s.MaxAtoms
	if limit <= 0 {
		limit = 3
	}
	var b strings.Builder
	for i, a := range atoms {
		if i == limit {
			break
		}
		if i > 0 {
			b.WriteString("\n\n")
		}
		if a.Title != "" {
			b.WriteString(a.Title)
			b.WriteString(": ")
		}
		b.WriteString(strings.TrimSpace(a.Content))
	}
	return b.String(), nil
}

// GenerativeSynthesizer grounds the generative model in retrieved atoms.
type GenerativeSynthesizer struct {
	Generator GenerativeFallback
	MaxAtoms  int
}

func (s GenerativeSynthesizer) Synthesize(ctx context.Context, q Query, atoms []Atom) (string, error) {
	if len(atoms) == 0 {
		return "", ErrNoKnowledge
	}
	limit := s.MaxAtoms
	if limit <= 0 {
		limit = 5
	}
	var b strings.Builder
	b.WriteString("Answer strictly from the following knowledge base entries. Say so if they do not cover the question.\n")
	for i, a := range atoms {
		if i == limit {
			break
		}
		fmt.Fprintf(&b, "\n[%d] %s\n%s\n", i+1, a.Title, trimSnippet(a.Content, 1200))
	}
	return s.Generator.Generate(ctx, q, b.String())
}
