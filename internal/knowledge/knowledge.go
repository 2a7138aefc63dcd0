// Package knowledge serves knowledge atoms from a bleve full-text index.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"

	"github.com/blevesearch/bleve"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gopkg.in/yaml.v3"

	"github.com/mohammad-safakhou/rivet/config"
	"github.com/mohammad-safakhou/rivet/internal/agent/core"
	"github.com/mohammad-safakhou/rivet/internal/helpers"
)

var ErrEmptyAtom = errors.New("knowledge: atom needs an id and content")

var tracer = otel.Tracer("rivet/internal/knowledge")

// Base is a core.KnowledgeBase over a bleve index.
type Base struct {
	index  bleve.Index
	topK   int
	logger *log.Logger
}

// Open opens the index at cfg.IndexPath, creating it when missing. An empty
// path gives an in-memory index.
func Open(cfg config.KnowledgeConfig, logger *log.Logger) (*Base, error) {
	if logger == nil {
		logger = log.New(os.Stdout, "[KNOWLEDGE] ", log.LstdFlags)
	}
	topK := cfg.TopK
	if topK <= 0 {
		topK = 10
	}
	var (
		idx bleve.Index
		err error
	)
	path := strings.TrimSpace(cfg.IndexPath)
	switch {
	case path == "":
		idx, err = bleve.NewMemOnly(bleve.NewIndexMapping())
	default:
		idx, err = bleve.Open(path)
		if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
			logger.Printf("creating knowledge index at %s", path)
			idx, err = bleve.New(path, bleve.NewIndexMapping())
		}
	}
	if err != nil {
		return nil, fmt.Errorf("open knowledge index: %w", err)
	}
	return &Base{index: idx, topK: topK, logger: logger}, nil
}

// Index adds or replaces atoms in one batch.
func (b *Base) Index(atoms []core.Atom) error {
	batch := b.index.NewBatch()
	for _, a := range atoms {
		if strings.TrimSpace(a.ID) == "" || strings.TrimSpace(a.Content) == "" {
			return fmt.Errorf("%w (id=%q)", ErrEmptyAtom, a.ID)
		}
		if err := batch.Index(a.ID, map[string]interface{}{
			"title":   helpers.PlainText(a.Title),
			"content": helpers.PlainText(a.Content),
			"source":  a.Source,
		}); err != nil {
			return fmt.Errorf("index atom %s: %w", a.ID, err)
		}
	}
	if err := b.index.Batch(batch); err != nil {
		return fmt.Errorf("commit atoms: %w", err)
	}
	return nil
}

// Count returns the number of indexed atoms.
func (b *Base) Count() (uint64, error) {
	return b.index.DocCount()
}

// Lookup matches the query text and hints against the index. Atom scores are
// the share of distinct query terms found in the atom, so they always fall
// within [0,1].
func (b *Base) Lookup(ctx context.Context, q core.Query) (core.Coverage, error) {
	ctx, span := tracer.Start(ctx, "knowledge.Lookup")
	defer span.End()

	text := lookupText(q)
	terms := b.terms(text)
	if len(terms) == 0 {
		return core.Coverage{}, nil
	}

	req := bleve.NewSearchRequestOptions(bleve.NewMatchQuery(text), b.topK, 0, false)
	req.Fields = []string{"title", "content", "source"}
	res, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return core.Coverage{}, fmt.Errorf("search knowledge: %w", err)
	}

	var out core.Coverage
	for _, hit := range res.Hits {
		atom := core.Atom{
			ID:      hit.ID,
			Title:   stringField(hit.Fields, "title"),
			Content: stringField(hit.Fields, "content"),
			Source:  stringField(hit.Fields, "source"),
		}
		atom.Score = termShare(terms, b.terms(atom.Title+" "+atom.Content))
		if atom.Score == 0 {
			continue
		}
		out.Atoms = append(out.Atoms, atom)
	}
	sort.SliceStable(out.Atoms, func(i, j int) bool { return out.Atoms[i].Score > out.Atoms[j].Score })
	out.AtomCount = len(out.Atoms)
	if out.AtomCount > 0 {
		out.TopRelevance = out.Atoms[0].Score
	}
	span.SetAttributes(
		attribute.Int("knowledge.atoms", out.AtomCount),
		attribute.Float64("knowledge.top_relevance", out.TopRelevance),
	)
	return out, nil
}

func (b *Base) Close() error {
	return b.index.Close()
}

// terms runs text through the index's standard analyzer.
func (b *Base) terms(text string) map[string]struct{} {
	out := make(map[string]struct{})
	analyzer := b.index.Mapping().AnalyzerNamed("standard")
	if analyzer == nil {
		for _, f := range strings.Fields(strings.ToLower(text)) {
			out[f] = struct{}{}
		}
		return out
	}
	for _, tok := range analyzer.Analyze([]byte(text)) {
		out[string(tok.Term)] = struct{}{}
	}
	return out
}

func termShare(query, doc map[string]struct{}) float64 {
	if len(query) == 0 {
		return 0
	}
	found := 0
	for t := range query {
		if _, ok := doc[t]; ok {
			found++
		}
	}
	return float64(found) / float64(len(query))
}

func lookupText(q core.Query) string {
	parts := []string{q.Text}
	keys := make([]string, 0, len(q.Hints))
	for k := range q.Hints {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if v := strings.TrimSpace(q.Hints[k]); v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, " ")
}

func stringField(fields map[string]interface{}, name string) string {
	if s, ok := fields[name].(string); ok {
		return s
	}
	return ""
}

// LoadAtoms reads a YAML (or JSON) list of atoms from path.
func LoadAtoms(path string) ([]core.Atom, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read atoms: %w", err)
	}
	var atoms []core.Atom
	if err := yaml.Unmarshal(raw, &atoms); err != nil {
		return nil, fmt.Errorf("parse atoms: %w", err)
	}
	return atoms, nil
}
