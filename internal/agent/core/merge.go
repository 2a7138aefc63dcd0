package core

import (
	"net/url"
	"strings"

	"github.com/mohammad-safakhou/rivet/internal/coverage"
	"github.com/mohammad-safakhou/rivet/internal/helpers"
)

// merge folds sub-task results into the response. results is parallel to
// tasks and tasks[0] is the primary.
func (o *Orchestrator) merge(resp *RivetResponse, cov Coverage, tasks []subTask, results []subResult) {
	var (
		primary string
		docs    []Document
	)
	for i, t := range tasks {
		r := results[i]
		if r.step.Outcome != OutcomeSucceeded {
			continue
		}
		switch {
		case t.role == RolePrimary:
			primary, _ = r.value.(string)
			primary = strings.TrimSpace(primary)
		case t.name == TaskDocuments:
			docs, _ = r.value.([]Document)
		}
	}
	docs = o.selectDocuments(docs)

	if primary == "" {
		o.degrade(resp, docs)
		return
	}

	if resp.Route.Kind == coverage.StrongMatch || resp.Route.Kind == coverage.ThinMatch {
		for _, a := range cov.Atoms {
			resp.Sources = append(resp.Sources, Source{Title: a.Title, URL: a.Source, Type: "knowledge", Snippet: trimSnippet(a.Content, 280)})
		}
	}
	resp.Text = primary + documentFooter(docs)
	resp.Sources = append(resp.Sources, documentSources(docs)...)
	resp.Confidence = confidenceFor(resp.Route)
}

// degrade fills a response whose primary answer is missing.
func (o *Orchestrator) degrade(resp *RivetResponse, docs []Document) {
	resp.Degraded = true
	resp.Confidence = 0.05
	text := UnableMarker + " I couldn't put together a reliable answer right now."
	if len(docs) > 0 {
		text += " These documents may help:"
	}
	resp.Text = text + documentFooter(docs)
	resp.Sources = append(resp.Sources, documentSources(docs)...)
}

// selectDocuments drops entries without a usable URL, de-duplicates by
// normalized URL and caps the list.
func (o *Orchestrator) selectDocuments(docs []Document) []Document {
	seen := make(map[string]struct{}, len(docs))
	out := make([]Document, 0, o.cfg.MaxDocumentLinks)
	for _, d := range docs {
		norm, err := helpers.CanonicalURL(d.URL)
		if err != nil || !(strings.HasPrefix(norm, "https://") || strings.HasPrefix(norm, "http://")) {
			continue
		}
		if _, dup := seen[norm]; dup {
			continue
		}
		seen[norm] = struct{}{}
		if strings.TrimSpace(d.Title) == "" {
			d.Title = toDomain(norm)
		}
		out = append(out, d)
		if len(out) == o.cfg.MaxDocumentLinks {
			break
		}
	}
	return out
}

func documentFooter(docs []Document) string {
	if len(docs) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n\nReference documents:")
	for _, d := range docs {
		b.WriteString("\n- ")
		b.WriteString(d.Title)
		b.WriteString(": ")
		b.WriteString(d.URL)
	}
	return b.String()
}

func documentSources(docs []Document) []Source {
	out := make([]Source, 0, len(docs))
	for _, d := range docs {
		out = append(out, Source{Title: d.Title, URL: d.URL, Type: "document"})
	}
	return out
}

func confidenceFor(d coverage.RouteDecision) float64 {
	switch d.Kind {
	case coverage.StrongMatch:
		return clamp(0.6+0.4*d.Evidence.TopRelevance, 0, 0.98)
	case coverage.ThinMatch:
		return clamp(0.3+0.4*d.Evidence.TopRelevance, 0, 0.7)
	default:
		return 0.3
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func trimSnippet(s string, maxRunes int) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return s
	}
	return strings.TrimSpace(string(runes[:maxRunes])) + "…"
}

// toDomain extracts the hostname from a URL string.
func toDomain(u string) string {
	parsed, err := url.Parse(u)
	if err != nil {
		return u
	}
	return strings.TrimPrefix(parsed.Hostname(), "www.")
}
