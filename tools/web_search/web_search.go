package web_search

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mohammad-safakhou/rivet/config"
	"github.com/mohammad-safakhou/rivet/internal/agent/core"
	"github.com/mohammad-safakhou/rivet/internal/helpers"
	"github.com/mohammad-safakhou/rivet/tools/web_search/brave"
	"github.com/mohammad-safakhou/rivet/tools/web_search/models"
	"github.com/mohammad-safakhou/rivet/tools/web_search/serper"
)

type WebSearcher interface {
	Discover(ctx context.Context, q string, k int, sites []string) ([]models.Result, error)
}

type Provider string

const (
	SerperProvider Provider = "serper"
	BraveProvider  Provider = "brave"
)

var (
	ErrUnsupportedProvider = errors.New("web_search: unsupported provider")
	ErrMissingAPIKey       = errors.New("web_search: api key required")
)

func NewWebSearcher(provider Provider, apiKey string, client *http.Client) (WebSearcher, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, ErrMissingAPIKey
	}
	switch provider {
	case SerperProvider:
		return serper.Search{APIKey: apiKey, Client: client}, nil
	case BraveProvider:
		return brave.Search{APIKey: apiKey, Client: client}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProvider, provider)
	}
}

// DocumentSearch finds manuals and reference pages for an equipment subject.
type DocumentSearch struct {
	searcher   WebSearcher
	maxResults int
	sites      []string
}

// New builds a DocumentSearch from config.
func New(cfg config.WebSearchConfig) (*DocumentSearch, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	provider := Provider(strings.ToLower(strings.TrimSpace(cfg.Provider)))
	if provider == "" {
		provider = BraveProvider
	}
	s, err := NewWebSearcher(provider, cfg.APIKey(), &http.Client{Timeout: timeout})
	if err != nil {
		return nil, err
	}
	return NewDocumentSearch(s, cfg.MaxResults, cfg.Sites), nil
}

func NewDocumentSearch(s WebSearcher, maxResults int, sites []string) *DocumentSearch {
	if maxResults <= 0 {
		maxResults = 5
	}
	return &DocumentSearch{searcher: s, maxResults: maxResults, sites: sites}
}

// Search looks up documentation for subject. Results without a usable URL
// are dropped, as are repeats of a page already returned.
func (d *DocumentSearch) Search(ctx context.Context, subject string) ([]core.Document, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return nil, nil
	}
	results, err := d.searcher.Discover(ctx, subject+" manual", d.maxResults, d.sites)
	if err != nil {
		return nil, err
	}
	out := make([]core.Document, 0, len(results))
	seen := make(map[string]struct{}, len(results))
	for _, r := range results {
		canonical, err := helpers.CanonicalURL(r.URL)
		if err != nil {
			continue
		}
		if _, dup := seen[canonical]; dup {
			continue
		}
		seen[canonical] = struct{}{}
		out = append(out, core.Document{Title: helpers.PlainText(r.Title), URL: canonical})
	}
	return out, nil
}
