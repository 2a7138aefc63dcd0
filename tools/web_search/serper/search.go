package serper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mohammad-safakhou/rivet/tools/web_search/models"
)

const defaultBaseURL = "https://google.serper.dev/search"

type Search struct {
	APIKey  string
	BaseURL string
	Client  *http.Client
}

func (s Search) Discover(ctx context.Context, q string, k int, sites []string) ([]models.Result, error) {
	// https://serper.dev/ docs
	if f := models.SiteFilter(sites); f != "" {
		q += " " + f
	}
	body, err := json.Marshal(map[string]any{"q": q, "num": k})
	if err != nil {
		return nil, err
	}
	base := s.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("serper request: %w", err)
	}
	req.Header.Set("X-API-KEY", s.APIKey)
	req.Header.Set("Content-Type", "application/json")
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &models.StatusError{Provider: "serper", Code: resp.StatusCode}
	}
	var raw struct {
		Organic []struct {
			Title   string `json:"title"`
			Link    string `json:"link"`
			Snippet string `json:"snippet"`
		} `json:"organic"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("serper decode: %w", err)
	}
	var out []models.Result
	for i, it := range raw.Organic {
		if i >= k {
			break
		}
		out = append(out, models.Result{Title: it.Title, URL: it.Link, Snippet: it.Snippet})
	}
	return out, nil
}
