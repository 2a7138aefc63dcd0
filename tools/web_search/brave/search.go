package brave

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/mohammad-safakhou/rivet/tools/web_search/models"
)

const defaultBaseURL = "https://api.search.brave.com/res/v1/web/search"

type Search struct {
	APIKey  string
	BaseURL string
	Client  *http.Client
}

func (s Search) Discover(ctx context.Context, q string, k int, sites []string) ([]models.Result, error) {
	// https://api.search.brave.com/app/documentation/web-search
	if f := models.SiteFilter(sites); f != "" {
		q += " " + f
	}
	base := s.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	params := url.Values{}
	params.Set("q", q)
	params.Set("count", strconv.Itoa(k))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("brave request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", s.APIKey)
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
		return nil, &models.StatusError{Provider: "brave", Code: resp.StatusCode}
	}
	var raw struct {
		Web struct {
			Results []struct {
				Title   string `json:"title"`
				URL     string `json:"url"`
				Snippet string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("brave decode: %w", err)
	}
	var out []models.Result
	for i, r := range raw.Web.Results {
		if i >= k {
			break
		}
		out = append(out, models.Result{Title: r.Title, URL: r.URL, Snippet: r.Snippet})
	}
	return out, nil
}
