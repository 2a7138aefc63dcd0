package models

import (
	"fmt"
	"strings"
)

type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// StatusError is returned when a provider answers with a non-2xx status.
type StatusError struct {
	Provider string
	Code     int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s search returned status %d", e.Provider, e.Code)
}

// SiteFilter renders sites as a query suffix, e.g. "(site:a.com OR site:b.com)".
func SiteFilter(sites []string) string {
	var parts []string
	for _, s := range sites {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, "site:"+s)
		}
	}
	if len(parts) == 0 {
		return ""
	}
	return "(" + strings.Join(parts, " OR ") + ")"
}
