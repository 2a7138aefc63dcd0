package helpers

import (
	"strings"
	"sync"

	"github.com/microcosm-cc/bluemonday"
)

var (
	strictPolicyOnce sync.Once
	strictPolicy     *bluemonday.Policy
)

// StrictHTMLPolicy strips every element and attribute.
func StrictHTMLPolicy() *bluemonday.Policy {
	strictPolicyOnce.Do(func() {
		strictPolicy = bluemonday.StrictPolicy()
	})
	return strictPolicy
}

// PlainText removes markup from s and collapses runs of whitespace. Search
// snippets and manual excerpts arrive with highlight tags and line breaks
// that must not reach prompts or the index.
func PlainText(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if strings.ContainsAny(s, "<>&") {
		s = StrictHTMLPolicy().Sanitize(s)
		s = unescape.Replace(s)
	}
	return strings.Join(strings.Fields(s), " ")
}

// bluemonday escapes the text it keeps
var unescape = strings.NewReplacer("&amp;", "&", "&lt;", "<", "&gt;", ">", "&#34;", `"`, "&#39;", "'", "&quot;", `"`)
