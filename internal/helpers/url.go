package helpers

import (
	"errors"
	"net/url"
	"path"
	"strings"
)

var ErrInvalidURL = errors.New("helpers: invalid url")

var trackingParams = []string{"utm_source", "utm_medium", "utm_campaign", "utm_term", "utm_content", "gclid", "fbclid", "msclkid"}

// CanonicalURL normalises raw so the same page reached through different
// links compares equal. Scheme and host are lowercased, default ports,
// fragments and tracking parameters are dropped and the remaining query is
// re-encoded in key order. A missing scheme becomes https.
func CanonicalURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrInvalidURL
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + strings.TrimPrefix(raw, "//")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", errors.Join(ErrInvalidURL, err)
	}
	if u.Host == "" {
		return "", ErrInvalidURL
	}
	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	if port := u.Port(); port != "" && !(u.Scheme == "https" && port == "443") && !(u.Scheme == "http" && port == "80") {
		host += ":" + port
	}
	u.Host = host
	u.User = nil
	u.Fragment = ""

	p := path.Clean("/" + u.Path)
	if p != "/" && strings.HasSuffix(u.Path, "/") {
		p += "/"
	}
	u.Path, u.RawPath = p, ""

	q := u.Query()
	for _, k := range trackingParams {
		q.Del(k)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
