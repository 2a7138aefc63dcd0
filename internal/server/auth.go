package server

import (
	"encoding/json"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

// ScopeMaintenance guards operational endpoints such as the sweep trigger.
const ScopeMaintenance = "maintenance"

const claimsKey = "adapter_claims"

// AdapterClaims identify the messaging adapter calling the API. End users are
// identified per request, never by the token.
type AdapterClaims struct {
	Scopes scopeList `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

// scopeList accepts a JSON array or a space separated string.
type scopeList []string

func (s *scopeList) UnmarshalJSON(b []byte) error {
	var items []string
	if err := json.Unmarshal(b, &items); err != nil {
		var joined string
		if err := json.Unmarshal(b, &joined); err != nil {
			return err
		}
		items = strings.Fields(joined)
	}
	out := make(scopeList, 0, len(items))
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	*s = out
	return nil
}

// SignJWT issues an HS256 token for subject that expires after ttl.
func SignJWT(subject string, secret []byte, ttl time.Duration, scopes ...string) (string, error) {
	now := time.Now()
	claims := AdapterClaims{
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// EchoAuthMiddleware rejects requests without a valid bearer token.
func EchoAuthMiddleware(secret []byte) echo.MiddlewareFunc {
	keyFunc := func(*jwt.Token) (interface{}, error) { return secret, nil }
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			raw, ok := bearerToken(c.Request())
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing token")
			}
			claims := &AdapterClaims{}
			_, err := jwt.ParseWithClaims(raw, claims, keyFunc,
				jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
				jwt.WithExpirationRequired(),
			)
			if err != nil || claims.Subject == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			c.Set(claimsKey, claims)
			return next(c)
		}
	}
}

// RequireScopes rejects tokens lacking any of required.
func RequireScopes(required ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			claims, _ := c.Get(claimsKey).(*AdapterClaims)
			if claims == nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			for _, scope := range required {
				if !slices.Contains(claims.Scopes, scope) {
					return echo.NewHTTPError(http.StatusForbidden, "missing scope: "+scope)
				}
			}
			return next(c)
		}
	}
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
