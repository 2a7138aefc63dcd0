package openai_provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohammad-safakhou/rivet/config"
	"github.com/mohammad-safakhou/rivet/internal/agent/core"
)

func TestGenerateGrounded(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"  Cycle power.  "}}]}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(config.LLMConfig{APIKey: "sk-test", BaseURL: srv.URL + "/", Model: "gpt-4o-mini"})
	out, err := c.Generate(context.Background(), core.Query{
		Text:  "how to reset E42",
		Hints: map[string]string{"manufacturer": "Grundfos"},
	}, "[1] E42 fault\nReset by cycling power.")
	require.NoError(t, err)
	assert.Equal(t, "Cycle power.", out)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "gpt-4o-mini", got.Model)
	assert.Contains(t, got.Messages[1].Content, "Reference material:")
	assert.Contains(t, got.Messages[1].Content, "manufacturer: Grundfos")
}

func TestGenerateUngrounded(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"Check the manual."}}]}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(config.LLMConfig{APIKey: "k", BaseURL: srv.URL})
	_, err := c.Generate(context.Background(), core.Query{Text: "odd noise from gearbox"}, "")
	require.NoError(t, err)
	assert.Contains(t, got.Messages[1].Content, "No verified knowledge base entry")
	assert.Contains(t, got.Messages[1].Content, "Question: odd noise from gearbox")
}

func TestAPIErrorCarriesServerMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"invalid api key"}}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(config.LLMConfig{APIKey: "bad", BaseURL: srv.URL})
	_, err := c.Generate(context.Background(), core.Query{Text: "x"}, "")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.Equal(t, "invalid api key", apiErr.Message)
}

func TestGenerateErrors(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
	}{
		{"status", http.StatusInternalServerError, `{}`},
		{"status with message", http.StatusTooManyRequests, `{"error":{"message":"rate limited"}}`},
		{"no choices", http.StatusOK, `{"choices":[]}`},
		{"blank", http.StatusOK, `{"choices":[{"message":{"content":"  "}}]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()
			c := NewOpenAIClient(config.LLMConfig{APIKey: "k", BaseURL: srv.URL})
			_, err := c.Generate(context.Background(), core.Query{Text: "x"}, "")
			assert.Error(t, err)
		})
	}
}
