package openai_provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/mohammad-safakhou/rivet/config"
	"github.com/mohammad-safakhou/rivet/internal/agent/core"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultTimeout = 30 * time.Second
	maxErrorBody   = 4 << 10
)

var ErrEmptyCompletion = errors.New("openai: no choices in response")

// APIError is returned when the completions endpoint answers with a non-2xx status.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("openai: status %d", e.Status)
	}
	return fmt.Sprintf("openai: status %d: %s", e.Status, e.Message)
}

// client answers uncovered or weakly covered maintenance questions through
// the chat completions API.
type client struct {
	cfg    config.LLMConfig
	base   string
	http   *http.Client
	logger *log.Logger
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func NewOpenAIClient(cfg config.LLMConfig) *client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &client{
		cfg:    cfg,
		base:   base,
		http:   &http.Client{Timeout: timeout},
		logger: log.New(os.Stdout, "[LLM] ", log.LstdFlags),
	}
}

const systemPrompt = `You are a maintenance assistant for industrial technicians.
Answer the question in short, practical steps. Put safety first: mention lockout/tagout
and manufacturer limits when they apply. If you are not sure, say what the technician
should verify in the equipment manual instead of guessing.`

// Generate answers q. When reference is non-empty the answer must stay
// grounded in it.
func (c *client) Generate(ctx context.Context, q core.Query, reference string) (string, error) {
	return c.complete(ctx, []chatMessage{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: userPrompt(q, reference)},
	})
}

func userPrompt(q core.Query, reference string) string {
	var b strings.Builder
	if ref := strings.TrimSpace(reference); ref != "" {
		b.WriteString("Reference material:\n")
		b.WriteString(ref)
		b.WriteString("\n\nAnswer using only the reference material above.\n\n")
	} else {
		b.WriteString("No verified knowledge base entry covers this question.\n\n")
	}
	if hints := formatHints(q.Hints); hints != "" {
		b.WriteString("Equipment: ")
		b.WriteString(hints)
		b.WriteString("\n")
	}
	b.WriteString("Question: ")
	b.WriteString(strings.TrimSpace(q.Text))
	return b.String()
}

func formatHints(h map[string]string) string {
	var parts []string
	for _, k := range []string{"manufacturer", "model", "equipment"} {
		if v := strings.TrimSpace(h[k]); v != "" {
			parts = append(parts, k+": "+v)
		}
	}
	return strings.Join(parts, ", ")
}

func (c *client) complete(ctx context.Context, messages []chatMessage) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:       c.cfg.Model,
		Messages:    messages,
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("encode completion request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("completion request: %w", err)
	}
	defer resp.Body.Close()
	c.logger.Printf("model=%s status=%d took=%s", c.cfg.Model, resp.StatusCode, time.Since(start).Round(time.Millisecond))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", apiError(resp)
	}
	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode completion: %w", err)
	}
	for _, choice := range out.Choices {
		if text := strings.TrimSpace(choice.Message.Content); text != "" {
			return text, nil
		}
	}
	return "", ErrEmptyCompletion
}

func apiError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var parsed chatResponse
	if json.Unmarshal(raw, &parsed) == nil && parsed.Error != nil {
		apiErr.Message = parsed.Error.Message
	}
	return apiErr
}
