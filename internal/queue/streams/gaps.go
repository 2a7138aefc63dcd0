package streams

import (
	"context"
	"errors"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/mohammad-safakhou/rivet/internal/agent/core"
	"github.com/mohammad-safakhou/rivet/internal/coverage"
)

var ErrThrottled = errors.New("streams: gap signal rate limit exceeded")

// KnowledgeGap is the payload of a knowledge.gap event.
type KnowledgeGap struct {
	QueryID      string            `json:"query_id"`
	Text         string            `json:"text"`
	Subject      string            `json:"subject,omitempty"`
	Route        string            `json:"route"`
	Reason       string            `json:"reason"`
	AtomCount    int               `json:"atom_count"`
	TopRelevance float64           `json:"top_relevance"`
	Degraded     bool              `json:"degraded,omitempty"`
	Hints        map[string]string `json:"hints,omitempty"`
	ReceivedAt   time.Time         `json:"received_at"`
}

// GapSignaler publishes unanswered queries to a stream for knowledge authors.
type GapSignaler struct {
	publisher *Publisher
	stream    string
	limiter   *rate.Limiter
	logger    *log.Logger
}

// NewGapSignaler limits publishing to perMinute events; perMinute <= 0 disables the limit.
func NewGapSignaler(publisher *Publisher, stream string, perMinute int, logger *log.Logger) *GapSignaler {
	if logger == nil {
		logger = log.New(os.Stdout, "[GAPS] ", log.LstdFlags)
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if perMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
	}
	return &GapSignaler{publisher: publisher, stream: stream, limiter: limiter, logger: logger}
}

// Signal implements core.GapSignaler. Over the rate limit the event is
// dropped and ErrThrottled returned.
func (g *GapSignaler) Signal(ctx context.Context, q core.Query, decision coverage.RouteDecision) error {
	if !g.limiter.Allow() {
		recordGap(ctx, "throttled")
		return ErrThrottled
	}
	id := q.ID
	if id == "" {
		id = uuid.NewString()
	}
	received := q.ReceivedAt
	if received.IsZero() {
		received = time.Now()
	}
	gap := KnowledgeGap{
		QueryID:      id,
		Text:         strings.TrimSpace(q.Text),
		Subject:      coverage.ExtractSubject(q.Text, q.Hints),
		Route:        string(decision.Kind),
		Reason:       decision.Reason,
		AtomCount:    decision.Evidence.AtomCount,
		TopRelevance: decision.Evidence.TopRelevance,
		Degraded:     decision.Degraded,
		Hints:        q.Hints,
		ReceivedAt:   received.UTC(),
	}
	if _, err := g.publisher.Emit(ctx, g.stream, EventKnowledgeGap, KnowledgeGapVersion, gap); err != nil {
		recordGap(ctx, "failed")
		g.logger.Printf("publish gap for query %s: %v", id, err)
		return err
	}
	recordGap(ctx, "published")
	return nil
}
