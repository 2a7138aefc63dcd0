package core

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mohammad-safakhou/rivet/config"
	"github.com/mohammad-safakhou/rivet/internal/coverage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Sub-task names as they appear in traces.
const (
	TaskClarify    = "clarify"
	TaskLookup     = "knowledge_lookup"
	TaskSynthesize = "synthesize"
	TaskGenerate   = "generate"
	TaskDocuments  = "document_search"
	TaskGapSignal  = "gap_signal"
	TaskAdmission  = "admission"
)

// UnableMarker prefixes every degraded answer.
const UnableMarker = "[unable to fully answer]"

var (
	ErrSubTaskTimeout = errors.New("core: sub-task timed out")
	errNotConfigured  = errors.New("capability not configured")
)

// SubTaskError carries the failure of one sub-task.
type SubTaskError struct {
	Name string
	Err  error
}

func (e *SubTaskError) Error() string { return fmt.Sprintf("sub-task %s: %v", e.Name, e.Err) }
func (e *SubTaskError) Unwrap() error { return e.Err }

var orchestratorTracer trace.Tracer = otel.Tracer("rivet/internal/agent/orchestrator")

// Orchestrator classifies queries and runs the sub-tasks of the chosen route
// concurrently, merging whatever succeeded into one response.
type Orchestrator struct {
	cfg        config.OrchestratorConfig
	classifier *coverage.Classifier
	caps       Capabilities
	logger     *log.Logger
	now        func() time.Time

	// Concurrency control
	semaphore chan struct{}
	// background tracks fire-and-forget work still running after a response.
	background sync.WaitGroup
}

// NewOrchestrator creates a new orchestrator instance
func NewOrchestrator(cfg config.OrchestratorConfig, classifier *coverage.Classifier, caps Capabilities, logger *log.Logger) (*Orchestrator, error) {
	if err := caps.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.Normalize()
	if classifier == nil {
		classifier = coverage.NewClassifier(config.RouterConfig{})
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Orchestrator{
		cfg:        cfg,
		classifier: classifier,
		caps:       caps,
		logger:     logger,
		now:        time.Now,
		semaphore:  make(chan struct{}, cfg.MaxConcurrentQueries),
	}, nil
}

// Capabilities exposes the collaborator table for health reporting.
func (o *Orchestrator) Capabilities() Capabilities { return o.caps }

// Wait blocks until fire-and-forget sub-tasks have finished.
func (o *Orchestrator) Wait() { o.background.Wait() }

// subTask is one unit of concurrent work in a route.
type subTask struct {
	name    string
	role    Role
	timeout time.Duration
	// detached tasks outlive the route deadline
	detached bool
	run      func(ctx context.Context) (any, error)
}

type subResult struct {
	step  TraceStep
	value any
}

// Route answers a query. It never returns an error: every failure path
// produces a well-formed, possibly degraded, response.
func (o *Orchestrator) Route(ctx context.Context, q Query) RivetResponse {
	start := o.now()
	if q.ID == "" {
		q.ID = uuid.New().String()
	}
	if q.ReceivedAt.IsZero() {
		q.ReceivedAt = start
	}
	ctx, span := orchestratorTracer.Start(ctx, "orchestrator.route", trace.WithAttributes(
		attribute.String("query.id", q.ID),
	))
	defer span.End()

	resp := RivetResponse{ID: q.ID, Sources: []Source{}, Trace: []TraceStep{}}
	finish := func() RivetResponse {
		resp.CreatedAt = o.now()
		resp.ProcessingTime = resp.CreatedAt.Sub(start)
		for i := range resp.Trace {
			resp.Trace[i].Index = i
		}
		span.SetAttributes(
			attribute.String("route.kind", string(resp.Route.Kind)),
			attribute.Bool("route.degraded", resp.Degraded),
			attribute.Float64("route.confidence", resp.Confidence),
		)
		if resp.Degraded {
			span.SetStatus(codes.Error, "degraded response")
		}
		recordRoute(ctx, resp)
		return resp
	}

	select {
	case o.semaphore <- struct{}{}:
		defer func() { <-o.semaphore }()
	case <-ctx.Done():
		resp.Route = o.classifier.Classify(q.Text, coverage.Evidence{AtomCount: -1})
		resp.Trace = append(resp.Trace, TraceStep{Name: TaskAdmission, Role: RolePrimary, Outcome: OutcomeFailed,
			Error: ctx.Err().Error(), StartedAt: start, Latency: o.now().Sub(start), Discarded: true})
		o.degrade(&resp, nil)
		return finish()
	}

	routeCtx, cancel := context.WithTimeout(ctx, o.cfg.RouteBudget)
	defer cancel()

	if decision, ambiguous := o.classifier.CheckIntent(q.Text); ambiguous {
		resp.Route = decision
		resp.Text = clarification(decision)
		resp.Trace = append(resp.Trace, TraceStep{Name: TaskClarify, Role: RoleClarify, Outcome: OutcomeSucceeded,
			Detail: decision.Reason, StartedAt: o.now()})
		return finish()
	}

	cov, lookupStep := o.lookup(routeCtx, q)
	resp.Trace = append(resp.Trace, lookupStep)
	ev := cov.Evidence()
	if lookupStep.Outcome != OutcomeSucceeded {
		// an unavailable knowledge base counts as malformed evidence
		ev = coverage.Evidence{AtomCount: -1}
	}
	resp.Route = o.classifier.Classify(q.Text, ev)
	if resp.Route.Degraded {
		cov = Coverage{}
	}
	span.AddEvent("classified", trace.WithAttributes(attribute.String("route.kind", string(resp.Route.Kind))))

	tasks := o.plan(q, resp.Route, cov)
	results := o.dispatch(ctx, routeCtx, tasks)
	for _, r := range results {
		resp.Trace = append(resp.Trace, r.step)
	}
	o.merge(&resp, cov, tasks, results)
	if resp.Degraded {
		o.logger.Printf("query %s degraded on route %s", q.ID, resp.Route.Kind)
	}
	return finish()
}

func (o *Orchestrator) lookup(ctx context.Context, q Query) (Coverage, TraceStep) {
	task := subTask{name: TaskLookup, role: RoleLookup, timeout: o.cfg.LookupTimeout,
		run: func(ctx context.Context) (any, error) { return o.caps.Knowledge.Lookup(ctx, q) }}
	res := o.runTask(ctx, task)
	cov, _ := res.value.(Coverage)
	if res.step.Outcome == OutcomeSucceeded {
		res.step.Detail = fmt.Sprintf("atoms=%d top_relevance=%.2f", cov.AtomCount, cov.TopRelevance)
	}
	return cov, res.step
}

// plan lists the sub-tasks of a route. The primary task is always first.
func (o *Orchestrator) plan(q Query, d coverage.RouteDecision, cov Coverage) []subTask {
	subject := coverage.ExtractSubject(q.Text, q.Hints)
	synthesize := subTask{name: TaskSynthesize, role: RolePrimary, timeout: o.cfg.SynthesisTimeout,
		run: func(ctx context.Context) (any, error) { return o.caps.Synthesizer.Synthesize(ctx, q, cov.Atoms) }}
	documents := subTask{name: TaskDocuments, role: RoleEnrichment, timeout: o.cfg.DocumentTimeout,
		run: func(ctx context.Context) (any, error) {
			if o.caps.Documents == nil {
				return nil, errNotConfigured
			}
			return o.caps.Documents.Search(ctx, subject)
		}}

	switch d.Kind {
	case coverage.StrongMatch:
		return []subTask{synthesize}
	case coverage.ThinMatch:
		return []subTask{synthesize, documents}
	default:
		generate := subTask{name: TaskGenerate, role: RolePrimary, timeout: o.cfg.GenerationTimeout,
			run: func(ctx context.Context) (any, error) {
				if o.caps.Generator == nil {
					return nil, errNotConfigured
				}
				return o.caps.Generator.Generate(ctx, q, "")
			}}
		gap := subTask{name: TaskGapSignal, role: RoleSignal, timeout: o.cfg.GapSignalTimeout, detached: true,
			run: func(ctx context.Context) (any, error) {
				if o.caps.Gaps == nil {
					return nil, errNotConfigured
				}
				return nil, o.caps.Gaps.Signal(ctx, q, d)
			}}
		return []subTask{generate, documents, gap}
	}
}

// dispatch runs tasks concurrently and returns their results in dispatch
// order. Attached tasks are bounded by routeCtx. Detached tasks keep running
// after routeCtx ends; if one has not reported by then it is recorded as
// timed out.
func (o *Orchestrator) dispatch(parent, routeCtx context.Context, tasks []subTask) []subResult {
	chans := make([]chan subResult, len(tasks))
	for i, t := range tasks {
		chans[i] = make(chan subResult, 1)
		taskCtx := routeCtx
		if t.detached {
			taskCtx = context.WithoutCancel(parent)
			o.background.Add(1)
		}
		go func(t subTask, ctx context.Context, out chan<- subResult) {
			if t.detached {
				defer o.background.Done()
			}
			out <- o.runTask(ctx, t)
		}(t, taskCtx, chans[i])
	}

	results := make([]subResult, len(tasks))
	for i, t := range tasks {
		if !t.detached {
			results[i] = <-chans[i]
			continue
		}
		select {
		case results[i] = <-chans[i]:
		case <-routeCtx.Done():
			results[i] = subResult{step: TraceStep{Name: t.name, Role: t.role, Outcome: OutcomeTimedOut,
				Error: "still running after route deadline", StartedAt: o.now(), Discarded: true}}
			go o.reportLate(t.name, chans[i])
		}
	}
	return results
}

func (o *Orchestrator) reportLate(name string, ch <-chan subResult) {
	r := <-ch
	o.logger.Printf("background %s finished after response: %s %s", name, r.step.Outcome, r.step.Error)
}

// runTask executes one sub-task with its own timeout and panic isolation.
// A collaborator that ignores cancellation is abandoned at the deadline.
func (o *Orchestrator) runTask(ctx context.Context, t subTask) subResult {
	started := o.now()
	ctx, span := orchestratorTracer.Start(ctx, "orchestrator.subtask", trace.WithAttributes(
		attribute.String("subtask.name", t.name),
		attribute.String("subtask.role", string(t.role)),
	))
	defer span.End()

	taskCtx := ctx
	cancel := context.CancelFunc(func() {})
	if t.timeout > 0 {
		taskCtx, cancel = context.WithTimeout(ctx, t.timeout)
	}
	defer cancel()

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		v, err := t.run(taskCtx)
		done <- outcome{value: v, err: err}
	}()

	step := TraceStep{Name: t.name, Role: t.role, StartedAt: started}
	var res subResult
	select {
	case out := <-done:
		res.value = out.value
		switch {
		case errors.Is(out.err, errNotConfigured):
			step.Outcome = OutcomeSkipped
			step.Error = out.err.Error()
		case out.err != nil && errors.Is(taskCtx.Err(), context.DeadlineExceeded):
			step.Outcome = OutcomeTimedOut
			step.Error = ErrSubTaskTimeout.Error()
		case out.err != nil:
			step.Outcome = OutcomeFailed
			step.Error = (&SubTaskError{Name: t.name, Err: out.err}).Error()
		default:
			step.Outcome = OutcomeSucceeded
		}
	case <-taskCtx.Done():
		step.Outcome = OutcomeTimedOut
		step.Error = ErrSubTaskTimeout.Error()
		if !errors.Is(taskCtx.Err(), context.DeadlineExceeded) {
			step.Outcome = OutcomeFailed
			step.Error = taskCtx.Err().Error()
		}
	}
	step.Latency = o.now().Sub(started)
	step.Discarded = step.Outcome != OutcomeSucceeded
	if step.Outcome != OutcomeSucceeded {
		span.SetStatus(codes.Error, step.Error)
		if step.Outcome == OutcomeFailed {
			span.RecordError(errors.New(step.Error))
		}
	}
	span.SetAttributes(attribute.String("subtask.outcome", string(step.Outcome)))
	recordSubTask(ctx, t.name, step.Outcome)
	res.step = step
	return res
}

func clarification(d coverage.RouteDecision) string {
	switch d.Reason {
	case coverage.ReasonEmpty:
		return "What would you like to know? Describe the machine and the problem you're seeing."
	case coverage.ReasonTooShort:
		return "Could you give me a bit more detail? For example the machine, the error code, or what it is doing."
	default:
		return "I'm not sure what you're asking about. Which machine or error is this about?"
	}
}
