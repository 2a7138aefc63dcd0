// Package flow runs multi-step data-entry dialogs whose progress is persisted
// after every accepted input.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/mohammad-safakhou/rivet/internal/state"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var flowTracer trace.Tracer = otel.Tracer("rivet/internal/flow")

// StateStore is the persistence the engine needs.
type StateStore interface {
	Save(ctx context.Context, key state.Key, step string, data map[string]any) state.SaveResult
	Load(ctx context.Context, key state.Key) (state.Record, bool)
	Clear(ctx context.Context, key state.Key) error
}

// Scope narrows a uniqueness check to one user's records of one kind.
type Scope struct {
	UserID int64
	Kind   string
	Field  string
}

// UniquenessChecker reports whether value is already used within scope.
type UniquenessChecker interface {
	Exists(ctx context.Context, scope Scope, value string) (bool, error)
}

// Finalizer stores a completed dialog permanently. It returns *ConflictError
// when a unique value collides at commit time.
type Finalizer interface {
	Commit(ctx context.Context, key state.Key, data map[string]any) (string, error)
}

// Reply is what the caller shows the user next.
type Reply struct {
	Prompt     string `json:"prompt"`
	Step       string `json:"step,omitempty"`
	IsComplete bool   `json:"is_complete"`
	Cancelled  bool   `json:"cancelled,omitempty"`
	Resumed    bool   `json:"resumed,omitempty"`
	RecordID   string `json:"record_id,omitempty"`
}

// Options wires an Engine.
type Options struct {
	Catalogs    map[string]*Catalog
	Store       StateStore
	Uniqueness  UniquenessChecker
	Finalizer   Finalizer
	SkipCommand string
	Logger      *log.Logger
}

// Engine drives dialogs. Inputs for the same key are handled one at a time;
// different keys proceed in parallel.
type Engine struct {
	catalogs  map[string]*Catalog
	store     StateStore
	unique    UniquenessChecker
	finalizer Finalizer
	skip      string
	logger    *log.Logger
	locks     *keyLock
}

func NewEngine(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("flow engine requires a state store")
	}
	if opts.Finalizer == nil {
		return nil, fmt.Errorf("flow engine requires a finalizer")
	}
	if len(opts.Catalogs) == 0 {
		return nil, fmt.Errorf("flow engine requires at least one catalog")
	}
	for kind, c := range opts.Catalogs {
		if opts.Uniqueness != nil {
			continue
		}
		for _, st := range c.Steps {
			for _, r := range st.Rules {
				if r.Type == RuleUnique {
					return nil, fmt.Errorf("catalog %s uses unique rules but no uniqueness checker is configured", kind)
				}
			}
		}
	}
	e := &Engine{
		catalogs:  opts.Catalogs,
		store:     opts.Store,
		unique:    opts.Uniqueness,
		finalizer: opts.Finalizer,
		skip:      strings.TrimSpace(opts.SkipCommand),
		logger:    opts.Logger,
		locks:     newKeyLock(),
	}
	if e.skip == "" {
		e.skip = "/skip"
	}
	if e.logger == nil {
		e.logger = log.Default()
	}
	return e, nil
}

// Kinds lists the dialog kinds the engine knows.
func (e *Engine) Kinds() []string {
	kinds := make([]string, 0, len(e.catalogs))
	for k := range e.catalogs {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

func (e *Engine) catalog(kind string) (*Catalog, error) {
	c, ok := e.catalogs[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	return c, nil
}

// Start begins a dialog, or resumes the existing one for the same key.
func (e *Engine) Start(ctx context.Context, userID, chatID int64, kind string) (Reply, error) {
	c, err := e.catalog(kind)
	if err != nil {
		return Reply{}, err
	}
	key := state.Key{UserID: userID, ChatID: chatID, Kind: kind}
	unlock := e.locks.Lock(key)
	defer unlock()

	ctx, span := flowTracer.Start(ctx, "flow.start", trace.WithAttributes(attribute.String("flow.kind", kind)))
	defer span.End()

	if rec, ok := e.store.Load(ctx, key); ok {
		if _, known := c.Step(rec.Step); known {
			span.SetAttributes(attribute.Bool("flow.resumed", true))
			e.logger.Printf("resuming %s at %s", key, rec.Step)
			return e.promptFor(c, Dialog{Step: rec.Step, Data: rec.Data}, true), nil
		}
		e.logger.Printf("discarding %s: persisted step %q no longer in catalog", key, rec.Step)
	}
	return e.begin(ctx, c, key)
}

// Restart discards any existing dialog for the key and begins a new one.
func (e *Engine) Restart(ctx context.Context, userID, chatID int64, kind string) (Reply, error) {
	c, err := e.catalog(kind)
	if err != nil {
		return Reply{}, err
	}
	key := state.Key{UserID: userID, ChatID: chatID, Kind: kind}
	unlock := e.locks.Lock(key)
	defer unlock()

	if err := e.store.Clear(ctx, key); err != nil {
		e.logger.Printf("restart %s: clear: %v", key, err)
	}
	return e.begin(ctx, c, key)
}

func (e *Engine) begin(ctx context.Context, c *Catalog, key state.Key) (Reply, error) {
	d := Dialog{Step: c.Initial().Name, Data: map[string]any{}}
	if err := e.persist(ctx, key, d); err != nil {
		return Reply{}, err
	}
	return e.promptFor(c, d, false), nil
}

// HandleInput applies one user message to the active dialog. Rejected input
// returns a corrective Reply together with a *ValidationError or
// *ConflictError; the dialog stays where it was.
func (e *Engine) HandleInput(ctx context.Context, userID, chatID int64, kind, raw string) (Reply, error) {
	c, err := e.catalog(kind)
	if err != nil {
		return Reply{}, err
	}
	key := state.Key{UserID: userID, ChatID: chatID, Kind: kind}
	unlock := e.locks.Lock(key)
	defer unlock()

	ctx, span := flowTracer.Start(ctx, "flow.input", trace.WithAttributes(attribute.String("flow.kind", kind)))
	defer span.End()

	rec, ok := e.store.Load(ctx, key)
	if !ok {
		return Reply{}, fmt.Errorf("%w: %s", ErrNoActiveDialog, key)
	}
	current := Dialog{Step: rec.Step, Data: rec.Data}
	span.SetAttributes(attribute.String("flow.step", current.Step))

	in := Input{Text: raw, Skip: strings.EqualFold(strings.TrimSpace(raw), e.skip)}
	out, err := Transition(c, current, in)
	if err != nil {
		return e.rejected(c, current, err)
	}
	if err := e.runChecks(ctx, key, out.Checks); err != nil {
		return e.rejected(c, current, err)
	}

	switch out.Action {
	case ActionCancel:
		e.clear(ctx, key)
		return Reply{Prompt: c.Cancelled, Cancelled: true}, nil
	case ActionFinalize:
		return e.finalize(ctx, c, key, out.Dialog)
	default:
		if err := e.persist(ctx, key, out.Dialog); err != nil {
			return Reply{}, err
		}
		return e.promptFor(c, out.Dialog, false), nil
	}
}

// Cancel ends the dialog for the key. No further prompts follow.
func (e *Engine) Cancel(ctx context.Context, userID, chatID int64, kind string) error {
	if _, err := e.catalog(kind); err != nil {
		return err
	}
	key := state.Key{UserID: userID, ChatID: chatID, Kind: kind}
	unlock := e.locks.Lock(key)
	defer unlock()
	e.clear(ctx, key)
	return nil
}

func (e *Engine) finalize(ctx context.Context, c *Catalog, key state.Key, d Dialog) (Reply, error) {
	id, err := e.finalizer.Commit(ctx, key, d.Data)
	if err != nil {
		// refresh expiry so the user has the full window to correct
		if perr := e.persist(ctx, key, d); perr != nil {
			e.logger.Printf("finalize %s: re-persist: %v", key, perr)
		}
		var conflict *ConflictError
		if errors.As(err, &conflict) {
			msg := fmt.Sprintf("%s %q is already in use. Send %s=<new value> to change it, or no to discard.", conflict.Field, conflict.Value, conflict.Field)
			r := e.promptFor(c, d, false)
			r.Prompt = msg + "\n\n" + r.Prompt
			return r, err
		}
		e.logger.Printf("finalize %s failed: %v", key, err)
		r := e.promptFor(c, d, false)
		r.Prompt = "Could not save right now. Reply yes to try again.\n\n" + r.Prompt
		return r, fmt.Errorf("finalize %s: %w", key, err)
	}
	e.clear(ctx, key)
	e.logger.Printf("completed %s as %s", key, id)
	msg := c.Completed
	if strings.Contains(msg, "%s") {
		msg = fmt.Sprintf(msg, id)
	}
	return Reply{Prompt: msg, IsComplete: true, RecordID: id}, nil
}

func (e *Engine) runChecks(ctx context.Context, key state.Key, checks []UniqueCheck) error {
	for _, chk := range checks {
		taken, err := e.unique.Exists(ctx, Scope{UserID: key.UserID, Kind: key.Kind, Field: chk.Field}, chk.Value)
		if err != nil {
			e.logger.Printf("uniqueness check %s %s: %v", key, chk.Field, err)
			return &ValidationError{Step: chk.Step, Message: "Could not check that value right now. Please try again."}
		}
		if taken {
			return &ValidationError{Step: chk.Step, Message: chk.Message}
		}
	}
	return nil
}

// persist saves before any prompt is issued. A soft success is accepted: the
// cache copy keeps this process going and the store has already logged it.
func (e *Engine) persist(ctx context.Context, key state.Key, d Dialog) error {
	res := e.store.Save(ctx, key, d.Step, d.Data)
	if !res.OK() {
		return fmt.Errorf("persist %s: %w", key, res.Err)
	}
	return nil
}

func (e *Engine) clear(ctx context.Context, key state.Key) {
	if err := e.store.Clear(ctx, key); err != nil {
		e.logger.Printf("clear %s: %v", key, err)
	}
}

func (e *Engine) rejected(c *Catalog, d Dialog, err error) (Reply, error) {
	var verr *ValidationError
	if !errors.As(err, &verr) {
		return Reply{}, err
	}
	r := e.promptFor(c, d, false)
	r.Prompt = verr.Message + "\n\n" + r.Prompt
	return r, err
}

func (e *Engine) promptFor(c *Catalog, d Dialog, resumed bool) Reply {
	st, _ := c.Step(d.Step)
	var b strings.Builder
	if resumed && c.Resume != "" {
		b.WriteString(c.Resume)
		b.WriteString("\n\n")
	}
	if st.Terminal {
		b.WriteString(summary(c, d.Data))
		b.WriteString("\n\n")
	}
	b.WriteString(strings.ReplaceAll(st.Prompt, "/skip", e.skip))
	return Reply{Prompt: b.String(), Step: d.Step, Resumed: resumed}
}

func summary(c *Catalog, data map[string]any) string {
	var b strings.Builder
	b.WriteString(c.Title)
	for _, st := range c.Steps {
		if st.Field == "" {
			continue
		}
		v, ok := data[st.Field]
		if !ok || v == nil {
			v = "-"
		}
		fmt.Fprintf(&b, "\n%s: %v", st.Field, v)
	}
	return b.String()
}
