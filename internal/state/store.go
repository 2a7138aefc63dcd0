package state

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mohammad-safakhou/rivet/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var stateTracer trace.Tracer = otel.Tracer("rivet/internal/state")

var (
	stateMetricsOnce sync.Once
	softSuccesses    otelmetric.Int64Counter
	tierFailures     otelmetric.Int64Counter
)

func initStateMetrics() {
	meter := otel.Meter("rivet/state")
	var err error
	softSuccesses, err = meter.Int64Counter(
		"rivet_state_soft_success_total",
		otelmetric.WithDescription("Dialog state writes accepted only by the in-process cache"),
	)
	if err != nil {
		log.Printf("state metrics init: rivet_state_soft_success_total: %v", err)
	}
	tierFailures, err = meter.Int64Counter(
		"rivet_state_tier_failures_total",
		otelmetric.WithDescription("Failed calls against a dialog state tier"),
	)
	if err != nil {
		log.Printf("state metrics init: rivet_state_tier_failures_total: %v", err)
	}
}

// Options wires a Store. Primary and Secondary may be nil; the cache is
// always present.
type Options struct {
	Primary   Tier
	Secondary Tier
	Cache     *MemoryTier
	Config    config.StateConfig
	Logger    *log.Logger
	Now       func() time.Time
}

// Store composes the primary, secondary and cache tiers behind one API.
type Store struct {
	primary   Tier
	secondary Tier
	cache     *MemoryTier
	cfg       config.StateConfig
	logger    *log.Logger
	now       func() time.Time
}

func New(opts Options) *Store {
	stateMetricsOnce.Do(initStateMetrics)
	s := &Store{
		primary:   opts.Primary,
		secondary: opts.Secondary,
		cache:     opts.Cache,
		cfg:       opts.Config.Normalize(),
		logger:    opts.Logger,
		now:       opts.Now,
	}
	if s.cache == nil {
		s.cache = NewMemoryTier()
	}
	if s.logger == nil {
		s.logger = log.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Save writes the cache first, then the primary with bounded retries, then
// the secondary once. See SaveResult for the soft success case.
func (s *Store) Save(ctx context.Context, key Key, step string, data map[string]any) SaveResult {
	if err := key.Validate(); err != nil {
		return SaveResult{Err: err}
	}
	ctx, span := stateTracer.Start(ctx, "state.save", trace.WithAttributes(
		attribute.String("state.kind", key.Kind),
		attribute.String("state.step", step),
	))
	defer span.End()

	now := s.now().UTC()
	rec := Record{
		Key:       key,
		Step:      step,
		Data:      cloneData(data),
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(s.cfg.TTL),
	}
	_ = s.cache.Put(ctx, rec)

	var failures []error
	if s.primary != nil {
		err := s.putPrimary(ctx, rec)
		if err == nil {
			span.SetAttributes(attribute.String("state.tier", string(TierPrimary)))
			s.evictSecondary(ctx, key)
			return SaveResult{Tier: TierPrimary, Durable: true}
		}
		s.tierFailed(ctx, TierPrimary, "save", key, err)
		failures = append(failures, err)
	}
	if s.secondary != nil {
		err := s.secondary.Put(ctx, rec)
		if err == nil {
			span.SetAttributes(attribute.String("state.tier", string(TierSecondary)))
			return SaveResult{Tier: TierSecondary, Durable: true}
		}
		s.tierFailed(ctx, TierSecondary, "save", key, err)
		failures = append(failures, err)
	}

	err := fmt.Errorf("%w: %w", ErrAllTiersFailed, errors.Join(failures...))
	if len(failures) == 0 {
		err = fmt.Errorf("%w: no durable tier configured", ErrAllTiersFailed)
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, "soft success")
	span.SetAttributes(attribute.String("state.tier", string(TierCache)))
	if softSuccesses != nil {
		softSuccesses.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("kind", key.Kind)))
	}
	s.logger.Printf("durability risk: %s step=%s held only in process cache: %v", key, step, err)
	return SaveResult{Tier: TierCache, Err: err}
}

func (s *Store) putPrimary(ctx context.Context, rec Record) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.cfg.PrimaryBackoff
	policy.MaxElapsedTime = 0
	attempts := s.cfg.PrimaryAttempts
	bo := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(attempts-1)), ctx)

	return backoff.Retry(func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.PrimaryTimeout)
		defer cancel()
		err := s.primary.Put(attemptCtx, rec)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}, bo)
}

// evictSecondary drops the fallback copy of key once the primary holds a
// newer write. The secondary only keeps writes the primary missed.
func (s *Store) evictSecondary(ctx context.Context, key Key) {
	if s.secondary == nil {
		return
	}
	if err := s.secondary.Delete(ctx, key); err != nil {
		s.tierFailed(ctx, TierSecondary, "evict", key, err)
	}
}

// Load returns the first non-expired record found walking primary,
// secondary, then cache. Tier errors are logged and skipped. A hit on a
// durable tier refreshes the cache, unless it is a secondary hit older than
// what the cache already holds.
func (s *Store) Load(ctx context.Context, key Key) (Record, bool) {
	if key.Validate() != nil {
		return Record{}, false
	}
	ctx, span := stateTracer.Start(ctx, "state.load", trace.WithAttributes(attribute.String("state.kind", key.Kind)))
	defer span.End()

	now := s.now().UTC()
	for _, tier := range s.durableTiers() {
		getCtx := ctx
		var cancel context.CancelFunc = func() {}
		if tier.Name() == TierPrimary {
			getCtx, cancel = context.WithTimeout(ctx, s.cfg.PrimaryTimeout)
		}
		rec, ok, err := tier.Get(getCtx, key, now)
		cancel()
		if err != nil {
			s.tierFailed(ctx, tier.Name(), "load", key, err)
			continue
		}
		if ok && !rec.Expired(now) {
			if tier.Name() != TierPrimary {
				if cached, hit, _ := s.cache.Get(ctx, key, now); hit && cached.UpdatedAt.After(rec.UpdatedAt) {
					span.SetAttributes(attribute.String("state.tier", string(TierCache)))
					return cached, true
				}
			}
			span.SetAttributes(attribute.String("state.tier", string(tier.Name())))
			_ = s.cache.Put(ctx, rec)
			return rec, true
		}
	}
	rec, ok, _ := s.cache.Get(ctx, key, now)
	if ok {
		span.SetAttributes(attribute.String("state.tier", string(TierCache)))
	}
	return rec, ok
}

// Clear removes key from every tier. The returned error is informational:
// tiers that failed are listed but the others were still cleared.
func (s *Store) Clear(ctx context.Context, key Key) error {
	if err := key.Validate(); err != nil {
		return err
	}
	_ = s.cache.Delete(ctx, key)
	var errs []error
	for _, tier := range s.durableTiers() {
		if err := tier.Delete(ctx, key); err != nil {
			s.tierFailed(ctx, tier.Name(), "clear", key, err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SweepExpired deletes expired records from every tier and returns how many
// were removed in total.
func (s *Store) SweepExpired(ctx context.Context) (int, error) {
	local, localErr := s.SweepLocal(ctx)
	shared, sharedErr := s.SweepShared(ctx)
	return local + shared, errors.Join(localErr, sharedErr)
}

// SweepLocal sweeps the tiers owned by this process: the cache and the
// secondary. Every replica must run it.
func (s *Store) SweepLocal(ctx context.Context) (int, error) {
	tiers := []Tier{s.cache}
	if s.secondary != nil {
		tiers = append(tiers, s.secondary)
	}
	return s.sweep(ctx, "state.sweep_local", tiers)
}

// SweepShared sweeps the primary tier, which all replicas share.
func (s *Store) SweepShared(ctx context.Context) (int, error) {
	if s.primary == nil {
		return 0, nil
	}
	return s.sweep(ctx, "state.sweep_shared", []Tier{s.primary})
}

func (s *Store) sweep(ctx context.Context, spanName string, tiers []Tier) (int, error) {
	ctx, span := stateTracer.Start(ctx, spanName)
	defer span.End()

	now := s.now().UTC()
	total := 0
	var errs []error
	for _, tier := range tiers {
		n, err := tier.DeleteExpired(ctx, now)
		if err != nil {
			s.tierFailed(ctx, tier.Name(), "sweep", Key{}, err)
			errs = append(errs, err)
			continue
		}
		total += n
	}
	span.SetAttributes(attribute.Int("state.swept", total))
	err := errors.Join(errs...)
	if err != nil {
		span.RecordError(err)
	}
	return total, err
}

// Close releases the durable tiers.
func (s *Store) Close() error {
	var errs []error
	for _, tier := range s.durableTiers() {
		if err := tier.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", tier.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (s *Store) durableTiers() []Tier {
	tiers := make([]Tier, 0, 2)
	if s.primary != nil {
		tiers = append(tiers, s.primary)
	}
	if s.secondary != nil {
		tiers = append(tiers, s.secondary)
	}
	return tiers
}

func (s *Store) tierFailed(ctx context.Context, tier TierName, op string, key Key, err error) {
	if tierFailures != nil {
		tierFailures.Add(ctx, 1, otelmetric.WithAttributes(
			attribute.String("tier", string(tier)),
			attribute.String("op", op),
		))
	}
	s.logger.Printf("%s tier %s failed for %s: %v", tier, op, key, err)
}
