package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/rivet/config"
	"github.com/mohammad-safakhou/rivet/internal/agent/core"
	"github.com/mohammad-safakhou/rivet/internal/coverage"
	"github.com/mohammad-safakhou/rivet/internal/flow"
	"github.com/mohammad-safakhou/rivet/internal/knowledge"
	"github.com/mohammad-safakhou/rivet/internal/queue/streams"
	"github.com/mohammad-safakhou/rivet/internal/runtime"
	"github.com/mohammad-safakhou/rivet/internal/state"
	"github.com/mohammad-safakhou/rivet/internal/store"
	"github.com/mohammad-safakhou/rivet/provider"
	"github.com/mohammad-safakhou/rivet/tools/web_search"
)

// app holds every long-lived dependency built from config.
type app struct {
	cfg       *config.Config
	primary   *state.PostgresTier
	secondary *state.SQLiteTier
	states    *state.Store
	machines  *store.Store
	rdb       *redis.Client
	kb        *knowledge.Base
	engine    *flow.Engine
	orch      *core.Orchestrator
}

// buildState opens the conversation state tiers. An unreachable primary is
// logged and kept: the store falls back per call and reconnects on its own.
func buildState(ctx context.Context, cfg *config.Config, a *app) error {
	logger := newLogger("STATE")
	dsn, err := cfg.Storage.Postgres.DSN()
	if err != nil {
		return err
	}
	primary, err := state.OpenPostgres(ctx, dsn)
	if primary == nil {
		return err
	}
	if err != nil {
		logger.Printf("primary tier unavailable at startup: %v", err)
	}
	a.primary = primary
	opts := state.Options{Primary: primary, Cache: state.NewMemoryTier(), Config: cfg.State, Logger: logger}
	if !cfg.State.DisableSecondary {
		secondary, err := state.OpenSQLite(cfg.State.SecondaryPath)
		if err != nil {
			logger.Printf("secondary tier disabled: %v", err)
		} else {
			a.secondary = secondary
			opts.Secondary = secondary
		}
	}
	a.states = state.New(opts)
	a.machines = &store.Store{DB: primary.DB}
	return nil
}

func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}
	if err := buildState(ctx, cfg, a); err != nil {
		return nil, err
	}

	catalogs, err := flow.LoadCatalogs(cfg.Flows.CatalogFile)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.engine, err = flow.NewEngine(flow.Options{
		Catalogs:    catalogs,
		Store:       a.states,
		Uniqueness:  a.machines,
		Finalizer:   a.machines,
		SkipCommand: cfg.Flows.SkipCommand,
		Logger:      newLogger("FLOW"),
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	a.kb, err = knowledge.Open(cfg.Knowledge, newLogger("KNOWLEDGE"))
	if err != nil {
		a.Close()
		return nil, err
	}
	a.rdb, err = runtime.OpenRedis(ctx, cfg.Storage.Redis)
	if err != nil {
		a.Close()
		return nil, err
	}

	caps, err := buildCapabilities(cfg, a.kb, a.rdb, newLogger("ORCH"))
	if err != nil {
		a.Close()
		return nil, err
	}
	a.orch, err = core.NewOrchestrator(cfg.Orchestrator, coverage.NewClassifier(cfg.Router), caps, newLogger("ORCH"))
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// buildCapabilities resolves the optional collaborators. A missing API key or
// Redis leaves the matching capability out; the orchestrator records it as skipped.
func buildCapabilities(cfg *config.Config, kb core.KnowledgeBase, rdb *redis.Client, logger *log.Logger) (core.Capabilities, error) {
	caps := core.Capabilities{Knowledge: kb, Synthesizer: core.ExtractiveSynthesizer{MaxAtoms: 5}}

	if gen, err := provider.NewProvider(provider.Client(strings.ToLower(cfg.LLM.Provider)), cfg.LLM); err != nil {
		logger.Printf("generative fallback disabled: %v", err)
	} else {
		caps.Generator = gen
		caps.Synthesizer = core.GenerativeSynthesizer{Generator: gen, MaxAtoms: 5}
	}

	if docs, err := web_search.New(cfg.Sources.WebSearch); err != nil {
		logger.Printf("document search disabled: %v", err)
	} else {
		caps.Documents = docs
	}

	if rdb != nil {
		reg := streams.NewSchemaRegistry()
		if err := streams.RegisterBaseSchemas(reg); err != nil {
			return caps, fmt.Errorf("register stream schemas: %w", err)
		}
		pub := streams.NewPublisher(rdb, reg, cfg.Maintenance.GapMaxLen)
		caps.Gaps = streams.NewGapSignaler(pub, cfg.Maintenance.GapStream, cfg.Maintenance.GapPerMin, newLogger("GAPS"))
	} else {
		logger.Printf("gap signals disabled: storage.redis not configured")
	}
	logger.Printf("capabilities: %s", strings.Join(caps.Available(), ", "))
	return caps, caps.Validate()
}

// health reports per-component reachability for /healthz.
func (a *app) health(ctx context.Context) map[string]string {
	out := map[string]string{}
	status := func(err error) string {
		if err != nil {
			return err.Error()
		}
		return "ok"
	}
	out["postgres"] = status(a.primary.DB.PingContext(ctx))
	if a.secondary != nil {
		out["sqlite"] = "ok"
	}
	if a.rdb != nil {
		out["redis"] = status(a.rdb.Ping(ctx).Err())
	}
	if a.kb != nil {
		n, err := a.kb.Count()
		if err != nil {
			out["knowledge"] = err.Error()
		} else {
			out["knowledge"] = fmt.Sprintf("%d atoms", n)
		}
	}
	return out
}

func (a *app) Close() {
	var errs []error
	if a.orch != nil {
		a.orch.Wait()
	}
	if a.states != nil {
		errs = append(errs, a.states.Close())
	}
	if a.kb != nil {
		errs = append(errs, a.kb.Close())
	}
	if a.rdb != nil {
		errs = append(errs, a.rdb.Close())
	}
	if err := errors.Join(errs...); err != nil {
		log.Printf("shutdown: %v", err)
	}
}
