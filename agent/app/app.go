// Package app wires the store, engines, dispatcher, workers and orchestrator
// into one process and exposes the surfaces the CLI serves.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog/log"
	"github.com/uptrace/bun"
	"golang.org/x/sync/errgroup"
	orchestratoragent "github.com/tanpawarit/Chative-Order-Orchestrator/agent/agents/orchestrator"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/agents/workers"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/api"
	contractx "github.com/tanpawarit/Chative-Order-Orchestrator/agent/contract"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/engine/delivery"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/engine/inventory"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/engine/kitchen"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/engine/order"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/engine/policy"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/engine/support"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/events"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/intent"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/kv"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/llm"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/progress"
	promptx "github.com/tanpawarit/Chative-Order-Orchestrator/agent/prompt"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/retry"
	statex "github.com/tanpawarit/Chative-Order-Orchestrator/agent/state"
	toolx "github.com/tanpawarit/Chative-Order-Orchestrator/agent/tool"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/trace"
	openrouterx "github.com/tanpawarit/Chative-Order-Orchestrator/pkg/openrouter"
	"github.com/tanpawarit/Chative-Order-Orchestrator/pkg/postgres"
	qstashx "github.com/tanpawarit/Chative-Order-Orchestrator/pkg/qstash"
)

// App is a fully wired process. Close releases the store and broker
// connections.
type App struct {
	cfg *Config

	Store     kv.Store
	Inventory *inventory.Engine
	Kitchen   *kitchen.Engine
	Delivery  *delivery.Engine
	Orders    *order.Engine
	Support   *support.Ledger

	Dispatcher   *toolx.Dispatcher
	Metrics      *trace.Metrics
	Hub          *events.Hub
	Orchestrator *orchestratoragent.Orchestrator
	Runner       *progress.Runner

	health     []api.HealthCheck
	verifier   api.SignatureVerifier
	background []func(context.Context) error
	closers    []func() error
}

// New builds the process from cfg. Optional collaborators (LLM, AMQP, QStash,
// trace database) are only connected when configured.
func New(ctx context.Context, cfg *Config) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	a := &App{cfg: cfg, Metrics: trace.NewMetrics(), Hub: events.NewHub()}

	if err := a.openStore(); err != nil {
		return nil, err
	}
	if err := a.build(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) openStore() error {
	switch a.cfg.Store.Backend {
	case BackendBadger:
		s, err := kv.OpenBadgerStore(a.cfg.Badger)
		if err != nil {
			return err
		}
		a.Store = s
		a.closers = append(a.closers, s.Close)
	case BackendUpstash:
		s, err := kv.NewUpstashStore(a.cfg.Upstash)
		if err != nil {
			return err
		}
		a.Store = s
	default:
		s := kv.NewMemoryStore()
		a.Store = s
		every := a.cfg.Store.SweepEvery
		if every <= 0 {
			every = time.Minute
		}
		a.background = append(a.background, func(ctx context.Context) error {
			return sweepMemory(ctx, s, every)
		})
	}
	log.Info().Str("backend", a.cfg.Store.Backend).Msg("store opened")
	return nil
}

func sweepMemory(ctx context.Context, s *kv.MemoryStore, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				log.Debug().Int("expired", n).Msg("memory store swept")
			}
		}
	}
}

func (a *App) build(ctx context.Context) error {
	var err error
	cfg := a.cfg

	a.Inventory = inventory.New(a.Store, cfg.Inventory)
	a.Kitchen, err = kitchen.New(a.Store, cfg.Kitchen)
	if err != nil {
		return fmt.Errorf("kitchen: %w", err)
	}
	a.Delivery = delivery.New(a.Store, cfg.Delivery)
	a.Orders = order.New(a.Store, cfg.Order)
	a.Support = support.New(a.Store, cfg.Support)
	pol := policy.New(cfg.Policy)

	sink, err := a.traceSink(ctx)
	if err != nil {
		return err
	}

	a.Dispatcher = toolx.NewDispatcher(a.Store,
		toolx.WithPolicy(retry.FromConfig(cfg.Dispatch)),
		toolx.WithSink(sink),
	)

	prompts := promptx.LoadPromptSet()
	engines := toolx.Engines{
		Inventory:  a.Inventory,
		Kitchen:    a.Kitchen,
		Delivery:   a.Delivery,
		Policy:     &pol,
		Orders:     a.Orders,
		Support:    a.Support,
		Classifier: intent.Keyword{},
	}
	if cfg.LLM.Enabled {
		if err := a.attachLLM(ctx, prompts, &engines); err != nil {
			return err
		}
	}
	if err := toolx.RegisterCatalog(a.Dispatcher, engines); err != nil {
		return fmt.Errorf("register operations: %w", err)
	}

	registry, err := workers.NewRegistry(ctx, workers.Deps{
		Dispatcher:   a.Dispatcher,
		Prompts:      prompts,
		Compose:      cfg.LLM.Enabled,
		NoDriverWait: a.Delivery.NoDriverWait(),
	})
	if err != nil {
		return fmt.Errorf("workers: %w", err)
	}

	publisher, err := a.eventPublisher()
	if err != nil {
		return err
	}

	convStore, err := statex.NewKVStore(a.Store, statex.WithTTL(cfg.Store.ConversationTTL))
	if err != nil {
		return err
	}
	a.Orchestrator, err = orchestratoragent.New(convStore, registry, cfg.Orchestrator,
		orchestratoragent.WithEvents(publisher),
		orchestratoragent.WithTraceSink(sink),
	)
	if err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}

	runnerOpts := []progress.Option{progress.WithEvents(publisher)}
	if cfg.Callback.Enabled {
		qc, err := qstashx.NewClient(cfg.QStash)
		if err != nil {
			return fmt.Errorf("qstash: %w", err)
		}
		sched, err := progress.NewQStashScheduler(qc, cfg.Callback.URL)
		if err != nil {
			return fmt.Errorf("progress scheduler: %w", err)
		}
		runnerOpts = append(runnerOpts, progress.WithScheduler(sched))
		a.verifier = qc
	}
	a.Runner, err = progress.New(progress.Engines{
		Inventory: a.Inventory,
		Kitchen:   a.Kitchen,
		Delivery:  a.Delivery,
		Orders:    a.Orders,
	}, cfg.Progress, runnerOpts...)
	if err != nil {
		return err
	}
	a.background = append(a.background, a.Runner.Run)
	return nil
}

// traceSink always logs and aggregates; the Postgres sink is added when
// configured and flushed by a background task.
func (a *App) traceSink(ctx context.Context) (trace.Sink, error) {
	sinks := trace.Fanout{trace.LogSink{}, a.Metrics}
	if !a.cfg.Trace.Postgres {
		return sinks, nil
	}

	db, err := postgres.Open(ctx, a.cfg.TraceDB)
	if err != nil {
		return nil, fmt.Errorf("trace database: %w", err)
	}
	a.closers = append(a.closers, db.Close)
	bs := trace.NewBunSink(db)
	if err := bs.Migrate(ctx); err != nil {
		return nil, err
	}
	a.background = append(a.background, bs.Run)
	a.health = append(a.health, dbHealth{db: db})
	return append(sinks, bs), nil
}

// attachLLM swaps the keyword classifier for the model one and registers the
// completer so workers can compose replies.
func (a *App) attachLLM(ctx context.Context, prompts promptx.PromptSet, engines *toolx.Engines) error {
	classifierCfg := a.cfg.LLM.ClassifierOpenRouter()
	classifierModel, err := classifierCfg.New(ctx)
	if err != nil {
		return fmt.Errorf("classifier model: %w", err)
	}
	classifier, err := llm.NewClassifier(ctx, classifierModel, prompts.Classifier)
	if err != nil {
		return err
	}

	models := make(map[contractx.WorkerID]einomodel.ToolCallingChatModel, len(contractx.Workers))
	for _, id := range contractx.Workers {
		mc := a.cfg.LLM.OpenRouterFor(id)
		m, err := mc.New(ctx)
		if err != nil {
			return fmt.Errorf("model for %s: %w", id, err)
		}
		models[id] = m
	}
	completer, err := llm.NewCompleter(models)
	if err != nil {
		return err
	}

	engines.Classifier = classifier
	engines.Completer = completer
	a.health = append(a.health, openrouterx.NewProbe(a.cfg.LLM.OpenRouterFor(contractx.WorkerRouter)))
	return nil
}

func (a *App) eventPublisher() (events.Publisher, error) {
	if strings.TrimSpace(a.cfg.AMQP.URL) == "" {
		return a.Hub, nil
	}
	p, err := events.DialAMQP(a.cfg.AMQP)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error {
		p.Close()
		return nil
	})
	a.health = append(a.health, amqpHealth{p: p})
	return events.Fanout{a.Hub, p}, nil
}

// Handler returns the HTTP surface.
func (a *App) Handler() http.Handler {
	return api.NewHandler(api.Deps{
		Conversations: a.Orchestrator,
		Hub:           a.Hub,
		Orders:        a.Orders,
		Kitchen:       a.Kitchen,
		Delivery:      a.Delivery,
		Inventory:     a.Inventory,
		Metrics:       a.Metrics,
		Health:        a.health,
		Progress:      a.Runner,
		Verifier:      a.verifier,
		CallbackURL:   a.cfg.Callback.URL,
		AdminToken:    a.cfg.HTTP.AdminToken,
	})
}

func (a *App) MCPServer(version string) (*server.MCPServer, error) {
	return api.NewMCPServer(a.Dispatcher, version)
}

type SeedResult struct {
	Items   int `json:"items"`
	Drivers int `json:"drivers"`
}

// Seed loads the default menu stock and driver pool. Entries that already
// exist are left alone.
func (a *App) Seed(ctx context.Context) (SeedResult, error) {
	var res SeedResult
	var err error
	if res.Items, err = a.Inventory.Seed(ctx, inventory.DefaultItems()); err != nil {
		return res, fmt.Errorf("seed inventory: %w", err)
	}
	if res.Drivers, err = a.Delivery.Seed(ctx, delivery.DefaultDrivers()); err != nil {
		return res, fmt.Errorf("seed drivers: %w", err)
	}
	return res, nil
}

// RunBackground runs the progress runner and housekeeping tasks until ctx is
// done.
func (a *App) RunBackground(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, task := range a.background {
		g.Go(func() error { return task(gctx) })
	}
	return g.Wait()
}

func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

type amqpHealth struct {
	p *events.AMQPPublisher
}

func (amqpHealth) Name() string { return "amqp" }

func (h amqpHealth) Ping(context.Context) error { return h.p.Ping() }

type dbHealth struct {
	db *bun.DB
}

func (dbHealth) Name() string { return "trace_db" }

func (h dbHealth) Ping(ctx context.Context) error { return h.db.PingContext(ctx) }
