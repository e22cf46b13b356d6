package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	orchestratoragent "github.com/tanpawarit/Chative-Order-Orchestrator/agent/agents/orchestrator"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/engine/delivery"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/engine/inventory"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/engine/kitchen"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/engine/order"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/engine/policy"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/engine/support"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/events"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/kv"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/llm"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/progress"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/retry"
	configx "github.com/tanpawarit/Chative-Order-Orchestrator/pkg/config"
	"github.com/tanpawarit/Chative-Order-Orchestrator/pkg/postgres"
	qstashx "github.com/tanpawarit/Chative-Order-Orchestrator/pkg/qstash"
)

const (
	BackendMemory  = "memory"
	BackendBadger  = "badger"
	BackendUpstash = "upstash"
)

type StoreConfig struct {
	Backend         string        `default:"memory"`
	ConversationTTL time.Duration `split_words:"true" default:"30m"`
	// SweepEvery drops expired entries of the memory backend.
	SweepEvery time.Duration `split_words:"true" default:"1m"`
}

type HTTPConfig struct {
	Addr              string        `default:":8080"`
	AdminToken        string        `split_words:"true"`
	ReadHeaderTimeout time.Duration `split_words:"true" default:"5s"`
	ShutdownTimeout   time.Duration `split_words:"true" default:"10s"`
}

type TraceConfig struct {
	// Postgres turns on the bun trace sink configured under TRACE_DB_*.
	Postgres bool `default:"false"`
}

type CallbackConfig struct {
	// Enabled schedules QStash callbacks at estimated ready times. QSTASH_*
	// must then be set.
	Enabled bool `default:"false"`
	// URL is the public address of POST /internal/progress.
	URL string
}

// Config is everything the process reads from the environment, grouped by
// env prefix.
type Config struct {
	Store    StoreConfig
	Badger   kv.BadgerConfig
	Upstash  kv.UpstashConfig
	HTTP     HTTPConfig
	Dispatch retry.Config
	LLM      llm.Config

	Orchestrator orchestratoragent.Config
	Inventory    inventory.Config
	Kitchen      kitchen.Config
	Delivery     delivery.Config
	Order        order.Config
	Policy       policy.Config
	Support      support.Config

	Progress progress.Config
	Callback CallbackConfig
	QStash   qstashx.Config
	AMQP     events.AMQPConfig
	Trace    TraceConfig
	TraceDB  postgres.Config
}

func load[T any](prefix string, dst *T) error {
	v, err := configx.New[T](prefix)
	if err != nil {
		return fmt.Errorf("load %s config: %w", strings.ToLower(prefix), err)
	}
	*dst = *v
	return nil
}

// LoadConfig reads every section. Sections with required fields are only read
// when the feature that needs them is switched on.
func LoadConfig() (*Config, error) {
	var cfg Config

	steps := []struct {
		prefix string
		load   func(string) error
	}{
		{"STORE", func(p string) error { return load(p, &cfg.Store) }},
		{"HTTP", func(p string) error { return load(p, &cfg.HTTP) }},
		{"DISPATCH", func(p string) error { return load(p, &cfg.Dispatch) }},
		{"LLM", func(p string) error { return load(p, &cfg.LLM) }},
		{"ORCHESTRATOR", func(p string) error { return load(p, &cfg.Orchestrator) }},
		{"INVENTORY", func(p string) error { return load(p, &cfg.Inventory) }},
		{"KITCHEN", func(p string) error { return load(p, &cfg.Kitchen) }},
		{"DELIVERY", func(p string) error { return load(p, &cfg.Delivery) }},
		{"ORDER", func(p string) error { return load(p, &cfg.Order) }},
		{"POLICY", func(p string) error { return load(p, &cfg.Policy) }},
		{"SUPPORT", func(p string) error { return load(p, &cfg.Support) }},
		{"PROGRESS", func(p string) error { return load(p, &cfg.Progress) }},
		{"CALLBACK", func(p string) error { return load(p, &cfg.Callback) }},
		{"AMQP", func(p string) error { return load(p, &cfg.AMQP) }},
		{"TRACE", func(p string) error { return load(p, &cfg.Trace) }},
	}
	for _, s := range steps {
		if err := s.load(s.prefix); err != nil {
			return nil, err
		}
	}

	switch cfg.Store.Backend {
	case BackendMemory:
	case BackendBadger:
		if err := load("BADGER", &cfg.Badger); err != nil {
			return nil, err
		}
	case BackendUpstash:
		if err := load("UPSTASH", &cfg.Upstash); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}

	if cfg.Callback.Enabled {
		if err := load("QSTASH", &cfg.QStash); err != nil {
			return nil, err
		}
		if strings.TrimSpace(cfg.Callback.URL) == "" {
			return nil, errors.New("CALLBACK_URL is required when callbacks are enabled")
		}
	}
	if cfg.Trace.Postgres {
		if err := load("TRACE_DB", &cfg.TraceDB); err != nil {
			return nil, err
		}
	}
	if err := cfg.LLM.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
