package tool

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog/log"
	contractx "github.com/tanpawarit/Chative-Order-Orchestrator/agent/contract"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/kv"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/retry"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/trace"
	"golang.org/x/sync/singleflight"
)

const (
	idemKeyPrefix         = "idem:"
	defaultIdempotencyTTL = 24 * time.Hour
	defaultOpTimeout      = 5 * time.Second

	idemPending = "pending"
	idemDone    = "done"
)

type Handler func(ctx context.Context, args Args) (any, error)

// Operation is one named, versioned capability the dispatcher can invoke.
type Operation struct {
	Name     string
	Version  int
	Mutating bool
	Timeout  time.Duration
	// Info is the schema shown to the text-completion capability. Nil hides the
	// operation from tool calling.
	Info    *schema.ToolInfo
	Handler Handler
}

type idemRecord struct {
	ArgsHash string          `json:"args_hash"`
	Status   string          `json:"status"`
	Result   json.RawMessage `json:"result,omitempty"`
	StoredAt time.Time       `json:"stored_at"`
}

// Dispatcher routes tool requests to registered operations with retry,
// idempotency and tracing.
type Dispatcher struct {
	store   kv.Store
	policy  retry.Policy
	sink    trace.Sink
	now     func() time.Time
	idemTTL time.Duration

	mu     sync.RWMutex
	ops    map[string]map[int]Operation
	latest map[string]int

	inflight singleflight.Group
}

type Option func(*Dispatcher)

func WithPolicy(p retry.Policy) Option {
	return func(d *Dispatcher) { d.policy = p }
}

func WithSink(sink trace.Sink) Option {
	return func(d *Dispatcher) {
		if sink != nil {
			d.sink = sink
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

func WithIdempotencyTTL(ttl time.Duration) Option {
	return func(d *Dispatcher) {
		if ttl > 0 {
			d.idemTTL = ttl
		}
	}
}

func NewDispatcher(store kv.Store, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:   store,
		policy:  retry.DefaultPolicy(),
		sink:    trace.Nop{},
		now:     time.Now,
		idemTTL: defaultIdempotencyTTL,
		ops:     make(map[string]map[int]Operation, 48),
		latest:  make(map[string]int, 48),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

func (d *Dispatcher) Register(op Operation) error {
	if strings.TrimSpace(op.Name) == "" || op.Handler == nil {
		return fmt.Errorf("%w: operation needs a name and a handler", contractx.ErrValidation)
	}
	if op.Version <= 0 {
		op.Version = 1
	}
	if op.Timeout <= 0 {
		op.Timeout = defaultOpTimeout
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	versions, ok := d.ops[op.Name]
	if !ok {
		versions = make(map[int]Operation, 1)
		d.ops[op.Name] = versions
	}
	if _, dup := versions[op.Version]; dup {
		return fmt.Errorf("%w: operation %s@%d already registered", contractx.ErrValidation, op.Name, op.Version)
	}
	versions[op.Version] = op
	if op.Version > d.latest[op.Name] {
		d.latest[op.Name] = op.Version
	}
	return nil
}

// Lookup resolves name@version. Version 0 selects the latest.
func (d *Dispatcher) Lookup(name string, version int) (Operation, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if version <= 0 {
		version = d.latest[name]
	}
	op, ok := d.ops[name][version]
	return op, ok
}

// Operations returns the latest version of every operation, sorted by name.
func (d *Dispatcher) Operations() []Operation {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Operation, 0, len(d.latest))
	for name, version := range d.latest {
		out = append(out, d.ops[name][version])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Infos returns tool schemas for the named operations that expose one.
func (d *Dispatcher) Infos(names ...string) []*schema.ToolInfo {
	out := make([]*schema.ToolInfo, 0, len(names))
	for _, name := range names {
		if op, ok := d.Lookup(name, 0); ok && op.Info != nil {
			out = append(out, op.Info)
		}
	}
	return out
}

func (d *Dispatcher) Invoke(ctx context.Context, req contractx.ToolRequest) (contractx.ToolResult, error) {
	started := d.now()
	res := contractx.ToolResult{Tool: req.Tool, Version: req.Version}

	op, ok := d.Lookup(req.Tool, req.Version)
	if !ok {
		err := fmt.Errorf("%w: unknown tool %s@%d", contractx.ErrValidation, req.Tool, req.Version)
		return d.finish(ctx, req, res, started, err)
	}
	res.Version = op.Version

	args := Args(req.Args)
	if args == nil {
		args = Args{}
	}

	var (
		payload json.RawMessage
		err     error
	)
	if op.Mutating && strings.TrimSpace(req.IdempotencyKey) != "" {
		payload, res.Attempts, res.Replayed, err = d.invokeIdempotent(ctx, op, args, req.IdempotencyKey)
	} else {
		payload, res.Attempts, err = d.invokeWithRetry(ctx, op, args)
	}
	res.Result = payload
	return d.finish(ctx, req, res, started, err)
}

func (d *Dispatcher) invokeWithRetry(ctx context.Context, op Operation, args Args) (json.RawMessage, int, error) {
	var payload json.RawMessage
	attempts, err := d.policy.WithAttemptTimeout(op.Timeout).Do(ctx, func(ctx context.Context) error {
		out, err := op.Handler(ctx, args)
		if err != nil {
			return err
		}
		payload, err = json.Marshal(out)
		return err
	})
	return payload, attempts, err
}

type idemOutcome struct {
	payload  json.RawMessage
	attempts int
	replayed bool
}

// invokeIdempotent runs a mutating operation at most once per key. Duplicates
// in this process share the in-flight call; duplicates elsewhere see the
// stored record.
func (d *Dispatcher) invokeIdempotent(ctx context.Context, op Operation, args Args, key string) (json.RawMessage, int, bool, error) {
	hash, err := argsHash(args)
	if err != nil {
		return nil, 0, false, err
	}
	storeKey := fmt.Sprintf("%s%s:%s", idemKeyPrefix, op.Name, key)

	led := false
	v, err, _ := d.inflight.Do(storeKey, func() (any, error) {
		led = true
		var out idemOutcome
		attempts, err := d.policy.WithAttemptTimeout(op.Timeout).Do(ctx, func(ctx context.Context) error {
			payload, replayed, err := d.attemptIdempotent(ctx, op, args, storeKey, hash)
			if err != nil {
				return err
			}
			out.payload, out.replayed = payload, replayed
			return nil
		})
		out.attempts = attempts
		return out, err
	})
	out, _ := v.(idemOutcome)
	if !led {
		out.replayed = true
	}
	return out.payload, out.attempts, out.replayed, err
}

func (d *Dispatcher) attemptIdempotent(ctx context.Context, op Operation, args Args, storeKey, hash string) (json.RawMessage, bool, error) {
	claim := idemRecord{ArgsHash: hash, Status: idemPending, StoredAt: d.now().UTC()}
	claimed, err := kv.SetNXJSON(ctx, d.store, storeKey, claim, d.idemTTL)
	if err != nil {
		return nil, false, fmt.Errorf("%w: claim %s: %v", contractx.ErrTransient, storeKey, err)
	}
	if !claimed {
		existing, err := kv.GetJSON[idemRecord](ctx, d.store, storeKey)
		if errors.Is(err, kv.ErrNotFound) {
			return nil, false, fmt.Errorf("%w: claim %s released concurrently", contractx.ErrTransient, storeKey)
		}
		if err != nil {
			return nil, false, fmt.Errorf("%w: read %s: %v", contractx.ErrTransient, storeKey, err)
		}
		if existing.ArgsHash != hash {
			return nil, false, fmt.Errorf("%w: idempotency key reused with different arguments for %s", contractx.ErrValidation, op.Name)
		}
		if existing.Status != idemDone {
			return nil, false, fmt.Errorf("%w: %s is still in flight", contractx.ErrTransient, storeKey)
		}
		return existing.Result, true, nil
	}

	out, err := op.Handler(ctx, args)
	if err == nil {
		var payload json.RawMessage
		if payload, err = json.Marshal(out); err == nil {
			done := idemRecord{ArgsHash: hash, Status: idemDone, Result: payload, StoredAt: d.now().UTC()}
			if serr := kv.SetJSON(ctx, d.store, storeKey, done, d.idemTTL); serr != nil {
				log.Error().Err(serr).Str("operation", op.Name).Msg("store idempotent result")
			}
			return payload, false, nil
		}
	}

	// Release with a fresh context so a cancelled caller does not strand the claim.
	if derr := d.store.Delete(context.WithoutCancel(ctx), storeKey); derr != nil {
		log.Error().Err(derr).Str("operation", op.Name).Msg("release idempotency claim")
	}
	return nil, false, err
}

func argsHash(args Args) (string, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("%w: encode args: %v", contractx.ErrValidation, err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

func (d *Dispatcher) finish(ctx context.Context, req contractx.ToolRequest, res contractx.ToolResult, started time.Time, err error) (contractx.ToolResult, error) {
	if err != nil {
		res.Error = err.Error()
		res.ErrorKind = contractx.KindOf(err)
	}
	d.sink.Emit(ctx, trace.Record{
		Kind:           trace.KindTool,
		Operation:      req.Tool,
		ConversationID: req.ConversationID,
		WorkerID:       string(req.WorkerID),
		StartedAt:      started,
		Duration:       d.now().Sub(started),
		Success:        err == nil,
		Attempts:       res.Attempts,
		ErrorKind:      string(res.ErrorKind),
		Error:          res.Error,
		Replayed:       res.Replayed,
	})
	return res, err
}
