package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino/compose"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	contractx "github.com/tanpawarit/Chative-Order-Orchestrator/agent/contract"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/events"
	nodex "github.com/tanpawarit/Chative-Order-Orchestrator/agent/nodes/orchestrator"
	statex "github.com/tanpawarit/Chative-Order-Orchestrator/agent/state"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/trace"
)

var (
	ErrInvalidMessage      = nodex.ErrInvalidMessage
	ErrInvalidConversation = nodex.ErrInvalidConversation
)

// Reply is what one inbound message produces.
type Reply = nodex.GraphOutput

type Config struct {
	HandoffConfidence float64 `split_words:"true" default:"0.6"`
	MaxHops           int     `split_words:"true" default:"2"`
}

type Option func(*Orchestrator)

func WithEvents(p events.Publisher) Option {
	return func(o *Orchestrator) {
		if p != nil {
			o.events = p
		}
	}
}

func WithTraceSink(s trace.Sink) Option {
	return func(o *Orchestrator) {
		if s != nil {
			o.sink = s
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

func WithIDGenerator(newID func() string) Option {
	return func(o *Orchestrator) {
		if newID != nil {
			o.newID = newID
		}
	}
}

// Orchestrator owns the conversation lifecycle. Turns of one conversation run
// one at a time in arrival order; different conversations run concurrently.
type Orchestrator struct {
	store    statex.Store
	registry contractx.Registry
	events   events.Publisher
	sink     trace.Sink
	policy   nodex.Policy

	graphRunner compose.Runnable[nodex.GraphInput, nodex.GraphOutput]
	locks       *lockTable

	now   func() time.Time
	newID func() string
}

func New(
	store statex.Store,
	registry contractx.Registry,
	cfg Config,
	opts ...Option,
) (*Orchestrator, error) {
	if store == nil {
		return nil, errors.New("state store is required")
	}
	if registry == nil || registry.Router() == nil {
		return nil, errors.New("worker registry with a router is required")
	}
	for _, id := range contractx.Workers {
		if _, ok := registry.Worker(id); !ok {
			return nil, fmt.Errorf("worker registry is missing %s", id)
		}
	}

	o := &Orchestrator{
		store:    store,
		registry: registry,
		events:   events.Nop{},
		sink:     trace.Nop{},
		policy: nodex.Policy{
			MinConfidence: cfg.HandoffConfidence,
			MaxHops:       cfg.MaxHops,
		},
		locks: newLockTable(),
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}

	graphRunner, err := o.compileHandleMessageGraph(context.Background())
	if err != nil {
		return nil, err
	}
	o.graphRunner = graphRunner

	return o, nil
}

// Handle runs one customer turn and returns the reply of the worker that
// answered it.
func (o *Orchestrator) Handle(ctx context.Context, conversationID string, text string) (Reply, error) {
	release, err := o.locks.acquire(ctx, strings.TrimSpace(conversationID))
	if err != nil {
		return Reply{}, err
	}
	defer release()

	out, err := o.graphRunner.Invoke(ctx, nodex.GraphInput{
		ConversationID: conversationID,
		Text:           text,
	})
	if err != nil {
		return Reply{}, err
	}
	return out, nil
}

// Create starts a conversation. An empty id gets a fresh one; creating an id
// that already exists returns the stored conversation.
func (o *Orchestrator) Create(ctx context.Context, conversationID, customerID string) (*statex.ConversationState, error) {
	id := strings.TrimSpace(conversationID)
	if id == "" {
		id = o.newID()
	}
	fresh := statex.NewConversation(id, strings.TrimSpace(customerID), string(contractx.WorkerRouter), o.now())
	st, created, err := o.store.Create(ctx, fresh)
	if err != nil {
		return nil, fmt.Errorf("%w: create conversation: %w", contractx.ErrTransient, err)
	}
	if created {
		log.Info().Str("conversation_id", id).Msg("conversation created")
		_ = o.events.Publish(ctx, events.Event{Type: events.TypeConnected, ConversationID: id, Timestamp: o.now().UTC()})
	}
	return st, nil
}

func (o *Orchestrator) Get(ctx context.Context, conversationID string) (*statex.ConversationState, error) {
	id := strings.TrimSpace(conversationID)
	if id == "" {
		return nil, ErrInvalidConversation
	}
	st, err := o.store.Load(ctx, id)
	if errors.Is(err, statex.ErrStateNotFound) {
		return nil, fmt.Errorf("%w: conversation=%s", contractx.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return st, nil
}

// End marks the conversation inactive. It waits for an in-flight turn to
// finish; later turns fail with contract.ErrConversationEnded.
func (o *Orchestrator) End(ctx context.Context, conversationID string) (*statex.ConversationState, error) {
	id := strings.TrimSpace(conversationID)
	if id == "" {
		return nil, ErrInvalidConversation
	}
	release, err := o.locks.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	st, err := o.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !st.Active {
		return st, nil
	}
	st.End(o.now())
	if err := o.store.Save(ctx, st); err != nil {
		return nil, err
	}
	log.Info().Str("conversation_id", id).Msg("conversation ended")
	return st, nil
}

// List returns every stored conversation.
func (o *Orchestrator) List(ctx context.Context) ([]*statex.ConversationState, error) {
	return o.store.List(ctx)
}

// lockTable hands out one FIFO lock per conversation id. Blocked senders on
// a channel are woken in the order they arrived.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*convLock
}

type convLock struct {
	ch   chan struct{}
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*convLock, 64)}
}

func (t *lockTable) acquire(ctx context.Context, id string) (func(), error) {
	t.mu.Lock()
	l, ok := t.locks[id]
	if !ok {
		l = &convLock{ch: make(chan struct{}, 1)}
		t.locks[id] = l
	}
	l.refs++
	t.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		t.unref(id, l)
		return nil, fmt.Errorf("%w: waiting for conversation %s: %w", contractx.ErrTransient, id, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.ch
			t.unref(id, l)
		})
	}, nil
}

func (t *lockTable) unref(id string, l *convLock) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(t.locks, id)
	}
}
