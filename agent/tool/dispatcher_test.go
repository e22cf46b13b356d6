package tool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	contractx "github.com/tanpawarit/Chative-Order-Orchestrator/agent/contract"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/kv"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/retry"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/trace"
)

type recordingSink struct {
	mu      sync.Mutex
	records []trace.Record
}

func (s *recordingSink) Emit(_ context.Context, rec trace.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
}

func (s *recordingSink) all() []trace.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]trace.Record(nil), s.records...)
}

func fastPolicy(attempts int) retry.Policy {
	p := retry.DefaultPolicy()
	p.MaxAttempts = attempts
	p.Backoff = []time.Duration{0}
	return p
}

func newTestDispatcher(t *testing.T, ops ...Operation) (*Dispatcher, *recordingSink) {
	t.Helper()

	sink := &recordingSink{}
	d := NewDispatcher(kv.NewMemoryStore(), WithPolicy(fastPolicy(3)), WithSink(sink))
	for _, op := range ops {
		if err := d.Register(op); err != nil {
			t.Fatalf("Register(%s) error = %v", op.Name, err)
		}
	}
	return d, sink
}

func TestInvokeRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	d, sink := newTestDispatcher(t, Operation{
		Name: "flaky.read",
		Handler: func(context.Context, Args) (any, error) {
			if calls.Add(1) < 3 {
				return nil, contractx.ErrTransient
			}
			return map[string]int{"ok": 1}, nil
		},
	})

	res, err := d.Invoke(context.Background(), contractx.ToolRequest{Tool: "flaky.read", ConversationID: "c-1", WorkerID: contractx.WorkerKitchen})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if res.Attempts != 3 || string(res.Result) != `{"ok":1}` {
		t.Fatalf("Invoke() = %+v", res)
	}

	recs := sink.all()
	if len(recs) != 1 {
		t.Fatalf("trace records = %d, want 1", len(recs))
	}
	if rec := recs[0]; !rec.Success || rec.Attempts != 3 || rec.Kind != trace.KindTool || rec.WorkerID != "kitchen" || rec.ConversationID != "c-1" {
		t.Fatalf("trace record = %+v", rec)
	}
}

func TestInvokeDoesNotRetryBusinessRuleFailures(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	d, sink := newTestDispatcher(t, Operation{
		Name: "stock.reserve",
		Handler: func(context.Context, Args) (any, error) {
			calls.Add(1)
			return nil, contractx.ErrInsufficientStock
		},
	})

	res, err := d.Invoke(context.Background(), contractx.ToolRequest{Tool: "stock.reserve"})
	if !errors.Is(err, contractx.ErrInsufficientStock) {
		t.Fatalf("Invoke() error = %v, want ErrInsufficientStock", err)
	}
	if calls.Load() != 1 || res.Attempts != 1 {
		t.Fatalf("calls = %d attempts = %d, want 1", calls.Load(), res.Attempts)
	}
	if res.ErrorKind != contractx.KindInsufficientStock {
		t.Fatalf("ErrorKind = %q", res.ErrorKind)
	}
	if recs := sink.all(); len(recs) != 1 || recs[0].Success || recs[0].ErrorKind != "insufficient_stock" {
		t.Fatalf("trace records = %+v", recs)
	}
}

func TestInvokeExhaustedRetriesAreFatal(t *testing.T) {
	t.Parallel()

	d, _ := newTestDispatcher(t, Operation{
		Name: "down.service",
		Handler: func(context.Context, Args) (any, error) {
			return nil, contractx.ErrTransient
		},
	})

	res, err := d.Invoke(context.Background(), contractx.ToolRequest{Tool: "down.service"})
	if !errors.Is(err, contractx.ErrFatal) {
		t.Fatalf("Invoke() error = %v, want ErrFatal", err)
	}
	if res.Attempts != 3 || res.ErrorKind != contractx.KindFatal {
		t.Fatalf("Invoke() = %+v", res)
	}
}

func TestInvokeAttemptTimeoutCountsAsTransient(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	d := NewDispatcher(kv.NewMemoryStore(), WithPolicy(fastPolicy(2)), WithSink(sink))
	if err := d.Register(Operation{
		Name:    "slow.read",
		Timeout: 10 * time.Millisecond,
		Handler: func(ctx context.Context, _ Args) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	res, err := d.Invoke(context.Background(), contractx.ToolRequest{Tool: "slow.read"})
	if !errors.Is(err, contractx.ErrFatal) || !errors.Is(err, contractx.ErrTransient) {
		t.Fatalf("Invoke() error = %v, want ErrFatal wrapping ErrTransient", err)
	}
	if res.Attempts != 2 {
		t.Fatalf("Attempts = %d, want 2", res.Attempts)
	}
}

func TestInvokeUnknownTool(t *testing.T) {
	t.Parallel()

	d, sink := newTestDispatcher(t)
	res, err := d.Invoke(context.Background(), contractx.ToolRequest{Tool: "nope"})
	if !errors.Is(err, contractx.ErrValidation) {
		t.Fatalf("Invoke() error = %v, want ErrValidation", err)
	}
	if res.ErrorKind != contractx.KindValidation {
		t.Fatalf("ErrorKind = %q", res.ErrorKind)
	}
	if recs := sink.all(); len(recs) != 1 || recs[0].Success {
		t.Fatalf("trace records = %+v", recs)
	}
}

func TestLookupResolvesVersions(t *testing.T) {
	t.Parallel()

	handler := func(v int) Handler {
		return func(context.Context, Args) (any, error) { return v, nil }
	}
	d, _ := newTestDispatcher(t,
		Operation{Name: "menu.list", Version: 1, Handler: handler(1)},
		Operation{Name: "menu.list", Version: 2, Handler: handler(2)},
	)

	if err := d.Register(Operation{Name: "menu.list", Version: 2, Handler: handler(3)}); !errors.Is(err, contractx.ErrValidation) {
		t.Fatalf("Register(duplicate) error = %v, want ErrValidation", err)
	}

	latest, err := d.Invoke(context.Background(), contractx.ToolRequest{Tool: "menu.list"})
	if err != nil || string(latest.Result) != "2" || latest.Version != 2 {
		t.Fatalf("Invoke(latest) = %+v, %v", latest, err)
	}
	pinned, err := d.Invoke(context.Background(), contractx.ToolRequest{Tool: "menu.list", Version: 1})
	if err != nil || string(pinned.Result) != "1" || pinned.Version != 1 {
		t.Fatalf("Invoke(v1) = %+v, %v", pinned, err)
	}
	if _, ok := d.Lookup("menu.list", 3); ok {
		t.Fatal("Lookup(v3) found an operation")
	}
}

func countingReserve(calls *atomic.Int32) Operation {
	return Operation{
		Name:     "stock.reserve",
		Mutating: true,
		Handler: func(_ context.Context, a Args) (any, error) {
			n := calls.Add(1)
			qty, err := a.Int("quantity")
			if err != nil {
				return nil, err
			}
			return map[string]any{"reservation": n, "quantity": qty}, nil
		},
	}
}

func TestInvokeIdempotentReplay(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	d, sink := newTestDispatcher(t, countingReserve(&calls))
	ctx := context.Background()
	req := contractx.ToolRequest{Tool: "stock.reserve", Args: map[string]any{"quantity": 2}, IdempotencyKey: "checkout-1"}

	first, err := d.Invoke(ctx, req)
	if err != nil {
		t.Fatalf("Invoke(first) error = %v", err)
	}
	second, err := d.Invoke(ctx, req)
	if err != nil {
		t.Fatalf("Invoke(replay) error = %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("handler calls = %d, want 1", calls.Load())
	}
	if first.Replayed || !second.Replayed {
		t.Fatalf("Replayed = %v/%v, want false/true", first.Replayed, second.Replayed)
	}
	if string(first.Result) != string(second.Result) {
		t.Fatalf("replayed result = %s, want %s", second.Result, first.Result)
	}
	if recs := sink.all(); len(recs) != 2 || !recs[1].Replayed {
		t.Fatalf("trace records = %+v", recs)
	}

	// A different key is a different invocation.
	req.IdempotencyKey = "checkout-2"
	if _, err := d.Invoke(ctx, req); err != nil {
		t.Fatalf("Invoke(other key) error = %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("handler calls = %d, want 2", calls.Load())
	}
}

func TestInvokeIdempotentRejectsDifferentArgs(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	d, _ := newTestDispatcher(t, countingReserve(&calls))
	ctx := context.Background()

	if _, err := d.Invoke(ctx, contractx.ToolRequest{Tool: "stock.reserve", Args: map[string]any{"quantity": 2}, IdempotencyKey: "k"}); err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	_, err := d.Invoke(ctx, contractx.ToolRequest{Tool: "stock.reserve", Args: map[string]any{"quantity": 3}, IdempotencyKey: "k"})
	if !errors.Is(err, contractx.ErrValidation) {
		t.Fatalf("Invoke(different args) error = %v, want ErrValidation", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("handler calls = %d, want 1", calls.Load())
	}
}

func TestInvokeIdempotentFailureReleasesClaim(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	d, _ := newTestDispatcher(t, Operation{
		Name:     "stock.reserve",
		Mutating: true,
		Handler: func(context.Context, Args) (any, error) {
			if calls.Add(1) == 1 {
				return nil, contractx.ErrInsufficientStock
			}
			return "held", nil
		},
	})
	ctx := context.Background()
	req := contractx.ToolRequest{Tool: "stock.reserve", Args: map[string]any{"quantity": 1}, IdempotencyKey: "k"}

	if _, err := d.Invoke(ctx, req); !errors.Is(err, contractx.ErrInsufficientStock) {
		t.Fatalf("Invoke(first) error = %v, want ErrInsufficientStock", err)
	}
	res, err := d.Invoke(ctx, req)
	if err != nil {
		t.Fatalf("Invoke(second) error = %v", err)
	}
	if res.Replayed || string(res.Result) != `"held"` {
		t.Fatalf("Invoke(second) = %+v", res)
	}
}

func TestInvokeIdempotentCollapsesConcurrentDuplicates(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	release := make(chan struct{})
	d, _ := newTestDispatcher(t, Operation{
		Name:     "order.create",
		Mutating: true,
		Handler: func(context.Context, Args) (any, error) {
			calls.Add(1)
			<-release
			return "order-1", nil
		},
	})

	const callers = 8
	var (
		wg       sync.WaitGroup
		replayed atomic.Int32
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := d.Invoke(context.Background(), contractx.ToolRequest{
				Tool:           "order.create",
				Args:           map[string]any{"address": "1 Main St"},
				IdempotencyKey: "checkout-9",
			})
			if err != nil {
				t.Errorf("Invoke() error = %v", err)
				return
			}
			if string(res.Result) != `"order-1"` {
				t.Errorf("Invoke() result = %s", res.Result)
			}
			if res.Replayed {
				replayed.Add(1)
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls.Load() != 1 {
		t.Fatalf("handler calls = %d, want 1", calls.Load())
	}
	if replayed.Load() != callers-1 {
		t.Fatalf("replayed = %d, want %d", replayed.Load(), callers-1)
	}
}

func TestInvokeWithoutKeyIsNotDeduplicated(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	d, _ := newTestDispatcher(t, countingReserve(&calls))
	req := contractx.ToolRequest{Tool: "stock.reserve", Args: map[string]any{"quantity": 1}}
	for i := 0; i < 2; i++ {
		if _, err := d.Invoke(context.Background(), req); err != nil {
			t.Fatalf("Invoke() error = %v", err)
		}
	}
	if calls.Load() != 2 {
		t.Fatalf("handler calls = %d, want 2", calls.Load())
	}
}
