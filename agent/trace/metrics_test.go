package trace

import (
	"context"
	"testing"
	"time"
)

func TestMetricsAggregatesTurnsAndTools(t *testing.T) {
	t.Parallel()

	m := NewMetrics()
	ctx := context.Background()
	start := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)

	m.Emit(ctx, Record{Kind: KindTurn, WorkerID: "order", Duration: 100 * time.Millisecond, Success: true, Tokens: 40, StartedAt: start})
	m.Emit(ctx, Record{Kind: KindTurn, WorkerID: "order", Duration: 300 * time.Millisecond, Success: false, Tokens: 10, StartedAt: start.Add(time.Minute)})
	m.Emit(ctx, Record{Kind: KindTool, Operation: "inventory.reserve", Duration: 10 * time.Millisecond, Success: true, Attempts: 3})
	m.Emit(ctx, Record{Kind: KindTool, Operation: "inventory.reserve", Duration: 30 * time.Millisecond, Success: true, Replayed: true, Attempts: 1})

	order := m.Worker("order")
	if order.Turns != 2 || order.Errors != 1 || order.Tokens != 50 {
		t.Fatalf("order stats = %+v", order)
	}
	if order.AvgLatencyMS != 200 {
		t.Fatalf("AvgLatencyMS = %v, want 200", order.AvgLatencyMS)
	}

	snap := m.Snapshot()
	if len(snap.Operations) != 1 {
		t.Fatalf("operations = %+v", snap.Operations)
	}
	op := snap.Operations[0]
	if op.Calls != 2 || op.Replays != 1 || op.Retries != 2 || op.AvgLatencyMS != 20 {
		t.Fatalf("operation stats = %+v", op)
	}

	if idle := m.Worker("kitchen"); idle.Turns != 0 {
		t.Fatalf("idle worker stats = %+v", idle)
	}
}

type recordingSink struct {
	records []Record
}

func (r *recordingSink) Emit(ctx context.Context, rec Record) {
	r.records = append(r.records, rec)
}

func TestFanoutForwardsToEverySink(t *testing.T) {
	t.Parallel()

	a, b := &recordingSink{}, &recordingSink{}
	Fanout{a, nil, b}.Emit(context.Background(), Record{Operation: "policy.resolve"})

	if len(a.records) != 1 || len(b.records) != 1 {
		t.Fatalf("fanout delivered a=%d b=%d", len(a.records), len(b.records))
	}
}
