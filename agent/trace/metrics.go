package trace

import (
	"context"
	"sort"
	"sync"
	"time"
)

type WorkerStats struct {
	WorkerID     string  `json:"worker_id"`
	Turns        int     `json:"turns"`
	Errors       int     `json:"errors"`
	Degraded     int     `json:"degraded"`
	AvgLatencyMS float64 `json:"avg_latency_ms"`
	Tokens       int     `json:"tokens"`
	LastActiveAt string  `json:"last_active_at,omitempty"`
}

type OperationStats struct {
	Operation    string  `json:"operation"`
	Calls        int     `json:"calls"`
	Failures     int     `json:"failures"`
	Replays      int     `json:"replays"`
	Retries      int     `json:"retries"`
	AvgLatencyMS float64 `json:"avg_latency_ms"`
}

type Snapshot struct {
	Workers    []WorkerStats    `json:"workers"`
	Operations []OperationStats `json:"operations"`
}

type workerAgg struct {
	turns, errors, degraded, tokens int
	latency                         time.Duration
	lastActive                      time.Time
}

type operationAgg struct {
	calls, failures, replays, retries int
	latency                           time.Duration
}

// Metrics aggregates records in process for the admin surface.
type Metrics struct {
	mu         sync.Mutex
	workers    map[string]*workerAgg
	operations map[string]*operationAgg
}

func NewMetrics() *Metrics {
	return &Metrics{
		workers:    make(map[string]*workerAgg, 8),
		operations: make(map[string]*operationAgg, 32),
	}
}

func (m *Metrics) Emit(ctx context.Context, rec Record) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch rec.Kind {
	case KindTurn:
		agg, ok := m.workers[rec.WorkerID]
		if !ok {
			agg = &workerAgg{}
			m.workers[rec.WorkerID] = agg
		}
		agg.turns++
		agg.latency += rec.Duration
		agg.tokens += rec.Tokens
		if !rec.Success {
			agg.errors++
		}
		if rec.Degraded {
			agg.degraded++
		}
		if rec.StartedAt.After(agg.lastActive) {
			agg.lastActive = rec.StartedAt
		}
	case KindTool:
		agg, ok := m.operations[rec.Operation]
		if !ok {
			agg = &operationAgg{}
			m.operations[rec.Operation] = agg
		}
		agg.calls++
		agg.latency += rec.Duration
		if !rec.Success {
			agg.failures++
		}
		if rec.Replayed {
			agg.replays++
		}
		if rec.Attempts > 1 {
			agg.retries += rec.Attempts - 1
		}
	}
}

func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := Snapshot{
		Workers:    make([]WorkerStats, 0, len(m.workers)),
		Operations: make([]OperationStats, 0, len(m.operations)),
	}
	for id, agg := range m.workers {
		stats := WorkerStats{
			WorkerID: id,
			Turns:    agg.turns,
			Errors:   agg.errors,
			Degraded: agg.degraded,
			Tokens:   agg.tokens,
		}
		if agg.turns > 0 {
			stats.AvgLatencyMS = float64(agg.latency.Milliseconds()) / float64(agg.turns)
		}
		if !agg.lastActive.IsZero() {
			stats.LastActiveAt = agg.lastActive.UTC().Format(time.RFC3339)
		}
		out.Workers = append(out.Workers, stats)
	}
	for name, agg := range m.operations {
		stats := OperationStats{
			Operation: name,
			Calls:     agg.calls,
			Failures:  agg.failures,
			Replays:   agg.replays,
			Retries:   agg.retries,
		}
		if agg.calls > 0 {
			stats.AvgLatencyMS = float64(agg.latency.Milliseconds()) / float64(agg.calls)
		}
		out.Operations = append(out.Operations, stats)
	}
	sort.Slice(out.Workers, func(i, j int) bool { return out.Workers[i].WorkerID < out.Workers[j].WorkerID })
	sort.Slice(out.Operations, func(i, j int) bool { return out.Operations[i].Operation < out.Operations[j].Operation })
	return out
}

// Worker returns the aggregate for one worker, zero-valued when it has not run.
func (m *Metrics) Worker(id string) WorkerStats {
	for _, w := range m.Snapshot().Workers {
		if w.WorkerID == id {
			return w
		}
	}
	return WorkerStats{WorkerID: id}
}
