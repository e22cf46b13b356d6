package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	contractx "github.com/tanpawarit/Chative-Order-Orchestrator/agent/contract"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/engine/inventory"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/trace"
	"golang.org/x/sync/errgroup"
)

const healthTimeout = 3 * time.Second

type WorkerStatus struct {
	WorkerID            string            `json:"agent_id"`
	Status              string            `json:"status"`
	ActiveConversations int               `json:"active_conversations"`
	Stats               trace.WorkerStats `json:"stats"`
}

type CollaboratorStatus struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

type WorkersStatusResponse struct {
	Workers       []WorkerStatus       `json:"agents"`
	Collaborators []CollaboratorStatus `json:"collaborators"`
}

type ConversationCounts struct {
	Total  int `json:"total"`
	Active int `json:"active"`
	Ended  int `json:"ended"`
}

type MetricsResponse struct {
	trace.Snapshot
	Conversations ConversationCounts `json:"conversations"`
}

type InventoryUpdateRequest struct {
	ItemID    string `json:"item_id"`
	Quantity  int    `json:"quantity"`
	Operation string `json:"operation"`
}

func handleWorkersStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		convs, err := deps.Conversations.List(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		active := make(map[string]int, len(contractx.Workers))
		for _, st := range convs {
			if st.Active {
				active[st.ActiveWorker]++
			}
		}

		out := WorkersStatusResponse{
			Workers:       make([]WorkerStatus, 0, len(contractx.Workers)),
			Collaborators: pingAll(r.Context(), deps.Health),
		}
		for _, id := range contractx.Workers {
			ws := WorkerStatus{
				WorkerID:            string(id),
				Status:              "ready",
				ActiveConversations: active[string(id)],
				Stats:               trace.WorkerStats{WorkerID: string(id)},
			}
			if deps.Metrics != nil {
				ws.Stats = deps.Metrics.Worker(string(id))
			}
			if ws.Stats.Turns > 0 && ws.Stats.Errors*2 > ws.Stats.Turns {
				ws.Status = "degraded"
			}
			out.Workers = append(out.Workers, ws)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func pingAll(ctx context.Context, checks []HealthCheck) []CollaboratorStatus {
	out := make([]CollaboratorStatus, len(checks))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for i, hc := range checks {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(gctx, healthTimeout)
			defer cancel()

			started := time.Now()
			err := hc.Ping(pctx)
			st := CollaboratorStatus{Name: hc.Name(), Healthy: err == nil, LatencyMS: time.Since(started).Milliseconds()}
			if err != nil {
				st.Error = err.Error()
				log.Warn().Err(err).Str("collaborator", hc.Name()).Msg("health check failed")
			}
			mu.Lock()
			out[i] = st
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func handleMetrics(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		convs, err := deps.Conversations.List(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		var resp MetricsResponse
		if deps.Metrics != nil {
			resp.Snapshot = deps.Metrics.Snapshot()
		}
		for _, st := range convs {
			resp.Conversations.Total++
			if st.Active {
				resp.Conversations.Active++
			} else {
				resp.Conversations.Ended++
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleInventoryUpdate(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req InventoryUpdateRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, err)
			return
		}
		op := inventory.StockOp(req.Operation)
		if op == "" {
			op = inventory.StockSet
		}
		level, err := deps.Inventory.UpdateStock(r.Context(), req.ItemID, req.Quantity, op)
		if err != nil {
			writeError(w, err)
			return
		}
		log.Info().Str("item_id", req.ItemID).Str("op", string(op)).Int("quantity", req.Quantity).Msg("stock updated")
		writeJSON(w, http.StatusOK, level)
	}
}

// handleProgressCallback runs one progress tick when QStash calls back. A
// failed tick answers 503 so QStash redelivers.
func handleProgressCallback(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Progress == nil {
			httpError(w, http.StatusNotFound, string(contractx.KindNotFound), "progress runner is not configured")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, fmt.Errorf("%w: read body: %v", contractx.ErrValidation, err))
			return
		}
		if deps.Verifier != nil {
			if err := deps.Verifier.Verify(r.Header.Get("Upstash-Signature"), body, deps.CallbackURL); err != nil {
				log.Warn().Err(err).Msg("rejected progress callback")
				httpError(w, http.StatusUnauthorized, "unauthorized", "invalid signature")
				return
			}
		}

		rep, err := deps.Progress.Tick(r.Context())
		if err != nil {
			log.Warn().Err(err).Msg("progress callback tick")
			httpError(w, http.StatusServiceUnavailable, string(contractx.KindTransient), "%v", err)
			return
		}
		writeJSON(w, http.StatusOK, rep)
	}
}
