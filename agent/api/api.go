package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
	orchestratoragent "github.com/tanpawarit/Chative-Order-Orchestrator/agent/agents/orchestrator"
	contractx "github.com/tanpawarit/Chative-Order-Orchestrator/agent/contract"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/engine/delivery"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/engine/inventory"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/engine/kitchen"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/engine/order"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/events"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/progress"
	statex "github.com/tanpawarit/Chative-Order-Orchestrator/agent/state"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/trace"
)

const maxBodySize = 1 << 20

// Conversations is the conversation surface of the orchestrator.
type Conversations interface {
	Create(ctx context.Context, conversationID, customerID string) (*statex.ConversationState, error)
	Handle(ctx context.Context, conversationID, text string) (orchestratoragent.Reply, error)
	Get(ctx context.Context, conversationID string) (*statex.ConversationState, error)
	End(ctx context.Context, conversationID string) (*statex.ConversationState, error)
	List(ctx context.Context) ([]*statex.ConversationState, error)
}

// HealthCheck is a collaborator the admin surface reports on.
type HealthCheck interface {
	Name() string
	Ping(ctx context.Context) error
}

type Ticker interface {
	Tick(ctx context.Context) (progress.Report, error)
}

type SignatureVerifier interface {
	Verify(signature string, body []byte, callbackURL string) error
}

type Deps struct {
	Conversations Conversations
	Hub           *events.Hub

	Orders    *order.Engine
	Kitchen   *kitchen.Engine
	Delivery  *delivery.Engine
	Inventory *inventory.Engine

	Metrics *trace.Metrics
	Health  []HealthCheck

	// Progress and Verifier back the QStash callback. A nil Verifier accepts
	// unsigned calls, which is only meant for local runs.
	Progress    Ticker
	Verifier    SignatureVerifier
	CallbackURL string

	// AdminToken guards /admin when set.
	AdminToken string
	Now        func() time.Time
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func NewHandler(deps Deps) http.Handler {
	if deps.Now == nil {
		deps.Now = time.Now
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/health", handleHealth)

	r.Route("/conversations", func(r chi.Router) {
		r.Post("/", handleCreateConversation(deps))
		r.Get("/{id}", handleGetConversation(deps))
		r.Delete("/{id}", handleEndConversation(deps))
		r.Post("/{id}/messages", handlePostMessage(deps))
		r.Get("/{id}/ws", handleWebSocket(deps))
	})

	r.Route("/orders/{id}", func(r chi.Router) {
		r.Get("/", handleOrderTimeline(deps))
		r.Get("/tracking", handleOrderTracking(deps))
	})

	r.Route("/admin", func(r chi.Router) {
		if deps.AdminToken != "" {
			r.Use(BearerAuth(deps.AdminToken))
		}
		r.Get("/workers/status", handleWorkersStatus(deps))
		r.Get("/metrics", handleMetrics(deps))
		r.Post("/inventory/update", handleInventoryUpdate(deps))
	})

	r.Post("/internal/progress", handleProgressCallback(deps))

	return r
}

func BearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if !strings.HasPrefix(auth, prefix) || subtle.ConstantTimeCompare([]byte(auth[len(prefix):]), []byte(token)) != 1 {
				httpError(w, http.StatusUnauthorized, "unauthorized", "invalid or missing bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(started)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("encode response")
	}
}

func httpError(w http.ResponseWriter, status int, kind, format string, args ...any) {
	writeJSON(w, status, errorBody{Error: errorDetail{Kind: kind, Message: fmt.Sprintf(format, args...)}})
}

// writeError maps the error taxonomy onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	kind := contractx.KindOf(err)
	status := http.StatusInternalServerError
	switch {
	case kind == contractx.KindNotFound:
		status = http.StatusNotFound
	case kind == contractx.KindConversationEnded:
		status = http.StatusConflict
	case kind == contractx.KindTransient:
		status = http.StatusServiceUnavailable
	case contractx.IsBusinessRule(err):
		status = http.StatusUnprocessableEntity
	case contractx.IsClientError(err):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Msg("request failed")
		httpError(w, status, string(contractx.KindInternal), "internal error")
		return
	}
	httpError(w, status, string(kind), "%v", err)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid request body: %v", contractx.ErrValidation, err)
	}
	return nil
}
