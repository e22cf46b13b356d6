package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	contractx "github.com/tanpawarit/Chative-Order-Orchestrator/agent/contract"
	statex "github.com/tanpawarit/Chative-Order-Orchestrator/agent/state"
)

type CreateConversationRequest struct {
	ConversationID string `json:"conversation_id"`
	CustomerID     string `json:"customer_id"`
}

type MessageRequest struct {
	Text string `json:"text"`
}

// ConversationSummary is the read model returned for a conversation.
type ConversationSummary struct {
	ConversationID string                 `json:"conversation_id"`
	CustomerID     string                 `json:"customer_id,omitempty"`
	ActiveAgent    string                 `json:"active_agent"`
	ActiveTask     string                 `json:"active_task,omitempty"`
	Active         bool                   `json:"active"`
	MessageCount   int                    `json:"message_count"`
	Messages       []statex.Message       `json:"messages,omitempty"`
	Handoffs       []statex.HandoffResult `json:"handoffs,omitempty"`
	Context        map[string]any         `json:"context,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
	EndedAt        *time.Time             `json:"ended_at,omitempty"`
}

func summarize(st *statex.ConversationState, withHistory bool) ConversationSummary {
	out := ConversationSummary{
		ConversationID: st.ConversationID,
		CustomerID:     st.CustomerID,
		ActiveAgent:    st.ActiveWorker,
		ActiveTask:     st.ActiveTask,
		Active:         st.Active,
		MessageCount:   len(st.Messages),
		CreatedAt:      st.CreatedAt,
		UpdatedAt:      st.UpdatedAt,
		EndedAt:        st.EndedAt,
	}
	if withHistory {
		out.Messages = st.Messages
		out.Handoffs = st.Handoffs
		out.Context = st.Context
	}
	return out
}

func handleCreateConversation(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			httpError(w, http.StatusBadRequest, string(contractx.KindValidation), "read body: %v", err)
			return
		}

		var req CreateConversationRequest
		if len(bytes.TrimSpace(raw)) > 0 {
			if err := json.Unmarshal(raw, &req); err != nil {
				httpError(w, http.StatusBadRequest, string(contractx.KindValidation), "invalid request body: %v", err)
				return
			}
		}

		st, err := deps.Conversations.Create(r.Context(), req.ConversationID, req.CustomerID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, summarize(st, false))
	}
}

func handleGetConversation(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := deps.Conversations.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, summarize(st, r.URL.Query().Get("history") != "false"))
	}
}

func handleEndConversation(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := deps.Conversations.End(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, summarize(st, false))
	}
}

func handlePostMessage(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req MessageRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, err)
			return
		}
		if strings.TrimSpace(req.Text) == "" {
			writeError(w, fmt.Errorf("%w: text is required", contractx.ErrValidation))
			return
		}

		reply, err := deps.Conversations.Handle(r.Context(), chi.URLParam(r, "id"), req.Text)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, reply)
	}
}
