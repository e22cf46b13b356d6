package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	contractx "github.com/tanpawarit/Chative-Order-Orchestrator/agent/contract"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/events"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
	wsMaxFrame   = 16 << 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// clientFrame is what a browser sends: {"type":"message","text":"..."} or
// {"type":"ping"}.
type clientFrame struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type pongFrame struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// handleWebSocket streams live events of one conversation and accepts
// customer messages on the same socket. Replies arrive as message events.
func handleWebSocket(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(chi.URLParam(r, "id"))
		st, err := deps.Conversations.Create(r.Context(), id, "")
		if err != nil {
			writeError(w, err)
			return
		}
		if !st.Active {
			writeError(w, contractx.ErrConversationEnded)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn().Err(err).Str("conversation_id", id).Msg("websocket upgrade")
			return
		}
		defer conn.Close()

		updates, unsubscribe := deps.Hub.Subscribe(id)
		defer unsubscribe()

		ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
		defer cancel()

		out := make(chan any, 16)
		go readFrames(ctx, cancel, conn, deps, id, out)

		write := func(v any) error {
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			return conn.WriteJSON(v)
		}

		connected := events.Event{
			Type:           events.TypeConnected,
			ConversationID: id,
			WorkerID:       st.ActiveWorker,
			Timestamp:      deps.Now().UTC(),
		}
		if err := write(connected); err != nil {
			return
		}
		log.Debug().Str("conversation_id", id).Msg("websocket connected")

		ping := time.NewTicker(wsPingPeriod)
		defer ping.Stop()

		for {
			select {
			case <-ctx.Done():
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
				return
			case ev, ok := <-updates:
				if !ok {
					return
				}
				if err := write(ev); err != nil {
					return
				}
			case frame := <-out:
				if err := write(frame); err != nil {
					return
				}
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
					return
				}
			}
		}
	}
}

func readFrames(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, deps Deps, id string, out chan<- any) {
	defer cancel()

	conn.SetReadLimit(wsMaxFrame)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	send := func(v any) bool {
		select {
		case out <- v:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		var frame clientFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Str("conversation_id", id).Msg("websocket read")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))

		switch frame.Type {
		case "ping":
			if !send(pongFrame{Type: "pong", Timestamp: deps.Now().UTC()}) {
				return
			}
		case "message":
			// The reply itself is delivered through the hub subscription.
			if _, err := deps.Conversations.Handle(ctx, id, frame.Text); err != nil {
				kind := contractx.KindOf(err)
				if !send(events.Failure(id, "", string(kind), err.Error(), deps.Now())) {
					return
				}
			}
		default:
			if !send(events.Failure(id, "", string(contractx.KindValidation), "unknown frame type "+frame.Type, deps.Now())) {
				return
			}
		}
	}
}
