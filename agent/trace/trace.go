package trace

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Kind string

const (
	KindTool Kind = "tool"
	KindTurn Kind = "turn"
)

// Record describes one tool invocation or one resolved turn.
type Record struct {
	Kind           Kind          `json:"kind"`
	Operation      string        `json:"operation"`
	ConversationID string        `json:"conversation_id,omitempty"`
	WorkerID       string        `json:"worker_id,omitempty"`
	StartedAt      time.Time     `json:"started_at"`
	Duration       time.Duration `json:"duration"`
	Success        bool          `json:"success"`
	Attempts       int           `json:"attempts,omitempty"`
	ErrorKind      string        `json:"error_kind,omitempty"`
	Error          string        `json:"error,omitempty"`
	Replayed       bool          `json:"replayed,omitempty"`
	Tokens         int           `json:"tokens,omitempty"`
	Degraded       bool          `json:"degraded,omitempty"`
}

type Sink interface {
	Emit(ctx context.Context, rec Record)
}

type Nop struct{}

func (Nop) Emit(context.Context, Record) {}

// Fanout forwards every record to each sink in order.
type Fanout []Sink

func (f Fanout) Emit(ctx context.Context, rec Record) {
	for _, sink := range f {
		if sink != nil {
			sink.Emit(ctx, rec)
		}
	}
}

// LogSink writes records through the global zerolog logger.
type LogSink struct{}

func (LogSink) Emit(ctx context.Context, rec Record) {
	var ev *zerolog.Event
	if rec.Success {
		ev = log.Debug()
	} else {
		ev = log.Warn()
	}
	ev.Str("kind", string(rec.Kind)).
		Str("operation", rec.Operation).
		Str("conversation_id", rec.ConversationID).
		Str("worker", rec.WorkerID).
		Dur("duration", rec.Duration).
		Int("attempt", rec.Attempts).
		Bool("success", rec.Success).
		Bool("replayed", rec.Replayed)
	if rec.ErrorKind != "" {
		ev = ev.Str("error_kind", rec.ErrorKind).Str("error", rec.Error)
	}
	ev.Msg("trace")
}
