package trace

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/uptrace/bun"
)

const (
	defaultBufferSize = 256
	defaultBatchSize  = 64
	defaultFlushEvery = 2 * time.Second
)

type traceRow struct {
	bun.BaseModel `bun:"table:tool_traces,alias:tt"`

	ID             int64     `bun:"id,pk,autoincrement"`
	Kind           string    `bun:"kind,notnull"`
	Operation      string    `bun:"operation,notnull"`
	ConversationID string    `bun:"conversation_id"`
	WorkerID       string    `bun:"worker_id"`
	StartedAt      time.Time `bun:"started_at,notnull"`
	DurationMS     int64     `bun:"duration_ms"`
	Success        bool      `bun:"success"`
	Attempts       int       `bun:"attempts"`
	ErrorKind      string    `bun:"error_kind"`
	Error          string    `bun:"error"`
	Replayed       bool      `bun:"replayed"`
	Tokens         int       `bun:"tokens"`
}

func toRow(rec Record) traceRow {
	return traceRow{
		Kind:           string(rec.Kind),
		Operation:      rec.Operation,
		ConversationID: rec.ConversationID,
		WorkerID:       rec.WorkerID,
		StartedAt:      rec.StartedAt.UTC(),
		DurationMS:     rec.Duration.Milliseconds(),
		Success:        rec.Success,
		Attempts:       rec.Attempts,
		ErrorKind:      rec.ErrorKind,
		Error:          rec.Error,
		Replayed:       rec.Replayed,
		Tokens:         rec.Tokens,
	}
}

// BunSink buffers records and writes them to Postgres in batches. Emit never
// blocks the caller; records are dropped when the buffer is full.
type BunSink struct {
	db      *bun.DB
	records chan Record
	batch   int
	every   time.Duration
}

func NewBunSink(db *bun.DB) *BunSink {
	return &BunSink{
		db:      db,
		records: make(chan Record, defaultBufferSize),
		batch:   defaultBatchSize,
		every:   defaultFlushEvery,
	}
}

func (s *BunSink) Migrate(ctx context.Context) error {
	_, err := s.db.NewCreateTable().
		Model((*traceRow)(nil)).
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("create tool_traces: %w", err)
	}
	return nil
}

func (s *BunSink) Emit(ctx context.Context, rec Record) {
	select {
	case s.records <- rec:
	default:
		log.Warn().Str("operation", rec.Operation).Msg("trace buffer full, dropping record")
	}
}

// Run flushes buffered records until ctx is done, then drains what is left.
func (s *BunSink) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.every)
	defer ticker.Stop()

	pending := make([]traceRow, 0, s.batch)
	flush := func(ctx context.Context) {
		if len(pending) == 0 {
			return
		}
		if _, err := s.db.NewInsert().Model(&pending).Exec(ctx); err != nil {
			log.Error().Err(err).Int("rows", len(pending)).Msg("write traces")
		}
		pending = pending[:0]
	}

	for {
		select {
		case rec := <-s.records:
			pending = append(pending, toRow(rec))
			if len(pending) >= s.batch {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		drain:
			for {
				select {
				case rec := <-s.records:
					pending = append(pending, toRow(rec))
				default:
					break drain
				}
			}
			flush(drainCtx)
			cancel()
			return nil
		}
	}
}
