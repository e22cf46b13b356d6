package progress

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	qstashx "github.com/tanpawarit/Chative-Order-Orchestrator/pkg/qstash"
)

type publisher interface {
	Publish(ctx context.Context, req qstashx.PublishRequest) (string, error)
}

// Callback is the body QStash delivers back to the progress endpoint.
type Callback struct {
	OrderID string    `json:"order_id"`
	DueAt   time.Time `json:"due_at"`
}

// QStashScheduler asks QStash to call the progress endpoint when an order is
// due out of the kitchen.
type QStashScheduler struct {
	client      publisher
	callbackURL string
}

func NewQStashScheduler(client publisher, callbackURL string) (*QStashScheduler, error) {
	if client == nil {
		return nil, errors.New("qstash client is required")
	}
	callbackURL = strings.TrimSpace(callbackURL)
	if callbackURL == "" {
		return nil, errors.New("progress callback url is required")
	}
	return &QStashScheduler{client: client, callbackURL: callbackURL}, nil
}

func (s *QStashScheduler) Schedule(ctx context.Context, orderID string, at time.Time) error {
	id, err := s.client.Publish(ctx, qstashx.PublishRequest{
		Destination:     s.callbackURL,
		Body:            Callback{OrderID: orderID, DueAt: at.UTC()},
		NotBefore:       at,
		DeduplicationID: "ready-" + orderID,
	})
	if err != nil {
		return err
	}
	log.Debug().Str("order_id", orderID).Str("message_id", id).Time("at", at).Msg("progress callback scheduled")
	return nil
}
