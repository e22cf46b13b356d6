package orchestratornode

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	contractx "github.com/tanpawarit/Chative-Order-Orchestrator/agent/contract"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/events"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/trace"
)

// PublishEvents runs after the state is saved, so subscribers never see a
// turn that was not persisted. Delivery failures are logged and dropped.
func PublishEvents(
	ctx context.Context,
	in *GraphState,
	publisher events.Publisher,
	sink trace.Sink,
) (*GraphState, error) {
	if in == nil {
		return nil, fmt.Errorf("%w: graph state is nil", contractx.ErrValidation)
	}

	for _, ev := range in.Events {
		if err := publisher.Publish(ctx, ev); err != nil {
			log.Warn().
				Err(err).
				Str("conversation_id", in.ConversationID).
				Str("event", string(ev.Type)).
				Msg("live event not delivered")
		}
	}
	for _, rec := range in.Traces {
		sink.Emit(ctx, rec)
	}
	return in, nil
}
