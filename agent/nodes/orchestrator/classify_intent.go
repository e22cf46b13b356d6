package orchestratornode

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	contractx "github.com/tanpawarit/Chative-Order-Orchestrator/agent/contract"
)

// ClassifyIntent asks the router for the intent of the inbound text. A worker
// in the middle of a task keeps control, so classification is skipped.
// Failures are kept on the state; the route node turns them into the fallback.
func ClassifyIntent(
	ctx context.Context,
	in *GraphState,
	router contractx.Router,
) (*GraphState, error) {
	if in == nil || in.Conversation == nil {
		return nil, fmt.Errorf("%w: graph conversation is nil", contractx.ErrValidation)
	}
	if in.Conversation.ActiveTask != "" {
		return in, nil
	}

	intent, err := router.Classify(ctx, in.Conversation.Clone(), in.Text)
	if err != nil {
		log.Warn().
			Err(err).
			Str("conversation_id", in.ConversationID).
			Str("worker", string(contractx.WorkerRouter)).
			Str("error_kind", string(contractx.KindOf(err))).
			Msg("intent classification unavailable")
		in.ClassifyErr = err
		return in, nil
	}
	in.Intent = &intent
	return in, nil
}
