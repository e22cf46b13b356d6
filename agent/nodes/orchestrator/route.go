package orchestratornode

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	contractx "github.com/tanpawarit/Chative-Order-Orchestrator/agent/contract"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/events"
)

// Route applies the routing decision. When classification failed the router's
// static fallback becomes the reply and control stays where it was.
func Route(
	ctx context.Context,
	in *GraphState,
	registry contractx.Registry,
	policy Policy,
	clock func() time.Time,
) (*GraphState, error) {
	if in == nil || in.Conversation == nil {
		return nil, fmt.Errorf("%w: graph conversation is nil", contractx.ErrValidation)
	}

	if in.ClassifyErr != nil {
		in.Outcomes = append(in.Outcomes, Outcome{
			WorkerID: contractx.WorkerRouter,
			Result:   contractx.TurnResult{Text: registry.Router().Fallback(), Degraded: true},
			Err:      in.ClassifyErr,
			Fallback: true,
		})
		return in, nil
	}

	if !shouldHandoff(in.Conversation, in.Intent, policy.withDefaults()) {
		return in, nil
	}
	reason := fmt.Sprintf("intent %s (confidence %.2f)", in.Intent.Name, in.Intent.Confidence)
	if err := handoff(ctx, in, registry, in.Intent.Worker, reason, clock); err != nil {
		log.Warn().
			Err(err).
			Str("conversation_id", in.ConversationID).
			Str("worker", in.Conversation.ActiveWorker).
			Msg("routing handoff skipped")
	}
	return in, nil
}

// IsFallback reports whether the turn already has its reply and no worker
// needs to run.
func IsFallback(in *GraphState) bool {
	last := in.last()
	return last != nil && last.Fallback
}

// handoff asks the departing worker for its snapshot, then moves control to
// target and records the result.
func handoff(
	ctx context.Context,
	in *GraphState,
	registry contractx.Registry,
	target contractx.WorkerID,
	reason string,
	clock func() time.Time,
) error {
	st := in.Conversation
	from, ok := registry.Worker(contractx.WorkerID(st.ActiveWorker))
	if !ok {
		from = registry.Router()
	}
	if _, ok := registry.Worker(target); !ok {
		return fmt.Errorf("%w: no worker registered for %q", contractx.ErrValidation, target)
	}

	result, err := from.PrepareHandoff(ctx, st.Clone(), target, reason)
	if err != nil {
		return fmt.Errorf("prepare handoff %s->%s: %w", st.ActiveWorker, target, err)
	}
	if result.Timestamp.IsZero() {
		result.Timestamp = clock().UTC()
	}
	if err := st.RecordHandoff(result); err != nil {
		return err
	}
	in.Handoffs = append(in.Handoffs, result)
	in.Events = append(in.Events, events.Handoff(in.ConversationID, result))
	return nil
}
