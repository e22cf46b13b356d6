package orchestratornode

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	contractx "github.com/tanpawarit/Chative-Order-Orchestrator/agent/contract"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/events"
	statex "github.com/tanpawarit/Chative-Order-Orchestrator/agent/state"
)

// RunWorker resolves the turn with the active worker. A worker may ask to hand
// the same inbound text to another worker; those requests are honoured up to
// policy.MaxHops times per turn.
func RunWorker(
	ctx context.Context,
	in *GraphState,
	registry contractx.Registry,
	publisher events.Publisher,
	policy Policy,
	clock func() time.Time,
) (*GraphState, error) {
	if in == nil || in.Conversation == nil {
		return nil, fmt.Errorf("%w: graph conversation is nil", contractx.ErrValidation)
	}
	policy = policy.withDefaults()

	var incoming *statex.HandoffResult
	if n := len(in.Handoffs); n > 0 {
		h := in.Handoffs[n-1]
		incoming = &h
	}

	for hops := 0; ; hops++ {
		id := contractx.WorkerID(in.Conversation.ActiveWorker)
		out := runOne(ctx, in, registry, publisher, id, incoming, clock)
		in.Outcomes = append(in.Outcomes, out)

		req := out.Result.Handoff
		if out.Err != nil || req == nil {
			return in, nil
		}
		logger := log.With().
			Str("conversation_id", in.ConversationID).
			Str("worker", string(id)).
			Str("target", string(req.Target)).
			Logger()
		switch {
		case hops >= policy.MaxHops:
			logger.Warn().Int("hops", hops).Msg("handoff hop limit reached")
			return in, nil
		case req.Target == id || !req.Target.Valid():
			logger.Warn().Msg("ignoring handoff to an invalid target")
			return in, nil
		}

		// The departing worker's patch must be visible in its snapshot.
		applyOutcome(in, in.last(), clock)
		if err := handoff(ctx, in, registry, req.Target, req.Reason, clock); err != nil {
			logger.Warn().Err(err).Msg("worker handoff failed")
			return in, nil
		}
		h := in.Handoffs[len(in.Handoffs)-1]
		incoming = &h
	}
}

func runOne(
	ctx context.Context,
	in *GraphState,
	registry contractx.Registry,
	publisher events.Publisher,
	id contractx.WorkerID,
	incoming *statex.HandoffResult,
	clock func() time.Time,
) Outcome {
	started := clock()
	if err := publisher.Publish(ctx, events.Typing(in.ConversationID, string(id), started)); err != nil {
		log.Debug().Err(err).Str("conversation_id", in.ConversationID).Msg("typing event not delivered")
	}

	w, ok := registry.Worker(id)
	if !ok {
		return Outcome{
			WorkerID: id,
			Err:      fmt.Errorf("%w: no worker registered for %q", contractx.ErrValidation, id),
		}
	}
	res, err := w.ResolveTurn(ctx, contractx.TurnRequest{
		Conversation: in.Conversation.Clone(),
		Text:         in.Text,
		Handoff:      incoming,
		Now:          in.Now,
	})
	if err != nil {
		log.Error().
			Err(err).
			Str("conversation_id", in.ConversationID).
			Str("worker", string(id)).
			Str("error_kind", string(contractx.KindOf(err))).
			Msg("worker turn failed")
	}
	return Outcome{
		WorkerID: id,
		Result:   res,
		Err:      err,
		Latency:  clock().Sub(started),
	}
}
