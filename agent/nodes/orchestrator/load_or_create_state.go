package orchestratornode

import (
	"context"
	"errors"
	"fmt"
	"time"

	contractx "github.com/tanpawarit/Chative-Order-Orchestrator/agent/contract"
	statex "github.com/tanpawarit/Chative-Order-Orchestrator/agent/state"
)

func LoadOrCreateState(
	ctx context.Context,
	in *GraphState,
	store statex.Store,
) (*GraphState, error) {
	if in == nil {
		return nil, fmt.Errorf("%w: graph state is nil", contractx.ErrValidation)
	}

	st, err := LoadOrCreate(ctx, store, in.ConversationID, "", in.Now)
	if err != nil {
		return nil, err
	}
	if !st.Active {
		return nil, fmt.Errorf("%w: conversation=%s", contractx.ErrConversationEnded, st.ConversationID)
	}
	in.Conversation = st
	return in, nil
}

// LoadOrCreate returns the stored conversation or creates it with the router
// in control. Creation is idempotent per conversation id.
func LoadOrCreate(
	ctx context.Context,
	store statex.Store,
	conversationID string,
	customerID string,
	now time.Time,
) (*statex.ConversationState, error) {
	st, err := store.Load(ctx, conversationID)
	if err == nil {
		return st, nil
	}
	if !errors.Is(err, statex.ErrStateNotFound) {
		return nil, fmt.Errorf("%w: load conversation: %w", contractx.ErrTransient, err)
	}

	fresh := statex.NewConversation(conversationID, customerID, string(contractx.WorkerRouter), now)
	st, _, err = store.Create(ctx, fresh)
	if err != nil {
		return nil, fmt.Errorf("%w: create conversation: %w", contractx.ErrTransient, err)
	}
	return st, nil
}
