package orchestratornode

import (
	"fmt"

	contractx "github.com/tanpawarit/Chative-Order-Orchestrator/agent/contract"
	statex "github.com/tanpawarit/Chative-Order-Orchestrator/agent/state"
)

func AppendInbound(in *GraphState) (*GraphState, error) {
	if in == nil || in.Conversation == nil {
		return nil, fmt.Errorf("%w: graph conversation is nil", contractx.ErrValidation)
	}

	in.Conversation.AppendMessage(statex.Message{
		Role:      statex.RoleCustomer,
		Text:      in.Text,
		Timestamp: in.Now,
	})
	return in, nil
}
