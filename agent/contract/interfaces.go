package contract

import (
	"context"

	statex "github.com/tanpawarit/Chative-Order-Orchestrator/agent/state"
)

type IntentClassifier interface {
	Classify(ctx context.Context, req ClassifyRequest) (Intent, error)
}

type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (Completion, error)
}

type Dispatcher interface {
	Invoke(ctx context.Context, req ToolRequest) (ToolResult, error)
}

// Worker is one specialised decision layer. The orchestrator never inspects
// worker internals; it only resolves turns and asks for handoff snapshots.
type Worker interface {
	ID() WorkerID
	ResolveTurn(ctx context.Context, req TurnRequest) (TurnResult, error)
	PrepareHandoff(ctx context.Context, st *statex.ConversationState, target WorkerID, reason string) (statex.HandoffResult, error)
}

type Router interface {
	Worker
	Classify(ctx context.Context, st *statex.ConversationState, text string) (Intent, error)
	Fallback() string
}

type Registry interface {
	Router() Router
	Worker(id WorkerID) (Worker, bool)
}
