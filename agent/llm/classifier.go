package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/compose"
	contractx "github.com/tanpawarit/Chative-Order-Orchestrator/agent/contract"
)

const classifierHistoryLines = 6

type classifierOutput struct {
	Intent     string  `json:"intent"`
	Confidence float64 `json:"confidence"`
	Worker     string  `json:"worker"`
}

// Classifier asks a chat model for a structured intent.
type Classifier struct {
	runner compose.Runnable[map[string]any, classifierOutput]
}

var _ contractx.IntentClassifier = (*Classifier)(nil)

func NewClassifier(ctx context.Context, chatModel einomodel.BaseChatModel, systemPrompt string) (*Classifier, error) {
	if strings.TrimSpace(systemPrompt) == "" {
		return nil, fmt.Errorf("%w: classifier prompt", contractx.ErrPromptMissing)
	}
	runner, err := compileStructuredLLMGraph[classifierOutput](ctx, chatModel, systemPrompt, "router.classifier_graph")
	if err != nil {
		return nil, fmt.Errorf("%w: compile classifier graph: %v", contractx.ErrModelInvoke, err)
	}
	return &Classifier{runner: runner}, nil
}

func (c *Classifier) Classify(ctx context.Context, req contractx.ClassifyRequest) (contractx.Intent, error) {
	if strings.TrimSpace(req.Text) == "" {
		return contractx.Intent{}, fmt.Errorf("%w: text is required", contractx.ErrValidation)
	}

	history := req.History
	if len(history) > classifierHistoryLines {
		history = history[len(history)-classifierHistoryLines:]
	}
	input, err := json.Marshal(map[string]any{
		"message":       req.Text,
		"active_worker": req.ActiveWorker,
		"history":       history,
	})
	if err != nil {
		return contractx.Intent{}, fmt.Errorf("%w: marshal classifier payload: %v", contractx.ErrValidation, err)
	}

	out, err := c.runner.Invoke(ctx, map[string]any{"input": string(input)})
	if err != nil {
		return contractx.Intent{}, fmt.Errorf("%w: %w: classifier invoke: %v", contractx.ErrTransient, contractx.ErrModelInvoke, err)
	}

	intent := contractx.Intent{
		Name:       strings.TrimSpace(out.Intent),
		Confidence: out.Confidence,
		Worker:     contractx.WorkerID(strings.ToLower(strings.TrimSpace(out.Worker))),
	}
	if err := validateIntent(intent); err != nil {
		return contractx.Intent{}, err
	}
	return intent, nil
}

func validateIntent(in contractx.Intent) error {
	if in.Name == "" {
		return fmt.Errorf("%w: intent is empty", contractx.ErrSchemaViolation)
	}
	if !in.Worker.Valid() {
		return fmt.Errorf("%w: unknown worker=%q", contractx.ErrSchemaViolation, in.Worker)
	}
	if in.Confidence < 0 || in.Confidence > 1 {
		return fmt.Errorf("%w: confidence %.2f outside [0,1]", contractx.ErrSchemaViolation, in.Confidence)
	}
	return nil
}
