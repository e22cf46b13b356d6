package orchestratornode

import (
	"fmt"
	"strings"

	contractx "github.com/tanpawarit/Chative-Order-Orchestrator/agent/contract"
	statex "github.com/tanpawarit/Chative-Order-Orchestrator/agent/state"
)

// FinalizeReply joins the worker messages of the turn. The reply is attributed
// to the worker that spoke last; metadata sums every run.
func FinalizeReply(in *GraphState) (GraphOutput, error) {
	if in == nil {
		return GraphOutput{}, fmt.Errorf("%w: graph state is nil", contractx.ErrValidation)
	}
	if len(in.Replies) == 0 {
		return GraphOutput{}, fmt.Errorf("%w: turn produced no reply", contractx.ErrValidation)
	}

	texts := make([]string, 0, len(in.Replies))
	var meta statex.MessageMetadata
	for _, r := range in.Replies {
		texts = append(texts, r.Text)
		if r.Metadata == nil {
			continue
		}
		meta.PromptTokens += r.Metadata.PromptTokens
		meta.CompletionTokens += r.Metadata.CompletionTokens
		meta.TotalTokens += r.Metadata.TotalTokens
		meta.LatencyMS += r.Metadata.LatencyMS
		meta.Tools = append(meta.Tools, r.Metadata.Tools...)
		meta.Degraded = meta.Degraded || r.Metadata.Degraded
	}

	last := in.Replies[len(in.Replies)-1]
	out := GraphOutput{
		WorkerID: contractx.WorkerID(last.WorkerID),
		Text:     strings.Join(texts, "\n\n"),
		Handoffs: in.Handoffs,
		Metadata: meta,
	}
	if n := len(in.Handoffs); n > 0 {
		h := in.Handoffs[n-1]
		out.Handoff = &h
	}
	return out, nil
}
