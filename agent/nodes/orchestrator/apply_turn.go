package orchestratornode

import (
	"fmt"
	"strings"
	"time"

	contractx "github.com/tanpawarit/Chative-Order-Orchestrator/agent/contract"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/events"
	statex "github.com/tanpawarit/Chative-Order-Orchestrator/agent/state"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/trace"
)

// DegradedReply answers the customer when a worker fails outright.
const DegradedReply = "Sorry, something went wrong on our side. Please try again in a moment."

func ApplyTurn(in *GraphState, clock func() time.Time) (*GraphState, error) {
	if in == nil || in.Conversation == nil {
		return nil, fmt.Errorf("%w: graph conversation is nil", contractx.ErrValidation)
	}
	if len(in.Outcomes) == 0 {
		return nil, fmt.Errorf("%w: no worker resolved the turn", contractx.ErrValidation)
	}

	for i := range in.Outcomes {
		applyOutcome(in, &in.Outcomes[i], clock)
	}
	return in, nil
}

// applyOutcome folds one worker run into the conversation: context patch,
// task ownership, the worker message and its events and trace.
func applyOutcome(in *GraphState, out *Outcome, clock func() time.Time) {
	if out == nil || out.applied {
		return
	}
	out.applied = true

	st := in.Conversation
	res := out.Result
	text := strings.TrimSpace(res.Text)
	degraded := res.Degraded || out.Err != nil
	kind := contractx.KindOf(out.Err)
	now := monotonic(st, clock())

	switch {
	case out.Fallback:
	case out.Err != nil:
		text = DegradedReply
	case text == "":
		text = DegradedReply
		degraded = true
	}
	if out.Err != nil {
		in.Events = append(in.Events, events.Failure(in.ConversationID, string(out.WorkerID), string(kind), text, now))
	}

	if out.Err == nil && !out.Fallback {
		st.MergeContext(res.ContextPatch)
		if res.Relinquish {
			st.ActiveTask = ""
			st.Relinquished = true
		} else {
			st.ActiveTask = res.Task
			st.Relinquished = false
		}
	}

	msg := statex.Message{
		Role:      statex.RoleWorker,
		WorkerID:  string(out.WorkerID),
		Text:      text,
		Timestamp: now,
		Metadata: &statex.MessageMetadata{
			PromptTokens:     res.Usage.PromptTokens,
			CompletionTokens: res.Usage.CompletionTokens,
			TotalTokens:      res.Usage.TotalTokens,
			LatencyMS:        out.Latency.Milliseconds(),
			Tools:            res.Tools,
			Degraded:         degraded,
		},
	}
	st.AppendMessage(msg)
	in.Replies = append(in.Replies, msg)
	in.Events = append(in.Events, events.Message(in.ConversationID, msg))

	rec := trace.Record{
		Kind:           trace.KindTurn,
		Operation:      "turn",
		ConversationID: in.ConversationID,
		WorkerID:       string(out.WorkerID),
		StartedAt:      in.Now,
		Duration:       out.Latency,
		Success:        out.Err == nil,
		ErrorKind:      string(kind),
		Tokens:         res.Usage.TotalTokens,
		Degraded:       degraded,
	}
	if out.Err != nil {
		rec.Error = out.Err.Error()
	}
	in.Traces = append(in.Traces, rec)
}

// monotonic keeps message timestamps in order when clocks disagree.
func monotonic(st *statex.ConversationState, now time.Time) time.Time {
	now = now.UTC()
	if n := len(st.Messages); n > 0 && now.Before(st.Messages[n-1].Timestamp) {
		return st.Messages[n-1].Timestamp
	}
	return now
}
