package orchestratornode

import (
	contractx "github.com/tanpawarit/Chative-Order-Orchestrator/agent/contract"
	statex "github.com/tanpawarit/Chative-Order-Orchestrator/agent/state"
)

const (
	DefaultHandoffConfidence = 0.6
	DefaultMaxHops           = 2
)

// Policy holds the routing thresholds of a turn.
type Policy struct {
	// MinConfidence is the intent confidence needed to take control away from
	// a worker that did not relinquish it.
	MinConfidence float64
	// MaxHops bounds worker-requested handoffs within one turn.
	MaxHops int
}

func (p Policy) withDefaults() Policy {
	if p.MinConfidence <= 0 {
		p.MinConfidence = DefaultHandoffConfidence
	}
	if p.MaxHops <= 0 {
		p.MaxHops = DefaultMaxHops
	}
	return p
}

func shouldHandoff(st *statex.ConversationState, intent *contractx.Intent, p Policy) bool {
	if st == nil || intent == nil || !intent.Worker.Valid() {
		return false
	}
	if string(intent.Worker) == st.ActiveWorker {
		return false
	}
	if st.Relinquished {
		return true
	}
	return intent.Confidence >= p.MinConfidence
}
