package node

import (
	"github.com/flowcore-ai/flowcore/internal/ai"
)

// DefaultRegistry wires every built-in executor.
func DefaultRegistry(router *ai.Router) *Registry {
	r := NewRegistry()
	r.Register(TriggerExecutor{})
	r.Register(TimerExecutor{})
	r.Register(DataInputExecutor{})
	r.Register(DataOutputExecutor{})
	r.Register(TransformExecutor{})
	r.Register(ConditionExecutor{})
	r.Register(DecisionExecutor{})
	r.Register(NewHTTPActionExecutor())
	r.Register(&AIProcessorExecutor{Router: router})
	r.Register(HumanTaskExecutor{})
	return r
}
