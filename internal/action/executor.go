package action

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	v1 "github.com/weftlab/weft/internal/api/v1"
	"github.com/weftlab/weft/internal/workflow"
)

// ChainState is the terminal state of one chain execution attempt.
type ChainState string

const (
	ChainSucceeded       ChainState = "succeeded"
	ChainFailedRetryable ChainState = "failed_retryable"
	ChainFailedPermanent ChainState = "failed_permanent"
)

// ChainResult reports how a chain attempt ended.
type ChainResult struct {
	State      ChainState
	FailedStep string
	Err        error
	// Outputs accumulates each step's output keyed by action name.
	Outputs map[string]interface{}
}

// Executor runs action chains strictly in order with a bounded timeout per
// step. No per-step checkpointing is kept: on retry the entire chain re-runs
// from the first step, and actions are required to be idempotent.
type Executor struct {
	registry    *Registry
	stepTimeout time.Duration
}

// NewExecutor creates a chain executor.
func NewExecutor(registry *Registry, stepTimeout time.Duration) *Executor {
	if registry == nil {
		panic("action: registry must not be nil")
	}
	if stepTimeout <= 0 {
		stepTimeout = 20 * time.Second
	}
	return &Executor{registry: registry, stepTimeout: stepTimeout}
}

// Execute runs the chain for the event. A step timeout counts as a
// retryable failure; a step reporting retryable=false fails the whole chain
// permanently regardless of remaining retry budget.
func (x *Executor) Execute(ctx context.Context, event *v1.Event, identity *v1.IdentityContext, chain []workflow.ActionSpec) ChainResult {
	outputs := make(map[string]interface{}, len(chain))

	for _, spec := range chain {
		act, ok := x.registry.Get(spec.Name)
		if !ok {
			// Config validation rejects unknown names at load; reaching this
			// means the registry and the loaded snapshot disagree.
			return ChainResult{
				State:      ChainFailedPermanent,
				FailedStep: spec.Name,
				Err:        fmt.Errorf("action %q is not registered", spec.Name),
				Outputs:    outputs,
			}
		}

		res := x.runStep(ctx, act, event, identity, spec.Params)
		if !res.Success {
			state := ChainFailedRetryable
			if !res.Retryable {
				state = ChainFailedPermanent
			}
			slog.Warn("[Executor] Action step failed",
				"event_id", event.ID,
				"action", spec.Name,
				"retryable", res.Retryable,
				"error", res.Err)
			return ChainResult{State: state, FailedStep: spec.Name, Err: res.Err, Outputs: outputs}
		}

		if res.Output != nil {
			outputs[spec.Name] = res.Output
		}
	}

	return ChainResult{State: ChainSucceeded, Outputs: outputs}
}

// runStep bounds one action invocation with the per-step timeout.
func (x *Executor) runStep(ctx context.Context, act Action, event *v1.Event, identity *v1.IdentityContext, params map[string]interface{}) Result {
	stepCtx, cancel := context.WithTimeout(ctx, x.stepTimeout)
	defer cancel()

	done := make(chan Result, 1)
	go func() {
		done <- act.Run(stepCtx, event, identity, params)
	}()

	select {
	case res := <-done:
		if !res.Success && res.Err != nil && errors.Is(res.Err, context.DeadlineExceeded) {
			res.Retryable = true
		}
		return res
	case <-stepCtx.Done():
		// The action overran its budget (or the worker is shutting down).
		// Its eventual result is discarded; the buffered channel lets the
		// goroutine finish without leaking.
		return Failure(fmt.Errorf("action %q: %w", act.Name(), stepCtx.Err()), true)
	}
}
