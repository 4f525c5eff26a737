package action

import (
	"context"
	"fmt"
	"sort"

	v1 "github.com/weftlab/weft/internal/api/v1"
)

// Result is the outcome of one action step.
type Result struct {
	Success   bool
	Retryable bool
	Output    map[string]interface{}
	Err       error
}

// Failure builds a retryable or permanent failure result.
func Failure(err error, retryable bool) Result {
	return Result{Success: false, Retryable: retryable, Err: err}
}

// Succeeded builds a successful result with optional output.
func Succeeded(output map[string]interface{}) Result {
	return Result{Success: true, Output: output}
}

// Action is one pluggable unit of work invoked by the executor. Actions
// must be idempotent: a retried chain re-runs every step from the first.
type Action interface {
	// Name is the identifier workflow configs reference.
	Name() string

	// Run executes the action against the event. Implementations must
	// respect ctx cancellation; the executor bounds each step with a
	// timeout and treats overruns as retryable failures.
	Run(ctx context.Context, event *v1.Event, identity *v1.IdentityContext, params map[string]interface{}) Result
}

// Registry is the closed set of registered actions. Workflow configuration
// is validated against it at load time, so execution never encounters an
// unregistered name.
type Registry struct {
	actions map[string]Action
}

// NewRegistry creates a registry from the given actions.
// Duplicate names are a programming error.
func NewRegistry(actions ...Action) (*Registry, error) {
	r := &Registry{actions: make(map[string]Action, len(actions))}
	for _, a := range actions {
		if _, dup := r.actions[a.Name()]; dup {
			return nil, fmt.Errorf("action %q registered twice", a.Name())
		}
		r.actions[a.Name()] = a
	}
	return r, nil
}

// Get returns the action registered under name.
func (r *Registry) Get(name string) (Action, bool) {
	a, ok := r.actions[name]
	return a, ok
}

// Names returns the sorted registered action names, used to validate
// workflow configuration at load.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.actions))
	for name := range r.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
