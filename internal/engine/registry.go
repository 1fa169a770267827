package engine

import (
	"fmt"
	"time"
)

// HandlerFunc is a workflow handler. It receives the triggering event and
// the step API and returns the run's final result. Handlers must be
// deterministic: all non-deterministic work (time, IDs, fetches, renders)
// belongs inside step.Run.
type HandlerFunc func(ctx *Context) (any, error)

// FunctionSpec declares a registered workflow function. Immutable for the
// process lifetime.
type FunctionSpec struct {
	ID          string
	Name        string
	EventName   string        // trigger event; cron functions receive their synthetic event
	Cron        string        // optional cron expression; fires EventName
	Retries     int           // retries after the first attempt; maxAttempts = Retries + 1
	Concurrency int           // per-function semaphore size
	Timeout     time.Duration // per-attempt timeout; zero means no cap
	Handler     HandlerFunc
}

// MaxAttempts returns the total invocation budget for a run.
func (f FunctionSpec) MaxAttempts() int { return f.Retries + 1 }

// Registry maps function ids to specs and event names to subscribers.
type Registry struct {
	byID    map[string]FunctionSpec
	byEvent map[string][]FunctionSpec
	order   []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:    make(map[string]FunctionSpec),
		byEvent: make(map[string][]FunctionSpec),
	}
}

// Register adds a function. Duplicate ids and nil handlers are rejected
// so misconfiguration fails at startup, not at dispatch.
func (r *Registry) Register(spec FunctionSpec) error {
	if spec.ID == "" {
		return fmt.Errorf("function id is required")
	}
	if spec.EventName == "" {
		return fmt.Errorf("function %s: trigger event name is required", spec.ID)
	}
	if spec.Handler == nil {
		return fmt.Errorf("function %s: handler is required", spec.ID)
	}
	if _, exists := r.byID[spec.ID]; exists {
		return fmt.Errorf("duplicate function id %s", spec.ID)
	}
	if spec.Concurrency < 1 {
		spec.Concurrency = 1
	}
	if spec.Retries < 0 {
		spec.Retries = 0
	}
	r.byID[spec.ID] = spec
	r.byEvent[spec.EventName] = append(r.byEvent[spec.EventName], spec)
	r.order = append(r.order, spec.ID)
	return nil
}

// MustRegister registers or panics; used from the composition root where
// a bad registration is a programming error.
func (r *Registry) MustRegister(spec FunctionSpec) {
	if err := r.Register(spec); err != nil {
		panic(err)
	}
}

// ByEvent returns the functions subscribed to an event name.
func (r *Registry) ByEvent(name string) []FunctionSpec {
	return r.byEvent[name]
}

// ByID returns a function spec by id.
func (r *Registry) ByID(id string) (FunctionSpec, bool) {
	spec, ok := r.byID[id]
	return spec, ok
}

// CronSpecs returns all cron-triggered functions in registration order.
func (r *Registry) CronSpecs() []FunctionSpec {
	var out []FunctionSpec
	for _, id := range r.order {
		if spec := r.byID[id]; spec.Cron != "" {
			out = append(out, spec)
		}
	}
	return out
}
