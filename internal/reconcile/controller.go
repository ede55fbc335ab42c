package reconcile

import (
	"context"
	"fmt"
	"log"
	"slices"
	"strings"
	"sync"

	"github.com/proxypal/proxypal/internal/config/store"
	"github.com/proxypal/proxypal/internal/launch"
	"github.com/proxypal/proxypal/internal/status"
)

// ConfigStore persists documents.
type ConfigStore interface {
	Current() store.Document
	Save(store.Document) error
}

// Processes is the part of the supervisor the controller drives.
type Processes interface {
	Running(kind status.Kind) bool
	Restart(ctx context.Context, kind status.Kind, spec launch.Spec) error
	Stop(ctx context.Context, kind status.Kind) error
	Prime(kind status.Kind, port int, endpoint string)
}

// PartialFailureError reports that the configuration was saved but one or
// more processes could not be brought in line with it. Each failed kind
// needs a fresh start; the configuration need not be resubmitted.
type PartialFailureError struct {
	Failures map[status.Kind]error
}

func (e *PartialFailureError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, kind := range e.Kinds() {
		parts = append(parts, fmt.Sprintf("%s: %v", kind, e.Failures[kind]))
	}
	return "reconcile: configuration saved, process update failed: " + strings.Join(parts, "; ")
}

// Unwrap exposes the per-kind errors to errors.Is and errors.As.
func (e *PartialFailureError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, kind := range e.Kinds() {
		errs = append(errs, e.Failures[kind])
	}
	return errs
}

// Kinds lists the failed kinds in a stable order.
func (e *PartialFailureError) Kinds() []status.Kind {
	kinds := make([]status.Kind, 0, len(e.Failures))
	for kind := range e.Failures {
		kinds = append(kinds, kind)
	}
	slices.Sort(kinds)
	return kinds
}

// Result describes what Apply did.
type Result struct {
	Decision  Decision        `json:"decision"`
	Restarted []status.Kind   `json:"restarted"`
	Stopped   []status.Kind   `json:"stopped"`
	Snapshot  status.Snapshot `json:"snapshot"`
}

// Options configures a Controller.
type Options struct {
	Store     ConfigStore
	Processes Processes
	Registry  *status.Registry
	Builder   *launch.Builder
}

// Controller is the only writer of the configuration document.
type Controller struct {
	mu        sync.Mutex
	store     ConfigStore
	processes Processes
	registry  *status.Registry
	builder   *launch.Builder
}

// New creates a controller.
func New(opts Options) *Controller {
	return &Controller{
		store:     opts.Store,
		processes: opts.Processes,
		registry:  opts.Registry,
		builder:   opts.Builder,
	}
}

// Plan is the package-level Plan using this controller's builder.
func (c *Controller) Plan(oldDoc, newDoc store.Document) Decision {
	return Plan(c.builder, oldDoc, newDoc)
}

// ApplyDocument applies newDoc against the currently committed document.
func (c *Controller) ApplyDocument(ctx context.Context, newDoc store.Document) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.applyLocked(ctx, c.store.Current(), newDoc)
}

// Apply persists newDoc and then restarts or stops the running processes
// the change affects. When persisting fails, no process is touched and the
// *store.PersistenceError is returned. When a process update fails, the
// document stays saved and a *PartialFailureError is returned. Calls are
// serialized.
func (c *Controller) Apply(ctx context.Context, oldDoc, newDoc store.Document) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.applyLocked(ctx, oldDoc, newDoc)
}

func (c *Controller) applyLocked(ctx context.Context, oldDoc, newDoc store.Document) (Result, error) {
	result := Result{Decision: c.Plan(oldDoc, newDoc)}

	if err := c.store.Save(newDoc); err != nil {
		result.Snapshot = c.registry.Snapshot()
		return result, err
	}
	committed := c.store.Current()
	result.Decision = c.Plan(oldDoc, committed)

	failures := make(map[status.Kind]error)
	for _, step := range result.Decision.Steps {
		if step.Action == ActionNone || !c.processes.Running(step.Kind) {
			continue
		}

		switch step.Action {
		case ActionStop:
			if err := c.processes.Stop(ctx, step.Kind); err != nil {
				failures[step.Kind] = err
				continue
			}
			result.Stopped = append(result.Stopped, step.Kind)
		case ActionRestart:
			spec, err := c.builder.Build(step.Kind, committed)
			if err != nil {
				failures[step.Kind] = err
				continue
			}
			if err := c.processes.Restart(ctx, step.Kind, spec); err != nil {
				failures[step.Kind] = err
				continue
			}
			result.Restarted = append(result.Restarted, step.Kind)
		}
		log.Printf("[Reconcile] %s: %s (%s)", step.Kind, step.Action, step.Reason)
	}

	// Kinds left stopped advertise where the committed document puts them.
	for _, kind := range status.Kinds() {
		if spec, err := c.builder.Build(kind, committed); err == nil {
			c.processes.Prime(kind, spec.Port, spec.Endpoint)
		}
	}

	result.Snapshot = c.registry.Snapshot()
	if len(failures) > 0 {
		err := &PartialFailureError{Failures: failures}
		log.Printf("[Reconcile] %v", err)
		return result, err
	}
	return result, nil
}
