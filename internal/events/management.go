package events

import "github.com/RevCBH/switchyard/internal/model"

// ManagementEvent is a control-plane operation. It carries a completion
// signal so the caller can synchronously wait for the scheduler to apply
// it; any processing error propagates back on the signal.
type ManagementEvent interface {
	// Wait blocks until the scheduler processed the event and returns
	// the processing error, if any.
	Wait() error

	// Done resolves the completion signal. Called exactly once by the
	// scheduler loop.
	Done(err error)
}

type completion struct {
	ch chan error
}

func newCompletion() completion {
	return completion{ch: make(chan error, 1)}
}

func (c completion) Wait() error {
	return <-c.ch
}

func (c completion) Done(err error) {
	c.ch <- err
}

// ReconfigureEvent asks the scheduler to reload the full tenant
// configuration and migrate live queue items onto the new layout.
type ReconfigureEvent struct {
	completion
}

// NewReconfigureEvent returns a full-reconfigure request.
func NewReconfigureEvent() *ReconfigureEvent {
	return &ReconfigureEvent{completion: newCompletion()}
}

// TenantReconfigureEvent rebuilds a single tenant in place. Project, when
// set, names the project whose cached in-repo configuration triggered the
// rebuild.
type TenantReconfigureEvent struct {
	completion
	Tenant  string
	Project string
}

// NewTenantReconfigureEvent returns a single-tenant reconfigure request.
func NewTenantReconfigureEvent(tenant, project string) *TenantReconfigureEvent {
	return &TenantReconfigureEvent{completion: newCompletion(), Tenant: tenant, Project: project}
}

// PromoteEvent moves the named changes to the front of their shared queue
// in the given order.
type PromoteEvent struct {
	completion
	Tenant   string
	Pipeline string

	// Changes are change ids formatted "<number>,<patchset>"
	Changes []string
}

// NewPromoteEvent returns a promote request.
func NewPromoteEvent(tenant, pipeline string, changes []string) *PromoteEvent {
	return &PromoteEvent{completion: newCompletion(), Tenant: tenant, Pipeline: pipeline, Changes: changes}
}

// EnqueueEvent force-enqueues the change described by the trigger event
// into the named pipeline, bypassing requirement filters.
type EnqueueEvent struct {
	completion
	Tenant   string
	Pipeline string
	Event    *model.TriggerEvent
}

// NewEnqueueEvent returns a forced-enqueue request.
func NewEnqueueEvent(tenant, pipeline string, event *model.TriggerEvent) *EnqueueEvent {
	return &EnqueueEvent{completion: newCompletion(), Tenant: tenant, Pipeline: pipeline, Event: event}
}
