// Package manager implements the per-pipeline state machines: the
// independent discipline (each change tested alone, dependencies as
// context) and the dependent discipline (shared queues with speculative
// merge ahead). All manager state is mutated on the scheduler goroutine.
package manager

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/RevCBH/switchyard/internal/events"
	"github.com/RevCBH/switchyard/internal/merger"
	"github.com/RevCBH/switchyard/internal/model"
)

// Mutexes arbitrates named job mutexes across pipelines.
type Mutexes interface {
	Acquire(item *model.QueueItem, job *model.Job) bool
	Release(item *model.QueueItem, job *model.Job)
}

// Merger submits speculative merges; completions arrive as result events.
type Merger interface {
	MergeChanges(buildSet *model.BuildSet, items []merger.MergeSpec, files []string, repoState map[string]string)
}

// Executor dispatches and cancels builds.
type Executor interface {
	Execute(job *model.Job, item *model.QueueItem, pipelineName string) (*model.Build, error)
	Cancel(build *model.Build)
}

// Nodes requests and reclaims node allocations.
type Nodes interface {
	RequestNodes(buildSet *model.BuildSet, job *model.Job) *model.NodeRequest
	ReturnNodeSet(nodeset *model.NodeSet)
}

// OverlayParser parses in-repo configuration content into an overlay.
type OverlayParser func(content string) (*model.ConfigOverlay, error)

// Recorder persists completed builds. Optional.
type Recorder interface {
	RecordBuild(tenant, pipeline string, build *model.Build)
}

// Deps bundles the collaborators a manager drives.
type Deps struct {
	Log          *zap.SugaredLogger
	Mutexes      Mutexes
	Merger       Merger
	Executor     Executor
	Nodes        Nodes
	Bus          *events.Bus
	ParseOverlay OverlayParser
	Results      Recorder
}

// New returns the manager for the pipeline's configured discipline.
func New(tenant *model.Tenant, pipeline *model.Pipeline, deps Deps) (model.PipelineManager, error) {
	b := &base{
		deps:     deps,
		log:      deps.Log.Named("manager." + pipeline.Name),
		tenant:   tenant,
		pipeline: pipeline,
	}
	switch pipeline.ManagerName {
	case model.ManagerIndependent, "":
		m := &independent{base: b}
		b.hooks = m
		return m, nil
	case model.ManagerDependent:
		m := &dependent{base: b}
		b.hooks = m
		return m, nil
	default:
		return nil, fmt.Errorf("unknown pipeline manager %q", pipeline.ManagerName)
	}
}

// hooks are the discipline-specific variation points of the shared state
// machine.
type hooks interface {
	// beginEnqueue / endEnqueue bracket one top-level AddChange or
	// ReEnqueueItem call
	beginEnqueue()
	endEnqueue()

	// queueFor returns (or materialises) the queue the change belongs on
	queueFor(change model.Change) *model.SharedQueue

	// reenqueueQueue chooses the queue for a reconfiguration re-enqueue
	reenqueueQueue(item *model.QueueItem, lastHead *model.QueueItem) *model.SharedQueue

	// depsLive reports whether Depends-On changes enqueue as live items
	depsLive() bool

	// readyToEnqueue runs discipline-specific admission checks
	readyToEnqueue(change model.Change) bool

	// abortsOnFailure reports whether a required-job failure dequeues
	// the item and resets the items behind it
	abortsOnFailure() bool

	// canReportSuccess gates success reporting on queue position
	canReportSuccess(item *model.QueueItem) bool

	// onDequeued lets the discipline clean up a queue after removal
	onDequeued(q *model.SharedQueue)
}
