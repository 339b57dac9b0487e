package model

import "time"

// Manager disciplines.
const (
	ManagerIndependent = "independent"
	ManagerDependent   = "dependent"
)

// EnqueueOptions modify PipelineManager.AddChange.
type EnqueueOptions struct {
	// EnqueueTime overrides the item's enqueue timestamp (preserved
	// across promote and re-enqueue)
	EnqueueTime time.Time

	// Quiet suppresses the start report
	Quiet bool

	// IgnoreRequirements bypasses the pipeline's requirement filters
	// (operator-forced enqueue)
	IgnoreRequirements bool
}

// PipelineManager is the per-pipeline state machine. Two disciplines
// implement it: independent (each change tested alone, with dependencies as
// context) and dependent (a shared queue with speculative merge ahead).
// All methods run on the scheduler goroutine.
type PipelineManager interface {
	// AddChange enqueues a change, respecting pipeline requirements and
	// dependency resolution. Returns true if the change is in the
	// pipeline afterwards (including when it already was).
	AddChange(change Change, opts EnqueueOptions) bool

	// RemoveOldVersionsOfChange purges items whose change is an older
	// patchset of the given change. Idempotent.
	RemoveOldVersionsOfChange(change Change)

	// RemoveAbandonedChange removes the change from the pipeline.
	RemoveAbandonedChange(change Change)

	// DequeueItem cancels the item's jobs and removes it.
	DequeueItem(item *QueueItem)

	// CancelJobs stops all running builds of the item, releasing mutexes
	// and returning unused node allocations.
	CancelJobs(item *QueueItem)

	// ReEnqueueItem re-attaches a detached item during reconfiguration.
	ReEnqueueItem(item *QueueItem, lastHead *QueueItem) bool

	// EventMatches reports whether any trigger filter matches.
	EventMatches(event *TriggerEvent, change Change) bool

	OnBuildStarted(build *Build) bool
	OnBuildCompleted(build *Build) bool
	OnMergeCompleted(buildSet *BuildSet, merged bool, commit string, files map[string]string, repoState map[string]string) bool
	OnNodesProvisioned(buildSet *BuildSet, jobName string, nodes *NodeSet) bool

	// ProcessQueue advances every item one step; returns whether any
	// progress was made.
	ProcessQueue() bool
}

// Pipeline is a configured processing discipline producing reports for
// changes.
type Pipeline struct {
	Name        string
	Description string

	// ManagerName selects the discipline; Manager is attached by the
	// scheduler after layout construction
	ManagerName string
	Manager     PipelineManager

	// Source is the connection changes are fetched from and reported to
	Source Source

	Triggers []*EventFilter
	Requires []*RequireFilter

	Queues []*SharedQueue

	// Reporter action sets
	StartActions        []Reporter
	SuccessActions      []Reporter
	FailureActions      []Reporter
	MergeFailureActions []Reporter
	DisabledActions     []Reporter

	// AllowNeeds lists status contexts the pipeline itself will set;
	// CanMerge checks ignore missing statuses named here
	AllowNeeds map[string]bool

	// DisableAfter flips the pipeline to the disabled action set after
	// this many consecutive failures; zero disables the mechanism
	DisableAfter int

	ConsecutiveFailures int
	Disabled            bool
}

// GetQueue returns the static shared queue ordering the project, or nil.
func (p *Pipeline) GetQueue(project *Project) *SharedQueue {
	for _, q := range p.Queues {
		if q.ContainsProject(project) {
			return q
		}
	}
	return nil
}

// AddQueue appends a queue to the pipeline.
func (p *Pipeline) AddQueue(q *SharedQueue) {
	p.Queues = append(p.Queues, q)
}

// RemoveQueue drops a (dynamic) queue from the pipeline.
func (p *Pipeline) RemoveQueue(q *SharedQueue) {
	out := p.Queues[:0]
	for _, existing := range p.Queues {
		if existing != q {
			out = append(out, existing)
		}
	}
	p.Queues = out
}

// AllItems returns every enqueued item across all queues in queue order.
func (p *Pipeline) AllItems() []*QueueItem {
	var out []*QueueItem
	for _, q := range p.Queues {
		out = append(out, q.Items...)
	}
	return out
}

// FindItem returns the enqueued item for an equal change, or nil.
func (p *Pipeline) FindItem(change Change) *QueueItem {
	for _, item := range p.AllItems() {
		if item.Change.Equals(change) {
			return item
		}
	}
	return nil
}

// RecordResult updates the consecutive-failure accounting after a terminal
// report.
func (p *Pipeline) RecordResult(succeeded bool) {
	if succeeded {
		p.ConsecutiveFailures = 0
		return
	}
	p.ConsecutiveFailures++
	if p.DisableAfter > 0 && p.ConsecutiveFailures >= p.DisableAfter {
		p.Disabled = true
	}
}
