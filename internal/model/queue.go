package model

import (
	"fmt"
	"time"
)

// SharedQueue is an ordered set of queue items whose projects share an
// ordering constraint. All linkage mutation goes through the queue so the
// item-ahead/items-behind invariants hold.
type SharedQueue struct {
	Name     string
	Projects []*Project
	Items    []*QueueItem

	// Dynamic queues are materialised per change by the independent
	// discipline and discarded when empty
	Dynamic bool
}

// NewSharedQueue returns an empty queue.
func NewSharedQueue(name string) *SharedQueue {
	return &SharedQueue{Name: name}
}

// AddProject registers a project with the queue.
func (q *SharedQueue) AddProject(p *Project) {
	for _, existing := range q.Projects {
		if existing.CanonicalName() == p.CanonicalName() {
			return
		}
	}
	q.Projects = append(q.Projects, p)
	if q.Name == "" {
		q.Name = p.Name
	}
}

// ContainsProject reports whether the project is ordered by this queue.
func (q *SharedQueue) ContainsProject(p *Project) bool {
	for _, existing := range q.Projects {
		if existing.CanonicalName() == p.CanonicalName() {
			return true
		}
	}
	return false
}

// EnqueueChange creates an item for the change and appends it.
func (q *SharedQueue) EnqueueChange(change Change, pipeline *Pipeline) *QueueItem {
	item := &QueueItem{
		Change:      change,
		EnqueueTime: time.Now(),
		Live:        true,
		Active:      true,
	}
	item.CurrentBuildSet = NewBuildSet(item)
	q.EnqueueItem(item, pipeline)
	return item
}

// EnqueueItem appends an existing item, linking it behind the current tail.
func (q *SharedQueue) EnqueueItem(item *QueueItem, pipeline *Pipeline) {
	item.Pipeline = pipeline
	item.Queue = q
	if n := len(q.Items); n > 0 {
		tail := q.Items[n-1]
		item.ItemAhead = tail
		tail.ItemsBehind = append(tail.ItemsBehind, item)
	}
	q.Items = append(q.Items, item)
}

// DequeueItem unlinks the item: its items-behind are re-attached to its
// item-ahead, and the item's pipeline and queue references are cleared.
func (q *SharedQueue) DequeueItem(item *QueueItem) {
	ahead := item.ItemAhead
	if ahead != nil {
		ahead.ItemsBehind = removeItem(ahead.ItemsBehind, item)
	}
	for _, behind := range item.ItemsBehind {
		behind.ItemAhead = ahead
		if ahead != nil {
			ahead.ItemsBehind = append(ahead.ItemsBehind, behind)
		}
	}
	q.Items = removeItem(q.Items, item)
	item.ItemAhead = nil
	item.ItemsBehind = nil
	item.Pipeline = nil
	item.Queue = nil
	item.DequeueTime = time.Now()
}

// MoveItem relinks item directly behind ahead (nil for queue head) and
// reorders the backing slice to match the link order. Returns true if the
// item's ancestor changed.
func (q *SharedQueue) MoveItem(item *QueueItem, ahead *QueueItem) bool {
	if item.ItemAhead == ahead {
		return false
	}
	if item.ItemAhead != nil {
		item.ItemAhead.ItemsBehind = removeItem(item.ItemAhead.ItemsBehind, item)
	}
	item.ItemAhead = ahead
	if ahead != nil {
		ahead.ItemsBehind = append(ahead.ItemsBehind, item)
	}
	return true
}

// Reorder rewrites the queue to the given item order and relinks every
// item's ahead/behind pointers to match. The items must be a permutation
// of the queue's contents.
func (q *SharedQueue) Reorder(items []*QueueItem) {
	q.Items = items
	var prev *QueueItem
	for _, item := range items {
		item.ItemAhead = prev
		item.ItemsBehind = nil
		if prev != nil {
			prev.ItemsBehind = append(prev.ItemsBehind, item)
		}
		prev = item
	}
}

// IsEmpty reports whether the queue holds no items.
func (q *SharedQueue) IsEmpty() bool {
	return len(q.Items) == 0
}

func removeItem(items []*QueueItem, item *QueueItem) []*QueueItem {
	out := items[:0]
	for _, i := range items {
		if i != item {
			out = append(out, i)
		}
	}
	return out
}

// QueueItem tracks one change through a pipeline. An item is live when its
// outcome should be reported; non-live items exist only as merge context
// for the items behind them.
type QueueItem struct {
	Change   Change
	Pipeline *Pipeline
	Queue    *SharedQueue

	// ItemAhead is nil iff the item is at queue head; the chain of
	// ItemAhead links is acyclic and is the reverse of ItemsBehind
	ItemAhead   *QueueItem
	ItemsBehind []*QueueItem

	// CurrentBuildSet is replaced on reset; prior build sets become
	// immutable history
	CurrentBuildSet *BuildSet
	BuildSets       []*BuildSet

	// JobTree holds the frozen jobs for the current build set; nil until
	// the speculative merge completes
	JobTree *JobTree

	EnqueueTime time.Time
	ReportTime  time.Time
	DequeueTime time.Time

	Live   bool
	Active bool

	ReportedStart         bool
	DequeuedNeedingChange bool

	// RetryCounts tracks re-dispatches per job name
	RetryCounts map[string]int
}

func (i *QueueItem) String() string {
	return fmt.Sprintf("<QueueItem %s>", i.Change)
}

// ResetBuildSet retires the current build set into history and starts a
// fresh one. The frozen job tree is discarded with it.
func (i *QueueItem) ResetBuildSet() {
	if i.CurrentBuildSet != nil {
		i.BuildSets = append(i.BuildSets, i.CurrentBuildSet)
	}
	i.CurrentBuildSet = NewBuildSet(i)
	i.JobTree = nil
}

// Detach clears all queue linkage, leaving the item free-standing. Used by
// reconfiguration before re-enqueueing onto a new pipeline.
func (i *QueueItem) Detach() {
	i.ItemAhead = nil
	i.ItemsBehind = nil
	i.Pipeline = nil
	i.Queue = nil
}

// Jobs returns the frozen jobs, or nil before the tree is frozen.
func (i *QueueItem) Jobs() []*Job {
	if i.JobTree == nil {
		return nil
	}
	return i.JobTree.Jobs()
}

// AreAllJobsComplete reports whether every frozen job has a terminal build.
func (i *QueueItem) AreAllJobsComplete() bool {
	if i.JobTree == nil {
		return false
	}
	for _, job := range i.Jobs() {
		b := i.CurrentBuildSet.GetBuild(job.Name)
		if b == nil || !b.Completed() {
			return false
		}
	}
	return true
}

// DidAllJobsSucceed reports whether every voting job completed successfully.
func (i *QueueItem) DidAllJobsSucceed() bool {
	if i.JobTree == nil {
		return false
	}
	for _, job := range i.Jobs() {
		if !job.Voting {
			continue
		}
		b := i.CurrentBuildSet.GetBuild(job.Name)
		if b == nil || b.Result != ResultSuccess {
			return false
		}
	}
	return true
}

// DidAnyJobFail reports whether any voting job reached a non-success
// terminal result.
func (i *QueueItem) DidAnyJobFail() bool {
	if i.JobTree == nil {
		return false
	}
	for _, job := range i.Jobs() {
		if !job.Voting {
			continue
		}
		b := i.CurrentBuildSet.GetBuild(job.Name)
		if b != nil && b.Completed() && b.Result != ResultSuccess {
			return true
		}
	}
	return false
}

// DidMergerFail reports whether the speculative merge failed.
func (i *QueueItem) DidMergerFail() bool {
	return i.CurrentBuildSet != nil && i.CurrentBuildSet.UnableToMerge
}

// AllBehind returns every item transitively behind this one, nearest first.
func (i *QueueItem) AllBehind() []*QueueItem {
	var out []*QueueItem
	for _, b := range i.ItemsBehind {
		out = append(out, b)
		out = append(out, b.AllBehind()...)
	}
	return out
}

// AheadChain returns the live ancestors of the item, furthest first,
// ending with the item itself.
func (i *QueueItem) AheadChain() []*QueueItem {
	var chain []*QueueItem
	for cur := i; cur != nil; cur = cur.ItemAhead {
		chain = append([]*QueueItem{cur}, chain...)
	}
	return chain
}
