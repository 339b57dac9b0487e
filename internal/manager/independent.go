package manager

import (
	"slices"

	"github.com/RevCBH/switchyard/internal/model"
)

// independent tests each change on its own: a fresh dynamic queue is
// materialised per change, and Depends-On changes ride along as non-live
// context items ahead of it.
type independent struct {
	*base

	// session is the dynamic queue shared by one top-level enqueue so a
	// change and its context items land together
	session *model.SharedQueue
}

func (m *independent) beginEnqueue() {
	m.session = nil
}

func (m *independent) endEnqueue() {
	if m.session != nil && m.session.IsEmpty() {
		m.pipeline.RemoveQueue(m.session)
	}
	m.session = nil
}

func (m *independent) queueFor(change model.Change) *model.SharedQueue {
	if m.session == nil {
		q := model.NewSharedQueue(change.Project().Name)
		q.Dynamic = true
		q.AddProject(change.Project())
		m.pipeline.AddQueue(q)
		m.session = q
	} else {
		m.session.AddProject(change.Project())
	}
	return m.session
}

func (m *independent) reenqueueQueue(item *model.QueueItem, lastHead *model.QueueItem) *model.SharedQueue {
	// Keep context chains together: re-enter the queue the previous head
	// of this chain was re-enqueued on
	if lastHead != nil && lastHead.Queue != nil {
		lastHead.Queue.AddProject(item.Change.Project())
		return lastHead.Queue
	}
	return m.queueFor(item.Change)
}

func (m *independent) depsLive() bool { return false }

func (m *independent) readyToEnqueue(change model.Change) bool { return true }

func (m *independent) abortsOnFailure() bool { return false }

func (m *independent) canReportSuccess(item *model.QueueItem) bool { return true }

// onDequeued drops context items nothing live depends on any more, then
// the dynamic queue itself once empty.
func (m *independent) onDequeued(q *model.SharedQueue) {
	if !q.Dynamic {
		return
	}
	for _, item := range slices.Clone(q.Items) {
		if item.Live || item.Queue == nil {
			continue
		}
		if !hasLiveBehind(item) {
			m.CancelJobs(item)
			q.DequeueItem(item)
		}
	}
	if q.IsEmpty() {
		m.pipeline.RemoveQueue(q)
	}
}

func hasLiveBehind(item *model.QueueItem) bool {
	for _, b := range item.AllBehind() {
		if b.Live {
			return true
		}
	}
	return false
}
