package manager

import "github.com/RevCBH/switchyard/internal/model"

// dependent gates changes through shared queues: items merge speculatively
// on top of the items ahead, a required-job failure dequeues the item and
// resets everything behind it, and Depends-On changes enqueue as live items
// ahead in the same queue.
type dependent struct {
	*base
}

func (m *dependent) beginEnqueue() {}
func (m *dependent) endEnqueue()   {}

func (m *dependent) queueFor(change model.Change) *model.SharedQueue {
	return m.pipeline.GetQueue(change.Project())
}

func (m *dependent) reenqueueQueue(item *model.QueueItem, lastHead *model.QueueItem) *model.SharedQueue {
	return m.pipeline.GetQueue(item.Change.Project())
}

func (m *dependent) depsLive() bool { return true }

// readyToEnqueue requires the platform to accept a merge of the change,
// ignoring the statuses this pipeline will set itself.
func (m *dependent) readyToEnqueue(change model.Change) bool {
	ok, err := m.pipeline.Source.CanMerge(change, m.pipeline.AllowNeeds)
	if err != nil {
		m.log.Warnw("mergeability check failed", "change", change, "error", err)
		return false
	}
	return ok
}

func (m *dependent) abortsOnFailure() bool { return true }

// canReportSuccess holds successful items until they reach the queue head
// so changes merge in queue order.
func (m *dependent) canReportSuccess(item *model.QueueItem) bool {
	return item.ItemAhead == nil
}

func (m *dependent) onDequeued(q *model.SharedQueue) {}
