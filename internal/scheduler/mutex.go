package scheduler

import (
	"sync"

	"go.uber.org/zap"

	"github.com/RevCBH/switchyard/internal/model"
)

type mutexHolder struct {
	item    *model.QueueItem
	jobName string
}

// Mutexes enforces at most one concurrent build per named mutex across all
// pipelines. It is the sole arbiter: dispatch acquires before launching a
// mutex-bearing job and releases on terminal result or cancellation.
type Mutexes struct {
	mu   sync.Mutex
	log  *zap.SugaredLogger
	held map[string]mutexHolder
}

// NewMutexes returns an empty registry.
func NewMutexes(log *zap.SugaredLogger) *Mutexes {
	return &Mutexes{
		log:  log.Named("mutex"),
		held: make(map[string]mutexHolder),
	}
}

// Acquire grants the job's mutex to (item, job). Jobs without a mutex are
// always granted. Re-acquisition by the current holder is idempotent. A
// mutex whose holder's build already completed is reclaimed; that is an
// invariant violation and is logged.
func (m *Mutexes) Acquire(item *model.QueueItem, job *model.Job) bool {
	if job.Mutex == "" {
		return true
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	holder, ok := m.held[job.Mutex]
	if !ok {
		m.held[job.Mutex] = mutexHolder{item: item, jobName: job.Name}
		m.log.Debugw("mutex acquired", "mutex", job.Mutex, "job", job.Name)
		return true
	}
	if holder.item == item && holder.jobName == job.Name {
		return true
	}
	if m.holderFinished(holder) {
		m.log.Errorw("mutex held by completed build, reclaiming",
			"mutex", job.Mutex, "holder", holder.jobName)
		m.held[job.Mutex] = mutexHolder{item: item, jobName: job.Name}
		return true
	}
	return false
}

// Release returns the job's mutex. Releasing a mutex held by someone else
// (or not held at all) is logged and ignored.
func (m *Mutexes) Release(item *model.QueueItem, job *model.Job) {
	if job.Mutex == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	holder, ok := m.held[job.Mutex]
	if !ok {
		m.log.Errorw("release of unheld mutex", "mutex", job.Mutex, "job", job.Name)
		return
	}
	if holder.item != item || holder.jobName != job.Name {
		m.log.Errorw("release of mutex by non-holder",
			"mutex", job.Mutex, "job", job.Name, "holder", holder.jobName)
		return
	}
	delete(m.held, job.Mutex)
	m.log.Debugw("mutex released", "mutex", job.Mutex, "job", job.Name)
}

// holderFinished reports whether the holder's build on its item's current
// build set reached a terminal result (or no longer exists).
func (m *Mutexes) holderFinished(holder mutexHolder) bool {
	bs := holder.item.CurrentBuildSet
	if bs == nil {
		return true
	}
	build := bs.GetBuild(holder.jobName)
	if build == nil {
		return true
	}
	return build.Completed()
}
