// Package scheduler runs the single-threaded event loop at the core of the
// system: it drains the management, result and trigger queues in strict
// priority order, advances every pipeline manager to quiescence, and
// orchestrates reconfiguration, promotion and graceful exit.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/RevCBH/switchyard/internal/events"
	"github.com/RevCBH/switchyard/internal/manager"
	"github.com/RevCBH/switchyard/internal/model"
	"github.com/RevCBH/switchyard/internal/nodepool"
	"github.com/RevCBH/switchyard/internal/timedb"
)

// ConfigLoader produces tenant layouts and parses in-repo configuration.
type ConfigLoader interface {
	// LoadAbide builds a fresh abide from the tenant configuration path.
	LoadAbide() (*model.Abide, error)

	// LoadTenant rebuilds a single tenant.
	LoadTenant(name string) (*model.Tenant, error)

	// ParseOverlay parses in-repo configuration content.
	ParseOverlay(content string) (*model.ConfigOverlay, error)

	// InvalidateProject drops any cached configuration for the project.
	InvalidateProject(canonical string)
}

// MergerClient is the merge surface the scheduler and managers consume.
type MergerClient interface {
	manager.Merger
	AreMergesOutstanding() bool
}

// Options wire a scheduler.
type Options struct {
	Log      *zap.SugaredLogger
	StateDir string
	Loader   ConfigLoader
	Merger   MergerClient
	Executor manager.Executor
	Nodes    nodepool.Provisioner
	TimeDB   *timedb.DB
	Bus      *events.Bus
	Stats    *Stats

	// Results optionally persists completed builds
	Results manager.Recorder
}

// Scheduler owns the process-wide mutable state: the abide, the mutex
// registry, the time database and the trigger snapshot. All pipeline state
// is mutated only on the loop goroutine.
type Scheduler struct {
	log      *zap.SugaredLogger
	rootLog  *zap.SugaredLogger
	stateDir string
	loader   ConfigLoader
	merger   MergerClient
	executor manager.Executor
	nodes    nodepool.Provisioner
	timeDB   *timedb.DB
	bus      *events.Bus
	stats    *Stats
	recorder manager.Recorder

	mutexes *Mutexes

	// wake is signalled on every enqueue and state change
	wakeMu sync.Mutex
	wake   *sync.Cond

	management *events.Queue[events.ManagementEvent]
	results    *events.Queue[events.ResultEvent]
	triggers   *events.Queue[*model.TriggerEvent]

	// runHandler is held for one drain-and-process sweep; the status
	// snapshotter takes it to observe consistent state
	runHandler sync.Mutex

	// layoutLock serialises reconfigure operations
	layoutLock sync.Mutex

	mu      sync.Mutex
	paused  bool
	exiting bool
	stopped bool

	abide *model.Abide
}

// New returns an unstarted scheduler.
func New(opts Options) *Scheduler {
	s := &Scheduler{
		log:      opts.Log.Named("scheduler"),
		rootLog:  opts.Log,
		stateDir: opts.StateDir,
		loader:   opts.Loader,
		merger:   opts.Merger,
		executor: opts.Executor,
		nodes:    opts.Nodes,
		timeDB:   opts.TimeDB,
		bus:      opts.Bus,
		stats:    opts.Stats,
		recorder: opts.Results,
		abide:    model.NewAbide(),
	}
	s.mutexes = NewMutexes(opts.Log)
	s.wake = sync.NewCond(&s.wakeMu)
	s.management = events.NewQueue[events.ManagementEvent](s.wake)
	s.results = events.NewQueue[events.ResultEvent](s.wake)
	s.triggers = events.NewQueue[*model.TriggerEvent](s.wake)
	return s
}

// Queues used by external producers.

// AddTriggerEvent enqueues an external change event. Safe from any
// goroutine.
func (s *Scheduler) AddTriggerEvent(ev *model.TriggerEvent) {
	s.triggers.Put(ev)
}

// AddResultEvent enqueues an internal completion event. Safe from any
// goroutine.
func (s *Scheduler) AddResultEvent(ev events.ResultEvent) {
	s.results.Put(ev)
}

// AddManagementEvent enqueues a control-plane operation. The caller waits
// on the event's completion signal.
func (s *Scheduler) AddManagementEvent(ev events.ManagementEvent) {
	s.management.Put(ev)
}

// ResultQueue exposes the result queue for client wiring.
func (s *Scheduler) ResultQueue() *events.Queue[events.ResultEvent] {
	return s.results
}

// SetClients wires the collaborators constructed after the scheduler:
// the gateway clients feed its result queue and the loader fetches
// in-repo configuration through the merger. Must be called before Prime.
func (s *Scheduler) SetClients(loader ConfigLoader, m MergerClient, e manager.Executor, n nodepool.Provisioner) {
	s.loader = loader
	s.merger = m
	s.executor = e
	s.nodes = n
}

// Abide returns the current abide. Callers other than the loop goroutine
// must hold the run-handler lock (see WithLock).
func (s *Scheduler) Abide() *model.Abide {
	return s.abide
}

// Mutexes returns the mutex registry.
func (s *Scheduler) Mutexes() *Mutexes {
	return s.mutexes
}

// WithLock runs fn under the run-handler lock so it observes a consistent
// snapshot of pipeline state.
func (s *Scheduler) WithLock(fn func()) {
	s.runHandler.Lock()
	defer s.runHandler.Unlock()
	fn()
}

// Pause delays trigger-queue draining; results and management still flow.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
	s.signal()
}

// Resume lifts a pause.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	s.signal()
}

// Exit pauses the trigger queue and lets the loop terminate once all
// builds are complete, persisting the pending trigger queue first.
func (s *Scheduler) Exit() {
	s.mu.Lock()
	s.paused = true
	s.exiting = true
	s.mu.Unlock()
	s.signal()
}

// Stop terminates the loop without waiting for quiescence.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.signal()
}

func (s *Scheduler) signal() {
	s.wakeMu.Lock()
	s.wake.Broadcast()
	s.wakeMu.Unlock()
}

// Prime performs the initial configuration load and restores a pending
// trigger-queue snapshot, if any.
func (s *Scheduler) Prime() error {
	if err := s.doReconfigure(); err != nil {
		return fmt.Errorf("initial configuration: %w", err)
	}
	restored, err := s.loadSnapshot()
	if err != nil {
		s.log.Warnw("snapshot restore failed", "error", err)
	} else if restored > 0 {
		s.log.Infow("trigger queue restored from snapshot", "events", restored)
	}
	return nil
}

// Run executes the loop until Stop, context cancellation, or a completed
// graceful exit.
func (s *Scheduler) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	for {
		s.waitForWork()
		s.mu.Lock()
		stopped := s.stopped
		s.mu.Unlock()
		if stopped {
			s.log.Infow("scheduler stopped")
			return ctx.Err()
		}
		s.runOnce()
		s.mu.Lock()
		exiting := s.exiting
		s.mu.Unlock()
		if exiting && s.quiescent() {
			if err := s.saveSnapshot(); err != nil {
				s.log.Errorw("snapshot save failed", "error", err)
			}
			if s.bus != nil {
				s.bus.Emit(events.ObserverEvent{Type: events.SchedulerExit})
			}
			s.log.Infow("graceful exit complete")
			return nil
		}
	}
}

func (s *Scheduler) waitForWork() {
	s.wakeMu.Lock()
	defer s.wakeMu.Unlock()
	for !s.hasWork() {
		s.wake.Wait()
	}
}

// hasWork is called with wakeMu held.
func (s *Scheduler) hasWork() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return true
	}
	if s.management.Len() > 0 || s.results.Len() > 0 {
		return true
	}
	if s.exiting {
		// While draining toward exit the loop sleeps until a completion
		// arrives; once quiescent it runs the final snapshot sweep.
		return s.quiescent()
	}
	return !s.paused && s.triggers.Len() > 0
}

// runOnce performs one drain-and-process sweep under the run-handler lock:
// management, then results, then triggers, then every pipeline manager to
// quiescence. A panic while handling one event is logged and the wake
// condition re-set; events are never silently dropped.
func (s *Scheduler) runOnce() {
	s.runHandler.Lock()
	defer s.runHandler.Unlock()
	start := time.Now()

	for {
		ev, ok := s.management.TryGet()
		if !ok {
			break
		}
		s.countEvent("management")
		s.safely(func() { s.processManagementEvent(ev) })
	}
	for {
		ev, ok := s.results.TryGet()
		if !ok {
			break
		}
		s.countEvent("result")
		s.safely(func() { s.processResultEvent(ev) })
	}
	s.mu.Lock()
	paused := s.paused
	s.mu.Unlock()
	if !paused {
		for {
			ev, ok := s.triggers.TryGet()
			if !ok {
				break
			}
			s.countEvent("trigger")
			s.safely(func() { s.processTriggerEvent(ev) })
		}
	}

	for _, tenant := range s.abide.OrderedTenants() {
		for _, pipeline := range tenant.Layout.Pipelines {
			if pipeline.Manager == nil {
				continue
			}
			for {
				progressed := false
				s.safely(func() { progressed = pipeline.Manager.ProcessQueue() })
				if !progressed {
					break
				}
			}
			if s.stats != nil {
				s.stats.ItemsInPipeline.WithLabelValues(tenant.Name, pipeline.Name).
					Set(float64(len(pipeline.AllItems())))
			}
		}
	}
	s.maintainSourceCaches()
	if s.stats != nil {
		s.stats.SweepDuration.Observe(time.Since(start).Seconds())
		s.stats.QueueDepth.WithLabelValues("management").Set(float64(s.management.Len()))
		s.stats.QueueDepth.WithLabelValues("result").Set(float64(s.results.Len()))
		s.stats.QueueDepth.WithLabelValues("trigger").Set(float64(s.triggers.Len()))
	}
}

// safely runs fn, recovering panics so a bad event cannot take down the
// loop; remaining work is re-attempted on the next sweep.
func (s *Scheduler) safely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorw("panic in scheduler sweep", "panic", r)
			s.signal()
		}
	}()
	fn()
}

func (s *Scheduler) countEvent(queue string) {
	if s.stats != nil {
		s.stats.EventsProcessed.WithLabelValues(queue).Inc()
	}
}

// quiescent reports whether all builds and merges have completed.
func (s *Scheduler) quiescent() bool {
	if s.merger != nil && s.merger.AreMergesOutstanding() {
		return false
	}
	for _, tenant := range s.abide.OrderedTenants() {
		for _, pipeline := range tenant.Layout.Pipelines {
			for _, item := range pipeline.AllItems() {
				bs := item.CurrentBuildSet
				if bs == nil {
					continue
				}
				for _, build := range bs.Builds {
					if !build.Completed() {
						return false
					}
				}
			}
		}
	}
	return true
}

// maintainSourceCaches trims each source's change cache to the changes
// still enqueued somewhere.
func (s *Scheduler) maintainSourceCaches() {
	relevant := make(map[model.Source][]model.Change)
	for _, tenant := range s.abide.OrderedTenants() {
		for _, pipeline := range tenant.Layout.Pipelines {
			if pipeline.Source == nil {
				continue
			}
			for _, item := range pipeline.AllItems() {
				relevant[pipeline.Source] = append(relevant[pipeline.Source], item.Change)
			}
		}
	}
	for source, changes := range relevant {
		source.MaintainCache(changes)
	}
}

// managerDeps builds the collaborator bundle handed to pipeline managers.
func (s *Scheduler) managerDeps() manager.Deps {
	return manager.Deps{
		Log:          s.rootLog,
		Mutexes:      s.mutexes,
		Merger:       s.merger,
		Executor:     s.executor,
		Nodes:        s.nodes,
		Bus:          s.bus,
		ParseOverlay: s.loader.ParseOverlay,
		Results:      s.recorder,
	}
}
