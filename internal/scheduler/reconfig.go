package scheduler

import (
	"fmt"
	"slices"

	"github.com/RevCBH/switchyard/internal/events"
	"github.com/RevCBH/switchyard/internal/manager"
	"github.com/RevCBH/switchyard/internal/model"
)

// processManagementEvent applies one control-plane operation and resolves
// its completion signal.
func (s *Scheduler) processManagementEvent(ev events.ManagementEvent) {
	var err error
	switch e := ev.(type) {
	case *events.ReconfigureEvent:
		err = s.doReconfigure()
	case *events.TenantReconfigureEvent:
		err = s.doTenantReconfigure(e.Tenant)
	case *events.PromoteEvent:
		err = s.doPromote(e)
	case *events.EnqueueEvent:
		err = s.doEnqueue(e)
	default:
		err = fmt.Errorf("unknown management event %T", ev)
	}
	ev.Done(err)
}

// doReconfigure replaces the abide wholesale and migrates every live queue
// item from the old layout onto the new one. On load failure the old abide
// stays in effect.
func (s *Scheduler) doReconfigure() error {
	s.layoutLock.Lock()
	defer s.layoutLock.Unlock()

	newAbide, err := s.loader.LoadAbide()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	for _, tenant := range newAbide.OrderedTenants() {
		if err := s.attachManagers(tenant); err != nil {
			return err
		}
	}

	old := s.abide
	s.abide = newAbide
	for _, oldTenant := range old.OrderedTenants() {
		s.reenqueueTenant(oldTenant, newAbide.Tenants[oldTenant.Name])
	}

	s.log.Infow("configuration loaded", "tenants", len(newAbide.Tenants))
	if s.stats != nil {
		s.stats.Reconfigures.Inc()
	}
	if s.bus != nil {
		s.bus.Emit(events.ObserverEvent{Type: events.Reconfigured})
	}
	s.signal()
	return nil
}

// doTenantReconfigure rebuilds one tenant in place, leaving the others
// untouched.
func (s *Scheduler) doTenantReconfigure(name string) error {
	s.layoutLock.Lock()
	defer s.layoutLock.Unlock()

	newTenant, err := s.loader.LoadTenant(name)
	if err != nil {
		return fmt.Errorf("loading tenant %s: %w", name, err)
	}
	if err := s.attachManagers(newTenant); err != nil {
		return err
	}

	old := s.abide.Tenants[name]
	s.abide.AddTenant(newTenant)
	if old != nil {
		s.reenqueueTenant(old, newTenant)
	}

	s.log.Infow("tenant configuration loaded", "tenant", name)
	if s.stats != nil {
		s.stats.Reconfigures.Inc()
	}
	if s.bus != nil {
		s.bus.Emit(events.ObserverEvent{Type: events.Reconfigured, Tenant: name})
	}
	s.signal()
	return nil
}

func (s *Scheduler) attachManagers(tenant *model.Tenant) error {
	deps := s.managerDeps()
	for _, pipeline := range tenant.Layout.Pipelines {
		mgr, err := manager.New(tenant, pipeline, deps)
		if err != nil {
			return fmt.Errorf("tenant %s: %w", tenant.Name, err)
		}
		pipeline.Manager = mgr
	}
	return nil
}

// reenqueueTenant migrates the old tenant's live items onto the new
// tenant's pipelines. Items whose pipeline or project vanished are
// cancelled; re-enqueued items keep the builds whose jobs survived the
// layout change. newTenant is nil when the tenant itself was removed.
func (s *Scheduler) reenqueueTenant(oldTenant, newTenant *model.Tenant) {
	for _, oldPipeline := range oldTenant.Layout.Pipelines {
		var newPipeline *model.Pipeline
		if newTenant != nil {
			newPipeline = newTenant.Layout.GetPipeline(oldPipeline.Name)
		}
		if newPipeline == nil || newPipeline.Manager == nil {
			for _, item := range oldPipeline.AllItems() {
				s.log.Infow("cancelling item of removed pipeline",
					"tenant", oldTenant.Name, "pipeline", oldPipeline.Name, "item", item)
				s.cancelItemBuilds(item)
			}
			continue
		}

		for _, q := range oldPipeline.Queues {
			// Only original queue heads anchor re-enqueue placement, so
			// lastHead is tracked before the items detach.
			var lastHead *model.QueueItem
			for _, item := range slices.Clone(q.Items) {
				if item.ItemAhead == nil {
					lastHead = item
				}
				item.Detach()

				canonical := item.Change.Project().CanonicalName()
				newProject := newTenant.Layout.GetProject(canonical)
				if newProject == nil {
					s.log.Infow("cancelling item of removed project",
						"tenant", oldTenant.Name, "item", item)
					s.cancelItemBuilds(item)
					continue
				}
				item.Change.SetProject(newProject)

				if !newPipeline.Manager.ReEnqueueItem(item, lastHead) {
					s.log.Warnw("item could not be re-enqueued", "item", item)
					s.cancelItemBuilds(item)
					continue
				}
				s.reconcileBuilds(item)
			}
		}
	}
}

// reconcileBuilds drops a re-enqueued item's builds whose jobs no longer
// exist in the re-frozen job tree; surviving builds carry over.
func (s *Scheduler) reconcileBuilds(item *model.QueueItem) {
	bs := item.CurrentBuildSet
	if bs == nil || item.JobTree == nil {
		return
	}
	for name, build := range bs.Builds {
		if item.JobTree.Find(name) != nil {
			continue
		}
		s.log.Infow("cancelling build of removed job", "item", item, "job", name)
		if !build.Completed() {
			s.executor.Cancel(build)
			s.mutexes.Release(item, build.Job)
		}
		bs.RemoveBuild(name)
		if ns := bs.Nodesets[name]; ns != nil && !ns.Returned {
			s.nodes.ReturnNodeSet(ns)
		}
		delete(bs.Nodesets, name)
		delete(bs.NodeRequests, name)
	}
}

// cancelItemBuilds stops an item's running builds and reclaims its node
// allocations when the item is being dropped outside its manager.
func (s *Scheduler) cancelItemBuilds(item *model.QueueItem) {
	bs := item.CurrentBuildSet
	if bs == nil {
		return
	}
	for _, build := range bs.Builds {
		if !build.Completed() {
			s.executor.Cancel(build)
			s.mutexes.Release(item, build.Job)
		}
	}
	for name, ns := range bs.Nodesets {
		if ns != nil && !ns.Returned {
			s.nodes.ReturnNodeSet(ns)
		}
		delete(bs.Nodesets, name)
	}
}

// doPromote moves the named changes to the head of their shared queue in
// the given order. Promoted items keep their builds; everything displaced
// behind them restarts against the new merge basis.
func (s *Scheduler) doPromote(e *events.PromoteEvent) error {
	tenant := s.abide.Tenants[e.Tenant]
	if tenant == nil {
		return fmt.Errorf("unknown tenant %q", e.Tenant)
	}
	pipeline := tenant.Layout.GetPipeline(e.Pipeline)
	if pipeline == nil {
		return fmt.Errorf("unknown pipeline %q in tenant %q", e.Pipeline, e.Tenant)
	}

	var q *model.SharedQueue
	var promoted []*model.QueueItem
	for _, id := range e.Changes {
		item := findItemByID(pipeline, id)
		if item == nil {
			return fmt.Errorf("change %s not found in pipeline %s", id, e.Pipeline)
		}
		if q == nil {
			q = item.Queue
		} else if item.Queue != q {
			return fmt.Errorf("change %s is in a different queue", id)
		}
		promoted = append(promoted, item)
	}
	if q == nil {
		return nil
	}

	inPromoted := make(map[*model.QueueItem]bool, len(promoted))
	for _, item := range promoted {
		inPromoted[item] = true
	}
	order := slices.Clone(promoted)
	for _, item := range q.Items {
		if !inPromoted[item] {
			order = append(order, item)
		}
	}
	q.Reorder(order)

	for _, item := range q.Items {
		if inPromoted[item] {
			continue
		}
		if mgr := pipeline.Manager; mgr != nil {
			mgr.CancelJobs(item)
		}
		item.ResetBuildSet()
	}

	s.log.Infow("changes promoted", "tenant", e.Tenant, "pipeline", e.Pipeline,
		"changes", e.Changes)
	s.signal()
	return nil
}

// findItemByID resolves a "<number>,<patchset>" change id within a
// pipeline.
func findItemByID(pipeline *model.Pipeline, id string) *model.QueueItem {
	for _, item := range pipeline.AllItems() {
		pr, ok := item.Change.(*model.PullRequest)
		if !ok {
			continue
		}
		if fmt.Sprintf("%d,%s", pr.Number, pr.PatchsetID) == id {
			return item
		}
	}
	return nil
}

// doEnqueue force-enqueues the change described by the event, bypassing
// the pipeline's requirement filters.
func (s *Scheduler) doEnqueue(e *events.EnqueueEvent) error {
	tenant := s.abide.Tenants[e.Tenant]
	if tenant == nil {
		return fmt.Errorf("unknown tenant %q", e.Tenant)
	}
	pipeline := tenant.Layout.GetPipeline(e.Pipeline)
	if pipeline == nil {
		return fmt.Errorf("unknown pipeline %q in tenant %q", e.Pipeline, e.Tenant)
	}
	if pipeline.Source == nil || pipeline.Manager == nil {
		return fmt.Errorf("pipeline %q has no source", e.Pipeline)
	}
	if e.Event.Connection == "" {
		e.Event.Connection = pipeline.Source.Name()
	}
	change, err := pipeline.Source.GetChange(e.Event)
	if err != nil {
		return fmt.Errorf("resolving change: %w", err)
	}
	if !pipeline.Manager.AddChange(change, model.EnqueueOptions{IgnoreRequirements: true}) {
		return fmt.Errorf("change %s could not be enqueued", change)
	}
	s.log.Infow("change force-enqueued", "tenant", e.Tenant,
		"pipeline", e.Pipeline, "change", change)
	s.signal()
	return nil
}
