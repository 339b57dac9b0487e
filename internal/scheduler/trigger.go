package scheduler

import (
	"errors"
	"slices"
	"strings"

	"github.com/RevCBH/switchyard/internal/events"
	"github.com/RevCBH/switchyard/internal/model"
)

// processTriggerEvent resolves the event to a change snapshot once per
// tenant and forwards it to every pipeline whose trigger filters match. It
// also detects updates to in-repo configuration and schedules the affected
// tenant's rebuild.
func (s *Scheduler) processTriggerEvent(ev *model.TriggerEvent) {
	for _, tenant := range s.abide.OrderedTenants() {
		if tenant.Layout.ProjectConfigs[ev.Canonical()] == nil {
			continue
		}
		source := s.tenantSource(tenant, ev.Connection)
		if source == nil {
			continue
		}
		change, err := source.GetChange(ev)
		if errors.Is(err, model.ErrUnknownChange) {
			continue
		}
		if err != nil {
			s.log.Warnw("failed to resolve trigger event",
				"event", ev.ID, "type", ev.Type, "error", err)
			continue
		}

		if s.configUpdateRequired(tenant, change, ev) {
			canonical := change.Project().CanonicalName()
			s.log.Infow("in-repo configuration updated, scheduling tenant rebuild",
				"tenant", tenant.Name, "project", canonical)
			s.loader.InvalidateProject(canonical)
			s.management.Put(events.NewTenantReconfigureEvent(tenant.Name, canonical))
		}

		for _, pipeline := range tenant.Layout.Pipelines {
			mgr := pipeline.Manager
			if mgr == nil || pipeline.Source != source {
				continue
			}
			if ev.IsPatchsetCreated() {
				mgr.RemoveOldVersionsOfChange(change)
			}
			if ev.IsChangeAbandoned() {
				mgr.RemoveAbandonedChange(change)
			}
			if mgr.EventMatches(ev, change) {
				mgr.AddChange(change, model.EnqueueOptions{})
			}
		}
	}
}

// tenantSource returns the tenant's source for the named connection, or nil.
func (s *Scheduler) tenantSource(tenant *model.Tenant, connection string) model.Source {
	for _, pipeline := range tenant.Layout.Pipelines {
		if pipeline.Source != nil && pipeline.Source.Name() == connection {
			return pipeline.Source
		}
	}
	return nil
}

// configUpdateRequired reports whether the event changed configuration a
// tenant layout was built from: a merged change touching the in-repo
// configuration file, or a branch push to a project carrying one.
func (s *Scheduler) configUpdateRequired(tenant *model.Tenant, change model.Change, ev *model.TriggerEvent) bool {
	pc := tenant.Layout.ProjectConfigs[change.Project().CanonicalName()]
	if pc == nil || !pc.InRepoConfig {
		return false
	}
	switch c := change.(type) {
	case *model.PullRequest:
		return ev.IsChangeMerged() && slices.Contains(c.Files, model.ConfigFile)
	case *model.Ref:
		return strings.HasPrefix(c.Name, "refs/heads/") && !c.IsDelete()
	}
	return false
}
