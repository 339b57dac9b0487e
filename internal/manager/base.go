package manager

import (
	"fmt"
	"slices"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/RevCBH/switchyard/internal/events"
	"github.com/RevCBH/switchyard/internal/merger"
	"github.com/RevCBH/switchyard/internal/model"
)

// base is the state machine shared by both disciplines.
type base struct {
	deps     Deps
	log      *zap.SugaredLogger
	tenant   *model.Tenant
	pipeline *model.Pipeline
	hooks    hooks
}

// AddChange enqueues a change, respecting pipeline requirements and
// resolving Depends-On references.
func (m *base) AddChange(change model.Change, opts model.EnqueueOptions) bool {
	m.hooks.beginEnqueue()
	defer m.hooks.endEnqueue()
	return m.addChange(change, opts, true, map[string]bool{})
}

func (m *base) addChange(change model.Change, opts model.EnqueueOptions, live bool, history map[string]bool) bool {
	if existing := m.pipeline.FindItem(change); existing != nil {
		return true
	}
	if history[change.Key()] {
		m.log.Warnw("dependency cycle detected", "change", change)
		return false
	}
	history[change.Key()] = true

	if !opts.IgnoreRequirements {
		for _, f := range m.pipeline.Requires {
			if !f.Matches(change) {
				m.log.Debugw("change does not meet pipeline requirements", "change", change)
				return false
			}
		}
	}
	if !m.hooks.readyToEnqueue(change) {
		m.log.Debugw("change not ready to be enqueued", "change", change)
		return false
	}

	q := m.hooks.queueFor(change)
	if q == nil {
		m.log.Debugw("no queue for change", "change", change, "project", change.Project())
		return false
	}

	// Enqueue Depends-On changes first so they end up ahead
	if pr, ok := change.(*model.PullRequest); ok {
		for _, depURL := range pr.DependsOn {
			dep, err := m.pipeline.Source.GetChangeByURL(depURL)
			if err != nil {
				m.log.Warnw("unresolvable dependency", "change", change, "depends-on", depURL, "error", err)
				if m.hooks.depsLive() {
					return false
				}
				continue
			}
			depItem := m.pipeline.FindItem(dep)
			if depItem == nil {
				depOpts := opts
				depOpts.Quiet = opts.Quiet || !m.hooks.depsLive()
				if !m.addChange(dep, depOpts, m.hooks.depsLive(), history) && m.hooks.depsLive() {
					m.log.Debugw("dependency could not be enqueued", "change", change, "dependency", dep)
					return false
				}
				depItem = m.pipeline.FindItem(dep)
			}
			if m.hooks.depsLive() && depItem != nil && depItem.Queue != q {
				m.log.Warnw("dependency is in a different shared queue",
					"change", change, "dependency", dep)
				return false
			}
		}
	}

	item := q.EnqueueChange(change, m.pipeline)
	item.Live = live
	if !opts.EnqueueTime.IsZero() {
		item.EnqueueTime = opts.EnqueueTime
	}
	m.log.Infow("change enqueued", "change", change, "queue", q.Name, "live", live)
	m.emit(events.ItemEnqueued, item, "", "")

	if live && !opts.Quiet && len(m.pipeline.StartActions) > 0 {
		m.reportStart(item)
	}
	return true
}

// RemoveOldVersionsOfChange purges items whose change is an older patchset
// of the given change. Idempotent.
func (m *base) RemoveOldVersionsOfChange(change model.Change) {
	for _, item := range m.pipeline.AllItems() {
		if change.IsUpdateOf(item.Change) {
			m.log.Infow("removing superseded patchset", "item", item)
			m.removeItem(item, true)
		}
	}
}

// RemoveAbandonedChange removes the change from the pipeline.
func (m *base) RemoveAbandonedChange(change model.Change) {
	for _, item := range m.pipeline.AllItems() {
		if item.Change.Equals(change) {
			m.log.Infow("removing abandoned change", "item", item)
			m.removeItem(item, true)
		}
	}
}

// DequeueItem cancels the item's jobs and removes it (external
// cancellation path).
func (m *base) DequeueItem(item *model.QueueItem) {
	m.removeItem(item, true)
}

// removeItem dequeues the item; when resetBehind is set and the discipline
// aborts on failure, the items that were behind it are reset since their
// merge basis changed.
func (m *base) removeItem(item *model.QueueItem, resetBehind bool) {
	q := item.Queue
	if q == nil {
		return
	}
	m.CancelJobs(item)
	behind := item.AllBehind()
	q.DequeueItem(item)
	m.emit(events.ItemDequeued, item, "", "")
	if resetBehind && m.hooks.abortsOnFailure() {
		for _, b := range behind {
			if !b.Live {
				continue
			}
			m.CancelJobs(b)
			b.ResetBuildSet()
		}
	}
	m.hooks.onDequeued(q)
}

// CancelJobs stops all incomplete builds of the item, releases their
// mutexes and returns node allocations no build consumed.
func (m *base) CancelJobs(item *model.QueueItem) {
	bs := item.CurrentBuildSet
	if bs == nil {
		return
	}
	for _, build := range bs.Builds {
		if build.Completed() {
			continue
		}
		m.deps.Executor.Cancel(build)
		m.deps.Mutexes.Release(item, build.Job)
	}
	for jobName, ns := range bs.Nodesets {
		if bs.Builds[jobName] == nil && !ns.Returned {
			m.deps.Nodes.ReturnNodeSet(ns)
		}
	}
}

// ReEnqueueItem re-attaches a detached item during reconfiguration and
// re-freezes its job tree against the new layout.
func (m *base) ReEnqueueItem(item *model.QueueItem, lastHead *model.QueueItem) bool {
	m.hooks.beginEnqueue()
	defer m.hooks.endEnqueue()
	q := m.hooks.reenqueueQueue(item, lastHead)
	if q == nil {
		return false
	}
	q.EnqueueItem(item, m.pipeline)
	item.JobTree = nil
	bs := item.CurrentBuildSet
	if bs != nil && bs.MergeState == model.MergeStateComplete {
		if err := m.freezeJobTree(item); err != nil {
			bs.ConfigError = err.Error()
		}
	}
	return true
}

// EventMatches reports whether any trigger filter matches the pair.
func (m *base) EventMatches(event *model.TriggerEvent, change model.Change) bool {
	for _, f := range m.pipeline.Triggers {
		if f.Matches(event, change) {
			return true
		}
	}
	return false
}

// OnBuildStarted records a build's transition to running.
func (m *base) OnBuildStarted(build *model.Build) bool {
	m.log.Infow("build started", "build", build.UUID, "job", build.Job.Name,
		"estimated", build.EstimatedTime)
	m.emit(events.BuildStarted, build.BuildSet.Item, build.Job.Name, build.UUID)
	return true
}

// OnBuildCompleted handles a terminal build result: the job's mutex is
// released, and retryable losses are re-dispatched within the attempt
// budget.
func (m *base) OnBuildCompleted(build *model.Build) bool {
	item := build.BuildSet.Item
	bs := build.BuildSet
	m.deps.Mutexes.Release(item, build.Job)
	m.log.Infow("build completed", "build", build.UUID, "job", build.Job.Name,
		"result", build.Result)

	retryable := (build.Result == model.ResultUnreachable || build.Result == model.ResultAborted) &&
		!build.Canceled
	if retryable {
		if item.RetryCounts == nil {
			item.RetryCounts = make(map[string]int)
		}
		item.RetryCounts[build.Job.Name]++
		if item.RetryCounts[build.Job.Name] < build.Job.MaxAttempts() {
			m.log.Infow("retrying lost build", "job", build.Job.Name,
				"attempt", item.RetryCounts[build.Job.Name])
			build.Retry = true
			bs.RemoveBuild(build.Job.Name)
			delete(bs.Nodesets, build.Job.Name)
			delete(bs.NodeRequests, build.Job.Name)
		} else {
			build.Result = model.ResultRetryLimit
		}
	}
	if !build.Retry && m.deps.Results != nil {
		m.deps.Results.RecordBuild(m.tenant.Name, m.pipeline.Name, build)
	}
	m.emit(events.BuildCompleted, item, build.Job.Name, build.UUID)
	return true
}

// OnMergeCompleted records the outcome of the item's speculative merge.
func (m *base) OnMergeCompleted(buildSet *model.BuildSet, merged bool, commit string, files map[string]string, repoState map[string]string) bool {
	if merged {
		buildSet.Commit = commit
		buildSet.Files = files
		buildSet.RepoState = repoState
	} else {
		buildSet.UnableToMerge = true
	}
	buildSet.MergeState = model.MergeStateComplete
	m.emit(events.MergeCompleted, buildSet.Item, "", "")
	return true
}

// OnNodesProvisioned records a granted node allocation.
func (m *base) OnNodesProvisioned(buildSet *model.BuildSet, jobName string, nodes *model.NodeSet) bool {
	buildSet.Nodesets[jobName] = nodes
	delete(buildSet.NodeRequests, jobName)
	return true
}

// ProcessQueue advances every item one step.
func (m *base) ProcessQueue() bool {
	changed := false
	for _, q := range slices.Clone(m.pipeline.Queues) {
		for _, item := range slices.Clone(q.Items) {
			if item.Queue == nil {
				continue // removed by an earlier step of this sweep
			}
			if m.processOneItem(item) {
				changed = true
			}
		}
	}
	return changed
}

func (m *base) processOneItem(item *model.QueueItem) bool {
	changed := false
	bs := item.CurrentBuildSet

	if bs.UnableToMerge {
		if item.Live {
			m.reportItem(item)
		}
		m.removeItem(item, true)
		return true
	}
	if bs.MergeState == model.MergeStateNew {
		m.scheduleMerge(item)
		changed = true
	}
	if bs.MergeState != model.MergeStateComplete {
		return changed
	}
	if item.JobTree == nil {
		if err := m.freezeJobTree(item); err != nil {
			bs.ConfigError = err.Error()
		}
		changed = true
	}
	if bs.ConfigError != "" {
		if item.Live {
			m.reportItem(item)
		}
		m.removeItem(item, true)
		return true
	}
	if !item.Live {
		return changed
	}
	if m.requestNodes(item) {
		changed = true
	}
	if m.launchJobs(item) {
		changed = true
	}
	if item.AreAllJobsComplete() {
		failed := !item.DidAllJobsSucceed()
		if failed || m.hooks.canReportSuccess(item) {
			m.reportItem(item)
			m.removeItem(item, failed)
			return true
		}
	}
	return changed
}

// scheduleMerge submits the item's speculative merge: the refspecs of all
// ancestors up to and including the item, applied onto the branch tips its
// item-ahead merged against.
func (m *base) scheduleMerge(item *model.QueueItem) {
	bs := item.CurrentBuildSet
	if ref, ok := item.Change.(*model.Ref); ok {
		// Ref updates carry their own commit; nothing to merge
		bs.Commit = ref.Newrev
		bs.MergeState = model.MergeStateComplete
		return
	}
	bs.MergeState = model.MergeStatePending

	var specs []merger.MergeSpec
	for _, ancestor := range item.AheadChain() {
		pr, ok := ancestor.Change.(*model.PullRequest)
		if !ok {
			continue
		}
		specs = append(specs, merger.MergeSpec{
			Project: pr.Proj.CanonicalName(),
			Branch:  pr.Branch,
			Refspec: pr.Refspec,
			Change:  pr.Key(),
		})
	}

	var files []string
	if m.wantsConfigFiles(item.Change) {
		files = []string{model.ConfigFile}
	}
	var repoState map[string]string
	if item.ItemAhead != nil && item.ItemAhead.CurrentBuildSet != nil {
		repoState = item.ItemAhead.CurrentBuildSet.RepoState
	}
	m.deps.Merger.MergeChanges(bs, specs, files, repoState)
}

func (m *base) wantsConfigFiles(change model.Change) bool {
	pc := m.tenant.Layout.ProjectConfigs[change.Project().CanonicalName()]
	if pc == nil || !pc.InRepoConfig {
		return false
	}
	return true
}

// freezeJobTree computes the item's jobs from the layout plus any in-repo
// configuration overlay carried by the change.
func (m *base) freezeJobTree(item *model.QueueItem) error {
	bs := item.CurrentBuildSet
	canonical := item.Change.Project().CanonicalName()

	if content, ok := bs.Files[model.ConfigFile]; ok && bs.Overlay == nil && m.deps.ParseOverlay != nil {
		overlay, err := m.deps.ParseOverlay(content)
		if err != nil {
			return fmt.Errorf("in-repo configuration syntax error: %v", err)
		}
		bs.Overlay = overlay
	}

	var jobNames []string
	if pc := m.tenant.Layout.ProjectConfigs[canonical]; pc != nil {
		jobNames = append(jobNames, pc.PipelineJobs[m.pipeline.Name]...)
	}
	if bs.Overlay != nil {
		jobNames = append(jobNames, bs.Overlay.Attachments[m.pipeline.Name]...)
	}

	tree := model.NewJobTree()
	for _, name := range jobNames {
		var job *model.Job
		if bs.Overlay != nil {
			job = bs.Overlay.Jobs[name]
		}
		if job == nil {
			job = m.tenant.Layout.Jobs[name]
		}
		if job == nil {
			return fmt.Errorf("job %q is not defined", name)
		}
		if !job.ChangeMatches(item.Change) {
			continue
		}
		tree.AddJob(job.Copy())
	}
	item.JobTree = tree
	return nil
}

// requestNodes issues node requests for jobs that are ready to run but not
// yet provisioned.
func (m *base) requestNodes(item *model.QueueItem) bool {
	bs := item.CurrentBuildSet
	changed := false
	for _, job := range item.Jobs() {
		if bs.GetBuild(job.Name) != nil {
			continue
		}
		if !m.parentReady(item, job) {
			continue
		}
		if bs.Nodesets[job.Name] != nil || bs.NodeRequests[job.Name] != nil {
			continue
		}
		bs.NodeRequests[job.Name] = m.deps.Nodes.RequestNodes(bs, job)
		changed = true
	}
	return changed
}

// launchJobs dispatches every eligible job: parent succeeded, nodes
// granted and the job's mutex acquired.
func (m *base) launchJobs(item *model.QueueItem) bool {
	bs := item.CurrentBuildSet
	changed := false
	for _, job := range item.Jobs() {
		if bs.GetBuild(job.Name) != nil {
			continue
		}
		if job.Parent != "" {
			parent := bs.GetBuild(job.Parent)
			if parent == nil || !parent.Completed() {
				continue
			}
			if parent.Result != model.ResultSuccess {
				skipped := &model.Build{Job: job, UUID: uuid.NewString(), Result: model.ResultSkipped}
				bs.AddBuild(skipped)
				changed = true
				continue
			}
		}
		ns := bs.Nodesets[job.Name]
		if ns == nil {
			continue
		}
		if !m.deps.Mutexes.Acquire(item, job) {
			continue
		}
		build, err := m.deps.Executor.Execute(job, item, m.pipeline.Name)
		if err != nil {
			m.log.Warnw("build dispatch failed", "job", job.Name, "error", err)
			m.deps.Mutexes.Release(item, job)
			continue
		}
		if len(ns.Nodes) > 0 {
			build.NodeName = ns.Nodes[0].Name
		}
		bs.AddBuild(build)
		m.emit(events.BuildLaunched, item, job.Name, build.UUID)
		changed = true
	}
	return changed
}

// parentReady reports whether the job's parent (if any) succeeded.
func (m *base) parentReady(item *model.QueueItem, job *model.Job) bool {
	if job.Parent == "" {
		return true
	}
	parent := item.CurrentBuildSet.GetBuild(job.Parent)
	return parent != nil && parent.Result == model.ResultSuccess
}

func (m *base) emit(t events.ObserverType, item *model.QueueItem, job, build string) {
	if m.deps.Bus == nil {
		return
	}
	ev := events.ObserverEvent{
		Type:     t,
		Tenant:   m.tenant.Name,
		Pipeline: m.pipeline.Name,
		Job:      job,
		Build:    build,
	}
	if item != nil {
		ev.Project = item.Change.Project().CanonicalName()
		ev.Change = item.Change.Key()
	}
	m.deps.Bus.Emit(ev)
}
