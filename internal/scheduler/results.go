package scheduler

import (
	"time"

	"github.com/RevCBH/switchyard/internal/events"
	"github.com/RevCBH/switchyard/internal/model"
)

// processResultEvent applies one executor, merger or provisioner completion
// to pipeline state. Results for superseded build sets are logged and
// dropped, but resources they carry are always reclaimed.
func (s *Scheduler) processResultEvent(ev events.ResultEvent) {
	switch e := ev.(type) {
	case *events.BuildStartedEvent:
		s.onBuildStarted(e)
	case *events.BuildCompletedEvent:
		s.onBuildCompleted(e)
	case *events.MergeCompletedEvent:
		s.onMergeCompleted(e)
	case *events.NodesProvisionedEvent:
		s.onNodesProvisioned(e)
	default:
		s.log.Errorw("unknown result event", "event", ev)
	}
}

// buildSetLive reports whether the build set is still the current build set
// of an enqueued item.
func buildSetLive(bs *model.BuildSet) bool {
	return bs != nil && bs.Item != nil &&
		bs.Item.CurrentBuildSet == bs && bs.Item.Queue != nil
}

func managerFor(bs *model.BuildSet) model.PipelineManager {
	if bs.Item.Pipeline == nil {
		return nil
	}
	return bs.Item.Pipeline.Manager
}

func (s *Scheduler) onBuildStarted(e *events.BuildStartedEvent) {
	build := e.Build
	build.StartTime = time.Now()
	if e.WorkerName != "" {
		build.WorkerName = e.WorkerName
	}
	if s.timeDB != nil {
		build.EstimatedTime = s.timeDB.Estimate(build.Job.Name)
	}
	bs := build.BuildSet
	if !buildSetLive(bs) || bs.GetBuild(build.Job.Name) != build {
		s.log.Debugw("start event for superseded build", "build", build.UUID)
		return
	}
	if mgr := managerFor(bs); mgr != nil {
		mgr.OnBuildStarted(build)
	}
}

func (s *Scheduler) onBuildCompleted(e *events.BuildCompletedEvent) {
	build := e.Build
	bs := build.BuildSet
	build.Result = e.Result
	build.ResultData = e.ResultData
	build.EndTime = time.Now()
	if build.StartTime.IsZero() {
		// completed without a started event; account from launch
		build.StartTime = build.LaunchTime
	}

	// Nodes are returned on completion regardless of whether the result
	// still matters; allocations must never outlive their build.
	if ns := bs.Nodesets[build.Job.Name]; ns != nil && !ns.Returned {
		s.nodes.ReturnNodeSet(ns)
	}

	if s.timeDB != nil {
		if err := s.timeDB.Record(build.Job.Name, build.Duration(), build.Result); err != nil {
			s.log.Warnw("failed to record build time", "job", build.Job.Name, "error", err)
		}
	}
	if s.stats != nil {
		s.stats.BuildsCompleted.WithLabelValues(build.Result).Inc()
	}

	if !buildSetLive(bs) || bs.GetBuild(build.Job.Name) != build {
		s.log.Infow("result for superseded build",
			"build", build.UUID, "job", build.Job.Name, "result", build.Result)
		return
	}
	if mgr := managerFor(bs); mgr != nil {
		mgr.OnBuildCompleted(build)
	}
}

func (s *Scheduler) onMergeCompleted(e *events.MergeCompletedEvent) {
	bs := e.BuildSet
	if !buildSetLive(bs) {
		s.log.Infow("merge result for superseded build set", "merged", e.Merged)
		return
	}
	if mgr := managerFor(bs); mgr != nil {
		mgr.OnMergeCompleted(bs, e.Merged, e.Commit, e.Files, e.RepoState)
	}
}

func (s *Scheduler) onNodesProvisioned(e *events.NodesProvisionedEvent) {
	req := e.Request
	bs := req.BuildSet
	ns := s.nodes.AcceptNodes(req)
	if e.Failed {
		s.log.Errorw("node request failed", "request", req.ID, "job", req.JobName)
		if ns != nil && !ns.Returned {
			s.nodes.ReturnNodeSet(ns)
		}
		return
	}
	if ns == nil {
		return
	}
	// A stale grant (item gone, build set reset, or request withdrawn by a
	// retry) is returned immediately.
	if !buildSetLive(bs) || bs.NodeRequests[req.JobName] != req {
		s.log.Infow("returning nodes for superseded request",
			"request", req.ID, "job", req.JobName)
		if !ns.Returned {
			s.nodes.ReturnNodeSet(ns)
		}
		return
	}
	if mgr := managerFor(bs); mgr != nil {
		mgr.OnNodesProvisioned(bs, req.JobName, ns)
	}
}
