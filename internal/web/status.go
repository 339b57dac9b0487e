package web

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/RevCBH/switchyard/internal/model"
	"github.com/RevCBH/switchyard/internal/results"
)

// Status is the full pipeline-state snapshot served as /status.json and
// rendered by the status and watch commands.
type Status struct {
	Tenants []TenantStatus `json:"tenants"`
}

type TenantStatus struct {
	Name      string           `json:"name"`
	Pipelines []PipelineStatus `json:"pipelines"`
}

type PipelineStatus struct {
	Name                string        `json:"name"`
	Description         string        `json:"description,omitempty"`
	Manager             string        `json:"manager"`
	Disabled            bool          `json:"disabled,omitempty"`
	ConsecutiveFailures int           `json:"consecutive_failures,omitempty"`
	Queues              []QueueStatus `json:"queues"`
}

type QueueStatus struct {
	Name    string       `json:"name"`
	Dynamic bool         `json:"dynamic,omitempty"`
	Items   []ItemStatus `json:"items"`
}

type ItemStatus struct {
	Change      string        `json:"change"`
	Project     string        `json:"project"`
	URL         string        `json:"url,omitempty"`
	Live        bool          `json:"live"`
	Active      bool          `json:"active"`
	ItemAhead   string        `json:"item_ahead,omitempty"`
	EnqueueTime time.Time     `json:"enqueue_time"`
	MergeState  string        `json:"merge_state"`
	Builds      []BuildStatus `json:"builds"`
}

type BuildStatus struct {
	Job           string        `json:"job"`
	UUID          string        `json:"uuid"`
	Result        string        `json:"result,omitempty"`
	Voting        bool          `json:"voting"`
	StartTime     time.Time     `json:"start_time"`
	EstimatedTime time.Duration `json:"estimated_time,omitempty"`
	WorkerName    string        `json:"worker,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var status Status
	s.opts.Sched.WithLock(func() {
		status = snapshotStatus(s.opts.Sched.Abide())
	})
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.log.Warnw("writing status failed", "error", err)
	}
}

// snapshotStatus walks the abide under the run-handler lock.
func snapshotStatus(abide *model.Abide) Status {
	var status Status
	for _, tenant := range abide.OrderedTenants() {
		ts := TenantStatus{Name: tenant.Name}
		for _, pipeline := range tenant.Layout.Pipelines {
			ps := PipelineStatus{
				Name:                pipeline.Name,
				Description:         pipeline.Description,
				Manager:             pipeline.ManagerName,
				Disabled:            pipeline.Disabled,
				ConsecutiveFailures: pipeline.ConsecutiveFailures,
			}
			if ps.Manager == "" {
				ps.Manager = model.ManagerIndependent
			}
			for _, q := range pipeline.Queues {
				qs := QueueStatus{Name: q.Name, Dynamic: q.Dynamic}
				for _, item := range q.Items {
					qs.Items = append(qs.Items, snapshotItem(item))
				}
				ps.Queues = append(ps.Queues, qs)
			}
			ts.Pipelines = append(ts.Pipelines, ps)
		}
		status.Tenants = append(status.Tenants, ts)
	}
	return status
}

func snapshotItem(item *model.QueueItem) ItemStatus {
	is := ItemStatus{
		Change:      item.Change.Key(),
		Project:     item.Change.Project().CanonicalName(),
		URL:         item.Change.URL(),
		Live:        item.Live,
		Active:      item.Active,
		EnqueueTime: item.EnqueueTime,
	}
	if item.ItemAhead != nil {
		is.ItemAhead = item.ItemAhead.Change.Key()
	}
	bs := item.CurrentBuildSet
	if bs == nil {
		return is
	}
	switch bs.MergeState {
	case model.MergeStateNew:
		is.MergeState = "new"
	case model.MergeStatePending:
		is.MergeState = "pending"
	case model.MergeStateComplete:
		if bs.UnableToMerge {
			is.MergeState = "failed"
		} else {
			is.MergeState = "complete"
		}
	}
	for _, job := range item.Jobs() {
		build := bs.GetBuild(job.Name)
		if build == nil {
			is.Builds = append(is.Builds, BuildStatus{Job: job.Name, Voting: job.Voting})
			continue
		}
		is.Builds = append(is.Builds, BuildStatus{
			Job:           job.Name,
			UUID:          build.UUID,
			Result:        build.Result,
			Voting:        job.Voting,
			StartTime:     build.StartTime,
			EstimatedTime: build.EstimatedTime,
			WorkerName:    build.WorkerName,
		})
	}
	return is
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.opts.Gateway == nil {
		json.NewEncoder(w).Encode([]any{})
		return
	}
	json.NewEncoder(w).Encode(s.opts.Gateway.Workers())
}

func (s *Server) handleBuilds(w http.ResponseWriter, r *http.Request) {
	if s.opts.Results == nil {
		http.Error(w, "no results database configured", http.StatusNotFound)
		return
	}
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	query := results.Query{
		Tenant:   q.Get("tenant"),
		Pipeline: q.Get("pipeline"),
		Project:  q.Get("project"),
		JobName:  q.Get("job"),
		Result:   q.Get("result"),
		Limit:    limit,
	}
	records, err := s.opts.Results.Recent(r.Context(), query)
	if err != nil {
		s.log.Warnw("querying builds failed", "error", err)
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(records)
}

func (s *Server) handleKeys(w http.ResponseWriter, r *http.Request) {
	// /keys/<connection>/<org>/<project>.pub
	rest, ok := strings.CutPrefix(r.URL.Path, "/keys/")
	if !ok || s.opts.Keys == nil {
		http.NotFound(w, r)
		return
	}
	connection, project, ok := splitKeyPath(rest)
	if !ok {
		http.NotFound(w, r)
		return
	}
	pemBytes, err := s.opts.Keys.PublicPEM(connection, project)
	if err != nil {
		s.log.Warnw("public key lookup failed", "connection", connection,
			"project", project, "error", err)
		http.Error(w, "key unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Write(pemBytes)
}

// splitKeyPath splits "<connection>/<org>/<repo>.pub" into its connection
// and project parts.
func splitKeyPath(rest string) (connection, project string, ok bool) {
	rest, found := strings.CutSuffix(rest, ".pub")
	if !found {
		return "", "", false
	}
	connection, project, found = strings.Cut(rest, "/")
	if !found || connection == "" || project == "" {
		return "", "", false
	}
	return connection, project, true
}
