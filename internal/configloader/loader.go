// Package configloader turns the tenant configuration file into an Abide:
// compiled pipelines with trigger and requirement filters, reporter action
// sets, shared queues, job definitions and project bindings. It also parses
// in-repo project configuration, both the trusted copy read from a
// project's branch tip and the per-item overlay carried by an unmerged
// change.
package configloader

import (
	"fmt"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/RevCBH/switchyard/internal/connection"
	"github.com/RevCBH/switchyard/internal/github"
	"github.com/RevCBH/switchyard/internal/model"
)

// FileFetcher reads file contents from a project branch tip. The merger
// client implements it; it is nil when no merge workers are expected yet.
type FileFetcher interface {
	GetFiles(project, branch string, files []string) (map[string]string, error)
}

// Loader builds tenant layouts from the configuration file.
type Loader struct {
	log      *zap.SugaredLogger
	path     string
	registry *connection.Registry
	fetcher  FileFetcher

	// baseURL is linked from status reports
	baseURL string

	// mu guards the trusted in-repo config cache, keyed by canonical
	// project name
	mu    sync.Mutex
	cache map[string]*model.ConfigOverlay
}

// New returns a loader reading the tenant configuration at path.
func New(log *zap.SugaredLogger, path string, registry *connection.Registry, fetcher FileFetcher, baseURL string) *Loader {
	return &Loader{
		log:      log.Named("configloader"),
		path:     path,
		registry: registry,
		fetcher:  fetcher,
		baseURL:  baseURL,
		cache:    make(map[string]*model.ConfigOverlay),
	}
}

// LoadAbide parses the configuration file and builds every tenant.
func (l *Loader) LoadAbide() (*model.Abide, error) {
	file, err := l.parseFile()
	if err != nil {
		return nil, err
	}
	abide := model.NewAbide()
	for _, ty := range file.Tenants {
		tenant, err := l.buildTenant(ty)
		if err != nil {
			return nil, fmt.Errorf("tenant %s: %w", ty.Name, err)
		}
		abide.AddTenant(tenant)
	}
	return abide, nil
}

// LoadTenant rebuilds a single tenant from the configuration file.
func (l *Loader) LoadTenant(name string) (*model.Tenant, error) {
	file, err := l.parseFile()
	if err != nil {
		return nil, err
	}
	for _, ty := range file.Tenants {
		if ty.Name == name {
			tenant, err := l.buildTenant(ty)
			if err != nil {
				return nil, fmt.Errorf("tenant %s: %w", name, err)
			}
			return tenant, nil
		}
	}
	return nil, fmt.Errorf("tenant %q is not configured", name)
}

// InvalidateProject drops the cached trusted in-repo configuration for the
// project so the next layout build re-reads it.
func (l *Loader) InvalidateProject(canonical string) {
	l.mu.Lock()
	delete(l.cache, canonical)
	l.mu.Unlock()
}

func (l *Loader) parseFile() (*tenantsFile, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("reading tenant configuration: %w", err)
	}
	var file tenantsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing tenant configuration: %w", err)
	}
	return &file, nil
}

func (l *Loader) buildTenant(ty tenantYAML) (*model.Tenant, error) {
	if ty.Name == "" {
		return nil, fmt.Errorf("tenant without a name")
	}
	layout := model.NewLayout()

	for _, jy := range ty.Jobs {
		job, err := buildJob(jy)
		if err != nil {
			return nil, err
		}
		if _, ok := layout.Jobs[job.Name]; ok {
			return nil, fmt.Errorf("job %q defined twice", job.Name)
		}
		layout.Jobs[job.Name] = job
	}

	for _, py := range ty.Projects {
		pc, err := l.buildProject(py)
		if err != nil {
			return nil, err
		}
		layout.ProjectConfigs[pc.Project.CanonicalName()] = pc
	}

	// Trusted in-repo configuration extends the layout before pipelines
	// compile against it.
	for _, pc := range layout.ProjectConfigs {
		if !pc.InRepoConfig {
			continue
		}
		l.applyTrustedConfig(layout, pc)
	}

	for _, py := range ty.Pipelines {
		pipeline, err := l.buildPipeline(py, layout)
		if err != nil {
			return nil, fmt.Errorf("pipeline %s: %w", py.Name, err)
		}
		layout.Pipelines = append(layout.Pipelines, pipeline)
	}

	return &model.Tenant{Name: ty.Name, Layout: layout}, nil
}

func (l *Loader) buildProject(py projectYAML) (*model.ProjectConfig, error) {
	if py.Name == "" {
		return nil, fmt.Errorf("project without a name")
	}
	source := l.sourceFor(py.Connection)
	if source == nil {
		return nil, fmt.Errorf("project %s: unknown connection %q", py.Name, py.Connection)
	}
	project, err := source.GetProject(py.Name)
	if err != nil {
		return nil, fmt.Errorf("project %s: %w", py.Name, err)
	}
	jobs := make(map[string][]string, len(py.Pipelines))
	for pipeline, names := range py.Pipelines {
		jobs[pipeline] = lo.Uniq(names)
	}
	pc := &model.ProjectConfig{
		Project:      project,
		PipelineJobs: jobs,
		InRepoConfig: py.InRepoConfig,
	}
	if py.Branch != "" {
		pc.Branch = py.Branch
	} else {
		pc.Branch = "master"
	}
	return pc, nil
}

// applyTrustedConfig merges the project's on-branch in-repo configuration
// into the layout. Read failures are logged, not fatal: layouts must build
// before any merge worker has connected.
func (l *Loader) applyTrustedConfig(layout *model.Layout, pc *model.ProjectConfig) {
	canonical := pc.Project.CanonicalName()

	l.mu.Lock()
	overlay, cached := l.cache[canonical]
	l.mu.Unlock()

	if !cached {
		if l.fetcher == nil {
			return
		}
		files, err := l.fetcher.GetFiles(pc.Project.Name, pc.Branch, []string{model.ConfigFile})
		if err != nil {
			l.log.Warnw("reading in-repo configuration failed",
				"project", canonical, "branch", pc.Branch, "error", err)
			return
		}
		content, ok := files[model.ConfigFile]
		if !ok {
			return
		}
		overlay, err = l.ParseOverlay(content)
		if err != nil {
			l.log.Warnw("in-repo configuration is invalid",
				"project", canonical, "error", err)
			return
		}
		l.mu.Lock()
		l.cache[canonical] = overlay
		l.mu.Unlock()
	}
	if overlay == nil {
		return
	}

	for name, job := range overlay.Jobs {
		if _, ok := layout.Jobs[name]; ok {
			l.log.Warnw("in-repo job shadows a tenant job, ignoring",
				"project", canonical, "job", name)
			continue
		}
		layout.Jobs[name] = job
	}
	for pipeline, names := range overlay.Attachments {
		pc.PipelineJobs[pipeline] = lo.Uniq(append(pc.PipelineJobs[pipeline], names...))
	}
}

// ParseOverlay parses in-repo configuration content into an overlay.
func (l *Loader) ParseOverlay(content string) (*model.ConfigOverlay, error) {
	var file overlayFile
	if err := yaml.Unmarshal([]byte(content), &file); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", model.ConfigFile, err)
	}
	overlay := &model.ConfigOverlay{
		Jobs:        make(map[string]*model.Job, len(file.Jobs)),
		Attachments: make(map[string][]string, len(file.Pipelines)),
	}
	for _, jy := range file.Jobs {
		job, err := buildJob(jy)
		if err != nil {
			return nil, err
		}
		overlay.Jobs[job.Name] = job
	}
	for pipeline, names := range file.Pipelines {
		overlay.Attachments[pipeline] = lo.Uniq(names)
	}
	return overlay, nil
}

func (l *Loader) buildPipeline(py pipelineYAML, layout *model.Layout) (*model.Pipeline, error) {
	if py.Name == "" {
		return nil, fmt.Errorf("pipeline without a name")
	}
	source := l.sourceFor(py.Connection)
	if source == nil {
		return nil, fmt.Errorf("unknown connection %q", py.Connection)
	}
	switch py.Manager {
	case "", model.ManagerIndependent, model.ManagerDependent:
	default:
		return nil, fmt.Errorf("unknown manager %q", py.Manager)
	}

	p := &model.Pipeline{
		Name:         py.Name,
		Description:  py.Description,
		ManagerName:  py.Manager,
		Source:       source,
		DisableAfter: py.DisableAfter,
		AllowNeeds:   map[string]bool{},
	}

	for i, tr := range py.Trigger {
		filter, err := buildEventFilter(tr)
		if err != nil {
			return nil, fmt.Errorf("trigger[%d]: %w", i, err)
		}
		p.Triggers = append(p.Triggers, filter)
	}
	if py.Require != nil {
		filter, err := buildRequireFilter(*py.Require)
		if err != nil {
			return nil, fmt.Errorf("require: %w", err)
		}
		p.Requires = append(p.Requires, filter)
	}

	conn := l.connectionFor(py.Connection)
	p.StartActions = l.buildReporters(py.Start, conn, py.Name)
	p.SuccessActions = l.buildReporters(py.Success, conn, py.Name)
	p.FailureActions = l.buildReporters(py.Failure, conn, py.Name)
	p.MergeFailureActions = l.buildReporters(py.MergeFailure, conn, py.Name)
	p.DisabledActions = l.buildReporters(py.Disabled, conn, py.Name)

	// The pipeline's own status context never blocks its mergeability
	// checks.
	if py.Start.Status || py.Success.Status || py.Failure.Status {
		p.AllowNeeds[py.Name] = true
	}

	if py.Manager == model.ManagerDependent {
		if err := buildQueues(p, py, layout, source); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// buildQueues materialises the dependent pipeline's shared queues: the
// declared ones first, then one per attached project left unassigned.
func buildQueues(p *model.Pipeline, py pipelineYAML, layout *model.Layout, source model.Source) error {
	assigned := map[string]bool{}
	for _, qy := range py.Queues {
		q := model.NewSharedQueue(qy.Name)
		for _, name := range qy.Projects {
			project, err := source.GetProject(name)
			if err != nil {
				return fmt.Errorf("queue %s: %w", qy.Name, err)
			}
			q.AddProject(project)
			assigned[project.CanonicalName()] = true
		}
		p.AddQueue(q)
	}
	for canonical, pc := range layout.ProjectConfigs {
		if assigned[canonical] || len(pc.PipelineJobs[p.Name]) == 0 {
			continue
		}
		q := model.NewSharedQueue(pc.Project.Name)
		q.AddProject(pc.Project)
		p.AddQueue(q)
	}
	return nil
}

func (l *Loader) buildReporters(ay actionsYAML, conn *github.Connection, pipelineName string) []model.Reporter {
	if conn == nil {
		return nil
	}
	var out []model.Reporter
	if ay.Status {
		out = append(out, &github.StatusReporter{Conn: conn, Context: pipelineName, BaseURL: l.baseURL})
	}
	if ay.Comment {
		out = append(out, &github.CommentReporter{Conn: conn})
	}
	if ay.Merge {
		out = append(out, &github.MergeReporter{Conn: conn})
	}
	return out
}

func (l *Loader) sourceFor(name string) model.Source {
	return l.registry.Source(l.connectionName(name))
}

func (l *Loader) connectionFor(name string) *github.Connection {
	return l.registry.Get(l.connectionName(name))
}

func (l *Loader) connectionName(name string) string {
	if name != "" {
		return name
	}
	if names := l.registry.Names(); len(names) > 0 {
		return names[0]
	}
	return ""
}

func buildJob(jy jobYAML) (*model.Job, error) {
	if jy.Name == "" {
		return nil, fmt.Errorf("job without a name")
	}
	job := &model.Job{
		Name:     jy.Name,
		Parent:   jy.Parent,
		Branches: jy.Branches,
		Files:    jy.Files,
		Voting:   true,
		Mutex:    jy.Mutex,
		Labels:   jy.Labels,
		Attempts: jy.Attempts,
	}
	if jy.Voting != nil {
		job.Voting = *jy.Voting
	}
	if jy.Timeout != "" {
		timeout, err := time.ParseDuration(jy.Timeout)
		if err != nil {
			return nil, fmt.Errorf("job %s: invalid timeout: %w", jy.Name, err)
		}
		job.Timeout = timeout
	}
	for _, pattern := range job.Branches {
		if _, err := regexp.Compile(pattern); err != nil {
			return nil, fmt.Errorf("job %s: invalid branch pattern %q: %w", jy.Name, pattern, err)
		}
	}
	return job, nil
}

func buildEventFilter(tr triggerYAML) (*model.EventFilter, error) {
	if tr.Event == "" {
		return nil, fmt.Errorf("trigger without an event type")
	}
	f := &model.EventFilter{
		Types:           []string{tr.Event},
		Actions:         tr.Action,
		Labels:          tr.Label,
		States:          tr.State,
		RequireStatuses: tr.RequireStatus,
		IgnoreDeletes:   true,
	}
	if tr.IgnoreDeletes != nil {
		f.IgnoreDeletes = *tr.IgnoreDeletes
	}
	var err error
	if f.Branches, err = compileAnchored(tr.Branch); err != nil {
		return nil, err
	}
	if f.Refs, err = compileAnchored(tr.Ref); err != nil {
		return nil, err
	}
	if f.Comments, err = compileAnchored(tr.Comment); err != nil {
		return nil, err
	}
	for i, ay := range tr.RequireApproval {
		af, err := buildApprovalFilter(ay)
		if err != nil {
			return nil, fmt.Errorf("require-approval[%d]: %w", i, err)
		}
		f.RequireApprovals = append(f.RequireApprovals, af)
	}
	return f, nil
}

func buildRequireFilter(ry requireYAML) (*model.RequireFilter, error) {
	f := &model.RequireFilter{
		Statuses: ry.Status,
		Open:     ry.Open,
		Merged:   ry.Merged,
	}
	for i, ay := range ry.Approval {
		af, err := buildApprovalFilter(ay)
		if err != nil {
			return nil, fmt.Errorf("approval[%d]: %w", i, err)
		}
		f.Approvals = append(f.Approvals, af)
	}
	if ry.Reject != nil {
		for i, ay := range ry.Reject.Approval {
			af, err := buildApprovalFilter(ay)
			if err != nil {
				return nil, fmt.Errorf("reject.approval[%d]: %w", i, err)
			}
			f.RejectApprovals = append(f.RejectApprovals, af)
		}
	}
	return f, nil
}

func buildApprovalFilter(ay approvalYAML) (*model.ApprovalFilter, error) {
	f := &model.ApprovalFilter{
		Types: ay.Type,
		Value: ay.Value,
	}
	if ay.Username != "" {
		re, err := regexp.Compile("^(?:" + ay.Username + ")$")
		if err != nil {
			return nil, fmt.Errorf("invalid username pattern %q: %w", ay.Username, err)
		}
		f.Username = re
	}
	var err error
	if f.NewerThan, err = parseWindow(ay.NewerThan); err != nil {
		return nil, fmt.Errorf("invalid newer-than: %w", err)
	}
	if f.OlderThan, err = parseWindow(ay.OlderThan); err != nil {
		return nil, fmt.Errorf("invalid older-than: %w", err)
	}
	return f, nil
}

func parseWindow(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

func compileAnchored(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile("^(?:" + p + ")$")
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}
