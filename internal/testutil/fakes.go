// Package testutil provides in-memory fakes for the scheduler's
// collaborators so pipeline behavior can be driven without a platform
// connection or workers.
package testutil

import (
	"fmt"

	"github.com/RevCBH/switchyard/internal/merger"
	"github.com/RevCBH/switchyard/internal/model"
)

// FakeSource is an in-memory model.Source. Changes are registered up
// front and resolved by event or URL.
type FakeSource struct {
	ConnName string
	Host     string

	Projects map[string]*model.Project

	// ChangesByNumber resolves GetChange for pull_request events
	ChangesByNumber map[int]*model.PullRequest

	// ChangesByURL resolves Depends-On references
	ChangesByURL map[string]model.Change

	// Branches per project name; defaults to ["master"]
	Branches map[string][]string

	// CanMergeResult is consulted by change key; unknown keys merge
	CanMergeResult map[string]bool

	// DependingOn lists reverse dependencies by change key
	DependingOn map[string][]model.Change
}

// NewFakeSource returns a source named conn on host "example.test".
func NewFakeSource(conn string) *FakeSource {
	return &FakeSource{
		ConnName:        conn,
		Host:            "example.test",
		Projects:        make(map[string]*model.Project),
		ChangesByNumber: make(map[int]*model.PullRequest),
		ChangesByURL:    make(map[string]model.Change),
		Branches:        make(map[string][]string),
		CanMergeResult:  make(map[string]bool),
		DependingOn:     make(map[string][]model.Change),
	}
}

func (s *FakeSource) Name() string     { return s.ConnName }
func (s *FakeSource) Hostname() string { return s.Host }

func (s *FakeSource) GetProject(name string) (*model.Project, error) {
	if p, ok := s.Projects[name]; ok {
		return p, nil
	}
	p := &model.Project{Hostname: s.Host, Name: name, Source: s}
	s.Projects[name] = p
	return p, nil
}

func (s *FakeSource) GetChange(event *model.TriggerEvent) (model.Change, error) {
	if event.Connection != s.ConnName {
		return nil, model.ErrUnknownChange
	}
	if event.Type == model.EventTypePush {
		project, _ := s.GetProject(event.ProjectName)
		return &model.Ref{
			Proj:   project,
			Name:   event.Ref,
			Oldrev: event.Oldrev,
			Newrev: event.Newrev,
		}, nil
	}
	pr, ok := s.ChangesByNumber[event.ChangeNumber]
	if !ok {
		return nil, model.ErrUnknownChange
	}
	return pr, nil
}

func (s *FakeSource) GetChangeByURL(url string) (model.Change, error) {
	if c, ok := s.ChangesByURL[url]; ok {
		return c, nil
	}
	return nil, model.ErrUnknownChange
}

func (s *FakeSource) GetProjectBranches(project *model.Project) ([]string, error) {
	if b, ok := s.Branches[project.Name]; ok {
		return b, nil
	}
	return []string{"master"}, nil
}

func (s *FakeSource) GetChangesDependingOn(change model.Change) ([]model.Change, error) {
	return s.DependingOn[change.Key()], nil
}

func (s *FakeSource) CanMerge(change model.Change, allowNeeds map[string]bool) (bool, error) {
	if v, ok := s.CanMergeResult[change.Key()]; ok {
		return v, nil
	}
	return true, nil
}

func (s *FakeSource) MaintainCache(relevant []model.Change) {}

// AddPullRequest registers an open pull request on the source and
// returns it.
func (s *FakeSource) AddPullRequest(projectName string, number int, patchset string) *model.PullRequest {
	project, _ := s.GetProject(projectName)
	pr := &model.PullRequest{
		Proj:       project,
		Number:     number,
		PatchsetID: patchset,
		Branch:     "master",
		Refspec:    fmt.Sprintf("refs/pull/%d/head", number),
		Link:       fmt.Sprintf("https://%s/%s/pull/%d", s.Host, projectName, number),
		Open:       true,
	}
	s.ChangesByNumber[number] = pr
	s.ChangesByURL[pr.Link] = pr
	return pr
}

// FakeExecutor implements manager.Executor, recording dispatch and
// cancel calls.
type FakeExecutor struct {
	Launched  []*model.Build
	Cancelled []*model.Build

	// Err fails every Execute call when set
	Err error

	serial int
}

func (e *FakeExecutor) Execute(job *model.Job, item *model.QueueItem, pipelineName string) (*model.Build, error) {
	if e.Err != nil {
		return nil, e.Err
	}
	e.serial++
	build := &model.Build{
		Job:      job,
		BuildSet: item.CurrentBuildSet,
		UUID:     fmt.Sprintf("build-%d", e.serial),
	}
	e.Launched = append(e.Launched, build)
	return build, nil
}

func (e *FakeExecutor) Cancel(build *model.Build) {
	build.Canceled = true
	e.Cancelled = append(e.Cancelled, build)
}

// Build returns the launched build for the given job name on the build
// set, or nil.
func (e *FakeExecutor) Build(bs *model.BuildSet, jobName string) *model.Build {
	for _, b := range e.Launched {
		if b.BuildSet == bs && b.Job.Name == jobName {
			return b
		}
	}
	return nil
}

// FakeMerger implements the scheduler's merger surface. Requests are
// recorded; tests complete them explicitly.
type FakeMerger struct {
	Requests []MergeRequest

	// Files served by GetFiles, keyed "project@branch" then filename
	Files map[string]map[string]string

	outstanding int
}

// MergeRequest captures one MergeChanges call.
type MergeRequest struct {
	BuildSet  *model.BuildSet
	Items     []merger.MergeSpec
	Files     []string
	RepoState map[string]string
}

func (m *FakeMerger) MergeChanges(buildSet *model.BuildSet, items []merger.MergeSpec, files []string, repoState map[string]string) {
	m.Requests = append(m.Requests, MergeRequest{
		BuildSet:  buildSet,
		Items:     items,
		Files:     files,
		RepoState: repoState,
	})
	m.outstanding++
}

// Complete marks one outstanding merge finished. The caller feeds the
// corresponding result event itself.
func (m *FakeMerger) Complete() {
	if m.outstanding > 0 {
		m.outstanding--
	}
}

func (m *FakeMerger) AreMergesOutstanding() bool {
	return m.outstanding > 0
}

func (m *FakeMerger) GetFiles(project, branch string, files []string) (map[string]string, error) {
	byName, ok := m.Files[project+"@"+branch]
	if !ok {
		return nil, fmt.Errorf("no files for %s@%s", project, branch)
	}
	out := make(map[string]string, len(files))
	for _, f := range files {
		if content, ok := byName[f]; ok {
			out[f] = content
		}
	}
	return out, nil
}

// FakeNodes implements nodepool.Provisioner, fulfilling every request
// immediately.
type FakeNodes struct {
	Requests []*model.NodeRequest
	Returned []*model.NodeSet

	serial int
}

func (n *FakeNodes) RequestNodes(buildSet *model.BuildSet, job *model.Job) *model.NodeRequest {
	n.serial++
	req := &model.NodeRequest{
		ID:       fmt.Sprintf("req-%d", n.serial),
		BuildSet: buildSet,
		JobName:  job.Name,
		Labels:   job.Labels,
		State:    "fulfilled",
	}
	n.Requests = append(n.Requests, req)
	return req
}

func (n *FakeNodes) AcceptNodes(request *model.NodeRequest) *model.NodeSet {
	nodes := make([]model.Node, 0, len(request.Labels))
	for i, label := range request.Labels {
		nodes = append(nodes, model.Node{
			Name:  fmt.Sprintf("%s-node-%d", request.ID, i),
			Label: label,
		})
	}
	return &model.NodeSet{Nodes: nodes}
}

func (n *FakeNodes) ReturnNodeSet(nodeset *model.NodeSet) {
	nodeset.Returned = true
	n.Returned = append(n.Returned, nodeset)
}
