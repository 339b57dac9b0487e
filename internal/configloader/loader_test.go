package configloader

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/RevCBH/switchyard/internal/config"
	"github.com/RevCBH/switchyard/internal/connection"
	"github.com/RevCBH/switchyard/internal/model"
)

// fakeFetcher serves in-repo configuration content, counting reads.
type fakeFetcher struct {
	content map[string]string // keyed "project@branch"
	reads   int
}

func (f *fakeFetcher) GetFiles(project, branch string, files []string) (map[string]string, error) {
	f.reads++
	content, ok := f.content[project+"@"+branch]
	if !ok {
		return nil, fmt.Errorf("no such branch %s@%s", project, branch)
	}
	return map[string]string{model.ConfigFile: content}, nil
}

func testRegistry(t *testing.T) *connection.Registry {
	t.Helper()
	registry, err := connection.FromConfig([]config.ConnectionConfig{{
		Name:       "github",
		Driver:     "github",
		Hostname:   "github.example.com",
		APIBaseURL: "http://unused",
	}}, zap.NewNop().Sugar())
	require.NoError(t, err)
	return registry
}

func newLoader(t *testing.T, tenantsYAML string, fetcher FileFetcher) *Loader {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tenants.yaml")
	require.NoError(t, os.WriteFile(path, []byte(tenantsYAML), 0o600))
	return New(zap.NewNop().Sugar(), path, testRegistry(t), fetcher, "https://ci.example.com")
}

const fullTenants = `
tenants:
  - name: acme
    jobs:
      - name: lint
        labels: [small]
      - name: unit
        parent: lint
        timeout: 30m
        attempts: 2
      - name: docs
        voting: false
        files: ["docs/.*"]
    projects:
      - name: org/project1
        pipelines:
          check: [lint, unit]
          gate: [lint, unit]
      - name: org/project2
        pipelines:
          gate: [lint]
    pipelines:
      - name: check
        trigger:
          - event: pull_request
            action: [opened, changed]
          - event: pull_request
            action: [comment]
            comment: ["recheck"]
        start:
          status: true
        success:
          status: true
          comment: true
        failure:
          status: true
          comment: true
      - name: gate
        manager: dependent
        disable-after-consecutive-failures: 5
        trigger:
          - event: pull_request_review
            action: [submitted]
            state: [approved]
        require:
          open: true
          approval:
            - type: [approved]
              value: 2
        queues:
          - name: main
            projects: [org/project1]
        success:
          status: true
          merge: true
        failure:
          status: true
          comment: true
`

func TestLoadAbide(t *testing.T) {
	l := newLoader(t, fullTenants, nil)
	abide, err := l.LoadAbide()
	require.NoError(t, err)

	tenant := abide.Tenants["acme"]
	require.NotNil(t, tenant)
	layout := tenant.Layout

	// jobs
	require.Len(t, layout.Jobs, 3)
	lint := layout.Jobs["lint"]
	require.NotNil(t, lint)
	assert.True(t, lint.Voting, "voting defaults to true")
	assert.Equal(t, []string{"small"}, lint.Labels)
	unit := layout.Jobs["unit"]
	assert.Equal(t, "lint", unit.Parent)
	assert.Equal(t, 2, unit.Attempts)
	assert.Equal(t, "30m0s", unit.Timeout.String())
	assert.False(t, layout.Jobs["docs"].Voting)

	// projects
	pc := layout.ProjectConfigs["github.example.com/org/project1"]
	require.NotNil(t, pc)
	assert.Equal(t, "master", pc.Branch, "trusted config branch defaults to master")
	assert.ElementsMatch(t, []string{"lint", "unit"}, pc.PipelineJobs["check"])

	// pipelines
	require.Len(t, layout.Pipelines, 2)
	check := layout.GetPipeline("check")
	require.NotNil(t, check)
	assert.Equal(t, "", check.ManagerName, "manager defaults to independent")
	require.Len(t, check.Triggers, 2)
	assert.Equal(t, []string{"pull_request"}, check.Triggers[0].Types)
	assert.Equal(t, []string{"opened", "changed"}, check.Triggers[0].Actions)
	require.Len(t, check.Triggers[1].Comments, 1)
	assert.True(t, check.Triggers[1].Comments[0].MatchString("recheck"))
	assert.False(t, check.Triggers[1].Comments[0].MatchString("please recheck"), "comment patterns are anchored")
	assert.Len(t, check.StartActions, 1)
	assert.Len(t, check.SuccessActions, 2)
	assert.True(t, check.AllowNeeds["check"], "own status context never blocks merges")

	gate := layout.GetPipeline("gate")
	require.NotNil(t, gate)
	assert.Equal(t, model.ManagerDependent, gate.ManagerName)
	assert.Equal(t, 5, gate.DisableAfter)
	require.Len(t, gate.Requires, 1)
	require.NotNil(t, gate.Requires[0].Open)
	assert.True(t, *gate.Requires[0].Open)
	require.Len(t, gate.Requires[0].Approvals, 1)
	require.NotNil(t, gate.Requires[0].Approvals[0].Value)
	assert.Equal(t, 2, *gate.Requires[0].Approvals[0].Value)

	// declared queue plus one per unassigned project
	require.Len(t, gate.Queues, 2)
	assert.Equal(t, "main", gate.Queues[0].Name)
	p1 := layout.GetProject("github.example.com/org/project1")
	p2 := layout.GetProject("github.example.com/org/project2")
	assert.Same(t, gate.Queues[0], gate.GetQueue(p1))
	assert.Same(t, gate.Queues[1], gate.GetQueue(p2))
}

func TestLoadTenant(t *testing.T) {
	l := newLoader(t, fullTenants, nil)

	tenant, err := l.LoadTenant("acme")
	require.NoError(t, err)
	assert.Equal(t, "acme", tenant.Name)

	_, err = l.LoadTenant("ghost")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not configured")
}

const inRepoTenants = `
tenants:
  - name: acme
    jobs:
      - name: lint
    projects:
      - name: org/project1
        in-repo-config: true
        pipelines:
          check: [lint]
    pipelines:
      - name: check
        trigger:
          - event: pull_request
            action: [opened]
`

func TestTrustedInRepoConfig(t *testing.T) {
	fetcher := &fakeFetcher{content: map[string]string{
		"org/project1@master": `
jobs:
  - name: extra
    labels: [small]
  - name: lint
    labels: [huge]
pipelines:
  check: [extra, lint]
`,
	}}
	l := newLoader(t, inRepoTenants, fetcher)
	abide, err := l.LoadAbide()
	require.NoError(t, err)

	layout := abide.Tenants["acme"].Layout
	require.NotNil(t, layout.Jobs["extra"], "in-repo jobs extend the layout")
	assert.Empty(t, layout.Jobs["lint"].Labels, "in-repo jobs never shadow tenant jobs")

	pc := layout.ProjectConfigs["github.example.com/org/project1"]
	assert.ElementsMatch(t, []string{"lint", "extra"}, pc.PipelineJobs["check"])
}

func TestTrustedConfigFetchFailureIsNotFatal(t *testing.T) {
	l := newLoader(t, inRepoTenants, &fakeFetcher{})
	abide, err := l.LoadAbide()
	require.NoError(t, err, "layouts must build before any merge worker connects")
	assert.NotNil(t, abide.Tenants["acme"])
}

func TestTrustedConfigCaching(t *testing.T) {
	fetcher := &fakeFetcher{content: map[string]string{
		"org/project1@master": "jobs: [{name: extra}]",
	}}
	l := newLoader(t, inRepoTenants, fetcher)

	_, err := l.LoadAbide()
	require.NoError(t, err)
	_, err = l.LoadAbide()
	require.NoError(t, err)
	assert.Equal(t, 1, fetcher.reads, "trusted config is cached across builds")

	l.InvalidateProject("github.example.com/org/project1")
	_, err = l.LoadAbide()
	require.NoError(t, err)
	assert.Equal(t, 2, fetcher.reads, "invalidation forces a re-read")
}

func TestParseOverlay(t *testing.T) {
	l := newLoader(t, fullTenants, nil)

	overlay, err := l.ParseOverlay(`
jobs:
  - name: itest
    labels: [big]
pipelines:
  check: [itest, itest]
`)
	require.NoError(t, err)
	require.NotNil(t, overlay.Jobs["itest"])
	assert.Equal(t, []string{"itest"}, overlay.Attachments["check"], "attachments are deduplicated")

	_, err = l.ParseOverlay("{not yaml")
	assert.Error(t, err)

	_, err = l.ParseOverlay("jobs: [{name: bad, timeout: never}]")
	assert.Error(t, err)
}

func TestLoadRejectsBadConfig(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "duplicate job",
			yaml: `
tenants:
  - name: acme
    jobs:
      - name: lint
      - name: lint
`,
			want: "defined twice",
		},
		{
			name: "bad branch pattern",
			yaml: `
tenants:
  - name: acme
    jobs:
      - name: lint
        branches: ["[unclosed"]
`,
			want: "invalid branch pattern",
		},
		{
			name: "unknown manager",
			yaml: `
tenants:
  - name: acme
    pipelines:
      - name: check
        manager: serialized
`,
			want: "unknown manager",
		},
		{
			name: "unknown connection",
			yaml: `
tenants:
  - name: acme
    projects:
      - name: org/project1
        connection: gitlab
`,
			want: "unknown connection",
		},
		{
			name: "trigger without event",
			yaml: `
tenants:
  - name: acme
    pipelines:
      - name: check
        trigger:
          - action: [opened]
`,
			want: "trigger without an event type",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			l := newLoader(t, tc.yaml, nil)
			_, err := l.LoadAbide()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}
