package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/RevCBH/switchyard/internal/events"
	"github.com/RevCBH/switchyard/internal/model"
)

// fakeSched records control-plane operations and resolves them
// immediately.
type fakeSched struct {
	abide  *model.Abide
	events []events.ManagementEvent
	err    error
	exited bool
}

func (f *fakeSched) WithLock(fn func()) { fn() }

func (f *fakeSched) Abide() *model.Abide {
	if f.abide == nil {
		return model.NewAbide()
	}
	return f.abide
}

func (f *fakeSched) AddManagementEvent(ev events.ManagementEvent) {
	f.events = append(f.events, ev)
	ev.Done(f.err)
}

func (f *fakeSched) Exit() { f.exited = true }

func newTestServer(t *testing.T, sched *fakeSched) (*Server, zap.AtomicLevel) {
	t.Helper()
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	return New(Options{
		Log:    zap.NewNop().Sugar(),
		Listen: "127.0.0.1:0",
		Sched:  sched,
		Level:  level,
	}), level
}

func do(s *Server, method, path, body string) *httptest.ResponseRecorder {
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(w, r)
	return w
}

func statusAbide() *model.Abide {
	project := &model.Project{Hostname: "example.test", Name: "org/project1"}
	pipeline := &model.Pipeline{Name: "gate", ManagerName: model.ManagerDependent}
	q := model.NewSharedQueue("main")
	q.AddProject(project)
	pipeline.AddQueue(q)

	head := q.EnqueueChange(&model.PullRequest{
		Proj: project, Number: 1, PatchsetID: "aaa111",
		Link: "https://example.test/org/project1/pull/1",
	}, pipeline)
	head.CurrentBuildSet.MergeState = model.MergeStateComplete
	lint := &model.Job{Name: "lint", Voting: true}
	unit := &model.Job{Name: "unit", Voting: true}
	tree := model.NewJobTree()
	tree.AddJob(lint)
	tree.AddJob(unit)
	head.JobTree = tree
	head.CurrentBuildSet.AddBuild(&model.Build{
		Job: lint, UUID: "build-1", Result: model.ResultSuccess, WorkerName: "w1",
	})

	behind := q.EnqueueChange(&model.PullRequest{
		Proj: project, Number: 2, PatchsetID: "bbb222",
	}, pipeline)
	behind.CurrentBuildSet.MergeState = model.MergeStatePending

	layout := model.NewLayout()
	layout.Pipelines = append(layout.Pipelines, pipeline)
	abide := model.NewAbide()
	abide.AddTenant(&model.Tenant{Name: "acme", Layout: layout})
	return abide
}

func TestStatusEndpoint(t *testing.T) {
	s, _ := newTestServer(t, &fakeSched{abide: statusAbide()})
	w := do(s, http.MethodGet, "/status.json", "")
	require.Equal(t, http.StatusOK, w.Code)

	var status Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	require.Len(t, status.Tenants, 1)
	tenant := status.Tenants[0]
	assert.Equal(t, "acme", tenant.Name)
	require.Len(t, tenant.Pipelines, 1)
	pipeline := tenant.Pipelines[0]
	assert.Equal(t, "gate", pipeline.Name)
	assert.Equal(t, model.ManagerDependent, pipeline.Manager)
	require.Len(t, pipeline.Queues, 1)
	require.Len(t, pipeline.Queues[0].Items, 2)

	head := pipeline.Queues[0].Items[0]
	assert.Equal(t, "example.test/org/project1/1/aaa111", head.Change)
	assert.Equal(t, "https://example.test/org/project1/pull/1", head.URL)
	assert.Empty(t, head.ItemAhead)
	assert.Equal(t, "complete", head.MergeState)
	require.Len(t, head.Builds, 2, "frozen jobs without builds appear as placeholders")
	assert.Equal(t, "build-1", head.Builds[0].UUID)
	assert.Equal(t, model.ResultSuccess, head.Builds[0].Result)
	assert.Empty(t, head.Builds[1].UUID)

	behind := pipeline.Queues[0].Items[1]
	assert.Equal(t, head.Change, behind.ItemAhead)
	assert.Equal(t, "pending", behind.MergeState)
	assert.Empty(t, behind.Builds)
}

func TestSnapshotManagerDefaultsToIndependent(t *testing.T) {
	layout := model.NewLayout()
	layout.Pipelines = append(layout.Pipelines, &model.Pipeline{Name: "check"})
	abide := model.NewAbide()
	abide.AddTenant(&model.Tenant{Name: "acme", Layout: layout})

	status := snapshotStatus(abide)
	assert.Equal(t, model.ManagerIndependent, status.Tenants[0].Pipelines[0].Manager)
}

func TestReconfigureEndpoint(t *testing.T) {
	sched := &fakeSched{}
	s, _ := newTestServer(t, sched)

	w := do(s, http.MethodPost, "/control/reconfigure", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, sched.events, 1)
	assert.IsType(t, &events.ReconfigureEvent{}, sched.events[0])

	w = do(s, http.MethodPost, "/control/reconfigure", `{"tenant":"acme"}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, sched.events, 2)
	tre, ok := sched.events[1].(*events.TenantReconfigureEvent)
	require.True(t, ok)
	assert.Equal(t, "acme", tre.Tenant)

	w = do(s, http.MethodGet, "/control/reconfigure", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestPromoteEndpoint(t *testing.T) {
	sched := &fakeSched{}
	s, _ := newTestServer(t, sched)

	w := do(s, http.MethodPost, "/control/promote", `{"tenant":"acme","pipeline":"gate"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code, "changes are required")

	w = do(s, http.MethodPost, "/control/promote",
		`{"tenant":"acme","pipeline":"gate","changes":["3,abc"]}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, sched.events, 1)
	pe := sched.events[0].(*events.PromoteEvent)
	assert.Equal(t, "acme", pe.Tenant)
	assert.Equal(t, "gate", pe.Pipeline)
	assert.Equal(t, []string{"3,abc"}, pe.Changes)
}

func TestEnqueueEndpoint(t *testing.T) {
	sched := &fakeSched{}
	s, _ := newTestServer(t, sched)

	w := do(s, http.MethodPost, "/control/enqueue",
		`{"tenant":"acme","pipeline":"check","project":"org/project1","change":"12,abc123"}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, sched.events, 1)
	ee := sched.events[0].(*events.EnqueueEvent)
	assert.Equal(t, model.EventTypePullRequest, ee.Event.Type)
	assert.Equal(t, 12, ee.Event.ChangeNumber)
	assert.Equal(t, "abc123", ee.Event.PatchsetID)
	assert.Equal(t, "org/project1", ee.Event.ProjectName)

	w = do(s, http.MethodPost, "/control/enqueue",
		`{"tenant":"acme","pipeline":"check","project":"org/project1","ref":"refs/heads/master","newrev":"abc"}`)
	require.Equal(t, http.StatusOK, w.Code)
	ee = sched.events[1].(*events.EnqueueEvent)
	assert.Equal(t, model.EventTypePush, ee.Event.Type)
	assert.Equal(t, "refs/heads/master", ee.Event.Ref)

	for _, body := range []string{
		`{"pipeline":"check","project":"org/project1","change":"12,abc"}`,
		`{"tenant":"acme","pipeline":"check","project":"org/project1"}`,
		`{"tenant":"acme","pipeline":"check","project":"org/project1","change":"notanumber,abc"}`,
		`{"tenant":"acme","pipeline":"check","project":"org/project1","change":"12"}`,
	} {
		w = do(s, http.MethodPost, "/control/enqueue", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
	}
}

func TestExitEndpoint(t *testing.T) {
	sched := &fakeSched{}
	s, _ := newTestServer(t, sched)

	w := do(s, http.MethodGet, "/control/exit", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.False(t, sched.exited)

	w = do(s, http.MethodPost, "/control/exit", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, sched.exited)
}

func TestVerboseEndpoint(t *testing.T) {
	s, level := newTestServer(t, &fakeSched{})

	w := do(s, http.MethodGet, "/control/verbose", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"enabled":false}`, w.Body.String())

	w = do(s, http.MethodPost, "/control/verbose", `{"enabled":true}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, level.Enabled(zapcore.DebugLevel))

	w = do(s, http.MethodPost, "/control/verbose", `{"enabled":false}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, level.Enabled(zapcore.DebugLevel))
}

func TestSubmitErrorPropagates(t *testing.T) {
	sched := &fakeSched{err: fmt.Errorf("unknown tenant \"ghost\"")}
	s, _ := newTestServer(t, sched)

	w := do(s, http.MethodPost, "/control/reconfigure", `{"tenant":"ghost"}`)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "unknown tenant")
}

func TestBuildsWithoutResultsStore(t *testing.T) {
	s, _ := newTestServer(t, &fakeSched{})
	w := do(s, http.MethodGet, "/api/builds", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSplitKeyPath(t *testing.T) {
	cases := []struct {
		in         string
		connection string
		project    string
		ok         bool
	}{
		{"github/org/repo.pub", "github", "org/repo", true},
		{"github/org/repo", "", "", false},
		{"github.pub", "", "", false},
		{"/org/repo.pub", "", "", false},
	}
	for _, tc := range cases {
		connection, project, ok := splitKeyPath(tc.in)
		assert.Equal(t, tc.ok, ok, tc.in)
		assert.Equal(t, tc.connection, connection, tc.in)
		assert.Equal(t, tc.project, project, tc.in)
	}
}
