package scheduler

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/RevCBH/switchyard/internal/events"
	"github.com/RevCBH/switchyard/internal/model"
	"github.com/RevCBH/switchyard/internal/testutil"
)

// fakeLoader serves pre-built abides so reconfiguration can be driven
// without yaml files.
type fakeLoader struct {
	build       func() (*model.Abide, error)
	invalidated []string
}

func (l *fakeLoader) LoadAbide() (*model.Abide, error) { return l.build() }

func (l *fakeLoader) LoadTenant(name string) (*model.Tenant, error) {
	abide, err := l.build()
	if err != nil {
		return nil, err
	}
	tenant := abide.Tenants[name]
	if tenant == nil {
		return nil, fmt.Errorf("tenant %q is not configured", name)
	}
	return tenant, nil
}

func (l *fakeLoader) ParseOverlay(content string) (*model.ConfigOverlay, error) {
	return &model.ConfigOverlay{}, nil
}

func (l *fakeLoader) InvalidateProject(canonical string) {
	l.invalidated = append(l.invalidated, canonical)
}

type schedEnv struct {
	sched    *Scheduler
	loader   *fakeLoader
	source   *testutil.FakeSource
	merger   *testutil.FakeMerger
	executor *testutil.FakeExecutor
	nodes    *testutil.FakeNodes
}

// buildAbide constructs a single-tenant abide with one pipeline over
// org/project1, running the given jobs.
func buildAbide(source *testutil.FakeSource, discipline string, jobs ...string) *model.Abide {
	layout := model.NewLayout()
	for _, name := range jobs {
		layout.Jobs[name] = &model.Job{Name: name, Voting: true, Labels: []string{"small"}}
	}
	project, _ := source.GetProject("org/project1")
	layout.ProjectConfigs[project.CanonicalName()] = &model.ProjectConfig{
		Project:      project,
		PipelineJobs: map[string][]string{"gate": jobs},
	}
	pipeline := &model.Pipeline{
		Name:        "gate",
		ManagerName: discipline,
		Source:      source,
		Triggers: []*model.EventFilter{{
			Types:   []string{model.EventTypePullRequest},
			Actions: []string{model.ActionOpened, model.ActionChanged},
		}},
	}
	if discipline == model.ManagerDependent {
		q := model.NewSharedQueue("main")
		q.AddProject(project)
		pipeline.AddQueue(q)
	}
	layout.Pipelines = append(layout.Pipelines, pipeline)
	abide := model.NewAbide()
	abide.AddTenant(&model.Tenant{Name: "acme", Layout: layout})
	return abide
}

func newSchedEnv(t *testing.T, discipline string, jobs ...string) *schedEnv {
	t.Helper()
	source := testutil.NewFakeSource("github")
	loader := &fakeLoader{build: func() (*model.Abide, error) {
		return buildAbide(source, discipline, jobs...), nil
	}}
	e := &schedEnv{
		loader:   loader,
		source:   source,
		merger:   &testutil.FakeMerger{},
		executor: &testutil.FakeExecutor{},
		nodes:    &testutil.FakeNodes{},
	}
	e.sched = New(Options{Log: zap.NewNop().Sugar(), StateDir: t.TempDir()})
	e.sched.SetClients(loader, e.merger, e.executor, e.nodes)
	if err := e.sched.Prime(); err != nil {
		t.Fatalf("Prime: %v", err)
	}
	return e
}

func (e *schedEnv) pipeline() *model.Pipeline {
	return e.sched.Abide().Tenants["acme"].Layout.GetPipeline("gate")
}

// settle drives the pipeline managers to quiescence without the loop
// goroutine.
func (e *schedEnv) settle() {
	pl := e.pipeline()
	for pl.Manager.ProcessQueue() {
	}
}

func prEvent(number int, action string) *model.TriggerEvent {
	return &model.TriggerEvent{
		ID:              fmt.Sprintf("ev-%d-%s", number, action),
		Connection:      "github",
		Type:            model.EventTypePullRequest,
		Action:          action,
		ProjectHostname: "example.test",
		ProjectName:     "org/project1",
		ChangeNumber:    number,
		PatchsetID:      "aaa111",
		Branch:          "master",
	}
}

func TestTriggerEventEnqueuesChange(t *testing.T) {
	e := newSchedEnv(t, model.ManagerIndependent, "lint")
	pr := e.source.AddPullRequest("org/project1", 1, "aaa111")

	e.sched.processTriggerEvent(prEvent(1, model.ActionOpened))
	if e.pipeline().FindItem(pr) == nil {
		t.Fatal("matching event should enqueue the change")
	}
}

func TestTriggerEventUnknownChangeSkipped(t *testing.T) {
	e := newSchedEnv(t, model.ManagerIndependent, "lint")
	// No pull request registered: the source reports the change unknown.
	e.sched.processTriggerEvent(prEvent(99, model.ActionOpened))
	if got := len(e.pipeline().AllItems()); got != 0 {
		t.Fatalf("nothing should enqueue, got %d items", got)
	}
}

func TestTriggerEventForeignProjectSkipped(t *testing.T) {
	e := newSchedEnv(t, model.ManagerIndependent, "lint")
	ev := prEvent(1, model.ActionOpened)
	ev.ProjectName = "org/unrelated"
	e.sched.processTriggerEvent(ev)
	if got := len(e.pipeline().AllItems()); got != 0 {
		t.Fatalf("events for unbound projects must be ignored, got %d items", got)
	}
}

func TestTriggerAbandonRemovesItem(t *testing.T) {
	e := newSchedEnv(t, model.ManagerIndependent, "lint")
	pr := e.source.AddPullRequest("org/project1", 1, "aaa111")
	e.sched.processTriggerEvent(prEvent(1, model.ActionOpened))
	if e.pipeline().FindItem(pr) == nil {
		t.Fatal("setup: change not enqueued")
	}

	ev := prEvent(1, model.ActionClosed)
	e.sched.processTriggerEvent(ev)
	if e.pipeline().FindItem(pr) != nil {
		t.Fatal("abandoning a change should remove its item")
	}
}

func TestTriggerNewPatchsetSupersedes(t *testing.T) {
	e := newSchedEnv(t, model.ManagerIndependent, "lint")
	old := e.source.AddPullRequest("org/project1", 1, "aaa111")
	e.sched.processTriggerEvent(prEvent(1, model.ActionOpened))

	updated := e.source.AddPullRequest("org/project1", 1, "bbb222")
	ev := prEvent(1, model.ActionChanged)
	ev.PatchsetID = "bbb222"
	e.sched.processTriggerEvent(ev)

	if e.pipeline().FindItem(old) != nil {
		t.Fatal("old patchset should be removed")
	}
	if e.pipeline().FindItem(updated) == nil {
		t.Fatal("new patchset should be enqueued")
	}
}

func TestPromoteReordersAndResets(t *testing.T) {
	e := newSchedEnv(t, model.ManagerDependent, "lint")
	for i := 1; i <= 3; i++ {
		e.source.AddPullRequest("org/project1", i, "aaa111")
		e.sched.processTriggerEvent(prEvent(i, model.ActionOpened))
	}
	e.settle()
	q := e.pipeline().Queues[0]
	if len(q.Items) != 3 {
		t.Fatalf("setup: want 3 items, got %d", len(q.Items))
	}
	first := q.Items[0]
	promotedBS := q.Items[2].CurrentBuildSet
	displacedBS := first.CurrentBuildSet

	ev := events.NewPromoteEvent("acme", "gate", []string{"3,aaa111"})
	if err := e.sched.doPromote(ev); err != nil {
		t.Fatalf("doPromote: %v", err)
	}

	if q.Items[0].Change.(*model.PullRequest).Number != 3 {
		t.Fatal("promoted change should be at queue head")
	}
	if q.Items[0].ItemAhead != nil {
		t.Fatal("promoted item should have no item ahead")
	}
	if q.Items[0].CurrentBuildSet != promotedBS {
		t.Fatal("promoted items keep their builds")
	}
	if first.CurrentBuildSet == displacedBS {
		t.Fatal("displaced items restart on a new build set")
	}
}

func TestPromoteUnknownChangeFails(t *testing.T) {
	e := newSchedEnv(t, model.ManagerDependent, "lint")
	ev := events.NewPromoteEvent("acme", "gate", []string{"42,zzz"})
	if err := e.sched.doPromote(ev); err == nil {
		t.Fatal("promoting an absent change should fail")
	}
}

func TestReconfigureCarriesSurvivingBuilds(t *testing.T) {
	e := newSchedEnv(t, model.ManagerIndependent, "lint", "test")
	pr := e.source.AddPullRequest("org/project1", 1, "aaa111")
	e.sched.processTriggerEvent(prEvent(1, model.ActionOpened))
	item := e.pipeline().FindItem(pr)

	// Drive to launched builds.
	e.settle()
	e.pipeline().Manager.OnMergeCompleted(item.CurrentBuildSet, true, "deadbeef", nil, nil)
	e.merger.Complete()
	e.settle()
	for name, req := range item.CurrentBuildSet.NodeRequests {
		e.pipeline().Manager.OnNodesProvisioned(item.CurrentBuildSet, name, e.nodes.AcceptNodes(req))
	}
	e.settle()
	if len(e.executor.Launched) != 2 {
		t.Fatalf("setup: want 2 builds, got %d", len(e.executor.Launched))
	}

	// The new layout drops the "test" job.
	e.loader.build = func() (*model.Abide, error) {
		return buildAbide(e.source, model.ManagerIndependent, "lint"), nil
	}
	if err := e.sched.doReconfigure(); err != nil {
		t.Fatalf("doReconfigure: %v", err)
	}

	newItem := e.pipeline().FindItem(pr)
	if newItem == nil {
		t.Fatal("item should survive reconfiguration")
	}
	bs := newItem.CurrentBuildSet
	if bs.GetBuild("lint") == nil {
		t.Fatal("build of a surviving job must carry over")
	}
	if bs.GetBuild("test") != nil {
		t.Fatal("build of a removed job must be dropped")
	}
	var cancelledTest bool
	for _, b := range e.executor.Cancelled {
		if b.Job.Name == "test" {
			cancelledTest = true
		}
	}
	if !cancelledTest {
		t.Fatal("the removed job's running build should be cancelled")
	}
}

func TestReconfigureRemovedPipelineCancelsItems(t *testing.T) {
	e := newSchedEnv(t, model.ManagerIndependent, "lint")
	e.source.AddPullRequest("org/project1", 1, "aaa111")
	e.sched.processTriggerEvent(prEvent(1, model.ActionOpened))

	e.loader.build = func() (*model.Abide, error) {
		abide := model.NewAbide()
		abide.AddTenant(&model.Tenant{Name: "acme", Layout: model.NewLayout()})
		return abide, nil
	}
	if err := e.sched.doReconfigure(); err != nil {
		t.Fatalf("doReconfigure: %v", err)
	}
	if got := len(e.sched.Abide().Tenants["acme"].Layout.Pipelines); got != 0 {
		t.Fatalf("new layout should have no pipelines, got %d", got)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := New(Options{Log: zap.NewNop().Sugar(), StateDir: dir})
	s.AddTriggerEvent(prEvent(1, model.ActionOpened))
	s.AddTriggerEvent(prEvent(2, model.ActionOpened))

	if err := s.saveSnapshot(); err != nil {
		t.Fatalf("saveSnapshot: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, snapshotFile)); err != nil {
		t.Fatalf("snapshot file missing: %v", err)
	}

	restored := New(Options{Log: zap.NewNop().Sugar(), StateDir: dir})
	n, err := restored.loadSnapshot()
	if err != nil {
		t.Fatalf("loadSnapshot: %v", err)
	}
	if n != 2 {
		t.Fatalf("restored %d events, want 2", n)
	}
	ev, ok := restored.triggers.TryGet()
	if !ok || ev.ChangeNumber != 1 {
		t.Fatalf("events should restore in order, got %+v", ev)
	}
	if _, err := os.Stat(filepath.Join(dir, snapshotFile)); !os.IsNotExist(err) {
		t.Fatal("snapshot file should be removed after restore")
	}
}

func TestSnapshotEmptyQueueRemovesFile(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, snapshotFile)
	if err := os.WriteFile(stale, []byte("{}\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	s := New(Options{Log: zap.NewNop().Sugar(), StateDir: dir})
	if err := s.saveSnapshot(); err != nil {
		t.Fatalf("saveSnapshot: %v", err)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatal("an empty queue should remove a stale snapshot")
	}
}

func TestPauseGatesTriggerWork(t *testing.T) {
	s := New(Options{Log: zap.NewNop().Sugar()})
	s.AddTriggerEvent(prEvent(1, model.ActionOpened))
	if !s.hasWork() {
		t.Fatal("pending trigger should be work")
	}
	s.Pause()
	if s.hasWork() {
		t.Fatal("paused scheduler must not drain triggers")
	}
	s.AddManagementEvent(events.NewReconfigureEvent())
	if !s.hasWork() {
		t.Fatal("management events flow even while paused")
	}
}

func TestExitSleepsUntilBuildsComplete(t *testing.T) {
	e := newSchedEnv(t, model.ManagerIndependent, "lint")
	pr := e.source.AddPullRequest("org/project1", 1, "aaa111")
	e.sched.processTriggerEvent(prEvent(1, model.ActionOpened))
	item := e.pipeline().FindItem(pr)
	build := &model.Build{Job: &model.Job{Name: "lint"}, UUID: "build-1"}
	item.CurrentBuildSet.AddBuild(build)

	e.sched.Exit()
	if e.sched.hasWork() {
		t.Fatal("an exiting scheduler with a running build must sleep, not spin")
	}

	// Triggers never drain during exit, so they are not work either.
	e.sched.AddTriggerEvent(prEvent(2, model.ActionOpened))
	if e.sched.hasWork() {
		t.Fatal("pending triggers must not wake an exiting scheduler")
	}

	e.sched.AddResultEvent(&events.BuildCompletedEvent{Build: build, Result: model.ResultSuccess})
	if !e.sched.hasWork() {
		t.Fatal("a completion must wake the exiting scheduler")
	}
	e.sched.results.Drain()

	build.Result = model.ResultSuccess
	if !e.sched.hasWork() {
		t.Fatal("a quiescent exiting scheduler runs its final sweep")
	}

	e.sched.Stop()
	if !e.sched.hasWork() {
		t.Fatal("stop is always work")
	}
}

func TestStaleBuildSetResultIsInert(t *testing.T) {
	e := newSchedEnv(t, model.ManagerIndependent, "lint")
	pr := e.source.AddPullRequest("org/project1", 1, "aaa111")
	e.sched.processTriggerEvent(prEvent(1, model.ActionOpened))
	item := e.pipeline().FindItem(pr)

	// Drive to a launched build holding nodes.
	e.settle()
	e.pipeline().Manager.OnMergeCompleted(item.CurrentBuildSet, true, "deadbeef", nil, nil)
	e.merger.Complete()
	e.settle()
	for name, req := range item.CurrentBuildSet.NodeRequests {
		e.pipeline().Manager.OnNodesProvisioned(item.CurrentBuildSet, name, e.nodes.AcceptNodes(req))
	}
	e.settle()
	if len(e.executor.Launched) != 1 {
		t.Fatalf("setup: want 1 build, got %d", len(e.executor.Launched))
	}

	stale := item.CurrentBuildSet
	build := stale.GetBuild("lint")
	ns := stale.Nodesets["lint"]
	if build == nil || ns == nil || ns.Returned {
		t.Fatalf("setup: launched build must hold an unreturned nodeset")
	}

	item.ResetBuildSet()
	e.sched.processResultEvent(&events.BuildCompletedEvent{Build: build, Result: model.ResultFailure})

	if !ns.Returned {
		t.Fatal("nodes of a superseded build must still be returned")
	}
	if e.pipeline().FindItem(pr) == nil {
		t.Fatal("a stale result must not dequeue the item")
	}
	fresh := item.CurrentBuildSet
	if fresh == stale {
		t.Fatal("setup: reset did not replace the build set")
	}
	if fresh.GetBuild("lint") != nil || fresh.UnableToMerge {
		t.Fatal("a stale result must not touch the current build set")
	}
}

func TestMutexes(t *testing.T) {
	m := NewMutexes(zap.NewNop().Sugar())
	p := &model.Project{Hostname: "example.test", Name: "org/project1"}
	q := model.NewSharedQueue("main")
	item1 := q.EnqueueChange(&model.PullRequest{Proj: p, Number: 1, PatchsetID: "a"}, &model.Pipeline{})
	item2 := q.EnqueueChange(&model.PullRequest{Proj: p, Number: 2, PatchsetID: "b"}, &model.Pipeline{})
	job := &model.Job{Name: "deploy", Mutex: "prod"}

	if !m.Acquire(item1, job) {
		t.Fatal("free mutex should be granted")
	}
	if !m.Acquire(item1, job) {
		t.Fatal("re-acquisition by the holder is idempotent")
	}
	if m.Acquire(item2, job) {
		t.Fatal("held mutex must not be granted to another item")
	}

	// Releasing by a non-holder is ignored.
	m.Release(item2, job)
	if m.Acquire(item2, job) {
		t.Fatal("non-holder release must not free the mutex")
	}

	m.Release(item1, job)
	if !m.Acquire(item2, job) {
		t.Fatal("released mutex should be grantable")
	}

	// A mutex held by a completed build is reclaimed.
	build := &model.Build{Job: job, Result: model.ResultSuccess}
	item2.CurrentBuildSet.AddBuild(build)
	if !m.Acquire(item1, job) {
		t.Fatal("mutex of a completed holder should be reclaimed")
	}

	if !m.Acquire(item1, &model.Job{Name: "lint"}) {
		t.Fatal("jobs without a mutex are always granted")
	}
}
