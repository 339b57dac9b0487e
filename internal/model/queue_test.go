package model

import "testing"

func testProject(name string) *Project {
	return &Project{Hostname: "example.test", Name: name}
}

func testPR(p *Project, number int, patchset string) *PullRequest {
	return &PullRequest{Proj: p, Number: number, PatchsetID: patchset, Branch: "master", Open: true}
}

func TestEnqueueLinksItems(t *testing.T) {
	p := testProject("org/project1")
	q := NewSharedQueue("main")
	q.AddProject(p)
	pipeline := &Pipeline{Name: "gate"}

	a := q.EnqueueChange(testPR(p, 1, "aaa"), pipeline)
	b := q.EnqueueChange(testPR(p, 2, "bbb"), pipeline)
	c := q.EnqueueChange(testPR(p, 3, "ccc"), pipeline)

	if a.ItemAhead != nil {
		t.Fatal("first item should be queue head")
	}
	if b.ItemAhead != a || c.ItemAhead != b {
		t.Fatal("items should chain in enqueue order")
	}
	if len(a.ItemsBehind) != 1 || a.ItemsBehind[0] != b {
		t.Fatalf("ItemsBehind out of sync: %v", a.ItemsBehind)
	}
	if got := len(a.AllBehind()); got != 2 {
		t.Fatalf("AllBehind(a) = %d items, want 2", got)
	}
}

func TestDequeueRelinksBehind(t *testing.T) {
	p := testProject("org/project1")
	q := NewSharedQueue("main")
	pipeline := &Pipeline{Name: "gate"}
	a := q.EnqueueChange(testPR(p, 1, "aaa"), pipeline)
	b := q.EnqueueChange(testPR(p, 2, "bbb"), pipeline)
	c := q.EnqueueChange(testPR(p, 3, "ccc"), pipeline)

	q.DequeueItem(b)

	if b.Queue != nil || b.Pipeline != nil || b.ItemAhead != nil || b.ItemsBehind != nil {
		t.Fatal("dequeued item should carry no linkage")
	}
	if c.ItemAhead != a {
		t.Fatal("item behind should relink to the removed item's ahead")
	}
	if len(a.ItemsBehind) != 1 || a.ItemsBehind[0] != c {
		t.Fatalf("head's ItemsBehind should only hold c, got %v", a.ItemsBehind)
	}
	if len(q.Items) != 2 {
		t.Fatalf("queue should hold 2 items, got %d", len(q.Items))
	}
	if b.DequeueTime.IsZero() {
		t.Fatal("dequeue time should be recorded")
	}
}

func TestDequeueHeadPromotesNext(t *testing.T) {
	p := testProject("org/project1")
	q := NewSharedQueue("main")
	pipeline := &Pipeline{Name: "gate"}
	a := q.EnqueueChange(testPR(p, 1, "aaa"), pipeline)
	b := q.EnqueueChange(testPR(p, 2, "bbb"), pipeline)

	q.DequeueItem(a)
	if b.ItemAhead != nil {
		t.Fatal("second item should become queue head")
	}
}

func TestReorderRelinks(t *testing.T) {
	p := testProject("org/project1")
	q := NewSharedQueue("main")
	pipeline := &Pipeline{Name: "gate"}
	a := q.EnqueueChange(testPR(p, 1, "aaa"), pipeline)
	b := q.EnqueueChange(testPR(p, 2, "bbb"), pipeline)
	c := q.EnqueueChange(testPR(p, 3, "ccc"), pipeline)

	q.Reorder([]*QueueItem{c, a, b})

	if c.ItemAhead != nil || a.ItemAhead != c || b.ItemAhead != a {
		t.Fatal("reorder should rebuild the ahead chain")
	}
	if len(c.ItemsBehind) != 1 || c.ItemsBehind[0] != a {
		t.Fatalf("ItemsBehind should follow the new order, got %v", c.ItemsBehind)
	}
	if q.Items[0] != c || q.Items[1] != a || q.Items[2] != b {
		t.Fatal("backing slice should match the new order")
	}
}

func TestResetBuildSetRetiresHistory(t *testing.T) {
	p := testProject("org/project1")
	q := NewSharedQueue("main")
	item := q.EnqueueChange(testPR(p, 1, "aaa"), &Pipeline{Name: "gate"})
	first := item.CurrentBuildSet
	item.JobTree = NewJobTree()

	item.ResetBuildSet()

	if item.CurrentBuildSet == first {
		t.Fatal("reset should replace the current build set")
	}
	if len(item.BuildSets) != 1 || item.BuildSets[0] != first {
		t.Fatal("the old build set should be retired into history")
	}
	if item.JobTree != nil {
		t.Fatal("the frozen job tree should be discarded on reset")
	}
}

func TestJobCompletionAccounting(t *testing.T) {
	p := testProject("org/project1")
	q := NewSharedQueue("main")
	item := q.EnqueueChange(testPR(p, 1, "aaa"), &Pipeline{Name: "gate"})
	lint := &Job{Name: "lint", Voting: true}
	docs := &Job{Name: "docs", Voting: false}
	tree := NewJobTree()
	tree.AddJob(lint)
	tree.AddJob(docs)
	item.JobTree = tree
	bs := item.CurrentBuildSet

	if item.AreAllJobsComplete() {
		t.Fatal("no builds yet")
	}
	bs.AddBuild(&Build{Job: lint, Result: ResultSuccess})
	bs.AddBuild(&Build{Job: docs, Result: ResultFailure})

	if !item.AreAllJobsComplete() {
		t.Fatal("all frozen jobs have terminal builds")
	}
	if !item.DidAllJobsSucceed() {
		t.Fatal("non-voting failures must not fail the item")
	}
	if item.DidAnyJobFail() {
		t.Fatal("only voting jobs count as failures")
	}
}

func TestPipelineRecordResultDisables(t *testing.T) {
	pl := &Pipeline{Name: "gate", DisableAfter: 3}
	pl.RecordResult(false)
	pl.RecordResult(false)
	pl.RecordResult(true)
	if pl.ConsecutiveFailures != 0 || pl.Disabled {
		t.Fatal("a success should reset the failure streak")
	}
	for i := 0; i < 3; i++ {
		pl.RecordResult(false)
	}
	if !pl.Disabled {
		t.Fatal("pipeline should disable at the threshold")
	}
}

func TestChangeIdentity(t *testing.T) {
	p := testProject("org/project1")
	a := testPR(p, 1, "aaa")
	b := testPR(p, 1, "bbb")
	if a.Equals(b) {
		t.Fatal("different patchsets are different snapshots")
	}
	if !b.IsUpdateOf(a) {
		t.Fatal("a new patchset of the same PR is an update")
	}
	if a.IsUpdateOf(a) {
		t.Fatal("a change is not an update of itself")
	}

	ref := &Ref{Proj: p, Name: "refs/heads/master", Oldrev: "aaa", Newrev: "0000000000"}
	if !ref.IsDelete() {
		t.Fatal("an all-zero newrev is a ref deletion")
	}
}
