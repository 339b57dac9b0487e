package results

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/RevCBH/switchyard/internal/model"
)

func testBuild() *model.Build {
	project := &model.Project{Hostname: "example.test", Name: "org/project1"}
	q := model.NewSharedQueue("main")
	item := q.EnqueueChange(&model.PullRequest{Proj: project, Number: 1, PatchsetID: "aaa"}, &model.Pipeline{Name: "gate"})
	build := &model.Build{
		Job:        &model.Job{Name: "lint"},
		UUID:       "build-1",
		Result:     model.ResultSuccess,
		StartTime:  time.Now().Add(-time.Minute),
		EndTime:    time.Now(),
		WorkerName: "w1",
	}
	item.CurrentBuildSet.AddBuild(build)
	return build
}

func TestNilStoreIsNoOp(t *testing.T) {
	var s *Store
	// a nil store is the configured-off recorder
	s.RecordBuild("acme", "gate", testBuild())
}

func TestRecordBuildQueues(t *testing.T) {
	s := &Store{log: zap.NewNop().Sugar(), ch: make(chan BuildRecord, 1)}
	s.RecordBuild("acme", "gate", testBuild())

	var rec BuildRecord
	select {
	case rec = <-s.ch:
	default:
		t.Fatal("record should be queued")
	}
	assert.Equal(t, "build-1", rec.UUID)
	assert.Equal(t, "acme", rec.Tenant)
	assert.Equal(t, "gate", rec.Pipeline)
	assert.Equal(t, "lint", rec.JobName)
	assert.Equal(t, model.ResultSuccess, rec.Result)
	assert.Equal(t, "example.test/org/project1", rec.Project)
	assert.Equal(t, "example.test/org/project1/1/aaa", rec.ChangeKey)
	assert.Equal(t, "w1", rec.WorkerName)
}

func TestRecordBuildDropsWhenFull(t *testing.T) {
	s := &Store{log: zap.NewNop().Sugar(), ch: make(chan BuildRecord, 1)}
	s.RecordBuild("acme", "gate", testBuild())
	s.RecordBuild("acme", "gate", testBuild())

	require.Len(t, s.ch, 1, "a full queue drops rather than stalls")
}

func TestNullableTime(t *testing.T) {
	assert.Nil(t, nullableTime(time.Time{}))
	now := time.Now()
	got := nullableTime(now)
	require.NotNil(t, got)
	assert.True(t, got.Equal(now))
}
