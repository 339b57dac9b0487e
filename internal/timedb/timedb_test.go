package timedb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RevCBH/switchyard/internal/model"
)

func openDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestEstimateEmpty(t *testing.T) {
	db := openDB(t)
	assert.Equal(t, time.Duration(0), db.Estimate("lint"))
}

func TestRecordAndEstimate(t *testing.T) {
	db := openDB(t)
	require.NoError(t, db.Record("lint", 60*time.Second, model.ResultSuccess))
	require.NoError(t, db.Record("lint", 120*time.Second, model.ResultSuccess))

	assert.Equal(t, 90*time.Second, db.Estimate("lint"))
	assert.Equal(t, time.Duration(0), db.Estimate("unit"), "estimates are per job")
}

func TestEstimateIgnoresFailures(t *testing.T) {
	db := openDB(t)
	require.NoError(t, db.Record("lint", 10*time.Second, model.ResultSuccess))
	require.NoError(t, db.Record("lint", 10*time.Hour, model.ResultFailure))

	assert.Equal(t, 10*time.Second, db.Estimate("lint"))
}

func TestRecordTrimsHistory(t *testing.T) {
	db := openDB(t)
	// old outlier that should fall out of the retention window
	require.NoError(t, db.Record("lint", time.Hour, model.ResultSuccess))
	for i := 0; i < keep; i++ {
		require.NoError(t, db.Record("lint", time.Minute, model.ResultSuccess))
	}
	assert.Equal(t, time.Minute, db.Estimate("lint"))
}

func TestReopenPersists(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, db.Record("lint", 42*time.Second, model.ResultSuccess))
	require.NoError(t, db.Close())

	db, err = Open(dir)
	require.NoError(t, err)
	defer db.Close()
	assert.Equal(t, 42*time.Second, db.Estimate("lint"))
}
