package filestore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ChuLiYu/beaver-sync/internal/jobstorage"
	"github.com/ChuLiYu/beaver-sync/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ jobstorage.Durable = (*Store)(nil)

func openStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	s, err := Open(cfg, nil)
	require.NoError(t, err)
	return s
}

func job(id string, createTime int64) types.JobSpec {
	return types.JobSpec{ID: id, FactoryKey: "Test", CreateTime: createTime, Lifespan: types.Immortal}
}

func TestWriteAndReload(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s := openStore(t, Config{Dir: dir})
	_, err := s.LoadAll(ctx)
	require.NoError(t, err)

	require.NoError(t, s.WriteBatch(ctx, types.Batch{
		PutJobs:         []types.JobSpec{job("a", 1), job("b", 2)},
		PutConstraints:  []types.ConstraintSpec{{JobID: "a", FactoryKey: "NetworkConstraint"}},
		PutDependencies: []types.DependencySpec{{JobID: "b", DependsOnJobID: "a"}},
	}))
	require.NoError(t, s.WriteBatch(ctx, types.Batch{DeleteJobIDs: []string{"a"}}))
	require.NoError(t, s.Close())

	s2 := openStore(t, Config{Dir: dir})
	defer s2.Close()
	data, err := s2.LoadAll(ctx)
	require.NoError(t, err)

	assert.Len(t, data.Jobs, 1)
	assert.Contains(t, data.Jobs, "b")
	assert.Empty(t, data.Constraints)
	assert.Empty(t, data.Dependencies)
	assert.Equal(t, uint64(2), data.LastSeq)
}

func TestCompactionSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s := openStore(t, Config{Dir: dir, CompactEvery: 3, CompressRotated: true, KeepSnapshots: 1})
	_, err := s.LoadAll(ctx)
	require.NoError(t, err)

	for i, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, s.WriteBatch(ctx, types.Batch{PutJobs: []types.JobSpec{job(id, int64(i))}}))
	}
	stats, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.EventCount, "three events compacted into the snapshot")
	assert.Equal(t, uint64(4), stats.LastSeq)
	require.NoError(t, s.Close())

	_, err = os.Stat(filepath.Join(dir, SnapshotFileName))
	require.NoError(t, err)

	s2 := openStore(t, Config{Dir: dir})
	defer s2.Close()
	data, err := s2.LoadAll(ctx)
	require.NoError(t, err)
	assert.Len(t, data.Jobs, 4)

	// sequence continues after the snapshot even though the live WAL was rotated
	require.NoError(t, s2.WriteBatch(ctx, types.Batch{DeleteJobIDs: []string{"a"}}))
	stats, err = s2.Stats()
	require.NoError(t, err)
	assert.Equal(t, uint64(5), stats.LastSeq)
}

func TestLoadFailsOnCorruptWAL(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s := openStore(t, Config{Dir: dir})
	require.NoError(t, s.WriteBatch(ctx, types.Batch{PutJobs: []types.JobSpec{job("a", 1)}}))
	require.NoError(t, s.Close())

	walPath := filepath.Join(dir, WALFileName)
	raw, err := os.ReadFile(walPath)
	require.NoError(t, err)
	raw[len(raw)/2] ^= 0xff
	require.NoError(t, os.WriteFile(walPath, raw, 0644))

	s2, err := Open(Config{Dir: dir}, nil)
	if err != nil {
		return // corruption detected while reading the last sequence number
	}
	defer s2.Close()
	_, err = s2.LoadAll(ctx)
	assert.Error(t, err)
}

func TestBackedJobStorage(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s := openStore(t, Config{Dir: dir})
	storage := jobstorage.New(s)
	require.NoError(t, storage.Init(ctx))
	require.NoError(t, storage.InsertJobs(ctx, []types.FullSpec{{Job: job("a", 1)}}))
	require.NoError(t, storage.UpdateJobRunningState(ctx, "a", true))
	require.NoError(t, s.Close())

	s2 := openStore(t, Config{Dir: dir})
	defer s2.Close()
	restored := jobstorage.New(s2)
	require.NoError(t, restored.Init(ctx))
	require.NoError(t, restored.UpdateAllJobsToBePending(ctx))

	j, ok := restored.GetJobSpec("a")
	require.True(t, ok)
	assert.False(t, j.IsRunning)
}
