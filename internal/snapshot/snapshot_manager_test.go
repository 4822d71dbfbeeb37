package snapshot

// ============================================================================
// Snapshot Manager 測試檔案
// 職責：驗證快照的原子性寫入、載入、版本驗證與錯誤處理
// ============================================================================

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/ChuLiYu/beaver-sync/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleData() types.SnapshotData {
	data := types.NewSnapshotData()
	data.Jobs["job-001"] = types.JobSpec{ID: "job-001", FactoryKey: "Sync", QueueKey: "Q", CreateTime: 10, MaxAttempts: 3, Lifespan: types.Immortal}
	data.Jobs["job-002"] = types.JobSpec{ID: "job-002", FactoryKey: "Sync", CreateTime: 20, SerializedData: []byte{1, 2, 3}}
	data.Constraints = []types.ConstraintSpec{{JobID: "job-001", FactoryKey: "NetworkConstraint"}}
	data.Dependencies = []types.DependencySpec{{JobID: "job-002", DependsOnJobID: "job-001"}}
	data.LastSeq = 42
	return data
}

// TestWriteAndLoad 測試寫入與載入快照
func TestWriteAndLoad(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "snapshot.json"))

	original := sampleData()
	require.NoError(t, manager.Write(original))
	assert.True(t, manager.Exists())

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, original, loaded)

	_, err = os.Stat(manager.GetPath() + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file should be renamed away")
}

// TestLoadMissingFile 首次啟動時回傳空狀態
func TestLoadMissingFile(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "none.json"))
	assert.False(t, manager.Exists())

	data, err := manager.Load()
	require.NoError(t, err)
	assert.NotNil(t, data.Jobs)
	assert.Empty(t, data.Jobs)
	assert.Equal(t, SchemaVersion, data.SchemaVer)
}

// TestLoadCorrupted 損壞的快照要能被偵測
func TestLoadCorrupted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	_, err := NewManager(path).Load()
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)
}

// TestLoadIncompatibleVersion 版本不符時拒絕載入
func TestLoadIncompatibleVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	raw, err := json.Marshal(map[string]any{"jobs": map[string]any{}, "schema_ver": 99})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0644))

	_, err = NewManager(path).Load()
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

// TestWriteWithBackup 舊快照會被保留，數量受 keepBackups 限制
func TestWriteWithBackup(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "snapshot.json"))

	for i := 0; i < 5; i++ {
		data := sampleData()
		data.LastSeq = uint64(i)
		require.NoError(t, manager.WriteWithBackup(data, 2))
	}

	backups, err := manager.Backups()
	require.NoError(t, err)
	assert.Len(t, backups, 2)

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(4), loaded.LastSeq)
}
