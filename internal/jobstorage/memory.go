package jobstorage

import (
	"context"
	"sync"

	"github.com/ChuLiYu/beaver-sync/pkg/types"
)

// MemoryDurable 純記憶體的 Durable，用於測試與 --storage=memory
type MemoryDurable struct {
	mu      sync.Mutex
	data    types.SnapshotData
	batches []types.Batch
	failErr error
}

// NewMemoryDurable 建立空的 MemoryDurable
func NewMemoryDurable() *MemoryDurable {
	return &MemoryDurable{data: types.NewSnapshotData()}
}

// LoadAll implements Durable.
func (m *MemoryDurable) LoadAll(ctx context.Context) (types.SnapshotData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return types.SnapshotData{}, m.failErr
	}
	out := types.NewSnapshotData()
	for id, j := range m.data.Jobs {
		out.Jobs[id] = j.Clone()
	}
	out.Constraints = append(out.Constraints, m.data.Constraints...)
	out.Dependencies = append(out.Dependencies, m.data.Dependencies...)
	return out, nil
}

// WriteBatch implements Durable.
func (m *MemoryDurable) WriteBatch(ctx context.Context, batch types.Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}
	m.data.Apply(batch)
	m.batches = append(m.batches, batch)
	return nil
}

// Close implements Durable.
func (m *MemoryDurable) Close() error { return nil }

// SetError 之後的所有操作都回傳 err；傳入 nil 恢復正常
func (m *MemoryDurable) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failErr = err
}

// Batches 回傳已寫入的批次
func (m *MemoryDurable) Batches() []types.Batch {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.Batch(nil), m.batches...)
}

// Snapshot 回傳目前持久化內容
func (m *MemoryDurable) Snapshot() types.SnapshotData {
	data, _ := m.LoadAll(context.Background())
	return data
}
