// Package filestore 以 WAL + 快照實作 jobstorage.Durable
//
// 寫入：每個批次強制 fsync 追加到 WAL。
// 載入：讀取快照，再重放快照 LastSeq 之後的 WAL 事件。
// 壓縮：WAL 累積 CompactEvery 個事件後，把目前的完整狀態寫成快照並旋轉 WAL。
package filestore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/ChuLiYu/beaver-sync/internal/snapshot"
	"github.com/ChuLiYu/beaver-sync/internal/storage/wal"
	"github.com/ChuLiYu/beaver-sync/pkg/types"
)

// 預設檔名
const (
	WALFileName      = "jobs.wal"
	SnapshotFileName = "jobs.snapshot.json"
)

// Config filestore 設定
type Config struct {
	Dir             string // 資料目錄
	CompactEvery    int    // 每 N 個事件壓縮一次，0 表示不自動壓縮
	CompressRotated bool   // 旋轉後的 WAL 是否 gzip 壓縮保存
	KeepSnapshots   int    // 保留的舊快照數量
}

// Store WAL + 快照組成的 Durable
type Store struct {
	mu       sync.Mutex
	cfg      Config
	wal      *wal.WAL
	snapshot *snapshot.Manager
	logger   *slog.Logger

	// state 持久狀態的鏡像，供壓縮時寫快照
	state        types.SnapshotData
	sinceCompact int
}

// Open 開啟（或建立）資料目錄下的 WAL 與快照
func Open(cfg Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("filestore: create dir: %w", err)
	}

	w, err := wal.NewWAL(filepath.Join(cfg.Dir, WALFileName), true)
	if err != nil {
		return nil, fmt.Errorf("filestore: %w", err)
	}

	return &Store{
		cfg:      cfg,
		wal:      w,
		snapshot: snapshot.NewManager(filepath.Join(cfg.Dir, SnapshotFileName)),
		logger:   logger,
		state:    types.NewSnapshotData(),
	}, nil
}

// LoadAll 快照 + WAL 重放
func (s *Store) LoadAll(ctx context.Context) (types.SnapshotData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.snapshot.Load()
	if err != nil {
		return types.SnapshotData{}, fmt.Errorf("filestore: load snapshot: %w", err)
	}
	s.wal.SetMinSeq(data.LastSeq)

	replayed := 0
	err = s.wal.Replay(data.LastSeq, func(e wal.Event) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := e.Batch()
		if err != nil {
			return err
		}
		data.Apply(batch)
		data.LastSeq = e.Seq
		replayed++
		return nil
	})
	if err != nil {
		return types.SnapshotData{}, fmt.Errorf("filestore: replay wal: %w", err)
	}

	s.state = data
	s.sinceCompact = replayed
	s.logger.Info("filestore loaded",
		"jobs", len(data.Jobs),
		"snapshotSeq", data.LastSeq-uint64(replayed),
		"replayedEvents", replayed)

	return cloneData(data), nil
}

// WriteBatch 強制 fsync 追加一個批次
func (s *Store) WriteBatch(ctx context.Context, batch types.Batch) error {
	if batch.IsEmpty() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	seq, err := s.wal.Append(batch, true)
	if err != nil {
		return fmt.Errorf("filestore: append: %w", err)
	}
	s.state.Apply(batch)
	s.state.LastSeq = seq
	s.sinceCompact++

	if s.cfg.CompactEvery > 0 && s.sinceCompact >= s.cfg.CompactEvery {
		if err := s.compactLocked(); err != nil {
			// 壓縮失敗不影響已寫入的批次
			s.logger.Error("filestore compaction failed", "error", err)
		}
	}
	return nil
}

// Compact 立即寫快照並旋轉 WAL
func (s *Store) Compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.compactLocked()
}

func (s *Store) compactLocked() error {
	if err := s.snapshot.WriteWithBackup(s.state, s.cfg.KeepSnapshots); err != nil {
		return err
	}
	backup, err := s.wal.Rotate(s.cfg.CompressRotated)
	if err != nil {
		return err
	}
	s.logger.Info("filestore compacted", "lastSeq", s.state.LastSeq, "rotatedTo", backup)
	s.sinceCompact = 0
	return nil
}

// Stats WAL 檔案統計
func (s *Store) Stats() (wal.WALStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.wal.Flush(); err != nil {
		return wal.WALStats{}, err
	}
	return wal.GetWALStats(s.wal.Path())
}

// Close 關閉 WAL
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wal.Close()
}

func cloneData(d types.SnapshotData) types.SnapshotData {
	out := types.NewSnapshotData()
	for id, j := range d.Jobs {
		out.Jobs[id] = j.Clone()
	}
	out.Constraints = append(out.Constraints, d.Constraints...)
	out.Dependencies = append(out.Dependencies, d.Dependencies...)
	out.LastSeq = d.LastSeq
	return out
}
