package wal

// ============================================================================
// WAL 工具函式
// 職責：提供 WAL 相關的輔助功能（讀取尾端事件、統計、完整性驗證）
// ============================================================================

import (
	"fmt"
	"os"
	"time"
)

// GetLastEvent 從 WAL 檔案讀取最後一個事件
//
// NewWAL 時需要取得 last_seq 以繼續編號。檔案為空時回傳 ErrEmptyWAL。
func GetLastEvent(path string) (*Event, error) {
	var last *Event
	err := replayFile(path, 0, func(e Event) error {
		ev := e
		last = &ev
		return nil
	})
	if err != nil {
		return nil, err
	}
	if last == nil {
		return nil, ErrEmptyWAL
	}
	return last, nil
}

// CountEvents 計算 WAL 中的事件總數
func CountEvents(path string) (int, error) {
	count := 0
	err := replayFile(path, 0, func(Event) error {
		count++
		return nil
	})
	return count, err
}

// ValidateWAL 驗證 WAL 檔案的完整性
//
// 檢查項目：JSON 格式、校驗和、seq 嚴格遞增
func ValidateWAL(path string) error {
	var prev uint64
	return replayFile(path, 0, func(e Event) error {
		if e.Seq <= prev {
			return &CorruptionError{Seq: prev, Cause: fmt.Errorf("seq %d not after %d", e.Seq, prev)}
		}
		if _, err := e.Batch(); err != nil {
			return err
		}
		prev = e.Seq
		return nil
	})
}

// WALStats WAL 檔案的統計資訊
type WALStats struct {
	Path       string    `json:"path"`
	SizeBytes  int64     `json:"size_bytes"`
	EventCount int       `json:"event_count"`
	FirstSeq   uint64    `json:"first_seq"`
	LastSeq    uint64    `json:"last_seq"`
	ModTime    time.Time `json:"mod_time"`
}

// GetWALStats 讀取 WAL 檔案的統計資訊
func GetWALStats(path string) (WALStats, error) {
	stats := WALStats{Path: path}
	info, err := os.Stat(path)
	if err != nil {
		return stats, err
	}
	stats.SizeBytes = info.Size()
	stats.ModTime = info.ModTime()

	err = replayFile(path, 0, func(e Event) error {
		if stats.EventCount == 0 {
			stats.FirstSeq = e.Seq
		}
		stats.LastSeq = e.Seq
		stats.EventCount++
		return nil
	})
	return stats, err
}
