package wal

// ============================================================================
// WAL 核心實作
// 職責：
// 1. 追加任務儲存批次到日誌檔案（append-only，JSON lines）
// 2. 提供重放功能以恢復系統狀態
// 3. 支援日誌旋轉（快照後清空，舊檔可 gzip 壓縮保存）
// 4. 確保寫入持久性與資料完整性
// ============================================================================

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/ChuLiYu/beaver-sync/pkg/types"
)

// FileInterface 定義檔案操作所需的方法
// 這允許在測試中對檔案操作進行模擬
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// WAL 表示 Write-Ahead Log 實例
type WAL struct {
	mu           sync.Mutex    // 保護並發寫入
	file         FileInterface // WAL 檔案
	encoder      *json.Encoder // JSON 編碼器
	path         string        // WAL 檔案路徑
	seq          uint64        // 當前事件序號（旋轉後不歸零）
	syncOnAppend bool          // 是否每次追加都強制同步
	closed       bool

	buffer        []Event // 批次寫入事件緩衝區
	bufferSize    int
	lastFlushTime time.Time
	flushInterval time.Duration
}

// ============================================================================
// 公開介面
// ============================================================================

/*
NewWAL 建立或開啟一個 WAL 實例

行為：
- 如果檔案不存在，建立新檔案，seq 從 0 開始
- 如果檔案已存在，讀取最後一個事件的 seq 並繼續
- 以追加模式（O_APPEND）開啟，確保寫入不覆蓋
*/
func NewWAL(path string, syncOnAppend bool) (*WAL, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("wal: open %s: %w", path, err)
	}

	var seq uint64
	stat, statErr := file.Stat()
	if statErr == nil && stat.Size() > 0 {
		lastEvent, err := GetLastEvent(path)
		if err != nil && !errors.Is(err, ErrEmptyWAL) {
			file.Close()
			return nil, err
		}
		if lastEvent != nil {
			seq = lastEvent.Seq
		}
	}

	return &WAL{
		file:         file,
		encoder:      json.NewEncoder(file),
		path:         path,
		seq:          seq,
		syncOnAppend: syncOnAppend,

		buffer:        make([]Event, 0, 64),
		bufferSize:    64,
		lastFlushTime: time.Now(),
		flushInterval: 1 * time.Second,
	}, nil
}

// SetBuffer 調整批次寫入的緩衝大小與最長等待時間
func (w *WAL) SetBuffer(size int, interval time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if size > 0 {
		w.bufferSize = size
	}
	if interval > 0 {
		w.flushInterval = interval
	}
}

// SetMinSeq 確保下一個序號大於 seq
//
// 旋轉後新檔為空，重新開啟時需以快照的 LastSeq 接續編號。
func (w *WAL) SetMinSeq(seq uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if seq > w.seq {
		w.seq = seq
	}
}

// Append 追加一個批次到 WAL，回傳分配到的序號
//
// syncOnAppend 或 forceFlush 時立即寫入並 fsync；否則等緩衝滿或超時。
func (w *WAL) Append(batch types.Batch, forceFlush bool) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, ErrWALClosed
	}

	event, err := newEvent(w.seq+1, time.Now().UnixMilli(), batch)
	if err != nil {
		return 0, err
	}
	w.seq = event.Seq
	w.buffer = append(w.buffer, event)

	needFlush := forceFlush || w.syncOnAppend ||
		len(w.buffer) >= w.bufferSize ||
		time.Since(w.lastFlushTime) > w.flushInterval
	if needFlush {
		if err := w.flushLocked(); err != nil {
			return 0, err
		}
	}
	return event.Seq, nil
}

// Flush 將緩衝中的事件寫入並同步到磁碟
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}
	return w.flushLocked()
}

// Replay 依序重放序號大於 afterSeq 的事件
//
// 每個事件都驗證 checksum；遇到錯誤立即停止並回傳。
func (w *WAL) Replay(afterSeq uint64, handler EventHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.flushLocked(); err != nil {
		return err
	}
	return replayFile(w.path, afterSeq, handler)
}

// Rotate 旋轉日誌檔案
//
// 目前的檔案改名為帶時間戳的備份，compress 為 true 時備份會壓縮成 .gz
// 並刪除原檔。回傳備份路徑。序號不歸零。
func (w *WAL) Rotate(compress bool) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return "", ErrWALClosed
	}
	if err := w.flushLocked(); err != nil {
		return "", err
	}
	if err := w.file.Close(); err != nil {
		return "", err
	}

	backupPath := fmt.Sprintf("%s.%s.%d", w.path, time.Now().Format("20060102_150405"), w.seq)
	if err := os.Rename(w.path, backupPath); err != nil {
		return "", err
	}

	newFile, err := os.OpenFile(w.path, os.O_CREATE|os.O_RDWR|os.O_TRUNC|os.O_APPEND, 0644)
	if err != nil {
		return "", err
	}
	w.file = newFile
	w.encoder = json.NewEncoder(newFile)
	w.buffer = w.buffer[:0]
	w.lastFlushTime = time.Now()

	if compress {
		gzPath := backupPath + ".gz"
		if err := compressWALFile(backupPath, gzPath); err != nil {
			return backupPath, fmt.Errorf("wal: compress rotated file: %w", err)
		}
		if err := os.Remove(backupPath); err != nil {
			return gzPath, err
		}
		backupPath = gzPath
	}
	return backupPath, nil
}

// Close 關閉 WAL；關閉後的實例不可重用
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	if err := w.flushLocked(); err != nil {
		return err
	}
	w.closed = true
	return w.file.Close()
}

// GetLastSeq 取得當前的事件序號
//
// 用途：快照時需要記錄 last_seq，確保恢復時知道從哪裡開始重放
func (w *WAL) GetLastSeq() uint64 {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Path 回傳 WAL 檔案路徑
func (w *WAL) Path() string { return w.path }

// ============================================================================
// 內部輔助方法（私有）
// ============================================================================

// flushLocked 將緩衝的事件批次寫入並同步到磁碟，呼叫者須持有 w.mu
func (w *WAL) flushLocked() error {
	if len(w.buffer) == 0 {
		return nil
	}
	for _, event := range w.buffer {
		if err := w.encoder.Encode(event); err != nil {
			return err
		}
	}
	w.buffer = w.buffer[:0]
	w.lastFlushTime = time.Now()
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("%w: %v", ErrSyncFailed, err)
	}
	return nil
}

// replayFile 逐行解碼 path 中的事件
func replayFile(path string, afterSeq uint64, handler EventHandler) error {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	var offset int64
	var lastSeq uint64
	for {
		line, readErr := reader.ReadBytes('\n')
		if len(line) > 0 {
			var event Event
			if err := json.Unmarshal(line, &event); err != nil {
				return &CorruptionError{Seq: lastSeq, Offset: offset, Cause: err}
			}
			if err := VerifyChecksum(event); err != nil {
				return err
			}
			if event.Seq > afterSeq {
				if err := handler(event); err != nil {
					return err
				}
			}
			lastSeq = event.Seq
			offset += int64(len(line))
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return readErr
		}
	}
}

// compressWALFile gzip 壓縮旋轉後的 WAL 檔案
func compressWALFile(srcPath, dstPath string) error {
	srcFile, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	dstFile, err := os.Create(dstPath)
	if err != nil {
		return err
	}
	defer dstFile.Close()

	gzipWriter := gzip.NewWriter(dstFile)
	if _, err := io.Copy(gzipWriter, srcFile); err != nil {
		gzipWriter.Close()
		return err
	}
	if err := gzipWriter.Close(); err != nil {
		return err
	}
	return dstFile.Sync()
}
