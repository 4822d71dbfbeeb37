// Package lockfile 以 flock 保證同一個 state 目錄只有一個 beaver-sync 行程
//
// 鎖跟著開啟的檔案走，行程無論如何結束都會由核心釋放。
package lockfile

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// FileName 鎖檔名稱
const FileName = "beaver-sync.lock"

// ErrLocked 另一個行程持有鎖
var ErrLocked = errors.New("state directory is locked by another process")

// Lock 已取得的目錄鎖
type Lock struct {
	file *os.File
	path string
}

// LockError 取得鎖失敗時的詳細資訊
type LockError struct {
	Path  string
	PID   int  // 0 表示讀不到
	Alive bool // PID 對應的行程是否仍存在
	Cause error
}

func (e *LockError) Error() string {
	msg := fmt.Sprintf("%v: %s", ErrLocked, e.Path)
	if e.PID > 0 {
		state := "running"
		if !e.Alive {
			state = "not running, stale lock"
		}
		msg += fmt.Sprintf(" (pid %d, %s)", e.PID, state)
	}
	return msg
}

func (e *LockError) Is(target error) bool { return target == ErrLocked }

func (e *LockError) Unwrap() error { return e.Cause }

// Acquire 對 dir 取得排他鎖；目錄不存在時建立
func Acquire(dir string) (*Lock, error) {
	path := filepath.Join(dir, FileName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create state directory %s: %w", dir, err)
	}

	// 不可 O_TRUNC：搶鎖失敗時要保留對方寫入的 PID
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", path, err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		pid := readPID(path)
		lockErr := &LockError{Path: path, PID: pid, Cause: err}
		if pid > 0 {
			lockErr.Alive = processAlive(pid)
		}
		slog.Warn("state directory lock held", "path", path, "pid", pid)
		return nil, lockErr
	}

	if err := writePID(file); err != nil {
		_ = syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("write lock file %s: %w", path, err)
	}

	slog.Debug("acquired state directory lock", "path", path, "pid", os.Getpid())
	return &Lock{file: file, path: path}, nil
}

// Path 鎖檔路徑
func (l *Lock) Path() string { return l.path }

// Release 釋放鎖並刪除鎖檔；重複呼叫無副作用
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// 先刪檔再解鎖，避免刪掉下一個持有者剛建立的檔案
	removeErr := os.Remove(l.path)
	unlockErr := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil

	if removeErr != nil && !os.IsNotExist(removeErr) {
		slog.Warn("failed to remove lock file", "path", l.path, "error", removeErr)
	}
	return errors.Join(unlockErr, closeErr)
}

func writePID(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.WriteAt([]byte(fmt.Sprintf("pid=%d\n", os.Getpid())), 0); err != nil {
		return err
	}
	return f.Sync()
}

func readPID(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	s := strings.TrimSpace(string(data))
	s, ok := strings.CutPrefix(s, "pid=")
	if !ok {
		return 0
	}
	pid, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return pid
}

// processAlive signal 0 只檢查行程是否存在
func processAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}
