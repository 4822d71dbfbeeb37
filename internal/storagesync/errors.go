package storagesync

import (
	"errors"
	"fmt"
)

var (
	// ErrVersionConflict 遠端版本已被其他裝置推進（樂觀鎖失敗）
	ErrVersionConflict = errors.New("storage manifest version conflict")
	// ErrDecryption 無法解密遠端 manifest 或紀錄
	ErrDecryption = errors.New("storage decryption failed")
	// ErrRetryLater 本次同步放棄，下次重新讀取 manifest 後再試
	ErrRetryLater = errors.New("storage sync: retry later")
)

// RecoveryAction 解密失敗時的恢復路徑
type RecoveryAction int

const (
	// ActionForcePush 主要裝置：以本地資料完整重寫遠端
	ActionForcePush RecoveryAction = iota + 1
	// ActionRequestKeys 連結裝置：向主要裝置重新索取金鑰
	ActionRequestKeys
)

func (a RecoveryAction) String() string {
	switch a {
	case ActionForcePush:
		return "force-push"
	case ActionRequestKeys:
		return "request-keys"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// RecoveryError 整個本地快取可能已過期，需要專門的恢復任務而不是單純重試
type RecoveryError struct {
	Action RecoveryAction
	Err    error
}

func (e *RecoveryError) Error() string {
	return fmt.Sprintf("storage sync needs %s: %v", e.Action, e.Err)
}

func (e *RecoveryError) Unwrap() error { return e.Err }

// ValidationError 寫回的變更集違反結構規則；重試無法修正
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid storage write: " + e.Reason
}

func validationErrorf(format string, args ...interface{}) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}
