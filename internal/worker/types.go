package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/ChuLiYu/beaver-sync/internal/job"
	"github.com/ChuLiYu/beaver-sync/pkg/types"
)

// Task 代表一次要執行的任務嘗試
type Task struct {
	Spec  types.JobSpec   // 派發當下的任務紀錄
	Job   job.Job         // 由 factory 建立的實例
	Input job.Input       // 工作函式的輸入
	Ctx   context.Context // 取消訊號（任務被取消或系統關閉）
}

// Result 代表一次嘗試的執行結果
type Result struct {
	JobID    string        // 任務 ID
	Spec     types.JobSpec // 派發當下的任務紀錄
	Job      job.Job       // 執行的實例，永久失敗時用於呼叫 OnFailure
	Outcome  job.Result    // 工作函式回傳的結果
	Duration time.Duration // 實際執行時間
}

// PanicError 工作函式 panic 時轉換成的永久失敗原因
type PanicError struct {
	Value interface{}
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("job panicked: %v", e.Value)
}
