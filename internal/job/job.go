// ============================================================================
// Beaver-Sync 任務模型
// ============================================================================
//
// Package: internal/job
// 功能: 定義任務工作函式的介面、執行結果型別，以及以 factory key 為索引的註冊表
//
// 執行結果:
//   工作函式不以 panic 或錯誤型別區分重試與失敗，而是回傳明確的 Result：
//   - Success(output)  成功，output 會傳給直接相依的下一個任務
//   - Retry(err)       可重試的暫時性失敗，計入 MaxAttempts 並套用退避
//   - Failure(err)     永久失敗，觸發 OnFailure 補償並刪除任務
//
// 取消:
//   Run 收到的 ctx 在任務被取消或系統關閉時會被 cancel，長時間執行的工作
//   應定期檢查 ctx.Err()。
//
// ============================================================================

package job

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/beaver-sync/pkg/types"
)

var (
	// ErrUnknownFactory factory key 未註冊
	ErrUnknownFactory = errors.New("unknown job factory")
	// ErrDuplicateFactory factory key 重複註冊
	ErrDuplicateFactory = errors.New("job factory already registered")
)

// Kind 執行結果種類
type Kind int

const (
	KindSuccess Kind = iota
	KindRetry
	KindFailure
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindRetry:
		return "retry"
	case KindFailure:
		return "failure"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Result 一次執行的結果
type Result struct {
	Kind   Kind
	Output []byte        // 僅 Success 使用
	Err    error         // Retry / Failure 的原因
	Delay  time.Duration // Retry 時覆蓋預設退避，0 表示使用指數退避
}

// Success 成功，output 可為 nil
func Success(output []byte) Result {
	return Result{Kind: KindSuccess, Output: output}
}

// Retry 可重試的失敗
func Retry(err error) Result {
	return Result{Kind: KindRetry, Err: err}
}

// RetryAfter 可重試的失敗，並指定下次執行前的等待時間（例如伺服器回傳的 Retry-After）
func RetryAfter(err error, d time.Duration) Result {
	return Result{Kind: KindRetry, Err: err, Delay: d}
}

// Failure 永久失敗
func Failure(err error) Result {
	return Result{Kind: KindFailure, Err: err}
}

// Input 工作函式的輸入
type Input struct {
	Spec       types.JobSpec
	Data       []byte // SerializedData
	ChainInput []byte // 前一個鏈結任務的輸出（SerializedInputData）
}

// Job 一個可執行的任務實例
type Job interface {
	// Run 執行一次嘗試
	Run(ctx context.Context, in Input) Result
	// OnFailure 永久失敗時的補償動作，每個任務最多被呼叫一次
	OnFailure(ctx context.Context)
}

// Factory 由持久化的 JobSpec 還原出 Job 實例
type Factory func(spec types.JobSpec) (Job, error)

// Registry factory key -> Factory 的註冊表，啟動時建立
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry 建立空註冊表
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register 註冊 factory；重複的 key 回傳 ErrDuplicateFactory
func (r *Registry) Register(key string, f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[key]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateFactory, key)
	}
	r.factories[key] = f
	return nil
}

// MustRegister 同 Register，失敗時 panic（用於啟動時的靜態註冊）
func (r *Registry) MustRegister(key string, f Factory) {
	if err := r.Register(key, f); err != nil {
		panic(err)
	}
}

// Has 檢查 factory key 是否已註冊
func (r *Registry) Has(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[key]
	return ok
}

// Keys 回傳所有已註冊的 factory key
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.factories))
	for k := range r.factories {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Create 依據 spec.FactoryKey 建立 Job 實例
func (r *Registry) Create(spec types.JobSpec) (Job, error) {
	r.mu.RLock()
	f, ok := r.factories[spec.FactoryKey]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFactory, spec.FactoryKey)
	}
	j, err := f(spec)
	if err != nil {
		return nil, fmt.Errorf("create job %s (%s): %w", spec.ID, spec.FactoryKey, err)
	}
	return j, nil
}

// RunFunc 以函式實作 Job，OnFailure 可選
type RunFunc struct {
	Fn      func(ctx context.Context, in Input) Result
	Failure func(ctx context.Context)
}

// Run implements Job.
func (f RunFunc) Run(ctx context.Context, in Input) Result { return f.Fn(ctx, in) }

// OnFailure implements Job.
func (f RunFunc) OnFailure(ctx context.Context) {
	if f.Failure != nil {
		f.Failure(ctx)
	}
}
