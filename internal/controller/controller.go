// ============================================================================
// Beaver-Sync 控制器 - 任務引擎核心協調器
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 調度任務、處理執行結果、實現重試退避與失敗補償
//
// 架構設計:
//   Controller 協調以下組件：
//   - JobStorage: 寫穿快取的任務索引，負責調度查詢（佇列 FIFO、相依、遷移優先）
//   - constraint.Registry: 派發前檢查的條件
//   - job.Registry: factory key -> Job 建構函式
//   - WorkerPool: 實際執行工作函式
//
// 核心循環 (2 個並發 Goroutine):
//   1. Dispatch Loop - 定時或被 Wake() 喚醒時查詢可執行任務並派發
//   2. Result Loop   - 接收 worker 結果，推進任務狀態機
//
// 任務狀態機:
//
//   PENDING ──派發──> RUNNING ──成功──> 刪除（輸出交給直接相依者）
//      ▲                 │
//      │                 ├──可重試──> RunAttempt+1 ──用盡/過期──> FAILED
//      └──退避時間到─────┘                 │
//                                          └──否則 nextRunAttemptTime = now + backoff
//
//   FAILED: 對任務及所有（遞移）相依者呼叫 OnFailure，然後一併刪除
//
// 崩潰恢復:
//   啟動時 UpdateAllJobsToBePending()，因為「執行中」無法跨越程序死亡。
//   關閉時被取消的任務保持 running 紀錄，下次啟動會被重設。
//
// 佇列互斥:
//   由調度查詢保證（每個佇列只會浮現一個候選），執行時不另外加鎖。
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/beaver-sync/internal/constraint"
	"github.com/ChuLiYu/beaver-sync/internal/events"
	"github.com/ChuLiYu/beaver-sync/internal/job"
	"github.com/ChuLiYu/beaver-sync/internal/jobstorage"
	"github.com/ChuLiYu/beaver-sync/internal/metrics"
	"github.com/ChuLiYu/beaver-sync/internal/worker"
	"github.com/ChuLiYu/beaver-sync/pkg/types"
	"github.com/google/uuid"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrAlreadyStarted = errors.New("controller already started")
	ErrStopped        = errors.New("controller stopped")
	// ErrTooManyInstances 超過 MaxInstancesForFactory / MaxInstancesForQueue，請求被丟棄
	ErrTooManyInstances = errors.New("too many instances")
	// ErrCancelled 任務被 Cancel() 終止時傳給失敗路徑的原因
	ErrCancelled = errors.New("job cancelled")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// 預設值
const (
	DefaultWorkerCount  = 4
	DefaultQueueBuffer  = 64
	DefaultPollInterval = 500 * time.Millisecond

	// 結果寫入持久層失敗時的重試次數與起始間隔
	persistAttempts = 3
	persistBackoff  = 20 * time.Millisecond
)

// Config Controller 配置
type Config struct {
	WorkerCount  int                // Worker 數量
	QueueBuffer  int                // Worker Pool 通道緩衝
	PollInterval time.Duration      // 調度輪詢間隔（退避到期靠輪詢發現）
	Logger       *slog.Logger       // nil 時使用 slog.Default()
	Metrics      *metrics.Collector // 可為 nil
	Listener     events.Listener    // 可為 nil
	Clock        func() time.Time   // 測試用，nil 時使用 time.Now
}

// Request 一個入隊請求
type Request struct {
	ID         string // 可選，空字串時產生 UUID
	FactoryKey string
	Data       []byte
	Params     job.Parameters
	DependsOn  []string // 必須先完成的任務 ID
}

// Status 控制器狀態
type Status struct {
	Running bool             `json:"running"`
	Uptime  time.Duration    `json:"uptime"`
	Workers int              `json:"workers"`
	Busy    int              `json:"busy"`
	Jobs    jobstorage.Stats `json:"jobs"`
}

type failure struct {
	reason string
	cause  error
}

// Controller 核心控制器
type Controller struct {
	cfg         Config
	logger      *slog.Logger
	now         func() time.Time
	storage     *jobstorage.JobStorage
	jobs        *job.Registry
	constraints *constraint.Registry
	pool        *worker.Pool

	mu        sync.Mutex
	loaded    bool
	started   bool
	stopping  bool
	startTime time.Time
	running   map[string]context.CancelFunc // 執行中任務的取消函式
	cancelled map[string]bool               // 被 Cancel() 要求終止的執行中任務
	unfailed  map[string]failure            // 已判定失敗但刪除尚未寫入持久層的任務

	dispatchMu sync.Mutex // 序列化「標記執行中」與 Cancel()
	enqueueMu  sync.Mutex // 實例上限檢查與插入之間不可插隊

	storeCtx   context.Context // 不受關閉影響，確保最後的狀態寫入能完成
	jobCtx     context.Context // 所有任務 context 的父 context
	cancelJobs context.CancelFunc

	wakeCh     chan struct{}
	stopCh     chan struct{}
	dispatchWg sync.WaitGroup
	resultWg   sync.WaitGroup
}

// ============================================================================
// 建構與生命週期
// ============================================================================

// New 建立新的 Controller
func New(cfg Config, storage *jobstorage.JobStorage, jobs *job.Registry, constraints *constraint.Registry) (*Controller, error) {
	if storage == nil || jobs == nil {
		return nil, errors.New("controller: storage and job registry are required")
	}
	if constraints == nil {
		constraints = constraint.NewRegistry()
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = DefaultWorkerCount
	}
	if cfg.QueueBuffer <= 0 {
		cfg.QueueBuffer = DefaultQueueBuffer
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}

	return &Controller{
		cfg:         cfg,
		logger:      logger.With("component", "controller"),
		now:         now,
		storage:     storage,
		jobs:        jobs,
		constraints: constraints,
		pool:        worker.NewPool(cfg.QueueBuffer),
		running:     make(map[string]context.CancelFunc),
		cancelled:   make(map[string]bool),
		unfailed:    make(map[string]failure),
		storeCtx:    context.Background(),
		wakeCh:      make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
	}, nil
}

// Load 載入持久層並把上次殘留的執行中任務重設為 pending
//
// Start 會自動呼叫；離線指令（enqueue、status）只需要 Load。
func (c *Controller) Load(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loadLocked(ctx)
}

func (c *Controller) loadLocked(ctx context.Context) error {
	if c.loaded {
		return nil
	}
	start := time.Now()
	if err := c.storage.Init(ctx); err != nil {
		return err
	}
	if err := c.storage.UpdateAllJobsToBePending(ctx); err != nil {
		return fmt.Errorf("reset running jobs: %w", err)
	}
	c.loaded = true

	recovery := time.Since(start)
	c.cfg.Metrics.SetRecoveryTime(recovery.Seconds())
	stats := c.storage.Stats()
	c.logger.Info("Job storage loaded",
		"duration", recovery,
		"jobs", stats.Total,
		"queues", stats.Queues)
	return nil
}

// Start 啟動 Controller
//
// 流程：
//  1. 恢復階段：Load（Init + 重設執行中任務）
//  2. 啟動 Worker Pool 與兩個核心循環
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return ErrAlreadyStarted
	}
	if c.stopping {
		return ErrStopped
	}
	if err := c.loadLocked(ctx); err != nil {
		return err
	}
	if err := c.pool.Start(c.cfg.WorkerCount); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	c.storeCtx = context.WithoutCancel(ctx)
	c.jobCtx, c.cancelJobs = context.WithCancel(c.storeCtx)
	c.started = true
	c.startTime = time.Now()

	c.dispatchWg.Add(1)
	c.resultWg.Add(1)
	go c.dispatchLoop()
	go c.resultLoop()

	c.logger.Info("Controller started", "workers", c.cfg.WorkerCount)
	c.Wake()
	return nil
}

// Stop 優雅關閉 Controller
//
// 關閉順序：
//  1. close(stopCh)     → dispatchLoop 停止派發
//  2. dispatchWg.Wait() → 確保沒有進行中的 Submit
//  3. cancelJobs()      → 通知執行中任務（協作式取消）
//  4. pool.Stop()       → 等待 worker 結束並關閉結果通道
//  5. resultWg.Wait()   → resultLoop 處理完剩餘結果後退出
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.started || c.stopping {
		c.stopping = true
		c.mu.Unlock()
		return
	}
	c.stopping = true
	c.mu.Unlock()

	c.logger.Info("Stopping controller...")

	close(c.stopCh)
	c.dispatchWg.Wait()
	c.cancelJobs()
	c.pool.Stop()
	c.resultWg.Wait()

	c.logger.Info("Controller stopped")
}

// Wake 要求立即進行一次調度（非阻塞）
func (c *Controller) Wake() {
	select {
	case c.wakeCh <- struct{}{}:
	default:
	}
}

// Storage 回傳底層 JobStorage（唯讀查詢用）
func (c *Controller) Storage() *jobstorage.JobStorage {
	return c.storage
}

// ============================================================================
// 公開方法
// ============================================================================

// Enqueue 加入單一任務，回傳任務 ID
func (c *Controller) Enqueue(ctx context.Context, req Request) (string, error) {
	ids, err := c.enqueue(ctx, [][]Request{{req}})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// Chain 依序執行的任務鏈；每一階段依賴前一階段的所有任務
type Chain struct {
	c      *Controller
	stages [][]Request
}

// NewChain 以 reqs 作為第一階段建立任務鏈
func (c *Controller) NewChain(reqs ...Request) *Chain {
	return &Chain{c: c, stages: [][]Request{reqs}}
}

// Then 新增一個階段
func (ch *Chain) Then(reqs ...Request) *Chain {
	ch.stages = append(ch.stages, reqs)
	return ch
}

// Enqueue 原子地插入整條鏈，回傳所有任務 ID（依階段順序）
func (ch *Chain) Enqueue(ctx context.Context) ([]string, error) {
	return ch.c.enqueue(ctx, ch.stages)
}

func (c *Controller) enqueue(ctx context.Context, stages [][]Request) ([]string, error) {
	c.mu.Lock()
	stopping := c.stopping
	c.mu.Unlock()
	if stopping {
		return nil, ErrStopped
	}

	c.enqueueMu.Lock()
	defer c.enqueueMu.Unlock()

	now := c.now()
	var (
		specs    []types.FullSpec
		ids      []string
		previous []string
		// 同一批次內的數量也要計入上限
		pendingFactory = make(map[string]int)
		pendingQueue   = make(map[string]int)
	)

	for _, stage := range stages {
		var current []string
		for _, req := range stage {
			if !c.jobs.Has(req.FactoryKey) {
				return nil, fmt.Errorf("%w: %s", job.ErrUnknownFactory, req.FactoryKey)
			}
			if err := c.constraints.Validate(req.Params.Constraints); err != nil {
				return nil, err
			}
			if err := c.checkInstanceLimits(req, pendingFactory, pendingQueue); err != nil {
				return nil, err
			}
			pendingFactory[req.FactoryKey]++
			pendingQueue[req.FactoryKey+"\x00"+req.Params.QueueKey]++

			id := req.ID
			if id == "" {
				id = uuid.NewString()
			}
			full := req.Params.Spec(id, req.FactoryKey, req.Data, now)
			for _, dep := range append(append([]string(nil), previous...), req.DependsOn...) {
				full.Dependencies = append(full.Dependencies, types.DependencySpec{
					JobID:          id,
					DependsOnJobID: dep,
					IsMemoryOnly:   req.Params.MemoryOnly,
				})
			}
			specs = append(specs, full)
			ids = append(ids, id)
			current = append(current, id)
		}
		previous = current
	}

	if len(specs) == 0 {
		return nil, nil
	}
	if err := c.storage.InsertJobs(ctx, specs); err != nil {
		return nil, err
	}

	for _, full := range specs {
		c.cfg.Metrics.RecordEnqueue(full.Job.FactoryKey)
		c.publish(events.JobEnqueued, full.Job, "")
		c.logger.Debug("Job enqueued",
			"jobID", full.Job.ID,
			"factory", full.Job.FactoryKey,
			"queue", full.Job.QueueKey,
			"dependencies", len(full.Dependencies))
	}
	c.Wake()
	return ids, nil
}

// checkInstanceLimits 超過上限的請求被丟棄並記錄
func (c *Controller) checkInstanceLimits(req Request, pendingFactory, pendingQueue map[string]int) error {
	p := req.Params
	if p.MaxInstancesForFactory != types.Unlimited && p.MaxInstancesForFactory > 0 {
		n := c.storage.GetJobCountForFactory(req.FactoryKey) + pendingFactory[req.FactoryKey]
		if n >= p.MaxInstancesForFactory {
			c.logger.Info("Dropping job, too many instances for factory",
				"factory", req.FactoryKey, "count", n, "max", p.MaxInstancesForFactory)
			return fmt.Errorf("%w: factory %s has %d", ErrTooManyInstances, req.FactoryKey, n)
		}
	}
	if p.MaxInstancesForQueue != types.Unlimited && p.MaxInstancesForQueue > 0 && p.QueueKey != "" {
		n := c.storage.GetJobCountForFactoryAndQueue(req.FactoryKey, p.QueueKey) +
			pendingQueue[req.FactoryKey+"\x00"+p.QueueKey]
		if n >= p.MaxInstancesForQueue {
			c.logger.Info("Dropping job, too many instances for queue",
				"factory", req.FactoryKey, "queue", p.QueueKey, "count", n, "max", p.MaxInstancesForQueue)
			return fmt.Errorf("%w: queue %s has %d", ErrTooManyInstances, p.QueueKey, n)
		}
	}
	return nil
}

// Cancel 取消任務
//
// 執行中的任務只會收到 context 取消（協作式），結果回來後走失敗路徑；
// 尚未執行的任務立即走失敗路徑（OnFailure + 連同相依者刪除）。
func (c *Controller) Cancel(ctx context.Context, id string) error {
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()

	spec, ok := c.storage.GetJobSpec(id)
	if !ok {
		return fmt.Errorf("%w: %s", jobstorage.ErrJobNotFound, id)
	}

	if spec.IsRunning {
		c.mu.Lock()
		cancel, inFlight := c.running[id]
		if inFlight {
			c.cancelled[id] = true
		}
		c.mu.Unlock()
		if inFlight {
			cancel()
			c.publish(events.JobCancelled, spec, "running")
			c.logger.Info("Cancellation requested for running job", "jobID", id)
			return nil
		}
	}

	c.publish(events.JobCancelled, spec, "pending")
	err := c.failJob(ctx, spec, nil, metrics.ReasonCancelled, ErrCancelled)
	c.Wake()
	return err
}

// Status 取得系統狀態
func (c *Controller) Status() Status {
	c.mu.Lock()
	st := Status{
		Running: c.started && !c.stopping,
		Workers: c.cfg.WorkerCount,
	}
	if c.started {
		st.Uptime = time.Since(c.startTime)
	}
	c.mu.Unlock()

	st.Busy = c.pool.Busy()
	st.Jobs = c.storage.Stats()
	return st
}

// ============================================================================
// 核心循環
// ============================================================================

// dispatchLoop 定時或被喚醒時派發可執行任務
func (c *Controller) dispatchLoop() {
	defer c.dispatchWg.Done()
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			c.logger.Debug("Dispatch loop stopped")
			return
		case <-ticker.C:
		case <-c.wakeCh:
		}
		c.dispatch()
	}
}

// dispatch 取出目前可執行的任務並逐一派發
func (c *Controller) dispatch() {
	now := c.now()
	candidates := c.storage.GetPendingJobsWithNoDependenciesInCreatedOrder(now.UnixMilli())

	for _, spec := range candidates {
		select {
		case <-c.stopCh:
			return
		default:
		}
		c.dispatchOne(spec, now)
	}

	stats := c.storage.Stats()
	c.cfg.Metrics.UpdateQueueStats(stats.Pending, stats.Running, stats.Blocked)
}

// dispatchOne 派發單一任務
//
// 順序：過期檢查 -> 條件檢查（延後不計次數）-> 建立實例 -> 持久化標記執行中 -> 提交
func (c *Controller) dispatchOne(candidate types.JobSpec, now time.Time) {
	c.dispatchMu.Lock()

	// 候選清單取得後任務可能已被取消或刪除
	spec, ok := c.storage.GetJobSpec(candidate.ID)
	if !ok || spec.IsRunning {
		c.dispatchMu.Unlock()
		return
	}

	// 上次刪除沒寫成功的失敗任務：不再執行，只補完失敗路徑
	c.mu.Lock()
	f, unfailed := c.unfailed[spec.ID]
	c.mu.Unlock()
	if unfailed {
		_ = c.failJob(c.storeCtx, spec, nil, f.reason, f.cause)
		c.dispatchMu.Unlock()
		return
	}

	if spec.IsExpired(now.UnixMilli()) {
		_ = c.failJob(c.storeCtx, spec, nil, metrics.ReasonExpired, fmt.Errorf("lifespan of %dms exceeded", spec.Lifespan))
		c.dispatchMu.Unlock()
		return
	}

	if met, unmet := c.constraints.AllMet(c.storage.GetConstraintSpecs(spec.ID)); !met {
		c.dispatchMu.Unlock()
		c.cfg.Metrics.RecordDeferred(unmet)
		c.publish(events.JobDeferred, spec, unmet)
		c.logger.Debug("Job deferred, constraint not met", "jobID", spec.ID, "constraint", unmet)
		return
	}

	instance, err := c.jobs.Create(spec)
	if err != nil {
		_ = c.failJob(c.storeCtx, spec, nil, metrics.ReasonPermanent, err)
		c.dispatchMu.Unlock()
		return
	}

	// 先持久化執行中狀態，再執行工作函式
	if err := c.storage.UpdateJobRunningState(c.storeCtx, spec.ID, true); err != nil {
		c.dispatchMu.Unlock()
		c.logger.Error("Failed to mark job running", "jobID", spec.ID, "error", err)
		return
	}
	spec.IsRunning = true

	taskCtx, cancel := context.WithCancel(c.jobCtx)
	c.mu.Lock()
	c.running[spec.ID] = cancel
	c.mu.Unlock()
	c.dispatchMu.Unlock()

	task := worker.Task{
		Spec: spec,
		Job:  instance,
		Input: job.Input{
			Spec:       spec,
			Data:       spec.SerializedData,
			ChainInput: spec.SerializedInputData,
		},
		Ctx: taskCtx,
	}
	if err := c.pool.Submit(task); err != nil {
		// Pool 已關閉：保持 running 紀錄，下次啟動會被重設
		c.mu.Lock()
		delete(c.running, spec.ID)
		c.mu.Unlock()
		cancel()
		if !errors.Is(err, worker.ErrPoolClosed) {
			c.logger.Error("Failed to submit task", "jobID", spec.ID, "error", err)
		}
		return
	}

	c.cfg.Metrics.RecordDispatch(spec.FactoryKey)
	c.publish(events.JobStarted, spec, "")
	c.logger.Debug("Job dispatched",
		"jobID", spec.ID,
		"factory", spec.FactoryKey,
		"attempt", spec.RunAttempt+1)
}

// resultLoop 處理 Worker 執行結果，直到 Pool 關閉結果通道
func (c *Controller) resultLoop() {
	defer c.resultWg.Done()
	for result := range c.pool.Results() {
		c.handleResult(result)
	}
	c.logger.Debug("Result loop stopped")
}

// handleResult 推進單一任務的狀態機
//
// 整段持有 dispatchMu：Cancel() 不會看到「已離開 running 但狀態還沒推進」的任務。
func (c *Controller) handleResult(r worker.Result) {
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()

	c.mu.Lock()
	cancel := c.running[r.JobID]
	delete(c.running, r.JobID)
	userCancelled := c.cancelled[r.JobID]
	delete(c.cancelled, r.JobID)
	stopping := c.stopping
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	defer c.Wake()

	spec, ok := c.storage.GetJobSpec(r.JobID)
	if !ok {
		// 執行期間因相依任務失敗而被刪除
		c.logger.Warn("Result for unknown job", "jobID", r.JobID)
		return
	}
	ctx := c.storeCtx

	if userCancelled {
		_ = c.failJob(ctx, spec, r.Job, metrics.ReasonCancelled, ErrCancelled)
		return
	}

	// 關閉時被中斷的任務保持原狀，下次啟動會重設為 pending
	if stopping && r.Outcome.Kind != job.KindSuccess && errors.Is(r.Outcome.Err, context.Canceled) {
		c.logger.Info("Job interrupted by shutdown, left for next start", "jobID", r.JobID)
		return
	}

	switch r.Outcome.Kind {
	case job.KindSuccess:
		c.completeJob(ctx, spec, r)
	case job.KindRetry:
		c.retryJob(ctx, spec, r)
	default:
		_ = c.failJob(ctx, spec, r.Job, metrics.ReasonPermanent, r.Outcome.Err)
	}
}

// completeJob 成功：輸出交給直接相依者，然後刪除任務
func (c *Controller) completeJob(ctx context.Context, spec types.JobSpec, r worker.Result) {
	if r.Outcome.Output != nil {
		var updates []types.JobSpec
		for _, d := range c.storage.GetDependencySpecsThatDependOnJob(spec.ID) {
			if d.DependsOnJobID != spec.ID {
				continue
			}
			dependent, ok := c.storage.GetJobSpec(d.JobID)
			if !ok {
				continue
			}
			dependent.SerializedInputData = r.Outcome.Output
			updates = append(updates, dependent)
		}
		if len(updates) > 0 {
			err := c.persist(func() error { return c.storage.UpdateJobs(ctx, updates) })
			if err != nil {
				c.logger.Error("Failed to pass output to dependents", "jobID", spec.ID, "error", err)
				c.release(spec, spec.RunAttempt, c.now().UnixMilli())
				return
			}
		}
	}

	if err := c.persist(func() error { return c.storage.DeleteJob(ctx, spec.ID) }); err != nil {
		// 成功的結果沒有落地：任務會再執行一次（至少一次語意）
		c.logger.Error("Failed to delete completed job", "jobID", spec.ID, "error", err)
		c.release(spec, spec.RunAttempt, c.now().UnixMilli())
		return
	}

	c.cfg.Metrics.RecordCompleted(spec.FactoryKey, r.Duration.Seconds())
	c.publish(events.JobSucceeded, spec, "")
	c.logger.Debug("Job completed",
		"jobID", spec.ID,
		"duration", r.Duration)
}

// retryJob 可重試的失敗：次數用盡或過期轉為永久失敗，否則排定退避
func (c *Controller) retryJob(ctx context.Context, spec types.JobSpec, r worker.Result) {
	now := c.now()
	spec.RunAttempt++

	if spec.AttemptsExhausted() {
		_ = c.failJob(ctx, spec, r.Job, metrics.ReasonExhausted, r.Outcome.Err)
		return
	}
	if spec.IsExpired(now.UnixMilli()) {
		_ = c.failJob(ctx, spec, r.Job, metrics.ReasonExpired, r.Outcome.Err)
		return
	}

	delay := r.Outcome.Delay
	if delay <= 0 {
		delay = job.Backoff(spec.RunAttempt, time.Duration(spec.MaxBackoff)*time.Millisecond)
	}
	next := now.Add(delay).UnixMilli()

	err := c.persist(func() error {
		return c.storage.UpdateJobAfterRetry(ctx, spec.ID, false, spec.RunAttempt, next, spec.SerializedData)
	})
	if err != nil {
		c.logger.Error("Failed to schedule retry", "jobID", spec.ID, "error", err)
		c.release(spec, spec.RunAttempt, next)
		return
	}

	c.cfg.Metrics.RecordRetry(spec.FactoryKey, r.Duration.Seconds())
	c.publish(events.JobRetryScheduled, spec, errString(r.Outcome.Err))
	c.logger.Info("Job retry scheduled",
		"jobID", spec.ID,
		"attempt", spec.RunAttempt,
		"backoff", delay,
		"error", r.Outcome.Err)
}

// failJob 永久失敗：刪除任務及所有遞移相依者，再對它們呼叫 OnFailure
//
// 先刪除後呼叫 hook，hook 只在刪除落地後執行一次。刪除寫不進持久層時
// 任務放回 pending 並記在 unfailed，下次派發時直接重走這條路徑。
// instance 可為 nil，此時由 factory 重新建立以執行 OnFailure。
func (c *Controller) failJob(ctx context.Context, spec types.JobSpec, instance job.Job, reason string, cause error) error {
	ids := []string{spec.ID}
	dependents := make([]types.JobSpec, 0)
	seen := map[string]bool{spec.ID: true}
	for _, d := range c.storage.GetDependencySpecsThatDependOnJob(spec.ID) {
		if seen[d.JobID] {
			continue
		}
		seen[d.JobID] = true
		if dep, ok := c.storage.GetJobSpec(d.JobID); ok {
			dependents = append(dependents, dep)
			ids = append(ids, dep.ID)
		}
	}

	if err := c.persist(func() error { return c.storage.DeleteJobs(ctx, ids) }); err != nil {
		c.logger.Error("Failed to delete failed jobs, failure hooks postponed", "jobID", spec.ID, "error", err)
		c.mu.Lock()
		c.unfailed[spec.ID] = failure{reason: reason, cause: cause}
		c.mu.Unlock()
		c.release(spec, spec.RunAttempt, c.now().UnixMilli())
		return err
	}
	c.mu.Lock()
	delete(c.unfailed, spec.ID)
	c.mu.Unlock()

	c.runOnFailure(ctx, spec, instance)
	for _, dep := range dependents {
		c.interrupt(dep.ID)
		c.runOnFailure(ctx, dep, nil)
	}

	c.cfg.Metrics.RecordFailed(spec.FactoryKey, reason)
	c.publish(events.JobFailed, spec, reason)
	c.logger.Warn("Job failed",
		"jobID", spec.ID,
		"factory", spec.FactoryKey,
		"reason", reason,
		"attempts", spec.RunAttempt,
		"error", cause,
		"dependents", len(dependents))

	for _, dep := range dependents {
		c.cfg.Metrics.RecordFailed(dep.FactoryKey, metrics.ReasonDependency)
		c.publish(events.JobFailed, dep, metrics.ReasonDependency)
	}
	return nil
}

// persist 執行一次持久層寫入，失敗時以倍增間隔重試
func (c *Controller) persist(write func() error) error {
	var err error
	delay := persistBackoff
	for attempt := 1; ; attempt++ {
		if err = write(); err == nil || attempt == persistAttempts {
			return err
		}
		time.Sleep(delay)
		delay *= 2
	}
}

// release 結果寫入失敗後把任務放回 pending，避免同佇列後續任務永遠被擋住
func (c *Controller) release(spec types.JobSpec, runAttempt int, next int64) {
	if c.storage.ReleaseInMemory(spec.ID, runAttempt, next) {
		c.logger.Warn("Job released in memory after storage failure",
			"jobID", spec.ID,
			"attempt", runAttempt)
	}
}

// runOnFailure 呼叫補償動作；hook 的 panic 不可中斷結果處理
func (c *Controller) runOnFailure(ctx context.Context, spec types.JobSpec, instance job.Job) {
	if instance == nil {
		var err error
		instance, err = c.jobs.Create(spec)
		if err != nil {
			c.logger.Error("Cannot run failure hook", "jobID", spec.ID, "error", err)
			return
		}
	}
	defer func() {
		if p := recover(); p != nil {
			c.logger.Error("Failure hook panicked", "jobID", spec.ID, "panic", p)
		}
	}()
	instance.OnFailure(ctx)
}

// interrupt 取消執行中的相依任務；其結果回來時任務已不存在，會被忽略
func (c *Controller) interrupt(id string) {
	c.mu.Lock()
	cancel := c.running[id]
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *Controller) publish(t events.Type, spec types.JobSpec, reason string) {
	if c.cfg.Listener == nil {
		return
	}
	c.cfg.Listener.Publish(events.Event{
		Type:       t,
		JobID:      spec.ID,
		FactoryKey: spec.FactoryKey,
		QueueKey:   spec.QueueKey,
		Attempt:    spec.RunAttempt,
		Reason:     reason,
		Time:       c.now(),
	})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
