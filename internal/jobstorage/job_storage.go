// ============================================================================
// Beaver-Sync 任務儲存 - 持久化任務索引與調度查詢
// ============================================================================
//
// Package: internal/jobstorage
// 文件: job_storage.go
// 功能: 以記憶體快取鏡像持久層，提供調度查詢與寫穿（write-through）更新
//
// 設計理念:
//   1. Durable 為唯一真實來源，Init() 啟動時整批載入
//   2. 記憶體快取是寫穿的投影：先寫 Durable，成功後才更新快取
//   3. 讀取路徑只讀快取，永遠不碰 Durable
//   4. IsMemoryOnly 的任務、條件、相依邊只存在快取中
//
// 數據結構:
//   jobs         map[id]JobSpec                  主存儲
//   constraints  map[id][]ConstraintSpec         每個任務的條件
//   dependencies map[id][]DependencySpec         每個任務「依賴誰」
//   dependents   map[target]set[id]              反向索引：「誰依賴 target」
//   order        map[id]uint64                   插入序號，createTime 相同時維持 FIFO
//
// 刪除級聯:
//   刪除任務 X 會移除 X 的條件、X 自身的相依邊，以及所有指向 X 的相依邊，
//   因此刪除 X 即滿足了依賴 X 的任務。
//
// 並發安全:
//   單一 sync.Mutex 保護所有公開方法，所有方法彼此互斥。
//
// ============================================================================

package jobstorage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/ChuLiYu/beaver-sync/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrDuplicateJob 任務 ID 重複
	ErrDuplicateJob = errors.New("job already exists")
	// ErrJobNotFound 任務不存在
	ErrJobNotFound = errors.New("job not found")
	// ErrDependencyCycle 插入的相依邊會形成環
	ErrDependencyCycle = errors.New("dependency cycle")
)

// Durable 持久層介面
//
// WriteBatch 必須是原子的；刪除任務時由實作負責級聯刪除條件與相依邊。
type Durable interface {
	LoadAll(ctx context.Context) (types.SnapshotData, error)
	WriteBatch(ctx context.Context, batch types.Batch) error
	Close() error
}

// Option 設定 JobStorage
type Option func(*JobStorage)

// WithLogger 指定 logger
func WithLogger(l *slog.Logger) Option {
	return func(s *JobStorage) { s.logger = l }
}

// Stats 快取中的任務統計
type Stats struct {
	Total      int `json:"total"`
	Running    int `json:"running"`
	Pending    int `json:"pending"`
	Blocked    int `json:"blocked"` // 仍有未完成相依的任務
	MemoryOnly int `json:"memory_only"`
	Queues     int `json:"queues"`
}

// JobStorage 任務儲存
type JobStorage struct {
	mu      sync.Mutex
	durable Durable
	logger  *slog.Logger

	jobs         map[string]types.JobSpec
	constraints  map[string][]types.ConstraintSpec
	dependencies map[string][]types.DependencySpec
	dependents   map[string]map[string]struct{}
	order        map[string]uint64
	nextSeq      uint64
}

// New 建立 JobStorage；使用前必須呼叫 Init
func New(durable Durable, opts ...Option) *JobStorage {
	s := &JobStorage{
		durable: durable,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.reset()
	return s
}

func (s *JobStorage) reset() {
	s.jobs = make(map[string]types.JobSpec)
	s.constraints = make(map[string][]types.ConstraintSpec)
	s.dependencies = make(map[string][]types.DependencySpec)
	s.dependents = make(map[string]map[string]struct{})
	s.order = make(map[string]uint64)
	s.nextSeq = 0
}

// ============================================================================
// 初始化
// ============================================================================

// Init 從 Durable 載入所有資料到快取
//
// 失敗時快取保持空白並回傳錯誤，不做部分載入。指向不存在任務的相依邊
// （目標是已消失的 memory-only 任務）會被丟棄。
func (s *JobStorage) Init(ctx context.Context) error {
	data, err := s.durable.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("load job storage: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.reset()

	loaded := make([]types.JobSpec, 0, len(data.Jobs))
	for _, j := range data.Jobs {
		loaded = append(loaded, j)
	}
	sort.Slice(loaded, func(a, b int) bool {
		if loaded[a].CreateTime != loaded[b].CreateTime {
			return loaded[a].CreateTime < loaded[b].CreateTime
		}
		return loaded[a].ID < loaded[b].ID
	})
	for _, j := range loaded {
		s.putJobLocked(j)
	}

	for _, c := range data.Constraints {
		if _, ok := s.jobs[c.JobID]; ok {
			s.constraints[c.JobID] = append(s.constraints[c.JobID], c)
		}
	}

	dropped := 0
	for _, d := range data.Dependencies {
		_, subjectOK := s.jobs[d.JobID]
		_, targetOK := s.jobs[d.DependsOnJobID]
		if !subjectOK || !targetOK {
			dropped++
			continue
		}
		s.addDependencyLocked(d)
	}

	s.logger.Info("job storage loaded",
		"jobs", len(s.jobs),
		"constraints", len(data.Constraints),
		"dependencies", len(data.Dependencies)-dropped,
		"droppedDependencies", dropped)
	return nil
}

// ============================================================================
// 插入
// ============================================================================

// InsertJobs 插入一批任務及其條件、相依邊
//
// 規則：
//   - 任務 ID 已存在（或在同一批次內重複）回傳 ErrDuplicateJob
//   - 相依目標不存在且不在同一批次中，代表目標已完成，該邊直接丟棄
//   - 會形成環的相依邊回傳 ErrDependencyCycle，整批不插入
func (s *JobStorage) InsertJobs(ctx context.Context, specs []types.FullSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inBatch := make(map[string]types.JobSpec, len(specs))
	for _, fs := range specs {
		id := fs.Job.ID
		if _, exists := s.jobs[id]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicateJob, id)
		}
		if _, dup := inBatch[id]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateJob, id)
		}
		inBatch[id] = fs.Job
	}

	lookup := func(id string) (types.JobSpec, bool) {
		if j, ok := inBatch[id]; ok {
			return j, true
		}
		j, ok := s.jobs[id]
		return j, ok
	}

	var batch types.Batch
	var constraints []types.ConstraintSpec
	var deps []types.DependencySpec

	for _, fs := range specs {
		j := fs.Job.Clone()
		if !j.IsMemoryOnly {
			batch.PutJobs = append(batch.PutJobs, j)
		}

		for _, c := range fs.Constraints {
			c.JobID = j.ID
			c.IsMemoryOnly = c.IsMemoryOnly || j.IsMemoryOnly
			constraints = append(constraints, c)
			if !c.IsMemoryOnly {
				batch.PutConstraints = append(batch.PutConstraints, c)
			}
		}

		for _, d := range fs.Dependencies {
			d.JobID = j.ID
			target, ok := lookup(d.DependsOnJobID)
			if !ok {
				s.logger.Debug("dropping dependency on absent job",
					"jobID", j.ID, "dependsOn", d.DependsOnJobID)
				continue
			}
			d.IsMemoryOnly = d.IsMemoryOnly || j.IsMemoryOnly || target.IsMemoryOnly
			deps = append(deps, d)
			if !d.IsMemoryOnly {
				batch.PutDependencies = append(batch.PutDependencies, d)
			}
		}
	}

	if err := s.checkCyclesLocked(inBatch, deps); err != nil {
		return err
	}

	if !batch.IsEmpty() {
		if err := s.durable.WriteBatch(ctx, batch); err != nil {
			return fmt.Errorf("persist inserted jobs: %w", err)
		}
	}

	for _, fs := range specs {
		s.putJobLocked(fs.Job.Clone())
	}
	for _, c := range constraints {
		s.constraints[c.JobID] = append(s.constraints[c.JobID], c)
	}
	for _, d := range deps {
		s.addDependencyLocked(d)
	}
	return nil
}

// checkCyclesLocked 檢查加入 newDeps 之後圖是否仍為 DAG
//
// 既有任務不可能依賴新任務，所以環只可能經過本批次的新任務。
func (s *JobStorage) checkCyclesLocked(inBatch map[string]types.JobSpec, newDeps []types.DependencySpec) error {
	if len(newDeps) == 0 {
		return nil
	}

	pending := make(map[string][]string)
	for _, d := range newDeps {
		pending[d.JobID] = append(pending[d.JobID], d.DependsOnJobID)
	}
	edges := func(id string) []string {
		out := append([]string(nil), pending[id]...)
		for _, d := range s.dependencies[id] {
			out = append(out, d.DependsOnJobID)
		}
		return out
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int)

	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case visiting:
			return fmt.Errorf("%w: involves job %s", ErrDependencyCycle, id)
		case done:
			return nil
		}
		state[id] = visiting
		for _, next := range edges(id) {
			if err := visit(next); err != nil {
				return err
			}
		}
		state[id] = done
		return nil
	}

	ids := make([]string, 0, len(inBatch))
	for id := range inBatch {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}

// ============================================================================
// 讀取
// ============================================================================

// GetJobSpec 單筆讀取
func (s *JobStorage) GetJobSpec(id string) (types.JobSpec, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return types.JobSpec{}, false
	}
	return j.Clone(), true
}

// GetAllJobSpecs 所有任務，依建立順序
func (s *JobStorage) GetAllJobSpecs() []types.JobSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.JobSpec, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.Clone())
	}
	s.sortLocked(out)
	return out
}

// GetPendingJobsWithNoDependenciesInCreatedOrder 調度查詢
//
//  1. 遷移佇列的第一個任務存在時，只可能回傳它（可執行時）或空集合
//  2. 依實際佇列分組，每組只取最早建立的任務
//  3. 丟棄仍有相依、正在執行、或尚未到下次執行時間的候選
//  4. 依建立時間排序回傳
func (s *JobStorage) GetPendingJobsWithNoDependenciesInCreatedOrder(now int64) []types.JobSpec {
	s.mu.Lock()
	defer s.mu.Unlock()

	heads := make(map[string]types.JobSpec)
	for _, j := range s.jobs {
		q := j.EffectiveQueue()
		head, ok := heads[q]
		if !ok || s.lessLocked(j, head) {
			heads[q] = j
		}
	}

	if migration, ok := heads[types.MigrationQueueKey]; ok && migration.IsMigration() {
		if !migration.IsRunning && migration.HasEligibleRunTime(now) {
			return []types.JobSpec{migration.Clone()}
		}
		return nil
	}

	out := make([]types.JobSpec, 0, len(heads))
	for _, j := range heads {
		if len(s.dependencies[j.ID]) > 0 || j.IsRunning || !j.HasEligibleRunTime(now) {
			continue
		}
		out = append(out, j.Clone())
	}
	s.sortLocked(out)
	return out
}

// GetJobsInQueue 佇列中的所有任務，FIFO
func (s *JobStorage) GetJobsInQueue(queue string) []types.JobSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.JobSpec
	for _, j := range s.jobs {
		if j.QueueKey == queue {
			out = append(out, j.Clone())
		}
	}
	s.sortLocked(out)
	return out
}

// GetJobCountForFactory 指定 factory 的任務數
func (s *JobStorage) GetJobCountForFactory(factoryKey string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.jobs {
		if j.FactoryKey == factoryKey {
			n++
		}
	}
	return n
}

// GetJobCountForFactoryAndQueue 指定 factory 且位於指定佇列的任務數
func (s *JobStorage) GetJobCountForFactoryAndQueue(factoryKey, queue string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.jobs {
		if j.FactoryKey == factoryKey && j.QueueKey == queue {
			n++
		}
	}
	return n
}

// AreQueuesEmpty 所有指定佇列皆無任務時回傳 true
func (s *JobStorage) AreQueuesEmpty(queues []string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[string]struct{}, len(queues))
	for _, q := range queues {
		want[q] = struct{}{}
	}
	for _, j := range s.jobs {
		if _, ok := want[j.QueueKey]; ok && j.QueueKey != "" {
			return false
		}
	}
	return true
}

// GetConstraintSpecs 任務的條件
func (s *JobStorage) GetConstraintSpecs(id string) []types.ConstraintSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.ConstraintSpec(nil), s.constraints[id]...)
}

// GetAllConstraintSpecs 所有條件
func (s *JobStorage) GetAllConstraintSpecs() []types.ConstraintSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.ConstraintSpec
	for _, id := range s.sortedIDsLocked() {
		out = append(out, s.constraints[id]...)
	}
	return out
}

// GetDependencySpecsForJob 任務自身的相依邊（它還在等誰）
func (s *JobStorage) GetDependencySpecsForJob(id string) []types.DependencySpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.DependencySpec(nil), s.dependencies[id]...)
}

// GetDependencySpecsThatDependOnJob 直接或間接依賴 id 的所有相依邊
//
// 沿反向索引逐層 BFS，直到沒有新的相依邊出現。
func (s *JobStorage) GetDependencySpecsThatDependOnJob(id string) []types.DependencySpec {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []types.DependencySpec
	seen := map[string]struct{}{id: {}}
	layer := []string{id}

	for len(layer) > 0 {
		var next []string
		for _, target := range layer {
			subjects := make([]string, 0, len(s.dependents[target]))
			for subject := range s.dependents[target] {
				subjects = append(subjects, subject)
			}
			sort.Strings(subjects)

			for _, subject := range subjects {
				for _, d := range s.dependencies[subject] {
					if d.DependsOnJobID == target {
						out = append(out, d)
					}
				}
				if _, ok := seen[subject]; !ok {
					seen[subject] = struct{}{}
					next = append(next, subject)
				}
			}
		}
		layer = next
	}
	return out
}

// GetAllDependencySpecs 所有相依邊
func (s *JobStorage) GetAllDependencySpecs() []types.DependencySpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.DependencySpec
	for _, id := range s.sortedIDsLocked() {
		out = append(out, s.dependencies[id]...)
	}
	return out
}

// Stats 回傳統計
func (s *JobStorage) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{Total: len(s.jobs)}
	queues := make(map[string]struct{})
	for id, j := range s.jobs {
		queues[j.EffectiveQueue()] = struct{}{}
		if j.IsRunning {
			st.Running++
		} else {
			st.Pending++
		}
		if len(s.dependencies[id]) > 0 {
			st.Blocked++
		}
		if j.IsMemoryOnly {
			st.MemoryOnly++
		}
	}
	st.Queues = len(queues)
	return st
}

// ============================================================================
// 更新（整筆複製後替換，寫穿）
// ============================================================================

// UpdateJobRunningState 設定執行中旗標
func (s *JobStorage) UpdateJobRunningState(ctx context.Context, id string, running bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	j.IsRunning = running
	return s.replaceLocked(ctx, []types.JobSpec{j})
}

// UpdateJobAfterRetry 重試後更新執行狀態、次數、下次執行時間與載荷
func (s *JobStorage) UpdateJobAfterRetry(ctx context.Context, id string, running bool, runAttempt int, nextRunAttemptTime int64, serializedData []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	j.IsRunning = running
	j.RunAttempt = runAttempt
	j.NextRunAttemptTime = nextRunAttemptTime
	j.SerializedData = serializedData
	return s.replaceLocked(ctx, []types.JobSpec{j})
}

// UpdateAllJobsToBePending 重設所有執行中旗標（啟動時使用，執行中狀態不可能跨越行程）
func (s *JobStorage) UpdateAllJobsToBePending(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var updates []types.JobSpec
	for _, j := range s.jobs {
		if j.IsRunning {
			j.IsRunning = false
			updates = append(updates, j)
		}
	}
	if len(updates) == 0 {
		return nil
	}
	s.logger.Info("resetting running jobs to pending", "count", len(updates))
	return s.replaceLocked(ctx, updates)
}

// ReleaseInMemory 只在快取中把執行中的任務放回 pending，不寫 Durable
//
// 結果寫入持久層失敗時使用。Durable 此時仍記錄任務為執行中，下次啟動
// 會被 UpdateAllJobsToBePending 重設，與這裡的快取狀態一致。
func (s *JobStorage) ReleaseInMemory(id string, runAttempt int, nextRunAttemptTime int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return false
	}
	j.IsRunning = false
	j.RunAttempt = runAttempt
	j.NextRunAttemptTime = nextRunAttemptTime
	s.jobs[id] = j
	return true
}

// UpdateJobs 以新紀錄替換既有任務；不存在的 ID 會被忽略
func (s *JobStorage) UpdateJobs(ctx context.Context, specs []types.JobSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	updates := make([]types.JobSpec, 0, len(specs))
	for _, j := range specs {
		if _, ok := s.jobs[j.ID]; ok {
			updates = append(updates, j.Clone())
		}
	}
	if len(updates) == 0 {
		return nil
	}
	return s.replaceLocked(ctx, updates)
}

// replaceLocked 先寫 Durable 再替換快取
func (s *JobStorage) replaceLocked(ctx context.Context, updates []types.JobSpec) error {
	var batch types.Batch
	for _, j := range updates {
		if !j.IsMemoryOnly {
			batch.PutJobs = append(batch.PutJobs, j)
		}
	}
	if !batch.IsEmpty() {
		if err := s.durable.WriteBatch(ctx, batch); err != nil {
			return fmt.Errorf("persist job update: %w", err)
		}
	}
	for _, j := range updates {
		s.jobs[j.ID] = j
	}
	return nil
}

// ============================================================================
// 刪除
// ============================================================================

// DeleteJob 刪除單一任務
func (s *JobStorage) DeleteJob(ctx context.Context, id string) error {
	return s.DeleteJobs(ctx, []string{id})
}

// DeleteJobs 刪除任務並級聯刪除條件與相依邊；不存在的 ID 會被忽略
func (s *JobStorage) DeleteJobs(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var batch types.Batch
	present := make([]string, 0, len(ids))
	for _, id := range ids {
		j, ok := s.jobs[id]
		if !ok {
			continue
		}
		present = append(present, id)
		if !j.IsMemoryOnly {
			batch.DeleteJobIDs = append(batch.DeleteJobIDs, id)
		}
	}

	if !batch.IsEmpty() {
		if err := s.durable.WriteBatch(ctx, batch); err != nil {
			return fmt.Errorf("persist job deletion: %w", err)
		}
	}

	for _, id := range present {
		s.removeJobLocked(id)
	}
	return nil
}

func (s *JobStorage) removeJobLocked(id string) {
	delete(s.jobs, id)
	delete(s.order, id)
	delete(s.constraints, id)

	for _, d := range s.dependencies[id] {
		if subjects, ok := s.dependents[d.DependsOnJobID]; ok {
			delete(subjects, id)
			if len(subjects) == 0 {
				delete(s.dependents, d.DependsOnJobID)
			}
		}
	}
	delete(s.dependencies, id)

	for subject := range s.dependents[id] {
		kept := s.dependencies[subject][:0]
		for _, d := range s.dependencies[subject] {
			if d.DependsOnJobID != id {
				kept = append(kept, d)
			}
		}
		if len(kept) == 0 {
			delete(s.dependencies, subject)
		} else {
			s.dependencies[subject] = kept
		}
	}
	delete(s.dependents, id)
}

// ============================================================================
// 內部輔助
// ============================================================================

func (s *JobStorage) putJobLocked(j types.JobSpec) {
	s.jobs[j.ID] = j
	if _, ok := s.order[j.ID]; !ok {
		s.order[j.ID] = s.nextSeq
		s.nextSeq++
	}
}

func (s *JobStorage) addDependencyLocked(d types.DependencySpec) {
	s.dependencies[d.JobID] = append(s.dependencies[d.JobID], d)
	subjects, ok := s.dependents[d.DependsOnJobID]
	if !ok {
		subjects = make(map[string]struct{})
		s.dependents[d.DependsOnJobID] = subjects
	}
	subjects[d.JobID] = struct{}{}
}

// lessLocked 建立時間較早者優先；相同時依插入順序
func (s *JobStorage) lessLocked(a, b types.JobSpec) bool {
	if a.CreateTime != b.CreateTime {
		return a.CreateTime < b.CreateTime
	}
	return s.order[a.ID] < s.order[b.ID]
}

func (s *JobStorage) sortLocked(jobs []types.JobSpec) {
	sort.Slice(jobs, func(i, k int) bool { return s.lessLocked(jobs[i], jobs[k]) })
}

func (s *JobStorage) sortedIDsLocked() []string {
	jobs := make([]types.JobSpec, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	s.sortLocked(jobs)
	ids := make([]string, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
	}
	return ids
}
