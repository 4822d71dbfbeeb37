// Package types 定義了 beaver-sync 系統中使用的核心領域模型
package types

// Unlimited 代表「無上限」的哨兵值（MaxAttempts、MaxInstances*）
const Unlimited = -1

// Immortal 代表任務沒有存活時間限制
const Immortal = -1

// MigrationQueueKey 保留給遷移任務的佇列鍵
// 只要該佇列中還有任務，其他所有任務都不會被調度
const MigrationQueueKey = "MIGRATION"

// JobSpec 任務紀錄，代表系統中的一個工作單元
//
// 所有時間欄位皆為 Unix 毫秒。更新時採「整筆複製後替換」，不做欄位級別的部分更新。
type JobSpec struct {
	// 識別
	ID         string `json:"id"`                  // 任務唯一識別碼（建立後不可變）
	FactoryKey string `json:"factory_key"`         // 對應的工作函式 / 反序列化器
	QueueKey   string `json:"queue_key,omitempty"` // 佇列鍵，空字串表示以自身 ID 為佇列

	// 時間管理
	CreateTime         int64 `json:"create_time"`           // 建立時間，佇列內 FIFO 排序依據
	NextRunAttemptTime int64 `json:"next_run_attempt_time"` // 在此之前不得調度（退避用）
	Lifespan           int64 `json:"lifespan"`              // 存活時間上限，Immortal 表示無限
	MaxBackoff         int64 `json:"max_backoff"`           // 退避時間上限

	// 重試
	RunAttempt  int `json:"run_attempt"`  // 已執行次數
	MaxAttempts int `json:"max_attempts"` // 最大執行次數，Unlimited 表示無限

	// 實例上限（入隊時檢查）
	MaxInstancesForFactory int `json:"max_instances_for_factory"`
	MaxInstancesForQueue   int `json:"max_instances_for_queue"`

	// 資料載荷
	SerializedData      []byte `json:"serialized_data,omitempty"`       // 任務本身的載荷
	SerializedInputData []byte `json:"serialized_input_data,omitempty"` // 前一個鏈結任務的輸出

	// 生命週期旗標
	IsRunning    bool `json:"is_running"`
	IsMemoryOnly bool `json:"is_memory_only"`
}

// EffectiveQueue 回傳任務實際所屬的佇列：有 QueueKey 用 QueueKey，否則用自身 ID
func (j JobSpec) EffectiveQueue() string {
	if j.QueueKey != "" {
		return j.QueueKey
	}
	return j.ID
}

// IsMigration 檢查任務是否位於保留的遷移佇列
func (j JobSpec) IsMigration() bool {
	return j.QueueKey == MigrationQueueKey
}

// HasEligibleRunTime 檢查 now 是否已達到下次可執行時間
func (j JobSpec) HasEligibleRunTime(now int64) bool {
	return j.NextRunAttemptTime <= now
}

// IsExpired 檢查任務是否超過存活時間
func (j JobSpec) IsExpired(now int64) bool {
	return j.Lifespan != Immortal && now-j.CreateTime > j.Lifespan
}

// AttemptsExhausted 檢查執行次數是否已用盡
func (j JobSpec) AttemptsExhausted() bool {
	return j.MaxAttempts != Unlimited && j.RunAttempt >= j.MaxAttempts
}

// Clone 深拷貝，避免呼叫端改動快取中的 byte slice
func (j JobSpec) Clone() JobSpec {
	c := j
	if j.SerializedData != nil {
		c.SerializedData = append([]byte(nil), j.SerializedData...)
	}
	if j.SerializedInputData != nil {
		c.SerializedInputData = append([]byte(nil), j.SerializedInputData...)
	}
	return c
}

// ConstraintSpec 任務的執行前置條件（多筆之間為 AND 關係）
type ConstraintSpec struct {
	JobID        string `json:"job_id"`
	FactoryKey   string `json:"factory_key"` // 條件名稱，對應 constraint.Registry
	IsMemoryOnly bool   `json:"is_memory_only"`
}

// DependencySpec 任務之間的相依邊：JobID 必須等 DependsOnJobID 被刪除後才能執行
type DependencySpec struct {
	JobID             string `json:"job_id"`
	DependsOnJobID    string `json:"depends_on_job_id"`
	IsExtraDependency bool   `json:"is_extra_dependency"`
	IsMemoryOnly      bool   `json:"is_memory_only"`
}

// FullSpec 一個任務與其條件、相依關係的完整描述，用於插入
type FullSpec struct {
	Job          JobSpec          `json:"job"`
	Constraints  []ConstraintSpec `json:"constraints,omitempty"`
	Dependencies []DependencySpec `json:"dependencies,omitempty"`
}

// Batch 一次原子性的持久化寫入
//
// 刪除某個任務 ID 會一併刪除：該任務的條件、該任務自身的相依邊，
// 以及所有以該任務為 DependsOnJobID 的相依邊。
type Batch struct {
	PutJobs         []JobSpec        `json:"put_jobs,omitempty"`
	PutConstraints  []ConstraintSpec `json:"put_constraints,omitempty"`
	PutDependencies []DependencySpec `json:"put_dependencies,omitempty"`
	DeleteJobIDs    []string         `json:"delete_job_ids,omitempty"`
}

// IsEmpty 檢查批次是否沒有任何操作
func (b Batch) IsEmpty() bool {
	return len(b.PutJobs) == 0 && len(b.PutConstraints) == 0 &&
		len(b.PutDependencies) == 0 && len(b.DeleteJobIDs) == 0
}

// SnapshotData 快照資料，用於系統狀態的持久化和恢復
type SnapshotData struct {
	Jobs         map[string]JobSpec `json:"jobs"`         // 所有任務
	Constraints  []ConstraintSpec   `json:"constraints"`  // 所有條件
	Dependencies []DependencySpec   `json:"dependencies"` // 所有相依邊
	SchemaVer    int                `json:"schema_ver"`   // 資料結構版本號，用於向後相容性
	LastSeq      uint64             `json:"last_seq"`     // 最後處理的序列號
}

// NewSnapshotData 建立空的快照資料
func NewSnapshotData() SnapshotData {
	return SnapshotData{
		Jobs:      make(map[string]JobSpec),
		SchemaVer: 1,
	}
}

// Apply 將一個批次套用到快照資料上（重放 WAL 時使用）
func (s *SnapshotData) Apply(b Batch) {
	if s.Jobs == nil {
		s.Jobs = make(map[string]JobSpec)
	}

	if len(b.DeleteJobIDs) > 0 {
		deleted := make(map[string]struct{}, len(b.DeleteJobIDs))
		for _, id := range b.DeleteJobIDs {
			deleted[id] = struct{}{}
			delete(s.Jobs, id)
		}

		constraints := s.Constraints[:0]
		for _, c := range s.Constraints {
			if _, gone := deleted[c.JobID]; !gone {
				constraints = append(constraints, c)
			}
		}
		s.Constraints = constraints

		deps := s.Dependencies[:0]
		for _, d := range s.Dependencies {
			_, subjectGone := deleted[d.JobID]
			_, targetGone := deleted[d.DependsOnJobID]
			if !subjectGone && !targetGone {
				deps = append(deps, d)
			}
		}
		s.Dependencies = deps
	}

	for _, j := range b.PutJobs {
		s.Jobs[j.ID] = j
	}
	s.Constraints = append(s.Constraints, b.PutConstraints...)
	s.Dependencies = append(s.Dependencies, b.PutDependencies...)
}
