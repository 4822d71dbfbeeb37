// ============================================================================
// Beaver-Sync Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露任務引擎與儲存同步的運行指標
//
// 指標分類:
//
//   1. 任務計數器 (Counter, 以 factory 分類)：
//      - beaver_jobs_enqueued_total / dispatched / completed / retried
//      - beaver_jobs_failed_total{reason}: exhausted, expired, permanent, cancelled, dependency
//      - beaver_jobs_deferred_total{constraint}: 條件不成立而延後
//
//   2. 性能指標 (Histogram)：
//      - beaver_job_latency_seconds: 單次執行耗時
//
//   3. 狀態指標 (Gauge)：
//      - beaver_recovery_time_seconds: 啟動時載入持久層所需時間
//      - beaver_jobs_pending / running / blocked
//
//   4. 儲存同步：
//      - beaver_sync_runs_total{result}
//      - beaver_sync_records_total{direction}: merged, pushed, deleted
//      - beaver_sync_manifest_version
//
// Prometheus 查詢示例:
//
//   # 錯誤率
//   sum(rate(beaver_jobs_failed_total[5m])) / sum(rate(beaver_jobs_dispatched_total[5m]))
//
//   # 同步衝突比例
//   rate(beaver_sync_runs_total{result="conflict"}[15m])
//
// 所有 Record* 方法在 nil Collector 上呼叫時不做任何事，方便不需要指標的測試。
//
// ============================================================================

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "beaver"

// 失敗原因
const (
	ReasonExhausted  = "exhausted"
	ReasonExpired    = "expired"
	ReasonPermanent  = "permanent"
	ReasonCancelled  = "cancelled"
	ReasonDependency = "dependency"
)

// 同步結果
const (
	SyncSuccess    = "success"
	SyncNoop       = "noop"
	SyncConflict   = "conflict"
	SyncRecovery   = "recovery"
	SyncValidation = "validation"
	SyncError      = "error"
)

// Collector Prometheus 指標收集器
type Collector struct {
	// 任務相關指標
	jobsEnqueued   *prometheus.CounterVec
	jobsDispatched *prometheus.CounterVec
	jobsCompleted  *prometheus.CounterVec
	jobsRetried    *prometheus.CounterVec
	jobsFailed     *prometheus.CounterVec
	jobsDeferred   *prometheus.CounterVec

	// 效能指標
	jobLatency   *prometheus.HistogramVec
	recoveryTime prometheus.Gauge

	// 狀態指標
	jobsPending prometheus.Gauge
	jobsRunning prometheus.Gauge
	jobsBlocked prometheus.Gauge

	// 儲存同步
	syncRuns        *prometheus.CounterVec
	syncRecords     *prometheus.CounterVec
	manifestVersion prometheus.Gauge
}

// NewCollector 創建新的指標收集器並註冊到 reg
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		jobsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_enqueued_total",
			Help:      "Total number of jobs enqueued",
		}, []string{"factory"}),
		jobsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_dispatched_total",
			Help:      "Total number of job attempts dispatched to workers",
		}, []string{"factory"}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_completed_total",
			Help:      "Total number of jobs completed successfully",
		}, []string{"factory"}),
		jobsRetried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_retried_total",
			Help:      "Total number of retryable failures scheduled for another attempt",
		}, []string{"factory"}),
		jobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_failed_total",
			Help:      "Total number of jobs that failed permanently",
		}, []string{"factory", "reason"}),
		jobsDeferred: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_deferred_total",
			Help:      "Total number of dispatch deferrals caused by unmet constraints",
		}, []string{"constraint"}),
		jobLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_latency_seconds",
			Help:      "Duration of a single job attempt in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"factory"}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recovery_time_seconds",
			Help:      "Time taken to load job storage at startup in seconds",
		}),
		jobsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_pending",
			Help:      "Current number of pending jobs",
		}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_running",
			Help:      "Current number of running jobs",
		}),
		jobsBlocked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_blocked",
			Help:      "Current number of jobs waiting on dependencies",
		}),
		syncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_runs_total",
			Help:      "Storage sync passes by result",
		}, []string{"result"}),
		syncRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_records_total",
			Help:      "Storage records processed by direction",
		}, []string{"direction"}),
		manifestVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sync_manifest_version",
			Help:      "Locally stored storage manifest version",
		}),
	}

	reg.MustRegister(
		c.jobsEnqueued, c.jobsDispatched, c.jobsCompleted, c.jobsRetried,
		c.jobsFailed, c.jobsDeferred, c.jobLatency, c.recoveryTime,
		c.jobsPending, c.jobsRunning, c.jobsBlocked,
		c.syncRuns, c.syncRecords, c.manifestVersion,
	)
	return c
}

// RecordEnqueue 記錄任務加入佇列
func (c *Collector) RecordEnqueue(factory string) {
	if c == nil {
		return
	}
	c.jobsEnqueued.WithLabelValues(factory).Inc()
}

// RecordDispatch 記錄任務分派
func (c *Collector) RecordDispatch(factory string) {
	if c == nil {
		return
	}
	c.jobsDispatched.WithLabelValues(factory).Inc()
}

// RecordCompleted 記錄任務完成
func (c *Collector) RecordCompleted(factory string, latencySeconds float64) {
	if c == nil {
		return
	}
	c.jobsCompleted.WithLabelValues(factory).Inc()
	c.jobLatency.WithLabelValues(factory).Observe(latencySeconds)
}

// RecordRetry 記錄可重試的失敗
func (c *Collector) RecordRetry(factory string, latencySeconds float64) {
	if c == nil {
		return
	}
	c.jobsRetried.WithLabelValues(factory).Inc()
	c.jobLatency.WithLabelValues(factory).Observe(latencySeconds)
}

// RecordFailed 記錄永久失敗
func (c *Collector) RecordFailed(factory, reason string) {
	if c == nil {
		return
	}
	c.jobsFailed.WithLabelValues(factory, reason).Inc()
}

// RecordDeferred 記錄因條件不成立而延後
func (c *Collector) RecordDeferred(constraint string) {
	if c == nil {
		return
	}
	c.jobsDeferred.WithLabelValues(constraint).Inc()
}

// SetRecoveryTime 設置恢復時間
func (c *Collector) SetRecoveryTime(seconds float64) {
	if c == nil {
		return
	}
	c.recoveryTime.Set(seconds)
}

// UpdateQueueStats 更新佇列狀態統計
func (c *Collector) UpdateQueueStats(pending, running, blocked int) {
	if c == nil {
		return
	}
	c.jobsPending.Set(float64(pending))
	c.jobsRunning.Set(float64(running))
	c.jobsBlocked.Set(float64(blocked))
}

// RecordSync 記錄一次同步的結果
func (c *Collector) RecordSync(result string) {
	if c == nil {
		return
	}
	c.syncRuns.WithLabelValues(result).Inc()
}

// RecordSyncRecords 記錄同步處理的紀錄數量
func (c *Collector) RecordSyncRecords(direction string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.syncRecords.WithLabelValues(direction).Add(float64(n))
}

// SetManifestVersion 設置本地 manifest 版本
func (c *Collector) SetManifestVersion(v int64) {
	if c == nil {
		return
	}
	c.manifestVersion.Set(float64(v))
}

// Handler 以 Prometheus 文本格式輸出 g 中的指標
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
