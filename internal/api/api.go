// ============================================================================
// 管理 HTTP API（gin）
// ============================================================================
//
// 路由:
//   GET    /healthz     存活檢查
//   GET    /status      控制器狀態與任務統計
//   GET    /jobs        列出任務（?queue= 過濾）
//   GET    /jobs/:id    單一任務含條件與相依
//   POST   /jobs        入隊
//   DELETE /jobs/:id    取消
//   POST   /sync        排程一次儲存同步
//   GET    /metrics     Prometheus
//   GET    /ws          任務事件串流（websocket）
// ============================================================================

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ChuLiYu/beaver-sync/internal/constraint"
	"github.com/ChuLiYu/beaver-sync/internal/controller"
	"github.com/ChuLiYu/beaver-sync/internal/job"
	"github.com/ChuLiYu/beaver-sync/internal/jobstorage"
	"github.com/ChuLiYu/beaver-sync/internal/metrics"
	"github.com/ChuLiYu/beaver-sync/pkg/types"
)

// ErrSyncDisabled 未設定同步觸發函式
var ErrSyncDisabled = errors.New("storage sync is disabled")

// Controller API 需要的控制器能力
type Controller interface {
	Enqueue(ctx context.Context, req controller.Request) (string, error)
	Cancel(ctx context.Context, id string) error
	Status() controller.Status
	Storage() *jobstorage.JobStorage
}

// Config API 依賴
type Config struct {
	Controller Controller
	// Sync 排程一次同步；nil 時 POST /sync 回 503
	Sync     func(ctx context.Context) error
	Gatherer prometheus.Gatherer // nil 時不掛 /metrics
	Events   http.Handler        // nil 時不掛 /ws
	Logger   *slog.Logger
}

// Server 管理 API 伺服器
type Server struct {
	cfg    Config
	logger *slog.Logger
	engine *gin.Engine
}

// New 建立 API 伺服器
func New(cfg Config) (*Server, error) {
	if cfg.Controller == nil {
		return nil, errors.New("api: controller is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:    cfg,
		logger: logger.With("component", "api"),
		engine: gin.New(),
	}
	s.engine.Use(gin.Recovery(), s.requestLogger())
	s.routes()
	return s, nil
}

// Handler 回傳 http.Handler，測試與自訂伺服器使用
func (s *Server) Handler() http.Handler { return s.engine }

// Serve 在 addr 上提供服務，ctx 取消時優雅關閉
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP API listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) routes() {
	r := s.engine
	r.GET("/healthz", s.handleHealth)
	r.GET("/status", s.handleStatus)
	r.GET("/jobs", s.handleListJobs)
	r.GET("/jobs/:id", s.handleGetJob)
	r.POST("/jobs", s.handleEnqueue)
	r.DELETE("/jobs/:id", s.handleCancel)
	r.POST("/sync", s.handleSync)
	if s.cfg.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(metrics.Handler(s.cfg.Gatherer)))
	}
	if s.cfg.Events != nil {
		r.GET("/ws", gin.WrapH(s.cfg.Events))
	}
}

// requestLogger 以 slog 記錄每個請求
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("HTTP request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"latency", time.Since(start))
	}
}

// ============================================================================
// Handlers
// ============================================================================

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "running": s.cfg.Controller.Status().Running})
}

func (s *Server) handleStatus(c *gin.Context) {
	st := s.cfg.Controller.Status()
	c.JSON(http.StatusOK, gin.H{
		"running": st.Running,
		"uptime":  st.Uptime.String(),
		"workers": st.Workers,
		"busy":    st.Busy,
		"jobs":    st.Jobs,
	})
}

func (s *Server) handleListJobs(c *gin.Context) {
	storage := s.cfg.Controller.Storage()
	var jobs []types.JobSpec
	if queue := c.Query("queue"); queue != "" {
		jobs = storage.GetJobsInQueue(queue)
	} else {
		jobs = storage.GetAllJobSpecs()
	}
	if jobs == nil {
		jobs = []types.JobSpec{}
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs, "count": len(jobs)})
}

// jobDetail GET /jobs/:id 的回應
type jobDetail struct {
	Job          types.JobSpec          `json:"job"`
	Constraints  []types.ConstraintSpec `json:"constraints"`
	Dependencies []types.DependencySpec `json:"dependencies"`
}

func (s *Server) handleGetJob(c *gin.Context) {
	id := c.Param("id")
	storage := s.cfg.Controller.Storage()
	spec, ok := storage.GetJobSpec(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	detail := jobDetail{
		Job:          spec,
		Constraints:  storage.GetConstraintSpecs(id),
		Dependencies: storage.GetDependencySpecsForJob(id),
	}
	if detail.Constraints == nil {
		detail.Constraints = []types.ConstraintSpec{}
	}
	if detail.Dependencies == nil {
		detail.Dependencies = []types.DependencySpec{}
	}
	c.JSON(http.StatusOK, detail)
}

// EnqueueRequest POST /jobs 的請求本體；時間欄位為 Go duration 字串
type EnqueueRequest struct {
	ID           string          `json:"id"`
	FactoryKey   string          `json:"factory_key" binding:"required"`
	Data         json.RawMessage `json:"data"`
	Queue        string          `json:"queue"`
	MaxAttempts  *int            `json:"max_attempts"`
	Lifespan     string          `json:"lifespan"`
	MaxBackoff   string          `json:"max_backoff"`
	InitialDelay string          `json:"initial_delay"`
	Constraints  []string        `json:"constraints"`
	MemoryOnly   bool            `json:"memory_only"`
	DependsOn    []string        `json:"depends_on"`
}

// Request 轉成控制器的入隊請求
func (r EnqueueRequest) Request() (controller.Request, error) {
	params := job.NewParameters().
		WithQueue(r.Queue).
		WithConstraints(r.Constraints...)
	if r.MemoryOnly {
		params = params.WithMemoryOnly()
	}
	if r.MaxAttempts != nil {
		params = params.WithMaxAttempts(*r.MaxAttempts)
	}

	durations := []struct {
		name  string
		value string
		apply func(time.Duration)
	}{
		{"lifespan", r.Lifespan, func(d time.Duration) { params = params.WithLifespan(d) }},
		{"max_backoff", r.MaxBackoff, func(d time.Duration) { params = params.WithMaxBackoff(d) }},
		{"initial_delay", r.InitialDelay, func(d time.Duration) { params = params.WithInitialDelay(d) }},
	}
	for _, f := range durations {
		if f.value == "" {
			continue
		}
		d, err := time.ParseDuration(f.value)
		if err != nil {
			return controller.Request{}, fmt.Errorf("%s: %w", f.name, err)
		}
		f.apply(d)
	}

	var data []byte
	if len(r.Data) > 0 {
		data = []byte(r.Data)
	}
	return controller.Request{
		ID:         r.ID,
		FactoryKey: r.FactoryKey,
		Data:       data,
		Params:     params,
		DependsOn:  r.DependsOn,
	}, nil
}

func (s *Server) handleEnqueue(c *gin.Context) {
	var body EnqueueRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req, err := body.Request()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id, err := s.cfg.Controller.Enqueue(c.Request.Context(), req)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": id, "status": "accepted"})
}

func (s *Server) handleCancel(c *gin.Context) {
	id := c.Param("id")
	if err := s.cfg.Controller.Cancel(c.Request.Context(), id); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": id, "status": "cancelling"})
}

func (s *Server) handleSync(c *gin.Context) {
	if s.cfg.Sync == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": ErrSyncDisabled.Error()})
		return
	}
	if err := s.cfg.Sync(c.Request.Context()); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "scheduled"})
}

// statusFor 把領域錯誤對應到 HTTP 狀態碼
func statusFor(err error) int {
	switch {
	case errors.Is(err, jobstorage.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, jobstorage.ErrDuplicateJob),
		errors.Is(err, controller.ErrTooManyInstances):
		return http.StatusConflict
	case errors.Is(err, job.ErrUnknownFactory),
		errors.Is(err, constraint.ErrUnknownConstraint),
		errors.Is(err, jobstorage.ErrDependencyCycle):
		return http.StatusBadRequest
	case errors.Is(err, controller.ErrStopped):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
