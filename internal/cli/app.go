package cli

// ============================================================================
// 組裝：依設定把持久層、同步引擎、控制器接在一起
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/ChuLiYu/beaver-sync/internal/config"
	"github.com/ChuLiYu/beaver-sync/internal/constraint"
	"github.com/ChuLiYu/beaver-sync/internal/controller"
	"github.com/ChuLiYu/beaver-sync/internal/events"
	"github.com/ChuLiYu/beaver-sync/internal/job"
	"github.com/ChuLiYu/beaver-sync/internal/jobstorage"
	"github.com/ChuLiYu/beaver-sync/internal/metrics"
	"github.com/ChuLiYu/beaver-sync/internal/storage/filestore"
	"github.com/ChuLiYu/beaver-sync/internal/storage/sqlstore"
	"github.com/ChuLiYu/beaver-sync/internal/storagesync"
	"github.com/ChuLiYu/beaver-sync/internal/storagesync/badgerlocal"
	"github.com/ChuLiYu/beaver-sync/internal/storagesync/redisremote"
	"github.com/ChuLiYu/beaver-sync/internal/syncjobs"
)

// App 一個完整組裝好的行程
type App struct {
	Config     *config.Config
	Logger     *slog.Logger
	Registry   *prometheus.Registry
	Metrics    *metrics.Collector
	Hub        *events.Hub
	Storage    *jobstorage.JobStorage
	Controller *controller.Controller
	Engine     *storagesync.Engine // sync.enabled 為 false 時為 nil
	Flags      map[string]*constraint.Flag

	closers []func() error
}

// NewApp 依設定建立所有元件；控制器尚未 Load/Start
func NewApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	a := &App{
		Config:   cfg,
		Logger:   logger,
		Registry: prometheus.NewRegistry(),
		Hub:      events.NewHub(logger.With("component", "events")),
	}
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = metrics.NewCollector(a.Registry)
	a.closers = append(a.closers, func() error { a.Hub.Close(); return nil })

	durable, err := openDurable(cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, durable.Close)
	a.Storage = jobstorage.New(durable, jobstorage.WithLogger(logger.With("component", "jobstorage")))

	jobs := job.NewRegistry()
	constraints, flags := constraint.NewDefaultRegistry()
	a.Flags = flags

	ctrl, err := controller.New(controller.Config{
		WorkerCount:  cfg.Worker.Count,
		QueueBuffer:  cfg.Worker.QueueBuffer,
		PollInterval: cfg.Worker.PollInterval,
		Logger:       logger,
		Metrics:      a.Metrics,
		Listener:     a.Hub,
	}, a.Storage, jobs, constraints)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Controller = ctrl

	if cfg.Sync.Enabled {
		engine, err := a.openEngine(ctx)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Engine = engine
		if err := syncjobs.Register(jobs, &syncjobs.Deps{
			Engine:   engine,
			Enqueuer: ctrl,
			Keys:     keysRequester{logger: logger},
			Devices:  hubNotifier{hub: a.Hub},
			Logger:   logger.With("component", "syncjobs"),
		}); err != nil {
			a.Close()
			return nil, err
		}
	}
	return a, nil
}

// Close 依建立的相反順序釋放資源
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

func openDurable(cfg *config.Config, logger *slog.Logger) (jobstorage.Durable, error) {
	switch cfg.Storage.Driver {
	case config.DriverFile:
		return filestore.Open(filestore.Config{
			Dir:             cfg.Storage.Dir,
			CompactEvery:    cfg.Storage.CompactEvery,
			CompressRotated: cfg.Storage.CompressRotated,
			KeepSnapshots:   cfg.Storage.KeepSnapshots,
		}, logger.With("component", "filestore"))
	case config.DriverSQLite:
		return sqlstore.Open("sqlite3", cfg.Storage.DSN)
	case config.DriverPostgres:
		return sqlstore.Open("postgres", cfg.Storage.DSN)
	case config.DriverMemory:
		logger.Warn("Using in-memory job storage, jobs will not survive a restart")
		return jobstorage.NewMemoryDurable(), nil
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
}

func (a *App) openEngine(ctx context.Context) (*storagesync.Engine, error) {
	cfg := a.Config

	dir := cfg.Sync.LocalDir
	if dir == config.InMemory {
		dir = ""
	}
	local, err := badgerlocal.Open(dir, a.Logger.With("component", "badgerlocal"))
	if err != nil {
		return nil, fmt.Errorf("open local sync store: %w", err)
	}
	a.closers = append(a.closers, local.Close)

	var remote storagesync.RemoteStore
	switch cfg.Sync.Remote {
	case config.RemoteRedis:
		key, err := cfg.Sync.Key()
		if err != nil {
			return nil, err
		}
		store, err := redisremote.Dial(ctx, cfg.Sync.RedisAddr, cfg.Sync.RedisDB, redisremote.Options{
			Prefix: cfg.Sync.RedisPrefix,
			Key:    key,
			Logger: a.Logger.With("component", "redisremote"),
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store.Close)
		remote = store
	default:
		a.Logger.Warn("Using in-memory sync remote, nothing is shared with other devices")
		remote = storagesync.NewMemoryRemote()
	}

	return storagesync.NewEngine(local, remote, storagesync.Config{
		Primary:  cfg.Device.Primary,
		DeviceID: cfg.Device.ID,
		Logger:   a.Logger.With("component", "storagesync"),
		Metrics:  a.Metrics,
	})
}

// keysRequester 沒有裝置間通道時只記錄請求
type keysRequester struct {
	logger *slog.Logger
}

func (k keysRequester) RequestStorageKeys(ctx context.Context) error {
	k.logger.Warn("Storage keys requested from the primary device")
	return nil
}

// hubNotifier 透過事件串流通知其他裝置
type hubNotifier struct {
	hub *events.Hub
}

func (n hubNotifier) NotifyStorageChanged(ctx context.Context) error {
	n.hub.Publish(events.Event{Type: events.SyncCompleted, Reason: "storage manifest changed", Time: time.Now()})
	return nil
}
