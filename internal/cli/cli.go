// ============================================================================
// Beaver-Sync CLI
// ============================================================================
//
// 命令結構:
//   beaver-sync
//   ├── run        啟動任務引擎、同步排程、HTTP API 與 gRPC health
//   ├── enqueue    從 JSON 檔入隊（--addr 時送到執行中的 daemon）
//   ├── status     顯示任務與同步狀態
//   └── sync       立即同步一次（--force-push 完整重寫遠端）
//
// 持久旗標:
//   --config, -c   YAML 設定檔，未指定時只用預設值與 BEAVER_* 環境變數
//
// 離線指令（enqueue、status、sync 不帶 --addr）會先取得 state 目錄鎖，
// daemon 執行中時直接失敗，避免兩個行程同時寫同一份 WAL。
// ============================================================================

package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/beaver-sync/internal/api"
	"github.com/ChuLiYu/beaver-sync/internal/config"
	"github.com/ChuLiYu/beaver-sync/internal/lockfile"
	"github.com/ChuLiYu/beaver-sync/internal/server"
	"github.com/ChuLiYu/beaver-sync/internal/syncjobs"
)

// Version 由 -ldflags 注入
var Version = "dev"

type rootOptions struct {
	configFile string
	logOutput  io.Writer
}

// BuildCLI 建立根命令
func BuildCLI() *cobra.Command {
	opts := &rootOptions{logOutput: os.Stderr}

	rootCmd := &cobra.Command{
		Use:   "beaver-sync",
		Short: "Beaver-Sync: a durable job engine with storage sync",
		Long: `Beaver-Sync runs persistent background jobs and keeps a device's
storage records reconciled with a shared remote:
- write-through job storage (WAL+snapshot, SQLite or Postgres)
- per-queue FIFO with constraints, dependencies and retry backoff
- manifest based storage sync with optimistic versioning`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "config file path")

	rootCmd.AddCommand(buildRunCommand(opts))
	rootCmd.AddCommand(buildEnqueueCommand(opts))
	rootCmd.AddCommand(buildStatusCommand(opts))
	rootCmd.AddCommand(buildSyncCommand(opts))
	return rootCmd
}

// setup 載入設定並建立 logger
func (o *rootOptions) setup() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(o.configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := config.NewLogger(cfg.Log, o.logOutput)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// openLocked 取得 state 目錄鎖後組裝 App，回傳的 cleanup 會依序關閉並解鎖
func (o *rootOptions) openLocked(ctx context.Context) (*App, func(), error) {
	cfg, logger, err := o.setup()
	if err != nil {
		return nil, nil, err
	}
	lock, err := lockfile.Acquire(cfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	app, err := NewApp(ctx, cfg, logger)
	if err != nil {
		lock.Release()
		return nil, nil, err
	}
	cleanup := func() {
		if err := app.Close(); err != nil {
			logger.Error("Failed to close resources", "error", err)
		}
		if err := lock.Release(); err != nil {
			logger.Error("Failed to release state directory lock", "error", err)
		}
	}
	return app, cleanup, nil
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the job engine",
		Long:  "Start the job engine, the periodic storage sync, the HTTP admin API and the gRPC health service",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runSystem(ctx, opts)
		},
	}
}

func runSystem(ctx context.Context, opts *rootOptions) error {
	app, cleanup, err := opts.openLocked(ctx)
	if err != nil {
		return err
	}
	defer cleanup()
	cfg, logger := app.Config, app.Logger

	start := time.Now()
	if err := app.Controller.Start(ctx); err != nil {
		return fmt.Errorf("failed to start controller: %w", err)
	}
	defer app.Controller.Stop()
	logger.Info("Job engine started",
		"state_dir", cfg.StateDir,
		"storage", cfg.Storage.Driver,
		"workers", cfg.Worker.Count,
		"jobs", app.Storage.Stats().Total,
		"startup", time.Since(start))

	g, ctx := errgroup.WithContext(ctx)

	if app.Engine != nil {
		g.Go(func() error {
			scheduleSyncs(ctx, app)
			return nil
		})
	}

	if cfg.HTTP.Enabled {
		srv, err := api.New(api.Config{
			Controller: app.Controller,
			Sync:       app.scheduleSync,
			Gatherer:   app.Registry,
			Events:     app.Hub,
			Logger:     logger,
		})
		if err != nil {
			return err
		}
		g.Go(func() error { return srv.Serve(ctx, cfg.HTTP.Addr) })
	}

	if cfg.GRPC.Enabled {
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", cfg.GRPC.Addr, err)
		}
		health := server.New(logger)
		running := server.StatusFunc(func() bool { return app.Controller.Status().Running })
		g.Go(func() error {
			health.Watch(ctx, running, server.DefaultWatchInterval)
			return nil
		})
		g.Go(func() error { return health.Serve(ctx, lis) })
	}

	logger.Info("System started successfully")
	<-ctx.Done()
	logger.Info("Received shutdown signal, stopping gracefully")

	err = g.Wait()
	logger.Info("System stopped")
	return err
}

// scheduleSync 排入一次同步任務
func (a *App) scheduleSync(ctx context.Context) error {
	if a.Engine == nil {
		return api.ErrSyncDisabled
	}
	return syncjobs.ScheduleSync(ctx, a.Controller)
}

// scheduleSyncs 啟動時排一次，之後每 sync.interval 排一次
func scheduleSyncs(ctx context.Context, app *App) {
	schedule := func() {
		if err := app.scheduleSync(ctx); err != nil && ctx.Err() == nil {
			app.Logger.Warn("Failed to schedule storage sync", "error", err)
		}
	}
	schedule()

	interval := app.Config.Sync.Interval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			schedule()
		}
	}
}
