// Package syncjobs 把同步引擎接到任務引擎上
//
// 同步相關任務共用 StorageSyncingJobs 佇列，保證同一時間只有一個同步或強制重寫在跑。
// 引擎回報的後續動作（強制重寫、索取金鑰、通知其他裝置）一律以新任務表達。
package syncjobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/beaver-sync/internal/constraint"
	"github.com/ChuLiYu/beaver-sync/internal/controller"
	"github.com/ChuLiYu/beaver-sync/internal/job"
	"github.com/ChuLiYu/beaver-sync/internal/storagesync"
	"github.com/ChuLiYu/beaver-sync/pkg/types"
)

// Factory keys
const (
	SyncFactory            = "StorageSyncJob"
	ForcePushFactory       = "StorageForcePushJob"
	KeysRequestFactory     = "StorageKeysRequestJob"
	MultiDeviceSyncFactory = "MultiDeviceStorageSyncRequestJob"
	MigrationFactory       = "StorageMigrationJob"

	// QueueKey 同步任務共用的佇列
	QueueKey = "StorageSyncingJobs"
)

// KeyRequester 連結裝置向主要裝置索取儲存金鑰
type KeyRequester interface {
	RequestStorageKeys(ctx context.Context) error
}

// DeviceNotifier 通知其他裝置遠端已更新
type DeviceNotifier interface {
	NotifyStorageChanged(ctx context.Context) error
}

// Enqueuer 任務入隊（*controller.Controller）
type Enqueuer interface {
	Enqueue(ctx context.Context, req controller.Request) (string, error)
}

// Deps 任務執行時需要的協作者
//
// Enqueuer 通常是之後才建立的 Controller，必須在 Start 之前設定。
type Deps struct {
	Engine   *storagesync.Engine
	Enqueuer Enqueuer
	Keys     KeyRequester   // 可為 nil
	Devices  DeviceNotifier // 可為 nil
	Logger   *slog.Logger
}

func (d *Deps) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

// ============================================================================
// 入隊請求
// ============================================================================

func syncParams() job.Parameters {
	return job.NewParameters().
		WithQueue(QueueKey).
		WithConstraints(constraint.Network).
		WithMaxAttempts(3).
		WithLifespan(24 * time.Hour)
}

// SyncRequest 一次完整同步；佇列中最多一個在跑、一個在等
func SyncRequest() controller.Request {
	return controller.Request{FactoryKey: SyncFactory, Params: syncParams().WithMaxInstancesForFactory(2)}
}

// ForcePushRequest 以本地內容重寫遠端
func ForcePushRequest() controller.Request {
	return controller.Request{FactoryKey: ForcePushFactory, Params: syncParams().WithMaxInstancesForFactory(1)}
}

// KeysRequestRequest 向主要裝置索取金鑰
func KeysRequestRequest() controller.Request {
	return controller.Request{
		FactoryKey: KeysRequestFactory,
		Params: job.NewParameters().
			WithConstraints(constraint.Network).
			WithMaxAttempts(types.Unlimited).
			WithLifespan(24 * time.Hour).
			WithMaxInstancesForFactory(1),
	}
}

// MultiDeviceSyncRequest 通知其他裝置拉取
func MultiDeviceSyncRequest() controller.Request {
	return controller.Request{
		FactoryKey: MultiDeviceSyncFactory,
		Params: job.NewParameters().
			WithQueue(MultiDeviceSyncFactory).
			WithConstraints(constraint.Network).
			WithMaxAttempts(10).
			WithLifespan(24 * time.Hour).
			WithMaxInstancesForQueue(2),
	}
}

// MigrationRequest 儲存格式遷移：在遷移佇列中執行，完成前其他任務都不會被調度
func MigrationRequest() controller.Request {
	return controller.Request{
		FactoryKey: MigrationFactory,
		Params: job.NewParameters().
			WithQueue(types.MigrationQueueKey).
			WithConstraints(constraint.Network).
			WithMaxAttempts(types.Unlimited).
			WithMaxBackoff(10 * time.Minute),
	}
}

// ============================================================================
// 註冊
// ============================================================================

// Register 註冊所有同步任務
func Register(reg *job.Registry, deps *Deps) error {
	if deps == nil || deps.Engine == nil {
		return errors.New("syncjobs: engine is required")
	}
	factories := map[string]func(d *Deps) job.Job{
		SyncFactory:            newSyncJob,
		ForcePushFactory:       newForcePushJob,
		KeysRequestFactory:     newKeysRequestJob,
		MultiDeviceSyncFactory: newMultiDeviceSyncJob,
		MigrationFactory:       newMigrationJob,
	}
	for key, build := range factories {
		build := build
		if err := reg.Register(key, func(types.JobSpec) (job.Job, error) {
			return build(deps), nil
		}); err != nil {
			return err
		}
	}
	return nil
}

// ScheduleSync 排入同步；已經有足夠的同步在排隊時不視為錯誤
func ScheduleSync(ctx context.Context, enq Enqueuer) error {
	return enqueue(ctx, enq, SyncRequest())
}

// ScheduleSyncForDataChange 本地紀錄改變：換上新 StorageID 後排入同步
func ScheduleSyncForDataChange(ctx context.Context, local storagesync.LocalStore, gen storagesync.IDGenerator, enq Enqueuer, refs ...storagesync.RecordRef) error {
	if len(refs) > 0 {
		if _, err := storagesync.RotateStorageIDs(ctx, local, gen, refs...); err != nil {
			return fmt.Errorf("rotate storage ids: %w", err)
		}
	}
	return ScheduleSync(ctx, enq)
}

func enqueue(ctx context.Context, enq Enqueuer, req controller.Request) error {
	if enq == nil {
		return errors.New("syncjobs: no enqueuer configured")
	}
	_, err := enq.Enqueue(ctx, req)
	if errors.Is(err, controller.ErrTooManyInstances) {
		return nil
	}
	return err
}
