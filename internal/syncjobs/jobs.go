package syncjobs

import (
	"context"
	"errors"

	"github.com/ChuLiYu/beaver-sync/internal/job"
	"github.com/ChuLiYu/beaver-sync/internal/storagesync"
)

// ============================================================================
// StorageSyncJob
// ============================================================================

func newSyncJob(d *Deps) job.Job {
	return job.RunFunc{
		Fn: func(ctx context.Context, in job.Input) job.Result {
			return runSync(ctx, d)
		},
		Failure: func(ctx context.Context) {
			d.logger().Warn("Storage sync gave up")
		},
	}
}

func runSync(ctx context.Context, d *Deps) job.Result {
	logger := d.logger()
	res, err := d.Engine.Sync(ctx)
	if err != nil {
		return handleSyncError(ctx, d, err)
	}

	logger.Info("Storage sync finished",
		"local_version", res.LocalVersion,
		"merged", res.Merged,
		"pushed", res.Pushed,
		"deleted", res.Deleted)

	if res.NeedsForcePush {
		if err := enqueue(ctx, d.Enqueuer, ForcePushRequest()); err != nil {
			return job.Retry(err)
		}
	}
	if res.NeedsMultiDeviceSync {
		if err := enqueue(ctx, d.Enqueuer, MultiDeviceSyncRequest()); err != nil {
			logger.Warn("Failed to schedule multi-device sync", "error", err)
		}
	}
	return job.Success(nil)
}

// handleSyncError 把引擎錯誤對應到任務結果
//
//	ErrRetryLater    -> 重試（下次重新讀取 manifest）
//	*RecoveryError   -> 排入恢復任務，本任務成功
//	*ValidationError -> 永久失敗
//	context 取消     -> 失敗（控制器在關閉時會保留任務）
//	其他             -> 重試
func handleSyncError(ctx context.Context, d *Deps, err error) job.Result {
	var (
		recovery *storagesync.RecoveryError
		invalid  *storagesync.ValidationError
	)
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return job.Failure(err)
	case errors.Is(err, storagesync.ErrRetryLater):
		return job.Retry(err)
	case errors.As(err, &recovery):
		req := KeysRequestRequest()
		if recovery.Action == storagesync.ActionForcePush {
			req = ForcePushRequest()
		}
		d.logger().Warn("Storage needs recovery", "action", recovery.Action.String(), "error", err)
		if err := enqueue(ctx, d.Enqueuer, req); err != nil {
			return job.Retry(err)
		}
		return job.Success(nil)
	case errors.As(err, &invalid):
		return job.Failure(err)
	default:
		return job.Retry(err)
	}
}

// ============================================================================
// StorageForcePushJob
// ============================================================================

func newForcePushJob(d *Deps) job.Job {
	return job.RunFunc{Fn: func(ctx context.Context, in job.Input) job.Result {
		return runForcePush(ctx, d)
	}}
}

func runForcePush(ctx context.Context, d *Deps) job.Result {
	if !d.Engine.Primary() {
		d.logger().Warn("Ignoring force push on a linked device")
		return job.Success(nil)
	}
	res, err := d.Engine.ForcePush(ctx)
	if err != nil {
		var invalid *storagesync.ValidationError
		switch {
		case errors.Is(err, context.Canceled), errors.As(err, &invalid):
			return job.Failure(err)
		default:
			return job.Retry(err)
		}
	}
	d.logger().Info("Force push finished", "version", res.LocalVersion, "records", res.Pushed)
	if err := enqueue(ctx, d.Enqueuer, MultiDeviceSyncRequest()); err != nil {
		d.logger().Warn("Failed to schedule multi-device sync", "error", err)
	}
	return job.Success(nil)
}

// ============================================================================
// StorageKeysRequestJob / MultiDeviceStorageSyncRequestJob
// ============================================================================

func newKeysRequestJob(d *Deps) job.Job {
	return job.RunFunc{Fn: func(ctx context.Context, in job.Input) job.Result {
		if d.Engine.Primary() {
			return job.Success(nil)
		}
		if d.Keys == nil {
			return job.Failure(errors.New("no key requester configured"))
		}
		if err := d.Keys.RequestStorageKeys(ctx); err != nil {
			return job.Retry(err)
		}
		return job.Success(nil)
	}}
}

func newMultiDeviceSyncJob(d *Deps) job.Job {
	return job.RunFunc{Fn: func(ctx context.Context, in job.Input) job.Result {
		if d.Devices == nil {
			d.logger().Debug("No device notifier, skipping multi-device sync")
			return job.Success(nil)
		}
		if err := d.Devices.NotifyStorageChanged(ctx); err != nil {
			return job.Retry(err)
		}
		return job.Success(nil)
	}}
}

// ============================================================================
// StorageMigrationJob
// ============================================================================

// 主要裝置直接強制重寫（換掉所有 ID）；連結裝置只需要重新同步
func newMigrationJob(d *Deps) job.Job {
	return job.RunFunc{Fn: func(ctx context.Context, in job.Input) job.Result {
		if !d.Engine.Primary() {
			if err := ScheduleSync(ctx, d.Enqueuer); err != nil {
				return job.Retry(err)
			}
			return job.Success(nil)
		}
		return runForcePush(ctx, d)
	}}
}
