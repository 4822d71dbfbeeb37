package storagesync

// ============================================================================
// 同步引擎
//
// 一次同步：
//   1. 讀本地 manifest，向遠端要較新的 manifest
//   2. 遠端較新：算 ID 差異 -> 清掉已取消註冊的本地 ID -> 讀取 remote-only 紀錄
//      -> 在同一個本地交易中交給各類型處理器合併，並保存遠端 manifest
//   3. 以（可能已更新的）manifest 為基準再算一次差異
//   4. 組出寫回（版本 +1）並驗證
//   5. 寫入遠端；版本衝突時放棄，下次從頭讀取
//   6. 成功後保存新 manifest
//   7. 之前無法辨識、現在有處理器的紀錄重新讀取並合併
//
// 網路呼叫一律在本地交易之外。
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ChuLiYu/beaver-sync/internal/metrics"
)

// Config 引擎設定
type Config struct {
	// Primary 主要裝置可以強制重寫遠端；連結裝置只能索取金鑰
	Primary    bool
	DeviceID   int32
	Generator  IDGenerator
	Processors map[RecordType]Processor
	Logger     *slog.Logger
	Metrics    *metrics.Collector
}

// Engine 對單一本地儲存與單一遠端執行同步，同時間只跑一個同步
type Engine struct {
	mu         sync.Mutex
	local      LocalStore
	remote     RemoteStore
	primary    bool
	deviceID   int32
	gen        IDGenerator
	processors map[RecordType]Processor
	logger     *slog.Logger
	metrics    *metrics.Collector
}

// NewEngine 建立同步引擎
func NewEngine(local LocalStore, remote RemoteStore, cfg Config) (*Engine, error) {
	if local == nil || remote == nil {
		return nil, errors.New("storagesync: local and remote stores are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	gen := cfg.Generator
	if gen == nil {
		gen = RandomIDs
	}
	processors := cfg.Processors
	if processors == nil {
		processors = DefaultProcessors(logger)
	}
	return &Engine{
		local:      local,
		remote:     remote,
		primary:    cfg.Primary,
		deviceID:   cfg.DeviceID,
		gen:        gen,
		processors: processors,
		logger:     logger.With("component", "storage-sync"),
		metrics:    cfg.Metrics,
	}, nil
}

// Primary 是否為主要裝置
func (e *Engine) Primary() bool { return e.primary }

// Local 本地儲存
func (e *Engine) Local() LocalStore { return e.local }

// Generator ID 產生器
func (e *Engine) Generator() IDGenerator { return e.gen }

// ============================================================================
// Sync
// ============================================================================

// Sync 執行一次同步
//
// 錯誤：
//   - ErrRetryLater：遠端版本衝突，沒有寫入任何本地變更
//   - *RecoveryError：解密失敗，需要強制重寫或索取金鑰
//   - *ValidationError：寫回未通過結構檢查
func (e *Engine) Sync(ctx context.Context) (SyncResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	res, err := e.sync(ctx)
	e.observe(res, err)
	return res, err
}

func (e *Engine) observe(res SyncResult, err error) {
	var recovery *RecoveryError
	var invalid *ValidationError
	switch {
	case err == nil && res.Wrote:
		e.metrics.RecordSync(metrics.SyncSuccess)
	case err == nil:
		e.metrics.RecordSync(metrics.SyncNoop)
	case errors.Is(err, ErrRetryLater):
		e.metrics.RecordSync(metrics.SyncConflict)
	case errors.As(err, &recovery):
		e.metrics.RecordSync(metrics.SyncRecovery)
	case errors.As(err, &invalid):
		e.metrics.RecordSync(metrics.SyncValidation)
	default:
		e.metrics.RecordSync(metrics.SyncError)
	}
	e.metrics.RecordSyncRecords("pulled", res.Merged)
	e.metrics.RecordSyncRecords("pushed", res.Pushed)
	e.metrics.RecordSyncRecords("deleted", res.Deleted)
	if res.LocalVersion > 0 {
		e.metrics.SetManifestVersion(res.LocalVersion)
	}
}

func (e *Engine) sync(ctx context.Context) (SyncResult, error) {
	var res SyncResult

	base, err := e.local.Manifest(ctx)
	if err != nil {
		return res, fmt.Errorf("read local manifest: %w", err)
	}
	res.LocalVersion = base.Version

	remote, err := e.remote.GetManifestIfNewer(ctx, base.Version)
	if err != nil {
		return res, e.remoteError("fetch manifest", err)
	}

	if remote != nil {
		res.RemoteVersion = remote.Version
		e.logger.Info("Remote manifest is newer", "local_version", base.Version, "remote_version", remote.Version)
		if err := e.mergeRemote(ctx, *remote, &res); err != nil {
			return res, err
		}
		base = remote.Clone()
		res.LocalVersion = base.Version
	}

	if res.NeedsForcePush {
		e.logger.Warn("Skipping write-back, a force push is required")
		return res, nil
	}

	if err := e.writeBack(ctx, base, &res); err != nil {
		return res, err
	}

	if err := e.processNewlyKnown(ctx, &res); err != nil {
		return res, err
	}
	return res, nil
}

// mergeRemote 步驟 2：把遠端較新的內容合併進本地
func (e *Engine) mergeRemote(ctx context.Context, remote Manifest, res *SyncResult) error {
	localIDs, err := e.local.StorageIDs(ctx)
	if err != nil {
		return fmt.Errorf("read local ids: %w", err)
	}
	diff := FindIDDifference(remote.IDs, localIDs)

	if diff.HasTypeMismatches() {
		e.logger.Warn("Storage ids with mismatched types", "count", len(diff.TypeMismatches), "primary", e.primary)
		if e.primary {
			res.NeedsForcePush = true
		}
	}

	if len(diff.LocalOnly) > 0 {
		var cleared int
		err := e.local.Update(ctx, func(tx LocalTx) error {
			var err error
			cleared, err = tx.ClearUnregistered(diff.LocalOnly)
			return err
		})
		if err != nil {
			return fmt.Errorf("clear unregistered: %w", err)
		}
		if cleared > 0 {
			e.logger.Info("Cleared storage ids of unregistered contacts", "count", cleared)
			if localIDs, err = e.local.StorageIDs(ctx); err != nil {
				return fmt.Errorf("read local ids: %w", err)
			}
			diff = FindIDDifference(remote.IDs, localIDs)
		}
	}

	var fetched []Record
	if len(diff.RemoteOnly) > 0 {
		fetched, err = e.remote.ReadRecords(ctx, diff.RemoteOnly)
		if err != nil {
			return e.remoteError("read records", err)
		}
		if len(fetched) != len(diff.RemoteOnly) {
			e.logger.Warn("Remote manifest lists records that do not exist",
				"expected", len(diff.RemoteOnly), "got", len(fetched), "primary", e.primary)
			if e.primary {
				res.NeedsForcePush = true
			}
		}
	}

	knownByType := make(map[RecordType][]Record)
	var unknown []Record
	for _, r := range fetched {
		if _, ok := e.processors[r.Type()]; ok && !r.IsUnknown() {
			knownByType[r.Type()] = append(knownByType[r.Type()], r)
			continue
		}
		opaque, err := e.opaque(r)
		if err != nil {
			return err
		}
		unknown = append(unknown, opaque)
	}

	unknownIDs, err := e.local.UnknownIDs(ctx)
	if err != nil {
		return fmt.Errorf("read unknown ids: %w", err)
	}
	remoteSet := newIDSet(remote.IDs)

	err = e.local.Update(ctx, func(tx LocalTx) error {
		for _, t := range KnownTypes {
			records := knownByType[t]
			if len(records) == 0 {
				continue
			}
			if err := e.processors[t].Process(tx, records, e.gen); err != nil {
				return fmt.Errorf("process %s records: %w", t, err)
			}
		}
		for _, r := range unknown {
			if err := tx.Put(r); err != nil {
				return err
			}
		}
		// 遠端已不存在的不透明紀錄
		for _, id := range unknownIDs {
			if !remoteSet.has(id) {
				if err := tx.Delete(id); err != nil {
					return err
				}
			}
		}
		return tx.SetManifest(remote)
	})
	if err != nil {
		return fmt.Errorf("apply remote changes: %w", err)
	}
	res.Merged = len(fetched)
	return nil
}

// opaque 把沒有處理器的紀錄轉成不透明紀錄保存
func (e *Engine) opaque(r Record) (Record, error) {
	if r.IsUnknown() {
		return r, nil
	}
	data, err := EncodeRecord(r)
	if err != nil {
		return Record{}, fmt.Errorf("encode %s record: %w", r.Type(), err)
	}
	return Record{ID: r.ID.Clone(), Unknown: data}, nil
}

// writeBack 步驟 3-6
func (e *Engine) writeBack(ctx context.Context, base Manifest, res *SyncResult) error {
	localIDs, err := e.local.StorageIDs(ctx)
	if err != nil {
		return fmt.Errorf("read local ids: %w", err)
	}
	diff := FindIDDifference(base.IDs, localIDs)
	if len(diff.LocalOnly) == 0 && len(diff.RemoteOnly) == 0 {
		return nil
	}

	inserts, err := e.local.Records(ctx, diff.LocalOnly)
	if err != nil {
		return fmt.Errorf("read local records: %w", err)
	}
	if len(inserts) != len(diff.LocalOnly) {
		return validationErrorf("local store lost %d records while preparing the write", len(diff.LocalOnly)-len(inserts))
	}

	// 以遠端清單為基礎，保留類型不一致的項目原樣
	deleted := newIDSet(diff.RemoteOnly)
	next := Manifest{Version: base.Version + 1, SourceDevice: e.deviceID}
	for _, id := range base.IDs {
		if !deleted.has(id) {
			next.IDs = append(next.IDs, id.Clone())
		}
	}
	for _, r := range inserts {
		next.IDs = append(next.IDs, r.ID.Clone())
	}

	op := WriteOperation{Previous: base.IDs, Manifest: next, Inserts: inserts, Deletes: diff.RemoteOnly}
	if err := Validate(op); err != nil {
		e.logger.Error("Write-back failed validation", "error", err)
		return err
	}

	e.logger.Info("Writing storage manifest", "version", next.Version, "inserts", len(inserts), "deletes", len(diff.RemoteOnly))
	if err := e.remote.WriteRecords(ctx, next, inserts, diff.RemoteOnly); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			e.logger.Warn("Remote manifest changed during sync", "version", next.Version)
			return fmt.Errorf("%w: %w", ErrRetryLater, err)
		}
		return e.remoteError("write records", err)
	}

	err = e.local.Update(ctx, func(tx LocalTx) error {
		return tx.SetManifest(next)
	})
	if err != nil {
		return fmt.Errorf("save manifest: %w", err)
	}

	res.LocalVersion = next.Version
	res.Pushed = len(inserts)
	res.Deleted = len(diff.RemoteOnly)
	res.Wrote = true
	res.NeedsMultiDeviceSync = true
	return nil
}

// processNewlyKnown 步驟 7
func (e *Engine) processNewlyKnown(ctx context.Context, res *SyncResult) error {
	unknownIDs, err := e.local.UnknownIDs(ctx)
	if err != nil {
		return fmt.Errorf("read unknown ids: %w", err)
	}
	var ids []StorageID
	for _, id := range unknownIDs {
		if _, ok := e.processors[id.Type]; ok {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil
	}

	fetched, err := e.remote.ReadRecords(ctx, ids)
	if err != nil {
		return e.remoteError("read newly known records", err)
	}
	byType := make(map[RecordType][]Record)
	for _, r := range fetched {
		if !r.IsUnknown() {
			byType[r.Type()] = append(byType[r.Type()], r)
		}
	}

	e.logger.Info("Processing records that became known", "count", len(ids))
	err = e.local.Update(ctx, func(tx LocalTx) error {
		for _, id := range ids {
			if err := tx.Delete(id); err != nil {
				return err
			}
		}
		for _, t := range KnownTypes {
			if records := byType[t]; len(records) > 0 {
				if err := e.processors[t].Process(tx, records, e.gen); err != nil {
					return fmt.Errorf("process %s records: %w", t, err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("apply newly known records: %w", err)
	}
	res.Merged += len(fetched)
	return nil
}

// remoteError 解密失敗轉成恢復錯誤，其他錯誤包裝後原樣回傳
func (e *Engine) remoteError(op string, err error) error {
	if !errors.Is(err, ErrDecryption) {
		return fmt.Errorf("%s: %w", op, err)
	}
	action := ActionRequestKeys
	if e.primary {
		action = ActionForcePush
	}
	e.logger.Error("Storage decryption failed", "op", op, "recovery", action.String())
	return &RecoveryError{Action: action, Err: err}
}

// ============================================================================
// 強制重寫
// ============================================================================

// ForcePush 為每筆本地紀錄換上新 ID，並以本地內容完整取代遠端
func (e *Engine) ForcePush(ctx context.Context) (SyncResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	res, err := e.forcePush(ctx)
	e.observe(res, err)
	return res, err
}

func (e *Engine) forcePush(ctx context.Context) (SyncResult, error) {
	var res SyncResult

	version, err := e.remote.ManifestVersion(ctx)
	if err != nil {
		return res, fmt.Errorf("read remote version: %w", err)
	}
	res.RemoteVersion = version

	ids, err := e.local.StorageIDs(ctx)
	if err != nil {
		return res, fmt.Errorf("read local ids: %w", err)
	}
	records, err := e.local.Records(ctx, ids)
	if err != nil {
		return res, fmt.Errorf("read local records: %w", err)
	}

	rotated := make([]Record, len(records))
	next := Manifest{Version: version + 1, SourceDevice: e.deviceID, IDs: make([]StorageID, len(records))}
	for i, r := range records {
		n := r.Clone()
		n.ID = e.gen.Generate(r.Type())
		rotated[i] = n
		next.IDs[i] = n.ID
	}

	if err := Validate(WriteOperation{Manifest: next, Inserts: rotated}); err != nil {
		e.logger.Error("Force push failed validation", "error", err)
		return res, err
	}

	e.logger.Info("Force pushing storage", "version", next.Version, "records", len(rotated))
	if err := e.remote.ResetRecords(ctx, next, rotated); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			return res, fmt.Errorf("%w: %w", ErrRetryLater, err)
		}
		return res, fmt.Errorf("reset records: %w", err)
	}

	err = e.local.Update(ctx, func(tx LocalTx) error {
		for i, r := range records {
			if r.IsUnknown() {
				if err := tx.Delete(r.ID); err != nil {
					return err
				}
			}
			if err := tx.Put(rotated[i]); err != nil {
				return err
			}
		}
		return tx.SetManifest(next)
	})
	if err != nil {
		return res, fmt.Errorf("save rotated ids: %w", err)
	}

	res.LocalVersion = next.Version
	res.Pushed = len(rotated)
	res.Wrote = true
	res.NeedsMultiDeviceSync = true
	return res, nil
}

// RotateStorageIDs 本地紀錄內容改變後換上新 ID，下次同步會刪除舊 ID 並推送新 ID
//
// 找不到的參照直接略過，回傳實際換掉的筆數。
func RotateStorageIDs(ctx context.Context, local LocalStore, gen IDGenerator, refs ...RecordRef) (int, error) {
	rotated := 0
	err := local.Update(ctx, func(tx LocalTx) error {
		rotated = 0
		for _, ref := range refs {
			r, ok, err := tx.FindByIdentity(ref.Type, ref.Identity)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			r.ID = gen.Generate(ref.Type)
			if err := tx.Put(r); err != nil {
				return err
			}
			rotated++
		}
		return nil
	})
	return rotated, err
}
