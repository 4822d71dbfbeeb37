package storagesync

import (
	"context"

	"github.com/google/uuid"
)

// RemoteStore 遠端以 manifest 版本做樂觀鎖的 KV 儲存
//
// 所有方法都是網路呼叫，絕不能在本地交易中呼叫。
type RemoteStore interface {
	// ManifestVersion 目前的遠端版本（不需要解密），沒有 manifest 時為 0
	ManifestVersion(ctx context.Context) (int64, error)
	// GetManifestIfNewer 遠端版本大於 version 時回傳 manifest，否則回傳 nil
	GetManifestIfNewer(ctx context.Context, version int64) (*Manifest, error)
	// ReadRecords 讀取紀錄；不存在的 ID 直接略過
	ReadRecords(ctx context.Context, ids []StorageID) ([]Record, error)
	// WriteRecords 遠端版本必須等於 manifest.Version-1，否則回傳 ErrVersionConflict
	WriteRecords(ctx context.Context, manifest Manifest, inserts []Record, deletes []StorageID) error
	// ResetRecords 刪除所有遠端紀錄後寫入 inserts；版本規則同 WriteRecords
	ResetRecords(ctx context.Context, manifest Manifest, inserts []Record) error
}

// LocalStore 本地紀錄儲存
type LocalStore interface {
	// Manifest 最後一次成功同步的 manifest，從未同步時為零值
	Manifest(ctx context.Context) (Manifest, error)
	// StorageIDs 所有本地紀錄（含不透明紀錄）目前的 StorageID，不含空 ID
	StorageIDs(ctx context.Context) ([]StorageID, error)
	// Records 依 StorageID 讀取，不存在的略過
	Records(ctx context.Context, ids []StorageID) ([]Record, error)
	// UnknownIDs 以不透明方式保存的紀錄 ID
	UnknownIDs(ctx context.Context) ([]StorageID, error)
	// Update 在單一原子交易中執行 fn；fn 回傳錯誤時不留下任何變更
	Update(ctx context.Context, fn func(tx LocalTx) error) error
}

// LocalTx 本地交易內可用的操作
type LocalTx interface {
	// FindByIdentity 以穩定身分查找（非 StorageID）
	FindByIdentity(t RecordType, identity string) (Record, bool, error)
	// Put 寫入紀錄：已知類型以身分覆蓋，不透明紀錄以 StorageID 覆蓋
	Put(r Record) error
	// Delete 刪除持有該 StorageID 的紀錄
	Delete(id StorageID) error
	// ClearUnregistered 清除 ids 中屬於已取消註冊聯絡人的 StorageID，回傳清除數
	ClearUnregistered(ids []StorageID) (int, error)
	// AllRecords 所有持有 StorageID 的紀錄
	AllRecords() ([]Record, error)
	// SetManifest 保存 manifest
	SetManifest(m Manifest) error
}

// IDGenerator 產生新的 StorageID
type IDGenerator interface {
	Generate(t RecordType) StorageID
}

// IDGeneratorFunc 函數適配器
type IDGeneratorFunc func(t RecordType) StorageID

// Generate implements IDGenerator.
func (f IDGeneratorFunc) Generate(t RecordType) StorageID { return f(t) }

// RandomIDs 以 16 個隨機位元組（UUIDv4）產生 ID
var RandomIDs IDGenerator = IDGeneratorFunc(func(t RecordType) StorageID {
	u := uuid.New()
	return StorageID{Type: t, Raw: u[:]}
})

// Processor 單一類型的合併邏輯，在本地交易內執行
type Processor interface {
	Process(tx LocalTx, remote []Record, gen IDGenerator) error
}
