// ============================================================================
// Beaver-Sync 儲存同步 - 資料模型
// ============================================================================
//
// Package: internal/storagesync
// 文件: types.go
// 功能: 遠端紀錄以不透明的 StorageID 索引，Manifest 是某個版本的完整 ID 清單
//
// 關鍵規則:
//   - 本地紀錄與目前的 StorageID 一對一
//   - 紀錄內容改變時必須「旋轉」到新的 StorageID（舊 ID 刪除、新 ID 插入），
//     協定沒有原地更新
//   - 不認得的紀錄類型以不透明位元組保存，確保來回不遺失資料
//
// ============================================================================

package storagesync

import (
	"encoding/hex"
	"fmt"
)

// RecordType 紀錄類型標籤
type RecordType int32

const (
	TypeUnknown          RecordType = 0
	TypeContact          RecordType = 1
	TypeGroupV1          RecordType = 2
	TypeGroupV2          RecordType = 3
	TypeAccount          RecordType = 4
	TypeDistributionList RecordType = 5
)

// KnownTypes 編解碼器認得的所有類型
var KnownTypes = []RecordType{TypeContact, TypeGroupV1, TypeGroupV2, TypeAccount, TypeDistributionList}

func (t RecordType) String() string {
	switch t {
	case TypeUnknown:
		return "unknown"
	case TypeContact:
		return "contact"
	case TypeGroupV1:
		return "groupV1"
	case TypeGroupV2:
		return "groupV2"
	case TypeAccount:
		return "account"
	case TypeDistributionList:
		return "distributionList"
	default:
		return fmt.Sprintf("type(%d)", int32(t))
	}
}

// IsKnown 編解碼器是否認得此類型
func (t RecordType) IsKnown() bool {
	return t >= TypeContact && t <= TypeDistributionList
}

// StorageID 遠端紀錄的不透明識別碼加上類型標籤
type StorageID struct {
	Type RecordType
	Raw  []byte
}

// Key 比對用的鍵，只看 Raw（類型不同但 Raw 相同視為同一個 ID）
func (id StorageID) Key() string { return string(id.Raw) }

// IsEmpty 沒有指派 ID（例如已取消註冊的聯絡人）
func (id StorageID) IsEmpty() bool { return len(id.Raw) == 0 }

func (id StorageID) String() string {
	return fmt.Sprintf("%s:%s", id.Type, hex.EncodeToString(id.Raw))
}

// Clone 深拷貝
func (id StorageID) Clone() StorageID {
	return StorageID{Type: id.Type, Raw: append([]byte(nil), id.Raw...)}
}

// Manifest 某個版本的完整遠端 ID 清單
type Manifest struct {
	Version      int64
	SourceDevice int32
	IDs          []StorageID
}

// Clone 深拷貝
func (m Manifest) Clone() Manifest {
	c := Manifest{Version: m.Version, SourceDevice: m.SourceDevice}
	if m.IDs != nil {
		c.IDs = make([]StorageID, len(m.IDs))
		for i, id := range m.IDs {
			c.IDs[i] = id.Clone()
		}
	}
	return c
}

// ============================================================================
// 紀錄內容
// ============================================================================

// ContactRecord 聯絡人
type ContactRecord struct {
	ServiceID      string
	E164           string
	ProfileKey     []byte
	GivenName      string
	FamilyName     string
	Blocked        bool
	Whitelisted    bool
	Archived       bool
	MarkedUnread   bool
	MuteUntil      int64
	UnregisteredAt int64 // 非零表示已取消註冊
}

// GroupV1Record 舊版群組，以 16 位元組群組 ID 識別
type GroupV1Record struct {
	GroupID      []byte
	Blocked      bool
	Whitelisted  bool
	Archived     bool
	MarkedUnread bool
	MuteUntil    int64
}

// GroupV2Record 新版群組，以 32 位元組 master key 識別
type GroupV2Record struct {
	MasterKey             []byte
	Blocked               bool
	Whitelisted           bool
	Archived              bool
	MarkedUnread          bool
	MuteUntil             int64
	DontNotifyForMentions bool
}

// AccountRecord 帳號設定，每個帳號只有一筆
type AccountRecord struct {
	ProfileKey           []byte
	GivenName            string
	FamilyName           string
	AvatarURL            string
	NoteToSelfArchived   bool
	ReadReceipts         bool
	TypingIndicators     bool
	LinkPreviews         bool
	PinnedConversations  []string
	UniversalExpireTimer int32
}

// DistributionListRecord 限時動態的發布名單，以 16 位元組識別碼識別
type DistributionListRecord struct {
	Identifier    []byte
	Name          string
	Recipients    []string
	DeletedAt     int64
	AllowsReplies bool
	IsBlockList   bool
}

// MyStoryIdentifier 預設名單，不可被刪除
var MyStoryIdentifier = make([]byte, 16)

// Record 一筆同步紀錄：依 ID.Type 只會有一個內容欄位非 nil
//
// Unknown 非 nil 時代表不透明保存的紀錄（編解碼器或引擎不認得的類型）。
type Record struct {
	ID               StorageID
	Contact          *ContactRecord
	GroupV1          *GroupV1Record
	GroupV2          *GroupV2Record
	Account          *AccountRecord
	DistributionList *DistributionListRecord
	Unknown          []byte
}

// Type 紀錄類型
func (r Record) Type() RecordType { return r.ID.Type }

// IsUnknown 是否以不透明方式保存
func (r Record) IsUnknown() bool { return r.Unknown != nil }

// Clone 深拷貝
func (r Record) Clone() Record {
	c := Record{ID: r.ID.Clone()}
	if r.Contact != nil {
		v := *r.Contact
		v.ProfileKey = cloneBytes(v.ProfileKey)
		c.Contact = &v
	}
	if r.GroupV1 != nil {
		v := *r.GroupV1
		v.GroupID = cloneBytes(v.GroupID)
		c.GroupV1 = &v
	}
	if r.GroupV2 != nil {
		v := *r.GroupV2
		v.MasterKey = cloneBytes(v.MasterKey)
		c.GroupV2 = &v
	}
	if r.Account != nil {
		v := *r.Account
		v.ProfileKey = cloneBytes(v.ProfileKey)
		v.PinnedConversations = append([]string(nil), v.PinnedConversations...)
		c.Account = &v
	}
	if r.DistributionList != nil {
		v := *r.DistributionList
		v.Identifier = cloneBytes(v.Identifier)
		v.Recipients = append([]string(nil), v.Recipients...)
		c.DistributionList = &v
	}
	if r.Unknown != nil {
		c.Unknown = append([]byte{}, r.Unknown...)
	}
	return c
}

// Identity 紀錄的穩定身分（與 StorageID 無關），本地比對用
//
// 不透明紀錄以 StorageID 作為身分。
func (r Record) Identity() string {
	if r.IsUnknown() {
		return "id:" + hex.EncodeToString(r.ID.Raw)
	}
	switch r.ID.Type {
	case TypeContact:
		if r.Contact == nil {
			return ""
		}
		if r.Contact.ServiceID != "" {
			return "aci:" + r.Contact.ServiceID
		}
		if r.Contact.E164 != "" {
			return "e164:" + r.Contact.E164
		}
		return ""
	case TypeGroupV1:
		if r.GroupV1 == nil {
			return ""
		}
		return hex.EncodeToString(r.GroupV1.GroupID)
	case TypeGroupV2:
		if r.GroupV2 == nil {
			return ""
		}
		return hex.EncodeToString(r.GroupV2.MasterKey)
	case TypeAccount:
		return "account"
	case TypeDistributionList:
		if r.DistributionList == nil {
			return ""
		}
		return hex.EncodeToString(r.DistributionList.Identifier)
	default:
		return "id:" + hex.EncodeToString(r.ID.Raw)
	}
}

// IsUnregistered 已取消註冊的聯絡人
func (r Record) IsUnregistered() bool {
	return r.Contact != nil && r.Contact.UnregisteredAt != 0
}

// RecordRef 以類型與身分指向一筆本地紀錄
type RecordRef struct {
	Type     RecordType
	Identity string
}

// SyncResult 一次同步的結果
type SyncResult struct {
	RemoteVersion        int64 // 遠端較新時取得的版本，否則為 0
	LocalVersion         int64 // 同步後本地保存的版本
	Merged               int   // 套用到本地的遠端紀錄數
	Pushed               int   // 寫到遠端的紀錄數
	Deleted              int   // 從遠端刪除的紀錄數
	Wrote                bool  // 是否寫入了新的 manifest
	NeedsForcePush       bool  // 偵測到類型不一致或遠端缺紀錄，需要完整重寫
	NeedsMultiDeviceSync bool  // 其他裝置應該被通知
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
