package storagesync

// ============================================================================
// 各類型的合併處理器
//
// 對每筆遠端紀錄：
//   1. 無效紀錄直接略過（之後會因為不在本地而從遠端刪除）
//   2. 以穩定身分找本地紀錄，找不到就插入遠端紀錄（沿用遠端 ID）
//   3. 找到就依欄位優先順序合併：
//        結果等於遠端 -> 用遠端 ID
//        結果等於本地 -> 保留本地 ID（之後會重新推送）
//        其他         -> 產生新 ID
//      與本地不同才寫入
// ============================================================================

import (
	"bytes"
	"log/slog"
)

type recordProcessor struct {
	typ     RecordType
	logger  *slog.Logger
	invalid func(r Record) string // 回傳無效原因，空字串表示有效
	merge   func(remote, local Record) Record
	// lookup 可選，預設以 r.Identity() 查找
	lookup func(tx LocalTx, r Record) (Record, bool, error)
}

func (p *recordProcessor) log() *slog.Logger {
	if p.logger == nil {
		return slog.Default()
	}
	return p.logger
}

func (p *recordProcessor) find(tx LocalTx, r Record) (Record, bool, error) {
	if p.lookup != nil {
		return p.lookup(tx, r)
	}
	return tx.FindByIdentity(p.typ, r.Identity())
}

// Process implements Processor.
func (p *recordProcessor) Process(tx LocalTx, remote []Record, gen IDGenerator) error {
	for _, r := range remote {
		if r.ID.Type != p.typ {
			continue
		}
		if reason := p.invalid(r); reason != "" {
			p.log().Warn("Skipping invalid remote record", "id", r.ID.String(), "reason", reason)
			continue
		}

		local, ok, err := p.find(tx, r)
		if err != nil {
			return err
		}
		if !ok {
			if err := tx.Put(r); err != nil {
				return err
			}
			continue
		}

		merged := p.merge(r.Clone(), local.Clone())
		switch {
		case sameContent(merged, r):
			merged.ID = r.ID.Clone()
		case sameContent(merged, local):
			merged.ID = local.ID.Clone()
		default:
			merged.ID = gen.Generate(p.typ)
		}
		if sameRecord(merged, local) {
			continue
		}
		// 合併後身分改變（例如只有電話號碼的聯絡人取得 ServiceID），先移除舊紀錄
		if merged.Identity() != local.Identity() && !local.ID.IsEmpty() {
			if err := tx.Delete(local.ID); err != nil {
				return err
			}
		}
		if err := tx.Put(merged); err != nil {
			return err
		}
	}
	return nil
}

// DefaultProcessors 所有已知類型的處理器
func DefaultProcessors(logger *slog.Logger) map[RecordType]Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return map[RecordType]Processor{
		TypeContact:          ContactProcessor(logger),
		TypeGroupV1:          GroupV1Processor(logger),
		TypeGroupV2:          GroupV2Processor(logger),
		TypeAccount:          AccountProcessor(logger),
		TypeDistributionList: DistributionListProcessor(logger),
	}
}

// ContactProcessor 聯絡人
//
// 身分（ServiceID、E164）本地已驗證，本地優先；profile key 與名稱以遠端為準
// （遠端負責金鑰輪替）；聊天清單旗標以遠端為準；取消註冊狀態本地優先。
func ContactProcessor(logger *slog.Logger) Processor {
	return &recordProcessor{
		typ:    TypeContact,
		logger: logger,
		invalid: func(r Record) string {
			switch {
			case r.Contact == nil:
				return "missing contact"
			case r.Contact.ServiceID == "" && r.Contact.E164 == "":
				return "no service id or phone number"
			case len(r.Contact.ProfileKey) != 0 && len(r.Contact.ProfileKey) != 32:
				return "bad profile key length"
			}
			return ""
		},
		lookup: func(tx LocalTx, r Record) (Record, bool, error) {
			if sid := r.Contact.ServiceID; sid != "" {
				local, ok, err := tx.FindByIdentity(TypeContact, "aci:"+sid)
				if err != nil || ok {
					return local, ok, err
				}
			}
			if e164 := r.Contact.E164; e164 != "" {
				return tx.FindByIdentity(TypeContact, "e164:"+e164)
			}
			return Record{}, false, nil
		},
		merge: func(remote, local Record) Record {
			rc, lc := remote.Contact, local.Contact
			m := *lc
			if m.ServiceID == "" {
				m.ServiceID = rc.ServiceID
			}
			if m.E164 == "" {
				m.E164 = rc.E164
			}
			if len(rc.ProfileKey) > 0 {
				m.ProfileKey = rc.ProfileKey
			}
			if rc.GivenName != "" || rc.FamilyName != "" {
				m.GivenName, m.FamilyName = rc.GivenName, rc.FamilyName
			}
			m.Blocked = rc.Blocked
			m.Whitelisted = rc.Whitelisted
			m.Archived = rc.Archived
			m.MarkedUnread = rc.MarkedUnread
			m.MuteUntil = rc.MuteUntil
			return Record{ID: StorageID{Type: TypeContact}, Contact: &m}
		},
	}
}

// GroupV1Processor 舊版群組：所有旗標以遠端為準
func GroupV1Processor(logger *slog.Logger) Processor {
	return &recordProcessor{
		typ:    TypeGroupV1,
		logger: logger,
		invalid: func(r Record) string {
			if r.GroupV1 == nil || len(r.GroupV1.GroupID) != 16 {
				return "group id must be 16 bytes"
			}
			return ""
		},
		merge: func(remote, local Record) Record {
			m := *remote.GroupV1
			m.GroupID = local.GroupV1.GroupID
			return Record{ID: StorageID{Type: TypeGroupV1}, GroupV1: &m}
		},
	}
}

// GroupV2Processor 新版群組：所有旗標以遠端為準
func GroupV2Processor(logger *slog.Logger) Processor {
	return &recordProcessor{
		typ:    TypeGroupV2,
		logger: logger,
		invalid: func(r Record) string {
			if r.GroupV2 == nil || len(r.GroupV2.MasterKey) != 32 {
				return "master key must be 32 bytes"
			}
			return ""
		},
		merge: func(remote, local Record) Record {
			m := *remote.GroupV2
			m.MasterKey = local.GroupV2.MasterKey
			return Record{ID: StorageID{Type: TypeGroupV2}, GroupV2: &m}
		},
	}
}

// AccountProcessor 帳號設定：遠端非空的 profile key 與名稱優先，其餘設定以遠端為準
func AccountProcessor(logger *slog.Logger) Processor {
	return &recordProcessor{
		typ:    TypeAccount,
		logger: logger,
		invalid: func(r Record) string {
			switch {
			case r.Account == nil:
				return "missing account"
			case len(r.Account.ProfileKey) != 0 && len(r.Account.ProfileKey) != 32:
				return "bad profile key length"
			}
			return ""
		},
		merge: func(remote, local Record) Record {
			ra := remote.Account
			m := *local.Account
			if len(ra.ProfileKey) > 0 {
				m.ProfileKey = ra.ProfileKey
			}
			if ra.GivenName != "" || ra.FamilyName != "" {
				m.GivenName, m.FamilyName = ra.GivenName, ra.FamilyName
			}
			m.AvatarURL = ra.AvatarURL
			m.NoteToSelfArchived = ra.NoteToSelfArchived
			m.ReadReceipts = ra.ReadReceipts
			m.TypingIndicators = ra.TypingIndicators
			m.LinkPreviews = ra.LinkPreviews
			m.PinnedConversations = ra.PinnedConversations
			m.UniversalExpireTimer = ra.UniversalExpireTimer
			return Record{ID: StorageID{Type: TypeAccount}, Account: &m}
		},
	}
}

// DistributionListProcessor 發布名單：內容以遠端為準，刪除時間取較晚者（刪除不可撤銷）
func DistributionListProcessor(logger *slog.Logger) Processor {
	return &recordProcessor{
		typ:    TypeDistributionList,
		logger: logger,
		invalid: func(r Record) string {
			d := r.DistributionList
			switch {
			case d == nil || len(d.Identifier) != 16:
				return "identifier must be 16 bytes"
			case bytes.Equal(d.Identifier, MyStoryIdentifier) && d.DeletedAt != 0:
				return "my story cannot be deleted"
			}
			return ""
		},
		merge: func(remote, local Record) Record {
			m := *remote.DistributionList
			m.Identifier = local.DistributionList.Identifier
			if local.DistributionList.DeletedAt > m.DeletedAt {
				m.DeletedAt = local.DistributionList.DeletedAt
			}
			if m.DeletedAt != 0 {
				m.Recipients = nil
			}
			return Record{ID: StorageID{Type: TypeDistributionList}, DistributionList: &m}
		},
	}
}
