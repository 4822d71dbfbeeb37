package storagesync

// ============================================================================
// 紀錄與 Manifest 的線路格式（protobuf wire format）
//
// StorageRecord 信封: 欄位號 = RecordType，值 = 該類型的內容訊息
// ManifestRecord:     1 version, 2 sourceDevice, 3 repeated Identifier{1 raw, 2 type}
// StoredRecord:       本地持久化用，1 raw, 2 type, 3 信封或不透明內容, 4 unknown
//
// 解碼時略過不認得的欄位；編碼省略零值欄位，因此相同內容必得相同位元組。
// ============================================================================

import (
	"bytes"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

type encoder struct{ b []byte }

func (e *encoder) bytes(num protowire.Number, v []byte) {
	if len(v) == 0 {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendBytes(e.b, v)
}

func (e *encoder) message(num protowire.Number, v []byte) {
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendBytes(e.b, v)
}

func (e *encoder) string(num protowire.Number, v string) {
	if v == "" {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendString(e.b, v)
}

func (e *encoder) strings(num protowire.Number, vs []string) {
	for _, v := range vs {
		e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
		e.b = protowire.AppendString(e.b, v)
	}
}

func (e *encoder) bool(num protowire.Number, v bool) {
	if !v {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.VarintType)
	e.b = protowire.AppendVarint(e.b, protowire.EncodeBool(v))
}

func (e *encoder) int(num protowire.Number, v int64) {
	if v == 0 {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.VarintType)
	e.b = protowire.AppendVarint(e.b, uint64(v))
}

// field 一個已解碼的欄位；Bytes 已複製，不與輸入共用底層陣列
type field struct {
	Num    protowire.Number
	Type   protowire.Type
	Bytes  []byte
	Varint uint64
}

func (f field) bool() bool     { return f.Type == protowire.VarintType && protowire.DecodeBool(f.Varint) }
func (f field) int() int64     { return int64(f.Varint) }
func (f field) string() string { return string(f.Bytes) }

// decodeFields 逐欄位解碼，非 varint / bytes 的欄位直接略過
func decodeFields(b []byte, fn func(f field)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			fn(field{Num: num, Type: typ, Varint: v})
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			fn(field{Num: num, Type: typ, Bytes: append([]byte{}, v...)})
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return nil
}

// ============================================================================
// StorageRecord
// ============================================================================

// EncodeRecord 編碼紀錄；不透明紀錄原樣回傳
func EncodeRecord(r Record) ([]byte, error) {
	if r.IsUnknown() {
		return cloneBytes(r.Unknown), nil
	}

	var e encoder
	switch r.ID.Type {
	case TypeContact:
		if r.Contact == nil {
			return nil, fmt.Errorf("encode %s: missing contact", r.ID)
		}
		c := r.Contact
		e.string(1, c.ServiceID)
		e.string(2, c.E164)
		e.bytes(3, c.ProfileKey)
		e.string(4, c.GivenName)
		e.string(5, c.FamilyName)
		e.bool(6, c.Blocked)
		e.bool(7, c.Whitelisted)
		e.bool(8, c.Archived)
		e.bool(9, c.MarkedUnread)
		e.int(10, c.MuteUntil)
		e.int(11, c.UnregisteredAt)
	case TypeGroupV1:
		if r.GroupV1 == nil {
			return nil, fmt.Errorf("encode %s: missing group", r.ID)
		}
		g := r.GroupV1
		e.bytes(1, g.GroupID)
		e.bool(2, g.Blocked)
		e.bool(3, g.Whitelisted)
		e.bool(4, g.Archived)
		e.bool(5, g.MarkedUnread)
		e.int(6, g.MuteUntil)
	case TypeGroupV2:
		if r.GroupV2 == nil {
			return nil, fmt.Errorf("encode %s: missing group", r.ID)
		}
		g := r.GroupV2
		e.bytes(1, g.MasterKey)
		e.bool(2, g.Blocked)
		e.bool(3, g.Whitelisted)
		e.bool(4, g.Archived)
		e.bool(5, g.MarkedUnread)
		e.int(6, g.MuteUntil)
		e.bool(7, g.DontNotifyForMentions)
	case TypeAccount:
		if r.Account == nil {
			return nil, fmt.Errorf("encode %s: missing account", r.ID)
		}
		a := r.Account
		e.bytes(1, a.ProfileKey)
		e.string(2, a.GivenName)
		e.string(3, a.FamilyName)
		e.string(4, a.AvatarURL)
		e.bool(5, a.NoteToSelfArchived)
		e.bool(6, a.ReadReceipts)
		e.bool(7, a.TypingIndicators)
		e.bool(8, a.LinkPreviews)
		e.strings(9, a.PinnedConversations)
		e.int(10, int64(a.UniversalExpireTimer))
	case TypeDistributionList:
		if r.DistributionList == nil {
			return nil, fmt.Errorf("encode %s: missing distribution list", r.ID)
		}
		d := r.DistributionList
		e.bytes(1, d.Identifier)
		e.string(2, d.Name)
		e.strings(3, d.Recipients)
		e.int(4, d.DeletedAt)
		e.bool(5, d.AllowsReplies)
		e.bool(6, d.IsBlockList)
	default:
		return nil, fmt.Errorf("encode %s: unsupported type without opaque payload", r.ID)
	}

	var env encoder
	env.message(protowire.Number(r.ID.Type), e.b)
	return env.b, nil
}

// DecodeRecord 依 id 的類型解碼；不認得的類型保存為不透明紀錄
func DecodeRecord(id StorageID, data []byte) (Record, error) {
	r := Record{ID: id.Clone()}
	if !id.Type.IsKnown() {
		r.Unknown = append([]byte{}, data...)
		return r, nil
	}

	var payload []byte
	found := false
	if err := decodeFields(data, func(f field) {
		if f.Num == protowire.Number(id.Type) && f.Type == protowire.BytesType {
			payload, found = f.Bytes, true
		}
	}); err != nil {
		return Record{}, fmt.Errorf("decode %s: %w", id, err)
	}
	if !found {
		return Record{}, fmt.Errorf("decode %s: record does not carry a %s payload", id, id.Type)
	}

	var err error
	switch id.Type {
	case TypeContact:
		c := &ContactRecord{}
		err = decodeFields(payload, func(f field) {
			switch f.Num {
			case 1:
				c.ServiceID = f.string()
			case 2:
				c.E164 = f.string()
			case 3:
				c.ProfileKey = f.Bytes
			case 4:
				c.GivenName = f.string()
			case 5:
				c.FamilyName = f.string()
			case 6:
				c.Blocked = f.bool()
			case 7:
				c.Whitelisted = f.bool()
			case 8:
				c.Archived = f.bool()
			case 9:
				c.MarkedUnread = f.bool()
			case 10:
				c.MuteUntil = f.int()
			case 11:
				c.UnregisteredAt = f.int()
			}
		})
		r.Contact = c
	case TypeGroupV1:
		g := &GroupV1Record{}
		err = decodeFields(payload, func(f field) {
			switch f.Num {
			case 1:
				g.GroupID = f.Bytes
			case 2:
				g.Blocked = f.bool()
			case 3:
				g.Whitelisted = f.bool()
			case 4:
				g.Archived = f.bool()
			case 5:
				g.MarkedUnread = f.bool()
			case 6:
				g.MuteUntil = f.int()
			}
		})
		r.GroupV1 = g
	case TypeGroupV2:
		g := &GroupV2Record{}
		err = decodeFields(payload, func(f field) {
			switch f.Num {
			case 1:
				g.MasterKey = f.Bytes
			case 2:
				g.Blocked = f.bool()
			case 3:
				g.Whitelisted = f.bool()
			case 4:
				g.Archived = f.bool()
			case 5:
				g.MarkedUnread = f.bool()
			case 6:
				g.MuteUntil = f.int()
			case 7:
				g.DontNotifyForMentions = f.bool()
			}
		})
		r.GroupV2 = g
	case TypeAccount:
		a := &AccountRecord{}
		err = decodeFields(payload, func(f field) {
			switch f.Num {
			case 1:
				a.ProfileKey = f.Bytes
			case 2:
				a.GivenName = f.string()
			case 3:
				a.FamilyName = f.string()
			case 4:
				a.AvatarURL = f.string()
			case 5:
				a.NoteToSelfArchived = f.bool()
			case 6:
				a.ReadReceipts = f.bool()
			case 7:
				a.TypingIndicators = f.bool()
			case 8:
				a.LinkPreviews = f.bool()
			case 9:
				a.PinnedConversations = append(a.PinnedConversations, f.string())
			case 10:
				a.UniversalExpireTimer = int32(f.int())
			}
		})
		r.Account = a
	case TypeDistributionList:
		d := &DistributionListRecord{}
		err = decodeFields(payload, func(f field) {
			switch f.Num {
			case 1:
				d.Identifier = f.Bytes
			case 2:
				d.Name = f.string()
			case 3:
				d.Recipients = append(d.Recipients, f.string())
			case 4:
				d.DeletedAt = f.int()
			case 5:
				d.AllowsReplies = f.bool()
			case 6:
				d.IsBlockList = f.bool()
			}
		})
		r.DistributionList = d
	}
	if err != nil {
		return Record{}, fmt.Errorf("decode %s payload: %w", id, err)
	}
	return r, nil
}

// sameContent 兩筆紀錄內容是否相同（忽略 StorageID）
func sameContent(a, b Record) bool {
	if a.ID.Type != b.ID.Type || a.IsUnknown() != b.IsUnknown() {
		return false
	}
	ea, errA := EncodeRecord(a)
	eb, errB := EncodeRecord(b)
	return errA == nil && errB == nil && bytes.Equal(ea, eb)
}

// sameRecord 內容與 StorageID 都相同
func sameRecord(a, b Record) bool {
	return bytes.Equal(a.ID.Raw, b.ID.Raw) && sameContent(a, b)
}

// ============================================================================
// ManifestRecord
// ============================================================================

func encodeIdentifier(id StorageID) []byte {
	var e encoder
	e.bytes(1, id.Raw)
	e.int(2, int64(id.Type))
	return e.b
}

func decodeIdentifier(b []byte) (StorageID, error) {
	var id StorageID
	err := decodeFields(b, func(f field) {
		switch f.Num {
		case 1:
			id.Raw = f.Bytes
		case 2:
			id.Type = RecordType(f.int())
		}
	})
	return id, err
}

// EncodeManifest 編碼 manifest
func EncodeManifest(m Manifest) []byte {
	var e encoder
	e.int(1, m.Version)
	e.int(2, int64(m.SourceDevice))
	for _, id := range m.IDs {
		e.message(3, encodeIdentifier(id))
	}
	return e.b
}

// DecodeManifest 解碼 manifest
func DecodeManifest(b []byte) (Manifest, error) {
	var m Manifest
	var idErr error
	err := decodeFields(b, func(f field) {
		switch f.Num {
		case 1:
			m.Version = f.int()
		case 2:
			m.SourceDevice = int32(f.int())
		case 3:
			id, err := decodeIdentifier(f.Bytes)
			if err != nil && idErr == nil {
				idErr = err
			}
			m.IDs = append(m.IDs, id)
		}
	})
	if err == nil {
		err = idErr
	}
	if err != nil {
		return Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	return m, nil
}

// ============================================================================
// StoredRecord（本地持久化）
// ============================================================================

// MarshalStored 編碼一筆本地紀錄（包含 StorageID）
func MarshalStored(r Record) ([]byte, error) {
	body, err := EncodeRecord(r)
	if err != nil {
		return nil, err
	}
	var e encoder
	e.bytes(1, r.ID.Raw)
	e.int(2, int64(r.ID.Type))
	e.message(3, body)
	e.bool(4, r.IsUnknown())
	return e.b, nil
}

// UnmarshalStored 解碼 MarshalStored 的輸出
func UnmarshalStored(b []byte) (Record, error) {
	var (
		id      StorageID
		body    []byte
		unknown bool
	)
	if err := decodeFields(b, func(f field) {
		switch f.Num {
		case 1:
			id.Raw = f.Bytes
		case 2:
			id.Type = RecordType(f.int())
		case 3:
			body = f.Bytes
		case 4:
			unknown = f.bool()
		}
	}); err != nil {
		return Record{}, fmt.Errorf("decode stored record: %w", err)
	}
	if unknown {
		return Record{ID: id, Unknown: append([]byte{}, body...)}, nil
	}
	return DecodeRecord(id, body)
}
