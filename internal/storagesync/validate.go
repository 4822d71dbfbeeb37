package storagesync

// WriteOperation 準備寫回遠端的變更集
type WriteOperation struct {
	Previous []StorageID // 寫入前的遠端 ID（重置時為 nil）
	Manifest Manifest
	Inserts  []Record
	Deletes  []StorageID
}

// Validate 寫回前的結構檢查
//
// 規則：
//   - manifest 版本為正，ID 非空且不重複
//   - 插入的 ID 必須在 manifest 中且不在舊集合中；刪除的 ID 必須在舊集合中且不在 manifest 中
//   - 同一個 ID 不可同時插入與刪除
//   - manifest = 舊集合 - 刪除 + 插入
//   - 最多一筆帳號紀錄，插入的已知類型紀錄身分不可重複，且必須能編碼
func Validate(op WriteOperation) error {
	m := op.Manifest
	if m.Version <= 0 {
		return validationErrorf("manifest version %d is not positive", m.Version)
	}

	manifestIDs := make(idSet, len(m.IDs))
	accounts := 0
	for _, id := range m.IDs {
		if id.IsEmpty() {
			return validationErrorf("manifest contains an empty id")
		}
		if manifestIDs.has(id) {
			return validationErrorf("manifest contains duplicate id %s", id)
		}
		manifestIDs[id.Key()] = struct{}{}
		if id.Type == TypeAccount {
			accounts++
		}
	}
	if accounts > 1 {
		return validationErrorf("manifest contains %d account records", accounts)
	}

	previous := newIDSet(op.Previous)
	inserted := make(idSet, len(op.Inserts))
	identities := make(map[string]StorageID, len(op.Inserts))
	for _, r := range op.Inserts {
		switch {
		case r.ID.IsEmpty():
			return validationErrorf("insert with empty id")
		case !manifestIDs.has(r.ID):
			return validationErrorf("insert %s is not in the manifest", r.ID)
		case previous.has(r.ID):
			return validationErrorf("insert %s already exists remotely", r.ID)
		case inserted.has(r.ID):
			return validationErrorf("insert %s appears twice", r.ID)
		}
		inserted[r.ID.Key()] = struct{}{}

		if !r.IsUnknown() {
			key := r.ID.Type.String() + "/" + r.Identity()
			if other, dup := identities[key]; dup {
				return validationErrorf("inserts %s and %s describe the same %s", other, r.ID, r.ID.Type)
			}
			identities[key] = r.ID
		}
		if _, err := EncodeRecord(r); err != nil {
			return validationErrorf("insert %s cannot be encoded: %v", r.ID, err)
		}
	}

	deleted := make(idSet, len(op.Deletes))
	for _, id := range op.Deletes {
		switch {
		case !previous.has(id):
			return validationErrorf("delete %s does not exist remotely", id)
		case manifestIDs.has(id):
			return validationErrorf("delete %s is still in the manifest", id)
		case inserted.has(id):
			return validationErrorf("id %s is both inserted and deleted", id)
		}
		deleted[id.Key()] = struct{}{}
	}

	// manifest = previous - deletes + inserts
	expected := len(previous) - len(deleted) + len(inserted)
	if expected != len(manifestIDs) {
		return validationErrorf("manifest has %d ids, expected %d", len(manifestIDs), expected)
	}
	for key := range previous {
		if _, gone := deleted[key]; gone {
			continue
		}
		if _, ok := manifestIDs[key]; !ok {
			return validationErrorf("remote id %x dropped from the manifest without a delete", key)
		}
	}
	return nil
}
