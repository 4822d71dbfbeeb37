package storagesync

// IDDifference 遠端與本地 ID 集合的差異
type IDDifference struct {
	RemoteOnly []StorageID
	LocalOnly  []StorageID
	// TypeMismatches 同一個 Raw 在兩邊類型不同（取遠端的版本），代表資料損毀
	TypeMismatches []StorageID
}

// IsEmpty 兩邊完全一致
func (d IDDifference) IsEmpty() bool {
	return len(d.RemoteOnly) == 0 && len(d.LocalOnly) == 0 && len(d.TypeMismatches) == 0
}

// HasTypeMismatches 是否有類型不一致
func (d IDDifference) HasTypeMismatches() bool {
	return len(d.TypeMismatches) > 0
}

// FindIDDifference 以 Raw 比對兩個 ID 集合，結果保留輸入順序
//
// 類型不一致的 ID 不會出現在 RemoteOnly / LocalOnly 中。
func FindIDDifference(remote, local []StorageID) IDDifference {
	remoteByKey := make(map[string]StorageID, len(remote))
	for _, id := range remote {
		remoteByKey[id.Key()] = id
	}
	localByKey := make(map[string]StorageID, len(local))
	for _, id := range local {
		localByKey[id.Key()] = id
	}

	var d IDDifference
	seen := make(map[string]bool, len(remote))
	for _, id := range remote {
		k := id.Key()
		if seen[k] {
			continue
		}
		seen[k] = true
		l, ok := localByKey[k]
		switch {
		case !ok:
			d.RemoteOnly = append(d.RemoteOnly, id)
		case l.Type != id.Type:
			d.TypeMismatches = append(d.TypeMismatches, id)
		}
	}
	seen = make(map[string]bool, len(local))
	for _, id := range local {
		k := id.Key()
		if seen[k] {
			continue
		}
		seen[k] = true
		if _, ok := remoteByKey[k]; !ok {
			d.LocalOnly = append(d.LocalOnly, id)
		}
	}
	return d
}

// idSet Raw 集合
type idSet map[string]struct{}

func newIDSet(ids []StorageID) idSet {
	s := make(idSet, len(ids))
	for _, id := range ids {
		s[id.Key()] = struct{}{}
	}
	return s
}

func (s idSet) has(id StorageID) bool {
	_, ok := s[id.Key()]
	return ok
}
