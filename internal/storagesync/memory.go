package storagesync

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ============================================================================
// MemoryRemote - 記憶體中的遠端儲存（測試與單機模式）
// ============================================================================

// MemoryRemote 以編碼後的位元組保存紀錄，與真實遠端走相同的編解碼路徑
type MemoryRemote struct {
	mu        sync.Mutex
	manifest  []byte
	version   int64
	records   map[string][]byte
	decrypt   error
	writeHook func()
	writes    int
}

// NewMemoryRemote 建立空的遠端
func NewMemoryRemote() *MemoryRemote {
	return &MemoryRemote{records: make(map[string][]byte)}
}

// ManifestVersion implements RemoteStore.
func (m *MemoryRemote) ManifestVersion(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.version, nil
}

// GetManifestIfNewer implements RemoteStore.
func (m *MemoryRemote) GetManifestIfNewer(ctx context.Context, version int64) (*Manifest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.decrypt != nil {
		return nil, m.decrypt
	}
	if m.manifest == nil || m.version <= version {
		return nil, nil
	}
	manifest, err := DecodeManifest(m.manifest)
	if err != nil {
		return nil, err
	}
	return &manifest, nil
}

// ReadRecords implements RemoteStore.
func (m *MemoryRemote) ReadRecords(ctx context.Context, ids []StorageID) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.decrypt != nil {
		return nil, m.decrypt
	}
	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		data, ok := m.records[id.Key()]
		if !ok {
			continue
		}
		r, err := DecodeRecord(id, data)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// WriteRecords implements RemoteStore.
func (m *MemoryRemote) WriteRecords(ctx context.Context, manifest Manifest, inserts []Record, deletes []StorageID) error {
	m.runWriteHook()

	m.mu.Lock()
	defer m.mu.Unlock()
	if manifest.Version != m.version+1 {
		return fmt.Errorf("%w: remote at %d, write for %d", ErrVersionConflict, m.version, manifest.Version)
	}
	encoded, err := encodeAll(inserts)
	if err != nil {
		return err
	}
	for _, id := range deletes {
		delete(m.records, id.Key())
	}
	for k, v := range encoded {
		m.records[k] = v
	}
	m.setManifestLocked(manifest)
	return nil
}

// ResetRecords implements RemoteStore.
func (m *MemoryRemote) ResetRecords(ctx context.Context, manifest Manifest, inserts []Record) error {
	m.runWriteHook()

	m.mu.Lock()
	defer m.mu.Unlock()
	if manifest.Version != m.version+1 {
		return fmt.Errorf("%w: remote at %d, write for %d", ErrVersionConflict, m.version, manifest.Version)
	}
	encoded, err := encodeAll(inserts)
	if err != nil {
		return err
	}
	m.records = encoded
	m.decrypt = nil
	m.setManifestLocked(manifest)
	return nil
}

func (m *MemoryRemote) runWriteHook() {
	m.mu.Lock()
	hook := m.writeHook
	m.writeHook = nil
	m.mu.Unlock()
	if hook != nil {
		hook()
	}
}

func (m *MemoryRemote) setManifestLocked(manifest Manifest) {
	m.manifest = EncodeManifest(manifest)
	m.version = manifest.Version
	m.writes++
}

func encodeAll(records []Record) (map[string][]byte, error) {
	out := make(map[string][]byte, len(records))
	for _, r := range records {
		data, err := EncodeRecord(r)
		if err != nil {
			return nil, err
		}
		out[r.ID.Key()] = data
	}
	return out, nil
}

// Seed 直接覆蓋遠端狀態，模擬其他裝置的寫入（不檢查版本）
func (m *MemoryRemote) Seed(manifest Manifest, records ...Record) error {
	encoded, err := encodeAll(records)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range encoded {
		m.records[k] = v
	}
	m.manifest = EncodeManifest(manifest)
	m.version = manifest.Version
	return nil
}

// RemoveRecord 刪除紀錄但保留 manifest，模擬遠端缺紀錄
func (m *MemoryRemote) RemoveRecord(id StorageID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id.Key())
}

// SetDecryptionFailure 讓之後的讀取回傳 ErrDecryption，直到 ResetRecords 或 fail=false
func (m *MemoryRemote) SetDecryptionFailure(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decrypt = nil
	if fail {
		m.decrypt = ErrDecryption
	}
}

// BeforeNextWrite 下一次寫入前執行 fn（只執行一次）
func (m *MemoryRemote) BeforeNextWrite(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeHook = fn
}

// Writes 成功寫入的次數
func (m *MemoryRemote) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// Manifest 目前的 manifest
func (m *MemoryRemote) Manifest() (Manifest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.manifest == nil {
		return Manifest{}, false
	}
	manifest, err := DecodeManifest(m.manifest)
	return manifest, err == nil
}

// RecordCount 遠端紀錄數
func (m *MemoryRemote) RecordCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// ============================================================================
// MemoryLocal - 記憶體中的本地儲存
// ============================================================================

// MemoryLocal 以寫時複製實作原子交易
type MemoryLocal struct {
	mu    sync.Mutex
	state *localState
}

type localState struct {
	manifest Manifest
	records  map[string]Record // recordKey -> record
	byID     map[string]string // raw id -> recordKey
}

// NewMemoryLocal 建立空的本地儲存
func NewMemoryLocal() *MemoryLocal {
	return &MemoryLocal{state: &localState{
		records: make(map[string]Record),
		byID:    make(map[string]string),
	}}
}

func (s *localState) clone() *localState {
	c := &localState{
		manifest: s.manifest.Clone(),
		records:  make(map[string]Record, len(s.records)),
		byID:     make(map[string]string, len(s.byID)),
	}
	for k, r := range s.records {
		c.records[k] = r.Clone()
	}
	for k, v := range s.byID {
		c.byID[k] = v
	}
	return c
}

func (s *localState) sortedKeys() []string {
	keys := make([]string, 0, len(s.records))
	for k := range s.records {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// RecordKey 本地紀錄的主鍵：已知類型以身分，不透明紀錄以 StorageID
func RecordKey(r Record) string {
	if r.IsUnknown() {
		return "u/" + hex.EncodeToString(r.ID.Raw)
	}
	return IdentityKey(r.ID.Type, r.Identity())
}

// IdentityKey 已知類型紀錄的本地主鍵
func IdentityKey(t RecordType, identity string) string {
	return fmt.Sprintf("r/%d/%s", int32(t), identity)
}

// Manifest implements LocalStore.
func (l *MemoryLocal) Manifest(ctx context.Context) (Manifest, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.manifest.Clone(), nil
}

// StorageIDs implements LocalStore.
func (l *MemoryLocal) StorageIDs(ctx context.Context) ([]StorageID, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var ids []StorageID
	for _, k := range l.state.sortedKeys() {
		if r := l.state.records[k]; !r.ID.IsEmpty() {
			ids = append(ids, r.ID.Clone())
		}
	}
	return ids, nil
}

// Records implements LocalStore.
func (l *MemoryLocal) Records(ctx context.Context, ids []StorageID) ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		if k, ok := l.state.byID[id.Key()]; ok {
			out = append(out, l.state.records[k].Clone())
		}
	}
	return out, nil
}

// UnknownIDs implements LocalStore.
func (l *MemoryLocal) UnknownIDs(ctx context.Context) ([]StorageID, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var ids []StorageID
	for _, k := range l.state.sortedKeys() {
		if r := l.state.records[k]; r.IsUnknown() {
			ids = append(ids, r.ID.Clone())
		}
	}
	return ids, nil
}

// Update implements LocalStore.
func (l *MemoryLocal) Update(ctx context.Context, fn func(tx LocalTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	next := l.state.clone()
	if err := fn(&memoryTx{s: next}); err != nil {
		return err
	}
	l.state = next
	return nil
}

// Find 以身分查找（測試輔助）
func (l *MemoryLocal) Find(t RecordType, identity string) (Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.state.records[IdentityKey(t, identity)]
	return r.Clone(), ok
}

type memoryTx struct{ s *localState }

func (tx *memoryTx) FindByIdentity(t RecordType, identity string) (Record, bool, error) {
	r, ok := tx.s.records[IdentityKey(t, identity)]
	if !ok || r.IsUnknown() {
		return Record{}, false, nil
	}
	return r.Clone(), true, nil
}

func (tx *memoryTx) Put(r Record) error {
	if !r.IsUnknown() && r.Identity() == "" {
		return errors.New("put: record has no identity")
	}
	key := RecordKey(r)
	if old, ok := tx.s.records[key]; ok && !old.ID.IsEmpty() {
		delete(tx.s.byID, old.ID.Key())
	}
	if !r.ID.IsEmpty() {
		// 一個 StorageID 只能屬於一筆紀錄
		if other, ok := tx.s.byID[r.ID.Key()]; ok && other != key {
			delete(tx.s.records, other)
		}
		tx.s.byID[r.ID.Key()] = key
	}
	tx.s.records[key] = r.Clone()
	return nil
}

func (tx *memoryTx) Delete(id StorageID) error {
	if k, ok := tx.s.byID[id.Key()]; ok {
		delete(tx.s.records, k)
		delete(tx.s.byID, id.Key())
	}
	return nil
}

func (tx *memoryTx) ClearUnregistered(ids []StorageID) (int, error) {
	n := 0
	for _, id := range ids {
		k, ok := tx.s.byID[id.Key()]
		if !ok {
			continue
		}
		r := tx.s.records[k]
		if !r.IsUnregistered() {
			continue
		}
		r.ID.Raw = nil
		tx.s.records[k] = r
		delete(tx.s.byID, id.Key())
		n++
	}
	return n, nil
}

func (tx *memoryTx) AllRecords() ([]Record, error) {
	var out []Record
	for _, k := range tx.s.sortedKeys() {
		if r := tx.s.records[k]; !r.ID.IsEmpty() {
			out = append(out, r.Clone())
		}
	}
	return out, nil
}

func (tx *memoryTx) SetManifest(m Manifest) error {
	tx.s.manifest = m.Clone()
	return nil
}
