// Package badgerlocal 以 BadgerDB 保存同步用的本地紀錄
package badgerlocal

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/ChuLiYu/beaver-sync/internal/storagesync"
)

// key 佈局
const (
	keyManifest  = "manifest"
	prefixRecord = "rec:" // rec:<storagesync.RecordKey> -> MarshalStored
	prefixIndex  = "idx:" // idx:<hex raw id> -> RecordKey
	prefixOpaque = prefixRecord + "u/"
)

// Store 實作 storagesync.LocalStore
type Store struct {
	db     *badger.DB
	logger *slog.Logger
}

var _ storagesync.LocalStore = (*Store)(nil)

// Open 開啟（或建立）dir 下的資料庫；dir 為空時使用記憶體模式
func Open(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger %q: %w", dir, err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close 關閉資料庫
func (s *Store) Close() error { return s.db.Close() }

func recordKey(k string) []byte { return []byte(prefixRecord + k) }
func indexKey(id storagesync.StorageID) []byte {
	return []byte(prefixIndex + hex.EncodeToString(id.Raw))
}

// Manifest implements storagesync.LocalStore.
func (s *Store) Manifest(ctx context.Context) (storagesync.Manifest, error) {
	var m storagesync.Manifest
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		m, err = readManifest(txn)
		return err
	})
	return m, err
}

// StorageIDs implements storagesync.LocalStore.
func (s *Store) StorageIDs(ctx context.Context) ([]storagesync.StorageID, error) {
	var ids []storagesync.StorageID
	err := s.db.View(func(txn *badger.Txn) error {
		return scan(txn, prefixRecord, func(r storagesync.Record) {
			if !r.ID.IsEmpty() {
				ids = append(ids, r.ID)
			}
		})
	})
	return ids, err
}

// Records implements storagesync.LocalStore.
func (s *Store) Records(ctx context.Context, ids []storagesync.StorageID) ([]storagesync.Record, error) {
	out := make([]storagesync.Record, 0, len(ids))
	err := s.db.View(func(txn *badger.Txn) error {
		for _, id := range ids {
			r, ok, err := byID(txn, id)
			if err != nil {
				return err
			}
			if ok {
				out = append(out, r)
			}
		}
		return nil
	})
	return out, err
}

// UnknownIDs implements storagesync.LocalStore.
func (s *Store) UnknownIDs(ctx context.Context) ([]storagesync.StorageID, error) {
	var ids []storagesync.StorageID
	err := s.db.View(func(txn *badger.Txn) error {
		return scan(txn, prefixOpaque, func(r storagesync.Record) {
			ids = append(ids, r.ID)
		})
	})
	return ids, err
}

// Update implements storagesync.LocalStore.
//
// 交易衝突時重試；fn 可能被呼叫多次。
func (s *Store) Update(ctx context.Context, fn func(tx storagesync.LocalTx) error) error {
	const maxRetries = 20
	const retryDelay = time.Millisecond

	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(retryDelay)
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		err = s.db.Update(func(txn *badger.Txn) error {
			return fn(&tx{txn: txn})
		})
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		s.logger.Debug("Badger transaction conflict, retrying", "attempt", attempt+1)
	}
	return fmt.Errorf("transaction conflict after %d retries: %w", maxRetries, err)
}

// ============================================================================
// 交易
// ============================================================================

type tx struct{ txn *badger.Txn }

func (t *tx) FindByIdentity(typ storagesync.RecordType, identity string) (storagesync.Record, bool, error) {
	r, ok, err := get(t.txn, recordKey(storagesync.IdentityKey(typ, identity)))
	if err != nil || !ok || r.IsUnknown() {
		return storagesync.Record{}, false, err
	}
	return r, true, nil
}

func (t *tx) Put(r storagesync.Record) error {
	if !r.IsUnknown() && r.Identity() == "" {
		return errors.New("put: record has no identity")
	}
	key := storagesync.RecordKey(r)

	old, ok, err := get(t.txn, recordKey(key))
	if err != nil {
		return err
	}
	if ok && !old.ID.IsEmpty() {
		if err := t.txn.Delete(indexKey(old.ID)); err != nil {
			return err
		}
	}

	if !r.ID.IsEmpty() {
		// 一個 StorageID 只能屬於一筆紀錄
		other, found, err := indexed(t.txn, r.ID)
		if err != nil {
			return err
		}
		if found && other != key {
			if err := t.txn.Delete(recordKey(other)); err != nil {
				return err
			}
		}
		if err := t.txn.Set(indexKey(r.ID), []byte(key)); err != nil {
			return err
		}
	}

	data, err := storagesync.MarshalStored(r)
	if err != nil {
		return err
	}
	return t.txn.Set(recordKey(key), data)
}

func (t *tx) Delete(id storagesync.StorageID) error {
	key, found, err := indexed(t.txn, id)
	if err != nil || !found {
		return err
	}
	if err := t.txn.Delete(recordKey(key)); err != nil {
		return err
	}
	return t.txn.Delete(indexKey(id))
}

func (t *tx) ClearUnregistered(ids []storagesync.StorageID) (int, error) {
	n := 0
	for _, id := range ids {
		key, found, err := indexed(t.txn, id)
		if err != nil {
			return n, err
		}
		if !found {
			continue
		}
		r, ok, err := get(t.txn, recordKey(key))
		if err != nil {
			return n, err
		}
		if !ok || !r.IsUnregistered() {
			continue
		}
		r.ID.Raw = nil
		data, err := storagesync.MarshalStored(r)
		if err != nil {
			return n, err
		}
		if err := t.txn.Set(recordKey(key), data); err != nil {
			return n, err
		}
		if err := t.txn.Delete(indexKey(id)); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (t *tx) AllRecords() ([]storagesync.Record, error) {
	var out []storagesync.Record
	err := scan(t.txn, prefixRecord, func(r storagesync.Record) {
		if !r.ID.IsEmpty() {
			out = append(out, r)
		}
	})
	return out, err
}

func (t *tx) SetManifest(m storagesync.Manifest) error {
	return t.txn.Set([]byte(keyManifest), storagesync.EncodeManifest(m))
}

// ============================================================================
// 內部輔助
// ============================================================================

func readManifest(txn *badger.Txn) (storagesync.Manifest, error) {
	item, err := txn.Get([]byte(keyManifest))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return storagesync.Manifest{}, nil
	}
	if err != nil {
		return storagesync.Manifest{}, err
	}
	var m storagesync.Manifest
	err = item.Value(func(val []byte) error {
		var err error
		m, err = storagesync.DecodeManifest(val)
		return err
	})
	return m, err
}

func get(txn *badger.Txn, key []byte) (storagesync.Record, bool, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return storagesync.Record{}, false, nil
	}
	if err != nil {
		return storagesync.Record{}, false, err
	}
	var r storagesync.Record
	err = item.Value(func(val []byte) error {
		var err error
		r, err = storagesync.UnmarshalStored(val)
		return err
	})
	return r, err == nil, err
}

func indexed(txn *badger.Txn, id storagesync.StorageID) (string, bool, error) {
	item, err := txn.Get(indexKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	val, err := item.ValueCopy(nil)
	return string(val), err == nil, err
}

func byID(txn *badger.Txn, id storagesync.StorageID) (storagesync.Record, bool, error) {
	key, found, err := indexed(txn, id)
	if err != nil || !found {
		return storagesync.Record{}, false, err
	}
	return get(txn, recordKey(key))
}

func scan(txn *badger.Txn, prefix string, fn func(r storagesync.Record)) error {
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()
	p := []byte(prefix)
	for it.Seek(p); it.ValidForPrefix(p); it.Next() {
		err := it.Item().Value(func(val []byte) error {
			r, err := storagesync.UnmarshalStored(val)
			if err != nil {
				return err
			}
			fn(r)
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}
