// Package redisremote 以 Redis 實作同步用的遠端儲存
//
// 佈局（prefix 預設 "storage"）：
//
//	<prefix>:version   目前 manifest 版本（明文整數，不需要金鑰即可讀）
//	<prefix>:manifest  加密後的 manifest
//	<prefix>:records   HASH，field 為 StorageID 的 hex，value 為加密後的紀錄
//
// 寫入以 WATCH <prefix>:version + MULTI 做樂觀鎖。
package redisremote

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/ChuLiYu/beaver-sync/internal/storagesync"
)

// DefaultPrefix 預設 key 前綴
const DefaultPrefix = "storage"

// Options 設定
type Options struct {
	Prefix string
	// Key 32 bytes 的儲存金鑰；nil 表示不加密
	Key    []byte
	Logger *slog.Logger
}

// Store 實作 storagesync.RemoteStore
type Store struct {
	rdb    redis.UniversalClient
	prefix string
	aead   cipher.AEAD
	logger *slog.Logger
}

var _ storagesync.RemoteStore = (*Store)(nil)

// New 建立 Redis 遠端
func New(rdb redis.UniversalClient, opts Options) (*Store, error) {
	if rdb == nil {
		return nil, errors.New("redisremote: client is required")
	}
	s := &Store{rdb: rdb, prefix: opts.Prefix, logger: opts.Logger}
	if s.prefix == "" {
		s.prefix = DefaultPrefix
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if opts.Key != nil {
		aead, err := newAEAD(opts.Key)
		if err != nil {
			return nil, err
		}
		s.aead = aead
	}
	return s, nil
}

// Dial 連線並確認 Redis 可用
func Dial(ctx context.Context, addr string, db int, opts Options) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connect %s: %w", addr, err)
	}
	return New(rdb, opts)
}

// Close 關閉連線
func (s *Store) Close() error { return s.rdb.Close() }

func (s *Store) versionKey() string  { return s.prefix + ":version" }
func (s *Store) manifestKey() string { return s.prefix + ":manifest" }
func (s *Store) recordsKey() string  { return s.prefix + ":records" }

// ManifestVersion implements storagesync.RemoteStore.
func (s *Store) ManifestVersion(ctx context.Context) (int64, error) {
	v, err := s.rdb.Get(ctx, s.versionKey()).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return v, err
}

// GetManifestIfNewer implements storagesync.RemoteStore.
func (s *Store) GetManifestIfNewer(ctx context.Context, version int64) (*storagesync.Manifest, error) {
	current, err := s.ManifestVersion(ctx)
	if err != nil {
		return nil, err
	}
	if current <= version {
		return nil, nil
	}
	sealed, err := s.rdb.Get(ctx, s.manifestKey()).Bytes()
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	plain, err := s.open(sealed)
	if err != nil {
		return nil, err
	}
	m, err := storagesync.DecodeManifest(plain)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ReadRecords implements storagesync.RemoteStore.
func (s *Store) ReadRecords(ctx context.Context, ids []storagesync.StorageID) ([]storagesync.Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	fields := make([]string, len(ids))
	for i, id := range ids {
		fields[i] = hex.EncodeToString(id.Raw)
	}
	values, err := s.rdb.HMGet(ctx, s.recordsKey(), fields...).Result()
	if err != nil {
		return nil, fmt.Errorf("read records: %w", err)
	}

	out := make([]storagesync.Record, 0, len(ids))
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			continue
		}
		plain, err := s.open([]byte(str))
		if err != nil {
			return nil, err
		}
		r, err := storagesync.DecodeRecord(ids[i], plain)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// WriteRecords implements storagesync.RemoteStore.
func (s *Store) WriteRecords(ctx context.Context, manifest storagesync.Manifest, inserts []storagesync.Record, deletes []storagesync.StorageID) error {
	values, err := s.sealRecords(inserts)
	if err != nil {
		return err
	}
	fields := make([]string, len(deletes))
	for i, id := range deletes {
		fields[i] = hex.EncodeToString(id.Raw)
	}
	return s.commit(ctx, manifest, func(pipe redis.Pipeliner) {
		if len(fields) > 0 {
			pipe.HDel(ctx, s.recordsKey(), fields...)
		}
		if len(values) > 0 {
			pipe.HSet(ctx, s.recordsKey(), values)
		}
	})
}

// ResetRecords implements storagesync.RemoteStore.
func (s *Store) ResetRecords(ctx context.Context, manifest storagesync.Manifest, inserts []storagesync.Record) error {
	values, err := s.sealRecords(inserts)
	if err != nil {
		return err
	}
	return s.commit(ctx, manifest, func(pipe redis.Pipeliner) {
		pipe.Del(ctx, s.recordsKey())
		if len(values) > 0 {
			pipe.HSet(ctx, s.recordsKey(), values)
		}
	})
}

// commit 在 WATCH 之下檢查版本並以 MULTI 寫入
func (s *Store) commit(ctx context.Context, manifest storagesync.Manifest, apply func(pipe redis.Pipeliner)) error {
	sealedManifest, err := s.seal(storagesync.EncodeManifest(manifest))
	if err != nil {
		return err
	}

	err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, s.versionKey()).Int64()
		if errors.Is(err, redis.Nil) {
			current, err = 0, nil
		}
		if err != nil {
			return err
		}
		if manifest.Version != current+1 {
			return fmt.Errorf("%w: remote at %d, write for %d", storagesync.ErrVersionConflict, current, manifest.Version)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			apply(pipe)
			pipe.Set(ctx, s.manifestKey(), sealedManifest, 0)
			pipe.Set(ctx, s.versionKey(), manifest.Version, 0)
			return nil
		})
		return err
	}, s.versionKey())

	if errors.Is(err, redis.TxFailedErr) {
		s.logger.Warn("Manifest version changed during write", "version", manifest.Version)
		return fmt.Errorf("%w: concurrent write", storagesync.ErrVersionConflict)
	}
	return err
}

func (s *Store) sealRecords(records []storagesync.Record) (map[string]interface{}, error) {
	values := make(map[string]interface{}, len(records))
	for _, r := range records {
		data, err := storagesync.EncodeRecord(r)
		if err != nil {
			return nil, err
		}
		sealed, err := s.seal(data)
		if err != nil {
			return nil, err
		}
		values[hex.EncodeToString(r.ID.Raw)] = sealed
	}
	return values, nil
}

// ============================================================================
// 加解密
// ============================================================================

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("redisremote: storage key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// seal nonce || ciphertext
func (s *Store) seal(plain []byte) ([]byte, error) {
	if s.aead == nil {
		return plain, nil
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return s.aead.Seal(nonce, nonce, plain, nil), nil
}

func (s *Store) open(sealed []byte) ([]byte, error) {
	if s.aead == nil {
		return sealed, nil
	}
	n := s.aead.NonceSize()
	if len(sealed) < n {
		return nil, fmt.Errorf("%w: ciphertext too short", storagesync.ErrDecryption)
	}
	plain, err := s.aead.Open(nil, sealed[:n], sealed[n:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storagesync.ErrDecryption, err)
	}
	return plain, nil
}
