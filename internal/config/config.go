// ============================================================================
// 設定載入
// ============================================================================
//
// 來源優先序（後者覆蓋前者）：
//   1. Default()
//   2. YAML 設定檔（--config）
//   3. .env 檔（不覆蓋已存在的環境變數）
//   4. BEAVER_* 環境變數
//
// 相對路徑的儲存目錄一律掛在 state_dir 底下。
// ============================================================================

package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// 儲存驅動
const (
	DriverFile     = "file"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// 同步遠端
const (
	RemoteMemory = "memory"
	RemoteRedis  = "redis"
)

// InMemory 作為目錄值時表示不落地
const InMemory = ":memory:"

// EnvPrefix 環境變數前綴
const EnvPrefix = "BEAVER_"

// Config 系統完整設定
type Config struct {
	StateDir string        `yaml:"state_dir"`
	Device   DeviceConfig  `yaml:"device"`
	Worker   WorkerConfig  `yaml:"worker"`
	Storage  StorageConfig `yaml:"storage"`
	Sync     SyncConfig    `yaml:"sync"`
	HTTP     HTTPConfig    `yaml:"http"`
	GRPC     GRPCConfig    `yaml:"grpc"`
	Log      LogConfig     `yaml:"log"`
}

// DeviceConfig 本裝置身分
type DeviceConfig struct {
	ID      int32 `yaml:"id"`
	Primary bool  `yaml:"primary"`
}

// WorkerConfig 任務引擎
type WorkerConfig struct {
	Count        int           `yaml:"count"`
	QueueBuffer  int           `yaml:"queue_buffer"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// StorageConfig 任務持久層
type StorageConfig struct {
	Driver          string `yaml:"driver"`
	Dir             string `yaml:"dir"` // file 驅動
	DSN             string `yaml:"dsn"` // sqlite / postgres
	CompactEvery    int    `yaml:"compact_every"`
	CompressRotated bool   `yaml:"compress_rotated"`
	KeepSnapshots   int    `yaml:"keep_snapshots"`
}

// SyncConfig 儲存同步
type SyncConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Remote      string        `yaml:"remote"`
	RedisAddr   string        `yaml:"redis_addr"`
	RedisDB     int           `yaml:"redis_db"`
	RedisPrefix string        `yaml:"redis_prefix"`
	KeyHex      string        `yaml:"key"` // 32 bytes hex，空字串表示不加密
	LocalDir    string        `yaml:"local_dir"`
	Interval    time.Duration `yaml:"interval"` // 定期排程同步，0 表示只在啟動時排一次
}

// HTTPConfig 管理 API
type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// GRPCConfig health 服務
type GRPCConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// LogConfig 日誌
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Default 回傳預設設定
func Default() *Config {
	return &Config{
		StateDir: "data",
		Device:   DeviceConfig{ID: 1, Primary: true},
		Worker: WorkerConfig{
			Count:        4,
			QueueBuffer:  64,
			PollInterval: 500 * time.Millisecond,
		},
		Storage: StorageConfig{
			Driver:          DriverFile,
			Dir:             "jobs",
			CompactEvery:    1000,
			CompressRotated: true,
			KeepSnapshots:   2,
		},
		Sync: SyncConfig{
			Enabled:     true,
			Remote:      RemoteMemory,
			RedisAddr:   "localhost:6379",
			RedisPrefix: "storage",
			LocalDir:    "sync",
			Interval:    5 * time.Minute,
		},
		HTTP: HTTPConfig{Enabled: true, Addr: ":8080"},
		GRPC: GRPCConfig{Enabled: true, Addr: ":50051"},
		Log:  LogConfig{Level: "info", Format: "text"},
	}
}

// Load 依優先序組合設定並驗證
//
// path 為空時跳過設定檔；指定了卻不存在則回傳錯誤。
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file loaded", "error", err)
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	cfg.resolvePaths()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv 以 BEAVER_* 變數覆蓋設定
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			b, err := parseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = b
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = d
		}
	}

	str("STATE_DIR", &c.StateDir)

	deviceID := int(c.Device.ID)
	num("DEVICE_ID", &deviceID)
	c.Device.ID = int32(deviceID)
	flag("DEVICE_PRIMARY", &c.Device.Primary)

	num("WORKER_COUNT", &c.Worker.Count)
	dur("WORKER_POLL_INTERVAL", &c.Worker.PollInterval)

	str("STORAGE_DRIVER", &c.Storage.Driver)
	str("STORAGE_DIR", &c.Storage.Dir)
	str("STORAGE_DSN", &c.Storage.DSN)

	flag("SYNC_ENABLED", &c.Sync.Enabled)
	str("SYNC_REMOTE", &c.Sync.Remote)
	str("SYNC_KEY", &c.Sync.KeyHex)
	str("SYNC_LOCAL_DIR", &c.Sync.LocalDir)
	dur("SYNC_INTERVAL", &c.Sync.Interval)
	str("REDIS_ADDR", &c.Sync.RedisAddr)
	num("REDIS_DB", &c.Sync.RedisDB)
	str("REDIS_PREFIX", &c.Sync.RedisPrefix)

	str("HTTP_ADDR", &c.HTTP.Addr)
	str("GRPC_ADDR", &c.GRPC.Addr)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)

	return errors.Join(errs...)
}

// resolvePaths 把相對目錄掛到 state_dir 底下
func (c *Config) resolvePaths() {
	under := func(p string) string {
		if p == "" || p == InMemory || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(c.StateDir, p)
	}
	c.Storage.Dir = under(c.Storage.Dir)
	c.Sync.LocalDir = under(c.Sync.LocalDir)
	if c.Storage.Driver == DriverSQLite && c.Storage.DSN == "" {
		c.Storage.DSN = filepath.Join(c.StateDir, "jobs.db")
	}
}

// Validate 檢查設定組合是否合法
func (c *Config) Validate() error {
	var errs []error
	if c.StateDir == "" {
		errs = append(errs, errors.New("state_dir is required"))
	}
	if c.Worker.Count <= 0 {
		errs = append(errs, fmt.Errorf("worker.count must be positive, got %d", c.Worker.Count))
	}
	switch c.Storage.Driver {
	case DriverFile:
		if c.Storage.Dir == "" {
			errs = append(errs, errors.New("storage.dir is required for the file driver"))
		}
	case DriverSQLite, DriverPostgres:
		if c.Storage.DSN == "" {
			errs = append(errs, fmt.Errorf("storage.dsn is required for the %s driver", c.Storage.Driver))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown storage.driver %q", c.Storage.Driver))
	}
	if c.Sync.Enabled {
		switch c.Sync.Remote {
		case RemoteMemory:
		case RemoteRedis:
			if c.Sync.RedisAddr == "" {
				errs = append(errs, errors.New("sync.redis_addr is required for the redis remote"))
			}
		default:
			errs = append(errs, fmt.Errorf("unknown sync.remote %q", c.Sync.Remote))
		}
		if _, err := c.Sync.Key(); err != nil {
			errs = append(errs, err)
		}
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log.format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// Key 解碼儲存金鑰；未設定時回傳 nil
func (s SyncConfig) Key() ([]byte, error) {
	if s.KeyHex == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(s.KeyHex)
	if err != nil {
		return nil, fmt.Errorf("sync.key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("sync.key must be 32 bytes, got %d", len(key))
	}
	return key, nil
}

// NewLogger 依設定建立 slog.Logger
func NewLogger(cfg LogConfig, w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log.level %q", s)
}

// parseBool 接受 true/1/yes/on 與 false/0/no/off
func parseBool(v string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "on":
		return true, nil
	case "false", "0", "no", "off":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q", v)
}
