package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-sync/internal/api"
	"github.com/ChuLiYu/beaver-sync/internal/lockfile"
	"github.com/ChuLiYu/beaver-sync/internal/syncjobs"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// writeConfig 在暫存目錄寫一份設定，HTTP 與 gRPC 預設關閉
func writeConfig(t *testing.T, extra string) (path, stateDir string) {
	t.Helper()
	stateDir = t.TempDir()
	body := `state_dir: ` + stateDir + `
device:
  id: 1
  primary: true
worker:
  count: 2
  poll_interval: 10ms
storage:
  driver: file
sync:
  remote: memory
http:
  enabled: false
grpc:
  enabled: false
log:
  level: error
` + extra
	path = filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path, stateDir
}

func writeJobs(t *testing.T, reqs []map[string]any) string {
	t.Helper()
	data, err := json.Marshal(reqs)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "jobs.json")
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func execute(t *testing.T, ctx context.Context, args ...string) (string, error) {
	t.Helper()
	cmd := BuildCLI()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

// ============================================================================
// Command Structure Tests
// ============================================================================

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()
	assert.Equal(t, "beaver-sync", cmd.Use)
	assert.Equal(t, Version, cmd.Version)

	names := make(map[string]bool)
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"run", "enqueue", "status", "sync"} {
		assert.True(t, names[want], "missing %q command", want)
	}

	flag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, flag)
	assert.Equal(t, "c", flag.Shorthand)
	assert.Equal(t, "", flag.DefValue)
}

func TestEnqueueRequiresFile(t *testing.T) {
	cfg, _ := writeConfig(t, "")
	_, err := execute(t, context.Background(), "enqueue", "-c", cfg)
	assert.Error(t, err)
}

func TestReadJobFile(t *testing.T) {
	_, err := readJobFile(writeJobs(t, []map[string]any{{"id": "a"}}))
	assert.ErrorContains(t, err, "factory_key")

	_, err = readJobFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	reqs, err := readJobFile(writeJobs(t, []map[string]any{{"factory_key": "X", "lifespan": "1h"}}))
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, "1h", reqs[0].Lifespan)
}

// ============================================================================
// Offline Command Tests
// ============================================================================

func TestEnqueueThenStatus(t *testing.T) {
	ctx := context.Background()
	cfg, _ := writeConfig(t, "")
	jobs := writeJobs(t, []map[string]any{
		{"id": "sync-1", "factory_key": syncjobs.SyncFactory, "queue": syncjobs.QueueKey},
		{"factory_key": syncjobs.SyncFactory, "queue": syncjobs.QueueKey, "depends_on": []string{"sync-1"}},
	})

	out, err := execute(t, ctx, "enqueue", "-c", cfg, "-f", jobs)
	require.NoError(t, err, out)
	assert.Contains(t, out, "enqueued sync-1")
	assert.Contains(t, out, "Successfully enqueued 2/2 jobs")

	// 重新開啟後從 WAL 還原
	out, err = execute(t, ctx, "status", "-c", cfg)
	require.NoError(t, err, out)
	assert.Contains(t, out, "Total:       2")
	assert.Contains(t, out, "Blocked:     1")
	assert.Contains(t, out, "Manifest version: 0")
}

func TestEnqueueReportsRejectedJobs(t *testing.T) {
	ctx := context.Background()
	cfg, _ := writeConfig(t, "")
	jobs := writeJobs(t, []map[string]any{
		{"id": "ok", "factory_key": syncjobs.SyncFactory},
		{"id": "bad", "factory_key": "NoSuchJob"},
	})

	out, err := execute(t, ctx, "enqueue", "-c", cfg, "-f", jobs)
	require.Error(t, err)
	assert.Contains(t, out, "enqueued ok")
	assert.Contains(t, out, "unknown job factory")
	assert.Contains(t, out, "Successfully enqueued 1/2 jobs")
}

func TestOfflineCommandsRespectLock(t *testing.T) {
	cfg, stateDir := writeConfig(t, "")
	lock, err := lockfile.Acquire(stateDir)
	require.NoError(t, err)
	defer lock.Release()

	_, err = execute(t, context.Background(), "status", "-c", cfg)
	assert.ErrorIs(t, err, lockfile.ErrLocked)
}

func TestSyncOnce(t *testing.T) {
	ctx := context.Background()
	cfg, _ := writeConfig(t, "")

	out, err := execute(t, ctx, "sync", "-c", cfg)
	require.NoError(t, err, out)
	assert.Contains(t, out, "merged:")

	out, err = execute(t, ctx, "sync", "-c", cfg, "--force-push")
	require.NoError(t, err, out)
	assert.Contains(t, out, "local version:  1")
}

func TestSyncRefusesForcePushOnLinkedDevice(t *testing.T) {
	cfg, _ := writeConfig(t, "")
	t.Setenv("BEAVER_DEVICE_PRIMARY", "false")

	_, err := execute(t, context.Background(), "sync", "-c", cfg, "--force-push")
	assert.ErrorContains(t, err, "primary")
}

func TestSyncDisabled(t *testing.T) {
	cfg, _ := writeConfig(t, "")
	t.Setenv("BEAVER_SYNC_ENABLED", "false")

	_, err := execute(t, context.Background(), "sync", "-c", cfg)
	assert.ErrorIs(t, err, api.ErrSyncDisabled)
}

// ============================================================================
// Daemon Tests
// ============================================================================

func TestRunStopsOnCancel(t *testing.T) {
	cfg, stateDir := writeConfig(t, "")
	t.Setenv("BEAVER_HTTP_ADDR", "127.0.0.1:0")
	t.Setenv("BEAVER_GRPC_ADDR", "127.0.0.1:0")

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_, err := execute(t, ctx, "run", "-c", cfg)
	require.NoError(t, err)

	// 鎖已釋放，離線指令可以接手
	lock, err := lockfile.Acquire(stateDir)
	require.NoError(t, err)
	require.NoError(t, lock.Release())
}

func TestDaemonClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/jobs":
			var body api.EnqueueRequest
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body.FactoryKey == "Nope" {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"error":"unknown job factory: Nope"}`))
				return
			}
			w.WriteHeader(http.StatusAccepted)
			_, _ = w.Write([]byte(`{"id":"remote-1","status":"accepted"}`))
		case "/sync":
			w.WriteHeader(http.StatusAccepted)
			_, _ = w.Write([]byte(`{"status":"scheduled"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	var out bytes.Buffer
	err := enqueueRemote(ctx, &out, srv.URL, []api.EnqueueRequest{
		{FactoryKey: syncjobs.SyncFactory},
		{FactoryKey: "Nope"},
	})
	require.Error(t, err)
	assert.Contains(t, out.String(), "enqueued remote-1")
	assert.Contains(t, out.String(), "daemon returned 400: unknown job factory: Nope")

	client := newDaemonClient(srv.Listener.Addr().String())
	require.NoError(t, client.do(ctx, http.MethodPost, "/sync", nil, nil))
	assert.ErrorContains(t, client.do(ctx, http.MethodGet, "/missing", nil, nil), "404")
}
