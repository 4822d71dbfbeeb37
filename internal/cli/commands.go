package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/beaver-sync/internal/api"
	"github.com/ChuLiYu/beaver-sync/internal/storagesync"
)

// ============================================================================
// enqueue
// ============================================================================

func buildEnqueueCommand(opts *rootOptions) *cobra.Command {
	var jobFile, addr string

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue jobs from a JSON file",
		Long: `Read a JSON array of job requests and enqueue them.

Each element accepts: id, factory_key, data, queue, max_attempts, lifespan,
max_backoff, initial_delay, constraints, memory_only, depends_on.
Use --addr to submit to a running daemon instead of the local state directory.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			reqs, err := readJobFile(jobFile)
			if err != nil {
				return err
			}
			if addr != "" {
				return enqueueRemote(cmd.Context(), cmd.OutOrStdout(), addr, reqs)
			}
			return enqueueLocal(cmd.Context(), cmd.OutOrStdout(), opts, reqs)
		},
	}
	cmd.Flags().StringVarP(&jobFile, "file", "f", "", "JSON file containing job definitions")
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP address of a running daemon (e.g. http://localhost:8080)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func readJobFile(path string) ([]api.EnqueueRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job file: %w", err)
	}
	var reqs []api.EnqueueRequest
	if err := json.Unmarshal(data, &reqs); err != nil {
		return nil, fmt.Errorf("failed to parse job file: %w", err)
	}
	for i, r := range reqs {
		if r.FactoryKey == "" {
			return nil, fmt.Errorf("job %d: factory_key is required", i)
		}
	}
	return reqs, nil
}

func enqueueLocal(ctx context.Context, out io.Writer, opts *rootOptions, reqs []api.EnqueueRequest) error {
	app, cleanup, err := opts.openLocked(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := app.Controller.Load(ctx); err != nil {
		return fmt.Errorf("failed to load job storage: %w", err)
	}

	// 逐筆入隊：一筆失敗不影響其他筆
	var failed int
	for i, r := range reqs {
		req, err := r.Request()
		if err == nil {
			var id string
			id, err = app.Controller.Enqueue(ctx, req)
			if err == nil {
				fmt.Fprintf(out, "enqueued %s (%s)\n", id, r.FactoryKey)
				continue
			}
		}
		failed++
		fmt.Fprintf(out, "job %d (%s): %v\n", i, r.FactoryKey, err)
	}
	fmt.Fprintf(out, "Successfully enqueued %d/%d jobs\n", len(reqs)-failed, len(reqs))
	if failed > 0 {
		return fmt.Errorf("%d of %d jobs were rejected", failed, len(reqs))
	}
	return nil
}

func enqueueRemote(ctx context.Context, out io.Writer, addr string, reqs []api.EnqueueRequest) error {
	client := newDaemonClient(addr)
	var failed int
	for i, r := range reqs {
		var resp struct {
			ID    string `json:"id"`
			Error string `json:"error"`
		}
		if err := client.do(ctx, http.MethodPost, "/jobs", r, &resp); err != nil {
			failed++
			fmt.Fprintf(out, "job %d (%s): %v\n", i, r.FactoryKey, err)
			continue
		}
		fmt.Fprintf(out, "enqueued %s (%s)\n", resp.ID, r.FactoryKey)
	}
	fmt.Fprintf(out, "Successfully submitted %d/%d jobs to %s\n", len(reqs)-failed, len(reqs), addr)
	if failed > 0 {
		return fmt.Errorf("%d of %d jobs were rejected", failed, len(reqs))
	}
	return nil
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand(opts *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show job and sync status",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				var st map[string]any
				if err := newDaemonClient(addr).do(cmd.Context(), http.MethodGet, "/status", nil, &st); err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			}
			return showStatus(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP address of a running daemon")
	return cmd
}

func showStatus(ctx context.Context, out io.Writer, opts *rootOptions) error {
	app, cleanup, err := opts.openLocked(ctx)
	if err != nil {
		return err
	}
	defer cleanup()
	if err := app.Controller.Load(ctx); err != nil {
		return fmt.Errorf("failed to load job storage: %w", err)
	}
	cfg := app.Config
	stats := app.Storage.Stats()

	fmt.Fprintln(out, "╔═══════════════════════════════════════════╗")
	fmt.Fprintln(out, "║           Beaver-Sync Status              ║")
	fmt.Fprintln(out, "╚═══════════════════════════════════════════╝")
	fmt.Fprintf(out, "State dir:     %s\n", cfg.StateDir)
	fmt.Fprintf(out, "Storage:       %s\n", cfg.Storage.Driver)
	fmt.Fprintf(out, "Device:        %d (primary=%t)\n", cfg.Device.ID, cfg.Device.Primary)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Jobs:")
	fmt.Fprintf(out, "  ├─ Total:       %d\n", stats.Total)
	fmt.Fprintf(out, "  ├─ Pending:     %d\n", stats.Pending)
	fmt.Fprintf(out, "  ├─ Running:     %d\n", stats.Running)
	fmt.Fprintf(out, "  ├─ Blocked:     %d\n", stats.Blocked)
	fmt.Fprintf(out, "  ├─ Memory only: %d\n", stats.MemoryOnly)
	fmt.Fprintf(out, "  └─ Queues:      %d\n", stats.Queues)

	if app.Engine != nil {
		manifest, err := app.Engine.Local().Manifest(ctx)
		if err != nil {
			return fmt.Errorf("failed to read local manifest: %w", err)
		}
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Storage sync:")
		fmt.Fprintf(out, "  ├─ Remote:           %s\n", cfg.Sync.Remote)
		fmt.Fprintf(out, "  ├─ Manifest version: %d\n", manifest.Version)
		fmt.Fprintf(out, "  └─ Records:          %d\n", len(manifest.IDs))
	}
	return nil
}

// ============================================================================
// sync
// ============================================================================

func buildSyncCommand(opts *rootOptions) *cobra.Command {
	var addr string
	var forcePush bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one storage sync pass",
		Long: `Reconcile local storage records with the remote once and print the result.
--force-push rewrites the whole remote from local state with fresh storage ids (primary device only).
With --addr the daemon is asked to schedule a sync job instead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				if forcePush {
					return errors.New("--force-push cannot be combined with --addr")
				}
				if err := newDaemonClient(addr).do(cmd.Context(), http.MethodPost, "/sync", nil, nil); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "sync scheduled")
				return nil
			}
			return runSyncOnce(cmd.Context(), cmd.OutOrStdout(), opts, forcePush)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP address of a running daemon")
	cmd.Flags().BoolVar(&forcePush, "force-push", false, "rewrite the remote from local state")
	return cmd
}

func runSyncOnce(ctx context.Context, out io.Writer, opts *rootOptions, forcePush bool) error {
	app, cleanup, err := opts.openLocked(ctx)
	if err != nil {
		return err
	}
	defer cleanup()
	if app.Engine == nil {
		return api.ErrSyncDisabled
	}

	var result storagesync.SyncResult
	if forcePush {
		if !app.Config.Device.Primary {
			return errors.New("force push is only allowed on the primary device")
		}
		result, err = app.Engine.ForcePush(ctx)
	} else {
		result, err = app.Engine.Sync(ctx)
	}
	if err != nil {
		return fmt.Errorf("storage sync failed: %w", err)
	}

	fmt.Fprintf(out, "local version:  %d\n", result.LocalVersion)
	fmt.Fprintf(out, "merged:         %d\n", result.Merged)
	fmt.Fprintf(out, "pushed:         %d\n", result.Pushed)
	fmt.Fprintf(out, "deleted:        %d\n", result.Deleted)
	if result.NeedsForcePush {
		fmt.Fprintln(out, "remote is inconsistent, run `beaver-sync sync --force-push` on the primary device")
	}
	return nil
}

// ============================================================================
// daemon HTTP client
// ============================================================================

type daemonClient struct {
	base string
	http *http.Client
}

func newDaemonClient(addr string) *daemonClient {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &daemonClient{
		base: strings.TrimSuffix(addr, "/"),
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

// do 送出請求；非 2xx 時回傳伺服器的 error 欄位
func (c *daemonClient) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach daemon: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode/100 != 2 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return fmt.Errorf("daemon returned %d: %s", resp.StatusCode, e.Error)
		}
		return fmt.Errorf("daemon returned %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}
