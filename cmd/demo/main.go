// demo 在同一個行程裡跑兩台裝置（主要 + 連結），共用一個記憶體遠端，
// 展示：本地改動 -> 同步任務 -> 另一台裝置合併。
//
//	go run ./cmd/demo
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/ChuLiYu/beaver-sync/internal/constraint"
	"github.com/ChuLiYu/beaver-sync/internal/controller"
	"github.com/ChuLiYu/beaver-sync/internal/job"
	"github.com/ChuLiYu/beaver-sync/internal/jobstorage"
	"github.com/ChuLiYu/beaver-sync/internal/storagesync"
	"github.com/ChuLiYu/beaver-sync/internal/syncjobs"
)

type device struct {
	name   string
	local  *storagesync.MemoryLocal
	engine *storagesync.Engine
	ctrl   *controller.Controller
}

func newDevice(ctx context.Context, name string, id int32, primary bool, remote storagesync.RemoteStore, logger *slog.Logger) (*device, error) {
	logger = logger.With("device", name)
	local := storagesync.NewMemoryLocal()
	engine, err := storagesync.NewEngine(local, remote, storagesync.Config{
		Primary:  primary,
		DeviceID: id,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	jobs := job.NewRegistry()
	constraints, _ := constraint.NewDefaultRegistry()
	ctrl, err := controller.New(controller.Config{
		WorkerCount:  2,
		PollInterval: 20 * time.Millisecond,
		Logger:       logger,
	}, jobstorage.New(jobstorage.NewMemoryDurable()), jobs, constraints)
	if err != nil {
		return nil, err
	}
	if err := syncjobs.Register(jobs, &syncjobs.Deps{Engine: engine, Enqueuer: ctrl, Logger: logger}); err != nil {
		return nil, err
	}
	if err := ctrl.Start(ctx); err != nil {
		return nil, err
	}
	return &device{name: name, local: local, engine: engine, ctrl: ctrl}, nil
}

// waitForVersion 等到本地 manifest 追上 version
func (d *device) waitForVersion(ctx context.Context, version int64) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for {
		m, err := d.local.Manifest(ctx)
		if err != nil {
			return err
		}
		if m.Version >= version {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: waiting for manifest v%d: %w", d.name, version, ctx.Err())
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func (d *device) print(ctx context.Context) {
	m, _ := d.local.Manifest(ctx)
	ids, _ := d.local.StorageIDs(ctx)
	records, _ := d.local.Records(ctx, ids)
	fmt.Printf("  %s (manifest v%d):\n", d.name, m.Version)
	for _, r := range records {
		if r.Contact != nil {
			fmt.Printf("    - contact %s %s\n", r.Contact.ServiceID, r.Contact.GivenName)
		}
	}
}

func run(ctx context.Context) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	remote := storagesync.NewMemoryRemote()

	primary, err := newDevice(ctx, "primary", 1, true, remote, logger)
	if err != nil {
		return err
	}
	defer primary.ctrl.Stop()
	linked, err := newDevice(ctx, "linked", 2, false, remote, logger)
	if err != nil {
		return err
	}
	defer linked.ctrl.Stop()
	fmt.Println("✓ Two devices started")

	alice := storagesync.Record{Contact: &storagesync.ContactRecord{ServiceID: "aci-alice", GivenName: "Alice"}}
	alice.ID = storagesync.RandomIDs.Generate(storagesync.TypeContact)
	if err := primary.local.Update(ctx, func(tx storagesync.LocalTx) error { return tx.Put(alice) }); err != nil {
		return err
	}
	if err := syncjobs.ScheduleSync(ctx, primary.ctrl); err != nil {
		return err
	}
	if err := primary.waitForVersion(ctx, 1); err != nil {
		return err
	}
	fmt.Println("✓ Primary pushed Alice")

	if err := syncjobs.ScheduleSync(ctx, linked.ctrl); err != nil {
		return err
	}
	if err := linked.waitForVersion(ctx, 1); err != nil {
		return err
	}
	fmt.Println("✓ Linked device merged the remote manifest")
	linked.print(ctx)

	// 連結裝置改名：換新 StorageID 後同步
	err = linked.local.Update(ctx, func(tx storagesync.LocalTx) error {
		r, ok, err := tx.FindByIdentity(storagesync.TypeContact, alice.Identity())
		if err != nil || !ok {
			return fmt.Errorf("alice missing on linked device: %v", err)
		}
		r.Contact.GivenName = "Alice Liddell"
		return tx.Put(r)
	})
	if err != nil {
		return err
	}
	ref := storagesync.RecordRef{Type: storagesync.TypeContact, Identity: alice.Identity()}
	if err := syncjobs.ScheduleSyncForDataChange(ctx, linked.local, linked.engine.Generator(), linked.ctrl, ref); err != nil {
		return err
	}
	if err := linked.waitForVersion(ctx, 2); err != nil {
		return err
	}
	if err := syncjobs.ScheduleSync(ctx, primary.ctrl); err != nil {
		return err
	}
	if err := primary.waitForVersion(ctx, 2); err != nil {
		return err
	}
	fmt.Println("✓ Rename on the linked device reached the primary")
	primary.print(ctx)
	linked.print(ctx)
	return nil
}

func main() {
	if err := run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "demo failed: %v\n", err)
		os.Exit(1)
	}
}
