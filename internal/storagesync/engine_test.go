package storagesync

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-sync/internal/metrics"
)

type fixture struct {
	local  *MemoryLocal
	remote *MemoryRemote
	engine *Engine
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{local: NewMemoryLocal(), remote: NewMemoryRemote()}
	if cfg.Generator == nil {
		cfg.Generator = seqIDs()
	}
	if cfg.DeviceID == 0 {
		cfg.DeviceID = 1
	}
	var err error
	f.engine, err = NewEngine(f.local, f.remote, cfg)
	require.NoError(t, err)
	return f
}

func (f *fixture) sync(t *testing.T) SyncResult {
	t.Helper()
	res, err := f.engine.Sync(context.Background())
	require.NoError(t, err)
	return res
}

func (f *fixture) localVersion(t *testing.T) int64 {
	t.Helper()
	m, err := f.local.Manifest(context.Background())
	require.NoError(t, err)
	return m.Version
}

func (f *fixture) remoteManifest(t *testing.T) Manifest {
	t.Helper()
	m, ok := f.remote.Manifest()
	require.True(t, ok)
	return m
}

func TestNewEngineRequiresStores(t *testing.T) {
	_, err := NewEngine(nil, NewMemoryRemote(), Config{})
	assert.Error(t, err)
	_, err = NewEngine(NewMemoryLocal(), nil, Config{})
	assert.Error(t, err)
}

// local {A,B,C}, remote v5 {B,C,D} -> both sides end at v6 {A,B,C,D}
func TestSyncMergesAndPushes(t *testing.T) {
	f := newFixture(t, Config{Primary: true})
	a, b, c, d := contact("A", "aci-a", "A"), contact("B", "aci-b", "B"), contact("C", "aci-c", "C"), contact("D", "aci-d", "D")
	seedLocal(t, f.local, nil, a, b, c)
	require.NoError(t, f.remote.Seed(manifestOf(5, b.ID, c.ID, d.ID), b, c, d))

	res := f.sync(t)

	assert.Equal(t, int64(5), res.RemoteVersion)
	assert.Equal(t, int64(6), res.LocalVersion)
	assert.Equal(t, 1, res.Merged)
	assert.Equal(t, 1, res.Pushed)
	assert.Equal(t, 0, res.Deleted)
	assert.True(t, res.Wrote)
	assert.True(t, res.NeedsMultiDeviceSync)
	assert.False(t, res.NeedsForcePush)

	assert.Equal(t, []string{"A", "B", "C", "D"}, localRaws(t, f.local))
	remote := f.remoteManifest(t)
	assert.Equal(t, int64(6), remote.Version)
	assert.Equal(t, int32(1), remote.SourceDevice)
	assert.Equal(t, []string{"A", "B", "C", "D"}, raws(remote.IDs))
	assert.Equal(t, 4, f.remote.RecordCount())
	assert.Equal(t, int64(6), f.localVersion(t))
}

func TestSyncIsIdempotent(t *testing.T) {
	f := newFixture(t, Config{Primary: true})
	seedLocal(t, f.local, nil, contact("A", "aci-a", "A"))
	require.NoError(t, f.remote.Seed(manifestOf(3, id(TypeContact, "B")), contact("B", "aci-b", "B")))

	first := f.sync(t)
	require.True(t, first.Wrote)
	writes := f.remote.Writes()

	second := f.sync(t)
	assert.False(t, second.Wrote)
	assert.Zero(t, second.Merged)
	assert.Zero(t, second.RemoteVersion)
	assert.Equal(t, writes, f.remote.Writes())
	assert.Equal(t, first.LocalVersion, f.localVersion(t))
}

func TestSyncDeletesRemoteRecordsRemovedLocally(t *testing.T) {
	f := newFixture(t, Config{Primary: true})
	a, b := contact("A", "aci-a", "A"), contact("B", "aci-b", "B")
	m := manifestOf(4, a.ID, b.ID)
	seedLocal(t, f.local, &m, a, b)
	require.NoError(t, f.remote.Seed(m, a, b))

	require.NoError(t, f.local.Update(context.Background(), func(tx LocalTx) error {
		return tx.Delete(b.ID)
	}))

	res := f.sync(t)
	assert.Equal(t, 1, res.Deleted)
	assert.Equal(t, []string{"A"}, raws(f.remoteManifest(t).IDs))
	assert.Equal(t, 1, f.remote.RecordCount())
}

func TestSyncConflictLeavesLocalUntouched(t *testing.T) {
	f := newFixture(t, Config{Primary: true})
	b := contact("B", "aci-b", "B")
	m := manifestOf(5, b.ID)
	seedLocal(t, f.local, &m, b, contact("A", "aci-a", "A"))
	require.NoError(t, f.remote.Seed(m, b))

	// 另一台裝置在我們寫入前搶先推進版本
	x := contact("X", "aci-x", "X")
	f.remote.BeforeNextWrite(func() {
		require.NoError(t, f.remote.Seed(manifestOf(6, b.ID, x.ID), x))
	})

	before := localRaws(t, f.local)
	_, err := f.engine.Sync(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRetryLater)
	assert.ErrorIs(t, err, ErrVersionConflict)
	assert.Equal(t, int64(5), f.localVersion(t))
	assert.Equal(t, before, localRaws(t, f.local))

	// 重試時重新讀取 manifest
	res := f.sync(t)
	assert.Equal(t, int64(6), res.RemoteVersion)
	assert.Equal(t, int64(7), res.LocalVersion)
	assert.Equal(t, []string{"A", "B", "X"}, raws(f.remoteManifest(t).IDs))
	assert.Equal(t, []string{"A", "B", "X"}, localRaws(t, f.local))
}

// TestConflictAfterMergeKeepsMergedRecords 合併已落地，寫回衝突後重試仍收斂
func TestConflictAfterMergeKeepsMergedRecords(t *testing.T) {
	f := newFixture(t, Config{Primary: true})
	seedLocal(t, f.local, nil, contact("A", "aci-a", "A"))
	d := contact("D", "aci-d", "D")
	require.NoError(t, f.remote.Seed(manifestOf(5, d.ID), d))

	x := contact("X", "aci-x", "X")
	f.remote.BeforeNextWrite(func() {
		require.NoError(t, f.remote.Seed(manifestOf(6, d.ID, x.ID), x))
	})

	_, err := f.engine.Sync(context.Background())
	require.ErrorIs(t, err, ErrRetryLater)

	// 合併的遠端紀錄與其 manifest 版本在寫回前已提交
	assert.Equal(t, []string{"A", "D"}, localRaws(t, f.local))
	assert.Equal(t, int64(5), f.localVersion(t))

	res := f.sync(t)
	assert.Equal(t, int64(6), res.RemoteVersion)
	assert.Equal(t, int64(7), res.LocalVersion)
	assert.Equal(t, []string{"A", "D", "X"}, raws(f.remoteManifest(t).IDs))
	assert.Equal(t, []string{"A", "D", "X"}, localRaws(t, f.local))

	// 收斂後再同步不會再寫
	again := f.sync(t)
	assert.False(t, again.Wrote)
	assert.Equal(t, int64(7), f.localVersion(t))
}

func TestLocalManifestVersionNeverDecreases(t *testing.T) {
	f := newFixture(t, Config{Primary: true})
	require.NoError(t, f.remote.Seed(manifestOf(2, id(TypeContact, "B")), contact("B", "aci-b", "B")))

	var last int64
	check := func() {
		v := f.localVersion(t)
		assert.GreaterOrEqual(t, v, last)
		last = v
	}

	f.sync(t)
	check()

	seedLocal(t, f.local, nil, contact("C", "aci-c", "C"))
	f.remote.BeforeNextWrite(func() {
		require.NoError(t, f.remote.Seed(manifestOf(3, id(TypeContact, "B"))))
	})
	_, err := f.engine.Sync(context.Background())
	require.ErrorIs(t, err, ErrRetryLater)
	check()

	f.sync(t)
	check()
	f.sync(t)
	check()
	assert.Equal(t, int64(4), last)
}

func TestTypeMismatch(t *testing.T) {
	setup := func(t *testing.T, primary bool) *fixture {
		f := newFixture(t, Config{Primary: primary})
		seedLocal(t, f.local, nil, contact("M", "aci-m", "M"), contact("A", "aci-a", "A"))
		gv1 := Record{ID: id(TypeGroupV1, "M"), GroupV1: &GroupV1Record{GroupID: key16(1)}}
		require.NoError(t, f.remote.Seed(manifestOf(3, gv1.ID), gv1))
		return f
	}

	t.Run("primary flags a force push and skips the write", func(t *testing.T) {
		f := setup(t, true)
		res := f.sync(t)
		assert.True(t, res.NeedsForcePush)
		assert.False(t, res.Wrote)
		assert.Zero(t, f.remote.Writes())
	})

	t.Run("linked device keeps the remote entry", func(t *testing.T) {
		f := setup(t, false)
		res := f.sync(t)
		assert.False(t, res.NeedsForcePush)
		assert.True(t, res.Wrote)

		m := f.remoteManifest(t)
		assert.Equal(t, []string{"A", "M"}, raws(m.IDs))
		for _, sid := range m.IDs {
			if string(sid.Raw) == "M" {
				assert.Equal(t, TypeGroupV1, sid.Type)
			}
		}
	})
}

func TestUnregisteredContactsAreNotRepushed(t *testing.T) {
	f := newFixture(t, Config{Primary: true})
	gone := contact("U", "aci-u", "Gone")
	gone.Contact.UnregisteredAt = 1234
	seedLocal(t, f.local, nil, gone)
	require.NoError(t, f.remote.Seed(manifestOf(8, id(TypeContact, "B")), contact("B", "aci-b", "B")))

	res := f.sync(t)
	assert.False(t, res.Wrote)
	assert.Zero(t, f.remote.Writes())

	got, ok := f.local.Find(TypeContact, "aci:aci-u")
	require.True(t, ok, "record stays, only its storage id is cleared")
	assert.True(t, got.ID.IsEmpty())
	assert.Equal(t, []string{"B"}, localRaws(t, f.local))
}

func TestMissingRemoteRecords(t *testing.T) {
	f := newFixture(t, Config{Primary: true})
	d := contact("D", "aci-d", "D")
	require.NoError(t, f.remote.Seed(manifestOf(2, d.ID, id(TypeContact, "E")), d))

	res := f.sync(t)
	assert.True(t, res.NeedsForcePush)
	assert.False(t, res.Wrote)
	assert.Equal(t, []string{"D"}, localRaws(t, f.local))
}

func TestDecryptionFailure(t *testing.T) {
	tests := []struct {
		primary bool
		action  RecoveryAction
	}{
		{primary: true, action: ActionForcePush},
		{primary: false, action: ActionRequestKeys},
	}
	for _, tt := range tests {
		t.Run(tt.action.String(), func(t *testing.T) {
			f := newFixture(t, Config{Primary: tt.primary})
			require.NoError(t, f.remote.Seed(manifestOf(1)))
			f.remote.SetDecryptionFailure(true)

			_, err := f.engine.Sync(context.Background())
			var re *RecoveryError
			require.True(t, errors.As(err, &re), "got %v", err)
			assert.Equal(t, tt.action, re.Action)
			assert.ErrorIs(t, err, ErrDecryption)
			assert.NotErrorIs(t, err, ErrRetryLater)
		})
	}
}

func TestForcePushRotatesEverything(t *testing.T) {
	f := newFixture(t, Config{Primary: true})
	a, b := contact("A", "aci-a", "A"), contact("B", "aci-b", "B")
	opaque := Record{ID: id(RecordType(42), "U"), Unknown: []byte{1, 2}}
	m := manifestOf(9, a.ID, b.ID, opaque.ID)
	seedLocal(t, f.local, &m, a, b, opaque)
	require.NoError(t, f.remote.Seed(m, a, b, opaque))
	f.remote.SetDecryptionFailure(true)

	res, err := f.engine.ForcePush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(10), res.LocalVersion)
	assert.Equal(t, 3, res.Pushed)

	ids := localRaws(t, f.local)
	assert.Equal(t, []string{"gen-1", "gen-2", "gen-3"}, ids)
	remote := f.remoteManifest(t)
	assert.Equal(t, int64(10), remote.Version)
	assert.Equal(t, ids, raws(remote.IDs))
	assert.Equal(t, 3, f.remote.RecordCount())

	unknown, err := f.local.UnknownIDs(context.Background())
	require.NoError(t, err)
	require.Len(t, unknown, 1)
	assert.Equal(t, RecordType(42), unknown[0].Type)

	// 重寫後可以正常同步，且沒有變更
	again := f.sync(t)
	assert.False(t, again.Wrote)
}

func TestUnknownRecordsRoundTrip(t *testing.T) {
	f := newFixture(t, Config{Primary: true})
	opaque := Record{ID: id(RecordType(42), "U"), Unknown: []byte{0x08, 0x01}}
	require.NoError(t, f.remote.Seed(manifestOf(1, opaque.ID), opaque))
	seedLocal(t, f.local, nil, contact("A", "aci-a", "A"))

	f.sync(t)
	unknown, err := f.local.UnknownIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"U"}, raws(unknown))
	assert.Equal(t, []string{"A", "U"}, raws(f.remoteManifest(t).IDs), "opaque record is not deleted remotely")

	// 其他裝置移除後，本地的不透明紀錄也跟著移除
	require.NoError(t, f.remote.Seed(manifestOf(3, id(TypeContact, "A"))))
	f.sync(t)
	unknown, err = f.local.UnknownIDs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, unknown)
}

func TestRecordsThatBecomeKnownAreProcessed(t *testing.T) {
	local, remote := NewMemoryLocal(), NewMemoryRemote()
	dl := distributionList("L", 5, "Book club")
	require.NoError(t, remote.Seed(manifestOf(1, dl.ID), dl))

	processors := DefaultProcessors(nil)
	delete(processors, TypeDistributionList)
	old, err := NewEngine(local, remote, Config{Processors: processors, Generator: seqIDs()})
	require.NoError(t, err)
	_, err = old.Sync(context.Background())
	require.NoError(t, err)

	unknown, err := local.UnknownIDs(context.Background())
	require.NoError(t, err)
	require.Len(t, unknown, 1)

	upgraded, err := NewEngine(local, remote, Config{Generator: seqIDs()})
	require.NoError(t, err)
	res, err := upgraded.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Merged)

	unknown, err = local.UnknownIDs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, unknown)
	got, ok := local.Find(TypeDistributionList, dl.Identity())
	require.True(t, ok)
	assert.Equal(t, "Book club", got.DistributionList.Name)
	assert.Equal(t, "L", string(got.ID.Raw))
}

func TestRotateStorageIDs(t *testing.T) {
	f := newFixture(t, Config{Primary: true})
	a := contact("A", "aci-a", "A")
	m := manifestOf(1, a.ID)
	seedLocal(t, f.local, &m, a)
	require.NoError(t, f.remote.Seed(m, a))

	n, err := RotateStorageIDs(context.Background(), f.local, seqIDs(),
		RecordRef{Type: TypeContact, Identity: "aci:aci-a"},
		RecordRef{Type: TypeContact, Identity: "aci:missing"},
	)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	res := f.sync(t)
	assert.Equal(t, 1, res.Pushed)
	assert.Equal(t, 1, res.Deleted)
	assert.Equal(t, []string{"gen-1"}, raws(f.remoteManifest(t).IDs))
}

func TestSyncMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)
	f := newFixture(t, Config{Primary: true, Metrics: collector})
	seedLocal(t, f.local, nil, contact("A", "aci-a", "A"))

	f.sync(t)
	f.sync(t)

	assert.Equal(t, 2, testutil.CollectAndCount(reg, "beaver_sync_runs_total"))
	assert.Equal(t, 1, testutil.CollectAndCount(reg, "beaver_sync_manifest_version"))
	assert.Equal(t, 1, testutil.CollectAndCount(reg, "beaver_sync_records_total"))
}
