package badgerlocal

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-sync/internal/storagesync"
)

func open(t *testing.T, dir string) *Store {
	t.Helper()
	s, err := Open(dir, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func contact(raw, aci string) storagesync.Record {
	return storagesync.Record{
		ID:      storagesync.StorageID{Type: storagesync.TypeContact, Raw: []byte(raw)},
		Contact: &storagesync.ContactRecord{ServiceID: aci},
	}
}

func put(t *testing.T, s *Store, records ...storagesync.Record) {
	t.Helper()
	require.NoError(t, s.Update(context.Background(), func(tx storagesync.LocalTx) error {
		for _, r := range records {
			if err := tx.Put(r); err != nil {
				return err
			}
		}
		return nil
	}))
}

func raws(ids []storagesync.StorageID) []string {
	out := []string{}
	for _, id := range ids {
		out = append(out, string(id.Raw))
	}
	return out
}

func TestPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := Open(dir, nil)
	require.NoError(t, err)
	put(t, s, contact("A", "aci-a"), storagesync.Record{
		ID:      storagesync.StorageID{Type: storagesync.RecordType(42), Raw: []byte("U")},
		Unknown: []byte{1},
	})
	require.NoError(t, s.Update(ctx, func(tx storagesync.LocalTx) error {
		return tx.SetManifest(storagesync.Manifest{Version: 7, IDs: []storagesync.StorageID{{Type: storagesync.TypeContact, Raw: []byte("A")}}})
	}))
	require.NoError(t, s.Close())

	s2 := open(t, dir)
	m, err := s2.Manifest(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(7), m.Version)

	ids, err := s2.StorageIDs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"A", "U"}, raws(ids))

	unknown, err := s2.UnknownIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"U"}, raws(unknown))
}

func TestPutReplacesByIdentity(t *testing.T) {
	ctx := context.Background()
	s := open(t, "")
	put(t, s, contact("A1", "aci-a"))
	put(t, s, contact("A2", "aci-a"))

	ids, err := s.StorageIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"A2"}, raws(ids))

	records, err := s.Records(ctx, []storagesync.StorageID{{Raw: []byte("A1")}, {Raw: []byte("A2")}})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "aci-a", records[0].Contact.ServiceID)
}

func TestUpdateRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := open(t, "")
	put(t, s, contact("A", "aci-a"))

	boom := errors.New("boom")
	err := s.Update(ctx, func(tx storagesync.LocalTx) error {
		if err := tx.Delete(storagesync.StorageID{Raw: []byte("A")}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	ids, err := s.StorageIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, raws(ids))
}

func TestClearUnregistered(t *testing.T) {
	ctx := context.Background()
	s := open(t, "")
	gone := contact("U", "aci-u")
	gone.Contact.UnregisteredAt = 5
	put(t, s, gone, contact("A", "aci-a"))

	var n int
	require.NoError(t, s.Update(ctx, func(tx storagesync.LocalTx) error {
		var err error
		n, err = tx.ClearUnregistered([]storagesync.StorageID{{Raw: []byte("U")}, {Raw: []byte("A")}})
		if err != nil {
			return err
		}
		r, ok, err := tx.FindByIdentity(storagesync.TypeContact, "aci:aci-u")
		require.True(t, ok)
		assert.True(t, r.ID.IsEmpty())
		return err
	}))
	assert.Equal(t, 1, n)

	ids, err := s.StorageIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, raws(ids))
}

func TestEngineWithBadger(t *testing.T) {
	ctx := context.Background()
	s := open(t, "")
	remote := storagesync.NewMemoryRemote()
	b := contact("B", "aci-b")
	require.NoError(t, remote.Seed(storagesync.Manifest{Version: 5, IDs: []storagesync.StorageID{b.ID}}, b))
	put(t, s, contact("A", "aci-a"))

	engine, err := storagesync.NewEngine(s, remote, storagesync.Config{Primary: true})
	require.NoError(t, err)
	res, err := engine.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(6), res.LocalVersion)

	m, ok := remote.Manifest()
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"A", "B"}, raws(m.IDs))

	res, err = engine.Sync(ctx)
	require.NoError(t, err)
	assert.False(t, res.Wrote)
}
