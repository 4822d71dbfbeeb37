package storagesync

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func id(t RecordType, raw string) StorageID { return StorageID{Type: t, Raw: []byte(raw)} }

func contact(raw, aci, name string) Record {
	return Record{ID: id(TypeContact, raw), Contact: &ContactRecord{ServiceID: aci, GivenName: name}}
}

func key16(b byte) []byte {
	k := make([]byte, 16)
	for i := range k {
		k[i] = b
	}
	return k
}

func distributionList(raw string, ident byte, name string) Record {
	return Record{ID: id(TypeDistributionList, raw), DistributionList: &DistributionListRecord{
		Identifier: key16(ident),
		Name:       name,
	}}
}

// seqIDs 可預期的 ID 產生器：gen-1, gen-2, ...
func seqIDs() IDGenerator {
	var n atomic.Int64
	return IDGeneratorFunc(func(t RecordType) StorageID {
		return id(t, fmt.Sprintf("gen-%d", n.Add(1)))
	})
}

func seedLocal(t *testing.T, local *MemoryLocal, manifest *Manifest, records ...Record) {
	t.Helper()
	require.NoError(t, local.Update(context.Background(), func(tx LocalTx) error {
		for _, r := range records {
			if err := tx.Put(r); err != nil {
				return err
			}
		}
		if manifest != nil {
			return tx.SetManifest(*manifest)
		}
		return nil
	}))
}

func raws(ids []StorageID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, string(id.Raw))
	}
	sort.Strings(out)
	return out
}

func localRaws(t *testing.T, local LocalStore) []string {
	t.Helper()
	ids, err := local.StorageIDs(context.Background())
	require.NoError(t, err)
	return raws(ids)
}

func manifestOf(version int64, ids ...StorageID) Manifest {
	return Manifest{Version: version, SourceDevice: 2, IDs: ids}
}
