package storagesync

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFindIDDifference(t *testing.T) {
	tests := []struct {
		name       string
		remote     []StorageID
		local      []StorageID
		remoteOnly []string
		localOnly  []string
		mismatches []string
	}{
		{
			name:   "identical",
			remote: []StorageID{id(TypeContact, "a")},
			local:  []StorageID{id(TypeContact, "a")},
		},
		{
			name:       "both sides differ",
			remote:     []StorageID{id(TypeContact, "B"), id(TypeContact, "C"), id(TypeContact, "D")},
			local:      []StorageID{id(TypeContact, "A"), id(TypeContact, "B"), id(TypeContact, "C")},
			remoteOnly: []string{"D"},
			localOnly:  []string{"A"},
		},
		{
			name:       "type mismatch is excluded from both sides",
			remote:     []StorageID{id(TypeGroupV1, "m"), id(TypeContact, "x")},
			local:      []StorageID{id(TypeContact, "m")},
			remoteOnly: []string{"x"},
			mismatches: []string{"m"},
		},
		{
			name:       "duplicates are reported once",
			remote:     []StorageID{id(TypeContact, "r"), id(TypeContact, "r")},
			local:      []StorageID{id(TypeContact, "l"), id(TypeContact, "l")},
			remoteOnly: []string{"r"},
			localOnly:  []string{"l"},
		},
		{
			name:      "empty remote",
			local:     []StorageID{id(TypeAccount, "acc")},
			localOnly: []string{"acc"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := FindIDDifference(tt.remote, tt.local)
			assert.Equal(t, nonNil(tt.remoteOnly), raws(d.RemoteOnly))
			assert.Equal(t, nonNil(tt.localOnly), raws(d.LocalOnly))
			assert.Equal(t, nonNil(tt.mismatches), raws(d.TypeMismatches))
			assert.Equal(t, len(tt.mismatches) > 0, d.HasTypeMismatches())
			empty := len(tt.remoteOnly)+len(tt.localOnly)+len(tt.mismatches) == 0
			assert.Equal(t, empty, d.IsEmpty())
		})
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func TestFindIDDifferenceKeepsRemoteTypeForMismatch(t *testing.T) {
	d := FindIDDifference([]StorageID{id(TypeGroupV2, "m")}, []StorageID{id(TypeContact, "m")})
	if assert.Len(t, d.TypeMismatches, 1) {
		assert.Equal(t, TypeGroupV2, d.TypeMismatches[0].Type)
	}
}
