package diffkey

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keelhost/keel/pkg/types"
)

func sampleChanges() []types.Change {
	return []types.Change{
		{Kind: types.ChangeAdded, Path: "/usr/bin/app", NodeKind: types.NodeFile, Mode: 0o755, ContentSum: "aaa"},
		{Kind: types.ChangeModified, Path: "/etc/app.conf", NodeKind: types.NodeFile, Mode: 0o644, ContentSum: "bbb"},
		{Kind: types.ChangeDeleted, Path: "/etc/old.conf"},
	}
}

func TestComputeIsOrderIndependent(t *testing.T) {
	changes := sampleChanges()
	reversed := make([]types.Change, len(changes))
	for i, c := range changes {
		reversed[len(changes)-1-i] = c
	}

	a := Compute("sha256:base", changes)
	b := Compute("sha256:base", reversed)
	assert.Equal(t, a, b)
}

func TestComputeDiffersByBase(t *testing.T) {
	changes := sampleChanges()
	require.NotEqual(t, Compute("sha256:base1", changes), Compute("sha256:base2", changes))
	require.NotEqual(t, Compute("", changes), Compute("sha256:base1", changes))
}

func TestComputeDiffersByChangeSet(t *testing.T) {
	changes := sampleChanges()
	mutated := append([]types.Change{}, changes...)
	mutated[0].ContentSum = "different"
	assert.NotEqual(t, Compute("sha256:base", changes), Compute("sha256:base", mutated))
}

func TestComputeStableFormat(t *testing.T) {
	key := Compute("", nil)
	assert.Contains(t, key, "sha256:")
	assert.Len(t, key, len("sha256:")+64)
}
