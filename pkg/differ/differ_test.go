package differ

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/keelhost/keel/pkg/contentstore"
	"github.com/keelhost/keel/pkg/diffkey"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	full := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

func TestCompareAddedModifiedDeleted(t *testing.T) {
	base := t.TempDir()
	target := t.TempDir()

	writeFile(t, base, "keep.txt", "same")
	writeFile(t, base, "change.txt", "before")
	writeFile(t, base, "gone.txt", "bye")

	writeFile(t, target, "keep.txt", "same")
	writeFile(t, target, "change.txt", "after")
	writeFile(t, target, "new.txt", "hello")

	changes, err := Compare(base, target)
	require.NoError(t, err)

	byPath := map[string]string{}
	for _, c := range changes {
		byPath[c.Path] = string(c.Kind)
	}
	require.Equal(t, "modified", byPath["change.txt"])
	require.Equal(t, "added", byPath["new.txt"])
	require.Equal(t, "deleted", byPath["gone.txt"])
	_, untouched := byPath["keep.txt"]
	require.False(t, untouched)
}

func TestDiffApplyRoundTrip(t *testing.T) {
	base := t.TempDir()
	target := t.TempDir()
	writeFile(t, target, "a/b.txt", "payload")

	changes, err := Compare(base, target)
	require.NoError(t, err)
	require.Len(t, changes, 2) // dir a/ and file a/b.txt

	cs, err := contentstore.New(t.TempDir())
	require.NoError(t, err)

	desc, err := Diff(context.Background(), target, changes, cs, DiffOptions{Compression: CompressionGzip})
	require.NoError(t, err)

	reconstructed := t.TempDir()
	require.NoError(t, Apply(context.Background(), reconstructed, desc, cs))

	data, err := os.ReadFile(filepath.Join(reconstructed, "a", "b.txt"))
	require.NoError(t, err)
	require.Equal(t, "payload", string(data))
}

func TestDiffKeyStableAcrossReapply(t *testing.T) {
	target := t.TempDir()
	writeFile(t, target, "f.txt", "content")

	changes, err := Compare("", target)
	require.NoError(t, err)

	key1 := diffkey.Compute("", changes)

	// Applying the layer onto an empty directory and re-diffing the result
	// must reproduce the same key.
	cs, err := contentstore.New(t.TempDir())
	require.NoError(t, err)
	desc, err := Diff(context.Background(), target, changes, cs, DiffOptions{})
	require.NoError(t, err)
	reapplied := t.TempDir()
	require.NoError(t, Apply(context.Background(), reapplied, desc, cs))

	rediffed, err := Compare("", reapplied)
	require.NoError(t, err)
	key2 := diffkey.Compute("", rediffed)
	require.Equal(t, key1, key2)
}

func TestWhiteoutApplyRemovesFile(t *testing.T) {
	base := t.TempDir()
	writeFile(t, base, "doomed.txt", "x")

	cs, err := contentstore.New(t.TempDir())
	require.NoError(t, err)

	changes, err := Compare(base, t.TempDir())
	require.NoError(t, err)
	require.Len(t, changes, 1)
	require.Equal(t, "deleted", string(changes[0].Kind))

	desc, err := Diff(context.Background(), t.TempDir(), changes, cs, DiffOptions{})
	require.NoError(t, err)

	require.NoError(t, Apply(context.Background(), base, desc, cs))
	_, err = os.Stat(filepath.Join(base, "doomed.txt"))
	require.True(t, os.IsNotExist(err))
}
