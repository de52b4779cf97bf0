package contentstore

import (
	"bytes"
	"context"
	"testing"

	digest "github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"

	"github.com/keelhost/keel/pkg/apierr"
)

func TestPutOpenRoundTrip(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	payload := []byte("hello keel")
	dgst, size, err := s.Put(context.Background(), bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, int64(len(payload)), size)
	require.True(t, s.Has(dgst))

	rc, err := s.Open(dgst)
	require.NoError(t, err)
	defer rc.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(rc)
	require.NoError(t, err)
	require.Equal(t, payload, buf.Bytes())
}

func TestOpenMissingIsNotFound(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	_, err = s.Open(digest.FromString("nope"))
	require.Equal(t, apierr.NotFound, apierr.Of(err))
}

func TestWriterDigestMismatchAborts(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	w, err := s.NewWriter()
	require.NoError(t, err)
	_, err = w.Write([]byte("data"))
	require.NoError(t, err)

	_, err = w.Commit(digest.FromString("not-the-real-digest"))
	require.Error(t, err)
}

func TestDeleteMissingIsNotAnError(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.Delete(digest.FromString("anything")))
}
