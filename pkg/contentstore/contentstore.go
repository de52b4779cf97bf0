// Package contentstore is a small content-addressable blob store shared by
// the differ (OCI layer blobs), the snapshotter (committed layer
// references) and the build scheduler (cache manifests).
//
// Follows the same single-writer persistence style as pkg/storage
// (pkg/storage/boltdb.go), generalized to content-addressed files on disk
// since layer blobs and cache manifests are too large to comfortably hold
// as a single bbolt value.
package contentstore

import (
	"context"
	"crypto/sha256"
	"io"
	"os"
	"path/filepath"

	digest "github.com/opencontainers/go-digest"

	"github.com/keelhost/keel/pkg/apierr"
)

// Store is a sha256-keyed blob store rooted at <data-dir>/content.
type Store struct {
	root string
}

// New opens (creating if necessary) a content store rooted at dataDir/content.
func New(dataDir string) (*Store, error) {
	root := filepath.Join(dataDir, "content")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, apierr.Wrap(apierr.Internal, err, "create content store root %q", root)
	}
	return &Store{root: root}, nil
}

func (s *Store) path(dgst digest.Digest) (string, error) {
	if err := dgst.Validate(); err != nil {
		return "", apierr.Wrap(apierr.InvalidArgument, err, "invalid content digest %q", dgst)
	}
	return filepath.Join(s.root, dgst.Algorithm().String(), dgst.Encoded()), nil
}

// Has reports whether a blob with the given digest is present.
func (s *Store) Has(dgst digest.Digest) bool {
	p, err := s.path(dgst)
	if err != nil {
		return false
	}
	_, err = os.Stat(p)
	return err == nil
}

// Writer returns a handle that streams a new blob into the store, verifying
// its digest matches expected once Commit is called. The write lands in a
// temp file first so partial writes never become visible under the final
// digest path.
type Writer struct {
	store    *Store
	tmp      *os.File
	hasher   interface {
		Write([]byte) (int, error)
		Sum([]byte) []byte
	}
	size int64
}

// NewWriter begins a new blob write.
func (s *Store) NewWriter() (*Writer, error) {
	tmp, err := os.CreateTemp(s.root, "ingest-*")
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, err, "create ingest temp file")
	}
	return &Writer{store: s, tmp: tmp, hasher: sha256.New()}, nil
}

func (w *Writer) Write(p []byte) (int, error) {
	n, err := w.tmp.Write(p)
	if n > 0 {
		w.hasher.Write(p[:n])
		w.size += int64(n)
	}
	return n, err
}

// Digest returns the sha256 digest of bytes written so far.
func (w *Writer) Digest() digest.Digest {
	return digest.NewDigestFromBytes(digest.SHA256, w.hasher.Sum(nil))
}

// Size returns the number of bytes written so far.
func (w *Writer) Size() int64 { return w.size }

// Commit finalizes the write under its content digest. If expected is
// non-empty, the computed digest must match or Commit fails with
// Corruption.
func (w *Writer) Commit(expected digest.Digest) (digest.Digest, error) {
	dgst := w.Digest()
	if expected != "" && expected != dgst {
		w.Abort()
		return "", apierr.New(apierr.Corruption, "content digest mismatch: expected %s got %s", expected, dgst)
	}
	if err := w.tmp.Close(); err != nil {
		return "", apierr.Wrap(apierr.Internal, err, "close ingest temp file")
	}
	dest, err := w.store.path(dgst)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", apierr.Wrap(apierr.Internal, err, "create blob directory")
	}
	if err := os.Rename(w.tmp.Name(), dest); err != nil {
		return "", apierr.Wrap(apierr.Internal, err, "finalize blob %s", dgst)
	}
	return dgst, nil
}

// Abort discards the in-progress write.
func (w *Writer) Abort() {
	w.tmp.Close()
	os.Remove(w.tmp.Name())
}

// Put writes all of r as a new blob and returns its digest.
func (s *Store) Put(ctx context.Context, r io.Reader) (digest.Digest, int64, error) {
	w, err := s.NewWriter()
	if err != nil {
		return "", 0, err
	}
	if _, err := io.Copy(w, r); err != nil {
		w.Abort()
		return "", 0, apierr.Wrap(apierr.Internal, err, "write content")
	}
	dgst, err := w.Commit("")
	if err != nil {
		return "", 0, err
	}
	return dgst, w.Size(), nil
}

// Open returns a reader over the blob with the given digest.
func (s *Store) Open(dgst digest.Digest) (io.ReadCloser, error) {
	p, err := s.path(dgst)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apierr.New(apierr.NotFound, "content %s not found", dgst)
		}
		return nil, apierr.Wrap(apierr.Internal, err, "open content %s", dgst)
	}
	return f, nil
}

// Size returns the size in bytes of the blob with the given digest.
func (s *Store) Size(dgst digest.Digest) (int64, error) {
	p, err := s.path(dgst)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, apierr.New(apierr.NotFound, "content %s not found", dgst)
		}
		return 0, apierr.Wrap(apierr.Internal, err, "stat content %s", dgst)
	}
	return info.Size(), nil
}

// Delete removes a blob. Deleting a missing blob is not an error.
func (s *Store) Delete(dgst digest.Digest) error {
	p, err := s.path(dgst)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return apierr.Wrap(apierr.Internal, err, "delete content %s", dgst)
	}
	return nil
}
