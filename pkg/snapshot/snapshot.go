// Package snapshot implements the prepare/commit/remove lifecycle over
// plain directories, backed by pkg/contentstore for committed layer blobs
// and pkg/differ for the diff/apply logic.
package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/keelhost/keel/pkg/apierr"
	"github.com/keelhost/keel/pkg/contentstore"
	"github.com/keelhost/keel/pkg/diffkey"
	"github.com/keelhost/keel/pkg/differ"
	"github.com/keelhost/keel/pkg/log"
	"github.com/keelhost/keel/pkg/types"
)

// committedRecord is what Snapshotter persists for a committed snapshot: its
// Snapshot record plus the OCI descriptor of the layer the differ produced.
type committedRecord struct {
	snapshot types.Snapshot
	layer    ocispec.Descriptor
}

// Snapshotter manages prepared/committed snapshot state rooted at a single
// data directory. It is safe for concurrent use.
type Snapshotter struct {
	root string
	cs   *contentstore.Store
	log  zerolog.Logger

	mu        sync.Mutex
	prepared  map[string]types.Snapshot
	committed map[string]committedRecord

	materializeOnce sync.Map // digest -> *sync.Once, logs only the first materialization per parent
}

// New opens a Snapshotter rooted at <dataDir>/snapshots.
func New(dataDir string, cs *contentstore.Store) (*Snapshotter, error) {
	root := filepath.Join(dataDir, "snapshots")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, apierr.Wrap(apierr.Internal, err, "create snapshot root")
	}
	return &Snapshotter{
		root:      root,
		cs:        cs,
		log:       log.WithComponent("snapshot"),
		prepared:  make(map[string]types.Snapshot),
		committed: make(map[string]committedRecord),
	}, nil
}

func (s *Snapshotter) mountpoint(id string) string {
	return filepath.Join(s.root, "active", id)
}

// Prepare creates (or reuses) a working directory for id. If parent is a
// committed snapshot, its full layer chain is applied into the mountpoint
// on every call. Nothing is cached between calls, and concurrent callers
// for the same parent each apply the chain themselves.
func (s *Snapshotter) Prepare(ctx context.Context, id, parent string) (types.Snapshot, error) {
	mp := s.mountpoint(id)
	if _, err := os.Stat(mp); os.IsNotExist(err) {
		if err := os.MkdirAll(mp, 0o755); err != nil {
			return types.Snapshot{}, apierr.Wrap(apierr.Internal, err, "create mountpoint for %s", id)
		}
	}

	if parent != "" {
		if err := s.materializeChain(ctx, parent, mp); err != nil {
			return types.Snapshot{}, err
		}
	}

	snap := types.Snapshot{
		Digest:     id,
		Parent:     parent,
		State:      types.SnapshotPrepared,
		Mountpoint: mp,
	}

	s.mu.Lock()
	s.prepared[id] = snap
	s.mu.Unlock()
	return snap, nil
}

// materializeChain applies parentDigest's full layer chain (base-to-derived)
// onto dest. Every call re-applies each layer; no materialized base is
// cached for repeat prepares against the same parent.
func (s *Snapshotter) materializeChain(ctx context.Context, parentDigest, dest string) error {
	onceVal, _ := s.materializeOnce.LoadOrStore(parentDigest, &sync.Once{})
	once := onceVal.(*sync.Once)

	var chain []ocispec.Descriptor
	digest := parentDigest
	for digest != "" {
		s.mu.Lock()
		rec, ok := s.committed[digest]
		s.mu.Unlock()
		if !ok {
			return apierr.New(apierr.NotFound, "committed snapshot %s not found", digest)
		}
		chain = append([]ocispec.Descriptor{rec.layer}, chain...)
		digest = rec.snapshot.Parent
	}

	var applyErr error
	once.Do(func() {
		s.log.Debug().Str("parent", parentDigest).Msg("materializing layer chain")
	})

	for _, desc := range chain {
		if err := differ.Apply(ctx, dest, desc, s.cs); err != nil {
			applyErr = err
			break
		}
	}
	return applyErr
}

// Commit diffs the prepared snapshot against its parent, stores the
// resulting layer, computes its DiffKey, and transitions the snapshot to
// committed. The mountpoint is removed afterward since committed snapshots
// are immutable and have no live working directory.
func (s *Snapshotter) Commit(ctx context.Context, id string) (types.Snapshot, error) {
	s.mu.Lock()
	snap, ok := s.prepared[id]
	s.mu.Unlock()
	if !ok {
		return types.Snapshot{}, apierr.New(apierr.NotFound, "no prepared snapshot %s", id)
	}

	var parentMountpoint string
	if snap.Parent != "" {
		parentMP := s.mountpoint(snap.Parent + ".base")
		if err := s.materializeChain(ctx, snap.Parent, parentMP); err != nil {
			return types.Snapshot{}, err
		}
		parentMountpoint = parentMP
	}

	changes, err := differ.Compare(parentMountpoint, snap.Mountpoint)
	if err != nil {
		return types.Snapshot{}, err
	}

	desc, err := differ.Diff(ctx, snap.Mountpoint, changes, s.cs, differ.DiffOptions{Compression: differ.CompressionGzip})
	if err != nil {
		return types.Snapshot{}, err
	}

	key := diffkey.Compute(snap.Parent, changes)

	size, err := s.cs.Size(desc.Digest)
	if err != nil {
		return types.Snapshot{}, err
	}

	committed := types.Snapshot{
		Digest:  key,
		Parent:  snap.Parent,
		Size:    size,
		State:   types.SnapshotCommitted,
		DiffKey: key,
	}

	s.mu.Lock()
	s.committed[key] = committedRecord{snapshot: committed, layer: desc}
	delete(s.prepared, id)
	s.mu.Unlock()

	if err := os.RemoveAll(snap.Mountpoint); err != nil {
		s.log.Warn().Err(err).Str("id", id).Msg("failed to unlink prepared mountpoint after commit")
	}
	return committed, nil
}

// Remove deletes a prepared snapshot's working directory. It is not valid
// for committed snapshots, which are reference-managed by the build cache
// (pkg/build) and content store instead.
func (s *Snapshotter) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	snap, ok := s.prepared[id]
	if ok {
		delete(s.prepared, id)
	}
	s.mu.Unlock()
	if !ok {
		return apierr.New(apierr.InvalidState, "snapshot %s is not prepared", id)
	}
	if err := os.RemoveAll(snap.Mountpoint); err != nil {
		return apierr.Wrap(apierr.Internal, err, "remove mountpoint for %s", id)
	}
	return nil
}

// LayerChain returns the OCI layer descriptors backing a committed
// snapshot, ordered base-to-derived — the order differ.Apply consumes and
// an image export emits them in.
func (s *Snapshotter) LayerChain(dgst string) ([]ocispec.Descriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var chain []ocispec.Descriptor
	for dgst != "" {
		rec, ok := s.committed[dgst]
		if !ok {
			return nil, apierr.New(apierr.NotFound, "committed snapshot %s not found", dgst)
		}
		chain = append([]ocispec.Descriptor{rec.layer}, chain...)
		dgst = rec.snapshot.Parent
	}
	return chain, nil
}

// Get returns the snapshot record for digest, checking prepared state first
// then committed state.
func (s *Snapshotter) Get(digest string) (types.Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if snap, ok := s.prepared[digest]; ok {
		return snap, true
	}
	if rec, ok := s.committed[digest]; ok {
		return rec.snapshot, true
	}
	return types.Snapshot{}, false
}
