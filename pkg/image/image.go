// Package image implements the image service behind the "images",
// "commit", "export" and "registry" surfaces: it turns committed snapshots
// into OCI manifests in the content store, persists the image records that
// reference them, and exports an image's full layer chain as an OCI image
// layout tarball. Registry transport itself is an external collaborator;
// this package only manages what is already present locally.
package image

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
	specs "github.com/opencontainers/image-spec/specs-go"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/rs/zerolog"

	"github.com/keelhost/keel/pkg/apierr"
	"github.com/keelhost/keel/pkg/contentstore"
	"github.com/keelhost/keel/pkg/idmatch"
	"github.com/keelhost/keel/pkg/log"
	"github.com/keelhost/keel/pkg/snapshot"
	"github.com/keelhost/keel/pkg/storage"
	"github.com/keelhost/keel/pkg/types"
)

// ContainerLister is the narrow view of the container service Delete uses
// for its in-use check, the same seam pkg/netalloc and pkg/volume use.
type ContainerLister interface {
	ListContainers() ([]*types.Container, error)
}

// Service is keel's image service.
type Service struct {
	store      storage.Store
	snap       *snapshot.Snapshotter
	cs         *contentstore.Store
	containers ContainerLister
	log        zerolog.Logger
}

// New creates an image Service over the shared store, snapshotter and
// content store. containers may be nil at construction and wired in with
// SetContainerLister once the container service exists, the same two-phase
// pattern pkg/netalloc and pkg/volume use.
func New(store storage.Store, snap *snapshot.Snapshotter, cs *contentstore.Store, containers ContainerLister) *Service {
	return &Service{
		store:      store,
		snap:       snap,
		cs:         cs,
		containers: containers,
		log:        log.WithComponent("image"),
	}
}

// SetContainerLister wires the container service's lister in once it
// exists.
func (s *Service) SetContainerLister(containers ContainerLister) {
	s.containers = containers
}

// Commit turns the prepared snapshot snapshotID into a committed image
// named ref: the snapshotter commits the snapshot (producing its DiffKey'd
// layer), and the resulting layer chain is written out as an OCI config
// plus manifest in the content store. The manifest digest becomes the
// image's content digest.
func (s *Service) Commit(ctx context.Context, snapshotID, ref string, cfg types.ImageConfig, labels map[string]string) (*types.Image, error) {
	if ref == "" {
		return nil, apierr.New(apierr.InvalidArgument, "image ref is required")
	}
	if _, err := s.store.GetImage(ref); err == nil {
		return nil, apierr.New(apierr.Exists, "image %s already exists", ref)
	}

	committed, err := s.snap.Commit(ctx, snapshotID)
	if err != nil {
		return nil, err
	}

	layers, err := s.snap.LayerChain(committed.Digest)
	if err != nil {
		return nil, err
	}

	configDesc, err := s.writeConfig(ctx, cfg, layers)
	if err != nil {
		return nil, err
	}

	manifest := ocispec.Manifest{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: ocispec.MediaTypeImageManifest,
		Config:    configDesc,
		Layers:    layers,
	}
	manifestDigest, err := s.putJSON(ctx, manifest)
	if err != nil {
		return nil, err
	}

	img := &types.Image{
		Ref:           ref,
		ContentDigest: manifestDigest.String(),
		TopSnapshot:   committed.Digest,
		Config:        cfg,
		Labels:        labels,
		CreatedAt:     time.Now(),
	}
	if err := s.store.CreateImage(img); err != nil {
		return nil, apierr.Wrap(apierr.Internal, err, "persist image %s", ref)
	}

	s.log.Info().Str("ref", ref).Str("digest", img.ContentDigest).Int("layers", len(layers)).Msg("committed image")
	return img, nil
}

// writeConfig stores the OCI image config blob for cfg over the given
// layer chain and returns its descriptor.
func (s *Service) writeConfig(ctx context.Context, cfg types.ImageConfig, layers []ocispec.Descriptor) (ocispec.Descriptor, error) {
	diffIDs := make([]digest.Digest, len(layers))
	for i, l := range layers {
		diffIDs[i] = l.Digest
	}

	env := make([]string, 0, len(cfg.Env))
	for k, v := range cfg.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)

	ociCfg := ocispec.Image{
		Config: ocispec.ImageConfig{
			Env:        env,
			Entrypoint: cfg.Entrypoint,
			Cmd:        cfg.Cmd,
			WorkingDir: cfg.WorkingDir,
		},
		RootFS: ocispec.RootFS{Type: "layers", DiffIDs: diffIDs},
	}

	raw, err := json.Marshal(ociCfg)
	if err != nil {
		return ocispec.Descriptor{}, apierr.Wrap(apierr.Internal, err, "marshal image config")
	}
	dgst, size, err := s.cs.Put(ctx, bytes.NewReader(raw))
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	return ocispec.Descriptor{
		MediaType: ocispec.MediaTypeImageConfig,
		Digest:    dgst,
		Size:      size,
	}, nil
}

func (s *Service) putJSON(ctx context.Context, v any) (digest.Digest, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", apierr.Wrap(apierr.Internal, err, "marshal manifest")
	}
	dgst, _, err := s.cs.Put(ctx, bytes.NewReader(raw))
	return dgst, err
}

// Get resolves refOrID to one image record. An exact ref always wins;
// otherwise refOrID is treated as a prefix of the image's content digest
// hex, resolved under the partial-ID matching rules.
func (s *Service) Get(refOrID string) (*types.Image, error) {
	images, err := s.store.ListImages()
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, err, "list images")
	}
	for _, img := range images {
		if img.Ref == refOrID {
			return img, nil
		}
	}

	byHex := make(map[string]*types.Image, len(images))
	hexes := make([]string, 0, len(images))
	for _, img := range images {
		hex := strings.TrimPrefix(img.ContentDigest, "sha256:")
		byHex[hex] = img
		hexes = append(hexes, hex)
	}
	hex, err := idmatch.Resolve(refOrID, "image", hexes)
	if err != nil {
		return nil, err
	}
	return byHex[hex], nil
}

// List returns all image records, ordered by ref.
func (s *Service) List() ([]*types.Image, error) {
	images, err := s.store.ListImages()
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, err, "list images")
	}
	sort.Slice(images, func(i, j int) bool { return images[i].Ref < images[j].Ref })
	return images, nil
}

// Tag records dst as a second ref for the image src resolves to. Both refs
// share the same manifest and snapshot chain.
func (s *Service) Tag(src, dst string) (*types.Image, error) {
	if dst == "" {
		return nil, apierr.New(apierr.InvalidArgument, "target ref is required")
	}
	if _, err := s.store.GetImage(dst); err == nil {
		return nil, apierr.New(apierr.Exists, "image %s already exists", dst)
	}
	img, err := s.Get(src)
	if err != nil {
		return nil, err
	}
	tagged := *img
	tagged.Ref = dst
	tagged.CreatedAt = time.Now()
	if err := s.store.CreateImage(&tagged); err != nil {
		return nil, apierr.Wrap(apierr.Internal, err, "persist image %s", dst)
	}
	return &tagged, nil
}

// Delete removes the image record refOrID resolves to. A container still
// referencing the image keeps it in place. Layer blobs stay in the content
// store; they are shared with the build cache and reference-managed there.
func (s *Service) Delete(refOrID string) error {
	img, err := s.Get(refOrID)
	if err != nil {
		return err
	}
	if s.containers != nil {
		list, err := s.containers.ListContainers()
		if err != nil {
			return apierr.Wrap(apierr.Internal, err, "list containers")
		}
		for _, c := range list {
			if c.Config.Image == img.Ref {
				return apierr.New(apierr.InvalidState, "image %s is in use by container %s", img.Ref, c.ID)
			}
		}
	}
	return s.store.DeleteImage(img.Ref)
}

// Export writes the image refOrID resolves to as an OCI image layout
// tarball: oci-layout marker, index.json pointing at the manifest, and one
// blob file per manifest/config/layer.
func (s *Service) Export(ctx context.Context, refOrID string, w io.Writer) error {
	img, err := s.Get(refOrID)
	if err != nil {
		return err
	}

	manifestDigest, err := digest.Parse(img.ContentDigest)
	if err != nil {
		return apierr.Wrap(apierr.Corruption, err, "image %s has malformed content digest", img.Ref)
	}
	manifestSize, err := s.cs.Size(manifestDigest)
	if err != nil {
		return err
	}

	var manifest ocispec.Manifest
	if err := s.readJSON(manifestDigest, &manifest); err != nil {
		return err
	}

	tw := tar.NewWriter(w)
	layout, _ := json.Marshal(ocispec.ImageLayout{Version: ocispec.ImageLayoutVersion})
	if err := writeTarFile(tw, ocispec.ImageLayoutFile, layout); err != nil {
		return err
	}

	index := ocispec.Index{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: ocispec.MediaTypeImageIndex,
		Manifests: []ocispec.Descriptor{{
			MediaType:   ocispec.MediaTypeImageManifest,
			Digest:      manifestDigest,
			Size:        manifestSize,
			Annotations: map[string]string{ocispec.AnnotationRefName: img.Ref},
		}},
	}
	rawIndex, err := json.Marshal(index)
	if err != nil {
		return apierr.Wrap(apierr.Internal, err, "marshal index")
	}
	if err := writeTarFile(tw, "index.json", rawIndex); err != nil {
		return err
	}

	blobs := append([]ocispec.Descriptor{
		{Digest: manifestDigest, Size: manifestSize},
		manifest.Config,
	}, manifest.Layers...)
	for _, desc := range blobs {
		if err := s.writeBlob(tw, desc); err != nil {
			return err
		}
	}
	return tw.Close()
}

func (s *Service) readJSON(dgst digest.Digest, v any) error {
	rc, err := s.cs.Open(dgst)
	if err != nil {
		return err
	}
	defer rc.Close()
	if err := json.NewDecoder(rc).Decode(v); err != nil {
		return apierr.Wrap(apierr.Corruption, err, "decode blob %s", dgst)
	}
	return nil
}

func (s *Service) writeBlob(tw *tar.Writer, desc ocispec.Descriptor) error {
	rc, err := s.cs.Open(desc.Digest)
	if err != nil {
		return err
	}
	defer rc.Close()

	name := fmt.Sprintf("blobs/%s/%s", desc.Digest.Algorithm(), desc.Digest.Encoded())
	if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0o444, Size: desc.Size}); err != nil {
		return apierr.Wrap(apierr.Internal, err, "write tar header for %s", name)
	}
	if _, err := io.Copy(tw, rc); err != nil {
		return apierr.Wrap(apierr.Internal, err, "write blob %s", name)
	}
	return nil
}

func writeTarFile(tw *tar.Writer, name string, data []byte) error {
	if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(data))}); err != nil {
		return apierr.Wrap(apierr.Internal, err, "write tar header for %s", name)
	}
	if _, err := tw.Write(data); err != nil {
		return apierr.Wrap(apierr.Internal, err, "write %s", name)
	}
	return nil
}
