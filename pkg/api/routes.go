package api

import (
	"context"
	"encoding/json"
	"os"
	"strconv"
	"time"

	"github.com/keelhost/keel/pkg/apierr"
	"github.com/keelhost/keel/pkg/build"
	"github.com/keelhost/keel/pkg/container"
	"github.com/keelhost/keel/pkg/image"
	"github.com/keelhost/keel/pkg/netalloc"
	"github.com/keelhost/keel/pkg/rpc"
	"github.com/keelhost/keel/pkg/types"
	"github.com/keelhost/keel/pkg/volume"
)

// Well-known route names, one per service operation.
const (
	RouteContainerCreate = "container.create"
	RouteContainerStart  = "container.start"
	RouteContainerStop   = "container.stop"
	RouteContainerDelete = "container.delete"
	RouteContainerGet    = "container.get"
	RouteContainerList   = "container.list"
	RouteContainerLogs   = "container.logs"

	RouteNetworkCreate = "network.create"
	RouteNetworkDelete = "network.delete"
	RouteNetworkList   = "network.list"

	RouteVolumeCreate = "volume.create"
	RouteVolumeDelete = "volume.delete"
	RouteVolumeGet    = "volume.get"
	RouteVolumeList   = "volume.list"

	RouteImageCommit = "image.commit"
	RouteImageGet    = "image.get"
	RouteImageList   = "image.list"
	RouteImageDelete = "image.delete"
	RouteImageTag    = "image.tag"
	RouteImageExport = "image.export"

	RouteBuilderPrune = "builder.prune"
)

// nameFieldKey carries a volume's name for routes keyed by name rather
// than by the generic rpc.KeyID (a volume has no generated id; its name is
// its identity).
const nameFieldKey = "name"

// driverFieldKey carries the volume driver name on create; empty defaults
// to "local" in volume.Service.Create.
const driverFieldKey = "driver"

// timeoutFieldKey carries Stop's grace period, encoded as a Go duration
// string (e.g. "10s"); forceFieldKey carries Delete's force flag as "true"
// or absent.
const (
	timeoutFieldKey = "timeout"
	forceFieldKey   = "force"
)

// refFieldKey carries an image ref (or ref/digest-prefix on lookup routes);
// targetRefFieldKey carries image.tag's destination ref; pathFieldKey
// carries image.export's host-side output path — a local single-host
// platform's CLI and daemon share a filesystem, so the export tar is
// written there directly instead of being framed through the 16 MiB RPC
// message bound.
const (
	refFieldKey       = "ref"
	targetRefFieldKey = "target"
	pathFieldKey      = "path"
)

// RegisterContainerRoutes wires the container lifecycle operations onto
// srv. Route handlers marshal/unmarshal
// rpc.KeyConfigBlob/rpc.KeyStateBlob as JSON, since pkg/rpc's Message is a
// thin typed-field dictionary rather than a schema-aware codec.
func RegisterContainerRoutes(srv *Server, svc *container.Service) {
	srv.Handle(RouteContainerCreate, func(ctx context.Context, req *rpc.Message) (*rpc.Message, error) {
		blob, ok := req.GetBytes(rpc.KeyConfigBlob)
		if !ok {
			return nil, apierr.New(apierr.InvalidArgument, "missing container config")
		}
		var cfg types.ContainerConfig
		if err := json.Unmarshal(blob, &cfg); err != nil {
			return nil, apierr.Wrap(apierr.InvalidArgument, err, "decode container config")
		}
		c, err := svc.Create(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return containerStateResponse(req, c)
	})

	srv.Handle(RouteContainerStart, func(ctx context.Context, req *rpc.Message) (*rpc.Message, error) {
		id, err := resolveContainer(req, svc)
		if err != nil {
			return nil, err
		}
		if err := svc.Start(ctx, id); err != nil {
			return nil, err
		}
		return rpc.NewMessage(req.Route, req.ReplyTo), nil
	})

	srv.Handle(RouteContainerStop, func(ctx context.Context, req *rpc.Message) (*rpc.Message, error) {
		id, err := resolveContainer(req, svc)
		if err != nil {
			return nil, err
		}
		var timeout time.Duration
		if s, ok := req.GetString(timeoutFieldKey); ok {
			d, err := time.ParseDuration(s)
			if err != nil {
				return nil, apierr.Wrap(apierr.InvalidArgument, err, "parse timeout")
			}
			timeout = d
		}
		if err := svc.Stop(ctx, id, timeout); err != nil {
			return nil, err
		}
		return rpc.NewMessage(req.Route, req.ReplyTo), nil
	})

	srv.Handle(RouteContainerDelete, func(ctx context.Context, req *rpc.Message) (*rpc.Message, error) {
		id, err := resolveContainer(req, svc)
		if err != nil {
			return nil, err
		}
		force, _ := req.GetString(forceFieldKey)
		if err := svc.Delete(ctx, id, force == "true"); err != nil {
			return nil, err
		}
		return rpc.NewMessage(req.Route, req.ReplyTo), nil
	})

	srv.Handle(RouteContainerGet, func(ctx context.Context, req *rpc.Message) (*rpc.Message, error) {
		id, err := resolveContainer(req, svc)
		if err != nil {
			return nil, err
		}
		c, err := svc.Get(id)
		if err != nil {
			return nil, err
		}
		return containerStateResponse(req, c)
	})

	srv.Handle(RouteContainerLogs, func(ctx context.Context, req *rpc.Message) (*rpc.Message, error) {
		id, err := resolveContainer(req, svc)
		if err != nil {
			return nil, err
		}
		history, err := svc.Logs(id)
		if err != nil {
			return nil, err
		}
		resp := rpc.NewMessage(req.Route, req.ReplyTo)
		resp.SetBytes(rpc.KeyStateBlob, history)
		return resp, nil
	})

	srv.Handle(RouteContainerList, func(ctx context.Context, req *rpc.Message) (*rpc.Message, error) {
		list, err := svc.ListContainers()
		if err != nil {
			return nil, err
		}
		blob, err := json.Marshal(list)
		if err != nil {
			return nil, apierr.Wrap(apierr.Internal, err, "encode container list")
		}
		resp := rpc.NewMessage(req.Route, req.ReplyTo)
		resp.SetBytes(rpc.KeyStateBlob, blob)
		return resp, nil
	})
}

// RegisterNetworkRoutes wires network create/delete/list onto srv.
func RegisterNetworkRoutes(srv *Server, svc *netalloc.Service) {
	srv.Handle(RouteNetworkCreate, func(ctx context.Context, req *rpc.Message) (*rpc.Message, error) {
		blob, ok := req.GetBytes(rpc.KeyConfigBlob)
		if !ok {
			return nil, apierr.New(apierr.InvalidArgument, "missing network config")
		}
		var cfg types.NetworkConfiguration
		if err := json.Unmarshal(blob, &cfg); err != nil {
			return nil, apierr.Wrap(apierr.InvalidArgument, err, "decode network config")
		}
		state, err := svc.Create(ctx, cfg)
		if err != nil {
			return nil, err
		}
		out, err := json.Marshal(state)
		if err != nil {
			return nil, apierr.Wrap(apierr.Internal, err, "encode network state")
		}
		resp := rpc.NewMessage(req.Route, req.ReplyTo)
		resp.SetBytes(rpc.KeyStateBlob, out)
		return resp, nil
	})

	srv.Handle(RouteNetworkDelete, func(ctx context.Context, req *rpc.Message) (*rpc.Message, error) {
		id, ok := req.GetString(rpc.KeyID)
		if !ok {
			return nil, apierr.New(apierr.InvalidArgument, "missing network id")
		}
		if err := svc.Delete(ctx, id); err != nil {
			return nil, err
		}
		return rpc.NewMessage(req.Route, req.ReplyTo), nil
	})

	srv.Handle(RouteNetworkList, func(ctx context.Context, req *rpc.Message) (*rpc.Message, error) {
		list, err := svc.ListNetworks()
		if err != nil {
			return nil, err
		}
		blob, err := json.Marshal(list)
		if err != nil {
			return nil, apierr.Wrap(apierr.Internal, err, "encode network list")
		}
		resp := rpc.NewMessage(req.Route, req.ReplyTo)
		resp.SetBytes(rpc.KeyStateBlob, blob)
		return resp, nil
	})
}

// RegisterVolumeRoutes wires volume create/delete/get/list onto srv.
func RegisterVolumeRoutes(srv *Server, svc *volume.Service) {
	srv.Handle(RouteVolumeCreate, func(ctx context.Context, req *rpc.Message) (*rpc.Message, error) {
		name, ok := req.GetString(nameFieldKey)
		if !ok {
			return nil, apierr.New(apierr.InvalidArgument, "missing volume name")
		}
		driver, _ := req.GetString(driverFieldKey)
		vol, err := svc.Create(name, driver, nil)
		if err != nil {
			return nil, err
		}
		return volumeStateResponse(req, vol)
	})

	srv.Handle(RouteVolumeDelete, func(ctx context.Context, req *rpc.Message) (*rpc.Message, error) {
		name, ok := req.GetString(nameFieldKey)
		if !ok {
			return nil, apierr.New(apierr.InvalidArgument, "missing volume name")
		}
		if err := svc.Delete(name); err != nil {
			return nil, err
		}
		return rpc.NewMessage(req.Route, req.ReplyTo), nil
	})

	srv.Handle(RouteVolumeGet, func(ctx context.Context, req *rpc.Message) (*rpc.Message, error) {
		name, ok := req.GetString(nameFieldKey)
		if !ok {
			return nil, apierr.New(apierr.InvalidArgument, "missing volume name")
		}
		vol, err := svc.Get(name)
		if err != nil {
			return nil, err
		}
		return volumeStateResponse(req, vol)
	})

	srv.Handle(RouteVolumeList, func(ctx context.Context, req *rpc.Message) (*rpc.Message, error) {
		list, err := svc.List()
		if err != nil {
			return nil, err
		}
		blob, err := json.Marshal(list)
		if err != nil {
			return nil, apierr.Wrap(apierr.Internal, err, "encode volume list")
		}
		resp := rpc.NewMessage(req.Route, req.ReplyTo)
		resp.SetBytes(rpc.KeyStateBlob, blob)
		return resp, nil
	})
}

// RegisterImageRoutes wires image commit/get/list/delete/tag/export onto
// srv.
func RegisterImageRoutes(srv *Server, svc *image.Service) {
	srv.Handle(RouteImageCommit, func(ctx context.Context, req *rpc.Message) (*rpc.Message, error) {
		snapshotID, ok := req.GetString(rpc.KeyID)
		if !ok {
			return nil, apierr.New(apierr.InvalidArgument, "missing snapshot id")
		}
		ref, ok := req.GetString(refFieldKey)
		if !ok {
			return nil, apierr.New(apierr.InvalidArgument, "missing image ref")
		}
		var cfg types.ImageConfig
		if blob, ok := req.GetBytes(rpc.KeyConfigBlob); ok {
			if err := json.Unmarshal(blob, &cfg); err != nil {
				return nil, apierr.Wrap(apierr.InvalidArgument, err, "decode image config")
			}
		}
		img, err := svc.Commit(ctx, snapshotID, ref, cfg, nil)
		if err != nil {
			return nil, err
		}
		return imageStateResponse(req, img)
	})

	srv.Handle(RouteImageGet, func(ctx context.Context, req *rpc.Message) (*rpc.Message, error) {
		ref, ok := req.GetString(refFieldKey)
		if !ok {
			return nil, apierr.New(apierr.InvalidArgument, "missing image ref")
		}
		img, err := svc.Get(ref)
		if err != nil {
			return nil, err
		}
		return imageStateResponse(req, img)
	})

	srv.Handle(RouteImageList, func(ctx context.Context, req *rpc.Message) (*rpc.Message, error) {
		list, err := svc.List()
		if err != nil {
			return nil, err
		}
		blob, err := json.Marshal(list)
		if err != nil {
			return nil, apierr.Wrap(apierr.Internal, err, "encode image list")
		}
		resp := rpc.NewMessage(req.Route, req.ReplyTo)
		resp.SetBytes(rpc.KeyStateBlob, blob)
		return resp, nil
	})

	srv.Handle(RouteImageDelete, func(ctx context.Context, req *rpc.Message) (*rpc.Message, error) {
		ref, ok := req.GetString(refFieldKey)
		if !ok {
			return nil, apierr.New(apierr.InvalidArgument, "missing image ref")
		}
		if err := svc.Delete(ref); err != nil {
			return nil, err
		}
		return rpc.NewMessage(req.Route, req.ReplyTo), nil
	})

	srv.Handle(RouteImageTag, func(ctx context.Context, req *rpc.Message) (*rpc.Message, error) {
		src, ok := req.GetString(refFieldKey)
		if !ok {
			return nil, apierr.New(apierr.InvalidArgument, "missing image ref")
		}
		dst, ok := req.GetString(targetRefFieldKey)
		if !ok {
			return nil, apierr.New(apierr.InvalidArgument, "missing target ref")
		}
		img, err := svc.Tag(src, dst)
		if err != nil {
			return nil, err
		}
		return imageStateResponse(req, img)
	})

	srv.Handle(RouteImageExport, func(ctx context.Context, req *rpc.Message) (*rpc.Message, error) {
		ref, ok := req.GetString(refFieldKey)
		if !ok {
			return nil, apierr.New(apierr.InvalidArgument, "missing image ref")
		}
		path, ok := req.GetString(pathFieldKey)
		if !ok {
			return nil, apierr.New(apierr.InvalidArgument, "missing export path")
		}
		f, err := os.Create(path)
		if err != nil {
			return nil, apierr.Wrap(apierr.InvalidArgument, err, "create export file %s", path)
		}
		defer f.Close()
		if err := svc.Export(ctx, ref, f); err != nil {
			return nil, err
		}
		resp := rpc.NewMessage(req.Route, req.ReplyTo)
		resp.SetString(pathFieldKey, path)
		return resp, nil
	})
}

// maxBytesFieldKey and ttlFieldKey parameterize builder.prune: a decimal
// byte budget and a Go duration string. Zero/absent disables the
// corresponding eviction axis.
const (
	maxBytesFieldKey = "max_bytes"
	ttlFieldKey      = "ttl"
	countFieldKey    = "count"
)

// RegisterBuildRoutes wires the build cache maintenance surface onto srv.
// Build execution itself is driven in-process by whichever frontend owns
// the DAG (the compose/Dockerfile parser is an external collaborator); the
// daemon's RPC surface only manages the shared cache.
func RegisterBuildRoutes(srv *Server, cache *build.Cache) {
	srv.Handle(RouteBuilderPrune, func(ctx context.Context, req *rpc.Message) (*rpc.Message, error) {
		var maxBytes int64
		if s, ok := req.GetString(maxBytesFieldKey); ok {
			n, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return nil, apierr.Wrap(apierr.InvalidArgument, err, "parse max_bytes")
			}
			maxBytes = n
		}
		var ttl time.Duration
		if s, ok := req.GetString(ttlFieldKey); ok {
			d, err := time.ParseDuration(s)
			if err != nil {
				return nil, apierr.Wrap(apierr.InvalidArgument, err, "parse ttl")
			}
			ttl = d
		}
		evicted, err := cache.Prune(ctx, maxBytes, ttl)
		if err != nil {
			return nil, err
		}
		resp := rpc.NewMessage(req.Route, req.ReplyTo)
		resp.SetString(countFieldKey, strconv.Itoa(evicted))
		return resp, nil
	})
}

// resolveContainer reads the id field and resolves partial-ID prefixes
// through the container service, so every id-keyed route accepts the same
// references the CLI surface promises (exact id, unique prefix).
func resolveContainer(req *rpc.Message, svc *container.Service) (string, error) {
	id, ok := req.GetString(rpc.KeyID)
	if !ok {
		return "", apierr.New(apierr.InvalidArgument, "missing container id")
	}
	return svc.Resolve(id)
}

func imageStateResponse(req *rpc.Message, img *types.Image) (*rpc.Message, error) {
	blob, err := json.Marshal(img)
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, err, "encode image state")
	}
	resp := rpc.NewMessage(req.Route, req.ReplyTo)
	resp.SetBytes(rpc.KeyStateBlob, blob)
	return resp, nil
}

func volumeStateResponse(req *rpc.Message, v *types.Volume) (*rpc.Message, error) {
	blob, err := json.Marshal(v)
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, err, "encode volume state")
	}
	resp := rpc.NewMessage(req.Route, req.ReplyTo)
	resp.SetBytes(rpc.KeyStateBlob, blob)
	return resp, nil
}

func containerStateResponse(req *rpc.Message, c *types.Container) (*rpc.Message, error) {
	blob, err := json.Marshal(c)
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, err, "encode container state")
	}
	resp := rpc.NewMessage(req.Route, req.ReplyTo)
	resp.SetBytes(rpc.KeyStateBlob, blob)
	return resp, nil
}
