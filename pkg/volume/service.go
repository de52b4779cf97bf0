package volume

import (
	"time"

	"github.com/keelhost/keel/pkg/apierr"
	"github.com/keelhost/keel/pkg/storage"
	"github.com/keelhost/keel/pkg/types"
)

// ContainerLister is the narrow view pkg/container exposes so Delete can
// check for volumes still mounted by a container, the same seam
// pkg/netalloc uses for its own in-use check before a network delete.
type ContainerLister interface {
	ListContainers() ([]*types.Container, error)
}

// Service is keel's volume lifecycle service: it persists types.Volume
// records in storage.Store and drives the VolumeManager's drivers to
// actually create/remove the backing directory. Its Delete performs the
// still-attached check that VolumeManager.DeleteVolume itself does not.
type Service struct {
	store     storage.Store
	manager   *VolumeManager
	containers ContainerLister
}

// New creates a volume Service. containers may be nil at construction and
// wired in afterward with SetContainerLister, mirroring pkg/netalloc's
// two-phase wiring for the same reason: pkg/container needs a volume
// Service to exist before it can offer itself as the lister.
func New(store storage.Store, manager *VolumeManager, containers ContainerLister) *Service {
	return &Service{store: store, manager: manager, containers: containers}
}

// SetContainerLister wires the container service's lister in once it
// exists.
func (s *Service) SetContainerLister(containers ContainerLister) {
	s.containers = containers
}

// Create persists a new volume record and creates its backing directory.
func (s *Service) Create(name, driver string, labels map[string]string) (*types.Volume, error) {
	if name == "" {
		return nil, apierr.New(apierr.InvalidArgument, "volume name is required")
	}
	if _, err := s.store.GetVolume(name); err == nil {
		return nil, apierr.New(apierr.Exists, "volume %s already exists", name)
	}
	if driver == "" {
		driver = "local"
	}

	vol := &types.Volume{Name: name, Driver: driver, Labels: labels, CreatedAt: time.Now()}
	if err := s.manager.CreateVolume(vol); err != nil {
		return nil, apierr.Wrap(apierr.Internal, err, "create volume %s", name)
	}
	if err := s.store.CreateVolume(vol); err != nil {
		return nil, apierr.Wrap(apierr.Internal, err, "persist volume %s", name)
	}
	return vol, nil
}

// Get returns one volume record by name.
func (s *Service) Get(name string) (*types.Volume, error) {
	vol, err := s.store.GetVolume(name)
	if err != nil {
		return nil, apierr.Wrap(apierr.NotFound, err, "volume %s", name)
	}
	return vol, nil
}

// List returns every volume record.
func (s *Service) List() ([]*types.Volume, error) {
	return s.store.ListVolumes()
}

// Delete removes a volume's record and backing directory, refusing if any
// container still mounts it.
func (s *Service) Delete(name string) error {
	vol, err := s.store.GetVolume(name)
	if err != nil {
		return apierr.Wrap(apierr.NotFound, err, "volume %s", name)
	}

	if s.containers != nil {
		containers, err := s.containers.ListContainers()
		if err != nil {
			return apierr.Wrap(apierr.Internal, err, "list containers")
		}
		for _, c := range containers {
			for _, m := range c.Config.VolumeMounts {
				if m.VolumeName == name {
					return apierr.New(apierr.InvalidState, "volume %s is mounted by container %s", name, c.ID)
				}
			}
		}
	}

	if err := s.manager.DeleteVolume(vol); err != nil {
		return apierr.Wrap(apierr.Internal, err, "delete volume %s directory", name)
	}
	return s.store.DeleteVolume(name)
}
