package storage

import (
	"github.com/keelhost/keel/pkg/types"
)

// Store defines the interface for keel's persisted resource directory
// tree: networks, containers, volumes and
// images, each keyed by id.
type Store interface {
	// Networks
	CreateNetwork(network *types.NetworkState) error
	GetNetwork(id string) (*types.NetworkState, error)
	ListNetworks() ([]*types.NetworkState, error)
	UpdateNetwork(network *types.NetworkState) error
	DeleteNetwork(id string) error

	// Containers
	CreateContainer(container *types.Container) error
	GetContainer(id string) (*types.Container, error)
	ListContainers() ([]*types.Container, error)
	UpdateContainer(container *types.Container) error
	DeleteContainer(id string) error

	// Volumes
	CreateVolume(volume *types.Volume) error
	GetVolume(name string) (*types.Volume, error)
	ListVolumes() ([]*types.Volume, error)
	DeleteVolume(name string) error

	// Images
	CreateImage(image *types.Image) error
	GetImage(ref string) (*types.Image, error)
	ListImages() ([]*types.Image, error)
	DeleteImage(ref string) error

	// Utility
	Close() error
}
