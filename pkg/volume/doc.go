/*
Package volume provides volume lifecycle management for keel containers.

It implements a pluggable driver system for persistent storage, with a
local directory driver as the only built-in implementation: each volume
is a directory under DefaultVolumesPath, bind-mounted into containers
that reference it by name.

# Architecture

	VolumeManager
	    │ routes by types.Volume.Driver
	    ▼
	VolumeDriver (interface: Create, Delete, Mount, Unmount, GetPath)
	    │
	    ▼
	LocalDriver — one directory per volume, keyed by types.Volume.Name

# Lifecycle

Creating a volume (Create) makes its directory and records the resolved
host path on types.Volume.HostPath. Mount verifies the directory exists
and returns its path for a bind mount into the container's rootfs.
Unmount is a no-op for the local driver: the directory and its contents
persist until Delete removes them.

A volume with containers still attached to it is not deleted:
Service.Delete checks for such containers through its ContainerLister
before calling VolumeManager.DeleteVolume. VolumeManager and its drivers
have no notion of attachment and do not check this themselves.

# See Also

  - pkg/storage - volume metadata persistence
  - pkg/types - types.Volume and the container VolumeMount that references it
*/
package volume
