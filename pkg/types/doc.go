/*
Package types defines the core data structures used throughout keel.

This package contains the domain model shared by the build engine, the
network allocator, and the container runtime: snapshots and diff keys,
network configuration and attachment records, container configuration and
runtime status, and the supplemented volume/image/health-check types.

# Architecture

The types package is the foundation of keel's data model. It defines:

  - Content-addressable snapshot state (prepared/committed)
  - Canonical filesystem changes feeding the DiffKey merkle computation
  - Build cache keys and cached result manifests
  - Network configuration, runtime state, and per-container attachments
  - Container configuration, restart policy, and runtime status
  - Volumes, images, and health check configuration

All types are designed to be:
  - Serializable (JSON)
  - Self-documenting (clear field names and comments)
  - Validated by their owning package, not by methods on the struct itself

# Core Types

Build engine:
  - Snapshot: content-addressed filesystem state, prepared or committed
  - Change: one filesystem difference feeding a DiffKey computation
  - CacheKey / CachedResult: build cache identity and cached manifest

Networking:
  - NetworkConfiguration: persisted, user-facing network definition
  - NetworkState: tagged union of created(config) / running(config, status)
  - Attachment: one network interface allocated to one container

Containers:
  - Container / ContainerConfig: runtime record and user configuration
  - RestartPolicy: no / on-failure / always
  - PublishedPort: container port to host port mapping

Supplemented surfaces:
  - Volume: named, host-backed mount
  - Image: OCI image reference, digest, and config
  - HealthCheck / HealthStatus: optional per-container liveness probe

# Usage

Creating a container configuration:

	cfg := types.ContainerConfig{
		Image:    "docker.io/library/alpine:latest",
		Init:     []string{"/bin/sh"},
		Terminal: true,
		IOMode:   types.IOModePTY,
		Networks: []string{"default"},
		RestartPolicy: types.RestartPolicy{Name: types.RestartAlways},
	}

Creating a network configuration:

	cfg := types.NetworkConfiguration{
		ID:       "app-net",
		Mode:     types.NetworkModeNAT,
		IPv4CIDR: "10.10.0.0/24",
	}

# Design Patterns

Enumeration Pattern:

	All enums use typed string constants for safety and clarity:
	  type ContainerStatus string
	  const (
	      ContainerCreated ContainerStatus = "created"
	      ContainerRunning ContainerStatus = "running"
	  )

Tagged Union Pattern:

	NetworkState mirrors the source's created/running union as a struct with
	a discriminating Phase field and a Status pointer that is only populated
	in the running phase.

Optional Fields:

	Optional configurations use pointers:
	  - *HealthCheck: nil = no health checks
	  - NetworkStatus: nil unless Phase == NetworkRunning

# Integration Points

This package integrates with:

  - pkg/storage: persists all types to bbolt
  - pkg/runtime: constructs containerd task specs from ContainerConfig
  - pkg/netalloc: manages NetworkState transitions and Attachment records
  - pkg/build: computes CacheKey and stores CachedResult manifests
  - pkg/differ, pkg/snapshot: operate on Snapshot and Change

# Thread Safety

All types in this package are plain data: read-safe from multiple
goroutines, write-unsafe without caller synchronization. The owning
services (pkg/netalloc, pkg/runtime, pkg/storage) are responsible for
serializing mutation.
*/
package types
