// Package vm supervises the lightweight VM instance that hosts the
// containerd daemon keel's containers run inside. Generalized from a
// darwin-only embedded-lima fallback into keel's primary VM host, since
// every container gets a VM boundary, not just ones on macOS.
package vm

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/lima-vm/lima/pkg/instance"
	"github.com/lima-vm/lima/pkg/limayaml"
	"github.com/lima-vm/lima/pkg/store"

	"github.com/keelhost/keel/pkg/apierr"
	"github.com/keelhost/keel/pkg/log"
)

// InstanceName is the Lima instance keel creates and reuses across daemon
// restarts; keel manages exactly one instance per host (a
// local, single-host platform).
const InstanceName = "keel"

// readyTimeout bounds how long Start waits for the instance to report
// running and its containerd socket to appear.
const readyTimeout = 60 * time.Second

// Host supervises keel's VM instance lifecycle: create on first use, start,
// stop, and exposing the instance's containerd socket path to pkg/runtime.
type Host struct {
	dataDir  string
	cpus     int
	memoryGB int
	diskGB   int

	instance *store.Instance
}

// Config carries the resource shape of the VM instance Host creates. Zero
// values fall back to NewHost's defaults.
type Config struct {
	CPUs     int
	MemoryGB int
	DiskGB   int
}

// NewHost creates a Host that will manage dataDir's VM instance. dataDir is
// mounted read-write into the VM so containerd (running inside) can see
// keel's content store and per-container resolv.conf files.
func NewHost(dataDir string, cfg Config) *Host {
	if cfg.CPUs == 0 {
		cfg.CPUs = 2
	}
	if cfg.MemoryGB == 0 {
		cfg.MemoryGB = 2
	}
	if cfg.DiskGB == 0 {
		cfg.DiskGB = 20
	}
	return &Host{dataDir: dataDir, cpus: cfg.CPUs, memoryGB: cfg.MemoryGB, diskGB: cfg.DiskGB}
}

// Start brings the VM instance up, creating it on first use, and blocks
// until its containerd socket is reachable.
func (h *Host) Start(ctx context.Context) error {
	logger := log.WithComponent("vm")

	if !limaInstalled() {
		return apierr.New(apierr.Unsupported, "lima is not installed (install with: brew install lima, or see https://lima-vm.io)")
	}

	inst, err := store.Inspect(InstanceName)
	if err == nil {
		h.instance = inst
		if inst.Status == store.StatusRunning {
			logger.Info().Msg("vm instance already running")
			return nil
		}
		logger.Info().Msg("starting existing vm instance")
		if err := instance.Start(ctx, inst, "", false); err != nil {
			return apierr.Wrap(apierr.Internal, err, "start vm instance")
		}
		return h.waitForReady(ctx)
	}

	logger.Info().Msg("creating vm instance")
	if err := h.createInstance(ctx); err != nil {
		return apierr.Wrap(apierr.Internal, err, "create vm instance")
	}

	inst, err = store.Inspect(InstanceName)
	if err != nil {
		return apierr.Wrap(apierr.Internal, err, "inspect created vm instance")
	}
	h.instance = inst

	if err := instance.Start(ctx, inst, "", false); err != nil {
		return apierr.Wrap(apierr.Internal, err, "start vm instance")
	}
	if err := h.waitForReady(ctx); err != nil {
		return err
	}

	logger.Info().Msg("vm instance started")
	return nil
}

// Stop gracefully stops the VM instance, escalating to a forced stop if the
// graceful path fails — the VM-level analogue of pkg/runtime's
// SIGTERM-then-SIGKILL escalation.
func (h *Host) Stop(ctx context.Context) error {
	if h.instance == nil {
		return nil
	}
	logger := log.WithComponent("vm")

	if err := instance.StopGracefully(ctx, h.instance, false); err != nil {
		logger.Warn().Err(err).Msg("graceful vm stop failed, forcing")
		instance.StopForcibly(h.instance)
	}
	logger.Info().Msg("vm instance stopped")
	return nil
}

// Status reports whether the instance is currently running, re-inspecting
// the on-disk instance record rather than trusting Host's cached handle.
func (h *Host) Status() (string, error) {
	inst, err := store.Inspect(InstanceName)
	if err != nil {
		return "", apierr.Wrap(apierr.NotFound, err, "inspect vm instance")
	}
	return string(inst.Status), nil
}

// ContainerdSocket returns the path pkg/runtime should dial to reach the
// containerd daemon running inside the VM instance.
func (h *Host) ContainerdSocket() string {
	if h.instance == nil {
		return ""
	}
	limaHome := os.Getenv("LIMA_HOME")
	if limaHome == "" {
		home, _ := os.UserHomeDir()
		limaHome = filepath.Join(home, ".lima")
	}
	return filepath.Join(limaHome, InstanceName, "sock", "containerd.sock")
}

func (h *Host) createInstance(ctx context.Context) error {
	cfg := h.limaConfig()
	configYAML, err := limayaml.Marshal(&cfg, false)
	if err != nil {
		return fmt.Errorf("marshal vm config: %w", err)
	}
	if _, err := instance.Create(ctx, InstanceName, configYAML, false); err != nil {
		return fmt.Errorf("create vm instance: %w", err)
	}
	return nil
}

// limaConfig builds the VM image/resource/provisioning shape keel's
// instance needs: an Alpine guest with containerd installed and keel's
// data directory bind-mounted in.
func (h *Host) limaConfig() limayaml.LimaYAML {
	arch := limayaml.AARCH64
	if runtime.GOARCH == "amd64" {
		arch = limayaml.X8664
	}

	cpus := h.cpus
	memory := fmt.Sprintf("%dGiB", h.memoryGB)
	disk := fmt.Sprintf("%dGiB", h.diskGB)

	return limayaml.LimaYAML{
		Arch:   &arch,
		CPUs:   &cpus,
		Memory: &memory,
		Disk:   &disk,
		Images: []limayaml.Image{
			{File: limayaml.File{
				Location: "https://dl-cdn.alpinelinux.org/alpine/v3.19/releases/cloud/alpine-virt-3.19.0-aarch64.iso",
				Arch:     limayaml.AARCH64,
			}},
			{File: limayaml.File{
				Location: "https://dl-cdn.alpinelinux.org/alpine/v3.19/releases/cloud/alpine-virt-3.19.0-x86_64.iso",
				Arch:     limayaml.X8664,
			}},
		},
		Containerd: limayaml.Containerd{System: boolPtr(true)},
		Mounts: []limayaml.Mount{
			{Location: h.dataDir, Writable: boolPtr(true)},
		},
		Provision: []limayaml.Provision{
			{
				Mode: limayaml.ProvisionModeSystem,
				Script: "#!/bin/sh\nset -eux -o pipefail\n" +
					"if ! command -v containerd > /dev/null; then\n  apk add containerd\nfi\n" +
					"rc-update add containerd default\nrc-service containerd start || true",
			},
		},
		Message: "keel vm instance ready",
	}
}

func (h *Host) waitForReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()

	logger := log.WithComponent("vm")
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return apierr.New(apierr.Timeout, "timed out waiting for vm instance to become ready")
		case <-ticker.C:
			inst, err := store.Inspect(InstanceName)
			if err != nil {
				logger.Debug().Err(err).Msg("inspect vm instance failed, retrying")
				continue
			}
			if inst.Status != store.StatusRunning {
				continue
			}
			if _, err := os.Stat(h.ContainerdSocket()); err == nil {
				logger.Info().Str("socket", h.ContainerdSocket()).Msg("vm containerd socket ready")
				return nil
			}
		}
	}
}

func limaInstalled() bool {
	_, err := exec.LookPath("limactl")
	return err == nil
}

func boolPtr(b bool) *bool { return &b }
