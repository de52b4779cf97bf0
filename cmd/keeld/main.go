// Command keeld is keel's daemon process: it owns the VM instance, the
// containerd runtime inside it, and every core subsystem (container
// lifecycle, network allocator, authoritative DNS, OCI build engine),
// exposing them over the internal RPC listener and a Prometheus/health HTTP
// endpoint. It does not implement the Docker-compatible CLI surface;
// that parser is a separate client dialing this process's socket.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/keelhost/keel/pkg/api"
	"github.com/keelhost/keel/pkg/build"
	"github.com/keelhost/keel/pkg/config"
	"github.com/keelhost/keel/pkg/container"
	"github.com/keelhost/keel/pkg/contentstore"
	"github.com/keelhost/keel/pkg/dns"
	"github.com/keelhost/keel/pkg/image"
	"github.com/keelhost/keel/pkg/log"
	"github.com/keelhost/keel/pkg/metrics"
	"github.com/keelhost/keel/pkg/netalloc"
	"github.com/keelhost/keel/pkg/network"
	"github.com/keelhost/keel/pkg/restart"
	"github.com/keelhost/keel/pkg/runtime"
	"github.com/keelhost/keel/pkg/snapshot"
	"github.com/keelhost/keel/pkg/storage"
	"github.com/keelhost/keel/pkg/vm"
	"github.com/keelhost/keel/pkg/volume"
)

// Version information, set via ldflags during build.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "keeld",
	Short:   "keeld is keel's single-host container daemon",
	Version: Version,
	RunE:    runDaemon,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("keeld version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	rootCmd.Flags().String("data-dir", "/var/lib/keel", "directory for persisted state, content store, and build cache")
	rootCmd.Flags().String("config", "", "path to a keeld.yaml config file (optional)")
	rootCmd.Flags().String("log-level", "", "override the configured log level (debug, info, warn, error)")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if dataDir, _ := cmd.Flags().GetString("data-dir"); cmd.Flags().Changed("data-dir") {
		cfg.DataDir = dataDir
	}
	if logLevel, _ := cmd.Flags().GetString("log-level"); logLevel != "" {
		cfg.LogLevel = logLevel
	}

	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
	logger := log.WithComponent("keeld")
	metrics.SetVersion(Version)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer store.Close()

	cs, err := contentstore.New(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open content store: %w", err)
	}

	snap, err := snapshot.New(cfg.DataDir, cs)
	if err != nil {
		return fmt.Errorf("open snapshotter: %w", err)
	}

	buildCache, err := build.OpenCache(cfg.DataDir, cs)
	if err != nil {
		return fmt.Errorf("open build cache: %w", err)
	}
	defer buildCache.Close()

	vmHost := vm.NewHost(cfg.DataDir, vm.Config{})
	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	socketPath := cfg.Runtime.ContainerdSocket
	if err := vmHost.Start(rootCtx); err != nil {
		logger.Warn().Err(err).Msg("vm instance unavailable, falling back to configured containerd socket")
		metrics.RegisterComponent("vm", false, err.Error())
	} else {
		metrics.RegisterComponent("vm", true, "instance running")
		if sock := vmHost.ContainerdSocket(); sock != "" {
			socketPath = sock
		}
	}
	defer vmHost.Stop(context.Background())

	rt, err := runtime.NewContainerdRuntime(socketPath, cfg.Runtime.RegistryDefaultDomain)
	if err != nil {
		return fmt.Errorf("connect to containerd at %s: %w", socketPath, err)
	}
	metrics.RegisterComponent("containerd", true, "connected to "+socketPath)

	na := netalloc.NewService(store)
	dnsSrv := dns.NewServer(na.Directory(), &dns.Config{Domain: cfg.DNS.Domain, Upstream: cfg.DNS.Upstream})
	na.SetDNSServer(dnsSrv)
	metrics.RegisterComponent("dns", true, "listener manager running")

	sup := restart.New(nil)
	publisher := network.NewHostPortPublisher()
	containerSvc := container.New(rootCtx, store, rt, na, sup, publisher, cfg.DataDir)
	sup.SetLauncher(containerSvc)

	volumeMgr, err := volume.NewVolumeManagerAt(filepath.Join(cfg.DataDir, "volumes"))
	if err != nil {
		return fmt.Errorf("create volume manager: %w", err)
	}
	volumeSvc := volume.New(store, volumeMgr, containerSvc)
	imageSvc := image.New(store, snap, cs, containerSvc)

	collector := metrics.NewCollector(containerSvc.MetricsView(), na)
	collector.Start()
	defer collector.Stop()

	apiServer := api.NewServer()
	api.RegisterContainerRoutes(apiServer, containerSvc)
	api.RegisterNetworkRoutes(apiServer, na)
	api.RegisterVolumeRoutes(apiServer, volumeSvc)
	api.RegisterImageRoutes(apiServer, imageSvc)
	api.RegisterBuildRoutes(apiServer, buildCache)

	if err := os.RemoveAll(cfg.API.SocketPath); err != nil {
		return fmt.Errorf("clear stale api socket: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.API.SocketPath), 0o755); err != nil {
		return fmt.Errorf("create api socket dir: %w", err)
	}
	ln, err := net.Listen("unix", cfg.API.SocketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.API.SocketPath, err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := apiServer.Serve(rootCtx, ln); err != nil {
			errCh <- fmt.Errorf("api server error: %w", err)
		}
	}()
	logger.Info().Str("socket", cfg.API.SocketPath).Msg("api server listening")
	metrics.RegisterComponent("api", true, "listening on "+cfg.API.SocketPath)

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/health", metrics.HealthHandler())
		mux.Handle("/ready", metrics.ReadyHandler())
		mux.Handle("/live", metrics.LivenessHandler())
		metricsSrv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("metrics server error: %w", err)
			}
		}()
		logger.Info().Str("addr", cfg.Metrics.Addr).Msg("metrics endpoint listening")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("daemon error")
	}

	cancel()
	if metricsSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		metricsSrv.Shutdown(shutdownCtx)
	}

	logger.Info().Msg("shutdown complete")
	return nil
}
