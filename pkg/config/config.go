// Package config loads keeld's daemon configuration: a YAML file on disk,
// overridden field-by-field by environment variables, then handed to each
// subsystem's constructor as a plain struct.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is keeld's top-level daemon configuration.
type Config struct {
	DataDir  string        `yaml:"data_dir"`
	LogLevel string        `yaml:"log_level"`
	LogJSON  bool          `yaml:"log_json"`
	API      APIConfig     `yaml:"api"`
	DNS      DNSConfig     `yaml:"dns"`
	Metrics  MetricsConfig `yaml:"metrics"`
	Runtime  RuntimeConfig `yaml:"runtime"`
}

// APIConfig configures keeld's internal RPC listener (pkg/api, pkg/rpc).
type APIConfig struct {
	SocketPath string `yaml:"socket_path"`
}

// DNSConfig configures the authoritative DNS server (pkg/dns).
type DNSConfig struct {
	Domain   string   `yaml:"domain"`
	Upstream []string `yaml:"upstream"`
}

// MetricsConfig configures the Prometheus /metrics HTTP endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// RuntimeConfig configures pkg/runtime's containerd client.
type RuntimeConfig struct {
	ContainerdSocket string        `yaml:"containerd_socket"`
	Namespace        string        `yaml:"namespace"`
	StopTimeout      time.Duration `yaml:"stop_timeout"`

	// RegistryDefaultDomain is prepended to image refs that name no
	// registry of their own. Empty leaves refs untouched.
	RegistryDefaultDomain string `yaml:"registry_default_domain"`
}

// Default returns the configuration keeld starts with before any file or
// environment override is applied.
func Default() Config {
	return Config{
		DataDir:  "/var/lib/keel",
		LogLevel: "info",
		LogJSON:  false,
		API:      APIConfig{SocketPath: "/run/keel/keeld.sock"},
		DNS:      DNSConfig{Domain: "keel", Upstream: []string{"8.8.8.8:53"}},
		Metrics:  MetricsConfig{Enabled: true, Addr: "127.0.0.1:9090"},
		Runtime: RuntimeConfig{
			ContainerdSocket: "/run/containerd/containerd.sock",
			Namespace:        "keel",
			StopTimeout:      10 * time.Second,
		},
	}
}

// Load reads path (if non-empty and present) over Default(), then applies
// environment variable overrides, so a first run needs no file on disk.
func Load(path string) (Config, error) {
	cfg := Default()

	// With no explicit path, fall back to the installation root's config
	// file if one is advertised in the environment.
	if path == "" {
		if root, ok := lookupEnv("INSTALL_ROOT"); ok {
			path = filepath.Join(root, "keeld.yaml")
		}
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

// envPrefix namespaces every override so keeld's env vars don't collide
// with unrelated ones in the process environment.
const envPrefix = "KEEL_"

func applyEnvOverrides(cfg *Config) {
	if v, ok := lookupEnv("DATA_DIR"); ok {
		cfg.DataDir = v
	}
	if v, ok := lookupEnv("LOG_LEVEL"); ok {
		cfg.LogLevel = v
	}
	if v, ok := lookupEnvBool("LOG_JSON"); ok {
		cfg.LogJSON = v
	}
	if v, ok := lookupEnv("API_SOCKET_PATH"); ok {
		cfg.API.SocketPath = v
	}
	if v, ok := lookupEnv("DNS_DOMAIN"); ok {
		cfg.DNS.Domain = v
	}
	if v, ok := lookupEnvBool("METRICS_ENABLED"); ok {
		cfg.Metrics.Enabled = v
	}
	if v, ok := lookupEnv("METRICS_ADDR"); ok {
		cfg.Metrics.Addr = v
	}
	if v, ok := lookupEnv("RUNTIME_CONTAINERD_SOCKET"); ok {
		cfg.Runtime.ContainerdSocket = v
	}
	if v, ok := lookupEnv("RUNTIME_NAMESPACE"); ok {
		cfg.Runtime.Namespace = v
	}
	if v, ok := lookupEnvDuration("RUNTIME_STOP_TIMEOUT"); ok {
		cfg.Runtime.StopTimeout = v
	}
	if v, ok := lookupEnv("REGISTRY_DEFAULT_DOMAIN"); ok {
		cfg.Runtime.RegistryDefaultDomain = v
	}
}

func lookupEnv(name string) (string, bool) {
	v, ok := os.LookupEnv(envPrefix + name)
	return v, ok && v != ""
}

func lookupEnvBool(name string) (bool, bool) {
	v, ok := lookupEnv(name)
	if !ok {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

func lookupEnvDuration(name string) (time.Duration, bool) {
	v, ok := lookupEnv(name)
	if !ok {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}
