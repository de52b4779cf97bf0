package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DataDir != Default().DataDir {
		t.Fatalf("expected default data dir, got %q", cfg.DataDir)
	}
}

func TestLoadParsesYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keeld.yaml")
	contents := "data_dir: /tmp/keel-test\nlog_level: debug\ndns:\n  domain: example\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DataDir != "/tmp/keel-test" {
		t.Fatalf("expected data_dir from file, got %q", cfg.DataDir)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected log_level from file, got %q", cfg.LogLevel)
	}
	if cfg.DNS.Domain != "example" {
		t.Fatalf("expected dns.domain from file, got %q", cfg.DNS.Domain)
	}
	// Unset fields still fall back to defaults.
	if cfg.Runtime.Namespace != Default().Runtime.Namespace {
		t.Fatalf("expected default runtime namespace, got %q", cfg.Runtime.Namespace)
	}
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keeld.yaml")
	if err := os.WriteFile(path, []byte("data_dir: /tmp/from-file\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("KEEL_DATA_DIR", "/tmp/from-env")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DataDir != "/tmp/from-env" {
		t.Fatalf("expected env override to win, got %q", cfg.DataDir)
	}
}

func TestRegistryDefaultDomainEnvOverride(t *testing.T) {
	t.Setenv("KEEL_REGISTRY_DEFAULT_DOMAIN", "registry.example.com")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Runtime.RegistryDefaultDomain != "registry.example.com" {
		t.Fatalf("expected registry default domain from env, got %q", cfg.Runtime.RegistryDefaultDomain)
	}
}

func TestInstallRootFallbackConfigFile(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "keeld.yaml"), []byte("log_level: debug\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("KEEL_INSTALL_ROOT", root)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected config from install root, got log_level %q", cfg.LogLevel)
	}
}
