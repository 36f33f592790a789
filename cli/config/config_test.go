package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pithecene-io/kiln/lode"
	"github.com/pithecene-io/kiln/retry"
	"github.com/pithecene-io/kiln/sandbox"
	"github.com/pithecene-io/kiln/types"
)

func TestLoad_FullConfig(t *testing.T) {
	yaml := `engine: local
scratch_dir: /var/tmp/kiln

docker:
  binary: /usr/bin/docker
  image: registry.example.com/texlive:2025
  workdir: /work
  pull: never
  extra_args: ["--security-opt", "no-new-privileges"]

local:
  path: /opt/texlive/bin
  env:
    TEXMFHOME: /opt/texmf

compiler:
  latex: [pdflatex, -interaction=nonstopmode]
  bib: [biber]
  bibliography: always

limits:
  time_limit: 90s
  cpus: 1.5
  memory_bytes: 536870912
  pids: 128
  network: none
  identity: "1000:1000"

retry:
  budget: 2
  backoff: linear
  initial: 2s
  max: 10s

storage:
  backend: s3
  path: my-bucket/kiln
  region: eu-west-1
  endpoint: https://minio.example.com
  s3_path_style: true

adapter:
  type: webhook
  url: https://hooks.example.com/kiln
  headers:
    Authorization: Bearer token123
  timeout: 10s
  retries: 3

repair:
  command: python3 fix.py
  args:
    - --prompt
    - fix the build
  timeout: 2m
  env:
    MODEL: local

jobs:
  max_concurrent: 8

log:
  level: debug
`
	path := writeTemp(t, yaml)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	assertEqual(t, "engine", cfg.Engine, "local")
	assertEqual(t, "scratch_dir", cfg.ScratchDir, "/var/tmp/kiln")

	assertEqual(t, "docker.image", cfg.Docker.Image, "registry.example.com/texlive:2025")
	assertEqual(t, "docker.pull", cfg.Docker.Pull, "never")
	if len(cfg.Docker.ExtraArgs) != 2 {
		t.Errorf("expected 2 docker.extra_args, got %v", cfg.Docker.ExtraArgs)
	}
	assertEqual(t, "local.env.TEXMFHOME", cfg.Local.Env["TEXMFHOME"], "/opt/texmf")

	steps := cfg.CompilerSteps()
	assertEqual(t, "compiler.latex[0]", steps.LaTeX[0], "pdflatex")
	if steps.Bibliography != sandbox.BibliographyAlways {
		t.Errorf("expected bibliography=always, got %q", steps.Bibliography)
	}

	settings := cfg.SandboxSettings()
	if settings.TimeLimit != 90*time.Second {
		t.Errorf("expected time_limit=90s, got %v", settings.TimeLimit)
	}
	if settings.Limits.CPUs != 1.5 || settings.Limits.MemoryBytes != 536870912 || settings.Limits.PIDs != 128 {
		t.Errorf("unexpected limits %+v", settings.Limits)
	}
	if settings.Network != types.NetworkDisabled {
		t.Errorf("expected network=none, got %q", settings.Network)
	}
	assertEqual(t, "limits.identity", settings.Identity, "1000:1000")

	if cfg.Retry.Budget == nil || *cfg.Retry.Budget != 2 {
		t.Errorf("expected retry.budget=2")
	}
	policy := cfg.BackoffPolicy()
	if policy != retry.NewPolicy(retry.ModeLinear, 2*time.Second, 10*time.Second) {
		t.Errorf("unexpected backoff policy %+v", policy)
	}

	storage := cfg.StorageConfig()
	if storage.Backend != lode.BackendS3 {
		t.Errorf("expected s3 backend, got %q", storage.Backend)
	}
	assertEqual(t, "storage.bucket", storage.S3.Bucket, "my-bucket")
	assertEqual(t, "storage.prefix", storage.S3.Prefix, "kiln")
	assertEqual(t, "storage.region", storage.S3.Region, "eu-west-1")
	if !storage.S3.UsePathStyle {
		t.Error("expected storage.s3_path_style=true")
	}

	assertEqual(t, "adapter.type", cfg.Adapter.Type, "webhook")
	if cfg.Adapter.Timeout.Duration != 10*time.Second {
		t.Errorf("expected adapter.timeout=10s, got %v", cfg.Adapter.Timeout.Duration)
	}
	if cfg.Adapter.Retries == nil || *cfg.Adapter.Retries != 3 {
		t.Errorf("expected adapter.retries=3")
	}
	if cfg.Adapter.Headers["Authorization"] != "Bearer token123" {
		t.Errorf("expected Authorization header")
	}

	assertEqual(t, "repair.command", cfg.Repair.Command, "python3 fix.py")
	if len(cfg.Repair.Args) != 2 || cfg.Repair.Args[1] != "fix the build" {
		t.Errorf("expected repair.args kept whole, got %q", cfg.Repair.Args)
	}
	if cfg.Repair.Timeout.Duration != 2*time.Minute {
		t.Errorf("expected repair.timeout=2m, got %v", cfg.Repair.Timeout.Duration)
	}
	if cfg.Jobs.MaxConcurrent != 8 {
		t.Errorf("expected jobs.max_concurrent=8, got %d", cfg.Jobs.MaxConcurrent)
	}
	assertEqual(t, "log.level", cfg.Log.Level, "debug")

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid config, got %v", err)
	}
}

func TestLoad_EmptyConfig(t *testing.T) {
	path := writeTemp(t, "")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Engine != "" {
		t.Errorf("expected empty engine, got %q", cfg.Engine)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/kiln.yaml")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeTemp(t, "{{invalid yaml")
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("TEST_KILN_IMAGE", "texlive/texlive:latest")

	yaml := "docker:\n  image: ${TEST_KILN_IMAGE}\nstorage:\n  path: ${TEST_KILN_UNSET_DIR:-/srv/kiln}\n"
	path := writeTemp(t, yaml)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	assertEqual(t, "docker.image", cfg.Docker.Image, "texlive/texlive:latest")
	assertEqual(t, "storage.path", cfg.Storage.Path, "/srv/kiln")
}

func TestLoad_UnknownKeyRejected(t *testing.T) {
	yaml := `engine: docker
bogus_key: should_fail
`
	path := writeTemp(t, yaml)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for unknown key, got nil")
	}
	if !strings.Contains(err.Error(), "bogus_key") {
		t.Errorf("error should mention the unknown key, got: %v", err)
	}
}

func TestLoad_UnknownNestedKeyRejected(t *testing.T) {
	yaml := `storage:
  backend: fs
  path: ./data
  unknown_field: bad
`
	path := writeTemp(t, yaml)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for unknown nested key, got nil")
	}
	if !strings.Contains(err.Error(), "unknown_field") {
		t.Errorf("error should mention the unknown key, got: %v", err)
	}
}

func TestLoad_CommentsOnlyConfig(t *testing.T) {
	path := writeTemp(t, "# This is a comment\n# Another comment\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed for comments-only config: %v", err)
	}
	if cfg.Engine != "" {
		t.Errorf("expected empty engine, got %q", cfg.Engine)
	}
}

func TestLoad_BudgetZeroDistinctFromNil(t *testing.T) {
	path := writeTemp(t, "retry:\n  budget: 0\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Retry.Budget == nil || *cfg.Retry.Budget != 0 {
		t.Fatal("expected budget to be *int(0)")
	}

	cfg.ApplyDefaults()
	if *cfg.Retry.Budget != 0 {
		t.Errorf("explicit zero budget overwritten with %d", *cfg.Retry.Budget)
	}
}

func TestLoadOptional(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := LoadOptional("")
	if err != nil {
		t.Fatalf("LoadOptional without file: %v", err)
	}
	if cfg.Engine != "" {
		t.Errorf("expected empty config, got engine %q", cfg.Engine)
	}

	if err := os.WriteFile(DefaultFile, []byte("engine: local\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = LoadOptional("")
	if err != nil {
		t.Fatalf("LoadOptional with kiln.yaml: %v", err)
	}
	assertEqual(t, "engine", cfg.Engine, "local")

	if _, err := LoadOptional("missing.yaml"); err == nil {
		t.Error("expected error for explicit missing file")
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.ApplyDefaults()

	assertEqual(t, "engine", cfg.Engine, DefaultEngine)
	assertEqual(t, "storage.backend", cfg.Storage.Backend, "fs")
	assertEqual(t, "storage.path", cfg.Storage.Path, DefaultStorageDir)
	assertEqual(t, "limits.network", cfg.Limits.Network, "none")
	assertEqual(t, "retry.backoff", cfg.Retry.Backoff, "exponential")
	assertEqual(t, "log.level", cfg.Log.Level, DefaultLogLevel)
	if cfg.Limits.TimeLimit.Duration != DefaultTimeLimit {
		t.Errorf("expected default time limit, got %v", cfg.Limits.TimeLimit.Duration)
	}
	if *cfg.Retry.Budget != DefaultBudget {
		t.Errorf("expected default budget, got %d", *cfg.Retry.Budget)
	}
	if cfg.Repair.Timeout.Duration != DefaultRepairTimeout {
		t.Errorf("expected default repair timeout, got %v", cfg.Repair.Timeout.Duration)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate, got %v", err)
	}
}

func TestApplyDefaults_MemoryStorageHasNoPath(t *testing.T) {
	cfg := &Config{Storage: StorageConfig{Backend: "memory"}}
	cfg.ApplyDefaults()
	assertEqual(t, "storage.path", cfg.Storage.Path, "")
}

func TestValidate(t *testing.T) {
	negative := -1
	tests := map[string]func(*Config){
		"engine":          func(c *Config) { c.Engine = "podman" },
		"network":         func(c *Config) { c.Limits.Network = "host" },
		"bibliography":    func(c *Config) { c.Compiler.Bibliography = "sometimes" },
		"negative limits": func(c *Config) { c.Limits.PIDs = -1 },
		"budget":          func(c *Config) { c.Retry.Budget = &negative },
		"backoff":         func(c *Config) { c.Retry.Backoff = "random" },
		"storage backend": func(c *Config) { c.Storage.Backend = "ftp" },
		"s3 bucket":       func(c *Config) { c.Storage.Backend = "s3"; c.Storage.Path = "" },
		"adapter type":    func(c *Config) { c.Adapter.Type = "kafka" },
		"adapter url":     func(c *Config) { c.Adapter.Type = "nats" },
		"adapter retries": func(c *Config) { c.Adapter.Type = "redis"; c.Adapter.URL = "redis://x"; c.Adapter.Retries = &negative },
		"max concurrent":  func(c *Config) { c.Jobs.MaxConcurrent = -2 },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := &Config{}
			cfg.ApplyDefaults()
			mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestDuration_InvalidFormat(t *testing.T) {
	path := writeTemp(t, "adapter:\n  timeout: not-a-duration\n")
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid duration")
	}
	if !strings.Contains(err.Error(), "invalid duration") {
		t.Errorf("error should mention invalid duration, got: %v", err)
	}
}

func TestDuration_EmptyIsZero(t *testing.T) {
	path := writeTemp(t, "limits:\n  time_limit: \"\"\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Limits.TimeLimit.Duration != 0 {
		t.Errorf("expected zero duration, got %v", cfg.Limits.TimeLimit.Duration)
	}
}

func TestLoad_RedisAdapterConfig(t *testing.T) {
	yaml := `adapter:
  type: redis
  url: redis://localhost:6379/0
  channel: builds:latex
  key_prefix: "kiln:job:"
  key_ttl: 24h
`
	path := writeTemp(t, yaml)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	assertEqual(t, "adapter.channel", cfg.Adapter.Channel, "builds:latex")
	assertEqual(t, "adapter.key_prefix", cfg.Adapter.KeyPrefix, "kiln:job:")
	if cfg.Adapter.KeyTTL.Duration != 24*time.Hour {
		t.Errorf("expected key_ttl=24h, got %v", cfg.Adapter.KeyTTL.Duration)
	}
}

func TestLoad_NATSAdapterConfig(t *testing.T) {
	yaml := `adapter:
  type: nats
  url: nats://localhost:4222
  subject: kiln.done
  jetstream: true
`
	path := writeTemp(t, yaml)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	assertEqual(t, "adapter.subject", cfg.Adapter.Subject, "kiln.done")
	if !cfg.Adapter.JetStream {
		t.Error("expected adapter.jetstream=true")
	}
}

// writeTemp writes content to a temp file and returns the path.
func writeTemp(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "kiln.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}

func assertEqual(t *testing.T, field, got, want string) {
	t.Helper()
	if got != want {
		t.Errorf("%s: got %q, want %q", field, got, want)
	}
}
