package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pithecene-io/kiln/lode"
	"github.com/pithecene-io/kiln/log"
	"github.com/pithecene-io/kiln/retry"
	"github.com/pithecene-io/kiln/sandbox"
	"github.com/pithecene-io/kiln/types"
)

// Defaults applied by ApplyDefaults.
const (
	DefaultEngine        = "docker"
	DefaultTimeLimit     = 2 * time.Minute
	DefaultBudget        = 3
	DefaultStorageDir    = "./kiln-data"
	DefaultRepairTimeout = 5 * time.Minute
	DefaultLogLevel      = "info"
)

// Config represents a kiln.yaml configuration file.
// All values are optional and act as defaults for kiln compile flags.
// CLI flags always override config values.
type Config struct {
	Engine     string         `yaml:"engine"`
	ScratchDir string         `yaml:"scratch_dir"`
	Docker     DockerConfig   `yaml:"docker"`
	Local      LocalConfig    `yaml:"local"`
	Compiler   CompilerConfig `yaml:"compiler"`
	Limits     LimitsConfig   `yaml:"limits"`
	Retry      RetryConfig    `yaml:"retry"`
	Storage    StorageConfig  `yaml:"storage"`
	Adapter    AdapterConfig  `yaml:"adapter"`
	Repair     RepairConfig   `yaml:"repair"`
	Jobs       JobsConfig     `yaml:"jobs"`
	Log        LogConfig      `yaml:"log"`
}

// DockerConfig holds docker engine settings.
type DockerConfig struct {
	Binary    string   `yaml:"binary"`
	Image     string   `yaml:"image"`
	Workdir   string   `yaml:"workdir"`
	Pull      string   `yaml:"pull"`
	ExtraArgs []string `yaml:"extra_args,omitempty"`
}

// LocalConfig holds local engine settings.
type LocalConfig struct {
	Path string            `yaml:"path"`
	Env  map[string]string `yaml:"env,omitempty"`
}

// CompilerConfig describes the compile steps.
type CompilerConfig struct {
	LaTeX        []string `yaml:"latex,omitempty"`
	Bib          []string `yaml:"bib,omitempty"`
	Bibliography string   `yaml:"bibliography"`
}

// LimitsConfig holds per-attempt sandbox limits.
type LimitsConfig struct {
	TimeLimit   Duration `yaml:"time_limit"`
	CPUs        float64  `yaml:"cpus"`
	MemoryBytes int64    `yaml:"memory_bytes"`
	PIDs        int      `yaml:"pids"`
	Network     string   `yaml:"network"`
	Identity    string   `yaml:"identity"`
}

// RetryConfig holds the retry budget and timeout-retry backoff.
type RetryConfig struct {
	Budget  *int     `yaml:"budget,omitempty"`
	Backoff string   `yaml:"backoff"`
	Initial Duration `yaml:"initial"`
	Max     Duration `yaml:"max"`
}

// StorageConfig holds storage defaults from the config file.
type StorageConfig struct {
	Backend     string `yaml:"backend"`
	Path        string `yaml:"path"`
	Region      string `yaml:"region"`
	Endpoint    string `yaml:"endpoint"`
	S3PathStyle bool   `yaml:"s3_path_style"`
}

// AdapterConfig holds completion-notification settings.
type AdapterConfig struct {
	Type    string            `yaml:"type"`
	URL     string            `yaml:"url"`
	Channel string            `yaml:"channel,omitempty"`
	Subject string            `yaml:"subject,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
	// Secret signs webhook bodies.
	Secret  string            `yaml:"secret,omitempty"`
	Timeout Duration          `yaml:"timeout,omitempty"`
	Retries *int              `yaml:"retries,omitempty"`
	// KeyPrefix and KeyTTL apply to the redis adapter.
	KeyPrefix string   `yaml:"key_prefix,omitempty"`
	KeyTTL    Duration `yaml:"key_ttl,omitempty"`
	// JetStream applies to the nats adapter.
	JetStream bool `yaml:"jetstream,omitempty"`
}

// RepairConfig configures the repair collaborator.
type RepairConfig struct {
	Command string            `yaml:"command"`
	// Args are appended to the command unsplit.
	Args    []string          `yaml:"args,omitempty"`
	Timeout Duration          `yaml:"timeout"`
	Env     map[string]string `yaml:"env,omitempty"`
}

// JobsConfig holds job registry settings.
type JobsConfig struct {
	MaxConcurrent int `yaml:"max_concurrent"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// ApplyDefaults fills unset values.
func (c *Config) ApplyDefaults() {
	if c.Engine == "" {
		c.Engine = DefaultEngine
	}
	if c.Limits.TimeLimit.Duration == 0 {
		c.Limits.TimeLimit.Duration = DefaultTimeLimit
	}
	if c.Limits.Network == "" {
		c.Limits.Network = string(types.NetworkDisabled)
	}
	if c.Retry.Budget == nil {
		budget := DefaultBudget
		c.Retry.Budget = &budget
	}
	if c.Retry.Backoff == "" {
		c.Retry.Backoff = string(retry.ModeExponential)
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = string(lode.BackendFS)
	}
	if c.Storage.Path == "" && c.Storage.Backend == string(lode.BackendFS) {
		c.Storage.Path = DefaultStorageDir
	}
	if c.Repair.Timeout.Duration == 0 {
		c.Repair.Timeout.Duration = DefaultRepairTimeout
	}
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
}

// Validate checks values that cannot be fixed by defaults.
// Call after ApplyDefaults.
func (c *Config) Validate() error {
	var errs []error

	switch c.Engine {
	case "docker", "local":
	default:
		errs = append(errs, fmt.Errorf("engine must be docker or local, got %q", c.Engine))
	}
	switch types.NetworkPolicy(c.Limits.Network) {
	case types.NetworkDisabled, types.NetworkEnabled:
	default:
		errs = append(errs, fmt.Errorf("limits.network must be none or enabled, got %q", c.Limits.Network))
	}
	switch sandbox.BibliographyMode(c.Compiler.Bibliography) {
	case "", sandbox.BibliographyAuto, sandbox.BibliographyAlways, sandbox.BibliographyNever:
	default:
		errs = append(errs, fmt.Errorf("compiler.bibliography must be auto, always or never, got %q", c.Compiler.Bibliography))
	}
	if c.Limits.TimeLimit.Duration < 0 {
		errs = append(errs, errors.New("limits.time_limit must be positive"))
	}
	if c.Limits.CPUs < 0 || c.Limits.MemoryBytes < 0 || c.Limits.PIDs < 0 {
		errs = append(errs, errors.New("limits must not be negative"))
	}
	if c.Retry.Budget != nil && *c.Retry.Budget < 0 {
		errs = append(errs, fmt.Errorf("retry.budget must be >= 0, got %d", *c.Retry.Budget))
	}
	if !validBackoffMode(c.Retry.Backoff) {
		errs = append(errs, fmt.Errorf("retry.backoff must be fixed, linear or exponential, got %q", c.Retry.Backoff))
	}
	if err := c.StorageConfig().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("storage: %w", err))
	}
	switch c.Adapter.Type {
	case "", "webhook", "redis", "nats":
		if c.Adapter.Type != "" && c.Adapter.URL == "" {
			errs = append(errs, fmt.Errorf("adapter.url is required for %s adapter", c.Adapter.Type))
		}
	default:
		errs = append(errs, fmt.Errorf("adapter.type must be webhook, redis or nats, got %q", c.Adapter.Type))
	}
	if c.Adapter.Retries != nil && *c.Adapter.Retries < 0 {
		errs = append(errs, errors.New("adapter.retries must be >= 0"))
	}
	switch log.Format(c.Log.Format) {
	case "", log.FormatJSON, log.FormatConsole:
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or console, got %q", c.Log.Format))
	}
	if c.Jobs.MaxConcurrent < 0 {
		errs = append(errs, errors.New("jobs.max_concurrent must be >= 0"))
	}

	return errors.Join(errs...)
}

func validBackoffMode(mode string) bool {
	switch retry.Mode(mode) {
	case retry.ModeFixed, retry.ModeLinear, retry.ModeExponential:
		return true
	}
	return false
}

// SandboxSettings returns the per-attempt sandbox settings.
func (c *Config) SandboxSettings() types.SandboxSettings {
	return types.SandboxSettings{
		TimeLimit: c.Limits.TimeLimit.Duration,
		Limits: types.ResourceLimits{
			CPUs:        c.Limits.CPUs,
			MemoryBytes: c.Limits.MemoryBytes,
			PIDs:        c.Limits.PIDs,
		},
		Network:  types.NetworkPolicy(c.Limits.Network),
		Identity: c.Limits.Identity,
	}
}

// CompilerSteps returns the sandbox compiler description.
func (c *Config) CompilerSteps() sandbox.Compiler {
	return sandbox.Compiler{
		LaTeX:        c.Compiler.LaTeX,
		Bib:          c.Compiler.Bib,
		Bibliography: sandbox.BibliographyMode(c.Compiler.Bibliography),
	}
}

// BackoffPolicy returns the timeout-retry backoff policy.
func (c *Config) BackoffPolicy() retry.Policy {
	return retry.NewPolicy(retry.Mode(c.Retry.Backoff), c.Retry.Initial.Duration, c.Retry.Max.Duration)
}

// StorageConfig returns the lode store configuration.
// For s3 the path is "bucket/prefix".
func (c *Config) StorageConfig() lode.Config {
	cfg := lode.Config{
		Backend: lode.Backend(strings.ToLower(c.Storage.Backend)),
		Path:    c.Storage.Path,
	}
	if cfg.Backend == lode.BackendS3 {
		bucket, prefix := lode.ParseS3Path(c.Storage.Path)
		cfg.S3 = lode.S3Config{
			Bucket:       bucket,
			Prefix:       prefix,
			Region:       c.Storage.Region,
			Endpoint:     c.Storage.Endpoint,
			UsePathStyle: c.Storage.S3PathStyle,
		}
	}
	return cfg
}
