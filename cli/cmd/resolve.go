package cmd

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/kiln/cli/config"
)

// Config precedence: an explicitly set flag wins, then kiln.yaml, then the
// flag's own default.

func resolveString(c *cli.Context, name, configValue string) string {
	if c.IsSet(name) || configValue == "" {
		return c.String(name)
	}
	return configValue
}

func resolveInt(c *cli.Context, name string, configValue int) int {
	if c.IsSet(name) || configValue == 0 {
		return c.Int(name)
	}
	return configValue
}

func resolveBool(c *cli.Context, name string, configValue bool) bool {
	if c.IsSet(name) {
		return c.Bool(name)
	}
	return configValue || c.Bool(name)
}

func resolveDuration(c *cli.Context, name string, configValue time.Duration) time.Duration {
	if c.IsSet(name) || configValue == 0 {
		return c.Duration(name)
	}
	return configValue
}

// loadConfig reads --config (or ./kiln.yaml when present), applies the
// storage flag overrides and defaults, and validates the result.
// apply may override further command-specific values before defaults.
func loadConfig(c *cli.Context, apply func(*config.Config)) (*config.Config, error) {
	cfg, err := config.LoadOptional(c.String("config"))
	if err != nil {
		return nil, err
	}

	cfg.Storage.Backend = resolveString(c, "storage-backend", cfg.Storage.Backend)
	cfg.Storage.Path = resolveString(c, "storage-path", cfg.Storage.Path)
	cfg.Storage.Region = resolveString(c, "storage-region", cfg.Storage.Region)
	cfg.Storage.Endpoint = resolveString(c, "storage-endpoint", cfg.Storage.Endpoint)
	if apply != nil {
		apply(cfg)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
