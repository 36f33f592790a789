// Package cmd provides the commands of the kiln binary.
package cmd

import "github.com/urfave/cli/v2"

// Shared flags for read-only commands.
var (
	// FormatFlag selects output format: json, table, yaml.
	FormatFlag = &cli.StringFlag{
		Name:    "format",
		Aliases: []string{"f"},
		Usage:   "Output format: json, table, yaml",
	}

	// NoColorFlag disables colored output.
	NoColorFlag = &cli.BoolFlag{
		Name:  "no-color",
		Usage: "Disable colored output",
	}

	// TUIFlag enables Bubble Tea interactive mode.
	// Only valid for select read-only commands (inspect, stats).
	TUIFlag = &cli.BoolFlag{
		Name:  "tui",
		Usage: "Enable interactive TUI mode (inspect, stats only)",
	}
)

// ReadOnlyFlags returns the shared flags for all read-only commands.
// Includes --tui so that unsupported commands can provide explicit error messages
// instead of generic "flag not defined" errors.
func ReadOnlyFlags() []cli.Flag {
	return []cli.Flag{
		FormatFlag,
		NoColorFlag,
		TUIFlag,
	}
}

// ConfigFlags returns the config file and storage flags shared by every
// command that touches the job store. Values override kiln.yaml.
func ConfigFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "Path to kiln.yaml (default: ./kiln.yaml when present)",
			EnvVars: []string{"KILN_CONFIG"},
		},
		&cli.StringFlag{
			Name:  "storage-backend",
			Usage: "Job store backend: fs, s3 or memory",
		},
		&cli.StringFlag{
			Name:  "storage-path",
			Usage: "Job store path (fs: directory, s3: bucket/prefix)",
		},
		&cli.StringFlag{
			Name:  "storage-region",
			Usage: "AWS region for the s3 backend",
		},
		&cli.StringFlag{
			Name:  "storage-endpoint",
			Usage: "Custom endpoint for S3-compatible stores",
		},
	}
}

// readFlags returns ReadOnlyFlags plus ConfigFlags and extra.
func readFlags(extra ...cli.Flag) []cli.Flag {
	flags := append(ReadOnlyFlags(), ConfigFlags()...)
	return append(flags, extra...)
}
