package cmd

import (
	"runtime"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/kiln/cli/render"
	"github.com/pithecene-io/kiln/types"
)

// VersionResponse is the response for the version command.
type VersionResponse struct {
	Version         string `json:"version"`
	Commit          string `json:"commit"`
	ContractVersion string `json:"contract_version"`
	GoVersion       string `json:"go_version"`
}

// VersionCommand returns the version command.
// The report contract version is the project version.
func VersionCommand(commit string) *cli.Command {
	return &cli.Command{
		Name:   "version",
		Usage:  "Show version information",
		Flags:  ReadOnlyFlags(),
		Action: versionAction(commit),
	}
}

func versionAction(commit string) cli.ActionFunc {
	return func(c *cli.Context) error {
		r, err := render.NewRenderer(c)
		if err != nil {
			return err
		}

		if c.Bool("tui") {
			return cli.Exit("--tui is not supported for version command", 1)
		}

		return r.Render(newVersionResponse(commit))
	}
}

func newVersionResponse(commit string) VersionResponse {
	if commit == "" {
		commit = "unknown"
	}
	return VersionResponse{
		Version:         types.Version,
		Commit:          commit,
		ContractVersion: types.Version,
		GoVersion:       runtime.Version(),
	}
}
