package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/kiln/artifacts"
	"github.com/pithecene-io/kiln/cli/reader"
	"github.com/pithecene-io/kiln/cli/render"
	"github.com/pithecene-io/kiln/cli/tui"
	"github.com/pithecene-io/kiln/lode"
)

// InspectCommand returns the inspect command.
// Inspect shows the final report of one job, or one raw attempt log.
func InspectCommand() *cli.Command {
	return &cli.Command{
		Name:      "inspect",
		Usage:     "Inspect a finished job by ID",
		ArgsUsage: "<job-id>",
		Flags: readFlags(
			&cli.IntFlag{
				Name:  "attempt",
				Usage: "Print the raw log of this attempt (1-based) instead of the report",
			},
			&cli.StringFlag{
				Name:  "stream",
				Usage: "Attempt log stream: stdout or stderr",
				Value: reader.StreamStdout,
			},
		),
		Action: inspectAction,
	}
}

func inspectAction(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("job-id required", 1)
	}
	jobID := c.Args().First()

	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	rd, err := openReader(c)
	if err != nil {
		return err
	}
	ctx := c.Context

	if c.IsSet("attempt") {
		if c.Bool("tui") {
			return cli.Exit("--tui is not supported with --attempt", 1)
		}
		data, err := rd.AttemptLog(ctx, jobID, c.Int("attempt"), c.String("stream"))
		if err != nil {
			return fmt.Errorf("failed to read attempt %d of job %s: %w", c.Int("attempt"), jobID, err)
		}
		return r.RenderRaw(data)
	}

	report, err := rd.InspectJob(ctx, jobID)
	if errors.Is(err, artifacts.ErrReportNotFound) {
		return cli.Exit(fmt.Sprintf("no report for job %s (unknown or unfinished; see kiln list --all)", jobID), 1)
	}
	if err != nil {
		return err
	}

	if c.Bool("tui") {
		return r.RenderTUI(tui.ViewInspectJob, report)
	}
	return r.Render(report)
}

// openReader opens the configured job store read-only.
func openReader(c *cli.Context) (*reader.StoreReader, error) {
	cfg, err := loadConfig(c, nil)
	if err != nil {
		return nil, cli.Exit(err.Error(), 1)
	}
	storage := cfg.StorageConfig()
	if storage.Backend == lode.BackendFS {
		if _, err := os.Stat(storage.Path); err != nil {
			return nil, cli.Exit(fmt.Sprintf("job store not found at %s (set --storage-path or storage.path)", storage.Path), 1)
		}
	}
	rd, err := reader.Open(c.Context, storage)
	if err != nil {
		return nil, fmt.Errorf("failed to open job store: %w", err)
	}
	return rd, nil
}
