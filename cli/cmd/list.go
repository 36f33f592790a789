package cmd

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/kiln/cli/reader"
	"github.com/pithecene-io/kiln/cli/render"
)

// listWarningThreshold is the number of items above which we warn about using --limit.
const listWarningThreshold = 100

// isStderrTTY returns true if stderr is a TTY.
func isStderrTTY() bool {
	info, err := os.Stderr.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}

// ListCommand returns the list command.
// List returns thin rows, most recently finished first.
func ListCommand() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List jobs in the job store",
		Flags: readFlags(
			&cli.StringFlag{
				Name:  "status",
				Usage: "Filter by status: succeeded, failed, incomplete",
			},
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Maximum number of jobs to return (0 = no limit)",
				Value: 0,
			},
			&cli.BoolFlag{
				Name:  "all",
				Usage: "Include jobs that never wrote a final report",
			},
		),
		Action: listAction,
	}
}

func listAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	if c.Bool("tui") {
		return cli.Exit("--tui is not supported for list command", 1)
	}

	opts := reader.ListJobsOptions{
		Status:     c.String("status"),
		Limit:      c.Int("limit"),
		Incomplete: c.Bool("all") || c.String("status") == reader.StatusIncomplete,
	}
	if opts.Limit < 0 {
		return cli.Exit("--limit must be >= 0", 1)
	}

	rd, err := openReader(c)
	if err != nil {
		return err
	}
	results, err := rd.ListJobs(c.Context, opts)
	if err != nil {
		return fmt.Errorf("failed to list jobs: %w", err)
	}

	// Warn if output is large and --limit was not specified (TTY only to avoid noise in pipelines)
	if len(results) > listWarningThreshold && opts.Limit == 0 && isStderrTTY() {
		fmt.Fprintf(os.Stderr, "Warning: returning %d results. Consider using --limit to reduce output.\n\n", len(results))
	}

	return r.Render(results)
}
