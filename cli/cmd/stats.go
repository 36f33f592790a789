package cmd

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/kiln/cli/render"
	"github.com/pithecene-io/kiln/cli/tui"
)

// StatsCommand returns the stats command.
// Stats aggregates every finished job in the ledger.
func StatsCommand() *cli.Command {
	return &cli.Command{
		Name:   "stats",
		Usage:  "Show aggregated job statistics",
		Flags:  readFlags(),
		Action: statsAction,
	}
}

func statsAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	rd, err := openReader(c)
	if err != nil {
		return err
	}

	stats, err := rd.StatsJobs(c.Context)
	if err != nil {
		return fmt.Errorf("failed to read job stats: %w", err)
	}

	if c.Bool("tui") {
		return r.RenderTUI(tui.ViewStatsJobs, stats)
	}
	return r.Render(stats)
}
