package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"text/tabwriter"

	"github.com/loopplug/u3loop/internal/results"
)

// History lists runs stored with --results.db.
type History struct {
	DB    string `name:"db" help:"SQLite history database" type:"path" env:"U3LOOP_RESULTS_DB" required:""`
	Tool  string `help:"Only list runs of this tool"`
	Limit int    `short:"n" help:"Number of runs to list" default:"20"`
}

// Run is called by Kong when the history command is executed.
func (h *History) Run(logger *slog.Logger, env *Env) error {
	store, err := results.Open(h.DB, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.Recent(context.Background(), h.Tool, h.Limit)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(env.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "WHEN\tTOOL\tDEVICE\tSERIAL\tMODE\tDURATION\tOPS\tMBPS\tHOST ERR\tPHY\tLINK\tP99 (us)")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%d\t%.2f\t%d\t%d\t%d\t%d\n",
			r.CreatedAt.Local().Format("2006-01-02 15:04:05"), r.Tool, r.Device, r.Serial, r.Mode,
			r.Duration, r.Ops, r.AvgMbps, r.HostErrors, r.PhyErrors, r.LinkErrors, r.LatencyP99Micro)
	}
	return tw.Flush()
}
