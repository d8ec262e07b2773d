package main

import (
	"context"
	"fmt"
	"io"

	"github.com/azargarov/opqueue"
	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

type runOptions struct {
	config  string
	dump    bool
	metrics bool
	verbose bool
}

func addRunFlags(fs *pflag.FlagSet, o *runOptions) {
	fs.StringVarP(&o.config, "config", "c", "", "workload file (YAML)")
	fs.BoolVar(&o.dump, "dump", false, "print the final queue state as YAML")
	fs.BoolVar(&o.metrics, "metrics", false, "print queue metrics in Prometheus text format")
	fs.BoolVarP(&o.verbose, "verbose", "v", false, "log queue internals to stderr")
}

func newRunCmd() *cobra.Command {
	var o runOptions
	cmd := &cobra.Command{
		Use:   "run --config <file>",
		Short: "run a workload and report per-client service",
		Long: `
Replays the clients of a workload file against the queue on a simulated
clock. The server retires 'capacity' cost units per simulated second.
`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return runSim(ctx, cmd.OutOrStdout(), o)
		},
	}
	addRunFlags(cmd.Flags(), &o)
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

func runSim(ctx context.Context, out io.Writer, o runOptions) error {
	w, err := loadWorkload(o.config)
	if err != nil {
		return err
	}

	log := zap.NewNop()
	if o.verbose {
		if log, err = zap.NewDevelopment(); err != nil {
			return errors.Wrap(err, "creating logger")
		}
		defer func() { _ = log.Sync() }()
	}

	reg := prometheus.NewRegistry()
	sim := newSimulator(w, log, opqueue.NewPromMetrics(reg))
	rep, err := sim.run(ctx)
	if err != nil {
		return err
	}
	if err := writeReport(out, rep); err != nil {
		return err
	}

	if o.dump {
		f := opqueue.NewTreeFormatter()
		sim.queue.Dump(f)
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(f.Root()); err != nil {
			return errors.Wrap(err, "encoding dump")
		}
		if err := enc.Close(); err != nil {
			return errors.Wrap(err, "encoding dump")
		}
	}

	if o.metrics {
		mfs, err := reg.Gather()
		if err != nil {
			return errors.Wrap(err, "gathering metrics")
		}
		for _, mf := range mfs {
			if _, err := expfmt.MetricFamilyToText(out, mf); err != nil {
				return errors.Wrap(err, "writing metrics")
			}
		}
	}
	return nil
}

func writeReport(out io.Writer, rep *Report) error {
	var total uint64
	for _, c := range rep.Clients {
		total += c.Cost
	}
	if _, err := fmt.Fprintf(out, "simulated %s, %s requests left pending\n\n",
		rep.Elapsed, humanize.Comma(int64(rep.Pending))); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(out, "%-12s %-20s %10s %10s %12s %7s %8s %8s %8s %8s\n",
		"client", "key", "enqueued", "served", "cost", "share",
		"strict", "resv", "prop", "break"); err != nil {
		return err
	}
	for _, c := range rep.Clients {
		share := 0.0
		if total > 0 {
			share = 100 * float64(c.Cost) / float64(total)
		}
		key := "-"
		if c.Served > 0 {
			key = c.Key.String()
		}
		if _, err := fmt.Fprintf(out, "%-12s %-20s %10s %10s %12s %6.1f%% %8d %8d %8d %8d\n",
			c.Name, key,
			humanize.Comma(c.Enqueued),
			humanize.Comma(c.Served),
			humanize.Comma(int64(c.Cost)),
			share,
			c.Phases[opqueue.PhaseStrict],
			c.Phases[opqueue.PhaseReservation],
			c.Phases[opqueue.PhaseProportion],
			c.Phases[opqueue.PhaseLimitBreak]); err != nil {
			return err
		}
	}
	return nil
}
