package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"pgtunebench/api/tuneapi"
	"pgtunebench/internal/planner"
)

func planCmd() *cobra.Command {
	var workloads []string

	cmd := &cobra.Command{
		Use:   "plan [experiment]",
		Short: "Print the pgbench commands planned for each workload class",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			exp, err := readExperiment(args)
			if err != nil {
				return err
			}

			classes := exp.Workloads
			if len(workloads) > 0 {
				classes = nil
				for _, w := range workloads {
					class, err := tuneapi.ParseWorkloadClass(w)
					if err != nil {
						return err
					}
					classes = append(classes, class)
				}
			}

			out := cmd.OutOrStdout()
			for _, class := range classes {
				p, err := planner.Plan(exp.Server, exp.Tools, class)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s: connections=%d threads=%d scale_factor=%d\n",
					class, p.Connections, p.Threads, p.ScaleFactor)
				for _, inv := range p.Phases() {
					fmt.Fprintf(out, "  %-10s %s\n", inv.Phase, inv)
				}
			}

			fmt.Fprintf(out, "sequence: %s =", exp.Sequence.Parameter)
			for i := range exp.Sequence.Values {
				fmt.Fprintf(out, " %s", exp.Sequence.Target(i))
			}
			fmt.Fprintf(out, " (dwell %s, restart %v)\n", exp.Sequence.Dwell, exp.Sequence.RestartRequired)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&workloads, "workload", nil, "Plan only these workload classes")
	return cmd
}
