package cli

import (
	"context"
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mbd888/tourbridge/internal/app"
)

func newOperatorsCmd(load AppLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "operators",
		Short: "Inspect configured operators",
	}
	cmd.AddCommand(newOperatorsListCmd(load))
	cmd.AddCommand(newOperatorsHealthCmd(load))
	return cmd
}

func newOperatorsListCmd(load AppLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List operators in preference order",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, load, func(_ context.Context, a *app.App) error {
				all := a.Operators.All()
				if jsonOutput(cmd) {
					return printJSON(cmd.OutOrStdout(), all)
				}
				primary := a.Operators.Primary()
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "TYPE\tENABLED\tPRIORITY\tWEIGHT\tPRIMARY\tFEATURES")
				for _, d := range all {
					fmt.Fprintf(tw, "%s\t%t\t%d\t%d\t%t\t%d\n", d.Type, d.Enabled, d.Priority, d.Weight, d.Type == primary, len(d.Features))
				}
				return tw.Flush()
			})
		},
	}
}

func newOperatorsHealthCmd(load AppLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Probe every enabled operator",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, load, func(ctx context.Context, a *app.App) error {
				results := a.Manager.Health(ctx)
				if jsonOutput(cmd) {
					return printJSON(cmd.OutOrStdout(), results)
				}

				types := make([]string, 0, len(results))
				for t := range results {
					types = append(types, t)
				}
				sort.Strings(types)

				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "TYPE\tHEALTHY\tCIRCUIT\tERROR")
				down := 0
				for _, t := range types {
					h := results[t]
					if !h.Healthy {
						down++
					}
					fmt.Fprintf(tw, "%s\t%t\t%s\t%s\n", t, h.Healthy, h.CircuitState, h.Error)
				}
				if err := tw.Flush(); err != nil {
					return err
				}
				if len(results) > 0 && down == len(results) {
					return fmt.Errorf("all %d operators unhealthy", down)
				}
				return nil
			})
		},
	}
}
