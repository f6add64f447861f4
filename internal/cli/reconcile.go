package cli

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/mbd888/tourbridge/internal/app"
	"github.com/mbd888/tourbridge/internal/reconciliation"
)

func newReconcileCmd(load AppLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Sync bookings with their operators",
	}
	cmd.AddCommand(newReconcileBookingCmd(load))
	cmd.AddCommand(newReconcileAllCmd(load))
	return cmd
}

func newReconcileBookingCmd(load AppLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "booking <id>",
		Short: "Reconcile one booking now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, load, func(ctx context.Context, a *app.App) error {
				out, err := a.Reconciler.ReconcileOne(ctx, args[0])
				if err != nil {
					return err
				}
				if jsonOutput(cmd) {
					return printJSON(cmd.OutOrStdout(), out)
				}
				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "%s: %s (%s -> %s)\n", out.BookingID, out.Action, out.PreviousStatus, out.Status)
				for _, c := range out.Changes {
					field := string(c.Category) + "." + c.Field
					if c.Direction != "" {
						field = string(c.Category) + "." + string(c.Direction) + "." + c.Field
					}
					fmt.Fprintf(w, "  %s: %q -> %q\n", field, c.Before, c.After)
				}
				return nil
			})
		},
	}
}

func newReconcileAllCmd(load AppLoader) *cobra.Command {
	var (
		staleness time.Duration
		maxPerRun int
	)
	c := &cobra.Command{
		Use:   "all",
		Short: "Run one reconciliation sweep over stale bookings",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, load, func(ctx context.Context, a *app.App) error {
				opts := a.BatchOptions()
				if staleness > 0 {
					opts.Staleness = staleness
				}
				if maxPerRun > 0 {
					opts.MaxPerRun = maxPerRun
				}

				res, err := a.Sweeper.ReconcileBatch(ctx, opts)
				if err != nil && res == nil {
					return err
				}
				if jsonOutput(cmd) {
					if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
						return perr
					}
					return err
				}
				printSweep(cmd, res)
				return err
			})
		},
	}
	c.Flags().DurationVar(&staleness, "staleness", 0, "select bookings not synced for this long (default from RECONCILE_STALENESS)")
	c.Flags().IntVar(&maxPerRun, "max", 0, "cap on bookings in this sweep (default from RECONCILE_MAX_PER_RUN)")
	return c
}

func printSweep(cmd *cobra.Command, res *reconciliation.BatchResult) {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "selected %d bookings in %s, %d changes\n", res.Selected, res.Duration.Round(time.Millisecond), res.Changes)

	actions := make([]string, 0, len(res.Actions))
	for a := range res.Actions {
		actions = append(actions, string(a))
	}
	sort.Strings(actions)
	for _, a := range actions {
		fmt.Fprintf(w, "  %-9s %d\n", a, res.Actions[reconciliation.Action(a)])
	}
	for _, f := range res.Failures {
		fmt.Fprintf(w, "  failed %s: %s\n", f.BookingID, f.Error)
	}
}
