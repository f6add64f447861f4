// Package cli implements tourctl, the operator-facing command line for
// one-off reconciliation and operator inspection.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/mbd888/tourbridge/internal/app"
	"github.com/mbd888/tourbridge/internal/config"
	"github.com/mbd888/tourbridge/internal/logging"
)

var (
	Version   = "dev"
	CommitSHA = "none"
	BuildDate = "unknown"
)

// AppLoader builds the App a command runs against.
type AppLoader func(ctx context.Context) (*app.App, error)

// loadFromEnv builds the App from the environment, logging to stderr so
// command output stays clean.
func loadFromEnv(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := logging.NewWithWriter(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	return app.New(ctx, cfg, app.WithLogger(logger))
}

// NewRootCmd returns tourctl configured from the environment.
func NewRootCmd() *cobra.Command {
	return newRootCmd(loadFromEnv)
}

func newRootCmd(load AppLoader) *cobra.Command {
	root := &cobra.Command{
		Use:           "tourctl",
		Short:         "Inspect tour operators and reconcile bookings",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().Bool("json", false, "print JSON instead of tables")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newReconcileCmd(load))
	root.AddCommand(newOperatorsCmd(load))
	return root
}

// Execute runs tourctl and exits non-zero on error.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "tourctl %s (commit %s, built %s)\n", Version, CommitSHA, BuildDate)
		},
	}
}

// withApp loads the App, runs fn and closes the App again.
func withApp(cmd *cobra.Command, load AppLoader, fn func(ctx context.Context, a *app.App) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := load(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close(context.Background()) }()
	return fn(ctx, a)
}

func jsonOutput(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("json")
	return v
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
