package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/warp/order-reconciler/api"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	SkipMerge bool
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Validate and load staged rows, then merge facts",
		Long: `Run one reconciliation: validate pending and quarantined staging rows,
load the valid ones atomically, and (unless disabled) merge the sales
fact table under a second run record.

Exit status is 1 when the run was recorded as failed.

Example:
  reconciler run --db ./data/reconciler.db
  reconciler run --skip-merge --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts.RootOptions, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer a.Close()

			if opts.SkipMerge {
				a.runner.MergeAfterLoad = false
			}

			out, runErr := a.runner.Run(cmd.Context())
			if runErr != nil && out.Report.Run.ID == "" {
				return WrapExitError(ExitCommandError, "failed to start run", runErr)
			}

			resp := api.NewRunResponse(out)
			text := func(w io.Writer) { printRunResponse(w, resp) }
			if runErr != nil {
				if err := a.out.Failure(runErr.Error(), resp, text); err != nil {
					return err
				}
				return WrapExitError(ExitFailure, "run failed", runErr)
			}
			return a.out.Success(resp, text)
		},
	}

	cmd.Flags().BoolVar(&opts.SkipMerge, "skip-merge", false, "do not merge facts after the load")

	return cmd
}

// NewMergeCommand creates the merge command.
func NewMergeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "merge",
		Short: "Reconcile the sales fact table with orders, lines and payments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(rootOpts, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer a.Close()

			report, mergeErr := a.runner.Merge(cmd.Context())
			if mergeErr != nil && report.Run.ID == "" {
				return WrapExitError(ExitCommandError, "failed to start merge", mergeErr)
			}

			resp := api.NewMergeResponse(report)
			text := func(w io.Writer) { printMergeResponse(w, *resp) }
			if mergeErr != nil {
				if err := a.out.Failure(mergeErr.Error(), resp, text); err != nil {
					return err
				}
				return WrapExitError(ExitFailure, "merge failed", mergeErr)
			}
			return a.out.Success(resp, text)
		},
	}
}

func printRunResponse(w io.Writer, r api.RunResponse) {
	printRun(w, r.Run)
	v := r.Validation
	fmt.Fprintf(w, "  validated: %d checked, %d valid, %d invalid (%d retried, %d exhausted)\n",
		v.Checked, v.Valid, v.Invalid, v.Retried, len(v.Exhausted))
	fmt.Fprintf(w, "  loaded:    %d rows, %d orders created, %d lines\n",
		r.Load.RowsProcessed, len(r.Load.OrdersCreated), r.Load.LinesCreated)
	if r.Merge != nil {
		printMergeResponse(w, *r.Merge)
	}
}

func printMergeResponse(w io.Writer, m api.MergeResponse) {
	printRun(w, m.Run)
	fmt.Fprintf(w, "  facts:     %d inserted, %d updated, %d unchanged, %d stale\n",
		m.Result.Inserted, m.Result.Updated, m.Result.Unchanged, m.Result.Stale)
	if m.Error != "" {
		fmt.Fprintf(w, "  error:     %s\n", m.Error)
	}
}

func printRun(w io.Writer, r api.RunDTO) {
	line := fmt.Sprintf("%s %s: %s", r.ProcessName, r.ID, strings.ToUpper(r.Status))
	if r.DurationMs != nil {
		line += fmt.Sprintf(" (%dms)", *r.DurationMs)
	}
	fmt.Fprintln(w, line)
	if r.ErrorMessage != "" {
		fmt.Fprintf(w, "  error:     %s\n", r.ErrorMessage)
	}
}
