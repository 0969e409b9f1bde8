package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/warp/order-reconciler/api"
	"github.com/warp/order-reconciler/pipeline"
)

// RunsOptions holds flags for the runs command.
type RunsOptions struct {
	*RootOptions
	Status  string
	Process string
	Limit   int
}

// NewRunsCommand creates the runs command.
func NewRunsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "runs [run-id]",
		Short: "Show run history, or one run with its error log",
		Long: `Without arguments, list runs newest first. With a run id, show that run
and every error record it logged.

Example:
  reconciler runs --status failed --limit 5
  reconciler runs 0190f1c2-...`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts.RootOptions, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := cmd.Context()

			if len(args) == 1 {
				id := pipeline.RunID(args[0])
				run, err := a.store.GetRun(ctx, id)
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to get run", err)
				}
				if run == nil {
					return WrapExitError(ExitCommandError, "unknown run", fmt.Errorf("%w: %s", pipeline.ErrRunNotFound, id))
				}
				errs, err := a.store.ListErrors(ctx, id)
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to list run errors", err)
				}
				detail := api.RunDetailResponse{Run: api.NewRunDTO(*run), Errors: api.NewErrorRecordDTOs(errs)}
				return a.out.Success(detail, func(w io.Writer) { printRunDetail(w, detail) })
			}

			status := pipeline.RunStatus(opts.Status)
			switch status {
			case "", pipeline.RunStarted, pipeline.RunSuccess, pipeline.RunFailed:
			default:
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid status %q", opts.Status))
			}

			runs, err := a.store.ListRuns(ctx, pipeline.RunFilter{
				Status:      status,
				ProcessName: opts.Process,
				Limit:       opts.Limit,
			})
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to list runs", err)
			}
			dtos := make([]api.RunDTO, len(runs))
			for i, r := range runs {
				dtos[i] = api.NewRunDTO(r)
			}
			return a.out.Success(dtos, func(w io.Writer) { printRuns(w, dtos) })
		},
	}

	cmd.Flags().StringVar(&opts.Status, "status", "", "filter by status (started|success|failed)")
	cmd.Flags().StringVar(&opts.Process, "process", "", "filter by process name")
	cmd.Flags().IntVar(&opts.Limit, "limit", 20, "maximum runs to list (0 for all)")

	return cmd
}

func printRuns(w io.Writer, runs []api.RunDTO) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPROCESS\tSTARTED\tSTATUS\tERROR")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.ProcessName, r.StartTime, r.Status, r.ErrorMessage)
	}
	tw.Flush()
}

func printRunDetail(w io.Writer, d api.RunDetailResponse) {
	printRun(w, d.Run)
	if len(d.Errors) == 0 {
		fmt.Fprintln(w, "  no errors logged")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "  KIND\tTABLE\tROW\tMESSAGE")
	for _, e := range d.Errors {
		row := "-"
		if e.SourceRowID != nil {
			row = fmt.Sprint(*e.SourceRowID)
		}
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\n", e.Kind, e.SourceTable, row, e.Message)
	}
	tw.Flush()
}
