package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"text/tabwriter"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/warp/order-reconciler/api"
	"github.com/warp/order-reconciler/factory"
	"github.com/warp/order-reconciler/pipeline"
)

// NewIngestCommand creates the ingest command.
func NewIngestCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest <batch.yaml>",
		Short: "Append a YAML or JSON batch to the staging buffer",
		Long: `Append intake rows to the staging buffer. Rows are only checked for
shape here; business rules run on the next reconciliation.

Batch format:
  source: orders-2023-03-01.csv
  rows:
    - {customer: 1, product: 5, quantity: 2, unit_price: "10.00", order_date: 2023-03-01}

Example:
  reconciler ingest ./batches/2023-03-01.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read batch", err)
			}

			a, err := openApp(rootOpts, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer a.Close()

			f := factory.NewStagingFactory()
			rows, err := f.ParseBatch(data, filepath.Base(args[0]))
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid batch", err)
			}
			ids, err := f.Ingest(cmd.Context(), a.store, rows)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to ingest batch", err)
			}

			resp := api.IngestResponse{Source: rows[0].SourceFile, Count: len(ids), StagingIDs: make([]int64, len(ids))}
			for i, id := range ids {
				resp.StagingIDs[i] = int64(id)
			}
			return a.out.Success(resp, func(w io.Writer) {
				fmt.Fprintf(w, "Staged %d rows from %s (ids %d..%d)\n",
					resp.Count, resp.Source, resp.StagingIDs[0], resp.StagingIDs[len(ids)-1])
			})
		},
	}
}

// QuarantineOptions holds flags for the quarantine command.
type QuarantineOptions struct {
	*RootOptions
	Exhausted bool
}

// NewQuarantineCommand creates the quarantine command.
func NewQuarantineCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QuarantineOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "quarantine",
		Short: "List invalid staging rows awaiting correction",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts.RootOptions, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer a.Close()

			retry := a.reconciler().Retry()
			var rows []pipeline.StagingRow
			if opts.Exhausted {
				rows, err = retry.Exhausted(cmd.Context())
			} else {
				rows, err = retry.Quarantined(cmd.Context())
			}
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to list staging rows", err)
			}

			dtos := api.NewStagingRowDTOs(rows)
			return a.out.Success(dtos, func(w io.Writer) { printStagingRows(w, dtos) })
		},
	}

	cmd.Flags().BoolVar(&opts.Exhausted, "exhausted", false, "list rows with no retries left instead")

	return cmd
}

// CorrectOptions holds flags for the correct command.
type CorrectOptions struct {
	*RootOptions
	Customer  int64
	Product   int64
	Quantity  int64
	UnitPrice string
	OrderDate string
}

// NewCorrectCommand creates the correct command.
func NewCorrectCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CorrectOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "correct <staging-id>",
		Short: "Correct fields of a quarantined staging row",
		Long: `Rewrite fields of a quarantined row. The row is validated again on the
next run, which counts as one retry.

Valid rows named by the latest failed load (a line conflict) can be
corrected too; they go back to pending and are validated as new intake.

Example:
  reconciler correct 42 --product 5
  reconciler correct 43 --quantity 2 --unit-price 9.99`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid staging id %q", args[0]))
			}

			corr, err := opts.correction(cmd)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid correction", err)
			}

			a, err := openApp(opts.RootOptions, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer a.Close()

			row, err := a.reconciler().Retry().Correct(cmd.Context(), pipeline.StagingID(id), corr)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to correct row", err)
			}

			dto := api.NewStagingRowDTO(row)
			return a.out.Success(dto, func(w io.Writer) {
				fmt.Fprintf(w, "Corrected staging row %d; it will be retried on the next run\n", dto.ID)
				printStagingRows(w, []api.StagingRowDTO{dto})
			})
		},
	}

	cmd.Flags().Int64Var(&opts.Customer, "customer", 0, "customer id")
	cmd.Flags().Int64Var(&opts.Product, "product", 0, "product id")
	cmd.Flags().Int64Var(&opts.Quantity, "quantity", 0, "quantity")
	cmd.Flags().StringVar(&opts.UnitPrice, "unit-price", "", "unit price")
	cmd.Flags().StringVar(&opts.OrderDate, "order-date", "", "order date (YYYY-MM-DD)")

	return cmd
}

// correction builds a Correction from the flags the user actually set.
func (o *CorrectOptions) correction(cmd *cobra.Command) (pipeline.Correction, error) {
	var c pipeline.Correction
	flags := cmd.Flags()
	if flags.Changed("customer") {
		id := pipeline.CustomerID(o.Customer)
		c.CustomerRef = &id
	}
	if flags.Changed("product") {
		id := pipeline.ProductID(o.Product)
		c.ProductRef = &id
	}
	if flags.Changed("quantity") {
		q := o.Quantity
		c.Quantity = &q
	}
	if flags.Changed("unit-price") {
		p, err := decimal.NewFromString(o.UnitPrice)
		if err != nil {
			return c, fmt.Errorf("unit-price: %w", err)
		}
		c.UnitPrice = &p
	}
	if flags.Changed("order-date") {
		d, err := pipeline.ParseDate(o.OrderDate)
		if err != nil {
			return c, fmt.Errorf("order-date: %w", err)
		}
		c.OrderDate = &d
	}
	if c.Empty() {
		return c, fmt.Errorf("set at least one of --customer, --product, --quantity, --unit-price, --order-date")
	}
	return c, nil
}

func printStagingRows(w io.Writer, rows []api.StagingRowDTO) {
	if len(rows) == 0 {
		fmt.Fprintln(w, "No rows")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCUSTOMER\tPRODUCT\tQTY\tPRICE\tDATE\tSTATUS\tRETRIES\tSOURCE")
	for _, r := range rows {
		fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%s\t%s\t%s\t%d\t%s\n",
			r.ID, r.CustomerRef, r.ProductRef, r.Quantity, r.UnitPrice, r.OrderDate, r.Status, r.RetryCount, r.SourceFile)
	}
	tw.Flush()
}
