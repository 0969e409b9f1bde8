package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/warp/order-reconciler/api"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Port     int
	Schedule bool
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API (and the scheduler when enabled)",
		Long: `Start the HTTP API over the configured database.

With scheduler.enabled (or --schedule) the pipeline also runs every
scheduler.interval. Scheduled and manual runs never overlap.

Example:
  reconciler serve --db ./data/reconciler.db --port 8080 --schedule`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().IntVar(&opts.Port, "port", 0, "HTTP port (overrides server.port)")
	cmd.Flags().BoolVar(&opts.Schedule, "schedule", false, "enable the periodic scheduler")

	return cmd
}

func runServe(ctx context.Context, opts *ServeOptions, cmd *cobra.Command) error {
	a, err := openApp(opts.RootOptions, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer a.Close()

	if opts.Port != 0 {
		a.cfg.Server.Port = opts.Port
		if err := a.cfg.Validate(); err != nil {
			return WrapExitError(ExitCommandError, "invalid port", err)
		}
	}

	handler := api.NewHandler(a.store, a.runner, a.log)
	var metricsHandler http.Handler
	if a.metrics != nil {
		metricsHandler = a.metrics.Handler()
	}

	server := &http.Server{
		Addr:         a.cfg.Server.Addr(),
		Handler:      api.NewRouter(handler, metricsHandler),
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	scheduler := api.NewReconciliationScheduler(a.runner, a.log)
	scheduler.Interval = a.cfg.Scheduler.Interval
	scheduler.Enabled = a.cfg.Scheduler.Enabled || opts.Schedule
	scheduler.Start()
	defer scheduler.Stop()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("server starting", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return WrapExitError(ExitCommandError, "server failed", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return WrapExitError(ExitFailure, "server forced to shutdown", err)
	}
	a.log.Info("server stopped")
	return nil
}
