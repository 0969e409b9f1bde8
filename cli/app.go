package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/warp/order-reconciler/api"
	"github.com/warp/order-reconciler/config"
	"github.com/warp/order-reconciler/logger"
	"github.com/warp/order-reconciler/metrics"
	"github.com/warp/order-reconciler/pipeline"
	"github.com/warp/order-reconciler/store/sqlite"
)

// app is the wired dependency graph shared by every command.
type app struct {
	cfg     *config.Config
	log     *zap.Logger
	store   *sqlite.Store
	metrics *metrics.Registry // nil when disabled
	runner  *api.Runner
	out     *OutputFormatter
}

func openApp(opts *RootOptions, stdout io.Writer) (*app, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.Database != "" {
		cfg.Database.Path = opts.Database
	}
	if opts.Verbose {
		cfg.Log.Level = "debug"
	}

	if err := logger.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to initialize logger", err)
	}
	log := logger.Named("reconciler")

	if cfg.Database.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to create database directory", err)
		}
	}
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, fmt.Sprintf("failed to open database %s", cfg.Database.Path), err)
	}

	pipelineOpts := []pipeline.Option{
		pipeline.WithLogger(logger.Named("pipeline")),
		pipeline.WithMaxRetries(cfg.Pipeline.MaxRetries),
		pipeline.WithProcessName(cfg.Pipeline.ProcessName),
		pipeline.WithMergeProcessName(cfg.Pipeline.MergeProcessName),
	}
	var reg *metrics.Registry
	if cfg.Metrics.Enabled {
		reg = metrics.NewRegistry()
		pipelineOpts = append(pipelineOpts, pipeline.WithObserver(reg))
	}
	rec := pipeline.New(store, pipelineOpts...)

	log.Debug("app initialized",
		zap.String("database", cfg.Database.Path),
		zap.Int("max_retries", cfg.Pipeline.MaxRetries),
		zap.Bool("merge_after_load", cfg.Pipeline.MergeAfterLoad),
	)

	return &app{
		cfg:     cfg,
		log:     log,
		store:   store,
		metrics: reg,
		runner:  api.NewRunner(rec, cfg.Pipeline.MergeAfterLoad, log),
		out:     &OutputFormatter{Format: opts.Format, Writer: stdout},
	}, nil
}

func (a *app) reconciler() *pipeline.Reconciler { return a.runner.Reconciler }

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.log.Warn("failed to close database", zap.Error(err))
	}
	_ = logger.Sync()
}
