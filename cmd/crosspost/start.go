package main

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"crosspost/internal/daemon"
	"crosspost/internal/download"
	"crosspost/internal/identity"
	"crosspost/internal/ingest"
	"crosspost/internal/logging"
	"crosspost/internal/preflight"
	"crosspost/internal/publish"
	"crosspost/internal/rewrite"
	"crosspost/internal/scheduler"
	"crosspost/internal/transcode"
	"crosspost/internal/workflow"
)

func newStartCommand(ctx *commandContext) *cobra.Command {
	var skipPreflight bool

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run the pipeline daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if !skipPreflight {
				if _, err := preflight.Run(cfg); err != nil {
					return err
				}
			}
			logger, err := logging.NewFromConfig(cfg)
			if err != nil {
				return fmt.Errorf("build logger: %w", err)
			}
			store, err := ctx.ensureStore()
			if err != nil {
				return err
			}
			pool := identity.NewPool(store, cfg, logger)

			downloader, err := download.New(cfg.Download.Binary, cfg.Download.TimeoutSeconds)
			if err != nil {
				return err
			}
			transcoder, err := transcode.New(cfg.Transcode.Binary, transcode.Profile{
				Width:  cfg.Transcode.Width,
				Height: cfg.Transcode.Height,
				FPS:    cfg.Transcode.FPS,
			}, cfg.Transcode.TimeoutSeconds)
			if err != nil {
				return err
			}
			rewriter := rewrite.NewClient(rewrite.Config{
				APIKey:         cfg.Rewrite.APIKey,
				BaseURL:        cfg.Rewrite.BaseURL,
				Model:          cfg.Rewrite.Model,
				Temperature:    cfg.Rewrite.Temperature,
				TimeoutSeconds: cfg.Rewrite.TimeoutSeconds,
			})
			publisher := publish.NewClient(publish.Config{
				APIBase:        cfg.Publish.APIBase,
				Platform:       cfg.Publish.Platform,
				StayMinSeconds: cfg.Publish.StayMinSeconds,
				StayMaxSeconds: cfg.Publish.StayMaxSeconds,
				TimeoutSeconds: cfg.Publish.TimeoutSeconds,
			})

			gate := scheduler.NewGate(
				time.Duration(cfg.Scheduler.PublishWindowMinutes)*time.Minute,
				cfg.Scheduler.PublishLimit)
			manager := workflow.NewManager(cfg, store, pool, workflow.Handlers{
				Download:  download.NewHandler(cfg, downloader, logger),
				Transcode: transcode.NewHandler(cfg, transcoder, logger),
				Rewrite:   rewrite.NewHandler(cfg, rewriter, logger),
				Publish:   publish.NewHandler(cfg, publisher, pool, logger),
			}, logger,
				workflow.WithGate(gate),
				workflow.WithConfirmer(publisher),
			)
			ingestSvc, err := ingest.NewService(cfg, store, logger)
			if err != nil {
				return err
			}
			sched := scheduler.New(cfg, store, pool, manager, ingestSvc, logger)
			d := daemon.New(cfg, store, pool, manager, sched, logger)

			runCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return d.Run(runCtx)
		},
	}
	cmd.Flags().BoolVar(&skipPreflight, "skip-preflight", false, "Skip environment checks before starting")
	return cmd
}
